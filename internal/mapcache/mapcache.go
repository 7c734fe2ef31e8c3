//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package mapcache implements the Mapping cache component of spec.md §2
// and §4.4: parsing /proc/<pid>/maps into a sorted mapping array plus
// hash indices by filename and by (device, inode), invalidated wholesale
// on exec/fork/clone/DLACTIVITY (spec.md §5).
//
// The line-parsing shape (bufio.Scanner + fmt.Sscanf over a fixed-field
// /proc table, building both a path-indexed and an id-indexed map) is
// grounded on the teacher's seccomp.mountInfo.parseMountInfo, which
// parses /proc/<pid>/mountinfo the same way; here the id key is
// (device, inode) instead of a mount ID.
package mapcache

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/nestybox/tracecore/domain"
)

var _ domain.MappingCacheIface = (*Cache)(nil)

// Cache is the per-process mapping cache (spec.md §3 "Mapping entry",
// §4.4 "Mapping update").
type Cache struct {
	pid   int
	valid bool

	mappings []*domain.Mapping
	byPath   map[string][]*domain.Mapping
	byID     map[devInode]*domain.FileInfo

	exePath string
}

type devInode struct {
	dev, inode uint64
}

func New(pid int) *Cache {
	return &Cache{pid: pid}
}

func (c *Cache) Invalidate() {
	c.valid = false
}

func (c *Cache) Refresh() error {
	if c.valid {
		return nil
	}
	return c.rebuild()
}

func (c *Cache) rebuild() error {
	path := filepath.Join("/proc", strconv.Itoa(c.pid), "maps")
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	oldByID := c.byID

	mappings := make([]*domain.Mapping, 0, 64)
	byPath := make(map[string][]*domain.Mapping)
	byID := make(map[devInode]*domain.FileInfo)

	s := bufio.NewScanner(f)
	for s.Scan() {
		m, id, err := parseMapsLine(s.Text())
		if err != nil {
			logrus.Debugf("mapcache: skipping unparseable /proc/%d/maps line: %v", c.pid, err)
			continue
		}

		if m.Path != "" {
			var fi *domain.FileInfo
			if existing, ok := oldByID[id]; ok && existing.Path == m.Path {
				// Reuse the FileInfo across the rebuild (spec.md §5
				// "File-infos are reference counted: they persist
				// across a cache rebuild if the new mapping set still
				// uses them").
				fi = existing
			} else if existing, ok := byID[id]; ok {
				fi = existing
			} else {
				fi = &domain.FileInfo{Path: m.Path, Dev: id.dev, Inode: id.inode}
				byID[id] = fi
			}
			fi.AddRef()
			m.File = fi
			byID[id] = fi
		}

		mappings = append(mappings, m)
		byPath[m.Path] = append(byPath[m.Path], m)
	}
	if err := s.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", path, err)
	}

	// Drop refs held by the previous generation's mappings; any
	// FileInfo not carried forward above naturally reaches refcount 0
	// here (spec.md §3 "File info" lifecycle).
	for _, old := range c.mappings {
		if old.File != nil {
			old.File.DelRef()
		}
	}

	sort.Slice(mappings, func(i, j int) bool { return mappings[i].Start < mappings[j].Start })

	primarySet := make(map[*domain.FileInfo]bool)
	for i, m := range mappings {
		if m.File == nil {
			continue
		}
		if !primarySet[m.File] {
			m.File.PrimaryMapIdx = i
			primarySet[m.File] = true
		} else if m.Perms&domain.PermExec != 0 && mappings[m.File.PrimaryMapIdx].Perms&domain.PermExec == 0 {
			m.File.PrimaryMapIdx = i
		}
	}

	c.mappings = mappings
	c.byPath = byPath
	c.byID = byID
	c.valid = true

	if exe, err := os.Readlink(filepath.Join("/proc", strconv.Itoa(c.pid), "exe")); err == nil {
		c.exePath = exe
	}

	return nil
}

// parseMapsLine parses one /proc/<pid>/maps line:
//
//	address           perms offset  dev   inode       pathname
//	00400000-00452000 r-xp 00000000 08:02 173521      /usr/bin/foo
func parseMapsLine(line string) (*domain.Mapping, devInode, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return nil, devInode{}, fmt.Errorf("too few fields: %q", line)
	}

	addrs := strings.SplitN(fields[0], "-", 2)
	if len(addrs) != 2 {
		return nil, devInode{}, fmt.Errorf("bad address range: %q", fields[0])
	}
	start, err := strconv.ParseUint(addrs[0], 16, 64)
	if err != nil {
		return nil, devInode{}, err
	}
	end, err := strconv.ParseUint(addrs[1], 16, 64)
	if err != nil {
		return nil, devInode{}, err
	}

	perms := domain.Perm(0)
	permStr := fields[1]
	if strings.Contains(permStr, "r") {
		perms |= domain.PermRead
	}
	if strings.Contains(permStr, "w") {
		perms |= domain.PermWrite
	}
	if strings.Contains(permStr, "x") {
		perms |= domain.PermExec
	}

	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return nil, devInode{}, err
	}

	devParts := strings.SplitN(fields[3], ":", 2)
	var major, minor uint64
	if len(devParts) == 2 {
		major, _ = strconv.ParseUint(devParts[0], 16, 64)
		minor, _ = strconv.ParseUint(devParts[1], 16, 64)
	}
	dev := (major << 8) | minor

	inode, err := strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		return nil, devInode{}, err
	}

	pathname := ""
	if len(fields) > 5 {
		pathname = strings.Join(fields[5:], " ")
	}

	m := &domain.Mapping{
		Start:  start,
		Size:   end - start,
		Perms:  perms,
		Dev:    dev,
		Inode:  inode,
		Offset: offset,
		Path:   pathname,
	}

	return m, devInode{dev: dev, inode: inode}, nil
}

func (c *Cache) All() ([]*domain.Mapping, error) {
	if err := c.Refresh(); err != nil {
		return nil, err
	}
	return c.mappings, nil
}

func (c *Cache) ByPath(path string) ([]*domain.Mapping, error) {
	if err := c.Refresh(); err != nil {
		return nil, err
	}
	return c.byPath[path], nil
}

func (c *Cache) ByDevInode(dev, inode uint64) (*domain.FileInfo, error) {
	if err := c.Refresh(); err != nil {
		return nil, err
	}
	fi, ok := c.byID[devInode{dev: dev, inode: inode}]
	if !ok {
		return nil, nil
	}
	return fi, nil
}

func (c *Cache) ByAddr(addr uint64) (*domain.Mapping, error) {
	mappings, err := c.All()
	if err != nil {
		return nil, err
	}

	// Binary search over the sorted array (spec.md §3 invariant 1).
	i := sort.Search(len(mappings), func(i int) bool { return mappings[i].Start > addr })
	if i == 0 {
		return nil, nil
	}
	m := mappings[i-1]
	if m.Contains(addr) {
		return m, nil
	}
	return nil, nil
}

func (c *Cache) Executable() (*domain.Mapping, error) {
	if err := c.Refresh(); err != nil {
		return nil, err
	}
	for _, m := range c.mappings {
		if m.Perms&domain.PermExec != 0 && m.Path == c.exePath {
			return m, nil
		}
	}
	return nil, nil
}

// Linker implements spec.md §4.4's heuristic: the first executable
// mapping whose basename starts with "ld-" is the dynamic linker.
func (c *Cache) Linker() (*domain.Mapping, error) {
	if err := c.Refresh(); err != nil {
		return nil, err
	}
	for _, m := range c.mappings {
		if m.Perms&domain.PermExec == 0 || m.Path == "" {
			continue
		}
		if strings.HasPrefix(filepath.Base(m.Path), "ld-") {
			return m, nil
		}
	}
	return nil, nil
}
