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

package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	pkgprofile "github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/nestybox/tracecore/domain"
	"github.com/nestybox/tracecore/internal/isa"
	"github.com/nestybox/tracecore/internal/pcc"
	"github.com/nestybox/tracecore/internal/provider/cpc"
	"github.com/nestybox/tracecore/internal/provider/fbt"
	"github.com/nestybox/tracecore/internal/provider/pid"
	profileprov "github.com/nestybox/tracecore/internal/provider/profile"
	rawtpprov "github.com/nestybox/tracecore/internal/provider/rawtp"
	"github.com/nestybox/tracecore/internal/provider/syscallprov"
	"github.com/nestybox/tracecore/internal/provider/uprobe"
	"github.com/nestybox/tracecore/internal/registry"
)

const usage = `tracecored control program

tracecored attaches to or spawns a target process, installs probes from
the probe registry, and drives the process-control state machine that
services its ptrace events until the process exits or is detached.
`

// Globals populated at build time.
var (
	version  string
	commitId string
	builtAt  string
)

func main() {
	app := cli.NewApp()
	app.Name = "tracecored"
	app.Usage = usage
	app.Version = version

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "log categories to include (debug, info, warning, error, fatal)",
		},
		cli.StringFlag{
			Name:  "log-format",
			Value: "text",
			Usage: "log format; must be json or text",
		},
		cli.BoolFlag{
			Name:   "cpu-profile",
			Usage:  "enable cpu-profiling data collection",
			Hidden: true,
		},
		cli.BoolFlag{
			Name:   "mem-profile",
			Usage:  "enable memory-profiling data collection",
			Hidden: true,
		},
	}

	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Printf("tracecored\n\tversion: \t%s\n\tcommit: \t%s\n\tbuilt at: \t%s\n",
			c.App.Version, commitId, builtAt)
	}

	app.Before = func(c *cli.Context) error {
		return configureLogging(c.String("log-level"), c.String("log-format"))
	}

	app.Commands = []cli.Command{
		attachCommand,
		execCommand,
		listProvidersCommand,
		enableCommand,
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatalf("tracecored: %v", err)
	}
}

func configureLogging(level, format string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log-level %q: %w", level, err)
	}
	logrus.SetLevel(lvl)

	switch format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logrus.SetFormatter(&logrus.TextFormatter{})
	default:
		return fmt.Errorf("invalid log-format %q: must be json or text", format)
	}
	return nil
}

func runProfiler(c *cli.Context) (interface{ Stop() }, error) {
	var prof interface{ Stop() }
	if c.GlobalBool("cpu-profile") && c.GlobalBool("mem-profile") {
		return nil, fmt.Errorf("cpu-profile and mem-profile are mutually exclusive")
	}
	if c.GlobalBool("cpu-profile") {
		prof = pkgprofile.Start(pkgprofile.CPUProfile, pkgprofile.ProfilePath("."), pkgprofile.NoShutdownHook)
	}
	if c.GlobalBool("mem-profile") {
		prof = pkgprofile.Start(pkgprofile.MemProfile, pkgprofile.ProfilePath("."), pkgprofile.NoShutdownHook)
	}
	return prof, nil
}

// newRegistry builds the probe registry with every concrete provider
// family except sdt (which is not registered here) registered and
// populated, the shared setup attach/exec/
// list-providers/enable all need (spec.md §4.5).
func newRegistry() (*registry.Registry, error) {
	reg := registry.New()
	isaReg := isa.Default()
	defaultISA, ok := isaReg.Lookup(domain.ISAKey{ELF64: true, Machine: 62 /* EM_X86_64 */})
	if !ok {
		return nil, fmt.Errorf("no default ISA registered")
	}

	uprobes := uprobe.New(defaultISA)
	providers := []domain.ProviderIface{
		fbt.New(defaultISA),
		syscallprov.New(defaultISA),
		profileprov.New(defaultISA),
		rawtpprov.New(defaultISA),
		uprobes,
		pid.New(defaultISA, uprobes),
		pid.NewIsEnabled(defaultISA),
		cpc.New(defaultISA),
	}

	for _, p := range providers {
		if err := reg.RegisterProvider(p); err != nil {
			return nil, err
		}
		if n, err := p.Populate(reg); err != nil {
			logrus.Warnf("provider %s: populate: %v", p.Name(), err)
		} else {
			logrus.Debugf("provider %s: populated %d probes", p.Name(), n)
		}
	}

	return reg, nil
}

var attachCommand = cli.Command{
	Name:      "attach",
	Usage:     "attach to a running process by pid",
	ArgsUsage: "<pid>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return fmt.Errorf("attach requires exactly one pid argument")
		}
		pidArg, err := strconv.ParseUint(c.Args().Get(0), 10, 32)
		if err != nil {
			return fmt.Errorf("invalid pid %q: %w", c.Args().Get(0), err)
		}

		prof, err := runProfiler(c)
		if err != nil {
			return err
		}
		svc := pcc.NewService()

		handle, err := svc.Grab(uint32(pidArg), domain.GrabLevel2, false, nil)
		if err != nil {
			return fmt.Errorf("attach: %w", err)
		}
		logrus.Infof("attached to pid %d", handle.Pid())

		runEventLoop(handle, prof)
		return nil
	},
}

var execCommand = cli.Command{
	Name:      "exec",
	Usage:     "spawn a program and attach to it",
	ArgsUsage: "<prog> [args...]",
	Action: func(c *cli.Context) error {
		if c.NArg() < 1 {
			return fmt.Errorf("exec requires a program path")
		}

		prof, err := runProfiler(c)
		if err != nil {
			return err
		}
		svc := pcc.NewService()

		handle, err := svc.Create(c.Args().Get(0), c.Args().Tail(), nil)
		if err != nil {
			return fmt.Errorf("exec: %w", err)
		}
		logrus.Infof("spawned pid %d", handle.Pid())

		runEventLoop(handle, prof)
		return nil
	},
}

var listProvidersCommand = cli.Command{
	Name:  "list-providers",
	Usage: "list registered probe providers and their populated probe counts",
	Action: func(c *cli.Context) error {
		reg, err := newRegistry()
		if err != nil {
			return err
		}
		for _, p := range reg.Providers() {
			fmt.Printf("%-16s %d probes\n", p.Name(), len(reg.ByProvider(p.Name())))
		}
		return nil
	},
}

var enableCommand = cli.Command{
	Name:      "enable",
	Usage:     "enable probes matching a provider:module:function:name descriptor",
	ArgsUsage: "<provider:module:function:name>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return fmt.Errorf("enable requires exactly one descriptor argument")
		}
		desc, err := parseDesc(c.Args().Get(0))
		if err != nil {
			return err
		}

		reg, err := newRegistry()
		if err != nil {
			return err
		}

		count := 0
		var enableErr error
		reg.Iter(desc, func(p *domain.Probe) bool {
			if err := p.Provider.Enable(p); err != nil {
				enableErr = err
				return false
			}
			count++
			return true
		})
		if enableErr != nil {
			return fmt.Errorf("enable: %w", enableErr)
		}
		logrus.Infof("enabled %d probe(s) matching %s", count, desc.String())
		return nil
	},
}

// parseDesc parses a "provider:module:function:name" descriptor, where
// any field may be empty to act as a wildcard (spec.md §4.5 "Probe
// lookup").
func parseDesc(s string) (domain.ProbeDesc, error) {
	parts := strings.SplitN(s, ":", 4)
	for len(parts) < 4 {
		parts = append(parts, "")
	}
	return domain.ProbeDesc{Provider: parts[0], Module: parts[1], Function: parts[2], Name: parts[3]}, nil
}

// runEventLoop drives wait() to quiescence in a loop until the target
// exits (spec.md §4.1 "Service wait events"), the minimal driver a
// control program needs around the process handle.
func runEventLoop(handle domain.ProcessHandleIface, prof interface{ Stop() }) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	defer func() {
		if prof != nil {
			prof.Stop()
		}
	}()

	for handle.State() != domain.StateDead {
		select {
		case <-sigCh:
			logrus.Info("tracecored: signal received, detaching")
			_ = handle.Release(domain.ReleaseNormal)
			return
		default:
		}

		if _, err := handle.Wait(true); err != nil {
			logrus.Errorf("tracecored: wait: %v", err)
			return
		}
	}
	logrus.Infof("tracecored: pid %d exited", handle.Pid())
}
