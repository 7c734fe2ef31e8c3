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

// Package container provides the small intrusive-list and open-hash-table
// utilities spec.md §2 calls out as the "leaves" of the component tree
// (Container utilities, ~2% of the implementation). Go's type parameters
// stand in for the original's intrusive dt_list_t embedding + per-type ops
// vector (libcommon/dt_list.h): here the ops vector is reduced to the
// Ops struct in hashtable.go.
package container

// List is a minimal doubly-linked list, generic over element type. It
// exists (rather than reaching for container/list) because callers in
// this module want typed elements without interface{} boxing. Unlike the
// original's dt_list_t, which embeds the link pointers in the element
// itself, each element here gets its own separately allocated node.
type List[T any] struct {
	head *node[T]
	tail *node[T]
	size int
}

type node[T any] struct {
	val        T
	prev, next *node[T]
}

func (l *List[T]) PushBack(v T) {
	n := &node[T]{val: v}
	if l.tail == nil {
		l.head, l.tail = n, n
	} else {
		n.prev = l.tail
		l.tail.next = n
		l.tail = n
	}
	l.size++
}

func (l *List[T]) Len() int { return l.size }

// Each calls fn for every element in insertion order. Returning false
// stops the iteration early.
func (l *List[T]) Each(fn func(T) bool) {
	for n := l.head; n != nil; n = n.next {
		if !fn(n.val) {
			return
		}
	}
}

// RemoveFunc removes the first element for which match returns true,
// reporting whether anything was removed.
func (l *List[T]) RemoveFunc(match func(T) bool) bool {
	for n := l.head; n != nil; n = n.next {
		if !match(n.val) {
			continue
		}
		if n.prev != nil {
			n.prev.next = n.next
		} else {
			l.head = n.next
		}
		if n.next != nil {
			n.next.prev = n.prev
		} else {
			l.tail = n.prev
		}
		l.size--
		return true
	}
	return false
}

func (l *List[T]) Slice() []T {
	out := make([]T, 0, l.size)
	l.Each(func(v T) bool {
		out = append(out, v)
		return true
	})
	return out
}
