/*
Copyright 2023 Alexander Bartolomey (github@alexanderbartolomey.de)

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package tmgr

// GarbageList collects destructors for Templates that have become
// unreachable from the Manager's current chain but may still be referenced
// by a caller holding an older Snapshot. Snapshots themselves are not
// queued here. Grounded on
// original_source/src/template_mgr/garbage.{h,c}: the C API pairs an opaque
// data pointer with a destructor function; in Go, a closure captures both,
// so GarbageList is simply a queue of thunks.
type GarbageList struct {
	items []func()
}

// NewGarbageList creates an empty garbage list.
func NewGarbageList() *GarbageList {
	return &GarbageList{}
}

// Append queues a cleanup thunk. It is run (at most once) by a later Drain.
func (g *GarbageList) Append(destroy func()) {
	if destroy == nil {
		return
	}
	g.items = append(g.items, destroy)
}

// Empty reports whether the list currently holds no garbage.
func (g *GarbageList) Empty() bool {
	return len(g.items) == 0
}

// Len reports the number of pending destructors.
func (g *GarbageList) Len() int {
	return len(g.items)
}

// Drain runs every queued destructor, in the order they were appended, and
// clears the list. It is safe to call on an empty list.
func (g *GarbageList) Drain() {
	items := g.items
	g.items = nil
	for _, destroy := range items {
		destroy()
	}
}

// Merge appends another list's pending destructors onto this one, draining
// the other list's queue in the process.
func (g *GarbageList) Merge(other *GarbageList) {
	if other == nil || len(other.items) == 0 {
		return
	}
	g.items = append(g.items, other.items...)
	other.items = nil
}
