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

import "testing"

func TestGarbageListDrainRunsInOrder(t *testing.T) {
	g := NewGarbageList()
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		g.Append(func() { order = append(order, i) })
	}
	if g.Empty() {
		t.Fatalf("expected pending garbage")
	}
	if g.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", g.Len())
	}

	g.Drain()

	if !g.Empty() {
		t.Fatalf("expected garbage list empty after Drain")
	}
	want := []int{0, 1, 2}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}

func TestGarbageListMerge(t *testing.T) {
	a := NewGarbageList()
	b := NewGarbageList()
	ran := 0
	b.Append(func() { ran++ })

	a.Merge(b)
	if !b.Empty() {
		t.Fatalf("expected source list drained after Merge")
	}
	if a.Len() != 1 {
		t.Fatalf("expected merged item in destination list")
	}
	a.Drain()
	if ran != 1 {
		t.Fatalf("expected merged thunk to run exactly once")
	}
}

func TestGarbageListAppendNil(t *testing.T) {
	g := NewGarbageList()
	g.Append(nil)
	if !g.Empty() {
		t.Fatalf("appending nil should not add to the list")
	}
}
