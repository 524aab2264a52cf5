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

func TestSnapshotPutGetRemove(t *testing.T) {
	s := newSnapshot(nil, 0)
	tmpl := mkTemplate(256, 1)
	s.put(256, snapshotRec{tmpl: tmpl, flags: flagCreate | flagDelete})

	if got := s.Get(256); got != tmpl {
		t.Fatalf("Get returned %v, want %v", got, tmpl)
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", s.Len())
	}

	if !s.remove(256) {
		t.Fatalf("remove should report success")
	}
	if s.Get(256) != nil {
		t.Fatalf("expected template gone after remove")
	}
	if s.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", s.Len())
	}
}

func TestSnapshotForOrdersByID(t *testing.T) {
	s := newSnapshot(nil, 0)
	ids := []uint16{500, 256, 65000, 300}
	for _, id := range ids {
		s.put(id, snapshotRec{tmpl: mkTemplate(id, 0)})
	}

	var seen []uint16
	s.For(func(tmpl *Template) bool {
		seen = append(seen, tmpl.id())
		return true
	})

	want := []uint16{256, 300, 500, 65000}
	if len(seen) != len(want) {
		t.Fatalf("got %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("got %v, want %v", seen, want)
		}
	}
}

func TestSnapshotForEarlyStop(t *testing.T) {
	s := newSnapshot(nil, 0)
	s.put(1, snapshotRec{tmpl: mkTemplate(1, 0)})
	s.put(2, snapshotRec{tmpl: mkTemplate(2, 0)})
	s.put(3, snapshotRec{tmpl: mkTemplate(3, 0)})

	count := 0
	s.For(func(tmpl *Template) bool {
		count++
		return tmpl.id() != 2
	})
	if count != 2 {
		t.Fatalf("expected iteration to stop after 2 records, got %d", count)
	}
}

func TestSnapshotCloneIsIndependent(t *testing.T) {
	s := newSnapshot(nil, 0)
	s.put(256, snapshotRec{tmpl: mkTemplate(256, 0), flags: flagCreate | flagDelete})

	clone := s.clone()
	clone.remove(256)

	if s.Get(256) == nil {
		t.Fatalf("removing from clone must not affect source snapshot")
	}
	if clone.Get(256) != nil {
		t.Fatalf("expected template removed from clone")
	}
}

func TestBitset256(t *testing.T) {
	var b bitset256
	if !b.empty() {
		t.Fatalf("expected new bitset to be empty")
	}
	b.set(7)
	b.set(200)
	if !b.has(7) || !b.has(200) {
		t.Fatalf("expected bits 7 and 200 to be set")
	}
	if b.has(8) {
		t.Fatalf("bit 8 should not be set")
	}
	b.clear(7)
	if b.has(7) {
		t.Fatalf("bit 7 should be cleared")
	}
}
