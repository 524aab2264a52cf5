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

// recFlag describes the lifetime role a Snapshot plays for one of its
// template records. Grounded on original_source/src/template_mgr/snapshot.h
// enum snapshot_rec_flags.
type recFlag uint8

const (
	// flagCreate marks the oldest snapshot holding a reference to this
	// exact Template instance -- the one responsible, conceptually, for
	// having introduced it.
	flagCreate recFlag = 1 << iota
	// flagDelete marks the newest snapshot holding a reference to this
	// Template -- the one responsible for moving it to the GarbageList
	// once it is no longer reachable. Every time a Snapshot is cloned,
	// its Delete flags move to the clone; every time a Snapshot is
	// unlinked, its Delete flags must first be moved to a neighboring
	// snapshot (or, if there is none, the Template is garbage).
	flagDelete
	// flagTimeout marks a record whose Template has a non-zero Lifetime,
	// so it is dropped automatically once that Lifetime has elapsed,
	// independently of any explicit withdrawal or redefinition.
	flagTimeout
)

// snapshotRec is one entry in a Snapshot's sparse table.
type snapshotRec struct {
	tmpl  *Template
	flags recFlag
}

// snapshotTableSize is the width of each of the two table levels, chosen
// (as in original_source) so that a 256x256 = 65536 ID space is addressed
// by two 256-entry levels, each with a 256-bit presence bitset, instead of
// a flat 65536-entry array -- the common case of a few dozen live
// templates costs a handful of allocated second-level tables, not 1MiB.
const snapshotTableSize = 256

// bitset256 is a presence bitmap over 256 slots, 4 uint64 words wide.
type bitset256 [4]uint64

func (b *bitset256) set(i uint8) {
	b[i/64] |= 1 << (i % 64)
}

func (b *bitset256) clear(i uint8) {
	b[i/64] &^= 1 << (i % 64)
}

func (b *bitset256) has(i uint8) bool {
	return b[i/64]&(1<<(i%64)) != 0
}

func (b bitset256) empty() bool {
	return b[0] == 0 && b[1] == 0 && b[2] == 0 && b[3] == 0
}

// l2Table is the second level of the sparse table: 256 record slots plus a
// presence bitset and a count of occupied slots.
type l2Table struct {
	bitset bitset256
	count  uint16
	recs   [snapshotTableSize]snapshotRec
}

// Snapshot is an immutable (once frozen), point-in-time view of every
// (Options) Template valid at a given Export Time. Snapshots form a
// double-linked, Export-Time-ordered chain owned by a Manager; see
// flagCreate and flagDelete for the Create/Delete flag movement rules that
// keep Template lifetimes correct across clones.
type Snapshot struct {
	startTime uint32
	newer     *Snapshot
	older     *Snapshot
	mgr       *Manager

	// editable is true only for the newest snapshot in the chain while it
	// has not yet been handed out to a caller; Manager clones on write
	// once this is false.
	editable bool

	recCount uint16
	l1       [snapshotTableSize]*l2Table
	l1set    bitset256
}

func newSnapshot(mgr *Manager, startTime uint32) *Snapshot {
	return &Snapshot{
		mgr:       mgr,
		startTime: startTime,
		editable:  true,
	}
}

func idParts(id uint16) (hi, lo uint8) {
	return uint8(id >> 8), uint8(id & 0xff)
}

// get returns the record for id, or nil if absent.
func (s *Snapshot) get(id uint16) *snapshotRec {
	hi, lo := idParts(id)
	l2 := s.l1[hi]
	if l2 == nil || !l2.bitset.has(lo) {
		return nil
	}
	return &l2.recs[lo]
}

// Get returns the Template valid in this snapshot with the given ID, or nil.
func (s *Snapshot) Get(id uint16) *Template {
	rec := s.get(id)
	if rec == nil {
		return nil
	}
	return rec.tmpl
}

// put inserts or overwrites the record for tmpl's ID, preserving flags the
// caller passes in (the caller decides Create/Delete movement).
func (s *Snapshot) put(id uint16, rec snapshotRec) {
	hi, lo := idParts(id)
	l2 := s.l1[hi]
	if l2 == nil {
		l2 = &l2Table{}
		s.l1[hi] = l2
		s.l1set.set(hi)
	}
	if !l2.bitset.has(lo) {
		l2.bitset.set(lo)
		l2.count++
		s.recCount++
	}
	l2.recs[lo] = rec
}

// remove deletes the record for id, if present, and reports whether
// anything was removed.
func (s *Snapshot) remove(id uint16) bool {
	hi, lo := idParts(id)
	l2 := s.l1[hi]
	if l2 == nil || !l2.bitset.has(lo) {
		return false
	}
	l2.bitset.clear(lo)
	l2.recs[lo] = snapshotRec{}
	l2.count--
	s.recCount--
	if l2.count == 0 {
		s.l1[hi] = nil
		s.l1set.clear(hi)
	}
	return true
}

// clone produces a copy-on-write duplicate of s: the two-level table
// structure is duplicated (so the clone can be mutated independently) but
// only the second-level tables that are actually in use are allocated,
// matching original_source's snapshot_copy, which never duplicates the
// Templates themselves -- only the references to them, plus the flags,
// which the caller is responsible for adjusting (Delete flags move to the
// clone; see Manager for the exact movement rules).
func (s *Snapshot) clone() *Snapshot {
	c := &Snapshot{
		mgr:       s.mgr,
		startTime: s.startTime,
		editable:  true,
		recCount:  s.recCount,
		l1set:     s.l1set,
	}
	for hi := 0; hi < snapshotTableSize; hi++ {
		l2 := s.l1[hi]
		if l2 == nil {
			continue
		}
		dup := *l2
		c.l1[hi] = &dup
	}
	return c
}

// for_ iterates every record in ascending template ID order, calling cb for
// each. If cb returns false, iteration stops immediately. cb may safely
// remove the record it was just called with (but not others) from s,
// mirroring original_source's fds_tsnapshot_for/snapshot_rec_for contract.
func (s *Snapshot) for_(cb func(id uint16, rec *snapshotRec) bool) {
	for hi := 0; hi < snapshotTableSize; hi++ {
		l2 := s.l1[hi]
		if l2 == nil {
			continue
		}
		for lo := 0; lo < snapshotTableSize; lo++ {
			if !l2.bitset.has(uint8(lo)) {
				continue
			}
			id := uint16(hi)<<8 | uint16(lo)
			rec := &l2.recs[lo]
			if !cb(id, rec) {
				return
			}
		}
	}
}

// For calls cb with every Template valid in this snapshot, in ascending
// Template ID order. Iteration stops early if cb returns false.
func (s *Snapshot) For(cb func(tmpl *Template) bool) {
	s.for_(func(_ uint16, rec *snapshotRec) bool {
		return cb(rec.tmpl)
	})
}

// Len reports how many templates are valid in this snapshot.
func (s *Snapshot) Len() int {
	return int(s.recCount)
}

// StartTime returns the Export Time at which this snapshot became current.
func (s *Snapshot) StartTime() uint32 {
	return s.startTime
}
