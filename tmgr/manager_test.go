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

import (
	"errors"
	"testing"

	"github.com/CESNET/fds-go"
)

func mkField(ieID uint16) ipfix.Field {
	ie := &ipfix.InformationElement{Constructor: ipfix.NewUnsigned16, Id: ieID, Name: "test"}
	return ipfix.NewFieldBuilder(ie).SetLength(2).Complete()
}

func mkTemplate(id uint16, nfields int) *Template {
	fields := make([]ipfix.Field, nfields)
	for i := range fields {
		fields[i] = mkField(uint16(i + 1))
	}
	return &Template{
		Template: &ipfix.Template{
			TemplateMetadata: &ipfix.TemplateMetadata{TemplateId: id},
			Record: &ipfix.TemplateRecord{
				TemplateId: id,
				FieldCount: uint16(nfields),
				Fields:     fields,
			},
		},
	}
}

func TestManagerAddAndGet(t *testing.T) {
	m := NewManager(SessionFile)
	if err := m.SetTime(100); err != nil {
		t.Fatalf("SetTime: %v", err)
	}
	if err := m.Add(mkTemplate(256, 2)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, err := m.Get(256)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.id() != 256 {
		t.Fatalf("got id %d, want 256", got.id())
	}
}

func TestManagerGetMissing(t *testing.T) {
	m := NewManager(SessionFile)
	_ = m.SetTime(1)
	_, err := m.Get(999)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestManagerRequiresTime(t *testing.T) {
	m := NewManager(SessionUDP)
	if _, err := m.Get(256); !errors.Is(err, ErrArg) {
		t.Fatalf("expected ErrArg before SetTime, got %v", err)
	}
}

func TestManagerWithdrawUDPProhibited(t *testing.T) {
	m := NewManager(SessionUDP)
	_ = m.SetTime(1)
	_ = m.Add(mkTemplate(256, 1))

	if err := m.Withdraw(256); !errors.Is(err, ErrDenied) {
		t.Fatalf("expected ErrDenied for UDP withdrawal, got %v", err)
	}
}

func TestManagerWithdrawFileOptional(t *testing.T) {
	m := NewManager(SessionFile)
	_ = m.SetTime(1)
	_ = m.Add(mkTemplate(256, 1))

	if err := m.Withdraw(256); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if _, err := m.Get(256); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected template to be gone after withdrawal, got %v", err)
	}
}

func TestManagerHistoryAccessibleAfterAdvance(t *testing.T) {
	m := NewManager(SessionFile, WithSnapshotTimeout(0))
	_ = m.SetTime(10)
	_ = m.Add(mkTemplate(256, 1))
	_ = m.SetTime(20)
	_ = m.Add(mkTemplate(257, 1))

	// Seek back into history: template 256 existed, 257 did not yet.
	if err := m.SetTime(10); err != nil {
		t.Fatalf("SetTime back: %v", err)
	}
	if _, err := m.Get(256); err != nil {
		t.Fatalf("expected 256 to be visible at t=10: %v", err)
	}
	if _, err := m.Get(257); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected 257 to not yet exist at t=10, got %v", err)
	}

	_ = m.SetTime(20)
	if _, err := m.Get(257); err != nil {
		t.Fatalf("expected 257 to be visible at t=20: %v", err)
	}
}

func TestManagerTCPCannotGoBackwards(t *testing.T) {
	m := NewManager(SessionTCP)
	_ = m.SetTime(10)
	_ = m.Add(mkTemplate(256, 1))

	if err := m.SetTime(5); !errors.Is(err, ErrDenied) {
		t.Fatalf("expected ErrDenied moving TCP time backwards, got %v", err)
	}
}

func TestManagerRedefinitionRequiresWithdrawOnSCTP(t *testing.T) {
	m := NewManager(SessionSCTP)
	_ = m.SetTime(1)
	_ = m.Add(mkTemplate(256, 1))

	if err := m.Add(mkTemplate(256, 2)); !errors.Is(err, ErrDenied) {
		t.Fatalf("expected ErrDenied redefining without withdrawal on SCTP, got %v", err)
	}

	if err := m.Withdraw(256); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if err := m.Add(mkTemplate(256, 2)); err != nil {
		t.Fatalf("Add after withdraw: %v", err)
	}
}

func TestManagerSetFlowKey(t *testing.T) {
	m := NewManager(SessionFile)
	_ = m.SetTime(1)
	_ = m.Add(mkTemplate(256, 3))

	if err := m.SetFlowKey(256, 0b101); err != nil {
		t.Fatalf("SetFlowKey: %v", err)
	}
	tmpl, err := m.Get(256)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tmpl.FlowKey != 0b101 {
		t.Fatalf("got flow key %b, want %b", tmpl.FlowKey, 0b101)
	}
}

func TestManagerGarbageCollection(t *testing.T) {
	// Split template 256's Create/Delete responsibility across two
	// snapshots by redefining a different ID at a later Export Time (which
	// forces a clone of the chain), then Remove it from the whole history:
	// once no snapshot anywhere still references it, it must reach the
	// garbage list.
	m := NewManager(SessionFile, WithSnapshotTimeout(0))
	_ = m.SetTime(1)
	_ = m.Add(mkTemplate(256, 1))
	_ = m.SetTime(2)
	_ = m.Add(mkTemplate(999, 1))

	if err := m.Remove(256); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	gc := m.GarbageGet()
	if gc.Empty() {
		t.Fatalf("expected pending garbage after removing the last reference")
	}
	gc.Drain()
	if !gc.Empty() {
		t.Fatalf("expected garbage list to be empty after Drain")
	}
}

// TestManagerSetTimePrunesExpiredOnPureAdvance exercises a SetTime call that
// crosses a template's Lifetime with no Add/Withdraw in between: the
// template must disappear from both Get and a freshly taken Snapshot,
// while a Snapshot handle obtained before the advance must keep seeing it.
func TestManagerSetTimePrunesExpiredOnPureAdvance(t *testing.T) {
	m := NewManager(SessionUDP, WithUDPTimeouts(10, 0))
	_ = m.SetTime(1000)
	_ = m.Add(mkTemplate(256, 1))

	before, err := m.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot before advance: %v", err)
	}
	if before.Get(256) == nil {
		t.Fatalf("expected 256 visible in snapshot taken before advance")
	}

	// Advance time past FirstSeen(1000) + Lifetime(10), with no
	// intervening mutation: only SetTime runs the pruning.
	if err := m.SetTime(1015); err != nil {
		t.Fatalf("SetTime: %v", err)
	}

	if _, err := m.Get(256); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected 256 to be expired after advance, got %v", err)
	}

	after, err := m.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot after advance: %v", err)
	}
	if after == before {
		t.Fatalf("expected a new snapshot after expiry, got the same object")
	}
	if after.Get(256) != nil {
		t.Fatalf("expected 256 to be pruned from the post-advance snapshot")
	}

	// The handle taken before the advance must be unaffected: it is a
	// separate historical snapshot per spec, not mutated in place.
	if before.Get(256) == nil {
		t.Fatalf("expected 256 to still be visible in the pre-advance snapshot handle")
	}
}

func TestManagerClear(t *testing.T) {
	m := NewManager(SessionFile)
	_ = m.SetTime(1)
	_ = m.Add(mkTemplate(256, 1))
	m.Clear()

	if _, err := m.Get(256); !errors.Is(err, ErrArg) {
		t.Fatalf("expected ErrArg after Clear (time context lost), got %v", err)
	}
}
