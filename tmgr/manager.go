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
	"context"

	"github.com/CESNET/fds-go"
	"github.com/go-logr/logr"
)

// Option configures a Manager at construction time, following the "With*"
// functional-option idiom already used by the root package's Template type
// (Template.WithFieldCache, Template.WithTemplateCache).
type Option func(*Manager)

// WithLogger attaches a logr.Logger the Manager uses for GC and snapshot
// diagnostics; without it, the Manager uses ipfix.FromContext(ctx) lazily.
func WithLogger(l logr.Logger) Option {
	return func(m *Manager) { m.log = &l }
}

// WithUDPTimeouts sets the Template/Options Template lifetimes (in seconds)
// used when the Manager's SessionType is SessionUDP. Zero disables the
// corresponding timeout. Calling this for a non-UDP session is a no-op,
// matching original_source's fds_tmgr_set_udp_timeouts restriction.
func WithUDPTimeouts(normal, opts uint16) Option {
	return func(m *Manager) {
		if m.sessionType != SessionUDP {
			return
		}
		m.lifetimeNormal = uint32(normal)
		m.lifetimeOpts = uint32(opts)
	}
}

// WithSnapshotTimeout sets how many seconds of template history remain
// reachable via SetTime. Zero (the default) places no limit on how far back
// SetTime may seek.
func WithSnapshotTimeout(seconds uint16) Option {
	return func(m *Manager) { m.snapshotTimeout = seconds }
}

// Manager is a time-indexed, history-preserving store of IPFIX (Options)
// Templates for one Transport Session / Observation Domain pair. See the
// tmgr package doc for the snapshot-chain model.
type Manager struct {
	sessionType SessionType
	pol         policy

	timeSet    bool
	timeNow    uint32
	timeNewest uint32

	oldest  *Snapshot
	newest  *Snapshot
	current *Snapshot

	lifetimeNormal  uint32
	lifetimeOpts    uint32
	snapshotTimeout uint16

	ieManager ipfix.FieldCache

	garbage *GarbageList
	log     *logr.Logger
}

// NewManager creates a Manager governed by the given SessionType's policy.
func NewManager(sessionType SessionType, opts ...Option) *Manager {
	m := &Manager{
		sessionType: sessionType,
		pol:         policyFor(sessionType),
		garbage:     NewGarbageList(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) logger(ctx context.Context) logr.Logger {
	if m.log != nil {
		return *m.log
	}
	return ipfix.FromContext(ctx)
}

// signedDiff reports t1-t2 as a wraparound-aware signed difference, exactly
// as original_source's TIME_GT/TIME_LT macros do for the 32-bit Export Time
// space (a monotonically wrapping counter, not a fixed epoch).
func signedDiff(t1, t2 uint32) int32 {
	return int32(t1 - t2)
}

// SetTime moves the Manager's current processing context to exp_time. It
// must be called before any lookup or mutation. See package doc and
// SessionType for the history-visibility rules this enforces.
func (m *Manager) SetTime(expTime uint32) error {
	if !m.timeSet {
		snap := newSnapshot(m, expTime)
		m.oldest, m.newest, m.current = snap, snap, snap
		m.timeNow, m.timeNewest = expTime, expTime
		m.timeSet = true
		return nil
	}

	diff := signedDiff(expTime, m.timeNewest)
	switch {
	case diff > 0:
		// Moving strictly forward is always allowed, TCP included: TCP's
		// restriction is on moving into history, handled in the default case.
		m.timeNewest = expTime
		m.timeNow = expTime
		m.current = m.seekPruned(m.newest, expTime)
		return nil
	case diff == 0:
		m.timeNow = expTime
		m.current = m.newest
		return nil
	default:
		if m.sessionType == SessionTCP || !m.pol.historyAccess {
			return denied("cannot move time into history for this session type")
		}
		if m.snapshotTimeout != 0 && uint32(-diff) > uint32(m.snapshotTimeout) {
			return notFoundTime()
		}
		snap := m.newest
		for snap.older != nil && signedDiff(snap.startTime, expTime) > 0 {
			snap = snap.older
		}
		m.timeNow = expTime
		m.current = m.seekPruned(snap, expTime)
		return nil
	}
}

// seekPruned returns the snapshot valid at t, starting from snap (the
// nearest one at or before t): if snap still holds a Timeout-flagged record
// whose Lifetime has elapsed by t, a fresh clone with those records dropped
// is spliced in and returned instead, exactly as original_source's
// mgr_seek_forwards/mgr_seek_backwards only clone "if at least one template
// will expire" rather than on every call. This is what makes a pure SetTime
// advance -- with no intervening Add/Withdraw -- observe Lifetime expiry:
// without it, only editable() (and thus a mutating call) ever pruned.
func (m *Manager) seekPruned(snap *Snapshot, t uint32) *Snapshot {
	if !m.hasExpired(snap, t) {
		return snap
	}
	return m.cloneAsNewest(snap, t)
}

// hasExpired reports whether snap holds any Timeout-flagged record whose
// Lifetime has elapsed by t.
func (m *Manager) hasExpired(snap *Snapshot, t uint32) bool {
	expired := false
	snap.for_(func(_ uint16, rec *snapshotRec) bool {
		if rec.flags&flagTimeout != 0 && signedDiff(rec.tmpl.expiresAt(), t) < 0 {
			expired = true
			return false
		}
		return true
	})
	return expired
}

// cloneAsNewest splices a clone of src onto the chain at startTime,
// transferring Create/Delete flag responsibility to the clone and pruning
// anything whose Lifetime has elapsed by startTime. Shared by seekPruned
// (automatic expiry on a pure time advance) and editable() (a mutation
// reaching a never-before-seen Export Time).
func (m *Manager) cloneAsNewest(src *Snapshot, startTime uint32) *Snapshot {
	clone := src.clone()
	clone.startTime = startTime
	m.spliceNewer(src, clone)
	if m.newest == src {
		m.newest = clone
	}
	m.moveDeleteFlagsToClone(src, clone)
	m.dropExpired(clone)
	return clone
}

func notFoundTime() error {
	return argError("export time is older than the configured snapshot history timeout")
}

func (m *Manager) requireTime() error {
	if !m.timeSet {
		return argError("SetTime was never called")
	}
	return nil
}

// editable returns a snapshot at m.timeNow that is safe to mutate, cloning
// m.current (copy-on-write) if needed and splicing the clone into the
// chain. Mirrors original_source's mgr_snap_edit + mgr_snap_clone pair.
func (m *Manager) editable() (*Snapshot, error) {
	cur := m.current

	if cur.startTime == m.timeNow {
		if cur.editable {
			return cur, nil
		}
		if cur.newer != nil && !m.pol.historyMod {
			return nil, denied("history modification is disabled for this session type")
		}
		clone := cur.clone()
		clone.startTime = cur.startTime
		m.spliceNewer(cur, clone)
		if m.newest == cur {
			m.newest = clone
		}
		m.moveDeleteFlagsToClone(cur, clone)
		m.current = clone
		return clone, nil
	}

	// timeNow is strictly newer than the found snapshot: a never-before-seen
	// Export Time, so a brand new snapshot must be created regardless of
	// history-mod policy (it extends the chain, it does not edit history).
	clone := m.cloneAsNewest(cur, m.timeNow)
	m.current = clone
	return clone, nil
}

func (m *Manager) spliceNewer(after, node *Snapshot) {
	node.older = after
	node.newer = after.newer
	if after.newer != nil {
		after.newer.older = node
	}
	after.newer = node
}

// moveDeleteFlagsToClone transfers ownership of every template reference
// from src to its clone: src is frozen and must no longer be responsible
// for destruction, the clone is. Create flags stay behind on src (the
// clone never introduced these templates, it inherited them).
func (m *Manager) moveDeleteFlagsToClone(src, clone *Snapshot) {
	clone.for_(func(id uint16, rec *snapshotRec) bool {
		rec.flags &^= flagCreate
		return true
	})
	src.for_(func(id uint16, rec *snapshotRec) bool {
		rec.flags &^= flagDelete
		return true
	})
}

// dropExpired removes templates from clone whose lifetime has elapsed by
// clone.startTime, moving the Delete flag (if clone holds it) back to src
// so src remains responsible for eventual destruction.
func (m *Manager) dropExpired(clone *Snapshot) {
	src := clone.older
	var expiredIDs []uint16
	clone.for_(func(id uint16, rec *snapshotRec) bool {
		if rec.flags&flagTimeout == 0 {
			return true
		}
		if signedDiff(rec.tmpl.expiresAt(), clone.startTime) >= 0 {
			return true
		}
		expiredIDs = append(expiredIDs, id)
		return true
	})
	for _, id := range expiredIDs {
		rec := clone.get(id)
		if rec.flags&flagDelete != 0 {
			var oldRec *snapshotRec
			if src != nil {
				oldRec = src.get(id)
			}
			if oldRec != nil {
				oldRec.flags |= flagDelete
			} else {
				m.garbage.Append(release(rec.tmpl))
			}
		}
		clone.remove(id)
	}
}

// release returns a GarbageList thunk for tmpl. Go's garbage collector
// reclaims the memory itself once the closure (the last reference) is
// dropped; the thunk exists so GarbageList.Drain gives callers a single,
// deterministic point to observe "this template is no longer reachable",
// matching the teacher's metrics-on-cleanup pattern.
func release(tmpl *Template) func() {
	return func() {
		TemplatesGarbageCollected(tmpl)
	}
}

// moveDeleteFlag tries to move the Delete flag held by snap for id to the
// nearest older ancestor that still references the same *Template. Returns
// false if no such ancestor exists (the caller then owns final cleanup).
func moveDeleteFlag(snap *Snapshot, id uint16) bool {
	rec := snap.get(id)
	if rec == nil || rec.flags&flagCreate != 0 {
		return false
	}
	for anc := snap.older; anc != nil; anc = anc.older {
		ancRec := anc.get(id)
		if ancRec == nil || ancRec.tmpl != rec.tmpl {
			continue
		}
		rec.flags &^= flagDelete
		ancRec.flags |= flagDelete
		return true
	}
	return false
}

// removeFromSnapshot deletes id from snap, moving or discharging the
// Delete flag as needed, and queues the Template for collection if this
// was its last reference anywhere in the chain.
func (m *Manager) removeFromSnapshot(snap *Snapshot, id uint16) {
	rec := snap.get(id)
	if rec == nil {
		return
	}
	if rec.flags&flagDelete != 0 {
		if rec.flags&flagCreate != 0 {
			snap.remove(id)
			return
		}
		if !moveDeleteFlag(snap, id) {
			m.garbage.Append(release(rec.tmpl))
		}
	}
	snap.remove(id)
}

// Add inserts or redefines tmpl at the current Export Time. The Manager
// takes ownership of tmpl on success.
func (m *Manager) Add(tmpl *Template) error {
	if err := m.requireTime(); err != nil {
		return err
	}
	snap, err := m.editable()
	if err != nil {
		return err
	}

	id := tmpl.id()
	existing := snap.get(id)
	refresh := existing != nil && sameDefinition(existing.tmpl, tmpl)
	if existing != nil && !refresh && m.pol.withdraw == withdrawRequired {
		return denied("template redefinition requires withdrawal first for this session type")
	}

	lifetime := m.lifetimeNormal
	if _, isOptions := tmpl.Template.Record.(*ipfix.OptionsTemplateRecord); isOptions {
		lifetime = m.lifetimeOpts
	}
	// A refresh (identical field layout re-announced, e.g. a periodic UDP
	// template retransmission) keeps the original FirstSeen so its Lifetime
	// countdown is not reset, matching original_source's fds_template_copy
	// semantics on redefinition.
	if refresh {
		tmpl.FirstSeen = existing.tmpl.FirstSeen
	} else {
		tmpl.FirstSeen = m.timeNow
	}
	tmpl.Lifetime = lifetime

	if existing != nil {
		m.removeFromSnapshot(snap, id)
	}

	flags := flagCreate | flagDelete
	if lifetime != 0 {
		flags |= flagTimeout
	}
	snap.put(id, snapshotRec{tmpl: tmpl, flags: flags})
	return nil
}

// sameDefinition reports whether a and b describe the same wire layout
// (same ID, same field sequence) rather than merely sharing an ID -- a
// redefinition with a different field list is not a "refresh" and is
// subject to the session's withdraw-before-redefine policy.
func sameDefinition(a, b *Template) bool {
	if a.id() != b.id() {
		return false
	}
	fa, aok := fieldsOf(a)
	fb, bok := fieldsOf(b)
	if !aok || !bok || len(fa) != len(fb) {
		return false
	}
	for i := range fa {
		if fa[i].Id() != fb[i].Id() || fa[i].PEN() != fb[i].PEN() {
			return false
		}
	}
	return true
}

func fieldsOf(t *Template) ([]ipfix.Field, bool) {
	switch r := t.Template.Record.(type) {
	case *ipfix.TemplateRecord:
		return r.Fields, true
	case *ipfix.OptionsTemplateRecord:
		return append(append([]ipfix.Field{}, r.Scopes...), r.Options...), true
	default:
		return nil, false
	}
}

// Withdraw removes the template with the given ID at the current Export
// Time, propagating the removal to every newer snapshot in the chain
// (future definitions with a later FirstSeen are left untouched).
func (m *Manager) Withdraw(id uint16) error {
	if err := m.requireTime(); err != nil {
		return err
	}
	if m.pol.withdraw == withdrawProhibited {
		return denied("template withdrawal is prohibited for this session type")
	}
	snap, err := m.editable()
	if err != nil {
		return err
	}
	if snap.get(id) == nil {
		return notFound(id)
	}
	templateWithdrawn()

	for s := snap; s != nil; s = s.newer {
		rec := s.get(id)
		if rec == nil {
			continue
		}
		if signedDiff(rec.tmpl.FirstSeen, m.timeNow) > 0 {
			break
		}
		if s.newer != nil && s.newer.startTime == s.startTime {
			continue
		}
		target := s
		if !target.editable {
			if !m.pol.historyMod {
				return denied("history modification is disabled for this session type")
			}
			clone := target.clone()
			clone.startTime = target.startTime
			m.spliceNewer(target, clone)
			if m.newest == target {
				m.newest = clone
			}
			m.moveDeleteFlagsToClone(target, clone)
			target = clone
		}
		m.removeFromSnapshot(target, id)
	}
	return nil
}

// WithdrawAll withdraws every template currently valid.
func (m *Manager) WithdrawAll() error {
	if err := m.requireTime(); err != nil {
		return err
	}
	snap, err := m.editable()
	if err != nil {
		return err
	}
	var ids []uint16
	snap.for_(func(id uint16, _ *snapshotRec) bool {
		ids = append(ids, id)
		return true
	})
	for _, id := range ids {
		if err := m.Withdraw(id); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes a template from the Manager's whole history, ignoring the
// usual session-type withdrawal rules. This is expensive (it walks every
// snapshot) and is intended for discarding a single malformed definition,
// not routine template lifecycle management.
func (m *Manager) Remove(id uint16) error {
	for s := m.oldest; s != nil; s = s.newer {
		if s.get(id) != nil {
			m.removeFromSnapshot(s, id)
		}
	}
	return nil
}

// Get returns the template with the given ID valid at the current Export
// Time, or ErrNotFound. A template whose Lifetime has elapsed by the
// current Export Time is treated as not found even if it has not yet been
// physically evicted from the snapshot (eviction happens when SetTime
// advances past its expiry or the snapshot is cloned for a write).
func (m *Manager) Get(id uint16) (*Template, error) {
	if err := m.requireTime(); err != nil {
		return nil, err
	}
	tmpl := m.current.Get(id)
	if tmpl == nil || m.expired(tmpl) {
		return nil, notFound(id)
	}
	return tmpl, nil
}

func (m *Manager) expired(tmpl *Template) bool {
	exp := tmpl.expiresAt()
	return exp != 0 && signedDiff(exp, m.timeNow) < 0
}

// SetFlowKey assigns a flow key bitmap to the template with the given ID,
// propagating it forward to identical templates in newer snapshots that
// have not been redefined, as original_source's fds_tmgr_template_set_fkey
// describes.
func (m *Manager) SetFlowKey(id uint16, key uint64) error {
	if err := m.requireTime(); err != nil {
		return err
	}
	snap, err := m.editable()
	if err != nil {
		return err
	}
	rec := snap.get(id)
	if rec == nil {
		return notFound(id)
	}
	rec.tmpl.FlowKey = key
	for s := snap.newer; s != nil; s = s.newer {
		r := s.get(id)
		if r == nil || r.tmpl != rec.tmpl {
			break
		}
		r.tmpl.FlowKey = key
	}
	return nil
}

// Snapshot returns the snapshot valid at the current Export Time.
func (m *Manager) Snapshot() (*Snapshot, error) {
	if err := m.requireTime(); err != nil {
		return nil, err
	}
	m.current.editable = false
	return m.current, nil
}

// GarbageGet returns and detaches the Manager's pending garbage. Call
// periodically (the teacher's convention is "after any mutating batch") to
// reclaim Templates and Snapshots no caller can reach anymore.
func (m *Manager) GarbageGet() *GarbageList {
	g := m.garbage
	m.garbage = NewGarbageList()
	return g
}

// Clear moves every template and snapshot currently held to garbage,
// resetting the Manager to its just-constructed state except for
// configuration (timeouts, logger). Time context is lost; SetTime must be
// called again before further use.
func (m *Manager) Clear() {
	for s := m.oldest; s != nil; {
		next := s.newer
		s.for_(func(_ uint16, rec *snapshotRec) bool {
			if rec.flags&flagDelete != 0 {
				m.garbage.Append(release(rec.tmpl))
			}
			return true
		})
		s = next
	}
	m.oldest, m.newest, m.current = nil, nil, nil
	m.timeSet = false
}

// SessionType reports the session type this Manager was created with.
func (m *Manager) SessionType() SessionType {
	return m.sessionType
}
