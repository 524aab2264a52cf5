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
	"fmt"

	"github.com/CESNET/fds-go"
)

// SetIEManager rebinds every template in every snapshot to new Information
// Element definitions. Grounded on original_source's fds_tmgr_set_iemgr:
// rather than mutate templates in place (which would invalidate a Snapshot
// or Template any caller is still holding), the entire chain is duplicated
// -- new snapshots owning rebound template copies -- and the old chain's
// templates are moved to the garbage list, released on the next
// GarbageGet().Drain().
func (m *Manager) SetIEManager(fc ipfix.FieldCache) error {
	m.ieManager = fc
	if m.newest == nil {
		return nil
	}

	// Duplicate the hierarchy, newest to oldest, exactly as clone() copies
	// one snapshot's table: references are shared with the old chain until
	// rebound below.
	var newHead, newTail, prev *Snapshot
	for old := m.newest; old != nil; old = old.older {
		dup := old.clone()
		dup.editable = old.editable
		dup.newer = prev
		if prev != nil {
			prev.older = dup
		} else {
			newHead = dup
		}
		prev = dup
		newTail = dup
	}

	rebound := map[*Template]*Template{}
	for snap := newHead; snap != nil; snap = snap.older {
		var owned []uint16
		snap.for_(func(id uint16, rec *snapshotRec) bool {
			if rec.flags&flagDelete != 0 {
				owned = append(owned, id)
			}
			return true
		})
		for _, id := range owned {
			rec := snap.get(id)
			oldTmpl := rec.tmpl
			newTmpl, ok := rebound[oldTmpl]
			if !ok {
				var err error
				newTmpl, err = rebindTemplate(fc, oldTmpl)
				if err != nil {
					return fmt.Errorf("tmgr: set IE manager: %w", err)
				}
				rebound[oldTmpl] = newTmpl
			}
			rec.tmpl = newTmpl

			// Propagate the rebound pointer to every older snapshot that
			// still shares the old Template by identity, stopping once the
			// Create-flag owner (the oldest reference) is reached.
			for anc := snap.older; anc != nil; anc = anc.older {
				ancRec := anc.get(id)
				if ancRec == nil || ancRec.tmpl != oldTmpl {
					continue
				}
				ancRec.tmpl = newTmpl
				if ancRec.flags&flagCreate != 0 {
					break
				}
			}
		}
	}

	for oldTmpl := range rebound {
		m.garbage.Append(release(oldTmpl))
	}

	oldCurrentTime := m.current.startTime
	m.oldest, m.newest = newTail, newHead
	m.current = newHead
	for s := newHead; s != nil; s = s.older {
		if s.startTime == oldCurrentTime {
			m.current = s
			break
		}
	}
	return nil
}

// rebindTemplate returns a copy of tmpl whose fields are looked up afresh in
// fc, preserving wire layout (ID, PEN, length, reversed) and all manager
// bookkeeping (FirstSeen, Lifetime, FlowKey). Grounded on
// fds_tmgr_set_iemgr_cb's fds_template_copy + fds_template_ies_define pair.
func rebindTemplate(fc ipfix.FieldCache, tmpl *Template) (*Template, error) {
	var nt *ipfix.Template

	switch rec := tmpl.Template.Record.(type) {
	case *ipfix.TemplateRecord:
		fields, err := rebindFields(fc, rec.Fields)
		if err != nil {
			return nil, err
		}
		nr := ipfix.NewTemplateRecord(fc, nil)
		nr.TemplateId = rec.TemplateId
		nr.FieldCount = rec.FieldCount
		nr.Fields = fields
		nt = &ipfix.Template{TemplateMetadata: tmpl.Template.TemplateMetadata, Record: nr}
	case *ipfix.OptionsTemplateRecord:
		scopes, err := rebindFields(fc, rec.Scopes)
		if err != nil {
			return nil, err
		}
		options, err := rebindFields(fc, rec.Options)
		if err != nil {
			return nil, err
		}
		nr := ipfix.NewOptionsTemplateRecord(fc, nil)
		nr.TemplateId = rec.TemplateId
		nr.FieldCount = rec.FieldCount
		nr.ScopeFieldCount = rec.ScopeFieldCount
		nr.Scopes = scopes
		nr.Options = options
		nt = &ipfix.Template{TemplateMetadata: tmpl.Template.TemplateMetadata, Record: nr}
	default:
		return nil, fmt.Errorf("unsupported template record type %T", rec)
	}

	return &Template{
		Template:  nt,
		FirstSeen: tmpl.FirstSeen,
		Lifetime:  tmpl.Lifetime,
		FlowKey:   tmpl.FlowKey,
	}, nil
}

// rebindFields rebuilds each field against fc, keeping its wire identity
// (PEN, ID, length, reversed flag) but taking on whatever semantic
// enrichment (type, units, status, reverse pairing) fc's definition carries.
func rebindFields(fc ipfix.FieldCache, fields []ipfix.Field) ([]ipfix.Field, error) {
	out := make([]ipfix.Field, len(fields))
	for i, f := range fields {
		key := ipfix.NewFieldKey(f.PEN(), f.Id())
		b, err := fc.GetBuilder(context.Background(), key)
		if err != nil {
			return nil, err
		}
		out[i] = b.SetLength(f.Length()).SetReversed(f.Reversed()).Complete()
	}
	return out, nil
}
