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

package fdsfile

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/CESNET/fds-go"
	"github.com/CESNET/fds-go/tmgr"
)

// recType tags an on-disk template record as a plain or an options template,
// matching original_source/include/libfds/template.h's fds_template_type
// enum order (FDS_TYPE_TEMPLATE=0, FDS_TYPE_TEMPLATE_OPTS=1).
type recType uint16

const (
	recTypeTemplate recType = 0
	recTypeOptions  recType = 1
)

// recHeaderSize is the per-record {type, length} prefix inside a Templates
// Block body, preceding the record's raw wire bytes.
const recHeaderSize = 2 + 2

// templatesBodyPrefixSize is the {odid, sid} header following the Common
// Block Header, before the first template record.
const templatesBodyPrefixSize = 4 + 2

// TemplatesBlock is the in-memory Template Block for one (Session ID, ODID)
// context: a tmgr.Manager pinned at Export Time 0 with session mode
// SessionFile, the least restrictive policy (history stays visible and
// editable, withdrawal optional), matching spec's "wraps an internal
// template manager pinned to Export Time 0 with session mode file".
type TemplatesBlock struct {
	SessionID uint16
	ODID      uint32

	mgr   *tmgr.Manager
	cache *tmgr.CacheAdapter

	fieldCache ipfix.FieldCache
}

// NewTemplatesBlock creates an empty Templates Block for (sid, odid). If
// fieldCache is nil, an EphemeralFieldCache bound to this block's own
// template manager is used, so decoded records can resolve information
// elements by ID without an external IE source.
func NewTemplatesBlock(sid uint16, odid uint32, fieldCache ipfix.FieldCache) *TemplatesBlock {
	mgr := tmgr.NewManager(tmgr.SessionFile)
	_ = mgr.SetTime(0)
	cache := tmgr.NewCacheAdapter("fdsfile", mgr)
	if fieldCache == nil {
		fieldCache = ipfix.NewEphemeralFieldCache(cache)
	}
	return &TemplatesBlock{SessionID: sid, ODID: odid, mgr: mgr, cache: cache, fieldCache: fieldCache}
}

// IESource rebinds the field cache used to decode incoming template
// records, e.g. to an externally-managed IE registry.
func (b *TemplatesBlock) IESource(fieldCache ipfix.FieldCache) {
	b.fieldCache = fieldCache
}

// Add registers tmpl (a *tmgr.Template wrapping a decoded TemplateRecord or
// OptionsTemplateRecord). Withdrawals (field count 0) and redefinitions are
// governed by the manager's session-file policy: see tmgr.Manager.Add.
func (b *TemplatesBlock) Add(tmpl *tmgr.Template) error {
	return b.mgr.Add(tmpl)
}

// Remove withdraws tid from this block's template set.
func (b *TemplatesBlock) Remove(tid uint16) error {
	return b.mgr.Withdraw(tid)
}

// Get returns the currently active template for tid, if any.
func (b *TemplatesBlock) Get(tid uint16) (*tmgr.Template, error) {
	return b.mgr.Get(tid)
}

// Snapshot returns the current, immutable set of active templates.
func (b *TemplatesBlock) Snapshot() (*tmgr.Snapshot, error) {
	return b.mgr.Snapshot()
}

// Count reports the number of templates currently active in this block.
func (b *TemplatesBlock) Count() (int, error) {
	snap, err := b.mgr.Snapshot()
	if err != nil {
		return 0, err
	}
	return snap.Len(), nil
}

// Clear discards every template in this block.
func (b *TemplatesBlock) Clear() {
	b.mgr.Clear()
}

// padLen rounds n up to the next multiple of 4, per the Templates Block's
// "length padded to a multiple of 4" rule.
func padLen(n int) int {
	if r := n % 4; r != 0 {
		return n + (4 - r)
	}
	return n
}

// SerializeTo writes this block's Common Block Header, {odid, sid} prefix,
// and every active template record (uncompressed, as spec'd) to w.
func (b *TemplatesBlock) SerializeTo(w io.Writer) (int, error) {
	snap, err := b.mgr.Snapshot()
	if err != nil {
		return 0, err
	}

	var body bytes.Buffer
	prefix := make([]byte, templatesBodyPrefixSize)
	binary.LittleEndian.PutUint32(prefix[0:4], b.ODID)
	binary.LittleEndian.PutUint16(prefix[4:6], b.SessionID)
	body.Write(prefix)

	var encErr error
	snap.For(func(tmpl *tmgr.Template) bool {
		var raw bytes.Buffer
		var rt recType
		switch tmpl.Template.Record.(type) {
		case *ipfix.OptionsTemplateRecord:
			rt = recTypeOptions
		default:
			rt = recTypeTemplate
		}
		if _, encErr = tmpl.Template.Record.Encode(&raw); encErr != nil {
			return false
		}

		recHdr := make([]byte, recHeaderSize)
		binary.LittleEndian.PutUint16(recHdr[0:2], uint16(rt))
		binary.LittleEndian.PutUint16(recHdr[2:4], uint16(raw.Len()))
		body.Write(recHdr)
		body.Write(raw.Bytes())
		return true
	})
	if encErr != nil {
		return 0, encErr
	}

	unpadded := body.Len()
	if pad := padLen(unpadded) - unpadded; pad > 0 {
		body.Write(make([]byte, pad))
	}

	hdr := CommonHeader{Type: BlockTemplates, Length: uint64(CommonHeaderSize + body.Len())}
	n, err := hdr.Encode(w)
	if err != nil {
		return n, err
	}
	m, err := w.Write(body.Bytes())
	return n + m, err
}

// LoadTemplatesBlock reads a Templates Block whose Common Block Header has
// already been consumed and is passed in as hdr, binding decoded records to
// fieldCache (or an ephemeral cache of its own, if nil).
func LoadTemplatesBlock(r io.Reader, hdr CommonHeader, fieldCache ipfix.FieldCache) (*TemplatesBlock, int, error) {
	if hdr.Type != BlockTemplates {
		return nil, 0, formatError("not a templates block")
	}
	bodyLen := int64(hdr.Length) - CommonHeaderSize
	if bodyLen < templatesBodyPrefixSize {
		return nil, 0, formatError("templates block shorter than its fixed prefix")
	}

	body := make([]byte, bodyLen)
	n, err := io.ReadFull(r, body)
	if err != nil {
		return nil, n, err
	}

	odid := binary.LittleEndian.Uint32(body[0:4])
	sid := binary.LittleEndian.Uint16(body[4:6])

	blk := NewTemplatesBlock(sid, odid, fieldCache)

	off := templatesBodyPrefixSize
	for off+recHeaderSize <= len(body) {
		rt := recType(binary.LittleEndian.Uint16(body[off : off+2]))
		length := int(binary.LittleEndian.Uint16(body[off+2 : off+4]))
		off += recHeaderSize
		if off+length > len(body) {
			return nil, n, truncError("template record runs past block body")
		}
		raw := body[off : off+length]
		off += length

		var rec interface {
			Id() uint16
			Decode(io.Reader) (int, error)
		}
		var wrapped *ipfix.Template
		switch rt {
		case recTypeOptions:
			otr := ipfix.NewOptionsTemplateRecord(blk.fieldCache, blk.cache)
			rec = otr
			wrapped = (&ipfix.Template{TemplateMetadata: &ipfix.TemplateMetadata{}, Record: otr}).
				WithFieldCache(blk.fieldCache).WithTemplateCache(blk.cache)
		case recTypeTemplate:
			tr := ipfix.NewTemplateRecord(blk.fieldCache, blk.cache)
			rec = tr
			wrapped = (&ipfix.Template{TemplateMetadata: &ipfix.TemplateMetadata{}, Record: tr}).
				WithFieldCache(blk.fieldCache).WithTemplateCache(blk.cache)
		default:
			return nil, n, formatError("unknown template record type")
		}

		if _, err := rec.Decode(bytes.NewReader(raw)); err != nil {
			return nil, n, err
		}
		wrapped.TemplateMetadata.TemplateId = rec.Id()

		if err := blk.mgr.Add(&tmgr.Template{Template: wrapped}); err != nil {
			return nil, n, err
		}
	}

	return blk, n, nil
}
