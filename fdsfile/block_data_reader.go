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
	"os"

	"github.com/CESNET/fds-go"
	"github.com/CESNET/fds-go/tmgr"
)

// Record is one Data Record surfaced by a DataReader, bound to the
// template it was encoded with. Data aliases the reader's internal buffer
// and is only valid until the next NextRec/Rewind/GetBlockHeader call.
type Record struct {
	Data     []byte
	Template *tmgr.Template
	Snapshot *tmgr.Snapshot
}

// RecordContext carries the (sid, odid, export time) a Record was read
// under, mirroring what DataWriter stamped on the enclosing IPFIX Message.
type RecordContext struct {
	SessionID  uint16
	ODID       uint32
	ExportTime uint32
}

// DataReader loads and iterates one Data Block: Messages, then Sets within
// a Message, then Records within a Set, binding each record to the
// template named by its enclosing Set's flowset ID. Grounded on
// original_source/src/file/Block_data_reader.{hpp,cpp}.
type DataReader struct {
	calg CompAlg
	snap *tmgr.Snapshot

	pending     *Request
	pendingBuf  []byte
	pendingSize uint64

	loaded  bool
	hdr     DataBlockHeader
	buf     []byte // decoded (decompressed, if needed) message stream
	nextHdr *CommonHeader

	cursor int
	inMsg  bool
	msgEnd int
	etime  uint32

	inSet    bool
	setEnd   int
	curTmpl  *tmgr.Template
	recPos   int
}

// NewDataReader creates a reader that decompresses Data Block payloads
// using calg when their Common Block Header marks them compressed.
func NewDataReader(calg CompAlg) *DataReader {
	return &DataReader{calg: calg}
}

// BindSnapshot attaches the template snapshot used to resolve each Set's
// flowset ID to a template. Must be called (or re-called) before NextRec.
func (r *DataReader) BindSnapshot(snap *tmgr.Snapshot) { r.snap = snap }

// LoadFrom requests offset..offset+sizeHint+CommonHeaderSize from fd via a
// single I/O Request, scheduled per typ. sizeHint of 0 costs one
// synchronous read of just the Common Block Header to learn the block's
// true length before issuing the real request. The extra CommonHeaderSize
// tail gives a free look-ahead at the following block's header, exposed
// via NextBlockHdr once loading completes.
func (r *DataReader) LoadFrom(fd *os.File, offset int64, sizeHint uint64, typ IOType) error {
	if sizeHint == 0 {
		hb := make([]byte, CommonHeaderSize)
		if _, err := fd.ReadAt(hb, offset); err != nil {
			return internalError("read data block header: " + err.Error())
		}
		var ch CommonHeader
		if _, err := ch.Decode(bytes.NewReader(hb)); err != nil {
			return formatError("malformed data block header")
		}
		sizeHint = ch.Length
	}

	buf := make([]byte, sizeHint+CommonHeaderSize)
	r.pending = NewReadRequest(typ, fd, offset, buf)
	r.pendingBuf = buf
	r.pendingSize = sizeHint
	r.loaded = false
	r.nextHdr = nil
	return nil
}

// GetBlockHeader forces completion of the pending I/O Request (first
// touch), validates the block, decompresses its payload if flagged, and
// returns the Data Block's fixed header.
func (r *DataReader) GetBlockHeader() (*DataBlockHeader, error) {
	if r.loaded {
		return &r.hdr, nil
	}
	if r.pending == nil {
		return nil, argError("LoadFrom was not called")
	}
	n, err := r.pending.Wait()
	if err != nil && err != io.EOF {
		return nil, internalError("data block read: " + err.Error())
	}
	if uint64(n) < r.pendingSize {
		return nil, truncError("data block read short")
	}
	full := r.pendingBuf[:n]

	var ch CommonHeader
	chN, err := ch.Decode(bytes.NewReader(full))
	if err != nil {
		return nil, formatError("malformed common block header")
	}
	if ch.Type != BlockData {
		return nil, formatError("not a data block")
	}
	if ch.Length < uint64(CommonHeaderSize+dataBlockHeaderSize) || ch.Length > uint64(len(full)) {
		return nil, formatError("data block length invalid")
	}

	body := full[chN:ch.Length]
	r.hdr.Flags = binary.LittleEndian.Uint16(body[0:2])
	r.hdr.SessionID = binary.LittleEndian.Uint16(body[2:4])
	r.hdr.ODID = binary.LittleEndian.Uint32(body[4:8])
	r.hdr.TemplatesOffset = binary.LittleEndian.Uint64(body[8:16])
	payload := body[dataBlockHeaderSize:]

	if ch.Flags&FlagCompressed != 0 {
		out, err := decompress(r.calg, payload, DBlockMaxSize)
		if err != nil {
			return nil, err
		}
		r.buf = out
	} else {
		r.buf = payload
	}

	if tail := full[ch.Length:]; len(tail) >= CommonHeaderSize {
		var next CommonHeader
		if _, err := next.Decode(bytes.NewReader(tail)); err == nil {
			r.nextHdr = &next
		}
	}

	r.cursor, r.inMsg, r.inSet = 0, false, false
	r.loaded = true
	return &r.hdr, nil
}

// NextBlockHdr returns the Common Block Header of the block immediately
// following this one, if it was captured as part of the look-ahead read,
// or nil at true EOF.
func (r *DataReader) NextBlockHdr() *CommonHeader {
	return r.nextHdr
}

// Rewind reverts the Message/Set/Record iterators to the start of the
// already-decoded payload, without re-issuing any I/O.
func (r *DataReader) Rewind() {
	r.cursor, r.inMsg, r.inSet = 0, false, false
}

// Cancel waits out any pending (but never touched via GetBlockHeader)
// load request and discards it, so the reader can be safely recycled into
// the idle pool with a fresh LoadFrom.
func (r *DataReader) Cancel() {
	if r.pending != nil {
		r.pending.Cancel()
	}
	r.pending, r.pendingBuf = nil, nil
	r.loaded = false
}

// NextRec advances to and returns the next Data Record, resolving its
// template through the bound snapshot. It returns (nil, nil, io.EOF) at the
// end of the block's payload.
func (r *DataReader) NextRec() (*Record, *RecordContext, error) {
	if !r.loaded {
		return nil, nil, argError("GetBlockHeader was not called")
	}
	for {
		if r.inSet {
			if r.recPos < r.setEnd {
				data, n, err := r.sliceRecord()
				if err != nil {
					return nil, nil, err
				}
				rec := &Record{Data: data, Template: r.curTmpl, Snapshot: r.snap}
				ctx := &RecordContext{SessionID: r.hdr.SessionID, ODID: r.hdr.ODID, ExportTime: r.etime}
				r.recPos += n
				return rec, ctx, nil
			}
			r.inSet = false
		}

		if r.inMsg {
			if r.cursor < r.msgEnd {
				if err := r.openNextSet(); err != nil {
					return nil, nil, err
				}
				continue
			}
			r.inMsg = false
		}

		if r.cursor >= len(r.buf) {
			return nil, nil, io.EOF
		}
		if err := r.openNextMessage(); err != nil {
			return nil, nil, err
		}
	}
}

// openNextMessage parses the IPFIX Message header at r.cursor, via
// ipfix.Message.Decode, and sets up iteration over its Sets.
func (r *DataReader) openNextMessage() error {
	if r.cursor+msgHdrLen > len(r.buf) {
		return formatError("ipfix message header runs past data block payload")
	}
	var msg ipfix.Message
	if _, err := msg.Decode(bytes.NewReader(r.buf[r.cursor : r.cursor+msgHdrLen])); err != nil {
		return formatError("malformed ipfix message header: " + err.Error())
	}
	if msg.Length == 0 || r.cursor+int(msg.Length) > len(r.buf) {
		return formatError("ipfix message length invalid")
	}
	if msg.ObservationDomainId != r.hdr.ODID {
		return formatError("ipfix message odid does not match data block odid")
	}
	r.etime = msg.ExportTime
	r.msgEnd = r.cursor + int(msg.Length)
	r.cursor += msgHdrLen
	r.inMsg = true
	return nil
}

// openNextSet parses the next Set header starting at r.cursor, via
// ipfix.SetHeader.Decode. Non-data sets (flowset ID < 256, i.e.
// Template/Options-Template sets) are skipped entirely: they are
// out-of-band via Template Blocks in this format and MUST be ignored here.
func (r *DataReader) openNextSet() error {
	for r.cursor < r.msgEnd {
		if r.cursor+setHdrLen > r.msgEnd {
			return formatError("ipfix set header runs past message")
		}
		var sh ipfix.SetHeader
		if _, err := sh.Decode(bytes.NewReader(r.buf[r.cursor : r.cursor+setHdrLen])); err != nil {
			return formatError("malformed ipfix set header: " + err.Error())
		}
		if sh.Length < setHdrLen {
			return formatError("ipfix set has zero or invalid length")
		}
		start, end := r.cursor+setHdrLen, r.cursor+int(sh.Length)
		if end > r.msgEnd {
			return formatError("ipfix set runs past message")
		}
		r.cursor = end

		if sh.Id < 256 {
			continue
		}
		if r.snap == nil {
			return internalError("no template snapshot bound to data reader")
		}
		tmpl := r.snap.Get(sh.Id)
		if tmpl == nil {
			return internalError("template not found for set id")
		}
		r.curTmpl = tmpl
		r.recPos = start
		r.setEnd = end
		r.inSet = true
		return nil
	}
	return nil
}

// sliceRecord returns the next record's bytes within the current set and
// its length, validating it does not run past the set boundary.
func (r *DataReader) sliceRecord() ([]byte, int, error) {
	fields := templateFields(r.curTmpl)
	hasVar := false
	fixed := 0
	for _, f := range fields {
		if ipfix.IsVariableLength(f.Length()) {
			hasVar = true
			continue
		}
		fixed += int(f.Length())
	}

	if !hasVar {
		if r.recPos+fixed > r.setEnd {
			return nil, 0, formatError("fixed-length record runs past end of set")
		}
		return r.buf[r.recPos : r.recPos+fixed], fixed, nil
	}

	n, err := recordLength(fields, r.buf[r.recPos:r.setEnd])
	if err != nil {
		return nil, 0, formatError("variable-length record prefix runs past end of set")
	}
	return r.buf[r.recPos : r.recPos+n], n, nil
}
