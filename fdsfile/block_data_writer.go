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
	"encoding/binary"
	"os"

	"github.com/CESNET/fds-go"
	"github.com/CESNET/fds-go/tmgr"
)

const (
	msgHdrLen = 16 // IPFIX Message header: version, length, export time, seq num, odid
	setHdrLen = 4  // IPFIX Set header: flowset id, length

	// MsgDefaultSize is the default maximum IPFIX Message size, grounded on
	// original_source's Block_data_writer::MSG_DEF_SIZE.
	MsgDefaultSize uint16 = 1400

	dataBlockHeaderSize = 2 + 2 + 4 + 8 // flags, sid, odid, template_block_offset
)

// DataBlockHeader is the fixed prefix of a Data Block, following the Common
// Block Header.
type DataBlockHeader struct {
	Flags           uint16 // reserved, always 0
	SessionID       uint16
	ODID            uint32
	TemplatesOffset uint64
}

// DataWriter packs IPFIX Data Records belonging to one (Session ID, ODID)
// into capped IPFIX Messages/Sets inside a single Data Block, grounded on
// original_source/src/file/Block_data_writer.{hpp,cpp}.
type DataWriter struct {
	odid   uint32
	calg   CompAlg
	msgMax uint16

	buf    []byte
	recCnt uint32

	etimeSet uint32
	etimeNow uint32
	posMsg   int // -1 when no message is open
	posSet   int // -1 when no set is open
	seqNext  uint32
	tidNow   uint16

	stats Stats
}

// NewDataWriter creates an empty writer for odid, compressing flushed
// blocks with calg. msgMax of 0 selects MsgDefaultSize.
func NewDataWriter(odid uint32, calg CompAlg, msgMax uint16) *DataWriter {
	if msgMax == 0 {
		msgMax = MsgDefaultSize
	}
	return &DataWriter{odid: odid, calg: calg, msgMax: msgMax, posMsg: -1, posSet: -1}
}

// SetExportTime sets the Export Time that will be stamped on the header of
// the next IPFIX Message opened by Add. It does not affect a message
// already open.
func (w *DataWriter) SetExportTime(t uint32) { w.etimeSet = t }

// Count reports the number of Data Records buffered since the last Flush.
func (w *DataWriter) Count() uint32 { return w.recCnt }

// Stats returns the accumulated protocol-bucket statistics for records
// added since the last Flush.
func (w *DataWriter) Stats() Stats { return w.stats }

// Remains returns the maximum size of a Data Record that could still fit,
// assuming the worst case that a new Message and Set must both be opened.
func (w *DataWriter) Remains() int {
	required := len(w.buf) + msgHdrLen + setHdrLen
	if DBlockMaxSize > required {
		return DBlockMaxSize - required
	}
	return 0
}

func templateFields(tmpl *tmgr.Template) []ipfix.Field {
	switch rec := tmpl.Template.Record.(type) {
	case *ipfix.TemplateRecord:
		return rec.Fields
	case *ipfix.OptionsTemplateRecord:
		fields := make([]ipfix.Field, 0, len(rec.Scopes)+len(rec.Options))
		fields = append(fields, rec.Scopes...)
		fields = append(fields, rec.Options...)
		return fields
	default:
		return nil
	}
}

func isOptionsTemplate(tmpl *tmgr.Template) bool {
	_, ok := tmpl.Template.Record.(*ipfix.OptionsTemplateRecord)
	return ok
}

// recordLength walks fields against data, resolving each variable-length
// field's 1-byte (or 0xFF-escaped 3-byte) prefix, and returns the number of
// bytes the fields account for.
func recordLength(fields []ipfix.Field, data []byte) (int, error) {
	off := 0
	for _, f := range fields {
		fl := f.Length()
		if !ipfix.IsVariableLength(fl) {
			off += int(fl)
			continue
		}
		if off >= len(data) {
			return 0, truncError("variable-length prefix runs past record")
		}
		prefix := data[off]
		off++
		contentLen := int(prefix)
		if prefix == 0xFF {
			if off+2 > len(data) {
				return 0, truncError("variable-length extended prefix runs past record")
			}
			contentLen = int(binary.BigEndian.Uint16(data[off : off+2]))
			off += 2
		}
		off += contentLen
	}
	return off, nil
}

// checkRecordLength validates data against tmpl's field layout, per the
// Packing rule: fixed templates require an exact length match, templates
// with variable-length fields must consume the whole record via prefixes.
func checkRecordLength(tmpl *tmgr.Template, data []byte) error {
	fields := templateFields(tmpl)
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
		if fixed != len(data) {
			return formatError("record length does not match fixed template length")
		}
		return nil
	}
	n, err := recordLength(fields, data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return formatError("record length does not match variable-length template fields")
	}
	return nil
}

func (w *DataWriter) openMessage() {
	w.posMsg = len(w.buf)
	hdr := make([]byte, msgHdrLen)
	binary.BigEndian.PutUint16(hdr[0:2], 0x000A)
	// length patched on close
	binary.BigEndian.PutUint32(hdr[4:8], w.etimeSet)
	binary.BigEndian.PutUint32(hdr[8:12], w.seqNext)
	binary.BigEndian.PutUint32(hdr[12:16], w.odid)
	w.buf = append(w.buf, hdr...)
	w.etimeNow = w.etimeSet
}

func (w *DataWriter) openSet(tid uint16) {
	w.posSet = len(w.buf)
	hdr := make([]byte, setHdrLen)
	binary.BigEndian.PutUint16(hdr[0:2], tid)
	w.buf = append(w.buf, hdr...)
	w.tidNow = tid
}

func (w *DataWriter) closeSet() {
	if w.posSet < 0 {
		return
	}
	binary.BigEndian.PutUint16(w.buf[w.posSet+2:w.posSet+4], uint16(len(w.buf)-w.posSet))
	w.posSet = -1
}

func (w *DataWriter) closeMessage() {
	if w.posMsg < 0 {
		return
	}
	w.closeSet()
	binary.BigEndian.PutUint16(w.buf[w.posMsg+2:w.posMsg+4], uint16(len(w.buf)-w.posMsg))
	w.posMsg = -1
}

// Add validates data against tmpl and, if it fits, appends it to the
// currently open (or a freshly opened) Message/Set, updating sequence
// number, record count, and statistics.
func (w *DataWriter) Add(data []byte, tmpl *tmgr.Template) error {
	if err := checkRecordLength(tmpl, data); err != nil {
		return err
	}

	size := len(data)
	if size > 65535-msgHdrLen-setHdrLen {
		return argError("record too large to fit in any IPFIX message")
	}

	tid := tmpl.Template.Record.Id()

	needNewMsg := w.posMsg < 0 || w.etimeNow != w.etimeSet
	if !needNewMsg {
		curMsgLen := len(w.buf) - w.posMsg
		extra := size
		if tid != w.tidNow {
			extra += setHdrLen
		}
		if curMsgLen+extra > int(w.msgMax) {
			needNewMsg = true
		}
	}

	needNewSet := false
	if needNewMsg {
		w.closeMessage()
		if len(w.buf)+msgHdrLen+setHdrLen+size > DBlockMaxSize {
			return ErrBuffer
		}
		w.openMessage()
		needNewSet = true
	} else if tid != w.tidNow {
		needNewSet = true
	}

	if needNewSet {
		w.closeSet()
		if len(w.buf)+setHdrLen+size > DBlockMaxSize {
			return ErrBuffer
		}
		w.openSet(tid)
	}

	w.buf = append(w.buf, data...)
	w.recCnt++
	w.seqNext++

	w.accumulate(tmpl, data)
	return nil
}

// accumulate extracts protocolIdentifier/octetDeltaCount/packetDeltaCount
// (and their enterprise-29305 reverse counterparts) from data using tmpl's
// field layout, and folds them into the per-protocol statistics buckets.
func (w *DataWriter) accumulate(tmpl *tmgr.Template, data []byte) {
	isOpts := isOptionsTemplate(tmpl)
	if isOpts {
		w.stats.Add(0, 0, 0, true, false)
		return
	}

	var proto uint8
	var octets, packets uint64
	var reverse bool

	off := 0
	for _, f := range templateFields(tmpl) {
		fl := f.Length()
		n := int(fl)
		if ipfix.IsVariableLength(fl) {
			if off >= len(data) {
				break
			}
			prefix := data[off]
			off++
			n = int(prefix)
			if prefix == 0xFF {
				if off+2 > len(data) {
					break
				}
				n = int(binary.BigEndian.Uint16(data[off : off+2]))
				off += 2
			}
		}
		if off+n > len(data) {
			break
		}
		field := data[off : off+n]

		if f.PEN() == 0 {
			switch f.Id() {
			case 4:
				if n >= 1 {
					proto = field[0]
				}
			case 1:
				octets = beUint(field)
			case 2:
				packets = beUint(field)
			}
		} else if f.PEN() == ipfix.ReversePEN {
			switch f.Id() {
			case 1:
				reverse = true
				octets = beUint(field)
			case 2:
				reverse = true
				packets = beUint(field)
			}
		}
		off += n
	}

	w.stats.Add(proto, octets, packets, false, reverse)
}

func beUint(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// Flush closes any open Message/Set, writes the Data Block header plus
// (optionally compressed) payload to fd at offset via a single I/O
// Request, and clears the buffer. Export Time is preserved across Flush.
// The returned uint64 is the total number of bytes written (0 if there were
// no records).
func (w *DataWriter) Flush(typ IOType, fd *os.File, offset int64, sid uint16, templatesOffset uint64) (uint64, error) {
	w.closeMessage()
	if len(w.buf) == 0 {
		return 0, nil
	}

	payload := w.buf
	var flags CommonFlags
	if w.calg != CompNone {
		compressed, ok, err := compress(w.calg, w.buf)
		if err != nil {
			return 0, err
		}
		if ok {
			payload = compressed
			flags |= FlagCompressed
		}
	}

	dbHdr := make([]byte, dataBlockHeaderSize)
	binary.LittleEndian.PutUint16(dbHdr[0:2], 0)
	binary.LittleEndian.PutUint16(dbHdr[2:4], sid)
	binary.LittleEndian.PutUint32(dbHdr[4:8], w.odid)
	binary.LittleEndian.PutUint64(dbHdr[8:16], templatesOffset)

	common := CommonHeader{Type: BlockData, Flags: flags, Length: uint64(CommonHeaderSize + dataBlockHeaderSize + len(payload))}
	block := make([]byte, 0, common.Length)
	buf := &countingBuffer{}
	if _, err := common.Encode(buf); err != nil {
		return 0, err
	}
	block = append(block, buf.b...)
	block = append(block, dbHdr...)
	block = append(block, payload...)

	req := NewWriteRequest(typ, fd, offset, block)
	n, err := req.Wait()
	if err != nil {
		return 0, err
	}

	w.buf = w.buf[:0]
	w.recCnt = 0
	w.stats = Stats{}
	return uint64(n), nil
}

// countingBuffer is a minimal io.Writer sink used to render CommonHeader's
// Encode into a plain byte slice before it is spliced into a larger block.
type countingBuffer struct {
	b []byte
}

func (c *countingBuffer) Write(p []byte) (int, error) {
	c.b = append(c.b, p...)
	return len(p), nil
}
