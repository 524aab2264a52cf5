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
	"math/bits"
	"sort"
)

// ctableSection bits identify which sections are present in a Content
// Table's block_flags bitset. Bit 0 is the Session section, bit 1 is the
// Data-block section; higher bits are reserved for forward-compatible
// extensions that this package does not understand and must skip.
type ctableSection uint32

const (
	ctableSession ctableSection = 1 << 0
	ctableData    ctableSection = 1 << 1
)

// SessionRecord is one entry of the Content Table's Session section.
type SessionRecord struct {
	Offset    uint64
	Length    uint64
	SessionID uint16
	Flags     uint16
}

// DataRecord is one entry of the Content Table's Data-block section.
type DataRecord struct {
	Offset          uint64
	Length          uint64
	TemplatesOffset uint64
	ODID            uint32
	SessionID       uint16
	Flags           uint16
}

// ContentTable is the terminal index block: the position of every Session
// Block and Data Block in the file. It is always the last block written;
// a zero file-header TableOffset means "rebuild by scan".
type ContentTable struct {
	Sessions []SessionRecord
	Data     []DataRecord
}

const (
	sessionRecSize = 8 + 8 + 2 + 2
	dataRecSize    = 8 + 8 + 8 + 4 + 2 + 2
)

func encodeSessionSection(recs []SessionRecord) []byte {
	var buf bytes.Buffer
	cnt := make([]byte, 2)
	binary.LittleEndian.PutUint16(cnt, uint16(len(recs)))
	buf.Write(cnt)
	for _, r := range recs {
		b := make([]byte, sessionRecSize)
		binary.LittleEndian.PutUint64(b[0:8], r.Offset)
		binary.LittleEndian.PutUint64(b[8:16], r.Length)
		binary.LittleEndian.PutUint16(b[16:18], r.SessionID)
		binary.LittleEndian.PutUint16(b[18:20], r.Flags)
		buf.Write(b)
	}
	return buf.Bytes()
}

func decodeSessionSection(b []byte) ([]SessionRecord, error) {
	if len(b) < 2 {
		return nil, truncError("session section header")
	}
	cnt := int(binary.LittleEndian.Uint16(b[0:2]))
	b = b[2:]
	if len(b) < cnt*sessionRecSize {
		return nil, truncError("session section records")
	}
	out := make([]SessionRecord, cnt)
	for i := range out {
		rb := b[i*sessionRecSize : (i+1)*sessionRecSize]
		out[i] = SessionRecord{
			Offset:    binary.LittleEndian.Uint64(rb[0:8]),
			Length:    binary.LittleEndian.Uint64(rb[8:16]),
			SessionID: binary.LittleEndian.Uint16(rb[16:18]),
			Flags:     binary.LittleEndian.Uint16(rb[18:20]),
		}
	}
	return out, nil
}

func encodeDataSection(recs []DataRecord) []byte {
	var buf bytes.Buffer
	cnt := make([]byte, 4)
	binary.LittleEndian.PutUint32(cnt, uint32(len(recs)))
	buf.Write(cnt)
	for _, r := range recs {
		b := make([]byte, dataRecSize)
		binary.LittleEndian.PutUint64(b[0:8], r.Offset)
		binary.LittleEndian.PutUint64(b[8:16], r.Length)
		binary.LittleEndian.PutUint64(b[16:24], r.TemplatesOffset)
		binary.LittleEndian.PutUint32(b[24:28], r.ODID)
		binary.LittleEndian.PutUint16(b[28:30], r.SessionID)
		binary.LittleEndian.PutUint16(b[30:32], r.Flags)
		buf.Write(b)
	}
	return buf.Bytes()
}

func decodeDataSection(b []byte) ([]DataRecord, error) {
	if len(b) < 4 {
		return nil, truncError("data section header")
	}
	cnt := int(binary.LittleEndian.Uint32(b[0:4]))
	b = b[4:]
	if len(b) < cnt*dataRecSize {
		return nil, truncError("data section records")
	}
	out := make([]DataRecord, cnt)
	for i := range out {
		rb := b[i*dataRecSize : (i+1)*dataRecSize]
		out[i] = DataRecord{
			Offset:          binary.LittleEndian.Uint64(rb[0:8]),
			Length:          binary.LittleEndian.Uint64(rb[8:16]),
			TemplatesOffset: binary.LittleEndian.Uint64(rb[16:24]),
			ODID:            binary.LittleEndian.Uint32(rb[24:28]),
			SessionID:       binary.LittleEndian.Uint16(rb[28:30]),
			Flags:           binary.LittleEndian.Uint16(rb[30:32]),
		}
	}
	return out, nil
}

// SerializeTo writes the Content Table: a Common Block Header, the
// block_flags bitset, one relative offset per set bit (ascending bit-index
// order), then the section bodies in that same order.
func (ct *ContentTable) SerializeTo(w io.Writer) (int, error) {
	var flags ctableSection
	if len(ct.Sessions) > 0 {
		flags |= ctableSession
	}
	if len(ct.Data) > 0 {
		flags |= ctableData
	}

	type section struct {
		bit  ctableSection
		body []byte
	}
	var secs []section
	if flags&ctableSession != 0 {
		secs = append(secs, section{ctableSession, encodeSessionSection(ct.Sessions)})
	}
	if flags&ctableData != 0 {
		secs = append(secs, section{ctableData, encodeDataSection(ct.Data)})
	}
	sort.Slice(secs, func(i, j int) bool { return secs[i].bit < secs[j].bit })

	offsetsSize := bits.OnesCount32(uint32(flags)) * 8
	headerSize := 4 + offsetsSize // block_flags + offsets[]

	var body bytes.Buffer
	body.Write(make([]byte, headerSize))

	rel := uint64(headerSize)
	offsets := make([]uint64, 0, len(secs))
	for _, s := range secs {
		offsets = append(offsets, rel)
		body.Write(s.body)
		rel += uint64(len(s.body))
	}

	out := body.Bytes()
	binary.LittleEndian.PutUint32(out[0:4], uint32(flags))
	for i, off := range offsets {
		binary.LittleEndian.PutUint64(out[4+i*8:4+i*8+8], off)
	}

	hdr := CommonHeader{Type: BlockTable, Length: uint64(CommonHeaderSize + len(out))}
	n, err := hdr.Encode(w)
	if err != nil {
		return n, err
	}
	m, err := w.Write(out)
	return n + m, err
}

// LoadContentTable reads a Content Table whose Common Block Header has
// already been consumed and is passed in as hdr. Unknown bits set in
// block_flags are skipped: their offset slot is consumed but no attempt is
// made to interpret a section body at that offset, so the reader tolerates
// forward-compatible new section kinds without rejecting the file.
func LoadContentTable(r io.Reader, hdr CommonHeader) (*ContentTable, int, error) {
	if hdr.Type != BlockTable {
		return nil, 0, formatError("not a content table block")
	}
	bodyLen := int64(hdr.Length) - CommonHeaderSize
	if bodyLen < 4 {
		return nil, 0, formatError("content table block shorter than its flags field")
	}
	body := make([]byte, bodyLen)
	n, err := io.ReadFull(r, body)
	if err != nil {
		return nil, n, err
	}

	flags := ctableSection(binary.LittleEndian.Uint32(body[0:4]))
	nbits := bits.OnesCount32(uint32(flags))
	if len(body) < 4+nbits*8 {
		return nil, n, truncError("content table offsets array")
	}
	offsets := make([]uint64, nbits)
	for i := range offsets {
		offsets[i] = binary.LittleEndian.Uint64(body[4+i*8 : 4+i*8+8])
	}

	ct := &ContentTable{}
	slot := 0
	for bit := ctableSection(1); bit != 0; bit <<= 1 {
		if flags&bit == 0 {
			continue
		}
		off := offsets[slot]
		slot++
		if bit == ctableSession || bit == ctableData {
			if off >= uint64(len(body)) {
				return nil, n, truncError("content table section offset out of range")
			}
			section := body[off:]
			if bit == ctableSession {
				ct.Sessions, err = decodeSessionSection(section)
			} else {
				ct.Data, err = decodeDataSection(section)
			}
			if err != nil {
				return nil, n, err
			}
		}
		// Any other bit is an unrecognized forward-compatible section:
		// its offset slot has been consumed above, but its body is left
		// unparsed, per spec.
	}

	return ct, n, nil
}
