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
	"io"
)

// Magic identifies an FDS file ("FDS1" read as a little-endian u32).
const Magic uint32 = 0x31534446

// Version is the only file format version this package writes or accepts.
const Version uint8 = 1

// CompAlg selects the compression algorithm applied to Data Block payloads.
type CompAlg uint8

const (
	CompNone CompAlg = 0
	CompLZ4  CompAlg = 1
	CompZSTD CompAlg = 2
)

// DBlockMaxSize is the maximum size of an uncompressed Data Block payload
// (1 MiB). This value is part of the on-disk format and must never change.
const DBlockMaxSize = 1048576

// BlockType identifies the kind of block a Common Block Header introduces.
type BlockType uint16

const (
	_ BlockType = iota // 0 is intentionally unused
	BlockSession
	BlockTemplates
	BlockData
	BlockTable
)

// CommonFlags are bits carried in every Common Block Header.
type CommonFlags uint16

// FlagCompressed marks a Data Block whose payload is compressed. No other
// block type uses this bit.
const FlagCompressed CommonFlags = 1 << 0

// CommonHeaderSize is the on-disk size of a Common Block Header.
const CommonHeaderSize = 2 + 2 + 8

// CommonHeader precedes every block in the file.
type CommonHeader struct {
	Type   BlockType
	Flags  CommonFlags
	Length uint64 // length of the block, including this header
}

func (h *CommonHeader) Encode(w io.Writer) (int, error) {
	b := make([]byte, CommonHeaderSize)
	binary.LittleEndian.PutUint16(b[0:2], uint16(h.Type))
	binary.LittleEndian.PutUint16(b[2:4], uint16(h.Flags))
	binary.LittleEndian.PutUint64(b[4:12], h.Length)
	return w.Write(b)
}

func (h *CommonHeader) Decode(r io.Reader) (int, error) {
	b := make([]byte, CommonHeaderSize)
	n, err := io.ReadFull(r, b)
	if err != nil {
		return n, err
	}
	h.Type = BlockType(binary.LittleEndian.Uint16(b[0:2]))
	h.Flags = CommonFlags(binary.LittleEndian.Uint16(b[2:4]))
	h.Length = binary.LittleEndian.Uint64(b[4:12])
	return n, nil
}

// StatsFieldCount is the number of u64 counters in a Stats block.
const StatsFieldCount = 20

// StatsSize is the on-disk size of the embedded statistics block.
const StatsSize = StatsFieldCount * 8

// Stats is the persisted, little-endian statistics block embedded in the
// file header and updated as records are written.
type Stats struct {
	RecsTotal    uint64
	RecsBfTotal  uint64
	RecsOptsTotal uint64
	BytesTotal   uint64
	PktsTotal    uint64

	RecsTCP, RecsUDP, RecsICMP, RecsOther             uint64
	RecsBfTCP, RecsBfUDP, RecsBfICMP, RecsBfOther     uint64
	BytesTCP, BytesUDP, BytesICMP, BytesOther         uint64
	PktsTCP, PktsUDP, PktsICMP, PktsOther             uint64
}

func (s *Stats) fields() [StatsFieldCount]*uint64 {
	return [StatsFieldCount]*uint64{
		&s.RecsTotal, &s.RecsBfTotal, &s.RecsOptsTotal, &s.BytesTotal, &s.PktsTotal,
		&s.RecsTCP, &s.RecsUDP, &s.RecsICMP, &s.RecsOther,
		&s.RecsBfTCP, &s.RecsBfUDP, &s.RecsBfICMP, &s.RecsBfOther,
		&s.BytesTCP, &s.BytesUDP, &s.BytesICMP, &s.BytesOther,
		&s.PktsTCP, &s.PktsUDP, &s.PktsICMP, &s.PktsOther,
	}
}

func (s *Stats) Encode(w io.Writer) (int, error) {
	b := make([]byte, StatsSize)
	for i, f := range s.fields() {
		binary.LittleEndian.PutUint64(b[i*8:i*8+8], *f)
	}
	return w.Write(b)
}

func (s *Stats) Decode(r io.Reader) (int, error) {
	b := make([]byte, StatsSize)
	n, err := io.ReadFull(r, b)
	if err != nil {
		return n, err
	}
	for i, f := range s.fields() {
		*f = binary.LittleEndian.Uint64(b[i*8 : i*8+8])
	}
	return n, nil
}

// Add accumulates one record's contribution into the matching protocol
// bucket, selected by proto (IANA protocolIdentifier: 6=TCP, 17=UDP,
// 1=ICMPv4, 58=ICMPv6), and into the _total counters. isOpts routes the
// record into RecsOptsTotal instead of RecsTotal/RecsBf*.
func (s *Stats) Add(proto uint8, bytes, pkts uint64, isOpts, reverse bool) {
	s.BytesTotal += bytes
	s.PktsTotal += pkts
	if isOpts {
		s.RecsOptsTotal++
	} else if reverse {
		s.RecsBfTotal++
	} else {
		s.RecsTotal++
	}

	var recs, recsBf, by, pk *uint64
	switch proto {
	case 6:
		recs, recsBf, by, pk = &s.RecsTCP, &s.RecsBfTCP, &s.BytesTCP, &s.PktsTCP
	case 17:
		recs, recsBf, by, pk = &s.RecsUDP, &s.RecsBfUDP, &s.BytesUDP, &s.PktsUDP
	case 1, 58:
		recs, recsBf, by, pk = &s.RecsICMP, &s.RecsBfICMP, &s.BytesICMP, &s.PktsICMP
	default:
		recs, recsBf, by, pk = &s.RecsOther, &s.RecsBfOther, &s.BytesOther, &s.PktsOther
	}
	*by += bytes
	*pk += pkts
	if !isOpts {
		if reverse {
			*recsBf++
		} else {
			*recs++
		}
	}
}

// HeaderSize is the on-disk size of the fixed-length file header prefix,
// not including the embedded Stats block.
const HeaderSize = 4 + 1 + 1 + 2 + 8

// FileHeader is the 16-byte (HeaderSize) fixed prefix (plus embedded statistics) at
// offset 0 of every FDS file.
type FileHeader struct {
	Magic       uint32
	Version     uint8
	CompMethod  CompAlg
	Flags       uint16
	TableOffset uint64
	Stats       Stats
}

func (h *FileHeader) Encode(w io.Writer) (int, error) {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], h.Magic)
	b[4] = byte(h.Version)
	b[5] = byte(h.CompMethod)
	binary.LittleEndian.PutUint16(b[6:8], h.Flags)
	binary.LittleEndian.PutUint64(b[8:16], h.TableOffset)
	n, err := w.Write(b)
	if err != nil {
		return n, err
	}
	m, err := h.Stats.Encode(w)
	return n + m, err
}

func (h *FileHeader) Decode(r io.Reader) (int, error) {
	b := make([]byte, HeaderSize)
	n, err := io.ReadFull(r, b)
	if err != nil {
		return n, err
	}
	h.Magic = binary.LittleEndian.Uint32(b[0:4])
	h.Version = uint8(b[4])
	h.CompMethod = CompAlg(b[5])
	h.Flags = binary.LittleEndian.Uint16(b[6:8])
	h.TableOffset = binary.LittleEndian.Uint64(b[8:16])
	m, err := h.Stats.Decode(r)
	return n + m, err
}
