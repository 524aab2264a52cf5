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
)

// Proto enumerates the Transport Session's L4 protocol.
type Proto uint16

const (
	ProtoUnknown Proto = iota
	ProtoUDP
	ProtoTCP
	ProtoSCTP
)

// Descriptor identifies a Transport Session by its five-tuple (minus the
// internal Session ID, which is assigned, not observed). It is a plain,
// comparable value type so it can be used directly as a Go map key for
// dedup-by-descriptor, the natural translation of original_source's
// File_writer.cpp field-by-field comparison.
type Descriptor struct {
	Proto      Proto
	SrcIP      [16]byte // IPv4 stored as an IPv4-mapped IPv6 address
	DstIP      [16]byte
	SrcPort    uint16
	DstPort    uint16
}

// Less gives a deterministic total order over descriptors: ports, then
// protocol, then source IP bytes, then destination IP bytes, as spec'd.
func (d Descriptor) Less(o Descriptor) bool {
	if d.SrcPort != o.SrcPort {
		return d.SrcPort < o.SrcPort
	}
	if d.DstPort != o.DstPort {
		return d.DstPort < o.DstPort
	}
	if d.Proto != o.Proto {
		return d.Proto < o.Proto
	}
	if c := bytes.Compare(d.SrcIP[:], o.SrcIP[:]); c != 0 {
		return c < 0
	}
	return bytes.Compare(d.DstIP[:], o.DstIP[:]) < 0
}

// Session is a Transport Session Block: one Descriptor plus its assigned
// internal Session ID.
type Session struct {
	ID           uint16
	Descriptor   Descriptor
	FeatureFlags uint32
}

// sessionBlockSize is the on-disk size of a Session Block's body, not
// counting the Common Block Header.
const sessionBlockSize = 4 + 2 + 2 + 16 + 16 + 2 + 2

// Encode writes the Session Block (common header + body) to w.
func (s *Session) Encode(w io.Writer) (int, error) {
	hdr := CommonHeader{Type: BlockSession, Length: CommonHeaderSize + sessionBlockSize}
	n, err := hdr.Encode(w)
	if err != nil {
		return n, err
	}

	b := make([]byte, sessionBlockSize)
	binary.LittleEndian.PutUint32(b[0:4], s.FeatureFlags)
	binary.LittleEndian.PutUint16(b[4:6], s.ID)
	binary.LittleEndian.PutUint16(b[6:8], uint16(s.Descriptor.Proto))
	copy(b[8:24], s.Descriptor.SrcIP[:])
	copy(b[24:40], s.Descriptor.DstIP[:])
	binary.LittleEndian.PutUint16(b[40:42], s.Descriptor.SrcPort)
	binary.LittleEndian.PutUint16(b[42:44], s.Descriptor.DstPort)

	m, err := w.Write(b)
	return n + m, err
}

// DecodeSession reads a Session Block whose Common Block Header has already
// been consumed and is passed in as hdr.
func DecodeSession(r io.Reader, hdr CommonHeader) (*Session, int, error) {
	if hdr.Type != BlockSession {
		return nil, 0, formatError("not a session block")
	}
	if hdr.Length != CommonHeaderSize+sessionBlockSize {
		return nil, 0, formatError("session block has unexpected length")
	}
	b := make([]byte, sessionBlockSize)
	n, err := io.ReadFull(r, b)
	if err != nil {
		return nil, n, err
	}
	s := &Session{}
	s.FeatureFlags = binary.LittleEndian.Uint32(b[0:4])
	s.ID = binary.LittleEndian.Uint16(b[4:6])
	s.Descriptor.Proto = Proto(binary.LittleEndian.Uint16(b[6:8]))
	copy(s.Descriptor.SrcIP[:], b[8:24])
	copy(s.Descriptor.DstIP[:], b[24:40])
	s.Descriptor.SrcPort = binary.LittleEndian.Uint16(b[40:42])
	s.Descriptor.DstPort = binary.LittleEndian.Uint16(b[42:44])
	return s, n, nil
}
