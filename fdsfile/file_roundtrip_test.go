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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/CESNET/fds-go"
	"github.com/CESNET/fds-go/tmgr"
)

func testField(id uint16, length uint16) ipfix.Field {
	ie := &ipfix.InformationElement{Constructor: ipfix.NewOctetArray, Id: id, Name: "test"}
	return ipfix.NewFieldBuilder(ie).SetLength(length).Complete()
}

func testTemplate(id uint16) *tmgr.Template {
	fields := []ipfix.Field{
		testField(4, 1), // protocolIdentifier
		testField(1, 8), // octetDeltaCount
		testField(2, 8), // packetDeltaCount
	}
	return &tmgr.Template{
		Template: &ipfix.Template{
			TemplateMetadata: &ipfix.TemplateMetadata{TemplateId: id},
			Record: &ipfix.TemplateRecord{
				TemplateId: id,
				FieldCount: uint16(len(fields)),
				Fields:     fields,
			},
		},
	}
}

func testRecord(proto uint8, octets, packets uint64) []byte {
	b := make([]byte, 17)
	b[0] = proto
	binary.BigEndian.PutUint64(b[1:9], octets)
	binary.BigEndian.PutUint64(b[9:17], packets)
	return b
}

func writeSampleFile(t *testing.T, path string, calg CompAlg) {
	t.Helper()
	w, err := OpenWriter(path, WriterOptions{CompAlg: calg, IOType: IOSync})
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}

	sid, err := w.SessionAdd(Descriptor{Proto: ProtoTCP, SrcPort: 1234, DstPort: 4739}, 0)
	if err != nil {
		t.Fatalf("SessionAdd: %v", err)
	}

	if err := w.SelectContext(sid, 1, 1000); err != nil {
		t.Fatalf("SelectContext odid 1: %v", err)
	}
	if err := w.TemplateAdd(testTemplate(256)); err != nil {
		t.Fatalf("TemplateAdd: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := w.WriteRec(256, testRecord(6, uint64(100+i), uint64(1+i))); err != nil {
			t.Fatalf("WriteRec odid 1 #%d: %v", i, err)
		}
	}

	if err := w.SelectContext(sid, 2, 1000); err != nil {
		t.Fatalf("SelectContext odid 2: %v", err)
	}
	if err := w.TemplateAdd(testTemplate(257)); err != nil {
		t.Fatalf("TemplateAdd odid2: %v", err)
	}
	if err := w.WriteRec(257, testRecord(17, 500, 9)); err != nil {
		t.Fatalf("WriteRec odid 2: %v", err)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestWriterReaderRoundTrip(t *testing.T) {
	algs := map[string]CompAlg{"none": CompNone, "lz4": CompLZ4, "zstd": CompZSTD}
	for name, calg := range algs {
		name, calg := name, calg
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "test.fds")
			writeSampleFile(t, path, calg)

			r, err := OpenReader(path, IOSync)
			if err != nil {
				t.Fatalf("OpenReader: %v", err)
			}
			defer r.Close()

			var got []*RecordContext
			for {
				_, ctx, err := r.ReadRec()
				if err == io.EOF {
					break
				}
				if err != nil {
					t.Fatalf("ReadRec: %v", err)
				}
				got = append(got, ctx)
			}
			if len(got) != 6 {
				t.Fatalf("got %d records, want 6", len(got))
			}

			stats := r.Stats()
			if stats.RecsTotal != 6 {
				t.Fatalf("RecsTotal = %d, want 6", stats.RecsTotal)
			}
			if stats.RecsTCP != 5 {
				t.Fatalf("RecsTCP = %d, want 5", stats.RecsTCP)
			}
			if stats.RecsUDP != 1 {
				t.Fatalf("RecsUDP = %d, want 1", stats.RecsUDP)
			}
		})
	}
}

func TestReaderSessionFilter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.fds")
	writeSampleFile(t, path, CompNone)

	r, err := OpenReader(path, IOSync)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()

	odid := uint32(2)
	if err := r.ReadSFilter(nil, &odid); err != nil {
		t.Fatalf("ReadSFilter: %v", err)
	}

	var count int
	for {
		_, ctx, err := r.ReadRec()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("ReadRec: %v", err)
		}
		if ctx.ODID != 2 {
			t.Fatalf("got odid %d, want 2", ctx.ODID)
		}
		count++
	}
	if count != 1 {
		t.Fatalf("got %d records, want 1", count)
	}
}

func TestReaderSessionAndODIDQueries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.fds")
	writeSampleFile(t, path, CompNone)

	r, err := OpenReader(path, IOSync)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()

	sids := r.SessionList()
	if len(sids) != 1 {
		t.Fatalf("got %d sessions, want 1", len(sids))
	}
	sess, ok := r.SessionGet(sids[0])
	if !ok || sess.Descriptor.SrcPort != 1234 {
		t.Fatalf("unexpected session %+v", sess)
	}
	odids := r.SessionODIDs(sids[0])
	if len(odids) != 2 || odids[0] != 1 || odids[1] != 2 {
		t.Fatalf("unexpected odids %v", odids)
	}
}

func TestReaderRebuildsTableWhenHeaderOffsetIsZero(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.fds")
	writeSampleFile(t, path, CompNone)

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var hdr FileHeader
	if _, err := hdr.Decode(&memReader{b: raw}); err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if hdr.TableOffset == 0 {
		t.Fatalf("expected a non-zero table offset in a cleanly closed file")
	}

	// Truncate away the content table block and zero the header's pointer
	// to it, simulating a writer that died before Close.
	truncated := append([]byte(nil), raw[:hdr.TableOffset]...)
	binary.LittleEndian.PutUint64(truncated[8:16], 0)
	if err := os.WriteFile(path, truncated, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	r, err := OpenReader(path, IOSync)
	if err != nil {
		t.Fatalf("OpenReader after truncation: %v", err)
	}
	defer r.Close()

	var count int
	for {
		_, _, err := r.ReadRec()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("ReadRec: %v", err)
		}
		count++
	}
	if count != 6 {
		t.Fatalf("got %d records after rebuild, want 6", count)
	}
	if len(r.SessionList()) != 1 {
		t.Fatalf("expected session recovered by scan")
	}
}

func TestWriterDeniesSecondOpenOnLockedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.fds")

	w1, err := OpenWriter(path, WriterOptions{IOType: IOSync})
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	defer w1.Close()

	_, err = OpenWriter(path, WriterOptions{IOType: IOSync})
	if err == nil {
		t.Fatalf("expected second OpenWriter to fail while the file is locked")
	}
}

func TestWriterAppend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.fds")
	writeSampleFile(t, path, CompNone)

	w, err := OpenWriter(path, WriterOptions{Append: true, IOType: IOSync})
	if err != nil {
		t.Fatalf("OpenWriter append: %v", err)
	}
	sid, err := w.SessionAdd(Descriptor{Proto: ProtoTCP, SrcPort: 1234, DstPort: 4739}, 0)
	if err != nil {
		t.Fatalf("SessionAdd (should dedup): %v", err)
	}
	if err := w.SelectContext(sid, 1, 2000); err != nil {
		t.Fatalf("SelectContext: %v", err)
	}
	if err := w.TemplateAdd(testTemplate(256)); err != nil {
		t.Fatalf("TemplateAdd: %v", err)
	}
	if err := w.WriteRec(256, testRecord(6, 1, 1)); err != nil {
		t.Fatalf("WriteRec: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := OpenReader(path, IOSync)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()

	var count int
	for {
		_, _, err := r.ReadRec()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("ReadRec: %v", err)
		}
		count++
	}
	if count != 7 {
		t.Fatalf("got %d records after append, want 7", count)
	}
	if len(r.SessionList()) != 1 {
		t.Fatalf("append should have reused the existing session, not created a second one")
	}
}

func TestReaderSetIEManagerFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.fds")
	writeSampleFile(t, path, CompNone)

	vendorDefs := strings.NewReader(`
name: vendor test fields
fields:
  - id: 4
    name: protocolIdentifier
  - id: 1
    name: octetDeltaCount
  - id: 2
    name: packetDeltaCount
`)
	fc, err := ipfix.NewFieldCacheFromYAML(vendorDefs)
	if err != nil {
		t.Fatalf("NewFieldCacheFromYAML: %v", err)
	}

	r, err := OpenReader(path, IOSync)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()

	if err := r.SetIEManager(fc); err != nil {
		t.Fatalf("SetIEManager: %v", err)
	}

	var count int
	for {
		_, _, err := r.ReadRec()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("ReadRec: %v", err)
		}
		count++
	}
	if count != 6 {
		t.Fatalf("got %d records after rebinding the field cache, want 6", count)
	}
}

// memReader is a trivial sequential io.Reader over an in-memory slice, used
// only to decode a FileHeader from bytes already read via os.ReadFile.
type memReader struct {
	b   []byte
	off int
}

func (m *memReader) Read(p []byte) (int, error) {
	if m.off >= len(m.b) {
		return 0, io.EOF
	}
	n := copy(p, m.b[m.off:])
	m.off += n
	return n, nil
}
