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

// Package fdsfile implements the FDS file container format: a random-access,
// append-friendly on-disk layout for IPFIX flow records, built from a small
// set of length-prefixed Blocks (Session, Templates, Data, Content Table)
// following a file header (a 16-byte fixed prefix plus an embedded
// statistics block).
//
// A file is written through a Writer (OpenWriter), in write-truncate or
// write-append mode, which multiplexes records across any number of (Session, ODID)
// contexts; each context owns its own Templates Block (itself a tmgr.Manager
// pinned at Export Time 0) and Data Writer. A file is read back through a
// Reader (OpenReader), which serves records through a
// double-buffered pair of Data Block readers so that I/O for the next block
// overlaps with the caller's processing of the current one.
//
// All multi-byte integers in block headers and structures are little-endian;
// everything inside a Data Block's IPFIX payload (messages, sets, records)
// is big-endian per RFC 7011. See structure.go for the exact wire layouts.
package fdsfile
