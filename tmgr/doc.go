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

// Package tmgr implements a time-indexed, history-preserving Template
// Manager for IPFIX (Options) Templates.
//
// Unlike a live collector, which only ever needs "the current template
// with this ID", a reader of the IPFIX File Format can seek backward in
// time and must decode each Data Record using the template that was
// active at its Export Time. Manager keeps a double-linked chain of
// immutable Snapshots ordered by Export Time; a Snapshot is a sparse,
// two-level (256x256) table of Template references, each carrying
// Create/Delete/Timeout flags describing its lifetime across the chain.
//
// Templates are never mutated in place once a Snapshot has been handed
// out: modifying the "current" view clones the newest editable Snapshot
// (copy-on-write) and moves flags across the clone according to the
// rules described on Snapshot. Unreachable Templates are not released
// immediately -- they are appended to a Manager's GarbageList, handed out
// by a later call to GarbageGet and released when that list is drained,
// mirroring how a real collector amortizes cleanup across packets instead
// of doing it inline on every mutation. Snapshots are not queued on the
// GarbageList; an unlinked Snapshot is left to the Go garbage collector.
//
// Manager behavior (whether history is visible, whether it can be
// modified, and whether explicit withdrawal is required before
// redefining a Template) is governed by the SessionType it was created
// with, matching RFC 7011's differing guarantees for UDP, TCP, SCTP and
// file-based transport.
package tmgr
