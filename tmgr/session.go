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

// SessionType identifies the transport a Manager's templates were received
// over. It governs whether template history is visible, whether history can
// be modified (and those modifications propagated forward), and whether
// explicit withdrawal is required before a template ID can be redefined.
// Grounded on original_source/include/libfds/template_mgr.h's
// enum fds_session_type.
type SessionType int

const (
	// SessionUDP is IPFIX over UDP: unreliable and unordered, so history
	// stays visible and editable to resolve records that arrive late, and
	// explicit withdrawal is prohibited (redefinition alone replaces a
	// template).
	SessionUDP SessionType = iota
	// SessionTCP is IPFIX over TCP: fully reliable and ordered, so there is
	// no need for template history at all, and because order is
	// guaranteed, explicit withdrawal is required before a definition can
	// change.
	SessionTCP
	// SessionSCTP is IPFIX over SCTP: individual streams are reliable and
	// ordered, but messages can arrive out of stream order across streams,
	// so history stays visible and editable, and withdrawal is required.
	SessionSCTP
	// SessionFile is IPFIX read back from a File Format container: reads
	// can seek freely, so history is fully visible and editable, but
	// withdrawal is optional (both an explicit withdrawal record and a
	// same-ID redefinition are accepted).
	SessionFile
)

func (t SessionType) String() string {
	switch t {
	case SessionUDP:
		return "udp"
	case SessionTCP:
		return "tcp"
	case SessionSCTP:
		return "sctp"
	case SessionFile:
		return "file"
	default:
		return "unknown"
	}
}

// withdrawMode mirrors original_source's enum withdraw_mod_e.
type withdrawMode int

const (
	withdrawProhibited withdrawMode = iota
	withdrawOptional
	withdrawRequired
)

// policy is the per-SessionType behavior table, grounded verbatim on the
// case FDS_SESSION_* block of original_source's fds_tmgr_create.
type policy struct {
	historyAccess bool // historical snapshots remain reachable
	historyMod    bool // historical snapshots may be cloned and edited
	withdraw      withdrawMode
}

func policyFor(t SessionType) policy {
	switch t {
	case SessionTCP:
		return policy{historyAccess: false, historyMod: false, withdraw: withdrawRequired}
	case SessionUDP:
		return policy{historyAccess: true, historyMod: true, withdraw: withdrawProhibited}
	case SessionSCTP:
		return policy{historyAccess: true, historyMod: true, withdraw: withdrawRequired}
	case SessionFile:
		return policy{historyAccess: true, historyMod: true, withdraw: withdrawOptional}
	default:
		return policy{historyAccess: true, historyMod: true, withdraw: withdrawOptional}
	}
}
