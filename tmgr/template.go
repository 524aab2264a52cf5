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

import (
	"github.com/CESNET/fds-go"
)

// Template is a Manager-owned (Options) Template. It wraps the wire-format
// codec from the root ipfix package (Encode/Decode, field iteration) and
// adds the bookkeeping a history-preserving manager needs on top: when the
// template was first seen, its lifetime (from which its expiry time
// follows), and the flow key bitmap assigned via Manager.SetFlowKey. The
// time a template was last seen is not recorded.
//
// A Template is immutable once it has been handed out via Snapshot.Get or a
// For callback: all fields below are written exactly once, at construction
// or by Manager.SetFlowKey (which, per original_source, is itself only
// ever applied before the owning snapshot is frozen).
type Template struct {
	*ipfix.Template

	// FirstSeen is the Export Time at which this exact definition was first
	// added to the manager (not the manager's all-time creation time).
	FirstSeen uint32
	// Lifetime is the number of seconds after FirstSeen at which this
	// template expires and is withdrawn automatically. Zero means no
	// expiry (only possible for non-UDP sessions or when UDP timeouts are
	// disabled).
	Lifetime uint32
	// FlowKey is a bitmap over template fields, assigned by
	// Manager.SetFlowKey; bit i set means field i (0-indexed, in wire
	// order) is part of the flow key.
	FlowKey uint64
}

// id returns the template ID, delegating to the wrapped wire-format record.
func (t *Template) id() uint16 {
	return t.Template.Record.Id()
}

// expiresAt returns the Export Time at which t expires, or 0 if it never
// does (Lifetime == 0).
func (t *Template) expiresAt() uint32 {
	if t.Lifetime == 0 {
		return 0
	}
	return t.FirstSeen + t.Lifetime
}
