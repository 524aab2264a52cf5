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

// TemplatesGarbageCollected increments the package-level garbage-collection
// counter declared alongside the rest of the library's Prometheus metrics
// in the root package's metrics.go. It is invoked by a GarbageList thunk
// once a Template becomes unreachable, not when it is merely marked for
// collection.
func TemplatesGarbageCollected(_ *Template) {
	ipfix.TemplateSnapshotsGarbageCollected.Inc()
}

// templateWithdrawn increments the withdrawal counter; called by Manager
// whenever Withdraw/WithdrawAll actually removes a live template.
func templateWithdrawn() {
	ipfix.TemplatesWithdrawn.Inc()
}
