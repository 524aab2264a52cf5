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

import "testing"

func TestPolicyTable(t *testing.T) {
	cases := []struct {
		t    SessionType
		want policy
	}{
		{SessionTCP, policy{historyAccess: false, historyMod: false, withdraw: withdrawRequired}},
		{SessionUDP, policy{historyAccess: true, historyMod: true, withdraw: withdrawProhibited}},
		{SessionSCTP, policy{historyAccess: true, historyMod: true, withdraw: withdrawRequired}},
		{SessionFile, policy{historyAccess: true, historyMod: true, withdraw: withdrawOptional}},
	}
	for _, c := range cases {
		got := policyFor(c.t)
		if got != c.want {
			t.Errorf("policyFor(%v) = %+v, want %+v", c.t, got, c.want)
		}
	}
}

func TestSessionTypeString(t *testing.T) {
	cases := map[SessionType]string{
		SessionUDP:  "udp",
		SessionTCP:  "tcp",
		SessionSCTP: "sctp",
		SessionFile: "file",
	}
	for st, want := range cases {
		if got := st.String(); got != want {
			t.Errorf("%v.String() = %q, want %q", int(st), got, want)
		}
	}
}
