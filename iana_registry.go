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

package ipfix

import "sync"

// ianaDescriptor is the minimal shape needed to build an InformationElement
// for one of IANA's registered IPFIX Information Elements. The upstream
// project generates this table from IANA's published CSV registry at build
// time; this module carries a small, hand-maintained subset covering the
// elements exercised by the Template Manager and File Container Engine
// (flow 5-tuple, byte/packet counters, and RFC 5103 biflow counterparts).
// Looking up an element outside this subset returns ok=false, same as
// looking up an unassigned element in the full registry would.
type ianaDescriptor struct {
	id   uint16
	name string
	typ  string
}

var ianaTable = []ianaDescriptor{
	{1, "octetDeltaCount", "unsigned64"},
	{2, "packetDeltaCount", "unsigned64"},
	{4, "protocolIdentifier", "unsigned8"},
	{6, "tcpControlBits", "unsigned16"},
	{7, "sourceTransportPort", "unsigned16"},
	{8, "sourceIPv4Address", "ipv4Address"},
	{10, "ingressInterface", "unsigned32"},
	{11, "destinationTransportPort", "unsigned16"},
	{12, "destinationIPv4Address", "ipv4Address"},
	{14, "egressInterface", "unsigned32"},
	{21, "flowEndSysUpTime", "unsigned32"},
	{22, "flowStartSysUpTime", "unsigned32"},
	{27, "sourceIPv6Address", "ipv6Address"},
	{28, "destinationIPv6Address", "ipv6Address"},
	{56, "sourceMacAddress", "macAddress"},
	{152, "flowStartMilliseconds", "dateTimeMilliseconds"},
	{153, "flowEndMilliseconds", "dateTimeMilliseconds"},
	{210, "paddingOctets", "octetArray"},
	{291, "basicList", "basicList"},
	{292, "subTemplateList", "subTemplateList"},
	{293, "subTemplateMultiList", "subTemplateMultiList"},
}

var (
	ianaOnce     sync.Once
	ianaRegistry map[uint16]*InformationElement
)

func initGlobalIANARegistry() {
	ianaRegistry = make(map[uint16]*InformationElement, len(ianaTable))
	for _, d := range ianaTable {
		typ := d.typ
		ie := &InformationElement{
			Id:          d.id,
			Name:        d.name,
			Type:        &typ,
			Constructor: LookupConstructor(d.typ),
		}
		ianaRegistry[d.id] = ie
	}
}

// iana returns the process-wide table of IANA IPFIX Information Elements
// known to this module, keyed by Information Element id.
func iana() map[uint16]*InformationElement {
	ianaOnce.Do(initGlobalIANARegistry)
	return ianaRegistry
}

// IANA returns a value-typed copy of every Information Element known to
// this module, in no particular order. It is used to seed a fresh
// FieldCache with the IANA registry, e.g. via newIPFIXFieldManager.
func IANA() []InformationElement {
	reg := iana()
	out := make([]InformationElement, 0, len(reg))
	for _, ie := range reg {
		out = append(out, *ie)
	}
	return out
}
