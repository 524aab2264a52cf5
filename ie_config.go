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

import (
	"context"
	"io"
)

// fieldCacheFromElements builds a FieldCache seeded with the IANA registry
// plus every element in extra, letting a vendor-specific definitions file
// override an IANA entry that shares its ID.
func fieldCacheFromElements(extra map[uint16]InformationElement) (FieldCache, error) {
	fc := newIPFIXFieldManager(nil)
	for _, ie := range extra {
		if err := fc.Add(context.Background(), ie); err != nil {
			return nil, err
		}
	}
	return fc, nil
}

// NewFieldCacheFromYAML builds a FieldCache from the IANA registry plus the
// vendor Information Element definitions read from r in the FieldExport YAML
// format (see WriteYAML). Useful for recognizing enterprise-specific fields
// in a file written by an exporter whose IE definitions aren't in the IANA
// registry fds-go ships with.
func NewFieldCacheFromYAML(r io.Reader) (FieldCache, error) {
	m, err := ReadYAML(r)
	if err != nil {
		return nil, err
	}
	extra := make(map[uint16]InformationElement, len(m))
	for id, ie := range m {
		el := *ie
		// ReadYAML intentionally round-trips Constructor as nil (it carries
		// no serializable representation); rebuild it from Type the same
		// way ReadCSV/ReadXML do, a nil Constructor panics on first use.
		if el.Type != nil {
			el.Constructor = LookupConstructor(*el.Type)
		}
		if el.Constructor == nil {
			el.Constructor = NewOctetArray
		}
		extra[id] = el
	}
	return fieldCacheFromElements(extra)
}

// NewFieldCacheFromXML builds a FieldCache from the IANA registry plus the
// vendor Information Element definitions read from r in the IANA XML IE
// registry schema (the format libfds and yaf ship their own registries in).
func NewFieldCacheFromXML(r io.Reader) (FieldCache, error) {
	m, err := ReadXML(r)
	if err != nil {
		return nil, err
	}
	return fieldCacheFromElements(m)
}

// NewFieldCacheFromCSV builds a FieldCache from the IANA registry plus the
// vendor Information Element definitions read from r in libfds' CSV IE
// registry format.
func NewFieldCacheFromCSV(r io.Reader) (FieldCache, error) {
	m, err := ReadCSV(r)
	if err != nil {
		return nil, err
	}
	return fieldCacheFromElements(m)
}
