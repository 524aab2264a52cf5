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
	"errors"
	"fmt"
)

var (
	// ErrArg is returned when an argument is invalid for the current state,
	// e.g. calling an operation before SetTime, or passing a malformed
	// template.
	ErrArg error = errors.New("invalid argument")
	// ErrNotFound is returned when a template or snapshot is not present.
	ErrNotFound error = errors.New("template not found")
	// ErrDenied is returned when an operation is not permitted by the
	// Manager's SessionType policy (e.g. withdrawing over UDP).
	ErrDenied error = errors.New("operation not permitted for this session type")
	// ErrNoMem mirrors the original C API's allocation-failure result; in Go
	// it stands in for "the underlying allocator gave up" (practically
	// unreachable, retained for API symmetry with fdsfile's taxonomy).
	ErrNoMem error = errors.New("memory allocation failed")
)

func notFound(id uint16) error {
	return fmt.Errorf("%w: template id %d", ErrNotFound, id)
}

func denied(op string) error {
	return fmt.Errorf("%w: %s", ErrDenied, op)
}

func argError(reason string) error {
	return fmt.Errorf("%w: %s", ErrArg, reason)
}
