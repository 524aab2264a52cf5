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
	"errors"
	"fmt"
)

// Sentinel errors, one per taxonomy entry of the file format's error model.
// io.EOF doubles as "End-of-Context" (normal iterator termination): readers
// return it from ReadRec exactly as os.File.Read does at end of stream.
var (
	ErrArg      error = errors.New("invalid argument")
	ErrNotFound error = errors.New("not found")
	ErrDenied   error = errors.New("operation denied")
	ErrFormat   error = errors.New("format violation")
	ErrInternal error = errors.New("internal error")
	ErrBuffer   error = errors.New("buffer full")
	ErrTrunc    error = errors.New("truncated")
	ErrDiff     error = errors.New("value differs from expected")
)

func argError(reason string) error { return fmt.Errorf("%w: %s", ErrArg, reason) }

func notFound(reason string) error { return fmt.Errorf("%w: %s", ErrNotFound, reason) }

func denied(reason string) error { return fmt.Errorf("%w: %s", ErrDenied, reason) }

func formatError(reason string) error { return fmt.Errorf("%w: %s", ErrFormat, reason) }

func internalError(reason string) error { return fmt.Errorf("%w: %s", ErrInternal, reason) }

func truncError(reason string) error { return fmt.Errorf("%w: %s", ErrTrunc, reason) }
