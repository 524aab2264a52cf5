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
	"strconv"

	"github.com/CESNET/fds-go"
)

func blockTypeLabel(t BlockType) string {
	switch t {
	case BlockSession:
		return "session"
	case BlockTemplates:
		return "templates"
	case BlockData:
		return "data"
	case BlockTable:
		return "table"
	default:
		return strconv.Itoa(int(t))
	}
}

// blockWritten records one written block of type t and its on-disk size
// (header included) against the package-level Prometheus counters declared
// in the root package's metrics.go.
func blockWritten(t BlockType, n uint64) {
	ipfix.FileBlocksWritten.WithLabelValues(blockTypeLabel(t)).Inc()
	ipfix.FileBytesWritten.Add(float64(n))
}

// blockRead records one block read back off disk, post-decompression size
// not included (the counter tracks on-disk bytes, matching FileBytesWritten).
func blockRead(t BlockType, n uint64) {
	ipfix.FileBlocksRead.WithLabelValues(blockTypeLabel(t)).Inc()
	ipfix.FileBytesRead.Add(float64(n))
}
