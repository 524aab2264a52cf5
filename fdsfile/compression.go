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
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// compress writes src, compressed per alg, into a newly allocated buffer and returns
// it, along with whether compression actually happened. CompNone is
// rejected by callers before this is reached.
//
// lz4.Compressor.CompressBlock documents returning (0, nil) -- not an
// error -- when src is small or low-redundancy enough that the compressed
// form wouldn't be smaller; the original C implementation (which sizes its
// output buffer via LZ4_compressBound up front) always succeeds for such
// input by falling back to a literal-only encoding. compress mirrors that:
// on the (0, nil) signal it reports ok == false so the caller stores src
// uncompressed instead of treating this as failure.
func compress(alg CompAlg, src []byte) (dst []byte, ok bool, err error) {
	switch alg {
	case CompLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(src)))
		var c lz4.Compressor
		n, err := c.CompressBlock(src, buf)
		if err != nil {
			return nil, false, internalError("lz4 compress: " + err.Error())
		}
		if n == 0 {
			return nil, false, nil
		}
		return buf[:n], true, nil
	case CompZSTD:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, false, internalError("zstd encoder: " + err.Error())
		}
		defer enc.Close()
		return enc.EncodeAll(src, make([]byte, 0, len(src))), true, nil
	default:
		return nil, false, argError("unsupported compression algorithm")
	}
}

// decompress expands src (compressed per alg) into a buffer sized to
// uncompressedSize, the size recorded for the block before compression.
func decompress(alg CompAlg, src []byte, uncompressedSize int) ([]byte, error) {
	switch alg {
	case CompLZ4:
		dst := make([]byte, uncompressedSize)
		n, err := lz4.UncompressBlock(src, dst)
		if err != nil {
			return nil, internalError("lz4 decompress: " + err.Error())
		}
		return dst[:n], nil
	case CompZSTD:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, internalError("zstd decoder: " + err.Error())
		}
		defer dec.Close()
		out, err := dec.DecodeAll(src, make([]byte, 0, uncompressedSize))
		if err != nil {
			return nil, internalError("zstd decompress: " + err.Error())
		}
		return out, nil
	default:
		return nil, argError("unsupported compression algorithm")
	}
}
