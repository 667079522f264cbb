// Package xpress implements the Huffman-coded XPRESS compression format: a
// single 512-symbol alphabet (256 literals, 256 length/offset symbols)
// whose codeword lengths are transmitted in a fixed 256-byte header ahead
// of the compressed body, and a 32 KiB chunk size.
//
// There is no XPRESS source in the retrieved example pack; this package is
// built directly from the component design, reusing the canonical-Huffman
// and bit-reader primitives shared with the LZX decoder (internal/lzx) so
// that both codecs are driven by the same bitstream machinery.
package xpress

import (
	"golang.org/x/xerrors"

	"github.com/distr1/gowim/internal/bitstream"
)

const (
	symbolCount = 512
	headerSize  = symbolCount / 2

	// MaxChunkSize is the chunk size this format is always used with in WIM
	// resources.
	MaxChunkSize = 32768

	minMatchLen = 3
)

var errCorrupt = xerrors.New("xpress: corrupt compressed data")

// Decompress decompresses exactly len(out) bytes from compressed, which
// must begin with the 256-byte codeword-length header.
func Decompress(compressed []byte, out []byte) error {
	if len(compressed) < headerSize {
		return errCorrupt
	}

	var lens [symbolCount]byte
	for i, b := range compressed[:headerSize] {
		lens[2*i] = b & 0xF
		lens[2*i+1] = (b >> 4) & 0xF
	}
	table, err := bitstream.BuildDecodeTable(lens[:], 9)
	if err != nil {
		return errCorrupt
	}

	r := bitstream.NewReader(compressed[headerSize:])
	pos := 0
	for pos < len(out) {
		sym, err := table.Decode(r)
		if err != nil {
			return errCorrupt
		}
		if sym < 256 {
			out[pos] = byte(sym)
			pos++
			continue
		}

		code := int(sym) - 256
		length := code & 0xF
		offsetBits := byte(code >> 4)

		var offset int
		if offsetBits == 0 {
			offset = 1
		} else {
			offset = (1 << offsetBits) + int(r.Bits(offsetBits))
		}

		if length == 0xF {
			extra := int(r.Bits(8))
			length += extra
			if extra == 0xFF {
				length = int(r.Bits(16))
			}
		}
		length += minMatchLen

		if length > len(out)-pos {
			return errCorrupt
		}
		if !bitstream.Copy(out, pos, length, offset) {
			return errCorrupt
		}
		pos += length
	}
	return nil
}

// uniformLens is the codeword-length table used by Compress: every symbol
// gets the same 9-bit length, which is exactly complete (512 * 2^-9 == 1)
// and degenerates the canonical code to fixed-width symbol values. This is
// the minimum acceptable encoder described by the component design: it
// never emits matches, trading ratio for the simplicity of never needing a
// real LZ77 match finder.
var uniformLens = func() [symbolCount]byte {
	var lens [symbolCount]byte
	for i := range lens {
		lens[i] = 9
	}
	return lens
}()

// Compress produces a format-legal XPRESS chunk for in (which must be no
// larger than MaxChunkSize), encoding every byte as a literal under the
// fixed uniform-length code.
func Compress(in []byte) []byte {
	if len(in) > MaxChunkSize {
		panic("xpress: chunk exceeds the 32 KiB chunk size")
	}
	enc, err := bitstream.BuildEncodeTable(uniformLens[:])
	if err != nil {
		panic("xpress: uniform code is always valid")
	}

	out := make([]byte, headerSize)
	for i := 0; i < headerSize; i++ {
		out[i] = uniformLens[2*i] | uniformLens[2*i+1]<<4
	}

	w := bitstream.NewWriter()
	for _, b := range in {
		enc.Encode(w, int(b))
	}
	return append(out, w.Bytes()...)
}
