// Package codec dispatches between the compression formats a WIM resource
// may use. Each format is exposed as a capability object satisfying
// Codec, so the resource engine never switches on format by name; it
// simply calls through whichever Codec ForType handed back.
package codec

import (
	"golang.org/x/xerrors"

	"github.com/distr1/gowim/internal/lzms"
	"github.com/distr1/gowim/internal/lzx"
	"github.com/distr1/gowim/internal/xpress"
)

// Type identifies a compression format, matching the header's
// compression-algorithm flags.
type Type int

const (
	None Type = iota
	XPRESS
	LZX
	LZMS
)

func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case XPRESS:
		return "xpress"
	case LZX:
		return "lzx"
	case LZMS:
		return "lzms"
	default:
		return "unknown"
	}
}

// Codec is the compressor/decompressor capability object: create,
// compress/decompress, free, needed_memory in the component design's
// terms, reduced to the Go shape of "stateless functions plus a
// per-chunk-size translation hint" since neither codec here needs
// explicit allocator control.
type Codec interface {
	Type() Type
	// Decompress decompresses a single chunk of compressed into out,
	// which must be sized exactly to the expected uncompressed length.
	Decompress(compressed []byte, out []byte) error
	// Compress produces a format-legal compressed chunk for in. The
	// caller decides, by comparing len(result) to len(in), whether to
	// keep the compressed form or fall back to storing the chunk raw.
	Compress(in []byte) []byte
	// MaxChunkSize is the largest chunk this codec can operate over.
	MaxChunkSize() int
}

// ForType returns the Codec for t, or an error for an unrecognized or
// uncompressed type (callers must special-case None themselves: there is
// no compressor object for "store raw").
func ForType(t Type) (Codec, error) {
	switch t {
	case XPRESS:
		return xpressCodec{}, nil
	case LZX:
		return lzxCodec{translate: false}, nil
	case LZMS:
		return lzmsCodec{}, nil
	default:
		return nil, xerrors.Errorf("codec: unsupported compression type %d", t)
	}
}

// ForTypeWithTranslation is ForType, but for LZX additionally enables the
// Intel E8 call-translation pass when translate is true. The resource
// engine does not choose translation per resource: the read and write
// paths obtain codecs through ForType, so translation is off for them,
// and lzx.ShouldTranslate is not consulted outside its own tests.
func ForTypeWithTranslation(t Type, translate bool) (Codec, error) {
	if t == LZX {
		return lzxCodec{translate: translate}, nil
	}
	return ForType(t)
}

type xpressCodec struct{}

func (xpressCodec) Type() Type                               { return XPRESS }
func (xpressCodec) MaxChunkSize() int                         { return xpress.MaxChunkSize }
func (xpressCodec) Compress(in []byte) []byte                { return xpress.Compress(in) }
func (xpressCodec) Decompress(compressed, out []byte) error  { return xpress.Decompress(compressed, out) }

type lzxCodec struct{ translate bool }

func (lzxCodec) Type() Type        { return LZX }
func (lzxCodec) MaxChunkSize() int { return lzx.MaxBlockSize }
func (c lzxCodec) Compress(in []byte) []byte { return lzx.Compress(in) }
func (c lzxCodec) Decompress(compressed, out []byte) error {
	return lzx.Decompress(compressed, out, c.translate)
}

// lzmsCodec.translate mirrors lzxCodec.translate: the encoder never emits
// E8-translated content, so this defaults to false (ForType's zero value)
// and no constructor in this package sets it, so the reversal pass is
// never exercised.
type lzmsCodec struct{ translate bool }

func (lzmsCodec) Type() Type        { return LZMS }
func (lzmsCodec) MaxChunkSize() int { return 1 << 20 }
func (lzmsCodec) Compress(in []byte) []byte { return lzms.Compress(in) }
func (c lzmsCodec) Decompress(compressed, out []byte) error {
	return lzms.Decompress(compressed, out, c.translate)
}
