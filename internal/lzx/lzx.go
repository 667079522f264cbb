// Package lzx implements the WIM variant of the LZX compression algorithm:
// a 32 KiB fixed window, three block types (verbatim, aligned-offset,
// uncompressed), and the Intel 0xE8 call-translation postprocess applied to
// resources above a size threshold.
//
// The decoder is grounded directly on the retrieved WIM LZX decompressor
// (github.com/Microsoft/go-winio's internal wim/lzx package): same code
// counts, same pretree-delta length transmission, same recent-offset queue
// semantics. It is rebuilt here on top of the shared bitstream package
// instead of a private bit accumulator, and extended with an encoder.
package lzx

import (
	"golang.org/x/xerrors"

	"github.com/distr1/gowim/internal/bitstream"
)

const (
	mainCodeCount = 496
	mainCodeSplit = 256
	lenCodeCount  = 249

	// MaxBlockSize is the maximum number of uncompressed bytes a single
	// block, and hence the whole window, can hold in this WIM variant.
	MaxBlockSize = 32768

	pretreeCount = 20

	e8FileSize  = 12000000
	maxE8Offset = 0x3fffffff

	blockVerbatim     = 1
	blockAligned      = 2
	blockUncompressed = 3
)

var footerBits = [...]byte{
	0, 0, 0, 0, 1, 1, 2, 2,
	3, 3, 4, 4, 5, 5, 6, 6,
	7, 7, 8, 8, 9, 9, 10, 10,
	11, 11, 12, 12, 13, 13, 14,
}

var basePosition = [...]uint16{
	0, 1, 2, 3, 4, 6, 8, 12,
	16, 24, 32, 48, 64, 96, 128, 192,
	256, 384, 512, 768, 1024, 1536, 2048, 3072,
	4096, 6144, 8192, 12288, 16384, 24576, 32768,
}

var errCorrupt = xerrors.New("lzx: corrupt compressed data")

// ShouldTranslate reports whether E8 call translation applies to a resource
// of the given (uncompressed) size, per the fixed WIM threshold.
func ShouldTranslate(size int64) bool { return size > e8FileSize }

// Decompress decompresses exactly len(out) bytes of a single LZX chunk from
// compressed, which must hold no more than MaxBlockSize bytes of plaintext.
// If translate is true, the 0xE8 postprocess is reversed over the result.
func Decompress(compressed []byte, out []byte, translate bool) error {
	if len(out) > MaxBlockSize {
		return xerrors.New("lzx: chunk exceeds the 32 KiB window")
	}
	d := &decoder{r: bitstream.NewReader(compressed), lru: [3]uint16{1, 1, 1}, window: out}
	if err := d.run(); err != nil {
		return err
	}
	if translate {
		decodeE8(out, 0)
	}
	return nil
}

type decoder struct {
	r         *bitstream.Reader
	lru       [3]uint16
	window    []byte
	unaligned bool
	mainLens  [mainCodeCount]byte
	lenLens   [lenCodeCount]byte
}

func (d *decoder) run() error {
	for n := 0; n < len(d.window); {
		k, err := d.readBlock(n)
		if err != nil {
			return err
		}
		n += k
	}
	return nil
}

func (d *decoder) readBlock(start int) (int, error) {
	blockType, size, err := d.readBlockHeader()
	if err != nil {
		return 0, err
	}
	end := start + size
	if end > len(d.window) {
		return 0, errCorrupt
	}

	if blockType == blockUncompressed {
		if size%2 == 1 {
			d.unaligned = true
		}
		n, err := d.r.ReadBytes(d.window[start:end])
		return n, err
	}

	main, length, aligned, err := d.readTrees(blockType == blockAligned)
	if err != nil {
		return 0, err
	}
	return d.readCompressedBlock(start, end, main, length, aligned)
}

func (d *decoder) readBlockHeader() (byte, int, error) {
	if d.unaligned {
		d.r.Align()
		d.unaligned = false
	}

	blockType := byte(d.r.Bits(3))
	full := d.r.Bits(1)
	var size int
	if full != 0 {
		size = MaxBlockSize
	} else {
		size = int(d.r.Bits(16))
		if size > MaxBlockSize {
			return 0, 0, errCorrupt
		}
	}

	switch blockType {
	case blockVerbatim, blockAligned:
	case blockUncompressed:
		d.r.Align()
		var lru [12]byte
		if _, err := d.r.ReadBytes(lru[:]); err != nil {
			return 0, 0, err
		}
		d.lru[0] = uint16(le32(lru[0:4]))
		d.lru[1] = uint16(le32(lru[4:8]))
		d.lru[2] = uint16(le32(lru[8:12]))
	default:
		return 0, 0, errCorrupt
	}
	return blockType, size, nil
}

func (d *decoder) readTrees(readAligned bool) (main, length, aligned *bitstream.DecodeTable, err error) {
	if readAligned {
		var lens [8]byte
		for i := range lens {
			lens[i] = byte(d.r.Bits(3))
		}
		aligned, err = bitstream.BuildDecodeTable(lens[:], 3)
		if err != nil {
			return nil, nil, nil, errCorrupt
		}
	}

	if err = d.readTree(d.mainLens[:mainCodeSplit]); err != nil {
		return nil, nil, nil, err
	}
	if err = d.readTree(d.mainLens[mainCodeSplit:]); err != nil {
		return nil, nil, nil, err
	}
	main, err = bitstream.BuildDecodeTable(d.mainLens[:], 9)
	if err != nil {
		return nil, nil, nil, errCorrupt
	}

	if err = d.readTree(d.lenLens[:]); err != nil {
		return nil, nil, nil, err
	}
	length, err = bitstream.BuildDecodeTable(d.lenLens[:], 8)
	if err != nil {
		return nil, nil, nil, errCorrupt
	}

	return main, length, aligned, nil
}

// readTree reads a delta-coded run of codeword lengths for lens (which
// holds the previous block's lengths on entry, zero for the first block),
// itself Huffman-coded via a 20-symbol pretree transmitted in the clear.
func (d *decoder) readTree(lens []byte) error {
	var pretreeLens [pretreeCount]byte
	for i := range pretreeLens {
		pretreeLens[i] = byte(d.r.Bits(4))
	}
	pretree, err := bitstream.BuildDecodeTable(pretreeLens[:], 6)
	if err != nil {
		return errCorrupt
	}

	for i := 0; i < len(lens); {
		c, err := pretree.Decode(d.r)
		if err != nil {
			return errCorrupt
		}
		switch {
		case c <= 16:
			lens[i] = mod17(lens[i] + 17 - byte(c))
			i++
		case c == 17:
			n := int(d.r.Bits(4)) + 4
			if i+n > len(lens) {
				return errCorrupt
			}
			for j := 0; j < n; j++ {
				lens[i+j] = 0
			}
			i += n
		case c == 18:
			n := int(d.r.Bits(5)) + 20
			if i+n > len(lens) {
				return errCorrupt
			}
			for j := 0; j < n; j++ {
				lens[i+j] = 0
			}
			i += n
		case c == 19:
			n := int(d.r.Bits(1)) + 4
			if i+n > len(lens) {
				return errCorrupt
			}
			c2, err := pretree.Decode(d.r)
			if err != nil || c2 > 16 {
				return errCorrupt
			}
			l := mod17(lens[i] + 17 - byte(c2))
			for j := 0; j < n; j++ {
				lens[i+j] = l
			}
			i += n
		default:
			return errCorrupt
		}
	}
	return nil
}

func (d *decoder) readCompressedBlock(start, end int, main, length, aligned *bitstream.DecodeTable) (int, error) {
	for i := start; i < end; {
		sym, err := main.Decode(d.r)
		if err != nil {
			return i - start, errCorrupt
		}
		if sym < 256 {
			d.window[i] = byte(sym)
			i++
			continue
		}

		code := int(sym) - 256
		lenHeader := code % 8
		slot := code / 8

		matchLen := lenHeader
		if lenHeader == 7 {
			extra, err := length.Decode(d.r)
			if err != nil {
				return i - start, errCorrupt
			}
			matchLen = int(extra) + 7
		}
		matchLen += 2

		var offset int
		if slot < 3 {
			offset = int(d.lru[slot])
			d.lru[slot] = d.lru[0]
			d.lru[0] = uint16(offset)
		} else {
			bits := footerBits[slot]
			var verbatim, alignedBits int
			if bits > 0 {
				if aligned != nil && bits >= 3 {
					verbatim = int(d.r.Bits(bits-3)) * 8
					a, err := aligned.Decode(d.r)
					if err != nil {
						return i - start, errCorrupt
					}
					alignedBits = int(a)
				} else {
					verbatim = int(d.r.Bits(bits))
				}
			}
			offset = int(basePosition[slot]) + verbatim + alignedBits - 2
			d.lru[2] = d.lru[1]
			d.lru[1] = d.lru[0]
			d.lru[0] = uint16(offset)
		}

		if offset > i || matchLen > end-i {
			return i - start, errCorrupt
		}
		if !bitstream.Copy(d.window, i, matchLen, offset) {
			return i - start, errCorrupt
		}
		i += matchLen
	}
	return end - start, nil
}

func mod17(b byte) byte {
	for b >= 17 {
		b -= 17
	}
	return b
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// decodeE8 reverses the Intel call-instruction relative-to-absolute
// encoding applied before compression: every 0xE8 byte followed by a
// 32-bit displacement that looks like an absolute file offset is rewritten
// back to a position-relative one.
func decodeE8(b []byte, off int64) {
	if off > maxE8Offset || len(b) < 10 {
		return
	}
	for i := 0; i < len(b)-10; i++ {
		if b[i] != 0xe8 {
			continue
		}
		pos := int32(off) + int32(i)
		abs := int32(le32(b[i+1 : i+5]))
		if abs >= -pos && abs < e8FileSize {
			var rel int32
			if abs >= 0 {
				rel = abs - pos
			} else {
				rel = abs + e8FileSize
			}
			putLE32(b[i+1:i+5], uint32(rel))
		}
		i += 4
	}
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// Compress produces a format-legal LZX chunk for in, always as a single
// uncompressed block: the minimum acceptable encoder need not match any
// particular parser's matcher, and an uncompressed block is always legal
// regardless of content.
func Compress(in []byte) []byte {
	if len(in) > MaxBlockSize {
		panic("lzx: chunk exceeds the 32 KiB window")
	}
	w := bitstream.NewWriter()
	w.WriteBits(blockUncompressed, 3)
	if len(in) == MaxBlockSize {
		w.WriteBits(1, 1)
	} else {
		w.WriteBits(0, 1)
		w.WriteBits(uint16(len(in)), 16)
	}
	w.Align()
	var lru [12]byte
	putLE32(lru[0:4], 1)
	putLE32(lru[4:8], 1)
	putLE32(lru[8:12], 1)
	w.WriteRawBytes(lru[:])
	w.WriteRawBytes(in)
	if len(in)%2 == 1 {
		w.WriteRawBytes([]byte{0})
	}
	return w.Bytes()
}
