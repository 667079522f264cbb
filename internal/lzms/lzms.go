// Package lzms implements the LZMS compression format: a range-coded
// decision stream read forward interleaved with an adaptive-Huffman symbol
// stream read backward from the end of the same chunk.
//
// There is no LZMS source anywhere in the retrieved example pack; this
// package is built directly from the component design (the range coder's
// normalize-on-range<=0xFFFF rule, the bit-history probability model, the
// five adaptive Huffman codes, and the LZ/delta match item grammar with its
// one-item-delayed recent-offset queue), in the same style internal/lzx
// uses for its own bit-level mechanics, reusing internal/bitstream
// throughout. The offset/length slot tables reuse the standard doubling
// law LZMA-family codecs use for distance slots (computed, not a bespoke
// hardcoded table), since the design does not mandate a specific one.
package lzms

import (
	"math/bits"

	"golang.org/x/xerrors"

	"github.com/distr1/gowim/internal/bitstream"
)

const (
	numLiteralSyms = 256
	numOffsetSlots = 64 // covers distances below 2^32, comfortably beyond any WIM chunk
	numLengthSlots = 54
	numPowerSyms   = 32

	queueDepth = 4

	maxHuffmanLen = 15
)

var errCorrupt = xerrors.New("lzms: corrupt compressed data")

// --- probability model -----------------------------------------------

// bitModel tracks the number of zero bits among the last 64 bits decoded
// in some context, used to derive a range-coder probability out of 64.
type bitModel struct{ window uint64 }

func newBitModel() *bitModel { return &bitModel{window: 0x0000000055555555} }

func (m *bitModel) prob() uint32 {
	zeros := 64 - bits.OnesCount64(m.window)
	if zeros < 1 {
		zeros = 1
	}
	if zeros > 63 {
		zeros = 63
	}
	return uint32(zeros)
}

func (m *bitModel) update(bit uint32) { m.window = (m.window << 1) | uint64(bit) }

// contextModels is a small array of bitModels selected by a sliding window
// of recent decisions in the same context, per the design's "4, 5, or 6
// bits depending on the decision."
type contextModels struct {
	models []bitModel
	ctx    uint32
	mask   uint32
}

func newContextModels(ctxBits uint) *contextModels {
	n := 1 << ctxBits
	c := &contextModels{models: make([]bitModel, n), mask: uint32(n - 1)}
	for i := range c.models {
		c.models[i] = bitModel{window: 0x0000000055555555}
	}
	return c
}

func (c *contextModels) current() *bitModel { return &c.models[c.ctx] }

func (c *contextModels) advance(bit uint32) {
	c.ctx = ((c.ctx << 1) | bit) & c.mask
}

// --- range coder --------------------------------------------------------

type rangeDecoder struct {
	r     *bitstream.Reader
	rng   uint32
	code  uint32
}

func newRangeDecoder(r *bitstream.Reader) *rangeDecoder {
	rd := &rangeDecoder{r: r, rng: 0xFFFFFFFF}
	r.Bits(16) // leading padding unit emitted by the encoder's cache priming
	rd.code = uint32(r.Bits(16))<<16 | uint32(r.Bits(16))
	return rd
}

func (rd *rangeDecoder) normalize() {
	for rd.rng <= 0xFFFF {
		rd.rng <<= 16
		rd.code = rd.code<<16 | uint32(rd.r.Bits(16))
	}
}

func (rd *rangeDecoder) decodeBit(m *bitModel) uint32 {
	bound := (rd.rng >> 6) * m.prob()
	var bit uint32
	if rd.code < bound {
		rd.rng = bound
	} else {
		bit = 1
		rd.code -= bound
		rd.rng -= bound
	}
	m.update(bit)
	rd.normalize()
	return bit
}

func (rd *rangeDecoder) decodeCtxBit(c *contextModels) uint32 {
	bit := rd.decodeBit(c.current())
	c.advance(bit)
	return bit
}

type rangeEncoder struct {
	low       uint64
	rng       uint32
	cacheSize uint64
	cache     uint16
	w         *bitstream.Writer
}

func newRangeEncoder() *rangeEncoder {
	return &rangeEncoder{rng: 0xFFFFFFFF, cacheSize: 1, w: bitstream.NewWriter()}
}

func (e *rangeEncoder) shiftLow() {
	if uint32(e.low>>32) != 0 || e.low < 0xFFFF0000 {
		temp := e.cache
		for {
			e.w.WriteBits(temp+uint16(e.low>>32), 16)
			temp = 0xFFFF
			e.cacheSize--
			if e.cacheSize == 0 {
				break
			}
		}
		e.cache = uint16(e.low >> 16)
	}
	e.cacheSize++
	e.low = (e.low << 16) & 0xFFFFFFFF
}

func (e *rangeEncoder) encodeBit(m *bitModel, bit uint32) {
	bound := (e.rng >> 6) * m.prob()
	if bit == 0 {
		e.rng = bound
	} else {
		e.low += uint64(bound)
		e.rng -= bound
	}
	m.update(bit)
	for e.rng <= 0xFFFF {
		e.rng <<= 16
		e.shiftLow()
	}
}

func (e *rangeEncoder) encodeCtxBit(c *contextModels, bit uint32) {
	e.encodeBit(c.current(), bit)
	c.advance(bit)
}

func (e *rangeEncoder) flush() {
	for i := 0; i < 3; i++ {
		e.shiftLow()
	}
}

// --- adaptive Huffman codes ----------------------------------------------

// adaptiveHuffman is a Huffman code whose lengths are periodically rebuilt
// from observed symbol frequencies, per the design's five adaptive codes.
type adaptiveHuffman struct {
	freq        []uint32
	numSeen     int
	rebuildFreq int
	tableBits   byte
	dec         *bitstream.DecodeTable
	enc         *bitstream.EncodeTable
}

func newAdaptiveHuffman(numSyms, rebuildFreq int) *adaptiveHuffman {
	freq := make([]uint32, numSyms)
	for i := range freq {
		freq[i] = 1
	}
	tableBits := byte(bits.Len(uint(numSyms)))
	if tableBits > 9 {
		tableBits = 9
	}
	h := &adaptiveHuffman{freq: freq, rebuildFreq: rebuildFreq, tableBits: tableBits}
	h.rebuild()
	return h
}

func (h *adaptiveHuffman) rebuild() {
	lens := bitstream.BuildCodeLengths(h.freq, maxHuffmanLen)
	dec, err := bitstream.BuildDecodeTable(lens, h.tableBits)
	if err != nil {
		panic("lzms: adaptive code lengths always form a valid table: " + err.Error())
	}
	enc, err := bitstream.BuildEncodeTable(lens)
	if err != nil {
		panic("lzms: adaptive code lengths always form a valid table: " + err.Error())
	}
	h.dec, h.enc = dec, enc
}

func (h *adaptiveHuffman) bump(sym int) {
	h.freq[sym]++
	h.numSeen++
	if h.numSeen >= h.rebuildFreq {
		for i := range h.freq {
			h.freq[i] = (h.freq[i] + 1) / 2
			if h.freq[i] == 0 {
				h.freq[i] = 1
			}
		}
		h.numSeen = 0
		h.rebuild()
	}
}

func (h *adaptiveHuffman) decode(r *bitstream.ReverseReader) (int, error) {
	sym, err := h.dec.DecodeReverse(r)
	if err != nil {
		return 0, errCorrupt
	}
	h.bump(int(sym))
	return int(sym), nil
}

func (h *adaptiveHuffman) encode(w *reverseWriter, sym int) {
	h.enc.Encode(w.w, sym)
	h.bump(sym)
}

// reverseWriter accumulates bits in logical (first-written-first-consumed)
// order, then reverses whole 16-bit units on Bytes() so that the result,
// placed at the tail of a buffer and consumed by bitstream.ReverseReader,
// comes back out in the order it was written.
type reverseWriter struct{ w *bitstream.Writer }

func newReverseWriter() *reverseWriter { return &reverseWriter{bitstream.NewWriter()} }

func (rw *reverseWriter) Bytes() []byte {
	b := rw.w.Bytes()
	out := make([]byte, len(b))
	units := len(b) / 2
	for i := 0; i < units; i++ {
		src := 2 * (units - 1 - i)
		out[2*i], out[2*i+1] = b[src], b[src+1]
	}
	return out
}

// --- offset/length slot scheme -------------------------------------------

// slotForValue and slotBase/slotExtraBits implement the same power-of-two
// doubling law LZMA-family codecs use for distance slots, generalized here
// to offsets, lengths, and delta powers alike.
func slotForValue(v uint64) int {
	if v < 4 {
		return int(v)
	}
	n := uint(bits.Len64(v)) - 1
	return int(n<<1) | int((v>>(n-1))&1)
}

func slotExtraBits(slot int) uint {
	if slot < 4 {
		return 0
	}
	return uint(slot>>1) - 1
}

func slotBase(slot int) uint64 {
	if slot < 4 {
		return uint64(slot)
	}
	extra := slotExtraBits(slot)
	return uint64(2|(slot&1)) << extra
}

// --- recent-offset queues -------------------------------------------------

// offsetQueue is a 4-entry recent-offset LRU. A reference to slot i yields
// queue[i] immediately, but the move-to-front update that reference implies
// is only scheduled; it is applied (committed) at the start of the
// following item, before that item consults the queue, per the design's
// one-item-delayed push. An explicit (non-repeat) offset is modeled as a
// reference to the queue's last slot, which drops the current tail entry.
type offsetQueue struct {
	q          [queueDepth]uint64
	pendingIdx int
	pendingOff uint64
	hasPend    bool
}

func newOffsetQueue() *offsetQueue {
	return &offsetQueue{q: [queueDepth]uint64{1, 2, 3, 4}}
}

// peek returns queue[i] without scheduling any update.
func (q *offsetQueue) peek(i int) uint64 { return q.q[i] }

// scheduleMTF records that slot i's value (already returned to the caller
// via peek, possibly a different explicit value when i == queueDepth-1)
// should move to the front, delayed by one item.
func (q *offsetQueue) scheduleMTF(i int, offset uint64) {
	q.pendingIdx, q.pendingOff, q.hasPend = i, offset, true
}

// scheduleExplicit records a freshly decoded offset (not previously in the
// queue) to be inserted at the front, delayed by one item; the queue's
// current tail entry is dropped to make room, same as any other MTF move.
func (q *offsetQueue) scheduleExplicit(offset uint64) { q.scheduleMTF(queueDepth-1, offset) }

// commit applies the pending move-to-front scheduled by the previous item,
// if any. Called once per item, before that item consults the queue, so
// that an item's own queue reference never observes its own pending
// update — only the item after it does.
func (q *offsetQueue) commit() {
	if !q.hasPend {
		return
	}
	i := q.pendingIdx
	v := q.pendingOff
	for j := i; j > 0; j-- {
		q.q[j] = q.q[j-1]
	}
	q.q[0] = v
	q.hasPend = false
}

// --- decoder --------------------------------------------------------------

// Decompress decompresses a single LZMS chunk into out, splitting compressed
// at its forward/reverse stream boundary (see Compress for the framing
// this package uses to record that boundary).
//
// If translate is true, the Intel E8 call-translation postprocess is
// reversed over out once decoding finishes, mirroring internal/lzx's own
// translate flag. Compress never applies the forward pass, so this must
// stay false unless the resource being decompressed is independently
// known to carry E8-translated content.
func Decompress(compressed []byte, out []byte, translate bool) error {
	if len(compressed) < 4 {
		return errCorrupt
	}
	flen := int(le32(compressed[:4]))
	if flen < 0 || 4+flen > len(compressed) {
		return errCorrupt
	}
	fwd := compressed[4 : 4+flen]
	rev := compressed[4+flen:]

	d := &decoder{
		rd:          newRangeDecoder(bitstream.NewReader(fwd)),
		rr:          bitstream.NewReverseReader(rev),
		main:        newContextModels(4),
		match:       newContextModels(4),
		lzMatch:     newContextModels(5),
		deltaMatch:  newContextModels(5),
		lzRepIdx:    [3]*bitModel{newBitModel(), newBitModel(), newBitModel()},
		deltaRepIdx: [3]*bitModel{newBitModel(), newBitModel(), newBitModel()},
		literal:     newAdaptiveHuffman(numLiteralSyms, 1024),
		lzOffset:    newAdaptiveHuffman(numOffsetSlots, 1024),
		length:      newAdaptiveHuffman(numLengthSlots, 512),
		deltaOffset: newAdaptiveHuffman(numOffsetSlots, 1024),
		deltaPower:  newAdaptiveHuffman(numPowerSyms, 512),
		lzQueue:     newOffsetQueue(),
		deltaQueue:  newOffsetQueue(),
		window:      out,
	}
	if err := d.run(); err != nil {
		return err
	}
	if translate {
		decodeE8(out)
	}
	return nil
}

type decoder struct {
	rd          *rangeDecoder
	rr          *bitstream.ReverseReader
	main        *contextModels
	match       *contextModels
	lzMatch     *contextModels
	deltaMatch  *contextModels
	lzRepIdx    [3]*bitModel
	deltaRepIdx [3]*bitModel
	literal     *adaptiveHuffman
	lzOffset    *adaptiveHuffman
	length      *adaptiveHuffman
	deltaOffset *adaptiveHuffman
	deltaPower  *adaptiveHuffman
	lzQueue     *offsetQueue
	deltaQueue  *offsetQueue
	window      []byte
}

func (d *decoder) decodeRepeatIndex(models [3]*bitModel) int {
	if d.rd.decodeBit(models[0]) == 0 {
		return 0
	}
	if d.rd.decodeBit(models[1]) == 0 {
		return 1
	}
	if d.rd.decodeBit(models[2]) == 0 {
		return 2
	}
	return 3
}

func (d *decoder) decodeSlotValue(h *adaptiveHuffman) (uint64, error) {
	slot, err := h.decode(d.rr)
	if err != nil {
		return 0, err
	}
	extra := slotExtraBits(slot)
	base := slotBase(slot)
	if extra == 0 {
		return base, nil
	}
	// Bits reads at most 16 bits at a time; wider fields come high part first.
	var v uint64
	for extra > 16 {
		v = v<<16 | uint64(d.rr.Bits(16))
		extra -= 16
	}
	v = v<<uint(extra) | uint64(d.rr.Bits(byte(extra)))
	return base + v, nil
}

func (d *decoder) run() error {
	pos := 0
	for pos < len(d.window) {
		// Apply the previous item's delayed LRU push before this item
		// consults either queue.
		d.lzQueue.commit()
		d.deltaQueue.commit()

		if d.rd.decodeCtxBit(d.main) == 0 {
			sym, err := d.literal.decode(d.rr)
			if err != nil {
				return err
			}
			d.window[pos] = byte(sym)
			pos++
			continue
		}

		if d.rd.decodeCtxBit(d.match) == 0 {
			n, err := d.decodeLZMatch(pos)
			if err != nil {
				return err
			}
			pos += n
		} else {
			n, err := d.decodeDeltaMatch(pos)
			if err != nil {
				return err
			}
			pos += n
		}
	}
	return nil
}

func (d *decoder) decodeLZMatch(pos int) (int, error) {
	var offset uint64
	if d.rd.decodeCtxBit(d.lzMatch) == 0 {
		v, err := d.decodeSlotValue(d.lzOffset)
		if err != nil {
			return 0, err
		}
		offset = v
		d.lzQueue.scheduleExplicit(offset)
	} else {
		i := d.decodeRepeatIndex(d.lzRepIdx)
		offset = d.lzQueue.peek(i)
		d.lzQueue.scheduleMTF(i, offset)
	}

	length, err := d.decodeLength()
	if err != nil {
		return 0, err
	}
	if offset == 0 || uint64(pos) < offset || pos+length > len(d.window) {
		return 0, errCorrupt
	}
	if !bitstream.Copy(d.window, pos, length, int(offset)) {
		return 0, errCorrupt
	}
	return length, nil
}

func (d *decoder) decodeDeltaMatch(pos int) (int, error) {
	var power int
	var rawOffset uint64
	if d.rd.decodeCtxBit(d.deltaMatch) == 0 {
		p, err := d.deltaPower.decode(d.rr)
		if err != nil {
			return 0, err
		}
		v, err := d.decodeSlotValue(d.deltaOffset)
		if err != nil {
			return 0, err
		}
		power, rawOffset = p, v
		d.deltaQueue.scheduleExplicit(packDelta(power, rawOffset))
	} else {
		i := d.decodeRepeatIndex(d.deltaRepIdx)
		packed := d.deltaQueue.peek(i)
		d.deltaQueue.scheduleMTF(i, packed)
		power, rawOffset = unpackDelta(packed)
	}

	length, err := d.decodeLength()
	if err != nil {
		return 0, err
	}

	off1 := uint64(1) << uint(power)
	off2 := rawOffset << uint(power)
	off := off1 + off2
	if off == 0 || uint64(pos) < off || pos+length > len(d.window) {
		return 0, errCorrupt
	}
	for i := 0; i < length; i++ {
		a := d.window[uint64(pos+i)-off1]
		b := d.window[uint64(pos+i)-off2]
		c := d.window[uint64(pos+i)-off]
		d.window[pos+i] = a + b - c
	}
	return length, nil
}

func (d *decoder) decodeLength() (int, error) {
	v, err := d.decodeSlotValue(d.length)
	if err != nil {
		return 0, err
	}
	return int(v) + 1, nil
}

func packDelta(power int, rawOffset uint64) uint64 { return uint64(power)<<56 | rawOffset }
func unpackDelta(v uint64) (int, uint64)            { return int(v >> 56), v &^ (uint64(0xFF) << 56) }

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// decodeE8 reverses the Intel call-instruction translation pass, the same
// absolute-to-relative fixup internal/lzx applies, using a single running
// translation state rather than per-bucket state: the design leaves the
// bucket granularity unspecified, and one bucket is the degenerate (always
// active) case of "a per-stream state table."
func decodeE8(b []byte) {
	const e8FileSize = 12000000
	if len(b) < 10 {
		return
	}
	for i := 0; i < len(b)-10; i++ {
		if b[i] != 0xe8 {
			continue
		}
		pos := int32(i)
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

// --- minimal legal encoder --------------------------------------------

// Compress produces a format-legal LZMS chunk for in, encoding every byte
// as a literal: the minimum acceptable encoder need not emit matches, and
// a literal-only stream exercises the full range coder and adaptive
// literal code without requiring an LZ77 match finder.
func Compress(in []byte) []byte {
	main := newContextModels(4)
	literal := newAdaptiveHuffman(numLiteralSyms, 1024)

	re := newRangeEncoder()
	rw := newReverseWriter()
	for _, b := range in {
		re.encodeCtxBit(main, 0)
		literal.encode(rw, int(b))
	}
	re.flush()

	fwd := re.w.Bytes()
	revBytes := rw.Bytes()

	out := make([]byte, 4, 4+len(fwd)+len(revBytes))
	putLE32(out[:4], uint32(len(fwd)))
	out = append(out, fwd...)
	out = append(out, revBytes...)
	return out
}
