// Package resource implements the WIM resource engine (C4): opening a
// resource for random-access reads through its chunk table, and writing a
// stream of blobs into non-solid or solid resources.
//
// The read path's one-chunk cache mirrors a squashfs-style block reader
// (metadata blocks read and decompressed into a single cached block on
// demand); the chunk-table layout itself follows the resource format's
// own on-disk design directly.
package resource

import (
	"io"
	"sync"

	"golang.org/x/xerrors"

	"github.com/distr1/gowim/internal/codec"
)

// Flag holds the resource-header flag bits.
type Flag uint16

const (
	FlagCompressed Flag = 1 << iota
	FlagMetadata
	FlagFree
	FlagSpanned
	FlagSolid
)

// Header is the on-disk {offset_in_wim, size_in_wim, uncompressed_size,
// flags} resource header.
type Header struct {
	OffsetInWIM      uint64
	SizeInWIM        uint64
	UncompressedSize uint64
	Flags            Flag
}

func (h Header) Compressed() bool { return h.Flags&FlagCompressed != 0 }
func (h Header) Solid() bool      { return h.Flags&FlagSolid != 0 }
func (h Header) Metadata() bool   { return h.Flags&FlagMetadata != 0 }

// Validate checks the invariant from the data model: compressed implies
// size_in_wim < uncompressed_size, unless the resource is a single
// uncompressed chunk equal in size to its data; solid implies compressed.
func (h Header) Validate() error {
	if h.Solid() && !h.Compressed() {
		return xerrors.New("resource: solid resource must be marked compressed")
	}
	if h.Compressed() && h.SizeInWIM >= h.UncompressedSize && h.SizeInWIM != h.UncompressedSize {
		return xerrors.New("resource: compressed size must be smaller than uncompressed size")
	}
	return nil
}

// Handle is the result of opening a resource for reading: open_resource in
// the component design's terms.
type Handle struct {
	r         io.ReaderAt
	header    Header
	codec     codec.Codec // nil when the resource is stored uncompressed
	chunkSize int
	pipable   bool

	mu          sync.Mutex
	parsed      bool
	chunkEnds   []uint64 // cumulative uncompressed-relative chunk end byte offsets
	chunkAt     []uint64 // absolute file offset each chunk's compressed data starts at
	chunkLen    []uint64 // compressed byte length of each chunk
	chunksStart uint64

	cacheIdx  int
	cacheData []byte
	haveCache bool
}

// Open returns a Handle for reading header's resource out of r. c is nil
// for an uncompressed resource.
func Open(r io.ReaderAt, header Header, c codec.Codec, chunkSize int, pipable bool) (*Handle, error) {
	if err := header.Validate(); err != nil {
		return nil, err
	}
	return &Handle{r: r, header: header, codec: c, chunkSize: chunkSize, pipable: pipable}, nil
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func le64(b []byte) uint64 {
	return uint64(le32(b)) | uint64(le32(b[4:]))<<32
}

// ReadRange reads length bytes starting at offset (relative to the
// resource's uncompressed content) into out.
func (h *Handle) ReadRange(offset, length int64, out []byte) (int, error) {
	if length == 0 {
		return 0, nil
	}
	if !h.header.Compressed() {
		return h.r.ReadAt(out[:length], int64(h.header.OffsetInWIM)+offset)
	}
	if err := h.ensureParsed(); err != nil {
		return 0, err
	}

	n := 0
	for int64(n) < length {
		pos := offset + int64(n)
		idx := int(pos / int64(h.chunkSize))
		if idx >= len(h.chunkEnds) {
			return n, xerrors.New("resource: read range past end of resource")
		}
		chunkStart := int64(0)
		if idx > 0 {
			chunkStart = int64(h.chunkEnds[idx-1])
		}
		within := pos - chunkStart

		data, err := h.chunk(idx)
		if err != nil {
			return n, err
		}
		if within < 0 || int(within) > len(data) {
			return n, xerrors.New("resource: corrupt chunk table")
		}
		k := copy(out[n:length], data[within:])
		if k == 0 {
			return n, io.ErrUnexpectedEOF
		}
		n += k
	}
	return n, nil
}

// ensureParsed parses the chunk table on first access, per the design's
// "parsed on first access" read path.
func (h *Handle) ensureParsed() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.parsed {
		return nil
	}

	uncompSize := int64(h.header.UncompressedSize)
	headerLen := int64(0)
	solid := h.header.Solid()
	chunkSize := h.chunkSize
	if solid {
		var alt [16]byte
		if _, err := h.r.ReadAt(alt[:], int64(h.header.OffsetInWIM)); err != nil {
			return err
		}
		uncompSize = int64(le64(alt[0:8]))
		chunkSize = int(le32(alt[8:12]))
		headerLen = 16
		h.chunkSize = chunkSize
	}
	if chunkSize <= 0 {
		return xerrors.New("resource: invalid chunk size")
	}

	numChunks := int((uncompSize + int64(chunkSize) - 1) / int64(chunkSize))
	if uncompSize == 0 {
		h.parsed = true
		return nil
	}

	entryWidth := 4
	if uncompSize >= 1<<32 {
		entryWidth = 8
	}

	// Non-solid resources omit the implicit chunk-0 start (always 0);
	// solid resources, per the design, carry every entry explicitly.
	explicitCount := numChunks
	if !solid {
		explicitCount = numChunks - 1
	}
	if explicitCount < 0 {
		explicitCount = 0
	}

	if h.pipable {
		return h.parsePipableChunks(numChunks, chunkSize)
	}

	tableOff := int64(h.header.OffsetInWIM) + headerLen
	deltas := make([]uint64, explicitCount)
	buf := make([]byte, entryWidth)
	for i := 0; i < explicitCount; i++ {
		if _, err := h.r.ReadAt(buf, tableOff+int64(i*entryWidth)); err != nil {
			return err
		}
		if entryWidth == 4 {
			deltas[i] = uint64(le32(buf))
		} else {
			deltas[i] = le64(buf)
		}
	}
	chunksStart := uint64(tableOff) + uint64(explicitCount*entryWidth)

	chunkEnds := make([]uint64, numChunks)
	chunkAt := make([]uint64, numChunks)
	chunkLen := make([]uint64, numChunks)
	prevEnd := uint64(0)
	prevOff := uint64(0)
	for i := 0; i < numChunks; i++ {
		var start uint64
		if solid {
			start = deltas[i]
		} else if i == 0 {
			start = 0
		} else {
			start = deltas[i-1]
		}
		uend := uint64(i+1) * uint64(chunkSize)
		if uend > uint64(uncompSize) {
			uend = uint64(uncompSize)
		}
		chunkEnds[i] = uend

		var end uint64
		if i+1 < numChunks {
			if solid {
				end = deltas[i+1]
			} else {
				end = deltas[i]
			}
		} else {
			end = h.header.SizeInWIM - (chunksStart - h.header.OffsetInWIM)
		}
		chunkAt[i] = chunksStart + start
		chunkLen[i] = end - start
		prevEnd, prevOff = uend, start
		_ = prevEnd
		_ = prevOff
	}

	h.chunksStart = chunksStart
	h.chunkEnds = chunkEnds
	h.chunkAt = chunkAt
	h.chunkLen = chunkLen
	h.parsed = true
	return nil
}

// parsePipableChunks scans a pipable resource's inline {compressed_size}
// chunk headers sequentially from the resource start: a streaming reader
// can do the same without consulting the trailing chunk table this
// package's Writer also emits for pipable resources.
func (h *Handle) parsePipableChunks(numChunks, chunkSize int) error {
	chunkEnds := make([]uint64, numChunks)
	chunkAt := make([]uint64, numChunks)
	chunkLen := make([]uint64, numChunks)

	pos := int64(h.header.OffsetInWIM)
	uncompSize := int64(h.header.UncompressedSize)
	for i := 0; i < numChunks; i++ {
		var hdr [4]byte
		if _, err := h.r.ReadAt(hdr[:], pos); err != nil {
			return err
		}
		size := uint64(le32(hdr[:]))
		chunkAt[i] = uint64(pos) + 4
		chunkLen[i] = size
		pos += 4 + int64(size)

		uend := int64(i+1) * int64(chunkSize)
		if uend > uncompSize {
			uend = uncompSize
		}
		chunkEnds[i] = uint64(uend)
	}

	h.chunkEnds = chunkEnds
	h.chunkAt = chunkAt
	h.chunkLen = chunkLen
	h.parsed = true
	return nil
}

func (h *Handle) chunk(i int) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.haveCache && h.cacheIdx == i {
		return h.cacheData, nil
	}

	compressed := make([]byte, h.chunkLen[i])
	if _, err := h.r.ReadAt(compressed, int64(h.chunkAt[i])); err != nil {
		return nil, err
	}

	start := uint64(0)
	if i > 0 {
		start = h.chunkEnds[i-1]
	}
	outLen := h.chunkEnds[i] - start
	out := make([]byte, outLen)

	if uint64(len(compressed)) == outLen {
		// Rewrite-uncompressed policy: a chunk whose compressed size
		// already equals its uncompressed size is stored raw.
		copy(out, compressed)
	} else if h.codec == nil {
		return nil, xerrors.New("resource: compressed chunk with no codec configured")
	} else if err := h.codec.Decompress(compressed, out); err != nil {
		return nil, err
	}

	h.cacheIdx, h.cacheData, h.haveCache = i, out, true
	return out, nil
}

// Size returns the resource's uncompressed size.
func (h *Handle) Size() int64 { return int64(h.header.UncompressedSize) }

// BlobLocation records where a blob written into a solid resource landed,
// relative to the resource's uncompressed content.
type BlobLocation struct {
	OffsetInRes uint64
	Size        uint64
}

func putEntry(b []byte, v uint64, width int) {
	for i := 0; i < width; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}

func entryWidthFor(uncompressedSize uint64) int {
	if uncompressedSize >= 1<<32 {
		return 8
	}
	return 4
}

func compressChunks(data []byte, c codec.Codec, chunkSize int) [][]byte {
	if len(data) == 0 {
		return nil
	}
	numChunks := (len(data) + chunkSize - 1) / chunkSize
	chunks := make([][]byte, numChunks)
	for i := range chunks {
		lo := i * chunkSize
		hi := lo + chunkSize
		if hi > len(data) {
			hi = len(data)
		}
		raw := data[lo:hi]
		if c == nil {
			chunks[i] = raw
			continue
		}
		comp := c.Compress(raw)
		if len(comp) >= len(raw) {
			// Rewrite-uncompressed policy: never store a chunk whose
			// "compressed" form did not actually shrink it.
			comp = raw
		}
		chunks[i] = comp
	}
	return chunks
}

// WriteNonSolid writes data as a single resource containing exactly one
// blob. c is nil to store the resource uncompressed. startOffset is the
// absolute file offset the caller is about to write at; the returned
// Header's OffsetInWIM/SizeInWIM reflect what was actually written there.
func WriteNonSolid(w io.Writer, startOffset uint64, data []byte, c codec.Codec, chunkSize int, pipable bool) (Header, error) {
	if c == nil {
		n, err := w.Write(data)
		if err != nil {
			return Header{}, err
		}
		return Header{OffsetInWIM: startOffset, SizeInWIM: uint64(n), UncompressedSize: uint64(len(data))}, nil
	}
	return WriteNonSolidChunks(w, startOffset, compressChunks(data, c, chunkSize), uint64(len(data)), pipable)
}

// WriteNonSolidChunks writes already-compressed, already chunk-size-bounded
// chunks (the rewrite-uncompressed policy already applied per chunk) as a
// non-solid resource's table plus chunk bytes. Split out of WriteNonSolid so
// a caller that compresses chunks itself (the write orchestrator's parallel
// chunk compressor, C8) can skip straight to table framing instead of going
// through this package's own serial compressChunks.
func WriteNonSolidChunks(w io.Writer, startOffset uint64, chunks [][]byte, uncompressedSize uint64, pipable bool) (Header, error) {
	numChunks := len(chunks)
	explicitCount := numChunks - 1
	if explicitCount < 0 {
		explicitCount = 0
	}
	width := entryWidthFor(uncompressedSize)

	var written uint64
	write := func(p []byte) error {
		n, err := w.Write(p)
		written += uint64(n)
		return err
	}

	if !pipable {
		table := make([]byte, explicitCount*width)
		cumulative := uint64(0)
		for i := 0; i < explicitCount; i++ {
			cumulative += uint64(len(chunks[i]))
			putEntry(table[i*width:], cumulative, width)
		}
		if err := write(table); err != nil {
			return Header{}, err
		}
		for _, ch := range chunks {
			if err := write(ch); err != nil {
				return Header{}, err
			}
		}
	} else {
		for _, ch := range chunks {
			var hdr [4]byte
			putEntry(hdr[:], uint64(len(ch)), 4)
			if err := write(hdr[:]); err != nil {
				return Header{}, err
			}
			if err := write(ch); err != nil {
				return Header{}, err
			}
		}
		cumulative := uint64(0)
		table := make([]byte, explicitCount*width)
		for i := 0; i < explicitCount; i++ {
			cumulative += uint64(len(chunks[i]))
			putEntry(table[i*width:], cumulative, width)
		}
		if err := write(table); err != nil {
			return Header{}, err
		}
	}

	return Header{
		OffsetInWIM:      startOffset,
		SizeInWIM:        written,
		UncompressedSize: uncompressedSize,
		Flags:            FlagCompressed,
	}, nil
}

// WriteSolid writes blobs concatenated into a single solid resource and
// reports each blob's location within the resource's uncompressed content.
// Solid resources are always compressed (Header.Validate rejects an
// uncompressed solid resource), and pipable solid resources are out of
// scope: the write orchestrator never combines the two, matching typical
// WIM usage where pipable output is also non-solid.
func WriteSolid(w io.Writer, startOffset uint64, blobs [][]byte, c codec.Codec, chunkSize int, pipable bool) (Header, []BlobLocation, error) {
	if c == nil {
		return Header{}, nil, xerrors.New("resource: a solid resource must be compressed")
	}
	if pipable {
		return Header{}, nil, xerrors.New("resource: solid+pipable resources are not supported")
	}

	locs, data := concatBlobs(blobs)
	chunks := compressChunks(data, c, chunkSize)
	header, err := WriteSolidChunks(w, startOffset, chunks, uint64(len(data)), chunkSize, c.Type())
	return header, locs, err
}

// concatBlobs lays blobs out contiguously and reports each one's location
// within the concatenation, independent of how the result is compressed.
func concatBlobs(blobs [][]byte) ([]BlobLocation, []byte) {
	locs := make([]BlobLocation, len(blobs))
	total := uint64(0)
	for i, b := range blobs {
		locs[i] = BlobLocation{OffsetInRes: total, Size: uint64(len(b))}
		total += uint64(len(b))
	}
	data := make([]byte, 0, total)
	for _, b := range blobs {
		data = append(data, b...)
	}
	return locs, data
}

// WriteSolidChunks is WriteSolid's table-framing half, split out so a
// caller that compresses chunks itself (the write orchestrator's parallel
// chunk compressor, C8) can supply already-compressed chunks directly.
// uncompressedSize is the concatenated blobs' total size before chunking.
func WriteSolidChunks(w io.Writer, startOffset uint64, chunks [][]byte, uncompressedSize uint64, chunkSize int, codecType codec.Type) (Header, error) {
	numChunks := len(chunks)
	width := entryWidthFor(uncompressedSize)

	var written uint64
	write := func(p []byte) error {
		n, err := w.Write(p)
		written += uint64(n)
		return err
	}

	var alt [16]byte
	putEntry(alt[0:8], uncompressedSize, 8)
	putEntry(alt[8:12], uint64(chunkSize), 4)
	putEntry(alt[12:16], uint64(codecType), 4)
	if err := write(alt[:]); err != nil {
		return Header{}, err
	}

	table := make([]byte, numChunks*width)
	cumulative := uint64(0)
	for i := 0; i < numChunks; i++ {
		putEntry(table[i*width:], cumulative, width)
		cumulative += uint64(len(chunks[i]))
	}
	if err := write(table); err != nil {
		return Header{}, err
	}
	for _, ch := range chunks {
		if err := write(ch); err != nil {
			return Header{}, err
		}
	}

	return Header{
		OffsetInWIM:      startOffset,
		SizeInWIM:        written,
		UncompressedSize: uncompressedSize,
		Flags:            FlagCompressed | FlagSolid,
	}, nil
}

// CanRawCopy reports whether a resource compressed with srcType/srcChunkSize
// can be transplanted into a destination container with dstType/dstChunkSize
// without recompressing: the raw-copy optimization applies only when both
// sides agree on format and chunk size.
func CanRawCopy(srcType, dstType codec.Type, srcChunkSize, dstChunkSize int) bool {
	return srcType == dstType && srcChunkSize == dstChunkSize
}

// RawCopy copies header's resource bytes verbatim from r into w, returning
// the number of bytes copied. Used when CanRawCopy holds, so the resource
// engine can transplant a resource between containers without touching its
// codec at all.
func RawCopy(w io.Writer, r io.ReaderAt, header Header) (int64, error) {
	buf := make([]byte, header.SizeInWIM)
	if _, err := r.ReadAt(buf, int64(header.OffsetInWIM)); err != nil {
		return 0, err
	}
	n, err := w.Write(buf)
	return int64(n), err
}
