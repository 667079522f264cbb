// Package writer implements the write orchestrator (C8): deciding among
// the three write strategies, planning which blobs a write must actually
// touch, and driving the parallel chunk compressor that is the library's
// sole source of CPU parallelism.
//
// The compressor's worker pool is built on golang.org/x/sync/errgroup plus
// a bounded channel (var eg errgroup.Group; eg.Go(...); eg.Wait()), in
// place of a condition-variable-driven pool, so chunk order survives
// regardless of which worker finishes first.
package writer

import (
	"context"
	"io"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/distr1/gowim/internal/blobtable"
	"github.com/distr1/gowim/internal/codec"
	"github.com/distr1/gowim/internal/container"
	"github.com/distr1/gowim/internal/resource"
)

// Flag is one bit of the write_flags set.
type Flag uint32

const (
	FlagCheckIntegrity Flag = 1 << iota
	FlagNoCheckIntegrity
	FlagPipable
	FlagNotPipable
	FlagRecompress
	FlagFsync
	FlagRebuild
	FlagSoftDelete
	FlagIgnoreReadonly
	FlagStreamsOK
	FlagRetainGUID
	FlagSolid
	FlagSendDoneWithFile
	FlagNoSolidSort
	FlagUnsafeCompact
	FlagSkipExternalWIMs
)

// Normalize applies the documented mutual-exclusion and implication rules,
// returning an error for a genuinely contradictory combination rather than
// silently picking one side.
func (f Flag) Normalize() (Flag, error) {
	if f&FlagCheckIntegrity != 0 && f&FlagNoCheckIntegrity != 0 {
		return 0, xerrors.New("writer: check-integrity and no-check-integrity are mutually exclusive")
	}
	if f&FlagPipable != 0 && f&FlagNotPipable != 0 {
		return 0, xerrors.New("writer: pipable and not-pipable are mutually exclusive")
	}
	if f&FlagUnsafeCompact != 0 {
		if f&FlagRecompress != 0 {
			return 0, xerrors.New("writer: unsafe-compact is incompatible with recompress")
		}
		f |= FlagSoftDelete | FlagNoSolidSort
		f &^= FlagRebuild
	}
	return f, nil
}

// Strategy is one of the three ways a write can reach the file.
type Strategy int

const (
	StrategyAppend Strategy = iota
	StrategyRebuild
	StrategyCompact
)

func (s Strategy) String() string {
	switch s {
	case StrategyAppend:
		return "append"
	case StrategyRebuild:
		return "rebuild"
	case StrategyCompact:
		return "compact"
	default:
		return "unknown"
	}
}

// DecisionInput is the state DecideStrategy needs to pick a strategy; it
// never looks inside a blob set itself, only a handful of yes/no facts.
type DecisionInput struct {
	Flags              Flag
	HasDeletions       bool
	CompressionChanged bool
	PipableConversion  bool
}

// DecideStrategy implements the strategy selection rule: unsafe-compact
// and rebuild are explicit opt-ins (and unsafe-compact always wins when
// both are set, since Flag.Normalize already cleared FlagRebuild for it);
// otherwise any of the three unsafe-for-append conditions forces a
// rebuild; append is the default when none apply.
func DecideStrategy(in DecisionInput) Strategy {
	if in.Flags&FlagUnsafeCompact != 0 {
		return StrategyCompact
	}
	if in.Flags&FlagRebuild != 0 {
		return StrategyRebuild
	}
	if in.HasDeletions || in.CompressionChanged || in.PipableConversion {
		return StrategyRebuild
	}
	return StrategyAppend
}

// PlanItem is one blob a write might need to emit bytes for.
type PlanItem struct {
	Descriptor *blobtable.Descriptor
	Data       []byte // raw bytes to write; nil once planning decides no write is needed
}

// PlanOptions carries the blob-set planning inputs.
type PlanOptions struct {
	Flags      Flag
	Target     *blobtable.Table             // the container being written into
	IsExternal func(*blobtable.Descriptor) bool // nil if SKIP_EXTERNAL_WIMS is never set
}

// Plan applies the APPEND and SKIP_EXTERNAL_WIMS filters to candidates,
// clearing Data on any item that does not need to be written: either
// because the target container's blob table already carries that hash (a
// soft filter — the descriptor stays referenced, just not rewritten), or
// because SKIP_EXTERNAL_WIMS hard-drops a blob whose backing resource
// lives in a different container entirely.
func Plan(opts PlanOptions, candidates []PlanItem) []PlanItem {
	out := make([]PlanItem, len(candidates))
	for i, item := range candidates {
		if opts.Flags&FlagSkipExternalWIMs != 0 && opts.IsExternal != nil && opts.IsExternal(item.Descriptor) {
			item.Data = nil
			out[i] = item
			continue
		}
		if opts.Target != nil {
			if _, ok := opts.Target.Lookup(item.Descriptor.Hash); ok {
				item.Data = nil
			}
		}
		out[i] = item
	}
	return out
}

// ChunkCompressor is the capability object
// {get_chunk_buffer, signal_chunk_filled, get_compression_result, destroy,
// num_threads}, reduced to the one operation the orchestrator actually
// drives: compress a submitted sequence of raw chunks and hand results
// back in the same order they were submitted, regardless of which worker
// finished first.
type ChunkCompressor interface {
	CompressChunks(ctx context.Context, c codec.Codec, raw [][]byte) ([][]byte, error)
}

// SerialCompressor is the "one chunk in flight" implementation.
type SerialCompressor struct{}

func (SerialCompressor) CompressChunks(ctx context.Context, c codec.Codec, raw [][]byte) ([][]byte, error) {
	out := make([][]byte, len(raw))
	for i, r := range raw {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = rewriteIfLarger(c.Compress(r), r)
	}
	return out, nil
}

// ParallelCompressor runs NumWorkers goroutines pulling chunk indices off a
// bounded submit queue; each worker compresses independently into the
// shared results slice by index, so submission order survives regardless
// of completion order without an explicit retrieve queue.
type ParallelCompressor struct {
	NumWorkers int
}

func (p ParallelCompressor) CompressChunks(ctx context.Context, c codec.Codec, raw [][]byte) ([][]byte, error) {
	n := p.NumWorkers
	if n <= 0 {
		n = 1
	}
	if n > len(raw) {
		n = len(raw)
	}
	if n <= 1 {
		return SerialCompressor{}.CompressChunks(ctx, c, raw)
	}

	out := make([][]byte, len(raw))
	jobs := make(chan int, n)
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < n; w++ {
		g.Go(func() error {
			for idx := range jobs {
				if err := gctx.Err(); err != nil {
					return err
				}
				out[idx] = rewriteIfLarger(c.Compress(raw[idx]), raw[idx])
			}
			return nil
		})
	}
feed:
	for i := range raw {
		select {
		case jobs <- i:
		case <-gctx.Done():
			break feed
		}
	}
	close(jobs)
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// rewriteIfLarger applies the rewrite-uncompressed policy: a chunk whose
// "compressed" size did not actually shrink it is stored raw.
func rewriteIfLarger(compressed, raw []byte) []byte {
	if len(compressed) >= len(raw) {
		return raw
	}
	return compressed
}

func splitChunks(data []byte, chunkSize int) [][]byte {
	if len(data) == 0 {
		return nil
	}
	n := (len(data) + chunkSize - 1) / chunkSize
	chunks := make([][]byte, n)
	for i := range chunks {
		lo := i * chunkSize
		hi := lo + chunkSize
		if hi > len(data) {
			hi = len(data)
		}
		chunks[i] = data[lo:hi]
	}
	return chunks
}

// WriteBlobAsResource compresses data through comp and writes it as a
// single non-solid resource at startOffset.
func WriteBlobAsResource(ctx context.Context, w io.Writer, startOffset uint64, data []byte, c codec.Codec, chunkSize int, pipable bool, comp ChunkCompressor) (resource.Header, error) {
	if c == nil {
		return resource.WriteNonSolid(w, startOffset, data, nil, 0, false)
	}
	chunks, err := comp.CompressChunks(ctx, c, splitChunks(data, chunkSize))
	if err != nil {
		return resource.Header{}, err
	}
	return resource.WriteNonSolidChunks(w, startOffset, chunks, uint64(len(data)), pipable)
}

// WriteSolidResource concatenates blobs and writes them as one solid
// resource, compressing its chunks through comp.
func WriteSolidResource(ctx context.Context, w io.Writer, startOffset uint64, blobs [][]byte, c codec.Codec, chunkSize int, comp ChunkCompressor) (resource.Header, []resource.BlobLocation, error) {
	if c == nil {
		return resource.Header{}, nil, xerrors.New("writer: a solid resource must be compressed")
	}
	locs := make([]resource.BlobLocation, len(blobs))
	total := uint64(0)
	for i, b := range blobs {
		locs[i] = resource.BlobLocation{OffsetInRes: total, Size: uint64(len(b))}
		total += uint64(len(b))
	}
	data := make([]byte, 0, total)
	for _, b := range blobs {
		data = append(data, b...)
	}
	chunks, err := comp.CompressChunks(ctx, c, splitChunks(data, chunkSize))
	if err != nil {
		return resource.Header{}, nil, err
	}
	hdr, err := resource.WriteSolidChunks(w, startOffset, chunks, total, chunkSize, c.Type())
	return hdr, locs, err
}

// ProgressKind tags a ProgressMessage with which of the closed set of
// progress events it reports.
type ProgressKind int

const (
	ProgressScanBegin ProgressKind = iota
	ProgressScanDentry
	ProgressScanEnd
	ProgressWriteStreams
	ProgressVerifyIntegrity
	ProgressCalcIntegrity
	ProgressExtractBegin
	ProgressExtractStreams
	ProgressExtractDentry
	ProgressExtractTimestamps
	ProgressExtractEnd
	ProgressRename
	ProgressSplitBeginPart
	ProgressSplitEndPart
	ProgressUpdateBeginCommand
	ProgressUpdateEndCommand
)

// ProgressMessage is the tagged union the progress callback receives.
type ProgressMessage struct {
	Kind                   ProgressKind
	BytesDone, BytesTotal  int64
	Path                   string
	PartNumber, TotalParts int
}

// ProgressFunc is invoked synchronously by the orchestrator; returning true
// requests cancellation at the next safe point. The root package re-uses
// this type directly rather than redeclaring it, since C8 is its first and
// only internal consumer.
type ProgressFunc func(ProgressMessage) (cancel bool)

// Request bundles everything a write needs to produce a container's body
// bytes, independent of how the caller assembled its blob set and image
// metadata trees.
type Request struct {
	Blobs         []PlanItem // every non-metadata blob the new blob table must reference
	MetadataBlobs []PlanItem // serialized per-image metadata trees, written like any blob but flagged Metadata
	Table         *blobtable.Table
	XML           string
	Solid         bool
	Pipable       bool
	Flags         Flag
	Codec         codec.Codec
	ChunkSize     int
	Compressor    ChunkCompressor
	Progress      ProgressFunc
	// ReaderAt supplies a snapshot reader over everything written so far,
	// consulted only when integrity is requested; nil if it never will be.
	ReaderAt func() (io.ReaderAt, error)
}

// Result is what a finished body write produced.
type Result struct {
	BlobTable resource.Header
	XML       resource.Header
	Integrity resource.Header
	EndOffset uint64
}

// WriteStreams writes every item in items whose Data is non-nil, updating
// each written item's blob descriptor's Resource/OffsetInRes fields to
// reflect where it landed, and reports the offset immediately after the
// last byte written.
func WriteStreams(ctx context.Context, w io.Writer, startOffset uint64, items []PlanItem, c codec.Codec, chunkSize int, pipable, solid bool, comp ChunkCompressor, progress ProgressFunc) (uint64, error) {
	var toWrite []PlanItem
	for _, it := range items {
		if it.Data != nil {
			toWrite = append(toWrite, it)
		}
	}
	if len(toWrite) == 0 {
		return startOffset, nil
	}

	if solid {
		blobs := make([][]byte, len(toWrite))
		for i, it := range toWrite {
			blobs[i] = it.Data
		}
		hdr, locs, err := WriteSolidResource(ctx, w, startOffset, blobs, c, chunkSize, comp)
		if err != nil {
			return startOffset, err
		}
		for i, it := range toWrite {
			it.Descriptor.Resource = hdr
			it.Descriptor.OffsetInRes = locs[i].OffsetInRes
		}
		if progress != nil && progress(ProgressMessage{Kind: ProgressWriteStreams, BytesDone: int64(hdr.UncompressedSize), BytesTotal: int64(hdr.UncompressedSize)}) {
			return startOffset + hdr.SizeInWIM, context.Canceled
		}
		return startOffset + hdr.SizeInWIM, nil
	}

	var total int64
	for _, it := range toWrite {
		total += int64(len(it.Data))
	}
	offset := startOffset
	var done int64
	for _, it := range toWrite {
		hdr, err := WriteBlobAsResource(ctx, w, offset, it.Data, c, chunkSize, pipable, comp)
		if err != nil {
			return offset, err
		}
		if it.Descriptor.Metadata {
			hdr.Flags |= resource.FlagMetadata
		}
		it.Descriptor.Resource = hdr
		it.Descriptor.OffsetInRes = 0
		offset += hdr.SizeInWIM
		done += int64(len(it.Data))
		if progress != nil && progress(ProgressMessage{Kind: ProgressWriteStreams, BytesDone: done, BytesTotal: total}) {
			return offset, context.Canceled
		}
		if err := ctx.Err(); err != nil {
			return offset, err
		}
	}
	return offset, nil
}

// writeBody writes req's streams, blob table, XML and (optionally)
// integrity table starting at w's current seek position, returning where
// their resource headers landed. The caller is responsible for the
// container header itself: its final form depends on the resource headers
// this function returns.
func writeBody(ctx context.Context, w io.WriteSeeker, req Request) (Result, error) {
	startPos, err := w.Seek(0, io.SeekCurrent)
	if err != nil {
		return Result{}, xerrors.Errorf("writer: seeking to content start: %w", err)
	}
	return WriteBody(ctx, w, uint64(startPos), req)
}

// WriteBody is writeBody generalized to a plain io.Writer plus an explicit
// start offset, for a caller that cannot or need not seek to discover its
// current position (e.g. writing straight to a pipe or an arbitrary fd).
func WriteBody(ctx context.Context, w io.Writer, startOffset uint64, req Request) (Result, error) {
	offset := startOffset

	comp := req.Compressor
	if comp == nil {
		comp = SerialCompressor{}
	}

	all := append(append([]PlanItem{}, req.MetadataBlobs...), req.Blobs...)
	offset, err := WriteStreams(ctx, w, offset, all, req.Codec, req.ChunkSize, req.Pipable, req.Solid, comp, req.Progress)
	if err != nil {
		return Result{}, err
	}

	descs := req.Table.All()
	if req.Flags&FlagNoSolidSort == 0 {
		blobtable.SortForWrite(descs)
	}
	tableBytes := blobtable.Serialize(descs)
	blobTableHdr, err := resource.WriteNonSolid(w, offset, tableBytes, req.Codec, req.ChunkSize, false)
	if err != nil {
		return Result{}, xerrors.Errorf("writer: writing blob table: %w", err)
	}
	offset += blobTableHdr.SizeInWIM

	if !container.ValidateUTF8(req.XML) {
		return Result{}, xerrors.New("writer: XML metadata is not valid UTF-8")
	}
	xmlHdr, err := resource.WriteNonSolid(w, offset, container.EncodeXML(req.XML), req.Codec, req.ChunkSize, false)
	if err != nil {
		return Result{}, xerrors.Errorf("writer: writing XML resource: %w", err)
	}
	offset += xmlHdr.SizeInWIM

	var integrityHdr resource.Header
	if req.Flags&FlagCheckIntegrity != 0 {
		if req.ReaderAt == nil {
			return Result{}, xerrors.New("writer: integrity requested but no reader available to compute it")
		}
		r, err := req.ReaderAt()
		if err != nil {
			return Result{}, xerrors.Errorf("writer: obtaining integrity reader: %w", err)
		}
		const integrityChunkSize = 10 << 20
		integrityStart := int64(container.HeaderSize)
		integrityEnd := int64(blobTableHdr.OffsetInWIM + blobTableHdr.SizeInWIM)
		table, err := container.ComputeIntegrityTable(r, integrityStart, integrityEnd, integrityChunkSize)
		if err != nil {
			return Result{}, xerrors.Errorf("writer: computing integrity table: %w", err)
		}
		if req.Progress != nil && req.Progress(ProgressMessage{Kind: ProgressCalcIntegrity, BytesDone: integrityEnd - integrityStart, BytesTotal: integrityEnd - integrityStart}) {
			return Result{}, context.Canceled
		}
		integrityHdr, err = resource.WriteNonSolid(w, offset, table.Marshal(), nil, 0, false)
		if err != nil {
			return Result{}, xerrors.Errorf("writer: writing integrity table: %w", err)
		}
		offset += integrityHdr.SizeInWIM
	}

	return Result{BlobTable: blobTableHdr, XML: xmlHdr, Integrity: integrityHdr, EndOffset: offset}, nil
}
