package writer

import (
	"bytes"
	"context"
	"crypto/sha1"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/orcaman/writerseeker"

	"github.com/distr1/gowim/internal/blobtable"
	"github.com/distr1/gowim/internal/codec"
	"github.com/distr1/gowim/internal/container"
	"github.com/distr1/gowim/internal/resource"
)

func hashOf(data []byte) blobtable.Hash {
	sum := sha1.Sum(data)
	var h blobtable.Hash
	copy(h[:], sum[:])
	return h
}

func TestFlagNormalizeMutualExclusion(t *testing.T) {
	if _, err := (FlagCheckIntegrity | FlagNoCheckIntegrity).Normalize(); err == nil {
		t.Fatal("expected an error for check/no-check together")
	}
	if _, err := (FlagPipable | FlagNotPipable).Normalize(); err == nil {
		t.Fatal("expected an error for pipable/not-pipable together")
	}
}

func TestFlagNormalizeUnsafeCompactImplications(t *testing.T) {
	got, err := (FlagUnsafeCompact | FlagRebuild).Normalize()
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if got&FlagRebuild != 0 {
		t.Fatal("unsafe-compact must clear rebuild")
	}
	if got&FlagSoftDelete == 0 || got&FlagNoSolidSort == 0 {
		t.Fatal("unsafe-compact must imply soft-delete and no-solid-sort")
	}
	if _, err := (FlagUnsafeCompact | FlagRecompress).Normalize(); err == nil {
		t.Fatal("expected an error: unsafe-compact is incompatible with recompress")
	}
}

func TestDecideStrategy(t *testing.T) {
	cases := []struct {
		name string
		in   DecisionInput
		want Strategy
	}{
		{"default safe", DecisionInput{}, StrategyAppend},
		{"explicit rebuild", DecisionInput{Flags: FlagRebuild}, StrategyRebuild},
		{"explicit compact wins", DecisionInput{Flags: FlagUnsafeCompact | FlagRebuild}, StrategyCompact},
		{"deletions force rebuild", DecisionInput{HasDeletions: true}, StrategyRebuild},
		{"compression change forces rebuild", DecisionInput{CompressionChanged: true}, StrategyRebuild},
		{"pipable conversion forces rebuild", DecisionInput{PipableConversion: true}, StrategyRebuild},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := DecideStrategy(c.in); got != c.want {
				t.Fatalf("DecideStrategy(%+v) = %v, want %v", c.in, got, c.want)
			}
		})
	}
}

func TestPlanAppendFilterSkipsAlreadyPresentBlob(t *testing.T) {
	target := blobtable.New()
	existing := &blobtable.Descriptor{Hash: hashOf([]byte("hello\n")), Size: 6}
	target.Insert(existing)

	candidate := PlanItem{
		Descriptor: &blobtable.Descriptor{Hash: existing.Hash, Size: 6},
		Data:       []byte("hello\n"),
	}
	out := Plan(PlanOptions{Target: target}, []PlanItem{candidate})
	if out[0].Data != nil {
		t.Fatal("APPEND filter should have cleared Data for an already-present blob")
	}
}

func TestPlanSkipExternalWIMsDropsExternalBlob(t *testing.T) {
	ext := &blobtable.Descriptor{Hash: hashOf([]byte("external"))}
	candidate := PlanItem{Descriptor: ext, Data: []byte("external")}
	out := Plan(PlanOptions{
		Flags:      FlagSkipExternalWIMs,
		IsExternal: func(d *blobtable.Descriptor) bool { return d == ext },
	}, []PlanItem{candidate})
	if out[0].Data != nil {
		t.Fatal("SKIP_EXTERNAL_WIMS should have dropped the external blob's data")
	}
}

func TestPlanLeavesUnresolvedCandidateAlone(t *testing.T) {
	candidate := PlanItem{Descriptor: &blobtable.Descriptor{Hash: hashOf([]byte("new"))}, Data: []byte("new")}
	out := Plan(PlanOptions{Target: blobtable.New()}, []PlanItem{candidate})
	if out[0].Data == nil {
		t.Fatal("a genuinely new blob must still be written")
	}
}

// growingCodec doubles an input's apparent size so every chunk trips the
// rewrite-uncompressed policy, letting tests observe SerialCompressor and
// ParallelCompressor falling back to storing chunks raw.
type growingCodec struct{}

func (growingCodec) Type() codec.Type                        { return codec.None }
func (growingCodec) MaxChunkSize() int                        { return 1 << 20 }
func (growingCodec) Decompress(compressed, out []byte) error  { copy(out, compressed); return nil }
func (growingCodec) Compress(in []byte) []byte                { return append(append([]byte{}, in...), in...) }

func TestSerialCompressorAppliesRewriteUncompressedPolicy(t *testing.T) {
	raw := [][]byte{[]byte("aaaa"), []byte("bbbb")}
	out, err := SerialCompressor{}.CompressChunks(context.Background(), growingCodec{}, raw)
	if err != nil {
		t.Fatal(err)
	}
	for i, chunk := range out {
		if !bytes.Equal(chunk, raw[i]) {
			t.Fatalf("chunk %d = %q, want raw fallback %q", i, chunk, raw[i])
		}
	}
}

func TestParallelCompressorMatchesSerialAndPreservesOrder(t *testing.T) {
	c, err := codec.ForType(codec.XPRESS)
	if err != nil {
		t.Fatal(err)
	}
	var raw [][]byte
	for i := 0; i < 64; i++ {
		raw = append(raw, bytes.Repeat([]byte{byte(i)}, 100+i))
	}

	serial, err := SerialCompressor{}.CompressChunks(context.Background(), c, raw)
	if err != nil {
		t.Fatal(err)
	}
	parallel, err := ParallelCompressor{NumWorkers: 8}.CompressChunks(context.Background(), c, raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(serial) != len(parallel) {
		t.Fatalf("length mismatch: %d vs %d", len(serial), len(parallel))
	}
	for i := range serial {
		if !bytes.Equal(serial[i], parallel[i]) {
			t.Fatalf("chunk %d differs between serial and parallel compression", i)
		}
	}
}

func TestParallelCompressorRespectsCancellation(t *testing.T) {
	c, err := codec.ForType(codec.XPRESS)
	if err != nil {
		t.Fatal(err)
	}
	raw := make([][]byte, 32)
	for i := range raw {
		raw[i] = bytes.Repeat([]byte("x"), 100)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ParallelCompressor{NumWorkers: 4}.CompressChunks(ctx, c, raw); err == nil {
		t.Fatal("expected an error from a pre-cancelled context")
	}
}

// buildPlan creates one PlanItem with a fresh, resolved blob descriptor.
func buildPlan(data []byte, metadata bool) PlanItem {
	d := &blobtable.Descriptor{Hash: hashOf(data), Size: uint64(len(data)), RefCount: 1, Metadata: metadata}
	return PlanItem{Descriptor: d, Data: data}
}

func newWriteRequest(t *testing.T, table *blobtable.Table, items []PlanItem, metaItems []PlanItem, solid bool, xml string, ws *writerseeker.WriterSeeker) Request {
	t.Helper()
	c, err := codec.ForType(codec.XPRESS)
	if err != nil {
		t.Fatal(err)
	}
	for _, it := range items {
		table.Insert(it.Descriptor)
	}
	for _, it := range metaItems {
		table.Insert(it.Descriptor)
	}
	return Request{
		Blobs:         items,
		MetadataBlobs: metaItems,
		Table:         table,
		XML:           xml,
		Solid:         solid,
		Codec:         c,
		ChunkSize:     64,
		Compressor:    ParallelCompressor{NumWorkers: 4},
		ReaderAt: func() (io.ReaderAt, error) {
			return ws.BytesReader(), nil
		},
	}
}

func TestWriteBodyRoundTripNonSolid(t *testing.T) {
	var ws writerseeker.WriterSeeker
	readme := buildPlan([]byte("hello\n"), false)
	notes := buildPlan([]byte("hi\n"), false)
	meta := buildPlan([]byte("fake-metadata-tree-bytes"), true)

	table := blobtable.New()
	req := newWriteRequest(t, table, []PlanItem{readme, notes}, []PlanItem{meta}, false, "<WIM/>", &ws)

	res, err := writeBody(context.Background(), &ws, req)
	if err != nil {
		t.Fatalf("writeBody: %v", err)
	}

	r := ws.BytesReader()

	gotXML, err := container.ReadXML(r, res.XML, req.Codec, req.ChunkSize, false)
	if err != nil {
		t.Fatalf("ReadXML: %v", err)
	}
	if gotXML != "<WIM/>" {
		t.Fatalf("XML round trip = %q", gotXML)
	}

	h, err := resource.Open(r, res.BlobTable, req.Codec, req.ChunkSize, false)
	if err != nil {
		t.Fatal(err)
	}
	raw := make([]byte, res.BlobTable.UncompressedSize)
	if _, err := h.ReadRange(0, int64(len(raw)), raw); err != nil {
		t.Fatal(err)
	}
	descs, err := blobtable.Parse(raw)
	if err != nil {
		t.Fatalf("Parse blob table: %v", err)
	}
	if len(descs) != 3 {
		t.Fatalf("got %d blob table entries, want 3", len(descs))
	}

	var metaCount int
	for _, d := range descs {
		if d.Hash == readme.Descriptor.Hash && d.Resource.UncompressedSize != 6 {
			t.Fatalf("readme resource uncompressed size = %d, want 6", d.Resource.UncompressedSize)
		}
		if d.Metadata {
			metaCount++
			if d.Resource.Flags&resource.FlagMetadata == 0 {
				t.Fatal("metadata descriptor's resource must carry FlagMetadata")
			}
		}
	}
	if metaCount != 1 {
		t.Fatalf("got %d metadata descriptors, want 1", metaCount)
	}
}

func TestWriteBodySolidGroupsBlobsIntoOneResource(t *testing.T) {
	var ws writerseeker.WriterSeeker
	a := buildPlan([]byte("aaaaaaaaaa"), false)
	b := buildPlan([]byte("bbbbbbbbbb"), false)
	table := blobtable.New()
	req := newWriteRequest(t, table, []PlanItem{a, b}, nil, true, "<WIM/>", &ws)

	if _, err := writeBody(context.Background(), &ws, req); err != nil {
		t.Fatalf("writeBody: %v", err)
	}
	if a.Descriptor.Resource.OffsetInWIM != b.Descriptor.Resource.OffsetInWIM {
		t.Fatal("solid blobs must share one resource")
	}
	if !a.Descriptor.Resource.Solid() {
		t.Fatal("resource must be flagged solid")
	}
	if a.Descriptor.OffsetInRes == b.Descriptor.OffsetInRes {
		t.Fatal("blobs within the solid resource must have distinct offsets")
	}
}

func TestWriteBodyRejectsNonUTF8XML(t *testing.T) {
	var ws writerseeker.WriterSeeker
	table := blobtable.New()
	req := newWriteRequest(t, table, nil, nil, false, "\xff\xfe", &ws)
	if _, err := writeBody(context.Background(), &ws, req); err == nil {
		t.Fatal("expected an error for invalid UTF-8 XML")
	}
}

func baseHeader(t *testing.T) container.Header {
	t.Helper()
	return container.Header{
		Magic:           container.MagicNormal,
		Version:         container.VersionLegacy,
		CompressionType: codec.XPRESS,
		ChunkSize:       64,
		PartNumber:      1,
		TotalParts:      1,
		ImageCount:      1,
	}
}

func TestWriteAppendRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.wim")

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	header := baseHeader(t)
	if err := container.WriteHeaderAt(f, header); err != nil {
		t.Fatal(err)
	}

	lock, err := AcquireLock(f)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}

	blob := buildPlan([]byte("hello\n"), false)
	table := blobtable.New()
	table.Insert(blob.Descriptor)
	c, err := codec.ForType(codec.XPRESS)
	if err != nil {
		t.Fatal(err)
	}
	req := Request{
		Blobs:      []PlanItem{blob},
		Table:      table,
		XML:        "<WIM/>",
		Codec:      c,
		ChunkSize:  64,
		Flags:      FlagNoCheckIntegrity,
		Compressor: SerialCompressor{},
	}

	final, err := WriteAppend(context.Background(), f, header, container.HeaderSize, req)
	if err != nil {
		t.Fatalf("WriteAppend: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	got, err := container.ReadHeader(f)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if got.Flags&container.FlagWriteInProgress != 0 {
		t.Fatal("write-in-progress flag must be cleared on success")
	}
	if got != final {
		t.Fatalf("on-disk header mismatch: got %+v want %+v", got, final)
	}

	gotXML, err := container.ReadXML(f, got.XML, c, int(got.ChunkSize), false)
	if err != nil {
		t.Fatalf("ReadXML: %v", err)
	}
	if gotXML != "<WIM/>" {
		t.Fatalf("XML mismatch: %q", gotXML)
	}
}

func TestAcquireLockRejectsSecondHandle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "locked.wim")
	if err := os.WriteFile(path, []byte{0}, 0644); err != nil {
		t.Fatal(err)
	}

	f1, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		t.Fatal(err)
	}
	defer f1.Close()
	f2, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		t.Fatal(err)
	}
	defer f2.Close()

	lock, err := AcquireLock(f1)
	if err != nil {
		t.Fatalf("first AcquireLock: %v", err)
	}
	defer lock.Release()

	if _, err := AcquireLock(f2); err == nil {
		t.Fatal("expected a second handle's lock attempt to fail while the first holds it")
	}
}

func TestWriteRebuildProducesFreshContainer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "y.wim")

	blob := buildPlan([]byte("hello\n"), false)
	table := blobtable.New()
	table.Insert(blob.Descriptor)
	c, err := codec.ForType(codec.XPRESS)
	if err != nil {
		t.Fatal(err)
	}
	req := Request{
		Blobs:      []PlanItem{blob},
		Table:      table,
		XML:        "<WIM/>",
		Codec:      c,
		ChunkSize:  64,
		Flags:      FlagNoCheckIntegrity,
		Compressor: SerialCompressor{},
	}

	header := baseHeader(t)
	final, err := WriteRebuild(context.Background(), path, header, req)
	if err != nil {
		t.Fatalf("WriteRebuild: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	got, err := container.ReadHeader(f)
	if err != nil {
		t.Fatal(err)
	}
	if got != final {
		t.Fatalf("on-disk header mismatch: got %+v want %+v", got, final)
	}
}

func TestWriteRebuildLeavesOriginalUntouchedOnFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "z.wim")
	original := []byte("not a real container, but must survive untouched")
	if err := os.WriteFile(path, original, 0644); err != nil {
		t.Fatal(err)
	}

	table := blobtable.New()
	req := Request{
		Table:      table,
		XML:        "\xff\xfe", // invalid UTF-8, forces writeBody to fail
		Codec:      nil,
		ChunkSize:  64,
		Compressor: SerialCompressor{},
	}
	if _, err := WriteRebuild(context.Background(), path, baseHeader(t), req); err == nil {
		t.Fatal("expected an error from invalid XML")
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, original) {
		t.Fatal("a failed rebuild must leave the original file untouched")
	}
}

func TestCompactResourcesRejectsOverlap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overlap.wim")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := f.Truncate(int64(container.HeaderSize) + 100); err != nil {
		t.Fatal(err)
	}

	descs := []*blobtable.Descriptor{
		{Resource: resource.Header{OffsetInWIM: container.HeaderSize, SizeInWIM: 50}},
		{Resource: resource.Header{OffsetInWIM: container.HeaderSize + 20, SizeInWIM: 50}},
	}
	if _, err := CompactResources(f, container.HeaderSize, descs); err == nil {
		t.Fatal("expected an error for overlapping resources")
	}
}

func TestCompactResourcesClosesGaps(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gap.wim")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	firstAt := container.HeaderSize
	firstData := bytes.Repeat([]byte("A"), 30)
	secondAt := firstAt + 1000 // a large gap, as if an earlier resource were deleted
	secondData := bytes.Repeat([]byte("B"), 30)
	if _, err := f.WriteAt(firstData, int64(firstAt)); err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteAt(secondData, int64(secondAt)); err != nil {
		t.Fatal(err)
	}

	shared := &blobtable.Descriptor{Resource: resource.Header{OffsetInWIM: secondAt, SizeInWIM: uint64(len(secondData))}}
	sharedOther := &blobtable.Descriptor{Resource: resource.Header{OffsetInWIM: secondAt, SizeInWIM: uint64(len(secondData))}}
	descs := []*blobtable.Descriptor{
		{Resource: resource.Header{OffsetInWIM: firstAt, SizeInWIM: uint64(len(firstData))}},
		shared,
		sharedOther,
	}

	end, err := CompactResources(f, container.HeaderSize, descs)
	if err != nil {
		t.Fatalf("CompactResources: %v", err)
	}
	wantEnd := firstAt + uint64(len(firstData)) + uint64(len(secondData))
	if end != wantEnd {
		t.Fatalf("end offset = %d, want %d", end, wantEnd)
	}
	if shared.Resource.OffsetInWIM != firstAt+uint64(len(firstData)) {
		t.Fatalf("second resource not moved down: %+v", shared.Resource)
	}
	if shared.Resource.OffsetInWIM != sharedOther.Resource.OffsetInWIM {
		t.Fatal("descriptors sharing one resource must be updated together")
	}

	moved := make([]byte, len(secondData))
	if _, err := f.ReadAt(moved, int64(shared.Resource.OffsetInWIM)); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(moved, secondData) {
		t.Fatalf("moved resource bytes = %q, want %q", moved, secondData)
	}
}

func TestWriteCompactEndToEnd(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "compact.wim")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	header := baseHeader(t)
	if err := container.WriteHeaderAt(f, header); err != nil {
		t.Fatal(err)
	}

	survivor := bytes.Repeat([]byte("S"), 20)
	survivorAt := container.HeaderSize + 500 // simulate a deleted resource leaving a gap before this one
	if _, err := f.WriteAt(survivor, int64(survivorAt)); err != nil {
		t.Fatal(err)
	}
	survivorDesc := &blobtable.Descriptor{
		Hash:     hashOf(survivor),
		Size:     uint64(len(survivor)),
		RefCount: 1,
		Resource: resource.Header{OffsetInWIM: survivorAt, SizeInWIM: uint64(len(survivor)), UncompressedSize: uint64(len(survivor))},
	}

	table := blobtable.New()
	table.Insert(survivorDesc)
	newBlob := buildPlan([]byte("new content\n"), false)
	table.Insert(newBlob.Descriptor)

	c, err := codec.ForType(codec.XPRESS)
	if err != nil {
		t.Fatal(err)
	}
	req := Request{
		Blobs:      []PlanItem{newBlob},
		Table:      table,
		XML:        "<WIM/>",
		Codec:      c,
		ChunkSize:  64,
		Flags:      FlagNoCheckIntegrity,
		Compressor: SerialCompressor{},
	}

	final, err := WriteCompact(context.Background(), f, header, []*blobtable.Descriptor{survivorDesc}, req)
	if err != nil {
		t.Fatalf("WriteCompact: %v", err)
	}
	if survivorDesc.Resource.OffsetInWIM != container.HeaderSize {
		t.Fatalf("surviving resource should have moved to immediately after the header, got offset %d", survivorDesc.Resource.OffsetInWIM)
	}

	got, err := container.ReadHeader(f)
	if err != nil {
		t.Fatal(err)
	}
	if got != final {
		t.Fatalf("on-disk header mismatch: got %+v want %+v", got, final)
	}

	moved := make([]byte, len(survivor))
	if _, err := f.ReadAt(moved, int64(survivorDesc.Resource.OffsetInWIM)); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(moved, survivor) {
		t.Fatal("surviving resource bytes corrupted by compaction")
	}
}
