// Package split implements the split/join/export component (C9): dividing
// a container's resources across a soft-limited set of spanned part files,
// rejoining a spanned set back into one file, and the cross-container image
// export the join operation (and, later, the root package's own
// export_image) both build on.
//
// No file in the retrieved pack moves a WIM-style resource between files;
// this package generalizes internal/writer/strategies.go's resource-group
// idiom to multiple destination files, reusing internal/resource's already-
// exported RawCopy for the one place a true byte-for-byte copy applies
// (splitting, which never touches compressed content) and internal/writer's
// Request/WriteRebuild for assembling a fresh container (joining and
// exporting, which always decompress blobs to their canonical form and let
// the destination orchestrator recompress them — see DESIGN.md for why the
// format-matches raw-copy fast path is scoped out of export).
package split

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/xerrors"

	"github.com/distr1/gowim/internal/blobtable"
	"github.com/distr1/gowim/internal/codec"
	"github.com/distr1/gowim/internal/container"
	"github.com/distr1/gowim/internal/metadata"
	"github.com/distr1/gowim/internal/resource"
	"github.com/distr1/gowim/internal/writer"
)

// resourceGroup is every blob-table descriptor that shares one physical
// resource: a solid resource is referenced by many descriptors, and they
// must move (or stay) together.
type resourceGroup struct {
	header   resource.Header // the descriptors' Resource value before split touches it
	members  []*blobtable.Descriptor
	metadata bool
}

func groupByResource(descs []*blobtable.Descriptor) []*resourceGroup {
	byOffset := make(map[uint64]*resourceGroup)
	var order []uint64
	for _, d := range descs {
		g, ok := byOffset[d.Resource.OffsetInWIM]
		if !ok {
			g = &resourceGroup{header: d.Resource}
			byOffset[d.Resource.OffsetInWIM] = g
			order = append(order, d.Resource.OffsetInWIM)
		}
		g.members = append(g.members, d)
		if d.Metadata {
			g.metadata = true
		}
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	groups := make([]*resourceGroup, len(order))
	for i, off := range order {
		groups[i] = byOffset[off]
	}
	return groups
}

// partPlan is one output file's resource assignment, decided before any
// bytes move.
type partPlan struct {
	number uint16
	groups []*resourceGroup
}

// planParts bins resourceGroups into parts, each at most partSize bytes of
// resource data. The limit is soft: a single blob larger than partSize is
// still written whole, alone in its own part. Every metadata group is
// forced into part 1 regardless of size.
func planParts(groups []*resourceGroup, partSize uint64) []*partPlan {
	var metadataGroups, dataGroups []*resourceGroup
	for _, g := range groups {
		if g.metadata {
			metadataGroups = append(metadataGroups, g)
		} else {
			dataGroups = append(dataGroups, g)
		}
	}

	first := &partPlan{number: 1, groups: append([]*resourceGroup{}, metadataGroups...)}
	parts := []*partPlan{first}
	running := uint64(container.HeaderSize)
	for _, g := range metadataGroups {
		running += g.header.SizeInWIM
	}

	for _, g := range dataGroups {
		cur := parts[len(parts)-1]
		if len(cur.groups) > 0 && running+g.header.SizeInWIM > partSize {
			parts = append(parts, &partPlan{number: uint16(len(parts) + 1)})
			cur = parts[len(parts)-1]
			running = uint64(container.HeaderSize)
		}
		cur.groups = append(cur.groups, g)
		running += g.header.SizeInWIM
	}
	return parts
}

// assignOffsets lays each part's groups out back-to-back starting right
// after the header, and stamps every member descriptor with its part's
// number and its resource's new offset within that part.
func assignOffsets(plan []*partPlan) {
	for _, p := range plan {
		cursor := uint64(container.HeaderSize)
		for _, g := range p.groups {
			for _, d := range g.members {
				d.Resource.OffsetInWIM = cursor
				d.PartNumber = p.number
			}
			cursor += g.header.SizeInWIM
		}
	}
}

func codecOrNil(t codec.Type) (codec.Codec, error) {
	if t == codec.None {
		return nil, nil
	}
	return codec.ForType(t)
}

// PartResult is one file Split wrote.
type PartResult struct {
	Number uint16
	Path   string
	Header container.Header
}

// Split partitions src's resources across len(plan) files named baseName
// (part 1) and baseNameN<ext> (parts 2..P), every part sharing header's
// GUID and carrying the FlagSpanned bit, the full blob table, and the full
// XML: each part on its own describes the whole set even though most of
// its resource bytes physically live elsewhere.
func Split(ctx context.Context, src io.ReaderAt, header container.Header, table *blobtable.Table, xmlText string, partSize uint64, baseName string, flags writer.Flag) ([]PartResult, error) {
	if header.Pipable() {
		return nil, xerrors.New("split: pipable containers cannot be split")
	}
	if !container.ValidateUTF8(xmlText) {
		return nil, xerrors.New("split: XML metadata is not valid UTF-8")
	}

	descs := table.All()
	groups := groupByResource(descs)
	plan := planParts(groups, partSize)
	assignOffsets(plan)
	total := uint16(len(plan))

	c, err := codecOrNil(header.CompressionType)
	if err != nil {
		return nil, err
	}

	sortedDescs := append([]*blobtable.Descriptor{}, descs...)
	if flags&writer.FlagNoSolidSort == 0 {
		blobtable.SortForWrite(sortedDescs)
	}
	tableBytes := blobtable.Serialize(sortedDescs)
	xmlBytes := container.EncodeXML(xmlText)

	var results []PartResult
	for _, p := range plan {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := writeOnePart(src, header, p, total, tableBytes, xmlBytes, c, flags, baseName)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

func writeOnePart(src io.ReaderAt, header container.Header, p *partPlan, total uint16, tableBytes, xmlBytes []byte, c codec.Codec, flags writer.Flag, baseName string) (PartResult, error) {
	path := partPath(baseName, p.number)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return PartResult{}, xerrors.Errorf("split: creating part %d: %w", p.number, err)
	}
	defer f.Close()

	partHeader := header
	partHeader.PartNumber = p.number
	partHeader.TotalParts = total
	partHeader.Flags |= container.FlagSpanned

	placeholder := partHeader
	placeholder.Flags |= container.FlagWriteInProgress
	if err := container.WriteHeaderAt(f, placeholder); err != nil {
		return PartResult{}, xerrors.Errorf("split: writing placeholder header for part %d: %w", p.number, err)
	}

	if _, err := f.Seek(int64(container.HeaderSize), io.SeekStart); err != nil {
		return PartResult{}, xerrors.Errorf("split: seeking part %d: %w", p.number, err)
	}
	cursor := uint64(container.HeaderSize)
	for _, g := range p.groups {
		if _, err := resource.RawCopy(f, src, g.header); err != nil {
			return PartResult{}, xerrors.Errorf("split: copying a resource into part %d: %w", p.number, err)
		}
		cursor += g.header.SizeInWIM
	}

	blobTableHdr, err := resource.WriteNonSolid(f, cursor, tableBytes, c, int(header.ChunkSize), false)
	if err != nil {
		return PartResult{}, xerrors.Errorf("split: writing blob table into part %d: %w", p.number, err)
	}
	cursor += blobTableHdr.SizeInWIM

	xmlHdr, err := resource.WriteNonSolid(f, cursor, xmlBytes, c, int(header.ChunkSize), false)
	if err != nil {
		return PartResult{}, xerrors.Errorf("split: writing XML into part %d: %w", p.number, err)
	}
	cursor += xmlHdr.SizeInWIM

	var integrityHdr resource.Header
	if flags&writer.FlagCheckIntegrity != 0 {
		table, err := container.ComputeIntegrityTable(f, int64(container.HeaderSize), int64(blobTableHdr.OffsetInWIM+blobTableHdr.SizeInWIM), 10<<20)
		if err != nil {
			return PartResult{}, xerrors.Errorf("split: computing integrity for part %d: %w", p.number, err)
		}
		integrityHdr, err = resource.WriteNonSolid(f, cursor, table.Marshal(), nil, 0, false)
		if err != nil {
			return PartResult{}, xerrors.Errorf("split: writing integrity table for part %d: %w", p.number, err)
		}
		cursor += integrityHdr.SizeInWIM
	}

	final := partHeader
	final.BlobTable = blobTableHdr
	final.XML = xmlHdr
	final.Integrity = integrityHdr
	final.Flags &^= container.FlagWriteInProgress
	if err := container.WriteHeaderAt(f, final); err != nil {
		return PartResult{}, xerrors.Errorf("split: finalizing header for part %d: %w", p.number, err)
	}

	return PartResult{Number: p.number, Path: path, Header: final}, nil
}

// partPath names part n the way typical WIM tooling does: the base name
// unchanged for part 1, and the stem plus the part number before the
// extension for every other part ("x.wim" -> "x2.wim", "x3.wim", ...).
func partPath(baseName string, n uint16) string {
	if n == 1 {
		return baseName
	}
	ext := filepath.Ext(baseName)
	stem := strings.TrimSuffix(baseName, ext)
	return fmt.Sprintf("%s%d%s", stem, n, ext)
}

// JoinSource is one part file Join reads from.
type JoinSource struct {
	Header container.Header
	R      io.ReaderAt
}

// ResolveFunc returns the reader holding d's resource bytes, for a
// descriptor whose Part() may name any part of a spanned set.
type ResolveFunc func(d *blobtable.Descriptor) (io.ReaderAt, error)

func validateParts(parts []JoinSource) (primary *JoinSource, total uint16, err error) {
	if len(parts) == 0 {
		return nil, 0, xerrors.New("split: join needs at least one part")
	}
	guid := parts[0].Header.GUID
	total = parts[0].Header.TotalParts
	seen := make(map[uint16]*JoinSource, len(parts))
	for i := range parts {
		p := &parts[i]
		if p.Header.GUID != guid {
			return nil, 0, xerrors.New("split: join: parts do not share a GUID")
		}
		if p.Header.TotalParts != total {
			return nil, 0, xerrors.New("split: join: parts disagree on total_parts")
		}
		n := p.Header.PartNumber
		if n == 0 {
			n = 1
		}
		if seen[n] != nil {
			return nil, 0, xerrors.Errorf("split: join: duplicate part number %d", n)
		}
		seen[n] = p
		if n == 1 {
			primary = p
		}
	}
	if len(parts) != int(total) {
		return nil, 0, xerrors.Errorf("split: join: got %d parts, header claims %d total", len(parts), total)
	}
	for n := uint16(1); n <= total; n++ {
		if seen[n] == nil {
			return nil, 0, xerrors.Errorf("split: join: missing part %d", n)
		}
	}
	if primary == nil {
		return nil, 0, xerrors.New("split: join: no part numbered 1 present")
	}
	return primary, total, nil
}

func collectHashes(d *metadata.Dentry, acc map[blobtable.Hash]bool) {
	if d.Hash != ([20]byte{}) {
		acc[blobtable.Hash(d.Hash)] = true
	}
	for _, s := range d.Streams {
		if !s.Empty() {
			acc[blobtable.Hash(s.Hash)] = true
		}
	}
	if d.ReparseStream != nil && !d.ReparseStream.Empty() {
		acc[blobtable.Hash(d.ReparseStream.Hash)] = true
	}
	for _, c := range d.Children {
		collectHashes(c, acc)
	}
}

func readBlob(d *blobtable.Descriptor, resolve ResolveFunc, c codec.Codec, chunkSize int) ([]byte, error) {
	r, err := resolve(d)
	if err != nil {
		return nil, err
	}
	h, err := resource.Open(r, d.Resource, c, chunkSize, false)
	if err != nil {
		return nil, err
	}
	out := make([]byte, d.Size)
	if _, err := h.ReadRange(int64(d.OffsetInRes), int64(d.Size), out); err != nil {
		return nil, err
	}
	return out, nil
}

func readTree(md *blobtable.Descriptor, resolve ResolveFunc, c codec.Codec, chunkSize int) (*metadata.Tree, error) {
	data, err := readBlob(md, resolve, c, chunkSize)
	if err != nil {
		return nil, err
	}
	return metadata.ParseTree(data)
}

// ExportImage copies every blob a single parsed image tree references from
// a source blob table into dst, deduplicating by hash exactly like any
// other write: a blob dst already knows about (from an earlier export, or
// because it is identical to one already staged in this same export) is
// left alone, so re-exporting the same image a second time leaves dst's
// blob set unchanged. It returns the blobs dst still needs to have written.
func ExportImage(tree *metadata.Tree, srcTable *blobtable.Table, resolve ResolveFunc, srcCodec codec.Codec, srcChunkSize int, dst *blobtable.Table) ([]writer.PlanItem, error) {
	hashes := make(map[blobtable.Hash]bool)
	collectHashes(tree.Root, hashes)

	dst.BeginWriteSet()
	defer dst.EndWriteSet()

	var items []writer.PlanItem
	for h := range hashes {
		srcDesc, ok := srcTable.Lookup(h)
		if !ok {
			return nil, xerrors.Errorf("split: export: referenced blob %x not found in source blob table", h)
		}
		data, err := readBlob(srcDesc, resolve, srcCodec, srcChunkSize)
		if err != nil {
			return nil, xerrors.Errorf("split: export: reading blob %x: %w", h, err)
		}
		resolution, desc := dst.Resolve(&blobtable.PendingBlob{
			Quick:    blobtable.ComputeQuickSignature(data),
			Data:     data,
			RefCount: 1,
		})
		if resolution == blobtable.ResolveNew {
			items = append(items, writer.PlanItem{Descriptor: desc, Data: data})
		}
	}
	return items, nil
}

// OrderedMetadataDescriptors returns the descriptors flagged Metadata and
// living in part 1 (every spanned set's metadata lives there), in
// ascending on-disk order. This is the same convention
// internal/writer's WriteStreams relies on when it writes metadata blobs
// before regular ones: the Kth metadata entry in ascending offset order is
// image K's directory tree.
func OrderedMetadataDescriptors(descs []*blobtable.Descriptor) []*blobtable.Descriptor {
	var out []*blobtable.Descriptor
	for _, d := range descs {
		if d.Metadata && d.Part() == 1 {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Resource.OffsetInWIM != b.Resource.OffsetInWIM {
			return a.Resource.OffsetInWIM < b.Resource.OffsetInWIM
		}
		return a.OffsetInRes < b.OffsetInRes
	})
	return out
}

// ExportAllImages re-exports every image of a source container (identified
// by its full descriptor set, in image order per OrderedMetadataDescriptors)
// into dst, returning the metadata blobs and the regular blobs dst still
// needs written.
func ExportAllImages(srcDescs []*blobtable.Descriptor, resolve ResolveFunc, srcCodec codec.Codec, srcChunkSize int, dst *blobtable.Table) (metadataBlobs, dataBlobs []writer.PlanItem, err error) {
	srcTable := blobtable.New()
	for _, d := range srcDescs {
		srcTable.Insert(d)
	}

	for _, md := range OrderedMetadataDescriptors(srcDescs) {
		tree, err := readTree(md, resolve, srcCodec, srcChunkSize)
		if err != nil {
			return nil, nil, xerrors.Errorf("split: reading image metadata: %w", err)
		}

		blobs, err := ExportImage(tree, srcTable, resolve, srcCodec, srcChunkSize, dst)
		if err != nil {
			return nil, nil, err
		}
		dataBlobs = append(dataBlobs, blobs...)

		treeBytes, err := metadata.SerializeTree(tree)
		if err != nil {
			return nil, nil, xerrors.Errorf("split: re-serializing image metadata: %w", err)
		}
		resolution, desc := dst.Resolve(&blobtable.PendingBlob{
			Quick:    blobtable.ComputeQuickSignature(treeBytes),
			Data:     treeBytes,
			RefCount: 1,
		})
		if resolution == blobtable.ResolveNew {
			desc.Metadata = true
			metadataBlobs = append(metadataBlobs, writer.PlanItem{Descriptor: desc, Data: treeBytes})
		}
	}
	return metadataBlobs, dataBlobs, nil
}

func freshGUID() (container.GUID, error) {
	var g container.GUID
	if _, err := rand.Read(g[:]); err != nil {
		return container.GUID{}, xerrors.Errorf("split: generating a GUID: %w", err)
	}
	return g, nil
}

// Join validates that parts form one complete, consistent spanned set (same
// GUID, part numbers a permutation of 1..total_parts), then rebuilds every
// image of part 1 into a single fresh, non-spanned container at outPath,
// compressed with codecType/chunkSize by exporting each image in turn (the
// raw-copy-when-formats-match fast path is out of scope here; see
// DESIGN.md).
func Join(ctx context.Context, parts []JoinSource, outPath string, codecType codec.Type, chunkSize int, flags writer.Flag) (container.Header, error) {
	primary, _, err := validateParts(parts)
	if err != nil {
		return container.Header{}, err
	}

	resolveByPart := make(map[uint16]io.ReaderAt, len(parts))
	for _, p := range parts {
		n := p.Header.PartNumber
		if n == 0 {
			n = 1
		}
		resolveByPart[n] = p.R
	}
	resolve := func(d *blobtable.Descriptor) (io.ReaderAt, error) {
		r, ok := resolveByPart[d.Part()]
		if !ok {
			return nil, xerrors.Errorf("split: join: part %d not supplied", d.Part())
		}
		return r, nil
	}

	srcCodec, err := codecOrNil(primary.Header.CompressionType)
	if err != nil {
		return container.Header{}, err
	}

	tableHandle, err := resource.Open(primary.R, primary.Header.BlobTable, srcCodec, int(primary.Header.ChunkSize), false)
	if err != nil {
		return container.Header{}, xerrors.Errorf("split: join: opening blob table: %w", err)
	}
	rawTable := make([]byte, primary.Header.BlobTable.UncompressedSize)
	if _, err := tableHandle.ReadRange(0, int64(len(rawTable)), rawTable); err != nil {
		return container.Header{}, xerrors.Errorf("split: join: reading blob table: %w", err)
	}
	srcDescs, err := blobtable.Parse(rawTable)
	if err != nil {
		return container.Header{}, xerrors.Errorf("split: join: parsing blob table: %w", err)
	}

	xmlText, err := container.ReadXML(primary.R, primary.Header.XML, srcCodec, int(primary.Header.ChunkSize), false)
	if err != nil {
		return container.Header{}, xerrors.Errorf("split: join: reading XML: %w", err)
	}

	dstCodec, err := codecOrNil(codecType)
	if err != nil {
		return container.Header{}, err
	}
	dstTable := blobtable.New()

	metadataBlobs, dataBlobs, err := ExportAllImages(srcDescs, resolve, srcCodec, int(primary.Header.ChunkSize), dstTable)
	if err != nil {
		return container.Header{}, err
	}
	if err := ctx.Err(); err != nil {
		return container.Header{}, err
	}

	guid, err := freshGUID()
	if err != nil {
		return container.Header{}, err
	}

	var flagBits container.Flag
	if codecType != codec.None {
		flagBits |= container.FlagCompressed
	}
	header := container.Header{
		Magic:           container.MagicNormal,
		Version:         primary.Header.Version,
		Flags:           flagBits,
		CompressionType: codecType,
		ChunkSize:       uint32(chunkSize),
		GUID:            guid,
		PartNumber:      1,
		TotalParts:      1,
		ImageCount:      primary.Header.ImageCount,
	}

	req := writer.Request{
		Blobs:         dataBlobs,
		MetadataBlobs: metadataBlobs,
		Table:         dstTable,
		XML:           xmlText,
		Solid:         flags&writer.FlagSolid != 0,
		Pipable:       flags&writer.FlagPipable != 0,
		Flags:         flags,
		Codec:         dstCodec,
		ChunkSize:     chunkSize,
		Compressor:    writer.SerialCompressor{},
	}
	return writer.WriteRebuild(ctx, outPath, header, req)
}
