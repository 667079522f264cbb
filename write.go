package gowim

import (
	"context"
	"crypto/rand"
	"io"
	"os"

	"golang.org/x/xerrors"

	"github.com/distr1/gowim/internal/blobtable"
	"github.com/distr1/gowim/internal/codec"
	"github.com/distr1/gowim/internal/container"
	"github.com/distr1/gowim/internal/metadata"
	"github.com/distr1/gowim/internal/split"
	"github.com/distr1/gowim/internal/writer"
)

func (c *Container) marshalXMLFor(images []*imageRecord) (string, error) {
	doc := wimXML{}
	for i, rec := range images {
		doc.Images = append(doc.Images, imageXML{
			Index:       i + 1,
			Name:        rec.name,
			Description: rec.description,
			DirCount:    rec.dirCount,
			FileCount:   rec.fileCount,
			TotalBytes:  rec.totalBytes,
		})
	}
	return marshalWIMXML(doc)
}

// resolvePendingMetadata serializes every image that doesn't yet have a
// metadata-blob descriptor, staging its bytes the same way AddImage
// stages a regular stream.
func (c *Container) resolvePendingMetadata() error {
	for _, rec := range c.images {
		if rec.metaDesc != nil {
			continue
		}
		data, err := metadata.SerializeTree(rec.tree)
		if err != nil {
			return wrapErr("write", ErrInvalidMetadataResource, err)
		}
		resolution, desc := c.table.Resolve(&blobtable.PendingBlob{
			Quick:    blobtable.ComputeQuickSignature(data),
			Data:     data,
			RefCount: 1,
		})
		desc.Metadata = true
		rec.metaDesc = desc
		if resolution == blobtable.ResolveNew {
			c.pendingMetadata = append(c.pendingMetadata, stagedBlob{desc: desc, data: data})
		}
	}
	return nil
}

func (c *Container) compressorFor(numThreads int) writer.ChunkCompressor {
	if numThreads > 1 {
		return writer.ParallelCompressor{NumWorkers: numThreads}
	}
	return writer.SerialCompressor{}
}

func (c *Container) buildRequest(norm writer.Flag, numThreads int) (writer.Request, error) {
	if err := c.resolvePendingMetadata(); err != nil {
		return writer.Request{}, err
	}
	xmlText, err := c.marshalXMLFor(c.images)
	if err != nil {
		return writer.Request{}, wrapErr("write", ErrEncoding, err)
	}

	var blobs, metadataBlobs []writer.PlanItem
	for _, sb := range c.pendingBlobs {
		blobs = append(blobs, writer.PlanItem{Descriptor: sb.desc, Data: sb.data})
	}
	for _, sb := range c.pendingMetadata {
		metadataBlobs = append(metadataBlobs, writer.PlanItem{Descriptor: sb.desc, Data: sb.data})
	}

	return writer.Request{
		Blobs:         blobs,
		MetadataBlobs: metadataBlobs,
		Table:         c.table,
		XML:           xmlText,
		Solid:         norm&writer.FlagSolid != 0,
		Pipable:       norm&writer.FlagPipable != 0,
		Flags:         norm,
		Codec:         c.codec,
		ChunkSize:     c.chunkSize,
		Compressor:    c.compressorFor(numThreads),
	}, nil
}

// freshHeader derives the header a full rewrite of c should carry: same
// GUID unless the caller asked to drop it, same part numbering (always
// 1-of-1 once rewritten whole), boot index carried over only if it still
// names a valid image.
func (c *Container) freshHeader(norm writer.Flag, pipable bool) (container.Header, error) {
	h := c.header
	h.Flags &^= container.FlagSpanned
	h.PartNumber = 1
	h.TotalParts = 1
	h.ImageCount = uint32(len(c.images))
	h.CompressionType = c.codecType
	if c.codecType != codec.None {
		h.Flags |= container.FlagCompressed
	} else {
		h.Flags &^= container.FlagCompressed
	}
	if pipable {
		h.Magic = container.MagicPipable
	} else {
		h.Magic = container.MagicNormal
	}
	if norm&writer.FlagRetainGUID == 0 && h.GUID == (container.GUID{}) {
		if _, err := rand.Read(h.GUID[:]); err != nil {
			return container.Header{}, wrapErr("write", ErrNoMem, err)
		}
	}
	if int(h.BootIndex) > len(c.images) {
		h.BootIndex = 0
	}
	return h, nil
}

// Write writes the container (or, if image is not AllImages, just that
// one image) to a brand-new file at path. Selecting a single image
// requires the container to already have on-disk-valid blob resources
// for it (i.e. it was read from disk, or this container has already been
// through one full Write/Overwrite).
func (c *Container) Write(ctx context.Context, path string, image int, flags WriteFlag, numThreads int) error {
	norm, err := flags.Normalize()
	if err != nil {
		return &Error{Op: "write", Code: ErrInvalidParam, Err: err}
	}
	pipable := norm&writer.FlagPipable != 0

	if image == AllImages {
		req, err := c.buildRequest(norm, numThreads)
		if err != nil {
			return err
		}
		header, err := c.freshHeader(norm, pipable)
		if err != nil {
			return err
		}
		final, err := writer.WriteRebuild(ctx, path, header, req)
		if err != nil {
			return wrapErr("write", ErrWrite, err)
		}
		c.header = final
		c.clearPending()
		return nil
	}

	return c.writeSingleImage(ctx, path, image, norm, pipable)
}

func (c *Container) writeSingleImage(ctx context.Context, path string, image int, norm writer.Flag, pipable bool) error {
	rec := c.imageOrNil(image)
	if rec == nil {
		return &Error{Op: "write", Code: ErrInvalidImage}
	}
	if c.ra == nil {
		return &Error{Op: "write", Code: ErrResourceOrder, Err: xerrors.New("write: single-image write needs a container already materialized to disk")}
	}

	dstTable := blobtable.New()
	resolve := func(d *blobtable.Descriptor) (io.ReaderAt, error) { return c.ra, nil }
	blobs, err := split.ExportImage(rec.tree, c.table, resolve, c.codec, c.chunkSize, dstTable)
	if err != nil {
		return wrapErr("write", ErrNotFound, err)
	}

	treeBytes, err := metadata.SerializeTree(rec.tree)
	if err != nil {
		return wrapErr("write", ErrInvalidMetadataResource, err)
	}
	var metadataBlobs []writer.PlanItem
	resolution, desc := dstTable.Resolve(&blobtable.PendingBlob{
		Quick:    blobtable.ComputeQuickSignature(treeBytes),
		Data:     treeBytes,
		RefCount: 1,
	})
	if resolution == blobtable.ResolveNew {
		desc.Metadata = true
		metadataBlobs = append(metadataBlobs, writer.PlanItem{Descriptor: desc, Data: treeBytes})
	}

	xmlText, err := c.marshalXMLFor([]*imageRecord{rec})
	if err != nil {
		return wrapErr("write", ErrEncoding, err)
	}

	header, err := c.freshHeader(norm, pipable)
	if err != nil {
		return err
	}
	header.ImageCount = 1

	req := writer.Request{
		Blobs:         blobs,
		MetadataBlobs: metadataBlobs,
		Table:         dstTable,
		XML:           xmlText,
		Solid:         norm&writer.FlagSolid != 0,
		Pipable:       pipable,
		Flags:         norm,
		Codec:         c.codec,
		ChunkSize:     c.chunkSize,
		Compressor:    writer.SerialCompressor{},
	}
	if _, err := writer.WriteRebuild(ctx, path, header, req); err != nil {
		return wrapErr("write", ErrWrite, err)
	}
	return nil
}

// WriteToFd writes the full container to fd. If flags requests a pipable
// layout, fd may be an unseekable pipe; otherwise fd must support
// io.WriterAt so the final header can overwrite the placeholder written
// at the start.
func (c *Container) WriteToFd(ctx context.Context, fd *os.File, image int, flags WriteFlag, numThreads int) error {
	norm, err := flags.Normalize()
	if err != nil {
		return &Error{Op: "write", Code: ErrInvalidParam, Err: err}
	}
	pipable := norm&writer.FlagPipable != 0
	if !pipable {
		if _, err := fd.Seek(0, io.SeekCurrent); err != nil {
			return &Error{Op: "write", Code: ErrNotPipable, Err: err}
		}
	}

	var req writer.Request
	if image == AllImages {
		req, err = c.buildRequest(norm, numThreads)
	} else {
		return &Error{Op: "write", Code: ErrInvalidParam, Err: xerrors.New("write: single-image write_to_fd not supported, use write to a path instead")}
	}
	if err != nil {
		return err
	}
	header, err := c.freshHeader(norm, pipable)
	if err != nil {
		return err
	}
	final, err := writer.WriteFresh(ctx, fd, header, req)
	if err != nil {
		return wrapErr("write", ErrWrite, err)
	}
	c.header = final
	c.clearPending()
	return nil
}

// Overwrite rewrites the container back to the path it was opened from,
// choosing append/rebuild/compact the same way the append-vs-rebuild
// decision is documented to work: append when nothing was deleted and
// neither compression nor pipable-ness changed, rebuild otherwise, unless
// WriteUnsafeCompact is set.
func (c *Container) Overwrite(ctx context.Context, flags WriteFlag, numThreads int) error {
	if c.path == "" {
		return &Error{Op: "overwrite", Code: ErrInvalidParam, Err: xerrors.New("overwrite: container was not opened from a path")}
	}
	norm, err := flags.Normalize()
	if err != nil {
		return &Error{Op: "overwrite", Code: ErrInvalidParam, Err: err}
	}
	if c.lock == nil {
		return &Error{Op: "overwrite", Code: ErrWIMIsReadonly, Err: xerrors.New("overwrite: container was not opened with write access")}
	}

	pipableNow := norm&writer.FlagPipable != 0
	wasPipable := c.header.Pipable()
	strategy := writer.DecideStrategy(writer.DecisionInput{
		Flags:              norm,
		HasDeletions:       c.hasSoftDeletes(),
		CompressionChanged: norm&writer.FlagRecompress != 0,
		PipableConversion:  pipableNow != wasPipable,
	})

	req, err := c.buildRequest(norm, numThreads)
	if err != nil {
		return err
	}
	header, err := c.freshHeader(norm, pipableNow)
	if err != nil {
		return err
	}

	f := c.writeFile

	var final container.Header
	switch strategy {
	case writer.StrategyAppend:
		req.ReaderAt = func() (io.ReaderAt, error) { return f, nil }
		appendAt := c.header.BlobTable.OffsetInWIM + c.header.BlobTable.SizeInWIM
		if xmlEnd := c.header.XML.OffsetInWIM + c.header.XML.SizeInWIM; xmlEnd > appendAt {
			appendAt = xmlEnd
		}
		final, err = writer.WriteAppend(ctx, f, header, appendAt, req)
	case writer.StrategyCompact:
		preserve := c.livePreservedDescriptors()
		final, err = writer.WriteCompact(ctx, f, header, preserve, req)
	default:
		final, err = writer.WriteRebuild(ctx, c.path, header, req)
	}
	if err != nil {
		return wrapErr("overwrite", ErrWrite, err)
	}
	c.header = final
	c.clearPending()
	return nil
}

func (c *Container) hasSoftDeletes() bool {
	return len(c.images) < int(c.header.ImageCount)
}

func (c *Container) livePreservedDescriptors() []*blobtable.Descriptor {
	var out []*blobtable.Descriptor
	for _, d := range c.table.All() {
		if d.Resource.UncompressedSize > 0 || d.Resource.SizeInWIM > 0 {
			out = append(out, d)
		}
	}
	return out
}

func (c *Container) clearPending() {
	c.pendingBlobs = nil
	c.pendingMetadata = nil
}

