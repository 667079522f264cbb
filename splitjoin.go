package gowim

import (
	"context"
	"io"
	"os"

	"golang.org/x/xerrors"

	"github.com/distr1/gowim/internal/blobtable"
	"github.com/distr1/gowim/internal/codec"
	"github.com/distr1/gowim/internal/container"
	"github.com/distr1/gowim/internal/split"
)

var errNoSource = xerrors.New("gowim: container has no backing resource")

// PartResult describes one file Split wrote.
type PartResult struct {
	Number uint16
	Path   string
}

// Split partitions the container's resources across multiple files named
// baseName (part 1) and baseNameN<ext> (parts 2..P), each kept within
// partSize bytes where possible: the limit is soft, so a resource larger
// than partSize is written whole in a part of its own, and part 1 holds
// every metadata resource whatever their size. The container must not
// already be pipable: a spanned set and a
// pipable layout are mutually exclusive on-disk conventions.
func (c *Container) Split(baseName string, partSize uint64, flags WriteFlag) ([]PartResult, error) {
	if c.ra == nil {
		return nil, &Error{Op: "split", Code: ErrInvalidParam, Err: errNoSource}
	}
	norm, err := flags.Normalize()
	if err != nil {
		return nil, &Error{Op: "split", Code: ErrInvalidParam, Err: err}
	}
	xmlText, err := c.marshalXMLFor(c.images)
	if err != nil {
		return nil, wrapErr("split", ErrEncoding, err)
	}
	parts, err := split.Split(context.Background(), c.ra, c.header, c.table, xmlText, partSize, baseName, norm)
	if err != nil {
		return nil, wrapErr("split", ErrSplitInvalid, err)
	}
	out := make([]PartResult, len(parts))
	for i, p := range parts {
		out[i] = PartResult{Number: p.Number, Path: p.Path}
	}
	return out, nil
}

// Join reassembles a spanned set, opening each named part and merging
// their resources into a single newly-created container at outPath.
// Parts may be given in any order; the part whose header claims part
// number 1 supplies the image and XML metadata.
func Join(ctx context.Context, partPaths []string, outPath string, compression codec.Type, chunkSize int, flags WriteFlag) (container.Header, error) {
	var files []*os.File
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()

	norm, err := flags.Normalize()
	if err != nil {
		return container.Header{}, &Error{Op: "join", Code: ErrInvalidParam, Err: err}
	}

	var sources []split.JoinSource
	for _, p := range partPaths {
		f, err := os.Open(p)
		if err != nil {
			return container.Header{}, wrapErr("join", ErrOpen, err)
		}
		files = append(files, f)
		hdr, err := container.ReadHeader(f)
		if err != nil {
			return container.Header{}, wrapErr("join", ErrNotAWIM, err)
		}
		sources = append(sources, split.JoinSource{Header: hdr, R: f})
	}

	if chunkSize == 0 {
		chunkSize = defaultChunkSize
	}
	out, err := split.Join(ctx, sources, outPath, compression, chunkSize, norm)
	if err != nil {
		return container.Header{}, wrapErr("join", ErrSplitInvalid, err)
	}
	return out, nil
}

// ExportImage copies one of c's images into dst, staging its blobs (and a
// freshly serialized copy of its metadata tree) into dst's pending write
// set without touching any file on disk. dst durably gains the image only
// once its own Write or Overwrite runs.
func (c *Container) ExportImage(dst *Container, srcImage int, name, description string) error {
	rec := c.imageOrNil(srcImage)
	if rec == nil {
		return &Error{Op: "export_image", Code: ErrInvalidImage}
	}
	for _, existing := range dst.images {
		if existing.name != "" && name != "" && existing.name == name {
			return &Error{Op: "export_image", Code: ErrImageNameCollision}
		}
	}
	if c.ra == nil {
		return &Error{Op: "export_image", Code: ErrResourceOrder, Err: errNoSource}
	}

	resolve := func(d *blobtable.Descriptor) (io.ReaderAt, error) { return c.ra, nil }
	blobs, err := split.ExportImage(rec.tree, c.table, resolve, c.codec, c.chunkSize, dst.table)
	if err != nil {
		return wrapErr("export_image", ErrNotFound, err)
	}
	for _, b := range blobs {
		dst.pendingBlobs = append(dst.pendingBlobs, stagedBlob{desc: b.Descriptor, data: b.Data})
	}

	dst.images = append(dst.images, &imageRecord{
		name:        name,
		description: description,
		tree:        rec.tree,
		dirCount:    rec.dirCount,
		fileCount:   rec.fileCount,
		totalBytes:  rec.totalBytes,
	})
	return nil
}
