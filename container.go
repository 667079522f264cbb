package gowim

import (
	"crypto/rand"
	"io"
	"os"

	"golang.org/x/exp/mmap"

	"github.com/distr1/gowim/internal/blobtable"
	"github.com/distr1/gowim/internal/codec"
	"github.com/distr1/gowim/internal/container"
	"github.com/distr1/gowim/internal/metadata"
	"github.com/distr1/gowim/internal/resource"
	"github.com/distr1/gowim/internal/split"
	"github.com/distr1/gowim/internal/writer"
)

// imageRecord is one captured image: its directory tree plus the subset
// of its XML record this package round-trips.
type imageRecord struct {
	name        string
	description string
	tree        *metadata.Tree
	dirCount    int64
	fileCount   int64
	totalBytes  uint64

	// metaDesc is this image's own metadata-blob descriptor once it has
	// one: set immediately for an image read back from disk, set by
	// Write the first time a freshly AddImage'd image is written out.
	metaDesc *blobtable.Descriptor
}

// stagedBlob is content resolved into the blob table but not yet written
// to any resource.
type stagedBlob struct {
	desc *blobtable.Descriptor
	data []byte
}

// Container is a handle on one WIM archive, opened from disk or freshly
// created in memory. It is not safe for concurrent use by multiple
// goroutines without external synchronization, mirroring every other
// stateful handle in this package's internal engine.
type Container struct {
	path   string
	ra     io.ReaderAt
	closer io.Closer // non-nil when ra owns an fd/mapping this handle must release

	header container.Header
	table  *blobtable.Table
	images []*imageRecord

	// pendingBlobs holds content AddImage/ExportImage staged but that
	// has not yet landed in a resource on disk: its descriptor's
	// Resource field is still zero. Write/Overwrite consumes and
	// clears this on success.
	pendingBlobs []stagedBlob
	// pendingMetadata mirrors pendingBlobs for each image's serialized
	// directory tree.
	pendingMetadata []stagedBlob

	codecType codec.Type
	codec     codec.Codec
	chunkSize int

	lock      *writer.Lock // held iff opened with OpenWriteAccess
	writeFile *os.File     // the read-write fd Overwrite's append/compact strategies write through; non-nil iff lock is
}

// defaultChunkSize is what Create picks when the caller doesn't need to
// think about it: 32 KiB, the size every WIM compression format was
// designed around.
const defaultChunkSize = 32 << 10

// Open reads an existing container from path. The returned Container
// reads through an mmap.ReaderAt where possible, falling back to the
// plain *os.File when mmap setup fails (e.g. a zero-length or
// non-regular file) — mmap avoids the read-through-a-syscall-per-access
// cost a naive implementation would otherwise pay on every resource
// touched during a scan or export.
func Open(path string, flags OpenFlag) (*Container, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, wrapErr("open", ErrOpen, err)
	}

	var ra io.ReaderAt
	var closer io.Closer
	if m, err := mmap.Open(path); err == nil {
		ra, closer = m, m
		f.Close()
	} else {
		ra, closer = f, f
	}

	c, err := openFrom(ra, flags)
	if err != nil {
		closer.Close()
		return nil, err
	}
	c.path = path
	c.closer = closer

	if flags&OpenWriteAccess != 0 {
		of, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			closer.Close()
			return nil, wrapErr("open", ErrOpen, err)
		}
		lock, err := writer.AcquireLock(of)
		if err != nil {
			of.Close()
			closer.Close()
			return nil, wrapErr("open", ErrAlreadyLocked, err)
		}
		c.lock = lock
		c.writeFile = of
	}
	return c, nil
}

func openFrom(ra io.ReaderAt, flags OpenFlag) (*Container, error) {
	hdr, err := container.ReadHeader(ra)
	if err != nil {
		return nil, wrapErr("open", ErrNotAWIM, err)
	}
	if hdr.TotalParts > 1 && flags&OpenSplitOK == 0 {
		return nil, &Error{Op: "open", Code: ErrSplitInvalid}
	}

	c, err := codecOrNil(hdr.CompressionType)
	if err != nil {
		return nil, wrapErr("open", ErrInvalidCompressionType, err)
	}

	if flags&OpenCheckIntegrity != 0 && hdr.Integrity.UncompressedSize > 0 {
		it, err := readIntegrityTable(ra, hdr)
		if err != nil {
			return nil, wrapErr("open", ErrInvalidIntegrityTable, err)
		}
		ok, _, err := it.Verify(ra, int64(container.HeaderSize), int64(hdr.BlobTable.OffsetInWIM+hdr.BlobTable.SizeInWIM))
		if err != nil {
			return nil, wrapErr("open", ErrInvalidIntegrityTable, err)
		}
		if !ok {
			return nil, &Error{Op: "open", Code: ErrInvalidIntegrityTable}
		}
	}

	xmlText, err := container.ReadXML(ra, hdr.XML, c, int(hdr.ChunkSize), hdr.Pipable())
	if err != nil {
		return nil, wrapErr("open", ErrInvalidMetadataResource, err)
	}
	doc, err := parseWIMXML(xmlText)
	if err != nil {
		return nil, wrapErr("open", ErrInvalidMetadataResource, err)
	}

	tableHandle, err := resource.Open(ra, hdr.BlobTable, c, int(hdr.ChunkSize), hdr.Pipable())
	if err != nil {
		return nil, wrapErr("open", ErrInvalidLookupTableEntry, err)
	}
	raw := make([]byte, hdr.BlobTable.UncompressedSize)
	if _, err := tableHandle.ReadRange(0, int64(len(raw)), raw); err != nil {
		return nil, wrapErr("open", ErrInvalidLookupTableEntry, err)
	}
	descs, err := blobtable.Parse(raw)
	if err != nil {
		return nil, wrapErr("open", ErrInvalidLookupTableEntry, err)
	}
	table := blobtable.New()
	for _, d := range descs {
		table.Insert(d)
	}

	var images []*imageRecord
	for i, md := range split.OrderedMetadataDescriptors(descs) {
		h, err := resource.Open(ra, md.Resource, c, int(hdr.ChunkSize), hdr.Pipable())
		if err != nil {
			return nil, wrapErr("open", ErrInvalidMetadataResource, err)
		}
		data := make([]byte, md.Size)
		if _, err := h.ReadRange(int64(md.OffsetInRes), int64(md.Size), data); err != nil {
			return nil, wrapErr("open", ErrInvalidMetadataResource, err)
		}
		tree, err := metadata.ParseTree(data)
		if err != nil {
			return nil, wrapErr("open", ErrInvalidMetadataResource, err)
		}
		rec := &imageRecord{tree: tree, metaDesc: md}
		if i < len(doc.Images) {
			x := doc.Images[i]
			rec.name = x.Name
			rec.description = x.Description
			rec.dirCount = x.DirCount
			rec.fileCount = x.FileCount
			rec.totalBytes = x.TotalBytes
		}
		images = append(images, rec)
	}

	return &Container{
		ra:        ra,
		header:    hdr,
		table:     table,
		images:    images,
		codecType: hdr.CompressionType,
		codec:     c,
		chunkSize: int(hdr.ChunkSize),
	}, nil
}

// Create starts a new, empty container compressed with compression.
// chunkSize of 0 picks the conventional 32 KiB default.
func Create(compression codec.Type, chunkSize int) (*Container, error) {
	if chunkSize == 0 {
		chunkSize = defaultChunkSize
	}
	c, err := codecOrNil(compression)
	if err != nil {
		return nil, wrapErr("create", ErrInvalidCompressionType, err)
	}
	var guid container.GUID
	if _, err := rand.Read(guid[:]); err != nil {
		return nil, wrapErr("create", ErrNoMem, err)
	}
	var flagBits container.Flag
	if compression != codec.None {
		flagBits |= container.FlagCompressed
	}
	return &Container{
		table: blobtable.New(),
		header: container.Header{
			Magic:           container.MagicNormal,
			Version:         container.VersionSolidCapable,
			Flags:           flagBits,
			CompressionType: compression,
			ChunkSize:       uint32(chunkSize),
			GUID:            guid,
			PartNumber:      1,
			TotalParts:      1,
		},
		codecType: compression,
		codec:     c,
		chunkSize: chunkSize,
	}, nil
}

// Close releases any fd or mapping Open acquired and drops the write
// lock, if held. It is a no-op on a Container Create produced that was
// never written to an existing path.
func (c *Container) Close() error {
	var err error
	if c.lock != nil {
		err = c.lock.Release()
		c.lock = nil
	}
	if c.writeFile != nil {
		if cerr := c.writeFile.Close(); err == nil {
			err = cerr
		}
		c.writeFile = nil
	}
	if c.closer != nil {
		if cerr := c.closer.Close(); err == nil {
			err = cerr
		}
		c.closer = nil
	}
	if err != nil {
		return wrapErr("close", ErrWrite, err)
	}
	return nil
}

// ImageCount reports how many images the container currently holds.
func (c *Container) ImageCount() int { return len(c.images) }

// BootIndex reports the 1-based index of the bootable image, or 0 if
// none is marked.
func (c *Container) BootIndex() int { return int(c.header.BootIndex) }

// GUID reports the container's identity, shared across every part of a
// spanned set.
func (c *Container) GUID() [16]byte { return c.header.GUID }

// ImageName reports image's name (1-based), or "" if image is out of
// range.
func (c *Container) ImageName(image int) string {
	if rec := c.imageOrNil(image); rec != nil {
		return rec.name
	}
	return ""
}

func (c *Container) imageOrNil(image int) *imageRecord {
	if image < 1 || image > len(c.images) {
		return nil
	}
	return c.images[image-1]
}

func codecOrNil(t codec.Type) (codec.Codec, error) {
	if t == codec.None {
		return nil, nil
	}
	return codec.ForType(t)
}

// resourceOpenFor opens one of c's resources for reading, using c's own
// codec/chunk-size/pipable configuration.
func resourceOpenFor(c *Container, hdr resource.Header) (*resource.Handle, error) {
	if c.ra == nil {
		return nil, &Error{Op: "read_blob", Code: ErrNotFound}
	}
	h, err := resource.Open(c.ra, hdr, c.codec, c.chunkSize, c.header.Pipable())
	if err != nil {
		return nil, wrapErr("read_blob", ErrDecompression, err)
	}
	return h, nil
}

func readIntegrityTable(ra io.ReaderAt, hdr container.Header) (container.IntegrityTable, error) {
	h, err := resource.Open(ra, hdr.Integrity, nil, int(hdr.ChunkSize), hdr.Pipable())
	if err != nil {
		return container.IntegrityTable{}, err
	}
	raw := make([]byte, hdr.Integrity.UncompressedSize)
	if _, err := h.ReadRange(0, int64(len(raw)), raw); err != nil {
		return container.IntegrityTable{}, err
	}
	return container.UnmarshalIntegrityTable(raw)
}
