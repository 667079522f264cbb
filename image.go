package gowim

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/distr1/gowim/internal/blobtable"
	"github.com/distr1/gowim/internal/metadata"
)

// AddImage scans a tree through scanner and stages it as a new image,
// named name. The image is not durably written until Write or Overwrite
// is called; AddImage only resolves and stages its blobs into the
// container's in-memory blob table so that later images in the same
// session dedup against this one.
func (c *Container) AddImage(ctx context.Context, scanner Scanner, name string, flags AddImageFlag) (int, error) {
	for _, rec := range c.images {
		if rec.name != "" && strings.EqualFold(rec.name, name) {
			return 0, &Error{Op: "add_image", Code: ErrImageNameCollision}
		}
	}

	root, err := scanner.Scan(ctx)
	if err != nil {
		return 0, wrapErr("add_image", ErrRead, err)
	}

	w := &treeScan{ctx: ctx, container: c, flags: flags, secIndex: make(map[string]uint32)}
	dentry, err := w.scanEntry(root)
	if err != nil {
		return 0, err
	}
	dentry.Name = ""

	tree := &metadata.Tree{Root: dentry, SecurityDescriptors: w.secList}
	if err := tree.Validate(); err != nil {
		return 0, wrapErr("add_image", ErrInvalidMetadataResource, err)
	}

	c.images = append(c.images, &imageRecord{
		name:       name,
		tree:       tree,
		dirCount:   w.dirCount,
		fileCount:  w.fileCount,
		totalBytes: w.totalBytes,
	})
	return len(c.images), nil
}

// treeScan accumulates the state one AddImage call needs while walking a
// Scanner's tree: the running security-descriptor dedup table and the
// directory/file counts the XML record reports.
type treeScan struct {
	ctx       context.Context
	container *Container
	flags     AddImageFlag

	secIndex   map[string]uint32
	secList    [][]byte
	dirCount   int64
	fileCount  int64
	totalBytes uint64
}

func (w *treeScan) securityID(sd []byte) uint32 {
	if len(sd) == 0 || w.flags&AddImageNoACLs != 0 {
		return metadata.NoSecurityID
	}
	key := string(sd)
	if id, ok := w.secIndex[key]; ok {
		return id
	}
	id := uint32(len(w.secList))
	w.secIndex[key] = id
	w.secList = append(w.secList, sd)
	return id
}

func (w *treeScan) scanEntry(e Entry) (*metadata.Dentry, error) {
	if err := w.ctx.Err(); err != nil {
		return nil, wrapErr("add_image", ErrRead, err)
	}
	d := &metadata.Dentry{
		Name:           e.Name,
		Attributes:     metadata.Attributes(e.Attributes),
		SecurityID:     w.securityID(e.SecurityDescriptor),
		CreationTime:   metadata.FromTime(e.CreateTime),
		LastAccessTime: metadata.FromTime(e.AccessTime),
		LastWriteTime:  metadata.FromTime(e.ModTime),
	}

	for _, s := range e.Streams {
		hash, err := w.stageStream(s)
		if err != nil {
			return nil, err
		}
		if s.Name == "" {
			d.Hash = hash
		} else {
			d.Streams = append(d.Streams, metadata.Stream{Name: s.Name, Hash: hash})
		}
	}

	if e.Children == nil {
		w.fileCount++
		return d, nil
	}

	d.Attributes |= metadata.AttrDirectory
	w.dirCount++
	children, err := e.Children()
	if err != nil {
		return nil, wrapErr("add_image", ErrRead, err)
	}
	for _, child := range children {
		cd, err := w.scanEntry(child)
		if err != nil {
			return nil, err
		}
		d.Children = append(d.Children, cd)
	}
	return d, nil
}

// stageStream resolves one stream's blob, reading and hashing its bytes
// if necessary, and returns the hash to record on the dentry/stream
// entry. A zero-size stream is the WIM convention's all-zero sentinel and
// never allocates a blob.
func (w *treeScan) stageStream(s StreamSource) ([20]byte, error) {
	if s.Size == 0 {
		return [20]byte{}, nil
	}

	rc, err := s.Open()
	if err != nil {
		return [20]byte{}, wrapErr("add_image", ErrRead, err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return [20]byte{}, wrapErr("add_image", ErrRead, err)
	}

	resolution, desc := w.container.table.Resolve(&blobtable.PendingBlob{
		Quick:    blobtable.ComputeQuickSignature(data),
		Data:     data,
		RefCount: 1,
	})
	if resolution == blobtable.ResolveNew {
		w.container.pendingBlobs = append(w.container.pendingBlobs, stagedBlob{desc: desc, data: data})
	}
	w.totalBytes += uint64(len(data))
	return desc.Hash, nil
}

// DeleteImage removes image (1-based) from the container, releasing its
// blobs' references. The underlying data is not reclaimed until the next
// Write/Overwrite decides a strategy that drops unreferenced blobs.
func (c *Container) DeleteImage(image int) error {
	rec := c.imageOrNil(image)
	if rec == nil {
		return &Error{Op: "delete_image", Code: ErrInvalidImage}
	}
	hashes := make(map[blobtable.Hash]bool)
	collectTreeHashes(rec.tree.Root, hashes)
	for h := range hashes {
		c.table.Release(h, 1)
	}
	if rec.metaDesc != nil {
		c.table.Release(rec.metaDesc.Hash, 1)
	}
	c.images = append(c.images[:image-1], c.images[image:]...)
	return nil
}

func collectTreeHashes(d *metadata.Dentry, acc map[blobtable.Hash]bool) {
	if d.Hash != ([20]byte{}) {
		acc[blobtable.Hash(d.Hash)] = true
	}
	for _, s := range d.Streams {
		if !s.Empty() {
			acc[blobtable.Hash(s.Hash)] = true
		}
	}
	for _, c := range d.Children {
		collectTreeHashes(c, acc)
	}
}

// IterateDirTree walks image's tree starting at path ("/" for the root),
// invoking cb for each entry found. Without IterateRecursive, only path's
// immediate children are visited.
func (c *Container) IterateDirTree(image int, path string, flags IterateFlag, cb func(Entry) error) error {
	rec := c.imageOrNil(image)
	if rec == nil {
		return &Error{Op: "iterate_dir_tree", Code: ErrInvalidImage}
	}
	d, err := navigateTo(rec.tree.Root, path)
	if err != nil {
		return &Error{Op: "iterate_dir_tree", Code: ErrNotFound, Err: err}
	}
	return c.walkChildren(d, flags, cb)
}

func (c *Container) walkChildren(d *metadata.Dentry, flags IterateFlag, cb func(Entry) error) error {
	for _, child := range d.Children {
		if flags&IterateDirsOnly == 0 || child.IsDir() {
			if err := cb(c.entryFor(child)); err != nil {
				return err
			}
		}
		if flags&IterateRecursive != 0 && child.IsDir() {
			if err := c.walkChildren(child, flags, cb); err != nil {
				return err
			}
		}
	}
	return nil
}

func navigateTo(root *metadata.Dentry, path string) (*metadata.Dentry, error) {
	cur := root
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}
		found := false
		for _, child := range cur.Children {
			if strings.EqualFold(child.Name, part) {
				cur = child
				found = true
				break
			}
		}
		if !found {
			return nil, &Error{Op: "iterate_dir_tree", Code: ErrNotFound}
		}
	}
	return cur, nil
}

// entryFor reconstructs the public Entry view of a parsed dentry, wiring
// each stream's Open func back to the container's blob table.
func (c *Container) entryFor(d *metadata.Dentry) Entry {
	e := Entry{
		Name:        d.Name,
		Attributes:  FileAttributes(d.Attributes),
		ModTime:     d.LastWriteTime.Time(),
		AccessTime:  d.LastAccessTime.Time(),
		CreateTime:  d.CreationTime.Time(),
	}
	if !d.IsDir() {
		e.Streams = append(e.Streams, c.streamSourceFor("", d.Hash))
	}
	for _, s := range d.Streams {
		e.Streams = append(e.Streams, c.streamSourceFor(s.Name, s.Hash))
	}
	if d.IsDir() {
		children := d.Children
		e.Children = func() ([]Entry, error) {
			out := make([]Entry, len(children))
			for i, ch := range children {
				out[i] = c.entryFor(ch)
			}
			return out, nil
		}
	}
	return e
}

func (c *Container) streamSourceFor(name string, hash [20]byte) StreamSource {
	h := hash
	if hash == ([20]byte{}) {
		return StreamSource{Name: name, Size: 0, Hash: &h}
	}
	desc, ok := c.table.Lookup(blobtable.Hash(hash))
	size := int64(0)
	if ok {
		size = int64(desc.Size)
	}
	return StreamSource{
		Name: name,
		Size: size,
		Hash: &h,
		Open: func() (io.ReadCloser, error) {
			data, err := c.readBlobByHash(blobtable.Hash(hash))
			if err != nil {
				return nil, err
			}
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// ExtractImage writes image's files to target, a directory on the local
// filesystem created if necessary. Security descriptors and reparse
// points are not reapplied.
func (c *Container) ExtractImage(ctx context.Context, image int, target string, flags ExtractFlag) error {
	rec := c.imageOrNil(image)
	if rec == nil {
		return &Error{Op: "extract_image", Code: ErrInvalidImage}
	}
	if err := os.MkdirAll(target, 0755); err != nil {
		return wrapErr("extract_image", ErrMkdir, err)
	}
	return c.extractDentry(ctx, rec.tree.Root, target, flags)
}

func (c *Container) extractDentry(ctx context.Context, d *metadata.Dentry, path string, flags ExtractFlag) error {
	if err := ctx.Err(); err != nil {
		return wrapErr("extract_image", ErrRead, err)
	}
	if d.IsDir() {
		if err := os.MkdirAll(path, 0755); err != nil {
			return wrapErr("extract_image", ErrMkdir, err)
		}
		for _, child := range d.Children {
			if err := c.extractDentry(ctx, child, filepath.Join(path, child.Name), flags); err != nil {
				return err
			}
		}
		return nil
	}

	data, err := c.readBlobByHash(blobtable.Hash(d.Hash))
	if err != nil {
		return wrapErr("extract_image", ErrRead, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return wrapErr("extract_image", ErrWrite, err)
	}
	if flags&ExtractNoPreserveTimestamps == 0 {
		mtime := d.LastWriteTime.Time()
		if !mtime.IsZero() {
			os.Chtimes(path, mtime, mtime)
		}
	}
	return nil
}

func (c *Container) readBlobByHash(h blobtable.Hash) ([]byte, error) {
	if h == (blobtable.Hash{}) {
		return nil, nil
	}
	for _, sb := range c.pendingBlobs {
		if sb.desc.Hash == h {
			return sb.data, nil
		}
	}
	desc, ok := c.table.Lookup(h)
	if !ok {
		return nil, &Error{Op: "read_blob", Code: ErrNotFound}
	}
	if c.ra == nil {
		return nil, &Error{Op: "read_blob", Code: ErrNotFound}
	}
	rh, err := resourceOpenFor(c, desc.Resource)
	if err != nil {
		return nil, err
	}
	out := make([]byte, desc.Size)
	if _, err := rh.ReadRange(int64(desc.OffsetInRes), int64(desc.Size), out); err != nil {
		return nil, err
	}
	return out, nil
}
