package gowim

import (
	"context"
	"io"
	"time"
)

// FileAttributes mirrors the Windows FILE_ATTRIBUTE_* bits a captured
// entry carries, independent of whatever attribute scheme the source
// filesystem actually uses; a Scanner implementation is responsible for
// the mapping.
type FileAttributes uint32

const (
	AttrReadOnly FileAttributes = 1 << iota
	AttrHidden
	AttrSystem
	_reservedFileAttr
	AttrDirectory
	AttrArchive
	AttrDevice
	AttrNormal
	AttrTemporary
	AttrSparseFile
	AttrReparsePoint
	AttrCompressed
	AttrOffline
	AttrNotContentIndexed
	AttrEncrypted
)

// StreamSource is one data stream of a scanned entry: the unnamed/default
// stream has an empty Name, every alternate data stream names itself.
type StreamSource struct {
	Name string
	Size int64
	// Hash is the stream's SHA-1, if the Scanner already knows it (e.g.
	// from a prior scan's blob table); nil means AddImage must compute
	// it itself from the bytes Open yields.
	Hash *[20]byte
	// Open returns a fresh reader over the stream's bytes. Called at
	// most once per AddImage; AddImage does not retry.
	Open func() (io.ReadCloser, error)
}

// Entry is one file or directory a Scanner yields.
type Entry struct {
	Name                            string
	Attributes                      FileAttributes
	ModTime, AccessTime, CreateTime time.Time
	SecurityDescriptor              []byte // raw, opaque; nil if none
	Streams                         []StreamSource
	// Children lists this entry's direct children; nil for anything
	// that isn't a directory. A directory with no children returns a
	// non-nil empty slice.
	Children func() ([]Entry, error)
}

// Scanner produces the tree AddImage captures into a new image. This
// package implements no concrete Scanner: walking a real NTFS or POSIX
// filesystem and populating Entry/StreamSource from it is the caller's
// job, deliberately out of scope here (see SPEC_FULL.md §1). The
// cmd/gowim CLI carries one such Scanner for a local directory.
type Scanner interface {
	Scan(ctx context.Context) (Entry, error)
}
