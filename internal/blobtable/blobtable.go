// Package blobtable implements the deduplicated blob index (C5): the
// SHA-1-keyed primary index every stream resolves through, a size-keyed
// secondary index that lets a writer skip hashing content that cannot
// possibly be a duplicate, and the three-way resolution policy applied to
// blobs whose hash is not yet known when they are staged for a write.
//
// Grounded on a go-winio-style reader's `fileData map[SHA1Hash]resourceDescriptor`,
// generalized with refcounts and the unhashed-blob write-set tracking a
// single-pass reader never needed.
package blobtable

import (
	"crypto/sha1"
	"encoding/binary"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/xerrors"

	"github.com/distr1/gowim/internal/resource"
)

// Hash is a blob's SHA-1 identity.
type Hash [20]byte

// QuickSignature is a cheap pre-hash fingerprint computed in the same pass
// that discovers a blob's size, so the secondary index can rule out a
// duplicate without paying for a full SHA-1 read.
type QuickSignature struct {
	Size   uint64
	XXHash uint64
}

// ComputeQuickSignature derives data's quick signature.
func ComputeQuickSignature(data []byte) QuickSignature {
	return QuickSignature{Size: uint64(len(data)), XXHash: xxhash.Sum64(data)}
}

// Descriptor is a blob table entry: identity, size, reference count, and
// the resource that currently holds its bytes.
type Descriptor struct {
	Hash        Hash
	XXHash      uint64
	Size        uint64
	RefCount    uint32
	Resource    resource.Header
	OffsetInRes uint64
	Metadata    bool
	// PartNumber is which physical file of a spanned set this descriptor's
	// resource bytes actually live in. Zero means "part 1 or not spanned";
	// Part always normalizes it to a 1-based number.
	PartNumber uint16
}

// Part reports the 1-based physical part number this descriptor's resource
// lives in, treating the zero value as part 1 (the common, non-spanned case).
func (d *Descriptor) Part() uint16 {
	if d.PartNumber == 0 {
		return 1
	}
	return d.PartNumber
}

// Table is the in-memory blob index for one open container.
type Table struct {
	mu       sync.Mutex
	byHash   map[Hash]*Descriptor
	bySize   map[uint64][]*Descriptor
	writeSet map[Hash]bool // non-nil only between BeginWriteSet/EndWriteSet
}

// New returns an empty Table.
func New() *Table {
	return &Table{
		byHash: make(map[Hash]*Descriptor),
		bySize: make(map[uint64][]*Descriptor),
	}
}

// Insert adds a fully-known descriptor (e.g. one read back from an
// existing container's blob table resource) without going through the
// unhashed-blob resolution policy.
func (t *Table) Insert(d *Descriptor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.insertLocked(d)
}

func (t *Table) insertLocked(d *Descriptor) {
	t.byHash[d.Hash] = d
	t.bySize[d.Size] = append(t.bySize[d.Size], d)
}

// Lookup finds a blob by its SHA-1 identity.
func (t *Table) Lookup(h Hash) (*Descriptor, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.byHash[h]
	return d, ok
}

// MaybeDuplicateBySize reports whether any known blob already has this
// size. A caller about to read and hash new content can skip doing so
// outright when this returns false: no existing blob can match it.
func (t *Table) MaybeDuplicateBySize(size uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.bySize[size]) > 0
}

// MatchingQuickSignature narrows MaybeDuplicateBySize's candidates further
// by comparing the cheap xxhash fingerprint, to decide whether a full
// SHA-1 comparison is even worth attempting.
func (t *Table) MatchingQuickSignature(sig QuickSignature) []*Descriptor {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Descriptor
	for _, d := range t.bySize[sig.Size] {
		if d.XXHash == sig.XXHash {
			out = append(out, d)
		}
	}
	return out
}

// All returns every descriptor currently in the table, for blob-table
// resource serialization.
func (t *Table) All() []*Descriptor {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Descriptor, 0, len(t.byHash))
	for _, d := range t.byHash {
		out = append(out, d)
	}
	return out
}

// Release drops count references from h's blob, removing it from the
// table once its reference count reaches zero. It reports whether the
// blob was removed.
func (t *Table) Release(h Hash, count uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.byHash[h]
	if !ok {
		return false
	}
	if d.RefCount <= count {
		delete(t.byHash, h)
		t.removeFromSizeIndexLocked(d)
		return true
	}
	d.RefCount -= count
	return false
}

func (t *Table) removeFromSizeIndexLocked(d *Descriptor) {
	list := t.bySize[d.Size]
	for i, e := range list {
		if e == d {
			t.bySize[d.Size] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(t.bySize[d.Size]) == 0 {
		delete(t.bySize, d.Size)
	}
}

// BeginWriteSet opens a new write set: until EndWriteSet, Resolve
// distinguishes a blob that duplicates one already staged in this same
// write set from one that duplicates a blob the container already held.
func (t *Table) BeginWriteSet() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeSet = make(map[Hash]bool)
}

// EndWriteSet closes the current write set.
func (t *Table) EndWriteSet() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeSet = nil
}

// PendingBlob is content staged for a write whose SHA-1 has not yet been
// computed: Resolve hashes Data itself when it needs the SHA-1.
type PendingBlob struct {
	Quick    QuickSignature
	Data     []byte
	RefCount uint32
}

// Resolution is the outcome of resolving a PendingBlob.
type Resolution int

const (
	// ResolveNew means no existing blob has this hash; the returned
	// descriptor was just inserted and its data must be written out.
	ResolveNew Resolution = iota
	// ResolveDuplicateInWriteSet means another blob staged earlier in
	// this same write set already has this hash: the caller must
	// discard this blob's data (never write it) but has already had
	// its reference count folded into the surviving descriptor.
	ResolveDuplicateInWriteSet
	// ResolveDuplicateOfExisting means the container already held this
	// content before the write began: the caller writes nothing and
	// only needed the reference count bump already applied.
	ResolveDuplicateOfExisting
)

// Resolve computes p's SHA-1 and applies the blob table's three-way
// unhashed-blob resolution policy.
func (t *Table) Resolve(p *PendingBlob) (Resolution, *Descriptor) {
	sum := sha1.Sum(p.Data)
	var h Hash
	copy(h[:], sum[:])

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.byHash[h]; ok {
		existing.RefCount += p.RefCount
		if t.writeSet != nil && t.writeSet[h] {
			return ResolveDuplicateInWriteSet, existing
		}
		return ResolveDuplicateOfExisting, existing
	}

	d := &Descriptor{Hash: h, XXHash: p.Quick.XXHash, Size: p.Quick.Size, RefCount: p.RefCount}
	t.insertLocked(d)
	if t.writeSet != nil {
		t.writeSet[h] = true
	}
	return ResolveNew, d
}

// SortForWrite orders descs the way a freshly written blob table resource
// must: ascending by (is_solid, solid_resource_offset, offset_in_wim), so
// that descriptors sharing one solid resource stay grouped in the order
// their bytes actually appear.
func SortForWrite(descs []*Descriptor) {
	sort.Slice(descs, func(i, j int) bool {
		a, b := descs[i], descs[j]
		if a.Resource.Solid() != b.Resource.Solid() {
			return !a.Resource.Solid() && b.Resource.Solid()
		}
		if a.Resource.OffsetInWIM != b.Resource.OffsetInWIM {
			return a.Resource.OffsetInWIM < b.Resource.OffsetInWIM
		}
		return a.OffsetInRes < b.OffsetInRes
	})
}

// entrySize is the fixed width of one serialized blob table record:
// hash(20) + size(8) + refcount(4) + resource{offset,size,uncompressed}(24)
// + resource flags(2) + offset_in_res(8) + metadata flag(1) + part_number(2).
// part_number is only meaningful for a spanned set; every non-spanned
// write leaves it zero.
const entrySize = 20 + 8 + 4 + 24 + 2 + 8 + 1 + 2

// Serialize encodes descs as the blob table resource's payload, in the
// order given (callers needing the on-disk ordering invariant call
// SortForWrite first).
func Serialize(descs []*Descriptor) []byte {
	b := make([]byte, entrySize*len(descs))
	for i, d := range descs {
		row := b[i*entrySize:]
		copy(row[0:20], d.Hash[:])
		binary.LittleEndian.PutUint64(row[20:28], d.Size)
		binary.LittleEndian.PutUint32(row[28:32], d.RefCount)
		binary.LittleEndian.PutUint64(row[32:40], d.Resource.OffsetInWIM)
		binary.LittleEndian.PutUint64(row[40:48], d.Resource.SizeInWIM)
		binary.LittleEndian.PutUint64(row[48:56], d.Resource.UncompressedSize)
		binary.LittleEndian.PutUint16(row[56:58], uint16(d.Resource.Flags))
		binary.LittleEndian.PutUint64(row[58:66], d.OffsetInRes)
		if d.Metadata {
			row[66] = 1
		}
		binary.LittleEndian.PutUint16(row[67:69], d.PartNumber)
	}
	return b
}

// Parse decodes a blob table resource's payload as produced by Serialize.
func Parse(data []byte) ([]*Descriptor, error) {
	if len(data)%entrySize != 0 {
		return nil, xerrors.Errorf("blobtable: corrupt blob table (length %d not a multiple of %d)", len(data), entrySize)
	}
	n := len(data) / entrySize
	out := make([]*Descriptor, n)
	for i := 0; i < n; i++ {
		row := data[i*entrySize:]
		d := &Descriptor{}
		copy(d.Hash[:], row[0:20])
		d.Size = binary.LittleEndian.Uint64(row[20:28])
		d.RefCount = binary.LittleEndian.Uint32(row[28:32])
		d.Resource.OffsetInWIM = binary.LittleEndian.Uint64(row[32:40])
		d.Resource.SizeInWIM = binary.LittleEndian.Uint64(row[40:48])
		d.Resource.UncompressedSize = binary.LittleEndian.Uint64(row[48:56])
		d.Resource.Flags = resource.Flag(binary.LittleEndian.Uint16(row[56:58]))
		d.OffsetInRes = binary.LittleEndian.Uint64(row[58:66])
		d.Metadata = row[66] != 0
		d.PartNumber = binary.LittleEndian.Uint16(row[67:69])
		out[i] = d
	}
	return out, nil
}
