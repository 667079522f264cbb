// Package metadata implements the image metadata tree (C7): the directory
// entry / stream entry binary layout, the security descriptor table, and
// the tree-shaped invariants (unnamed root, case-insensitive name
// equality, no duplicate (parent, name) pairs) that a single image's
// metadata resource must satisfy.
//
// Grounded directly in the retrieved go-winio `wim.go`'s `direntry`/
// `streamentry` layouts and its `readdir`/`readNextEntry`/
// `readNextStream` walk, generalized from a read-only tree into one this
// package can also serialize.
package metadata

import (
	"encoding/binary"
	"strings"
	"time"
	"unicode/utf16"

	"golang.org/x/xerrors"
)

// Attributes mirrors the FILE_ATTRIBUTE_* bits stored on a dentry.
type Attributes uint32

const (
	AttrReadOnly Attributes = 1 << iota
	AttrHidden
	AttrSystem
	_reservedAttr
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

// FileTime is a Windows FILETIME: 100ns ticks since 1601-01-01.
type FileTime uint64

const filetimeEpochOffset = 116444736000000000

func (ft FileTime) Time() time.Time {
	if ft == 0 {
		return time.Time{}
	}
	return time.Unix(0, (int64(ft)-filetimeEpochOffset)*100).UTC()
}

// FromTime converts a time.Time to a FileTime.
func FromTime(t time.Time) FileTime {
	if t.IsZero() {
		return 0
	}
	return FileTime(t.UTC().UnixNano()/100 + filetimeEpochOffset)
}

// NoSecurityID marks a dentry with no associated security descriptor.
const NoSecurityID uint32 = 0xffffffff

// Stream is a named alternate data stream.
type Stream struct {
	Name string
	Hash [20]byte
}

// Empty reports whether the stream has the all-zero hash, the marker for
// a zero-byte stream with no backing blob.
func (s Stream) Empty() bool { return s.Hash == [20]byte{} }

// Dentry is one entry in an image's directory tree.
type Dentry struct {
	Name            string
	ShortName       string
	Attributes      Attributes
	SecurityID      uint32
	CreationTime    FileTime
	LastAccessTime  FileTime
	LastWriteTime   FileTime
	Hash            [20]byte // default/unnamed stream
	LinkID          int64
	ReparseTag      uint32
	ReparseReserved uint32
	ReparseStream   *Stream
	Streams         []Stream // named alternate streams only
	Children        []*Dentry

	subdirOffset int64 // byte offset of this directory's listing, set while parsing
}

func (d *Dentry) IsDir() bool { return d.Attributes&AttrDirectory != 0 }

// Tree is a parsed image metadata resource.
type Tree struct {
	Root                *Dentry
	SecurityDescriptors [][]byte
}

// Validate checks the tree-shaped invariants: an unnamed root, and no two
// siblings whose names compare equal case-insensitively.
func (t *Tree) Validate() error {
	if t.Root == nil {
		return xerrors.New("metadata: tree has no root")
	}
	if t.Root.Name != "" {
		return xerrors.New("metadata: root dentry must be unnamed")
	}
	return validateSiblings(t.Root)
}

func validateSiblings(d *Dentry) error {
	seen := make(map[string]string, len(d.Children))
	for _, c := range d.Children {
		key := strings.ToLower(c.Name)
		if existing, ok := seen[key]; ok {
			return xerrors.Errorf("metadata: duplicate name %q (conflicts with %q) under %q", c.Name, existing, d.Name)
		}
		seen[key] = c.Name
		if c.IsDir() {
			if err := validateSiblings(c); err != nil {
				return err
			}
		}
	}
	return nil
}

const (
	securityBlockHeaderSize = 8
	dentryFixedSize         = 102
	streamFixedSize         = 38
)

func align8(n int64) int64 { return (n + 7) &^ 7 }

// ParseTree decodes a raw metadata-resource buffer.
func ParseTree(data []byte) (*Tree, error) {
	secs, n, err := readSecurityDescriptors(data)
	if err != nil {
		return nil, err
	}
	entries, err := readDirAt(data, n)
	if err != nil {
		return nil, err
	}
	if len(entries) != 1 {
		return nil, xerrors.New("metadata: expected exactly one root directory entry")
	}
	root := entries[0]
	if err := resolveChildren(data, root); err != nil {
		return nil, err
	}
	t := &Tree{Root: root, SecurityDescriptors: secs}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func resolveChildren(data []byte, d *Dentry) error {
	if !d.IsDir() || d.subdirOffset == 0 {
		return nil
	}
	children, err := readDirAt(data, d.subdirOffset)
	if err != nil {
		return err
	}
	d.Children = children
	for _, c := range children {
		if err := resolveChildren(data, c); err != nil {
			return err
		}
	}
	return nil
}

func readSecurityDescriptors(data []byte) ([][]byte, int64, error) {
	if len(data) < securityBlockHeaderSize {
		return nil, 0, xerrors.New("metadata: truncated security block header")
	}
	totalLength := binary.LittleEndian.Uint32(data[0:4])
	numEntries := binary.LittleEndian.Uint32(data[4:8])

	pos := int64(securityBlockHeaderSize)
	sizesEnd := pos + 8*int64(numEntries)
	if sizesEnd > int64(len(data)) {
		return nil, 0, xerrors.New("metadata: truncated security descriptor size table")
	}
	sizes := make([]int64, numEntries)
	for i := range sizes {
		sizes[i] = int64(binary.LittleEndian.Uint64(data[pos+8*int64(i):]))
	}
	pos = sizesEnd

	sds := make([][]byte, numEntries)
	for i, size := range sizes {
		if pos+size > int64(len(data)) {
			return nil, 0, xerrors.New("metadata: truncated security descriptor")
		}
		sd := make([]byte, size)
		copy(sd, data[pos:pos+size])
		sds[i] = sd
		pos += size
	}

	secSize := align8(int64(totalLength))
	if int64(totalLength) != 0 && secSize > int64(len(data)) {
		return nil, 0, xerrors.New("metadata: security block too small")
	}
	if secSize > pos {
		pos = secSize
	}
	return sds, pos, nil
}

func readDirAt(data []byte, offset int64) ([]*Dentry, error) {
	var entries []*Dentry
	pos := offset
	for {
		if pos+8 > int64(len(data)) {
			return nil, xerrors.New("metadata: truncated directory listing")
		}
		length := int64(binary.LittleEndian.Uint64(data[pos:]))
		if length == 0 {
			break
		}
		if pos+dentryFixedSize > int64(len(data)) {
			return nil, xerrors.New("metadata: truncated directory entry")
		}

		row := data[pos:]
		d := &Dentry{}
		d.Attributes = Attributes(binary.LittleEndian.Uint32(row[8:12]))
		d.SecurityID = binary.LittleEndian.Uint32(row[12:16])
		subdirOffset := int64(binary.LittleEndian.Uint64(row[16:24]))
		d.CreationTime = FileTime(binary.LittleEndian.Uint64(row[40:48]))
		d.LastAccessTime = FileTime(binary.LittleEndian.Uint64(row[48:56]))
		d.LastWriteTime = FileTime(binary.LittleEndian.Uint64(row[56:64]))
		copy(d.Hash[:], row[64:84])
		reparseHardLink := int64(binary.LittleEndian.Uint64(row[88:96]))
		streamCount := binary.LittleEndian.Uint16(row[96:98])
		shortNameLength := binary.LittleEndian.Uint16(row[98:100])
		fileNameLength := binary.LittleEndian.Uint16(row[100:102])

		if d.Attributes&AttrReparsePoint == 0 {
			d.LinkID = reparseHardLink
		} else {
			d.ReparseTag = uint32(reparseHardLink)
			d.ReparseReserved = uint32(reparseHardLink >> 32)
		}

		namesStart := pos + dentryFixedSize
		namesLen := int64(fileNameLength) + 2 + int64(shortNameLength)
		if namesStart+namesLen > int64(len(data)) {
			return nil, xerrors.New("metadata: truncated dentry names")
		}
		names := data[namesStart : namesStart+namesLen]
		if fileNameLength > 0 {
			d.Name = decodeUTF16(names[:fileNameLength])
		}
		if shortNameLength > 0 {
			d.ShortName = decodeUTF16(names[int64(fileNameLength)+2:])
		}

		rowLen := align8(int64(dentryFixedSize) + namesLen)
		if length > rowLen {
			rowLen = length
		}
		pos += rowLen

		for i := uint16(0); i < streamCount; i++ {
			s, consumed, err := readStreamAt(data, pos)
			if err != nil {
				return nil, err
			}
			pos += consumed
			if s.Name == "" {
				if d.Attributes&AttrReparsePoint != 0 {
					st := s
					d.ReparseStream = &st
				}
				continue
			}
			d.Streams = append(d.Streams, s)
		}

		d.subdirOffset = subdirOffset
		entries = append(entries, d)
	}
	return entries, nil
}

func readStreamAt(data []byte, pos int64) (Stream, int64, error) {
	if pos+streamFixedSize > int64(len(data)) {
		return Stream{}, 0, xerrors.New("metadata: truncated stream entry")
	}
	row := data[pos:]
	length := int64(binary.LittleEndian.Uint64(row[0:8]))
	var hash [20]byte
	copy(hash[:], row[16:36])
	nameLength := binary.LittleEndian.Uint16(row[36:38])

	nameStart := pos + streamFixedSize
	if nameStart+int64(nameLength) > int64(len(data)) {
		return Stream{}, 0, xerrors.New("metadata: truncated stream name")
	}
	name := decodeUTF16(data[nameStart : nameStart+int64(nameLength)])

	consumed := align8(int64(streamFixedSize) + int64(nameLength))
	if length > consumed {
		consumed = length
	}
	return Stream{Name: name, Hash: hash}, consumed, nil
}

func decodeUTF16(b []byte) string {
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[2*i:])
	}
	return string(utf16.Decode(units))
}

func encodeUTF16(s string) []byte {
	units := utf16.Encode([]rune(s))
	out := make([]byte, 2*len(units))
	for i, u := range units {
		binary.LittleEndian.PutUint16(out[2*i:], u)
	}
	return out
}

// SerializeTree encodes t back into a metadata-resource buffer.
func SerializeTree(t *Tree) ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	var buf []byte
	buf = appendSecurityBlock(buf, t.SecurityDescriptors)
	serializeLevel(&buf, []*Dentry{t.Root})
	return buf, nil
}

func appendSecurityBlock(buf []byte, sds [][]byte) []byte {
	start := len(buf)
	header := make([]byte, securityBlockHeaderSize)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(sds)))
	buf = append(buf, header...)

	sizes := make([]byte, 8*len(sds))
	for i, sd := range sds {
		binary.LittleEndian.PutUint64(sizes[8*i:], uint64(len(sd)))
	}
	buf = append(buf, sizes...)
	for _, sd := range sds {
		buf = append(buf, sd...)
	}

	total := len(buf) - start
	padded := int(align8(int64(total)))
	if padded > total {
		buf = append(buf, make([]byte, padded-total)...)
	}
	binary.LittleEndian.PutUint32(buf[start:start+4], uint32(padded))
	return buf
}

type subdirPatch struct {
	pos int64
	d   *Dentry
}

func serializeLevel(buf *[]byte, dentries []*Dentry) {
	var patches []subdirPatch
	for _, d := range dentries {
		rowStart := int64(len(*buf))
		encodeDentry(buf, d)
		if d.IsDir() {
			patches = append(patches, subdirPatch{rowStart + 16, d})
		}
	}
	*buf = append(*buf, make([]byte, 8)...) // zero-length sentinel terminates the listing

	for _, p := range patches {
		childOffset := int64(len(*buf))
		binary.LittleEndian.PutUint64((*buf)[p.pos:], uint64(childOffset))
		serializeLevel(buf, p.d.Children)
	}
}

func encodeDentry(buf *[]byte, d *Dentry) {
	nameBytes := encodeUTF16(d.Name)
	shortBytes := encodeUTF16(d.ShortName)
	namesLen := int64(len(nameBytes)) + 2 + int64(len(shortBytes))
	rowLen := align8(dentryFixedSize + namesLen)

	row := make([]byte, dentryFixedSize)
	binary.LittleEndian.PutUint64(row[0:8], uint64(rowLen))
	binary.LittleEndian.PutUint32(row[8:12], uint32(d.Attributes))
	binary.LittleEndian.PutUint32(row[12:16], d.SecurityID)
	// row[16:24] (SubdirOffset) patched by the caller once known.
	binary.LittleEndian.PutUint64(row[40:48], uint64(d.CreationTime))
	binary.LittleEndian.PutUint64(row[48:56], uint64(d.LastAccessTime))
	binary.LittleEndian.PutUint64(row[56:64], uint64(d.LastWriteTime))
	copy(row[64:84], d.Hash[:])

	var reparseHardLink int64
	if d.Attributes&AttrReparsePoint == 0 {
		reparseHardLink = d.LinkID
	} else {
		reparseHardLink = int64(d.ReparseReserved)<<32 | int64(d.ReparseTag)
	}
	binary.LittleEndian.PutUint64(row[88:96], uint64(reparseHardLink))

	streamCount := len(d.Streams)
	if d.ReparseStream != nil {
		streamCount++
	}
	binary.LittleEndian.PutUint16(row[96:98], uint16(streamCount))
	binary.LittleEndian.PutUint16(row[98:100], uint16(len(shortBytes)))
	binary.LittleEndian.PutUint16(row[100:102], uint16(len(nameBytes)))

	*buf = append(*buf, row...)
	*buf = append(*buf, nameBytes...)
	*buf = append(*buf, 0, 0) // file name is null-terminated before the short name
	*buf = append(*buf, shortBytes...)
	if pad := rowLen - (dentryFixedSize + namesLen); pad > 0 {
		*buf = append(*buf, make([]byte, pad)...)
	}

	if d.ReparseStream != nil {
		encodeStream(buf, *d.ReparseStream)
	}
	for _, s := range d.Streams {
		encodeStream(buf, s)
	}
}

func encodeStream(buf *[]byte, s Stream) {
	nameBytes := encodeUTF16(s.Name)
	rowLen := align8(streamFixedSize + int64(len(nameBytes)))

	row := make([]byte, streamFixedSize)
	binary.LittleEndian.PutUint64(row[0:8], uint64(rowLen))
	copy(row[16:36], s.Hash[:])
	binary.LittleEndian.PutUint16(row[36:38], uint16(len(nameBytes)))

	*buf = append(*buf, row...)
	*buf = append(*buf, nameBytes...)
	if pad := rowLen - (streamFixedSize + int64(len(nameBytes))); pad > 0 {
		*buf = append(*buf, make([]byte, pad)...)
	}
}
