// Package container implements the WIM header and top-level container I/O
// (C6): reading and validating the fixed-size header, the XML metadata
// resource, and the optional integrity table, plus the write-finalization
// sequence that rewrites the header last.
//
// Grounded in the retrieved go-winio `wim.go`'s `wimHeader`/
// `resourceDescriptor` layout and `NewReader`'s validate-then-read-offset-
// table sequence, generalized to the fuller header (pipable magic, solid
// version tag, boot-metadata copy) and the write side the read-only
// go-winio reader never needed.
package container

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"io"
	"unicode/utf16"
	"unicode/utf8"

	"golang.org/x/xerrors"

	"github.com/distr1/gowim/internal/codec"
	"github.com/distr1/gowim/internal/resource"
)

// Magic tags distinguish normal from pipable containers.
var (
	MagicNormal  = [8]byte{'M', 'S', 'W', 'I', 'M', 0, 0, 0}
	MagicPipable = [8]byte{'W', 'L', 'P', 'W', 'M', 0, 0, 0}
)

// Version tags the header's format version.
type Version uint32

const (
	VersionLegacy      Version = 0x10d00
	VersionSolidCapable Version = 0x10e00
)

// Flag holds the header's flag bits.
type Flag uint32

const (
	FlagReserved Flag = 1 << iota
	FlagCompressed
	FlagReadOnly
	FlagSpanned
	FlagResourceOnly
	FlagMetadataOnly
	FlagWriteInProgress
	FlagRPFix
)

const headerSize = 164

// HeaderSize is the fixed on-disk width of a container header, the offset
// at which the first resource may begin.
const HeaderSize = headerSize

// GUID is the 16-byte identifier shared by every part of a spanned set.
type GUID [16]byte

// Header is the fixed-size record at the start of a container file.
type Header struct {
	Magic           [8]byte
	Version         Version
	Flags           Flag
	CompressionType codec.Type
	ChunkSize       uint32
	GUID            GUID
	PartNumber      uint16
	TotalParts      uint16
	ImageCount      uint32
	BlobTable       resource.Header
	XML             resource.Header
	BootMetadata    resource.Header
	BootIndex       uint32
	Integrity       resource.Header
}

func (h Header) Pipable() bool { return h.Magic == MagicPipable }

// Validate checks the magic tag and the invariants the read-open sequence
// relies on before trusting the rest of the header.
func (h Header) Validate() error {
	if h.Magic != MagicNormal && h.Magic != MagicPipable {
		return xerrors.New("container: not a WIM file (bad magic)")
	}
	if h.Version != VersionLegacy && h.Version != VersionSolidCapable {
		return xerrors.Errorf("container: unsupported header version %#x", uint32(h.Version))
	}
	if h.ChunkSize == 0 {
		return xerrors.New("container: invalid chunk size in header")
	}
	if h.TotalParts == 0 || h.PartNumber == 0 || h.PartNumber > h.TotalParts {
		return xerrors.New("container: invalid part_number/total_parts")
	}
	return nil
}

func putU16(b []byte, v uint16) { binary.LittleEndian.PutUint16(b, v) }
func putU32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
func putU64(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }

func putResourceHeader(b []byte, h resource.Header) {
	putU64(b[0:8], h.OffsetInWIM)
	putU64(b[8:16], h.SizeInWIM)
	putU64(b[16:24], h.UncompressedSize)
	putU32(b[24:28], uint32(h.Flags))
}

func getResourceHeader(b []byte) resource.Header {
	return resource.Header{
		OffsetInWIM:      binary.LittleEndian.Uint64(b[0:8]),
		SizeInWIM:        binary.LittleEndian.Uint64(b[8:16]),
		UncompressedSize: binary.LittleEndian.Uint64(b[16:24]),
		Flags:            resource.Flag(binary.LittleEndian.Uint32(b[24:28])),
	}
}

const resourceHeaderSize = 28

// Marshal encodes h into its fixed-size on-disk form.
func (h Header) Marshal() []byte {
	b := make([]byte, headerSize)
	copy(b[0:8], h.Magic[:])
	putU32(b[8:12], uint32(h.Version))
	putU32(b[12:16], uint32(h.Flags))
	putU32(b[16:20], uint32(h.CompressionType))
	putU32(b[20:24], h.ChunkSize)
	copy(b[24:40], h.GUID[:])
	putU16(b[40:42], h.PartNumber)
	putU16(b[42:44], h.TotalParts)
	putU32(b[44:48], h.ImageCount)
	putResourceHeader(b[48:76], h.BlobTable)
	putResourceHeader(b[76:104], h.XML)
	putResourceHeader(b[104:132], h.BootMetadata)
	putU32(b[132:136], h.BootIndex)
	putResourceHeader(b[136:164], h.Integrity)
	return b
}

// UnmarshalHeader decodes a fixed-size header record.
func UnmarshalHeader(b []byte) (Header, error) {
	if len(b) < headerSize {
		return Header{}, xerrors.New("container: header truncated")
	}
	var h Header
	copy(h.Magic[:], b[0:8])
	h.Version = Version(binary.LittleEndian.Uint32(b[8:12]))
	h.Flags = Flag(binary.LittleEndian.Uint32(b[12:16]))
	h.CompressionType = codec.Type(binary.LittleEndian.Uint32(b[16:20]))
	h.ChunkSize = binary.LittleEndian.Uint32(b[20:24])
	copy(h.GUID[:], b[24:40])
	h.PartNumber = binary.LittleEndian.Uint16(b[40:42])
	h.TotalParts = binary.LittleEndian.Uint16(b[42:44])
	h.ImageCount = binary.LittleEndian.Uint32(b[44:48])
	h.BlobTable = getResourceHeader(b[48:76])
	h.XML = getResourceHeader(b[76:104])
	h.BootMetadata = getResourceHeader(b[104:132])
	h.BootIndex = binary.LittleEndian.Uint32(b[132:136])
	h.Integrity = getResourceHeader(b[136:164])
	return h, nil
}

// ReadHeader reads and validates the header at the start of r.
func ReadHeader(r io.ReaderAt) (Header, error) {
	buf := make([]byte, headerSize)
	if _, err := r.ReadAt(buf, 0); err != nil {
		return Header{}, xerrors.Errorf("container: reading header: %w", err)
	}
	h, err := UnmarshalHeader(buf)
	if err != nil {
		return Header{}, err
	}
	if err := h.Validate(); err != nil {
		return Header{}, err
	}
	return h, nil
}

// WriteHeaderAt writes h's on-disk form at offset 0 of w.
func WriteHeaderAt(w io.WriterAt, h Header) error {
	_, err := w.WriteAt(h.Marshal(), 0)
	return err
}

const xmlBOM = 0xfeff

// ReadXML decodes the UTF-16LE, BOM-prefixed XML metadata resource.
func ReadXML(r io.ReaderAt, hdr resource.Header, c codec.Codec, chunkSize int, pipable bool) (string, error) {
	if hdr.UncompressedSize == 0 {
		return "", nil
	}
	h, err := resource.Open(r, hdr, c, chunkSize, pipable)
	if err != nil {
		return "", xerrors.Errorf("container: opening XML resource: %w", err)
	}
	raw := make([]byte, hdr.UncompressedSize)
	if _, err := h.ReadRange(0, int64(hdr.UncompressedSize), raw); err != nil {
		return "", xerrors.Errorf("container: reading XML resource: %w", err)
	}
	if len(raw) < 2 {
		return "", xerrors.New("container: XML resource too short for a BOM")
	}
	units := make([]uint16, len(raw)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(raw[2*i:])
	}
	if units[0] != xmlBOM {
		return "", xerrors.New("container: XML resource missing UTF-16LE BOM")
	}
	return string(utf16.Decode(units[1:])), nil
}

// EncodeXML prepends the BOM and encodes xml as UTF-16LE bytes, ready to
// pass to resource.WriteNonSolid.
func EncodeXML(xml string) []byte {
	units := utf16.Encode([]rune(xml))
	out := make([]byte, 2+2*len(units))
	binary.LittleEndian.PutUint16(out[0:2], xmlBOM)
	for i, u := range units {
		binary.LittleEndian.PutUint16(out[2+2*i:], u)
	}
	return out
}

// ValidateUTF8 reports whether s is valid UTF-8 text, a precondition for
// EncodeXML producing recoverable UTF-16.
func ValidateUTF8(s string) bool { return utf8.ValidString(s) }

// IntegrityTable is the optional trailing resource covering the byte range
// from the end of the header to the end of the blob table.
type IntegrityTable struct {
	ChunkSize uint32
	Chunks    [][20]byte
}

const integrityHeaderSize = 8

// ComputeIntegrityTable hashes the byte range [start, end) of r in
// chunkSize pieces.
func ComputeIntegrityTable(r io.ReaderAt, start, end int64, chunkSize int) (IntegrityTable, error) {
	if chunkSize <= 0 {
		return IntegrityTable{}, xerrors.New("container: invalid integrity chunk size")
	}
	var t IntegrityTable
	t.ChunkSize = uint32(chunkSize)
	buf := make([]byte, chunkSize)
	for pos := start; pos < end; pos += int64(chunkSize) {
		n := int64(chunkSize)
		if pos+n > end {
			n = end - pos
		}
		if _, err := r.ReadAt(buf[:n], pos); err != nil {
			return IntegrityTable{}, xerrors.Errorf("container: reading integrity chunk at %d: %w", pos, err)
		}
		t.Chunks = append(t.Chunks, sha1.Sum(buf[:n]))
	}
	return t, nil
}

// Verify recomputes digests over [start, end) of r and compares them
// against t, reporting the index of the first mismatch (or len(t.Chunks)
// if r has fewer bytes than expected).
func (t IntegrityTable) Verify(r io.ReaderAt, start, end int64) (ok bool, badChunk int, err error) {
	recomputed, err := ComputeIntegrityTable(r, start, end, int(t.ChunkSize))
	if err != nil {
		return false, 0, err
	}
	if len(recomputed.Chunks) != len(t.Chunks) {
		return false, len(t.Chunks), nil
	}
	for i := range t.Chunks {
		if !bytes.Equal(t.Chunks[i][:], recomputed.Chunks[i][:]) {
			return false, i, nil
		}
	}
	return true, -1, nil
}

// Marshal encodes the integrity table as {chunk_size, num_chunks, digests...}.
func (t IntegrityTable) Marshal() []byte {
	b := make([]byte, integrityHeaderSize+20*len(t.Chunks))
	putU32(b[0:4], t.ChunkSize)
	putU32(b[4:8], uint32(len(t.Chunks)))
	for i, d := range t.Chunks {
		copy(b[integrityHeaderSize+20*i:], d[:])
	}
	return b
}

// UnmarshalIntegrityTable decodes the bytes Marshal produces.
func UnmarshalIntegrityTable(b []byte) (IntegrityTable, error) {
	if len(b) < integrityHeaderSize {
		return IntegrityTable{}, xerrors.New("container: integrity table truncated")
	}
	var t IntegrityTable
	t.ChunkSize = binary.LittleEndian.Uint32(b[0:4])
	numChunks := binary.LittleEndian.Uint32(b[4:8])
	need := integrityHeaderSize + 20*int(numChunks)
	if len(b) < need {
		return IntegrityTable{}, xerrors.New("container: integrity table truncated")
	}
	t.Chunks = make([][20]byte, numChunks)
	for i := range t.Chunks {
		copy(t.Chunks[i][:], b[integrityHeaderSize+20*i:])
	}
	return t, nil
}
