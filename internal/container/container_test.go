package container

import (
	"bytes"
	"testing"

	"github.com/distr1/gowim/internal/codec"
	"github.com/distr1/gowim/internal/resource"
)

type memFile []byte

func (m *memFile) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, (*m)[off:]), nil
}

func (m *memFile) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(*m)) {
		grown := make([]byte, end)
		copy(grown, *m)
		*m = grown
	}
	copy((*m)[off:], p)
	return len(p), nil
}

func TestHeaderMarshalRoundTrip(t *testing.T) {
	h := Header{
		Magic:           MagicNormal,
		Version:         VersionSolidCapable,
		Flags:           FlagCompressed | FlagRPFix,
		CompressionType: codec.LZX,
		ChunkSize:       32768,
		GUID:            GUID{1, 2, 3, 4},
		PartNumber:      1,
		TotalParts:      1,
		ImageCount:      2,
		BlobTable:       resource.Header{OffsetInWIM: 164, SizeInWIM: 100, UncompressedSize: 120},
		XML:             resource.Header{OffsetInWIM: 264, SizeInWIM: 200, UncompressedSize: 200},
		BootIndex:       1,
	}

	got, err := UnmarshalHeader(h.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalHeader: %v", err)
	}
	if got != h {
		t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", got, h)
	}
}

func TestReadHeaderRejectsBadMagic(t *testing.T) {
	var f memFile
	h := Header{Magic: [8]byte{'N', 'O', 'P', 'E'}, Version: VersionLegacy, ChunkSize: 32768, PartNumber: 1, TotalParts: 1}
	f.WriteAt(h.Marshal(), 0)
	if _, err := ReadHeader(&f); err == nil {
		t.Fatal("expected an error for a bad magic tag")
	}
}

func TestReadHeaderRoundTripThroughWriter(t *testing.T) {
	var f memFile
	h := Header{
		Magic:       MagicNormal,
		Version:     VersionLegacy,
		ChunkSize:   32768,
		PartNumber:  1,
		TotalParts:  1,
		ImageCount:  1,
		CompressionType: codec.XPRESS,
	}
	if err := WriteHeaderAt(&f, h); err != nil {
		t.Fatalf("WriteHeaderAt: %v", err)
	}
	got, err := ReadHeader(&f)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if got != h {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, h)
	}
}

func TestXMLRoundTripUncompressed(t *testing.T) {
	xml := `<WIM><TOTALBYTES>1234</TOTALBYTES></WIM>`
	encoded := EncodeXML(xml)

	var buf bytes.Buffer
	hdr, err := resource.WriteNonSolid(&buf, 0, encoded, nil, 0, false)
	if err != nil {
		t.Fatalf("WriteNonSolid: %v", err)
	}

	got, err := ReadXML(memReaderAt(buf.Bytes()), hdr, nil, 0, false)
	if err != nil {
		t.Fatalf("ReadXML: %v", err)
	}
	if got != xml {
		t.Fatalf("ReadXML = %q, want %q", got, xml)
	}
}

type memReaderAt []byte

func (m memReaderAt) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m[off:]), nil
}

func TestXMLRoundTripCompressed(t *testing.T) {
	c, err := codec.ForType(codec.XPRESS)
	if err != nil {
		t.Fatal(err)
	}
	xml := `<WIM><IMAGE INDEX="1"><NAME>A</NAME></IMAGE></WIM>` + string(bytes.Repeat([]byte("padding "), 2000))
	encoded := EncodeXML(xml)

	var buf bytes.Buffer
	const chunkSize = 4096
	hdr, err := resource.WriteNonSolid(&buf, 0, encoded, c, chunkSize, false)
	if err != nil {
		t.Fatalf("WriteNonSolid: %v", err)
	}

	got, err := ReadXML(memReaderAt(buf.Bytes()), hdr, c, chunkSize, false)
	if err != nil {
		t.Fatalf("ReadXML: %v", err)
	}
	if got != xml {
		t.Fatal("compressed XML round trip mismatch")
	}
}

func TestIntegrityTableDetectsCorruption(t *testing.T) {
	data := bytes.Repeat([]byte("integrity covered bytes "), 10000)
	var f memFile
	f.WriteAt(data, 0)

	const chunkSize = 4096
	table, err := ComputeIntegrityTable(&f, 0, int64(len(data)), chunkSize)
	if err != nil {
		t.Fatalf("ComputeIntegrityTable: %v", err)
	}

	ok, bad, err := table.Verify(&f, 0, int64(len(data)))
	if err != nil || !ok {
		t.Fatalf("Verify on unmodified data: ok=%v bad=%v err=%v", ok, bad, err)
	}

	corrupted := append([]byte(nil), data...)
	corrupted[chunkSize+10] ^= 0xff
	var f2 memFile
	f2.WriteAt(corrupted, 0)

	ok, bad, err = table.Verify(&f2, 0, int64(len(corrupted)))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Fatal("expected corruption to be detected")
	}
	if bad != 1 {
		t.Fatalf("bad chunk index = %d, want 1", bad)
	}
}

func TestIntegrityTableMarshalRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 50000)
	var f memFile
	f.WriteAt(data, 0)

	table, err := ComputeIntegrityTable(&f, 0, int64(len(data)), 4096)
	if err != nil {
		t.Fatal(err)
	}

	got, err := UnmarshalIntegrityTable(table.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalIntegrityTable: %v", err)
	}
	if got.ChunkSize != table.ChunkSize || len(got.Chunks) != len(table.Chunks) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, table)
	}
	for i := range table.Chunks {
		if got.Chunks[i] != table.Chunks[i] {
			t.Fatalf("chunk %d digest mismatch", i)
		}
	}
}
