package resource

import (
	"bytes"
	"testing"

	"github.com/distr1/gowim/internal/codec"
)

type memReaderAt []byte

func (m memReaderAt) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m[off:]), nil
}

func TestUncompressedRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("plain resource bytes "), 100)
	var buf bytes.Buffer
	hdr, err := WriteNonSolid(&buf, 0, data, nil, 0, false)
	if err != nil {
		t.Fatalf("WriteNonSolid: %v", err)
	}

	h, err := Open(memReaderAt(buf.Bytes()), hdr, nil, 0, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	out := make([]byte, len(data))
	if _, err := h.ReadRange(0, int64(len(data)), out); err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Fatal("round trip mismatch")
	}
}

func TestCompressedNonSolidRoundTrip(t *testing.T) {
	c, err := codec.ForType(codec.XPRESS)
	if err != nil {
		t.Fatal(err)
	}
	data := bytes.Repeat([]byte("compressed non-solid payload spanning several chunks. "), 2000)
	const chunkSize = 4096

	var buf bytes.Buffer
	hdr, err := WriteNonSolid(&buf, 0, data, c, chunkSize, false)
	if err != nil {
		t.Fatalf("WriteNonSolid: %v", err)
	}
	if !hdr.Compressed() {
		t.Fatal("expected compressed header")
	}

	h, err := Open(memReaderAt(buf.Bytes()), hdr, c, chunkSize, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Exercise a read that spans a chunk boundary, not just a full read.
	mid := len(data)/2 - 17
	span := chunkSize + 100
	out := make([]byte, span)
	if _, err := h.ReadRange(int64(mid), int64(span), out); err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if !bytes.Equal(out, data[mid:mid+span]) {
		t.Fatal("spanning read mismatch")
	}

	full := make([]byte, len(data))
	if _, err := h.ReadRange(0, int64(len(data)), full); err != nil {
		t.Fatalf("ReadRange full: %v", err)
	}
	if !bytes.Equal(full, data) {
		t.Fatal("full round trip mismatch")
	}
}

func TestCompressedPipableRoundTrip(t *testing.T) {
	c, err := codec.ForType(codec.XPRESS)
	if err != nil {
		t.Fatal(err)
	}
	data := bytes.Repeat([]byte("pipable chunked resource content. "), 1500)
	const chunkSize = 4096

	var buf bytes.Buffer
	hdr, err := WriteNonSolid(&buf, 0, data, c, chunkSize, true)
	if err != nil {
		t.Fatalf("WriteNonSolid: %v", err)
	}

	h, err := Open(memReaderAt(buf.Bytes()), hdr, c, chunkSize, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	out := make([]byte, len(data))
	if _, err := h.ReadRange(0, int64(len(data)), out); err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Fatal("pipable round trip mismatch")
	}
}

func TestSolidRoundTrip(t *testing.T) {
	c, err := codec.ForType(codec.XPRESS)
	if err != nil {
		t.Fatal(err)
	}
	blobs := [][]byte{
		bytes.Repeat([]byte("first blob "), 500),
		bytes.Repeat([]byte("second blob, a bit longer than the first one "), 400),
		[]byte("tiny third blob"),
	}
	const chunkSize = 4096

	var buf bytes.Buffer
	hdr, locs, err := WriteSolid(&buf, 0, blobs, c, chunkSize, false)
	if err != nil {
		t.Fatalf("WriteSolid: %v", err)
	}
	if !hdr.Solid() {
		t.Fatal("expected solid header")
	}
	if len(locs) != len(blobs) {
		t.Fatalf("len(locs) = %d, want %d", len(locs), len(blobs))
	}

	h, err := Open(memReaderAt(buf.Bytes()), hdr, c, chunkSize, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i, b := range blobs {
		out := make([]byte, locs[i].Size)
		if _, err := h.ReadRange(int64(locs[i].OffsetInRes), int64(locs[i].Size), out); err != nil {
			t.Fatalf("blob %d: ReadRange: %v", i, err)
		}
		if !bytes.Equal(out, b) {
			t.Fatalf("blob %d: mismatch", i)
		}
	}
}

func TestSolidRequiresCompression(t *testing.T) {
	var buf bytes.Buffer
	if _, _, err := WriteSolid(&buf, 0, [][]byte{[]byte("x")}, nil, 4096, false); err == nil {
		t.Fatal("expected error for uncompressed solid resource")
	}
}

func TestSolidRejectsPipable(t *testing.T) {
	c, err := codec.ForType(codec.XPRESS)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if _, _, err := WriteSolid(&buf, 0, [][]byte{[]byte("x")}, c, 4096, true); err == nil {
		t.Fatal("expected error for solid+pipable combination")
	}
}

func TestCanRawCopy(t *testing.T) {
	if !CanRawCopy(codec.XPRESS, codec.XPRESS, 4096, 4096) {
		t.Fatal("identical format/chunk size should allow raw copy")
	}
	if CanRawCopy(codec.XPRESS, codec.LZX, 4096, 4096) {
		t.Fatal("differing format should not allow raw copy")
	}
	if CanRawCopy(codec.XPRESS, codec.XPRESS, 4096, 8192) {
		t.Fatal("differing chunk size should not allow raw copy")
	}
}

func TestRawCopy(t *testing.T) {
	c, err := codec.ForType(codec.XPRESS)
	if err != nil {
		t.Fatal(err)
	}
	data := bytes.Repeat([]byte("raw-copied resource "), 300)
	const chunkSize = 4096

	var src bytes.Buffer
	hdr, err := WriteNonSolid(&src, 0, data, c, chunkSize, false)
	if err != nil {
		t.Fatalf("WriteNonSolid: %v", err)
	}

	var dst bytes.Buffer
	n, err := RawCopy(&dst, memReaderAt(src.Bytes()), hdr)
	if err != nil {
		t.Fatalf("RawCopy: %v", err)
	}
	if n != int64(hdr.SizeInWIM) {
		t.Fatalf("RawCopy copied %d bytes, want %d", n, hdr.SizeInWIM)
	}

	hdr.OffsetInWIM = 0
	h, err := Open(memReaderAt(dst.Bytes()), hdr, c, chunkSize, false)
	if err != nil {
		t.Fatalf("Open copy: %v", err)
	}
	out := make([]byte, len(data))
	if _, err := h.ReadRange(0, int64(len(data)), out); err != nil {
		t.Fatalf("ReadRange copy: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Fatal("raw-copied resource mismatch")
	}
}

func TestHeaderValidateRejectsUncompressedSolid(t *testing.T) {
	h := Header{Flags: FlagSolid}
	if err := h.Validate(); err == nil {
		t.Fatal("expected validation error for solid-without-compressed header")
	}
}
