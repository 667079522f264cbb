package xpress

import (
	"bytes"
	"testing"
)

func TestCompressDecompressRoundTrip(t *testing.T) {
	in := bytes.Repeat([]byte("xpress huffman round trip payload "), 200)
	if len(in) > MaxChunkSize {
		in = in[:MaxChunkSize]
	}
	compressed := Compress(in)

	out := make([]byte, len(in))
	if err := Decompress(compressed, out); err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(in, out) {
		t.Fatal("round trip mismatch")
	}
}

func TestDecompressRejectsShortHeader(t *testing.T) {
	if err := Decompress([]byte{1, 2, 3}, make([]byte, 4)); err == nil {
		t.Fatal("expected a too-short header to be rejected")
	}
}

func TestDecompressOverrunReadsZero(t *testing.T) {
	// Demanding more output than the stream actually encodes does not
	// error (truncated-bitstream reads are zero bits by design, matching
	// internal/bitstream's Reader); it simply pads with decoded zero
	// symbols instead of corrupting earlier output.
	compressed := Compress([]byte("hello"))
	out := make([]byte, 5+16)
	if err := Decompress(compressed, out); err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(out[:5], []byte("hello")) {
		t.Fatalf("prefix = %q, want %q", out[:5], "hello")
	}
}
