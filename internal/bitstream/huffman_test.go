package bitstream

import "testing"

func TestDecodeTableRoundTrip(t *testing.T) {
	// A small canonical code: symbol 0 len 1, symbol 1 len 2, symbol 2 len 3, symbol 3 len 3.
	lens := []byte{1, 2, 3, 3}
	enc, err := BuildEncodeTable(lens)
	if err != nil {
		t.Fatal(err)
	}
	dec, err := BuildDecodeTable(lens, 3)
	if err != nil {
		t.Fatal(err)
	}

	w := NewWriter()
	seq := []int{0, 1, 2, 3, 0, 3, 1, 0}
	for _, s := range seq {
		enc.Encode(w, s)
	}
	r := NewReader(w.Bytes())
	for i, want := range seq {
		got, err := dec.Decode(r)
		if err != nil {
			t.Fatalf("symbol %d: %v", i, err)
		}
		if int(got) != want {
			t.Fatalf("symbol %d = %d, want %d", i, got, want)
		}
	}
}

func TestDecodeTableWithSubtable(t *testing.T) {
	// A complete prefix code (Kraft sum == 1) with lengths 1..7 once each
	// and length 8 twice: sum(2^-1..2^-7) + 2*2^-8 == 1 exactly. Its max
	// length (8) exceeds the 3-bit primary table, forcing subtable use.
	lens := []byte{1, 2, 3, 4, 5, 6, 7, 8, 8}

	enc, err := BuildEncodeTable(lens)
	if err != nil {
		t.Fatal(err)
	}
	dec, err := BuildDecodeTable(lens, 3) // primary table narrower than max length 8
	if err != nil {
		t.Fatal(err)
	}

	w := NewWriter()
	seq := []int{0, 1, 5, 8, 3, 7, 0, 2}
	for _, s := range seq {
		enc.Encode(w, s)
	}
	r := NewReader(w.Bytes())
	for i, want := range seq {
		got, err := dec.Decode(r)
		if err != nil {
			t.Fatalf("symbol %d: %v", i, err)
		}
		if int(got) != want {
			t.Fatalf("symbol %d = %d, want %d", i, got, want)
		}
	}
}

func TestBuildDecodeTableRejectsOversubscribed(t *testing.T) {
	// Two symbols both claiming the 1-bit code space plus more: impossible.
	lens := []byte{1, 1, 1}
	if _, err := BuildDecodeTable(lens, 2); err == nil {
		t.Fatal("expected over-subscribed code to be rejected")
	}
}

func TestBuildDecodeTableAcceptsEmptyCode(t *testing.T) {
	lens := make([]byte, 8)
	tbl, err := BuildDecodeTable(lens, 3)
	if err != nil {
		t.Fatalf("empty code should be accepted: %v", err)
	}
	r := NewReader([]byte{0, 0})
	if _, err := tbl.Decode(r); err == nil {
		t.Fatal("decoding from an empty table should fail")
	}
}

func TestBuildCodeLengthsLimitsMaxLen(t *testing.T) {
	freq := []uint32{1, 1, 1, 1, 1, 1, 1, 1, 1000000}
	lens := BuildCodeLengths(freq, 5)
	for i, l := range lens {
		if l > 5 {
			t.Fatalf("symbol %d has length %d, want <= 5", i, l)
		}
	}
	if _, err := BuildDecodeTable(lens, 5); err != nil {
		t.Fatalf("length-limited code should still build a table: %v", err)
	}
}
