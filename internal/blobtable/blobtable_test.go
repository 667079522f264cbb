package blobtable

import "testing"

func pending(data string, refs uint32) *PendingBlob {
	return &PendingBlob{Quick: ComputeQuickSignature([]byte(data)), Data: []byte(data), RefCount: refs}
}

func TestResolveNewBlob(t *testing.T) {
	tb := New()
	res, d := tb.Resolve(pending("hello", 1))
	if res != ResolveNew {
		t.Fatalf("Resolution = %v, want ResolveNew", res)
	}
	if d.RefCount != 1 {
		t.Fatalf("RefCount = %d, want 1", d.RefCount)
	}
	if got, ok := tb.Lookup(d.Hash); !ok || got != d {
		t.Fatal("inserted descriptor not found by Lookup")
	}
}

func TestResolveDuplicateOfExistingContainerBlob(t *testing.T) {
	tb := New()
	_, first := tb.Resolve(pending("dup content", 1))

	res, d := tb.Resolve(pending("dup content", 2))
	if res != ResolveDuplicateOfExisting {
		t.Fatalf("Resolution = %v, want ResolveDuplicateOfExisting", res)
	}
	if d != first {
		t.Fatal("expected the same descriptor to be returned")
	}
	if d.RefCount != 3 {
		t.Fatalf("RefCount = %d, want 3 (1 + 2)", d.RefCount)
	}
}

func TestResolveDuplicateWithinWriteSet(t *testing.T) {
	tb := New()
	tb.BeginWriteSet()
	defer tb.EndWriteSet()

	_, first := tb.Resolve(pending("staged content", 1))
	res, d := tb.Resolve(pending("staged content", 4))
	if res != ResolveDuplicateInWriteSet {
		t.Fatalf("Resolution = %v, want ResolveDuplicateInWriteSet", res)
	}
	if d != first || d.RefCount != 5 {
		t.Fatalf("expected refcount folded into the first descriptor, got %+v", d)
	}
}

func TestResolveOutsideWriteSetNeverReportsInWriteSet(t *testing.T) {
	tb := New()
	_, first := tb.Resolve(pending("no write set", 1))
	res, d := tb.Resolve(pending("no write set", 1))
	if res != ResolveDuplicateOfExisting {
		t.Fatalf("Resolution = %v, want ResolveDuplicateOfExisting outside any write set", res)
	}
	if d != first {
		t.Fatal("expected the original descriptor")
	}
}

func TestMaybeDuplicateBySize(t *testing.T) {
	tb := New()
	if tb.MaybeDuplicateBySize(5) {
		t.Fatal("empty table should report no possible duplicate")
	}
	tb.Resolve(pending("abcde", 1))
	if !tb.MaybeDuplicateBySize(5) {
		t.Fatal("expected a size match after inserting a 5-byte blob")
	}
	if tb.MaybeDuplicateBySize(6) {
		t.Fatal("size 6 should not match a 5-byte blob")
	}
}

func TestMatchingQuickSignatureNarrowsSizeCollisions(t *testing.T) {
	tb := New()
	_, a := tb.Resolve(pending("aaaaa", 1))
	tb.Resolve(pending("bbbbb", 1)) // same size, different content/xxhash

	matches := tb.MatchingQuickSignature(ComputeQuickSignature([]byte("aaaaa")))
	if len(matches) != 1 || matches[0] != a {
		t.Fatalf("MatchingQuickSignature = %v, want exactly [a]", matches)
	}
}

func TestReleaseDecrementsThenRemoves(t *testing.T) {
	tb := New()
	_, d := tb.Resolve(pending("releasable", 3))

	if tb.Release(d.Hash, 2) {
		t.Fatal("expected the blob to survive a partial release")
	}
	if d.RefCount != 1 {
		t.Fatalf("RefCount after partial release = %d, want 1", d.RefCount)
	}

	if !tb.Release(d.Hash, 1) {
		t.Fatal("expected the blob to be removed once refcount reaches zero")
	}
	if _, ok := tb.Lookup(d.Hash); ok {
		t.Fatal("blob should no longer be present after removal")
	}
	if tb.MaybeDuplicateBySize(d.Size) {
		t.Fatal("size index should be cleaned up on removal")
	}
}

func TestAllReturnsEveryDescriptor(t *testing.T) {
	tb := New()
	tb.Resolve(pending("one", 1))
	tb.Resolve(pending("two", 1))
	tb.Resolve(pending("three", 1))

	all := tb.All()
	if len(all) != 3 {
		t.Fatalf("All() returned %d descriptors, want 3", len(all))
	}
}
