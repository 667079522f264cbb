package gowim

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/distr1/gowim/internal/codec"
)

// memEntry is the in-memory Scanner fixture every test in this file
// builds its image from, rather than touching a real filesystem.
type memEntry struct {
	name     string
	data     []byte // nil for a directory
	children []memEntry
}

type memScanner struct{ root memEntry }

func (s *memScanner) Scan(ctx context.Context) (Entry, error) { return entryForMem(s.root), nil }

func entryForMem(m memEntry) Entry {
	e := Entry{Name: m.name}
	if m.data == nil && m.children != nil {
		e.Attributes = AttrDirectory
		kids := m.children
		e.Children = func() ([]Entry, error) {
			out := make([]Entry, len(kids))
			for i, k := range kids {
				out[i] = entryForMem(k)
			}
			return out, nil
		}
		return e
	}
	data := m.data
	e.Streams = []StreamSource{{
		Size: int64(len(data)),
		Open: func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(data)), nil },
	}}
	return e
}

func sampleTree() memEntry {
	return memEntry{children: []memEntry{
		{name: "readme.txt", data: []byte("hello, wim\n")},
		{name: "docs", children: []memEntry{
			{name: "a.txt", data: []byte("aaaa")},
			{name: "b.txt", data: []byte("bbbb")},
		}},
		{name: "empty.txt", data: []byte{}},
	}}
}

func collectNames(t *testing.T, c *Container, image int) []string {
	t.Helper()
	var names []string
	var walk func(path string) error
	walk = func(path string) error {
		return c.IterateDirTree(image, path, 0, func(e Entry) error {
			full := path + "/" + e.Name
			names = append(names, full)
			if e.Children != nil {
				return walk(full)
			}
			return nil
		})
	}
	if err := walk(""); err != nil {
		t.Fatalf("IterateDirTree: %v", err)
	}
	sort.Strings(names)
	return names
}

func TestCreateAddWriteReopenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.wim")

	c, err := Create(codec.XPRESS, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := c.AddImage(context.Background(), &memScanner{root: sampleTree()}, "base", 0); err != nil {
		t.Fatalf("AddImage: %v", err)
	}
	if err := c.Write(context.Background(), path, AllImages, WriteNoCheckIntegrity, 1); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path, OpenCheckIntegrity)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reopened.Close()

	if got, want := reopened.ImageCount(), 1; got != want {
		t.Fatalf("ImageCount = %d, want %d", got, want)
	}
	if got, want := reopened.ImageName(1), "base"; got != want {
		t.Fatalf("ImageName = %q, want %q", got, want)
	}

	want := []string{"/docs", "/docs/a.txt", "/docs/b.txt", "/empty.txt", "/readme.txt"}
	got := collectNames(t, reopened, 1)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("tree listing mismatch (-want +got):\n%s", diff)
	}

	target := filepath.Join(dir, "extracted")
	if err := reopened.ExtractImage(context.Background(), 1, target, 0); err != nil {
		t.Fatalf("ExtractImage: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(target, "readme.txt"))
	if err != nil {
		t.Fatalf("reading extracted file: %v", err)
	}
	if string(data) != "hello, wim\n" {
		t.Fatalf("extracted content = %q", data)
	}
	empty, err := os.ReadFile(filepath.Join(target, "empty.txt"))
	if err != nil {
		t.Fatalf("reading extracted empty file: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty.txt to extract empty, got %d bytes", len(empty))
	}
}

func TestAddImageRejectsDuplicateName(t *testing.T) {
	c, err := Create(codec.None, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer c.Close()
	ctx := context.Background()
	if _, err := c.AddImage(ctx, &memScanner{root: sampleTree()}, "dup", 0); err != nil {
		t.Fatalf("first AddImage: %v", err)
	}
	_, err = c.AddImage(ctx, &memScanner{root: sampleTree()}, "DUP", 0)
	var werr *Error
	if err == nil {
		t.Fatal("expected an error for a case-insensitive duplicate name")
	} else if !asError(err, &werr) || werr.Code != ErrImageNameCollision {
		t.Fatalf("got %v, want ErrImageNameCollision", err)
	}
}

func TestDeduplicatesIdenticalStreamContent(t *testing.T) {
	c, err := Create(codec.None, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer c.Close()
	tree := memEntry{children: []memEntry{
		{name: "a.txt", data: []byte("same bytes")},
		{name: "b.txt", data: []byte("same bytes")},
	}}
	if _, err := c.AddImage(context.Background(), &memScanner{root: tree}, "dedup", 0); err != nil {
		t.Fatalf("AddImage: %v", err)
	}
	if got, want := len(c.pendingBlobs), 1; got != want {
		t.Fatalf("pendingBlobs = %d, want %d (identical content must dedup)", got, want)
	}
}

func TestOverwriteAppendsNewImage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "grow.wim")

	c, err := Create(codec.XPRESS, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := c.AddImage(context.Background(), &memScanner{root: sampleTree()}, "first", 0); err != nil {
		t.Fatalf("AddImage: %v", err)
	}
	if err := c.Write(context.Background(), path, AllImages, WriteNoCheckIntegrity, 1); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	c2, err := Open(path, OpenWriteAccess)
	if err != nil {
		t.Fatalf("Open for write: %v", err)
	}
	defer c2.Close()
	if _, err := c2.AddImage(context.Background(), &memScanner{root: sampleTree()}, "second", 0); err != nil {
		t.Fatalf("second AddImage: %v", err)
	}
	if err := c2.Overwrite(context.Background(), WriteNoCheckIntegrity, 1); err != nil {
		t.Fatalf("Overwrite: %v", err)
	}
	if err := c2.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	final, err := Open(path, OpenCheckIntegrity)
	if err != nil {
		t.Fatalf("reopen after overwrite: %v", err)
	}
	defer final.Close()
	if got, want := final.ImageCount(), 2; got != want {
		t.Fatalf("ImageCount after append = %d, want %d", got, want)
	}
	if got, want := final.ImageName(2), "second"; got != want {
		t.Fatalf("ImageName(2) = %q, want %q", got, want)
	}
}

func TestSplitJoinRoundTrip(t *testing.T) {
	dir := t.TempDir()
	wholePath := filepath.Join(dir, "whole.wim")

	c, err := Create(codec.LZX, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	bigFile := memEntry{name: "big.bin", data: bytes.Repeat([]byte("0123456789"), 20000)}
	tree := memEntry{children: []memEntry{bigFile, {name: "small.txt", data: []byte("tiny")}}}
	if _, err := c.AddImage(context.Background(), &memScanner{root: tree}, "split-me", 0); err != nil {
		t.Fatalf("AddImage: %v", err)
	}
	if err := c.Write(context.Background(), wholePath, AllImages, WriteNoCheckIntegrity, 1); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(wholePath, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reopened.Close()

	parts, err := reopened.Split(filepath.Join(dir, "part.swm"), 64<<10, 0)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(parts) < 2 {
		t.Fatalf("expected Split to produce multiple parts for a >64KiB resource, got %d", len(parts))
	}

	var paths []string
	for _, p := range parts {
		paths = append(paths, p.Path)
	}
	joinedPath := filepath.Join(dir, "joined.wim")
	if _, err := Join(context.Background(), paths, joinedPath, codec.LZX, 0, 0); err != nil {
		t.Fatalf("Join: %v", err)
	}

	joined, err := Open(joinedPath, OpenCheckIntegrity)
	if err != nil {
		t.Fatalf("Open joined: %v", err)
	}
	defer joined.Close()
	if got, want := joined.ImageCount(), 1; got != want {
		t.Fatalf("joined ImageCount = %d, want %d", got, want)
	}
	if got, want := joined.ImageName(1), "split-me"; got != want {
		t.Fatalf("joined ImageName = %q, want %q", got, want)
	}
}

// asError reports whether err itself is an *Error (wrapped errors are not
// unwrapped), writing it into *target.
func asError(err error, target **Error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	*target = e
	return true
}
