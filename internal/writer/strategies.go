package writer

import (
	"context"
	"io"
	"os"
	"sort"

	"github.com/google/renameio"
	"golang.org/x/xerrors"

	"github.com/distr1/gowim/internal/blobtable"
	"github.com/distr1/gowim/internal/container"
)

// Lock wraps an advisory exclusive lock taken on an *os.File for the
// lifetime of an in-place write, released on Unlock or when the write's
// caller closes the file.
type Lock struct{ f *os.File }

// AcquireLock locks f for the duration of an in-place write (append or
// compaction); rebuild-via-temp-file never touches the original file and
// so never needs this.
func AcquireLock(f *os.File) (*Lock, error) {
	if err := container.Lock(int(f.Fd())); err != nil {
		return nil, xerrors.Errorf("writer: %w", err)
	}
	return &Lock{f: f}, nil
}

// Release drops the lock.
func (l *Lock) Release() error {
	if err := container.Unlock(int(l.f.Fd())); err != nil {
		return xerrors.Errorf("writer: %w", err)
	}
	return nil
}

// WriteAppend implements strategy 1: f already holds the existing
// container; new resources are appended starting at appendAt (the
// recorded end of existing data, i.e. before the old integrity table if
// any), and the header is rewritten last. On failure the file is
// truncated back to appendAt so earlier bytes remain a valid, older
// container — the crash window is limited to the final header rewrite.
func WriteAppend(ctx context.Context, f *os.File, header container.Header, appendAt uint64, req Request) (container.Header, error) {
	inProgress := header
	inProgress.Flags |= container.FlagWriteInProgress
	if err := container.WriteHeaderAt(f, inProgress); err != nil {
		return container.Header{}, xerrors.Errorf("writer: marking write-in-progress: %w", err)
	}
	if _, err := f.Seek(int64(appendAt), io.SeekStart); err != nil {
		return container.Header{}, xerrors.Errorf("writer: seeking to append point: %w", err)
	}
	if req.ReaderAt == nil {
		req.ReaderAt = func() (io.ReaderAt, error) { return f, nil }
	}

	res, err := writeBody(ctx, f, req)
	if err != nil {
		f.Truncate(int64(appendAt))
		return container.Header{}, err
	}

	final := header
	final.BlobTable = res.BlobTable
	final.XML = res.XML
	final.Integrity = res.Integrity
	final.Flags &^= container.FlagWriteInProgress
	if err := container.WriteHeaderAt(f, final); err != nil {
		return container.Header{}, xerrors.Errorf("writer: rewriting header: %w", err)
	}
	if req.Flags&FlagFsync != 0 {
		if err := f.Sync(); err != nil {
			return container.Header{}, xerrors.Errorf("writer: fsync: %w", err)
		}
	}
	return final, nil
}

// WriteRebuild implements strategy 2: the whole container is written fresh
// to a temp file alongside path and atomically renamed over it on success,
// via github.com/google/renameio's temp-file-then-rename idiom. A failure
// leaves the original file completely untouched.
func WriteRebuild(ctx context.Context, path string, header container.Header, req Request) (container.Header, error) {
	t, err := renameio.TempFile("", path)
	if err != nil {
		return container.Header{}, xerrors.Errorf("writer: creating temp file: %w", err)
	}
	defer t.Cleanup()

	placeholder := header
	placeholder.Flags |= container.FlagWriteInProgress
	if _, err := t.Write(placeholder.Marshal()); err != nil {
		return container.Header{}, xerrors.Errorf("writer: writing placeholder header: %w", err)
	}

	if req.ReaderAt == nil {
		req.ReaderAt = func() (io.ReaderAt, error) { return t, nil }
	}

	res, err := writeBody(ctx, t, req)
	if err != nil {
		return container.Header{}, err
	}

	final := header
	final.BlobTable = res.BlobTable
	final.XML = res.XML
	final.Integrity = res.Integrity
	final.Flags &^= container.FlagWriteInProgress
	if _, err := t.WriteAt(final.Marshal(), 0); err != nil {
		return container.Header{}, xerrors.Errorf("writer: writing final header: %w", err)
	}
	if req.Flags&FlagFsync != 0 {
		if err := t.Sync(); err != nil {
			return container.Header{}, xerrors.Errorf("writer: fsync: %w", err)
		}
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return container.Header{}, xerrors.Errorf("writer: finalizing rebuilt file: %w", err)
	}
	return final, nil
}

// WriteFresh writes a brand-new container to w, a plain io.Writer that is
// not assumed to be seekable: a pipe, a socket, or any other fd handed to a
// write-to-fd call. The header is written twice — once as a write-in-progress
// placeholder before the body, and once more, final, after it — except that
// when w also implements io.WriterAt the second copy overwrites the first
// in place instead of trailing the file, since there's no reason to pay the
// placeholder's extra header-sized cost on a container that can seek back.
// A pipable request always gets the trailing copy regardless, since that
// is what makes pipable output readable by something that can only consume
// it sequentially.
func WriteFresh(ctx context.Context, w io.Writer, header container.Header, req Request) (container.Header, error) {
	placeholder := header
	placeholder.Flags |= container.FlagWriteInProgress
	if _, err := w.Write(placeholder.Marshal()); err != nil {
		return container.Header{}, xerrors.Errorf("writer: writing placeholder header: %w", err)
	}

	if req.ReaderAt == nil {
		if ra, ok := w.(io.ReaderAt); ok {
			req.ReaderAt = func() (io.ReaderAt, error) { return ra, nil }
		}
	}

	res, err := WriteBody(ctx, w, uint64(container.HeaderSize), req)
	if err != nil {
		return container.Header{}, err
	}

	final := header
	final.BlobTable = res.BlobTable
	final.XML = res.XML
	final.Integrity = res.Integrity
	final.Flags &^= container.FlagWriteInProgress

	if wat, ok := w.(io.WriterAt); ok && req.Flags&FlagPipable == 0 {
		if _, err := wat.WriteAt(final.Marshal(), 0); err != nil {
			return container.Header{}, xerrors.Errorf("writer: writing final header: %w", err)
		}
		return final, nil
	}
	if _, err := w.Write(final.Marshal()); err != nil {
		return container.Header{}, xerrors.Errorf("writer: writing trailing header copy: %w", err)
	}
	return final, nil
}

// CompactResources implements strategy 3's preliminary pass: every live
// resource named by descs (descriptors sharing a solid resource are
// grouped and moved together) is copied, or left in place, so resources
// sit back-to-back starting at headerEnd with no gaps, in ascending
// original-offset order. It refuses outright if any two distinct
// resources overlap, refusing outright rather than guessing which one to
// keep.
func CompactResources(f *os.File, headerEnd uint64, descs []*blobtable.Descriptor) (uint64, error) {
	type resGroup struct {
		offset, size uint64
		members      []*blobtable.Descriptor
	}
	byOffset := make(map[uint64]*resGroup)
	var offsets []uint64
	for _, d := range descs {
		g, ok := byOffset[d.Resource.OffsetInWIM]
		if !ok {
			g = &resGroup{offset: d.Resource.OffsetInWIM, size: d.Resource.SizeInWIM}
			byOffset[d.Resource.OffsetInWIM] = g
			offsets = append(offsets, d.Resource.OffsetInWIM)
		}
		g.members = append(g.members, d)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	for i := 1; i < len(offsets); i++ {
		prev := byOffset[offsets[i-1]]
		if offsets[i] < prev.offset+prev.size {
			return 0, xerrors.New("writer: overlapping resources, refusing to compact in place")
		}
	}

	cursor := headerEnd
	for _, off := range offsets {
		g := byOffset[off]
		if g.offset != cursor {
			buf := make([]byte, g.size)
			if _, err := f.ReadAt(buf, int64(g.offset)); err != nil {
				return 0, xerrors.Errorf("writer: reading resource at %d: %w", g.offset, err)
			}
			if _, err := f.WriteAt(buf, int64(cursor)); err != nil {
				return 0, xerrors.Errorf("writer: moving resource to %d: %w", cursor, err)
			}
		}
		for _, d := range g.members {
			d.Resource.OffsetInWIM = cursor
		}
		cursor += g.size
	}
	return cursor, nil
}

// WriteCompact implements strategy 3: existing live resources named by
// preserve are compacted starting immediately after the header (dropping
// the gaps left by deleted images), then new resources are appended and
// the file is truncated to the new end. This strategy is explicit
// opt-in only (FlagUnsafeCompact) and is not crash-safe: a failure partway
// through can leave the file in an unrecoverable state.
func WriteCompact(ctx context.Context, f *os.File, header container.Header, preserve []*blobtable.Descriptor, req Request) (container.Header, error) {
	inProgress := header
	inProgress.Flags |= container.FlagWriteInProgress
	if err := container.WriteHeaderAt(f, inProgress); err != nil {
		return container.Header{}, xerrors.Errorf("writer: marking write-in-progress: %w", err)
	}

	nextOffset, err := CompactResources(f, container.HeaderSize, preserve)
	if err != nil {
		return container.Header{}, err
	}
	if _, err := f.Seek(int64(nextOffset), io.SeekStart); err != nil {
		return container.Header{}, xerrors.Errorf("writer: seeking past compacted resources: %w", err)
	}

	if req.ReaderAt == nil {
		req.ReaderAt = func() (io.ReaderAt, error) { return f, nil }
	}

	res, err := writeBody(ctx, f, req)
	if err != nil {
		return container.Header{}, err
	}
	if err := f.Truncate(int64(res.EndOffset)); err != nil {
		return container.Header{}, xerrors.Errorf("writer: truncating to new end: %w", err)
	}

	final := header
	final.BlobTable = res.BlobTable
	final.XML = res.XML
	final.Integrity = res.Integrity
	final.Flags &^= container.FlagWriteInProgress
	if err := container.WriteHeaderAt(f, final); err != nil {
		return container.Header{}, xerrors.Errorf("writer: rewriting header: %w", err)
	}
	if req.Flags&FlagFsync != 0 {
		if err := f.Sync(); err != nil {
			return container.Header{}, xerrors.Errorf("writer: fsync: %w", err)
		}
	}
	return final, nil
}
