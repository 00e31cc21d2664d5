package pkgfile

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestAppendReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	f, err := Open(filepath.Join(dir, "archive.0.pack"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	off1, err := f.Append("block-1", []byte("hello"))
	if err != nil {
		t.Fatalf("append 1: %v", err)
	}
	off2, err := f.Append("block-2", []byte("world!!"))
	if err != nil {
		t.Fatalf("append 2: %v", err)
	}
	if off2 <= off1 {
		t.Fatalf("expected monotonically increasing offsets, got %d then %d", off1, off2)
	}

	name, data, err := f.Read(off1)
	if err != nil || name != "block-1" || !bytes.Equal(data, []byte("hello")) {
		t.Fatalf("read 1 mismatch: name=%q data=%q err=%v", name, data, err)
	}
	name, data, err = f.Read(off2)
	if err != nil || name != "block-2" || !bytes.Equal(data, []byte("world!!")) {
		t.Fatalf("read 2 mismatch: name=%q data=%q err=%v", name, data, err)
	}
}

// TestCrashRecoveryTruncate is scenario S6 of spec.md §8: a package of
// length L has an aborted write appended past it; reopening and truncating
// to L must make the next Append land exactly at offset L again.
func TestCrashRecoveryTruncate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "archive.0.pack")

	f, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.Append("committed", []byte("abc")); err != nil {
		t.Fatalf("append committed record: %v", err)
	}
	committedLen := f.Size()

	// Simulate a write that made it to disk but whose KV commit never
	// happened: the package is now longer than its recorded status.
	if _, err := f.Append("aborted", []byte("should not survive")); err != nil {
		t.Fatalf("append aborted record: %v", err)
	}
	if f.Size() == committedLen {
		t.Fatalf("test setup broken: aborted append did not grow the file")
	}
	f.Close()

	// "Restart": reopen and truncate to the KV-recorded length.
	f2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer f2.Close()
	if err := f2.Truncate(committedLen); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if f2.Size() != committedLen {
		t.Fatalf("size after truncate = %d, want %d", f2.Size(), committedLen)
	}

	name, data, err := f2.Read(0)
	if err != nil || name != "committed" || !bytes.Equal(data, []byte("abc")) {
		t.Fatalf("committed record lost after recovery: name=%q data=%q err=%v", name, data, err)
	}

	off, err := f2.Append("next", []byte("x"))
	if err != nil {
		t.Fatalf("append after recovery: %v", err)
	}
	if off != committedLen {
		t.Fatalf("post-recovery append landed at %d, want %d", off, committedLen)
	}
}
