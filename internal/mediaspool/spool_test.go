package mediaspool

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestSpool(t *testing.T) (*Spool, string) {
	t.Helper()
	dir := t.TempDir()
	spool, err := New(dir, nil)
	if err != nil {
		t.Fatalf("new spool failed: %v", err)
	}
	t.Cleanup(func() { _ = spool.Close() })
	return spool, dir
}

func TestResolveExistingCapture(t *testing.T) {
	dir := t.TempDir()
	want := []byte("jpeg bytes")
	if err := os.WriteFile(filepath.Join(dir, "photo-001.jpg"), want, 0o644); err != nil {
		t.Fatalf("write capture: %v", err)
	}

	spool, err := New(dir, nil)
	if err != nil {
		t.Fatalf("new spool failed: %v", err)
	}
	defer spool.Close()

	got, err := spool.Resolve("photo-001.jpg")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("resolved bytes mismatch: got %q", got)
	}
}

func TestResolveMissingCaptureIsUnresolved(t *testing.T) {
	spool, _ := newTestSpool(t)
	if _, err := spool.Resolve("never-captured.jpg"); !errors.Is(err, ErrUnresolved) {
		t.Fatalf("expected ErrUnresolved, got %v", err)
	}
}

func TestResolveRejectsPathTraversal(t *testing.T) {
	spool, dir := newTestSpool(t)
	outside := filepath.Join(filepath.Dir(dir), "secret.txt")
	if err := os.WriteFile(outside, []byte("not yours"), 0o644); err != nil {
		t.Fatalf("write outside file: %v", err)
	}

	for _, ref := range []string{
		"../secret.txt",
		"sub/photo.jpg",
		"..",
		"",
		"  ",
	} {
		if _, err := spool.Resolve(ref); !errors.Is(err, ErrUnresolved) {
			t.Fatalf("expected ErrUnresolved for %q, got %v", ref, err)
		}
	}
}

func TestResolveFindsLateCapture(t *testing.T) {
	spool, dir := newTestSpool(t)

	// Written after the spool started; the stat fallback covers any watcher
	// lag so this must resolve immediately.
	want := []byte("signature strokes")
	if err := os.WriteFile(filepath.Join(dir, "sig-42.png"), want, 0o644); err != nil {
		t.Fatalf("write capture: %v", err)
	}
	got, err := spool.Resolve("sig-42.png")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("resolved bytes mismatch: got %q", got)
	}
}

func TestRescanPicksUpAndDropsFiles(t *testing.T) {
	spool, dir := newTestSpool(t)

	path := filepath.Join(dir, "photo-7.jpg")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write capture: %v", err)
	}
	if err := spool.Rescan(); err != nil {
		t.Fatalf("rescan failed: %v", err)
	}
	if _, err := spool.Resolve("photo-7.jpg"); err != nil {
		t.Fatalf("resolve after rescan failed: %v", err)
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove capture: %v", err)
	}
	if err := spool.Rescan(); err != nil {
		t.Fatalf("rescan failed: %v", err)
	}
	if _, err := spool.Resolve("photo-7.jpg"); !errors.Is(err, ErrUnresolved) {
		t.Fatalf("expected ErrUnresolved after removal, got %v", err)
	}
}

func TestNewRequiresDirectory(t *testing.T) {
	if _, err := New("", nil); err == nil {
		t.Fatalf("expected error for empty directory")
	}
}
