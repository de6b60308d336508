package tempfiles

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteKeyCreatesFileWithRestrictedPerms(t *testing.T) {
	base := t.TempDir()
	s := NewSession(base, "sess-1")

	path, err := s.WriteKey("id_ed25519", []byte("fake-key-bytes"))
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Dir(path) != s.Dir() {
		t.Errorf("expected key under %s, got %s", s.Dir(), path)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected mode 0600, got %v", info.Mode().Perm())
	}
}

func TestWriteKeyRejectsTraversal(t *testing.T) {
	base := t.TempDir()
	s := NewSession(base, "sess-1")

	if _, err := s.WriteKey("../../etc/passwd", []byte("x")); err != ErrForbiddenPath {
		t.Fatalf("expected ErrForbiddenPath, got %v", err)
	}
	if _, err := s.WriteKey("/etc/passwd", []byte("x")); err != ErrForbiddenPath {
		t.Fatalf("expected ErrForbiddenPath for absolute path, got %v", err)
	}
}

func TestCleanupIsIdempotent(t *testing.T) {
	base := t.TempDir()
	s := NewSession(base, "sess-1")
	if _, err := s.WriteKey("id_ed25519", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := s.Cleanup(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(s.Dir()); !os.IsNotExist(err) {
		t.Fatalf("expected session dir to be removed, stat err = %v", err)
	}
	if err := s.Cleanup(); err != nil {
		t.Fatalf("second cleanup should be a no-op, got %v", err)
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	base := t.TempDir()
	a := NewSession(base, "sess-a")
	b := NewSession(base, "sess-b")
	if a.Dir() == b.Dir() {
		t.Fatal("expected distinct session directories")
	}
}
