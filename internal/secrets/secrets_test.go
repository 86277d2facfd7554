package secrets

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/zalando/go-keyring"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "acct-1"); err != nil || ok {
		t.Fatalf("Get on empty store: ok=%v err=%v", ok, err)
	}
	if err := s.Set(ctx, "acct-1", "sk-one"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, "acct-2", "sk-two"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := s.Get(ctx, "acct-1")
	if err != nil || !ok || v != "sk-one" {
		t.Fatalf("Get=%q ok=%v err=%v", v, ok, err)
	}
	if err := s.Delete(ctx, "acct-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "acct-1"); ok {
		t.Fatal("expected acct-1 to be gone")
	}
	if err := s.Delete(ctx, "acct-1"); err != nil {
		t.Fatalf("second Delete should be a no-op: %v", err)
	}
	if v, ok, _ := s.Get(ctx, "acct-2"); !ok || v != "sk-two" {
		t.Fatalf("acct-2=%q ok=%v", v, ok)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "secrets.json")
	exerciseStore(t, NewFileStore(path))

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Fatalf("permissions=%o, want 600", perm)
	}
}

func TestKeyringStore(t *testing.T) {
	keyring.MockInit()
	exerciseStore(t, NewKeyringStore("echochat-test"))
}

func TestOpen(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	for _, backend := range []string{BackendFile, BackendMemory, BackendKeyring, ""} {
		if _, err := Open(backend, ""); err != nil {
			t.Fatalf("Open(%q): %v", backend, err)
		}
	}
	if _, err := Open("vault", ""); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
