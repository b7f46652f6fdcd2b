package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestMemoryStore_PutGetDelete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing = %v, want ErrNotFound", err)
	}

	if err := s.Put(ctx, "k", []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "v1" {
		t.Errorf("Get = %q, want %q", got, "v1")
	}

	if err := s.Put(ctx, "k", []byte("v2")); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	got, _ = s.Get(ctx, "k")
	if string(got) != "v2" {
		t.Errorf("Get after overwrite = %q, want %q", got, "v2")
	}

	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Errorf("Delete missing key = %v, want nil", err)
	}
}

func TestMemoryStore_GetCopiesValue(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Put(ctx, "k", []byte("abc")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, _ := s.Get(ctx, "k")
	got[0] = 'X'
	again, _ := s.Get(ctx, "k")
	if string(again) != "abc" {
		t.Errorf("stored value mutated through returned slice: %q", again)
	}
}

func TestFileStore_PutGetDelete(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()

	if _, err := s.Get(ctx, "auth.access_token"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing = %v, want ErrNotFound", err)
	}

	if err := s.Put(ctx, "auth.access_token", []byte(`"tok"`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, "auth.access_token")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `"tok"` {
		t.Errorf("Get = %q, want %q", got, `"tok"`)
	}

	if err := s.Delete(ctx, "auth.access_token"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "auth.access_token"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
}

func TestFileStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := s1.Put(ctx, "auth.fallback_session", []byte("{}")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	s2, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore reopen: %v", err)
	}
	got, err := s2.Get(ctx, "auth.fallback_session")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if string(got) != "{}" {
		t.Errorf("Get = %q, want %q", got, "{}")
	}
}

func TestFileStore_FilePermissions(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewFileStore(dir)
	ctx := context.Background()

	if err := s.Put(ctx, "auth.refresh_token", []byte("secret")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	info, err := os.Stat(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("file perm = %o, want 600", perm)
	}
}

func TestNewFileStore_EmptyDir(t *testing.T) {
	if _, err := NewFileStore(""); err == nil {
		t.Error("NewFileStore(\"\") should fail")
	}
}
