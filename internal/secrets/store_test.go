package secrets

import (
	"path/filepath"
	"testing"
)

func testStoreBehavior(t *testing.T, s Store) {
	t.Helper()

	if _, ok, err := s.Get("absent"); err != nil || ok {
		t.Fatalf("Get(absent) = ok=%v err=%v, want ok=false err=nil", ok, err)
	}

	if err := s.Set("k", "v1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := s.Get("k")
	if err != nil || !ok || v != "v1" {
		t.Fatalf("Get(k) = (%q, %v, %v), want (v1, true, nil)", v, ok, err)
	}

	if err := s.Set("k", "v2"); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}
	v, ok, _ = s.Get("k")
	if !ok || v != "v2" {
		t.Fatalf("Get after overwrite = (%q, %v), want (v2, true)", v, ok)
	}

	if err := s.Delete("k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Get("k"); ok {
		t.Fatal("Get after Delete reported the key present")
	}

	// Deleting a missing key is not an error.
	if err := s.Delete("k"); err != nil {
		t.Fatalf("Delete(missing): %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	testStoreBehavior(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault", "secrets.db")
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()

	testStoreBehavior(t, s)
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.db")

	s1, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := s1.Set("cdev/tokens/example.com", `{"access_token":"a"}`); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	v, ok, err := s2.Get("cdev/tokens/example.com")
	if err != nil || !ok {
		t.Fatalf("Get after reopen = ok=%v err=%v, want ok=true", ok, err)
	}
	if v != `{"access_token":"a"}` {
		t.Fatalf("value = %q, want stored JSON", v)
	}
}

func TestSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore("  "); err == nil {
		t.Fatal("NewSQLiteStore with blank path must fail")
	}
}
