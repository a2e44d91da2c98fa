package dotenv

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSetAllCreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")

	changed, err := SetAll(path, map[string]string{"PUBLIC_URL": "https://app-fkmc.cicd.eu1.asd.engineer"})
	if err != nil {
		t.Fatalf("SetAll: %v", err)
	}
	if !changed {
		t.Fatal("expected changed=true on first write")
	}

	got, err := Get(path, "PUBLIC_URL")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "https://app-fkmc.cicd.eu1.asd.engineer" {
		t.Fatalf("got %q", got)
	}
}

func TestSetAllIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")

	if _, err := SetAll(path, map[string]string{"A": "1"}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	changed, err := SetAll(path, map[string]string{"A": "1"})
	if err != nil {
		t.Fatalf("second write: %v", err)
	}
	if changed {
		t.Fatal("expected no change when value is unchanged")
	}
}

func TestSetAllPreservesUnrelatedKeysAndComments(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	initial := "# top comment\nFOO=bar\n\nBAZ=qux\n"
	if err := os.WriteFile(path, []byte(initial), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := SetAll(path, map[string]string{"FOO": "updated"}); err != nil {
		t.Fatalf("SetAll: %v", err)
	}

	kv, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if kv["FOO"] != "updated" || kv["BAZ"] != "qux" {
		t.Fatalf("unexpected kv: %+v", kv)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !contains(string(raw), "# top comment") {
		t.Fatalf("comment dropped: %q", raw)
	}
}

func TestSetAllQuotesValuesWithSpaces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if _, err := SetAll(path, map[string]string{"MSG": "hello world"}); err != nil {
		t.Fatalf("SetAll: %v", err)
	}
	got, err := Get(path, "MSG")
	if err != nil {
		t.Fatal(err)
	}
	if got != "hello world" {
		t.Fatalf("got %q", got)
	}
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	kv, err := Load(filepath.Join(t.TempDir(), "nope.env"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(kv) != 0 {
		t.Fatalf("expected empty map, got %+v", kv)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}
