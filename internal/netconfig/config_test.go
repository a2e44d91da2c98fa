package netconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestParseFileBasic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "net.config.yaml")
	writeFile(t, path, `
version: 1
project:
  name: demo
network:
  services:
    myapp:
      dial: 127.0.0.1:3000
      public: true
      subdomain: myapp
      hosts: ["myapp.localhost"]
`)
	res, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	svc, ok := res.Config.Network.Services["myapp"]
	if !ok {
		t.Fatal("expected myapp service")
	}
	if svc.Dial != "127.0.0.1:3000" || !svc.Public {
		t.Fatalf("got %+v", svc)
	}
}

func TestParseFileMissingProjectNameIsConfigError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "net.config.yaml")
	writeFile(t, path, "version: 1\n")
	if _, err := ParseFile(path); err == nil {
		t.Fatal("expected config error for missing project.name")
	}
}

func TestParseFileWarnsOnUnroutableService(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "net.config.yaml")
	writeFile(t, path, `
project:
  name: demo
network:
  services:
    orphan:
      dial: 127.0.0.1:4000
`)
	res, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if len(res.Warnings) == 0 {
		t.Fatal("expected a warning about unroutable service")
	}
}

func TestParseManifestStampsSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "net.manifest.yaml")
	writeFile(t, path, `
name: my-plugin
services:
  db:
    dial: 127.0.0.1:5432
`)
	m, err := ParseManifest(path)
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if m.Services["db"].Source != "my-plugin" {
		t.Fatalf("expected source stamped, got %+v", m.Services["db"])
	}
}

func TestLoadPluginManifestsMissingFileErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadPluginManifests(dir, []string{"missing-plugin"}); err == nil {
		t.Fatal("expected error for missing plugin manifest")
	}
}
