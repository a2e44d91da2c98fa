package proxyctl

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestExpandHostsDropsEmpty(t *testing.T) {
	routes := ExpandHosts([]string{"myapp.localhost", "", "myapp-fkmc.example"}, Route{Dial: "127.0.0.1:3000"})
	if len(routes) != 2 {
		t.Fatalf("expected 2 routes, got %d: %+v", len(routes), routes)
	}
	for _, r := range routes {
		if r.Host == "" {
			t.Fatal("empty host leaked through")
		}
	}
}

func TestHashPasswordNeverPlaintext(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if hash == "hunter2" || !strings.HasPrefix(hash, "$2") {
		t.Fatalf("expected bcrypt hash, got %q", hash)
	}
}

func TestApplyPrefersAPIModeWhenReachable(t *testing.T) {
	var patched bool
	mux := http.NewServeMux()
	mux.HandleFunc("/config/apps/http/routes", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(wireConfig{})
		case http.MethodPatch:
			patched = true
			w.WriteHeader(http.StatusOK)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := &Controller{AdminURL: srv.URL}
	mode, err := c.Apply(context.Background(), []Route{{Host: "myapp.localhost", Dial: "127.0.0.1:3000"}})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if mode != ModeAPI {
		t.Fatalf("expected API mode, got %s", mode)
	}
	if !patched {
		t.Fatal("expected PATCH to be issued for new route")
	}
}

func TestApplyIsIdempotentWhenRouteAlreadyLive(t *testing.T) {
	route := Route{Host: "myapp.localhost", Dial: "127.0.0.1:3000"}
	var patchCount int
	mux := http.NewServeMux()
	mux.HandleFunc("/config/apps/http/routes", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(wireConfig{Routes: []wireRoute{toWire(route)}})
		case http.MethodPatch:
			patchCount++
			w.WriteHeader(http.StatusOK)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := &Controller{AdminURL: srv.URL}
	if _, err := c.Apply(context.Background(), []Route{route}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if patchCount != 0 {
		t.Fatalf("expected no PATCH when nothing changed, got %d", patchCount)
	}
}

func TestApplyFallsBackToStaticOnUnreachableAdmin(t *testing.T) {
	dir := t.TempDir()
	c := &Controller{
		AdminURL:         "http://127.0.0.1:1", // nothing listens here
		StaticConfigPath: filepath.Join(dir, "caddy.json"),
		BinaryPath:       "/does/not/exist",
		PIDFile:          filepath.Join(dir, "caddy.pid"),
		LogFile:          filepath.Join(dir, "caddy.log"),
	}
	mode, err := c.Apply(context.Background(), []Route{{Host: "myapp.localhost", Dial: "127.0.0.1:3000"}})
	if mode != ModeStatic {
		t.Fatalf("expected static mode fallback, got %s (err=%v)", mode, err)
	}
	if _, statErr := os.Stat(c.StaticConfigPath); statErr != nil {
		t.Fatalf("expected static config to be rendered: %v", statErr)
	}
}
