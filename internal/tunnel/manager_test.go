package tunnel

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/asdhq/asd-net/internal/appconfig"
	"github.com/asdhq/asd-net/internal/model"
	"github.com/asdhq/asd-net/internal/paths"
	"github.com/asdhq/asd-net/internal/registry"
)

func testManager(t *testing.T, cfg appconfig.TunnelConfig) *Manager {
	t.Helper()
	dir := t.TempDir()
	reg := registry.Open(filepath.Join(dir, "registry.json"))
	p := paths.Paths{TunnelsDir: filepath.Join(dir, "tunnels")}
	if err := os.MkdirAll(p.TunnelsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	return NewManager(reg, p, cfg, false)
}

func shScript(src string) func(model.TunnelCredential, string, string, model.TunnelProtocol) (string, []string) {
	return func(model.TunnelCredential, string, string, model.TunnelProtocol) (string, []string) {
		return "/bin/sh", []string{"-c", src}
	}
}

func publicDecl() model.ServiceDeclaration {
	return model.ServiceDeclaration{
		ID:             "myapp",
		Dial:           "127.0.0.1:3000",
		Public:         true,
		Subdomain:      "myapp",
		TunnelProtocol: model.TunnelProtocolHTTP,
	}
}

func namedCred(secret string) model.TunnelCredential {
	return model.TunnelCredential{
		Name:           "primary",
		Kind:           model.CredentialKey,
		Host:           "gateway.example.com",
		Port:           22,
		ClientID:       "client-1",
		SecretOrKeyRef: secret,
	}
}

func TestStartRejectsNonPublicService(t *testing.T) {
	m := testManager(t, appconfig.Default().Tunnel)
	decl := publicDecl()
	decl.Public = false
	if _, err := m.Start(context.Background(), decl, namedCred("key")); err == nil {
		t.Fatal("expected error for non-public service")
	}
}

func TestStartFailsImmediatelyOnMissingCredential(t *testing.T) {
	m := testManager(t, appconfig.Default().Tunnel)
	sess, err := m.Start(context.Background(), publicDecl(), namedCred(""))
	if err == nil {
		t.Fatal("expected error for missing credential secret")
	}
	if sess.State != model.TunnelFailed || sess.FailureKind != model.FailureCredentialMissing {
		t.Fatalf("expected failed/credential-missing, got %+v", sess)
	}
}

func TestStartEstablishesOnURLCapture(t *testing.T) {
	readyTimeoutBase = 2 * time.Second
	defer func() { readyTimeoutBase = 15 * time.Second }()

	m := testManager(t, appconfig.TunnelConfig{AutoRestart: false})
	m.DaemonCommand = shScript(`echo "assigned http://fake.tunnel.test"; sleep 5`)

	sess, err := m.Start(context.Background(), publicDecl(), namedCred("key"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sess.State != model.TunnelEstablished {
		t.Fatalf("expected established, got %+v", sess)
	}
	if sess.PublicURL != "http://fake.tunnel.test" {
		t.Fatalf("expected captured URL, got %q", sess.PublicURL)
	}

	entry, found, err := m.reg.Get("myapp")
	if err != nil || !found {
		t.Fatalf("expected registry entry for myapp, found=%v err=%v", found, err)
	}
	if entry.TunnelURL != sess.PublicURL {
		t.Fatalf("expected registry TunnelURL to match session, got %q", entry.TunnelURL)
	}

	if err := m.Stop("myapp", "primary"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestStartDegradesOnReadinessTimeoutWithProcessAlive(t *testing.T) {
	readyTimeoutBase = 300 * time.Millisecond
	defer func() { readyTimeoutBase = 15 * time.Second }()

	m := testManager(t, appconfig.TunnelConfig{AutoRestart: false})
	m.DaemonCommand = shScript(`sleep 5`)

	sess, err := m.Start(context.Background(), publicDecl(), namedCred("key"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sess.State != model.TunnelDegraded {
		t.Fatalf("expected degraded, got %+v", sess)
	}

	if err := m.Stop("myapp", "primary"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestStartFailsOnImmediateExit(t *testing.T) {
	m := testManager(t, appconfig.Default().Tunnel)
	m.DaemonCommand = shScript(`exit 1`)

	sess, err := m.Start(context.Background(), publicDecl(), namedCred("key"))
	if err == nil {
		t.Fatal("expected error for spawn failure")
	}
	if sess.State != model.TunnelFailed || sess.FailureKind != model.FailureSpawn {
		t.Fatalf("expected failed/spawn, got %+v", sess)
	}
}

func TestStartReturnsAlreadyAliveSessionWithoutRespawning(t *testing.T) {
	readyTimeoutBase = 2 * time.Second
	defer func() { readyTimeoutBase = 15 * time.Second }()

	m := testManager(t, appconfig.TunnelConfig{AutoRestart: false})
	m.DaemonCommand = shScript(`echo "assigned http://fake.tunnel.test"; sleep 5`)

	decl := publicDecl()
	cred := namedCred("key")
	first, err := m.Start(context.Background(), decl, cred)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	second, err := m.Start(context.Background(), decl, cred)
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected the same session to be returned, got a new ID")
	}

	if err := m.Stop("myapp", "primary"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestStopWithoutInMemorySessionKillsRecordedPID(t *testing.T) {
	readyTimeoutBase = 2 * time.Second
	defer func() { readyTimeoutBase = 15 * time.Second }()

	dir := t.TempDir()
	reg := registry.Open(filepath.Join(dir, "registry.json"))
	p := paths.Paths{TunnelsDir: filepath.Join(dir, "tunnels")}
	if err := os.MkdirAll(p.TunnelsDir, 0o755); err != nil {
		t.Fatal(err)
	}

	m1 := NewManager(reg, p, appconfig.TunnelConfig{AutoRestart: false}, false)
	m1.DaemonCommand = shScript(`echo "assigned http://fake.tunnel.test"; sleep 30`)
	sess, err := m1.Start(context.Background(), publicDecl(), namedCred("key"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// A fresh manager (a new CLI invocation) has no in-memory session and
	// must fall back to the recorded PID file.
	m2 := NewManager(reg, p, appconfig.TunnelConfig{}, false)
	if err := m2.Stop("myapp", "primary"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if syscall.Kill(sess.PID, 0) != nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if syscall.Kill(sess.PID, 0) == nil {
		t.Fatalf("expected pid %d to be terminated", sess.PID)
	}
	if _, statErr := os.Stat(filepath.Join(p.TunnelsDir, "myapp_primary.pid")); !os.IsNotExist(statErr) {
		t.Fatalf("expected PID file to be removed, stat err=%v", statErr)
	}
}

func TestBackoffForDoublesAndCaps(t *testing.T) {
	cfg := appconfig.TunnelConfig{RestartBackoffSeconds: 1}
	if d := backoffFor(cfg, 0); d != 1*time.Second {
		t.Fatalf("expected 1s at attempt 0, got %s", d)
	}
	if d := backoffFor(cfg, 1); d != 2*time.Second {
		t.Fatalf("expected 2s at attempt 1, got %s", d)
	}
	if d := backoffFor(cfg, 10); d != maxBackoff {
		t.Fatalf("expected backoff capped at %s, got %s", maxBackoff, d)
	}
}
