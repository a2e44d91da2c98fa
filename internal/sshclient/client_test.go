package sshclient

import (
	"strings"
	"testing"

	"github.com/asdhq/asd-net/internal/model"
)

func keyCred() model.TunnelCredential {
	return model.TunnelCredential{
		Kind:           model.CredentialKey,
		Host:           "gateway.example.com",
		Port:           22,
		ClientID:       "client-1",
		SecretOrKeyRef: "/home/user/.ssh/id_ed25519",
	}
}

func ephemeralCred() model.TunnelCredential {
	return model.TunnelCredential{
		Kind:           model.CredentialEphemeral,
		Host:           "gateway.example.com",
		Port:           2222,
		ClientID:       "ephemeral-9",
		SecretOrKeyRef: "s3cr3t",
	}
}

func tokenCred() model.TunnelCredential {
	return model.TunnelCredential{
		Kind:           model.CredentialToken,
		Host:           "gateway.example.com",
		Port:           22,
		ClientID:       "token-client",
		SecretOrKeyRef: "tok_abc123",
	}
}

func findFlag(args []string, flag string) (string, bool) {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1], true
		}
	}
	return "", false
}

func contains(args []string, s string) bool {
	for _, a := range args {
		if a == s {
			return true
		}
	}
	return false
}

func TestReverseForwardArgsHTTPProtocol(t *testing.T) {
	args := ReverseForwardArgs(keyCred(), "myapp", "127.0.0.1:3000", model.TunnelProtocolHTTP)
	remote, ok := findFlag(args, "-R")
	if !ok {
		t.Fatal("expected -R flag")
	}
	if remote != "myapp:80:127.0.0.1:3000" {
		t.Fatalf("expected subdomain:80:dial remote spec, got %q", remote)
	}
}

func TestReverseForwardArgsTCPProtocol(t *testing.T) {
	args := ReverseForwardArgs(keyCred(), "myapp", "127.0.0.1:5432", model.TunnelProtocolTCP)
	remote, ok := findFlag(args, "-R")
	if !ok {
		t.Fatal("expected -R flag")
	}
	if remote != "0:127.0.0.1:5432" {
		t.Fatalf("expected server-assigned port remote spec, got %q", remote)
	}
}

func TestReverseForwardArgsKeyCredential(t *testing.T) {
	cred := keyCred()
	args := ReverseForwardArgs(cred, "myapp", "127.0.0.1:3000", model.TunnelProtocolHTTP)
	keyPath, ok := findFlag(args, "-i")
	if !ok || keyPath != cred.SecretOrKeyRef {
		t.Fatalf("expected -i %s, got args %v", cred.SecretOrKeyRef, args)
	}
	if contains(args, "StrictHostKeyChecking=no") {
		t.Fatal("key-based credentials should not relax host-key checking")
	}
	dest := cred.ClientID + "@" + cred.Host
	if !contains(args, dest) {
		t.Fatalf("expected destination %q in args %v", dest, args)
	}
	port, ok := findFlag(args, "-p")
	if !ok || port != "22" {
		t.Fatalf("expected -p 22, got args %v", args)
	}
}

func TestReverseForwardArgsEphemeralCredentialRelaxesHostKeyChecking(t *testing.T) {
	args := ReverseForwardArgs(ephemeralCred(), "myapp", "127.0.0.1:3000", model.TunnelProtocolHTTP)
	if !contains(args, "StrictHostKeyChecking=no") {
		t.Fatalf("expected relaxed host-key checking for ephemeral credential, got %v", args)
	}
	if !contains(args, "UserKnownHostsFile=/dev/null") {
		t.Fatalf("expected /dev/null known_hosts for ephemeral credential, got %v", args)
	}
	if _, ok := findFlag(args, "-i"); ok {
		t.Fatal("ephemeral credentials should not pass -i")
	}
}

func TestReverseForwardArgsTokenCredentialDoesNotRelaxHostKeyChecking(t *testing.T) {
	args := ReverseForwardArgs(tokenCred(), "myapp", "127.0.0.1:3000", model.TunnelProtocolHTTP)
	if contains(args, "StrictHostKeyChecking=no") {
		t.Fatal("token credentials are not ephemeral; host-key checking must stay strict")
	}
	if !contains(args, "PreferredAuthentications=password,keyboard-interactive") {
		t.Fatalf("expected password auth preference for non-key credential, got %v", args)
	}
}

func TestDaemonCommandKeyCredentialRunsSSHDirectly(t *testing.T) {
	bin, args := DaemonCommand(keyCred(), "myapp", "127.0.0.1:3000", model.TunnelProtocolHTTP)
	if bin != "ssh" {
		t.Fatalf("expected ssh binary for key credential, got %q", bin)
	}
	if !contains(args, "-p") {
		t.Fatalf("expected forwarded ssh args, got %v", args)
	}
}

func TestDaemonCommandPasswordCredentialWrapsSshpass(t *testing.T) {
	cred := ephemeralCred()
	bin, args := DaemonCommand(cred, "myapp", "127.0.0.1:3000", model.TunnelProtocolHTTP)
	if bin != "sshpass" {
		t.Fatalf("expected sshpass binary for password credential, got %q", bin)
	}
	if len(args) < 3 || args[0] != "-p" || args[1] != cred.SecretOrKeyRef || args[2] != "ssh" {
		t.Fatalf("expected sshpass -p <secret> ssh ..., got %v", args)
	}
}

func TestEnsureSSHBinaryErrorMentionsSSH(t *testing.T) {
	// EnsureSSHBinary depends on the host's PATH; we only assert that a
	// failure (if any on this machine) produces a useful message rather
	// than a raw exec.Error, without asserting success/failure either way.
	if err := EnsureSSHBinary(); err != nil && !strings.Contains(err.Error(), "ssh") {
		t.Fatalf("expected error message to mention ssh, got %v", err)
	}
}
