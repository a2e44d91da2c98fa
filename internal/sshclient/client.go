// Package sshclient builds and launches the SSH processes that back
// reverse-tunnel sessions and interactive helper shells.
//
// This package does not implement the SSH protocol — it shells out to the
// system "ssh" binary, which means it inherits the user's full SSH
// configuration (keys, agents, known_hosts) without reimplementing any of
// it. All arguments are passed via exec.Command's argv, never through
// shell interpolation, so host aliases or secrets containing shell
// metacharacters cannot inject commands.
package sshclient

import (
	"fmt"
	"os/exec"

	"github.com/asdhq/asd-net/internal/model"
)

// EnsureSSHBinary checks that "ssh" is on PATH, so callers can surface a
// clear error before spawning rather than a confusing exec failure later.
func EnsureSSHBinary() error {
	if _, err := exec.LookPath("ssh"); err != nil {
		return fmt.Errorf("ssh binary not found in PATH")
	}
	return nil
}

// ReverseForwardArgs builds the argv for a reverse-tunnel SSH invocation:
// authenticate with cred (password-style auth for ephemeral/token
// credentials, a private key for key-based credentials), disable strict
// host-key checking for ephemeral credentials, and forward either
// `<subdomain>:80:<localDial>` (HTTP) or `0:<localDial>` (TCP,
// server-assigned) to the gateway.
func ReverseForwardArgs(cred model.TunnelCredential, subdomain, localDial string, protocol model.TunnelProtocol) []string {
	args := []string{"-N", "-o", "ServerAliveInterval=15", "-o", "ServerAliveCountMax=3"}

	if cred.Kind == model.CredentialKey {
		args = append(args, "-i", cred.SecretOrKeyRef)
	} else {
		// Ephemeral/token credentials authenticate with a server-issued
		// secret delivered as the SSH password; host-key pinning is
		// relaxed for ephemeral sessions since the gateway's host key
		// rotates with the ephemeral endpoint.
		args = append(args, "-o", "PreferredAuthentications=password,keyboard-interactive")
	}
	if cred.Kind == model.CredentialEphemeral {
		args = append(args, "-o", "StrictHostKeyChecking=no", "-o", "UserKnownHostsFile=/dev/null")
	}

	var remote string
	switch protocol {
	case model.TunnelProtocolTCP:
		remote = fmt.Sprintf("0:%s", localDial)
	default:
		remote = fmt.Sprintf("%s:80:%s", subdomain, localDial)
	}
	args = append(args, "-R", remote)

	dest := cred.ClientID + "@" + cred.Host
	args = append(args, "-p", fmt.Sprintf("%d", cred.Port), dest)
	return args
}

// DaemonCommand resolves the binary and full argv the process supervisor
// should spawn for a reverse-tunnel session. Key-based credentials spawn
// "ssh" directly; password-style credentials (ephemeral/token) are
// wrapped through "sshpass" since the supervisor spawns daemons detached
// with stdin closed, so there is no TTY for ssh's own password prompt.
func DaemonCommand(cred model.TunnelCredential, subdomain, localDial string, protocol model.TunnelProtocol) (binary string, args []string) {
	sshArgs := ReverseForwardArgs(cred, subdomain, localDial, protocol)
	if cred.Kind == model.CredentialKey {
		return "ssh", sshArgs
	}
	return "sshpass", append([]string{"-p", cred.SecretOrKeyRef, "ssh"}, sshArgs...)
}
