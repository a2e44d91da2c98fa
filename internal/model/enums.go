// Package model defines the shared data types that flow between the
// configuration layer, the registry, the tunnel session manager, and the
// reverse-proxy controller.
package model

import "log/slog"

// TunnelProtocol selects whether a declared service is exposed over HTTP
// (host-routed through the gateway) or raw TCP (server-assigned port).
type TunnelProtocol string

const (
	TunnelProtocolHTTP TunnelProtocol = "http"
	TunnelProtocolTCP  TunnelProtocol = "tcp"
)

// Valid reports whether p is one of the known protocol tags, logging a
// diagnostic for anything else rather than silently accepting it.
func (p TunnelProtocol) Valid() bool {
	switch p {
	case TunnelProtocolHTTP, TunnelProtocolTCP:
		return true
	default:
		slog.Warn("unknown tunnel protocol tag", "protocol", string(p))
		return false
	}
}

// HealthResult is the outcome of the most recent readiness sweep for a
// registry entry.
type HealthResult string

const (
	HealthOK      HealthResult = "ok"
	HealthWarn    HealthResult = "warn"
	HealthStop    HealthResult = "stop"
	HealthUnknown HealthResult = "unknown"
	HealthPending HealthResult = "pending"
)

func (h HealthResult) Valid() bool {
	switch h {
	case HealthOK, HealthWarn, HealthStop, HealthUnknown, HealthPending:
		return true
	default:
		slog.Warn("unknown health result tag", "result", string(h))
		return false
	}
}

// ProcessKind distinguishes how a registry entry's local process is hosted.
type ProcessKind string

const (
	ProcessKindContainer ProcessKind = "container"
	ProcessKindBinary    ProcessKind = "binary"
)

func (k ProcessKind) Valid() bool {
	switch k {
	case ProcessKindContainer, ProcessKindBinary:
		return true
	default:
		slog.Warn("unknown process kind tag", "kind", string(k))
		return false
	}
}

// DiscoverySource identifies how a DiscoveredService was found.
type DiscoverySource string

const (
	SourceDocker   DiscoverySource = "docker"
	SourcePortScan DiscoverySource = "port-scan"
	SourcePlugin   DiscoverySource = "plugin"
	SourceUnknown  DiscoverySource = "unknown"
)

func (s DiscoverySource) Valid() bool {
	switch s {
	case SourceDocker, SourcePortScan, SourcePlugin, SourceUnknown:
		return true
	default:
		slog.Warn("unknown discovery source tag", "source", string(s))
		return false
	}
}

// CredentialKind distinguishes how a TunnelCredential authenticates.
type CredentialKind string

const (
	CredentialEphemeral CredentialKind = "ephemeral"
	CredentialToken     CredentialKind = "token"
	CredentialKey       CredentialKind = "key"
)

func (k CredentialKind) Valid() bool {
	switch k {
	case CredentialEphemeral, CredentialToken, CredentialKey:
		return true
	default:
		slog.Warn("unknown credential kind tag", "kind", string(k))
		return false
	}
}

// TunnelState is the lifecycle state of a TunnelSession.
type TunnelState string

const (
	TunnelIdle        TunnelState = "idle"
	TunnelConnecting  TunnelState = "connecting"
	TunnelEstablished TunnelState = "established"
	TunnelDegraded    TunnelState = "degraded"
	TunnelFailed      TunnelState = "failed"
	TunnelStopped     TunnelState = "stopped"
)

func (s TunnelState) Valid() bool {
	switch s {
	case TunnelIdle, TunnelConnecting, TunnelEstablished, TunnelDegraded, TunnelFailed, TunnelStopped:
		return true
	default:
		slog.Warn("unknown tunnel state tag", "state", string(s))
		return false
	}
}

// TunnelFailureKind distinguishes why a tunnel session entered TunnelFailed.
type TunnelFailureKind string

const (
	FailureCredentialMissing TunnelFailureKind = "credential-missing"
	FailureSpawn             TunnelFailureKind = "spawn"
	FailureNone              TunnelFailureKind = ""
)
