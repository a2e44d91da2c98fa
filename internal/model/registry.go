package model

// RegistryEntry is the union the reconciler persists: a merged service
// declaration plus the runtime state discovered or produced while bringing
// it up.
type RegistryEntry struct {
	ServiceDeclaration `yaml:",inline" json:",inline"`

	TunnelURL        string       `yaml:"tunnelUrl,omitempty" json:"tunnelUrl,omitempty"`
	TunnelSessionID  string       `yaml:"tunnelSessionId,omitempty" json:"tunnelSessionId,omitempty"`
	TunnelLastError  string       `yaml:"tunnelLastError,omitempty" json:"tunnelLastError,omitempty"`
	LastHealthAt     int64        `yaml:"lastHealthAt,omitempty" json:"lastHealthAt,omitempty"`
	LastHealthResult HealthResult `yaml:"lastHealthResult,omitempty" json:"lastHealthResult,omitempty"`
	ProcessKind      ProcessKind  `yaml:"processKind,omitempty" json:"processKind,omitempty"`
	ProcessID        int          `yaml:"processId,omitempty" json:"processId,omitempty"`
	AllocatedPort    int          `yaml:"allocatedPort,omitempty" json:"allocatedPort,omitempty"`
}

// Established reports the invariant that a registry entry's public URL is
// set if and only if its owning tunnel session has reached
// TunnelEstablished. Callers that transition session state must keep this
// in sync by calling ApplyTunnelState rather than writing fields directly.
func (e RegistryEntry) Established() bool {
	return e.TunnelURL != ""
}

// ApplyTunnelState updates the tunnel-derived fields on a registry entry
// from a TunnelSession, enforcing that TunnelURL is non-empty only while
// the session is established.
func (e RegistryEntry) ApplyTunnelState(s TunnelSession) RegistryEntry {
	out := e
	out.TunnelSessionID = s.ID
	if s.State == TunnelEstablished {
		out.TunnelURL = s.PublicURL
		out.TunnelLastError = ""
	} else {
		out.TunnelURL = ""
	}
	if s.State == TunnelFailed || s.State == TunnelDegraded {
		out.TunnelLastError = s.LastError
	}
	return out
}

// RegistryFile is the on-disk envelope for the registry store, per the
// schema-versioned JSON layout.
type RegistryFile struct {
	Version int             `json:"version"`
	Entries []RegistryEntry `json:"entries"`
}

// CurrentRegistrySchemaVersion is the version this build writes and
// expects; the registry loader rejects files with a higher version and
// migrates files with a lower one.
const CurrentRegistrySchemaVersion = 1
