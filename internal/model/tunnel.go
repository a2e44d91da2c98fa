package model

// CredentialLimits records the limits issued with a TunnelCredential. They
// are stored and returned with the credential; the tunnel manager does not
// check them before starting a session.
type CredentialLimits struct {
	MaxSessions int `yaml:"maxSessions,omitempty" json:"maxSessions,omitempty"`
}

// TunnelCredential authenticates a reverse-tunnel session against the relay.
type TunnelCredential struct {
	Name           string           `yaml:"name" json:"name"`
	Kind           CredentialKind   `yaml:"kind" json:"kind"`
	Host           string           `yaml:"host" json:"host"`
	Port           int              `yaml:"port" json:"port"`
	ClientID       string           `yaml:"clientId" json:"clientId"`
	SecretOrKeyRef string           `yaml:"secretOrKeyRef" json:"secretOrKeyRef"`
	ExpiresAt      int64            `yaml:"expiresAt,omitempty" json:"expiresAt,omitempty"`
	Limits         CredentialLimits `yaml:"limits,omitempty" json:"limits,omitempty"`
}

// Expired reports whether the credential's expiry has passed, given the
// current unix time. A zero ExpiresAt means the credential never expires.
func (c TunnelCredential) Expired(nowUnix int64) bool {
	return c.ExpiresAt != 0 && c.ExpiresAt <= nowUnix
}

// TunnelSession is one live (or most-recently-live) reverse tunnel bound to
// a service.
type TunnelSession struct {
	ID               string            `json:"id"`
	ServiceID        string            `json:"serviceId"`
	CredentialRef    string            `json:"credentialRef"`
	DesiredSubdomain string            `json:"desiredSubdomain,omitempty"`
	LocalDial        string            `json:"localDial"`
	State            TunnelState       `json:"state"`
	PublicURL        string            `json:"publicUrl,omitempty"`
	PID              int               `json:"pid,omitempty"`
	StartedAt        int64             `json:"startedAt,omitempty"`
	ReconnectCount   int               `json:"reconnectCount"`
	FailureKind      TunnelFailureKind `json:"failureKind,omitempty"`
	LastError        string            `json:"lastError,omitempty"`
}

// Key returns the (serviceId, credentialRef) pair identifying the slot this
// session occupies; the manager enforces at most one session per key.
func (s TunnelSession) Key() string {
	return s.ServiceID + "|" + s.CredentialRef
}

// Alive reports whether the session is in a state where a process is (or
// should be) running and watched.
func (s TunnelSession) Alive() bool {
	switch s.State {
	case TunnelConnecting, TunnelEstablished, TunnelDegraded:
		return true
	default:
		return false
	}
}
