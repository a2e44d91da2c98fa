package model

// PathRoute is one path-prefix routing rule on a ServiceDeclaration.
type PathRoute struct {
	Path        string `yaml:"path" json:"path"`
	StripPrefix bool   `yaml:"stripPrefix,omitempty" json:"stripPrefix,omitempty"`
}

// BasicAuthPolicy overrides or inherits the project-wide basic-auth policy
// for a single service.
type BasicAuthPolicy struct {
	// Mode is "inherit", "enabled", or "disabled". Empty means "inherit".
	Mode  string `yaml:"mode,omitempty" json:"mode,omitempty"`
	Realm string `yaml:"realm,omitempty" json:"realm,omitempty"`
	// Routes scopes enforcement to "host" routes only, "path" routes only,
	// or both when empty.
	Routes []string `yaml:"routes,omitempty" json:"routes,omitempty"`
}

// SecurityHeaders controls response-header policy for a service's routes.
type SecurityHeaders struct {
	HSTS         bool   `yaml:"hsts,omitempty" json:"hsts,omitempty"`
	FrameOptions string `yaml:"frameOptions,omitempty" json:"frameOptions,omitempty"`
	Compression  bool   `yaml:"compression,omitempty" json:"compression,omitempty"`
}

// HealthCheck describes how the reconciler should probe a service after
// reconcile.
type HealthCheck struct {
	HTTPPath string `yaml:"httpPath,omitempty" json:"httpPath,omitempty"`
	TCPPort  int    `yaml:"tcpPort,omitempty" json:"tcpPort,omitempty"`
	Command  string `yaml:"command,omitempty" json:"command,omitempty"`
}

// Empty reports whether no health-check primitive was declared, in which
// case the reconciler records HealthUnknown without probing.
func (h HealthCheck) Empty() bool {
	return h.HTTPPath == "" && h.TCPPort == 0 && h.Command == ""
}

// ServiceDeclaration is the user- or plugin-provided intent for one service.
type ServiceDeclaration struct {
	ID                    string            `yaml:"id" json:"id"`
	Dial                  string            `yaml:"dial,omitempty" json:"dial,omitempty"`
	Hosts                 []string          `yaml:"hosts,omitempty" json:"hosts,omitempty"`
	Paths                 []PathRoute       `yaml:"paths,omitempty" json:"paths,omitempty"`
	Public                bool              `yaml:"public,omitempty" json:"public,omitempty"`
	Subdomain             string            `yaml:"subdomain,omitempty" json:"subdomain,omitempty"`
	TunnelProtocol        TunnelProtocol    `yaml:"tunnelProtocol,omitempty" json:"tunnelProtocol,omitempty"`
	Priority              int               `yaml:"priority,omitempty" json:"priority,omitempty"`
	BasicAuth             BasicAuthPolicy   `yaml:"basicAuth,omitempty" json:"basicAuth,omitempty"`
	SecurityHeaders       SecurityHeaders   `yaml:"securityHeaders,omitempty" json:"securityHeaders,omitempty"`
	IframeOrigin          string            `yaml:"iframeOrigin,omitempty" json:"iframeOrigin,omitempty"`
	DeleteResponseHeaders []string          `yaml:"deleteResponseHeaders,omitempty" json:"deleteResponseHeaders,omitempty"`
	IngressTag            string            `yaml:"ingressTag,omitempty" json:"ingressTag,omitempty"`
	Env                   map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	HealthCheck           HealthCheck       `yaml:"healthCheck,omitempty" json:"healthCheck,omitempty"`

	// Source records which plugin (if any) contributed the base definition
	// this declaration overlays. Empty for standalone user declarations.
	Source string `yaml:"-" json:"-"`
}

// IsOverlay reports whether this declaration has no dial and therefore can
// only refine an existing plugin-provided service of the same id.
func (d ServiceDeclaration) IsOverlay() bool {
	return d.Dial == ""
}

// EffectiveTunnelProtocol defaults an empty protocol to HTTP.
func (d ServiceDeclaration) EffectiveTunnelProtocol() TunnelProtocol {
	if d.TunnelProtocol == "" {
		return TunnelProtocolHTTP
	}
	return d.TunnelProtocol
}

// Merge applies overlay fields onto the receiver (the plugin base), with
// the overlay winning field-by-field wherever it sets a non-zero value.
func (d ServiceDeclaration) Merge(overlay ServiceDeclaration) ServiceDeclaration {
	out := d
	if overlay.Dial != "" {
		out.Dial = overlay.Dial
	}
	if len(overlay.Hosts) > 0 {
		out.Hosts = overlay.Hosts
	}
	if len(overlay.Paths) > 0 {
		out.Paths = overlay.Paths
	}
	// Public is a plain bool; an overlay can only turn it on here because
	// YAML has no way to distinguish "false" from "unset" without a
	// pointer. An overlay that truly wants to retract `public: true` must
	// drop the dial-less overlay and redeclare the base service instead.
	if overlay.Public {
		out.Public = true
	}
	if overlay.Subdomain != "" {
		out.Subdomain = overlay.Subdomain
	}
	if overlay.TunnelProtocol != "" {
		out.TunnelProtocol = overlay.TunnelProtocol
	}
	if overlay.Priority != 0 {
		out.Priority = overlay.Priority
	}
	if overlay.BasicAuth.Mode != "" {
		out.BasicAuth = overlay.BasicAuth
	}
	if overlay.SecurityHeaders != (SecurityHeaders{}) {
		out.SecurityHeaders = overlay.SecurityHeaders
	}
	if overlay.IframeOrigin != "" {
		out.IframeOrigin = overlay.IframeOrigin
	}
	if len(overlay.DeleteResponseHeaders) > 0 {
		out.DeleteResponseHeaders = overlay.DeleteResponseHeaders
	}
	if overlay.IngressTag != "" {
		out.IngressTag = overlay.IngressTag
	}
	if len(overlay.Env) > 0 {
		if out.Env == nil {
			out.Env = map[string]string{}
		}
		for k, v := range overlay.Env {
			out.Env[k] = v
		}
	}
	if !overlay.HealthCheck.Empty() {
		out.HealthCheck = overlay.HealthCheck
	}
	return out
}

// DiscoveredService is a service probed from the host rather than declared.
type DiscoveredService struct {
	ID         string            `json:"id"`
	Dial       string            `json:"dial"`
	Source     DiscoverySource   `json:"source"`
	DetectedAt int64             `json:"detectedAt"`
	Labels     map[string]string `json:"labels,omitempty"`
}

// AsDeclaration converts a discovered service into a minimal declaration so
// it can flow through the same merge/route/health pipeline as declared
// services.
func (d DiscoveredService) AsDeclaration() ServiceDeclaration {
	return ServiceDeclaration{ID: d.ID, Dial: d.Dial}
}
