package model

import "testing"

func TestServiceDeclarationMerge(t *testing.T) {
	base := ServiceDeclaration{
		ID:             "web",
		Dial:           "127.0.0.1:3000",
		Hosts:          []string{"app.localhost"},
		TunnelProtocol: TunnelProtocolHTTP,
	}
	overlay := ServiceDeclaration{
		ID:        "web",
		Subdomain: "app",
		Public:    true,
		Env:       map[string]string{"FOO": "bar"},
	}

	merged := base.Merge(overlay)

	if merged.Dial != base.Dial {
		t.Errorf("Dial = %q, want base dial preserved %q", merged.Dial, base.Dial)
	}
	if !merged.Public {
		t.Errorf("Public = false, want true from overlay")
	}
	if merged.Subdomain != "app" {
		t.Errorf("Subdomain = %q, want %q", merged.Subdomain, "app")
	}
	if merged.Env["FOO"] != "bar" {
		t.Errorf("Env[FOO] = %q, want %q", merged.Env["FOO"], "bar")
	}
}

func TestServiceDeclarationIsOverlay(t *testing.T) {
	if (ServiceDeclaration{Dial: "x"}).IsOverlay() {
		t.Errorf("declaration with dial should not be an overlay")
	}
	if !(ServiceDeclaration{}).IsOverlay() {
		t.Errorf("declaration without dial should be an overlay")
	}
}

func TestEffectiveTunnelProtocolDefaultsToHTTP(t *testing.T) {
	d := ServiceDeclaration{}
	if got := d.EffectiveTunnelProtocol(); got != TunnelProtocolHTTP {
		t.Errorf("EffectiveTunnelProtocol() = %q, want %q", got, TunnelProtocolHTTP)
	}
}

func TestRegistryEntryApplyTunnelStateEstablishedInvariant(t *testing.T) {
	entry := RegistryEntry{ServiceDeclaration: ServiceDeclaration{ID: "web"}}

	established := entry.ApplyTunnelState(TunnelSession{
		ID: "sess-1", State: TunnelEstablished, PublicURL: "https://app.example.com",
	})
	if !established.Established() {
		t.Errorf("expected Established() true when session state is established")
	}

	degraded := established.ApplyTunnelState(TunnelSession{
		ID: "sess-1", State: TunnelDegraded, LastError: "ping timeout",
	})
	if degraded.Established() {
		t.Errorf("expected Established() false once session leaves established state")
	}
	if degraded.TunnelLastError != "ping timeout" {
		t.Errorf("TunnelLastError = %q, want propagated error", degraded.TunnelLastError)
	}
}

func TestTunnelCredentialExpired(t *testing.T) {
	c := TunnelCredential{ExpiresAt: 1000}
	if !c.Expired(1000) {
		t.Errorf("credential should be expired at its own ExpiresAt")
	}
	if c.Expired(999) {
		t.Errorf("credential should not be expired before ExpiresAt")
	}
	if (TunnelCredential{}).Expired(1 << 40) {
		t.Errorf("zero ExpiresAt should never expire")
	}
}

func TestTunnelSessionAlive(t *testing.T) {
	cases := map[TunnelState]bool{
		TunnelIdle:        false,
		TunnelConnecting:  true,
		TunnelEstablished: true,
		TunnelDegraded:    true,
		TunnelFailed:      false,
		TunnelStopped:     false,
	}
	for state, want := range cases {
		if got := (TunnelSession{State: state}).Alive(); got != want {
			t.Errorf("Alive() for state %q = %v, want %v", state, got, want)
		}
	}
}

func TestEnumValid(t *testing.T) {
	if !TunnelProtocolHTTP.Valid() {
		t.Errorf("TunnelProtocolHTTP should be valid")
	}
	if TunnelProtocol("bogus").Valid() {
		t.Errorf("unknown protocol tag should be invalid")
	}
	if !HealthOK.Valid() || HealthResult("bogus").Valid() {
		t.Errorf("HealthResult Valid() did not behave as expected")
	}
}
