package asderr

import (
	"errors"
	"testing"
)

func TestUserMessageHidesDebugDetail(t *testing.T) {
	err := Wrap(KindSpawn, errors.New("exec: \"caddy\": executable file not found in $PATH"), "caddy binary not found")

	if got := UserMessage(err, false); got != "caddy binary not found" {
		t.Errorf("UserMessage = %q, want user-safe text only", got)
	}
	if got := DebugMessage(err); got == "caddy binary not found" {
		t.Errorf("DebugMessage should return the underlying detail, got %q", got)
	}
}

func TestKindOfUnclassifiedForPlainErrors(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != KindUnclassified {
		t.Errorf("KindOf(plain error) = %q, want %q", got, KindUnclassified)
	}
	if got := KindOf(New(KindFatal, "corrupt registry")); got != KindFatal {
		t.Errorf("KindOf(classified) = %q, want %q", got, KindFatal)
	}
}

func TestAtPrefixesLocation(t *testing.T) {
	err := New(KindConfig, "missing dial").At("service web")
	if got := err.Error(); got != "service web: missing dial" {
		t.Errorf("Error() = %q, want location-prefixed message", got)
	}
}

func TestRedactMessageStripsCredentialPaths(t *testing.T) {
	msg := "failed to read /.asd/credentials/default.yaml"
	if got := RedactMessage(msg); got == msg {
		t.Errorf("RedactMessage did not redact credential path: %q", got)
	}
}

func TestUnwrapReachesCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Wrap(KindTransient, cause, "service unreachable")
	if !errors.Is(err, cause) {
		t.Errorf("errors.Is did not find wrapped cause")
	}
}
