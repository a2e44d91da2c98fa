// Package asderr classifies failures produced by the core so that CLI and
// TUI surfaces can show a safe, short message while logs retain full detail.
package asderr

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Kind tags a classified error with the error-handling category it belongs
// to, so callers can group and prioritize failures without string-matching
// messages.
type Kind string

const (
	KindConfig       Kind = "config"
	KindTransient    Kind = "transient"
	KindSpawn        Kind = "spawn"
	KindProtocol     Kind = "protocol"
	KindMisconfig    Kind = "misconfig"
	KindFatal        Kind = "fatal"
	KindUnclassified Kind = "unclassified"
)

// Glyph returns the short marker used in grouped CLI output.
func (k Kind) Glyph() string {
	switch k {
	case KindConfig, KindFatal:
		return "error"
	case KindTransient, KindMisconfig:
		return "warn"
	case KindSpawn, KindProtocol:
		return "error"
	default:
		return "info"
	}
}

// Error is a classified failure: a short user-safe message, a kind tag, an
// optional source location, and the full debug detail (often a wrapped
// underlying error) kept out of default user-facing output.
type Error struct {
	Kind        Kind
	UserSafe    string
	Location    string
	DebugDetail string
	Cause       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := strings.TrimSpace(e.UserSafe)
	if msg == "" {
		msg = "operation failed"
	}
	if e.Location != "" {
		return fmt.Sprintf("%s: %s", e.Location, msg)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds a classified error with no wrapped cause.
func New(kind Kind, userSafe string) *Error {
	return &Error{Kind: kind, UserSafe: userSafe}
}

// Wrap builds a classified error around cause, recording cause's text as
// debug detail while keeping userSafe as the only thing shown by default.
func Wrap(kind Kind, cause error, userSafe string) *Error {
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	return &Error{Kind: kind, UserSafe: userSafe, DebugDetail: detail, Cause: cause}
}

// At attaches a source location (a file path, service id, or component
// name) used as a prefix in UserMessage output.
func (e *Error) At(location string) *Error {
	out := *e
	out.Location = location
	return &out
}

// KindOf extracts the Kind from err, defaulting to KindUnclassified for
// errors that were never classified — reconcile aggregation must not
// silently drop these into an existing bucket.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnclassified
}

// UserMessage returns the text safe to print in CLI/TUI contexts, with
// redaction of sensitive path fragments when redact is true.
func UserMessage(err error, redact bool) string {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		msg := ce.Error()
		if redact {
			return RedactMessage(msg)
		}
		return msg
	}
	if redact {
		return RedactMessage(err.Error())
	}
	return err.Error()
}

// DebugMessage returns the verbose text destined for logs.
func DebugMessage(err error) string {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		if strings.TrimSpace(ce.DebugDetail) != "" {
			return ce.DebugDetail
		}
	}
	return err.Error()
}

// RedactMessage strips the user's home directory and ASD credential paths
// from a message before it reaches a shared terminal or log sink.
func RedactMessage(msg string) string {
	if msg == "" {
		return msg
	}
	out := msg
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		out = strings.ReplaceAll(out, home, "~")
	}
	for _, sensitive := range []string{"/.asd/credentials", "/.asd/config.yaml"} {
		if idx := strings.Index(out, sensitive); idx >= 0 {
			out = strings.ReplaceAll(out, sensitive, "/.asd/[redacted]")
		}
	}
	return out
}
