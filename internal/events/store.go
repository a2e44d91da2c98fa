// Package events is the append-only lifecycle journal for registry and
// tunnel-session state transitions, read back by `asd net` status
// subcommands. The TUI journals its tunnel transitions here but does not
// display the journal.
package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/asdhq/asd-net/internal/model"
	"github.com/asdhq/asd-net/internal/paths"
)

// Event is one lifecycle record persisted to events.jsonl.
type Event struct {
	Timestamp       time.Time         `json:"timestamp"`
	ServiceID       string            `json:"service_id,omitempty"`
	TunnelSessionID string            `json:"tunnel_session_id,omitempty"`
	EventType       string            `json:"event_type"`
	State           model.TunnelState `json:"state,omitempty"`
	Message         string            `json:"message,omitempty"`
	PID             int               `json:"pid,omitempty"`
}

// Query controls event filtering and bounded reads.
type Query struct {
	ServiceID string
	TunnelID  string
	EventType string
	Since     time.Time
	Limit     int
}

// Store provides append/read access to the local event journal.
type Store struct {
	path string
}

// NewStore returns a Store bound to the events journal under the resolved
// ASD workspace's log directory.
func NewStore(p paths.Paths) *Store {
	return &Store{path: filepath.Join(p.LogDir, "events.jsonl")}
}

// Append writes a single event as one JSON line.
func (s *Store) Append(evt Event) error {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		return err
	}
	return nil
}

// Read returns events in append order, filtered by query, with optional limit.
func (s *Store) Read(q Query) ([]Event, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			continue
		}
		if !matches(evt, q) {
			continue
		}
		out = append(out, evt)
		if q.Limit > 0 && len(out) > q.Limit {
			out = out[len(out)-q.Limit:]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}
	return out, nil
}

func matches(evt Event, q Query) bool {
	if strings.TrimSpace(q.ServiceID) != "" && evt.ServiceID != q.ServiceID {
		return false
	}
	if strings.TrimSpace(q.TunnelID) != "" && evt.TunnelSessionID != q.TunnelID {
		return false
	}
	if strings.TrimSpace(q.EventType) != "" && evt.EventType != q.EventType {
		return false
	}
	if !q.Since.IsZero() && evt.Timestamp.Before(q.Since) {
		return false
	}
	return true
}
