// Package registry is the durable on-disk store of RegistryEntry records:
// the merged view of declared, discovered, and runtime service state that
// the reconciler produces and the CLI/TUI read back.
//
// Persistence is read-whole-file, json.MarshalIndent, atomic rename, with
// gofrs/flock advisory locking so concurrent CLI invocations serialize
// their writes instead of racing.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"

	"github.com/asdhq/asd-net/internal/asderr"
	"github.com/asdhq/asd-net/internal/model"
)

// LockTimeout bounds how long Store methods wait to acquire the advisory
// file lock before surfacing a lock-contention error to the caller.
const LockTimeout = 5 * time.Second

// Filter narrows List results.
type Filter struct {
	Public     *bool
	HealthOnly model.HealthResult
	IDPrefix   string
}

// Store is the registry file handle for one project workspace.
type Store struct {
	path string
}

// Open returns a Store bound to path. The file is created on the first
// write; until then reads see an empty, current-version envelope.
func Open(path string) *Store {
	return &Store{path: path}
}

func (s *Store) lockPath() string {
	return s.path + ".lock"
}

// withLock acquires the advisory lock, runs fn with the current file
// contents, and if fn reports a change (its bool result), persists the
// returned file atomically before releasing the lock.
func (s *Store) withLock(fn func(model.RegistryFile) (model.RegistryFile, bool, error)) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return asderr.Wrap(asderr.KindFatal, err, "cannot create registry directory")
	}

	fl := flock.New(s.lockPath())
	ctx, cancel := context.WithTimeout(context.Background(), LockTimeout)
	defer cancel()
	locked, err := fl.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil || !locked {
		return asderr.New(asderr.KindTransient, "registry is locked by another asd invocation")
	}
	defer fl.Unlock()

	current, err := s.read()
	if err != nil {
		return err
	}

	next, write, err := fn(current)
	if err != nil {
		return err
	}
	if !write {
		return nil
	}
	return s.write(next)
}

func (s *Store) read() (model.RegistryFile, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.RegistryFile{Version: model.CurrentRegistrySchemaVersion}, nil
		}
		return model.RegistryFile{}, asderr.Wrap(asderr.KindFatal, err, "cannot read registry file")
	}
	var rf model.RegistryFile
	if err := json.Unmarshal(b, &rf); err != nil {
		return model.RegistryFile{}, asderr.Wrap(asderr.KindFatal, err, "registry file is corrupt; run `asd net reset`")
	}
	if rf.Version > model.CurrentRegistrySchemaVersion {
		return model.RegistryFile{}, asderr.New(asderr.KindFatal, fmt.Sprintf(
			"registry schema v%d is newer than this build supports (v%d); upgrade asd or run `asd net reset`",
			rf.Version, model.CurrentRegistrySchemaVersion))
	}
	return migrate(rf), nil
}

// migrate forward-migrates older registry schema versions. There is
// currently only one version; this is the seam a future schema bump hooks
// into.
func migrate(rf model.RegistryFile) model.RegistryFile {
	if rf.Version == 0 {
		rf.Version = model.CurrentRegistrySchemaVersion
	}
	return rf
}

func (s *Store) write(rf model.RegistryFile) error {
	rf.Version = model.CurrentRegistrySchemaVersion
	sort.Slice(rf.Entries, func(i, j int) bool { return rf.Entries[i].ID < rf.Entries[j].ID })

	b, err := json.MarshalIndent(rf, "", "  ")
	if err != nil {
		return asderr.Wrap(asderr.KindFatal, err, "cannot encode registry")
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return asderr.Wrap(asderr.KindFatal, err, "cannot write registry temp file")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return asderr.Wrap(asderr.KindFatal, err, "cannot rename registry into place")
	}
	return nil
}

// Snapshot returns every entry currently on disk, sorted by id.
func (s *Store) Snapshot() ([]model.RegistryEntry, error) {
	rf, err := s.read()
	if err != nil {
		return nil, err
	}
	sort.Slice(rf.Entries, func(i, j int) bool { return rf.Entries[i].ID < rf.Entries[j].ID })
	return rf.Entries, nil
}

// List returns entries matching filter.
func (s *Store) List(f Filter) ([]model.RegistryEntry, error) {
	all, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	out := all[:0:0]
	for _, e := range all {
		if f.Public != nil && e.Public != *f.Public {
			continue
		}
		if f.HealthOnly != "" && e.LastHealthResult != f.HealthOnly {
			continue
		}
		if f.IDPrefix != "" && !hasPrefix(e.ID, f.IDPrefix) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// Get fetches a single entry by id.
func (s *Store) Get(id string) (model.RegistryEntry, bool, error) {
	all, err := s.Snapshot()
	if err != nil {
		return model.RegistryEntry{}, false, err
	}
	for _, e := range all {
		if e.ID == id {
			return e, true, nil
		}
	}
	return model.RegistryEntry{}, false, nil
}

// Upsert inserts or replaces the entry with e.ID.
func (s *Store) Upsert(e model.RegistryEntry) error {
	return s.withLock(func(rf model.RegistryFile) (model.RegistryFile, bool, error) {
		for i := range rf.Entries {
			if rf.Entries[i].ID == e.ID {
				rf.Entries[i] = e
				return rf, true, nil
			}
		}
		rf.Entries = append(rf.Entries, e)
		return rf, true, nil
	})
}

// Remove deletes the entry with the given id, if present.
func (s *Store) Remove(id string) error {
	return s.withLock(func(rf model.RegistryFile) (model.RegistryFile, bool, error) {
		for i := range rf.Entries {
			if rf.Entries[i].ID == id {
				rf.Entries = append(rf.Entries[:i], rf.Entries[i+1:]...)
				return rf, true, nil
			}
		}
		return rf, false, nil
	})
}

// MarkHealth records the outcome of a readiness sweep for id.
func (s *Store) MarkHealth(id string, result model.HealthResult, at time.Time) error {
	return s.withLock(func(rf model.RegistryFile) (model.RegistryFile, bool, error) {
		for i := range rf.Entries {
			if rf.Entries[i].ID == id {
				rf.Entries[i].LastHealthResult = result
				rf.Entries[i].LastHealthAt = at.Unix()
				return rf, true, nil
			}
		}
		return rf, false, asderr.New(asderr.KindConfig, fmt.Sprintf("no registry entry %q to mark health on", id))
	})
}

// SetTunnel updates the tunnel-derived fields on id from a TunnelSession
// snapshot, enforcing the publicUrl-iff-established invariant via
// model.RegistryEntry.ApplyTunnelState. A missing entry is created with a
// minimal declaration: the tunnel manager persists transitions as they
// happen, which can precede the reconciler's own upsert of the full
// declaration for the same id.
func (s *Store) SetTunnel(id string, session model.TunnelSession) error {
	return s.withLock(func(rf model.RegistryFile) (model.RegistryFile, bool, error) {
		for i := range rf.Entries {
			if rf.Entries[i].ID == id {
				rf.Entries[i] = rf.Entries[i].ApplyTunnelState(session)
				return rf, true, nil
			}
		}
		stub := model.RegistryEntry{ServiceDeclaration: model.ServiceDeclaration{ID: id, Public: true}}
		rf.Entries = append(rf.Entries, stub.ApplyTunnelState(session))
		return rf, true, nil
	})
}

// ClearTunnel clears the tunnel-derived fields on id (explicit stop).
func (s *Store) ClearTunnel(id string) error {
	return s.withLock(func(rf model.RegistryFile) (model.RegistryFile, bool, error) {
		for i := range rf.Entries {
			if rf.Entries[i].ID == id {
				rf.Entries[i].TunnelURL = ""
				rf.Entries[i].TunnelSessionID = ""
				rf.Entries[i].TunnelLastError = ""
				return rf, true, nil
			}
		}
		return rf, false, nil
	})
}

// SortByRecentHealth orders entries by most-recent LastHealthAt first.
// The registry already timestamps health on every entry, so a separate
// "last used" file would just duplicate state this store owns.
func SortByRecentHealth(entries []model.RegistryEntry) []model.RegistryEntry {
	out := make([]model.RegistryEntry, len(entries))
	copy(out, entries)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastHealthAt > out[j].LastHealthAt
	})
	return out
}
