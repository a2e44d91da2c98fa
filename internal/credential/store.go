// Package credential persists and retrieves tunnel credentials
// (ephemeral/token/key): a named-map YAML file with one marked default,
// plus an ephemeral-credential HTTP bootstrap call against the gateway.
package credential

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/asdhq/asd-net/internal/asderr"
	"github.com/asdhq/asd-net/internal/model"
)

// fileModel is the on-disk envelope: a named map plus which name is
// default.
type fileModel struct {
	Default     string                            `yaml:"default,omitempty"`
	Credentials map[string]model.TunnelCredential `yaml:"credentials"`
}

// Store is the per-user credential file handle.
type Store struct {
	path string
}

// Open returns a Store bound to path (typically paths.Paths.CredentialsFile()).
func Open(path string) *Store {
	return &Store{path: path}
}

func (s *Store) load() (fileModel, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return fileModel{Credentials: map[string]model.TunnelCredential{}}, nil
		}
		return fileModel{}, asderr.Wrap(asderr.KindFatal, err, "cannot read credential store")
	}
	var fm fileModel
	if err := yaml.Unmarshal(b, &fm); err != nil {
		return fileModel{}, asderr.Wrap(asderr.KindFatal, err, "credential store is corrupt")
	}
	if fm.Credentials == nil {
		fm.Credentials = map[string]model.TunnelCredential{}
	}
	return fm, nil
}

func (s *Store) save(fm fileModel) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return asderr.Wrap(asderr.KindFatal, err, "cannot create credential directory")
	}
	b, err := yaml.Marshal(fm)
	if err != nil {
		return asderr.Wrap(asderr.KindFatal, err, "cannot encode credential store")
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return asderr.Wrap(asderr.KindFatal, err, "cannot write credential temp file")
	}
	return os.Rename(tmp, s.path)
}

// List returns every non-expired credential, sorted by name. Expired
// ephemeral credentials are filtered out but remain on disk until the
// next Rotate.
func (s *Store) List() ([]model.TunnelCredential, error) {
	fm, err := s.load()
	if err != nil {
		return nil, err
	}
	now := time.Now().Unix()
	out := make([]model.TunnelCredential, 0, len(fm.Credentials))
	for _, c := range fm.Credentials {
		if c.Expired(now) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Get fetches one credential by name, including expired ones (callers
// decide whether to honor Expired()).
func (s *Store) Get(name string) (model.TunnelCredential, bool, error) {
	fm, err := s.load()
	if err != nil {
		return model.TunnelCredential{}, false, err
	}
	c, ok := fm.Credentials[name]
	return c, ok, nil
}

// Default returns the default credential, if one is set and not expired.
func (s *Store) Default() (model.TunnelCredential, bool, error) {
	fm, err := s.load()
	if err != nil {
		return model.TunnelCredential{}, false, err
	}
	if fm.Default == "" {
		return model.TunnelCredential{}, false, nil
	}
	c, ok := fm.Credentials[fm.Default]
	if !ok || c.Expired(time.Now().Unix()) {
		return model.TunnelCredential{}, false, nil
	}
	return c, true, nil
}

// SetDefault marks name as the default credential (must already exist).
func (s *Store) SetDefault(name string) error {
	fm, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := fm.Credentials[name]; !ok {
		return asderr.New(asderr.KindConfig, fmt.Sprintf("no such credential: %s", name))
	}
	fm.Default = name
	return s.save(fm)
}

// Append adds or replaces a named credential.
func (s *Store) Append(c model.TunnelCredential) error {
	fm, err := s.load()
	if err != nil {
		return err
	}
	fm.Credentials[c.Name] = c
	if fm.Default == "" {
		fm.Default = c.Name
	}
	return s.save(fm)
}

// Rotate removes expired ephemeral credentials from disk, returning how
// many were purged.
func (s *Store) Rotate() (int, error) {
	fm, err := s.load()
	if err != nil {
		return 0, err
	}
	now := time.Now().Unix()
	purged := 0
	for name, c := range fm.Credentials {
		if c.Kind == model.CredentialEphemeral && c.Expired(now) {
			delete(fm.Credentials, name)
			if fm.Default == name {
				fm.Default = ""
			}
			purged++
		}
	}
	if purged > 0 {
		if err := s.save(fm); err != nil {
			return 0, err
		}
	}
	return purged, nil
}

// bootstrapResponse is the JSON body returned by the credential-bootstrap
// endpoint.
type bootstrapResponse struct {
	ClientID     string                 `json:"tunnel_client_id"`
	ClientSecret string                 `json:"tunnel_client_secret"`
	ExpiresAt    int64                  `json:"expires_at"`
	Host         string                 `json:"tunnel_host"`
	Port         int                    `json:"tunnel_port"`
	Limits       model.CredentialLimits `json:"limits"`
}

// GenerateEphemeral POSTs to endpoint with no body, parses the returned
// tuple, persists it under name, and returns it. The request has a short
// fixed timeout since the gateway is expected to respond immediately.
func (s *Store) GenerateEphemeral(endpoint, name string) (model.TunnelCredential, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(endpoint, "application/json", bytes.NewReader(nil))
	if err != nil {
		return model.TunnelCredential{}, asderr.Wrap(asderr.KindTransient, err, "credential bootstrap request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return model.TunnelCredential{}, asderr.New(asderr.KindProtocol, fmt.Sprintf("credential bootstrap returned status %d", resp.StatusCode))
	}

	var br bootstrapResponse
	if err := json.NewDecoder(resp.Body).Decode(&br); err != nil {
		return model.TunnelCredential{}, asderr.Wrap(asderr.KindProtocol, err, "credential bootstrap returned malformed JSON")
	}

	cred := model.TunnelCredential{
		Name:           name,
		Kind:           model.CredentialEphemeral,
		Host:           br.Host,
		Port:           br.Port,
		ClientID:       br.ClientID,
		SecretOrKeyRef: br.ClientSecret,
		ExpiresAt:      br.ExpiresAt,
		Limits:         br.Limits,
	}
	if err := s.Append(cred); err != nil {
		return model.TunnelCredential{}, err
	}
	return cred, nil
}
