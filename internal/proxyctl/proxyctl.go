// Package proxyctl owns the local reverse proxy: it renders the desired
// route set into the proxy's admin JSON API, diffing against the live
// config and PATCHing only what changed, or falls back to a static
// rendered config file plus daemon restart when the admin API is
// unreachable. The proxy binary itself is an external collaborator; this
// package only drives its admin surface and its daemon lifecycle.
package proxyctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/asdhq/asd-net/internal/asderr"
	"github.com/asdhq/asd-net/internal/model"
	"github.com/asdhq/asd-net/internal/probe"
	"github.com/asdhq/asd-net/internal/supervisor"
)

// Route is one rendered routing rule, matched on (Host, PathPrefix,
// Priority). A ServiceDeclaration with N hosts expands into N Routes
// sharing the same upstream fields.
type Route struct {
	Host                  string
	PathPrefix            string
	StripPrefix           bool
	Priority              int
	Dial                  string
	BasicAuthHash         string // bcrypted password, never the plaintext
	BasicAuthUser         string
	BasicAuthRealm        string
	SecurityHeaders       model.SecurityHeaders
	DeleteResponseHeaders []string
	IngressTag            string
}

// key identifies a route for diffing purposes.
func (r Route) key() string {
	return fmt.Sprintf("%s|%s|%d", r.Host, r.PathPrefix, r.Priority)
}

// ExpandHosts builds one Route per non-empty host in hosts, dropping
// empty strings produced by unresolved tunnel macro templates so a
// service stays reachable on its local hosts alone.
func ExpandHosts(hosts []string, base Route) []Route {
	out := make([]Route, 0, len(hosts))
	for _, h := range hosts {
		if h == "" {
			continue
		}
		r := base
		r.Host = h
		out = append(out, r)
	}
	return out
}

// HashPassword bcrypts a plaintext basic-auth password so it never
// reaches the rendered route set in the clear.
func HashPassword(plaintext string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", asderr.Wrap(asderr.KindFatal, err, "cannot hash basic-auth password")
	}
	return string(b), nil
}

// Controller owns one proxy daemon instance.
type Controller struct {
	BinaryPath       string
	AdminURL         string // e.g. http://127.0.0.1:2019
	StaticConfigPath string
	PIDFile          string
	LogFile          string
}

// Mode reports which apply strategy the last successful Apply used.
type Mode string

const (
	ModeAPI    Mode = "api"
	ModeStatic Mode = "static"
)

// Start ensures the proxy daemon is running and its admin port is
// reachable, via the shared supervisor daemon contract.
func (c *Controller) Start(ctx context.Context) (supervisor.Result, error) {
	res := supervisor.SpawnDaemon(ctx, supervisor.DaemonSpec{
		BinaryPath: c.BinaryPath,
		Args:       []string{"run", "--config", c.StaticConfigPath, "--adapter", "json"},
		PIDFile:    c.PIDFile,
		LogFile:    c.LogFile,
		MinUptime:  2 * time.Second,
		Restart:    supervisor.RestartOnFailure,
		Readiness: func(ctx context.Context) bool {
			return probe.HTTP(ctx, c.AdminURL+"/config/", probe.DefaultBudget)
		},
	})
	if res.Outcome == supervisor.OutcomeFailed {
		return res, res.Err
	}
	return res, nil
}

// Stop terminates the proxy daemon and removes its PID file.
func (c *Controller) Stop() error {
	if err := supervisor.Terminate(pidOf(c.PIDFile), c.PIDFile, 3*time.Second, true); err != nil {
		return asderr.Wrap(asderr.KindSpawn, err, "failed to stop reverse proxy")
	}
	return nil
}

func pidOf(pidFile string) int {
	pid, _, err := supervisor.ReadPIDFile(pidFile)
	if err != nil {
		return 0
	}
	return pid
}

// liveRoutesDoc / route wire shape used when talking to the admin API.
// This is a deliberately small subset of what a real Caddy-like admin API
// exposes — the routes this controller cares about — rather than a
// byte-exact mirror of any particular proxy's full config schema.
type wireRoute struct {
	ID                    string   `json:"@id"`
	Host                  string   `json:"host"`
	PathPrefix            string   `json:"path_prefix,omitempty"`
	StripPrefix           bool     `json:"strip_prefix,omitempty"`
	Priority              int      `json:"priority"`
	Upstream              string   `json:"upstream"`
	BasicAuthHash         string   `json:"basic_auth_hash,omitempty"`
	BasicAuthUser         string   `json:"basic_auth_user,omitempty"`
	BasicAuthRealm        string   `json:"basic_auth_realm,omitempty"`
	HSTS                  bool     `json:"hsts,omitempty"`
	FrameOptions          string   `json:"frame_options,omitempty"`
	Compression           bool     `json:"compression,omitempty"`
	DeleteResponseHeaders []string `json:"delete_response_headers,omitempty"`
	IngressTag            string   `json:"ingress_tag,omitempty"`
}

type wireConfig struct {
	Routes []wireRoute `json:"routes"`
}

func toWire(r Route) wireRoute {
	return wireRoute{
		ID:                    r.key(),
		Host:                  r.Host,
		PathPrefix:            r.PathPrefix,
		StripPrefix:           r.StripPrefix,
		Priority:              r.Priority,
		Upstream:              r.Dial,
		BasicAuthHash:         r.BasicAuthHash,
		BasicAuthUser:         r.BasicAuthUser,
		BasicAuthRealm:        r.BasicAuthRealm,
		HSTS:                  r.SecurityHeaders.HSTS,
		FrameOptions:          r.SecurityHeaders.FrameOptions,
		Compression:           r.SecurityHeaders.Compression,
		DeleteResponseHeaders: r.DeleteResponseHeaders,
		IngressTag:            r.IngressTag,
	}
}

// Apply renders desired into the proxy, preferring the admin API and
// falling back to a static config render + daemon restart when the admin
// API is unreachable. It is idempotent: applying the same desired set
// twice produces no further admin writes the second time.
func (c *Controller) Apply(ctx context.Context, desired []Route) (Mode, error) {
	live, err := c.fetchLive(ctx)
	if err != nil {
		if err := c.applyStatic(ctx, desired); err != nil {
			return ModeStatic, err
		}
		return ModeStatic, nil
	}

	toAdd, toRemove := diff(live, desired)
	if len(toAdd) == 0 && len(toRemove) == 0 {
		return ModeAPI, nil
	}
	if err := c.patch(ctx, toAdd, toRemove); err != nil {
		return ModeAPI, err
	}
	return ModeAPI, nil
}

func (c *Controller) fetchLive(ctx context.Context) ([]wireRoute, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.AdminURL+"/config/apps/http/routes", nil)
	if err != nil {
		return nil, err
	}
	resp, err := (&http.Client{Timeout: 3 * time.Second}).Do(req)
	if err != nil {
		return nil, asderr.Wrap(asderr.KindTransient, err, "reverse proxy admin API unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, asderr.New(asderr.KindProtocol, fmt.Sprintf("admin API GET returned %d", resp.StatusCode))
	}
	var cfg wireConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return nil, asderr.Wrap(asderr.KindProtocol, err, "admin API returned malformed config")
	}
	return cfg.Routes, nil
}

func diff(live []wireRoute, desired []Route) (toAdd []wireRoute, toRemove []string) {
	liveByID := make(map[string]wireRoute, len(live))
	for _, r := range live {
		liveByID[r.ID] = r
	}
	desiredByID := make(map[string]wireRoute, len(desired))
	for _, d := range desired {
		desiredByID[d.key()] = toWire(d)
	}

	for id, w := range desiredByID {
		if existing, ok := liveByID[id]; !ok || !reflect.DeepEqual(existing, w) {
			toAdd = append(toAdd, w)
		}
	}
	for id := range liveByID {
		if _, ok := desiredByID[id]; !ok {
			toRemove = append(toRemove, id)
		}
	}
	sort.Slice(toAdd, func(i, j int) bool { return toAdd[i].ID < toAdd[j].ID })
	sort.Strings(toRemove)
	return
}

func (c *Controller) patch(ctx context.Context, toAdd []wireRoute, toRemove []string) error {
	for _, id := range toRemove {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.AdminURL+"/id/"+id, nil)
		if err != nil {
			return err
		}
		resp, err := (&http.Client{Timeout: 3 * time.Second}).Do(req)
		if err != nil {
			return asderr.Wrap(asderr.KindTransient, err, "failed removing stale route")
		}
		resp.Body.Close()
	}
	if len(toAdd) == 0 {
		return nil
	}
	body, err := json.Marshal(wireConfig{Routes: toAdd})
	if err != nil {
		return asderr.Wrap(asderr.KindFatal, err, "cannot encode routes")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.AdminURL+"/config/apps/http/routes", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := (&http.Client{Timeout: 5 * time.Second}).Do(req)
	if err != nil {
		return asderr.Wrap(asderr.KindTransient, err, "admin API PATCH failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(resp.Body)
		return asderr.New(asderr.KindProtocol, fmt.Sprintf("admin API PATCH returned %d: %s", resp.StatusCode, detail))
	}
	return nil
}

func (c *Controller) applyStatic(ctx context.Context, desired []Route) error {
	wire := make([]wireRoute, 0, len(desired))
	for _, r := range desired {
		wire = append(wire, toWire(r))
	}
	sort.Slice(wire, func(i, j int) bool { return wire[i].ID < wire[j].ID })

	b, err := json.MarshalIndent(wireConfig{Routes: wire}, "", "  ")
	if err != nil {
		return asderr.Wrap(asderr.KindFatal, err, "cannot render static proxy config")
	}
	if err := os.MkdirAll(filepath.Dir(c.StaticConfigPath), 0o755); err != nil {
		return asderr.Wrap(asderr.KindFatal, err, "cannot create proxy config directory")
	}
	tmp := c.StaticConfigPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return asderr.Wrap(asderr.KindFatal, err, "cannot write static proxy config")
	}
	if err := os.Rename(tmp, c.StaticConfigPath); err != nil {
		return asderr.Wrap(asderr.KindFatal, err, "cannot rename static proxy config into place")
	}

	_ = supervisor.Terminate(pidOf(c.PIDFile), c.PIDFile, 2*time.Second, true)
	res, err := c.Start(ctx)
	if err != nil {
		return err
	}
	if res.Outcome == supervisor.OutcomeFailed {
		return asderr.New(asderr.KindSpawn, "reverse proxy failed to restart with static config")
	}
	return nil
}
