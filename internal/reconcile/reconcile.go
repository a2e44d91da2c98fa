// Package reconcile is the orchestrator invoked by `asd net apply` and the
// refresh paths: it merges declared and discovered services, upserts the
// registry, ensures tunnel sessions, diffs and applies proxy routes,
// re-expands declarative env writes, and sweeps readiness.
//
// A pass runs in two phases — tunnels first, then routes and env writes —
// because a tunnel's assigned public URL feeds back into route hosts and
// env templates through the macro expander.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/asdhq/asd-net/internal/appconfig"
	"github.com/asdhq/asd-net/internal/asderr"
	"github.com/asdhq/asd-net/internal/credential"
	"github.com/asdhq/asd-net/internal/dotenv"
	"github.com/asdhq/asd-net/internal/macro"
	"github.com/asdhq/asd-net/internal/model"
	"github.com/asdhq/asd-net/internal/netconfig"
	"github.com/asdhq/asd-net/internal/paths"
	"github.com/asdhq/asd-net/internal/probe"
	"github.com/asdhq/asd-net/internal/proxyctl"
	"github.com/asdhq/asd-net/internal/registry"
	"github.com/asdhq/asd-net/internal/tunnel"
)

// candidatePorts bounds the loopback port-scan discovery pass to the
// handful of ports a local dev server conventionally binds. This is a
// deliberately small, named list rather than a full ephemeral-range scan.
var candidatePorts = []int{3000, 3001, 4000, 5000, 5173, 8000, 8080, 8081, 9000}

// Deps carries every collaborator a reconcile pass drives.
type Deps struct {
	Paths       paths.Paths
	ProjectRoot string
	Config      netconfig.ProjectConfig
	Manifests   []netconfig.Manifest
	AppConfig   appconfig.Config
	Registry    *registry.Store
	Tunnels     *tunnel.Manager
	Proxy       *proxyctl.Controller
	Credentials *credential.Store

	// SkipProxy and SkipTunnels narrow a pass to the other half of the
	// side-effect surface (`net apply --caddy=false` / `--tunnel=false`).
	// Registry upserts, env writes, and the health sweep always run.
	SkipProxy   bool
	SkipTunnels bool
}

// Result summarizes one reconcile pass's outcome.
type Result struct {
	Entries    []model.RegistryEntry
	ProxyMode  proxyctl.Mode
	Warnings   []string
	EnvWritten map[string]string
}

// Run executes one full reconcile pass: merge, discover, tunnel, route,
// env write, health sweep.
func Run(ctx context.Context, d Deps) (Result, error) {
	var warnings []string

	cred, hasCred, err := d.Credentials.Default()
	if err != nil {
		return Result{}, err
	}
	if !hasCred {
		warnings = append(warnings, "no default tunnel credential configured; public services will be routed locally only")
	}

	declared := mergeDeclared(d.Config, d.Manifests)

	existingDials := map[string]bool{}
	for _, decl := range declared {
		if decl.Dial != "" {
			existingDials[decl.Dial] = true
		}
	}
	for _, disc := range discover(ctx, existingDials) {
		if _, ok := declared[disc.ID]; ok {
			continue
		}
		declared[disc.ID] = disc.AsDeclaration()
	}

	ids := sortedKeys(declared)

	dotenvKV, err := dotenv.Load(d.Paths.DotenvFile())
	if err != nil {
		return Result{}, err
	}
	envLookup := func(name string) string {
		if v, ok := dotenvKV[name]; ok {
			return v
		}
		return os.Getenv(name)
	}
	scope := macro.NewScope()

	// Pass 1: upsert registry entries and ensure tunnel sessions
	// concurrently, each waiting for its own URL before the pass proceeds
	// to route computation — breaking the publicUrl -> route/env cycle
	// to route computation.
	entries := make(map[string]model.RegistryEntry, len(ids))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		decl := declared[id]
		g.Go(func() error {
			entry := buildEntry(decl)

			// Upsert the declaration before the tunnel start so the tunnel
			// manager's own SetTunnel writes land on a full entry rather
			// than a stub.
			if err := d.Registry.Upsert(entry); err != nil {
				return err
			}

			switch {
			case d.SkipTunnels:
			case decl.Public && hasCred:
				sess, startErr := d.Tunnels.Start(gctx, decl, cred)
				entry = entry.ApplyTunnelState(sess)
				if startErr != nil {
					mu.Lock()
					warnings = append(warnings, fmt.Sprintf("service %q: %s", id, asderr.UserMessage(startErr, d.AppConfig.Security.RedactErrors)))
					mu.Unlock()
				}
			case decl.Public:
				mu.Lock()
				warnings = append(warnings, fmt.Sprintf("service %q is public but no tunnel credential is available; binding locally only", id))
				mu.Unlock()
			}

			if err := d.Registry.Upsert(entry); err != nil {
				return err
			}
			mu.Lock()
			entries[id] = entry
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	// Pass 2: compute and apply routes, then re-expand env writes.
	var desired []proxyctl.Route
	for _, id := range ids {
		entry := entries[id]
		mctx := macroContext(entry.ServiceDeclaration, entry, envLookup, scope, hasCred, cred)
		hosts := expandAll(entry.Hosts, mctx)

		policy := effectiveBasicAuth(entry.BasicAuth, d.Config.Network.Caddy.BasicAuth)
		var authUser, authHash string
		if strings.TrimSpace(policy.Mode) == "enabled" {
			if user := envLookup("ASD_BASIC_AUTH_USERNAME"); user != "" {
				if pass := envLookup("ASD_BASIC_AUTH_PASSWORD"); pass != "" {
					hash, hashErr := proxyctl.HashPassword(pass)
					if hashErr != nil {
						return Result{}, hashErr
					}
					authUser, authHash = user, hash
				}
			}
		}

		// Cross the declared path routes (or a single implicit catch-all
		// "" path when none are declared) with the declared/tunnel hosts,
		// so every (host, pathPrefix, priority) triple gets its own route.
		for _, pr := range routesOrCatchAll(entry.Paths) {
			base := proxyctl.Route{
				PathPrefix:            pr.Path,
				StripPrefix:           pr.StripPrefix,
				Priority:              entry.Priority,
				Dial:                  entry.Dial,
				SecurityHeaders:       entry.SecurityHeaders,
				DeleteResponseHeaders: entry.DeleteResponseHeaders,
				IngressTag:            entry.IngressTag,
			}
			if authHash != "" && basicAuthAppliesToRoute(policy.Routes, pr.Path) {
				base.BasicAuthUser = authUser
				base.BasicAuthHash = authHash
				base.BasicAuthRealm = policy.Realm
			}
			desired = append(desired, proxyctl.ExpandHosts(hosts, base)...)
		}
	}

	var mode proxyctl.Mode
	if !d.SkipProxy {
		mode, err = d.Proxy.Apply(ctx, desired)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("proxy apply: %s", asderr.UserMessage(err, d.AppConfig.Security.RedactErrors)))
		}
	}

	envWritten := map[string]string{}
	for _, id := range ids {
		entry := entries[id]
		mctx := macroContext(entry.ServiceDeclaration, entry, envLookup, scope, hasCred, cred)
		for key, tmpl := range entry.Env {
			val := macro.Expand(tmpl, mctx)
			if val == "" {
				continue
			}
			if dotenvKV[key] == val {
				continue
			}
			envWritten[key] = val
			dotenvKV[key] = val
		}
	}
	if len(envWritten) > 0 {
		if _, err := dotenv.SetAll(d.Paths.DotenvFile(), envWritten); err != nil {
			return Result{}, err
		}
	}

	// Readiness sweep.
	for _, id := range ids {
		entry := entries[id]
		result := sweepHealth(ctx, entry)
		if err := d.Registry.MarkHealth(id, result, time.Now()); err != nil {
			slog.Warn("failed to record health", "service", id, "error", err)
		}
		entry.LastHealthResult = result
		entries[id] = entry
	}

	out := make([]model.RegistryEntry, 0, len(entries))
	for _, id := range ids {
		out = append(out, entries[id])
	}
	return Result{Entries: out, ProxyMode: mode, Warnings: warnings, EnvWritten: envWritten}, nil
}

// Clean stops every tunnel session, clears proxy routes, and — when purge
// is set — removes every registry entry. No ordering guarantee is made
// between the individual tunnel/route revocations, but each is atomic.
func Clean(ctx context.Context, d Deps, purge bool) error {
	d.Tunnels.StopAll()

	if _, err := d.Proxy.Apply(ctx, nil); err != nil {
		return err
	}
	if !purge {
		return nil
	}
	entries, err := d.Registry.Snapshot()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := d.Registry.Remove(e.ID); err != nil {
			return err
		}
	}
	return nil
}

// DiscoverOnly runs the discovery half of a reconcile pass without
// upserting the registry or touching tunnels/proxy routes, for `asd net
// discover`'s read-only preview.
func DiscoverOnly(ctx context.Context, d Deps) ([]model.DiscoveredService, error) {
	declared := mergeDeclared(d.Config, d.Manifests)
	declaredDials := map[string]bool{}
	for _, decl := range declared {
		if decl.Dial != "" {
			declaredDials[decl.Dial] = true
		}
	}
	return discover(ctx, declaredDials), nil
}

func buildEntry(decl model.ServiceDeclaration) model.RegistryEntry {
	return model.RegistryEntry{ServiceDeclaration: decl}
}

func mergeDeclared(cfg netconfig.ProjectConfig, manifests []netconfig.Manifest) map[string]model.ServiceDeclaration {
	out := map[string]model.ServiceDeclaration{}
	for _, m := range manifests {
		for id, svc := range m.Services {
			out[id] = svc
		}
	}
	for id, overlay := range cfg.Network.Services {
		if base, ok := out[id]; ok {
			out[id] = base.Merge(overlay)
		} else {
			out[id] = overlay
		}
	}
	return out
}

// discover probes for running services not already declared: a bounded
// loopback port scan, plus a best-effort docker CLI shellout (docker is
// treated as an opaque external binary, the same way the SSH client and
// reverse proxy are — there is no container-API dependency here).
func discover(ctx context.Context, declaredDials map[string]bool) []model.DiscoveredService {
	var out []model.DiscoveredService
	now := time.Now().Unix()

	for _, port := range candidatePorts {
		dial := "127.0.0.1:" + strconv.Itoa(port)
		if declaredDials[dial] {
			continue
		}
		conn, err := net.DialTimeout("tcp", dial, 150*time.Millisecond)
		if err != nil {
			continue
		}
		conn.Close()
		out = append(out, model.DiscoveredService{
			ID:         "port-" + strconv.Itoa(port),
			Dial:       dial,
			Source:     model.SourcePortScan,
			DetectedAt: now,
		})
	}

	out = append(out, dockerDiscover(ctx, declaredDials, now)...)
	return out
}

func dockerDiscover(ctx context.Context, declaredDials map[string]bool, now int64) []model.DiscoveredService {
	cmd := exec.CommandContext(ctx, "docker", "ps", "--format", "{{.Names}}\t{{.Ports}}")
	b, err := cmd.Output()
	if err != nil {
		return nil
	}
	var out []model.DiscoveredService
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 2)
		if len(fields) != 2 {
			continue
		}
		name := fields[0]
		port, ok := firstPublishedPort(fields[1])
		if !ok {
			continue
		}
		dial := "127.0.0.1:" + strconv.Itoa(port)
		if declaredDials[dial] {
			continue
		}
		out = append(out, model.DiscoveredService{
			ID:         name,
			Dial:       dial,
			Source:     model.SourceDocker,
			DetectedAt: now,
			Labels:     map[string]string{"container": name},
		})
	}
	return out
}

// firstPublishedPort extracts the first host-side port from a docker ps
// "Ports" column like "0.0.0.0:8080->80/tcp, :::8080->80/tcp".
func firstPublishedPort(portsCol string) (int, bool) {
	for _, part := range strings.Split(portsCol, ",") {
		part = strings.TrimSpace(part)
		arrow := strings.Index(part, "->")
		if arrow < 0 {
			continue
		}
		hostSide := part[:arrow]
		colon := strings.LastIndex(hostSide, ":")
		if colon < 0 {
			continue
		}
		if port, err := strconv.Atoi(hostSide[colon+1:]); err == nil {
			return port, true
		}
	}
	return 0, false
}

func sortedKeys(m map[string]model.ServiceDeclaration) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func expandAll(in []string, mctx macro.Context) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = macro.Expand(s, mctx)
	}
	return out
}

// routesOrCatchAll returns paths unchanged, or a single implicit
// PathRoute{Path: ""} (matching the whole host, no path prefix) when a
// service declares hosts but no path-prefix routes at all.
func routesOrCatchAll(paths []model.PathRoute) []model.PathRoute {
	if len(paths) == 0 {
		return []model.PathRoute{{}}
	}
	return paths
}

// effectiveBasicAuth resolves a service's basic-auth policy against the
// project-wide default: an empty or "inherit" mode defers entirely to the
// project policy; any other mode ("enabled"/"disabled") overrides it
// outright.
func effectiveBasicAuth(decl, project model.BasicAuthPolicy) model.BasicAuthPolicy {
	switch strings.TrimSpace(decl.Mode) {
	case "", "inherit":
		return project
	default:
		return decl
	}
}

// basicAuthAppliesToRoute reports whether a basic-auth policy's Routes
// scope covers a route with the given path prefix: empty Routes means
// "both kinds", "host" means only the empty-path (whole-host) route, and
// "path" means only routes with a non-empty path prefix.
func basicAuthAppliesToRoute(routes []string, pathPrefix string) bool {
	if len(routes) == 0 {
		return true
	}
	kind := "path"
	if pathPrefix == "" {
		kind = "host"
	}
	for _, r := range routes {
		if strings.TrimSpace(r) == kind {
			return true
		}
	}
	return false
}

func macroContext(decl model.ServiceDeclaration, entry model.RegistryEntry, env func(string) string, scope *macro.Scope, hasCred bool, cred model.TunnelCredential) macro.Context {
	mctx := macro.Context{
		Env:                  env,
		ServicePrefix:        decl.Subdomain,
		Scope:                scope,
		TunnelServerHTTPPort: env("ASD_TUNNEL_SERVER_HTTP_PORT"),
	}
	if hasCred {
		c := cred
		mctx.Credential = &c
	}
	return mctx
}

// sweepHealth probes an entry's declared health check and returns the
// result, or HealthUnknown when no check is declared.
func sweepHealth(ctx context.Context, entry model.RegistryEntry) model.HealthResult {
	hc := entry.HealthCheck
	if hc.Empty() {
		return model.HealthUnknown
	}
	budget := probe.Budget{Timeout: 5 * time.Second, PollInterval: 250 * time.Millisecond}

	switch {
	case hc.HTTPPath != "":
		url := "http://" + entry.Dial + hc.HTTPPath
		if probe.HTTP(ctx, url, budget) {
			return model.HealthOK
		}
		return model.HealthStop
	case hc.TCPPort != 0:
		host := entry.Dial
		if idx := strings.LastIndex(host, ":"); idx >= 0 {
			host = host[:idx]
		}
		if probe.TCP(ctx, fmt.Sprintf("%s:%d", host, hc.TCPPort), budget) {
			return model.HealthOK
		}
		return model.HealthStop
	case hc.Command != "":
		cmdCtx, cancel := context.WithTimeout(ctx, budget.Timeout)
		defer cancel()
		if err := exec.CommandContext(cmdCtx, "sh", "-c", hc.Command).Run(); err != nil {
			return model.HealthWarn
		}
		return model.HealthOK
	default:
		return model.HealthUnknown
	}
}
