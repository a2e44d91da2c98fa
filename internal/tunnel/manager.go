// Package tunnel manages reverse-tunnel session lifecycle, persistence, and
// reconnect behavior.
//
// This package is the layer that sits between the SSH process launcher
// (internal/sshclient) and the reconciler / CLI / TUI surfaces. It is
// responsible for:
//
//   - Starting sessions: resolving the reverse-forward argv via sshclient,
//     spawning the SSH process through the shared process supervisor, and
//     waiting for the gateway to hand back a public URL.
//
//   - Watching sessions: a background goroutine per established or degraded
//     session polls the daemon's PID file for liveness and reconnects with
//     backoff on transport failure.
//
//   - Stopping sessions: terminating the process group, clearing the PID
//     file, and clearing the tunnel-derived registry fields.
//
//   - Persistence: every state transition is written to the shared registry
//     store (internal/registry) rather than a tunnel-private runtime file,
//     so the CLI/TUI and the reconciler see one source of truth.
//
// Concurrency model: all in-memory session state is protected by a
// sync.Mutex. The Manager is safe for concurrent use from the reconciler's
// errgroup fan-out and the TUI's refresh ticker.
package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/asdhq/asd-net/internal/appconfig"
	"github.com/asdhq/asd-net/internal/asderr"
	"github.com/asdhq/asd-net/internal/events"
	"github.com/asdhq/asd-net/internal/model"
	"github.com/asdhq/asd-net/internal/paths"
	"github.com/asdhq/asd-net/internal/probe"
	"github.com/asdhq/asd-net/internal/registry"
	"github.com/asdhq/asd-net/internal/sshclient"
	"github.com/asdhq/asd-net/internal/supervisor"
)

// LeaseEnvKey marks every spawned tunnel process's environment so the
// reaper can recognize stray sessions left behind by an unclean exit. The
// value is the owning workspace path.
const LeaseEnvKey = "ASD_TUNNEL_LEASE"

// urlPattern matches the gateway's "assigned" log line and captures the
// public URL it hands back for a newly established reverse tunnel.
var urlPattern = regexp.MustCompile(`(?i)assigned\s+(https?://\S+)`)

// readyTimeoutBase is how long a tunnel session waits for the gateway to
// announce its assigned URL before CI multiplication; a package variable so
// tests can shrink it instead of waiting out the real timeout.
var readyTimeoutBase = 15 * time.Second

// readyTimeout bounds how long a tunnel session waits for the gateway to
// announce its assigned URL, tripled under CI where cold starts and
// network setup are slower than on a developer machine.
func readyTimeout() time.Duration {
	if os.Getenv("CI") != "" {
		return readyTimeoutBase * 3
	}
	return readyTimeoutBase
}

// maxBackoff caps the reconnect backoff so a flapping gateway doesn't
// strand the service unreachable for long.
const maxBackoff = 30 * time.Second

// backoffFor doubles cfg.RestartBackoffSeconds per attempt (the reconnect
// loop itself never gives up per the "retried indefinitely" failure
// semantics; RestartBackoffSeconds only governs the pace), capped at
// maxBackoff.
func backoffFor(cfg appconfig.TunnelConfig, attempt int) time.Duration {
	base := time.Duration(cfg.RestartBackoffSeconds) * time.Second
	if base <= 0 {
		base = 2 * time.Second
	}
	d := base
	for i := 0; i < attempt && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// Manager coordinates reverse-tunnel SSH processes and tracks their runtime
// state, persisting every transition into the shared registry.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]model.TunnelSession
	cancel   map[string]context.CancelFunc
	lastURL  map[string]string

	reg    *registry.Store
	paths  paths.Paths
	cfg    appconfig.TunnelConfig
	redact bool

	// DaemonCommand resolves the binary+argv to spawn for a session.
	// Defaults to sshclient.DaemonCommand; tests substitute a fake binary
	// so attemptOnce can be exercised without a real SSH gateway.
	DaemonCommand func(cred model.TunnelCredential, subdomain, localDial string, protocol model.TunnelProtocol) (string, []string)

	// Events, when set, receives a journal entry for every session state
	// transition.
	Events *events.Store
}

// NewManager constructs a tunnel Manager bound to the shared registry store
// and ASD workspace paths.
func NewManager(reg *registry.Store, p paths.Paths, cfg appconfig.TunnelConfig, redactErrors bool) *Manager {
	return &Manager{
		sessions:      make(map[string]model.TunnelSession),
		cancel:        make(map[string]context.CancelFunc),
		lastURL:       make(map[string]string),
		reg:           reg,
		paths:         p,
		cfg:           cfg,
		redact:        redactErrors,
		DaemonCommand: sshclient.DaemonCommand,
	}
}

func sessionKey(serviceID, credentialRef string) string {
	return serviceID + "|" + credentialRef
}

func fileSafe(key string) string {
	return strings.ReplaceAll(key, "|", "_")
}

func (m *Manager) pidFile(key string) string {
	return filepath.Join(m.paths.TunnelsDir, fileSafe(key)+".pid")
}

func (m *Manager) logFile(key string) string {
	return filepath.Join(m.paths.TunnelsDir, fileSafe(key)+".log")
}

// Start brings up the reverse-tunnel session for decl authenticated with
// cred, or returns the already-alive session unchanged. It blocks for the
// first connection attempt and returns once the session has settled into
// TunnelEstablished, TunnelDegraded, or TunnelFailed (or TunnelConnecting
// when a previous invocation's process already holds the PID file); established and
// degraded sessions continue to be watched and reconnected in the
// background until Stop is called.
func (m *Manager) Start(ctx context.Context, decl model.ServiceDeclaration, cred model.TunnelCredential) (model.TunnelSession, error) {
	if !decl.Public {
		return model.TunnelSession{}, asderr.New(asderr.KindConfig, fmt.Sprintf("service %q is not public", decl.ID)).At(decl.ID)
	}

	key := sessionKey(decl.ID, cred.Name)

	m.mu.Lock()
	if existing, ok := m.sessions[key]; ok && existing.Alive() {
		m.mu.Unlock()
		return existing, nil
	}
	m.mu.Unlock()

	sess := model.TunnelSession{
		ID:               uuid.NewString(),
		ServiceID:        decl.ID,
		CredentialRef:    cred.Name,
		DesiredSubdomain: decl.Subdomain,
		LocalDial:        decl.Dial,
		State:            model.TunnelConnecting,
	}

	if cred.SecretOrKeyRef == "" {
		sess.State = model.TunnelFailed
		sess.FailureKind = model.FailureCredentialMissing
		sess.LastError = fmt.Sprintf("no tunnel credential configured for service %q", decl.ID)
		m.store(key, sess)
		return sess, asderr.New(asderr.KindConfig, sess.LastError).At(decl.ID)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancel[key] = cancel
	m.mu.Unlock()

	sess = m.attemptOnce(sessCtx, key, decl, cred, sess)
	m.store(key, sess)

	switch sess.State {
	case model.TunnelFailed:
		m.mu.Lock()
		delete(m.cancel, key)
		m.mu.Unlock()
		cancel()
		return sess, asderr.New(asderr.KindSpawn, sess.LastError).At(decl.ID)
	default:
		go m.watch(sessCtx, key, decl, cred)
		return sess, nil
	}
}

// attemptOnce spawns the SSH process once through the supervisor and
// classifies the outcome per the failure-semantics table: credential
// failures are handled by the caller before this is reached; a spawn
// failure or readiness-timeout-with-process-exited (the supervisor's
// internal crash/retry-once already folded in) becomes TunnelFailed with
// FailureSpawn, a readiness timeout with the process still alive becomes
// TunnelDegraded, and URL capture becomes TunnelEstablished.
func (m *Manager) attemptOnce(ctx context.Context, key string, decl model.ServiceDeclaration, cred model.TunnelCredential, sess model.TunnelSession) model.TunnelSession {
	logPath := m.logFile(key)
	binary, args := m.DaemonCommand(cred, decl.Subdomain, decl.Dial, decl.EffectiveTunnelProtocol())

	// Record the log length before spawning: the gateway's "assigned" line
	// often lands within milliseconds of the process starting, and a probe
	// that only begins at the post-spawn file size would skip right past it.
	// Anything before this offset belongs to a previous connection.
	var logOffset int64
	if fi, err := os.Stat(logPath); err == nil {
		logOffset = fi.Size()
	}

	var captured string
	res := supervisor.SpawnDaemon(ctx, supervisor.DaemonSpec{
		BinaryPath: binary,
		Args:       args,
		Env:        append(os.Environ(), LeaseEnvKey+"="+m.paths.Workspace),
		PIDFile:    m.pidFile(key),
		LogFile:    logPath,
		MinUptime:  5 * time.Second,
		Restart:    supervisor.RestartOnFailure,
		Readiness: func(rctx context.Context) bool {
			budget := probe.Budget{Timeout: readyTimeout(), PollInterval: 300 * time.Millisecond}
			result, err := probe.LogRegexFrom(rctx, logPath, logOffset, urlPattern, budget)
			if err != nil {
				slog.Warn("tunnel readiness probe failed", "service", decl.ID, "error", err)
				return false
			}
			if result.Matched && len(result.Submatches) > 1 {
				captured = result.Submatches[1]
				return true
			}
			return false
		},
	})

	switch {
	case res.Outcome == supervisor.OutcomeFailed:
		sess.State = model.TunnelFailed
		sess.FailureKind = model.FailureSpawn
		sess.LastError = asderr.UserMessage(res.Err, m.redact)
		return sess

	case res.Outcome == supervisor.OutcomeAlreadyRunning:
		// A prior CLI invocation's process is still alive; trust its last
		// known state rather than re-probing readiness against a process we
		// didn't just spawn.
		sess.PID = res.PID
		if sess.State != model.TunnelEstablished {
			sess.State = model.TunnelConnecting
		}
		return sess

	case res.Err != nil:
		// Readiness timed out but the process is still running per the
		// supervisor's own liveness check.
		sess.PID = res.PID
		sess.StartedAt = time.Now().Unix()
		sess.State = model.TunnelDegraded
		sess.PublicURL = ""
		sess.LastError = asderr.UserMessage(res.Err, m.redact)
		return sess

	default:
		sess.PID = res.PID
		sess.StartedAt = time.Now().Unix()
		sess.State = model.TunnelEstablished
		sess.PublicURL = captured
		sess.LastError = ""
		return sess
	}
}

// watch polls the session's process for liveness and reconnects with
// backoff on transport failure, exiting once Stop cancels ctx. The public
// URL is not guaranteed to survive a reconnect; a changed URL on
// re-establishment is written straight into the registry, leaving
// re-evaluation of any dependent env writes to the reconciler's next pass.
func (m *Manager) watch(ctx context.Context, key string, decl model.ServiceDeclaration, cred model.TunnelCredential) {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		m.mu.Lock()
		sess, ok := m.sessions[key]
		m.mu.Unlock()
		if !ok || !sess.Alive() {
			return
		}

		pid, alive, err := supervisor.ReadPIDFile(m.pidFile(key))
		if err == nil && alive && pid == sess.PID {
			time.Sleep(2 * time.Second)
			continue
		}

		// Process is gone: the transport dropped out from under an
		// established or degraded session. The public URL goes with it; the
		// server may assign a different one on reconnect.
		sess.State = model.TunnelDegraded
		sess.PublicURL = ""
		sess.ReconnectCount++
		m.store(key, sess)

		if !m.cfg.AutoRestart {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoffFor(m.cfg, attempt)):
		}
		attempt++

		sess = m.attemptOnce(ctx, key, decl, cred, sess)
		m.store(key, sess)

		if sess.State == model.TunnelFailed {
			m.mu.Lock()
			delete(m.cancel, key)
			m.mu.Unlock()
			return
		}
		if sess.State == model.TunnelEstablished {
			attempt = 0
		}
	}
}

// store updates the in-memory session map, projects the change into the
// registry so the CLI/TUI and other processes observe it, and journals the
// transition.
func (m *Manager) store(key string, sess model.TunnelSession) {
	m.mu.Lock()
	prev, had := m.sessions[key]
	m.sessions[key] = sess
	urlChanged := false
	if sess.State == model.TunnelEstablished && sess.PublicURL != "" {
		if last := m.lastURL[key]; last != "" && last != sess.PublicURL {
			urlChanged = true
		}
		m.lastURL[key] = sess.PublicURL
	}
	m.mu.Unlock()

	if err := m.reg.SetTunnel(sess.ServiceID, sess); err != nil {
		slog.Warn("failed to persist tunnel session state", "service", sess.ServiceID, "error", err)
	}

	if m.Events == nil {
		return
	}
	if !had || prev.State != sess.State || prev.PublicURL != sess.PublicURL {
		m.appendEvent("tunnel."+string(sess.State), sess, sess.LastError)
	}
	if urlChanged {
		m.appendEvent("tunnel.url-changed", sess, sess.PublicURL)
	}
}

func (m *Manager) appendEvent(eventType string, sess model.TunnelSession, message string) {
	err := m.Events.Append(events.Event{
		ServiceID:       sess.ServiceID,
		TunnelSessionID: sess.ID,
		EventType:       eventType,
		State:           sess.State,
		Message:         message,
		PID:             sess.PID,
	})
	if err != nil {
		slog.Debug("failed to append tunnel event", "service", sess.ServiceID, "error", err)
	}
}

// Stop terminates the session identified by (serviceID, credentialRef),
// clears its PID file, and clears the tunnel-derived registry fields.
func (m *Manager) Stop(serviceID, credentialRef string) error {
	key := sessionKey(serviceID, credentialRef)

	m.mu.Lock()
	cancel, hasCancel := m.cancel[key]
	delete(m.cancel, key)
	sess, hasSession := m.sessions[key]
	delete(m.sessions, key)
	m.mu.Unlock()

	if hasCancel {
		cancel()
	}

	// A session started by a previous CLI invocation has no in-memory
	// record; its PID file is still authoritative.
	if sess.PID == 0 {
		if pid, _, err := supervisor.ReadPIDFile(m.pidFile(key)); err == nil {
			sess.PID = pid
		}
	}

	if err := supervisor.Terminate(sess.PID, m.pidFile(key), 3*time.Second, true); err != nil {
		return asderr.Wrap(asderr.KindSpawn, err, fmt.Sprintf("failed to stop tunnel for %q", serviceID)).At(serviceID)
	}
	if hasSession {
		sess.State = model.TunnelStopped
		sess.PublicURL = ""
		if m.Events != nil {
			m.appendEvent("tunnel.stopped", sess, "")
		}
	}
	if err := m.reg.ClearTunnel(serviceID); err != nil {
		return err
	}
	return nil
}

// StopAll terminates every session the Manager currently knows about, plus
// any PID file left in the tunnels directory by a previous invocation, for
// use on `asd net clean`/`asd net reset` and process shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	keys := make([]string, 0, len(m.sessions))
	for key := range m.sessions {
		keys = append(keys, key)
	}
	m.mu.Unlock()

	for _, key := range keys {
		parts := strings.SplitN(key, "|", 2)
		serviceID := parts[0]
		credentialRef := ""
		if len(parts) > 1 {
			credentialRef = parts[1]
		}
		if err := m.Stop(serviceID, credentialRef); err != nil {
			slog.Warn("failed to stop tunnel during StopAll", "service", serviceID, "error", err)
		}
	}

	// Sweep sessions this process never started.
	entries, err := os.ReadDir(m.paths.TunnelsDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pid") {
			continue
		}
		pidFile := filepath.Join(m.paths.TunnelsDir, entry.Name())
		pid, alive, err := supervisor.ReadPIDFile(pidFile)
		if err != nil || !alive {
			_ = os.Remove(pidFile)
			continue
		}
		if err := supervisor.Terminate(pid, pidFile, 3*time.Second, true); err != nil {
			slog.Warn("failed to stop orphaned tunnel process", "pid", pid, "error", err)
		}
	}
}

// Snapshot returns the current in-memory view of every tracked session.
func (m *Manager) Snapshot() []model.TunnelSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.TunnelSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Get returns the tracked session for (serviceID, credentialRef), if any.
func (m *Manager) Get(serviceID, credentialRef string) (model.TunnelSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionKey(serviceID, credentialRef)]
	return s, ok
}
