// Package macro implements the `${{ macro.* }}` / `${{ env.* }}` /
// legacy `${…}` template language used by project configuration and
// plugin manifests. Expansion is a single pure pass over a string;
// unresolved tunnel macros evaluate to "" rather than erroring.
package macro

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/asdhq/asd-net/internal/model"
)

// Scope is a namespaced port-allocation set that prevents repeated macro
// evaluations within one reconcile pass from colliding on the same port.
// Callers pass a fresh *Scope into each Context instead of relying on a
// package-level singleton — tests substitute their own.
type Scope struct {
	mu        sync.Mutex
	allocated map[string]int // scope-qualified name -> port
	reserved  map[int]bool   // ports claimed within this scope, any name
}

// NewScope returns an empty port-allocation scope.
func NewScope() *Scope {
	return &Scope{allocated: map[string]int{}, reserved: map[int]bool{}}
}

func (s *Scope) key(scope, name string) string { return scope + "\x00" + name }

func (s *Scope) lookup(scope, name string) (int, bool) {
	if name == "" {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.allocated[s.key(scope, name)]
	return p, ok
}

func (s *Scope) record(scope, name string, port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name != "" {
		s.allocated[s.key(scope, name)] = port
	}
	s.reserved[port] = true
}

func (s *Scope) isReserved(port int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reserved[port]
}

// Context carries every external input the expander's grammar can observe:
// env/dotenv lookups, the active tunnel credential, and the port scope for
// the current reconcile pass. Passing this explicitly (rather than reading
// module-level globals) is what lets tests substitute a fresh scope.
type Context struct {
	// Env resolves a name against the process environment merged with the
	// project dotenv (dotenv wins). Must return "" for an absent variable.
	Env func(name string) string
	// PersistEnv is called for macro.getRandomPort(..., persist=true) and
	// similar; nil means persistence is a no-op (e.g. during a dry render).
	PersistEnv func(name, value string) error
	// Credential is the active TunnelCredential, or nil if none is
	// configured — tunnel.* macros then evaluate to "".
	Credential *model.TunnelCredential
	// TunnelServerHTTPPort backs macro.tunnelEndpoint()/exposedOrigin when
	// the credential implies localhost mode (no real gateway configured).
	TunnelServerHTTPPort string
	// ServicePrefix is the enclosing service declaration's subdomain, used
	// as the default argument to the parameterless exposedOrigin*() forms.
	ServicePrefix string
	// Scope is the port-allocation scope for this expansion pass.
	Scope *Scope
	// DockerProbe reports docker-daemon availability for
	// core.isDockerAvailable(); nil defaults to "always unavailable".
	DockerProbe func() bool
}

func (c Context) env(name string) string {
	if c.Env == nil {
		return ""
	}
	return c.Env(name)
}

// Expand evaluates every `${{ ... }}` and legacy `${ ... }` span in s,
// replacing each with its evaluated text. It never returns an error:
// unresolvable expressions log a diagnostic and expand to "".
func Expand(s string, ctx Context) string {
	if ctx.Scope == nil {
		ctx.Scope = NewScope()
	}
	var b strings.Builder
	i := 0
	for i < len(s) {
		if strings.HasPrefix(s[i:], "${{") {
			end := strings.Index(s[i+3:], "}}")
			if end < 0 {
				b.WriteString(s[i:])
				break
			}
			inner := strings.TrimSpace(s[i+3 : i+3+end])
			b.WriteString(evalExpr(inner, ctx))
			i = i + 3 + end + 2
			continue
		}
		if s[i] == '$' && i+1 < len(s) && s[i+1] == '{' {
			end := strings.IndexByte(s[i+2:], '}')
			if end < 0 {
				b.WriteString(s[i:])
				break
			}
			inner := strings.TrimSpace(s[i+2 : i+2+end])
			// Legacy disambiguation: a span with no '(' is a plain env
			// lookup; one with '(' is routed through the full macro
			// grammar.
			if strings.Contains(inner, "(") {
				b.WriteString(evalExpr(inner, ctx))
			} else {
				b.WriteString(ctx.env(strings.TrimPrefix(inner, "env.")))
			}
			i = i + 2 + end + 1
			continue
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String()
}

// arg is one call argument: either positional (key=="") or named.
type arg struct {
	key, value string
}

func evalExpr(expr string, ctx Context) string {
	if strings.HasPrefix(expr, "!env.") {
		name := strings.TrimPrefix(expr, "!env.")
		if ctx.env(name) == "" {
			return "true"
		}
		return ""
	}
	if strings.HasPrefix(expr, "env.") {
		return ctx.env(strings.TrimPrefix(expr, "env."))
	}

	open := strings.IndexByte(expr, '(')
	if open < 0 || !strings.HasSuffix(expr, ")") {
		slog.Warn("unknown macro expression (no call form)", "expr", expr)
		return ""
	}
	name := strings.TrimSpace(expr[:open])
	argsRaw := expr[open+1 : len(expr)-1]
	args := parseArgs(argsRaw)

	switch name {
	case "core.isDockerAvailable":
		return strconv.FormatBool(ctx.DockerProbe != nil && ctx.DockerProbe())
	case "macro.getRandomPort":
		return macroGetRandomPort(args, ctx)
	case "macro.getRandomPorts":
		return macroGetRandomPorts(args, ctx)
	case "macro.getPortRange":
		return macroGetPortRange(args, ctx)
	case "macro.getRandomString":
		return macroGetRandomString(args)
	case "macro.bcrypt":
		return macroBcrypt(args)
	case "macro.bcryptEnv":
		return macroBcryptEnv(args, ctx)
	case "macro.tunnelHost":
		return macroTunnelHost(args, ctx)
	case "macro.tunnelClientId":
		if ctx.Credential == nil {
			return ""
		}
		return ctx.Credential.ClientID
	case "macro.tunnelEndpoint":
		return macroTunnelEndpoint(ctx)
	case "macro.exposedOrigin":
		return macroExposedOrigin(args, ctx, false)
	case "macro.exposedOriginWithAuth":
		return macroExposedOrigin(args, ctx, true)
	default:
		slog.Warn("unknown macro function tag", "name", name)
		return ""
	}
}

func parseArgs(raw string) []arg {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var out []arg
	var depth int
	var cur strings.Builder
	var inQuote byte
	flush := func() {
		part := strings.TrimSpace(cur.String())
		cur.Reset()
		if part == "" {
			return
		}
		if eq := strings.IndexByte(part, '='); eq > 0 && inQuote == 0 {
			out = append(out, arg{key: strings.TrimSpace(part[:eq]), value: unquote(strings.TrimSpace(part[eq+1:]))})
		} else {
			out = append(out, arg{value: unquote(part)})
		}
	}
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case inQuote != 0:
			cur.WriteByte(c)
			if c == inQuote {
				inQuote = 0
			}
		case c == '\'' || c == '"':
			inQuote = c
			cur.WriteByte(c)
		case c == '(' || c == '[':
			depth++
			cur.WriteByte(c)
		case c == ')' || c == ']':
			depth--
			cur.WriteByte(c)
		case c == ',' && depth == 0:
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return out
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '"' && s[len(s)-1] == '"' || s[0] == '\'' && s[len(s)-1] == '\'') {
		return s[1 : len(s)-1]
	}
	return s
}

func argByIndexOrKey(args []arg, idx int, key string) (string, bool) {
	for _, a := range args {
		if a.key == key {
			return a.value, true
		}
	}
	pos := 0
	for _, a := range args {
		if a.key != "" {
			continue
		}
		if pos == idx {
			return a.value, true
		}
		pos++
	}
	return "", false
}

func argBool(args []arg, idx int, key string, def bool) bool {
	v, ok := argByIndexOrKey(args, idx, key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func argInt(args []arg, idx int, key string, def int) int {
	v, ok := argByIndexOrKey(args, idx, key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func argString(args []arg, idx int, key, def string) string {
	v, ok := argByIndexOrKey(args, idx, key)
	if !ok {
		return def
	}
	return v
}

// portRange parses a "min-max" range argument, defaulting to the full
// ephemeral-safe range.
func portRange(spec string) (min, max int) {
	min, max = 20000, 65000
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return
	}
	if n, err := strconv.Atoi(strings.TrimSpace(parts[0])); err == nil {
		min = n
	}
	if n, err := strconv.Atoi(strings.TrimSpace(parts[1])); err == nil {
		max = n
	}
	return
}

// bindAndClose reports whether port is free by binding then immediately
// releasing it — the same probe-just-before-use idiom every OS-level
// "pick a free port" helper uses; true uniqueness still relies on this
// race-prone-but-standard check, with Scope providing collision avoidance
// within a single process run.
func bindAndClose(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

func allocatePort(scope *Scope, scopeName, rangeSpec string) (int, error) {
	min, max := portRange(rangeSpec)
	if max <= min {
		return 0, fmt.Errorf("invalid port range %d-%d", min, max)
	}
	span := max - min
	for attempt := 0; attempt < 200; attempt++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(span)))
		if err != nil {
			return 0, err
		}
		candidate := min + int(n.Int64())
		if scope.isReserved(candidate) {
			continue
		}
		if bindAndClose(candidate) {
			scope.record(scopeName, "", candidate)
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("no free port found in range %d-%d", min, max)
}

func macroGetRandomPort(args []arg, ctx Context) string {
	name := argString(args, 0, "name", "")
	rangeSpec := argString(args, 1, "range", "")
	persist := argBool(args, 2, "persist", false)
	scopeName := argString(args, 3, "scope", "")

	if name != "" {
		if existing, ok := ctx.Scope.lookup(scopeName, name); ok && bindAndClose(existing) {
			return strconv.Itoa(existing)
		}
	}

	port, err := allocatePort(ctx.Scope, scopeName, rangeSpec)
	if err != nil {
		slog.Warn("macro.getRandomPort failed", "error", err)
		return ""
	}
	if name != "" {
		ctx.Scope.record(scopeName, name, port)
	}
	if persist && name != "" && ctx.PersistEnv != nil {
		if err := ctx.PersistEnv(name, strconv.Itoa(port)); err != nil {
			slog.Warn("macro.getRandomPort persist failed", "name", name, "error", err)
		}
	}
	return strconv.Itoa(port)
}

func macroGetRandomPorts(args []arg, ctx Context) string {
	n := argInt(args, 0, "n", 1)
	sep := argString(args, 1, "sep", ",")
	rangeSpec := argString(args, 2, "range", "")
	scopeName := argString(args, 3, "scope", "")

	ports := make([]string, 0, n)
	for i := 0; i < n; i++ {
		port, err := allocatePort(ctx.Scope, scopeName, rangeSpec)
		if err != nil {
			slog.Warn("macro.getRandomPorts failed", "error", err)
			return strings.Join(ports, sep)
		}
		ports = append(ports, strconv.Itoa(port))
	}
	return strings.Join(ports, sep)
}

func macroGetPortRange(args []arg, ctx Context) string {
	size := argInt(args, 0, "size", 1)
	minArg := argInt(args, 1, "min", 20000)
	maxArg := argInt(args, 2, "max", 65000)
	name := argString(args, 3, "name", "")
	persist := argBool(args, 4, "persist", false)
	scopeName := argString(args, 5, "scope", "")

	rangeSpec := fmt.Sprintf("%d-%d", minArg, maxArg)
	start, err := allocatePort(ctx.Scope, scopeName, rangeSpec)
	if err != nil {
		slog.Warn("macro.getPortRange failed", "error", err)
		return ""
	}
	for i := 1; i < size; i++ {
		ctx.Scope.record(scopeName, "", start+i)
	}
	if name != "" && persist && ctx.PersistEnv != nil {
		if err := ctx.PersistEnv(name, strconv.Itoa(start)); err != nil {
			slog.Warn("macro.getPortRange persist failed", "name", name, "error", err)
		}
	}
	return strconv.Itoa(start)
}

const (
	alphabetAlphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	alphabetAlpha        = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	alphabetNumeric      = "0123456789"
	alphabetHex          = "0123456789abcdef"
)

func charsetFor(name string) string {
	switch name {
	case "alpha":
		return alphabetAlpha
	case "numeric":
		return alphabetNumeric
	case "hex":
		return alphabetHex
	default:
		return alphabetAlphanumeric
	}
}

func macroGetRandomString(args []arg) string {
	length := argInt(args, 0, "length", 16)
	charset := charsetFor(argString(args, 1, "charset", "alphanumeric"))
	prefix := argString(args, 2, "prefix", "")
	suffix := argString(args, 3, "suffix", "")

	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			slog.Warn("macro.getRandomString CSPRNG failure", "error", err)
			return ""
		}
		out[i] = charset[n.Int64()]
	}
	return prefix + string(out) + suffix
}

func macroBcrypt(args []arg) string {
	password := argString(args, 0, "password", "")
	cost := argInt(args, 1, "cost", bcrypt.DefaultCost)
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		slog.Warn("macro.bcrypt failed", "error", err)
		return ""
	}
	return string(hashed)
}

func macroBcryptEnv(args []arg, ctx Context) string {
	varName := argString(args, 0, "varName", "")
	if varName == "" {
		return ""
	}
	password := ctx.env(varName)
	if password == "" {
		return ""
	}
	return macroBcrypt([]arg{{value: password}})
}

func macroTunnelHost(args []arg, ctx Context) string {
	if ctx.Credential == nil {
		return ""
	}
	prefix := argString(args, 0, "prefix", ctx.ServicePrefix)
	if prefix == "" {
		return ""
	}
	return fmt.Sprintf("%s-%s.%s", prefix, ctx.Credential.ClientID, ctx.Credential.Host)
}

// isLocalhostCredential reports whether cred points at a local dev gateway
// rather than a real remote tunnel host — in which case tunnelEndpoint()
// and exposedOrigin*() derive their port from ctx.TunnelServerHTTPPort
// (ASD_TUNNEL_SERVER_HTTP_PORT) instead of the credential's SSH port, and
// use plain http:// against a ".localhost" suffix instead of the
// credential's real domain.
func isLocalhostCredential(cred *model.TunnelCredential) bool {
	return cred.Host == "localhost" || cred.Host == "127.0.0.1"
}

func macroTunnelEndpoint(ctx Context) string {
	if ctx.Credential == nil {
		return ""
	}
	if isLocalhostCredential(ctx.Credential) {
		return fmt.Sprintf("localhost:%s", localhostHTTPPort(ctx))
	}
	return fmt.Sprintf("%s:%d", ctx.Credential.Host, ctx.Credential.Port)
}

func macroExposedOrigin(args []arg, ctx Context, withAuth bool) string {
	if ctx.Credential == nil {
		return ""
	}
	prefix := argString(args, 0, "prefix", ctx.ServicePrefix)
	if prefix == "" {
		return ""
	}
	auth := ""
	if withAuth {
		user := ctx.env("ASD_BASIC_AUTH_USERNAME")
		pass := ctx.env("ASD_BASIC_AUTH_PASSWORD")
		if user != "" && pass != "" {
			auth = fmt.Sprintf("%s:%s@", user, pass)
		}
	}
	if isLocalhostCredential(ctx.Credential) {
		host := fmt.Sprintf("%s-%s.localhost", prefix, ctx.Credential.ClientID)
		return fmt.Sprintf("http://%s%s:%s", auth, host, localhostHTTPPort(ctx))
	}
	host := fmt.Sprintf("%s-%s.%s", prefix, ctx.Credential.ClientID, ctx.Credential.Host)
	return fmt.Sprintf("https://%s%s", auth, host)
}

// localhostHTTPPort returns the local gateway's HTTP port for localhost-mode
// credentials, defaulting to 80 when ASD_TUNNEL_SERVER_HTTP_PORT is unset.
func localhostHTTPPort(ctx Context) string {
	if ctx.TunnelServerHTTPPort != "" {
		return ctx.TunnelServerHTTPPort
	}
	return "80"
}
