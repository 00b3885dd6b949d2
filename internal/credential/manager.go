package credential

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/DollhouseMCP/mcp-server-sub009/internal/events"
	"github.com/DollhouseMCP/mcp-server-sub009/internal/log"
	"github.com/DollhouseMCP/mcp-server-sub009/internal/xerrors"
)

const (
	// DefaultTTL is the rotation window: a cached validation older than
	// this is revalidated.
	DefaultTTL = time.Hour

	// DefaultEnvVar is where the environment resolution step looks.
	DefaultEnvVar = "GITHUB_TOKEN"

	defaultSlot = "github"
)

// Metrics is implemented by the metrics package to observe resolution.
type Metrics interface {
	IncObtain(outcome string)
}

// Manager is the process-wide credential authority: one shared instance,
// dependency-injected everywhere a token is needed. The cache and rate
// gate are its only mutable state.
type Manager struct {
	mu        sync.Mutex
	cached    *Credential
	checkedAt time.Time

	gate    *gate
	store   *Store
	intro   *Introspector
	ttl     time.Duration
	envVar  string
	slot    string
	logger  log.Logger
	sink    events.Sink
	metrics Metrics
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithStore attaches encrypted persistence. Without one, resolution uses
// cache and environment only.
func WithStore(s *Store) ManagerOption { return func(m *Manager) { m.store = s } }

// WithIntrospector replaces the introspection client.
func WithIntrospector(i *Introspector) ManagerOption {
	return func(m *Manager) {
		if i != nil {
			m.intro = i
		}
	}
}

// WithTTL overrides the rotation window.
func WithTTL(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.ttl = d
		}
	}
}

// WithEnvVar overrides the environment variable name.
func WithEnvVar(name string) ManagerOption {
	return func(m *Manager) {
		if name != "" {
			m.envVar = name
		}
	}
}

// WithSlot overrides the store slot name.
func WithSlot(slot string) ManagerOption {
	return func(m *Manager) {
		if slot != "" {
			m.slot = slot
		}
	}
}

// WithQuota overrides the introspection rate gate.
func WithQuota(perHour int, minGap time.Duration) ManagerOption {
	return func(m *Manager) { m.gate = newGate(perHour, minGap) }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithEvents sets the security event sink.
func WithEvents(sink events.Sink) ManagerOption {
	return func(m *Manager) {
		if sink != nil {
			m.sink = sink
		}
	}
}

// WithMetrics sets the metrics hook.
func WithMetrics(mx Metrics) ManagerOption { return func(m *Manager) { m.metrics = mx } }

// NewManager builds a Manager with the stock gate, TTL, and environment
// source.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		gate:   newGate(DefaultAttemptsPerHour, DefaultMinAttemptGap),
		intro:  NewIntrospector(),
		ttl:    DefaultTTL,
		envVar: DefaultEnvVar,
		slot:   defaultSlot,
		logger: log.Nop(),
		sink:   events.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Obtain resolves a credential covering the required scopes. Order:
// fresh cache (no network), environment, encrypted store. A resolved
// token is format-checked, then validated with exactly one introspection
// call behind the rate gate.
func (m *Manager) Obtain(ctx context.Context, required ...string) (*Credential, error) {
	if cred := m.fromCache(required); cred != nil {
		m.inc("cache_hit")
		return cred, nil
	}

	token, source := m.resolveToken(ctx)
	if token == "" {
		m.inc("absent")
		return nil, xerrors.Wrap(ErrNoCredential, "resolve")
	}

	if _, ok := Classify(token); !ok {
		m.inc("format_rejected")
		m.sink.Emit(ctx, events.New(events.TypeCredentialFormatRejected, events.SeverityMedium, "credential",
			"resolved token matches no allow-listed shape",
			"source", source,
		))
		return nil, xerrors.Wrap(ErrInvalidCredential, "token format")
	}

	if ok, wait := m.gate.allow(time.Now()); !ok {
		m.inc("rate_limited")
		m.sink.Emit(ctx, events.New(events.TypeCredentialRateLimited, events.SeverityMedium, "credential",
			"introspection attempt denied by rate gate",
			"retry_after", wait.String(),
		))
		return nil, &RateLimitError{RetryAfter: wait}
	}

	cred, err := m.intro.Introspect(ctx, token)
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidCredential):
		m.inc("invalid")
		m.clearCache()
		m.sink.Emit(ctx, events.New(events.TypeCredentialInvalid, events.SeverityHigh, "credential",
			"provider rejected the resolved token",
			"source", source,
			"token", Display(token),
		))
		return nil, err
	case errors.Is(err, errScopeDenied):
		m.inc("scope_denied")
		m.emitScopeDenied(ctx, required)
		return nil, &ScopeError{Missing: append([]string(nil), required...)}
	default:
		m.inc("error")
		return nil, err
	}

	// the token authenticated; cache it with its granted scope set even
	// if this caller's requirement fails below
	m.setCache(cred)

	if missing := missingScopes(cred.Scopes, required); len(missing) > 0 {
		m.inc("scope_denied")
		m.emitScopeDenied(ctx, missing)
		return nil, &ScopeError{Missing: missing}
	}

	m.inc("validated")
	m.logger.Info(ctx, "credential validated",
		"token", Display(token),
		"type", string(cred.Type),
		"scopes", len(cred.Scopes),
	)
	return copyCredential(cred), nil
}

// Store format-checks and persists token in the encrypted store, then
// drops the cache so the next Obtain validates the new token.
func (m *Manager) Store(ctx context.Context, token string) error {
	if _, ok := Classify(token); !ok {
		m.sink.Emit(ctx, events.New(events.TypeCredentialFormatRejected, events.SeverityMedium, "credential",
			"store refused a token matching no allow-listed shape",
		))
		return xerrors.Wrap(ErrInvalidCredential, "token format")
	}
	if m.store == nil {
		return xerrors.New("no credential store configured")
	}
	if err := m.store.Save(ctx, m.slot, token); err != nil {
		return err
	}
	m.clearCache()
	return nil
}

// Revoke drops the cache and removes the stored credential.
func (m *Manager) Revoke(ctx context.Context) error {
	m.clearCache()
	if m.store == nil {
		return nil
	}
	return m.store.Delete(ctx, m.slot)
}

// Status describes the manager without exposing the token.
type Status struct {
	Cached    bool      `json:"cached"`
	Type      TokenType `json:"type,omitempty"`
	Scopes    []string  `json:"scopes,omitempty"`
	CheckedAt time.Time `json:"checked_at,omitempty"`
}

// Status reports the current cache state for operational surfaces.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cached == nil {
		return Status{}
	}
	return Status{
		Cached:    true,
		Type:      m.cached.Type,
		Scopes:    append([]string(nil), m.cached.Scopes...),
		CheckedAt: m.checkedAt,
	}
}

func (m *Manager) fromCache(required []string) *Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cached == nil || time.Since(m.checkedAt) >= m.ttl {
		return nil
	}
	if !scopeCovers(m.cached.Scopes, required) {
		return nil
	}
	return copyCredential(m.cached)
}

func (m *Manager) setCache(cred *Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cached = copyCredential(cred)
	m.checkedAt = time.Now()
}

func (m *Manager) clearCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cached = nil
	m.checkedAt = time.Time{}
}

func (m *Manager) resolveToken(ctx context.Context) (token, source string) {
	if t := strings.TrimSpace(os.Getenv(m.envVar)); t != "" {
		return t, "env"
	}
	if m.store != nil {
		if t, err := m.store.Load(ctx, m.slot); err == nil && t != "" {
			return t, "store"
		}
	}
	return "", ""
}

func (m *Manager) emitScopeDenied(ctx context.Context, missing []string) {
	m.sink.Emit(ctx, events.New(events.TypeCredentialScopeDenied, events.SeverityHigh, "credential",
		"credential lacks required scopes",
		"missing", strings.Join(missing, ","),
	))
}

func (m *Manager) inc(outcome string) {
	if m.metrics != nil {
		m.metrics.IncObtain(outcome)
	}
}

func copyCredential(c *Credential) *Credential {
	out := *c
	out.Scopes = append([]string(nil), c.Scopes...)
	return &out
}

// scopeCovers is literal containment. Provider-side scope hierarchies
// are not modeled; requiring the broad scope is on the caller.
func scopeCovers(granted, required []string) bool {
	return len(missingScopes(granted, required)) == 0
}

func missingScopes(granted, required []string) []string {
	var missing []string
	for _, want := range required {
		found := false
		for _, have := range granted {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, want)
		}
	}
	return missing
}
