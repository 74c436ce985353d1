package security

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dshills/hivedesk/internal/extension/manifest"
)

// Emitter publishes an observability event into the reserved system event
// namespace. The security package does not depend on the bus; the wiring
// layer connects the two.
type Emitter func(eventType string, payload map[string]any)

// Manager owns the capability policy for every installation: security
// contexts, API tokens, signature verification, permission and scope
// checks, and the violation log.
type Manager struct {
	mu       sync.RWMutex
	contexts map[string]*SecurityContext // by installation id
	tokens   map[string]*tokenRecord     // by token id

	secret     []byte
	violations *violationRing
	logger     *slog.Logger
	emit       Emitter

	// clock is replaceable in tests.
	clock func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithEmitter sets the observability event sink for denials.
func WithEmitter(emit Emitter) Option {
	return func(m *Manager) {
		m.emit = emit
	}
}

// WithViolationCapacity bounds the violation ring buffer.
func WithViolationCapacity(n int) Option {
	return func(m *Manager) {
		m.violations = newViolationRing(n)
	}
}

// WithClock replaces the time source. Used by tests to drive token expiry.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// NewManager creates a security manager. The token signing secret must be
// operator-supplied; issuing tokens with an empty or default secret is
// refused outright.
func NewManager(secret []byte, opts ...Option) (*Manager, error) {
	if len(secret) == 0 {
		return nil, ErrNoSecret
	}
	m := &Manager{
		contexts:   make(map[string]*SecurityContext),
		tokens:     make(map[string]*tokenRecord),
		secret:     secret,
		violations: newViolationRing(DefaultViolationCapacity),
		logger:     slog.Default(),
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) now() time.Time {
	return m.clock()
}

// CreateSecurityContext creates the live security context for an
// installation activation: a copy of the granted capability sets, a signed
// API token with a fixed 24-hour expiry, the derived security level, and
// the allowed network domains from the manifest. Creating a context for an
// installation that already has one replaces it and invalidates the
// previous token.
func (m *Manager) CreateSecurityContext(inst *manifest.Installation, man *manifest.Manifest) (*SecurityContext, error) {
	if inst == nil || man == nil {
		return nil, ErrNilInput
	}

	now := m.now()
	tokenID := newTokenID()
	expires := now.Add(TokenTTL)
	token, err := signToken(m.secret, tokenClaims{
		TokenID:        tokenID,
		InstallationID: inst.ID,
		PluginID:       inst.PluginID,
		CapDigest:      capabilityDigest(inst.GrantedPermissions, inst.GrantedScopes),
		ExpiresAt:      expires.Unix(),
	})
	if err != nil {
		return nil, err
	}

	ctx := &SecurityContext{
		InstallationID: inst.ID,
		PluginID:       inst.PluginID,
		Permissions:    make(map[manifest.Permission]bool, len(inst.GrantedPermissions)),
		Scopes:         make(map[manifest.Scope]bool, len(inst.GrantedScopes)),
		Token:          token,
		TokenID:        tokenID,
		TokenExpires:   expires,
		Level:          DeriveLevel(inst.GrantedPermissions, inst.GrantedScopes),
		AllowedDomains: man.LinkedDomains(),
		CreatedAt:      now,
	}
	for _, p := range inst.GrantedPermissions {
		ctx.Permissions[p] = true
	}
	for _, s := range inst.GrantedScopes {
		ctx.Scopes[s] = true
	}

	m.mu.Lock()
	if prev, ok := m.contexts[inst.ID]; ok {
		delete(m.tokens, prev.TokenID)
	}
	m.contexts[inst.ID] = ctx
	m.tokens[tokenID] = &tokenRecord{installationID: inst.ID, expiresAt: expires}
	m.mu.Unlock()

	m.logger.Info("security context created",
		"installation", inst.ID,
		"plugin", inst.PluginID,
		"level", ctx.Level.String(),
		"domains", len(ctx.AllowedDomains))
	return ctx, nil
}

// Context returns the live security context for an installation, if any.
func (m *Manager) Context(installationID string) (*SecurityContext, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ctx, ok := m.contexts[installationID]
	return ctx, ok
}

// RevokeSecurityContext destroys an installation's context and invalidates
// its token. Revoking an unknown installation is a no-op.
func (m *Manager) RevokeSecurityContext(installationID string) {
	m.mu.Lock()
	ctx, ok := m.contexts[installationID]
	if ok {
		delete(m.tokens, ctx.TokenID)
		delete(m.contexts, installationID)
	}
	m.mu.Unlock()

	if ok {
		m.logger.Info("security context revoked", "installation", installationID)
	}
}

// HasPermission reports whether the installation's live context grants the
// permission. Absence of a context is a denial, not an error. Every denial
// is recorded as a medium violation and emitted for observability.
func (m *Manager) HasPermission(installationID string, p manifest.Permission) bool {
	m.mu.RLock()
	ctx, ok := m.contexts[installationID]
	granted := ok && ctx.Permissions[p]
	m.mu.RUnlock()

	if !granted {
		m.deny(installationID, ViolationPermissionDenied,
			fmt.Sprintf("permission %q denied", p))
	}
	return granted
}

// AllowsPermission answers the same question as HasPermission without
// recording a denial. Dispatch paths use it where absence is routine
// filtering rather than a policy violation.
func (m *Manager) AllowsPermission(installationID string, p manifest.Permission) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ctx, ok := m.contexts[installationID]
	return ok && ctx.Permissions[p]
}

// HasScope reports whether the installation's live context grants the
// scope, with the same denial semantics as HasPermission.
func (m *Manager) HasScope(installationID string, s manifest.Scope) bool {
	m.mu.RLock()
	ctx, ok := m.contexts[installationID]
	granted := ok && ctx.Scopes[s]
	m.mu.RUnlock()

	if !granted {
		m.deny(installationID, ViolationScopeDenied,
			fmt.Sprintf("scope %q denied", s))
	}
	return granted
}

func (m *Manager) deny(installationID string, kind ViolationKind, desc string) {
	m.record(Violation{
		Kind:           kind,
		InstallationID: installationID,
		Description:    desc,
		Severity:       SeverityMedium,
		Timestamp:      m.now(),
	})
	if m.emit != nil {
		m.emit("system.security.denied", map[string]any{
			"installation": installationID,
			"kind":         string(kind),
			"description":  desc,
		})
	}
}

// ValidateAPIToken reports whether a token is live: signed by this
// manager's secret, present in the token table, and not expired. Expiry is
// lazy; an expired entry is purged by the validating call rather than by a
// background sweep.
func (m *Manager) ValidateAPIToken(token string) bool {
	claims, ok := parseToken(m.secret, token)
	if !ok {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.tokens[claims.TokenID]
	if !ok {
		return false
	}
	if !rec.expiresAt.After(m.now()) {
		delete(m.tokens, claims.TokenID)
		return false
	}
	return true
}

// RecordNetworkBlock logs a blocked outbound request as a violation. The
// sandbox manager's network mediation calls this for every block.
func (m *Manager) RecordNetworkBlock(installationID, host, reason string) {
	m.record(Violation{
		Kind:           ViolationNetworkBlocked,
		InstallationID: installationID,
		Description:    fmt.Sprintf("blocked request to %q: %s", host, reason),
		Severity:       SeverityMedium,
		Timestamp:      m.now(),
	})
}

// RecordHandlerFailure logs a faulting event handler as a violation.
func (m *Manager) RecordHandlerFailure(installationID, desc string) {
	m.record(Violation{
		Kind:           ViolationHandlerFailure,
		InstallationID: installationID,
		Description:    desc,
		Severity:       SeverityLow,
		Timestamp:      m.now(),
	})
}

func (m *Manager) record(v Violation) {
	m.violations.append(v)
	m.logger.Warn("security violation",
		"kind", string(v.Kind),
		"installation", v.InstallationID,
		"severity", v.Severity.String(),
		"description", v.Description)
}

// Violations returns the logged violations oldest-first, optionally
// filtered to one installation ("" matches all).
func (m *Manager) Violations(installationID string) []Violation {
	return m.violations.snapshot(installationID)
}
