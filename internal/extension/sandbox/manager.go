// Package sandbox manages isolated execution sessions: it derives the
// sandbox policy for an installation, creates and destroys execution
// contexts wired to that policy, and mediates outbound network access per
// session.
package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"

	"github.com/dshills/hivedesk/internal/extension/manifest"
	"github.com/dshills/hivedesk/internal/extension/runtime"
	"github.com/dshills/hivedesk/internal/extension/settings"
)

// ErrContextExists is returned when creating a second execution context
// for an installation whose first has not been destroyed.
var ErrContextExists = errors.New("execution context already exists for installation")

// BlockRecorder receives network mediation blocks for the audit trail.
// Satisfied by the security manager.
type BlockRecorder interface {
	RecordNetworkBlock(installationID, host, reason string)
}

// Manager owns one session and at most one execution context per
// installation.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session
	contexts map[string]*runtime.ExecutionContext
	configs  map[string]runtime.SandboxConfig

	store    *settings.Store
	recorder BlockRecorder
	logger   *slog.Logger
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

// WithBlockRecorder routes network blocks into the violation log.
func WithBlockRecorder(r BlockRecorder) Option {
	return func(m *Manager) {
		m.recorder = r
	}
}

// NewManager creates a sandbox manager backed by the given settings
// store.
func NewManager(store *settings.Store, opts ...Option) *Manager {
	m := &Manager{
		sessions: make(map[string]*session),
		contexts: make(map[string]*runtime.ExecutionContext),
		configs:  make(map[string]runtime.SandboxConfig),
		store:    store,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateExecutionContext allocates the installation's isolated session,
// derives its sandbox config, and constructs an execution context bound
// to both. Creating a second context for the same installation before
// destroying the first is an error.
func (m *Manager) CreateExecutionContext(inst *manifest.Installation, man *manifest.Manifest, host runtime.HostAPI, opts ...runtime.ContextOption) (*runtime.ExecutionContext, error) {
	cfg := DeriveConfig(inst, man)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.contexts[inst.ID]; exists {
		return nil, ErrContextExists
	}

	ec := runtime.NewExecutionContext(inst.ID, inst.PluginID, cfg, host, opts...)
	m.sessions[inst.ID] = newSession(inst.PluginID, inst.ID)
	m.contexts[inst.ID] = ec
	m.configs[inst.ID] = cfg

	m.logger.Info("execution context created",
		"installation", inst.ID,
		"plugin", inst.PluginID,
		"network", cfg.AllowNetwork,
		"timeout", cfg.Timeout)
	return ec, nil
}

// DestroyExecutionContext destroys the installation's execution context,
// wipes the session cache and its persisted settings namespace, then
// removes the bookkeeping. Destroying an unknown or already-destroyed
// installation is a no-op.
func (m *Manager) DestroyExecutionContext(ctx context.Context, installationID string) error {
	m.mu.Lock()
	ec, ok := m.contexts[installationID]
	sess := m.sessions[installationID]
	delete(m.contexts, installationID)
	delete(m.sessions, installationID)
	delete(m.configs, installationID)
	m.mu.Unlock()

	if !ok {
		return nil
	}

	err := ec.Destroy(ctx)
	if sess != nil {
		sess.clear()
	}
	if m.store != nil {
		m.store.Clear(installationID)
	}
	m.logger.Info("execution context destroyed", "installation", installationID)
	return err
}

// Context returns the installation's live execution context, if any.
func (m *Manager) Context(installationID string) (*runtime.ExecutionContext, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ec, ok := m.contexts[installationID]
	return ec, ok
}

// Config returns the installation's derived sandbox config.
func (m *Manager) Config(installationID string) (runtime.SandboxConfig, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[installationID]
	return cfg, ok
}

// Installations returns the ids with a live execution context.
func (m *Manager) Installations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.contexts))
	for id := range m.contexts {
		ids = append(ids, id)
	}
	return ids
}

// CheckOutbound applies the installation's network mediation policy to an
// outbound reference. Every block is recorded as a violation.
func (m *Manager) CheckOutbound(installationID, rawURL string) error {
	m.mu.Lock()
	cfg, ok := m.configs[installationID]
	m.mu.Unlock()

	if !ok {
		cfg = runtime.DefaultSandboxConfig()
	}
	err := checkOutbound(cfg, rawURL)
	if err != nil && m.recorder != nil {
		host := rawURL
		if u, perr := url.Parse(rawURL); perr == nil && u.Host != "" {
			host = u.Hostname()
		}
		m.recorder.RecordNetworkBlock(installationID, host, err.Error())
	}
	return err
}

// CacheGet reads from the installation's session cache.
func (m *Manager) CacheGet(installationID, key string) (any, bool) {
	m.mu.Lock()
	sess, ok := m.sessions[installationID]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	return sess.get(key)
}

// CachePut writes into the installation's session cache.
func (m *Manager) CachePut(installationID, key string, value any) bool {
	m.mu.Lock()
	sess, ok := m.sessions[installationID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	sess.put(key, value)
	return true
}
