package extension

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/dshills/hivedesk/internal/extension/bus"
	"github.com/dshills/hivedesk/internal/extension/manifest"
	"github.com/dshills/hivedesk/internal/extension/runtime"
	"github.com/dshills/hivedesk/internal/extension/sandbox"
	"github.com/dshills/hivedesk/internal/extension/security"
	"github.com/dshills/hivedesk/internal/extension/settings"
)

// System event types emitted by the facade.
const (
	EventActivated   = "system.extension.activated"
	EventDeactivated = "system.extension.deactivated"
)

// activation ties together everything live for one installation.
type activation struct {
	inst *manifest.Installation
	man  *manifest.Manifest
	ec   *runtime.ExecutionContext
}

// System is the embeddable extension runtime.
type System struct {
	security *security.Manager
	sandbox  *sandbox.Manager
	bus      *bus.Bus
	store    *settings.Store
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]*activation
}

// SystemOption configures a System.
type SystemOption func(*systemConfig)

type systemConfig struct {
	logger            *slog.Logger
	historyCapacity   int
	violationCapacity int
}

// WithLogger sets the structured logger shared across the components.
func WithLogger(logger *slog.Logger) SystemOption {
	return func(c *systemConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHistoryCapacity bounds the bus event history.
func WithHistoryCapacity(n int) SystemOption {
	return func(c *systemConfig) {
		c.historyCapacity = n
	}
}

// WithViolationCapacity bounds the violation log.
func WithViolationCapacity(n int) SystemOption {
	return func(c *systemConfig) {
		c.violationCapacity = n
	}
}

// NewSystem constructs the runtime. The token signing secret is required;
// without one the security manager refuses to issue tokens and
// construction fails.
func NewSystem(secret []byte, opts ...SystemOption) (*System, error) {
	cfg := systemConfig{
		logger:            slog.Default(),
		historyCapacity:   bus.DefaultHistoryCapacity,
		violationCapacity: security.DefaultViolationCapacity,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	sys := &System{
		store:  settings.NewStore(),
		logger: cfg.logger,
		active: make(map[string]*activation),
	}

	// The security manager publishes denial events through the bus, and
	// the bus gates callers through the security manager. The emitter
	// closure breaks the construction cycle; it only fires once the bus
	// field is set below.
	sec, err := security.NewManager(secret,
		security.WithLogger(cfg.logger),
		security.WithViolationCapacity(cfg.violationCapacity),
		security.WithEmitter(func(eventType string, payload map[string]any) {
			if sys.bus != nil {
				sys.bus.EmitSystem(eventType, payload)
			}
		}),
	)
	if err != nil {
		return nil, err
	}
	sys.security = sec

	sys.bus = bus.New(sec,
		bus.WithLogger(cfg.logger),
		bus.WithHistoryCapacity(cfg.historyCapacity),
		bus.WithFaultReporter(sec),
	)
	sys.sandbox = sandbox.NewManager(sys.store,
		sandbox.WithLogger(cfg.logger),
		sandbox.WithBlockRecorder(sec),
	)
	return sys, nil
}

// Activate brings one installation live: the granted capabilities are
// validated against the manifest, a security context is created, an
// execution context is built under the derived sandbox config, and the
// entry code runs. Each step unwinds the previous ones on failure.
func (s *System) Activate(ctx context.Context, inst *manifest.Installation, man *manifest.Manifest, entryCode string) error {
	if err := man.Validate(); err != nil {
		return fmt.Errorf("manifest rejected: %w", err)
	}

	result := s.security.ValidatePermissions(man, inst.GrantedPermissions)
	if !result.Valid {
		return fmt.Errorf("%w: %s", ErrUndeclaredCapability, strings.Join(result.Violations, "; "))
	}
	for _, w := range result.Warnings {
		s.logger.Warn("permission warning", "installation", inst.ID, "warning", w)
	}
	for _, sc := range inst.GrantedScopes {
		if !man.DeclaresScope(sc) {
			return fmt.Errorf("%w: scope %q", ErrUndeclaredCapability, sc)
		}
	}

	secCtx, err := s.security.CreateSecurityContext(inst, man)
	if err != nil {
		return err
	}

	host := &hostBinding{sys: s, installationID: inst.ID}
	ec, err := s.sandbox.CreateExecutionContext(inst, man, host, runtime.WithLogger(s.logger))
	if err != nil {
		s.security.RevokeSecurityContext(inst.ID)
		return err
	}

	if err := ec.Initialize(ctx, entryCode); err != nil {
		_ = s.sandbox.DestroyExecutionContext(ctx, inst.ID)
		s.security.RevokeSecurityContext(inst.ID)
		return err
	}

	s.mu.Lock()
	s.active[inst.ID] = &activation{inst: inst, man: man, ec: ec}
	s.mu.Unlock()

	s.bus.EmitSystem(EventActivated, map[string]any{
		"installation": inst.ID,
		"plugin":       inst.PluginID,
		"level":        secCtx.Level.String(),
	})
	return nil
}

// Deactivate tears an installation down in reverse activation order: bus
// subscriptions, execution context and session, then the security
// context. Unknown installations are a no-op.
func (s *System) Deactivate(ctx context.Context, installationID string) error {
	s.mu.Lock()
	act, ok := s.active[installationID]
	delete(s.active, installationID)
	s.mu.Unlock()

	if !ok {
		return nil
	}

	s.bus.UnsubscribeAll(installationID)
	err := s.sandbox.DestroyExecutionContext(ctx, installationID)
	s.security.RevokeSecurityContext(installationID)

	s.bus.EmitSystem(EventDeactivated, map[string]any{
		"installation": installationID,
		"plugin":       act.inst.PluginID,
	})
	return err
}

// Shutdown deactivates every live installation.
func (s *System) Shutdown(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.Deactivate(ctx, id); err != nil {
			s.logger.Warn("deactivation failed during shutdown",
				"installation", id, "error", err)
		}
	}
}

// ExecuteAction invokes a registered action on an activated installation.
func (s *System) ExecuteAction(ctx context.Context, installationID, name string, params map[string]any) (any, error) {
	ec, ok := s.sandbox.Context(installationID)
	if !ok {
		return nil, ErrNotActivated
	}
	return ec.ExecuteAction(ctx, name, params)
}

// Pause soft-pauses an installation's execution context.
func (s *System) Pause(installationID string) error {
	ec, ok := s.sandbox.Context(installationID)
	if !ok {
		return ErrNotActivated
	}
	ec.Pause()
	return nil
}

// Resume reopens a paused execution context.
func (s *System) Resume(installationID string) error {
	ec, ok := s.sandbox.Context(installationID)
	if !ok {
		return ErrNotActivated
	}
	ec.Resume()
	return nil
}

// Active returns the ids of the live activations.
func (s *System) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	return ids
}

// Security returns the security manager.
func (s *System) Security() *security.Manager {
	return s.security
}

// Sandbox returns the sandbox manager.
func (s *System) Sandbox() *sandbox.Manager {
	return s.sandbox
}

// Bus returns the event bus.
func (s *System) Bus() *bus.Bus {
	return s.bus
}

// Settings returns the settings store.
func (s *System) Settings() *settings.Store {
	return s.store
}
