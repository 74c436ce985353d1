package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/hivedesk/internal/extension/luavm"
)

// Hook names an extension may define as globals in its entry code.
const (
	initHook    = "on_init"
	cleanupHook = "on_cleanup"
)

// ExecutionContext is one installation's live execution environment: a
// sandboxed VM behind a single-goroutine executor, the registered action
// handlers, pending timers, and bus subscriptions.
type ExecutionContext struct {
	installationID string
	pluginID       string
	cfg            SandboxConfig
	host           HostAPI
	logger         *slog.Logger

	vm   *luavm.State
	exec *luavm.Executor

	mu          sync.Mutex
	st          State
	destroyed   bool
	actions     map[string]*lua.LFunction
	timers      map[int]*time.Timer
	nextTimerID int
	subs        []string
	lastActive  time.Time

	execCount atomic.Uint64
	errCount  atomic.Uint64

	clock func() time.Time
}

// ContextOption configures an ExecutionContext.
type ContextOption func(*ExecutionContext)

// WithLogger sets the structured logger. Extension console output is
// routed through it as well.
func WithLogger(logger *slog.Logger) ContextOption {
	return func(c *ExecutionContext) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock replaces the time source for tests.
func WithClock(clock func() time.Time) ContextOption {
	return func(c *ExecutionContext) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// NewExecutionContext creates a context in the initializing state with a
// fresh sandboxed VM. No extension code runs until Initialize.
func NewExecutionContext(installationID, pluginID string, cfg SandboxConfig, host HostAPI, opts ...ContextOption) *ExecutionContext {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.InstructionLimit == 0 {
		cfg.InstructionLimit = DefaultInstructionLimit
	}
	c := &ExecutionContext{
		installationID: installationID,
		pluginID:       pluginID,
		cfg:            cfg,
		host:           host,
		logger:         slog.Default(),
		st:             StateInitializing,
		actions:        make(map[string]*lua.LFunction),
		timers:         make(map[int]*time.Timer),
		clock:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("installation", installationID, "plugin", pluginID)

	c.vm = luavm.NewState(luavm.WithInstructionLimit(cfg.InstructionLimit))
	c.exec = luavm.NewExecutor(c.vm, luavm.DefaultQueueSize)
	return c
}

// charge debits one unit from the running call's instruction budget.
// Every mediated host operation passes through here.
func (c *ExecutionContext) charge() {
	c.vm.ChargeInstructions(1)
}

// InstallationID returns the owning installation id.
func (c *ExecutionContext) InstallationID() string {
	return c.installationID
}

// State returns the current lifecycle state.
func (c *ExecutionContext) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st
}

// Stats returns the execution and error counters.
func (c *ExecutionContext) Stats() (executions, errors uint64) {
	return c.execCount.Load(), c.errCount.Load()
}

// LastActivity returns the timestamp of the most recent successful action
// call or resume.
func (c *ExecutionContext) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

func (c *ExecutionContext) touch() {
	c.mu.Lock()
	c.lastActive = c.clock()
	c.mu.Unlock()
}

func (c *ExecutionContext) setState(s State) {
	c.mu.Lock()
	c.st = s
	c.mu.Unlock()
}

// Initialize injects the restricted environment, runs the entry code
// under the sandbox timeout, then the optional init hook under the same
// bound. Any failure moves the context to the error state and is
// returned; an errored context is not reusable.
func (c *ExecutionContext) Initialize(ctx context.Context, entryCode string) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	if c.st != StateInitializing {
		c.mu.Unlock()
		return ErrAlreadyInitialized
	}
	c.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	err := c.exec.Submit(callCtx, func(s *luavm.State) error {
		c.installEnvironment(s)
		if err := s.DoString(callCtx, entryCode); err != nil {
			return fmt.Errorf("entry code failed: %w", err)
		}
		if s.HasGlobal(initHook) {
			if _, err := s.CallGlobal(callCtx, initHook); err != nil {
				return fmt.Errorf("init hook failed: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		c.setState(StateError)
		c.logger.Error("initialization failed", "error", err)
		return err
	}

	c.setState(StateRunning)
	c.touch()
	c.logger.Info("execution context running")
	return nil
}

// ExecuteAction invokes a handler the extension registered under the
// given name, bounded by the per-call timeout. The context must be
// running; paused contexts reject new calls without touching in-flight
// ones. A timeout aborts the VM call and fails only this invocation; the
// context stays running and later calls proceed normally. Counters are
// updated from the returned outcome, never by a call that lost its
// timeout race.
func (c *ExecutionContext) ExecuteAction(ctx context.Context, name string, params map[string]any) (any, error) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil, ErrDestroyed
	}
	if c.st != StateRunning {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w (state %s)", ErrNotRunning, c.st)
	}
	fn, ok := c.actions[name]
	c.mu.Unlock()

	if !ok {
		c.errCount.Add(1)
		return nil, fmt.Errorf("%w: %q", ErrActionNotFound, name)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var result any
	err := c.exec.Submit(callCtx, func(s *luavm.State) error {
		rets, err := s.CallValue(callCtx, fn, luavm.ToLua(s.L, params))
		if err != nil {
			return err
		}
		if len(rets) > 0 {
			result = luavm.ToGo(rets[0])
		}
		return nil
	})
	if err != nil {
		c.errCount.Add(1)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, luavm.ErrTimeout) {
			return nil, fmt.Errorf("action %q: %w", name, luavm.ErrTimeout)
		}
		return nil, fmt.Errorf("action %q: %w", name, err)
	}

	c.execCount.Add(1)
	c.touch()
	return result, nil
}

// Actions returns the registered action names.
func (c *ExecutionContext) Actions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.actions))
	for name := range c.actions {
		names = append(names, name)
	}
	return names
}

// Pause gates new action calls and event deliveries. In-flight calls are
// not cancelled. A no-op unless the context is running.
func (c *ExecutionContext) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st == StateRunning {
		c.st = StatePaused
	}
}

// Resume reopens the gate. A no-op unless the context is paused.
func (c *ExecutionContext) Resume() {
	c.mu.Lock()
	if c.st != StatePaused {
		c.mu.Unlock()
		return
	}
	c.st = StateRunning
	c.lastActive = c.clock()
	c.mu.Unlock()
}

// Destroy tears the context down: pending timers are cancelled first so
// no stray callback fires into a dying VM, bus subscriptions are removed,
// the optional cleanup hook runs under a short bound with failures logged
// rather than returned, and finally the VM is released. Idempotent.
func (c *ExecutionContext) Destroy(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	prev := c.st
	c.st = StateStopped
	timers := c.timers
	c.timers = nil
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	for _, id := range subs {
		c.host.UnsubscribeEvent(id)
	}

	if prev == StateRunning || prev == StatePaused {
		cleanupCtx, cancel := context.WithTimeout(ctx, CleanupTimeout)
		err := c.exec.Submit(cleanupCtx, func(s *luavm.State) error {
			if !s.HasGlobal(cleanupHook) {
				return nil
			}
			_, err := s.CallGlobal(cleanupCtx, cleanupHook)
			return err
		})
		cancel()
		if err != nil {
			c.logger.Warn("cleanup hook failed", "error", err)
		}
	}

	c.exec.Close()
	c.vm.Close()
	c.logger.Info("execution context destroyed")
	return nil
}

// registerAction stores a handler function. Called from the VM while a
// call holds the executor goroutine.
func (c *ExecutionContext) registerAction(name string, fn *lua.LFunction) {
	c.mu.Lock()
	c.actions[name] = fn
	c.mu.Unlock()
}

// addTimer schedules a VM callback after the delay, capped at the sandbox
// timeout ceiling, and returns its id.
func (c *ExecutionContext) addTimer(delay time.Duration, fn *lua.LFunction) int {
	if delay > c.cfg.Timeout {
		delay = c.cfg.Timeout
	}
	if delay < 0 {
		delay = 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return 0
	}
	c.nextTimerID++
	id := c.nextTimerID
	c.timers[id] = time.AfterFunc(delay, func() {
		c.mu.Lock()
		_, live := c.timers[id]
		delete(c.timers, id)
		gated := c.destroyed || c.st != StateRunning
		c.mu.Unlock()
		if !live || gated {
			return
		}
		if err := c.exec.TrySubmit(func(s *luavm.State) error {
			// Timer callbacks run with no caller waiting; the sandbox
			// timeout still bounds them so a runaway callback cannot
			// occupy the executor goroutine forever.
			callCtx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
			defer cancel()
			_, err := s.CallValue(callCtx, fn)
			return err
		}); err != nil && !errors.Is(err, luavm.ErrExecutorClosed) {
			c.logger.Warn("timer callback dropped", "error", err)
		}
	})
	return id
}

// clearTimer cancels a pending timer. Unknown ids are a no-op.
func (c *ExecutionContext) clearTimer(id int) {
	c.mu.Lock()
	t, ok := c.timers[id]
	delete(c.timers, id)
	c.mu.Unlock()
	if ok {
		t.Stop()
	}
}

// deliverEvent queues a bus event into the VM for a handler the extension
// registered. Deliveries are dropped while the context is not running.
func (c *ExecutionContext) deliverEvent(fn *lua.LFunction, eventType string, payload any) {
	c.mu.Lock()
	gated := c.destroyed || c.st != StateRunning
	c.mu.Unlock()
	if gated {
		return
	}

	err := c.exec.TrySubmit(func(s *luavm.State) error {
		// Same bound as timer callbacks: a stalled handler dies at the
		// sandbox timeout instead of wedging the executor.
		callCtx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
		defer cancel()
		_, err := s.CallValue(callCtx, fn,
			lua.LString(eventType), luavm.ToLua(s.L, payload))
		return err
	})
	if err != nil && !errors.Is(err, luavm.ErrExecutorClosed) {
		c.logger.Warn("event delivery dropped", "type", eventType, "error", err)
	}
}

// trackSubscription remembers a bus subscription for teardown.
func (c *ExecutionContext) trackSubscription(id string) {
	c.mu.Lock()
	c.subs = append(c.subs, id)
	c.mu.Unlock()
}
