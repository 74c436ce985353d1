package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dshills/hivedesk/internal/extension/luavm"
	"github.com/dshills/hivedesk/internal/extension/manifest"
)

// fakeHost is an in-memory HostAPI for context tests.
type fakeHost struct {
	mu       sync.Mutex
	perms    map[manifest.Permission]bool
	emitted  []string
	handlers map[string]EventHandler
	settings map[string]any
	cache    map[string]any
	nextSub  int
	netErr   error
}

func newFakeHost(perms ...manifest.Permission) *fakeHost {
	h := &fakeHost{
		perms:    make(map[manifest.Permission]bool),
		handlers: make(map[string]EventHandler),
		settings: make(map[string]any),
		cache:    make(map[string]any),
	}
	for _, p := range perms {
		h.perms[p] = true
	}
	return h
}

func (h *fakeHost) HasPermission(p manifest.Permission) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.perms[p]
}

func (h *fakeHost) EmitEvent(eventType string, _ any) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.perms[manifest.PermissionEvents] {
		return false
	}
	h.emitted = append(h.emitted, eventType)
	return true
}

func (h *fakeHost) SubscribeEvent(_ string, handler EventHandler) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.perms[manifest.PermissionEvents] {
		return "", errors.New("listen denied")
	}
	h.nextSub++
	id := fmt.Sprintf("sub-%d", h.nextSub)
	h.handlers[id] = handler
	return id, nil
}

func (h *fakeHost) UnsubscribeEvent(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.handlers, id)
}

func (h *fakeHost) GetSetting(path string) (any, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.settings[path]
	return v, ok
}

func (h *fakeHost) SetSetting(path string, value any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.settings[path] = value
	return nil
}

func (h *fakeHost) CheckOutbound(string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.netErr
}

func (h *fakeHost) CacheGet(key string) (any, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.cache[key]
	return v, ok
}

func (h *fakeHost) CachePut(key string, value any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cache[key] = value
}

func (h *fakeHost) subscriptions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handlers)
}

func newTestContext(t *testing.T, host HostAPI, timeout time.Duration) *ExecutionContext {
	t.Helper()
	cfg := DefaultSandboxConfig()
	if timeout > 0 {
		cfg.Timeout = timeout
	}
	ec := NewExecutionContext("inst-1", "com.example.digest", cfg, host)
	t.Cleanup(func() { _ = ec.Destroy(context.Background()) })
	return ec
}

const digestEntry = `
local actions = require("host.actions")

handled = 0

actions.register("summarize", function(params)
	handled = handled + 1
	return { count = params.count, status = "ok" }
end)

function on_init()
	initialized = true
end
`

func TestInitializeRunsEntryAndHook(t *testing.T) {
	host := newFakeHost(manifest.PermissionActions)
	ec := newTestContext(t, host, 0)

	if ec.State() != StateInitializing {
		t.Fatalf("state before init = %s, want initializing", ec.State())
	}
	if err := ec.Initialize(context.Background(), digestEntry); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if ec.State() != StateRunning {
		t.Errorf("state after init = %s, want running", ec.State())
	}
	if len(ec.Actions()) != 1 {
		t.Errorf("actions = %v, want [summarize]", ec.Actions())
	}
}

func TestInitializeFailureMovesToError(t *testing.T) {
	host := newFakeHost()
	ec := newTestContext(t, host, 0)

	if err := ec.Initialize(context.Background(), `error("broken entry")`); err == nil {
		t.Fatal("Initialize() = nil, want error")
	}
	if ec.State() != StateError {
		t.Errorf("state = %s, want error", ec.State())
	}
	if _, err := ec.ExecuteAction(context.Background(), "anything", nil); !errors.Is(err, ErrNotRunning) {
		t.Errorf("ExecuteAction on errored context = %v, want ErrNotRunning", err)
	}
}

func TestInitHookFailureMovesToError(t *testing.T) {
	host := newFakeHost()
	ec := newTestContext(t, host, 0)

	err := ec.Initialize(context.Background(), `function on_init() error("hook failed") end`)
	if err == nil {
		t.Fatal("Initialize() = nil, want init hook error")
	}
	if ec.State() != StateError {
		t.Errorf("state = %s, want error", ec.State())
	}
}

func TestInitializeTwice(t *testing.T) {
	host := newFakeHost()
	ec := newTestContext(t, host, 0)
	if err := ec.Initialize(context.Background(), `x = 1`); err != nil {
		t.Fatal(err)
	}
	if err := ec.Initialize(context.Background(), `x = 2`); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("second Initialize() = %v, want ErrAlreadyInitialized", err)
	}
}

func TestActionRegistrationNeedsPermission(t *testing.T) {
	host := newFakeHost() // no actions permission
	ec := newTestContext(t, host, 0)

	if err := ec.Initialize(context.Background(), digestEntry); err == nil {
		t.Fatal("Initialize() = nil, want permission error from registration")
	}
	if ec.State() != StateError {
		t.Errorf("state = %s, want error", ec.State())
	}
}

func TestExecuteAction(t *testing.T) {
	host := newFakeHost(manifest.PermissionActions)
	ec := newTestContext(t, host, 0)
	if err := ec.Initialize(context.Background(), digestEntry); err != nil {
		t.Fatal(err)
	}

	result, err := ec.ExecuteAction(context.Background(), "summarize", map[string]any{"count": 7})
	if err != nil {
		t.Fatalf("ExecuteAction() error = %v", err)
	}
	m, ok := result.(map[string]any)
	if !ok {
		t.Fatalf("result = %T, want map", result)
	}
	if m["count"] != int64(7) || m["status"] != "ok" {
		t.Errorf("result = %v", m)
	}

	execs, errs := ec.Stats()
	if execs != 1 || errs != 0 {
		t.Errorf("counters = (%d, %d), want (1, 0)", execs, errs)
	}
	if ec.LastActivity().IsZero() {
		t.Error("activity timestamp not updated")
	}
}

func TestExecuteActionMissingHandler(t *testing.T) {
	host := newFakeHost(manifest.PermissionActions)
	ec := newTestContext(t, host, 0)
	if err := ec.Initialize(context.Background(), digestEntry); err != nil {
		t.Fatal(err)
	}

	if _, err := ec.ExecuteAction(context.Background(), "nope", nil); !errors.Is(err, ErrActionNotFound) {
		t.Fatalf("ExecuteAction(nope) = %v, want ErrActionNotFound", err)
	}

	// Other registered actions are unaffected.
	if _, err := ec.ExecuteAction(context.Background(), "summarize", map[string]any{"count": 1}); err != nil {
		t.Fatalf("ExecuteAction(summarize) after miss error = %v", err)
	}
}

func TestExecuteActionTimeoutLeavesContextUsable(t *testing.T) {
	host := newFakeHost(manifest.PermissionActions)
	ec := newTestContext(t, host, 100*time.Millisecond)

	entry := `
local actions = require("host.actions")
actions.register("hang", function() while true do end end)
actions.register("quick", function() return "done" end)
`
	if err := ec.Initialize(context.Background(), entry); err != nil {
		t.Fatal(err)
	}

	if _, err := ec.ExecuteAction(context.Background(), "hang", nil); !errors.Is(err, luavm.ErrTimeout) {
		t.Fatalf("ExecuteAction(hang) = %v, want ErrTimeout", err)
	}
	if ec.State() != StateRunning {
		t.Fatalf("state after timeout = %s, want running", ec.State())
	}

	// The VM aborted the hung call, so the next one proceeds normally.
	result, err := ec.ExecuteAction(context.Background(), "quick", nil)
	if err != nil {
		t.Fatalf("ExecuteAction(quick) after timeout error = %v", err)
	}
	if result != "done" {
		t.Errorf("result = %v, want done", result)
	}

	execs, errs := ec.Stats()
	if execs != 1 || errs != 1 {
		t.Errorf("counters = (%d, %d), want (1, 1)", execs, errs)
	}
}

func TestPauseResumeGating(t *testing.T) {
	host := newFakeHost(manifest.PermissionActions)
	ec := newTestContext(t, host, 0)
	if err := ec.Initialize(context.Background(), digestEntry); err != nil {
		t.Fatal(err)
	}

	ec.Pause()
	if ec.State() != StatePaused {
		t.Fatalf("state = %s, want paused", ec.State())
	}
	ec.Pause() // no-op
	if _, err := ec.ExecuteAction(context.Background(), "summarize", nil); !errors.Is(err, ErrNotRunning) {
		t.Errorf("ExecuteAction while paused = %v, want ErrNotRunning", err)
	}

	ec.Resume()
	if ec.State() != StateRunning {
		t.Fatalf("state = %s, want running", ec.State())
	}
	ec.Resume() // no-op
	if _, err := ec.ExecuteAction(context.Background(), "summarize", map[string]any{"count": 1}); err != nil {
		t.Errorf("ExecuteAction after resume error = %v", err)
	}
}

func TestDestroy(t *testing.T) {
	host := newFakeHost(manifest.PermissionActions, manifest.PermissionEvents)
	ec := newTestContext(t, host, 0)

	entry := `
local actions = require("host.actions")
local events = require("host.events")
actions.register("noop", function() end)
events.on("mail.*", function() end)

function on_cleanup()
	cleaned = true
end
`
	if err := ec.Initialize(context.Background(), entry); err != nil {
		t.Fatal(err)
	}
	if host.subscriptions() != 1 {
		t.Fatalf("subscriptions = %d, want 1", host.subscriptions())
	}

	if err := ec.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if ec.State() != StateStopped {
		t.Errorf("state = %s, want stopped", ec.State())
	}
	if host.subscriptions() != 0 {
		t.Error("bus subscriptions survived destroy")
	}
	if _, err := ec.ExecuteAction(context.Background(), "noop", nil); !errors.Is(err, ErrDestroyed) {
		t.Errorf("ExecuteAction after destroy = %v, want ErrDestroyed", err)
	}

	// Idempotent.
	if err := ec.Destroy(context.Background()); err != nil {
		t.Errorf("second Destroy() error = %v", err)
	}
}

func TestDestroyToleratesCleanupFailure(t *testing.T) {
	host := newFakeHost()
	ec := newTestContext(t, host, 0)
	if err := ec.Initialize(context.Background(), `function on_cleanup() error("cleanup broke") end`); err != nil {
		t.Fatal(err)
	}
	if err := ec.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy() error = %v, want nil despite cleanup failure", err)
	}
}

func TestTimersCancelledOnDestroy(t *testing.T) {
	host := newFakeHost(manifest.PermissionEvents)
	ec := newTestContext(t, host, 0)

	entry := `
local timer = require("host.timer")
local events = require("host.events")
timer.set(function() events.emit("timer.fired", nil) end, 50)
`
	if err := ec.Initialize(context.Background(), entry); err != nil {
		t.Fatal(err)
	}
	if err := ec.Destroy(context.Background()); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)
	host.mu.Lock()
	fired := len(host.emitted)
	host.mu.Unlock()
	if fired != 0 {
		t.Errorf("timer fired after destroy: %v", host.emitted)
	}
}

func TestTimerFires(t *testing.T) {
	host := newFakeHost(manifest.PermissionEvents)
	ec := newTestContext(t, host, 0)

	entry := `
local timer = require("host.timer")
local events = require("host.events")
timer.set(function() events.emit("timer.fired", nil) end, 10)
`
	if err := ec.Initialize(context.Background(), entry); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		host.mu.Lock()
		fired := len(host.emitted)
		host.mu.Unlock()
		if fired == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timer never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunawayTimerCallbackDoesNotBlockDestroy(t *testing.T) {
	host := newFakeHost()
	ec := newTestContext(t, host, 100*time.Millisecond)

	entry := `
local timer = require("host.timer")
timer.set(function() while true do end end, 10)
`
	if err := ec.Initialize(context.Background(), entry); err != nil {
		t.Fatal(err)
	}

	// Let the timer fire and start spinning on the executor.
	time.Sleep(50 * time.Millisecond)

	// The callback runs under the sandbox timeout, so the executor frees
	// up and Destroy drains promptly instead of waiting forever.
	done := make(chan error, 1)
	go func() { done <- ec.Destroy(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Destroy() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Destroy blocked on a runaway timer callback")
	}
}

func TestEventDelivery(t *testing.T) {
	host := newFakeHost(manifest.PermissionEvents, manifest.PermissionActions)
	ec := newTestContext(t, host, 0)

	entry := `
local events = require("host.events")
local actions = require("host.actions")
received = 0
last_type = ""
events.on("mail.*", function(eventType, payload)
	received = received + 1
	last_type = eventType
end)
actions.register("report", function()
	return { received = received, last_type = last_type }
end)
`
	if err := ec.Initialize(context.Background(), entry); err != nil {
		t.Fatal(err)
	}

	host.mu.Lock()
	var handler EventHandler
	for _, h := range host.handlers {
		handler = h
	}
	host.mu.Unlock()
	if handler == nil {
		t.Fatal("no subscription registered")
	}

	handler("mail.sent", map[string]any{"id": "m-1"})

	// Delivery is queued onto the executor; poll for completion.
	deadline := time.Now().Add(2 * time.Second)
	for {
		result, err := ec.ExecuteAction(context.Background(), "report", nil)
		if err != nil {
			t.Fatal(err)
		}
		m, ok := result.(map[string]any)
		if !ok {
			t.Fatalf("report result = %T, want map", result)
		}
		if m["received"] == int64(1) {
			if m["last_type"] != "mail.sent" {
				t.Errorf("last_type = %v, want mail.sent", m["last_type"])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("delivery never reached the VM, received = %v", m["received"])
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEventDeliveryGatedWhilePaused(t *testing.T) {
	host := newFakeHost(manifest.PermissionEvents, manifest.PermissionActions)
	ec := newTestContext(t, host, 0)

	entry := `
local events = require("host.events")
local actions = require("host.actions")
received = 0
events.on("mail.*", function() received = received + 1 end)
actions.register("report", function() return received end)
`
	if err := ec.Initialize(context.Background(), entry); err != nil {
		t.Fatal(err)
	}

	host.mu.Lock()
	var handler EventHandler
	for _, h := range host.handlers {
		handler = h
	}
	host.mu.Unlock()

	ec.Pause()
	handler("mail.sent", nil)
	ec.Resume()

	// The paused delivery was dropped, not queued.
	time.Sleep(20 * time.Millisecond)
	result, err := ec.ExecuteAction(context.Background(), "report", nil)
	if err != nil {
		t.Fatal(err)
	}
	if result != int64(0) {
		t.Errorf("received = %v, want 0 after paused delivery", result)
	}
}

func TestConsoleAndSettingsAndCache(t *testing.T) {
	host := newFakeHost(manifest.PermissionSettings)
	ec := newTestContext(t, host, 0)

	entry := `
local settings = require("host.settings")
local cache = require("host.cache")

console.log("starting", "up")
settings.set("digest.hour", 8)
cache.put("warm", true)
hour = settings.get("digest.hour")
`
	if err := ec.Initialize(context.Background(), entry); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	if v, ok := host.GetSetting("digest.hour"); !ok || v != int64(8) {
		t.Errorf("setting = %v (%v), want 8", v, ok)
	}
	if v, ok := host.CacheGet("warm"); !ok || v != true {
		t.Errorf("cache = %v (%v), want true", v, ok)
	}
}

func TestSettingsNeedPermission(t *testing.T) {
	host := newFakeHost() // no settings permission
	ec := newTestContext(t, host, 0)

	err := ec.Initialize(context.Background(), `require("host.settings").set("k", 1)`)
	if err == nil {
		t.Fatal("Initialize() = nil, want settings permission error")
	}
}

func TestNetAllowed(t *testing.T) {
	allowed := newFakeHost()
	ec := newTestContext(t, allowed, 0)
	entry := `
local net = require("host.net")
assert(net.allowed("https://example.com/api") == true)
`
	if err := ec.Initialize(context.Background(), entry); err != nil {
		t.Fatal(err)
	}

	blocked := newFakeHost()
	blocked.netErr = errors.New("host not in allowed domains")
	ec2 := newTestContext(t, blocked, 0)
	entry2 := `
local net = require("host.net")
ok, reason = net.allowed("https://evil.example/api")
assert(ok == false)
assert(reason ~= nil)
`
	if err := ec2.Initialize(context.Background(), entry2); err != nil {
		t.Fatalf("blocked reference should surface as false, not error: %v", err)
	}
}

func TestPlatformMetadataSurface(t *testing.T) {
	host := newFakeHost()
	ec := newTestContext(t, host, 0)

	entry := `
local host_mod = require("host")
assert(type(host_mod.platform.os) == "string")
assert(#host_mod.platform.os > 0)
assert(type(host_mod.platform.arch) == "string")
assert(host_mod.plugin_id == "com.example.digest")
`
	if err := ec.Initialize(context.Background(), entry); err != nil {
		t.Fatalf("platform surface unavailable: %v", err)
	}
}
