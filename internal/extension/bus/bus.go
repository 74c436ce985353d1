package bus

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/hivedesk/internal/extension/manifest"
)

// SecurityGuard answers capability questions for bus callers. It is
// satisfied by the security manager; the indirection keeps the bus free of
// policy state. Checks run on every emit, not once at subscribe time, so
// mid-session revocation takes effect immediately.
type SecurityGuard interface {
	HasPermission(installationID string, p manifest.Permission) bool

	// AllowsPermission answers the same question without recording a
	// denial. Delivery paths use it where a miss is routine and recording
	// one would feed back into dispatch.
	AllowsPermission(installationID string, p manifest.Permission) bool
}

// FaultReporter receives handler failures for the audit trail. Satisfied
// by the security manager.
type FaultReporter interface {
	RecordHandlerFailure(installationID, desc string)
}

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	EventsEmitted       uint64
	EventsDenied        uint64
	EventsDelivered     uint64
	HandlerErrors       uint64
	HandlerPanics       uint64
	ActiveSubscriptions int
	HistorySize         int
}

// Bus is the extension event bus. Dispatch is cooperative: an emit walks
// the matching subscriptions in priority order on the calling goroutine
// and awaits each handler before moving to the next.
type Bus struct {
	mu    sync.Mutex
	subs  map[string]*subscription
	hist  *historyRing
	seq   uint64
	clock func() time.Time

	guard    SecurityGuard
	reporter FaultReporter
	logger   *slog.Logger

	eventsEmitted   atomic.Uint64
	eventsDenied    atomic.Uint64
	eventsDelivered atomic.Uint64
	handlerErrors   atomic.Uint64
	handlerPanics   atomic.Uint64
}

// Option configures a Bus.
type Option func(*Bus)

// WithHistoryCapacity bounds the event history.
func WithHistoryCapacity(n int) Option {
	return func(b *Bus) {
		b.hist = newHistoryRing(n)
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithFaultReporter routes handler failures into the violation log.
func WithFaultReporter(r FaultReporter) Option {
	return func(b *Bus) {
		b.reporter = r
	}
}

// WithClock replaces the time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(b *Bus) {
		if clock != nil {
			b.clock = clock
		}
	}
}

// New creates an event bus gated by the given security guard.
func New(guard SecurityGuard, opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[string]*subscription),
		hist:   newHistoryRing(DefaultHistoryCapacity),
		clock:  time.Now,
		guard:  guard,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Emit publishes an event from the named source. A source lacking the
// events capability for the type is denied silently: the denial is logged
// and counted, never returned, so a misbehaving extension cannot learn
// policy through error text. Types under the reserved system namespace
// additionally require the system-events capability. The sanitized event
// is returned for the caller's own bookkeeping, or nil when denied.
func (b *Bus) Emit(sourceID, eventType string, payload any, opts ...EmitOption) *Event {
	if !b.allowEmit(sourceID, eventType) {
		b.eventsDenied.Add(1)
		b.logger.Warn("event emit denied", "source", sourceID, "type", eventType)
		return nil
	}
	return b.publish(sourceID, eventType, payload, opts...)
}

// EmitSystem publishes a host-originated event under the system source.
// It bypasses the guard; only host code reaches it.
func (b *Bus) EmitSystem(eventType string, payload map[string]any) {
	b.publish(SystemSource, eventType, payload)
}

func (b *Bus) allowEmit(sourceID, eventType string) bool {
	if b.guard == nil {
		return true
	}
	if !b.guard.HasPermission(sourceID, manifest.PermissionEvents) {
		return false
	}
	if strings.HasPrefix(eventType, SystemNamespace) &&
		!b.guard.HasPermission(sourceID, manifest.PermissionSystemEvents) {
		return false
	}
	return true
}

func (b *Bus) publish(sourceID, eventType string, payload any, opts ...EmitOption) *Event {
	var cfg emitConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	e := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    sourceID,
		Target:    cfg.target,
		Payload:   sanitizePayload(payload),
		Timestamp: b.clock(),
	}
	if cfg.metadata != nil {
		md, _ := sanitizePayload(cfg.metadata).(map[string]any)
		e.Metadata = md
	}

	b.eventsEmitted.Add(1)

	// Append to history and snapshot the candidate set in one atomic
	// step so a concurrent subscribe or unsubscribe never sees a
	// half-dispatched event. Filters run after unlock: predicates are
	// host-supplied code and may call back into the bus.
	b.mu.Lock()
	b.hist.append(e)
	candidates := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		candidates = append(candidates, s)
	}
	b.mu.Unlock()

	b.dispatch(e, b.match(e, candidates))
	return &e
}

// match returns the subscriptions to deliver to, sorted by descending
// priority with registration order breaking ties.
func (b *Bus) match(e Event, candidates []*subscription) []*subscription {
	var payloadJSON string
	encoded := false
	lazyJSON := func() string {
		if !encoded {
			payloadJSON = encodePayload(e)
			encoded = true
		}
		return payloadJSON
	}

	sysEvent := strings.HasPrefix(e.Type, SystemNamespace)

	var matched []*subscription
	for _, s := range candidates {
		if !b.allowDelivery(s.owner, sysEvent) {
			continue
		}
		if s.matches(e, lazyJSON) {
			matched = append(matched, s)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].priority != matched[j].priority {
			return matched[i].priority > matched[j].priority
		}
		return matched[i].seq < matched[j].seq
	})
	return matched
}

func (b *Bus) dispatch(e Event, matched []*subscription) {
	for _, s := range matched {
		if err := b.invoke(s, e); err != nil {
			b.handlerErrors.Add(1)
			b.reportHandlerFault(s, e, err)
			// Delivery still counts: the handler ran and observed the
			// event.
		}
		b.eventsDelivered.Add(1)
		b.recordDelivery(s)
	}
}

// invoke runs one handler to completion, converting a panic into an
// error. The bus never lets a handler abort dispatch to later
// subscriptions.
func (b *Bus) invoke(s *subscription, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerPanics.Add(1)
			err = &handlerPanicError{value: r}
		}
	}()
	return s.handler(e)
}

func (b *Bus) reportHandlerFault(s *subscription, e Event, err error) {
	b.logger.Error("event handler failed",
		"subscription", s.id,
		"owner", s.owner,
		"type", e.Type,
		"error", err)
	if b.reporter != nil {
		b.reporter.RecordHandlerFailure(s.owner, "event handler failed for type "+e.Type+": "+err.Error())
	}
	// Report as a self-describing system event, but never for a failure
	// while handling that very event type or delivery would recurse.
	if e.Type != HandlerErrorType {
		b.EmitSystem(HandlerErrorType, map[string]any{
			"subscription": s.id,
			"owner":        s.owner,
			"eventType":    e.Type,
			"error":        err.Error(),
		})
	}
}

// recordDelivery applies the max-event-count option after a delivery.
func (b *Bus) recordDelivery(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// The subscription may already be gone if its TTL fired mid-dispatch.
	live, ok := b.subs[s.id]
	if !ok || live != s {
		return
	}
	s.delivered++
	if s.maxEvents > 0 && s.delivered >= s.maxEvents {
		b.removeLocked(s)
	}
}

// Subscribe registers a handler for event types matching the glob pattern
// ('*' matches any run of characters, '?' a single character). Lacking the
// listen capability is a setup-time error the caller can branch on.
// Patterns under the reserved system namespace require the system-events
// capability.
func (b *Bus) Subscribe(ownerID, typePattern string, handler Handler, opts ...SubscribeOption) (string, error) {
	if handler == nil {
		return "", ErrNilHandler
	}
	if typePattern == "" {
		return "", ErrEmptyPattern
	}
	if !b.allowListen(ownerID, typePattern) {
		b.logger.Warn("event subscribe denied", "owner", ownerID, "pattern", typePattern)
		return "", ErrListenDenied
	}

	s := &subscription{
		id:      uuid.NewString(),
		owner:   ownerID,
		pattern: typePattern,
		handler: handler,
	}
	for _, opt := range opts {
		opt(s)
	}

	b.mu.Lock()
	b.seq++
	s.seq = b.seq
	b.subs[s.id] = s
	if s.ttlPending > 0 {
		id := s.id
		s.ttlTimer = time.AfterFunc(s.ttlPending, func() {
			b.Unsubscribe(id)
		})
	}
	b.mu.Unlock()

	return s.id, nil
}

func (b *Bus) allowListen(ownerID, typePattern string) bool {
	if b.guard == nil {
		return true
	}
	if !b.guard.HasPermission(ownerID, manifest.PermissionEvents) {
		return false
	}
	if strings.HasPrefix(typePattern, SystemNamespace) &&
		!b.guard.HasPermission(ownerID, manifest.PermissionSystemEvents) {
		return false
	}
	return true
}

// allowDelivery re-checks the recipient's capabilities at dispatch time
// so mid-session revocation stops deliveries immediately, and so wildcard
// patterns cannot reach into the reserved namespace. Checks are
// non-recording; losing a grant is not itself a violation.
func (b *Bus) allowDelivery(ownerID string, sysEvent bool) bool {
	if b.guard == nil {
		return true
	}
	if !b.guard.AllowsPermission(ownerID, manifest.PermissionEvents) {
		return false
	}
	if sysEvent && !b.guard.AllowsPermission(ownerID, manifest.PermissionSystemEvents) {
		return false
	}
	return true
}

// Unsubscribe removes a subscription immediately. Unknown ids are a no-op.
func (b *Bus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[subscriptionID]; ok {
		b.removeLocked(s)
	}
}

// UnsubscribeAll removes every subscription owned by the given id.
func (b *Bus) UnsubscribeAll(ownerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		if s.owner == ownerID {
			b.removeLocked(s)
		}
	}
}

func (b *Bus) removeLocked(s *subscription) {
	if s.ttlTimer != nil {
		s.ttlTimer.Stop()
		s.ttlTimer = nil
	}
	delete(b.subs, s.id)
}

// History returns stored events oldest-first, optionally narrowed by
// filters.
func (b *Bus) History(filters ...HistoryFilter) []Event {
	var f historyFilter
	for _, apply := range filters {
		apply(&f)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hist.snapshot(f)
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	subs := len(b.subs)
	histSize := b.hist.len()
	b.mu.Unlock()

	return Stats{
		EventsEmitted:       b.eventsEmitted.Load(),
		EventsDenied:        b.eventsDenied.Load(),
		EventsDelivered:     b.eventsDelivered.Load(),
		HandlerErrors:       b.handlerErrors.Load(),
		HandlerPanics:       b.handlerPanics.Load(),
		ActiveSubscriptions: subs,
		HistorySize:         histSize,
	}
}

// handlerPanicError wraps a recovered handler panic value.
type handlerPanicError struct {
	value any
}

func (e *handlerPanicError) Error() string {
	return "handler panicked: " + panicString(e.value)
}

func panicString(v any) string {
	switch tv := v.(type) {
	case string:
		return tv
	case error:
		return tv.Error()
	default:
		return fmt.Sprint(tv)
	}
}
