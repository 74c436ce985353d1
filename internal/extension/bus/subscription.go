package bus

import (
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/match"
)

// Predicate filters delivered events beyond the type pattern. Delivery
// happens only when it returns true.
type Predicate func(Event) bool

// subscription is one live registration. Mutable fields (delivered,
// ttlTimer) are guarded by the bus lock.
type subscription struct {
	id      string
	owner   string
	pattern string
	handler Handler

	priority     int
	allowSources map[string]bool
	denySources  map[string]bool
	predicate    Predicate
	payloadPath  string

	maxEvents int
	delivered int

	// ttlPending carries the requested TTL from the options into
	// Subscribe, which arms the timer once the registration is visible.
	ttlPending time.Duration
	ttlTimer   *time.Timer

	// seq preserves registration order for stable priority ties.
	seq uint64
}

// matches applies the type pattern, the target gate, and the subscriber's
// own filters. The payload-path check runs against the event's JSON form,
// marshalled lazily by the dispatcher and shared across subscriptions.
func (s *subscription) matches(e Event, payloadJSON func() string) bool {
	if !match.Match(e.Type, s.pattern) {
		return false
	}
	if e.Targeted() && e.Target != s.owner {
		return false
	}
	if len(s.allowSources) > 0 && !s.allowSources[e.Source] {
		return false
	}
	if s.denySources[e.Source] {
		return false
	}
	if s.payloadPath != "" && !gjson.Get(payloadJSON(), s.payloadPath).Exists() {
		return false
	}
	if s.predicate != nil && !s.predicate(e) {
		return false
	}
	return true
}

// encodePayload renders an event's payload as JSON for gjson path checks.
// Sanitized payloads contain only plain data, so failures reduce to the
// empty document.
func encodePayload(e Event) string {
	b, err := json.Marshal(e.Payload)
	if err != nil {
		return ""
	}
	return string(b)
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscription)

// WithPriority orders delivery; higher priorities are invoked first.
// Equal priorities keep registration order.
func WithPriority(p int) SubscribeOption {
	return func(s *subscription) {
		s.priority = p
	}
}

// WithAllowSources restricts delivery to events from the listed sources.
func WithAllowSources(sources ...string) SubscribeOption {
	return func(s *subscription) {
		s.allowSources = make(map[string]bool, len(sources))
		for _, src := range sources {
			s.allowSources[src] = true
		}
	}
}

// WithDenySources blocks delivery of events from the listed sources.
func WithDenySources(sources ...string) SubscribeOption {
	return func(s *subscription) {
		s.denySources = make(map[string]bool, len(sources))
		for _, src := range sources {
			s.denySources[src] = true
		}
	}
}

// WithPredicate delivers only events for which the predicate returns true.
func WithPredicate(p Predicate) SubscribeOption {
	return func(s *subscription) {
		s.predicate = p
	}
}

// WithPayloadPath delivers only events whose payload contains a value at
// the given gjson path.
func WithPayloadPath(path string) SubscribeOption {
	return func(s *subscription) {
		s.payloadPath = path
	}
}

// WithMaxEvents removes the subscription automatically after the nth
// delivered (post-filter) event.
func WithMaxEvents(n int) SubscribeOption {
	return func(s *subscription) {
		s.maxEvents = n
	}
}

// WithTTL removes the subscription automatically after the duration
// elapses, independent of how many events were delivered.
func WithTTL(d time.Duration) SubscribeOption {
	return func(s *subscription) {
		s.ttlPending = d
	}
}
