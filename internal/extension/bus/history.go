package bus

import (
	"github.com/tidwall/match"
)

// DefaultHistoryCapacity bounds the event history.
const DefaultHistoryCapacity = 1000

// historyRing is a bounded FIFO of sanitized events. Once full, the oldest
// entry is evicted on each append. Callers hold the bus lock.
type historyRing struct {
	buf   []Event
	head  int
	count int
}

func newHistoryRing(capacity int) *historyRing {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &historyRing{buf: make([]Event, capacity)}
}

func (r *historyRing) append(e Event) {
	r.buf[(r.head+r.count)%len(r.buf)] = e
	if r.count < len(r.buf) {
		r.count++
	} else {
		r.head = (r.head + 1) % len(r.buf)
	}
}

func (r *historyRing) len() int {
	return r.count
}

// snapshot returns matching events oldest-first. A zero filter matches
// everything.
func (r *historyRing) snapshot(f historyFilter) []Event {
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		e := r.buf[(r.head+i)%len(r.buf)]
		if f.source != "" && e.Source != f.source {
			continue
		}
		if f.typePattern != "" && !match.Match(e.Type, f.typePattern) {
			continue
		}
		out = append(out, e)
	}
	if f.limit > 0 && len(out) > f.limit {
		out = out[len(out)-f.limit:]
	}
	return out
}

type historyFilter struct {
	source      string
	typePattern string
	limit       int
}

// HistoryFilter narrows a History query.
type HistoryFilter func(*historyFilter)

// HistoryFromSource keeps only events emitted by the given source.
func HistoryFromSource(sourceID string) HistoryFilter {
	return func(f *historyFilter) {
		f.source = sourceID
	}
}

// HistoryOfType keeps only events whose type matches the glob pattern.
func HistoryOfType(typePattern string) HistoryFilter {
	return func(f *historyFilter) {
		f.typePattern = typePattern
	}
}

// HistoryLimit keeps only the most recent n matching events.
func HistoryLimit(n int) HistoryFilter {
	return func(f *historyFilter) {
		f.limit = n
	}
}
