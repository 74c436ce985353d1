package security

import (
	"sync"
	"time"
)

// ViolationKind classifies a denied or failed security-relevant operation.
type ViolationKind string

// Violation kinds.
const (
	ViolationSignature        ViolationKind = "signature"
	ViolationPermissionDenied ViolationKind = "permission_denied"
	ViolationScopeDenied      ViolationKind = "scope_denied"
	ViolationUndeclared       ViolationKind = "undeclared_permission"
	ViolationDangerousCombo   ViolationKind = "dangerous_combination"
	ViolationNetworkBlocked   ViolationKind = "network_blocked"
	ViolationHandlerFailure   ViolationKind = "handler_failure"
)

// Severity grades a violation.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns a string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Violation is an append-only audit record of a denied or failed
// security-relevant operation.
type Violation struct {
	Kind           ViolationKind
	InstallationID string
	Description    string
	Severity       Severity
	Timestamp      time.Time
}

// violationRing is a bounded ring buffer of violations with O(1)
// push-and-evict. Once full, the oldest entry is overwritten.
type violationRing struct {
	mu    sync.RWMutex
	buf   []Violation
	head  int
	count int
}

// DefaultViolationCapacity bounds the violation log.
const DefaultViolationCapacity = 1000

func newViolationRing(capacity int) *violationRing {
	if capacity <= 0 {
		capacity = DefaultViolationCapacity
	}
	return &violationRing{buf: make([]Violation, capacity)}
}

func (r *violationRing) append(v Violation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[(r.head+r.count)%len(r.buf)] = v
	if r.count < len(r.buf) {
		r.count++
	} else {
		r.head = (r.head + 1) % len(r.buf)
	}
}

// snapshot returns violations oldest-first, optionally filtered by
// installation id ("" matches all).
func (r *violationRing) snapshot(installationID string) []Violation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Violation, 0, r.count)
	for i := 0; i < r.count; i++ {
		v := r.buf[(r.head+i)%len(r.buf)]
		if installationID != "" && v.InstallationID != installationID {
			continue
		}
		out = append(out, v)
	}
	return out
}

func (r *violationRing) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}
