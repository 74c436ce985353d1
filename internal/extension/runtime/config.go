package runtime

import "time"

// Default resource ceilings. Deriving a sandbox config may only lower
// them, never raise them.
const (
	// DefaultMemoryLimit is the advisory per-context memory ceiling.
	DefaultMemoryLimit = 128 * 1024 * 1024

	// DefaultTimeout bounds entry-code execution, the init hook, and each
	// action call.
	DefaultTimeout = 30 * time.Second

	// CleanupTimeout bounds the extension's cleanup hook during destroy.
	CleanupTimeout = 5 * time.Second

	// DefaultInstructionLimit is the per-call mediated-work budget.
	DefaultInstructionLimit = 10_000_000
)

// SandboxConfig is the derived resource and access policy applied to one
// execution context. The sandbox manager produces it from the
// installation's granted capabilities and the manifest; nothing here is
// read from the manifest alone.
type SandboxConfig struct {
	// MemoryLimit is the advisory memory ceiling in bytes.
	MemoryLimit int64

	// Timeout is the hard wall-clock bound per VM call. Extension timers
	// are capped at this value too.
	Timeout time.Duration

	// InstructionLimit is the per-call instruction budget charged at
	// mediated host operations.
	InstructionLimit int64

	// AllowNetwork mirrors the granted network permission.
	AllowNetwork bool

	// AllowFilesystem mirrors the granted filesystem permission.
	AllowFilesystem bool

	// AllowedDomains are the manifest's linked hosts, deduplicated.
	// Meaningful only when AllowNetwork is true.
	AllowedDomains []string
}

// DefaultSandboxConfig returns the ceiling configuration with no access
// granted.
func DefaultSandboxConfig() SandboxConfig {
	return SandboxConfig{
		MemoryLimit:      DefaultMemoryLimit,
		Timeout:          DefaultTimeout,
		InstructionLimit: DefaultInstructionLimit,
	}
}
