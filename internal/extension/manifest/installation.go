package manifest

import "time"

// Installation is one configured instance of an extension for a user or
// workspace, carrying the granted (possibly reduced) subset of the
// manifest's declared capabilities. It is read-only input to the runtime
// and is refreshed by the host whenever grants change.
type Installation struct {
	ID       string `json:"id"`
	PluginID string `json:"pluginId"`
	Version  string `json:"version"`

	// Granted capability sets. Validation enforces granted ⊆ declared;
	// the runtime re-checks rather than trusting the caller.
	GrantedPermissions []Permission `json:"grantedPermissions"`
	GrantedScopes      []Scope      `json:"grantedScopes"`

	// Limits optionally tightens the sandbox defaults. Values above the
	// defaults are ignored; ceilings only move down.
	Limits *LimitHints `json:"limits,omitempty"`

	InstalledAt time.Time `json:"installedAt"`
}

// LimitHints carries optional per-installation resource ceilings.
type LimitHints struct {
	MemoryLimitBytes int64 `json:"memoryLimitBytes,omitempty"`
	TimeoutMillis    int64 `json:"timeoutMillis,omitempty"`
	InstructionLimit int64 `json:"instructionLimit,omitempty"`
}

// HasPermission reports whether the installation was granted the permission.
func (in *Installation) HasPermission(p Permission) bool {
	for _, g := range in.GrantedPermissions {
		if g == p {
			return true
		}
	}
	return false
}

// HasScope reports whether the installation was granted the scope.
func (in *Installation) HasScope(s Scope) bool {
	for _, g := range in.GrantedScopes {
		if g == s {
			return true
		}
	}
	return false
}
