package security

import "github.com/dshills/hivedesk/internal/extension/manifest"

// Level classifies how much damage an installation could do with its
// granted capabilities.
type Level int

const (
	// LevelLow indicates no access beyond the extension's own state.
	LevelLow Level = iota

	// LevelMedium indicates access to user data or the network.
	LevelMedium

	// LevelHigh indicates access that can compromise the host.
	LevelHigh
)

// String returns a string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	default:
		return "unknown"
	}
}

// highRiskPermissions map to LevelHigh. First match wins, high before medium.
var highRiskPermissions = map[manifest.Permission]bool{
	manifest.PermissionShell:    true,
	manifest.PermissionProcess:  true,
	manifest.PermissionRegistry: true,
	manifest.PermissionKeychain: true,
}

// mediumRiskPermissions map to LevelMedium.
var mediumRiskPermissions = map[manifest.Permission]bool{
	manifest.PermissionFilesystem: true,
	manifest.PermissionNetwork:    true,
}

// DeriveLevel computes the security level for a set of granted capabilities.
// The riskiest grant decides: high-risk permissions first, then medium-risk
// permissions and write scopes, otherwise low.
func DeriveLevel(perms []manifest.Permission, scopes []manifest.Scope) Level {
	for _, p := range perms {
		if highRiskPermissions[p] {
			return LevelHigh
		}
	}
	for _, p := range perms {
		if mediumRiskPermissions[p] {
			return LevelMedium
		}
	}
	for _, s := range scopes {
		if s.IsWrite() {
			return LevelMedium
		}
	}
	return LevelLow
}
