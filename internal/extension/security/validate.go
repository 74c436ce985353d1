package security

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dshills/hivedesk/internal/extension/manifest"
)

// ValidationResult reports the outcome of validating a requested permission
// set against a manifest's declared set.
type ValidationResult struct {
	// Valid is false when any requested permission is undeclared.
	Valid bool

	// Violations lists requested-but-undeclared permissions.
	Violations []string

	// Warnings lists dangerous combinations present in the requested set.
	// Warnings do not make the result invalid.
	Warnings []string
}

// dangerousCombos is the fixed table of permission combinations that are
// flagged even when every member is individually declared.
var dangerousCombos = [][]manifest.Permission{
	{manifest.PermissionFilesystem, manifest.PermissionNetwork},
	{manifest.PermissionKeychain, manifest.PermissionNetwork},
}

// ValidatePermissions flags requested permissions missing from the
// manifest's declared set, and warns about dangerous combinations in the
// requested set. Combination checks use a fixed table; they are not
// configurable per call.
func (m *Manager) ValidatePermissions(man *manifest.Manifest, requested []manifest.Permission) ValidationResult {
	result := ValidationResult{Valid: true}

	have := make(map[manifest.Permission]bool, len(requested))
	for _, p := range requested {
		have[p] = true
		if !man.DeclaresPermission(p) {
			result.Valid = false
			result.Violations = append(result.Violations,
				fmt.Sprintf("permission %q is not declared by manifest %s", p, man.ID))
			m.record(Violation{
				Kind:           ViolationUndeclared,
				InstallationID: man.ID,
				Description:    fmt.Sprintf("requested undeclared permission %q", p),
				Severity:       SeverityHigh,
				Timestamp:      m.now(),
			})
		}
	}

	for _, combo := range dangerousCombos {
		all := true
		for _, p := range combo {
			if !have[p] {
				all = false
				break
			}
		}
		if !all {
			continue
		}
		names := make([]string, len(combo))
		for i, p := range combo {
			names[i] = string(p)
		}
		sort.Strings(names)
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("dangerous permission combination: %s", strings.Join(names, "+")))
		m.record(Violation{
			Kind:           ViolationDangerousCombo,
			InstallationID: man.ID,
			Description:    fmt.Sprintf("requested dangerous combination %s", strings.Join(names, "+")),
			Severity:       SeverityMedium,
			Timestamp:      m.now(),
		})
	}

	return result
}
