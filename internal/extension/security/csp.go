package security

import (
	"strings"

	"github.com/dshills/hivedesk/internal/extension/manifest"
)

// GenerateCSP builds the content-security-policy string applied to an
// installation's rendered surface. script-src is relaxed only for
// UI-capable extension types; connect-src and img-src include the
// context's allowed domains only when network access is granted; object
// embedding is always forbidden and frame ancestry is restricted to the
// host.
func (m *Manager) GenerateCSP(installationID string, man *manifest.Manifest) string {
	var allowedDomains []string
	networkGranted := false

	m.mu.RLock()
	if ctx, ok := m.contexts[installationID]; ok {
		networkGranted = ctx.Permissions[manifest.PermissionNetwork]
		allowedDomains = append(allowedDomains, ctx.AllowedDomains...)
	}
	m.mu.RUnlock()

	scriptSrc := "'self'"
	if man.Type.IsUICapable() {
		scriptSrc = "'self' 'unsafe-inline'"
	}

	remoteSrc := "'self'"
	if networkGranted && len(allowedDomains) > 0 {
		var b strings.Builder
		b.WriteString("'self'")
		for _, d := range allowedDomains {
			b.WriteString(" https://")
			b.WriteString(d)
		}
		remoteSrc = b.String()
	}

	directives := []string{
		"default-src 'self'",
		"script-src " + scriptSrc,
		"connect-src " + remoteSrc,
		"img-src " + remoteSrc,
		"style-src 'self' 'unsafe-inline'",
		"object-src 'none'",
		"frame-ancestors 'self'",
	}
	return strings.Join(directives, "; ")
}
