package sandbox

import (
	"errors"
	"net"
	"net/url"
	"strings"

	"github.com/tidwall/match"

	"github.com/dshills/hivedesk/internal/extension/runtime"
)

// Network mediation outcomes.
var (
	// ErrNetworkNotGranted blocks because the installation has no network
	// permission at all.
	ErrNetworkNotGranted = errors.New("network access not granted")

	// ErrDomainNotAllowed blocks because the host is outside the
	// manifest's linked domains.
	ErrDomainNotAllowed = errors.New("host not in allowed domains")

	// ErrBadReference blocks because the reference cannot be parsed.
	ErrBadReference = errors.New("unparseable outbound reference")
)

// checkOutbound applies the mediation policy to one outbound reference.
// Relative, data: and loopback references pass unconditionally; anything
// else requires the network permission and, when granted, a host inside
// the allowed domain list (wildcards supported) or loopback.
func checkOutbound(cfg runtime.SandboxConfig, rawURL string) error {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return ErrBadReference
	}
	if strings.HasPrefix(trimmed, "data:") {
		return nil
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return ErrBadReference
	}

	// Relative and same-origin references carry no host.
	if u.Host == "" && u.Scheme == "" {
		return nil
	}

	host := u.Hostname()
	if isLoopback(host) {
		return nil
	}

	if !cfg.AllowNetwork {
		return ErrNetworkNotGranted
	}
	for _, pattern := range cfg.AllowedDomains {
		if strings.EqualFold(host, pattern) || match.Match(strings.ToLower(host), strings.ToLower(pattern)) {
			return nil
		}
	}
	return ErrDomainNotAllowed
}

func isLoopback(host string) bool {
	if host == "" {
		return false
	}
	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
