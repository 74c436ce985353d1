// Package manifest defines the static and per-installation metadata that
// drives the extension runtime: the author-declared Manifest and the
// user-granted Installation record. Both are inputs to the security and
// sandbox managers; neither is mutated by the runtime.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
)

// Permission is a coarse-grained capability an extension can declare and an
// installation can be granted (e.g., network access).
type Permission string

// Known permissions.
const (
	// PermissionFilesystem allows reading and writing files through the
	// mediated filesystem surface.
	PermissionFilesystem Permission = "filesystem"

	// PermissionNetwork allows outbound requests to the manifest's linked
	// domains.
	PermissionNetwork Permission = "network"

	// PermissionShell allows shell command execution.
	PermissionShell Permission = "shell"

	// PermissionProcess allows spawning child processes.
	PermissionProcess Permission = "process"

	// PermissionRegistry allows access to the host integration registry.
	PermissionRegistry Permission = "registry"

	// PermissionKeychain allows access to stored credentials.
	PermissionKeychain Permission = "keychain"

	// PermissionClipboard allows clipboard access.
	PermissionClipboard Permission = "clipboard"

	// PermissionNotifications allows posting user notifications.
	PermissionNotifications Permission = "notifications"

	// PermissionEvents allows emitting and subscribing on the event bus.
	PermissionEvents Permission = "events"

	// PermissionSystemEvents allows emitting into the reserved system.*
	// event namespace.
	PermissionSystemEvents Permission = "events.system"

	// PermissionActions allows registering invokable actions.
	PermissionActions Permission = "actions"

	// PermissionSettings allows reading and writing the installation's
	// settings namespace.
	PermissionSettings Permission = "settings"

	// PermissionUI allows rendering panels and views.
	PermissionUI Permission = "ui"
)

// Scope is a fine-grained data-access grant (e.g., read mail).
type Scope string

// Known scopes.
const (
	ScopeReadMail      Scope = "read:mail"
	ScopeWriteMail     Scope = "write:mail"
	ScopeReadCalendar  Scope = "read:calendar"
	ScopeWriteCalendar Scope = "write:calendar"
	ScopeReadContacts  Scope = "read:contacts"
	ScopeWriteContacts Scope = "write:contacts"
	ScopeSearch        Scope = "search"
)

// IsWrite reports whether the scope grants write access.
func (s Scope) IsWrite() bool {
	return strings.HasPrefix(string(s), "write:")
}

// Type categorizes how an extension presents itself to the host.
type Type string

// Extension types.
const (
	// TypePanel renders a dockable panel in the workspace UI.
	TypePanel Type = "panel"

	// TypeView renders a full content view.
	TypeView Type = "view"

	// TypeAutomation runs headless in response to events.
	TypeAutomation Type = "automation"

	// TypeConnector integrates an external service headlessly.
	TypeConnector Type = "connector"
)

// IsUICapable reports whether the extension type renders host UI.
// UI-capable types receive a relaxed script-src in their content policy.
func (t Type) IsUICapable() bool {
	return t == TypePanel || t == TypeView
}

// Manifest is the static, author-declared description of an extension.
// It is immutable once loaded.
type Manifest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	Type        Type   `json:"type"`
	Description string `json:"description"`
	Author      string `json:"author"`
	License     string `json:"license"`

	// Linked URLs. Their hosts become the installation's allowed domains.
	Homepage      string   `json:"homepage"`
	Repository    string   `json:"repository"`
	Documentation string   `json:"documentation"`
	Domains       []string `json:"domains"`

	// Entry is the relative path to the main Lua file.
	Entry string `json:"entry"`

	// Declared capability sets. Granted sets on an Installation must be
	// subsets of these.
	Permissions []Permission `json:"permissions"`
	Scopes      []Scope      `json:"scopes"`
}

// Validation errors.
var (
	ErrMissingID      = errors.New("manifest: id is required")
	ErrInvalidID      = errors.New("manifest: id must be lowercase alphanumeric with hyphens or dots")
	ErrMissingVersion = errors.New("manifest: version is required")
	ErrInvalidVersion = errors.New("manifest: version must be valid semver")
	ErrInvalidType    = errors.New("manifest: unknown extension type")
	ErrInvalidEntry   = errors.New("manifest: entry must be a .lua file")
)

var (
	idPattern     = regexp.MustCompile(`^[a-z][a-z0-9.-]*[a-z0-9]$|^[a-z]$`)
	semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.-]+)?(\+[a-zA-Z0-9.-]+)?$`)
)

var validTypes = map[Type]bool{
	TypePanel:      true,
	TypeView:       true,
	TypeAutomation: true,
	TypeConnector:  true,
}

// Load reads and validates a manifest from a JSON file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates manifest JSON.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) applyDefaults() {
	if m.Entry == "" {
		m.Entry = "main.lua"
	}
	if m.Type == "" {
		m.Type = TypeAutomation
	}
}

// Validate checks that the manifest is well-formed.
func (m *Manifest) Validate() error {
	if m.ID == "" {
		return ErrMissingID
	}
	if !idPattern.MatchString(m.ID) {
		return fmt.Errorf("%w: %s", ErrInvalidID, m.ID)
	}
	if m.Version == "" {
		return ErrMissingVersion
	}
	if !semverPattern.MatchString(m.Version) {
		return fmt.Errorf("%w: %s", ErrInvalidVersion, m.Version)
	}
	if !validTypes[m.Type] {
		return fmt.Errorf("%w: %s", ErrInvalidType, m.Type)
	}
	if !strings.HasSuffix(m.Entry, ".lua") {
		return fmt.Errorf("%w: %s", ErrInvalidEntry, m.Entry)
	}
	return nil
}

// DeclaresPermission reports whether the manifest declares the permission.
func (m *Manifest) DeclaresPermission(p Permission) bool {
	for _, d := range m.Permissions {
		if d == p {
			return true
		}
	}
	return false
}

// DeclaresScope reports whether the manifest declares the scope.
func (m *Manifest) DeclaresScope(s Scope) bool {
	for _, d := range m.Scopes {
		if d == s {
			return true
		}
	}
	return false
}

// LinkedDomains returns the deduplicated set of hosts referenced by the
// manifest's URLs and declared domains. Entries that do not parse as URLs
// are kept verbatim when they look like bare hosts.
func (m *Manifest) LinkedDomains() []string {
	seen := make(map[string]bool)
	var domains []string

	add := func(host string) {
		host = strings.ToLower(strings.TrimSpace(host))
		if host == "" || seen[host] {
			return
		}
		seen[host] = true
		domains = append(domains, host)
	}

	for _, raw := range []string{m.Homepage, m.Repository, m.Documentation} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err == nil && u.Host != "" {
			add(u.Hostname())
		}
	}
	for _, d := range m.Domains {
		if u, err := url.Parse(d); err == nil && u.Host != "" {
			add(u.Hostname())
			continue
		}
		if !strings.ContainsAny(d, "/ ") {
			add(d)
		}
	}
	return domains
}

// String returns a short description of the manifest.
func (m *Manifest) String() string {
	return fmt.Sprintf("%s v%s", m.ID, m.Version)
}

// Clone creates a deep copy of the manifest.
func (m *Manifest) Clone() *Manifest {
	clone := *m
	if m.Domains != nil {
		clone.Domains = append([]string(nil), m.Domains...)
	}
	if m.Permissions != nil {
		clone.Permissions = append([]Permission(nil), m.Permissions...)
	}
	if m.Scopes != nil {
		clone.Scopes = append([]Scope(nil), m.Scopes...)
	}
	return &clone
}
