package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/dshills/hivedesk/internal/extension/manifest"
)

// TokenTTL is the fixed lifetime of an installation's API token.
const TokenTTL = 24 * time.Hour

// SecurityContext is the live, token-bearing record of what an installation
// is currently allowed to do. One is created per activation and destroyed
// on shutdown or explicit revocation.
type SecurityContext struct {
	InstallationID string
	PluginID       string

	Permissions map[manifest.Permission]bool
	Scopes      map[manifest.Scope]bool

	Token        string
	TokenID      string
	TokenExpires time.Time

	Level          Level
	AllowedDomains []string

	CreatedAt time.Time
}

// HasPermission reports whether the context grants the permission.
func (c *SecurityContext) HasPermission(p manifest.Permission) bool {
	return c.Permissions[p]
}

// HasScope reports whether the context grants the scope.
func (c *SecurityContext) HasScope(s manifest.Scope) bool {
	return c.Scopes[s]
}

// tokenClaims is the signed token payload.
type tokenClaims struct {
	TokenID        string `json:"tid"`
	InstallationID string `json:"iid"`
	PluginID       string `json:"pid"`
	CapDigest      string `json:"cap"`
	ExpiresAt      int64  `json:"exp"`
}

type tokenRecord struct {
	installationID string
	expiresAt      time.Time
}

// capabilityDigest binds a token to the granted capability sets: the BLAKE3
// digest of the sorted permission and scope names.
func capabilityDigest(perms []manifest.Permission, scopes []manifest.Scope) string {
	parts := make([]string, 0, len(perms)+len(scopes))
	for _, p := range perms {
		parts = append(parts, string(p))
	}
	for _, s := range scopes {
		parts = append(parts, string(s))
	}
	sort.Strings(parts)
	sum := blake3.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:])
}

// signToken produces the wire form of a token: base64url(claims) "." base64url(hmac).
func signToken(secret []byte, claims tokenClaims) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to encode token claims: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(encoded))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return encoded + "." + sig, nil
}

// parseToken verifies the HMAC and decodes the claims. A malformed or
// tampered token yields ok=false; it is never an error condition.
func parseToken(secret []byte, token string) (tokenClaims, bool) {
	var claims tokenClaims

	encoded, sig, found := strings.Cut(token, ".")
	if !found {
		return claims, false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(encoded))
	want := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return claims, false
	}
	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return claims, false
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return claims, false
	}
	return claims, true
}

func newTokenID() string {
	return uuid.NewString()
}
