// Package security owns capability policy for the extension runtime.
//
// The Manager is the single authority consulted on every security-relevant
// operation:
//
//   - Package signature verification (ed25519 over a BLAKE3 digest),
//     failing closed on any missing or malformed input.
//   - Validation of requested permissions against a manifest's declared
//     set, including a fixed table of dangerous permission combinations.
//   - The per-installation SecurityContext: granted capabilities, a signed
//     API token with a fixed expiry, a derived security level, and the
//     allowed network domains.
//   - Live permission and scope checks. Absence of a context is a denial,
//     not an error; every denial is recorded as a violation and surfaced
//     as an observability event.
//   - Content-security-policy generation for UI-capable extensions.
//
// Checks read the live context on every call, so revoking a context takes
// effect immediately for all subsequent operations.
package security
