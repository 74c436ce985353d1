package security

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// PackageDigest returns the hex BLAKE3-256 digest of a package's bytes.
// Signatures are made over this digest rather than the raw archive so that
// large packages hash once and the digest can be logged and compared.
func PackageDigest(pkg []byte) string {
	sum := blake3.Sum256(pkg)
	return hex.EncodeToString(sum[:])
}

// VerifySignature checks a detached ed25519 signature over the BLAKE3
// digest of the package bytes. It fails closed: a missing package, a
// missing or malformed signature or key, or a verification panic all
// return false and record a violation. It never panics across the
// boundary.
func (m *Manager) VerifySignature(pkg, sig []byte, publicKey ed25519.PublicKey) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			m.record(Violation{
				Kind:        ViolationSignature,
				Description: fmt.Sprintf("signature verification panicked: %v", r),
				Severity:    SeverityCritical,
				Timestamp:   m.now(),
			})
		}
	}()

	if len(pkg) == 0 || len(sig) == 0 || len(publicKey) == 0 {
		m.record(Violation{
			Kind:        ViolationSignature,
			Description: "signature verification input missing",
			Severity:    SeverityCritical,
			Timestamp:   m.now(),
		})
		return false
	}
	if len(publicKey) != ed25519.PublicKeySize {
		m.record(Violation{
			Kind:        ViolationSignature,
			Description: fmt.Sprintf("public key has invalid size %d", len(publicKey)),
			Severity:    SeverityCritical,
			Timestamp:   m.now(),
		})
		return false
	}

	sum := blake3.Sum256(pkg)
	if !ed25519.Verify(publicKey, sum[:], sig) {
		m.record(Violation{
			Kind:        ViolationSignature,
			Description: fmt.Sprintf("invalid signature for package digest %s", hex.EncodeToString(sum[:8])),
			Severity:    SeverityHigh,
			Timestamp:   m.now(),
		})
		return false
	}
	return true
}
