package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"strings"
)

// Digest computes the hex signature of a canonical string under a secret.
type Digest func(canonical, secret string) string

// EnvelopeDigest hashes secret||canonical||secret. This is the passphrase
// envelope used by form-post hosted pages such as the payfort profile.
func EnvelopeDigest(newHash func() hash.Hash) Digest {
	return func(canonical, secret string) string {
		h := newHash()
		_, _ = io.WriteString(h, secret)
		_, _ = io.WriteString(h, canonical)
		_, _ = io.WriteString(h, secret)
		return hex.EncodeToString(h.Sum(nil))
	}
}

// HMACDigest keys the hash with the secret instead of wrapping the payload.
func HMACDigest(newHash func() hash.Hash) Digest {
	return func(canonical, secret string) string {
		mac := hmac.New(newHash, []byte(secret))
		_, _ = mac.Write([]byte(canonical))
		return hex.EncodeToString(mac.Sum(nil))
	}
}

// Signer signs and verifies a parameter set for one provider profile.
type Signer struct {
	// Field is the parameter carrying the signature; excluded from the
	// canonical string. Defaults to FieldSignature.
	Field string
	// Digest defaults to the SHA-256 secret envelope.
	Digest Digest
}

// Sign returns the hex signature over the canonical form of params.
func (s Signer) Sign(params map[string]string, secret string) string {
	return s.digest()(Canonical(params, s.field()), secret)
}

// Verify recomputes the signature and compares it to the claimed value in
// constant time. Hex digests are case-insensitive on the wire.
func (s Signer) Verify(params map[string]string, secret, claimed string) bool {
	claimed = strings.ToLower(strings.TrimSpace(claimed))
	if claimed == "" {
		return false
	}
	want := s.Sign(params, secret)
	return hmac.Equal([]byte(want), []byte(claimed))
}

func (s Signer) field() string {
	if s.Field == "" {
		return FieldSignature
	}
	return s.Field
}

func (s Signer) digest() Digest {
	if s.Digest == nil {
		return EnvelopeDigest(sha256.New)
	}
	return s.Digest
}
