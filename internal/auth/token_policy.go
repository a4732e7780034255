package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// tokenPolicy pins what a merchant token has to satisfy before its subject
// is trusted: who minted it, which API it is for, the signature scheme, and
// how much clock drift to forgive.
type tokenPolicy struct {
	issuer    string
	audience  string
	clockSkew time.Duration
	algorithm jwa.SignatureAlgorithm
}

// check validates tok at the given instant. alg is the algorithm the
// signature was actually verified under; it must match the pinned one so a
// caller cannot downgrade the scheme via the token header.
func (p tokenPolicy) check(tok jwt.Token, alg jwa.SignatureAlgorithm, now time.Time) error {
	if tok == nil {
		return errors.New("auth: nil token")
	}
	if alg == "" {
		return errors.New("auth: token does not name a signing algorithm")
	}
	if p.algorithm != "" && alg != p.algorithm {
		return fmt.Errorf("auth: token signed with %s, want %s", alg, p.algorithm)
	}

	opts := []jwt.ValidateOption{
		jwt.WithClock(jwt.ClockFunc(func() time.Time { return now })),
	}
	if p.clockSkew > 0 {
		opts = append(opts, jwt.WithAcceptableSkew(p.clockSkew))
	}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}
	if p.audience != "" {
		opts = append(opts, jwt.WithAudience(p.audience))
	}
	return jwt.Validate(tok, opts...)
}
