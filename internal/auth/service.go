package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/noah-isme/redirectpay/internal/common"
)

const defaultAccessTTL = time.Hour

const scopeClaim = "scope"

// ScopeAdmin grants access to operational endpoints: webhook management,
// outcome reconciliation and queue administration.
const ScopeAdmin = "admin"

// Service mints and validates merchant API tokens. Tokens are self-contained
// HS256 JWTs whose subject carries the merchant identifier, so no credential
// storage is needed server-side.
type Service struct {
	secret    []byte
	accessTTL time.Duration
	now       func() time.Time
	signer    jwa.SignatureAlgorithm
	policy    tokenPolicy
}

// Config carries the signing secret and token claims policy.
type Config struct {
	Secret         string
	AccessTokenTTL time.Duration
	Issuer         string
	Audience       string
	ClockSkew      time.Duration
}

// Claims is the validated identity carried by a merchant token.
type Claims struct {
	MerchantID string
	Scopes     []string
}

// HasScope reports whether the token grants the named scope.
func (c Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// NewService validates the secret and fills claim defaults.
func NewService(cfg Config) (*Service, error) {
	secret := []byte(strings.TrimSpace(cfg.Secret))
	if len(secret) == 0 {
		return nil, errors.New("auth: signing secret is required")
	}
	ttl := cfg.AccessTokenTTL
	if ttl <= 0 {
		ttl = defaultAccessTTL
	}

	pol := tokenPolicy{algorithm: jwa.HS256, clockSkew: max(cfg.ClockSkew, 0)}
	if pol.issuer = strings.TrimSpace(cfg.Issuer); pol.issuer == "" {
		pol.issuer = "redirectpay"
	}
	if pol.audience = strings.TrimSpace(cfg.Audience); pol.audience == "" {
		pol.audience = "redirectpay-api"
	}

	return &Service{
		secret:    secret,
		accessTTL: ttl,
		now:       time.Now,
		signer:    jwa.HS256,
		policy:    pol,
	}, nil
}

// WithNow overrides the clock, for expiry tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// MintToken issues a signed token for the merchant with the provided scopes.
func (s *Service) MintToken(merchantID string, scopes ...string) (string, time.Time, error) {
	trimmed := strings.TrimSpace(merchantID)
	if trimmed == "" {
		return "", time.Time{}, errors.New("auth: merchant id is required")
	}
	now := s.now()
	expiresAt := now.Add(s.accessTTL)
	builder := jwt.NewBuilder().
		Subject(trimmed).
		Issuer(s.policy.issuer).
		Audience([]string{s.policy.audience}).
		IssuedAt(now).
		NotBefore(now.Add(-s.policy.clockSkew)).
		Expiration(expiresAt)
	if len(scopes) > 0 {
		builder = builder.Claim(scopeClaim, scopes)
	}
	token, err := builder.Build()
	if err != nil {
		return "", time.Time{}, err
	}
	signed, err := jwt.Sign(token, jwt.WithKey(s.signer, s.secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return string(signed), expiresAt, nil
}

// ParseAccessToken validates a merchant token and returns its claims.
func (s *Service) ParseAccessToken(token string) (Claims, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return Claims{}, unauthorized("missing token", nil)
	}
	alg, err := tokenAlgorithm(trimmed)
	if err != nil {
		return Claims{}, unauthorized("invalid token", err)
	}
	if s.policy.algorithm != "" && alg != s.policy.algorithm {
		return Claims{}, unauthorized("invalid token", fmt.Errorf("unexpected token algorithm %s", alg))
	}
	parsed, err := jwt.ParseString(trimmed, jwt.WithKey(alg, s.secret))
	if err != nil {
		return Claims{}, unauthorized("invalid token", err)
	}
	if err := s.policy.check(parsed, alg, s.now()); err != nil {
		return Claims{}, unauthorized("invalid token", err)
	}
	merchantID := strings.TrimSpace(parsed.Subject())
	if merchantID == "" {
		return Claims{}, unauthorized("invalid token", errors.New("auth: token has no subject"))
	}
	return Claims{MerchantID: merchantID, Scopes: scopesFromToken(parsed)}, nil
}

func unauthorized(msg string, err error) *common.AppError {
	return common.NewAppError("UNAUTHORIZED", msg, http.StatusUnauthorized, err)
}

// tokenAlgorithm reads the signing algorithm from the protected headers ahead
// of verification so the key type can be pinned. Unsigned tokens and tokens
// mixing algorithms across signatures are rejected outright.
func tokenAlgorithm(token string) (jwa.SignatureAlgorithm, error) {
	msg, err := jws.ParseString(token)
	if err != nil {
		return "", err
	}
	sigs := msg.Signatures()
	if len(sigs) == 0 {
		return "", errors.New("auth: token has no signature")
	}
	var alg jwa.SignatureAlgorithm
	for _, sig := range sigs {
		hdr := sig.ProtectedHeaders()
		if hdr == nil {
			return "", errors.New("auth: signature without protected headers")
		}
		switch got := hdr.Algorithm(); {
		case got == "":
			return "", errors.New("auth: signature does not name an algorithm")
		case got == jwa.NoSignature:
			return "", errors.New("auth: unsigned token")
		case alg == "":
			alg = got
		case got != alg:
			return "", errors.New("auth: signatures disagree on the algorithm")
		}
	}
	return alg, nil
}

// scopesFromToken accepts both the JSON array and the OAuth space-separated
// string encodings of the scope claim.
func scopesFromToken(tok jwt.Token) []string {
	raw, ok := tok.Get(scopeClaim)
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		return strings.Fields(v)
	default:
		return nil
	}
}
