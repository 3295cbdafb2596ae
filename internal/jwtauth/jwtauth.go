package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultIdentityClaim is the claim that names the user when none is
// configured. Tokens without it fall back to "sub".
const DefaultIdentityClaim = "phonenumber"

// Config controls validation behavior for access tokens.
type Config struct {
	// Issuer, when set, must match the "iss" claim.
	Issuer string
	// Audiences, when non-empty, must intersect the "aud" claim.
	Audiences   []string
	AllowedAlgs []string
	Leeway      time.Duration
	// ExpirationRequired rejects tokens without an "exp" claim.
	ExpirationRequired bool
	// IdentityClaim names the claim returned by UserInfo.UserID.
	IdentityClaim string
}

// DefaultConfig returns a Config with safe defaults for asymmetric keys.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs:        []string{"RS256"},
		Leeway:             60 * time.Second,
		ExpirationRequired: true,
		IdentityClaim:      DefaultIdentityClaim,
	}
}

// UserInfo is the internal user claims carrier for validated tokens.
type UserInfo interface {
	UserID() string
	Claims(ref any) error
}

type userInfo struct {
	id     string
	claims map[string]any
}

func (u *userInfo) UserID() string { return u.id }
func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Authenticator validates access tokens and returns the identity they carry.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// ErrUnauthorized indicates that the access token failed validation (e.g.,
// signature, issuer, audience, exp/nbf) and the request should be treated as
// unauthenticated.
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

type verifier struct {
	cfg     *Config
	keyfunc jwt.Keyfunc
}

// NewHMAC returns an Authenticator for tokens signed with a shared secret.
// AllowedAlgs defaults to HS256.
func NewHMAC(secret []byte, cfg *Config) (*verifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("secret is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
		cfg.AllowedAlgs = nil
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"HS256"}
	}
	for _, alg := range cfg.AllowedAlgs {
		if _, ok := jwt.GetSigningMethod(alg).(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("alg %s is not an HMAC algorithm", alg)
		}
	}
	key := append([]byte(nil), secret...)
	return newVerifier(cfg, func(*jwt.Token) (any, error) { return key, nil }), nil
}

func newVerifier(cfg *Config, kf jwt.Keyfunc) *verifier {
	if cfg.IdentityClaim == "" {
		cfg.IdentityClaim = DefaultIdentityClaim
	}
	return &verifier{cfg: cfg, keyfunc: func(t *jwt.Token) (any, error) {
		alg := t.Method.Alg()
		if !slices.Contains(cfg.AllowedAlgs, alg) {
			return nil, fmt.Errorf("disallowed alg: %s", alg)
		}
		return kf(t)
	}}
}

func (v *verifier) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithLeeway(v.cfg.Leeway),
	}
	if v.cfg.ExpirationRequired {
		opts = append(opts, jwt.WithExpirationRequired())
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}

	parsed, err := jwt.NewParser(opts...).Parse(tok, v.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", ErrUnauthorized)
	}
	if len(v.cfg.Audiences) > 0 && !audIntersects(claims["aud"], v.cfg.Audiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}

	id := claimString(claims[v.cfg.IdentityClaim])
	if id == "" {
		id = claimString(claims["sub"])
	}
	if id == "" {
		return nil, fmt.Errorf("%w: missing %s claim", ErrUnauthorized, v.cfg.IdentityClaim)
	}
	return &userInfo{id: id, claims: claims}, nil
}

// claimString renders string and numeric claims; phone numbers are
// sometimes issued as JSON numbers.
func claimString(v any) string {
	switch c := v.(type) {
	case string:
		return c
	case float64:
		return strconv.FormatFloat(c, 'f', -1, 64)
	case json.Number:
		return c.String()
	}
	return ""
}

func audIntersects(aud any, wants []string) bool {
	switch v := aud.(type) {
	case string:
		return slices.Contains(wants, v)
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && slices.Contains(wants, s) {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if slices.Contains(wants, s) {
				return true
			}
		}
	}
	return false
}

var _ Authenticator = (*verifier)(nil)
