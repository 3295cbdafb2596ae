package auth

import (
	"context"
	"errors"
	"time"

	"github.com/ggoodman/sockethub/internal/jwtauth"
)

// Option configures token validation.
type Option func(*jwtauth.Config)

// WithIssuer requires the "iss" claim to equal issuer.
func WithIssuer(issuer string) Option {
	return func(c *jwtauth.Config) { c.Issuer = issuer }
}

// WithAudiences requires the "aud" claim to contain at least one of auds.
func WithAudiences(auds ...string) Option {
	return func(c *jwtauth.Config) { c.Audiences = append([]string(nil), auds...) }
}

// WithAllowedAlgs restricts allowed JWS algorithms. "none" is never allowed.
func WithAllowedAlgs(algs ...string) Option {
	return func(c *jwtauth.Config) { c.AllowedAlgs = append([]string(nil), algs...) }
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) Option {
	return func(c *jwtauth.Config) { c.Leeway = d }
}

// WithIdentityClaim selects the claim reported by UserInfo.UserID. Tokens
// lacking it fall back to "sub".
func WithIdentityClaim(name string) Option {
	return func(c *jwtauth.Config) { c.IdentityClaim = name }
}

// WithoutExpiration accepts tokens that carry no "exp" claim.
func WithoutExpiration() Option {
	return func(c *jwtauth.Config) { c.ExpirationRequired = false }
}

func buildConfig(defaultAlgs []string, opts []Option) *jwtauth.Config {
	cfg := jwtauth.DefaultConfig()
	cfg.AllowedAlgs = defaultAlgs
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// NewHMAC returns an Authenticator for tokens signed with secret. Only
// HS256 is accepted unless WithAllowedAlgs says otherwise.
func NewHMAC(secret string, opts ...Option) (Authenticator, error) {
	if secret == "" {
		return nil, errors.New("auth: secret is required")
	}
	internal, err := jwtauth.NewHMAC([]byte(secret), buildConfig([]string{"HS256"}, opts))
	if err != nil {
		return nil, err
	}
	return &adapter{a: internal}, nil
}

// NewFromJWKS returns an Authenticator that verifies tokens against the key
// set at jwksURI. Keys refresh in the background until ctx is done.
func NewFromJWKS(ctx context.Context, jwksURI string, opts ...Option) (Authenticator, error) {
	internal, err := jwtauth.NewFromJWKS(ctx, jwksURI, buildConfig([]string{"RS256"}, opts))
	if err != nil {
		return nil, err
	}
	return &adapter{a: internal}, nil
}

// NewFromDiscovery returns an Authenticator whose key set is located via
// OpenID Connect discovery against issuer.
func NewFromDiscovery(ctx context.Context, issuer string, opts ...Option) (Authenticator, error) {
	cfg := buildConfig([]string{"RS256"}, opts)
	cfg.Issuer = issuer
	internal, err := jwtauth.NewFromDiscovery(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &adapter{a: internal}, nil
}

// adapter wraps the internal authenticator to satisfy the public interface.
type adapter struct {
	a jwtauth.Authenticator
}

func (ad *adapter) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	ui, err := ad.a.CheckAuthentication(ctx, tok)
	if err != nil {
		return nil, errors.Join(ErrUnauthorized, err)
	}
	return userInfoAdapter{ui: ui}, nil
}

type userInfoAdapter struct{ ui jwtauth.UserInfo }

func (u userInfoAdapter) UserID() string       { return u.ui.UserID() }
func (u userInfoAdapter) Claims(ref any) error { return u.ui.Claims(ref) }
