package jwtauth

import (
	"context"
	"errors"
	"fmt"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
)

// NewFromJWKS returns an Authenticator that verifies tokens against the
// keys published at jwksURI. Keys are refreshed in the background until ctx
// is done.
func NewFromJWKS(ctx context.Context, jwksURI string, cfg *Config) (*verifier, error) {
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256"}
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return newVerifier(cfg, kf.Keyfunc), nil
}

// NewFromDiscovery performs OIDC discovery against cfg.Issuer to find the
// jwks_uri, then behaves like NewFromJWKS. The "iss" claim must equal the
// issuer advertised by the discovery document.
func NewFromDiscovery(ctx context.Context, cfg *Config) (*verifier, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		Issuer  string `json:"issuer"`
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}
	if meta.Issuer != "" {
		cfg.Issuer = meta.Issuer
	}
	return NewFromJWKS(ctx, meta.JwksURI, cfg)
}
