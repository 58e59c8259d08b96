package auth

import (
	"context"
	"fmt"

	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jwt"

	"github.com/cuemby/paddock/pkg/errdefs"
)

// JWKSAuthenticator verifies JWT bearer tokens against a remote JWKS. The
// key set is fetched and cached by jwk.Cache, so key rotations upstream are
// picked up without a restart.
type JWKSAuthenticator struct {
	cache    *jwk.Cache
	jwksURL  string
	issuer   string
	audience string
}

// JWKSConfig configures token verification
type JWKSConfig struct {
	JWKSURL  string
	Issuer   string // optional; enforced when non-empty
	Audience string // optional; enforced when non-empty
}

// NewJWKSAuthenticator creates an authenticator that keeps the remote key
// set cached for the lifetime of ctx
func NewJWKSAuthenticator(ctx context.Context, cfg JWKSConfig) (*JWKSAuthenticator, error) {
	cache, err := jwk.NewCache(ctx, httprc.NewClient())
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}
	if err := cache.Register(ctx, cfg.JWKSURL); err != nil {
		return nil, fmt.Errorf("failed to register JWKS url: %w", err)
	}
	return &JWKSAuthenticator{
		cache:    cache,
		jwksURL:  cfg.JWKSURL,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
	}, nil
}

// Authenticate verifies the raw token and extracts the asserted identity
func (a *JWKSAuthenticator) Authenticate(ctx context.Context, bearerToken string) (*Identity, error) {
	if bearerToken == "" {
		return nil, fmt.Errorf("%w: missing bearer token", errdefs.ErrUnauthenticated)
	}

	keySet, err := a.cache.Lookup(ctx, a.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}

	opts := []jwt.ParseOption{
		jwt.WithKeySet(keySet),
		jwt.WithValidate(true),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}

	token, err := jwt.Parse([]byte(bearerToken), opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrUnauthenticated, err)
	}

	var email string
	if err := token.Get("email", &email); err != nil || email == "" {
		return nil, fmt.Errorf("%w: token carries no email claim", errdefs.ErrUnauthenticated)
	}

	var name string
	if err := token.Get("name", &name); err != nil || name == "" {
		name = email
	}

	return &Identity{Email: email, Name: name}, nil
}
