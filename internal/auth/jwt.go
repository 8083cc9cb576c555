package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Operator is the authenticated caller of the control API.
type Operator struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// VerifierOptions narrows which tokens are accepted. Empty fields are not
// checked.
type VerifierOptions struct {
	Issuer          string
	Audience        string
	RefreshInterval time.Duration
}

// JWTVerifier checks operator bearer tokens against a JWKS endpoint. Keys
// are cached and refreshed in the background, so verification does no
// network I/O on the hot path.
type JWTVerifier struct {
	jwksURL string
	cache   *jwk.Cache
	keySet  jwk.Set
	opts    VerifierOptions
}

// NewJWTVerifier registers jwksURL with a refreshing cache and warms it.
// The cache stops refreshing when ctx is done.
func NewJWTVerifier(ctx context.Context, jwksURL string, opts VerifierOptions) (*JWTVerifier, error) {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 5 * time.Minute
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(opts.RefreshInterval)); err != nil {
		return nil, fmt.Errorf("register JWKS URL: %w", err)
	}

	warmCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cache.Refresh(warmCtx, jwksURL); err != nil {
		return nil, fmt.Errorf("initial JWKS fetch: %w", err)
	}

	return &JWTVerifier{
		jwksURL: jwksURL,
		cache:   cache,
		keySet:  jwk.NewCachedSet(cache, jwksURL),
		opts:    opts,
	}, nil
}

// OperatorFromRequest validates the bearer token of r and returns its
// subject.
func (v *JWTVerifier) OperatorFromRequest(r *http.Request) (*Operator, error) {
	parseOpts := []jwt.ParseOption{
		jwt.WithKeySet(v.keySet),
		jwt.WithValidate(true),
	}
	if v.opts.Issuer != "" {
		parseOpts = append(parseOpts, jwt.WithIssuer(v.opts.Issuer))
	}
	if v.opts.Audience != "" {
		parseOpts = append(parseOpts, jwt.WithAudience(v.opts.Audience))
	}

	token, err := jwt.ParseRequest(r, parseOpts...)
	if err != nil {
		return nil, fmt.Errorf("parse JWT: %w", err)
	}

	if token.Subject() == "" {
		return nil, errors.New("token missing subject")
	}

	op := &Operator{ID: token.Subject()}
	if v, ok := token.Get("email"); ok {
		op.Email, _ = v.(string)
	}
	if v, ok := token.Get("name"); ok {
		op.Name, _ = v.(string)
	}
	return op, nil
}
