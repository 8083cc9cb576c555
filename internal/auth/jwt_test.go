package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type signer struct {
	key jwk.Key
	url string
}

func newSigner(t *testing.T) *signer {
	t.Helper()
	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	key, err := jwk.FromRaw(raw)
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, "k1"))
	require.NoError(t, key.Set(jwk.AlgorithmKey, jwa.RS256))

	pub, err := jwk.PublicKeyOf(key)
	require.NoError(t, err)
	require.NoError(t, pub.Set(jwk.KeyIDKey, "k1"))
	require.NoError(t, pub.Set(jwk.AlgorithmKey, jwa.RS256))
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(srv.Close)
	return &signer{key: key, url: srv.URL}
}

func (s *signer) request(t *testing.T, build func(*jwt.Builder) *jwt.Builder) *http.Request {
	t.Helper()
	tok, err := build(jwt.NewBuilder()).Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, s.key))
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	r.Header.Set("Authorization", "Bearer "+string(signed))
	return r
}

func TestOperatorFromRequest(t *testing.T) {
	s := newSigner(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	v, err := NewJWTVerifier(ctx, s.url, VerifierOptions{Issuer: "https://id.example.com"})
	require.NoError(t, err)

	t.Run("valid", func(t *testing.T) {
		r := s.request(t, func(b *jwt.Builder) *jwt.Builder {
			return b.Subject("op-1").
				Issuer("https://id.example.com").
				Expiration(time.Now().Add(time.Hour)).
				Claim("email", "ops@example.com").
				Claim("name", "Ops")
		})
		op, err := v.OperatorFromRequest(r)
		require.NoError(t, err)
		assert.Equal(t, &Operator{ID: "op-1", Email: "ops@example.com", Name: "Ops"}, op)
	})

	t.Run("expired", func(t *testing.T) {
		r := s.request(t, func(b *jwt.Builder) *jwt.Builder {
			return b.Subject("op-1").Issuer("https://id.example.com").Expiration(time.Now().Add(-time.Hour))
		})
		_, err := v.OperatorFromRequest(r)
		assert.Error(t, err)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		r := s.request(t, func(b *jwt.Builder) *jwt.Builder {
			return b.Subject("op-1").Issuer("https://evil.example.com").Expiration(time.Now().Add(time.Hour))
		})
		_, err := v.OperatorFromRequest(r)
		assert.Error(t, err)
	})

	t.Run("no subject", func(t *testing.T) {
		r := s.request(t, func(b *jwt.Builder) *jwt.Builder {
			return b.Issuer("https://id.example.com").Expiration(time.Now().Add(time.Hour))
		})
		_, err := v.OperatorFromRequest(r)
		assert.ErrorContains(t, err, "subject")
	})

	t.Run("missing header", func(t *testing.T) {
		_, err := v.OperatorFromRequest(httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Error(t, err)
	})
}

func TestNewJWTVerifierFailsOnUnreachableJWKS(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	_, err := NewJWTVerifier(context.Background(), srv.URL, VerifierOptions{})
	assert.Error(t, err)
}
