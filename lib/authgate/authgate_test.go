/*
 * Reach
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package authgate

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"github.com/zitadel/oidc/v3/pkg/oidc"

	"github.com/gravitational/reach/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	m.Run()
}

// fakeIssuer is a minimal OIDC provider: a discovery document and a
// JWKS endpoint backed by a fresh RSA key.
type fakeIssuer struct {
	srv           *httptest.Server
	key           *rsa.PrivateKey
	keyID         string
	discoveryHits atomic.Int32
}

func newFakeIssuer(t *testing.T) *fakeIssuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	issuer := &fakeIssuer{key: key, keyID: "test-key"}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		issuer.discoveryHits.Add(1)
		json.NewEncoder(w).Encode(map[string]string{
			"issuer":   issuer.srv.URL,
			"jwks_uri": issuer.srv.URL + "/keys",
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": issuer.keyID,
				"use": "sig",
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		})
	})
	issuer.srv = httptest.NewServer(mux)
	t.Cleanup(issuer.srv.Close)
	return issuer
}

func (f *fakeIssuer) mint(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = f.keyID
	signed, err := token.SignedString(f.key)
	require.NoError(t, err)
	return signed
}

func (f *fakeIssuer) claims(sub, audience string, expiry time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"iss": f.srv.URL,
		"aud": audience,
		"sub": sub,
		"exp": expiry.Unix(),
		"iat": time.Now().Add(-time.Minute).Unix(),
	}
}

func TestValidateToken(t *testing.T) {
	issuer := newFakeIssuer(t)
	ctx := context.Background()

	validator, err := NewValidator(ValidatorConfig{
		Issuer:   issuer.srv.URL,
		Audience: "reach",
	})
	require.NoError(t, err)

	t.Run("valid token", func(t *testing.T) {
		token := issuer.mint(t, issuer.claims("alice", "reach", time.Now().Add(time.Hour)))
		identity, err := validator.ValidateToken(ctx, token)
		require.NoError(t, err)
		require.Equal(t, "alice", identity.UserID)
		require.WithinDuration(t, time.Now().Add(time.Hour), identity.Expiry, time.Minute)
	})

	t.Run("expired token", func(t *testing.T) {
		token := issuer.mint(t, issuer.claims("alice", "reach", time.Now().Add(-time.Hour)))
		_, err := validator.ValidateToken(ctx, token)
		require.Error(t, err)
	})

	t.Run("wrong audience", func(t *testing.T) {
		token := issuer.mint(t, issuer.claims("alice", "someone-else", time.Now().Add(time.Hour)))
		_, err := validator.ValidateToken(ctx, token)
		require.Error(t, err)
	})

	t.Run("foreign signing key", func(t *testing.T) {
		other := newFakeIssuer(t)
		claims := issuer.claims("alice", "reach", time.Now().Add(time.Hour))
		token := other.mint(t, claims)
		_, err := validator.ValidateToken(ctx, token)
		require.Error(t, err)
	})

	t.Run("garbage token", func(t *testing.T) {
		_, err := validator.ValidateToken(ctx, "not.a.token")
		require.Error(t, err)
	})

	t.Run("empty token", func(t *testing.T) {
		_, err := validator.ValidateToken(ctx, "")
		require.True(t, trace.IsAccessDenied(err))
	})
}

func TestDiscoveryCaching(t *testing.T) {
	issuer := newFakeIssuer(t)
	ctx := context.Background()
	clock := clockwork.NewFakeClock()

	validator, err := NewValidator(ValidatorConfig{
		Issuer:       issuer.srv.URL,
		Audience:     "reach",
		DiscoveryTTL: time.Hour,
		KeySetTTL:    12 * time.Hour,
		Clock:        clock,
	})
	require.NoError(t, err)

	token := issuer.mint(t, issuer.claims("alice", "reach", time.Now().Add(24*time.Hour)))

	for i := 0; i < 3; i++ {
		_, err = validator.ValidateToken(ctx, token)
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), issuer.discoveryHits.Load())

	// Past the TTL the next validation refetches the metadata.
	clock.Advance(time.Hour + time.Minute)
	_, err = validator.ValidateToken(ctx, token)
	require.NoError(t, err)
	require.Equal(t, int32(2), issuer.discoveryHits.Load())
}

func TestValidateTokenNoSubject(t *testing.T) {
	issuer := newFakeIssuer(t)

	validator, err := NewValidator(ValidatorConfig{
		Issuer:   issuer.srv.URL,
		Audience: "reach",
	})
	require.NoError(t, err)
	validator.verifierFn = func(ctx context.Context, issuer, clientID string, keySet oidc.KeySet, token string) (*oidc.IDTokenClaims, error) {
		return &oidc.IDTokenClaims{}, nil
	}

	_, err = validator.ValidateToken(context.Background(), "whatever")
	require.True(t, trace.IsAccessDenied(err))
}

func TestAuthorize(t *testing.T) {
	require.NoError(t, Authorize(&Identity{UserID: "alice"}, "alice"))

	err := Authorize(&Identity{UserID: "alice"}, "bob")
	require.True(t, trace.IsAccessDenied(err))

	err = Authorize(nil, "alice")
	require.True(t, trace.IsAccessDenied(err))

	err = Authorize(&Identity{}, "alice")
	require.True(t, trace.IsAccessDenied(err))

	err = Authorize(&Identity{UserID: "alice"}, "")
	require.True(t, trace.IsBadParameter(err))
}
