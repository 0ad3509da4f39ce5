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

// Package authgate validates bearer tokens against the platform's OIDC
// issuer and decides which per-user resources a caller may touch. Every
// user-scoped route goes through Authorize; a valid token for one user
// never grants access to another user's sessions, credentials or runs.
package authgate

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/zitadel/oidc/v3/pkg/client"
	"github.com/zitadel/oidc/v3/pkg/client/rp"
	"github.com/zitadel/oidc/v3/pkg/oidc"

	"github.com/gravitational/reach"
	"github.com/gravitational/reach/lib/defaults"
	logutils "github.com/gravitational/reach/lib/utils/log"
)

// providerTimeout is the maximum time allowed to fetch provider
// metadata before giving up.
const providerTimeout = 15 * time.Second

// Identity describes an authenticated caller.
type Identity struct {
	// UserID is the stable subject of the caller's token.
	UserID string
	// Expiry is when the caller's token stops being valid.
	Expiry time.Time
}

// Authorize checks that an authenticated caller may act on the given
// user's resources. Callers act only for themselves.
func Authorize(identity *Identity, userID string) error {
	if identity == nil || identity.UserID == "" {
		return trace.AccessDenied("missing caller identity")
	}
	if userID == "" {
		return trace.BadParameter("missing user id")
	}
	if identity.UserID != userID {
		return trace.AccessDenied("user %q may not access resources of another user", identity.UserID)
	}
	return nil
}

// ValidatorConfig holds parameters for the token validator.
type ValidatorConfig struct {
	// Issuer is the OIDC issuer URL tokens must originate from.
	Issuer string
	// Audience is the client ID tokens must be minted for.
	Audience string
	// DiscoveryTTL bounds how long the provider metadata is cached.
	DiscoveryTTL time.Duration
	// KeySetTTL bounds how long a remote key set is kept before being
	// rebuilt, regardless of use.
	KeySetTTL time.Duration
	// Client is the HTTP client used to reach the issuer.
	Client *http.Client
	// Clock overrides time in tests.
	Clock clockwork.Clock
	// Log is the validator logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ValidatorConfig) CheckAndSetDefaults() error {
	if c.Issuer == "" {
		return trace.BadParameter("missing issuer")
	}
	if c.Audience == "" {
		return trace.BadParameter("missing audience")
	}
	if c.DiscoveryTTL <= 0 {
		c.DiscoveryTTL = defaults.OIDCDiscoveryTTL
	}
	if c.KeySetTTL <= 0 {
		c.KeySetTTL = defaults.OIDCKeySetTTL
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: providerTimeout}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logutils.NewPackageLogger(reach.ComponentKey, reach.ComponentAuth)
	}
	return nil
}

// Validator verifies bearer tokens against a single OIDC issuer. It
// separately caches the discovery config and the remote key set so each
// stays reasonably fresh without a metadata fetch per request.
type Validator struct {
	issuer       string
	audience     string
	discoveryTTL time.Duration
	keySetTTL    time.Duration
	client       *http.Client
	clock        clockwork.Clock
	log          *slog.Logger

	mu                     sync.Mutex
	discoveryConfig        *oidc.DiscoveryConfiguration
	discoveryConfigExpires time.Time
	lastJWKSURI            string
	keySet                 oidc.KeySet
	keySetExpires          time.Time

	// verifierFn performs the actual token verification. The oidc
	// library offers no way to override its clock, so tests swap this.
	verifierFn func(
		ctx context.Context,
		issuer, clientID string,
		keySet oidc.KeySet,
		token string,
	) (*oidc.IDTokenClaims, error)
}

// NewValidator creates a token validator for the configured issuer and
// audience.
func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Validator{
		issuer:       cfg.Issuer,
		audience:     cfg.Audience,
		discoveryTTL: cfg.DiscoveryTTL,
		keySetTTL:    cfg.KeySetTTL,
		client:       cfg.Client,
		clock:        cfg.Clock,
		log:          cfg.Log.With("issuer", cfg.Issuer),
		verifierFn:   verifyToken,
	}, nil
}

func (v *Validator) getKeySet(ctx context.Context) (oidc.KeySet, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.clock.Now()

	if !v.discoveryConfigExpires.IsZero() && now.After(v.discoveryConfigExpires) {
		v.discoveryConfig = nil
		v.discoveryConfigExpires = time.Time{}
		v.log.DebugContext(ctx, "Invalidating expired discovery config")
	}

	if v.discoveryConfig == nil {
		v.log.DebugContext(ctx, "Fetching new discovery config")

		// The only blocking call inside the mutex.
		dc, err := client.Discover(ctx, v.issuer, v.client)
		if err != nil {
			return nil, trace.Wrap(err)
		}

		v.discoveryConfig = dc
		v.discoveryConfigExpires = now.Add(v.discoveryTTL)

		if v.lastJWKSURI != "" && v.lastJWKSURI != dc.JwksURI {
			// The JWKS URI moved, expire the keyset now.
			v.keySet = nil
			v.keySetExpires = time.Time{}
		}
		v.lastJWKSURI = dc.JwksURI
	}

	if !v.keySetExpires.IsZero() && now.After(v.keySetExpires) {
		v.keySet = nil
		v.keySetExpires = time.Time{}
		v.log.DebugContext(ctx, "Invalidating expired KeySet")
	}

	if v.keySet == nil {
		v.log.DebugContext(ctx, "Creating new remote KeySet")
		v.keySet = rp.NewRemoteKeySet(v.client, v.discoveryConfig.JwksURI)
		v.keySetExpires = now.Add(v.keySetTTL)
	}

	return v.keySet, nil
}

func verifyToken(
	ctx context.Context,
	issuer, clientID string,
	keySet oidc.KeySet,
	token string,
) (*oidc.IDTokenClaims, error) {
	verifier := rp.NewIDTokenVerifier(issuer, clientID, keySet)

	// VerifyIDToken may mutate the KeySet on an unknown kid. The keyset
	// manages a mutex of its own, so this needs no extra locking.
	claims, err := rp.VerifyIDToken[*oidc.IDTokenClaims](ctx, token, verifier)
	if err != nil {
		return nil, trace.Wrap(err, "verifying token")
	}
	return claims, nil
}

// ValidateToken verifies a compact encoded token, potentially using
// cached discovery and JWKS values, and returns the caller's identity.
func (v *Validator) ValidateToken(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, trace.AccessDenied("missing bearer token")
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, providerTimeout)
	defer cancel()

	ks, err := v.getKeySet(timeoutCtx)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	claims, err := v.verifierFn(ctx, v.issuer, v.audience, ks, token)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if claims.Subject == "" {
		return nil, trace.AccessDenied("token has no subject")
	}

	return &Identity{
		UserID: claims.Subject,
		Expiry: claims.GetExpiration(),
	}, nil
}
