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

// Package credstore keeps per-user platform cookies sealed at rest.
// Cookie values never touch storage or logs in plaintext; the only
// readers are session warmup and the store itself.
package credstore

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/gravitational/trace"

	"github.com/gravitational/reach"
	"github.com/gravitational/reach/lib/secret"
	"github.com/gravitational/reach/lib/storage"
	"github.com/gravitational/reach/lib/types"
	logutils "github.com/gravitational/reach/lib/utils/log"
)

// Config holds parameters for the credential store.
type Config struct {
	// SealKey encrypts cookie sets at rest.
	SealKey secret.Key
	// Backend persists the sealed envelopes.
	Backend storage.Credentials
	// Log is the store logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if len(c.SealKey) != secret.KeyLength {
		return trace.BadParameter("seal key must be %d bytes", secret.KeyLength)
	}
	if c.Backend == nil {
		return trace.BadParameter("missing storage backend")
	}
	if c.Log == nil {
		c.Log = logutils.NewPackageLogger(reach.ComponentKey, reach.ComponentCredentials)
	}
	return nil
}

// Store seals cookie sets and persists them keyed by user.
type Store struct {
	key     secret.Key
	backend storage.Credentials
	log     *slog.Logger
}

// NewStore creates a credential store.
func NewStore(cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Store{
		key:     cfg.SealKey,
		backend: cfg.Backend,
		log:     cfg.Log,
	}, nil
}

// Put validates, seals and stores the user's cookie set, replacing any
// previous set.
func (s *Store) Put(ctx context.Context, userID string, cookies types.CookieSet) error {
	if userID == "" {
		return trace.BadParameter("missing user id")
	}
	if err := cookies.Check(); err != nil {
		return trace.Wrap(err)
	}
	plaintext, err := json.Marshal(cookies)
	if err != nil {
		return trace.Wrap(err)
	}
	sealed, err := s.key.Seal(plaintext)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := s.backend.UpsertCredentials(ctx, userID, sealed); err != nil {
		return trace.Wrap(err)
	}
	s.log.InfoContext(ctx, "Stored credentials", "user_id", userID, "cookies", len(cookies.Cookies))
	return nil
}

// Get unseals and returns the user's cookie set. A missing set reports
// trace.NotFound; an envelope that fails authentication or decoding
// reports trace.BadParameter and needs a fresh Put to recover.
func (s *Store) Get(ctx context.Context, userID string) (*types.CookieSet, error) {
	if userID == "" {
		return nil, trace.BadParameter("missing user id")
	}
	sealed, err := s.backend.GetCredentials(ctx, userID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	plaintext, err := s.key.Open(sealed)
	if err != nil {
		s.log.WarnContext(ctx, "Stored credentials failed authentication", "user_id", userID, "error", err)
		return nil, trace.BadParameter("credentials for user %q are corrupt", userID)
	}
	var cookies types.CookieSet
	if err := json.Unmarshal(plaintext, &cookies); err != nil {
		s.log.WarnContext(ctx, "Stored credentials failed decoding", "user_id", userID, "error", err)
		return nil, trace.BadParameter("credentials for user %q are corrupt", userID)
	}
	return &cookies, nil
}

// Delete removes the user's stored credentials. Deleting credentials
// that do not exist is not an error.
func (s *Store) Delete(ctx context.Context, userID string) error {
	if userID == "" {
		return trace.BadParameter("missing user id")
	}
	if err := s.backend.DeleteCredentials(ctx, userID); err != nil {
		return trace.Wrap(err)
	}
	s.log.InfoContext(ctx, "Deleted credentials", "user_id", userID)
	return nil
}
