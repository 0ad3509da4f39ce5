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

// Package redisactivity keeps per-user activity history in Redis
// streams. One stream per user preserves append order and XADD MAXLEN
// keeps retention bounded without a separate sweeper.
package redisactivity

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/redis/go-redis/v9"

	"github.com/gravitational/reach"
	"github.com/gravitational/reach/lib/types"
	logutils "github.com/gravitational/reach/lib/utils/log"
)

const (
	defaultKeyPrefix  = "reach:activity:"
	defaultMaxHistory = 1000
	eventField        = "event"
)

// Config holds parameters for the Redis activity store.
type Config struct {
	// Addr is the host:port of the Redis server.
	Addr string
	// Password is optional.
	Password string
	// DB selects the logical database.
	DB int
	// MaxHistory caps retained events per user.
	MaxHistory int64
	// KeyPrefix namespaces the per-user streams.
	KeyPrefix string
	// Log is the store logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Addr == "" {
		return trace.BadParameter("missing redis address")
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = defaultMaxHistory
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = defaultKeyPrefix
	}
	if c.Log == nil {
		c.Log = logutils.NewPackageLogger(reach.ComponentKey, reach.ComponentStorage)
	}
	return nil
}

// Store implements storage.ActivityStore on Redis streams.
type Store struct {
	client     *redis.Client
	maxHistory int64
	keyPrefix  string
	log        *slog.Logger
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, trace.ConnectionProblem(err, "pinging redis at %v", cfg.Addr)
	}
	return &Store{
		client:     client,
		maxHistory: cfg.MaxHistory,
		keyPrefix:  cfg.KeyPrefix,
		log:        cfg.Log,
	}, nil
}

// Close releases the Redis client.
func (s *Store) Close() error {
	return trace.Wrap(s.client.Close())
}

func (s *Store) key(userID string) string {
	return s.keyPrefix + userID
}

// AppendActivity appends an event to the user's stream, trimming to the
// retention cap.
func (s *Store) AppendActivity(ctx context.Context, event *types.ActivityEvent) error {
	if err := event.Check(); err != nil {
		return trace.Wrap(err)
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return trace.Wrap(err)
	}
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.key(event.UserID),
		MaxLen: s.maxHistory,
		Approx: true,
		Values: map[string]any{eventField: payload},
	}).Err()
	if err != nil {
		return trace.ConnectionProblem(err, "appending activity for user %q", event.UserID)
	}
	return nil
}

// ActivityHistory returns the user's events, most recent first.
func (s *Store) ActivityHistory(ctx context.Context, userID string, limit int) ([]types.ActivityEvent, error) {
	var msgs []redis.XMessage
	var err error
	if limit > 0 {
		msgs, err = s.client.XRevRangeN(ctx, s.key(userID), "+", "-", int64(limit)).Result()
	} else {
		msgs, err = s.client.XRevRange(ctx, s.key(userID), "+", "-").Result()
	}
	if err != nil {
		return nil, trace.ConnectionProblem(err, "reading activity for user %q", userID)
	}
	out := make([]types.ActivityEvent, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values[eventField].(string)
		if !ok {
			s.log.WarnContext(ctx, "skipping malformed activity entry", "stream_id", msg.ID, "user_id", userID)
			continue
		}
		var event types.ActivityEvent
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			s.log.WarnContext(ctx, "skipping undecodable activity entry", "stream_id", msg.ID, "user_id", userID, "error", err)
			continue
		}
		out = append(out, event)
	}
	return out, nil
}
