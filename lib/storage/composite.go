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

package storage

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/gravitational/reach/lib/types"
)

// ActivityStore is a standalone activity history store with its own
// lifecycle.
type ActivityStore interface {
	Activity
	Close() error
}

// SplitActivity returns a Backend that routes activity reads and writes
// to a dedicated store and everything else to base. Close closes both.
func SplitActivity(base Backend, activity ActivityStore) Backend {
	return &splitBackend{Backend: base, activity: activity}
}

type splitBackend struct {
	Backend
	activity ActivityStore
}

func (s *splitBackend) AppendActivity(ctx context.Context, event *types.ActivityEvent) error {
	return trace.Wrap(s.activity.AppendActivity(ctx, event))
}

func (s *splitBackend) ActivityHistory(ctx context.Context, userID string, limit int) ([]types.ActivityEvent, error) {
	events, err := s.activity.ActivityHistory(ctx, userID, limit)
	return events, trace.Wrap(err)
}

func (s *splitBackend) Close() error {
	return trace.NewAggregate(s.activity.Close(), s.Backend.Close())
}
