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

package types

import (
	"time"

	"github.com/gravitational/trace"
)

// Common activity actions. The set is open; workflows may emit actions
// not listed here.
const (
	ActivityPost      = "post"
	ActivityComment   = "comment"
	ActivityLike      = "like"
	ActivityUnlike    = "unlike"
	ActivityWebSearch = "web_search"
)

// Activity outcome states.
const (
	ActivitySuccess = "success"
	ActivityFailed  = "failed"
)

// ActivityEvent records that a user-visible side effect completed or
// failed. Events are immutable once emitted.
type ActivityEvent struct {
	// UserID is the user the activity belongs to.
	UserID string `json:"user_id"`
	// Action names the side effect, e.g. "post" or "like".
	Action string `json:"action"`
	// Status is "success" or "failed".
	Status string `json:"status"`
	// Target optionally identifies the object acted on.
	Target string `json:"target,omitempty"`
	// Details carries free-form key/value context.
	Details map[string]string `json:"details,omitempty"`
	// Timestamp orders the event within the user's history.
	Timestamp time.Time `json:"timestamp"`
}

// Check validates the event before it is published.
func (e *ActivityEvent) Check() error {
	if e.UserID == "" {
		return trace.BadParameter("activity event: missing user id")
	}
	if e.Action == "" {
		return trace.BadParameter("activity event: missing action")
	}
	switch e.Status {
	case ActivitySuccess, ActivityFailed:
	default:
		return trace.BadParameter("activity event: unknown status %q", e.Status)
	}
	return nil
}
