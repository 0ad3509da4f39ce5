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

// Package types defines the entities shared between the control plane
// components and the storage layer. Every entity is keyed by the
// owning user; nothing here is ever shared across users.
package types

import (
	"time"

	"github.com/gravitational/trace"
)

// SessionStatus is the lifecycle state of a browser session.
type SessionStatus string

const (
	// SessionStarting means the runtime instance was allocated but is
	// not yet usable; operations against it retry within the warmup
	// window.
	SessionStarting SessionStatus = "starting"
	// SessionRunning means the instance is serving.
	SessionRunning SessionStatus = "running"
	// SessionStopped is terminal; stopped sessions are never reused.
	SessionStopped SessionStatus = "stopped"
)

// IsLive reports whether a session in this status counts against the
// one-live-session-per-user rule.
func (s SessionStatus) IsLive() bool {
	return s == SessionStarting || s == SessionRunning
}

// Session is an isolated browser runtime instance allocated for one
// user.
type Session struct {
	// ID is the opaque session identifier.
	ID string `json:"session_id"`
	// UserID is the owner. A user has at most one live session.
	UserID string `json:"user_id"`
	// Endpoint is the externally reachable URL of the instance, used
	// by the automation runtime and for the live view.
	Endpoint string `json:"endpoint"`
	// Status is the lifecycle state.
	Status SessionStatus `json:"status"`
	// JobHandle is the runtime allocator's identifier for the spawned
	// instance.
	JobHandle string `json:"job_handle"`
	// CreatedAt is the allocation time.
	CreatedAt time.Time `json:"created_at"`
	// LastActive is the creation time or the last touch, whichever is
	// later. The reaper cuts off at LastActive + IdleTTL.
	LastActive time.Time `json:"last_active"`
}

// CookieRecord is a single browser cookie captured by the extension.
type CookieRecord struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Domain   string `json:"domain"`
	Path     string `json:"path"`
	Secure   bool   `json:"secure"`
	HTTPOnly bool   `json:"http_only"`
	SameSite string `json:"same_site,omitempty"`
	// ExpiresAt is absent for session cookies.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// CookieSet is a user's captured browser cookies. The control plane
// treats the set as opaque; interpretation happens at injection time.
type CookieSet struct {
	Cookies []CookieRecord `json:"cookies"`
}

// Check validates the cookie set.
func (c *CookieSet) Check() error {
	if len(c.Cookies) == 0 {
		return trace.BadParameter("cookie set is empty")
	}
	for i, ck := range c.Cookies {
		if ck.Name == "" {
			return trace.BadParameter("cookie %d: missing name", i)
		}
		if ck.Domain == "" {
			return trace.BadParameter("cookie %q: missing domain", ck.Name)
		}
	}
	return nil
}
