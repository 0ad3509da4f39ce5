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

// Package defaults contains default constants set in various parts of
// the reach codebase.
package defaults

import "time"

const (
	// HTTPListenPort is the port the API server binds to when the
	// configuration does not name one.
	HTTPListenPort = 3001

	// BindIP is the default listen address.
	BindIP = "0.0.0.0"

	// SessionIdleTTL is how long an unused browser session lives before
	// the reaper terminates it, counted from creation or last touch,
	// whichever is later.
	SessionIdleTTL = 4 * time.Hour

	// SessionWarmupTimeout bounds the retry window for operations
	// against a session that is still starting.
	SessionWarmupTimeout = 30 * time.Second

	// SessionWarmupStep is the retry step while waiting out the warmup
	// window.
	SessionWarmupStep = 2 * time.Second

	// SessionReapInterval is the cadence of the session reaper scan.
	SessionReapInterval = time.Minute

	// ExtensionRequestTimeout is the default per-request budget for
	// extension bridge sends when the caller does not pass one.
	ExtensionRequestTimeout = 10 * time.Second

	// ExtensionPingInterval is how often the bridge pings a connected
	// extension to keep the socket alive.
	ExtensionPingInterval = 30 * time.Second

	// ExtensionPongTimeout is how long after a ping the bridge waits
	// for any read before considering the connection dead.
	ExtensionPongTimeout = 70 * time.Second

	// SchedulerTick is the clock resolution for one-shot timer
	// evaluation.
	SchedulerTick = time.Minute

	// SubscriberBuffer is the per-subscriber queue depth for event
	// fan-out; subscribers that fall further behind are dropped.
	SubscriberBuffer = 64

	// ActivityHistoryLimit caps a history read when the caller does
	// not pass a limit.
	ActivityHistoryLimit = 50

	// HTTPDialTimeout is the TCP dial timeout for outbound clients.
	HTTPDialTimeout = 30 * time.Second

	// HTTPResponseHeaderTimeout fails outbound requests fast when an
	// upstream accepts the connection but never answers.
	HTTPResponseHeaderTimeout = 30 * time.Second

	// HTTPIdleTimeout is a default timeout for idle HTTP connections.
	HTTPIdleTimeout = 5 * time.Minute

	// HTTPReadHeaderTimeout bounds how long the API server waits for
	// request headers. Bodies stay unbounded; event streams are long.
	HTTPReadHeaderTimeout = 10 * time.Second

	// GracefulShutdownTimeout bounds draining on shutdown before
	// connections are cut forcefully.
	GracefulShutdownTimeout = 30 * time.Second

	// OIDCDiscoveryTTL is how long a cached OIDC discovery document is
	// trusted before it is refetched.
	OIDCDiscoveryTTL = 24 * time.Hour

	// OIDCKeySetTTL is how long a cached remote key set is trusted.
	// Rotated signing keys are picked up on the next refresh.
	OIDCKeySetTTL = 12 * time.Hour

	// WebsocketReadLimit caps a single inbound websocket frame.
	WebsocketReadLimit = 1 << 20
)

// MissedPolicy names the scheduler's behavior for fires that were due
// while the process was down.
const (
	// MissedPolicySkip drops fires missed during downtime; the row is
	// marked failed and never fired.
	MissedPolicySkip = "skip-missed"

	// MissedPolicyFireOnce fires each missed one-shot exactly once at
	// startup.
	MissedPolicyFireOnce = "fire-once"
)

// Storage backend names accepted by the configuration.
const (
	// BackendMemory keeps all state in process memory. Development and
	// tests only.
	BackendMemory = "memory"

	// BackendPostgres persists state in PostgreSQL.
	BackendPostgres = "postgres"

	// BackendRedis is accepted for the activity history store only.
	BackendRedis = "redis"
)

// Well-known workflow names the control plane invokes on its own.
const (
	// PostingWorkflow publishes a scheduled post's content.
	PostingWorkflow = "content_posting"

	// AgentWorkflow drives interactive growth-agent runs started
	// over the HTTP API.
	AgentWorkflow = "growth_agent"
)
