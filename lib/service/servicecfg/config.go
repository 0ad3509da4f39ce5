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

// Package servicecfg holds the full runtime configuration of a reachd
// process. lib/config builds it from YAML, environment and flags;
// lib/service consumes it.
package servicecfg

import (
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/reach"
	"github.com/gravitational/reach/lib/defaults"
	"github.com/gravitational/reach/lib/secret"
	logutils "github.com/gravitational/reach/lib/utils/log"
)

// Config is the complete runtime configuration of a reachd process.
type Config struct {
	// ListenAddr is the host:port the API server binds.
	ListenAddr string

	// Debug turns on debug logging regardless of Severity.
	Debug bool

	// Severity is the minimum log level in its text form, one of
	// logutils.SupportedLevelsText. Empty means INFO.
	Severity string

	// Auth configures bearer token validation.
	Auth AuthConfig

	// Session configures browser session lifecycle.
	Session SessionConfig

	// Extension configures the websocket extension bridge.
	Extension ExtensionConfig

	// Scheduler configures the schedule engine.
	Scheduler SchedulerConfig

	// Credentials configures cookie encryption at rest.
	Credentials CredentialsConfig

	// Storage configures the durable backend.
	Storage StorageConfig

	// Activity configures where activity history lives.
	Activity ActivityConfig

	// BrowserRuntime points at the browser allocation service.
	BrowserRuntime BrowserRuntimeConfig

	// WorkflowRuntime points at the workflow graph runtime.
	WorkflowRuntime WorkflowRuntimeConfig

	// Clock is the process time source.
	Clock clockwork.Clock

	// Log is the process root logger.
	Log *slog.Logger
}

// AuthConfig configures the identity gate.
type AuthConfig struct {
	// IssuerURL is the OIDC issuer whose tokens are accepted.
	IssuerURL string
	// Audience is the audience claim expected on tokens.
	Audience string
}

// SessionConfig configures browser session lifecycle.
type SessionConfig struct {
	// IdleTTL is how long a session survives without activity.
	IdleTTL time.Duration
	// WarmupTimeout bounds cookie injection retries on a fresh
	// session.
	WarmupTimeout time.Duration
	// WarmupStep is the spacing between injection attempts.
	WarmupStep time.Duration
	// ReapInterval is how often idle sessions are collected.
	ReapInterval time.Duration
}

// ExtensionConfig configures the extension bridge.
type ExtensionConfig struct {
	// RequestTimeout bounds a correlated extension request.
	RequestTimeout time.Duration
	// PingInterval is the keepalive ping spacing.
	PingInterval time.Duration
	// PongTimeout is how long a connection may go silent.
	PongTimeout time.Duration
}

// SchedulerConfig configures the schedule engine.
type SchedulerConfig struct {
	// Tick is the due-post scan interval.
	Tick time.Duration
	// MissedPolicy is skip-missed or fire-once.
	MissedPolicy string
}

// CredentialsConfig configures cookie encryption.
type CredentialsConfig struct {
	// EncryptionKey seals cookie sets at rest.
	EncryptionKey secret.Key
}

// StorageConfig configures the durable backend.
type StorageConfig struct {
	// Backend is memory or postgres.
	Backend string
	// ConnString is the postgres connection string.
	ConnString string
}

// ActivityConfig configures activity history placement.
type ActivityConfig struct {
	// HistoryBackend is memory, postgres or redis. Empty follows
	// Storage.Backend.
	HistoryBackend string
	// RedisAddr is the redis host:port for the redis backend.
	RedisAddr string
	// HistoryLimit is the default history page size.
	HistoryLimit int
}

// BrowserRuntimeConfig points at the browser allocation service.
type BrowserRuntimeConfig struct {
	// Addr is the base URL of the service.
	Addr string
}

// WorkflowRuntimeConfig points at the workflow graph runtime.
type WorkflowRuntimeConfig struct {
	// Addr is the base URL of the runtime.
	Addr string
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.ListenAddr == "" {
		c.ListenAddr = net.JoinHostPort(defaults.BindIP, strconv.Itoa(defaults.HTTPListenPort))
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return trace.BadParameter("invalid listen_addr %q: %v", c.ListenAddr, err)
	}

	if c.Auth.IssuerURL == "" {
		return trace.BadParameter("auth.issuer_url is required")
	}
	if err := checkBaseURL("auth.issuer_url", c.Auth.IssuerURL); err != nil {
		return trace.Wrap(err)
	}
	if c.Auth.Audience == "" {
		return trace.BadParameter("auth.audience is required")
	}

	if c.Session.IdleTTL <= 0 {
		c.Session.IdleTTL = defaults.SessionIdleTTL
	}
	if c.Session.WarmupTimeout <= 0 {
		c.Session.WarmupTimeout = defaults.SessionWarmupTimeout
	}
	if c.Session.WarmupStep <= 0 {
		c.Session.WarmupStep = defaults.SessionWarmupStep
	}
	if c.Session.ReapInterval <= 0 {
		c.Session.ReapInterval = defaults.SessionReapInterval
	}

	if c.Extension.RequestTimeout <= 0 {
		c.Extension.RequestTimeout = defaults.ExtensionRequestTimeout
	}
	if c.Extension.PingInterval <= 0 {
		c.Extension.PingInterval = defaults.ExtensionPingInterval
	}
	if c.Extension.PongTimeout <= 0 {
		c.Extension.PongTimeout = defaults.ExtensionPongTimeout
	}

	if c.Scheduler.Tick <= 0 {
		c.Scheduler.Tick = defaults.SchedulerTick
	}
	switch c.Scheduler.MissedPolicy {
	case "":
		c.Scheduler.MissedPolicy = defaults.MissedPolicySkip
	case defaults.MissedPolicySkip, defaults.MissedPolicyFireOnce:
	default:
		return trace.BadParameter("unknown scheduler.missed_policy %q", c.Scheduler.MissedPolicy)
	}

	switch c.Storage.Backend {
	case "":
		c.Storage.Backend = defaults.BackendMemory
	case defaults.BackendMemory:
	case defaults.BackendPostgres:
		if c.Storage.ConnString == "" {
			return trace.BadParameter("storage.conn_string is required with the postgres backend")
		}
	default:
		return trace.BadParameter("unknown storage.backend %q", c.Storage.Backend)
	}

	switch c.Activity.HistoryBackend {
	case "":
		c.Activity.HistoryBackend = c.Storage.Backend
	case defaults.BackendRedis:
		if c.Activity.RedisAddr == "" {
			return trace.BadParameter("activity.redis_addr is required with the redis backend")
		}
	case c.Storage.Backend:
	default:
		return trace.BadParameter("activity.history_backend %q does not match storage.backend %q",
			c.Activity.HistoryBackend, c.Storage.Backend)
	}
	if c.Activity.HistoryLimit <= 0 {
		c.Activity.HistoryLimit = defaults.ActivityHistoryLimit
	}

	if len(c.Credentials.EncryptionKey) == 0 {
		// Sealed rows in a memory backend die with the process, so an
		// ephemeral key is sound there. Durable storage needs a stable
		// key or nothing written survives a restart.
		if c.Storage.Backend != defaults.BackendMemory {
			return trace.BadParameter("credentials.encryption_key is required with durable storage")
		}
		key, err := secret.NewKey()
		if err != nil {
			return trace.Wrap(err)
		}
		c.Credentials.EncryptionKey = key
	}
	if len(c.Credentials.EncryptionKey) != secret.KeyLength {
		return trace.BadParameter("credentials.encryption_key must be %d bytes", secret.KeyLength)
	}

	if err := checkBaseURL("browser_runtime.addr", c.BrowserRuntime.Addr); err != nil {
		return trace.Wrap(err)
	}
	if err := checkBaseURL("workflow_runtime.addr", c.WorkflowRuntime.Addr); err != nil {
		return trace.Wrap(err)
	}

	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logutils.NewPackageLogger(reach.ComponentKey, reach.ComponentReachd)
	}
	return nil
}

func checkBaseURL(name, value string) error {
	if value == "" {
		return trace.BadParameter("%s is required", name)
	}
	u, err := url.Parse(value)
	if err != nil {
		return trace.BadParameter("invalid %s %q: %v", name, value, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return trace.BadParameter("%s must be an http or https URL, got %q", name, value)
	}
	if u.Host == "" {
		return trace.BadParameter("%s is missing a host, got %q", name, value)
	}
	return nil
}
