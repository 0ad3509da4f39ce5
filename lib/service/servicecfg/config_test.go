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

package servicecfg

import (
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/reach/lib/defaults"
	"github.com/gravitational/reach/lib/secret"
)

func validConfig() *Config {
	return &Config{
		Auth: AuthConfig{
			IssuerURL: "https://auth.example.com",
			Audience:  "reach",
		},
		BrowserRuntime:  BrowserRuntimeConfig{Addr: "https://browsers.internal.example.com"},
		WorkflowRuntime: WorkflowRuntimeConfig{Addr: "http://langgraph.internal:2024"},
	}
}

func TestCheckAndSetDefaults(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	require.NoError(t, cfg.CheckAndSetDefaults())

	require.Equal(t, "0.0.0.0:3001", cfg.ListenAddr)
	require.Equal(t, defaults.SessionIdleTTL, cfg.Session.IdleTTL)
	require.Equal(t, defaults.SessionWarmupTimeout, cfg.Session.WarmupTimeout)
	require.Equal(t, defaults.ExtensionRequestTimeout, cfg.Extension.RequestTimeout)
	require.Equal(t, defaults.SchedulerTick, cfg.Scheduler.Tick)
	require.Equal(t, defaults.MissedPolicySkip, cfg.Scheduler.MissedPolicy)
	require.Equal(t, defaults.BackendMemory, cfg.Storage.Backend)
	require.Equal(t, defaults.BackendMemory, cfg.Activity.HistoryBackend)
	require.Equal(t, defaults.ActivityHistoryLimit, cfg.Activity.HistoryLimit)
	require.Len(t, cfg.Credentials.EncryptionKey, secret.KeyLength)
	require.NotNil(t, cfg.Clock)
	require.NotNil(t, cfg.Log)
}

func TestCheckAndSetDefaultsRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing issuer", func(c *Config) { c.Auth.IssuerURL = "" }},
		{"issuer not a URL", func(c *Config) { c.Auth.IssuerURL = "auth.example.com" }},
		{"missing audience", func(c *Config) { c.Auth.Audience = "" }},
		{"bad listen addr", func(c *Config) { c.ListenAddr = "3001" }},
		{"unknown storage backend", func(c *Config) { c.Storage.Backend = "etcd" }},
		{"postgres without conn string", func(c *Config) { c.Storage.Backend = defaults.BackendPostgres }},
		{"redis activity without addr", func(c *Config) { c.Activity.HistoryBackend = defaults.BackendRedis }},
		{"activity backend mismatch", func(c *Config) { c.Activity.HistoryBackend = defaults.BackendPostgres }},
		{"unknown missed policy", func(c *Config) { c.Scheduler.MissedPolicy = "catch-up" }},
		{"missing browser runtime", func(c *Config) { c.BrowserRuntime.Addr = "" }},
		{"browser runtime bad scheme", func(c *Config) { c.BrowserRuntime.Addr = "ftp://browsers" }},
		{"missing workflow runtime", func(c *Config) { c.WorkflowRuntime.Addr = "" }},
		{"short encryption key", func(c *Config) { c.Credentials.EncryptionKey = secret.Key("short") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.CheckAndSetDefaults()
			require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
		})
	}
}

func TestDurableStorageNeedsKey(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Storage.Backend = defaults.BackendPostgres
	cfg.Storage.ConnString = "postgres://reach@db.internal/reach"

	err := cfg.CheckAndSetDefaults()
	require.True(t, trace.IsBadParameter(err))
	require.ErrorContains(t, err, "encryption_key")

	key, err := secret.NewKey()
	require.NoError(t, err)
	cfg.Credentials.EncryptionKey = key
	require.NoError(t, cfg.CheckAndSetDefaults())
	require.Equal(t, defaults.BackendPostgres, cfg.Activity.HistoryBackend)
}
