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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/reach/lib/defaults"
	"github.com/gravitational/reach/lib/secret"
	"github.com/gravitational/reach/lib/service/servicecfg"
)

const sampleConfig = `
listen_addr: 127.0.0.1:3005
debug: true
severity: warn
auth:
  issuer_url: https://auth.example.com
  audience: reach
session:
  idle_ttl: 2h
  warmup_timeout: 45s
  warmup_step: 3s
  reap_interval: 30s
extension:
  default_request_timeout: 15s
  ping_interval: 20s
  pong_timeout: 50s
scheduler:
  tick: 30s
  missed_policy: fire-once
storage:
  backend: postgres
  conn_string: postgres://reach@db.internal/reach
activity:
  history_backend: redis
  redis_addr: cache.internal:6379
  history_limit: 100
browser_runtime:
  addr: https://browsers.internal.example.com
workflow_runtime:
  addr: http://langgraph.internal:2024
`

func TestParseAndApplyFileConfig(t *testing.T) {
	t.Parallel()
	fc, err := ParseConfig([]byte(sampleConfig))
	require.NoError(t, err)

	var cfg servicecfg.Config
	require.NoError(t, ApplyFileConfig(fc, &cfg))

	require.Equal(t, "127.0.0.1:3005", cfg.ListenAddr)
	require.True(t, cfg.Debug)
	require.Equal(t, "WARN", cfg.Severity)
	require.Equal(t, "https://auth.example.com", cfg.Auth.IssuerURL)
	require.Equal(t, "reach", cfg.Auth.Audience)
	require.Equal(t, 2*time.Hour, cfg.Session.IdleTTL)
	require.Equal(t, 45*time.Second, cfg.Session.WarmupTimeout)
	require.Equal(t, 3*time.Second, cfg.Session.WarmupStep)
	require.Equal(t, 30*time.Second, cfg.Session.ReapInterval)
	require.Equal(t, 15*time.Second, cfg.Extension.RequestTimeout)
	require.Equal(t, 20*time.Second, cfg.Extension.PingInterval)
	require.Equal(t, 50*time.Second, cfg.Extension.PongTimeout)
	require.Equal(t, 30*time.Second, cfg.Scheduler.Tick)
	require.Equal(t, defaults.MissedPolicyFireOnce, cfg.Scheduler.MissedPolicy)
	require.Equal(t, defaults.BackendPostgres, cfg.Storage.Backend)
	require.Equal(t, "postgres://reach@db.internal/reach", cfg.Storage.ConnString)
	require.Equal(t, defaults.BackendRedis, cfg.Activity.HistoryBackend)
	require.Equal(t, "cache.internal:6379", cfg.Activity.RedisAddr)
	require.Equal(t, 100, cfg.Activity.HistoryLimit)
	require.Equal(t, "https://browsers.internal.example.com", cfg.BrowserRuntime.Addr)
	require.Equal(t, "http://langgraph.internal:2024", cfg.WorkflowRuntime.Addr)
}

func TestParseConfigRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	_, err := ParseConfig([]byte("listen_adr: 127.0.0.1:3005\n"))
	require.True(t, trace.IsBadParameter(err))
}

func TestParseConfigEmpty(t *testing.T) {
	t.Parallel()
	fc, err := ParseConfig(nil)
	require.NoError(t, err)
	require.NotNil(t, fc)
}

func TestApplyFileConfigBadValues(t *testing.T) {
	t.Parallel()
	var cfg servicecfg.Config

	err := ApplyFileConfig(&FileConfig{Session: Session{IdleTTL: "four hours"}}, &cfg)
	require.True(t, trace.IsBadParameter(err))

	err = ApplyFileConfig(&FileConfig{Session: Session{IdleTTL: "-1h"}}, &cfg)
	require.True(t, trace.IsBadParameter(err))

	err = ApplyFileConfig(&FileConfig{Credentials: Credentials{EncryptionKey: "not base64!"}}, &cfg)
	require.True(t, trace.IsBadParameter(err))

	err = ApplyFileConfig(&FileConfig{Severity: "loud"}, &cfg)
	require.True(t, trace.IsBadParameter(err))
}

func TestApplyFileConfigParsesKey(t *testing.T) {
	t.Parallel()
	key, err := secret.NewKey()
	require.NoError(t, err)

	var cfg servicecfg.Config
	err = ApplyFileConfig(&FileConfig{Credentials: Credentials{EncryptionKey: key.String()}}, &cfg)
	require.NoError(t, err)
	require.Equal(t, key, cfg.Credentials.EncryptionKey)
}

func TestReadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reach.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	fc, err := ReadConfigFile(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:3005", fc.ListenAddr)

	_, err = ReadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.True(t, trace.IsNotFound(err))

	// With no flag the path comes from the environment.
	t.Setenv("REACH_CONFIG_FILE", path)
	fc, err = ReadConfigFile("")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:3005", fc.ListenAddr)

	t.Setenv("REACH_CONFIG_FILE", "")
	fc, err = ReadConfigFile("")
	require.NoError(t, err)
	require.Nil(t, fc)
}

func TestConfigurePrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reach.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	key, err := secret.NewKey()
	require.NoError(t, err)
	t.Setenv("REACH_LISTEN_ADDR", "127.0.0.1:4000")
	t.Setenv("REACH_STORAGE_CONN_STRING", "postgres://override@db/reach")
	t.Setenv("REACH_ENCRYPTION_KEY", key.String())

	var cfg servicecfg.Config
	clf := CommandLineFlags{ConfigFile: path, ListenAddr: "127.0.0.1:5000"}
	require.NoError(t, Configure(&clf, &cfg))

	// Flags beat environment, environment beats the file.
	require.Equal(t, "127.0.0.1:5000", cfg.ListenAddr)
	require.Equal(t, "postgres://override@db/reach", cfg.Storage.ConnString)
	require.Equal(t, key, cfg.Credentials.EncryptionKey)
	require.Equal(t, "https://auth.example.com", cfg.Auth.IssuerURL)
}

func TestConfigureBadDebugEnv(t *testing.T) {
	t.Setenv("REACH_DEBUG", "sure")
	var cfg servicecfg.Config
	err := Configure(&CommandLineFlags{}, &cfg)
	require.True(t, trace.IsBadParameter(err))
}
