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

// Package config turns the reachd YAML config file, environment
// overrides and command line flags into a servicecfg.Config.
package config

import (
	"bytes"
	"errors"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/gravitational/reach"
	"github.com/gravitational/reach/lib/secret"
	"github.com/gravitational/reach/lib/service/servicecfg"
	logutils "github.com/gravitational/reach/lib/utils/log"
)

const (
	// listenAddrEnvVar overrides the API bind address.
	listenAddrEnvVar = "REACH_LISTEN_ADDR"
	// connStringEnvVar overrides the postgres connection string.
	connStringEnvVar = "REACH_STORAGE_CONN_STRING"
	// redisAddrEnvVar overrides the redis address.
	redisAddrEnvVar = "REACH_REDIS_ADDR"
	// encryptionKeyEnvVar overrides the cookie encryption key.
	encryptionKeyEnvVar = "REACH_ENCRYPTION_KEY"
	// debugEnvVar turns on debug logging.
	debugEnvVar = "REACH_DEBUG"
)

// FileConfig is the YAML layout of the reachd config file. Durations
// are strings in time.ParseDuration syntax.
type FileConfig struct {
	// ListenAddr is the host:port the API server binds.
	ListenAddr string `yaml:"listen_addr,omitempty"`
	// Debug turns on debug logging.
	Debug bool `yaml:"debug,omitempty"`
	// Severity is the minimum log level, case insensitive.
	Severity string `yaml:"severity,omitempty"`
	// Auth configures bearer token validation.
	Auth Auth `yaml:"auth"`
	// Session configures browser session lifecycle.
	Session Session `yaml:"session,omitempty"`
	// Extension configures the websocket extension bridge.
	Extension Extension `yaml:"extension,omitempty"`
	// Scheduler configures the schedule engine.
	Scheduler Scheduler `yaml:"scheduler,omitempty"`
	// Credentials configures cookie encryption.
	Credentials Credentials `yaml:"credentials,omitempty"`
	// Storage configures the durable backend.
	Storage Storage `yaml:"storage,omitempty"`
	// Activity configures activity history placement.
	Activity Activity `yaml:"activity,omitempty"`
	// BrowserRuntime points at the browser allocation service.
	BrowserRuntime Endpoint `yaml:"browser_runtime"`
	// WorkflowRuntime points at the workflow graph runtime.
	WorkflowRuntime Endpoint `yaml:"workflow_runtime"`
}

// Auth is the auth section of the config file.
type Auth struct {
	IssuerURL string `yaml:"issuer_url"`
	Audience  string `yaml:"audience"`
}

// Session is the session section of the config file.
type Session struct {
	IdleTTL       string `yaml:"idle_ttl,omitempty"`
	WarmupTimeout string `yaml:"warmup_timeout,omitempty"`
	WarmupStep    string `yaml:"warmup_step,omitempty"`
	ReapInterval  string `yaml:"reap_interval,omitempty"`
}

// Extension is the extension section of the config file.
type Extension struct {
	DefaultRequestTimeout string `yaml:"default_request_timeout,omitempty"`
	PingInterval          string `yaml:"ping_interval,omitempty"`
	PongTimeout           string `yaml:"pong_timeout,omitempty"`
}

// Scheduler is the scheduler section of the config file.
type Scheduler struct {
	Tick         string `yaml:"tick,omitempty"`
	MissedPolicy string `yaml:"missed_policy,omitempty"`
}

// Credentials is the credentials section of the config file.
type Credentials struct {
	// EncryptionKey is a base64 encoded 32 byte key.
	EncryptionKey string `yaml:"encryption_key,omitempty"`
}

// Storage is the storage section of the config file.
type Storage struct {
	Backend    string `yaml:"backend,omitempty"`
	ConnString string `yaml:"conn_string,omitempty"`
}

// Activity is the activity section of the config file.
type Activity struct {
	HistoryBackend string `yaml:"history_backend,omitempty"`
	RedisAddr      string `yaml:"redis_addr,omitempty"`
	HistoryLimit   int    `yaml:"history_limit,omitempty"`
}

// Endpoint names an external collaborator by base URL.
type Endpoint struct {
	Addr string `yaml:"addr"`
}

// ReadConfigFile loads the config file named by the --config flag or
// the REACH_CONFIG_FILE variable. No file configured means a nil
// FileConfig and no error.
func ReadConfigFile(cliConfigPath string) (*FileConfig, error) {
	path := cliConfigPath
	if path == "" {
		path = os.Getenv(reach.ConfigFileEnvVar)
	}
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, trace.NotFound("config file %q is not found", path)
		}
		return nil, trace.ConvertSystemError(err)
	}
	fc, err := ParseConfig(data)
	return fc, trace.Wrap(err)
}

// ParseConfig parses YAML into a FileConfig. Unknown keys are
// rejected so typos fail loudly.
func ParseConfig(data []byte) (*FileConfig, error) {
	var fc FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		if errors.Is(err, io.EOF) {
			return &fc, nil
		}
		return nil, trace.BadParameter("failed to parse config: %v", err)
	}
	return &fc, nil
}

// ApplyFileConfig merges the file values into cfg. Only set fields
// override.
func ApplyFileConfig(fc *FileConfig, cfg *servicecfg.Config) error {
	if fc == nil {
		return nil
	}
	if fc.ListenAddr != "" {
		cfg.ListenAddr = fc.ListenAddr
	}
	if fc.Debug {
		cfg.Debug = true
	}
	if fc.Severity != "" {
		severity := strings.ToUpper(fc.Severity)
		if !slices.Contains(logutils.SupportedLevelsText, severity) {
			return trace.BadParameter("invalid severity %q, supported values: %v",
				fc.Severity, strings.Join(logutils.SupportedLevelsText, ", "))
		}
		cfg.Severity = severity
	}
	if fc.Auth.IssuerURL != "" {
		cfg.Auth.IssuerURL = fc.Auth.IssuerURL
	}
	if fc.Auth.Audience != "" {
		cfg.Auth.Audience = fc.Auth.Audience
	}

	if err := setDuration(&cfg.Session.IdleTTL, "session.idle_ttl", fc.Session.IdleTTL); err != nil {
		return trace.Wrap(err)
	}
	if err := setDuration(&cfg.Session.WarmupTimeout, "session.warmup_timeout", fc.Session.WarmupTimeout); err != nil {
		return trace.Wrap(err)
	}
	if err := setDuration(&cfg.Session.WarmupStep, "session.warmup_step", fc.Session.WarmupStep); err != nil {
		return trace.Wrap(err)
	}
	if err := setDuration(&cfg.Session.ReapInterval, "session.reap_interval", fc.Session.ReapInterval); err != nil {
		return trace.Wrap(err)
	}
	if err := setDuration(&cfg.Extension.RequestTimeout, "extension.default_request_timeout", fc.Extension.DefaultRequestTimeout); err != nil {
		return trace.Wrap(err)
	}
	if err := setDuration(&cfg.Extension.PingInterval, "extension.ping_interval", fc.Extension.PingInterval); err != nil {
		return trace.Wrap(err)
	}
	if err := setDuration(&cfg.Extension.PongTimeout, "extension.pong_timeout", fc.Extension.PongTimeout); err != nil {
		return trace.Wrap(err)
	}
	if err := setDuration(&cfg.Scheduler.Tick, "scheduler.tick", fc.Scheduler.Tick); err != nil {
		return trace.Wrap(err)
	}
	if fc.Scheduler.MissedPolicy != "" {
		cfg.Scheduler.MissedPolicy = fc.Scheduler.MissedPolicy
	}

	if fc.Credentials.EncryptionKey != "" {
		key, err := secret.ParseKey([]byte(fc.Credentials.EncryptionKey))
		if err != nil {
			return trace.Wrap(err)
		}
		cfg.Credentials.EncryptionKey = key
	}

	if fc.Storage.Backend != "" {
		cfg.Storage.Backend = fc.Storage.Backend
	}
	if fc.Storage.ConnString != "" {
		cfg.Storage.ConnString = fc.Storage.ConnString
	}
	if fc.Activity.HistoryBackend != "" {
		cfg.Activity.HistoryBackend = fc.Activity.HistoryBackend
	}
	if fc.Activity.RedisAddr != "" {
		cfg.Activity.RedisAddr = fc.Activity.RedisAddr
	}
	if fc.Activity.HistoryLimit > 0 {
		cfg.Activity.HistoryLimit = fc.Activity.HistoryLimit
	}
	if fc.BrowserRuntime.Addr != "" {
		cfg.BrowserRuntime.Addr = fc.BrowserRuntime.Addr
	}
	if fc.WorkflowRuntime.Addr != "" {
		cfg.WorkflowRuntime.Addr = fc.WorkflowRuntime.Addr
	}
	return nil
}

func setDuration(dst *time.Duration, name, value string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return trace.BadParameter("invalid %s %q: %v", name, value, err)
	}
	if d <= 0 {
		return trace.BadParameter("%s must be positive, got %q", name, value)
	}
	*dst = d
	return nil
}

func applyEnv(cfg *servicecfg.Config) error {
	if v := os.Getenv(listenAddrEnvVar); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(connStringEnvVar); v != "" {
		cfg.Storage.ConnString = v
	}
	if v := os.Getenv(redisAddrEnvVar); v != "" {
		cfg.Activity.RedisAddr = v
	}
	if v := os.Getenv(encryptionKeyEnvVar); v != "" {
		key, err := secret.ParseKey([]byte(v))
		if err != nil {
			return trace.Wrap(err)
		}
		cfg.Credentials.EncryptionKey = key
	}
	if v := os.Getenv(debugEnvVar); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return trace.BadParameter("invalid %s value %q: %v", debugEnvVar, v, err)
		}
		cfg.Debug = debug
	}
	return nil
}

// CommandLineFlags are the reachd flags that override both the file
// and the environment.
type CommandLineFlags struct {
	// ConfigFile is the --config flag.
	ConfigFile string
	// ListenAddr is the --listen flag.
	ListenAddr string
	// Debug is the --debug flag.
	Debug bool
}

// Configure merges the config file, environment overrides and command
// line flags into cfg, lowest precedence first. Validation happens
// later in Config.CheckAndSetDefaults.
func Configure(clf *CommandLineFlags, cfg *servicecfg.Config) error {
	fc, err := ReadConfigFile(clf.ConfigFile)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := ApplyFileConfig(fc, cfg); err != nil {
		return trace.Wrap(err)
	}
	if err := applyEnv(cfg); err != nil {
		return trace.Wrap(err)
	}
	if clf.ListenAddr != "" {
		cfg.ListenAddr = clf.ListenAddr
	}
	if clf.Debug {
		cfg.Debug = true
	}
	return nil
}
