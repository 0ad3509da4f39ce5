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

// Package log provides slog helpers shared by all reach components.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/gravitational/trace"
)

// TraceLevel is the logging level when set to Trace verbosity, more
// verbose than slog's built-in Debug.
const TraceLevel = slog.Level(-8)

// TraceLevelText is the text representation of Trace verbosity.
const TraceLevelText = "TRACE"

// SupportedLevelsText lists the supported log levels in their text
// representation. All strings are in uppercase.
var SupportedLevelsText = []string{
	TraceLevelText,
	slog.LevelDebug.String(),
	slog.LevelInfo.String(),
	slog.LevelWarn.String(),
	slog.LevelError.String(),
}

// NewPackageLogger creates a logger for a package with the supplied
// key value pairs applied to all messages, typically the component
// name the package logs under.
func NewPackageLogger(args ...any) *slog.Logger {
	return slog.Default().With(args...)
}

// Config configures the process-wide default logger.
type Config struct {
	// Output is where log lines are written. Defaults to stderr.
	Output io.Writer
	// Severity is the minimum level emitted, one of
	// SupportedLevelsText. Defaults to INFO.
	Severity string
	// Format is either "text" or "json". Defaults to "text".
	Format string
}

// Initialize builds a handler from cfg and installs it as the slog
// default. It returns the leveler so callers can adjust verbosity at
// runtime.
func Initialize(cfg Config) (*slog.LevelVar, error) {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	level := new(slog.LevelVar)
	if cfg.Severity != "" {
		parsed, err := ParseLevel(cfg.Severity)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		level.Set(parsed)
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		handler = slog.NewTextHandler(cfg.Output, opts)
	case "json":
		handler = slog.NewJSONHandler(cfg.Output, opts)
	default:
		return nil, trace.BadParameter("unknown log format %q", cfg.Format)
	}
	slog.SetDefault(slog.New(handler))
	return level, nil
}

// ParseLevel converts a level's text representation into a slog.Level.
func ParseLevel(text string) (slog.Level, error) {
	switch strings.ToUpper(text) {
	case TraceLevelText:
		return TraceLevel, nil
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	}
	return slog.LevelInfo, trace.BadParameter("unknown log level %q", text)
}

// DiscardLogger returns a logger that drops every record, used by
// tests and as the fallback when a component config carries no logger.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
