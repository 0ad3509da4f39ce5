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

// Package utils holds small helpers shared across reach packages.
package utils

import (
	"log/slog"
	"os"

	"github.com/gravitational/reach"
	logutils "github.com/gravitational/reach/lib/utils/log"
)

// InitLoggerForTests sets up the default logger for tests. Output is
// discarded unless the debug env toggle is set.
func InitLoggerForTests() {
	if os.Getenv(reach.DebugOutputEnvVar) != "" {
		logutils.Initialize(logutils.Config{
			Output:   os.Stderr,
			Severity: slog.LevelDebug.String(),
		})
		return
	}
	slog.SetDefault(logutils.DiscardLogger())
}
