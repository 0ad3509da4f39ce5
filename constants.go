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

// Package reach holds constants shared across the whole codebase.
package reach

import "strings"

// Version is the semantic version of the reach daemon and tooling.
const Version = "0.3.0"

const (
	// ComponentKey is the logging attribute under which the emitting
	// component is recorded.
	ComponentKey = "component"

	// ComponentWeb is the HTTP API server.
	ComponentWeb = "web"

	// ComponentAuth is the identity gate validating bearer tokens.
	ComponentAuth = "auth"

	// ComponentSession is the browser session manager.
	ComponentSession = "session"

	// ComponentBridge is the extension bridge routing correlated
	// requests to in-browser agents.
	ComponentBridge = "bridge"

	// ComponentAgent is the agent run controller.
	ComponentAgent = "agent"

	// ComponentScheduler is the scheduled execution engine.
	ComponentScheduler = "scheduler"

	// ComponentActivity is the activity event bus.
	ComponentActivity = "activity"

	// ComponentStorage is the persistence layer.
	ComponentStorage = "storage"

	// ComponentCredentials is the sealed credential store.
	ComponentCredentials = "credstore"

	// ComponentBrowser is the browser runtime allocator client.
	ComponentBrowser = "browser"

	// ComponentWorkflow is the workflow runtime client.
	ComponentWorkflow = "workflow"

	// ComponentReachd is the daemon entry point.
	ComponentReachd = "reachd"
)

// Component generates a colon-joined component name for logging, so
// subcomponents read as "web:ws" or "scheduler:cron".
func Component(parts ...string) string {
	return strings.Join(parts, ":")
}

const (
	// DebugOutputEnvVar tells tests to use verbose debug output.
	DebugOutputEnvVar = "REACH_DEBUG_TESTS"

	// ConfigFileEnvVar points the daemon at its YAML configuration file.
	ConfigFileEnvVar = "REACH_CONFIG_FILE"
)
