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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/gravitational/trace"

	"github.com/gravitational/reach"
	"github.com/gravitational/reach/lib/config"
	"github.com/gravitational/reach/lib/service"
	"github.com/gravitational/reach/lib/service/servicecfg"
	"github.com/gravitational/reach/lib/utils"
	logutils "github.com/gravitational/reach/lib/utils/log"
)

const appHelp = `Reach browser session control plane.

reachd keeps one warm browser session per platform user, relays
commands to the companion extension over websockets, drives growth
agent runs on the workflow runtime and fires posting schedules.

Configuration comes from a YAML file, the environment and the flags
below, in rising order of precedence.`

func main() {
	if err := run(os.Args[1:]); err != nil {
		utils.FatalError(err)
	}
}

func run(args []string) error {
	var clf config.CommandLineFlags

	app := utils.InitCLIParser("reachd", appHelp)
	app.Flag("config", "Path to a YAML configuration file.").
		Short('c').Envar(reach.ConfigFileEnvVar).StringVar(&clf.ConfigFile)
	app.Flag("listen", "API listen address as host:port.").
		StringVar(&clf.ListenAddr)
	app.Flag("debug", "Verbose logging to stderr.").
		Short('d').BoolVar(&clf.Debug)

	startCmd := app.Command("start", "Start the reach daemon.").Default()
	versionCmd := app.Command("version", "Print the reachd version.")

	command, err := app.Parse(args)
	if err != nil {
		app.Usage(args)
		return trace.Wrap(err)
	}

	switch command {
	case versionCmd.FullCommand():
		fmt.Printf("reachd v%s %s\n", reach.Version, runtime.Version())
		return nil
	case startCmd.FullCommand():
	}

	cfg := &servicecfg.Config{}
	if err := config.Configure(&clf, cfg); err != nil {
		return trace.Wrap(err)
	}

	severity := cfg.Severity
	if severity == "" {
		severity = slog.LevelInfo.String()
	}
	if cfg.Debug {
		severity = slog.LevelDebug.String()
	}
	if _, err := logutils.Initialize(logutils.Config{Severity: severity}); err != nil {
		return trace.Wrap(err)
	}

	return trace.Wrap(service.Run(context.Background(), cfg))
}
