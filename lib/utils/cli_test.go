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

package utils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitCLIParser(t *testing.T) {
	t.Parallel()

	app := InitCLIParser("testtool", "a tool under test")
	var debug bool
	app.Flag("debug", "").Short('d').BoolVar(&debug)
	start := app.Command("start", "").Default()
	app.Command("version", "")

	command, err := app.Parse([]string{"--debug"})
	require.NoError(t, err)
	require.Equal(t, start.FullCommand(), command)
	require.True(t, debug)

	command, err = app.Parse([]string{"version"})
	require.NoError(t, err)
	require.Equal(t, "version", command)

	_, err = app.Parse([]string{"--no-such-flag"})
	require.Error(t, err)
}
