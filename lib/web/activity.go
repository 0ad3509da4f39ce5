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

package web

import (
	"net/http"
	"strconv"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/gravitational/reach/lib/authgate"
)

// activityHistory returns the caller's persisted activity, newest
// first. The optional limit query parameter caps the page size.
func (h *Handler) activityHistory(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *authgate.Identity) (interface{}, error) {
	limit, err := parseLimit(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	events, err := h.cfg.Bus.History(r.Context(), identity.UserID, limit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return events, nil
}

// parseLimit reads the optional limit query parameter. Zero means the
// store's default page size.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, trace.BadParameter("invalid limit %q", raw)
	}
	return limit, nil
}
