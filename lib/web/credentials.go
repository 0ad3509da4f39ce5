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

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/gravitational/reach/lib/authgate"
	"github.com/gravitational/reach/lib/httplib"
	"github.com/gravitational/reach/lib/types"
)

// putCredentials replaces the caller's stored platform cookies. The
// previous set, if any, is overwritten.
func (h *Handler) putCredentials(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *authgate.Identity) (interface{}, error) {
	var cookies types.CookieSet
	if err := httplib.ReadJSON(r, &cookies); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Credentials.Put(r.Context(), identity.UserID, cookies); err != nil {
		return nil, trace.Wrap(err)
	}
	return okResponse{OK: true}, nil
}

// deleteCredentials removes the caller's stored cookies. Live browser
// sessions keep the cookies already injected into them.
func (h *Handler) deleteCredentials(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *authgate.Identity) (interface{}, error) {
	if err := h.cfg.Credentials.Delete(r.Context(), identity.UserID); err != nil {
		return nil, trace.Wrap(err)
	}
	return okResponse{OK: true}, nil
}
