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
	"github.com/gravitational/reach/lib/types"
)

// createSession returns the caller's live browser session,
// provisioning one when none exists. A cold start replies with status
// starting; the caller polls by calling again until the session is
// running.
func (h *Handler) createSession(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *authgate.Identity) (interface{}, error) {
	sess, err := h.cfg.Sessions.GetOrCreate(r.Context(), identity.UserID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return sess, nil
}

// deleteSession terminates the session addressed by id. The id must
// name the caller's own live session; anything else reads as not
// found.
func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *authgate.Identity) (interface{}, error) {
	sess, err := h.sessionOwnedBy(r, p, identity)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Sessions.Terminate(r.Context(), sess.UserID); err != nil {
		return nil, trace.Wrap(err)
	}
	return okResponse{OK: true}, nil
}

// touchSession refreshes the session's idle timer so the reaper keeps
// it alive.
func (h *Handler) touchSession(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *authgate.Identity) (interface{}, error) {
	if _, err := h.sessionOwnedBy(r, p, identity); err != nil {
		return nil, trace.Wrap(err)
	}
	sess, err := h.cfg.Sessions.Touch(r.Context(), identity.UserID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return sess, nil
}

// sessionOwnedBy resolves the :session_id parameter against the
// caller's live session. A foreign or stale id reads as not found.
func (h *Handler) sessionOwnedBy(r *http.Request, p httprouter.Params, identity *authgate.Identity) (*types.Session, error) {
	sessionID := p.ByName("session_id")
	if sessionID == "" {
		return nil, trace.BadParameter("missing session id")
	}
	sess, err := h.cfg.Sessions.Get(r.Context(), identity.UserID)
	if err != nil || sess.ID != sessionID {
		return nil, trace.NotFound("session %q not found", sessionID)
	}
	return sess, nil
}
