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
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/gravitational/reach/lib/authgate"
	"github.com/gravitational/reach/lib/utils"
)

const wsWriteTimeout = 10 * time.Second

// upgrader accepts websocket connections from extension service
// workers and web clients. Origin enforcement happens at the platform
// edge in front of this service.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsExtension hands the connection to the extension bridge, which
// owns the socket from here: correlated request and response frames,
// keepalive pings and alert publication.
func (h *Handler) wsExtension(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *authgate.Identity) (interface{}, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.wsLog.WarnContext(r.Context(), "Websocket upgrade failed", "error", err)
		return nil, nil
	}
	if err := h.cfg.Bridge.HandleConn(r.Context(), identity.UserID, ws); err != nil && !utils.IsOKNetworkError(err) {
		h.wsLog.DebugContext(r.Context(), "Extension connection closed",
			"user_id", identity.UserID, "error", err)
	}
	return nil, nil
}

// wsActivity streams the caller's live activity events over a
// websocket, one JSON object per message.
func (h *Handler) wsActivity(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *authgate.Identity) (interface{}, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.wsLog.WarnContext(r.Context(), "Websocket upgrade failed", "error", err)
		return nil, nil
	}
	defer ws.Close()

	sub := h.cfg.Bus.Subscribe(identity.UserID)
	defer sub.Close()

	done := wsReadUntilClose(ws)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				// The subscription lagged out. The client reconnects
				// and backfills from history.
				wsCloseGoingAway(ws, "subscription lagged")
				return nil, nil
			}
			ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := ws.WriteJSON(ev); err != nil {
				return nil, nil
			}
		case <-done:
			return nil, nil
		case <-r.Context().Done():
			return nil, nil
		}
	}
}

// wsAgent pushes the caller's run events over a websocket for clients
// that do not hold the start request's event stream open.
func (h *Handler) wsAgent(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *authgate.Identity) (interface{}, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.wsLog.WarnContext(r.Context(), "Websocket upgrade failed", "error", err)
		return nil, nil
	}
	defer ws.Close()

	sub := h.cfg.Agent.Subscribe(identity.UserID)
	defer sub.Close()

	done := wsReadUntilClose(ws)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				wsCloseGoingAway(ws, "subscription lagged")
				return nil, nil
			}
			ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := ws.WriteJSON(ev); err != nil {
				return nil, nil
			}
		case <-done:
			return nil, nil
		case <-r.Context().Done():
			return nil, nil
		}
	}
}

// wsReadUntilClose drains inbound frames so close handshakes and
// control messages are processed, and reports when the peer goes
// away.
func wsReadUntilClose(ws *websocket.Conn) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()
	return done
}

// wsCloseGoingAway starts a close handshake telling the peer to
// reconnect.
func wsCloseGoingAway(ws *websocket.Conn, reason string) {
	deadline := time.Now().Add(wsWriteTimeout)
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, reason), deadline)
}
