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

// Package bridge routes correlated request/response traffic between
// the control plane and each user's in-browser extension agent over a
// websocket. A user has at most one extension connection; a new
// connection supersedes the previous one. Unsolicited frames from the
// extension become activity events.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/reach"
	"github.com/gravitational/reach/lib/activity"
	"github.com/gravitational/reach/lib/defaults"
	"github.com/gravitational/reach/lib/types"
	"github.com/gravitational/reach/lib/utils"
	logutils "github.com/gravitational/reach/lib/utils/log"
)

var (
	connectionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reach_bridge_connections",
		Help: "Number of connected extension agents",
	})
	pendingGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reach_bridge_pending_requests",
		Help: "Number of requests awaiting an extension response",
	})
)

// Request is a correlated command sent to the extension.
type Request struct {
	// RequestID correlates the eventual response.
	RequestID string `json:"request_id"`
	// Action names the command.
	Action string `json:"action"`
	// Payload is the command's opaque argument.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the extension's reply to one Request.
type Response struct {
	RequestID string          `json:"request_id"`
	OK        bool            `json:"ok"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// inboundFrame is the sniffing shape for anything the extension sends.
// Frames with a request id are responses; frames with an alert are
// unsolicited activity; anything else is dropped.
type inboundFrame struct {
	RequestID string               `json:"request_id"`
	OK        bool                 `json:"ok"`
	Result    json.RawMessage      `json:"result"`
	Error     string               `json:"error"`
	Alert     *types.ActivityEvent `json:"alert"`
}

// Config holds parameters for the extension bridge.
type Config struct {
	// Bus receives unsolicited extension alerts.
	Bus *activity.Bus
	// RequestTimeout bounds one Send round trip.
	RequestTimeout time.Duration
	// PingInterval is the keepalive cadence.
	PingInterval time.Duration
	// PongTimeout is how long a connection may stay silent before its
	// read fails.
	PongTimeout time.Duration
	// ReadLimit caps a single inbound frame.
	ReadLimit int64
	// Clock overrides time in tests.
	Clock clockwork.Clock
	// Log is the bridge logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Bus == nil {
		return trace.BadParameter("missing activity bus")
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaults.ExtensionRequestTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaults.ExtensionPingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = defaults.ExtensionPongTimeout
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaults.WebsocketReadLimit
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logutils.NewPackageLogger(reach.ComponentKey, reach.ComponentBridge)
	}
	return nil
}

// Bridge tracks extension connections and pending requests.
type Bridge struct {
	cfg Config
	log *slog.Logger

	mu     sync.Mutex
	closed bool
	conns  map[string]*extConn
}

// New creates an extension bridge.
func New(cfg Config) (*Bridge, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(connectionsGauge, pendingGauge); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Bridge{
		cfg:   cfg,
		log:   cfg.Log,
		conns: make(map[string]*extConn),
	}, nil
}

// HandleConn serves one extension connection until it closes. The
// caller owns the upgrade; the bridge owns everything after. Blocks
// for the lifetime of the connection.
func (b *Bridge) HandleConn(ctx context.Context, userID string, ws *websocket.Conn) error {
	if userID == "" {
		ws.Close()
		return trace.BadParameter("missing user id")
	}
	c := &extConn{
		userID:  userID,
		ws:      ws,
		pending: make(map[string]chan Response),
	}
	if err := b.register(ctx, c); err != nil {
		ws.Close()
		return trace.Wrap(err)
	}
	b.log.InfoContext(ctx, "Extension connected", "user_id", userID)

	ws.SetReadLimit(b.cfg.ReadLimit)
	ws.SetReadDeadline(time.Now().Add(b.cfg.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return trace.Wrap(ws.SetReadDeadline(time.Now().Add(b.cfg.PongTimeout)))
	})

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go b.pingLoop(pingCtx, c)

	err := b.readLoop(ctx, c)
	b.unregister(c)
	c.shutdown()
	b.log.InfoContext(ctx, "Extension disconnected", "user_id", userID)
	return trace.Wrap(err)
}

// register installs the connection as the user's current one. An
// existing connection is superseded: closed, with its pending requests
// failed.
func (b *Bridge) register(ctx context.Context, c *extConn) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return trace.ConnectionProblem(nil, "bridge is shutting down")
	}
	old := b.conns[c.userID]
	b.conns[c.userID] = c
	connectionsGauge.Set(float64(len(b.conns)))
	b.mu.Unlock()

	if old != nil {
		b.log.InfoContext(ctx, "Superseding extension connection", "user_id", c.userID)
		old.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "superseded by a new connection"),
			time.Now().Add(time.Second))
		old.shutdown()
	}
	return nil
}

// unregister removes the connection if it is still the user's current
// one. A superseded connection finds a newer entry and leaves it
// alone.
func (b *Bridge) unregister(c *extConn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conns[c.userID] == c {
		delete(b.conns, c.userID)
		connectionsGauge.Set(float64(len(b.conns)))
	}
}

func (b *Bridge) current(userID string) *extConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conns[userID]
}

// IsConnected reports whether the user has a live extension connection.
func (b *Bridge) IsConnected(userID string) bool {
	return b.current(userID) != nil
}

// readLoop pumps inbound frames until the connection errors out.
func (b *Bridge) readLoop(ctx context.Context, c *extConn) error {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if utils.IsOKNetworkError(err) ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			if c.isClosed() {
				// Superseded or bridge shutdown; the read failure is
				// the local close, not a transport problem.
				return nil
			}
			return trace.Wrap(err)
		}
		b.handleFrame(ctx, c, data)
	}
}

func (b *Bridge) handleFrame(ctx context.Context, c *extConn, data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		b.log.WarnContext(ctx, "Dropping malformed extension frame", "user_id", c.userID, "error", err)
		return
	}
	switch {
	case frame.RequestID != "":
		resp := Response{
			RequestID: frame.RequestID,
			OK:        frame.OK,
			Result:    frame.Result,
			Error:     frame.Error,
		}
		if !c.fulfill(resp) {
			// Nobody is waiting; the request likely timed out.
			b.log.DebugContext(ctx, "Discarding extension response with no waiter",
				"user_id", c.userID, "request_id", frame.RequestID)
		}
	case frame.Alert != nil:
		alert := *frame.Alert
		// The socket's owner is authoritative regardless of what the
		// frame claims.
		alert.UserID = c.userID
		if alert.Timestamp.IsZero() {
			alert.Timestamp = b.cfg.Clock.Now().UTC()
		}
		if err := b.cfg.Bus.Publish(ctx, &alert); err != nil {
			b.log.WarnContext(ctx, "Dropping invalid extension alert", "user_id", c.userID, "error", err)
		}
	default:
		b.log.DebugContext(ctx, "Discarding unrecognized extension frame", "user_id", c.userID)
	}
}

// pingLoop keeps the connection alive and detects dead peers. Control
// frames may be written concurrently with data frames.
func (b *Bridge) pingLoop(ctx context.Context, c *extConn) {
	ticker := b.cfg.Clock.NewTicker(b.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			deadline := time.Now().Add(time.Second)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				b.log.DebugContext(ctx, "Failed to ping extension, closing connection",
					"user_id", c.userID, "error", err)
				c.shutdown()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Send delivers an action to the user's extension and waits for the
// correlated response, the request timeout, or ctx cancellation. A
// response arriving after Send returned is discarded.
func (b *Bridge) Send(ctx context.Context, userID, action string, payload json.RawMessage) (json.RawMessage, error) {
	if userID == "" {
		return nil, trace.BadParameter("missing user id")
	}
	if action == "" {
		return nil, trace.BadParameter("missing action")
	}
	c := b.current(userID)
	if c == nil {
		return nil, trace.ConnectionProblem(nil, "no extension connected for user %q", userID)
	}

	id := uuid.NewString()
	ch, err := c.addPending(id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer c.removePending(id)

	if err := c.writeJSON(Request{RequestID: id, Action: action, Payload: payload}); err != nil {
		return nil, trace.ConnectionProblem(err, "failed to send request to extension")
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, trace.ConnectionProblem(nil, "extension disconnected before responding to %q", action)
		}
		if !resp.OK {
			return nil, trace.Errorf("extension rejected %q: %s", action, resp.Error)
		}
		return resp.Result, nil
	case <-b.cfg.Clock.After(b.cfg.RequestTimeout):
		return nil, trace.ConnectionProblem(nil, "timed out after %v waiting for extension response to %q",
			b.cfg.RequestTimeout, action)
	case <-ctx.Done():
		return nil, trace.Wrap(ctx.Err())
	}
}

// Close shuts down every connection. In-flight Sends fail with a
// connection problem.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conns := make([]*extConn, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.conns = make(map[string]*extConn)
	connectionsGauge.Set(0)
	b.mu.Unlock()

	for _, c := range conns {
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "bridge shutting down"),
			time.Now().Add(time.Second))
		c.shutdown()
	}
	return nil
}

// extConn is one live extension connection and its pending requests.
type extConn struct {
	userID string
	ws     *websocket.Conn

	// writeMu serializes data frame writes; the websocket allows a
	// single concurrent writer.
	writeMu sync.Mutex

	mu      sync.Mutex
	closed  bool
	pending map[string]chan Response
}

func (c *extConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return trace.Wrap(c.ws.WriteJSON(v))
}

func (c *extConn) addPending(id string) (chan Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, trace.ConnectionProblem(nil, "extension connection is closed")
	}
	ch := make(chan Response, 1)
	c.pending[id] = ch
	pendingGauge.Inc()
	return ch, nil
}

func (c *extConn) removePending(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; ok {
		delete(c.pending, id)
		pendingGauge.Dec()
	}
}

// fulfill hands the response to its waiter. Returns false when no
// request with this id is pending.
func (c *extConn) fulfill(resp Response) bool {
	c.mu.Lock()
	ch, ok := c.pending[resp.RequestID]
	if ok {
		delete(c.pending, resp.RequestID)
		pendingGauge.Dec()
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}

func (c *extConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// shutdown closes the socket and fails every pending request by
// closing its channel.
func (c *extConn) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]chan Response)
	pendingGauge.Sub(float64(len(pending)))
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	c.ws.Close()
}
