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

// Package web implements the reach HTTP API: browser session and
// credential management, agent run control, scheduling, the activity
// feed and the websocket surfaces for the extension and live event
// subscriptions.
//
// Every route below /v1 runs through WithAuth. Token verification
// failures reply 401 before the handler body runs. Routes carrying a
// :user_id parameter additionally require the path user to match the
// authenticated identity, which replies 403 on mismatch. Routes that
// address a resource by bare id load the resource and compare owners;
// a foreign resource reads as 404 so callers cannot probe for other
// tenants' ids.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gravitational/reach"
	"github.com/gravitational/reach/lib/activity"
	"github.com/gravitational/reach/lib/agent"
	"github.com/gravitational/reach/lib/authgate"
	"github.com/gravitational/reach/lib/bridge"
	"github.com/gravitational/reach/lib/credstore"
	"github.com/gravitational/reach/lib/httplib"
	"github.com/gravitational/reach/lib/scheduler"
	"github.com/gravitational/reach/lib/session"
	logutils "github.com/gravitational/reach/lib/utils/log"
)

// TokenValidator verifies a bearer token and resolves the caller's
// identity.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*authgate.Identity, error)
}

// Config holds the dependencies of the API handler.
type Config struct {
	// TokenValidator authenticates bearer tokens.
	TokenValidator TokenValidator
	// Sessions manages per-user browser sessions.
	Sessions *session.Manager
	// Credentials stores sealed platform cookies.
	Credentials *credstore.Store
	// Bridge relays commands to connected browser extensions.
	Bridge *bridge.Bridge
	// Agent controls workflow runs.
	Agent *agent.Controller
	// Scheduler owns scheduled posts and cron jobs.
	Scheduler *scheduler.Engine
	// Bus fans out and persists activity events.
	Bus *activity.Bus
	// Clock is the time source.
	Clock clockwork.Clock
	// Log is the handler logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.TokenValidator == nil {
		return trace.BadParameter("missing parameter TokenValidator")
	}
	if c.Sessions == nil {
		return trace.BadParameter("missing parameter Sessions")
	}
	if c.Credentials == nil {
		return trace.BadParameter("missing parameter Credentials")
	}
	if c.Bridge == nil {
		return trace.BadParameter("missing parameter Bridge")
	}
	if c.Agent == nil {
		return trace.BadParameter("missing parameter Agent")
	}
	if c.Scheduler == nil {
		return trace.BadParameter("missing parameter Scheduler")
	}
	if c.Bus == nil {
		return trace.BadParameter("missing parameter Bus")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logutils.NewPackageLogger(reach.ComponentKey, reach.ComponentWeb)
	}
	return nil
}

// Handler is the reach API server.
type Handler struct {
	httprouter.Router

	cfg Config
	log *slog.Logger
	// wsLog covers the websocket surfaces, which outlive the request
	// logging of the plain handlers.
	wsLog *slog.Logger
}

// ContextHandler is an API handler that requires an authenticated
// caller.
type ContextHandler func(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *authgate.Identity) (interface{}, error)

// NewHandler returns an API handler with all routes bound.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{
		cfg:   cfg,
		log:   cfg.Log,
		wsLog: logutils.NewPackageLogger(reach.ComponentKey, reach.Component(reach.ComponentWeb, "ws")),
	}

	h.GET("/healthz", httplib.MakeHandler(h.healthz))
	h.Handler(http.MethodGet, "/metrics", promhttp.Handler())

	// Agent runs.
	h.POST("/v1/users/:user_id/agent/start", h.WithAuth(h.startAgent))
	h.POST("/v1/users/:user_id/agent/stop", h.WithAuth(h.stopAgent))
	h.GET("/v1/users/:user_id/agent/status", h.WithAuth(h.agentStatus))

	// Browser sessions.
	h.POST("/v1/users/:user_id/sessions", h.WithAuth(h.createSession))
	h.POST("/v1/users/:user_id/sessions/:session_id/touch", h.WithAuth(h.touchSession))
	h.DELETE("/v1/sessions/:session_id", h.WithAuth(h.deleteSession))

	// Credentials.
	h.PUT("/v1/users/:user_id/credentials", h.WithAuth(h.putCredentials))
	h.DELETE("/v1/users/:user_id/credentials", h.WithAuth(h.deleteCredentials))

	// Scheduled posts.
	h.POST("/v1/users/:user_id/scheduled-posts", h.WithAuth(h.createScheduledPost))
	h.GET("/v1/users/:user_id/scheduled-posts", h.WithAuth(h.listScheduledPosts))
	h.PATCH("/v1/scheduled-posts/:post_id", h.WithAuth(h.updateScheduledPost))
	h.DELETE("/v1/scheduled-posts/:post_id", h.WithAuth(h.cancelScheduledPost))
	h.POST("/v1/scheduled-posts/:post_id/run", h.WithAuth(h.runScheduledPost))

	// Cron jobs.
	h.POST("/v1/users/:user_id/cron-jobs", h.WithAuth(h.createCronJob))
	h.GET("/v1/users/:user_id/cron-jobs", h.WithAuth(h.listCronJobs))
	h.POST("/v1/cron-jobs/:job_id/pause", h.WithAuth(h.pauseCronJob))
	h.POST("/v1/cron-jobs/:job_id/resume", h.WithAuth(h.resumeCronJob))
	h.POST("/v1/cron-jobs/:job_id/run", h.WithAuth(h.runCronJob))
	h.GET("/v1/cron-jobs/:job_id/runs", h.WithAuth(h.listCronJobRuns))
	h.DELETE("/v1/cron-jobs/:job_id", h.WithAuth(h.deleteCronJob))

	// Activity feed.
	h.GET("/v1/users/:user_id/activity", h.WithAuth(h.activityHistory))

	// Websocket surfaces.
	h.GET("/v1/ws/extension/:user_id", h.WithAuth(h.wsExtension))
	h.GET("/v1/ws/activity/:user_id", h.WithAuth(h.wsActivity))
	h.GET("/v1/ws/agent/:user_id", h.WithAuth(h.wsAgent))

	return h, nil
}

// WithAuth authenticates the request and, when the route carries a
// :user_id parameter, rejects callers addressing another user's
// resources.
func (h *Handler) WithAuth(fn ContextHandler) httprouter.Handle {
	return httplib.MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
		identity, err := h.authenticateRequest(r)
		if err != nil {
			h.log.WarnContext(r.Context(), "Request authentication failed",
				"method", r.Method, "path", r.URL.Path, "error", err)
			// Token problems are authentication failures and reply
			// 401. Authorization failures below keep their 403 and
			// 404 mappings.
			roundtrip.ReplyJSON(w, http.StatusUnauthorized, httplib.ErrorResponse{
				Error:  "unauthenticated",
				Detail: trace.UserMessage(err),
			})
			return nil, nil
		}
		if userID := p.ByName("user_id"); userID != "" {
			if err := authgate.Authorize(identity, userID); err != nil {
				return nil, trace.Wrap(err)
			}
		}
		return fn(w, r, p, identity)
	})
}

// authenticateRequest resolves the caller's identity from the bearer
// token. Browser websocket clients cannot set request headers, so the
// token may ride in the access_token query parameter instead.
func (h *Handler) authenticateRequest(r *http.Request) (*authgate.Identity, error) {
	token := r.URL.Query().Get("access_token")
	if creds, err := roundtrip.ParseAuthHeaders(r); err == nil && creds.Password != "" {
		token = creds.Password
	}
	if token == "" {
		return nil, trace.AccessDenied("missing bearer token")
	}
	identity, err := h.cfg.TokenValidator.ValidateToken(r.Context(), token)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return identity, nil
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	return okResponse{OK: true}, nil
}

// okResponse acknowledges a mutation that has no other payload.
type okResponse struct {
	OK bool `json:"ok"`
}

// parseID parses a numeric path parameter.
func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, trace.BadParameter("invalid id %q", raw)
	}
	return id, nil
}
