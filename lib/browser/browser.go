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

// Package browser talks to the external browser runtime that hosts
// per-user browser instances. The runtime owns the actual browser
// processes; this package only allocates, primes and tears them down.
package browser

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"

	"github.com/gravitational/reach"
	"github.com/gravitational/reach/lib/defaults"
	"github.com/gravitational/reach/lib/httplib"
	"github.com/gravitational/reach/lib/types"
	logutils "github.com/gravitational/reach/lib/utils/log"
)

// Allocation describes a browser instance provisioned for one user.
type Allocation struct {
	// Endpoint is the control URL of the allocated browser.
	Endpoint string `json:"endpoint"`
	// JobHandle identifies the allocation for teardown.
	JobHandle string `json:"job_handle"`
}

// Runtime provisions and tears down browser instances.
type Runtime interface {
	// Allocate provisions a fresh browser for the user.
	Allocate(ctx context.Context, userID string) (*Allocation, error)
	// InjectCookies loads a cookie set into the browser behind endpoint.
	// The browser may not be ready yet shortly after allocation, in
	// which case the call fails and may be retried.
	InjectCookies(ctx context.Context, endpoint string, cookies types.CookieSet) error
	// Terminate tears down the allocation. Terminating an allocation
	// that is already gone is not an error.
	Terminate(ctx context.Context, jobHandle string) error
}

// ClientConfig holds parameters for the runtime HTTP client.
type ClientConfig struct {
	// Addr is the base URL of the runtime control API.
	Addr string
	// Client is the HTTP client used for all calls.
	Client *http.Client
	// Log is the client logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ClientConfig) CheckAndSetDefaults() error {
	if c.Addr == "" {
		return trace.BadParameter("missing browser runtime address")
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: defaults.HTTPDialTimeout}
	}
	if c.Log == nil {
		c.Log = logutils.NewPackageLogger(reach.ComponentKey, reach.ComponentBrowser)
	}
	return nil
}

// Client implements Runtime over the runtime's HTTP control API.
type Client struct {
	clt        *roundtrip.Client
	httpClient *http.Client
	log        *slog.Logger
}

// NewClient creates a runtime client for the given control API address.
func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	clt, err := roundtrip.NewClient(cfg.Addr, "v1", roundtrip.HTTPClient(cfg.Client))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Client{
		clt:        clt,
		httpClient: cfg.Client,
		log:        cfg.Log,
	}, nil
}

type allocateRequest struct {
	UserID string `json:"user_id"`
}

// Allocate provisions a fresh browser for the user.
func (c *Client) Allocate(ctx context.Context, userID string) (*Allocation, error) {
	out, err := httplib.ConvertResponse(c.clt.PostJSON(ctx, c.clt.Endpoint("browsers"), allocateRequest{UserID: userID}))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var alloc Allocation
	if err := json.Unmarshal(out.Bytes(), &alloc); err != nil {
		return nil, trace.Wrap(err)
	}
	if alloc.Endpoint == "" || alloc.JobHandle == "" {
		return nil, trace.BadParameter("runtime returned an incomplete allocation")
	}
	c.log.InfoContext(ctx, "Allocated browser", "user_id", userID, "job_handle", alloc.JobHandle)
	return &alloc, nil
}

// InjectCookies loads a cookie set into the browser behind endpoint.
// The endpoint is per-allocation, so each call builds a transient
// client around the shared HTTP client.
func (c *Client) InjectCookies(ctx context.Context, endpoint string, cookies types.CookieSet) error {
	clt, err := roundtrip.NewClient(endpoint, "v1", roundtrip.HTTPClient(c.httpClient))
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := httplib.ConvertResponse(clt.PostJSON(ctx, clt.Endpoint("cookies"), cookies)); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// Terminate tears down the allocation.
func (c *Client) Terminate(ctx context.Context, jobHandle string) error {
	if jobHandle == "" {
		return trace.BadParameter("missing job handle")
	}
	_, err := httplib.ConvertResponse(c.clt.Delete(ctx, c.clt.Endpoint("browsers", jobHandle)))
	if trace.IsNotFound(err) {
		c.log.DebugContext(ctx, "Browser allocation already gone", "job_handle", jobHandle)
		return nil
	}
	return trace.Wrap(err)
}
