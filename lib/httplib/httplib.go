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

// Package httplib implements common utility functions for writing
// classic HTTP handlers.
package httplib

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
)

// maxRequestBody caps inbound JSON request bodies.
const maxRequestBody = 1 << 20

// HandlerFunc specifies an HTTP handler function that returns a JSON
// payload or an error. A nil payload with a nil error means the handler
// wrote the response itself (streams, upgrades).
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error)

// MakeHandler returns a new httprouter.Handle func from a handler func.
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			ReplyError(w, err)
			return
		}
		if out != nil {
			roundtrip.ReplyJSON(w, http.StatusOK, out)
		}
	}
}

// ReadJSON reads an HTTP JSON request body and unmarshals it into the
// passed value.
func ReadJSON(r *http.Request, val interface{}) error {
	data, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxRequestBody))
	if err != nil {
		return trace.BadParameter("failed reading request body: %v", err)
	}
	if err := json.Unmarshal(data, val); err != nil {
		return trace.BadParameter("request: %v", err)
	}
	return nil
}

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	// Error is a stable machine-readable kind.
	Error string `json:"error"`
	// Detail is the human-readable message.
	Detail string `json:"detail,omitempty"`
}

// ReplyError writes an error reply with a status derived from the
// error's trace kind.
func ReplyError(w http.ResponseWriter, err error) {
	code, kind := errorToCode(err)
	if code == http.StatusInternalServerError {
		slog.Error("Handler returned internal error", "error", err)
	}
	roundtrip.ReplyJSON(w, code, ErrorResponse{
		Error:  kind,
		Detail: trace.UserMessage(err),
	})
}

// errorToCode maps trace error kinds to HTTP statuses and stable kind
// strings.
func errorToCode(err error) (int, string) {
	switch {
	case trace.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case trace.IsBadParameter(err):
		return http.StatusBadRequest, "bad_parameter"
	case trace.IsAccessDenied(err):
		return http.StatusForbidden, "forbidden"
	case trace.IsAlreadyExists(err):
		return http.StatusConflict, "conflict"
	case trace.IsCompareFailed(err):
		return http.StatusPreconditionFailed, "precondition_failed"
	case trace.IsLimitExceeded(err):
		return http.StatusTooManyRequests, "limit_exceeded"
	case trace.IsConnectionProblem(err):
		return http.StatusGatewayTimeout, "upstream_unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// ConvertResponse converts an error in a roundtrip response into a
// trace error typed by the response status.
func ConvertResponse(re *roundtrip.Response, err error) (*roundtrip.Response, error) {
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) && uerr.Err != nil {
			return nil, trace.ConnectionProblem(uerr.Err, "%v", uerr.Error())
		}
		return nil, trace.ConvertSystemError(err)
	}
	return re, trace.ReadError(re.Code(), re.Bytes())
}

// SetNoCacheHeaders tells proxies and browsers do not cache the content.
func SetNoCacheHeaders(h http.Header) {
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
}

// SetSSEHeaders prepares a response for a text/event-stream body.
func SetSSEHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	SetNoCacheHeaders(h)
}
