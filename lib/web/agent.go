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
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/gravitational/reach/lib/agent"
	"github.com/gravitational/reach/lib/authgate"
	"github.com/gravitational/reach/lib/defaults"
	"github.com/gravitational/reach/lib/httplib"
)

type startAgentRequest struct {
	// Task is the instruction the agent works on.
	Task string `json:"task"`
	// WorkflowName overrides the default growth agent workflow.
	WorkflowName string `json:"workflow_name,omitempty"`
}

type stopAgentResponse struct {
	Stopped  bool   `json:"stopped"`
	ThreadID string `json:"thread_id,omitempty"`
	RunID    string `json:"run_id,omitempty"`
}

// startAgent launches a workflow run for the caller and streams its
// events back as server-sent events. The first frame carries the
// thread and run ids; the stream ends at the run's terminal event.
// Disconnecting does not cancel the run; the caller stops it through
// the stop endpoint.
func (h *Handler) startAgent(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *authgate.Identity) (interface{}, error) {
	var req startAgentRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Task == "" {
		return nil, trace.BadParameter("missing task")
	}
	workflowName := req.WorkflowName
	if workflowName == "" {
		workflowName = defaults.AgentWorkflow
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, trace.BadParameter("connection does not support streaming")
	}

	// Subscribe before starting so the run's first events cannot slip
	// past the stream.
	sub := h.cfg.Agent.Subscribe(identity.UserID)
	defer sub.Close()

	started, err := h.cfg.Agent.Start(r.Context(), identity.UserID, workflowName, map[string]any{"task": req.Task})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	httplib.SetSSEHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	meta, _ := json.Marshal(map[string]string{
		"thread_id": started.ThreadID,
		"run_id":    started.RunID,
	})
	if err := writeSSE(w, "metadata", meta); err != nil {
		return nil, nil
	}
	flusher.Flush()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				// The subscription lagged out or the controller shut
				// down. The client re-syncs through the status
				// endpoint.
				return nil, nil
			}
			if ev.RunID != started.RunID {
				continue
			}
			if err := writeSSE(w, ev.Event, ev.Data); err != nil {
				return nil, nil
			}
			flusher.Flush()
			switch ev.Event {
			case agent.EventCompleted, agent.EventFailed, agent.EventCancelled:
				return nil, nil
			}
		case <-r.Context().Done():
			// The run keeps going without a listener.
			return nil, nil
		}
	}
}

// stopAgent requests cooperative cancellation of the caller's active
// run. Stopping with nothing in flight succeeds and reports stopped
// false.
func (h *Handler) stopAgent(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *authgate.Identity) (interface{}, error) {
	status := h.cfg.Agent.Status(identity.UserID)
	stopped, err := h.cfg.Agent.Cancel(r.Context(), identity.UserID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return stopAgentResponse{
		Stopped:  stopped,
		ThreadID: status.ThreadID,
		RunID:    status.RunID,
	}, nil
}

// agentStatus reports whether the caller has a run in flight.
func (h *Handler) agentStatus(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *authgate.Identity) (interface{}, error) {
	return h.cfg.Agent.Status(identity.UserID), nil
}

// writeSSE writes one server-sent event frame.
func writeSSE(w io.Writer, event string, data json.RawMessage) error {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return trace.Wrap(err)
}
