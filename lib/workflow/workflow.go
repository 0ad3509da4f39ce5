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

// Package workflow talks to the external workflow runtime that executes
// agent runs. Threads hold long-lived conversation state per user; runs
// execute a named workflow on a thread and stream their progress back
// as server-sent events.
package workflow

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"

	"github.com/gravitational/reach"
	"github.com/gravitational/reach/lib/defaults"
	"github.com/gravitational/reach/lib/httplib"
	logutils "github.com/gravitational/reach/lib/utils/log"
)

// maxEventSize caps a single streamed event.
const maxEventSize = 1 << 20

// Stream event types emitted by the workflow runtime.
const (
	// EventMetadata carries run metadata, emitted first.
	EventMetadata = "metadata"
	// EventUpdates carries state updates from workflow nodes.
	EventUpdates = "updates"
	// EventMessages carries model output chunks.
	EventMessages = "messages"
	// EventCustom carries application events, including completed
	// platform activities.
	EventCustom = "custom"
	// EventError means the run failed; the stream ends after it.
	EventError = "error"
	// EventEnd means the run completed; the stream ends after it.
	EventEnd = "end"
)

// StrategyRollback makes the runtime delete the thread's previous run
// from its own history before starting the new one.
const StrategyRollback = "rollback"

// Event is one server-sent event from a run stream.
type Event struct {
	// Event is the event type.
	Event string
	// Data is the raw JSON payload.
	Data json.RawMessage
}

// Client runs workflows on the external runtime.
type Client interface {
	// CreateThread creates a conversation thread and returns its id.
	CreateThread(ctx context.Context) (string, error)
	// Stream starts a run of the named workflow on a thread and
	// streams its events. The returned channel closes when the run
	// ends, the stream breaks or ctx is done; a transport failure
	// surfaces as a terminal error event first.
	Stream(ctx context.Context, threadID, workflowName string, input map[string]any, modes []string) (<-chan Event, error)
	// CreateRun starts a fire-and-forget run with the given multitask
	// strategy and returns its id.
	CreateRun(ctx context.Context, threadID, workflowName string, input map[string]any, strategy string) (string, error)
}

// HTTPClientConfig holds parameters for the runtime HTTP client.
type HTTPClientConfig struct {
	// Addr is the base URL of the workflow runtime.
	Addr string
	// Client is the HTTP client for plain JSON endpoints.
	Client *http.Client
	// StreamClient is the HTTP client for event streams. It must not
	// carry an overall timeout; runs are long.
	StreamClient *http.Client
	// Log is the client logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *HTTPClientConfig) CheckAndSetDefaults() error {
	if c.Addr == "" {
		return trace.BadParameter("missing workflow runtime address")
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: defaults.HTTPDialTimeout}
	}
	if c.StreamClient == nil {
		c.StreamClient = &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: defaults.HTTPResponseHeaderTimeout,
			},
		}
	}
	if c.Log == nil {
		c.Log = logutils.NewPackageLogger(reach.ComponentKey, reach.ComponentWorkflow)
	}
	return nil
}

// HTTPClient implements Client over the runtime's HTTP API.
type HTTPClient struct {
	addr         string
	clt          *roundtrip.Client
	streamClient *http.Client
	log          *slog.Logger
}

// NewHTTPClient creates a workflow runtime client.
func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	clt, err := roundtrip.NewClient(cfg.Addr, "", roundtrip.HTTPClient(cfg.Client))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &HTTPClient{
		addr:         strings.TrimRight(cfg.Addr, "/"),
		clt:          clt,
		streamClient: cfg.StreamClient,
		log:          cfg.Log,
	}, nil
}

type createThreadResponse struct {
	ThreadID string `json:"thread_id"`
}

// CreateThread creates a conversation thread.
func (c *HTTPClient) CreateThread(ctx context.Context) (string, error) {
	out, err := httplib.ConvertResponse(c.clt.PostJSON(ctx, c.clt.Endpoint("threads"), struct{}{}))
	if err != nil {
		return "", trace.Wrap(err)
	}
	var resp createThreadResponse
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		return "", trace.Wrap(err)
	}
	if resp.ThreadID == "" {
		return "", trace.BadParameter("runtime returned no thread id")
	}
	return resp.ThreadID, nil
}

type runRequest struct {
	WorkflowName      string         `json:"assistant_id"`
	Input             map[string]any `json:"input,omitempty"`
	StreamMode        []string       `json:"stream_mode,omitempty"`
	MultitaskStrategy string         `json:"multitask_strategy,omitempty"`
}

type createRunResponse struct {
	RunID string `json:"run_id"`
}

// CreateRun starts a fire-and-forget run.
func (c *HTTPClient) CreateRun(ctx context.Context, threadID, workflowName string, input map[string]any, strategy string) (string, error) {
	out, err := httplib.ConvertResponse(c.clt.PostJSON(ctx, c.clt.Endpoint("threads", threadID, "runs"), runRequest{
		WorkflowName:      workflowName,
		Input:             input,
		MultitaskStrategy: strategy,
	}))
	if err != nil {
		return "", trace.Wrap(err)
	}
	var resp createRunResponse
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		return "", trace.Wrap(err)
	}
	return resp.RunID, nil
}

// Stream starts a run and streams its events.
func (c *HTTPClient) Stream(ctx context.Context, threadID, workflowName string, input map[string]any, modes []string) (<-chan Event, error) {
	body, err := json.Marshal(runRequest{
		WorkflowName: workflowName,
		Input:        input,
		StreamMode:   modes,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.addr+"/threads/"+threadID+"/runs/stream", bytes.NewReader(body))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "connecting to workflow runtime")
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, maxEventSize))
		if err := trace.ReadError(resp.StatusCode, payload); err != nil {
			return nil, trace.Wrap(err)
		}
		return nil, trace.BadParameter("workflow runtime returned status %v to a stream request", resp.StatusCode)
	}

	ch := make(chan Event)
	go c.readEvents(ctx, resp.Body, ch)
	return ch, nil
}

// readEvents parses text/event-stream lines into events until the body
// ends. A read failure that is not a local cancellation is reported as
// a terminal error event so consumers can tell a broken stream from a
// finished one.
func (c *HTTPClient) readEvents(ctx context.Context, body io.ReadCloser, ch chan<- Event) {
	defer close(ch)
	defer body.Close()

	send := func(event Event) bool {
		select {
		case ch <- event:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)

	var eventType string
	var data []string
	flush := func() bool {
		if eventType == "" && len(data) == 0 {
			return true
		}
		event := Event{Event: eventType}
		if event.Event == "" {
			event.Event = "message"
		}
		if len(data) > 0 {
			event.Data = json.RawMessage(strings.Join(data, "\n"))
		}
		eventType = ""
		data = nil
		return send(event)
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if !flush() {
				return
			}
		case strings.HasPrefix(line, ":"):
			// Comment, typically a keepalive.
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// Unknown field (id, retry), ignored.
		}
	}
	if !flush() {
		return
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		c.log.WarnContext(ctx, "Run stream broke", "error", err)
		payload, merr := json.Marshal(map[string]string{"message": err.Error()})
		if merr != nil {
			payload = []byte(`{"message":"stream read failure"}`)
		}
		send(Event{Event: EventError, Data: payload})
	}
}
