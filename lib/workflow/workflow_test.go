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

package workflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestCreateThread(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/threads", r.URL.Path)
		json.NewEncoder(w).Encode(createThreadResponse{ThreadID: "thread-1"})
	}))
	defer srv.Close()

	clt, err := NewHTTPClient(HTTPClientConfig{Addr: srv.URL})
	require.NoError(t, err)

	threadID, err := clt.CreateThread(context.Background())
	require.NoError(t, err)
	require.Equal(t, "thread-1", threadID)
}

func TestCreateRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/threads/thread-1/runs", r.URL.Path)
		var req runRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "content_posting", req.WorkflowName)
		require.Equal(t, "rollback", req.MultitaskStrategy)
		require.Equal(t, map[string]any{"user_id": "alice"}, req.Input)
		json.NewEncoder(w).Encode(createRunResponse{RunID: "run-9"})
	}))
	defer srv.Close()

	clt, err := NewHTTPClient(HTTPClientConfig{Addr: srv.URL})
	require.NoError(t, err)

	runID, err := clt.CreateRun(context.Background(), "thread-1", "content_posting",
		map[string]any{"user_id": "alice"}, "rollback")
	require.NoError(t, err)
	require.Equal(t, "run-9", runID)
}

func collectEvents(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, event)
		case <-timeout:
			t.Fatal("timed out waiting for stream to close")
		}
	}
}

func TestStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/threads/thread-1/runs/stream", r.URL.Path)
		require.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		var req runRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, []string{"updates", "custom"}, req.StreamMode)

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		w.Write([]byte(": keepalive\n\n"))
		w.Write([]byte("event: metadata\ndata: {\"run_id\":\"run-1\"}\n\n"))
		flusher.Flush()
		w.Write([]byte("event: updates\ndata: {\"node\":\"plan\"}\n\n"))
		flusher.Flush()
		// Data split across two lines joins with a newline.
		w.Write([]byte("event: custom\ndata: {\"type\":\ndata: \"activity_complete\"}\n\n"))
		w.Write([]byte("event: end\ndata: {}\n\n"))
		flusher.Flush()
	}))
	defer srv.Close()

	clt, err := NewHTTPClient(HTTPClientConfig{Addr: srv.URL})
	require.NoError(t, err)

	ch, err := clt.Stream(context.Background(), "thread-1", "engagement", nil, []string{"updates", "custom"})
	require.NoError(t, err)

	events := collectEvents(t, ch)
	require.Len(t, events, 4)
	require.Equal(t, EventMetadata, events[0].Event)
	require.JSONEq(t, `{"run_id":"run-1"}`, string(events[0].Data))
	require.Equal(t, EventUpdates, events[1].Event)
	require.Equal(t, EventCustom, events[2].Event)
	require.JSONEq(t, `{"type":"activity_complete"}`, string(events[2].Data))
	require.Equal(t, EventEnd, events[3].Event)
}

func TestStreamUpstreamRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such thread", http.StatusNotFound)
	}))
	defer srv.Close()

	clt, err := NewHTTPClient(HTTPClientConfig{Addr: srv.URL})
	require.NoError(t, err)

	_, err = clt.Stream(context.Background(), "missing", "engagement", nil, nil)
	require.True(t, trace.IsNotFound(err))
}

func TestStreamBreak(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		w.Write([]byte("event: updates\ndata: {\"node\":\"plan\"}\n\n"))
		flusher.Flush()
		// Drop the connection mid-stream.
		conn, _, err := w.(http.Hijacker).Hijack()
		require.NoError(t, err)
		conn.Close()
	}))
	defer srv.Close()

	clt, err := NewHTTPClient(HTTPClientConfig{Addr: srv.URL})
	require.NoError(t, err)

	ch, err := clt.Stream(context.Background(), "thread-1", "engagement", nil, nil)
	require.NoError(t, err)

	events := collectEvents(t, ch)
	require.NotEmpty(t, events)
	require.Equal(t, EventUpdates, events[0].Event)
	require.Equal(t, EventError, events[len(events)-1].Event)
}

func TestStreamContextCancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		w.Write([]byte("event: updates\ndata: {}\n\n"))
		flusher.Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	clt, err := NewHTTPClient(HTTPClientConfig{Addr: srv.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := clt.Stream(ctx, "thread-1", "engagement", nil, nil)
	require.NoError(t, err)

	select {
	case event := <-ch:
		require.Equal(t, EventUpdates, event.Event)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for first event")
	}
	cancel()

	// A locally cancelled stream closes without a trailing error event.
	events := collectEvents(t, ch)
	for _, event := range events {
		require.NotEqual(t, EventError, event.Event)
	}
}
