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
	"fmt"
	"slices"
	"sync"

	"github.com/gravitational/trace"
)

// RunCall records one CreateRun or Stream invocation on the fake.
type RunCall struct {
	ThreadID     string
	WorkflowName string
	Input        map[string]any
	Strategy     string
	Modes        []string
}

// FakeClient implements Client in memory. By default Stream plays the
// configured script and closes; tests needing fine-grained control over
// event timing install a StreamFn.
type FakeClient struct {
	mu        sync.Mutex
	threadSeq int
	runSeq    int
	threads   []string
	runs      []RunCall
	streams   []RunCall

	// Script is delivered by Stream in order before the channel closes.
	Script []Event
	// CreateThreadErr fails CreateThread when set.
	CreateThreadErr error
	// CreateRunErr fails CreateRun when set.
	CreateRunErr error
	// StreamErr fails Stream immediately when set.
	StreamErr error
	// StreamFn overrides Stream entirely when set.
	StreamFn func(ctx context.Context, threadID, workflowName string, input map[string]any, modes []string) (<-chan Event, error)
}

// NewFakeClient returns a fake whose streams play the given script.
func NewFakeClient(script ...Event) *FakeClient {
	return &FakeClient{Script: script}
}

// CreateThread mints a fresh thread id.
func (f *FakeClient) CreateThread(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateThreadErr != nil {
		return "", trace.Wrap(f.CreateThreadErr)
	}
	f.threadSeq++
	threadID := fmt.Sprintf("thread-%d", f.threadSeq)
	f.threads = append(f.threads, threadID)
	return threadID, nil
}

// CreateRun records the call and mints a run id.
func (f *FakeClient) CreateRun(ctx context.Context, threadID, workflowName string, input map[string]any, strategy string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateRunErr != nil {
		return "", trace.Wrap(f.CreateRunErr)
	}
	f.runSeq++
	f.runs = append(f.runs, RunCall{
		ThreadID:     threadID,
		WorkflowName: workflowName,
		Input:        input,
		Strategy:     strategy,
	})
	return fmt.Sprintf("run-%d", f.runSeq), nil
}

// Stream plays the script, or delegates to StreamFn.
func (f *FakeClient) Stream(ctx context.Context, threadID, workflowName string, input map[string]any, modes []string) (<-chan Event, error) {
	f.mu.Lock()
	streamFn := f.StreamFn
	streamErr := f.StreamErr
	script := slices.Clone(f.Script)
	f.streams = append(f.streams, RunCall{
		ThreadID:     threadID,
		WorkflowName: workflowName,
		Input:        input,
		Modes:        slices.Clone(modes),
	})
	f.mu.Unlock()

	if streamFn != nil {
		return streamFn(ctx, threadID, workflowName, input, modes)
	}
	if streamErr != nil {
		return nil, trace.Wrap(streamErr)
	}
	ch := make(chan Event)
	go func() {
		defer close(ch)
		for _, event := range script {
			select {
			case ch <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Threads returns thread ids created so far.
func (f *FakeClient) Threads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.threads)
}

// Runs returns CreateRun calls recorded so far.
func (f *FakeClient) Runs() []RunCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.runs)
}

// Streams returns Stream calls recorded so far.
func (f *FakeClient) Streams() []RunCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.streams)
}
