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

package browser

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/gravitational/trace"

	"github.com/gravitational/reach/lib/types"
)

// FakeRuntime implements Runtime in memory. It records every call and
// can be told to fail allocations or the next N cookie injections,
// which is how warmup retry behavior gets exercised in tests.
type FakeRuntime struct {
	mu          sync.Mutex
	seq         int
	allocateErr error
	injectFails int
	injections  map[string]int
	lastCookies map[string]types.CookieSet
	live        map[string]string // job handle -> endpoint
	terminated  []string
}

// NewFakeRuntime returns an empty fake runtime.
func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{
		injections:  make(map[string]int),
		lastCookies: make(map[string]types.CookieSet),
		live:        make(map[string]string),
	}
}

// SetAllocateError makes every following Allocate fail with err.
func (f *FakeRuntime) SetAllocateError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allocateErr = err
}

// FailInjections makes the next n InjectCookies calls fail.
func (f *FakeRuntime) FailInjections(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.injectFails = n
}

// Allocate provisions a fake browser.
func (f *FakeRuntime) Allocate(ctx context.Context, userID string) (*Allocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.allocateErr != nil {
		return nil, trace.Wrap(f.allocateErr)
	}
	f.seq++
	alloc := &Allocation{
		Endpoint:  fmt.Sprintf("http://browser-%d.internal", f.seq),
		JobHandle: fmt.Sprintf("job-%d", f.seq),
	}
	f.live[alloc.JobHandle] = alloc.Endpoint
	return alloc, nil
}

// InjectCookies records the injection, or fails if failures are queued.
func (f *FakeRuntime) InjectCookies(ctx context.Context, endpoint string, cookies types.CookieSet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.injectFails > 0 {
		f.injectFails--
		return trace.ConnectionProblem(nil, "browser at %v is not ready", endpoint)
	}
	f.injections[endpoint]++
	f.lastCookies[endpoint] = cookies
	return nil
}

// Terminate records the teardown.
func (f *FakeRuntime) Terminate(ctx context.Context, jobHandle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, jobHandle)
	f.terminated = append(f.terminated, jobHandle)
	return nil
}

// Injections returns how many cookie injections endpoint received.
func (f *FakeRuntime) Injections(endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.injections[endpoint]
}

// InjectedCookies returns the cookie set endpoint last received.
func (f *FakeRuntime) InjectedCookies(endpoint string) types.CookieSet {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastCookies[endpoint]
}

// Terminated returns job handles torn down so far.
func (f *FakeRuntime) Terminated() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.terminated)
}

// LiveCount returns the number of allocations not yet terminated.
func (f *FakeRuntime) LiveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}
