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

package session

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/gravitational/reach/lib/browser"
	"github.com/gravitational/reach/lib/credstore"
	"github.com/gravitational/reach/lib/secret"
	"github.com/gravitational/reach/lib/storage"
	"github.com/gravitational/reach/lib/types"
	"github.com/gravitational/reach/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

type pack struct {
	backend *storage.Memory
	runtime *browser.FakeRuntime
	creds   *credstore.Store
	mgr     *Manager
}

func newPack(t *testing.T, mutate func(*Config)) *pack {
	t.Helper()
	backend := storage.NewMemory()
	runtime := browser.NewFakeRuntime()
	key, err := secret.NewKey()
	require.NoError(t, err)
	creds, err := credstore.NewStore(credstore.Config{SealKey: key, Backend: backend})
	require.NoError(t, err)

	cfg := Config{
		Backend:       backend,
		Credentials:   creds,
		Runtime:       runtime,
		IdleTTL:       time.Hour,
		WarmupTimeout: time.Second,
		WarmupStep:    5 * time.Millisecond,
		ReapInterval:  time.Hour,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	mgr, err := NewManager(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, mgr.Close()) })
	return &pack{backend: backend, runtime: runtime, creds: creds, mgr: mgr}
}

func storeCookies(t *testing.T, creds *credstore.Store, userID string) {
	t.Helper()
	err := creds.Put(context.Background(), userID, types.CookieSet{
		Cookies: []types.CookieRecord{
			{Name: "auth", Value: "tok", Domain: ".example.com", Path: "/"},
		},
	})
	require.NoError(t, err)
}

func TestGetOrCreateColdStart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newPack(t, nil)
	storeCookies(t, p.creds, "alice")

	s, err := p.mgr.GetOrCreate(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, types.SessionStarting, s.Status)
	require.NotEmpty(t, s.ID)
	require.NotEmpty(t, s.Endpoint)
	require.NotEmpty(t, s.JobHandle)

	require.Eventually(t, func() bool {
		cur, err := p.mgr.Get(ctx, "alice")
		return err == nil && cur.Status == types.SessionRunning
	}, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, 1, p.runtime.Injections(s.Endpoint))

	row, err := p.backend.GetLiveSessionByUser(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, s.ID, row.ID)
	require.Equal(t, types.SessionRunning, row.Status)
}

func TestWarmupRetries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newPack(t, nil)
	storeCookies(t, p.creds, "alice")
	p.runtime.FailInjections(2)

	s, err := p.mgr.GetOrCreate(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, types.SessionStarting, s.Status)

	require.Eventually(t, func() bool {
		cur, err := p.mgr.Get(ctx, "alice")
		return err == nil && cur.Status == types.SessionRunning
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWarmupExhaustion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newPack(t, func(cfg *Config) {
		cfg.WarmupTimeout = 30 * time.Millisecond
	})
	storeCookies(t, p.creds, "alice")
	p.runtime.FailInjections(1000)

	s, err := p.mgr.GetOrCreate(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, types.SessionStarting, s.Status)

	require.Eventually(t, func() bool {
		_, err := p.mgr.Get(ctx, "alice")
		return trace.IsNotFound(err)
	}, 2*time.Second, 5*time.Millisecond)

	require.Contains(t, p.runtime.Terminated(), s.JobHandle)
	_, err = p.backend.GetLiveSessionByUser(ctx, "alice")
	require.True(t, trace.IsNotFound(err))

	// The user is not stuck; the next call starts over.
	p.runtime.FailInjections(0)
	next, err := p.mgr.GetOrCreate(ctx, "alice")
	require.NoError(t, err)
	require.NotEqual(t, s.ID, next.ID)
}

func TestConcurrentGetOrCreate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newPack(t, nil)
	storeCookies(t, p.creds, "alice")

	const callers = 16
	var mu sync.Mutex
	ids := make(map[string]int)

	var g errgroup.Group
	for range callers {
		g.Go(func() error {
			s, err := p.mgr.GetOrCreate(ctx, "alice")
			if err != nil {
				return trace.Wrap(err)
			}
			mu.Lock()
			ids[s.ID]++
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.Len(t, ids, 1)
	require.Equal(t, 1, p.runtime.LiveCount())

	row, err := p.backend.GetLiveSessionByUser(ctx, "alice")
	require.NoError(t, err)
	require.Contains(t, ids, row.ID)
}

func TestGetOrCreateReturnsExisting(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newPack(t, nil)
	storeCookies(t, p.creds, "alice")

	first, err := p.mgr.GetOrCreate(ctx, "alice")
	require.NoError(t, err)
	second, err := p.mgr.GetOrCreate(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.False(t, second.LastActive.Before(first.LastActive))
	require.Equal(t, 1, p.runtime.LiveCount())
}

func TestMissingCredentials(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newPack(t, nil)

	_, err := p.mgr.GetOrCreate(ctx, "alice")
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)
	require.Equal(t, 0, p.runtime.LiveCount())
}

func TestCorruptCredentials(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newPack(t, nil)
	require.NoError(t, p.backend.UpsertCredentials(ctx, "alice", []byte("not a sealed envelope")))

	_, err := p.mgr.GetOrCreate(ctx, "alice")
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
	require.Equal(t, 0, p.runtime.LiveCount())
}

func TestCredentialRotation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newPack(t, nil)
	storeCookies(t, p.creds, "alice")

	s, err := p.mgr.GetOrCreate(ctx, "alice")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		cur, err := p.mgr.Get(ctx, "alice")
		return err == nil && cur.Status == types.SessionRunning
	}, 2*time.Second, 5*time.Millisecond)

	// Overwriting credentials leaves the in-flight session alone.
	err = p.creds.Put(ctx, "alice", types.CookieSet{
		Cookies: []types.CookieRecord{
			{Name: "auth", Value: "rotated", Domain: ".example.com", Path: "/"},
		},
	})
	require.NoError(t, err)

	cur, err := p.mgr.Get(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, s.ID, cur.ID)
	require.Equal(t, 1, p.runtime.Injections(s.Endpoint))
	require.Equal(t, "tok", p.runtime.InjectedCookies(s.Endpoint).Cookies[0].Value)

	// The next allocation warms up with the rotated set.
	require.NoError(t, p.mgr.Terminate(ctx, "alice"))
	next, err := p.mgr.GetOrCreate(ctx, "alice")
	require.NoError(t, err)
	require.NotEqual(t, s.ID, next.ID)
	require.Eventually(t, func() bool {
		return p.runtime.Injections(next.Endpoint) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, "rotated", p.runtime.InjectedCookies(next.Endpoint).Cookies[0].Value)
}

func TestTerminate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newPack(t, nil)
	storeCookies(t, p.creds, "alice")

	s, err := p.mgr.GetOrCreate(ctx, "alice")
	require.NoError(t, err)

	require.NoError(t, p.mgr.Terminate(ctx, "alice"))
	_, err = p.mgr.Get(ctx, "alice")
	require.True(t, trace.IsNotFound(err))
	require.Contains(t, p.runtime.Terminated(), s.JobHandle)
	_, err = p.backend.GetLiveSessionByUser(ctx, "alice")
	require.True(t, trace.IsNotFound(err))

	err = p.mgr.Terminate(ctx, "alice")
	require.True(t, trace.IsNotFound(err))
}

func TestTouch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newPack(t, nil)
	storeCookies(t, p.creds, "alice")

	s, err := p.mgr.GetOrCreate(ctx, "alice")
	require.NoError(t, err)

	touched, err := p.mgr.Touch(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, s.ID, touched.ID)
	require.False(t, touched.LastActive.Before(s.LastActive))

	_, err = p.mgr.Touch(ctx, "nobody")
	require.True(t, trace.IsNotFound(err))
}

func TestIdleReap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newPack(t, func(cfg *Config) {
		cfg.IdleTTL = 20 * time.Millisecond
		cfg.ReapInterval = 5 * time.Millisecond
	})
	storeCookies(t, p.creds, "alice")

	s, err := p.mgr.GetOrCreate(ctx, "alice")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := p.mgr.Get(ctx, "alice")
		return trace.IsNotFound(err)
	}, 2*time.Second, 5*time.Millisecond)
	require.Contains(t, p.runtime.Terminated(), s.JobHandle)

	// A new request gets a fresh session, not the reaped one.
	next, err := p.mgr.GetOrCreate(ctx, "alice")
	require.NoError(t, err)
	require.NotEqual(t, s.ID, next.ID)
}

func TestExpiredSessionReplaced(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newPack(t, func(cfg *Config) {
		cfg.IdleTTL = 20 * time.Millisecond
		// Keep the reaper out of the picture.
		cfg.ReapInterval = time.Hour
	})
	storeCookies(t, p.creds, "alice")

	s, err := p.mgr.GetOrCreate(ctx, "alice")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	next, err := p.mgr.GetOrCreate(ctx, "alice")
	require.NoError(t, err)
	require.NotEqual(t, s.ID, next.ID)
	require.Contains(t, p.runtime.Terminated(), s.JobHandle)
}

func TestStartupReconciliation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := storage.NewMemory()
	now := time.Now().UTC()
	for _, user := range []string{"alice", "bob"} {
		err := backend.CreateSession(ctx, &types.Session{
			ID:         "stale-" + user,
			UserID:     user,
			Endpoint:   "http://gone.internal",
			Status:     types.SessionRunning,
			JobHandle:  "job-gone-" + user,
			CreatedAt:  now,
			LastActive: now,
		})
		require.NoError(t, err)
	}

	runtime := browser.NewFakeRuntime()
	key, err := secret.NewKey()
	require.NoError(t, err)
	creds, err := credstore.NewStore(credstore.Config{SealKey: key, Backend: backend})
	require.NoError(t, err)
	mgr, err := NewManager(ctx, Config{
		Backend:     backend,
		Credentials: creds,
		Runtime:     runtime,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, mgr.Close()) })

	for _, user := range []string{"alice", "bob"} {
		_, err := backend.GetLiveSessionByUser(ctx, user)
		require.True(t, trace.IsNotFound(err), "stale session for %v survived restart", user)
	}
}

func TestLostCreateRace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newPack(t, nil)
	storeCookies(t, p.creds, "alice")

	// Another control plane wrote a live row between our registry miss
	// and our insert.
	now := time.Now().UTC()
	winner := &types.Session{
		ID:         "winner",
		UserID:     "alice",
		Endpoint:   "http://other.internal",
		Status:     types.SessionRunning,
		JobHandle:  "job-other",
		CreatedAt:  now,
		LastActive: now,
	}
	require.NoError(t, p.backend.CreateSession(ctx, winner))

	s, err := p.mgr.GetOrCreate(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "winner", s.ID)

	// The losing allocation was released.
	require.Len(t, p.runtime.Terminated(), 1)
	require.Equal(t, 0, p.runtime.LiveCount())
}
