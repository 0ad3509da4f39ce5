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

// Package session gives each user at most one isolated, authenticated,
// long-lived browser session. Creation primes the fresh browser with
// the user's stored cookies before anything else touches it; an idle
// reaper tears sessions down after the idle TTL.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/reach"
	"github.com/gravitational/reach/lib/browser"
	"github.com/gravitational/reach/lib/credstore"
	"github.com/gravitational/reach/lib/defaults"
	"github.com/gravitational/reach/lib/storage"
	"github.com/gravitational/reach/lib/types"
	"github.com/gravitational/reach/lib/utils"
	logutils "github.com/gravitational/reach/lib/utils/log"
	"github.com/gravitational/reach/lib/utils/retryutils"
)

var sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "reach_sessions_active",
	Help: "Number of live browser sessions",
})

// Config holds parameters for the session manager.
type Config struct {
	// Backend persists session rows.
	Backend storage.Sessions
	// Credentials supplies cookie sets for warmup.
	Credentials *credstore.Store
	// Runtime allocates and tears down browser instances.
	Runtime browser.Runtime
	// IdleTTL is how long a session survives without activity.
	IdleTTL time.Duration
	// WarmupTimeout bounds how long cookie injection may keep failing
	// on a fresh browser before the session is abandoned.
	WarmupTimeout time.Duration
	// WarmupStep is the delay between injection attempts.
	WarmupStep time.Duration
	// ReapInterval is the idle scan cadence.
	ReapInterval time.Duration
	// Clock overrides time in tests.
	Clock clockwork.Clock
	// Log is the manager logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Backend == nil {
		return trace.BadParameter("missing storage backend")
	}
	if c.Credentials == nil {
		return trace.BadParameter("missing credential store")
	}
	if c.Runtime == nil {
		return trace.BadParameter("missing browser runtime")
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = defaults.SessionIdleTTL
	}
	if c.WarmupTimeout <= 0 {
		c.WarmupTimeout = defaults.SessionWarmupTimeout
	}
	if c.WarmupStep <= 0 {
		c.WarmupStep = defaults.SessionWarmupStep
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = defaults.SessionReapInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logutils.NewPackageLogger(reach.ComponentKey, reach.ComponentSession)
	}
	return nil
}

// Manager is the per-user session registry. The registry is the
// in-process source of truth for liveness; storage mirrors it for
// restart reconciliation and cross-process visibility.
type Manager struct {
	cfg Config
	log *slog.Logger

	closeCtx  context.Context
	close     context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*types.Session
	locks    map[string]*sync.Mutex
}

// NewManager creates a session manager, reconciles rows left live by a
// previous process and starts the idle reaper.
func NewManager(ctx context.Context, cfg Config) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(sessionsActive); err != nil {
		return nil, trace.Wrap(err)
	}

	n, err := cfg.Backend.MarkStaleSessionsStopped(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if n > 0 {
		cfg.Log.InfoContext(ctx, "Marked stale sessions stopped", "count", n)
	}

	closeCtx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:      cfg,
		log:      cfg.Log,
		closeCtx: closeCtx,
		close:    cancel,
		sessions: make(map[string]*types.Session),
		locks:    make(map[string]*sync.Mutex),
	}
	m.wg.Add(1)
	go m.reapLoop()
	return m, nil
}

// Close stops the reaper and any in-flight warmups. Live sessions are
// not torn down; restart reconciliation handles their rows.
func (m *Manager) Close() error {
	m.closeOnce.Do(m.close)
	m.wg.Wait()
	return nil
}

// userLock returns the mutex serializing operations for one user.
func (m *Manager) userLock(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[userID] = l
	}
	return l
}

// GetOrCreate returns the user's live session, creating one if needed.
// Concurrent calls for the same user rendezvous on a per-user lock and
// all observe the same session. A fresh session is returned in status
// starting while cookie injection proceeds in the background.
func (m *Manager) GetOrCreate(ctx context.Context, userID string) (*types.Session, error) {
	if userID == "" {
		return nil, trace.BadParameter("missing user id")
	}
	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	now := m.cfg.Clock.Now().UTC()

	m.mu.Lock()
	existing := m.sessions[userID]
	m.mu.Unlock()
	if existing != nil {
		if now.Before(existing.LastActive.Add(m.cfg.IdleTTL)) {
			return m.touchLocked(ctx, userID)
		}
		// Past TTL but not yet reaped; stop it and start fresh.
		m.stopSession(ctx, userID, existing.ID, "expired")
	}

	cookies, err := m.cfg.Credentials.Get(ctx, userID)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	alloc, err := m.cfg.Runtime.Allocate(ctx, userID)
	if err != nil {
		return nil, trace.Wrap(err, "allocating browser for user %q", userID)
	}

	s := &types.Session{
		ID:         uuid.NewString(),
		UserID:     userID,
		Endpoint:   alloc.Endpoint,
		Status:     types.SessionStarting,
		JobHandle:  alloc.JobHandle,
		CreatedAt:  now,
		LastActive: now,
	}
	if err := m.cfg.Backend.CreateSession(ctx, s); err != nil {
		// The browser was allocated but the row was not persisted;
		// release the allocation before reporting.
		if terr := m.cfg.Runtime.Terminate(ctx, alloc.JobHandle); terr != nil {
			m.log.WarnContext(ctx, "Failed to release unpersisted allocation", "job_handle", alloc.JobHandle, "error", terr)
		}
		if trace.IsAlreadyExists(err) {
			// Another control plane won the constraint; use theirs.
			winner, gerr := m.cfg.Backend.GetLiveSessionByUser(ctx, userID)
			if gerr != nil {
				return nil, trace.Wrap(err)
			}
			return winner, nil
		}
		return nil, trace.Wrap(err)
	}

	m.mu.Lock()
	m.sessions[userID] = s
	sessionsActive.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	m.log.InfoContext(ctx, "Created session", "user_id", userID, "session_id", s.ID, "job_handle", s.JobHandle)

	m.wg.Add(1)
	go m.warmup(*s, *cookies)

	cp := *s
	return &cp, nil
}

// warmup injects the user's cookies into the fresh browser, retrying
// inside the warmup window. Runs detached from the creating request.
func (m *Manager) warmup(s types.Session, cookies types.CookieSet) {
	defer m.wg.Done()
	ctx := m.closeCtx
	deadline := s.CreatedAt.Add(m.cfg.WarmupTimeout)

	retry, err := retryutils.NewLinear(retryutils.LinearConfig{
		First: m.cfg.WarmupStep,
		Step:  m.cfg.WarmupStep,
		Max:   m.cfg.WarmupStep,
		Clock: m.cfg.Clock,
	})
	if err != nil {
		m.log.ErrorContext(ctx, "Warmup retry misconfigured", "error", err)
		return
	}

	var lastErr error
	for {
		lastErr = m.cfg.Runtime.InjectCookies(ctx, s.Endpoint, cookies)
		if lastErr == nil {
			m.commitRunning(ctx, s.UserID, s.ID)
			return
		}
		if !m.cfg.Clock.Now().Before(deadline) {
			break
		}
		select {
		case <-retry.After():
			retry.Inc()
		case <-ctx.Done():
			return
		}
	}

	m.log.WarnContext(ctx, "Session warmup failed", "user_id", s.UserID, "session_id", s.ID, "error", lastErr)
	m.stopSession(ctx, s.UserID, s.ID, "warmup failed")
}

// commitRunning flips a starting session to running unless it was
// terminated while warming up.
func (m *Manager) commitRunning(ctx context.Context, userID, sessionID string) {
	m.mu.Lock()
	cur, ok := m.sessions[userID]
	if !ok || cur.ID != sessionID {
		m.mu.Unlock()
		return
	}
	cur.Status = types.SessionRunning
	cp := *cur
	m.mu.Unlock()

	if err := m.cfg.Backend.UpdateSession(ctx, &cp); err != nil {
		m.log.WarnContext(ctx, "Failed to persist running session", "session_id", sessionID, "error", err)
	}
	m.log.InfoContext(ctx, "Session is running", "user_id", userID, "session_id", sessionID)
}

// Get returns the user's live session.
func (m *Manager) Get(ctx context.Context, userID string) (*types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	if !ok {
		return nil, trace.NotFound("no live session for user %q", userID)
	}
	cp := *s
	return &cp, nil
}

// Touch refreshes the session's idle timer and returns the refreshed
// session.
func (m *Manager) Touch(ctx context.Context, userID string) (*types.Session, error) {
	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()
	return m.touchLocked(ctx, userID)
}

func (m *Manager) touchLocked(ctx context.Context, userID string) (*types.Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	if !ok {
		m.mu.Unlock()
		return nil, trace.NotFound("no live session for user %q", userID)
	}
	s.LastActive = m.cfg.Clock.Now().UTC()
	cp := *s
	m.mu.Unlock()

	if err := m.cfg.Backend.UpdateSession(ctx, &cp); err != nil {
		m.log.WarnContext(ctx, "Failed to persist session touch", "session_id", cp.ID, "error", err)
	}
	return &cp, nil
}

// Terminate tears down the user's live session.
func (m *Manager) Terminate(ctx context.Context, userID string) error {
	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	s, ok := m.sessions[userID]
	m.mu.Unlock()
	if !ok {
		return trace.NotFound("no live session for user %q", userID)
	}
	m.stopSession(ctx, userID, s.ID, "terminated")
	return nil
}

// stopSession removes the session from the registry, releases the
// browser and marks the row stopped. Safe to call for a session that
// has already been replaced; sessionID guards against racing a fresh
// session for the same user.
func (m *Manager) stopSession(ctx context.Context, userID, sessionID, reason string) {
	m.mu.Lock()
	cur, ok := m.sessions[userID]
	if !ok || cur.ID != sessionID {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, userID)
	sessionsActive.Set(float64(len(m.sessions)))
	cp := *cur
	m.mu.Unlock()

	if cp.JobHandle != "" {
		if err := m.cfg.Runtime.Terminate(ctx, cp.JobHandle); err != nil {
			m.log.WarnContext(ctx, "Failed to terminate browser", "job_handle", cp.JobHandle, "error", err)
		}
	}
	cp.Status = types.SessionStopped
	if err := m.cfg.Backend.UpdateSession(ctx, &cp); err != nil {
		m.log.WarnContext(ctx, "Failed to persist stopped session", "session_id", cp.ID, "error", err)
	}
	m.log.InfoContext(ctx, "Stopped session", "user_id", userID, "session_id", sessionID, "reason", reason)
}

// reapLoop terminates sessions whose idle TTL has lapsed.
func (m *Manager) reapLoop() {
	defer m.wg.Done()
	ticker := m.cfg.Clock.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			m.reapIdle()
		case <-m.closeCtx.Done():
			return
		}
	}
}

type idleSession struct {
	userID    string
	sessionID string
}

func (m *Manager) reapIdle() {
	now := m.cfg.Clock.Now()
	var idle []idleSession
	m.mu.Lock()
	for userID, s := range m.sessions {
		if !now.Before(s.LastActive.Add(m.cfg.IdleTTL)) {
			idle = append(idle, idleSession{userID: userID, sessionID: s.ID})
		}
	}
	m.mu.Unlock()

	for _, target := range idle {
		m.stopSession(m.closeCtx, target.userID, target.sessionID, "idle")
	}
}
