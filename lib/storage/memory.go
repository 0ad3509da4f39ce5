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

package storage

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/reach/lib/types"
)

// Memory is an in-process Backend. All state is lost on restart; tests
// and development setups only.
type Memory struct {
	mu sync.RWMutex

	credentials map[string][]byte
	sessions    map[string]*types.Session // session ID -> session
	threads     map[string]string
	posts       map[int64]*types.ScheduledPost
	jobs        map[int64]*types.CronJob
	jobRuns     map[int64]*types.CronJobRun
	activity    map[string][]types.ActivityEvent

	nextPostID int64
	nextJobID  int64
	nextRunID  int64
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		credentials: make(map[string][]byte),
		sessions:    make(map[string]*types.Session),
		threads:     make(map[string]string),
		posts:       make(map[int64]*types.ScheduledPost),
		jobs:        make(map[int64]*types.CronJob),
		jobRuns:     make(map[int64]*types.CronJobRun),
		activity:    make(map[string][]types.ActivityEvent),
	}
}

// Close implements Backend.
func (m *Memory) Close() error { return nil }

// UpsertCredentials overwrites the user's sealed cookie envelope.
func (m *Memory) UpsertCredentials(ctx context.Context, userID string, sealed []byte) error {
	if userID == "" {
		return trace.BadParameter("missing user id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentials[userID] = slices.Clone(sealed)
	return nil
}

// GetCredentials returns the sealed envelope or trace.NotFound.
func (m *Memory) GetCredentials(ctx context.Context, userID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sealed, ok := m.credentials[userID]
	if !ok {
		return nil, trace.NotFound("no credentials for user %q", userID)
	}
	return slices.Clone(sealed), nil
}

// DeleteCredentials removes the envelope.
func (m *Memory) DeleteCredentials(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.credentials, userID)
	return nil
}

// CreateSession inserts a session row, rejecting a second live session
// for the same user.
func (m *Memory) CreateSession(ctx context.Context, s *types.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sessions {
		if existing.UserID == s.UserID && existing.Status.IsLive() {
			return trace.AlreadyExists("user %q already has a live session %q", s.UserID, existing.ID)
		}
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

// UpdateSession updates a session row by ID.
func (m *Memory) UpdateSession(ctx context.Context, s *types.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return trace.NotFound("session %q not found", s.ID)
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

// GetLiveSessionByUser returns the user's live session row.
func (m *Memory) GetLiveSessionByUser(ctx context.Context, userID string) (*types.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.UserID == userID && s.Status.IsLive() {
			cp := *s
			return &cp, nil
		}
	}
	return nil, trace.NotFound("no live session for user %q", userID)
}

// MarkStaleSessionsStopped flips all live rows to stopped.
func (m *Memory) MarkStaleSessionsStopped(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.Status.IsLive() {
			s.Status = types.SessionStopped
			n++
		}
	}
	return n, nil
}

// GetUserThread returns the user's thread id or trace.NotFound.
func (m *Memory) GetUserThread(ctx context.Context, userID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	threadID, ok := m.threads[userID]
	if !ok {
		return "", trace.NotFound("no thread for user %q", userID)
	}
	return threadID, nil
}

// PutUserThread records the user's thread id.
func (m *Memory) PutUserThread(ctx context.Context, userID, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads[userID] = threadID
	return nil
}

// CreatePost inserts a post and assigns its monotonic ID.
func (m *Memory) CreatePost(ctx context.Context, p *types.ScheduledPost) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextPostID++
	cp := *p
	cp.ID = m.nextPostID
	m.posts[cp.ID] = &cp
	return cp.ID, nil
}

// GetPost returns a post by ID.
func (m *Memory) GetPost(ctx context.Context, id int64) (*types.ScheduledPost, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.posts[id]
	if !ok {
		return nil, trace.NotFound("scheduled post %d not found", id)
	}
	cp := *p
	return &cp, nil
}

// UpdatePost rewrites a post that is still waiting to fire.
func (m *Memory) UpdatePost(ctx context.Context, p *types.ScheduledPost) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.posts[p.ID]
	if !ok {
		return trace.NotFound("scheduled post %d not found", p.ID)
	}
	if existing.Status != types.PostScheduled {
		return trace.CompareFailed("scheduled post %d is %v, not %v", p.ID, existing.Status, types.PostScheduled)
	}
	cp := *p
	m.posts[p.ID] = &cp
	return nil
}

// TransitionPost moves a post between statuses, CAS style.
func (m *Memory) TransitionPost(ctx context.Context, id int64, from, to types.PostStatus, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok {
		return trace.NotFound("scheduled post %d not found", id)
	}
	if p.Status != from {
		return trace.CompareFailed("scheduled post %d is %v, not %v", id, p.Status, from)
	}
	p.Status = to
	p.ErrorMessage = errorMessage
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// ListPostsByUser returns the user's posts, newest first.
func (m *Memory) ListPostsByUser(ctx context.Context, userID string) ([]types.ScheduledPost, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.ScheduledPost
	for _, p := range m.posts {
		if p.UserID == userID {
			out = append(out, *p)
		}
	}
	slices.SortFunc(out, func(a, b types.ScheduledPost) int {
		return int(b.ID - a.ID)
	})
	return out, nil
}

// ListDuePosts returns scheduled posts due at or before now.
func (m *Memory) ListDuePosts(ctx context.Context, now time.Time) ([]types.ScheduledPost, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.ScheduledPost
	for _, p := range m.posts {
		if p.Status == types.PostScheduled && !p.ScheduledAt.After(now) {
			out = append(out, *p)
		}
	}
	slices.SortFunc(out, func(a, b types.ScheduledPost) int {
		return a.ScheduledAt.Compare(b.ScheduledAt)
	})
	return out, nil
}

// ListPendingPosts returns all posts in scheduled status.
func (m *Memory) ListPendingPosts(ctx context.Context) ([]types.ScheduledPost, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.ScheduledPost
	for _, p := range m.posts {
		if p.Status == types.PostScheduled {
			out = append(out, *p)
		}
	}
	slices.SortFunc(out, func(a, b types.ScheduledPost) int {
		return a.ScheduledAt.Compare(b.ScheduledAt)
	})
	return out, nil
}

// CreateJob inserts a cron job and assigns its ID.
func (m *Memory) CreateJob(ctx context.Context, j *types.CronJob) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextJobID++
	cp := *j
	cp.ID = m.nextJobID
	m.jobs[cp.ID] = &cp
	return cp.ID, nil
}

// GetJob returns a job by ID.
func (m *Memory) GetJob(ctx context.Context, id int64) (*types.CronJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, trace.NotFound("cron job %d not found", id)
	}
	cp := *j
	return &cp, nil
}

// UpdateJob rewrites a job row by ID.
func (m *Memory) UpdateJob(ctx context.Context, j *types.CronJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; !ok {
		return trace.NotFound("cron job %d not found", j.ID)
	}
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

// DeleteJob removes the job and cascades to its runs.
func (m *Memory) DeleteJob(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return trace.NotFound("cron job %d not found", id)
	}
	delete(m.jobs, id)
	for runID, r := range m.jobRuns {
		if r.JobID == id {
			delete(m.jobRuns, runID)
		}
	}
	return nil
}

// ListJobsByUser returns the user's jobs, newest first.
func (m *Memory) ListJobsByUser(ctx context.Context, userID string) ([]types.CronJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.CronJob
	for _, j := range m.jobs {
		if j.UserID == userID {
			out = append(out, *j)
		}
	}
	slices.SortFunc(out, func(a, b types.CronJob) int {
		return int(b.ID - a.ID)
	})
	return out, nil
}

// ListActiveJobs returns every active job across users.
func (m *Memory) ListActiveJobs(ctx context.Context) ([]types.CronJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.CronJob
	for _, j := range m.jobs {
		if j.IsActive {
			out = append(out, *j)
		}
	}
	slices.SortFunc(out, func(a, b types.CronJob) int {
		return int(a.ID - b.ID)
	})
	return out, nil
}

// CreateJobRun inserts a run history row and assigns its ID.
func (m *Memory) CreateJobRun(ctx context.Context, r *types.CronJobRun) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[r.JobID]; !ok {
		return 0, trace.NotFound("cron job %d not found", r.JobID)
	}
	m.nextRunID++
	cp := *r
	cp.ID = m.nextRunID
	m.jobRuns[cp.ID] = &cp
	return cp.ID, nil
}

// UpdateJobRun rewrites a run row by ID.
func (m *Memory) UpdateJobRun(ctx context.Context, r *types.CronJobRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobRuns[r.ID]; !ok {
		return trace.NotFound("cron job run %d not found", r.ID)
	}
	cp := *r
	m.jobRuns[r.ID] = &cp
	return nil
}

// ListJobRuns returns a job's runs, newest first.
func (m *Memory) ListJobRuns(ctx context.Context, jobID int64, limit int) ([]types.CronJobRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.CronJobRun
	for _, r := range m.jobRuns {
		if r.JobID == jobID {
			out = append(out, *r)
		}
	}
	slices.SortFunc(out, func(a, b types.CronJobRun) int {
		return int(b.ID - a.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ReconcileOrphans fails posts and runs left in flight by a previous
// process.
func (m *Memory) ReconcileOrphans(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, p := range m.posts {
		if p.Status == types.PostPublishing {
			p.Status = types.PostFailed
			p.ErrorMessage = "interrupted by restart"
			p.UpdatedAt = now
		}
	}
	for _, r := range m.jobRuns {
		if r.Status == types.CronRunQueued || r.Status == types.CronRunRunning {
			r.Status = types.CronRunFailed
			r.ErrorMessage = "interrupted by restart"
			completed := now
			r.CompletedAt = &completed
		}
	}
	return nil
}

// AppendActivity appends an immutable event to the user's history.
func (m *Memory) AppendActivity(ctx context.Context, event *types.ActivityEvent) error {
	if err := event.Check(); err != nil {
		return trace.Wrap(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activity[event.UserID] = append(m.activity[event.UserID], *event)
	return nil
}

// ActivityHistory returns the user's events, most recent first.
func (m *Memory) ActivityHistory(ctx context.Context, userID string, limit int) ([]types.ActivityEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.activity[userID]
	out := make([]types.ActivityEvent, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		out = append(out, events[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
