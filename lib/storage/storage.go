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

// Package storage defines the persistence interfaces of the control
// plane and an in-memory implementation used by tests and development
// setups. PostgreSQL lives in the pg subpackage; a Redis-backed
// activity history lives in redisactivity.
package storage

import (
	"context"
	"time"

	"github.com/gravitational/reach/lib/types"
)

// Credentials stores sealed per-user cookie envelopes. The plaintext
// never reaches this layer.
type Credentials interface {
	// UpsertCredentials overwrites the user's sealed cookie envelope.
	UpsertCredentials(ctx context.Context, userID string, sealed []byte) error
	// GetCredentials returns the sealed envelope or trace.NotFound.
	GetCredentials(ctx context.Context, userID string) ([]byte, error)
	// DeleteCredentials removes the envelope. Removing an absent row
	// is not an error.
	DeleteCredentials(ctx context.Context, userID string) error
}

// Sessions mirrors the session manager's live index for durability.
type Sessions interface {
	// CreateSession inserts a new session row. Returns
	// trace.AlreadyExists when the user already has a live session.
	CreateSession(ctx context.Context, s *types.Session) error
	// UpdateSession updates a session row by ID.
	UpdateSession(ctx context.Context, s *types.Session) error
	// GetLiveSessionByUser returns the user's starting or running
	// session, or trace.NotFound.
	GetLiveSessionByUser(ctx context.Context, userID string) (*types.Session, error)
	// MarkStaleSessionsStopped flips all live rows to stopped. Called
	// once at startup; a fresh process cannot have live instances.
	MarkStaleSessionsStopped(ctx context.Context) (int, error)
}

// Threads remembers each user's workflow runtime thread so
// conversation history survives restarts.
type Threads interface {
	// GetUserThread returns the user's thread id or trace.NotFound.
	GetUserThread(ctx context.Context, userID string) (string, error)
	// PutUserThread records the user's thread id.
	PutUserThread(ctx context.Context, userID, threadID string) error
}

// Scheduler persists one-shot posts, cron jobs, and cron run history.
// Storage is the source of truth; the engine's timers are rebuilt from
// it at startup.
type Scheduler interface {
	// CreatePost inserts a post and assigns its monotonic ID.
	CreatePost(ctx context.Context, p *types.ScheduledPost) (int64, error)
	// GetPost returns a post by ID or trace.NotFound.
	GetPost(ctx context.Context, id int64) (*types.ScheduledPost, error)
	// UpdatePost rewrites content, schedule and bookkeeping fields of
	// a post still in scheduled status. Returns trace.CompareFailed
	// once the post has been claimed, settled, or cancelled.
	UpdatePost(ctx context.Context, p *types.ScheduledPost) error
	// TransitionPost moves a post from one status to another,
	// compare-and-swap style. Returns trace.CompareFailed when the
	// post is not in the expected status, which also serves as the
	// single-dispatch guard.
	TransitionPost(ctx context.Context, id int64, from, to types.PostStatus, errorMessage string) error
	// ListPostsByUser returns the user's posts, newest first.
	ListPostsByUser(ctx context.Context, userID string) ([]types.ScheduledPost, error)
	// ListDuePosts returns scheduled posts with scheduled_at <= now.
	ListDuePosts(ctx context.Context, now time.Time) ([]types.ScheduledPost, error)
	// ListPendingPosts returns all posts in scheduled status.
	ListPendingPosts(ctx context.Context) ([]types.ScheduledPost, error)

	// CreateJob inserts a cron job and assigns its ID.
	CreateJob(ctx context.Context, j *types.CronJob) (int64, error)
	// GetJob returns a job by ID or trace.NotFound.
	GetJob(ctx context.Context, id int64) (*types.CronJob, error)
	// UpdateJob rewrites a job row by ID.
	UpdateJob(ctx context.Context, j *types.CronJob) error
	// DeleteJob removes the job and cascades to its runs.
	DeleteJob(ctx context.Context, id int64) error
	// ListJobsByUser returns the user's jobs, newest first.
	ListJobsByUser(ctx context.Context, userID string) ([]types.CronJob, error)
	// ListActiveJobs returns every active job across users.
	ListActiveJobs(ctx context.Context) ([]types.CronJob, error)

	// CreateJobRun inserts a run history row and assigns its ID.
	CreateJobRun(ctx context.Context, r *types.CronJobRun) (int64, error)
	// UpdateJobRun rewrites a run row by ID.
	UpdateJobRun(ctx context.Context, r *types.CronJobRun) error
	// ListJobRuns returns a job's runs, newest first.
	ListJobRuns(ctx context.Context, jobID int64, limit int) ([]types.CronJobRun, error)

	// ReconcileOrphans fails posts stuck in publishing and runs stuck
	// in queued or running. Called once at startup before timers are
	// armed.
	ReconcileOrphans(ctx context.Context) error
}

// Activity is the durable append store behind the activity event bus.
type Activity interface {
	// AppendActivity appends an immutable event under
	// (UserID, Timestamp).
	AppendActivity(ctx context.Context, event *types.ActivityEvent) error
	// ActivityHistory returns the user's events, most recent first.
	ActivityHistory(ctx context.Context, userID string, limit int) ([]types.ActivityEvent, error)
}

// Backend aggregates every persistence concern of the control plane.
type Backend interface {
	Credentials
	Sessions
	Threads
	Scheduler
	Activity

	// Close releases the backend's resources.
	Close() error
}
