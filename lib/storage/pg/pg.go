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

// Package pg implements storage.Backend on PostgreSQL. The schema is
// applied in-process at startup; a partial unique index enforces the
// one-live-session-per-user rule at the database level so that two
// control planes pointed at the same database cannot disagree.
package pg

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/reach"
	"github.com/gravitational/reach/lib/types"
	"github.com/gravitational/reach/lib/utils"
	logutils "github.com/gravitational/reach/lib/utils/log"
	"github.com/gravitational/reach/lib/utils/retryutils"
)

// schemaVersion defines the current schema version. Increment when
// adding a migration.
const schemaVersion = 1

// getMigration returns migration SQL for a schema version.
func getMigration(version int) (string, error) {
	switch version {
	case 1:
		return migrateV1, nil
	}
	return "", trace.BadParameter("migration version not implemented: %v", version)
}

// migrateV1 is the baseline schema.
//
// sessions_live_user is partial so that stopped rows keep their history
// while at most one starting or running row can exist per user.
const migrateV1 = `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS x_credentials (
		user_id TEXT PRIMARY KEY,
		encrypted_cookies BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		endpoint TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		job_handle TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		last_active TIMESTAMPTZ NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS sessions_live_user
		ON sessions (user_id) WHERE status IN ('starting', 'running');

	CREATE TABLE IF NOT EXISTS user_threads (
		user_id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS scheduled_posts (
		post_id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		user_id TEXT NOT NULL,
		content TEXT NOT NULL,
		scheduled_at TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS scheduled_posts_user ON scheduled_posts (user_id);
	CREATE INDEX IF NOT EXISTS scheduled_posts_due
		ON scheduled_posts (scheduled_at) WHERE status = 'scheduled';

	CREATE TABLE IF NOT EXISTS cron_jobs (
		job_id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		workflow_name TEXT NOT NULL,
		cron_expression TEXT NOT NULL,
		is_active BOOLEAN NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		last_run_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS cron_jobs_user ON cron_jobs (user_id);

	CREATE TABLE IF NOT EXISTS cron_job_runs (
		run_id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		job_id BIGINT NOT NULL REFERENCES cron_jobs (job_id) ON DELETE CASCADE,
		status TEXT NOT NULL,
		thread_id TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		error_message TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS cron_job_runs_job ON cron_job_runs (job_id);

	CREATE TABLE IF NOT EXISTS activity_events (
		event_id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		user_id TEXT NOT NULL,
		action TEXT NOT NULL,
		status TEXT NOT NULL,
		target TEXT NOT NULL DEFAULT '',
		details JSONB,
		ts TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS activity_events_user
		ON activity_events (user_id, event_id DESC);
`

// Config holds parameters for opening the Postgres backend.
type Config struct {
	// ConnString is a pgx connection string or URL.
	ConnString string
	// MaxConns caps the pool size, 0 means pgx default.
	MaxConns int32
	// Clock overrides time in tests.
	Clock clockwork.Clock
	// Log is the backend logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.ConnString == "" {
		return trace.BadParameter("missing postgres connection string")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logutils.NewPackageLogger(reach.ComponentKey, reach.ComponentStorage)
	}
	return nil
}

// Backend implements storage.Backend on a pgx connection pool.
type Backend struct {
	pool  *pgxpool.Pool
	clock clockwork.Clock
	log   *slog.Logger
}

// New connects to Postgres and applies the schema. Schema setup is
// retried because the database is often still coming up when the
// control plane starts.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, trace.Wrap(err, "parsing postgres connection string")
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	b := &Backend{
		pool:  pool,
		clock: cfg.Clock,
		log:   cfg.Log,
	}
	if err := b.setupSchema(ctx); err != nil {
		pool.Close()
		return nil, trace.Wrap(err)
	}
	return b, nil
}

func (b *Backend) setupSchema(ctx context.Context) error {
	retry, err := retryutils.NewLinear(retryutils.LinearConfig{
		First: time.Second,
		Step:  time.Second,
		Max:   10 * time.Second,
		Clock: b.clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	return trace.Wrap(retry.For(ctx, func() error {
		if err := b.pool.Ping(ctx); err != nil {
			if utils.IsConnectionRefused(err) {
				b.log.DebugContext(ctx, "waiting for postgres", "error", err)
			} else {
				b.log.WarnContext(ctx, "Postgres ping failed", "error", err)
			}
			return trace.Wrap(err)
		}
		for version := 1; version <= schemaVersion; version++ {
			migration, err := getMigration(version)
			if err != nil {
				return retryutils.PermanentRetryError(err)
			}
			if _, err := b.pool.Exec(ctx, migration); err != nil {
				return trace.Wrap(err, "applying schema version %v", version)
			}
			if _, err := b.pool.Exec(ctx,
				"INSERT INTO schema_version (version) VALUES ($1) ON CONFLICT DO NOTHING",
				version,
			); err != nil {
				return trace.Wrap(err)
			}
		}
		return nil
	}))
}

// Close releases the connection pool.
func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// UpsertCredentials overwrites the user's sealed cookie envelope.
func (b *Backend) UpsertCredentials(ctx context.Context, userID string, sealed []byte) error {
	if userID == "" {
		return trace.BadParameter("missing user id")
	}
	_, err := b.pool.Exec(ctx, `
		INSERT INTO x_credentials (user_id, encrypted_cookies, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO UPDATE SET encrypted_cookies = EXCLUDED.encrypted_cookies, updated_at = now()`,
		userID, sealed,
	)
	return trace.Wrap(err)
}

// GetCredentials returns the sealed envelope or trace.NotFound.
func (b *Backend) GetCredentials(ctx context.Context, userID string) ([]byte, error) {
	var sealed []byte
	err := b.pool.QueryRow(ctx,
		"SELECT encrypted_cookies FROM x_credentials WHERE user_id = $1", userID,
	).Scan(&sealed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, trace.NotFound("no credentials for user %q", userID)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return sealed, nil
}

// DeleteCredentials removes the envelope, tolerating absence.
func (b *Backend) DeleteCredentials(ctx context.Context, userID string) error {
	_, err := b.pool.Exec(ctx, "DELETE FROM x_credentials WHERE user_id = $1", userID)
	return trace.Wrap(err)
}

// CreateSession inserts a session row. The partial unique index turns a
// second live session for the user into trace.AlreadyExists.
func (b *Backend) CreateSession(ctx context.Context, s *types.Session) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO sessions (session_id, user_id, endpoint, status, job_handle, created_at, last_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.ID, s.UserID, s.Endpoint, string(s.Status), s.JobHandle, s.CreatedAt, s.LastActive,
	)
	if isUniqueViolation(err) {
		return trace.AlreadyExists("user %q already has a live session", s.UserID)
	}
	return trace.Wrap(err)
}

// UpdateSession updates a session row by ID.
func (b *Backend) UpdateSession(ctx context.Context, s *types.Session) error {
	tag, err := b.pool.Exec(ctx, `
		UPDATE sessions SET endpoint = $2, status = $3, job_handle = $4, last_active = $5
		WHERE session_id = $1`,
		s.ID, s.Endpoint, string(s.Status), s.JobHandle, s.LastActive,
	)
	if err != nil {
		return trace.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("session %q not found", s.ID)
	}
	return nil
}

// GetLiveSessionByUser returns the user's live session row.
func (b *Backend) GetLiveSessionByUser(ctx context.Context, userID string) (*types.Session, error) {
	var s types.Session
	var status string
	err := b.pool.QueryRow(ctx, `
		SELECT session_id, user_id, endpoint, status, job_handle, created_at, last_active
		FROM sessions WHERE user_id = $1 AND status IN ('starting', 'running')`,
		userID,
	).Scan(&s.ID, &s.UserID, &s.Endpoint, &status, &s.JobHandle, &s.CreatedAt, &s.LastActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, trace.NotFound("no live session for user %q", userID)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.Status = types.SessionStatus(status)
	return &s, nil
}

// MarkStaleSessionsStopped flips all live rows to stopped.
func (b *Backend) MarkStaleSessionsStopped(ctx context.Context) (int, error) {
	tag, err := b.pool.Exec(ctx,
		"UPDATE sessions SET status = 'stopped' WHERE status IN ('starting', 'running')",
	)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return int(tag.RowsAffected()), nil
}

// GetUserThread returns the user's thread id or trace.NotFound.
func (b *Backend) GetUserThread(ctx context.Context, userID string) (string, error) {
	var threadID string
	err := b.pool.QueryRow(ctx,
		"SELECT thread_id FROM user_threads WHERE user_id = $1", userID,
	).Scan(&threadID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", trace.NotFound("no thread for user %q", userID)
	}
	if err != nil {
		return "", trace.Wrap(err)
	}
	return threadID, nil
}

// PutUserThread records the user's thread id.
func (b *Backend) PutUserThread(ctx context.Context, userID, threadID string) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO user_threads (user_id, thread_id, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO UPDATE SET thread_id = EXCLUDED.thread_id, updated_at = now()`,
		userID, threadID,
	)
	return trace.Wrap(err)
}

// CreatePost inserts a post and returns its generated ID.
func (b *Backend) CreatePost(ctx context.Context, p *types.ScheduledPost) (int64, error) {
	var id int64
	err := b.pool.QueryRow(ctx, `
		INSERT INTO scheduled_posts (user_id, content, scheduled_at, status, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING post_id`,
		p.UserID, p.Content, p.ScheduledAt, string(p.Status), p.ErrorMessage, p.CreatedAt, p.UpdatedAt,
	).Scan(&id)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return id, nil
}

func scanPost(row pgx.Row) (*types.ScheduledPost, error) {
	var p types.ScheduledPost
	var status string
	err := row.Scan(&p.ID, &p.UserID, &p.Content, &p.ScheduledAt, &status, &p.ErrorMessage, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	p.Status = types.PostStatus(status)
	return &p, nil
}

const postColumns = "post_id, user_id, content, scheduled_at, status, error_message, created_at, updated_at"

// GetPost returns a post by ID.
func (b *Backend) GetPost(ctx context.Context, id int64) (*types.ScheduledPost, error) {
	p, err := scanPost(b.pool.QueryRow(ctx,
		"SELECT "+postColumns+" FROM scheduled_posts WHERE post_id = $1", id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, trace.NotFound("scheduled post %d not found", id)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return p, nil
}

// UpdatePost rewrites a post that is still waiting to fire. Guarding on
// the scheduled status keeps an edit from clobbering a concurrent
// dispatch claim.
func (b *Backend) UpdatePost(ctx context.Context, p *types.ScheduledPost) error {
	tag, err := b.pool.Exec(ctx, `
		UPDATE scheduled_posts
		SET content = $2, scheduled_at = $3, status = $4, error_message = $5, updated_at = $6
		WHERE post_id = $1 AND status = 'scheduled'`,
		p.ID, p.Content, p.ScheduledAt, string(p.Status), p.ErrorMessage, b.clock.Now().UTC(),
	)
	if err != nil {
		return trace.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.Wrap(b.explainPostMiss(ctx, p.ID))
	}
	return nil
}

// TransitionPost moves a post between statuses, CAS style. A losing
// compare reports trace.CompareFailed so concurrent dispatchers settle
// on a single winner.
func (b *Backend) TransitionPost(ctx context.Context, id int64, from, to types.PostStatus, errorMessage string) error {
	tag, err := b.pool.Exec(ctx, `
		UPDATE scheduled_posts SET status = $3, error_message = $4, updated_at = $5
		WHERE post_id = $1 AND status = $2`,
		id, string(from), string(to), errorMessage, b.clock.Now().UTC(),
	)
	if err != nil {
		return trace.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.Wrap(b.explainPostMiss(ctx, id))
	}
	return nil
}

// explainPostMiss distinguishes a missing row from a lost compare after
// a conditional update matched nothing.
func (b *Backend) explainPostMiss(ctx context.Context, id int64) error {
	var status string
	err := b.pool.QueryRow(ctx,
		"SELECT status FROM scheduled_posts WHERE post_id = $1", id,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return trace.NotFound("scheduled post %d not found", id)
	}
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.CompareFailed("scheduled post %d is %v", id, status)
}

func (b *Backend) listPosts(ctx context.Context, query string, args ...any) ([]types.ScheduledPost, error) {
	rows, _ := b.pool.Query(ctx, query, args...)
	var out []types.ScheduledPost
	var p types.ScheduledPost
	var status string
	_, err := pgx.ForEachRow(rows, []any{&p.ID, &p.UserID, &p.Content, &p.ScheduledAt, &status, &p.ErrorMessage, &p.CreatedAt, &p.UpdatedAt}, func() error {
		p.Status = types.PostStatus(status)
		out = append(out, p)
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// ListPostsByUser returns the user's posts, newest first.
func (b *Backend) ListPostsByUser(ctx context.Context, userID string) ([]types.ScheduledPost, error) {
	return b.listPosts(ctx,
		"SELECT "+postColumns+" FROM scheduled_posts WHERE user_id = $1 ORDER BY post_id DESC",
		userID,
	)
}

// ListDuePosts returns scheduled posts due at or before now, soonest
// first.
func (b *Backend) ListDuePosts(ctx context.Context, now time.Time) ([]types.ScheduledPost, error) {
	return b.listPosts(ctx,
		"SELECT "+postColumns+" FROM scheduled_posts WHERE status = 'scheduled' AND scheduled_at <= $1 ORDER BY scheduled_at",
		now,
	)
}

// ListPendingPosts returns all posts in scheduled status.
func (b *Backend) ListPendingPosts(ctx context.Context) ([]types.ScheduledPost, error) {
	return b.listPosts(ctx,
		"SELECT "+postColumns+" FROM scheduled_posts WHERE status = 'scheduled' ORDER BY scheduled_at",
	)
}

// CreateJob inserts a cron job and returns its generated ID.
func (b *Backend) CreateJob(ctx context.Context, j *types.CronJob) (int64, error) {
	var id int64
	err := b.pool.QueryRow(ctx, `
		INSERT INTO cron_jobs (user_id, name, workflow_name, cron_expression, is_active, created_at, last_run_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING job_id`,
		j.UserID, j.Name, j.WorkflowName, j.CronExpression, j.IsActive, j.CreatedAt, j.LastRunAt,
	).Scan(&id)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return id, nil
}

const jobColumns = "job_id, user_id, name, workflow_name, cron_expression, is_active, created_at, last_run_at"

// GetJob returns a job by ID.
func (b *Backend) GetJob(ctx context.Context, id int64) (*types.CronJob, error) {
	var j types.CronJob
	err := b.pool.QueryRow(ctx,
		"SELECT "+jobColumns+" FROM cron_jobs WHERE job_id = $1", id,
	).Scan(&j.ID, &j.UserID, &j.Name, &j.WorkflowName, &j.CronExpression, &j.IsActive, &j.CreatedAt, &j.LastRunAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, trace.NotFound("cron job %d not found", id)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &j, nil
}

// UpdateJob rewrites a job row by ID.
func (b *Backend) UpdateJob(ctx context.Context, j *types.CronJob) error {
	tag, err := b.pool.Exec(ctx, `
		UPDATE cron_jobs
		SET name = $2, workflow_name = $3, cron_expression = $4, is_active = $5, last_run_at = $6
		WHERE job_id = $1`,
		j.ID, j.Name, j.WorkflowName, j.CronExpression, j.IsActive, j.LastRunAt,
	)
	if err != nil {
		return trace.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("cron job %d not found", j.ID)
	}
	return nil
}

// DeleteJob removes the job, cascading to its runs.
func (b *Backend) DeleteJob(ctx context.Context, id int64) error {
	tag, err := b.pool.Exec(ctx, "DELETE FROM cron_jobs WHERE job_id = $1", id)
	if err != nil {
		return trace.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("cron job %d not found", id)
	}
	return nil
}

func (b *Backend) listJobs(ctx context.Context, query string, args ...any) ([]types.CronJob, error) {
	rows, _ := b.pool.Query(ctx, query, args...)
	var out []types.CronJob
	var j types.CronJob
	_, err := pgx.ForEachRow(rows, []any{&j.ID, &j.UserID, &j.Name, &j.WorkflowName, &j.CronExpression, &j.IsActive, &j.CreatedAt, &j.LastRunAt}, func() error {
		out = append(out, j)
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// ListJobsByUser returns the user's jobs, newest first.
func (b *Backend) ListJobsByUser(ctx context.Context, userID string) ([]types.CronJob, error) {
	return b.listJobs(ctx,
		"SELECT "+jobColumns+" FROM cron_jobs WHERE user_id = $1 ORDER BY job_id DESC",
		userID,
	)
}

// ListActiveJobs returns every active job across users.
func (b *Backend) ListActiveJobs(ctx context.Context) ([]types.CronJob, error) {
	return b.listJobs(ctx,
		"SELECT "+jobColumns+" FROM cron_jobs WHERE is_active ORDER BY job_id",
	)
}

// CreateJobRun inserts a run history row and returns its generated ID.
func (b *Backend) CreateJobRun(ctx context.Context, r *types.CronJobRun) (int64, error) {
	var id int64
	err := b.pool.QueryRow(ctx, `
		INSERT INTO cron_job_runs (job_id, status, thread_id, started_at, completed_at, error_message)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING run_id`,
		r.JobID, string(r.Status), r.ThreadID, r.StartedAt, r.CompletedAt, r.ErrorMessage,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return 0, trace.NotFound("cron job %d not found", r.JobID)
		}
		return 0, trace.Wrap(err)
	}
	return id, nil
}

// UpdateJobRun rewrites a run row by ID.
func (b *Backend) UpdateJobRun(ctx context.Context, r *types.CronJobRun) error {
	tag, err := b.pool.Exec(ctx, `
		UPDATE cron_job_runs SET status = $2, thread_id = $3, completed_at = $4, error_message = $5
		WHERE run_id = $1`,
		r.ID, string(r.Status), r.ThreadID, r.CompletedAt, r.ErrorMessage,
	)
	if err != nil {
		return trace.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("cron job run %d not found", r.ID)
	}
	return nil
}

// ListJobRuns returns a job's runs, newest first.
func (b *Backend) ListJobRuns(ctx context.Context, jobID int64, limit int) ([]types.CronJobRun, error) {
	query := "SELECT run_id, job_id, status, thread_id, started_at, completed_at, error_message FROM cron_job_runs WHERE job_id = $1 ORDER BY run_id DESC"
	args := []any{jobID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	rows, _ := b.pool.Query(ctx, query, args...)
	var out []types.CronJobRun
	var r types.CronJobRun
	var status string
	_, err := pgx.ForEachRow(rows, []any{&r.ID, &r.JobID, &status, &r.ThreadID, &r.StartedAt, &r.CompletedAt, &r.ErrorMessage}, func() error {
		r.Status = types.CronRunStatus(status)
		out = append(out, r)
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// ReconcileOrphans fails posts and runs left in flight by a previous
// process.
func (b *Backend) ReconcileOrphans(ctx context.Context) error {
	now := b.clock.Now().UTC()
	if _, err := b.pool.Exec(ctx, `
		UPDATE scheduled_posts
		SET status = 'failed', error_message = 'interrupted by restart', updated_at = $1
		WHERE status = 'publishing'`,
		now,
	); err != nil {
		return trace.Wrap(err)
	}
	if _, err := b.pool.Exec(ctx, `
		UPDATE cron_job_runs
		SET status = 'failed', error_message = 'interrupted by restart', completed_at = $1
		WHERE status IN ('queued', 'running')`,
		now,
	); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// AppendActivity appends an immutable event to the user's history.
func (b *Backend) AppendActivity(ctx context.Context, event *types.ActivityEvent) error {
	if err := event.Check(); err != nil {
		return trace.Wrap(err)
	}
	var details []byte
	if len(event.Details) > 0 {
		var err error
		details, err = json.Marshal(event.Details)
		if err != nil {
			return trace.Wrap(err)
		}
	}
	_, err := b.pool.Exec(ctx, `
		INSERT INTO activity_events (user_id, action, status, target, details, ts)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		event.UserID, event.Action, event.Status, event.Target, details, event.Timestamp,
	)
	return trace.Wrap(err)
}

// ActivityHistory returns the user's events, most recent first.
func (b *Backend) ActivityHistory(ctx context.Context, userID string, limit int) ([]types.ActivityEvent, error) {
	query := "SELECT action, status, target, details, ts FROM activity_events WHERE user_id = $1 ORDER BY event_id DESC"
	args := []any{userID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	rows, _ := b.pool.Query(ctx, query, args...)
	var out []types.ActivityEvent
	var event types.ActivityEvent
	var details []byte
	_, err := pgx.ForEachRow(rows, []any{&event.Action, &event.Status, &event.Target, &details, &event.Timestamp}, func() error {
		event.UserID = userID
		event.Details = nil
		if len(details) > 0 {
			if err := json.Unmarshal(details, &event.Details); err != nil {
				return trace.Wrap(err)
			}
		}
		out = append(out, event)
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}
