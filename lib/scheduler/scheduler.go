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

// Package scheduler fires user-owned workflow invocations at declared
// times: one-shot scheduled posts and recurring cron jobs. Schedule
// rows live in storage so the engine survives restarts; every fire is
// dispatched through the agent run controller under the identity
// persisted on the row.
package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/gravitational/reach"
	"github.com/gravitational/reach/lib/agent"
	"github.com/gravitational/reach/lib/defaults"
	"github.com/gravitational/reach/lib/storage"
	"github.com/gravitational/reach/lib/types"
	"github.com/gravitational/reach/lib/utils"
	logutils "github.com/gravitational/reach/lib/utils/log"
)

var firesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "reach_scheduler_fires_total",
	Help: "Schedule fires by kind and outcome",
}, []string{"kind", "outcome"})

const (
	kindPost = "post"
	kindJob  = "job"

	outcomeSuccess = "success"
	outcomeFailed  = "failed"
	outcomeMissed  = "missed"
)

// missedPostMessage is recorded on posts settled by the skip-missed
// policy.
const missedPostMessage = "missed while scheduler was offline"

// Runner is the slice of the agent run controller the engine drives.
type Runner interface {
	// Start launches a workflow run under the given user.
	Start(ctx context.Context, userID, workflowName string, input map[string]any) (*agent.StartedRun, error)
	// Subscribe opens a feed of the user's run events.
	Subscribe(userID string) *agent.Subscription
}

// Config holds parameters for the schedule engine.
type Config struct {
	// Backend persists schedule rows and run history.
	Backend storage.Scheduler
	// Agent launches workflow runs for fires.
	Agent Runner
	// Tick is the due-scan interval for one-shot posts.
	Tick time.Duration
	// MissedPolicy decides what happens to posts whose scheduled time
	// passed while the engine was down.
	MissedPolicy string
	// Clock is the time source.
	Clock clockwork.Clock
	// Log is the logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Backend == nil {
		return trace.BadParameter("missing parameter Backend")
	}
	if c.Agent == nil {
		return trace.BadParameter("missing parameter Agent")
	}
	if c.Tick <= 0 {
		c.Tick = defaults.SchedulerTick
	}
	switch c.MissedPolicy {
	case "":
		c.MissedPolicy = defaults.MissedPolicySkip
	case defaults.MissedPolicySkip, defaults.MissedPolicyFireOnce:
	default:
		return trace.BadParameter("unknown missed fire policy %q", c.MissedPolicy)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logutils.NewPackageLogger(reach.ComponentKey, reach.ComponentScheduler)
	}
	return nil
}

// Engine owns schedule dispatch for every user. One instance per
// process; multi-instance deployments need an external lock.
type Engine struct {
	cfg Config
	log *slog.Logger

	cron   *cron.Cron
	parser cron.Parser

	closeCtx  context.Context
	close     context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu      sync.Mutex
	entries map[int64]cron.EntryID
	// runningPosts and runningJobs hold the IDs with a fire in
	// flight, so a timer and a manual trigger cannot dispatch the
	// same row twice concurrently.
	runningPosts map[int64]struct{}
	runningJobs  map[int64]struct{}
}

// NewEngine reconciles rows left over from a previous process, arms
// timers for every stored schedule and starts the due-post scan.
func NewEngine(ctx context.Context, cfg Config) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(firesTotal); err != nil {
		return nil, trace.Wrap(err)
	}

	closeCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:          cfg,
		log:          cfg.Log,
		parser:       cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		closeCtx:     closeCtx,
		close:        cancel,
		entries:      make(map[int64]cron.EntryID),
		runningPosts: make(map[int64]struct{}),
		runningJobs:  make(map[int64]struct{}),
	}
	e.cron = cron.New(cron.WithLocation(time.UTC), cron.WithParser(e.parser))

	if err := e.reconcile(ctx); err != nil {
		cancel()
		return nil, trace.Wrap(err)
	}

	e.cron.Start()
	e.wg.Add(1)
	go e.scanLoop()
	return e, nil
}

// reconcile resets rows a previous process left in flight, settles
// posts whose fire time passed while the engine was down and re-arms
// active cron entries.
func (e *Engine) reconcile(ctx context.Context) error {
	if err := e.cfg.Backend.ReconcileOrphans(ctx); err != nil {
		return trace.Wrap(err)
	}

	now := e.cfg.Clock.Now().UTC()
	missed, err := e.cfg.Backend.ListDuePosts(ctx, now)
	if err != nil {
		return trace.Wrap(err)
	}
	for _, post := range missed {
		if e.cfg.MissedPolicy == defaults.MissedPolicyFireOnce {
			e.dispatchPost(post.ID)
			continue
		}
		err := e.cfg.Backend.TransitionPost(ctx, post.ID, types.PostScheduled, types.PostFailed, missedPostMessage)
		if err != nil {
			e.log.WarnContext(ctx, "Failed to settle missed post", "post_id", post.ID, "error", err)
			continue
		}
		firesTotal.WithLabelValues(kindPost, outcomeMissed).Inc()
		e.log.InfoContext(ctx, "Skipped post missed while offline",
			"post_id", post.ID, "user_id", post.UserID, "scheduled_at", post.ScheduledAt)
	}

	jobs, err := e.cfg.Backend.ListActiveJobs(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	for _, job := range jobs {
		if err := e.armJob(&job); err != nil {
			e.log.WarnContext(ctx, "Failed to arm cron job",
				"job_id", job.ID, "expression", job.CronExpression, "error", err)
		}
	}

	pending, err := e.cfg.Backend.ListPendingPosts(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	e.log.InfoContext(ctx, "Schedule engine armed",
		"pending_posts", len(pending), "active_jobs", len(jobs), "missed_posts", len(missed))
	return nil
}

// scanLoop wakes on every tick and dispatches posts that have come
// due.
func (e *Engine) scanLoop() {
	defer e.wg.Done()
	ticker := e.cfg.Clock.NewTicker(e.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			e.scanDuePosts()
		case <-e.closeCtx.Done():
			return
		}
	}
}

func (e *Engine) scanDuePosts() {
	ctx := e.closeCtx
	due, err := e.cfg.Backend.ListDuePosts(ctx, e.cfg.Clock.Now().UTC())
	if err != nil {
		e.log.WarnContext(ctx, "Failed to scan due posts", "error", err)
		return
	}
	for _, post := range due {
		e.dispatchPost(post.ID)
	}
}

// dispatchPost starts a post fire unless one is already in flight.
func (e *Engine) dispatchPost(id int64) bool {
	e.mu.Lock()
	if _, busy := e.runningPosts[id]; busy {
		e.mu.Unlock()
		return false
	}
	e.runningPosts[id] = struct{}{}
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.runningPosts, id)
			e.mu.Unlock()
		}()
		e.firePost(e.closeCtx, id)
	}()
	return true
}

func (e *Engine) firePost(ctx context.Context, id int64) {
	post, err := e.cfg.Backend.GetPost(ctx, id)
	if err != nil {
		e.log.WarnContext(ctx, "Failed to load post for dispatch", "post_id", id, "error", err)
		return
	}
	// The scheduled to publishing transition is the dispatch claim: a
	// post cancelled or claimed since the scan loses here and nothing
	// fires.
	if err := e.cfg.Backend.TransitionPost(ctx, id, types.PostScheduled, types.PostPublishing, ""); err != nil {
		if !trace.IsCompareFailed(err) && !trace.IsNotFound(err) {
			e.log.WarnContext(ctx, "Failed to claim post", "post_id", id, "error", err)
		}
		return
	}

	e.log.InfoContext(ctx, "Publishing scheduled post", "post_id", id, "user_id", post.UserID)
	_, runErr := e.invoke(ctx, post.UserID, defaults.PostingWorkflow, map[string]any{
		"content":           post.Content,
		"scheduled_post_id": post.ID,
	})
	if runErr != nil {
		firesTotal.WithLabelValues(kindPost, outcomeFailed).Inc()
		e.log.WarnContext(ctx, "Scheduled post failed", "post_id", id, "user_id", post.UserID, "error", runErr)
		if err := e.cfg.Backend.TransitionPost(ctx, id, types.PostPublishing, types.PostFailed, runErr.Error()); err != nil {
			e.log.WarnContext(ctx, "Failed to record post failure", "post_id", id, "error", err)
		}
		return
	}
	firesTotal.WithLabelValues(kindPost, outcomeSuccess).Inc()
	e.log.InfoContext(ctx, "Scheduled post published", "post_id", id, "user_id", post.UserID)
	if err := e.cfg.Backend.TransitionPost(ctx, id, types.PostPublishing, types.PostPublished, ""); err != nil {
		e.log.WarnContext(ctx, "Failed to record post publication", "post_id", id, "error", err)
	}
}

// dispatchJob starts a job fire unless one is already in flight.
// Scheduled fires skip paused jobs; manual triggers run regardless.
func (e *Engine) dispatchJob(id int64, force bool) bool {
	e.mu.Lock()
	if _, busy := e.runningJobs[id]; busy {
		e.mu.Unlock()
		return false
	}
	e.runningJobs[id] = struct{}{}
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.runningJobs, id)
			e.mu.Unlock()
		}()
		e.fireJob(e.closeCtx, id, force)
	}()
	return true
}

func (e *Engine) fireJob(ctx context.Context, id int64, force bool) {
	job, err := e.cfg.Backend.GetJob(ctx, id)
	if err != nil {
		if trace.IsNotFound(err) {
			e.disarmJob(id)
			return
		}
		e.log.WarnContext(ctx, "Failed to load cron job for dispatch", "job_id", id, "error", err)
		return
	}
	if !job.IsActive && !force {
		return
	}

	run := &types.CronJobRun{
		JobID:     job.ID,
		Status:    types.CronRunQueued,
		StartedAt: e.cfg.Clock.Now().UTC(),
	}
	runID, err := e.cfg.Backend.CreateJobRun(ctx, run)
	if err != nil {
		e.log.WarnContext(ctx, "Failed to record cron run", "job_id", id, "error", err)
		return
	}
	run.ID = runID
	run.Status = types.CronRunRunning
	if err := e.cfg.Backend.UpdateJobRun(ctx, run); err != nil {
		e.log.WarnContext(ctx, "Failed to mark cron run running", "job_id", id, "run_id", runID, "error", err)
	}

	e.log.InfoContext(ctx, "Firing cron job",
		"job_id", id, "run_id", runID, "user_id", job.UserID, "workflow", job.WorkflowName)
	threadID, runErr := e.invoke(ctx, job.UserID, job.WorkflowName, map[string]any{
		"cron_job_id": job.ID,
	})

	completed := e.cfg.Clock.Now().UTC()
	run.ThreadID = threadID
	run.CompletedAt = &completed
	if runErr != nil {
		run.Status = types.CronRunFailed
		run.ErrorMessage = runErr.Error()
		firesTotal.WithLabelValues(kindJob, outcomeFailed).Inc()
		e.log.WarnContext(ctx, "Cron run failed", "job_id", id, "run_id", runID, "error", runErr)
	} else {
		run.Status = types.CronRunSuccess
		firesTotal.WithLabelValues(kindJob, outcomeSuccess).Inc()
	}
	if err := e.cfg.Backend.UpdateJobRun(ctx, run); err != nil {
		e.log.WarnContext(ctx, "Failed to record cron run outcome", "job_id", id, "run_id", runID, "error", err)
	}

	// LastRunAt rides on a fresh read so concurrent edits to the job
	// row are not clobbered. A job deleted mid run cascaded its run
	// rows away already.
	fresh, err := e.cfg.Backend.GetJob(ctx, id)
	if err != nil {
		return
	}
	fresh.LastRunAt = &completed
	if err := e.cfg.Backend.UpdateJob(ctx, fresh); err != nil {
		e.log.WarnContext(ctx, "Failed to record cron job last run", "job_id", id, "error", err)
	}
}

// invoke launches a run under the user and blocks until its terminal
// event. The returned thread ID is set whenever the run started.
func (e *Engine) invoke(ctx context.Context, userID, workflowName string, input map[string]any) (string, error) {
	// Subscribing before Start guarantees the terminal event cannot
	// slip past; events of other runs are filtered out by run ID.
	sub := e.cfg.Agent.Subscribe(userID)
	defer sub.Close()

	started, err := e.cfg.Agent.Start(ctx, userID, workflowName, input)
	if err != nil {
		return "", trace.Wrap(err)
	}
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return started.ThreadID, trace.ConnectionProblem(nil, "run event feed closed before the run finished")
			}
			if ev.RunID != started.RunID {
				continue
			}
			switch ev.Event {
			case agent.EventCompleted:
				return started.ThreadID, nil
			case agent.EventFailed:
				return started.ThreadID, trace.Errorf("workflow failed: %s", failureMessage(ev.Data))
			case agent.EventCancelled:
				return started.ThreadID, trace.Errorf("run was cancelled before completion")
			}
		case <-ctx.Done():
			return started.ThreadID, trace.Wrap(ctx.Err())
		}
	}
}

// failureMessage extracts a human message from a failure payload.
func failureMessage(data json.RawMessage) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Message != "" {
		return body.Message
	}
	if len(data) == 0 {
		return "unknown error"
	}
	return string(data)
}

// armJob registers a cron entry for the job, replacing any previous
// one.
func (e *Engine) armJob(job *types.CronJob) error {
	schedule, err := e.parser.Parse(job.CronExpression)
	if err != nil {
		return trace.BadParameter("invalid cron expression %q: %v", job.CronExpression, err)
	}
	id := job.ID
	e.mu.Lock()
	defer e.mu.Unlock()
	if old, ok := e.entries[id]; ok {
		e.cron.Remove(old)
	}
	e.entries[id] = e.cron.Schedule(schedule, cron.FuncJob(func() {
		e.dispatchJob(id, false)
	}))
	return nil
}

func (e *Engine) disarmJob(id int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if entry, ok := e.entries[id]; ok {
		e.cron.Remove(entry)
		delete(e.entries, id)
	}
}

// AddPost validates and persists a post in scheduled status. The due
// scan picks it up once its time arrives.
func (e *Engine) AddPost(ctx context.Context, userID, content string, scheduledAt time.Time) (*types.ScheduledPost, error) {
	now := e.cfg.Clock.Now().UTC()
	post := &types.ScheduledPost{
		UserID:      userID,
		Content:     content,
		ScheduledAt: scheduledAt.UTC(),
		Status:      types.PostScheduled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := post.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	id, err := e.cfg.Backend.CreatePost(ctx, post)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	post.ID = id
	e.log.InfoContext(ctx, "Scheduled post", "post_id", id, "user_id", userID, "scheduled_at", post.ScheduledAt)
	return post, nil
}

// UpdatePost rewrites the mutable fields of a pending post. Zero
// values keep the stored ones. A moved time takes effect on the next
// scan.
func (e *Engine) UpdatePost(ctx context.Context, id int64, content string, scheduledAt time.Time) (*types.ScheduledPost, error) {
	post, err := e.cfg.Backend.GetPost(ctx, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if content != "" {
		post.Content = content
	}
	if !scheduledAt.IsZero() {
		post.ScheduledAt = scheduledAt.UTC()
	}
	post.UpdatedAt = e.cfg.Clock.Now().UTC()
	if err := e.cfg.Backend.UpdatePost(ctx, post); err != nil {
		return nil, trace.Wrap(err)
	}
	return post, nil
}

// CancelPost cancels a post that has not been claimed for publishing
// yet.
func (e *Engine) CancelPost(ctx context.Context, id int64) error {
	if err := e.cfg.Backend.TransitionPost(ctx, id, types.PostScheduled, types.PostCancelled, ""); err != nil {
		return trace.Wrap(err)
	}
	e.log.InfoContext(ctx, "Cancelled scheduled post", "post_id", id)
	return nil
}

// RunPostNow dispatches a pending post immediately, bypassing its
// scheduled time.
func (e *Engine) RunPostNow(ctx context.Context, id int64) error {
	post, err := e.cfg.Backend.GetPost(ctx, id)
	if err != nil {
		return trace.Wrap(err)
	}
	if post.Status != types.PostScheduled {
		return trace.CompareFailed("scheduled post %d is %v, not %v", id, post.Status, types.PostScheduled)
	}
	if !e.dispatchPost(id) {
		return trace.AlreadyExists("scheduled post %d is already dispatching", id)
	}
	return nil
}

// GetPost returns a post by ID.
func (e *Engine) GetPost(ctx context.Context, id int64) (*types.ScheduledPost, error) {
	post, err := e.cfg.Backend.GetPost(ctx, id)
	return post, trace.Wrap(err)
}

// ListPosts returns the user's posts, newest first.
func (e *Engine) ListPosts(ctx context.Context, userID string) ([]types.ScheduledPost, error) {
	posts, err := e.cfg.Backend.ListPostsByUser(ctx, userID)
	return posts, trace.Wrap(err)
}

// AddJob validates the cron expression, persists the job active and
// arms its entry.
func (e *Engine) AddJob(ctx context.Context, job *types.CronJob) (*types.CronJob, error) {
	if err := job.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := e.parser.Parse(job.CronExpression); err != nil {
		return nil, trace.BadParameter("invalid cron expression %q: %v", job.CronExpression, err)
	}
	job.IsActive = true
	job.CreatedAt = e.cfg.Clock.Now().UTC()
	job.LastRunAt = nil
	id, err := e.cfg.Backend.CreateJob(ctx, job)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	job.ID = id
	if err := e.armJob(job); err != nil {
		return nil, trace.Wrap(err)
	}
	e.log.InfoContext(ctx, "Added cron job",
		"job_id", id, "user_id", job.UserID, "expression", job.CronExpression)
	return job, nil
}

// PauseJob stops future fires of the job until it is resumed. A fire
// already in flight completes.
func (e *Engine) PauseJob(ctx context.Context, id int64) error {
	job, err := e.cfg.Backend.GetJob(ctx, id)
	if err != nil {
		return trace.Wrap(err)
	}
	if job.IsActive {
		job.IsActive = false
		if err := e.cfg.Backend.UpdateJob(ctx, job); err != nil {
			return trace.Wrap(err)
		}
	}
	e.disarmJob(id)
	e.log.InfoContext(ctx, "Paused cron job", "job_id", id)
	return nil
}

// ResumeJob re-activates a paused job and re-arms its entry.
func (e *Engine) ResumeJob(ctx context.Context, id int64) error {
	job, err := e.cfg.Backend.GetJob(ctx, id)
	if err != nil {
		return trace.Wrap(err)
	}
	if !job.IsActive {
		job.IsActive = true
		if err := e.cfg.Backend.UpdateJob(ctx, job); err != nil {
			return trace.Wrap(err)
		}
	}
	if err := e.armJob(job); err != nil {
		return trace.Wrap(err)
	}
	e.log.InfoContext(ctx, "Resumed cron job", "job_id", id)
	return nil
}

// DeleteJob removes the job, its cron entry and all recorded runs.
func (e *Engine) DeleteJob(ctx context.Context, id int64) error {
	e.disarmJob(id)
	if err := e.cfg.Backend.DeleteJob(ctx, id); err != nil {
		return trace.Wrap(err)
	}
	e.log.InfoContext(ctx, "Deleted cron job", "job_id", id)
	return nil
}

// RunJobNow fires the job immediately, paused or not.
func (e *Engine) RunJobNow(ctx context.Context, id int64) error {
	if _, err := e.cfg.Backend.GetJob(ctx, id); err != nil {
		return trace.Wrap(err)
	}
	if !e.dispatchJob(id, true) {
		return trace.AlreadyExists("cron job %d is already dispatching", id)
	}
	return nil
}

// GetJob returns a job by ID.
func (e *Engine) GetJob(ctx context.Context, id int64) (*types.CronJob, error) {
	job, err := e.cfg.Backend.GetJob(ctx, id)
	return job, trace.Wrap(err)
}

// ListJobs returns the user's jobs, newest first.
func (e *Engine) ListJobs(ctx context.Context, userID string) ([]types.CronJob, error) {
	jobs, err := e.cfg.Backend.ListJobsByUser(ctx, userID)
	return jobs, trace.Wrap(err)
}

// ListJobRuns returns a job's recorded runs, newest first.
func (e *Engine) ListJobRuns(ctx context.Context, jobID int64, limit int) ([]types.CronJobRun, error) {
	if _, err := e.cfg.Backend.GetJob(ctx, jobID); err != nil {
		return nil, trace.Wrap(err)
	}
	runs, err := e.cfg.Backend.ListJobRuns(ctx, jobID, limit)
	return runs, trace.Wrap(err)
}

// Close stops the timers and waits for in-flight fires to return.
// Rows interrupted mid-flight are reset by reconciliation on the next
// start.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.cron.Stop()
		e.close()
	})
	e.wg.Wait()
	return nil
}
