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

package scheduler

import (
	"context"
	"encoding/json"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/reach/lib/activity"
	"github.com/gravitational/reach/lib/agent"
	"github.com/gravitational/reach/lib/defaults"
	"github.com/gravitational/reach/lib/storage"
	"github.com/gravitational/reach/lib/types"
	"github.com/gravitational/reach/lib/utils"
	"github.com/gravitational/reach/lib/workflow"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

type enginePack struct {
	backend *storage.Memory
	runtime *workflow.FakeClient
	bus     *activity.Bus
	ctl     *agent.Controller
	engine  *Engine
}

// newEnginePack wires a memory backend, a real run controller over the
// fake workflow runtime and the engine itself. The mutate hook runs
// before the engine starts, so tests can tune the config and pre-seed
// rows through cfg.Backend.
func newEnginePack(t *testing.T, runtime *workflow.FakeClient, mutate func(*Config)) *enginePack {
	t.Helper()
	backend := storage.NewMemory()
	bus, err := activity.NewBus(activity.Config{Backend: backend})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, bus.Close()) })

	ctl, err := agent.NewController(agent.Config{Runtime: runtime, Threads: backend, Bus: bus})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, ctl.Close()) })

	cfg := Config{
		Backend: backend,
		Agent:   ctl,
		Tick:    5 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	engine, err := NewEngine(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, engine.Close()) })

	return &enginePack{backend: backend, runtime: runtime, bus: bus, ctl: ctl, engine: engine}
}

func addPost(t *testing.T, p *enginePack, userID, content string, at time.Time) *types.ScheduledPost {
	t.Helper()
	post, err := p.engine.AddPost(context.Background(), userID, content, at)
	require.NoError(t, err)
	require.NotZero(t, post.ID)
	require.Equal(t, types.PostScheduled, post.Status)
	return post
}

func addJob(t *testing.T, p *enginePack, userID, workflowName, expression string) *types.CronJob {
	t.Helper()
	job, err := p.engine.AddJob(context.Background(), &types.CronJob{
		UserID:         userID,
		Name:           "growth job",
		WorkflowName:   workflowName,
		CronExpression: expression,
	})
	require.NoError(t, err)
	require.NotZero(t, job.ID)
	require.True(t, job.IsActive)
	return job
}

func postInStatus(p *enginePack, id int64, status types.PostStatus) func() bool {
	return func() bool {
		post, err := p.backend.GetPost(context.Background(), id)
		return err == nil && post.Status == status
	}
}

func TestPostFires(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	runtime := workflow.NewFakeClient(
		workflow.Event{Event: workflow.EventUpdates, Data: json.RawMessage(`{"node":"composer"}`)},
	)
	p := newEnginePack(t, runtime, nil)

	post := addPost(t, p, "alice", "hello linkedin", time.Now())
	require.Eventually(t, postInStatus(p, post.ID, types.PostPublished), 2*time.Second, 5*time.Millisecond)

	calls := p.runtime.Streams()
	require.Len(t, calls, 1)
	require.Equal(t, defaults.PostingWorkflow, calls[0].WorkflowName)
	require.Equal(t, "thread-1", calls[0].ThreadID)
	require.Equal(t, "alice", calls[0].Input["user_id"])
	require.Equal(t, "hello linkedin", calls[0].Input["content"])
	require.Equal(t, post.ID, calls[0].Input["scheduled_post_id"])

	stored, err := p.engine.GetPost(ctx, post.ID)
	require.NoError(t, err)
	require.Empty(t, stored.ErrorMessage)
}

func TestPostFailureRecorded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	runtime := workflow.NewFakeClient(
		workflow.Event{Event: workflow.EventError, Data: json.RawMessage(`{"message":"linkedin rejected the draft"}`)},
	)
	p := newEnginePack(t, runtime, nil)

	post := addPost(t, p, "alice", "hello linkedin", time.Now())
	require.Eventually(t, postInStatus(p, post.ID, types.PostFailed), 2*time.Second, 5*time.Millisecond)

	stored, err := p.engine.GetPost(ctx, post.ID)
	require.NoError(t, err)
	require.Contains(t, stored.ErrorMessage, "linkedin rejected the draft")
}

func TestCancelPost(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newEnginePack(t, workflow.NewFakeClient(), func(cfg *Config) {
		cfg.Tick = time.Hour
	})

	post := addPost(t, p, "alice", "later", time.Now().Add(time.Hour))
	require.NoError(t, p.engine.CancelPost(ctx, post.ID))

	stored, err := p.engine.GetPost(ctx, post.ID)
	require.NoError(t, err)
	require.Equal(t, types.PostCancelled, stored.Status)

	err = p.engine.CancelPost(ctx, post.ID)
	require.True(t, trace.IsCompareFailed(err))

	err = p.engine.CancelPost(ctx, 999)
	require.True(t, trace.IsNotFound(err))

	require.Empty(t, p.runtime.Streams())
}

func TestUpdatePostMovesFireTime(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newEnginePack(t, workflow.NewFakeClient(), nil)

	post := addPost(t, p, "alice", "first draft", time.Now().Add(time.Hour))

	// Several scans pass without touching a post armed for later.
	time.Sleep(30 * time.Millisecond)
	stored, err := p.engine.GetPost(ctx, post.ID)
	require.NoError(t, err)
	require.Equal(t, types.PostScheduled, stored.Status)

	updated, err := p.engine.UpdatePost(ctx, post.ID, "final draft", time.Now())
	require.NoError(t, err)
	require.Equal(t, "final draft", updated.Content)

	require.Eventually(t, postInStatus(p, post.ID, types.PostPublished), 2*time.Second, 5*time.Millisecond)
	calls := p.runtime.Streams()
	require.Len(t, calls, 1)
	require.Equal(t, "final draft", calls[0].Input["content"])

	// Terminal posts are immutable.
	_, err = p.engine.UpdatePost(ctx, post.ID, "too late", time.Time{})
	require.True(t, trace.IsCompareFailed(err))
}

func TestRunPostNowSingleDispatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	runtime := workflow.NewFakeClient()
	release := make(chan struct{})
	runtime.StreamFn = func(ctx context.Context, threadID, workflowName string, input map[string]any, modes []string) (<-chan workflow.Event, error) {
		ch := make(chan workflow.Event)
		go func() {
			defer close(ch)
			select {
			case <-release:
			case <-ctx.Done():
			}
		}()
		return ch, nil
	}
	p := newEnginePack(t, runtime, func(cfg *Config) {
		cfg.Tick = time.Hour
	})

	post := addPost(t, p, "alice", "right now", time.Now().Add(time.Hour))
	require.NoError(t, p.engine.RunPostNow(ctx, post.ID))
	require.Eventually(t, postInStatus(p, post.ID, types.PostPublishing), 2*time.Second, 5*time.Millisecond)

	// A second trigger finds the post claimed.
	err := p.engine.RunPostNow(ctx, post.ID)
	require.Error(t, err)

	close(release)
	require.Eventually(t, postInStatus(p, post.ID, types.PostPublished), 2*time.Second, 5*time.Millisecond)
	require.Len(t, p.runtime.Streams(), 1)

	err = p.engine.RunPostNow(ctx, 999)
	require.True(t, trace.IsNotFound(err))
}

func TestMissedPostSkippedAtStartup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var postID int64
	p := newEnginePack(t, workflow.NewFakeClient(), func(cfg *Config) {
		cfg.Tick = time.Hour
		now := time.Now().UTC()
		id, err := cfg.Backend.CreatePost(context.Background(), &types.ScheduledPost{
			UserID:      "alice",
			Content:     "stale",
			ScheduledAt: now.Add(-time.Hour),
			Status:      types.PostScheduled,
			CreatedAt:   now.Add(-2 * time.Hour),
			UpdatedAt:   now.Add(-2 * time.Hour),
		})
		require.NoError(t, err)
		postID = id
	})

	post, err := p.engine.GetPost(ctx, postID)
	require.NoError(t, err)
	require.Equal(t, types.PostFailed, post.Status)
	require.Equal(t, "missed while scheduler was offline", post.ErrorMessage)
	require.Empty(t, p.runtime.Streams())
}

func TestMissedPostFiredOnceAtStartup(t *testing.T) {
	t.Parallel()
	var postID int64
	p := newEnginePack(t, workflow.NewFakeClient(), func(cfg *Config) {
		cfg.MissedPolicy = defaults.MissedPolicyFireOnce
		now := time.Now().UTC()
		id, err := cfg.Backend.CreatePost(context.Background(), &types.ScheduledPost{
			UserID:      "alice",
			Content:     "catch up",
			ScheduledAt: now.Add(-time.Hour),
			Status:      types.PostScheduled,
			CreatedAt:   now.Add(-2 * time.Hour),
			UpdatedAt:   now.Add(-2 * time.Hour),
		})
		require.NoError(t, err)
		postID = id
	})

	require.Eventually(t, postInStatus(p, postID, types.PostPublished), 2*time.Second, 5*time.Millisecond)

	// Later scans leave the settled post alone.
	time.Sleep(30 * time.Millisecond)
	require.Len(t, p.runtime.Streams(), 1)
}

func TestOrphansReconciledAtStartup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var postID, jobID int64
	p := newEnginePack(t, workflow.NewFakeClient(), func(cfg *Config) {
		cfg.Tick = time.Hour
		now := time.Now().UTC()
		var err error
		postID, err = cfg.Backend.CreatePost(context.Background(), &types.ScheduledPost{
			UserID:      "alice",
			Content:     "mid flight",
			ScheduledAt: now.Add(-time.Minute),
			Status:      types.PostPublishing,
			CreatedAt:   now.Add(-time.Hour),
			UpdatedAt:   now.Add(-time.Minute),
		})
		require.NoError(t, err)
		jobID, err = cfg.Backend.CreateJob(context.Background(), &types.CronJob{
			UserID:         "alice",
			Name:           "night shift",
			WorkflowName:   "growth_agent",
			CronExpression: "0 3 * * *",
			IsActive:       false,
			CreatedAt:      now.Add(-time.Hour),
		})
		require.NoError(t, err)
		_, err = cfg.Backend.CreateJobRun(context.Background(), &types.CronJobRun{
			JobID:     jobID,
			Status:    types.CronRunRunning,
			StartedAt: now.Add(-time.Minute),
		})
		require.NoError(t, err)
	})

	post, err := p.engine.GetPost(ctx, postID)
	require.NoError(t, err)
	require.Equal(t, types.PostFailed, post.Status)
	require.Equal(t, "interrupted by restart", post.ErrorMessage)

	runs, err := p.engine.ListJobRuns(ctx, jobID, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, types.CronRunFailed, runs[0].Status)
	require.Equal(t, "interrupted by restart", runs[0].ErrorMessage)
	require.NotNil(t, runs[0].CompletedAt)
}

func TestCronJobRunNow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newEnginePack(t, workflow.NewFakeClient(), func(cfg *Config) {
		cfg.Tick = time.Hour
	})

	job := addJob(t, p, "alice", "growth_agent", "0 9 * * 1")
	require.NoError(t, p.engine.RunJobNow(ctx, job.ID))

	require.Eventually(t, func() bool {
		runs, err := p.engine.ListJobRuns(ctx, job.ID, 0)
		return err == nil && len(runs) == 1 && runs[0].Status == types.CronRunSuccess
	}, 2*time.Second, 5*time.Millisecond)

	runs, err := p.engine.ListJobRuns(ctx, job.ID, 0)
	require.NoError(t, err)
	require.Equal(t, "thread-1", runs[0].ThreadID)
	require.NotNil(t, runs[0].CompletedAt)
	require.Empty(t, runs[0].ErrorMessage)

	calls := p.runtime.Streams()
	require.Len(t, calls, 1)
	require.Equal(t, "growth_agent", calls[0].WorkflowName)
	require.Equal(t, "alice", calls[0].Input["user_id"])
	require.Equal(t, job.ID, calls[0].Input["cron_job_id"])

	fresh, err := p.engine.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, fresh.LastRunAt)
	require.WithinDuration(t, *runs[0].CompletedAt, *fresh.LastRunAt, time.Second)
}

func TestCronRunFailureRecorded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	runtime := workflow.NewFakeClient(
		workflow.Event{Event: workflow.EventError, Data: json.RawMessage(`{"message":"model quota exceeded"}`)},
	)
	p := newEnginePack(t, runtime, func(cfg *Config) {
		cfg.Tick = time.Hour
	})

	job := addJob(t, p, "alice", "growth_agent", "0 9 * * 1")
	require.NoError(t, p.engine.RunJobNow(ctx, job.ID))

	require.Eventually(t, func() bool {
		runs, err := p.engine.ListJobRuns(ctx, job.ID, 0)
		return err == nil && len(runs) == 1 && runs[0].Status == types.CronRunFailed
	}, 2*time.Second, 5*time.Millisecond)

	runs, err := p.engine.ListJobRuns(ctx, job.ID, 0)
	require.NoError(t, err)
	require.Contains(t, runs[0].ErrorMessage, "model quota exceeded")
	require.NotNil(t, runs[0].CompletedAt)

	// Completion is recorded even for failed fires.
	fresh, err := p.engine.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, fresh.LastRunAt)
}

func TestAddJobValidatesExpression(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newEnginePack(t, workflow.NewFakeClient(), func(cfg *Config) {
		cfg.Tick = time.Hour
	})

	_, err := p.engine.AddJob(ctx, &types.CronJob{
		UserID:         "alice",
		Name:           "prose",
		WorkflowName:   "growth_agent",
		CronExpression: "every monday",
	})
	require.True(t, trace.IsBadParameter(err))

	_, err = p.engine.AddJob(ctx, &types.CronJob{
		UserID:         "alice",
		Name:           "six fields",
		WorkflowName:   "growth_agent",
		CronExpression: "0 0 9 * * 1",
	})
	require.True(t, trace.IsBadParameter(err))

	_, err = p.engine.AddJob(ctx, &types.CronJob{
		UserID:         "alice",
		WorkflowName:   "growth_agent",
		CronExpression: "0 9 * * 1",
	})
	require.True(t, trace.IsBadParameter(err))

	jobs, err := p.engine.ListJobs(ctx, "alice")
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestPauseResumeJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newEnginePack(t, workflow.NewFakeClient(), func(cfg *Config) {
		cfg.Tick = time.Hour
	})

	job := addJob(t, p, "alice", "growth_agent", "* * * * *")
	require.NoError(t, p.engine.PauseJob(ctx, job.ID))

	fresh, err := p.engine.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.False(t, fresh.IsActive)

	// A timer fire landing after the pause runs nothing.
	require.True(t, p.engine.dispatchJob(job.ID, false))
	time.Sleep(50 * time.Millisecond)
	runs, err := p.engine.ListJobRuns(ctx, job.ID, 0)
	require.NoError(t, err)
	require.Empty(t, runs)

	// Manual triggers fire paused jobs anyway.
	require.NoError(t, p.engine.RunJobNow(ctx, job.ID))
	require.Eventually(t, func() bool {
		runs, err := p.engine.ListJobRuns(ctx, job.ID, 0)
		return err == nil && len(runs) == 1 && runs[0].Status == types.CronRunSuccess
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, p.engine.ResumeJob(ctx, job.ID))
	fresh, err = p.engine.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, fresh.IsActive)
}

func TestDeleteJobCascades(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newEnginePack(t, workflow.NewFakeClient(), func(cfg *Config) {
		cfg.Tick = time.Hour
	})

	job := addJob(t, p, "alice", "growth_agent", "0 9 * * 1")
	require.NoError(t, p.engine.RunJobNow(ctx, job.ID))
	require.Eventually(t, func() bool {
		runs, err := p.engine.ListJobRuns(ctx, job.ID, 0)
		return err == nil && len(runs) == 1 && runs[0].Status == types.CronRunSuccess
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, p.engine.DeleteJob(ctx, job.ID))

	_, err := p.engine.GetJob(ctx, job.ID)
	require.True(t, trace.IsNotFound(err))
	_, err = p.engine.ListJobRuns(ctx, job.ID, 0)
	require.True(t, trace.IsNotFound(err))

	rows, err := p.backend.ListJobRuns(ctx, job.ID, 0)
	require.NoError(t, err)
	require.Empty(t, rows)

	err = p.engine.DeleteJob(ctx, job.ID)
	require.True(t, trace.IsNotFound(err))
}

func TestJobConflictRecordedAsFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	runtime := workflow.NewFakeClient()
	release := make(chan struct{})
	var calls atomic.Int32
	runtime.StreamFn = func(ctx context.Context, threadID, workflowName string, input map[string]any, modes []string) (<-chan workflow.Event, error) {
		ch := make(chan workflow.Event)
		if calls.Add(1) == 1 {
			go func() {
				defer close(ch)
				select {
				case <-release:
				case <-ctx.Done():
				}
			}()
		} else {
			close(ch)
		}
		return ch, nil
	}
	p := newEnginePack(t, runtime, func(cfg *Config) {
		cfg.Tick = time.Hour
	})

	// The user's interactive run occupies the one-run slot.
	_, err := p.ctl.Start(ctx, "alice", "growth_agent", nil)
	require.NoError(t, err)

	job := addJob(t, p, "alice", "growth_agent", "0 9 * * 1")
	require.NoError(t, p.engine.RunJobNow(ctx, job.ID))

	require.Eventually(t, func() bool {
		runs, err := p.engine.ListJobRuns(ctx, job.ID, 0)
		return err == nil && len(runs) == 1 && runs[0].Status == types.CronRunFailed
	}, 2*time.Second, 5*time.Millisecond)
	runs, err := p.engine.ListJobRuns(ctx, job.ID, 0)
	require.NoError(t, err)
	require.Contains(t, runs[0].ErrorMessage, "already has an active run")

	// Once the slot frees up the next fire goes through.
	close(release)
	require.Eventually(t, func() bool {
		return !p.ctl.Status("alice").Running
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, p.engine.RunJobNow(ctx, job.ID))
	require.Eventually(t, func() bool {
		runs, err := p.engine.ListJobRuns(ctx, job.ID, 0)
		return err == nil && len(runs) == 2 && runs[0].Status == types.CronRunSuccess
	}, 2*time.Second, 5*time.Millisecond)
}
