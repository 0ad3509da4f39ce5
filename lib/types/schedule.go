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

package types

import (
	"time"

	"github.com/gravitational/trace"
)

// PostStatus is the lifecycle state of a one-shot scheduled post.
type PostStatus string

const (
	// PostScheduled means the timer is armed.
	PostScheduled PostStatus = "scheduled"
	// PostPublishing means the fire is in flight.
	PostPublishing PostStatus = "publishing"
	// PostPublished is terminal success.
	PostPublished PostStatus = "published"
	// PostFailed is terminal failure; ErrorMessage says why.
	PostFailed PostStatus = "failed"
	// PostCancelled is terminal; the timer binding is removed.
	PostCancelled PostStatus = "cancelled"
)

// IsTerminal reports whether the post can never fire again.
func (s PostStatus) IsTerminal() bool {
	return s == PostPublished || s == PostFailed || s == PostCancelled
}

// ScheduledPost is a one-shot content publication scheduled for a
// fixed future instant.
type ScheduledPost struct {
	// ID is a monotonic integer assigned by storage.
	ID int64 `json:"post_id"`
	// UserID is the scheduling owner; the fire runs under this
	// identity without a live session.
	UserID string `json:"user_id"`
	// Content is the text to publish.
	Content string `json:"content"`
	// ScheduledAt is the UTC fire instant.
	ScheduledAt time.Time `json:"scheduled_at"`
	// Status is the lifecycle state.
	Status PostStatus `json:"status"`
	// ErrorMessage records why a fire failed.
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Check validates a post before it is stored.
func (p *ScheduledPost) Check() error {
	if p.UserID == "" {
		return trace.BadParameter("scheduled post: missing user id")
	}
	if p.Content == "" {
		return trace.BadParameter("scheduled post: missing content")
	}
	if p.ScheduledAt.IsZero() {
		return trace.BadParameter("scheduled post: missing scheduled_at")
	}
	return nil
}

// CronJob is a durable recurring workflow invocation following a
// five-field UTC cron expression.
type CronJob struct {
	// ID is a monotonic integer assigned by storage.
	ID int64 `json:"job_id"`
	// UserID is the scheduling owner.
	UserID string `json:"user_id"`
	// Name is the user-visible label.
	Name string `json:"name"`
	// WorkflowName is the workflow invoked on each fire.
	WorkflowName string `json:"workflow_name"`
	// CronExpression is minute, hour, day-of-month, month,
	// day-of-week, evaluated in UTC.
	CronExpression string `json:"cron_expression"`
	// IsActive gates firing; paused jobs keep their rows and history.
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	// LastRunAt is set when a fire completes, success or not.
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
}

// Check validates a job before it is stored. Cron expression syntax is
// validated by the scheduler, which owns the parser.
func (j *CronJob) Check() error {
	if j.UserID == "" {
		return trace.BadParameter("cron job: missing user id")
	}
	if j.Name == "" {
		return trace.BadParameter("cron job: missing name")
	}
	if j.WorkflowName == "" {
		return trace.BadParameter("cron job: missing workflow name")
	}
	if j.CronExpression == "" {
		return trace.BadParameter("cron job: missing cron expression")
	}
	return nil
}

// CronRunStatus is the lifecycle state of a single cron fire.
type CronRunStatus string

const (
	CronRunQueued  CronRunStatus = "queued"
	CronRunRunning CronRunStatus = "running"
	CronRunSuccess CronRunStatus = "success"
	CronRunFailed  CronRunStatus = "failed"
)

// CronJobRun is the recorded history of one cron job fire. Runs are
// owned by their job and removed with it.
type CronJobRun struct {
	// ID is a monotonic integer assigned by storage.
	ID int64 `json:"run_id"`
	// JobID is the owning cron job.
	JobID int64 `json:"job_id"`
	// Status moves queued -> running -> success | failed.
	Status CronRunStatus `json:"status"`
	// ThreadID is the workflow runtime thread the fire executed on,
	// when one was created.
	ThreadID  string    `json:"thread_id,omitempty"`
	StartedAt time.Time `json:"started_at"`
	// CompletedAt is nil while the fire is in flight.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// ErrorMessage records why the fire failed.
	ErrorMessage string `json:"error_message,omitempty"`
}
