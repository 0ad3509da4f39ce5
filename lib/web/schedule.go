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

package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/gravitational/reach/lib/authgate"
	"github.com/gravitational/reach/lib/httplib"
	"github.com/gravitational/reach/lib/types"
)

type upsertPostRequest struct {
	// Content is the post body to publish.
	Content string `json:"content,omitempty"`
	// ScheduledAt is the UTC publication time.
	ScheduledAt time.Time `json:"scheduled_at,omitempty"`
}

// createScheduledPost schedules a one-shot post for future
// publication.
func (h *Handler) createScheduledPost(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *authgate.Identity) (interface{}, error) {
	var req upsertPostRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	post, err := h.cfg.Scheduler.AddPost(r.Context(), identity.UserID, req.Content, req.ScheduledAt)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return post, nil
}

// listScheduledPosts returns the caller's posts, newest first.
func (h *Handler) listScheduledPosts(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *authgate.Identity) (interface{}, error) {
	posts, err := h.cfg.Scheduler.ListPosts(r.Context(), identity.UserID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return posts, nil
}

// updateScheduledPost edits a pending post's content or fire time.
// Omitted fields keep their stored values. Posts that already reached
// a terminal status reject the edit.
func (h *Handler) updateScheduledPost(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *authgate.Identity) (interface{}, error) {
	post, err := h.postOwnedBy(r.Context(), p, identity)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req upsertPostRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	updated, err := h.cfg.Scheduler.UpdatePost(r.Context(), post.ID, req.Content, req.ScheduledAt)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return updated, nil
}

// cancelScheduledPost cancels a pending post before it fires.
func (h *Handler) cancelScheduledPost(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *authgate.Identity) (interface{}, error) {
	post, err := h.postOwnedBy(r.Context(), p, identity)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Scheduler.CancelPost(r.Context(), post.ID); err != nil {
		return nil, trace.Wrap(err)
	}
	return okResponse{OK: true}, nil
}

// runScheduledPost publishes a pending post immediately instead of
// waiting for its scheduled time.
func (h *Handler) runScheduledPost(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *authgate.Identity) (interface{}, error) {
	post, err := h.postOwnedBy(r.Context(), p, identity)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Scheduler.RunPostNow(r.Context(), post.ID); err != nil {
		return nil, trace.Wrap(err)
	}
	return okResponse{OK: true}, nil
}

type createJobRequest struct {
	// Name labels the job in listings.
	Name string `json:"name"`
	// WorkflowName is the workflow each fire invokes.
	WorkflowName string `json:"workflow_name"`
	// CronExpression is a five-field cron schedule, evaluated in UTC.
	CronExpression string `json:"cron_expression"`
}

// createCronJob registers a recurring workflow invocation.
func (h *Handler) createCronJob(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *authgate.Identity) (interface{}, error) {
	var req createJobRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	job, err := h.cfg.Scheduler.AddJob(r.Context(), &types.CronJob{
		UserID:         identity.UserID,
		Name:           req.Name,
		WorkflowName:   req.WorkflowName,
		CronExpression: req.CronExpression,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return job, nil
}

// listCronJobs returns the caller's cron jobs.
func (h *Handler) listCronJobs(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *authgate.Identity) (interface{}, error) {
	jobs, err := h.cfg.Scheduler.ListJobs(r.Context(), identity.UserID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return jobs, nil
}

// pauseCronJob stops scheduled fires. Manual runs still work while
// paused.
func (h *Handler) pauseCronJob(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *authgate.Identity) (interface{}, error) {
	job, err := h.jobOwnedBy(r.Context(), p, identity)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Scheduler.PauseJob(r.Context(), job.ID); err != nil {
		return nil, trace.Wrap(err)
	}
	return okResponse{OK: true}, nil
}

// resumeCronJob re-enables scheduled fires.
func (h *Handler) resumeCronJob(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *authgate.Identity) (interface{}, error) {
	job, err := h.jobOwnedBy(r.Context(), p, identity)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Scheduler.ResumeJob(r.Context(), job.ID); err != nil {
		return nil, trace.Wrap(err)
	}
	return okResponse{OK: true}, nil
}

// runCronJob fires the job once, immediately, regardless of its
// schedule or paused state.
func (h *Handler) runCronJob(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *authgate.Identity) (interface{}, error) {
	job, err := h.jobOwnedBy(r.Context(), p, identity)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Scheduler.RunJobNow(r.Context(), job.ID); err != nil {
		return nil, trace.Wrap(err)
	}
	return okResponse{OK: true}, nil
}

// deleteCronJob removes the job and its run history.
func (h *Handler) deleteCronJob(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *authgate.Identity) (interface{}, error) {
	job, err := h.jobOwnedBy(r.Context(), p, identity)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Scheduler.DeleteJob(r.Context(), job.ID); err != nil {
		return nil, trace.Wrap(err)
	}
	return okResponse{OK: true}, nil
}

// listCronJobRuns returns the job's run history, newest first.
func (h *Handler) listCronJobRuns(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *authgate.Identity) (interface{}, error) {
	job, err := h.jobOwnedBy(r.Context(), p, identity)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	limit, err := parseLimit(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	runs, err := h.cfg.Scheduler.ListJobRuns(r.Context(), job.ID, limit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return runs, nil
}

// postOwnedBy loads the :post_id resource and verifies the caller
// owns it. A foreign post reads as not found so ids cannot be probed
// across tenants.
func (h *Handler) postOwnedBy(ctx context.Context, p httprouter.Params, identity *authgate.Identity) (*types.ScheduledPost, error) {
	id, err := parseID(p.ByName("post_id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	post, err := h.cfg.Scheduler.GetPost(ctx, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if post.UserID != identity.UserID {
		return nil, trace.NotFound("scheduled post %d not found", id)
	}
	return post, nil
}

// jobOwnedBy loads the :job_id resource and verifies the caller owns
// it.
func (h *Handler) jobOwnedBy(ctx context.Context, p httprouter.Params, identity *authgate.Identity) (*types.CronJob, error) {
	id, err := parseID(p.ByName("job_id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	job, err := h.cfg.Scheduler.GetJob(ctx, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if job.UserID != identity.UserID {
		return nil, trace.NotFound("cron job %d not found", id)
	}
	return job, nil
}
