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

// Package agent launches, streams and cancels workflow runs on behalf
// of users. A user has at most one active run; its events are pushed
// to the user's subscribed clients in runtime order. Cancellation is
// cooperative and observed at event boundaries.
package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/reach"
	"github.com/gravitational/reach/lib/activity"
	"github.com/gravitational/reach/lib/defaults"
	"github.com/gravitational/reach/lib/storage"
	"github.com/gravitational/reach/lib/types"
	"github.com/gravitational/reach/lib/utils"
	logutils "github.com/gravitational/reach/lib/utils/log"
	"github.com/gravitational/reach/lib/workflow"
)

var (
	runsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reach_agent_runs_active",
		Help: "Number of live workflow runs",
	})
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reach_agent_runs_total",
			Help: "Number of finished workflow runs by outcome",
		},
		[]string{"outcome"},
	)
)

// Controller-origin client events. Runtime events (metadata, updates,
// messages, custom) pass through under their own names.
const (
	// EventCompleted ends a run's stream after a normal finish.
	EventCompleted = "completed"
	// EventCancelled ends a run's stream after cooperative
	// cancellation.
	EventCancelled = "cancelled"
	// EventFailed ends a run's stream after a runtime error.
	EventFailed = "failed"
	// EventStopping acknowledges a cancel before the stream loop
	// observes it.
	EventStopping = "stopping"
)

// activityCompleteType marks a custom runtime event that records a
// finished platform side effect.
const activityCompleteType = "activity_complete"

// ClientEvent is one event pushed to a subscribed client.
type ClientEvent struct {
	// Event is the event type.
	Event string `json:"event"`
	// RunID names the run the event belongs to.
	RunID string `json:"run_id,omitempty"`
	// Data is the raw payload, absent for bare signals.
	Data json.RawMessage `json:"data,omitempty"`
}

// StartedRun describes a freshly launched run.
type StartedRun struct {
	RunID        string    `json:"run_id"`
	ThreadID     string    `json:"thread_id"`
	WorkflowName string    `json:"workflow_name"`
	StartedAt    time.Time `json:"started_at"`
}

// RunStatus reports whether a user has a live run.
type RunStatus struct {
	Running      bool      `json:"running"`
	RunID        string    `json:"run_id,omitempty"`
	ThreadID     string    `json:"thread_id,omitempty"`
	WorkflowName string    `json:"workflow_name,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
}

// Config holds parameters for the run controller.
type Config struct {
	// Runtime hosts the workflows.
	Runtime workflow.Client
	// Threads persists each user's thread id across restarts.
	Threads storage.Threads
	// Bus receives completed platform activities.
	Bus *activity.Bus
	// QueueSize is the per-subscriber buffer depth.
	QueueSize int
	// Clock overrides time in tests.
	Clock clockwork.Clock
	// Log is the controller logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Runtime == nil {
		return trace.BadParameter("missing workflow runtime")
	}
	if c.Threads == nil {
		return trace.BadParameter("missing thread storage")
	}
	if c.Bus == nil {
		return trace.BadParameter("missing activity bus")
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaults.SubscriberBuffer
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logutils.NewPackageLogger(reach.ComponentKey, reach.ComponentAgent)
	}
	return nil
}

// Controller tracks live runs and their subscribers.
type Controller struct {
	cfg Config
	log *slog.Logger

	closeCtx  context.Context
	close     context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu     sync.Mutex
	runs   map[string]*runRecord
	subs   map[string]map[int64]*Subscription
	nextID int64
	locks  map[string]*sync.Mutex
}

// runRecord tracks one live workflow run.
type runRecord struct {
	runID        string
	userID       string
	threadID     string
	workflowName string
	startedAt    time.Time
	cancelled    atomic.Bool
	stop         context.CancelFunc
}

// NewController creates a run controller.
func NewController(cfg Config) (*Controller, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(runsActive, runsTotal); err != nil {
		return nil, trace.Wrap(err)
	}
	closeCtx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:      cfg,
		log:      cfg.Log,
		closeCtx: closeCtx,
		close:    cancel,
		runs:     make(map[string]*runRecord),
		subs:     make(map[string]map[int64]*Subscription),
		locks:    make(map[string]*sync.Mutex),
	}, nil
}

func (c *Controller) userLock(userID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[userID] = l
	}
	return l
}

// Start launches a workflow run for the user. Returns
// trace.AlreadyExists while the user's previous run is still live.
// The run outlives ctx; events flow to the user's subscribers until a
// terminal event.
func (c *Controller) Start(ctx context.Context, userID, workflowName string, input map[string]any) (*StartedRun, error) {
	if userID == "" {
		return nil, trace.BadParameter("missing user id")
	}
	if workflowName == "" {
		return nil, trace.BadParameter("missing workflow name")
	}

	lock := c.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	_, active := c.runs[userID]
	c.mu.Unlock()
	if active {
		return nil, trace.AlreadyExists("user %q already has an active run", userID)
	}

	threadID, err := c.threadFor(ctx, userID)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	runInput := make(map[string]any, len(input)+1)
	maps.Copy(runInput, input)
	runInput["user_id"] = userID

	runCtx, stop := context.WithCancel(c.closeCtx)
	events, err := c.cfg.Runtime.Stream(runCtx, threadID, workflowName, runInput,
		[]string{workflow.EventUpdates, workflow.EventMessages, workflow.EventCustom})
	if err != nil {
		stop()
		return nil, trace.Wrap(err)
	}

	rec := &runRecord{
		runID:        uuid.NewString(),
		userID:       userID,
		threadID:     threadID,
		workflowName: workflowName,
		startedAt:    c.cfg.Clock.Now().UTC(),
		stop:         stop,
	}
	c.mu.Lock()
	c.runs[userID] = rec
	runsActive.Set(float64(len(c.runs)))
	c.mu.Unlock()

	c.log.InfoContext(ctx, "Started run", "user_id", userID, "run_id", rec.runID,
		"thread_id", threadID, "workflow", workflowName)

	c.wg.Add(1)
	go c.streamLoop(rec, events)

	return &StartedRun{
		RunID:        rec.runID,
		ThreadID:     rec.threadID,
		WorkflowName: rec.workflowName,
		StartedAt:    rec.startedAt,
	}, nil
}

// threadFor returns the user's persistent thread, creating and
// recording one on first use.
func (c *Controller) threadFor(ctx context.Context, userID string) (string, error) {
	threadID, err := c.cfg.Threads.GetUserThread(ctx, userID)
	if err == nil {
		return threadID, nil
	}
	if !trace.IsNotFound(err) {
		return "", trace.Wrap(err)
	}
	threadID, err = c.cfg.Runtime.CreateThread(ctx)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if err := c.cfg.Threads.PutUserThread(ctx, userID, threadID); err != nil {
		return "", trace.Wrap(err)
	}
	c.log.InfoContext(ctx, "Created workflow thread", "user_id", userID, "thread_id", threadID)
	return threadID, nil
}

// streamLoop consumes one run's events until the stream ends, the run
// is cancelled, or the runtime reports an error.
func (c *Controller) streamLoop(rec *runRecord, events <-chan workflow.Event) {
	defer c.wg.Done()
	defer rec.stop()

	terminal := EventCompleted
	var terminalData json.RawMessage
	defer func() {
		if r := recover(); r != nil {
			c.log.ErrorContext(c.closeCtx, "Recovered from panic in run stream",
				"user_id", rec.userID, "run_id", rec.runID, "panic", r)
			terminal = EventFailed
		}
		c.finishRun(rec, terminal, terminalData)
	}()

	for ev := range events {
		if rec.cancelled.Load() {
			terminal = EventCancelled
			return
		}
		if ev.Event == workflow.EventError {
			terminal = EventFailed
			terminalData = ev.Data
			return
		}
		c.forward(rec.userID, ClientEvent{Event: ev.Event, RunID: rec.runID, Data: ev.Data})
		if ev.Event == workflow.EventCustom {
			c.publishCompletedActivity(rec.userID, ev.Data)
		}
	}
	// The stream closing because the controller is shutting down is
	// not a completion.
	if rec.cancelled.Load() || c.closeCtx.Err() != nil {
		terminal = EventCancelled
	}
}

// finishRun removes the run record and emits the terminal event. The
// record is gone before subscribers hear the terminal event; an
// immediate restart never collides with the finished run.
func (c *Controller) finishRun(rec *runRecord, terminal string, data json.RawMessage) {
	c.mu.Lock()
	if c.runs[rec.userID] == rec {
		delete(c.runs, rec.userID)
	}
	runsActive.Set(float64(len(c.runs)))
	c.mu.Unlock()

	c.forward(rec.userID, ClientEvent{Event: terminal, RunID: rec.runID, Data: data})
	runsTotal.WithLabelValues(terminal).Inc()
	c.log.InfoContext(c.closeCtx, "Run finished", "user_id", rec.userID,
		"run_id", rec.runID, "outcome", terminal)
}

// completedActivity is the payload shape of an activity_complete
// custom event.
type completedActivity struct {
	Type    string            `json:"type"`
	Action  string            `json:"action"`
	Status  string            `json:"status"`
	Target  string            `json:"target"`
	Details map[string]string `json:"details"`
}

// publishCompletedActivity turns an activity_complete custom event
// into a durable activity event. Publication happens exactly once per
// source event and does not depend on live delivery.
func (c *Controller) publishCompletedActivity(userID string, data json.RawMessage) {
	var completed completedActivity
	if err := json.Unmarshal(data, &completed); err != nil {
		c.log.DebugContext(c.closeCtx, "Ignoring unparseable custom event", "user_id", userID, "error", err)
		return
	}
	if completed.Type != activityCompleteType {
		return
	}
	status := completed.Status
	if status == "" {
		status = types.ActivitySuccess
	}
	event := &types.ActivityEvent{
		UserID:  userID,
		Action:  completed.Action,
		Status:  status,
		Target:  completed.Target,
		Details: completed.Details,
	}
	if err := c.cfg.Bus.Publish(c.closeCtx, event); err != nil {
		c.log.WarnContext(c.closeCtx, "Failed to publish completed activity",
			"user_id", userID, "error", err)
	}
}

// Cancel requests cooperative cancellation of the user's run. Returns
// false when no run is active; cancelling twice is harmless. The
// stopping event is emitted before the rollback call so clients hear
// the acknowledgment promptly.
func (c *Controller) Cancel(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, trace.BadParameter("missing user id")
	}
	lock := c.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	rec := c.runs[userID]
	c.mu.Unlock()
	if rec == nil {
		return false, nil
	}
	if !rec.cancelled.CompareAndSwap(false, true) {
		return true, nil
	}

	c.forward(userID, ClientEvent{Event: EventStopping, RunID: rec.runID})
	c.log.InfoContext(ctx, "Cancelling run", "user_id", userID, "run_id", rec.runID)

	// Rollback makes the runtime drop the aborted run from the
	// thread's history. Best effort; local cancellation stands either
	// way.
	input := map[string]any{"user_id": userID}
	if _, err := c.cfg.Runtime.CreateRun(ctx, rec.threadID, rec.workflowName, input, workflow.StrategyRollback); err != nil {
		c.log.WarnContext(ctx, "Rollback run failed, cancellation proceeds",
			"user_id", userID, "thread_id", rec.threadID, "error", err)
	}
	return true, nil
}

// Status reports the user's live run, if any.
func (c *Controller) Status(userID string) RunStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.runs[userID]
	if rec == nil {
		return RunStatus{}
	}
	return RunStatus{
		Running:      true,
		RunID:        rec.runID,
		ThreadID:     rec.threadID,
		WorkflowName: rec.workflowName,
		StartedAt:    rec.startedAt,
	}
}

// Subscribe attaches a live feed of the user's run events. Subscribe
// before Start to observe a run from its first event.
func (c *Controller) Subscribe(userID string) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	sub := &Subscription{
		ctl:    c,
		userID: userID,
		id:     c.nextID,
		ch:     make(chan ClientEvent, c.cfg.QueueSize),
	}
	if c.closeCtx.Err() != nil {
		sub.closed = true
		close(sub.ch)
		return sub
	}
	if c.subs[userID] == nil {
		c.subs[userID] = make(map[int64]*Subscription)
	}
	c.subs[userID][sub.id] = sub
	return sub
}

func (c *Controller) unsubscribe(sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	userSubs := c.subs[sub.userID]
	if _, ok := userSubs[sub.id]; !ok {
		return
	}
	delete(userSubs, sub.id)
	if len(userSubs) == 0 {
		delete(c.subs, sub.userID)
	}
}

// forward delivers an event to the user's subscribers. A subscriber
// with a full queue is dropped; its channel closes after the buffered
// events drain and Lagged reports why.
func (c *Controller) forward(userID string, ev ClientEvent) {
	c.mu.Lock()
	targets := make([]*Subscription, 0, len(c.subs[userID]))
	for _, sub := range c.subs[userID] {
		targets = append(targets, sub)
	}
	c.mu.Unlock()

	for _, sub := range targets {
		if sub.trySend(ev) {
			continue
		}
		c.log.WarnContext(c.closeCtx, "Dropping lagging run subscriber", "user_id", userID)
		c.unsubscribe(sub)
		sub.markLagged()
	}
}

// Close cancels live runs' streams and closes all subscriptions.
func (c *Controller) Close() error {
	c.closeOnce.Do(c.close)
	c.wg.Wait()

	c.mu.Lock()
	var all []*Subscription
	for _, userSubs := range c.subs {
		for _, sub := range userSubs {
			all = append(all, sub)
		}
	}
	c.subs = make(map[string]map[int64]*Subscription)
	c.mu.Unlock()

	for _, sub := range all {
		sub.shut()
	}
	return nil
}

// Subscription is one subscriber's bounded feed of run events.
type Subscription struct {
	ctl    *Controller
	userID string
	id     int64

	mu     sync.Mutex
	closed bool
	lagged bool
	ch     chan ClientEvent
}

// Events returns the feed channel. It closes at subscription close or
// lagging drop; buffered events can still be drained after that.
func (s *Subscription) Events() <-chan ClientEvent {
	return s.ch
}

// Lagged reports whether the subscription was dropped for falling
// behind. Valid once the events channel is closed.
func (s *Subscription) Lagged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lagged
}

// Close detaches the subscription.
func (s *Subscription) Close() {
	s.ctl.unsubscribe(s)
	s.shut()
}

func (s *Subscription) trySend(ev ClientEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *Subscription) markLagged() {
	s.mu.Lock()
	if !s.closed {
		s.lagged = true
	}
	s.mu.Unlock()
	s.shut()
}

func (s *Subscription) shut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
