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

// Package activity fans completed-side-effect events out to per-user
// live subscribers and appends them to a durable history. Events for
// one user are delivered in publish order; a subscriber that cannot
// keep up is dropped rather than allowed to stall publishers.
package activity

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/reach"
	"github.com/gravitational/reach/lib/defaults"
	"github.com/gravitational/reach/lib/storage"
	"github.com/gravitational/reach/lib/types"
	"github.com/gravitational/reach/lib/utils"
	logutils "github.com/gravitational/reach/lib/utils/log"
)

var (
	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reach_activity_events_total",
			Help: "Number of activity events published",
		},
		[]string{"action", "status"},
	)
	subscribersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reach_activity_subscribers",
		Help: "Number of live activity subscribers",
	})
	subscribersDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reach_activity_subscribers_dropped_total",
		Help: "Number of subscribers dropped for lagging",
	})
)

// Config holds parameters for the activity bus.
type Config struct {
	// Backend is the durable history store.
	Backend storage.Activity
	// QueueSize is the per-subscriber buffer depth.
	QueueSize int
	// Clock overrides time in tests.
	Clock clockwork.Clock
	// Log is the bus logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Backend == nil {
		return trace.BadParameter("missing activity store")
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaults.SubscriberBuffer
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logutils.NewPackageLogger(reach.ComponentKey, reach.ComponentActivity)
	}
	return nil
}

// Bus is the per-user activity fan-out.
type Bus struct {
	cfg Config
	log *slog.Logger

	mu     sync.Mutex
	closed bool
	nextID int64
	subs   map[string]map[int64]*Subscription
	locks  map[string]*sync.Mutex
}

// NewBus creates an activity bus.
func NewBus(cfg Config) (*Bus, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(eventsPublished, subscribersGauge, subscribersDropped); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Bus{
		cfg:   cfg,
		log:   cfg.Log,
		subs:  make(map[string]map[int64]*Subscription),
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// userLock returns the mutex serializing publishes for one user.
// Serializing per user is what makes delivery order match publish
// order without blocking unrelated users.
func (b *Bus) userLock(userID string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		b.locks[userID] = l
	}
	return l
}

// Publish appends the event to the user's durable history and delivers
// it to the user's live subscribers. A history write failure is logged
// and delivery still proceeds; live viewers keep working through a
// storage outage.
func (b *Bus) Publish(ctx context.Context, event *types.ActivityEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = b.cfg.Clock.Now().UTC()
	}
	if err := event.Check(); err != nil {
		return trace.Wrap(err)
	}

	lock := b.userLock(event.UserID)
	lock.Lock()
	defer lock.Unlock()

	if err := b.cfg.Backend.AppendActivity(ctx, event); err != nil {
		b.log.WarnContext(ctx, "Failed to persist activity event, delivering anyway",
			"user_id", event.UserID, "action", event.Action, "error", err)
	}
	eventsPublished.WithLabelValues(event.Action, event.Status).Inc()

	b.mu.Lock()
	targets := make([]*Subscription, 0, len(b.subs[event.UserID]))
	for _, sub := range b.subs[event.UserID] {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		if sub.trySend(*event) {
			continue
		}
		b.log.WarnContext(ctx, "Dropping lagging activity subscriber", "user_id", event.UserID)
		subscribersDropped.Inc()
		b.unsubscribe(sub)
		sub.shut()
	}
	return nil
}

// History returns the user's durable events, most recent first.
func (b *Bus) History(ctx context.Context, userID string, limit int) ([]types.ActivityEvent, error) {
	if userID == "" {
		return nil, trace.BadParameter("missing user id")
	}
	if limit <= 0 {
		limit = defaults.ActivityHistoryLimit
	}
	events, err := b.cfg.Backend.ActivityHistory(ctx, userID, limit)
	return events, trace.Wrap(err)
}

// Subscribe attaches a live event feed for one user. Events published
// before the subscription are not replayed; use History for those.
func (b *Bus) Subscribe(userID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		bus:    b,
		userID: userID,
		id:     b.nextID,
		ch:     make(chan types.ActivityEvent, b.cfg.QueueSize),
	}
	if b.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}
	if b.subs[userID] == nil {
		b.subs[userID] = make(map[int64]*Subscription)
	}
	b.subs[userID][sub.id] = sub
	subscribersGauge.Inc()
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	userSubs := b.subs[sub.userID]
	if _, ok := userSubs[sub.id]; !ok {
		return
	}
	delete(userSubs, sub.id)
	if len(userSubs) == 0 {
		delete(b.subs, sub.userID)
	}
	subscribersGauge.Dec()
}

// Close detaches and closes every subscription. Publishing to a closed
// bus still appends to history but delivers to no one.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*Subscription
	for _, userSubs := range b.subs {
		for _, sub := range userSubs {
			all = append(all, sub)
		}
	}
	b.subs = make(map[string]map[int64]*Subscription)
	subscribersGauge.Set(0)
	b.mu.Unlock()

	for _, sub := range all {
		sub.shut()
	}
	return nil
}

// Subscription is one subscriber's bounded event feed.
type Subscription struct {
	bus    *Bus
	userID string
	id     int64

	mu     sync.Mutex
	closed bool
	ch     chan types.ActivityEvent
}

// Events returns the feed channel. The channel closes when the
// subscription is closed or dropped for lagging; buffered events can
// still be drained after that.
func (s *Subscription) Events() <-chan types.ActivityEvent {
	return s.ch
}

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
	s.shut()
}

func (s *Subscription) trySend(event types.ActivityEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- event:
		return true
	default:
		return false
	}
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
