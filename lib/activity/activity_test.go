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

package activity

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/reach/lib/storage"
	"github.com/gravitational/reach/lib/types"
	"github.com/gravitational/reach/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

func newBus(t *testing.T, queueSize int) (*Bus, *storage.Memory) {
	t.Helper()
	backend := storage.NewMemory()
	bus, err := NewBus(Config{Backend: backend, QueueSize: queueSize})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, bus.Close()) })
	return bus, backend
}

func postEvent(userID, target string) *types.ActivityEvent {
	return &types.ActivityEvent{
		UserID: userID,
		Action: types.ActivityPost,
		Status: types.ActivitySuccess,
		Target: target,
	}
}

func recvEvent(t *testing.T, sub *Subscription) types.ActivityEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed unexpectedly")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for activity event")
		return types.ActivityEvent{}
	}
}

func requireClosed(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case _, ok := <-sub.Events():
		require.False(t, ok, "expected subscription channel to be closed")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscription to close")
	}
}

func TestPublishDelivery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bus, _ := newBus(t, 16)

	first := bus.Subscribe("alice")
	second := bus.Subscribe("alice")
	other := bus.Subscribe("bob")

	for i := range 3 {
		require.NoError(t, bus.Publish(ctx, postEvent("alice", fmt.Sprintf("post-%d", i))))
	}

	for _, sub := range []*Subscription{first, second} {
		for i := range 3 {
			ev := recvEvent(t, sub)
			require.Equal(t, fmt.Sprintf("post-%d", i), ev.Target)
			require.False(t, ev.Timestamp.IsZero())
		}
	}

	// Fan-out is per user; bob saw nothing.
	select {
	case ev := <-other.Events():
		t.Fatalf("unexpected event for bob: %+v", ev)
	default:
	}
}

func TestHistoryOrdering(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bus, _ := newBus(t, 16)

	for i := range 5 {
		require.NoError(t, bus.Publish(ctx, postEvent("alice", fmt.Sprintf("post-%d", i))))
	}

	events, err := bus.History(ctx, "alice", 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "post-4", events[0].Target)
	require.Equal(t, "post-3", events[1].Target)

	// Zero limit falls back to the default cap.
	events, err = bus.History(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, events, 5)
	require.Equal(t, "post-4", events[0].Target)

	_, err = bus.History(ctx, "", 10)
	require.True(t, trace.IsBadParameter(err))
}

func TestLaggingSubscriberDropped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bus, _ := newBus(t, 2)

	lagging := bus.Subscribe("alice")

	// Two events fill the queue; the third finds it full and evicts
	// the subscriber.
	for i := range 3 {
		require.NoError(t, bus.Publish(ctx, postEvent("alice", fmt.Sprintf("post-%d", i))))
	}

	require.Equal(t, "post-0", recvEvent(t, lagging).Target)
	require.Equal(t, "post-1", recvEvent(t, lagging).Target)
	requireClosed(t, lagging)

	// History kept everything including the dropped delivery.
	events, err := bus.History(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)

	// A fresh subscriber works normally.
	fresh := bus.Subscribe("alice")
	require.NoError(t, bus.Publish(ctx, postEvent("alice", "post-3")))
	require.Equal(t, "post-3", recvEvent(t, fresh).Target)
}

func TestPublishValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bus, _ := newBus(t, 16)

	err := bus.Publish(ctx, &types.ActivityEvent{UserID: "alice", Status: types.ActivitySuccess})
	require.True(t, trace.IsBadParameter(err))

	err = bus.Publish(ctx, &types.ActivityEvent{UserID: "alice", Action: types.ActivityPost, Status: "maybe"})
	require.True(t, trace.IsBadParameter(err))

	err = bus.Publish(ctx, &types.ActivityEvent{Action: types.ActivityPost, Status: types.ActivitySuccess})
	require.True(t, trace.IsBadParameter(err))
}

type failingStore struct{}

func (failingStore) AppendActivity(ctx context.Context, event *types.ActivityEvent) error {
	return trace.ConnectionProblem(nil, "history store offline")
}

func (failingStore) ActivityHistory(ctx context.Context, userID string, limit int) ([]types.ActivityEvent, error) {
	return nil, trace.ConnectionProblem(nil, "history store offline")
}

func TestStoreFailureStillDelivers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bus, err := NewBus(Config{Backend: failingStore{}, QueueSize: 4})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, bus.Close()) })

	sub := bus.Subscribe("alice")
	require.NoError(t, bus.Publish(ctx, postEvent("alice", "post-0")))
	require.Equal(t, "post-0", recvEvent(t, sub).Target)
}

func TestSubscriptionClose(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bus, _ := newBus(t, 4)

	sub := bus.Subscribe("alice")
	sub.Close()
	requireClosed(t, sub)
	// Closing twice is fine.
	sub.Close()

	// Publishing after the only subscriber left does not block or panic.
	require.NoError(t, bus.Publish(ctx, postEvent("alice", "post-0")))
}

func TestBusClose(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := storage.NewMemory()
	bus, err := NewBus(Config{Backend: backend, QueueSize: 4})
	require.NoError(t, err)

	sub := bus.Subscribe("alice")
	require.NoError(t, bus.Close())
	requireClosed(t, sub)

	// Late subscriptions come back already closed.
	late := bus.Subscribe("alice")
	requireClosed(t, late)

	// History still appends after close.
	require.NoError(t, bus.Publish(ctx, postEvent("alice", "post-0")))
	events, err := bus.History(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)

	require.NoError(t, bus.Close())
}
