package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manualdousuario/sintoniza/models"
)

func TestSweepRefreshesOnlyStaleSubscribedFeeds(t *testing.T) {
	env := newTestEnv(t)
	userID := env.createUser(t, "alice")

	var hits int64
	srv := newFeedServer(t, "", &hits)

	env.insertFeed(t, "https://example.com/unsubscribed.xml")
	env.insertFeed(t, srv.URL)
	_, err := env.subscriptions.ApplyChanges(context.Background(), userID, []string{srv.URL}, nil)
	require.NoError(t, err)

	scheduler := NewSchedulerService(env.feeds, time.Hour, 2)
	scheduler.Sweep(context.Background())

	// The subscribed stale feed (last_fetch = 0) was fetched; the
	// unsubscribed one was not enumerated at all.
	assert.Equal(t, int64(1), atomic.LoadInt64(&hits))

	// Fresh now; another sweep does nothing.
	scheduler.Sweep(context.Background())
	assert.Equal(t, int64(1), atomic.LoadInt64(&hits))
}

func TestSweepBacksOffFailingFeed(t *testing.T) {
	env := newTestEnv(t)
	userID := env.createUser(t, "alice")

	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	env.insertFeed(t, srv.URL)
	_, err := env.subscriptions.ApplyChanges(context.Background(), userID, []string{srv.URL}, nil)
	require.NoError(t, err)

	scheduler := NewSchedulerService(env.feeds, time.Nanosecond, 1)
	scheduler.Sweep(context.Background())
	require.Equal(t, int64(1), atomic.LoadInt64(&hits))

	// Still inside the backoff window: the broken host is left alone
	// even though the feed is stale again.
	scheduler.Sweep(context.Background())
	assert.Equal(t, int64(1), atomic.LoadInt64(&hits))
}

func TestClaimPreventsDoubleDispatch(t *testing.T) {
	env := newTestEnv(t)
	scheduler := NewSchedulerService(env.feeds, time.Nanosecond, 1)

	feed := models.Feed{ID: 1}
	now := time.Now()

	assert.True(t, scheduler.claim(feed, now))
	// Refreshing: a concurrent sweep must not dispatch it again.
	assert.False(t, scheduler.claim(feed, now))

	scheduler.release(feed.ID, nil)
	assert.True(t, scheduler.claim(feed, now))
}

func TestReleaseFailureEntersBackoff(t *testing.T) {
	env := newTestEnv(t)
	scheduler := NewSchedulerService(env.feeds, time.Nanosecond, 1)

	feed := models.Feed{ID: 1}
	require.True(t, scheduler.claim(feed, time.Now()))
	scheduler.release(feed.ID, assert.AnError)

	assert.False(t, scheduler.claim(feed, time.Now()))

	// Once the timer elapses the feed is stale again, not refreshed
	// immediately.
	assert.True(t, scheduler.claim(feed, time.Now().Add(BackoffDelay(1)+time.Second)))
}

func TestUnclaimKeepsFailureHistory(t *testing.T) {
	env := newTestEnv(t)
	scheduler := NewSchedulerService(env.feeds, time.Nanosecond, 1)

	feed := models.Feed{ID: 1}
	require.True(t, scheduler.claim(feed, time.Now()))
	scheduler.release(feed.ID, assert.AnError)

	// A claim that never dispatches is returned without resetting the
	// failure count.
	later := time.Now().Add(BackoffDelay(1) + time.Second)
	require.True(t, scheduler.claim(feed, later))
	scheduler.unclaim(feed.ID)

	require.True(t, scheduler.claim(feed, later))
	scheduler.release(feed.ID, assert.AnError)

	// Second consecutive failure, so the delay has doubled.
	assert.False(t, scheduler.claim(feed, time.Now().Add(BackoffDelay(1)+time.Second)))
	assert.True(t, scheduler.claim(feed, time.Now().Add(BackoffDelay(2)+time.Second)))
}

func TestBackoffDelayCurve(t *testing.T) {
	assert.Equal(t, time.Duration(0), BackoffDelay(0))
	assert.Equal(t, 5*time.Minute, BackoffDelay(1))
	assert.Equal(t, 10*time.Minute, BackoffDelay(2))
	assert.Equal(t, 40*time.Minute, BackoffDelay(4))
	// capped
	assert.Equal(t, 6*time.Hour, BackoffDelay(8))
	assert.Equal(t, 6*time.Hour, BackoffDelay(40))
}

func TestRefreshAllIgnoresTTL(t *testing.T) {
	env := newTestEnv(t)
	userID := env.createUser(t, "alice")

	var hits int64
	srv := newFeedServer(t, "", &hits)

	env.insertFeed(t, srv.URL)
	_, err := env.subscriptions.ApplyChanges(context.Background(), userID, []string{srv.URL}, nil)
	require.NoError(t, err)

	scheduler := NewSchedulerService(env.feeds, 24*time.Hour, 2)
	scheduler.RefreshAll(context.Background())
	scheduler.RefreshAll(context.Background())

	assert.Equal(t, int64(2), atomic.LoadInt64(&hits))
}
