package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (env *testEnv) insertFeed(t *testing.T, url string) {
	t.Helper()
	_, err := env.db.Exec(`INSERT INTO feeds (url) VALUES (?)`, url)
	require.NoError(t, err)
}

func TestGetSubscriptionsEmpty(t *testing.T) {
	env := newTestEnv(t)
	userID := env.createUser(t, "alice")

	delta, err := env.subscriptions.GetSubscriptions(userID, 0)
	require.NoError(t, err)
	assert.Empty(t, delta.Add)
	assert.Empty(t, delta.Remove)
}

func TestApplyChangesAndFullSnapshot(t *testing.T) {
	env := newTestEnv(t)
	userID := env.createUser(t, "alice")
	env.insertFeed(t, "https://example.com/a.xml")
	env.insertFeed(t, "https://example.com/b.xml")

	since, err := env.subscriptions.ApplyChanges(context.Background(), userID,
		[]string{"https://example.com/a.xml", "https://example.com/b.xml"}, nil)
	require.NoError(t, err)
	assert.Greater(t, since, int64(0))

	// Full snapshot: all non-tombstoned rows, no removes, regardless of
	// call history.
	delta, err := env.subscriptions.GetSubscriptions(userID, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"https://example.com/a.xml", "https://example.com/b.xml"}, delta.Add)
	assert.Empty(t, delta.Remove)
	assert.Equal(t, since, delta.Timestamp)
}

func TestIncrementalDelta(t *testing.T) {
	env := newTestEnv(t)
	userID := env.createUser(t, "alice")
	env.insertFeed(t, "https://example.com/a.xml")
	env.insertFeed(t, "https://example.com/b.xml")

	since1, err := env.subscriptions.ApplyChanges(context.Background(), userID,
		[]string{"https://example.com/a.xml"}, nil)
	require.NoError(t, err)

	since2, err := env.subscriptions.ApplyChanges(context.Background(), userID,
		[]string{"https://example.com/b.xml"}, []string{"https://example.com/a.xml"})
	require.NoError(t, err)
	assert.Greater(t, since2, since1)

	delta, err := env.subscriptions.GetSubscriptions(userID, since1)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/b.xml"}, delta.Add)
	assert.Equal(t, []string{"https://example.com/a.xml"}, delta.Remove)
}

func TestUnsubscribeResubscribeReusesRow(t *testing.T) {
	env := newTestEnv(t)
	userID := env.createUser(t, "alice")
	env.insertFeed(t, "https://example.com/a.xml")
	url := "https://example.com/a.xml"

	since1, err := env.subscriptions.ApplyChanges(context.Background(), userID, []string{url}, nil)
	require.NoError(t, err)

	since2, err := env.subscriptions.ApplyChanges(context.Background(), userID, nil, []string{url})
	require.NoError(t, err)
	assert.Greater(t, since2, since1)

	delta, err := env.subscriptions.GetSubscriptions(userID, since1)
	require.NoError(t, err)
	assert.Equal(t, []string{url}, delta.Remove)

	since3, err := env.subscriptions.ApplyChanges(context.Background(), userID, []string{url}, nil)
	require.NoError(t, err)
	assert.Greater(t, since3, since2)

	delta, err = env.subscriptions.GetSubscriptions(userID, since2)
	require.NoError(t, err)
	assert.Equal(t, []string{url}, delta.Add)

	// The tombstone flip must not create a second subscription row, and
	// the feed row is shared, not duplicated.
	var subRows, feedRows int
	require.NoError(t, env.db.QueryRow(
		`SELECT COUNT(*) FROM subscriptions WHERE user_id = ?`, userID).Scan(&subRows))
	require.NoError(t, env.db.QueryRow(
		`SELECT COUNT(*) FROM feeds WHERE url = ?`, url).Scan(&feedRows))
	assert.Equal(t, 1, subRows)
	assert.Equal(t, 1, feedRows)
}

func TestReapplyIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	userID := env.createUser(t, "alice")
	env.insertFeed(t, "https://example.com/a.xml")
	url := "https://example.com/a.xml"

	_, err := env.subscriptions.ApplyChanges(context.Background(), userID, []string{url}, nil)
	require.NoError(t, err)
	_, err = env.subscriptions.ApplyChanges(context.Background(), userID, []string{url}, nil)
	require.NoError(t, err)

	var rows int
	require.NoError(t, env.db.QueryRow(
		`SELECT COUNT(*) FROM subscriptions WHERE user_id = ?`, userID).Scan(&rows))
	assert.Equal(t, 1, rows)

	delta, err := env.subscriptions.GetSubscriptions(userID, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{url}, delta.Add)
}

func TestSameURLInAddAndRemoveAddWins(t *testing.T) {
	env := newTestEnv(t)
	userID := env.createUser(t, "alice")
	env.insertFeed(t, "https://example.com/a.xml")
	url := "https://example.com/a.xml"

	_, err := env.subscriptions.ApplyChanges(context.Background(), userID, []string{url}, []string{url})
	require.NoError(t, err)

	delta, err := env.subscriptions.GetSubscriptions(userID, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{url}, delta.Add)
}

func TestRemoveUnknownURLChangesNothing(t *testing.T) {
	env := newTestEnv(t)
	userID := env.createUser(t, "alice")

	before, err := env.subscriptions.GetSubscriptions(userID, 0)
	require.NoError(t, err)

	since, err := env.subscriptions.ApplyChanges(context.Background(), userID, nil,
		[]string{"https://example.com/never-subscribed.xml"})
	require.NoError(t, err)
	assert.Equal(t, before.Timestamp, since)
}

func TestRepeatedRemoveChangesNothing(t *testing.T) {
	env := newTestEnv(t)
	userID := env.createUser(t, "alice")
	env.insertFeed(t, "https://example.com/a.xml")

	_, err := env.subscriptions.ApplyChanges(context.Background(), userID,
		[]string{"https://example.com/a.xml"}, nil)
	require.NoError(t, err)

	removed, err := env.subscriptions.ApplyChanges(context.Background(), userID, nil,
		[]string{"https://example.com/a.xml"})
	require.NoError(t, err)

	// The row is already tombstoned; a second remove must not re-stamp it
	// or advance the clock.
	again, err := env.subscriptions.ApplyChanges(context.Background(), userID, nil,
		[]string{"https://example.com/a.xml"})
	require.NoError(t, err)
	assert.Equal(t, removed, again)

	delta, err := env.subscriptions.GetSubscriptions(userID, removed)
	require.NoError(t, err)
	assert.Empty(t, delta.Add)
	assert.Empty(t, delta.Remove)
}

func TestConcurrentDevicesLoseNoUpdates(t *testing.T) {
	env := newTestEnv(t)
	userID := env.createUser(t, "alice")
	env.insertFeed(t, "https://example.com/a.xml")
	env.insertFeed(t, "https://example.com/b.xml")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := env.subscriptions.ApplyChanges(context.Background(), userID,
			[]string{"https://example.com/a.xml"}, nil)
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		_, err := env.subscriptions.ApplyChanges(context.Background(), userID,
			[]string{"https://example.com/b.xml"}, nil)
		assert.NoError(t, err)
	}()
	wg.Wait()

	delta, err := env.subscriptions.GetSubscriptions(userID, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"https://example.com/a.xml", "https://example.com/b.xml"}, delta.Add)
}

func TestApplyChangesCreatesFeedWhenUpstreamIsDown(t *testing.T) {
	env := newTestEnv(t)
	userID := env.createUser(t, "alice")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	// Podcast availability never blocks subscription bookkeeping: the
	// feed row is created without metadata.
	_, err := env.subscriptions.ApplyChanges(context.Background(), userID, []string{srv.URL}, nil)
	require.NoError(t, err)

	feed, err := env.feeds.GetFeedByURL(srv.URL)
	require.NoError(t, err)
	assert.Nil(t, feed.Title)

	delta, err := env.subscriptions.GetSubscriptions(userID, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{srv.URL}, delta.Add)
}

func TestReplaceSubscriptionsComputesDelta(t *testing.T) {
	env := newTestEnv(t)
	userID := env.createUser(t, "alice")
	env.insertFeed(t, "https://example.com/a.xml")
	env.insertFeed(t, "https://example.com/b.xml")
	env.insertFeed(t, "https://example.com/c.xml")

	_, err := env.subscriptions.ApplyChanges(context.Background(), userID,
		[]string{"https://example.com/a.xml", "https://example.com/b.xml"}, nil)
	require.NoError(t, err)

	// Upload replaces the set: a stays, b goes, c arrives.
	_, err = env.subscriptions.ReplaceSubscriptions(context.Background(), userID,
		[]string{"https://example.com/a.xml", "https://example.com/c.xml"})
	require.NoError(t, err)

	delta, err := env.subscriptions.GetSubscriptions(userID, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"https://example.com/a.xml", "https://example.com/c.xml"}, delta.Add)
}

func TestListActiveSubscriptions(t *testing.T) {
	env := newTestEnv(t)
	userID := env.createUser(t, "alice")
	env.insertFeed(t, "https://example.com/a.xml")
	env.insertFeed(t, "https://example.com/b.xml")

	_, err := env.subscriptions.ApplyChanges(context.Background(), userID,
		[]string{"https://example.com/a.xml", "https://example.com/b.xml"}, nil)
	require.NoError(t, err)
	_, err = env.subscriptions.ApplyChanges(context.Background(), userID, nil,
		[]string{"https://example.com/b.xml"})
	require.NoError(t, err)

	subs, err := env.subscriptions.ListActiveSubscriptions(userID)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "https://example.com/a.xml", subs[0].URL)

	feed, err := env.subscriptions.GetFeedForSubscription(userID, subs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a.xml", feed.URL)

	// Another user cannot read through someone else's subscription id.
	otherID := env.createUser(t, "bob")
	_, err = env.subscriptions.GetFeedForSubscription(otherID, subs[0].ID)
	assert.Error(t, err)
}
