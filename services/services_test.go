package services

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/manualdousuario/sintoniza/database"
)

type testEnv struct {
	db            *database.DB
	clock         *Clock
	feeds         *FeedService
	subscriptions *SubscriptionService
	actions       *ActionService
	devices       *DeviceService
	auth          *AuthService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.NewTestDatabase()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := NewClock(db)
	feeds := NewFeedService(db, 5*time.Second)
	subscriptions := NewSubscriptionService(db, feeds, clock)

	return &testEnv{
		db:            db,
		clock:         clock,
		feeds:         feeds,
		subscriptions: subscriptions,
		actions:       NewActionService(db, feeds, clock),
		devices:       NewDeviceService(db),
		auth:          NewAuthService(db),
	}
}

func (env *testEnv) createUser(t *testing.T, name string) int {
	t.Helper()
	user, err := env.auth.CreateUser(name, "password123", "", false)
	require.NoError(t, err)
	return user.ID
}

const testRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:itunes="http://www.itunes.com/dtds/podcast-1.0.dtd">
  <channel>
    <title>Test Podcast</title>
    <description>A podcast for tests</description>
    <language>en</language>
    <image><url>https://example.com/cover.jpg</url><title>Test Podcast</title></image>
    <item>
      <title>Episode One</title>
      <enclosure url="https://example.com/ep1.mp3" type="audio/mpeg" length="1"/>
      <itunes:duration>10:00</itunes:duration>
      <pubDate>Mon, 02 Jan 2006 15:04:05 GMT</pubDate>
    </item>
    <item>
      <title>Episode Two</title>
      <enclosure url="https://example.com/ep2.mp3" type="audio/mpeg" length="1"/>
      <itunes:duration>1:02:03</itunes:duration>
    </item>
  </channel>
</rss>`

// newFeedServer serves a static RSS document and counts fetches. When
// etag is non-empty, conditional requests get 304.
func newFeedServer(t *testing.T, etag string, hits *int64) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(hits, 1)
		if etag != "" {
			if r.Header.Get("If-None-Match") == etag {
				w.WriteHeader(http.StatusNotModified)
				return
			}
			w.Header().Set("Etag", etag)
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(testRSS))
	}))
	t.Cleanup(srv.Close)
	return srv
}
