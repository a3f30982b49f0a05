package services

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/manualdousuario/sintoniza/models"
)

// Feed refresh states. A feed is dispatched when it is stale and not in
// backoff; it is marked refreshing while a worker owns it so a sweep never
// double-dispatches.
const (
	feedStateIdle       = iota // fresh or stale, eligible for dispatch
	feedStateRefreshing        // a worker owns it
	feedStateBackoff           // waiting out a failure delay
)

const (
	backoffBase = 5 * time.Minute
	backoffMax  = 6 * time.Hour
)

// SchedulerService walks all actively-subscribed feeds and refreshes the
// stale ones with bounded concurrency and per-feed failure backoff.
type SchedulerService struct {
	feedService *FeedService
	ttl         time.Duration
	workers     *semaphore.Weighted

	mu    sync.Mutex
	state map[int]*feedRefreshState
}

type feedRefreshState struct {
	state    int
	failures int
	retryAt  time.Time
}

func NewSchedulerService(feedService *FeedService, ttl time.Duration, workers int) *SchedulerService {
	if workers < 1 {
		workers = 1
	}
	return &SchedulerService{
		feedService: feedService,
		ttl:         ttl,
		workers:     semaphore.NewWeighted(int64(workers)),
		state:       make(map[int]*feedRefreshState),
	}
}

// Sweep enumerates subscribed feeds (stalest first), dispatches the stale
// ones to the worker pool, and waits for the batch to finish.
func (sc *SchedulerService) Sweep(ctx context.Context) {
	feeds, err := sc.feedService.GetSubscribedFeeds()
	if err != nil {
		log.Printf("Scheduler: failed to list feeds: %v", err)
		return
	}

	now := time.Now()
	dispatched := 0

	var wg sync.WaitGroup
	for i := range feeds {
		feed := feeds[i]
		if !sc.claim(feed, now) {
			continue
		}
		if err := sc.workers.Acquire(ctx, 1); err != nil {
			sc.unclaim(feed.ID)
			break
		}
		dispatched++

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sc.workers.Release(1)
			err := sc.feedService.RefreshFeed(ctx, &feed)
			sc.release(feed.ID, err)
		}()
	}
	wg.Wait()

	if dispatched > 0 {
		log.Printf("Scheduler: refreshed %d feeds", dispatched)
	}
}

// RefreshAll refreshes every subscribed feed regardless of age. Used by
// the one-shot CLI mode.
func (sc *SchedulerService) RefreshAll(ctx context.Context) {
	feeds, err := sc.feedService.GetSubscribedFeeds()
	if err != nil {
		log.Printf("Scheduler: failed to list feeds: %v", err)
		return
	}

	var wg sync.WaitGroup
	for i := range feeds {
		feed := feeds[i]
		if err := sc.workers.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sc.workers.Release(1)
			if err := sc.feedService.RefreshFeed(ctx, &feed); err != nil {
				log.Printf("Scheduler: refresh failed for %s: %v", feed.URL, err)
			}
		}()
	}
	wg.Wait()
	log.Printf("Scheduler: full refresh of %d feeds done", len(feeds))
}

// claim decides whether a feed should be dispatched now and, if so, marks
// it refreshing.
func (sc *SchedulerService) claim(feed models.Feed, now time.Time) bool {
	if now.Sub(time.Unix(feed.LastFetch, 0)) < sc.ttl {
		return false
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	st, ok := sc.state[feed.ID]
	if !ok {
		st = &feedRefreshState{}
		sc.state[feed.ID] = st
	}

	switch st.state {
	case feedStateRefreshing:
		return false
	case feedStateBackoff:
		// a feed leaves backoff only once its timer elapses
		if now.Before(st.retryAt) {
			return false
		}
	}

	st.state = feedStateRefreshing
	return true
}

// unclaim returns a claimed feed to the idle pool without recording an
// outcome; the failure history stays as it was.
func (sc *SchedulerService) unclaim(feedID int) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if st, ok := sc.state[feedID]; ok && st.state == feedStateRefreshing {
		st.state = feedStateIdle
	}
}

// release records the outcome of a refresh: success resets the failure
// count, failure doubles the retry delay up to the cap.
func (sc *SchedulerService) release(feedID int, refreshErr error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	st, ok := sc.state[feedID]
	if !ok {
		return
	}

	if refreshErr == nil {
		st.state = feedStateIdle
		st.failures = 0
		return
	}

	st.failures++
	delay := BackoffDelay(st.failures)
	st.state = feedStateBackoff
	st.retryAt = time.Now().Add(delay)
	log.Printf("Scheduler: feed %d failed %d time(s), retrying in %s", feedID, st.failures, delay)
}

// BackoffDelay exposes the retry delay curve.
func BackoffDelay(failures int) time.Duration {
	if failures < 1 {
		return 0
	}
	delay := backoffBase << (failures - 1)
	if delay > backoffMax || delay <= 0 {
		delay = backoffMax
	}
	return delay
}
