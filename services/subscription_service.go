package services

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/manualdousuario/sintoniza/database"
	"github.com/manualdousuario/sintoniza/models"
)

// SubscriptionService is the reconciler: it maintains each user's current
// subscription set and answers incremental diffs keyed by the logical
// clock.
type SubscriptionService struct {
	db          *database.DB
	feedService *FeedService
	clock       *Clock
}

func NewSubscriptionService(db *database.DB, feedService *FeedService, clock *Clock) *SubscriptionService {
	return &SubscriptionService{
		db:          db,
		feedService: feedService,
		clock:       clock,
	}
}

// GetSubscriptions returns the delta a device must apply. since = 0 means
// the full current set (tombstones omitted); since > 0 partitions every
// row changed after that point by its deleted flag.
func (ss *SubscriptionService) GetSubscriptions(userID int, since int64) (*models.SubscriptionDelta, error) {
	delta := &models.SubscriptionDelta{
		Add:    []string{},
		Remove: []string{},
	}

	query := ss.db.Rebind(`
		SELECT f.url, s.deleted
		FROM subscriptions s
		JOIN feeds f ON f.id = s.feed_id
		WHERE s.user_id = ? AND s.changed > ?
		ORDER BY s.changed
	`)

	rows, err := ss.db.Query(query, userID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			url     string
			deleted bool
		)
		if err := rows.Scan(&url, &deleted); err != nil {
			return nil, err
		}
		if deleted {
			if since > 0 {
				delta.Remove = append(delta.Remove, url)
			}
		} else {
			delta.Add = append(delta.Add, url)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	delta.Timestamp, err = ss.clock.Current(userID)
	if err != nil {
		return nil, err
	}
	return delta, nil
}

// ApplyChanges applies one device's add/remove batch in a single
// transaction under the user's write lock. The remove list is applied
// before the add list, so a URL present in both ends subscribed. Every
// stamped row gets its own fresh timestamp; the returned value is the
// maximum issued during the call.
func (ss *SubscriptionService) ApplyChanges(ctx context.Context, userID int, adds, removes []string) (int64, error) {
	ss.clock.Lock(userID)
	defer ss.clock.Unlock(userID)

	if err := ss.clock.Seed(userID); err != nil {
		return 0, err
	}

	// Feed resolution may hit the network on first sight of a URL; do it
	// before opening the write transaction so the transaction stays short.
	feedIDs := make(map[string]int, len(adds))
	for _, url := range adds {
		feed, err := ss.feedService.ResolveFeed(ctx, url)
		if err != nil {
			return 0, fmt.Errorf("failed to resolve feed %s: %v", url, err)
		}
		feedIDs[url] = feed.ID
	}

	tx, err := ss.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var newSince int64

	for _, url := range removes {
		// A remove that matches nothing must not advance the clock.
		var subID int
		lookup := ss.db.Rebind(`
			SELECT s.id FROM subscriptions s
			JOIN feeds f ON f.id = s.feed_id
			WHERE s.user_id = ? AND f.url = ? AND s.deleted = FALSE
		`)
		err := tx.QueryRow(lookup, userID, url).Scan(&subID)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return 0, err
		}

		stamp, err := ss.clock.Next(userID)
		if err != nil {
			return 0, err
		}

		query := ss.db.Rebind(`UPDATE subscriptions SET deleted = TRUE, changed = ? WHERE id = ?`)
		if _, err := tx.Exec(query, stamp, subID); err != nil {
			return 0, fmt.Errorf("failed to remove subscription: %v", err)
		}
		newSince = stamp
	}

	for _, url := range adds {
		stamp, err := ss.clock.Next(userID)
		if err != nil {
			return 0, err
		}
		if err := ss.upsertSubscription(tx, userID, feedIDs[url], stamp); err != nil {
			return 0, err
		}
		newSince = stamp
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	if newSince == 0 {
		return ss.clock.Current(userID)
	}
	return newSince, nil
}

// upsertSubscription clears the tombstone on an existing row rather than
// inserting a duplicate; re-subscribing after deletion flips the flag back.
func (ss *SubscriptionService) upsertSubscription(tx *sql.Tx, userID, feedID int, stamp int64) error {
	update := ss.db.Rebind(`
		UPDATE subscriptions SET deleted = FALSE, changed = ?
		WHERE user_id = ? AND feed_id = ?
	`)
	res, err := tx.Exec(update, stamp, userID, feedID)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %v", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	insert := ss.db.Rebind(`
		INSERT INTO subscriptions (user_id, feed_id, deleted, changed)
		VALUES (?, ?, FALSE, ?)
	`)
	if _, err := tx.Exec(insert, userID, feedID, stamp); err != nil {
		return fmt.Errorf("failed to insert subscription: %v", err)
	}
	return nil
}

// ReplaceSubscriptions implements the simple-API PUT: the uploaded list
// becomes the device's full set and the delta is computed server-side.
func (ss *SubscriptionService) ReplaceSubscriptions(ctx context.Context, userID int, urls []string) (int64, error) {
	current, err := ss.GetSubscriptions(userID, 0)
	if err != nil {
		return 0, err
	}

	want := make(map[string]bool, len(urls))
	for _, url := range urls {
		want[url] = true
	}

	var removes []string
	for _, url := range current.Add {
		if !want[url] {
			removes = append(removes, url)
		}
	}

	have := make(map[string]bool, len(current.Add))
	for _, url := range current.Add {
		have[url] = true
	}

	var adds []string
	for _, url := range urls {
		if !have[url] {
			adds = append(adds, url)
		}
	}

	if len(adds) == 0 && len(removes) == 0 {
		return ss.clock.Current(userID)
	}
	return ss.ApplyChanges(ctx, userID, adds, removes)
}

// ListActiveSubscriptions is the dashboard projection: active
// subscriptions joined with feed metadata and last activity.
func (ss *SubscriptionService) ListActiveSubscriptions(userID int) ([]models.SubscriptionDetail, error) {
	query := ss.db.Rebind(`
		SELECT s.id, f.url, f.title, f.description, f.image_url, s.changed
		FROM subscriptions s
		JOIN feeds f ON f.id = s.feed_id
		WHERE s.user_id = ? AND s.deleted = FALSE
		ORDER BY f.title
	`)

	rows, err := ss.db.Query(query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []models.SubscriptionDetail
	for rows.Next() {
		sub := models.SubscriptionDetail{}
		err := rows.Scan(&sub.ID, &sub.URL, &sub.Title, &sub.Description, &sub.ImageURL, &sub.LastChange)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// GetFeedForSubscription returns the feed detail behind one of the user's
// subscriptions.
func (ss *SubscriptionService) GetFeedForSubscription(userID, subscriptionID int) (*models.Feed, error) {
	query := ss.db.Rebind(`
		SELECT f.id, f.url, f.title, f.description, f.image_url, f.language,
		       f.pubdate, f.last_fetch, f.etag, f.last_modified, f.error_count
		FROM subscriptions s
		JOIN feeds f ON f.id = s.feed_id
		WHERE s.id = ? AND s.user_id = ?
	`)

	feed := &models.Feed{}
	err := ss.db.QueryRow(query, subscriptionID, userID).Scan(
		&feed.ID, &feed.URL, &feed.Title, &feed.Description, &feed.ImageURL,
		&feed.Language, &feed.PubDate, &feed.LastFetch, &feed.ETag,
		&feed.LastModified, &feed.ErrorCount,
	)
	if err != nil {
		return nil, err
	}
	return feed, nil
}

// CountActiveSubscriptions supports device listings.
func (ss *SubscriptionService) CountActiveSubscriptions(userID int) (int, error) {
	query := ss.db.Rebind(`
		SELECT COUNT(*) FROM subscriptions WHERE user_id = ? AND deleted = FALSE
	`)
	var count int
	err := ss.db.QueryRow(query, userID).Scan(&count)
	return count, err
}
