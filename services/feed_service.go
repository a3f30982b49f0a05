package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/manualdousuario/sintoniza/database"
	"github.com/manualdousuario/sintoniza/models"
)

// FeedService is the feed store: it fetches, parses and caches remote
// podcast documents and owns the Feed and Episode tables.
type FeedService struct {
	db      *database.DB
	parser  *gofeed.Parser
	client  *http.Client
	timeout time.Duration
}

// RefreshResult describes one refresh attempt.
type RefreshResult struct {
	NotModified bool
	Episodes    int
}

func NewFeedService(db *database.DB, fetchTimeout time.Duration) *FeedService {
	return &FeedService{
		db:      db,
		parser:  gofeed.NewParser(),
		client:  &http.Client{Timeout: fetchTimeout},
		timeout: fetchTimeout,
	}
}

// ResolveFeed returns the feed row for a URL, fetching it once if it has
// never been seen. A cached row is returned without any network call. If
// the first fetch fails a minimal row is still created so subscription
// bookkeeping can proceed; the scheduler will retry the metadata later.
func (fs *FeedService) ResolveFeed(ctx context.Context, url string) (*models.Feed, error) {
	feed, err := fs.GetFeedByURL(url)
	if err == nil {
		return feed, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	feed, err = fs.insertFeed(url)
	if err != nil {
		// Lost a race with a concurrent ResolveFeed for the same URL.
		if existing, lookupErr := fs.GetFeedByURL(url); lookupErr == nil {
			return existing, nil
		}
		return nil, err
	}

	if refreshErr := fs.RefreshFeed(ctx, feed); refreshErr != nil {
		log.Printf("Initial fetch failed for %s: %v", url, refreshErr)
		return feed, nil
	}

	return fs.GetFeedByURL(url)
}

func (fs *FeedService) insertFeed(url string) (*models.Feed, error) {
	query := fs.db.Rebind(`INSERT INTO feeds (url) VALUES (?)`)
	if _, err := fs.db.Exec(query, url); err != nil {
		return nil, fmt.Errorf("failed to insert feed: %v", err)
	}
	return fs.GetFeedByURL(url)
}

// RefreshFeed performs a conditional fetch and merges the parsed document
// into the cache. Upstream failures are returned for backoff bookkeeping
// but existing cached data is always left intact.
func (fs *FeedService) RefreshFeed(ctx context.Context, feed *models.Feed) (err error) {
	var result RefreshResult
	result, err = fs.fetchAndStore(ctx, feed)
	if err != nil {
		fs.recordFetchError(feed.ID, err)
		return err
	}

	if result.NotModified {
		log.Printf("Feed not modified: %s", feed.URL)
	} else {
		log.Printf("Refreshed feed %s (%d episodes)", feed.URL, result.Episodes)
	}
	return nil
}

func (fs *FeedService) fetchAndStore(ctx context.Context, feed *models.Feed) (RefreshResult, error) {
	ctx, cancel := context.WithTimeout(ctx, fs.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("bad feed url: %v", err)
	}
	req.Header.Set("User-Agent", "sintoniza/1.0")
	if feed.ETag != nil && *feed.ETag != "" {
		req.Header.Set("If-None-Match", *feed.ETag)
	}
	if feed.LastModified != nil && *feed.LastModified != "" {
		req.Header.Set("If-Modified-Since", *feed.LastModified)
	}

	resp, err := fs.client.Do(req)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("fetch failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		query := fs.db.Rebind(`UPDATE feeds SET last_fetch = ?, error_count = 0 WHERE id = ?`)
		if _, err := fs.db.Exec(query, time.Now().Unix(), feed.ID); err != nil {
			return RefreshResult{}, err
		}
		return RefreshResult{NotModified: true}, nil
	}

	if resp.StatusCode != http.StatusOK {
		return RefreshResult{}, fmt.Errorf("fetch failed: status %d", resp.StatusCode)
	}

	parsed, err := fs.parser.Parse(resp.Body)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("failed to parse feed: %v", err)
	}

	// Parse completed; now write everything in one transaction so a
	// refresh never leaves a half-merged episode list.
	tx, err := fs.db.Begin()
	if err != nil {
		return RefreshResult{}, err
	}
	defer tx.Rollback()

	var pubdate int64
	if parsed.PublishedParsed != nil {
		pubdate = parsed.PublishedParsed.Unix()
	}

	imageURL := ""
	if parsed.Image != nil {
		imageURL = parsed.Image.URL
	}

	update := fs.db.Rebind(`
		UPDATE feeds
		SET title = ?, description = ?, image_url = ?, language = ?, pubdate = ?,
		    last_fetch = ?, etag = ?, last_modified = ?, error_count = 0
		WHERE id = ?
	`)
	_, err = tx.Exec(update,
		parsed.Title, parsed.Description, imageURL, parsed.Language, pubdate,
		time.Now().Unix(), resp.Header.Get("Etag"), resp.Header.Get("Last-Modified"),
		feed.ID,
	)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("failed to update feed: %v", err)
	}

	count := 0
	for _, item := range parsed.Items {
		if err := fs.upsertEpisode(tx, feed.ID, item); err != nil {
			return RefreshResult{}, fmt.Errorf("failed to store episode %s: %v", item.Title, err)
		}
		count++
	}

	if err := tx.Commit(); err != nil {
		return RefreshResult{}, err
	}
	return RefreshResult{Episodes: count}, nil
}

// upsertEpisode merges one parsed item by its media URL. Episodes that
// disappear from the document are never deleted; historical actions must
// keep resolving to a valid episode.
func (fs *FeedService) upsertEpisode(tx *sql.Tx, feedID int, item *gofeed.Item) error {
	mediaURL := episodeMediaURL(item)
	if mediaURL == "" {
		return nil
	}

	var pubdate int64
	if item.PublishedParsed != nil {
		pubdate = item.PublishedParsed.Unix()
	}

	imageURL := ""
	if item.Image != nil {
		imageURL = item.Image.URL
	}
	if imageURL == "" && item.ITunesExt != nil {
		imageURL = item.ITunesExt.Image
	}

	duration := 0
	if item.ITunesExt != nil {
		duration = parseDuration(item.ITunesExt.Duration)
	}

	var id int
	check := fs.db.Rebind(`SELECT id FROM episodes WHERE feed_id = ? AND url = ?`)
	err := tx.QueryRow(check, feedID, mediaURL).Scan(&id)
	if err == sql.ErrNoRows {
		insert := fs.db.Rebind(`
			INSERT INTO episodes (feed_id, url, guid, title, image_url, duration, pubdate)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`)
		_, err = tx.Exec(insert, feedID, mediaURL, item.GUID, item.Title, imageURL, duration, pubdate)
		return err
	}
	if err != nil {
		return err
	}

	update := fs.db.Rebind(`
		UPDATE episodes SET guid = ?, title = ?, image_url = ?, duration = ?, pubdate = ?
		WHERE id = ?
	`)
	_, err = tx.Exec(update, item.GUID, item.Title, imageURL, duration, pubdate, id)
	return err
}

// EnsureEpisode resolves an episode by (feed, url), creating a stub when
// the URL has never been seen in the feed document. The action log accepts
// any client-reported URL.
func (fs *FeedService) EnsureEpisode(feedID int, url string) (*models.Episode, error) {
	episode, err := fs.getEpisode(feedID, url)
	if err == nil {
		return episode, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	insert := fs.db.Rebind(`INSERT INTO episodes (feed_id, url) VALUES (?, ?)`)
	if _, err := fs.db.Exec(insert, feedID, url); err != nil {
		// Concurrent insert of the same episode.
		if episode, lookupErr := fs.getEpisode(feedID, url); lookupErr == nil {
			return episode, nil
		}
		return nil, fmt.Errorf("failed to insert episode: %v", err)
	}
	return fs.getEpisode(feedID, url)
}

func (fs *FeedService) getEpisode(feedID int, url string) (*models.Episode, error) {
	query := fs.db.Rebind(`
		SELECT id, feed_id, url, guid, title, image_url, duration, pubdate
		FROM episodes WHERE feed_id = ? AND url = ?
	`)

	episode := &models.Episode{}
	err := fs.db.QueryRow(query, feedID, url).Scan(
		&episode.ID, &episode.FeedID, &episode.URL, &episode.GUID,
		&episode.Title, &episode.ImageURL, &episode.Duration, &episode.PubDate,
	)
	if err != nil {
		return nil, err
	}
	return episode, nil
}

func (fs *FeedService) GetFeedByID(id int) (*models.Feed, error) {
	query := fs.db.Rebind(`
		SELECT id, url, title, description, image_url, language, pubdate,
		       last_fetch, etag, last_modified, error_count
		FROM feeds WHERE id = ?
	`)
	return fs.scanFeed(fs.db.QueryRow(query, id))
}

func (fs *FeedService) GetFeedByURL(url string) (*models.Feed, error) {
	query := fs.db.Rebind(`
		SELECT id, url, title, description, image_url, language, pubdate,
		       last_fetch, etag, last_modified, error_count
		FROM feeds WHERE url = ?
	`)
	return fs.scanFeed(fs.db.QueryRow(query, url))
}

// GetSubscribedFeeds returns feeds with at least one active subscription,
// stalest first. Feeds nobody subscribes to are never refreshed.
func (fs *FeedService) GetSubscribedFeeds() ([]models.Feed, error) {
	query := `
		SELECT DISTINCT f.id, f.url, f.title, f.description, f.image_url, f.language,
		       f.pubdate, f.last_fetch, f.etag, f.last_modified, f.error_count
		FROM feeds f
		JOIN subscriptions s ON s.feed_id = f.id AND s.deleted = FALSE
		ORDER BY f.last_fetch ASC
	`

	rows, err := fs.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var feeds []models.Feed
	for rows.Next() {
		feed := models.Feed{}
		err := rows.Scan(
			&feed.ID, &feed.URL, &feed.Title, &feed.Description, &feed.ImageURL,
			&feed.Language, &feed.PubDate, &feed.LastFetch, &feed.ETag,
			&feed.LastModified, &feed.ErrorCount,
		)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, feed)
	}
	return feeds, rows.Err()
}

func (fs *FeedService) scanFeed(row *sql.Row) (*models.Feed, error) {
	feed := &models.Feed{}
	err := row.Scan(
		&feed.ID, &feed.URL, &feed.Title, &feed.Description, &feed.ImageURL,
		&feed.Language, &feed.PubDate, &feed.LastFetch, &feed.ETag,
		&feed.LastModified, &feed.ErrorCount,
	)
	if err != nil {
		return nil, err
	}
	return feed, nil
}

func (fs *FeedService) recordFetchError(feedID int, fetchErr error) {
	query := fs.db.Rebind(`
		UPDATE feeds SET error_count = error_count + 1, last_fetch = ? WHERE id = ?
	`)
	if _, err := fs.db.Exec(query, time.Now().Unix(), feedID); err != nil {
		log.Printf("Failed to record fetch error for feed %d: %v", feedID, err)
	}
	log.Printf("Feed %d fetch error: %v", feedID, fetchErr)
}

func episodeMediaURL(item *gofeed.Item) string {
	for _, enc := range item.Enclosures {
		if enc != nil && enc.URL != "" {
			return enc.URL
		}
	}
	return item.Link
}

// parseDuration accepts itunes duration values: plain seconds, MM:SS or
// HH:MM:SS.
func parseDuration(value string) int {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	parts := strings.Split(value, ":")
	total := 0
	for _, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return 0
		}
		total = total*60 + n
	}
	return total
}
