package services

import (
	"context"
	"fmt"

	"github.com/manualdousuario/sintoniza/database"
	"github.com/manualdousuario/sintoniza/models"
)

// ActionService is the append-only episode action log. Entries are never
// mutated or deleted; history is the source of truth and folding the
// stream into a current value is the client's job.
type ActionService struct {
	db          *database.DB
	feedService *FeedService
	clock       *Clock
}

// AppendResult reports a batch upload: the new high-water mark plus the
// per-item rejections. A rejected item never aborts the batch.
type AppendResult struct {
	Timestamp int64
	Rejected  []models.RejectedAction
}

func NewActionService(db *database.DB, feedService *FeedService, clock *Clock) *ActionService {
	return &ActionService{
		db:          db,
		feedService: feedService,
		clock:       clock,
	}
}

// AppendActions validates and stores a batch of client-reported actions
// under the user's write lock. Unknown episodes are stubbed rather than
// rejected: the log must accept any URL a client reports. deviceIDs, when
// non-nil, carries one resolved device per action; an action that named
// no device stays unattributed.
func (as *ActionService) AppendActions(ctx context.Context, userID int, deviceIDs []*int, actions []models.ActionInput) (*AppendResult, error) {
	as.clock.Lock(userID)
	defer as.clock.Unlock(userID)

	if err := as.clock.Seed(userID); err != nil {
		return nil, err
	}

	result := &AppendResult{Rejected: []models.RejectedAction{}}

	type resolved struct {
		input     models.ActionInput
		episodeID int
		deviceID  *int
	}

	// Validate and resolve episode identity first; the write transaction
	// then only stamps and inserts.
	var accepted []resolved
	for i, input := range actions {
		if !models.ValidAction(input.Action) {
			result.Rejected = append(result.Rejected, models.RejectedAction{
				Index:  i,
				Reason: fmt.Sprintf("unknown action kind %q", input.Action),
			})
			continue
		}

		podcastURL := SanitizeURL(input.Podcast)
		episodeURL := SanitizeURL(input.Episode)
		if podcastURL == "" || episodeURL == "" {
			result.Rejected = append(result.Rejected, models.RejectedAction{
				Index:  i,
				Reason: "missing or invalid podcast/episode URL",
			})
			continue
		}

		feed, err := as.feedService.ResolveFeed(ctx, podcastURL)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve feed %s: %v", podcastURL, err)
		}
		episode, err := as.feedService.EnsureEpisode(feed.ID, episodeURL)
		if err != nil {
			return nil, err
		}

		input.Podcast = podcastURL
		input.Episode = episodeURL
		var deviceID *int
		if deviceIDs != nil {
			deviceID = deviceIDs[i]
		}
		accepted = append(accepted, resolved{input: input, episodeID: episode.ID, deviceID: deviceID})
	}

	tx, err := as.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	insert := as.db.Rebind(`
		INSERT INTO episodes_actions
			(user_id, episode_id, device_id, action, podcast_url, episode_url,
			 timestamp, started, position, total, changed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)

	var newSince int64
	for _, r := range accepted {
		stamp, err := as.clock.Next(userID)
		if err != nil {
			return nil, err
		}

		_, err = tx.Exec(insert,
			userID, r.episodeID, r.deviceID, r.input.Action,
			r.input.Podcast, r.input.Episode, r.input.Timestamp,
			r.input.Started, r.input.Position, r.input.Total, stamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert action: %v", err)
		}
		newSince = stamp
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if newSince == 0 {
		newSince, err = as.clock.Current(userID)
		if err != nil {
			return nil, err
		}
	}
	result.Timestamp = newSince
	return result, nil
}

// CurrentTimestamp returns the user's high-water mark without writing.
func (as *ActionService) CurrentTimestamp(userID int) (int64, error) {
	return as.clock.Current(userID)
}

// GetActions returns the user's full ordered action history after since,
// optionally scoped to one podcast URL. No merge happens here.
func (as *ActionService) GetActions(userID int, since int64, podcastURL string) ([]models.EpisodeAction, error) {
	query := `
		SELECT a.action, a.podcast_url, a.episode_url, COALESCE(d.deviceid, ''),
		       COALESCE(a.timestamp, ''), a.started, a.position, a.total, a.changed
		FROM episodes_actions a
		LEFT JOIN devices d ON d.id = a.device_id
		WHERE a.user_id = ? AND a.changed > ?
	`
	args := []interface{}{userID, since}

	if podcastURL != "" {
		query += " AND a.podcast_url = ?"
		args = append(args, podcastURL)
	}

	query += " ORDER BY a.changed ASC"

	rows, err := as.db.Query(as.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	actions := []models.EpisodeAction{}
	for rows.Next() {
		a := models.EpisodeAction{}
		err := rows.Scan(
			&a.Action, &a.PodcastURL, &a.EpisodeURL, &a.Device,
			&a.Timestamp, &a.Started, &a.Position, &a.Total, &a.Changed,
		)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// AggregateActions keeps only the newest action per episode. This is an
// application-level convenience for displays, not a protocol guarantee.
func AggregateActions(actions []models.EpisodeAction) []models.EpisodeAction {
	latest := make(map[string]models.EpisodeAction)
	for _, a := range actions {
		// actions are ordered by changed ascending, so later wins
		latest[a.PodcastURL+"\x00"+a.EpisodeURL] = a
	}

	// changed values are unique per user, so the kept entry is found by
	// matching its stamp
	out := make([]models.EpisodeAction, 0, len(latest))
	for _, a := range actions {
		if kept, ok := latest[a.PodcastURL+"\x00"+a.EpisodeURL]; ok && kept.Changed == a.Changed {
			out = append(out, a)
			delete(latest, a.PodcastURL+"\x00"+a.EpisodeURL)
		}
	}
	return out
}

// ListActions is the dashboard projection for one feed: actions joined
// with episode metadata, newest first.
func (as *ActionService) ListActions(userID, feedID int) ([]models.ActionDetail, error) {
	query := as.db.Rebind(`
		SELECT a.action, a.episode_url, e.title, e.image_url, e.duration,
		       d.caption, a.changed
		FROM episodes_actions a
		JOIN episodes e ON e.id = a.episode_id
		LEFT JOIN devices d ON d.id = a.device_id
		WHERE a.user_id = ? AND e.feed_id = ?
		ORDER BY a.changed DESC
	`)

	rows, err := as.db.Query(query, userID, feedID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var details []models.ActionDetail
	for rows.Next() {
		d := models.ActionDetail{}
		err := rows.Scan(&d.Action, &d.EpisodeURL, &d.Title, &d.ImageURL, &d.Duration, &d.DeviceName, &d.Changed)
		if err != nil {
			return nil, err
		}
		details = append(details, d)
	}
	return details, rows.Err()
}
