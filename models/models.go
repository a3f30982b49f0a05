package models

import (
	"time"
)

// Episode action kinds accepted by the protocol.
const (
	ActionPlay     = "play"
	ActionDownload = "download"
	ActionDelete   = "delete"
	ActionNew      = "new"
)

// ValidAction reports whether kind is one of the enumerated action kinds.
func ValidAction(kind string) bool {
	switch kind {
	case ActionPlay, ActionDownload, ActionDelete, ActionNew:
		return true
	}
	return false
}

// Device types declared by clients.
const (
	DeviceMobile  = "mobile"
	DeviceDesktop = "desktop"
	DeviceLaptop  = "laptop"
	DeviceServer  = "server"
	DeviceOther   = "other"
)

type User struct {
	ID        int        `json:"id" db:"id"`
	Name      string     `json:"username" db:"name"`
	Password  string     `json:"-" db:"password"` // Never return password in JSON
	Email     string     `json:"email,omitempty" db:"email"`
	Token     string     `json:"-" db:"token"`
	Admin     bool       `json:"admin" db:"admin"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	LastLogin *time.Time `json:"last_login" db:"last_login"`
}

type Device struct {
	ID       int    `json:"-" db:"id"`
	UserID   int    `json:"-" db:"user_id"`
	DeviceID string `json:"id" db:"deviceid"`
	Caption  string `json:"caption" db:"caption"`
	Type     string `json:"type" db:"type"`
	Data     string `json:"-" db:"data"`
	LastSeen int64  `json:"-" db:"last_seen"`
	// Subscriptions is filled by device listings only.
	Subscriptions int `json:"subscriptions"`
}

type Feed struct {
	ID           int     `json:"id" db:"id"`
	URL          string  `json:"url" db:"url"`
	Title        *string `json:"title" db:"title"`
	Description  *string `json:"description" db:"description"`
	ImageURL     *string `json:"image_url" db:"image_url"`
	Language     *string `json:"language" db:"language"`
	PubDate      int64   `json:"pubdate" db:"pubdate"`
	LastFetch    int64   `json:"last_fetch" db:"last_fetch"`
	ETag         *string `json:"-" db:"etag"`
	LastModified *string `json:"-" db:"last_modified"`
	ErrorCount   int     `json:"-" db:"error_count"`
}

type Episode struct {
	ID       int     `json:"id" db:"id"`
	FeedID   int     `json:"feed_id" db:"feed_id"`
	URL      string  `json:"url" db:"url"`
	GUID     *string `json:"guid" db:"guid"`
	Title    *string `json:"title" db:"title"`
	ImageURL *string `json:"image_url" db:"image_url"`
	Duration int     `json:"duration" db:"duration"`
	PubDate  int64   `json:"pubdate" db:"pubdate"`
}

type Subscription struct {
	ID        int       `json:"id" db:"id"`
	UserID    int       `json:"-" db:"user_id"`
	FeedID    int       `json:"feed_id" db:"feed_id"`
	Deleted   bool      `json:"-" db:"deleted"`
	Changed   int64     `json:"changed" db:"changed"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EpisodeAction struct {
	ID         int    `json:"-" db:"id"`
	UserID     int    `json:"-" db:"user_id"`
	EpisodeID  int    `json:"-" db:"episode_id"`
	DeviceID   *int   `json:"-" db:"device_id"`
	Action     string `json:"action" db:"action"`
	PodcastURL string `json:"podcast" db:"podcast_url"`
	EpisodeURL string `json:"episode" db:"episode_url"`
	Device     string `json:"device,omitempty"`
	Timestamp  string `json:"timestamp,omitempty" db:"timestamp"`
	Started    *int   `json:"started,omitempty" db:"started"`
	Position   *int   `json:"position,omitempty" db:"position"`
	Total      *int   `json:"total,omitempty" db:"total"`
	Changed    int64  `json:"-" db:"changed"`
}

// ActionInput is one client-submitted entry of an episode-action upload.
type ActionInput struct {
	Podcast   string `json:"podcast"`
	Episode   string `json:"episode"`
	Device    string `json:"device,omitempty"`
	Action    string `json:"action"`
	Timestamp string `json:"timestamp,omitempty"`
	Started   *int   `json:"started,omitempty"`
	Position  *int   `json:"position,omitempty"`
	Total     *int   `json:"total,omitempty"`
}

// RejectedAction reports a per-item validation failure; the rest of the
// batch is unaffected.
type RejectedAction struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// SubscriptionDelta is the reconciler's answer for one device sync.
type SubscriptionDelta struct {
	Add       []string `json:"add"`
	Remove    []string `json:"remove"`
	Timestamp int64    `json:"timestamp"`
}

// SubscriptionDetail joins a subscription with its feed for dashboard views.
type SubscriptionDetail struct {
	ID          int     `json:"id"`
	URL         string  `json:"url"`
	Title       *string `json:"title"`
	Description *string `json:"description"`
	ImageURL    *string `json:"image_url"`
	LastChange  int64   `json:"last_change"`
}

// ActionDetail joins an action with its episode for dashboard views.
type ActionDetail struct {
	Action     string  `json:"action"`
	EpisodeURL string  `json:"episode_url"`
	Title      *string `json:"title"`
	ImageURL   *string `json:"image_url"`
	Duration   int     `json:"duration"`
	DeviceName *string `json:"device_name"`
	Changed    int64   `json:"changed"`
}

type Session struct {
	ID        string    `json:"id" db:"id"`
	UserID    int       `json:"user_id" db:"user_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	ExpiresAt int64     `json:"expires_at" db:"expires_at"`
}

type Stats struct {
	TotalUsers         int `json:"total_users"`
	TotalFeeds         int `json:"total_feeds"`
	TotalSubscriptions int `json:"total_subscriptions"`
	TotalActions       int `json:"total_actions"`
}
