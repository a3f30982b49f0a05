package database

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
	driver string
}

// NewDatabase opens the storage backend. A non-empty databaseURL selects
// postgres; otherwise a sqlite file is created under dataDir.
func NewDatabase(databaseURL, dataDir string) (*DB, error) {
	var (
		db     *sql.DB
		driver string
		err    error
	)

	if databaseURL != "" {
		driver = "postgres"
		db, err = sql.Open("postgres", databaseURL)
	} else {
		driver = "sqlite3"
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %v", err)
		}
		dbPath := filepath.Join(dataDir, "sintoniza.db")
		db, err = sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %v", err)
	}

	database := &DB{db, driver}
	if err := database.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %v", err)
	}

	log.Printf("Database initialized (%s)", driver)
	return database, nil
}

var testDBSeq int64

// NewTestDatabase opens a fresh in-memory sqlite database. The shared
// cache keeps the pooled connections on one database; the sequence keeps
// tests isolated from each other.
func NewTestDatabase() (*DB, error) {
	name := fmt.Sprintf("file:test%d?mode=memory&cache=shared&_foreign_keys=on", atomic.AddInt64(&testDBSeq, 1))
	db, err := sql.Open("sqlite3", name)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	database := &DB{db, "sqlite3"}
	if err := database.createTables(); err != nil {
		return nil, err
	}
	return database, nil
}

// Rebind converts ? placeholders to $1..$N for postgres. All service
// queries are written sqlite-style.
func (db *DB) Rebind(query string) string {
	if db.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (db *DB) createTables() error {
	autoinc := "INTEGER PRIMARY KEY AUTOINCREMENT"
	now := "DATETIME DEFAULT CURRENT_TIMESTAMP"
	if db.driver == "postgres" {
		autoinc = "BIGSERIAL PRIMARY KEY"
		now = "TIMESTAMP DEFAULT CURRENT_TIMESTAMP"
	}

	schema := `
	-- Users table
	CREATE TABLE IF NOT EXISTS users (
		id ` + autoinc + `,
		name TEXT UNIQUE NOT NULL,
		password TEXT NOT NULL,
		email TEXT,
		token TEXT UNIQUE NOT NULL,
		admin BOOLEAN DEFAULT FALSE,
		created_at ` + now + `,
		last_login ` + now + `
	);

	-- Devices are created lazily on first sync call naming a new device id
	CREATE TABLE IF NOT EXISTS devices (
		id ` + autoinc + `,
		user_id INTEGER NOT NULL,
		deviceid TEXT NOT NULL,
		caption TEXT,
		type TEXT DEFAULT 'other',
		data TEXT,
		last_seen BIGINT DEFAULT 0,
		UNIQUE (user_id, deviceid),
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	-- Feeds are shared across users, keyed by canonical URL
	CREATE TABLE IF NOT EXISTS feeds (
		id ` + autoinc + `,
		url TEXT UNIQUE NOT NULL,
		title TEXT,
		description TEXT,
		image_url TEXT,
		language TEXT,
		pubdate BIGINT DEFAULT 0,
		last_fetch BIGINT DEFAULT 0,
		etag TEXT,
		last_modified TEXT,
		error_count INTEGER DEFAULT 0,
		created_at ` + now + `
	);

	-- Episodes are owned by the feed store, keyed by (feed, media url)
	CREATE TABLE IF NOT EXISTS episodes (
		id ` + autoinc + `,
		feed_id INTEGER NOT NULL,
		url TEXT NOT NULL,
		guid TEXT,
		title TEXT,
		image_url TEXT,
		duration INTEGER DEFAULT 0,
		pubdate BIGINT DEFAULT 0,
		UNIQUE (feed_id, url),
		FOREIGN KEY (feed_id) REFERENCES feeds(id) ON DELETE CASCADE
	);

	-- Subscriptions are tombstoned, never hard-deleted
	CREATE TABLE IF NOT EXISTS subscriptions (
		id ` + autoinc + `,
		user_id INTEGER NOT NULL,
		feed_id INTEGER NOT NULL,
		deleted BOOLEAN DEFAULT FALSE,
		changed BIGINT NOT NULL,
		created_at ` + now + `,
		UNIQUE (user_id, feed_id),
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE,
		FOREIGN KEY (feed_id) REFERENCES feeds(id)
	);

	-- Append-only episode action log
	CREATE TABLE IF NOT EXISTS episodes_actions (
		id ` + autoinc + `,
		user_id INTEGER NOT NULL,
		episode_id INTEGER NOT NULL,
		device_id INTEGER,
		action TEXT NOT NULL,
		podcast_url TEXT NOT NULL,
		episode_url TEXT NOT NULL,
		timestamp TEXT,
		started INTEGER,
		position INTEGER,
		total INTEGER,
		changed BIGINT NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE,
		FOREIGN KEY (episode_id) REFERENCES episodes(id),
		FOREIGN KEY (device_id) REFERENCES devices(id) ON DELETE SET NULL
	);

	-- Sessions table
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		created_at ` + now + `,
		expires_at BIGINT NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_devices_user_id ON devices(user_id);
	CREATE INDEX IF NOT EXISTS idx_episodes_feed_id ON episodes(feed_id);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_user_changed ON subscriptions(user_id, changed);
	CREATE INDEX IF NOT EXISTS idx_actions_user_changed ON episodes_actions(user_id, changed);
	CREATE INDEX IF NOT EXISTS idx_actions_episode_id ON episodes_actions(episode_id);
	CREATE INDEX IF NOT EXISTS idx_feeds_last_fetch ON feeds(last_fetch);
	CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at);
	`

	for _, stmt := range strings.Split(stripSQLComments(schema), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %v", err)
		}
	}
	return nil
}

// stripSQLComments drops "--" line comments so splitting the schema on
// ";" never cuts a statement inside a comment.
func stripSQLComments(schema string) string {
	lines := strings.Split(schema, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
