package services

import (
	"sync"
	"time"

	"github.com/manualdousuario/sintoniza/database"
)

// Clock issues the per-user logical timestamps used by delta sync. Values
// are wall-clock seconds bumped past the user's previous maximum, so every
// write for a user observes a strictly larger value even when several
// arrive within one second.
type Clock struct {
	db *database.DB

	mu    sync.Mutex
	users map[int]*userClock
}

type userClock struct {
	// writeMu serializes one user's write batches; held across the whole
	// applyChanges/appendActions call.
	writeMu sync.Mutex

	// stateMu guards the counter itself for lock-free readers.
	stateMu sync.Mutex
	last    int64
	seeded  bool
}

func NewClock(db *database.DB) *Clock {
	return &Clock{
		db:    db,
		users: make(map[int]*userClock),
	}
}

func (c *Clock) forUser(userID int) *userClock {
	c.mu.Lock()
	defer c.mu.Unlock()
	uc, ok := c.users[userID]
	if !ok {
		uc = &userClock{}
		c.users[userID] = uc
	}
	return uc
}

// Lock serializes writes for one user. applyChanges/appendActions hold it
// for the duration of their transaction; reads never take it.
func (c *Clock) Lock(userID int) {
	c.forUser(userID).writeMu.Lock()
}

func (c *Clock) Unlock(userID int) {
	c.forUser(userID).writeMu.Unlock()
}

// Seed loads the user's persisted high-water mark. Writers call it before
// opening their transaction so Next never needs a database connection
// mid-transaction.
func (c *Clock) Seed(userID int) error {
	uc := c.forUser(userID)
	uc.stateMu.Lock()
	defer uc.stateMu.Unlock()
	return c.seedLocked(uc, userID)
}

func (c *Clock) seedLocked(uc *userClock, userID int) error {
	if uc.seeded {
		return nil
	}
	max, err := c.maxChanged(userID)
	if err != nil {
		return err
	}
	uc.last = max
	uc.seeded = true
	return nil
}

// Next returns the next logical timestamp for the user. The caller must
// hold the user's write lock and have seeded the clock.
func (c *Clock) Next(userID int) (int64, error) {
	uc := c.forUser(userID)
	uc.stateMu.Lock()
	defer uc.stateMu.Unlock()

	if err := c.seedLocked(uc, userID); err != nil {
		return 0, err
	}

	now := time.Now().Unix()
	if now <= uc.last {
		now = uc.last + 1
	}
	uc.last = now
	return now, nil
}

// Current returns the user's high-water mark without advancing it.
func (c *Clock) Current(userID int) (int64, error) {
	uc := c.forUser(userID)
	uc.stateMu.Lock()
	defer uc.stateMu.Unlock()

	if err := c.seedLocked(uc, userID); err != nil {
		return 0, err
	}
	return uc.last, nil
}

func (c *Clock) maxChanged(userID int) (int64, error) {
	query := c.db.Rebind(`
		SELECT COALESCE(MAX(m), 0) FROM (
			SELECT MAX(changed) AS m FROM subscriptions WHERE user_id = ?
			UNION ALL
			SELECT MAX(changed) AS m FROM episodes_actions WHERE user_id = ?
		) t
	`)

	var max int64
	err := c.db.QueryRow(query, userID, userID).Scan(&max)
	if err != nil {
		return 0, err
	}
	return max, nil
}
