package db

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// CounterStore persists monotonic counters keyed by teammate and purpose.
// Review-cycle counts live here so the hard cap on review loops holds
// across process restarts. The in-memory cache is read-through: a miss
// hits the database once, after which increments write both.
type CounterStore struct {
	db    *DB
	mu    sync.Mutex
	cache map[counterKey]int
}

type counterKey struct {
	teammateID string
	purpose    string
}

// PurposeReviewCycles is the counter purpose for quality-gate review cycles.
const PurposeReviewCycles = "review-cycles"

// NewCounterStore creates a counter store backed by the given database.
func NewCounterStore(database *DB) *CounterStore {
	return &CounterStore{
		db:    database,
		cache: make(map[counterKey]int),
	}
}

// Get returns the current counter value (0 if never set).
func (c *CounterStore) Get(teammateID, purpose string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(teammateID, purpose)
}

func (c *CounterStore) getLocked(teammateID, purpose string) (int, error) {
	key := counterKey{teammateID, purpose}
	if v, ok := c.cache[key]; ok {
		return v, nil
	}

	var count int
	row := c.db.sql.QueryRow(
		`SELECT count FROM review_cycles WHERE teammate_id = ? AND purpose = ?`,
		teammateID, purpose,
	)
	if err := row.Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.cache[key] = 0
			return 0, nil
		}
		return 0, fmt.Errorf("reading counter: %w", err)
	}

	c.cache[key] = count
	return count, nil
}

// Increment bumps the counter by one and returns the new value.
func (c *CounterStore) Increment(teammateID, purpose string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, err := c.getLocked(teammateID, purpose)
	if err != nil {
		return 0, err
	}
	next := current + 1

	_, err = c.db.sql.Exec(
		`INSERT INTO review_cycles (teammate_id, purpose, count, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(teammate_id, purpose) DO UPDATE SET count = excluded.count, updated_at = excluded.updated_at`,
		teammateID, purpose, next, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("writing counter: %w", err)
	}

	c.cache[counterKey{teammateID, purpose}] = next
	return next, nil
}

// Clear resets the counter to zero.
func (c *CounterStore) Clear(teammateID, purpose string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.db.sql.Exec(
		`DELETE FROM review_cycles WHERE teammate_id = ? AND purpose = ?`,
		teammateID, purpose,
	); err != nil {
		return fmt.Errorf("clearing counter: %w", err)
	}

	c.cache[counterKey{teammateID, purpose}] = 0
	return nil
}

// Forget drops cached entries for a teammate. Used on team teardown so
// the cache does not grow across many short-lived teams; the persisted
// rows are removed by Clear when the counter completes its lifecycle.
func (c *CounterStore) Forget(teammateID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.cache {
		if key.teammateID == teammateID {
			delete(c.cache, key)
		}
	}
}
