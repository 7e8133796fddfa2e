package unread

import (
	"fmt"

	"github.com/c-pro/geche"
)

// Store is the persistence side of the counter. Counts are always
// reconcilable from the message store; the in-memory map is a cache of that
// derivable quantity, not an independent source of truth.
type Store interface {
	MarkConversationRead(recipientID, senderID string) (int, error)
	UnreadCounts(userID string) (map[string]int, error)
}

// Counter maintains, per (recipient, sender) pair, the number of messages
// the recipient has not acknowledged reading.
type Counter struct {
	store Store
	// counts is keyed by recipient ID; each value maps sender ID to count.
	counts *geche.Locker[string, map[string]int]
}

func NewCounter(store Store) *Counter {
	return &Counter{
		store:  store,
		counts: geche.NewLocker[string, map[string]int](geche.NewMapCache[string, map[string]int]()),
	}
}

// Increment adds one to the (recipient, sender) counter and returns the new
// value. The entry is created at 1 if absent.
func (c *Counter) Increment(recipientID, senderID string) int {
	tx := c.counts.Lock()
	defer tx.Unlock()

	m, err := tx.Get(recipientID)
	if err != nil {
		m = make(map[string]int)
	}
	m[senderID]++
	tx.Set(recipientID, m)
	return m[senderID]
}

// MarkRead transitions all pending/delivered messages from senderID to
// recipientID to read in the store and zeroes the counter. The store update
// happens first: if it fails the counter is left untouched so the two never
// diverge permanently. Repeated calls are a no-op.
func (c *Counter) MarkRead(recipientID, senderID string) error {
	if _, err := c.store.MarkConversationRead(recipientID, senderID); err != nil {
		return fmt.Errorf("failed to mark conversation read: %w", err)
	}

	tx := c.counts.Lock()
	defer tx.Unlock()

	m, err := tx.Get(recipientID)
	if err != nil {
		return nil
	}
	delete(m, senderID)
	tx.Set(recipientID, m)
	return nil
}

// Hydrate replaces the cached counts for a user with the store's values.
// Called when a user connects, so counts accumulated while they were served
// by another instance (or while this process was down) are picked up.
func (c *Counter) Hydrate(userID string) error {
	counts, err := c.store.UnreadCounts(userID)
	if err != nil {
		return fmt.Errorf("failed to load unread counts: %w", err)
	}

	tx := c.counts.Lock()
	defer tx.Unlock()
	tx.Set(userID, counts)
	return nil
}

// AllCountsFor returns the full sender -> count mapping for a user, used to
// hydrate a freshly connected client. The returned map is a copy.
func (c *Counter) AllCountsFor(userID string) map[string]int {
	tx := c.counts.Lock()
	defer tx.Unlock()

	out := make(map[string]int)
	m, err := tx.Get(userID)
	if err != nil {
		return out
	}
	for senderID, count := range m {
		if count > 0 {
			out[senderID] = count
		}
	}
	return out
}
