package unread

import (
	"errors"
	"sync"
	"testing"
)

type fakeStore struct {
	mu          sync.Mutex
	counts      map[string]map[string]int
	markReadErr error
	markReads   []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{counts: make(map[string]map[string]int)}
}

func (f *fakeStore) MarkConversationRead(recipientID, senderID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markReadErr != nil {
		return 0, f.markReadErr
	}
	f.markReads = append(f.markReads, recipientID+"/"+senderID)
	n := f.counts[recipientID][senderID]
	if m, ok := f.counts[recipientID]; ok {
		delete(m, senderID)
	}
	return n, nil
}

func (f *fakeStore) UnreadCounts(userID string) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int)
	for sender, count := range f.counts[userID] {
		out[sender] = count
	}
	return out, nil
}

func TestCounter_IncrementAndCounts(t *testing.T) {
	c := NewCounter(newFakeStore())

	if got := c.Increment("alice", "bob"); got != 1 {
		t.Errorf("expected count 1, got %d", got)
	}
	if got := c.Increment("alice", "bob"); got != 2 {
		t.Errorf("expected count 2, got %d", got)
	}
	c.Increment("alice", "carol")

	counts := c.AllCountsFor("alice")
	if counts["bob"] != 2 || counts["carol"] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}

	if counts := c.AllCountsFor("bob"); len(counts) != 0 {
		t.Errorf("expected empty counts for bob, got %v", counts)
	}
}

func TestCounter_MarkRead(t *testing.T) {
	store := newFakeStore()
	c := NewCounter(store)

	c.Increment("alice", "bob")
	c.Increment("alice", "bob")

	if err := c.MarkRead("alice", "bob"); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	if got := c.AllCountsFor("alice")["bob"]; got != 0 {
		t.Errorf("expected count 0 after MarkRead, got %d", got)
	}
	if len(store.markReads) != 1 {
		t.Errorf("expected 1 store transition, got %d", len(store.markReads))
	}

	// Repeated MarkRead is idempotent: no error, count stays zero.
	if err := c.MarkRead("alice", "bob"); err != nil {
		t.Fatalf("repeated MarkRead failed: %v", err)
	}
	if got := c.AllCountsFor("alice")["bob"]; got != 0 {
		t.Errorf("expected count 0, got %d", got)
	}
}

func TestCounter_MarkReadStoreFailureKeepsCounter(t *testing.T) {
	store := newFakeStore()
	c := NewCounter(store)

	c.Increment("alice", "bob")
	store.markReadErr = errors.New("store down")

	if err := c.MarkRead("alice", "bob"); err == nil {
		t.Fatal("expected error when store update fails")
	}

	// The counter must not have been reset: counter and persisted read
	// state stay consistent.
	if got := c.AllCountsFor("alice")["bob"]; got != 1 {
		t.Errorf("expected count 1 after failed MarkRead, got %d", got)
	}
}

func TestCounter_Hydrate(t *testing.T) {
	store := newFakeStore()
	store.counts["alice"] = map[string]int{"bob": 3, "carol": 1}
	c := NewCounter(store)

	// Memory has drifted (e.g. counts accumulated on another instance).
	c.Increment("alice", "bob")

	if err := c.Hydrate("alice"); err != nil {
		t.Fatalf("Hydrate failed: %v", err)
	}

	counts := c.AllCountsFor("alice")
	if counts["bob"] != 3 || counts["carol"] != 1 {
		t.Errorf("expected store values after hydration, got %v", counts)
	}
}

func TestCounter_AllCountsReturnsCopy(t *testing.T) {
	c := NewCounter(newFakeStore())
	c.Increment("alice", "bob")

	counts := c.AllCountsFor("alice")
	counts["bob"] = 99

	if got := c.AllCountsFor("alice")["bob"]; got != 1 {
		t.Errorf("mutating the returned map leaked into the counter: %d", got)
	}
}
