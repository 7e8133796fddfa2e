package presence

import (
	"log/slog"
	"sync"
	"time"

	"dialog/internal/models"
)

// Notifier pushes a presence or typing event to every live connection of the
// target user, locally and across instances. Delivery is best-effort: a
// failed notification must never fail the operation that triggered it.
type Notifier func(targetID string, ev models.ServerEvent)

// ContactSource scopes presence broadcasts to users who have actually
// exchanged messages with the subject.
type ContactSource interface {
	Contacts(userID string) ([]string, error)
}

type stopper interface {
	Stop() bool
}

// Tracker derives online/offline/typing state from registry transitions and
// message traffic. State is transient: it is rebuilt from the registry as
// connections arrive and is lost across a crash.
type Tracker struct {
	notify   Notifier
	contacts ContactSource
	expiry   time.Duration

	// afterFunc is swapped for a manual trigger in tests.
	afterFunc func(d time.Duration, f func()) stopper

	mu    sync.Mutex
	users map[string]*userState
}

type userState struct {
	typingTo    string
	typingTimer stopper
}

func NewTracker(contacts ContactSource, notify Notifier, typingExpiry time.Duration) *Tracker {
	return &Tracker{
		notify:   notify,
		contacts: contacts,
		expiry:   typingExpiry,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
		users: make(map[string]*userState),
	}
}

// SetOnline is called when a user's first connection registers.
func (t *Tracker) SetOnline(userID string) {
	t.mu.Lock()
	if _, ok := t.users[userID]; !ok {
		t.users[userID] = &userState{}
	}
	t.mu.Unlock()

	t.broadcast(userID, models.PresenceOnline)
}

// SetOffline is called when a user's last connection deregisters. Any
// pending typing timer is cancelled so stale typing state cannot leak into
// a later session.
func (t *Tracker) SetOffline(userID string) {
	t.mu.Lock()
	st, ok := t.users[userID]
	if ok {
		if st.typingTimer != nil {
			st.typingTimer.Stop()
		}
		delete(t.users, userID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	t.broadcast(userID, models.PresenceOffline)
}

func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.users[userID]
	return ok
}

// TypingStart marks the user as typing to the recipient and arms the expiry
// timer. Each call resets the timer, so a stream of typing-start signals
// keeps the indicator alive. Ignored for users who are not online.
func (t *Tracker) TypingStart(userID, recipientID string) {
	t.mu.Lock()
	st, ok := t.users[userID]
	if !ok {
		t.mu.Unlock()
		return
	}
	if st.typingTimer != nil {
		st.typingTimer.Stop()
	}
	st.typingTo = recipientID
	st.typingTimer = t.afterFunc(t.expiry, func() {
		t.TypingStop(userID, recipientID)
	})
	t.mu.Unlock()

	t.notify(recipientID, models.ServerEvent{
		Type:     models.ServerEventTypingChanged,
		UserID:   userID,
		IsTyping: true,
	})
}

// TypingStop reverts a typing user to plain online. Called on an explicit
// stop signal, on message send, and by the expiry timer. Idempotent.
func (t *Tracker) TypingStop(userID, recipientID string) {
	t.mu.Lock()
	st, ok := t.users[userID]
	if !ok || st.typingTo != recipientID {
		t.mu.Unlock()
		return
	}
	if st.typingTimer != nil {
		st.typingTimer.Stop()
		st.typingTimer = nil
	}
	st.typingTo = ""
	t.mu.Unlock()

	t.notify(recipientID, models.ServerEvent{
		Type:     models.ServerEventTypingChanged,
		UserID:   userID,
		IsTyping: false,
	})
}

// broadcast sends a presence change to everyone the user has a conversation
// with. Failures are logged and swallowed.
func (t *Tracker) broadcast(userID string, status models.PresenceStatus) {
	contacts, err := t.contacts.Contacts(userID)
	if err != nil {
		slog.Warn("presence broadcast skipped", "user_id", userID, "error", err)
		return
	}

	ev := models.ServerEvent{
		Type:   models.ServerEventPresenceChanged,
		UserID: userID,
		Status: status,
	}
	for _, contactID := range contacts {
		t.notify(contactID, ev)
	}
}
