package delivery

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"dialog/internal/content"
	"dialog/internal/models"
	"dialog/internal/registry"
)

// ErrPersistence marks a send that failed before anything was delivered.
// The message store was unreachable; nothing was partially applied.
var ErrPersistence = errors.New("message store unavailable")

type Store interface {
	AppendMessage(senderID, recipientID, content string) (models.Message, error)
	SetMessageState(senderID, recipientID string, messageID int64, state models.DeliveryState) error
}

type Registry interface {
	ConnectionsFor(userID string) []*registry.Handle
}

// Publisher pushes the message toward instances holding remote connections
// for the recipient. May be nil in a single-instance deployment.
type Publisher interface {
	Publish(userID string, ev models.ServerEvent)
}

type Counter interface {
	Increment(recipientID, senderID string) int
}

// Typing clears a stale typing indicator when the typist actually sends.
type Typing interface {
	TypingStop(userID, recipientID string)
}

// Pipeline accepts an outbound message intent, persists it, then fans it out
// to every live recipient connection and the sender's other connections.
// Persistence happens before fan-out: no message is ever delivered that
// cannot later be retrieved from history.
type Pipeline struct {
	store   Store
	reg     Registry
	pub     Publisher
	counter Counter
	typing  Typing

	maxContentSize int
	pushTimeout    time.Duration

	// convLocks serializes persist + enqueue per conversation so messages
	// reach each connection's queue in persistence order. Sends for
	// different conversations proceed in parallel.
	convLocks [64]sync.Mutex
}

type Config struct {
	MaxContentSize int
	PushTimeout    time.Duration
}

func NewPipeline(store Store, reg Registry, pub Publisher, counter Counter, typing Typing, cfg Config) *Pipeline {
	return &Pipeline{
		store:          store,
		reg:            reg,
		pub:            pub,
		counter:        counter,
		typing:         typing,
		maxContentSize: cfg.MaxContentSize,
		pushTimeout:    cfg.PushTimeout,
	}
}

// Send validates, persists and delivers one message. originConnID is the
// connection the intent arrived on; it is excluded from the multi-device
// echo since the caller returns the persisted message to it directly.
//
// Failures before persistence abort the send and surface to the caller.
// Failures after persistence degrade to log lines: the durability
// guarantee, not the live-push guarantee, is what the sender is owed.
func (p *Pipeline) Send(ctx context.Context, senderID, originConnID, recipientID, msgContent string) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}

	if err := content.ValidateMessage(msgContent, p.maxContentSize); err != nil {
		return models.Message{}, err
	}

	lock := p.lockFor(senderID, recipientID)
	lock.Lock()
	defer lock.Unlock()

	msg, err := p.store.AppendMessage(senderID, recipientID, content.Sanitize(msgContent))
	if err != nil {
		return models.Message{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	p.typing.TypingStop(senderID, recipientID)

	// Pushed events get their own copy: msg is mutated below once delivery
	// is recorded, and connection writers read concurrently.
	pushed := msg
	ev := models.ServerEvent{Type: models.ServerEventMessageDelivered, Message: &pushed}

	// Delivery is independently best-effort per connection: one slow or
	// broken connection never rolls back persistence or starves the rest.
	delivered := 0
	for _, h := range p.reg.ConnectionsFor(recipientID) {
		if err := h.Push(ev, p.pushTimeout); err != nil {
			slog.Warn("local push failed", "conn_id", h.ID(), "user_id", recipientID, "message_id", msg.ID, "error", err)
			continue
		}
		delivered++
	}
	for _, h := range p.reg.ConnectionsFor(senderID) {
		if h.ID() == originConnID {
			continue
		}
		if err := h.Push(ev, p.pushTimeout); err != nil {
			slog.Warn("echo push failed", "conn_id", h.ID(), "user_id", senderID, "message_id", msg.ID, "error", err)
		}
	}

	if p.pub != nil {
		p.pub.Publish(recipientID, ev)
	}

	// Unread tracking reflects read state, not transport delivery:
	// a delivered-but-unseen message is still unread.
	p.counter.Increment(recipientID, senderID)

	if delivered > 0 {
		if err := p.store.SetMessageState(senderID, recipientID, msg.ID, models.StateDelivered); err != nil {
			slog.Warn("failed to record delivery", "message_id", msg.ID, "error", err)
		} else {
			msg.State = models.StateDelivered
		}
	}

	return msg, nil
}

func (p *Pipeline) lockFor(senderID, recipientID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(models.ConversationID(senderID, recipientID)))
	return &p.convLocks[h.Sum32()%uint32(len(p.convLocks))]
}
