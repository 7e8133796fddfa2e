package fanout

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"dialog/internal/models"

	"github.com/nats-io/nats.go"
)

const subjectPrefix = "dialog.deliver."

// Conn is the slice of the NATS client the fanout needs. *nats.Conn
// satisfies it; tests plug in a loopback.
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Handler receives events published for a user by other instances.
type Handler func(userID string, ev models.ServerEvent)

// Envelope is the wire format on the fanout channel. Origin lets an
// instance skip events it published itself; everything the local side
// already delivered would otherwise arrive a second time.
type Envelope struct {
	Origin string             `json:"origin"`
	Event  models.ServerEvent `json:"event"`
}

// Fanout is the publish/subscribe layer that carries messages, presence and
// typing events between serving instances. Each instance subscribes to the
// subject of every user it holds a live local connection for, mirroring the
// registry's reachability transitions. Publish is fire-and-forget:
// at-least-once delivery is expected and clients deduplicate by message ID.
type Fanout struct {
	nc         Conn
	instanceID string
	handler    Handler

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

func New(nc Conn, instanceID string, handler Handler) *Fanout {
	return &Fanout{
		nc:         nc,
		instanceID: instanceID,
		handler:    handler,
		subs:       make(map[string]*nats.Subscription),
	}
}

// Subscribe starts listening for events addressed to userID. Called when the
// user's first local connection registers. Idempotent.
func (f *Fanout) Subscribe(userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.subs[userID]; ok {
		return nil
	}

	sub, err := f.nc.Subscribe(subjectPrefix+userID, func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			slog.Warn("fanout: dropping malformed envelope", "subject", msg.Subject, "error", err)
			return
		}
		if env.Origin == f.instanceID {
			return
		}
		f.handler(userID, env.Event)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe for %s: %w", userID, err)
	}

	f.subs[userID] = sub
	return nil
}

// Unsubscribe stops listening for a user. Called when their last local
// connection deregisters. No-op if not subscribed.
func (f *Fanout) Unsubscribe(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sub, ok := f.subs[userID]
	if !ok {
		return
	}
	delete(f.subs, userID)
	if err := sub.Unsubscribe(); err != nil {
		slog.Warn("fanout: unsubscribe failed", "user_id", userID, "error", err)
	}
}

// Publish sends an event toward every instance holding a connection for
// userID. Failures degrade to a log line: the recipient will see the message
// on their next history fetch.
func (f *Fanout) Publish(userID string, ev models.ServerEvent) {
	data, err := json.Marshal(Envelope{Origin: f.instanceID, Event: ev})
	if err != nil {
		slog.Warn("fanout: marshal failed", "user_id", userID, "error", err)
		return
	}
	if err := f.nc.Publish(subjectPrefix+userID, data); err != nil {
		slog.Warn("fanout: publish failed", "user_id", userID, "error", err)
	}
}

// Close releases every subscription. Called on shutdown after the registry
// has been drained.
func (f *Fanout) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for userID, sub := range f.subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Warn("fanout: unsubscribe failed", "user_id", userID, "error", err)
		}
		delete(f.subs, userID)
	}
}
