package ws

import (
	"context"
	"log/slog"
	"time"

	"dialog/internal/delivery"
	"dialog/internal/fanout"
	"dialog/internal/models"
	"dialog/internal/presence"
	"dialog/internal/registry"
	"dialog/internal/unread"
)

// Store is everything the hub and its components need from persistence.
// *storage.BboltStorage satisfies it.
type Store interface {
	AppendMessage(senderID, recipientID, content string) (models.Message, error)
	SetMessageState(senderID, recipientID string, messageID int64, state models.DeliveryState) error
	MarkConversationRead(recipientID, senderID string) (int, error)
	UnreadCounts(userID string) (map[string]int, error)
	Contacts(userID string) ([]string, error)
	TouchLastSeen(userID string, ts int64) error
}

type Config struct {
	InstanceID     string
	PushTimeout    time.Duration
	TypingExpiry   time.Duration
	MaxContentSize int
	QueueSize      int
}

// Hub glues the session registry, presence tracker, unread counter, delivery
// pipeline and cross-instance fanout together and drives the connection
// lifecycle: join, inbound event dispatch, leave, shutdown.
type Hub struct {
	store    Store
	reg      *registry.Registry
	presence *presence.Tracker
	unread   *unread.Counter
	pipeline *delivery.Pipeline
	fanout   *fanout.Fanout // nil in a single-instance deployment
	cfg      Config
}

// NewHub wires the realtime core. nc is the process-wide NATS client owned
// by the composition root; pass nil to run without cross-instance fanout.
func NewHub(store Store, nc fanout.Conn, cfg Config) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}

	h := &Hub{
		store: store,
		reg:   registry.New(),
		cfg:   cfg,
	}
	h.unread = unread.NewCounter(store)
	h.presence = presence.NewTracker(store, h.notifyUser, cfg.TypingExpiry)
	if nc != nil {
		h.fanout = fanout.New(nc, cfg.InstanceID, h.deliverRemote)
	}

	var pub delivery.Publisher
	if h.fanout != nil {
		pub = h.fanout
	}
	h.pipeline = delivery.NewPipeline(store, h.reg, pub, h.unread, h.presence, delivery.Config{
		MaxContentSize: cfg.MaxContentSize,
		PushTimeout:    cfg.PushTimeout,
	})

	return h
}

func (h *Hub) InstanceID() string { return h.cfg.InstanceID }
func (h *Hub) QueueSize() int     { return h.cfg.QueueSize }

// IsOnline reports whether the user has a live connection on this instance.
func (h *Hub) IsOnline(userID string) bool {
	return h.reg.IsReachableLocally(userID)
}

// Join registers a fresh connection handle. The first handle for a user
// subscribes the fanout channel and announces the user online. The new
// connection is hydrated with the user's unread counts.
func (h *Hub) Join(hd *registry.Handle) error {
	first, err := h.reg.Register(hd.UserID(), hd)
	if err != nil {
		return err
	}

	if first {
		if h.fanout != nil {
			if err := h.fanout.Subscribe(hd.UserID()); err != nil {
				slog.Warn("fanout subscribe failed", "user_id", hd.UserID(), "error", err)
			}
		}
		h.presence.SetOnline(hd.UserID())
	}

	if err := h.unread.Hydrate(hd.UserID()); err != nil {
		slog.Warn("unread hydration failed", "user_id", hd.UserID(), "error", err)
	}
	snapshot := models.ServerEvent{
		Type:   models.ServerEventUnreadCounts,
		Counts: h.unread.AllCountsFor(hd.UserID()),
	}
	if err := hd.Push(snapshot, h.cfg.PushTimeout); err != nil {
		slog.Warn("unread snapshot push failed", "conn_id", hd.ID(), "error", err)
	}

	return nil
}

// Leave removes a handle. Removing the user's last handle releases the
// fanout subscription and announces the user offline. Tolerates duplicate
// calls for the same handle.
func (h *Hub) Leave(hd *registry.Handle) {
	last := h.reg.Deregister(hd.UserID(), hd.ID())
	if !last {
		return
	}

	if h.fanout != nil {
		h.fanout.Unsubscribe(hd.UserID())
	}
	h.presence.SetOffline(hd.UserID())
	if err := h.store.TouchLastSeen(hd.UserID(), time.Now().Unix()); err != nil {
		slog.Warn("failed to record last seen", "user_id", hd.UserID(), "error", err)
	}
}

// Dispatch routes one inbound client event. Send failures are reported back
// only to the originating connection; everything else is best-effort.
func (h *Hub) Dispatch(ctx context.Context, hd *registry.Handle, ev models.ClientEvent) {
	switch ev.Type {
	case models.ClientEventSendMessage:
		msg, err := h.pipeline.Send(ctx, hd.UserID(), hd.ID(), ev.RecipientID, ev.Content)
		if err != nil {
			slog.Info("send failed", "user_id", hd.UserID(), "recipient_id", ev.RecipientID, "error", err)
			h.pushTo(hd, models.ServerEvent{Type: models.ServerEventError, Error: err.Error()})
			return
		}
		// The persisted message goes back to the originating connection
		// as the send acknowledgment.
		h.pushTo(hd, models.ServerEvent{Type: models.ServerEventMessageDelivered, Message: &msg})

	case models.ClientEventTypingStart:
		h.presence.TypingStart(hd.UserID(), ev.RecipientID)

	case models.ClientEventTypingStop:
		h.presence.TypingStop(hd.UserID(), ev.RecipientID)

	case models.ClientEventMarkRead:
		if err := h.MarkRead(hd.UserID(), ev.SenderID); err != nil {
			slog.Warn("mark-read failed", "user_id", hd.UserID(), "sender_id", ev.SenderID, "error", err)
			h.pushTo(hd, models.ServerEvent{Type: models.ServerEventError, Error: "failed to mark messages read"})
		}

	default:
		slog.Debug("ignoring unknown client event", "type", ev.Type, "user_id", hd.UserID())
	}
}

// MarkRead acknowledges all messages from senderID to recipientID and tells
// every one of the recipient's connections, here and on other instances,
// that the counter dropped to zero. Shared with the REST mark-read path.
func (h *Hub) MarkRead(recipientID, senderID string) error {
	if err := h.unread.MarkRead(recipientID, senderID); err != nil {
		return err
	}

	h.notifyUser(recipientID, models.ServerEvent{
		Type:     models.ServerEventUnreadChanged,
		SenderID: senderID,
		Count:    0,
	})
	return nil
}

// Shutdown deregisters every local handle so presence goes offline and
// fanout subscriptions are released before the process exits.
func (h *Hub) Shutdown() {
	now := time.Now().Unix()
	for _, userID := range h.reg.DrainAll() {
		if h.fanout != nil {
			h.fanout.Unsubscribe(userID)
		}
		h.presence.SetOffline(userID)
		if err := h.store.TouchLastSeen(userID, now); err != nil {
			slog.Warn("failed to record last seen", "user_id", userID, "error", err)
		}
	}
	if h.fanout != nil {
		h.fanout.Close()
	}
}

// notifyUser pushes an event to every connection of a user, local and
// remote. Best-effort on both legs.
func (h *Hub) notifyUser(userID string, ev models.ServerEvent) {
	h.pushLocal(userID, ev)
	if h.fanout != nil {
		h.fanout.Publish(userID, ev)
	}
}

// deliverRemote handles events published for userID by other instances.
func (h *Hub) deliverRemote(userID string, ev models.ServerEvent) {
	h.pushLocal(userID, ev)
}

func (h *Hub) pushLocal(userID string, ev models.ServerEvent) {
	for _, hd := range h.reg.ConnectionsFor(userID) {
		h.pushTo(hd, ev)
	}
}

func (h *Hub) pushTo(hd *registry.Handle, ev models.ServerEvent) {
	if err := hd.Push(ev, h.cfg.PushTimeout); err != nil {
		slog.Warn("push failed", "conn_id", hd.ID(), "user_id", hd.UserID(), "type", ev.Type, "error", err)
	}
}
