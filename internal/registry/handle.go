package registry

import (
	"errors"
	"sync/atomic"
	"time"

	"dialog/internal/models"
)

var ErrPushTimeout = errors.New("push timed out")

// Handle represents one live transport-level session for a user.
// It is created on a successful handshake and owned by the Registry until
// deregistration. Outbound events are queued on a buffered channel drained
// by the connection's write loop, which keeps delivery to one connection
// FIFO without blocking senders.
type Handle struct {
	id         string
	userID     string
	instanceID string
	createdAt  time.Time
	lastActive atomic.Int64

	queue chan models.ServerEvent
}

func NewHandle(id, userID, instanceID string, queueSize int) *Handle {
	h := &Handle{
		id:         id,
		userID:     userID,
		instanceID: instanceID,
		createdAt:  time.Now(),
		queue:      make(chan models.ServerEvent, queueSize),
	}
	h.Touch()
	return h
}

func (h *Handle) ID() string         { return h.id }
func (h *Handle) UserID() string     { return h.userID }
func (h *Handle) InstanceID() string { return h.instanceID }
func (h *Handle) CreatedAt() time.Time {
	return h.createdAt
}

// Events is drained by the connection's write loop.
func (h *Handle) Events() <-chan models.ServerEvent {
	return h.queue
}

// Push enqueues an event for this connection. A connection that does not
// accept the event within the timeout is treated as a failed delivery;
// the caller decides what to do about the connection itself.
func (h *Handle) Push(ev models.ServerEvent, timeout time.Duration) error {
	select {
	case h.queue <- ev:
		return nil
	default:
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case h.queue <- ev:
		return nil
	case <-t.C:
		return ErrPushTimeout
	}
}

// Touch records activity on the connection, used for idle-timeout checks.
func (h *Handle) Touch() {
	h.lastActive.Store(time.Now().UnixNano())
}

func (h *Handle) LastActive() time.Time {
	return time.Unix(0, h.lastActive.Load())
}
