package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"dialog/internal/models"
	"dialog/internal/registry"
)

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
	SetReadDeadline(t time.Time) error
}

type eventHub interface {
	Join(hd *registry.Handle) error
	Leave(hd *registry.Handle)
	Dispatch(ctx context.Context, hd *registry.Handle, ev models.ClientEvent)
}

// Connection drives one websocket session: a read pump feeding inbound
// events into a single dispatch loop, and the handle's outbound queue
// drained into the socket by the same loop, so pushes to this connection
// stay in order.
type Connection struct {
	ws          wsConnection
	hub         eventHub
	handle      *registry.Handle
	idleTimeout time.Duration
	fromClient  chan models.ClientEvent
	errorCh     chan error
}

func NewConnection(hub eventHub, ws wsConnection, handle *registry.Handle, idleTimeout time.Duration) *Connection {
	return &Connection{
		ws:          ws,
		hub:         hub,
		handle:      handle,
		idleTimeout: idleTimeout,
		fromClient:  make(chan models.ClientEvent),
		errorCh:     make(chan error, 2),
	}
}

// Handle runs the session until the client disconnects, the context is
// cancelled, or the registry rejects the handle. The handle is always
// deregistered exactly once on the way out.
func (c *Connection) Handle(ctx context.Context) error {
	if err := c.hub.Join(c.handle); err != nil {
		_ = c.ws.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.fromClient)
		close(c.errorCh)
		c.hub.Leave(c.handle)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpEvents(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	_ = c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpEvents(ctx context.Context) error {
	for {
		if c.idleTimeout > 0 {
			if err := c.ws.SetReadDeadline(time.Now().Add(c.idleTimeout)); err != nil {
				return err
			}
		}

		var ev models.ClientEvent
		if err := c.ws.ReadJSON(&ev); err != nil {
			return err
		}
		c.handle.Touch()

		select {
		case c.fromClient <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case ev := <-c.fromClient:
			c.hub.Dispatch(ctx, c.handle, ev)
		case ev := <-c.handle.Events():
			if err := c.ws.WriteJSON(ev); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
