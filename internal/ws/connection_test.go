package ws

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dialog/internal/models"
	"dialog/internal/registry"
)

type mockWS struct {
	in      chan models.ClientEvent
	readErr chan error
	written chan models.ServerEvent

	closeOnce sync.Once
	closed    chan struct{}
	deadlines int
	mu        sync.Mutex
}

func newMockWS() *mockWS {
	return &mockWS{
		in:      make(chan models.ClientEvent),
		readErr: make(chan error, 1),
		written: make(chan models.ServerEvent, 16),
		closed:  make(chan struct{}),
	}
}

func (m *mockWS) ReadJSON(v interface{}) error {
	select {
	case ev := <-m.in:
		*(v.(*models.ClientEvent)) = ev
		return nil
	case err := <-m.readErr:
		return err
	case <-m.closed:
		return errors.New("use of closed connection")
	}
}

func (m *mockWS) WriteJSON(v interface{}) error {
	select {
	case m.written <- v.(models.ServerEvent):
	case <-m.closed:
		return errors.New("use of closed connection")
	}
	return nil
}

func (m *mockWS) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func (m *mockWS) SetReadDeadline(t time.Time) error {
	m.mu.Lock()
	m.deadlines++
	m.mu.Unlock()
	return nil
}

func (m *mockWS) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

type mockHub struct {
	joinErr error

	mu         sync.Mutex
	joins      int
	leaves     int
	dispatched []models.ClientEvent
	dispatchCh chan models.ClientEvent
}

func newMockHub() *mockHub {
	return &mockHub{dispatchCh: make(chan models.ClientEvent, 16)}
}

func (m *mockHub) Join(hd *registry.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joins++
	return m.joinErr
}

func (m *mockHub) Leave(hd *registry.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaves++
}

func (m *mockHub) Dispatch(ctx context.Context, hd *registry.Handle, ev models.ClientEvent) {
	m.mu.Lock()
	m.dispatched = append(m.dispatched, ev)
	m.mu.Unlock()
	m.dispatchCh <- ev
}

func runConnection(t *testing.T, hub *mockHub, ws *mockWS) (*registry.Handle, context.CancelFunc, chan error) {
	t.Helper()
	handle := registry.NewHandle("c1", "alice", "i1", 16)
	conn := NewConnection(hub, ws, handle, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- conn.Handle(ctx) }()
	return handle, cancel, done
}

func waitErr(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not terminate")
		return nil
	}
}

func TestConnection_JoinFailureClosesSocket(t *testing.T) {
	hub := newMockHub()
	hub.joinErr = registry.ErrDuplicateConnection
	ws := newMockWS()

	_, cancel, done := runConnection(t, hub, ws)
	defer cancel()

	if err := waitErr(t, done); !errors.Is(err, registry.ErrDuplicateConnection) {
		t.Fatalf("expected join error, got %v", err)
	}
	if !ws.isClosed() {
		t.Error("socket left open after rejected join")
	}
	if hub.leaves != 0 {
		t.Error("Leave called for a handle that never joined")
	}
}

func TestConnection_DispatchesInboundEvents(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()
	_, cancel, done := runConnection(t, hub, ws)

	ev := models.ClientEvent{Type: models.ClientEventSendMessage, RecipientID: "bob", Content: "hi"}
	select {
	case ws.in <- ev:
	case <-time.After(time.Second):
		t.Fatal("read pump never consumed the event")
	}

	select {
	case got := <-hub.dispatchCh:
		if got.Type != ev.Type || got.RecipientID != "bob" || got.Content != "hi" {
			t.Errorf("dispatched event mangled: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("event never dispatched")
	}

	cancel()
	if err := waitErr(t, done); err != nil {
		t.Fatalf("clean cancellation returned %v", err)
	}

	hub.mu.Lock()
	defer hub.mu.Unlock()
	if hub.joins != 1 || hub.leaves != 1 {
		t.Errorf("lifecycle imbalance: joins=%d leaves=%d", hub.joins, hub.leaves)
	}
}

func TestConnection_WritesQueuedEvents(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()
	handle, cancel, done := runConnection(t, hub, ws)
	defer func() {
		cancel()
		waitErr(t, done)
	}()

	out := models.ServerEvent{Type: models.ServerEventPresenceChanged, UserID: "bob", Status: models.PresenceOnline}
	if err := handle.Push(out, time.Second); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	select {
	case got := <-ws.written:
		if got.Type != out.Type || got.UserID != "bob" {
			t.Errorf("written event mangled: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("queued event never written to the socket")
	}
}

func TestConnection_ReadErrorTearsDown(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()
	_, cancel, done := runConnection(t, hub, ws)
	defer cancel()

	ws.readErr <- errors.New("client went away")

	if err := waitErr(t, done); err == nil {
		t.Fatal("expected the read error to surface")
	}
	if !ws.isClosed() {
		t.Error("socket left open after read failure")
	}
	hub.mu.Lock()
	defer hub.mu.Unlock()
	if hub.leaves != 1 {
		t.Errorf("expected exactly one Leave, got %d", hub.leaves)
	}
}

func TestConnection_SetsReadDeadlines(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()
	_, cancel, done := runConnection(t, hub, ws)

	select {
	case ws.in <- models.ClientEvent{Type: models.ClientEventTypingStart, RecipientID: "bob"}:
	case <-time.After(time.Second):
		t.Fatal("read pump never consumed the event")
	}
	<-hub.dispatchCh

	cancel()
	waitErr(t, done)

	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.deadlines < 2 {
		t.Errorf("expected a fresh deadline per read, got %d", ws.deadlines)
	}
}
