package ws

import (
	"errors"
	"log"
	"net/http"
	"time"

	"dialog/internal/auth"
	"dialog/internal/registry"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type Server struct {
	auth        *auth.AuthService
	hub         *Hub
	upgrader    *websocket.Upgrader
	idleTimeout time.Duration
}

func NewServer(auth *auth.AuthService, hub *Hub, idleTimeout time.Duration) *Server {
	return &Server{
		auth: auth,
		hub:  hub,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
		idleTimeout: idleTimeout,
	}
}

// HandleConnections authenticates the handshake, registers a fresh
// connection handle and runs the session until it ends. Authentication
// happens before any registry entry exists, so a rejected credential leaves
// no state behind.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.Verify(s.token(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("error upgrading to websocket: %v", err)
		return
	}

	// Fresh connection ID per handshake; a retried handshake never
	// collides with the handle it is replacing.
	handle := registry.NewHandle(uuid.NewString(), userID, s.hub.InstanceID(), s.hub.QueueSize())
	conn := NewConnection(s.hub, ws, handle, s.idleTimeout)

	if err := conn.Handle(r.Context()); err != nil && !errors.Is(err, registry.ErrDuplicateConnection) {
		log.Printf("connection ended: user=%s conn=%s err=%v", userID, handle.ID(), err)
	}
}

func (s *Server) token(r *http.Request) string {
	token := r.Header.Get("token")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}
	return token
}
