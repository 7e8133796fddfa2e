package http

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"dialog/internal/api"
	"dialog/internal/auth"
	"dialog/internal/storage"
	"dialog/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAPIServer(authService *auth.AuthService, hub *ws.Hub, store *storage.BboltStorage, addr string, idleTimeout time.Duration) *APIServer {
	server := ws.NewServer(authService, hub, idleTimeout)
	apiHandlers := api.New(authService, hub, store)

	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/register", apiHandlers.RegisterHandler)
	mux.HandleFunc("POST /api/login", apiHandlers.LoginHandler)
	mux.HandleFunc("GET /api/users", apiHandlers.RequireAuth(apiHandlers.UsersHandler))
	mux.HandleFunc("GET /api/messages/unread", apiHandlers.RequireAuth(apiHandlers.UnreadHandler))
	mux.HandleFunc("GET /api/messages/{userId}", apiHandlers.RequireAuth(apiHandlers.MessagesHandler))
	mux.HandleFunc("POST /api/messages/{senderId}/read", apiHandlers.RequireAuth(apiHandlers.MarkReadHandler))

	// WebSocket endpoint
	mux.HandleFunc("/api/chat", server.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *APIServer) Start() error {
	log.Printf("Server started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
