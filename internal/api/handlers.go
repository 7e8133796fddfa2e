package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sort"
	"strconv"

	"dialog/internal/auth"
	"dialog/internal/models"
	"dialog/internal/storage"
	"dialog/internal/ws"
)

type API struct {
	auth  *auth.AuthService
	hub   *ws.Hub
	store *storage.BboltStorage
}

func New(auth *auth.AuthService, hub *ws.Hub, store *storage.BboltStorage) *API {
	return &API{auth: auth, hub: hub, store: store}
}

func (a *API) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	user, err := a.auth.Register(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, models.ErrUserExists) {
			http.Error(w, "Username already taken", http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusCreated)
	writeJSON(w, map[string]models.User{"user": user})
}

func (a *API) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	resp, err := a.auth.Login(req.Username, req.Password)
	if err != nil {
		http.Error(w, "Login failed", http.StatusUnauthorized)
		return
	}

	writeJSON(w, resp)
}

// RequireAuth resolves the bearer token and passes the user ID to the
// wrapped handler.
func (a *API) RequireAuth(next func(w http.ResponseWriter, r *http.Request, userID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.auth.Verify(a.token(r))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r, userID)
	}
}

func (a *API) token(r *http.Request) string {
	token := r.Header.Get("token")
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}
	return token
}

// UsersHandler lists the user directory with a best-effort online flag,
// excluding the caller.
func (a *API) UsersHandler(w http.ResponseWriter, r *http.Request, userID string) {
	users, err := a.store.ListUsers()
	if err != nil {
		log.Printf("failed to list users: %v", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	out := make([]models.User, 0, len(users))
	for _, u := range users {
		if u.ID == userID {
			continue
		}
		u.Online = a.hub.IsOnline(u.ID)
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })

	writeJSON(w, map[string][]models.User{"users": out})
}

// MessagesHandler returns conversation history with another user,
// newest-last, paged backwards from the most recent message.
func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request, userID string) {
	otherID := r.PathValue("userId")
	if otherID == "" {
		http.Error(w, "User ID is required", http.StatusBadRequest)
		return
	}

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	messages, err := a.store.ListConversation(userID, otherID, limit, offset)
	if err != nil {
		log.Printf("failed to list conversation: %v", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}

	writeJSON(w, map[string][]models.Message{"messages": messages})
}

// UnreadHandler returns the caller's per-sender unread counts straight from
// the store, so it works whether or not the caller has a live connection.
func (a *API) UnreadHandler(w http.ResponseWriter, r *http.Request, userID string) {
	counts, err := a.store.UnreadCounts(userID)
	if err != nil {
		log.Printf("failed to load unread counts: %v", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]map[string]int{"counts": counts})
}

// MarkReadHandler acknowledges all messages from a sender. Shares the hub
// path with the websocket mark-read event so connected devices get the
// unread-changed push either way.
func (a *API) MarkReadHandler(w http.ResponseWriter, r *http.Request, userID string) {
	senderID := r.PathValue("senderId")
	if senderID == "" {
		http.Error(w, "Sender ID is required", http.StatusBadRequest)
		return
	}

	if err := a.hub.MarkRead(userID, senderID); err != nil {
		log.Printf("failed to mark read: %v", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]string{"message": "Messages marked as read"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
