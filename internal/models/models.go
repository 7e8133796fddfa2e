package models

import (
	"errors"
	"sort"
	"strings"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrUserExists = errors.New("user already exists")
)

// DeliveryState tracks how far a message has travelled.
// Transitions are strictly forward: pending -> delivered -> read.
type DeliveryState string

const (
	StatePending   DeliveryState = "pending"
	StateDelivered DeliveryState = "delivered"
	StateRead      DeliveryState = "read"
)

// Rank returns the position of the state in the pending->delivered->read
// progression, used to reject backwards transitions.
func (s DeliveryState) Rank() int {
	switch s {
	case StatePending:
		return 0
	case StateDelivered:
		return 1
	case StateRead:
		return 2
	}
	return -1
}

// User represents a user in the system.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Online   bool   `json:"online"`
	LastSeen int64  `json:"lastSeen"` // Unix timestamp (seconds)
}

// Message represents a direct message between two users.
// Immutable once persisted, except for the delivery state.
type Message struct {
	ID          int64         `json:"messageId"`
	SenderID    string        `json:"senderId"`
	RecipientID string        `json:"recipientId"`
	Content     string        `json:"content"`
	CreatedAt   int64         `json:"createdAt"` // Unix timestamp (seconds)
	State       DeliveryState `json:"state"`
}

// ConversationID returns a deterministic identifier for a pair of users,
// independent of who is the sender. Message IDs are monotonically increasing
// within one conversation.
func ConversationID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, ":")
}

// ClientEvent is an inbound event from a connected client.
type ClientEvent struct {
	Type        ClientEventType `json:"type"`
	RecipientID string          `json:"recipientId,omitempty"`
	SenderID    string          `json:"senderId,omitempty"` // mark-read only
	Content     string          `json:"content,omitempty"`
}

type ClientEventType string

const (
	ClientEventSendMessage ClientEventType = "send-message"
	ClientEventTypingStart ClientEventType = "typing-start"
	ClientEventTypingStop  ClientEventType = "typing-stop"
	ClientEventMarkRead    ClientEventType = "mark-read"
)

// ServerEvent is an outbound push to a specific connection.
type ServerEvent struct {
	Type     ServerEventType `json:"type"`
	Message  *Message        `json:"message,omitempty"`
	UserID   string          `json:"userId,omitempty"`
	Status   PresenceStatus  `json:"status,omitempty"`
	IsTyping bool            `json:"isTyping,omitempty"`
	SenderID string          `json:"senderId,omitempty"`
	Count    int             `json:"count"`
	Counts   map[string]int  `json:"counts,omitempty"`
	Error    string          `json:"error,omitempty"`
}

type ServerEventType string

const (
	ServerEventMessageDelivered ServerEventType = "message-delivered"
	ServerEventPresenceChanged  ServerEventType = "presence-changed"
	ServerEventTypingChanged    ServerEventType = "typing-changed"
	ServerEventUnreadChanged    ServerEventType = "unread-changed"
	ServerEventUnreadCounts     ServerEventType = "unread-counts"
	ServerEventError            ServerEventType = "error"
)

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)
