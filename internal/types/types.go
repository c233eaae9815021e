package types

import (
	"time"
)

type User struct {
	Id        int       `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

type Room struct {
	Id            int       `json:"-"`
	ExternalId    string    `json:"id"`
	OtherUser     User      `json:"other_user"`
	LastMessage   string    `json:"last_message,omitempty"`
	UnreadCount   int       `json:"unread_count"`
	CreatedAt     time.Time `json:"created_at,omitempty"`
	LastMessageAt time.Time `json:"last_message_at,omitempty"`
}

type Message struct {
	Id             string    `json:"id"`
	RoomId         int       `json:"-"`
	SenderId       int       `json:"sender_id"`
	SenderUsername string    `json:"sender_username"`
	Content        string    `json:"content"`
	IsRead         bool      `json:"is_read"`
	Timestamp      time.Time `json:"timestamp"`
}

// Event is the outbound websocket envelope. Type is one of the Event* constants.
type Event struct {
	Type           string `json:"type"`
	Message        string `json:"message"`
	SenderId       string `json:"sender_id,omitempty"`
	SenderUsername string `json:"sender_username,omitempty"`
	Timestamp      string `json:"timestamp,omitempty"`
	MessageId      string `json:"message_id,omitempty"`
}

const (
	EventConnectionEstablished = "connection_established"
	EventMessage               = "message"
	EventError                 = "error"
)

// EventTimeFormat renders message timestamps as HH:MM.
const EventTimeFormat = "15:04"

func NewErrorEvent(reason string) *Event {
	return &Event{Type: EventError, Message: reason}
}
