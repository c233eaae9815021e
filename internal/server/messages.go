package server

import (
	"strconv"

	"github.com/npezzotti/go-dmchat/internal/database"
	"github.com/npezzotti/go-dmchat/internal/types"
)

const (
	ErrInvalidFormat     = "Invalid message format"
	ErrSendFailed        = "Failed to send message"
	ErrDeliveryFailed    = "Message saved but could not be delivered"
	ErrMessageTooLong    = "Message is too long"
	connectedMessageText = "Connected to chat room"
)

// ClientMessage is the only frame a client sends.
type ClientMessage struct {
	Message string `json:"message"`
}

func connectionEstablished() *types.Event {
	return &types.Event{
		Type:    types.EventConnectionEstablished,
		Message: connectedMessageText,
	}
}

func messageEvent(msg types.Message, sender database.User) *types.Event {
	return &types.Event{
		Type:           types.EventMessage,
		Message:        msg.Content,
		SenderId:       strconv.Itoa(sender.Id),
		SenderUsername: sender.Username,
		Timestamp:      msg.Timestamp.Format(types.EventTimeFormat),
		MessageId:      msg.Id,
	}
}
