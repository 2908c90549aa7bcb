package dto

import (
	"github.com/noah-isme/gema-chat-client/internal/models"
)

// Event types carried by chat websocket frames.
const (
	EventTypeMessage = "message"
	EventTypeTyping  = "typing"
)

// ChatFrame is the JSON frame exchanged over a room websocket. Message frames
// use Sender, Message, ID, Timestamp and ClientID; typing frames use IsTyping.
type ChatFrame struct {
	EventType string           `json:"event_type"`
	Sender    string           `json:"sender,omitempty"`
	Message   string           `json:"message,omitempty"`
	ID        models.MessageID `json:"id,omitempty"`
	Timestamp models.Timestamp `json:"timestamp,omitempty"`
	ClientID  string           `json:"client_id,omitempty"`
	IsTyping  *bool            `json:"is_typing,omitempty"`
	Typing    *bool            `json:"typing,omitempty"`
}

// TypingValue returns the typing flag, accepting the legacy "typing" key.
func (f ChatFrame) TypingValue() bool {
	if f.IsTyping != nil {
		return *f.IsTyping
	}
	if f.Typing != nil {
		return *f.Typing
	}
	return false
}

// NewTypingFrame builds an outbound typing frame.
func NewTypingFrame(sender string, typing bool) ChatFrame {
	return ChatFrame{EventType: EventTypeTyping, Sender: sender, IsTyping: &typing}
}

// ChatSendRequest is the validated input of an outbound chat message.
type ChatSendRequest struct {
	RoomID string `validate:"required,min=3,max=128"`
	Sender string `validate:"required,max=255"`
	Body   string `validate:"required,min=1,max=4000"`
}

// WireMessage is a message as returned by the history and unread endpoints.
// Older backends name the room field room_name.
type WireMessage struct {
	ID        models.MessageID `json:"id"`
	RoomID    string           `json:"room_id"`
	RoomName  string           `json:"room_name"`
	Sender    string           `json:"sender"`
	Email     string           `json:"email"`
	Message   string           `json:"message"`
	Timestamp models.Timestamp `json:"timestamp"`
	ClientID  string           `json:"client_id"`
}

// ToModel converts the wire representation into the cached message shape.
func (w WireMessage) ToModel() models.Message {
	room := w.RoomID
	if room == "" {
		room = w.RoomName
	}
	sender := w.Sender
	if sender == "" {
		sender = w.Email
	}
	return models.Message{
		ID:        w.ID,
		RoomID:    room,
		Sender:    sender,
		Body:      w.Message,
		Timestamp: w.Timestamp,
		ClientID:  w.ClientID,
	}
}

// NewMessageSlice converts wire messages into models.
func NewMessageSlice(items []WireMessage) []models.Message {
	out := make([]models.Message, 0, len(items))
	for _, item := range items {
		out = append(out, item.ToModel())
	}
	return out
}
