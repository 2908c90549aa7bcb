package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// MessageID identifies a message within a room. The backend sends integers for
// persisted messages while local echoes carry timestamp based identifiers, so
// both wire forms are accepted and kept as text.
type MessageID string

// MarshalJSON writes numeric identifiers back as JSON numbers so cached values
// keep the shape the backend produced.
func (id MessageID) MarshalJSON() ([]byte, error) {
	return marshalFlexible(string(id))
}

// UnmarshalJSON accepts either a JSON number or a JSON string.
func (id *MessageID) UnmarshalJSON(data []byte) error {
	value, err := unmarshalFlexible(data)
	if err != nil {
		return fmt.Errorf("message id: %w", err)
	}
	*id = MessageID(value)
	return nil
}

// IsZero reports whether the identifier is unset.
func (id MessageID) IsZero() bool {
	return id == ""
}

// Timestamp is the ordering key of a message. It may be a display string or an
// epoch number depending on who produced the message.
type Timestamp string

// MarshalJSON mirrors MessageID.MarshalJSON.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return marshalFlexible(string(t))
}

// UnmarshalJSON mirrors MessageID.UnmarshalJSON.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	value, err := unmarshalFlexible(data)
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	*t = Timestamp(value)
	return nil
}

// Message is a single chat message as cached per room.
type Message struct {
	ID        MessageID `json:"id"`
	RoomID    string    `json:"room_id,omitempty"`
	Sender    string    `json:"sender"`
	Body      string    `json:"message"`
	Timestamp Timestamp `json:"timestamp,omitempty"`
	ClientID  string    `json:"client_id,omitempty"`
}

// MergeMessages appends the incoming messages whose id is not yet present in
// existing. The result keeps the order of existing followed by the new entries
// in arrival order; existing entries are never dropped or reordered. The second
// return value is the number of messages that were added.
func MergeMessages(existing []Message, incoming ...Message) ([]Message, int) {
	seen := make(map[MessageID]struct{}, len(existing)+len(incoming))
	clients := make(map[string]struct{})
	merged := make([]Message, 0, len(existing)+len(incoming))
	for _, message := range existing {
		if _, dup := seen[message.ID]; dup {
			continue
		}
		seen[message.ID] = struct{}{}
		if message.ClientID != "" {
			clients[message.ClientID] = struct{}{}
		}
		merged = append(merged, message)
	}

	added := 0
	for _, message := range incoming {
		if message.ID.IsZero() {
			continue
		}
		if _, dup := seen[message.ID]; dup {
			continue
		}
		if message.ClientID != "" {
			if _, dup := clients[message.ClientID]; dup {
				continue
			}
			clients[message.ClientID] = struct{}{}
		}
		seen[message.ID] = struct{}{}
		merged = append(merged, message)
		added++
	}

	return merged, added
}

func marshalFlexible(value string) ([]byte, error) {
	if isInteger(value) {
		return []byte(value), nil
	}
	return json.Marshal(value)
}

func unmarshalFlexible(data []byte) (string, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", nil
	}
	if trimmed[0] == '"' {
		var value string
		if err := json.Unmarshal(trimmed, &value); err != nil {
			return "", err
		}
		return value, nil
	}
	if !isJSONNumber(string(trimmed)) {
		return "", fmt.Errorf("unsupported value %s", trimmed)
	}
	return string(trimmed), nil
}

// isInteger reports whether value is written back as a bare JSON number. Only
// canonical integers qualify, so ids such as "007", "1.5" or "1e3" keep their
// string form and cached lists keep matching their schema.
func isInteger(value string) bool {
	digits := strings.TrimPrefix(value, "-")
	if digits == "" || (len(digits) > 1 && digits[0] == '0') {
		return false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// isJSONNumber reports whether a raw token is a JSON number the backend may
// send in place of a string.
func isJSONNumber(value string) bool {
	if value == "" {
		return false
	}
	digits := value
	if digits[0] == '-' {
		digits = digits[1:]
	}
	if len(digits) > 1 && digits[0] == '0' && digits[1] != '.' {
		return false
	}
	if _, err := strconv.ParseFloat(value, 64); err != nil {
		return false
	}
	for _, r := range value {
		switch {
		case r >= '0' && r <= '9', r == '-', r == '+', r == '.', r == 'e', r == 'E':
		default:
			return false
		}
	}
	return json.Valid([]byte(value))
}
