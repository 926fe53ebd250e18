package protocol

import (
	"encoding/json"
	"time"

	"github.com/HMasataka/huddle/pkg/domain"
	"github.com/HMasataka/huddle/pkg/errors"
)

// FrameType identifies a wire frame
type FrameType string

const (
	FrameLogin   FrameType = "login"
	FrameMessage FrameType = "message"
	FrameUsers   FrameType = "users"
	FrameError   FrameType = "error"
)

// TimestampLayout is the ISO-8601 layout used on the wire
const TimestampLayout = time.RFC3339Nano

// Frame is an inbound client frame. User and Timestamp on message frames are
// informational only; identity and time come from the server.
type Frame struct {
	Type      FrameType `json:"type"`
	User      string    `json:"user,omitempty"`
	Text      string    `json:"text,omitempty"`
	Timestamp string    `json:"timestamp,omitempty"`
}

// MessageFrame carries one history or live message
type MessageFrame struct {
	Type      FrameType `json:"type"`
	ID        string    `json:"id,omitempty"`
	User      string    `json:"user"`
	Text      string    `json:"text"`
	Timestamp string    `json:"timestamp"`
	Kind      string    `json:"kind,omitempty"`
}

// UsersFrame carries a presence list snapshot
type UsersFrame struct {
	Type FrameType `json:"type"`
	List []string  `json:"list"`
}

// ErrorFrame reports a rejected frame back to its sender
type ErrorFrame struct {
	Type    FrameType `json:"type"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
}

// Decode parses an inbound frame
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(domain.ErrMalformedFrame, errors.ErrorTypeProtocol, errors.CodeMalformedFrame, "failed to unmarshal frame").
			WithDetails(err.Error())
	}
	if f.Type == "" {
		return nil, errors.Wrap(domain.ErrMalformedFrame, errors.ErrorTypeProtocol, errors.CodeMalformedFrame, "frame type is missing")
	}
	return &f, nil
}

// ToMessageFrame converts a message to its wire form
func ToMessageFrame(msg domain.Message) MessageFrame {
	return MessageFrame{
		Type:      FrameMessage,
		ID:        msg.ID,
		User:      msg.User,
		Text:      msg.Text,
		Timestamp: msg.Timestamp.UTC().Format(TimestampLayout),
		Kind:      string(msg.Kind),
	}
}

// EncodeMessage serializes a message frame
func EncodeMessage(msg domain.Message) ([]byte, error) {
	return json.Marshal(ToMessageFrame(msg))
}

// EncodeUsers serializes a presence list frame
func EncodeUsers(usernames []string) ([]byte, error) {
	if usernames == nil {
		usernames = []string{}
	}
	return json.Marshal(UsersFrame{Type: FrameUsers, List: usernames})
}

// EncodeError serializes an error frame
func EncodeError(code, message string) ([]byte, error) {
	return json.Marshal(ErrorFrame{Type: FrameError, Code: code, Message: message})
}

// ParseMessageFrame decodes an outbound message frame back into a message
func ParseMessageFrame(data []byte) (domain.Message, error) {
	var f MessageFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return domain.Message{}, err
	}
	ts, err := time.Parse(TimestampLayout, f.Timestamp)
	if err != nil {
		return domain.Message{}, err
	}
	return domain.Message{
		ID:        f.ID,
		User:      f.User,
		Text:      f.Text,
		Timestamp: ts,
		Kind:      domain.Kind(f.Kind),
	}, nil
}
