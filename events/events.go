// Package events defines the payloads pushed to realtime clients and their
// wire encoding.
//
// Every frame sent to a client is a JSON object of the form
//
//	{"event": "message", "data": {...}}
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event names emitted over the realtime transport.
const (
	NameMessage      = "message"
	NameNotification = "notification"
	NamePong         = "pong"
)

// ErrDeserialization is returned when a frame cannot be decoded into a
// known payload.
var ErrDeserialization = errors.New("events: deserialization failed")

// Payload is one of the known event bodies: *Message, *Notification or
// *Pong.
type Payload interface {
	EventName() string
	isPayload()
}

// Media is an attachment on a Message.
type Media struct {
	ID        int64  `json:"id"`
	MessageID int64  `json:"message_id"`
	Filename  string `json:"filename"`
	Filepath  string `json:"filepath"`
	Filetype  string `json:"filetype"`
	Filesize  int64  `json:"filesize"`
}

// Message is a stored user-to-user message.
type Message struct {
	ID         int64     `json:"id"`
	SenderID   int64     `json:"sender_id"`
	ReceiverID int64     `json:"receiver_id"`
	Content    *string   `json:"content"`
	Medias     []Media   `json:"medias,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (*Message) EventName() string { return NameMessage }
func (*Message) isPayload()        {}

// Notification is a system-wide notification record.
type Notification struct {
	ID        int64           `json:"id"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	JSON      json.RawMessage `json:"json,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

func (*Notification) EventName() string { return NameNotification }
func (*Notification) isPayload()        {}

// Pong answers a client "ping".
type Pong struct {
	Time time.Time `json:"time"`
}

func (*Pong) EventName() string { return NamePong }
func (*Pong) isPayload()        {}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode renders p as a client frame.
func Encode(p Payload) ([]byte, error) {
	if p == nil {
		return nil, errors.New("events: nil payload")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("events: encode %s: %w", p.EventName(), err)
	}
	return json.Marshal(frame{Event: p.EventName(), Data: data})
}

// Decode parses a client frame back into its typed payload.
func Decode(b []byte) (Payload, error) {
	var f frame
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeserialization, err)
	}

	var p Payload
	switch f.Event {
	case NameMessage:
		p = &Message{}
	case NameNotification:
		p = &Notification{}
	case NamePong:
		p = &Pong{}
	default:
		return nil, fmt.Errorf("%w: unknown event %q", ErrDeserialization, f.Event)
	}
	if len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, p); err != nil {
			return nil, fmt.Errorf("%w: %s body: %v", ErrDeserialization, f.Event, err)
		}
	}
	return p, nil
}

// ClientFrame is an inbound frame from a realtime client.
type ClientFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ParseClientFrame decodes a frame sent by a client.
func ParseClientFrame(b []byte) (ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(b, &f); err != nil {
		return f, fmt.Errorf("%w: %v", ErrDeserialization, err)
	}
	if f.Event == "" {
		return f, fmt.Errorf("%w: missing event name", ErrDeserialization)
	}
	return f, nil
}
