// Package bridge relays realtime events between cooperating hub processes
// over a shared publish/subscribe broker.
package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Bridge is a fire-and-forget publish/subscribe channel shared by every hub
// instance. Messages published while nobody is subscribed are lost.
type Bridge interface {
	// Publish sends data to every current subscriber of channel, including
	// subscribers in the publishing process.
	Publish(ctx context.Context, channel string, data []byte) error

	// Subscribe starts receiving messages published to channel. It returns
	// once the subscription is active, so a Publish that happens after
	// Subscribe returns is guaranteed to be observed.
	Subscribe(ctx context.Context, channel string) (Stream, error)

	// Close releases the broker connection and ends every open Stream.
	Close() error
}

// Stream delivers messages for one subscription, in publish order.
// Streams are safe for use by a single consumer.
type Stream interface {
	// Next blocks until the next message is available or ctx is cancelled.
	// Returns io.EOF once the stream is closed.
	Next(ctx context.Context) ([]byte, error)

	// Close ends the subscription.
	Close() error
}

// Pinger is implemented by bridges whose broker can be probed. Subscriptions
// on some brokers survive an outage silently, so a live Stream alone does
// not prove the broker is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ErrClosed is returned by operations on a closed bridge.
var ErrClosed = errors.New("bridge: closed")

// Kind tells receivers how to route an envelope.
type Kind uint8

const (
	// KindDirect targets a single session.
	KindDirect Kind = iota + 1
	// KindBroadcast targets every connected session.
	KindBroadcast
)

// Envelope is the unit relayed between hub instances.
type Envelope struct {
	// Origin is the node id of the publishing hub.
	Origin string `msgpack:"o"`
	Kind   Kind   `msgpack:"k"`
	// SessionID is set for KindDirect.
	SessionID string `msgpack:"s,omitempty"`
	// Frame is the already-encoded client frame.
	Frame []byte `msgpack:"f"`
}

// Marshal encodes the envelope with msgpack.
func (e Envelope) Marshal() ([]byte, error) {
	return msgpack.Marshal(&e)
}

// UnmarshalEnvelope decodes an envelope produced by Marshal.
func UnmarshalEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	if err := msgpack.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("bridge: decode envelope: %w", err)
	}
	switch e.Kind {
	case KindDirect:
		if e.SessionID == "" {
			return Envelope{}, errors.New("bridge: direct envelope without session id")
		}
	case KindBroadcast:
	default:
		return Envelope{}, fmt.Errorf("bridge: unknown envelope kind %d", e.Kind)
	}
	return e, nil
}
