// Package notify delivers domain events to users by looking up the session
// they are connected on and emitting through the realtime hub.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ggoodman/sockethub/events"
)

// Locator finds the session a user is connected on.
type Locator interface {
	Lookup(ctx context.Context, userID int64) (string, bool, error)
}

// Emitter delivers payloads to sessions.
type Emitter interface {
	Emit(ctx context.Context, sessionID string, p events.Payload) error
	Broadcast(ctx context.Context, p events.Payload) error
}

// Publisher sends events to users. Offline recipients are skipped; nothing
// is queued or retried.
type Publisher struct {
	locator Locator
	emitter Emitter
	log     *slog.Logger
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets the logger used for delivery diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) { p.log = l }
}

// New builds a Publisher.
func New(locator Locator, emitter Emitter, opts ...Option) *Publisher {
	p := &Publisher{locator: locator, emitter: emitter, log: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PublishToUser emits payload to userID's current session. It reports
// whether the user had a binding; an unbound user is not an error.
func (p *Publisher) PublishToUser(ctx context.Context, userID int64, payload events.Payload) (bool, error) {
	sessionID, ok, err := p.locator.Lookup(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("notify: locate user %d: %w", userID, err)
	}
	if !ok {
		p.log.DebugContext(ctx, "notify.user.offline", slog.Int64("user_id", userID), slog.String("event", payload.EventName()))
		return false, nil
	}
	if err := p.emitter.Emit(ctx, sessionID, payload); err != nil {
		return true, fmt.Errorf("notify: emit to user %d: %w", userID, err)
	}
	return true, nil
}

// Broadcast emits payload to every connected session.
func (p *Publisher) Broadcast(ctx context.Context, payload events.Payload) error {
	if err := p.emitter.Broadcast(ctx, payload); err != nil {
		return fmt.Errorf("notify: broadcast %s: %w", payload.EventName(), err)
	}
	return nil
}

// Message delivers a newly created message to its receiver.
func (p *Publisher) Message(ctx context.Context, msg *events.Message) (bool, error) {
	return p.PublishToUser(ctx, msg.ReceiverID, msg)
}

// Notification broadcasts a newly created notification.
func (p *Publisher) Notification(ctx context.Context, n *events.Notification) error {
	return p.Broadcast(ctx, n)
}
