package services

import (
	"context"

	"github.com/tbourn/astro-consult-backend/internal/domain"
	"github.com/tbourn/astro-consult-backend/internal/notify"
	"github.com/tbourn/astro-consult-backend/internal/presence"
)

// Transport delivers named events to live connections.
type Transport interface {
	// Send delivers to one connection and reports whether it was queued.
	Send(conn presence.ConnID, event string, payload any) bool
	// Broadcast delivers to every connection.
	Broadcast(event string, payload any)
}

// Notifier is the best-effort push notification dispatcher.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notification)
}

// Mirror is the best-effort durable message mirror.
type Mirror interface {
	Append(ctx context.Context, m *domain.Message)
}

// Invoicer assigns an invoice number to a transaction.
type Invoicer interface {
	Generate(ctx context.Context, txID string) (string, error)
}

// Outbox resolves identities to connections and delivers events. A nil
// Outbox or a nil Transport drops everything.
type Outbox struct {
	Registry  *presence.Registry
	Transport Transport
}

// To delivers an event to the identity's live connection, if any.
func (o *Outbox) To(id, role, event string, payload any) bool {
	if o == nil || o.Registry == nil || o.Transport == nil {
		return false
	}
	conn, ok := o.Registry.Lookup(id, role)
	if !ok {
		return false
	}
	return o.Transport.Send(conn, event, payload)
}

// Broadcast delivers an event to every connection.
func (o *Outbox) Broadcast(event string, payload any) {
	if o == nil || o.Transport == nil {
		return
	}
	o.Transport.Broadcast(event, payload)
}

// Online reports whether the identity has a live connection.
func (o *Outbox) Online(id, role string) bool {
	if o == nil || o.Registry == nil {
		return false
	}
	_, ok := o.Registry.Lookup(id, role)
	return ok
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, notify.Notification) {}

type nopMirror struct{}

func (nopMirror) Append(context.Context, *domain.Message) {}
