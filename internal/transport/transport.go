// Package transport defines the capability every messaging backend offers to
// the connection registry: open a session, send, probe liveness and report
// lifecycle events.
package transport

import (
	"context"
	"fmt"

	"outreach/internal/domain"
)

type EventKind string

const (
	EventQR          EventKind = "qr"
	EventPairingCode EventKind = "pairing_code"
	EventConnected   EventKind = "connected"
	EventCredentials EventKind = "credentials"
	EventClosed      EventKind = "closed"
)

// Event is a lifecycle notification from a live session.
type Event struct {
	Kind        EventKind
	Code        string // QR payload or pairing code
	Phone       string
	Credentials []byte
	// LoggedOut marks a close caused by the remote side revoking the session.
	LoggedOut bool
	Err       error
}

// Sink receives session events. Implementations must not block.
type Sink func(Event)

type Outbound struct {
	To    string
	Text  string
	Media *domain.Media
}

type Result struct {
	MessageID string
}

type Session interface {
	Send(ctx context.Context, msg Outbound) (Result, error)
	// Probe checks liveness of a connected session.
	Probe(ctx context.Context) error
	// Logout revokes the session remotely.
	Logout(ctx context.Context) error
	Close() error
}

type Dialer interface {
	// Dial opens a session. credentials is nil for a fresh pairing.
	Dial(ctx context.Context, account domain.Account, credentials []byte, sink Sink) (Session, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, account domain.Account, credentials []byte, sink Sink) (Session, error)

func (f DialerFunc) Dial(ctx context.Context, account domain.Account, credentials []byte, sink Sink) (Session, error) {
	return f(ctx, account, credentials, sink)
}

// Category is the structured classification a transport attaches to failures.
type Category string

const (
	CategoryBanned      Category = "banned"
	CategoryRateLimited Category = "rate_limited"
	CategoryAuth        Category = "auth"
	CategoryTransient   Category = "transient"
	CategoryInvalid     Category = "invalid"
	CategoryUnknown     Category = "unknown"
)

// Error is a classified transport failure.
type Error struct {
	Kind    Category
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Category() Category { return e.Kind }

// Categorized is implemented by any error that carries a Category.
type Categorized interface {
	error
	Category() Category
}
