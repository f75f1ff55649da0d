// Package socket keeps one realtime connection alive for the stored identity.
package socket

import (
	"context"
	"errors"
)

// Event names emitted locally by connections when the link changes state.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
)

// ErrNotConnected is returned by Emit when there is no live connection.
var ErrNotConnected = errors.New("socket not connected")

// Payload is the decoded data object of a realtime frame.
type Payload map[string]any

// Handler receives the payload of one realtime event.
type Handler func(ctx context.Context, payload Payload)

// Frame is the wire shape of every realtime message in both directions.
type Frame struct {
	Event string  `json:"event"`
	Data  Payload `json:"data,omitempty"`
}

// Conn is one connection handle. Handlers must be registered before Start.
type Conn interface {
	On(event string, handler Handler)
	Start(ctx context.Context)
	Emit(ctx context.Context, event string, payload Payload) error
	Connected() bool
	Close() error
}

// Dialer opens a connection scoped to a profile id.
type Dialer interface {
	Dial(ctx context.Context, profileID, token string) (Conn, error)
}
