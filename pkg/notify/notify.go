// Package notify defines the notification presentation surface and the
// presenters that combine concrete surfaces.
package notify

import (
	"context"
	"errors"
	"time"
)

const (
	// ChannelDefault carries chat and generic notifications.
	ChannelDefault = "default"
	// ChannelIncomingCalls carries ongoing incoming-call alerts.
	ChannelIncomingCalls = "incoming_calls"
)

// Action ids attached to incoming-call notifications.
const (
	ActionAccept = "accept_call"
	ActionReject = "reject_call"
	ActionOpen   = "open_incoming_call"
)

// DataType is the data key used to tag notifications by purpose.
const DataType = "type"

// ErrUnavailable reports that a surface refused or could not show a notification.
var ErrUnavailable = errors.New("presentation unavailable")

// Action is one button shown on a notification.
type Action struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Notification is a display request.
type Notification struct {
	ID         string            `json:"id"`
	Title      string            `json:"title"`
	Body       string            `json:"body"`
	Channel    string            `json:"channel"`
	Ongoing    bool              `json:"ongoing,omitempty"`
	Priority   string            `json:"priority,omitempty"`
	Actions    []Action          `json:"actions,omitempty"`
	AutoExpire time.Duration     `json:"auto_expire,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
}

// Active is a notification currently shown by a surface.
type Active struct {
	ID   string            `json:"id"`
	Data map[string]string `json:"data,omitempty"`
}

// Presenter is the notification presentation surface.
type Presenter interface {
	Display(ctx context.Context, n Notification) error
	Cancel(ctx context.Context, id string) error
	ListActive(ctx context.Context) ([]Active, error)
}

// ChannelSetup is implemented by surfaces that need channels created up front.
type ChannelSetup interface {
	EnsureChannels(ctx context.Context, channels []Channel) error
}

// Channel describes one notification category.
type Channel struct {
	ID         string
	Name       string
	Importance string
}

// DefaultChannels lists the channels the pipeline posts to.
func DefaultChannels() []Channel {
	return []Channel{
		{ID: ChannelDefault, Name: "Default", Importance: "default"},
		{ID: ChannelIncomingCalls, Name: "Incoming Calls", Importance: "high"},
	}
}

// Minimal strips a notification down to title, body and channel. It is the
// single fallback shape tried when a full notification is refused.
func Minimal(n Notification) Notification {
	return Notification{
		ID:      n.ID,
		Title:   n.Title,
		Body:    n.Body,
		Channel: n.Channel,
		Data:    n.Data,
	}
}

// DisplayWithFallback shows n and, when the surface refuses, retries once with
// the minimal form. The first error is returned when both attempts fail.
func DisplayWithFallback(ctx context.Context, p Presenter, n Notification) (fellBack bool, err error) {
	if err = p.Display(ctx, n); err == nil {
		return false, nil
	}
	if fallbackErr := p.Display(ctx, Minimal(n)); fallbackErr != nil {
		return true, errors.Join(err, fallbackErr)
	}
	return true, nil
}
