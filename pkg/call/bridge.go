package call

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
)

// Bridge opens a native call screen. ok=false with a nil error means the
// bridge is present but declined.
type Bridge interface {
	TryOpenCallScreen(ctx context.Context, call Incoming, autoAccept bool) (ok bool, err error)
}

// ForegroundProbe reports whether the host application is on screen.
type ForegroundProbe interface {
	Foreground() bool
}

// AppState is a ForegroundProbe updated by the host.
type AppState struct {
	foreground atomic.Bool
}

func (a *AppState) SetForeground(foreground bool) { a.foreground.Store(foreground) }

func (a *AppState) Foreground() bool { return a.foreground.Load() }

// WebhookBridge asks a local host process to open its call screen by POSTing
// the call as JSON. Any 2xx response counts as opened.
type WebhookBridge struct {
	url    string
	client *resty.Client
}

func NewWebhookBridge(url string, timeout time.Duration) *WebhookBridge {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &WebhookBridge{
		url:    strings.TrimSpace(url),
		client: resty.New().SetTimeout(timeout),
	}
}

type bridgeRequest struct {
	CallerID         string `json:"callerId"`
	CallerName       string `json:"callerName"`
	CallerProfilePic string `json:"callerProfilePic,omitempty"`
	ChannelName      string `json:"channelName"`
	IsAudio          bool   `json:"isAudio"`
	AutoAccept       bool   `json:"autoAccept"`
}

func (b *WebhookBridge) TryOpenCallScreen(ctx context.Context, call Incoming, autoAccept bool) (bool, error) {
	if b == nil || b.url == "" {
		return false, nil
	}

	resp, err := b.client.R().
		SetContext(ctx).
		SetBody(bridgeRequest{
			CallerID:         call.CallerID,
			CallerName:       call.CallerName,
			CallerProfilePic: call.CallerPic,
			ChannelName:      call.Channel,
			IsAudio:          call.IsAudio,
			AutoAccept:       autoAccept,
		}).
		Post(b.url)
	if err != nil {
		return false, fmt.Errorf("call bridge: %w", err)
	}
	if !resp.IsSuccess() {
		return false, fmt.Errorf("bridge returned status %d", resp.StatusCode())
	}
	return true, nil
}
