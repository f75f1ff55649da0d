package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	readLimit  = 64 * 1024
)

// WebsocketDialer connects to a JSON-frame websocket endpoint. The profile id
// travels as the "profile" query parameter and the token as a bearer header.
type WebsocketDialer struct {
	URL         string
	DialTimeout time.Duration
	Log         *slog.Logger
}

func (d WebsocketDialer) Dial(ctx context.Context, profileID, token string) (Conn, error) {
	if strings.TrimSpace(d.URL) == "" {
		return nil, errors.New("socket.url is required")
	}
	target, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse socket url: %w", err)
	}
	query := target.Query()
	query.Set("profile", profileID)
	target.RawQuery = query.Encode()

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.DialTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, target.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", target.Host, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", target.Host, err)
	}

	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	return newWSConn(conn, log.With("component", "socket.ws")), nil
}

type wsConn struct {
	conn *websocket.Conn
	log  *slog.Logger

	writeMu sync.Mutex

	mu       sync.RWMutex
	handlers map[string][]Handler

	connected atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func newWSConn(conn *websocket.Conn, log *slog.Logger) *wsConn {
	c := &wsConn{
		conn:     conn,
		log:      log,
		handlers: make(map[string][]Handler),
		done:     make(chan struct{}),
	}
	c.connected.Store(true)
	return c
}

func (c *wsConn) On(event string, handler Handler) {
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], handler)
	c.mu.Unlock()
}

func (c *wsConn) Start(ctx context.Context) {
	go c.readPump(ctx)
	go c.pingPump()
	c.dispatch(ctx, EventConnect, Payload{})
}

func (c *wsConn) Connected() bool {
	return c.connected.Load()
}

func (c *wsConn) Emit(_ context.Context, event string, payload Payload) error {
	if !c.Connected() {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(Frame{Event: event, Data: payload}); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		close(c.done)
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) readPump(ctx context.Context) {
	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			wasConnected := c.connected.Swap(false)
			select {
			case <-c.done:
				return
			default:
			}
			if wasConnected {
				c.dispatch(ctx, EventDisconnect, Payload{"reason": err.Error()})
			}
			_ = c.Close()
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Event == "" {
			c.log.Debug("Ignoring malformed frame", "size", len(data))
			continue
		}
		if frame.Data == nil {
			frame.Data = Payload{}
		}
		c.dispatch(ctx, frame.Event, frame.Data)
	}
}

func (c *wsConn) pingPump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *wsConn) dispatch(ctx context.Context, event string, payload Payload) {
	c.mu.RLock()
	handlers := append([]Handler(nil), c.handlers[event]...)
	c.mu.RUnlock()

	if len(handlers) == 0 {
		c.log.Debug("No handler for event", "event", event)
		return
	}
	for _, handler := range handlers {
		c.invoke(ctx, event, handler, payload)
	}
}

// invoke runs one handler; a panic is logged and the reader keeps going.
func (c *wsConn) invoke(ctx context.Context, event string, handler Handler, payload Payload) {
	defer func() {
		if recovered := recover(); recovered != nil {
			c.log.Error("Recovered panic in socket handler", "event", event, "panic", fmt.Sprint(recovered), "stack", string(debug.Stack()))
		}
	}()
	handler(ctx, payload)
}
