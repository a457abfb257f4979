package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/chitchat/internal/protocol"
	"github.com/1ureka/chitchat/internal/util"
)

const (
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
	pongWait     = 2 * pingInterval
)

// Client is the websocket connection to the matchmaking relay. Emit may be
// called from any goroutine; writes are serialized.
type Client struct {
	conn *websocket.Conn
	mu   sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to the relay at url.
func Dial(ctx context.Context, url string) (*Client, error) {
	dialer := websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WS server: %w", err)
	}

	c := &Client{conn: conn, closed: make(chan struct{})}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.heartbeat()

	return c, nil
}

// Emit writes one relay frame.
func (c *Client) Emit(event protocol.Event, payload any) error {
	data, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", event, err)
	}
	return nil
}

// Listen reads frames until the connection drops or ctx is cancelled,
// handing each decoded frame to fn in arrival order. Undecodable frames are
// logged and skipped. It returns nil when ctx was cancelled.
func (c *Client) Listen(ctx context.Context, fn func(protocol.Frame)) error {
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.closed:
		}
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("relay closed the connection: %w", err)
			}
			return fmt.Errorf("failed to read WS message: %w", err)
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			util.LogWarning("discarding relay frame: %v", err)
			continue
		}
		fn(frame)
	}
}

// Close sends a close frame and releases the connection. Safe to call more
// than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)

		c.mu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.mu.Unlock()

		err = c.conn.Close()
	})
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

// heartbeat pings the relay so idle queue time does not drop the socket.
func (c *Client) heartbeat() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.mu.Unlock()
			if err != nil {
				util.LogDebug("relay ping failed: %v", err)
				return
			}
		case <-c.closed:
			return
		}
	}
}
