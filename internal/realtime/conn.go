// Package realtime – websocket transport
//
// This file adapts gorilla/websocket to the Conn and Dialer interfaces the
// client works against. The session token travels in the Authorization
// header; liveness comes from pings written by the client and a read
// deadline that every message or pong pushes forward.
//
// Errors: Dial wraps handshake failures with the URL and, when the server
// answered, its HTTP status.
package realtime

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one live realtime connection.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Ping() error
	Close() error
}

// Dialer opens realtime connections.
type Dialer interface {
	Dial(ctx context.Context, url, token string) (Conn, error)
}

// WSDialer dials websocket connections with the session token in the
// Authorization header.
type WSDialer struct {
	HandshakeTimeout time.Duration
	// PingInterval bounds how long a connection may stay silent: the read
	// deadline is two intervals and every pong extends it.
	PingInterval time.Duration
}

// Dial implements Dialer.
func (d WSDialer) Dial(ctx context.Context, url, token string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &wsConn{ws: ws, grace: 2 * d.PingInterval}
	if c.grace > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(c.grace))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(c.grace))
		})
	}
	return c, nil
}

type wsConn struct {
	ws    *websocket.Conn
	grace time.Duration
}

// ReadJSON reads one message and extends the read deadline.
func (c *wsConn) ReadJSON(v any) error {
	err := c.ws.ReadJSON(v)
	if err == nil && c.grace > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.grace))
	}
	return err
}

// WriteJSON writes one message with a fixed write deadline.
func (c *wsConn) WriteJSON(v any) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(v)
}

// Ping sends a control ping; the pong handler extends the read deadline.
func (c *wsConn) Ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

// Close sends a normal closure frame and closes the socket.
func (c *wsConn) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}
