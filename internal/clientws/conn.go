package clientws

import (
	"context"
	"encoding/json"
	"time"

	ws "nhooyr.io/websocket"
)

// Conn is the outbound side of a client websocket.
type Conn struct {
	c       *ws.Conn
	timeout time.Duration
	remote  string
}

func newConn(c *ws.Conn, timeout time.Duration, remote string) *Conn {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Conn{c: c, timeout: timeout, remote: remote}
}

func (c *Conn) RemoteAddr() string { return c.remote }

func (c *Conn) WriteJSON(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(ctx, ws.MessageText, b)
}

func (c *Conn) WriteBinary(ctx context.Context, b []byte) error {
	return c.write(ctx, ws.MessageBinary, b)
}

func (c *Conn) write(ctx context.Context, typ ws.MessageType, b []byte) error {
	wctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.c.Write(wctx, typ, b)
}

func (c *Conn) Close(code ws.StatusCode, reason string) error {
	return c.c.Close(code, reason)
}
