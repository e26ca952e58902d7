package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/stokerhq/stoker/pkg/types"
)

// writeWait bounds a single websocket write when the caller brings no
// deadline of its own.
const writeWait = 10 * time.Second

// wsConn adapts one websocket to the hub's Conn interface. All writes go
// through one mutex: replies from the request loop and broadcast
// notifications interleave on the same underlying socket.
type wsConn struct {
	id string
	ws *websocket.Conn

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{id: uuid.New().String(), ws: ws}
}

func (c *wsConn) ID() string { return c.id }

// Send delivers a notification envelope. Implements hub.Conn.
func (c *wsConn) Send(ctx context.Context, n types.Notification) error {
	env := notificationEnvelope{Method: n.Method(), Params: n}
	data, err := json.Marshal(&env)
	if err != nil {
		return err
	}
	return c.write(ctx, data)
}

// reply delivers a response envelope for one request.
func (c *wsConn) reply(ctx context.Context, resp *response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return c.write(ctx, data)
}

func (c *wsConn) write(ctx context.Context, data []byte) error {
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
