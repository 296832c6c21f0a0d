package devtools

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/sirupsen/logrus"
)

// errBadReply marks a reply frame that is not a DevTools message.
var errBadReply = errors.New("malformed devtools reply")

// conn is a minimal cdp.Executor over a single browser-level WebSocket.
// Commands are serialized; events received while waiting for a reply are
// dropped.
type conn struct {
	ws     *websocket.Conn
	log    logrus.FieldLogger
	nextID atomic.Int64
	mu     sync.Mutex
}

func newConn(ws *websocket.Conn, log logrus.FieldLogger) *conn {
	return &conn{ws: ws, log: log}
}

// Execute implements cdp.Executor.
func (c *conn) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg := &cdproto.Message{
		ID:     c.nextID.Add(1),
		Method: cdproto.MethodType(method),
	}
	if params != nil {
		buf, err := easyjson.Marshal(params)
		if err != nil {
			return fmt.Errorf("encoding %s params: %w", method, err)
		}
		msg.Params = buf
	}
	buf, err := easyjson.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", method, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(deadline)
		_ = c.ws.SetReadDeadline(deadline)
	}
	// Unblock a pending read as soon as ctx is done.
	stop := context.AfterFunc(ctx, func() {
		_ = c.ws.SetReadDeadline(time.Now())
	})
	defer stop()

	c.log.WithField("category", "cdp:send").Debugf("-> %s", buf)
	if err := c.ws.WriteMessage(websocket.TextMessage, buf); err != nil {
		return err
	}

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		c.log.WithField("category", "cdp:recv").Debugf("<- %s", data)

		var reply cdproto.Message
		if err := easyjson.Unmarshal(data, &reply); err != nil {
			return fmt.Errorf("%w to %s: %v", errBadReply, method, err)
		}
		if reply.ID != msg.ID {
			continue
		}
		if reply.Error != nil {
			return reply.Error
		}
		if res != nil {
			if err := easyjson.Unmarshal(reply.Result, res); err != nil {
				return fmt.Errorf("%w to %s: %v", errBadReply, method, err)
			}
		}
		return nil
	}
}

func (c *conn) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.ws.Close()
}
