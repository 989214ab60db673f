package protocol

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// DefaultReadLimit bounds the size of one incoming frame.
const DefaultReadLimit = 1 << 20

// Conn carries protocol messages over a WebSocket connection. It is used on both ends.
// Writes may be called concurrently. Reads must come from a single goroutine.
type Conn struct {
	log *zap.SugaredLogger
	ws  *websocket.Conn

	closeOnce sync.Once
	closed    chan struct{}
}

func NewConn(ws *websocket.Conn, readLimit int64, log *zap.SugaredLogger) *Conn {
	if readLimit <= 0 {
		readLimit = DefaultReadLimit
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ws.SetReadLimit(readLimit)
	return &Conn{log: log, ws: ws, closed: make(chan struct{})}
}

// Send writes a server->client message.
func (c *Conn) Send(ctx context.Context, msg ServerMessage) error {
	return c.write(ctx, msg)
}

// SendClient writes a client->server message.
func (c *Conn) SendClient(ctx context.Context, msg ClientMessage) error {
	return c.write(ctx, msg)
}

func (c *Conn) write(ctx context.Context, msg any) error {
	err := wsjson.Write(ctx, c.ws, msg)
	if err != nil {
		c.log.Debugf("error writing message: %s", err)
	}
	return err
}

func (c *Conn) read(ctx context.Context) ([]byte, error) {
	typ, b, err := c.ws.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageText {
		return nil, protocolErrorf("expected a text frame, got %s", typ)
	}
	return b, nil
}

// ReadClient reads the next client->server message.
// Malformed frames return an error wrapping ErrProtocol and leave the connection usable.
// Any other error means the connection is gone.
func (c *Conn) ReadClient(ctx context.Context) (ClientMessage, error) {
	b, err := c.read(ctx)
	if err != nil {
		return nil, err
	}
	return DecodeClient(b)
}

// ReadServer reads the next server->client message, with the same error rules as ReadClient.
func (c *Conn) ReadServer(ctx context.Context) (ServerMessage, error) {
	b, err := c.read(ctx)
	if err != nil {
		return nil, err
	}
	return DecodeServer(b)
}

// Close closes the connection with the given status. Only the first call has any effect.
func (c *Conn) Close(code websocket.StatusCode, reason string) {
	// websocket reason can't be above 123 chars
	if len(reason) > 100 {
		reason = reason[0:100]
	}
	c.closeOnce.Do(func() {
		close(c.closed)
		err := c.ws.Close(code, reason)
		if err != nil {
			c.log.Debugf("error closing conn: %s", err)
		}
	})
}

// Closed is closed once Close has been called on this end.
func (c *Conn) Closed() <-chan struct{} {
	return c.closed
}

// IsClosed reports whether err means the peer closed the connection, as opposed to a transport failure.
func IsClosed(err error) bool {
	return websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled)
}
