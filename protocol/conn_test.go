package protocol

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/guseggert/liverun/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// echoServer answers each input with an output carrying the same text.
func echoServer(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		c := NewConn(ws, 0, nil)
		defer c.Close(websocket.StatusNormalClosure, "")
		for {
			msg, err := c.ReadClient(ctx)
			if errors.Is(err, ErrProtocol) {
				c.Send(ctx, NewError(CodeProtocolError, err.Error()))
				continue
			}
			if err != nil {
				return
			}
			if in, ok := msg.(*Input); ok {
				c.Send(ctx, NewOutput(runner.Stdout, in.Input, 1))
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestConn(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv := echoServer(t)

	ws, _, err := websocket.Dial(ctx, srv.URL, nil)
	require.NoError(t, err)
	c := NewConn(ws, 0, nil)
	defer c.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, c.SendClient(ctx, NewInput("héllo")))
	msg, err := c.ReadServer(ctx)
	require.NoError(t, err)
	assert.Equal(t, NewOutput(runner.Stdout, "héllo", 1), msg)

	// malformed frames get an error message and the connection stays up
	require.NoError(t, ws.Write(ctx, websocket.MessageText, []byte("garbage")))
	msg, err = c.ReadServer(ctx)
	require.NoError(t, err)
	require.IsType(t, &Error{}, msg)
	assert.Equal(t, CodeProtocolError, msg.(*Error).Code)

	require.NoError(t, ws.Write(ctx, websocket.MessageBinary, []byte{1, 2, 3}))
	msg, err = c.ReadServer(ctx)
	require.NoError(t, err)
	require.IsType(t, &Error{}, msg)
	assert.Contains(t, msg.(*Error).Message, "text frame")

	require.NoError(t, c.SendClient(ctx, NewInput("still here")))
	msg, err = c.ReadServer(ctx)
	require.NoError(t, err)
	assert.Equal(t, NewOutput(runner.Stdout, "still here", 1), msg)
}

func TestConnClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv := echoServer(t)

	ws, _, err := websocket.Dial(ctx, srv.URL, nil)
	require.NoError(t, err)
	c := NewConn(ws, 0, nil)

	longReason := string(make([]byte, 200))
	c.Close(websocket.StatusNormalClosure, longReason)
	c.Close(websocket.StatusInternalError, "second close is a no-op")

	select {
	case <-c.Closed():
	default:
		t.Fatal("expected Closed channel to be closed")
	}

	_, err = c.ReadServer(ctx)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrProtocol))
}
