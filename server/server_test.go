package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/guseggert/liverun/client"
	inet "github.com/guseggert/liverun/internal/net"
	"github.com/guseggert/liverun/protocol"
	"github.com/guseggert/liverun/runner"
	"github.com/guseggert/liverun/runner/local"
	"github.com/guseggert/liverun/session"
	"github.com/guseggert/liverun/terminal"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
)

var (
	logger *zap.Logger
)

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	logger = l
}

type testServer struct {
	*Server
	manager *session.Manager
	client  *client.Client
	baseURL string
}

func startServer(t *testing.T, mopts []session.Option, opts ...Option) *testServer {
	t.Helper()
	addr, err := inet.FreeLoopbackAddr()
	require.NoError(t, err)

	r := local.New(local.WithInterpreter("sh", "-c"), local.WithLogger(logger.Sugar()))
	mopts = append([]session.Option{session.WithLogger(logger.Sugar()), session.WithDrainTimeout(time.Second)}, mopts...)
	m := session.NewManager(r, mopts...)

	opts = append([]Option{WithLogger(logger), WithListenAddr(addr)}, opts...)
	s := New(m, opts...)
	require.NoError(t, s.Listen())
	go s.Serve()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, s.Stop(ctx))
	})

	scheme := "http"
	if s.tlsConfig != nil {
		scheme = "https"
	}
	baseURL := fmt.Sprintf("%s://%s", scheme, addr)
	return &testServer{Server: s, manager: m, baseURL: baseURL, client: client.New(baseURL, client.WithLogger(logger))}
}

// dial opens a raw protocol connection, for tests that need message-level control.
func (s *testServer) dial(t *testing.T, ctx context.Context) *protocol.Conn {
	t.Helper()
	ws, _, err := websocket.Dial(ctx, s.baseURL+protocol.PathExecuteWS, nil)
	require.NoError(t, err)
	c := protocol.NewConn(ws, 0, logger.Sugar())
	t.Cleanup(func() { c.Close(websocket.StatusNormalClosure, "") })
	return c
}

func read(t *testing.T, ctx context.Context, c *protocol.Conn) protocol.ServerMessage {
	t.Helper()
	msg, err := c.ReadServer(ctx)
	require.NoError(t, err)
	return msg
}

func TestPrintThenExit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s := startServer(t, nil)

	c := s.dial(t, ctx)
	require.NoError(t, c.SendClient(ctx, protocol.NewExecute("echo hi")))

	assert.Equal(t, protocol.NewOutput(runner.Stdout, "hi\n", 1), read(t, ctx, c))
	msg := read(t, ctx, c)
	require.IsType(t, &protocol.Complete{}, msg)
	assert.Equal(t, 0, msg.(*protocol.Complete).ExitCode)
}

func TestPromptAndInput(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s := startServer(t, nil)

	c := s.dial(t, ctx)
	require.NoError(t, c.SendClient(ctx, protocol.NewExecute(`printf "n? "; read n; echo "$n"`)))

	assert.Equal(t, protocol.NewOutput(runner.Stdout, "n? ", 1), read(t, ctx, c))
	require.NoError(t, c.SendClient(ctx, protocol.NewInput("5")))
	assert.Equal(t, protocol.NewOutput(runner.Stdout, "5\n", 2), read(t, ctx, c))

	msg := read(t, ctx, c)
	require.IsType(t, &protocol.Complete{}, msg)
	assert.Equal(t, 0, msg.(*protocol.Complete).ExitCode)
}

func TestEmptyProgram(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s := startServer(t, nil)

	c := s.dial(t, ctx)
	require.NoError(t, c.SendClient(ctx, protocol.NewExecute("")))

	msg := read(t, ctx, c)
	require.IsType(t, &protocol.Error{}, msg)
	assert.Equal(t, protocol.CodeEmptyProgram, msg.(*protocol.Error).Code)
	assert.Equal(t, 0, s.manager.Len())
}

func TestExecuteTwice(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s := startServer(t, nil)

	c := s.dial(t, ctx)
	require.NoError(t, c.SendClient(ctx, protocol.NewExecute("read go; echo first")))
	require.NoError(t, c.SendClient(ctx, protocol.NewExecute("echo second")))

	msg := read(t, ctx, c)
	require.IsType(t, &protocol.Error{}, msg)
	assert.Equal(t, protocol.CodeAlreadyRunning, msg.(*protocol.Error).Code)

	require.NoError(t, c.SendClient(ctx, protocol.NewInput("")))
	assert.Equal(t, protocol.NewOutput(runner.Stdout, "first\n", 1), read(t, ctx, c))
	require.IsType(t, &protocol.Complete{}, read(t, ctx, c))
}

func TestMalformedMessages(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s := startServer(t, nil)

	ws, _, err := websocket.Dial(ctx, s.baseURL+protocol.PathExecuteWS, nil)
	require.NoError(t, err)
	c := protocol.NewConn(ws, 0, nil)
	defer c.Close(websocket.StatusNormalClosure, "")

	frames := []string{
		`not json`,
		`{"type":"launch"}`,
		`{"type":"execute"}`,
		`{"type":"input","input":7}`,
	}
	for _, f := range frames {
		require.NoError(t, ws.Write(ctx, websocket.MessageText, []byte(f)))
		msg := read(t, ctx, c)
		require.IsType(t, &protocol.Error{}, msg, f)
		assert.Equal(t, protocol.CodeProtocolError, msg.(*protocol.Error).Code, f)
	}

	// the connection is still usable
	require.NoError(t, c.SendClient(ctx, protocol.NewExecute("echo ok")))
	assert.Equal(t, protocol.NewOutput(runner.Stdout, "ok\n", 1), read(t, ctx, c))
}

func TestConnectionLossKillsProgram(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s := startServer(t, nil)

	ws, _, err := websocket.Dial(ctx, s.baseURL+protocol.PathExecuteWS, nil)
	require.NoError(t, err)
	c := protocol.NewConn(ws, 0, nil)
	require.NoError(t, c.SendClient(ctx, protocol.NewExecute("echo started; sleep 600")))
	assert.Equal(t, protocol.NewOutput(runner.Stdout, "started\n", 1), read(t, ctx, c))
	assert.Equal(t, 1, s.manager.Len())

	c.Close(websocket.StatusGoingAway, "bye")

	require.Eventually(t, func() bool { return s.manager.Len() == 0 }, 10*time.Second, 10*time.Millisecond)
	h, err := s.client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, h.LiveSessions)
}

func TestRateLimit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s := startServer(t, nil, WithInputRate(0.01, 1))

	c := s.dial(t, ctx)
	require.NoError(t, c.SendClient(ctx, protocol.NewExecute("read x; echo $x")))
	require.NoError(t, c.SendClient(ctx, protocol.NewInput("dropped")))

	msg := read(t, ctx, c)
	require.IsType(t, &protocol.Error{}, msg)
	assert.Equal(t, protocol.CodeRateLimited, msg.(*protocol.Error).Code)
}

func TestCloseGrace(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s := startServer(t, nil, WithCloseGrace(100*time.Millisecond))

	c := s.dial(t, ctx)
	require.NoError(t, c.SendClient(ctx, protocol.NewExecute("true")))
	require.IsType(t, &protocol.Complete{}, read(t, ctx, c))

	_, err := c.ReadServer(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}

func TestIdleConnectionClosed(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s := startServer(t, nil, WithIdleTimeout(100*time.Millisecond))

	c := s.dial(t, ctx)
	_, err := c.ReadServer(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestIdleTimeoutSparesStartedProgram(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s := startServer(t, nil, WithIdleTimeout(100*time.Millisecond))

	c := s.dial(t, ctx)
	require.NoError(t, c.SendClient(ctx, protocol.NewExecute("read x; echo got $x")))
	time.Sleep(300 * time.Millisecond)
	require.NoError(t, c.SendClient(ctx, protocol.NewInput("late")))

	assert.Equal(t, protocol.NewOutput(runner.Stdout, "got late\n", 1), read(t, ctx, c))
	require.IsType(t, &protocol.Complete{}, read(t, ctx, c))
}

func TestCapacityExceeded(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s := startServer(t, []session.Option{session.WithMaxSessions(1)})

	c1 := s.dial(t, ctx)
	require.NoError(t, c1.SendClient(ctx, protocol.NewExecute("echo one; sleep 600")))
	read(t, ctx, c1)

	c2 := s.dial(t, ctx)
	require.NoError(t, c2.SendClient(ctx, protocol.NewExecute("echo two")))
	msg := read(t, ctx, c2)
	require.IsType(t, &protocol.Error{}, msg)
	assert.Equal(t, protocol.CodeCapacityExceeded, msg.(*protocol.Error).Code)

	h, err := s.client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.Health{LiveSessions: 1, MaxSessions: 1}, *h)
}

func TestClientRun(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s := startServer(t, nil)

	var stdout, stderr bytes.Buffer
	term, err := s.client.Run(ctx, `printf "name? "; read name; echo "hello $name"; echo bye 1>&2; exit 2`, client.Console{
		Stdin:  strings.NewReader("gopher\n"),
		Stdout: &stdout,
		Stderr: &stderr,
	})
	require.NoError(t, err)

	code, ok := term.ExitCode()
	require.True(t, ok)
	assert.Equal(t, 2, code)
	assert.Equal(t, terminal.Complete, term.State())
	assert.Equal(t, "name? hello gopher\n", stdout.String())
	assert.Equal(t, "bye\n\nProcess exited with code 2\n", stderr.String())
}

func TestConcurrentClients(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s := startServer(t, nil)

	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < 5; i++ {
		i := i
		group.Go(func() error {
			var stdout bytes.Buffer
			term, err := s.client.Run(groupCtx, fmt.Sprintf("sleep 0.2; echo client %d", i), client.Console{Stdout: &stdout})
			if err != nil {
				return err
			}
			if code, ok := term.ExitCode(); !ok || code != 0 {
				return fmt.Errorf("client %d: unexpected outcome %s", i, term.State())
			}
			if exp := fmt.Sprintf("client %d\n", i); stdout.String() != exp {
				return fmt.Errorf("client %d: expected %q, got %q", i, exp, stdout.String())
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())
	require.Eventually(t, func() bool { return s.manager.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestBatchExecute(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s := startServer(t, nil)

	res, err := s.client.Execute(ctx, `read a; read b; echo $((a + b))`, []string{"2", "3"})
	require.NoError(t, err)
	assert.Equal(t, session.BatchSuccess, res.Status)
	assert.Equal(t, "5\n", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)

	_, err = s.client.Execute(ctx, "   ", nil)
	var statusErr *client.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
}

type fakeHistory struct {
	recs []session.Record
}

func (f *fakeHistory) List(ctx context.Context, limit int) ([]session.Record, error) {
	if limit < len(f.recs) {
		return f.recs[:limit], nil
	}
	return f.recs, nil
}

func TestHistory(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	t.Run("disabled", func(t *testing.T) {
		s := startServer(t, nil)
		_, err := s.client.History(ctx, 10)
		var statusErr *client.StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	})

	t.Run("enabled", func(t *testing.T) {
		h := &fakeHistory{recs: []session.Record{
			{ID: "b", State: session.Completed},
			{ID: "a", State: session.Failed, Reason: "execution timed out"},
		}}
		s := startServer(t, nil, WithHistory(h))
		recs, err := s.client.History(ctx, 1)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, "b", recs[0].ID)

		_, err = s.client.History(ctx, 0)
		var statusErr *client.StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	})
}

func TestTLS(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cert, err := GenerateCert("127.0.0.1", "localhost")
	require.NoError(t, err)
	serverCfg, err := ServerTLSConfig(cert.CertPEMBytes, cert.KeyPEMBytes)
	require.NoError(t, err)
	s := startServer(t, nil, WithTLSConfig(serverCfg))

	clientCfg, err := ClientTLSConfig(cert.CertPEMBytes)
	require.NoError(t, err)
	c := client.New(s.baseURL, client.WithLogger(logger), client.WithTLSConfig(clientCfg))
	require.NoError(t, c.WaitForServer(ctx))

	var stdout bytes.Buffer
	term, err := c.Run(ctx, "echo secure", client.Console{Stdout: &stdout})
	require.NoError(t, err)
	assert.Equal(t, terminal.Complete, term.State())
	assert.Equal(t, "secure\n", stdout.String())

	// a client that does not trust the certificate is rejected
	untrusting := client.New(s.baseURL, client.WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
		r.RetryMax = 0
	}))
	_, err = untrusting.Health(ctx)
	require.Error(t, err)
	assert.False(t, errors.Is(err, context.DeadlineExceeded))
}
