package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/guseggert/liverun/protocol"
	"github.com/guseggert/liverun/terminal"
	"nhooyr.io/websocket"
)

// Console is where an interactive run reads user lines from and renders the transcript to.
type Console struct {
	// Stdin supplies input lines. It may be nil for programs that read nothing.
	Stdin io.Reader
	// Stdout receives program stdout. Stderr receives program stderr plus error and system lines.
	Stdout io.Writer
	Stderr io.Writer
	// EchoInput also renders submitted lines, for when Stdin is not an interactive terminal.
	EchoInput bool
}

// renderer serializes writes to the console, which come from both the message loop and the input feeder.
type renderer struct {
	mut sync.Mutex
	c   Console
}

func (r *renderer) render(lines []terminal.Line) {
	r.mut.Lock()
	defer r.mut.Unlock()
	c := r.c
	for _, l := range lines {
		switch l.Kind {
		case terminal.KindStdout:
			io.WriteString(c.Stdout, l.Text)
		case terminal.KindStderr:
			io.WriteString(c.Stderr, l.Text)
		case terminal.KindInput:
			if c.EchoInput {
				io.WriteString(c.Stdout, l.Text)
			}
		case terminal.KindSystem:
			fmt.Fprintf(c.Stderr, "\n%s\n", l.Text)
		case terminal.KindError:
			fmt.Fprintf(c.Stderr, "\nerror: %s\n", l.Text)
		}
	}
}

// Run executes a program interactively, feeding console lines to it until it ends.
// The returned terminal holds the outcome and transcript. An error is only returned if the connection could not be opened.
func (c *Client) Run(ctx context.Context, program string, console Console) (*terminal.Terminal, error) {
	term := terminal.New(program)
	log := c.Logger.Named("run")
	if console.Stdout == nil {
		console.Stdout = io.Discard
	}
	if console.Stderr == nil {
		console.Stderr = io.Discard
	}
	out := &renderer{c: console}

	u := c.baseURL + protocol.PathExecuteWS
	log.Debugw("dialing WebSocket", "URL", u)
	wsConn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: c.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("dialing WebSocket conn: %w", err)
	}
	conn := protocol.NewConn(wsConn, c.readLimit, log)
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	exec, err := term.Open()
	if err != nil {
		return nil, err
	}
	if err := conn.SendClient(ctx, exec); err != nil {
		out.render(term.ConnectionClosed())
		return term, nil
	}

	if console.Stdin != nil {
		go c.feedInput(ctx, term, conn, console.Stdin, out)
	}

	for {
		msg, err := conn.ReadServer(ctx)
		if errors.Is(err, protocol.ErrProtocol) {
			log.Debugf("ignoring malformed server message: %s", err)
			continue
		}
		if err != nil {
			log.Debugf("connection ended: %s", err)
			out.render(term.ConnectionClosed())
			return term, nil
		}
		out.render(term.Handle(msg))
		if term.AwaitingClose() {
			return term, nil
		}
	}
}

// feedInput forwards console lines until the program stops accepting input.
// A blocked read of the console outlives the run, which only matters to long-lived callers with a shared Stdin.
func (c *Client) feedInput(ctx context.Context, term *terminal.Terminal, conn *protocol.Conn, stdin io.Reader, out *renderer) {
	scanner := bufio.NewScanner(stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		in, lines, err := term.Submit(scanner.Text())
		if err != nil {
			return
		}
		out.render(lines)
		if err := conn.SendClient(ctx, in); err != nil {
			c.Logger.Debugf("error sending input: %s", err)
			return
		}
	}
}
