// Package terminal is the client side of a session: a state machine that turns server messages into a transcript
// and user lines into input messages. It does no I/O itself; see the client package for a driver.
package terminal

import (
	"errors"
	"fmt"
	"sync"

	"github.com/guseggert/liverun/protocol"
	"github.com/guseggert/liverun/runner"
)

// State is where the terminal is in its lifecycle. There is no separate awaiting-close state:
// Complete and Error both wait for the user to dismiss them, see AwaitingClose.
type State string

const (
	Idle       State = "idle"
	Connecting State = "connecting"
	Running    State = "running"
	Complete   State = "complete"
	Error      State = "error"
	Closed     State = "closed"
)

var (
	ErrAlreadyOpened = errors.New("terminal already ran a program, create a new one to run again")
	ErrInputClosed   = errors.New("program is not accepting input")
)

// ConnectionLost is the error text used when the connection ends without a terminal message.
const ConnectionLost = "connection lost"

// Kind tags a transcript line for styling.
type Kind string

const (
	KindStdout Kind = "stdout"
	KindStderr Kind = "stderr"
	KindInput  Kind = "input"
	KindSystem Kind = "system"
	KindError  Kind = "error"
)

// Line is one entry of the transcript. Output lines hold whatever chunk arrived, which need not end in a newline.
type Line struct {
	Kind Kind
	Text string
}

// Terminal runs one program. It is safe for concurrent use, so messages and user input may arrive on different goroutines.
type Terminal struct {
	program string

	mut        sync.Mutex
	state      State
	transcript []Line
	exitCode   *int
	errMessage string
	errCode    protocol.ErrorCode
}

func New(program string) *Terminal {
	return &Terminal{program: program, state: Idle}
}

// Open returns the execute message to send once the connection is open.
func (t *Terminal) Open() (*protocol.Execute, error) {
	t.mut.Lock()
	defer t.mut.Unlock()
	if t.state != Idle {
		return nil, ErrAlreadyOpened
	}
	t.state = Connecting
	return protocol.NewExecute(t.program), nil
}

// Handle applies a server message and returns the lines it added to the transcript.
// Messages after a terminal state are ignored.
func (t *Terminal) Handle(msg protocol.ServerMessage) []Line {
	t.mut.Lock()
	defer t.mut.Unlock()
	if t.state != Connecting && t.state != Running {
		return nil
	}

	switch m := msg.(type) {
	case *protocol.Output:
		t.state = Running
		kind := KindStdout
		if m.Stream == runner.Stderr {
			kind = KindStderr
		}
		return t.appendLocked(Line{Kind: kind, Text: m.Data})
	case *protocol.Complete:
		t.state = Complete
		code := m.ExitCode
		t.exitCode = &code
		return t.appendLocked(Line{Kind: KindSystem, Text: fmt.Sprintf("Process exited with code %d", code)})
	case *protocol.Error:
		if !terminalError(m.Code) {
			return t.appendLocked(Line{Kind: KindError, Text: m.Message})
		}
		t.state = Error
		t.errMessage = m.Message
		t.errCode = m.Code
		return t.appendLocked(Line{Kind: KindError, Text: m.Message})
	}
	return nil
}

// terminalError reports whether an error with this code ends the session.
// Errors without a code are terminal, as are all codes that report on the program rather than the request.
func terminalError(code protocol.ErrorCode) bool {
	switch code {
	case protocol.CodePipeClosed,
		protocol.CodeProtocolError,
		protocol.CodeRateLimited,
		protocol.CodeAlreadyRunning,
		protocol.CodeNotRunning,
		protocol.CodeSessionFinished:
		return false
	}
	return true
}

// Submit echoes a line the user typed into the transcript and returns the input message to send.
// Input is accepted while connecting, since programs may read before they print anything.
func (t *Terminal) Submit(text string) (*protocol.Input, []Line, error) {
	t.mut.Lock()
	defer t.mut.Unlock()
	if t.state != Connecting && t.state != Running {
		return nil, nil, ErrInputClosed
	}
	t.state = Running
	lines := t.appendLocked(Line{Kind: KindInput, Text: text + "\n"})
	return protocol.NewInput(text), lines, nil
}

// ConnectionClosed handles the end of the connection. Without a prior terminal message it is an error.
func (t *Terminal) ConnectionClosed() []Line {
	t.mut.Lock()
	defer t.mut.Unlock()
	if t.state != Connecting && t.state != Running {
		return nil
	}
	t.state = Error
	t.errMessage = ConnectionLost
	return t.appendLocked(Line{Kind: KindError, Text: ConnectionLost})
}

// Dismiss closes the view. It returns true if the program was still live, in which case the connection must be closed to stop it.
func (t *Terminal) Dismiss() bool {
	t.mut.Lock()
	defer t.mut.Unlock()
	live := t.state == Connecting || t.state == Running
	t.state = Closed
	return live
}

func (t *Terminal) appendLocked(l Line) []Line {
	t.transcript = append(t.transcript, l)
	return []Line{l}
}

func (t *Terminal) State() State {
	t.mut.Lock()
	defer t.mut.Unlock()
	return t.state
}

// AwaitingClose reports whether the program has ended and its outcome is being shown until Dismiss.
func (t *Terminal) AwaitingClose() bool {
	s := t.State()
	return s == Complete || s == Error
}

func (t *Terminal) Transcript() []Line {
	t.mut.Lock()
	defer t.mut.Unlock()
	return append([]Line(nil), t.transcript...)
}

// ExitCode returns the program's exit code, if it completed.
func (t *Terminal) ExitCode() (int, bool) {
	t.mut.Lock()
	defer t.mut.Unlock()
	if t.exitCode == nil {
		return 0, false
	}
	return *t.exitCode, true
}

// Err returns the terminal error message and its code, if the session ended in error.
func (t *Terminal) Err() (string, protocol.ErrorCode) {
	t.mut.Lock()
	defer t.mut.Unlock()
	return t.errMessage, t.errCode
}
