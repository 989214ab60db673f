package terminal

import (
	"testing"

	"github.com/guseggert/liverun/protocol"
	"github.com/guseggert/liverun/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHappyPath(t *testing.T) {
	term := New(`print("hi")`)
	assert.Equal(t, Idle, term.State())

	exec, err := term.Open()
	require.NoError(t, err)
	assert.Equal(t, protocol.NewExecute(`print("hi")`), exec)
	assert.Equal(t, Connecting, term.State())

	term.Handle(protocol.NewOutput(runner.Stdout, "hi\n", 1))
	assert.Equal(t, Running, term.State())

	lines := term.Handle(protocol.NewComplete(0, 0))
	assert.Equal(t, []Line{{Kind: KindSystem, Text: "Process exited with code 0"}}, lines)
	assert.Equal(t, Complete, term.State())
	assert.True(t, term.AwaitingClose())

	code, ok := term.ExitCode()
	assert.True(t, ok)
	assert.Equal(t, 0, code)

	assert.Equal(t, []Line{
		{Kind: KindStdout, Text: "hi\n"},
		{Kind: KindSystem, Text: "Process exited with code 0"},
	}, term.Transcript())

	assert.False(t, term.Dismiss())
	assert.Equal(t, Closed, term.State())
}

func TestInput(t *testing.T) {
	term := New("x = input()")
	_, err := term.Open()
	require.NoError(t, err)

	term.Handle(protocol.NewOutput(runner.Stdout, "n? ", 1))
	in, lines, err := term.Submit("5")
	require.NoError(t, err)
	assert.Equal(t, protocol.NewInput("5"), in)
	assert.Equal(t, []Line{{Kind: KindInput, Text: "5\n"}}, lines)

	term.Handle(protocol.NewOutput(runner.Stderr, "warn\n", 2))
	term.Handle(protocol.NewOutput(runner.Stdout, "5\n", 3))
	term.Handle(protocol.NewComplete(0, 0))

	assert.Equal(t, []Line{
		{Kind: KindStdout, Text: "n? "},
		{Kind: KindInput, Text: "5\n"},
		{Kind: KindStderr, Text: "warn\n"},
		{Kind: KindStdout, Text: "5\n"},
		{Kind: KindSystem, Text: "Process exited with code 0"},
	}, term.Transcript())

	_, _, err = term.Submit("more")
	assert.ErrorIs(t, err, ErrInputClosed)
}

func TestSubmitWhileConnecting(t *testing.T) {
	term := New("x = input()")
	_, _, err := term.Submit("too early")
	assert.ErrorIs(t, err, ErrInputClosed)

	_, err = term.Open()
	require.NoError(t, err)
	_, _, err = term.Submit("5")
	require.NoError(t, err)
	assert.Equal(t, Running, term.State())
}

func TestErrors(t *testing.T) {
	cases := []struct {
		name     string
		msgs     []protocol.ServerMessage
		expState State
		expLast  Line
	}{
		{
			name:     "terminal error",
			msgs:     []protocol.ServerMessage{protocol.NewError(protocol.CodeRunnerFault, "killed")},
			expState: Error,
			expLast:  Line{Kind: KindError, Text: "killed"},
		},
		{
			name:     "error without code is terminal",
			msgs:     []protocol.ServerMessage{&protocol.Error{Type: protocol.TypeError, Message: "bad"}},
			expState: Error,
			expLast:  Line{Kind: KindError, Text: "bad"},
		},
		{
			name:     "empty program",
			msgs:     []protocol.ServerMessage{protocol.NewError(protocol.CodeEmptyProgram, "program text is empty")},
			expState: Error,
			expLast:  Line{Kind: KindError, Text: "program text is empty"},
		},
		{
			name: "pipe closed is not terminal",
			msgs: []protocol.ServerMessage{
				protocol.NewOutput(runner.Stdout, "hi", 1),
				protocol.NewError(protocol.CodePipeClosed, "input pipe closed"),
			},
			expState: Running,
			expLast:  Line{Kind: KindError, Text: "input pipe closed"},
		},
		{
			name: "nothing after terminal",
			msgs: []protocol.ServerMessage{
				protocol.NewComplete(2, 0),
				protocol.NewOutput(runner.Stdout, "late", 5),
				protocol.NewError(protocol.CodeRunnerFault, "late"),
			},
			expState: Complete,
			expLast:  Line{Kind: KindSystem, Text: "Process exited with code 2"},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			term := New("prog")
			_, err := term.Open()
			require.NoError(t, err)
			for _, m := range c.msgs {
				term.Handle(m)
			}
			assert.Equal(t, c.expState, term.State())
			transcript := term.Transcript()
			require.NotEmpty(t, transcript)
			assert.Equal(t, c.expLast, transcript[len(transcript)-1])
		})
	}
}

func TestConnectionClosed(t *testing.T) {
	term := New("prog")
	_, err := term.Open()
	require.NoError(t, err)
	term.Handle(protocol.NewOutput(runner.Stdout, "partial", 1))

	lines := term.ConnectionClosed()
	assert.Equal(t, []Line{{Kind: KindError, Text: ConnectionLost}}, lines)
	assert.Equal(t, Error, term.State())
	msg, _ := term.Err()
	assert.Equal(t, ConnectionLost, msg)

	// a close after a terminal message changes nothing
	term2 := New("prog")
	_, err = term2.Open()
	require.NoError(t, err)
	term2.Handle(protocol.NewComplete(0, 0))
	assert.Nil(t, term2.ConnectionClosed())
	assert.Equal(t, Complete, term2.State())
}

func TestOneExecutePerTerminal(t *testing.T) {
	term := New("prog")
	_, err := term.Open()
	require.NoError(t, err)
	_, err = term.Open()
	assert.ErrorIs(t, err, ErrAlreadyOpened)

	term.Handle(protocol.NewComplete(0, 0))
	_, err = term.Open()
	assert.ErrorIs(t, err, ErrAlreadyOpened)
}

func TestDismissWhileRunning(t *testing.T) {
	term := New("prog")
	_, err := term.Open()
	require.NoError(t, err)
	assert.True(t, term.Dismiss())
	assert.Equal(t, Closed, term.State())
	assert.Nil(t, term.Handle(protocol.NewOutput(runner.Stdout, "x", 1)))
}

func TestAwaitingClose(t *testing.T) {
	term := New("sleep 1")
	assert.False(t, term.AwaitingClose())
	_, err := term.Open()
	require.NoError(t, err)
	assert.False(t, term.AwaitingClose())
	term.Handle(protocol.NewOutput(runner.Stdout, "x", 1))
	assert.False(t, term.AwaitingClose())
	term.Handle(protocol.NewError(protocol.CodeNotRunning, "not running"))
	assert.Equal(t, Running, term.State())
	assert.False(t, term.AwaitingClose())

	term.Handle(protocol.NewError(protocol.CodeTimeout, "timed out"))
	assert.Equal(t, Error, term.State())
	assert.True(t, term.AwaitingClose())

	term.Dismiss()
	assert.Equal(t, Closed, term.State())
	assert.False(t, term.AwaitingClose())
}
