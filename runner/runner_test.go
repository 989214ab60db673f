package runner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type readerHandle struct {
	stdout io.Reader
	stderr io.Reader
}

func (h *readerHandle) WriteInput(string) error                { return ErrPipeClosed }
func (h *readerHandle) CloseInput() error                      { return nil }
func (h *readerHandle) Stdout() io.Reader                      { return h.stdout }
func (h *readerHandle) Stderr() io.Reader                      { return h.stderr }
func (h *readerHandle) Wait(context.Context) (*Result, error) { return &Result{}, nil }
func (h *readerHandle) Kill() error                            { return nil }

func TestChunks(t *testing.T) {
	big := strings.Repeat("x", chunkSize*3+7)
	h := &readerHandle{
		stdout: strings.NewReader(big),
		stderr: strings.NewReader("oops"),
	}

	var stdout, stderr bytes.Buffer
	for c := range Chunks(h) {
		switch c.Stream {
		case Stdout:
			stdout.Write(c.Data)
		case Stderr:
			stderr.Write(c.Data)
		}
	}

	assert.Equal(t, big, stdout.String())
	assert.Equal(t, "oops", stderr.String())
}

func TestFaultAndSpawnError(t *testing.T) {
	f := &Fault{Reason: "killed by signal"}
	assert.Equal(t, "killed by signal", f.Error())
	f = &Fault{Reason: "crashed", ExitCode: 139}
	assert.Equal(t, "crashed (exit code 139)", f.Error())

	cause := errors.New("exec: \"nope\": executable file not found in $PATH")
	var err error = &SpawnError{Err: cause}
	require.ErrorIs(t, err, cause)
	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Contains(t, err.Error(), "starting program")
}
