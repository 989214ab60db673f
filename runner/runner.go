package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Stream identifies one of the two output streams of a running program.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

var (
	// ErrPipeClosed is returned by WriteInput once the program has exited or its input stream was closed.
	ErrPipeClosed = errors.New("input pipe closed")
	// ErrEmptyProgram is returned when blank program text is submitted.
	ErrEmptyProgram = errors.New("program text is empty")
)

// Runner launches programs.
// Each call to Start spawns exactly one process (or embedded interpreter).
// The caller must eventually call Kill on every Handle it gets back.
type Runner interface {
	Start(ctx context.Context, program string) (Handle, error)
	// Name is a short label for logs and history records, like "local" or "docker".
	Name() string
}

// Handle is a live program started by a Runner.
type Handle interface {
	// WriteInput writes text followed by a newline to the program's input stream.
	WriteInput(text string) error
	// CloseInput closes the program's input stream, so further reads see EOF.
	CloseInput() error

	// Stdout and Stderr return the readers for the two output streams.
	// Each returns io.EOF once the program and any children have closed the stream.
	Stdout() io.Reader
	Stderr() io.Reader

	// Wait blocks until the program terminates.
	// A program that exits on its own returns a Result and a nil error, whatever its exit code.
	// A program that was killed or crashed returns a *Fault.
	Wait(ctx context.Context) (*Result, error)

	// Kill forcefully terminates the program. It is idempotent and safe after exit.
	Kill() error
}

// Result describes a program that exited on its own.
type Result struct {
	ExitCode int
	Duration time.Duration
}

// Fault is returned from Wait when a program did not exit on its own,
// e.g. it was killed, crashed, or exceeded a resource limit.
type Fault struct {
	Reason   string
	ExitCode int
}

func (f *Fault) Error() string {
	if f.ExitCode != 0 {
		return fmt.Sprintf("%s (exit code %d)", f.Reason, f.ExitCode)
	}
	return f.Reason
}

// SpawnError is returned from Start when the program could not be launched.
type SpawnError struct {
	Err error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("starting program: %s", e.Err) }

func (e *SpawnError) Unwrap() error { return e.Err }

// Chunk is a piece of output read from one stream.
type Chunk struct {
	Stream Stream
	Data   []byte
}

const chunkSize = 4096

// Chunks reads both output streams of h concurrently and returns their chunks on one channel,
// which is closed once both streams reach EOF.
// Chunks from one stream arrive in order. The two streams are interleaved as they are read.
// Each call starts new readers, so chunks already consumed from h are not replayed.
func Chunks(h Handle) <-chan Chunk {
	ch := make(chan Chunk)
	done := make(chan struct{}, 2)
	read := func(s Stream, r io.Reader) {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, chunkSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				b := make([]byte, n)
				copy(b, buf[:n])
				ch <- Chunk{Stream: s, Data: b}
			}
			if err != nil {
				return
			}
		}
	}
	go read(Stdout, h.Stdout())
	go read(Stderr, h.Stderr())
	go func() {
		<-done
		<-done
		close(ch)
	}()
	return ch
}
