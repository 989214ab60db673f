package session

import (
	"context"
	"time"

	"github.com/guseggert/liverun/runner"
)

// transcriptLimit bounds the output kept in a Record, independently of the output cap.
const transcriptLimit = 1 << 20

// Record summarizes a destroyed Session for observers.
type Record struct {
	ID          string    `json:"id"`
	Runner      string    `json:"runner"`
	Program     string    `json:"program"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
	State       State     `json:"state"`
	ExitCode    *int      `json:"exit_code,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	OutputBytes int64     `json:"output_bytes"`

	Transcript []Entry `json:"transcript"`
	// Truncated is set when output was dropped from the transcript.
	Truncated bool `json:"truncated,omitempty"`
}

// Entry is one output message in a transcript.
type Entry struct {
	Seq    uint64        `json:"seq"`
	Stream runner.Stream `json:"stream"`
	Data   string        `json:"data"`
}

// Observer is told about every Session once it has been destroyed.
// Errors are logged and otherwise ignored.
type Observer interface {
	SessionEnded(ctx context.Context, rec Record) error
}

// ObserverFunc adapts a function to an Observer.
type ObserverFunc func(ctx context.Context, rec Record) error

func (f ObserverFunc) SessionEnded(ctx context.Context, rec Record) error {
	return f(ctx, rec)
}
