package session

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/guseggert/liverun/protocol"
	"github.com/guseggert/liverun/runner"
)

type BatchStatus string

const (
	BatchSuccess BatchStatus = "success"
	BatchError   BatchStatus = "error"
	BatchTimeout BatchStatus = "timeout"
)

// BatchResult is the outcome of a non-interactive run.
type BatchResult struct {
	Status     BatchStatus `json:"status"`
	ExitCode   int         `json:"exit_code"`
	Stdout     string      `json:"stdout"`
	Stderr     string      `json:"stderr"`
	Error      string      `json:"error,omitempty"`
	DurationMS int64       `json:"duration_ms"`
}

// collector is a Sender that buffers a session's messages.
type collector struct {
	mut      sync.Mutex
	stdout   strings.Builder
	stderr   strings.Builder
	terminal protocol.ServerMessage
}

func (c *collector) Send(ctx context.Context, msg protocol.ServerMessage) error {
	c.mut.Lock()
	defer c.mut.Unlock()
	switch m := msg.(type) {
	case *protocol.Output:
		if m.Stream == runner.Stderr {
			c.stderr.WriteString(m.Data)
		} else {
			c.stdout.WriteString(m.Data)
		}
	case *protocol.Complete, *protocol.Error:
		if c.terminal == nil {
			c.terminal = m
		}
	}
	return nil
}

// Run executes a program to completion without a connection: every input line is written up front,
// then input is closed. It is subject to the same capacity, timeout and output limits as interactive sessions.
// Errors are only returned when no session could be created, e.g. for an empty program or at capacity.
func (m *Manager) Run(ctx context.Context, program string, inputs []string) (*BatchResult, error) {
	c := &collector{}
	s, err := m.create(context.WithoutCancel(ctx), program, c, nil)
	if err != nil {
		return nil, err
	}

	if err := s.start(); err == nil {
		for _, in := range inputs {
			if err := s.SupplyInput(in); err != nil {
				s.log.Debugw("batch input not written", "Error", err)
				break
			}
		}
		s.CloseInput()
	}

	select {
	case <-s.Done():
	case <-ctx.Done():
		s.Destroy(ctx.Err())
		<-s.Done()
	}

	rec := s.record()
	c.mut.Lock()
	defer c.mut.Unlock()
	res := &BatchResult{
		Stdout:     c.stdout.String(),
		Stderr:     c.stderr.String(),
		DurationMS: rec.EndedAt.Sub(rec.StartedAt).Milliseconds(),
	}
	switch t := c.terminal.(type) {
	case *protocol.Complete:
		res.Status = BatchSuccess
		res.ExitCode = t.ExitCode
		res.DurationMS = t.DurationMS
	case *protocol.Error:
		res.Status = BatchError
		if t.Code == protocol.CodeTimeout || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res.Status = BatchTimeout
		}
		res.ExitCode = -1
		res.Error = t.Message
	}
	return res, nil
}
