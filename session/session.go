package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/guseggert/liverun/protocol"
	"github.com/guseggert/liverun/runner"
	"go.uber.org/zap"
)

const (
	readBufSize  = 4096
	writeTimeout = 10 * time.Second
)

type State string

const (
	Starting  State = "starting"
	Running   State = "running"
	Completed State = "completed"
	Failed    State = "failed"
)

// Terminal reports whether no further transitions are possible from s.
func (s State) Terminal() bool {
	return s == Completed || s == Failed
}

// Sender delivers server messages to one client. protocol.Conn is the usual implementation.
type Sender interface {
	Send(ctx context.Context, msg protocol.ServerMessage) error
}

type limits struct {
	timeout      time.Duration
	maxOutput    int64
	drainTimeout time.Duration
}

// Session is one execution of one program on behalf of one connection.
// It moves starting -> running -> completed|failed exactly once, or starting -> failed if the program cannot be spawned.
// Exactly one terminal message (complete or error) is sent for it, and nothing after that.
type Session struct {
	ID      string
	Program string

	log     *zap.SugaredLogger
	ctx     context.Context
	runner  runner.Runner
	sender  Sender
	limits  limits
	release func(Record)

	mut       sync.Mutex
	state     State
	handle    runner.Handle
	startedAt time.Time
	deadline  time.Time
	endedAt   time.Time
	exitCode  *int
	reason    string
	watchdog  *time.Timer

	// sendMut orders every message of the session, and terminated is only set under it,
	// so no output can follow the terminal message.
	sendMut     sync.Mutex
	terminated  bool
	seq         uint64
	outputBytes int64
	transcript  []Entry
	kept        int
	truncated   bool

	// progress counts reads and sends, sending is the number of sends in flight.
	// Together they tell a slow drain from a stuck one.
	progress atomic.Uint64
	sending  atomic.Int32

	readers     sync.WaitGroup
	destroyOnce sync.Once
	done        chan struct{}
}

func newSession(ctx context.Context, r runner.Runner, program string, sender Sender, l limits, log *zap.SugaredLogger, release func(Record)) *Session {
	id := uuid.New().String()
	return &Session{
		ID:      id,
		Program: program,
		log:     log.Named("session").With("SessionID", id),
		ctx:     ctx,
		runner:  r,
		sender:  sender,
		limits:  l,
		release: release,
		state:   Starting,
		done:    make(chan struct{}),
	}
}

func (s *Session) State() State {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.state
}

// Deadline is the time at which the watchdog destroys the session. It is zero if there is no timeout.
func (s *Session) Deadline() time.Time {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.deadline
}

// Done is closed once the session has been destroyed and its process released.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// start spawns the program. On success the session is running and its read loops, exit watcher and watchdog are started.
// On failure the session has failed and the error has been sent.
func (s *Session) start() error {
	s.mut.Lock()
	s.startedAt = time.Now()
	s.mut.Unlock()

	h, err := s.runner.Start(s.ctx, s.Program)
	if err != nil {
		var spawnErr *runner.SpawnError
		if !errors.As(err, &spawnErr) {
			err = &runner.SpawnError{Err: err}
		}
		s.log.Infow("program could not be started", "Error", err)
		s.fail(err)
		return err
	}

	s.mut.Lock()
	if s.state.Terminal() {
		// destroyed while spawning
		s.mut.Unlock()
		h.Kill()
		return ErrConnectionClosed
	}
	s.handle = h
	s.state = Running
	if s.limits.timeout > 0 {
		s.deadline = s.startedAt.Add(s.limits.timeout)
		s.watchdog = time.AfterFunc(s.limits.timeout, func() {
			s.log.Infow("session timed out", "Timeout", s.limits.timeout)
			s.Destroy(fmt.Errorf("%w after %s", ErrTimeout, s.limits.timeout))
		})
	}
	s.mut.Unlock()
	s.log.Debugw("program started", "Runner", s.runner.Name())

	s.readers.Add(2)
	go s.readLoop(runner.Stdout, h.Stdout())
	go s.readLoop(runner.Stderr, h.Stderr())
	go s.watch(h)
	return nil
}

// SupplyInput writes one line to the program's input.
// It returns ErrNotRunning unless the session is running, and an error wrapping runner.ErrPipeClosed
// if the program no longer accepts input.
func (s *Session) SupplyInput(text string) error {
	s.mut.Lock()
	state, h := s.state, s.handle
	s.mut.Unlock()
	if state != Running {
		return ErrNotRunning
	}
	return h.WriteInput(text)
}

// CloseInput closes the program's input so that further reads see end of file.
func (s *Session) CloseInput() error {
	s.mut.Lock()
	state, h := s.state, s.handle
	s.mut.Unlock()
	if state != Running {
		return ErrNotRunning
	}
	return h.CloseInput()
}

// Destroy kills the program if it is still running and fails the session with cause.
// The error is sent to the client if the connection still works. It is safe to call more than once.
func (s *Session) Destroy(cause error) {
	s.fail(cause)
}

func (s *Session) readLoop(stream runner.Stream, r io.Reader) {
	defer s.readers.Done()
	buf := make([]byte, readBufSize)
	var carry []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.progress.Add(1)
			data := append(carry, buf[:n]...)
			cut := completePrefix(data)
			if cut > 0 {
				s.emit(stream, string(data[:cut]))
			}
			carry = append([]byte(nil), data[cut:]...)
		}
		if err != nil {
			if len(carry) > 0 {
				s.emit(stream, string(carry))
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, runner.ErrPipeClosed) {
				s.log.Debugf("%s read loop got error: %s", stream, err)
			}
			return
		}
	}
}

// completePrefix returns the length of the longest prefix of b that does not end in a partial UTF-8 sequence.
// Invalid bytes are not held back.
func completePrefix(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}

func (s *Session) emit(stream runner.Stream, data string) {
	s.sending.Add(1)
	defer func() {
		s.sending.Add(-1)
		s.progress.Add(1)
	}()
	s.sendMut.Lock()
	if s.terminated {
		s.sendMut.Unlock()
		return
	}
	if s.limits.maxOutput > 0 && s.outputBytes+int64(len(data)) > s.limits.maxOutput {
		s.sendMut.Unlock()
		s.log.Infow("output limit exceeded", "Limit", s.limits.maxOutput)
		s.Destroy(fmt.Errorf("%w (%d bytes)", ErrOutputLimit, s.limits.maxOutput))
		return
	}
	s.seq++
	s.outputBytes += int64(len(data))
	if s.kept+len(data) <= transcriptLimit {
		s.transcript = append(s.transcript, Entry{Seq: s.seq, Stream: stream, Data: data})
		s.kept += len(data)
	} else {
		s.truncated = true
	}
	s.sendLocked(protocol.NewOutput(stream, data, s.seq))
	s.sendMut.Unlock()
}

// sendTerminal sends the session's terminal message. It returns false if one was already sent.
func (s *Session) sendTerminal(msg protocol.ServerMessage) bool {
	s.sendMut.Lock()
	defer s.sendMut.Unlock()
	if s.terminated {
		return false
	}
	s.terminated = true
	s.sendLocked(msg)
	return true
}

// sendError sends a non-terminal error, unless the terminal message has already gone out.
func (s *Session) sendError(err error) {
	s.sendMut.Lock()
	defer s.sendMut.Unlock()
	if s.terminated {
		s.log.Debugw("dropping error after terminal message", "Error", err)
		return
	}
	s.sendLocked(errorMessage(err))
}

func (s *Session) sendLocked(msg protocol.ServerMessage) {
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	err := s.sender.Send(ctx, msg)
	if err != nil {
		s.log.Debugf("error sending message: %s", err)
	}
}

// watch waits for the program to exit, lets the read loops drain, then completes or fails the session.
// A program whose output does not end after it exits fails, since part of its output may never be delivered.
func (s *Session) watch(h runner.Handle) {
	res, err := h.Wait(context.Background())
	if s.State().Terminal() {
		return
	}

	if !s.drain() {
		s.log.Infow("output did not end after exit, killing", "DrainTimeout", s.limits.drainTimeout)
		if err == nil {
			err = fmt.Errorf("%w within %s of exit", ErrOutputIncomplete, s.limits.drainTimeout)
		}
	}
	if s.State().Terminal() {
		return
	}

	if err != nil {
		s.fail(err)
		return
	}
	s.complete(res)
}

// drain waits for both read loops to reach end of stream. It gives up, returning false, once
// no output has been read or sent for a whole drain timeout. A drain timeout of zero waits forever.
func (s *Session) drain() bool {
	drained := make(chan struct{})
	go func() {
		s.readers.Wait()
		close(drained)
	}()
	if s.limits.drainTimeout <= 0 {
		<-drained
		return true
	}

	ticker := time.NewTicker(s.limits.drainTimeout)
	defer ticker.Stop()
	last := s.progress.Load()
	for {
		select {
		case <-drained:
			return true
		case <-ticker.C:
			p := s.progress.Load()
			if p == last && s.sending.Load() == 0 {
				return false
			}
			last = p
		}
	}
}

func (s *Session) complete(res *runner.Result) {
	s.mut.Lock()
	if s.state.Terminal() {
		s.mut.Unlock()
		return
	}
	s.state = Completed
	s.endedAt = time.Now()
	code := res.ExitCode
	s.exitCode = &code
	s.mut.Unlock()

	s.log.Debugw("program completed", "ExitCode", code, "Duration", res.Duration)
	s.sendTerminal(protocol.NewComplete(code, res.Duration))
	s.destroy()
}

func (s *Session) fail(cause error) {
	s.mut.Lock()
	if s.state.Terminal() {
		s.mut.Unlock()
		return
	}
	s.state = Failed
	s.endedAt = time.Now()
	s.reason = cause.Error()
	h := s.handle
	s.mut.Unlock()

	// the process goes first, a stuck client must not keep it alive
	if h != nil {
		if err := h.Kill(); err != nil {
			s.log.Debugf("error killing program: %s", err)
		}
	}
	s.log.Debugw("session failed", "Reason", cause)
	s.sendTerminal(errorMessage(cause))
	s.destroy()
}

// destroy releases the process handle and hands the session's Record to the manager, once.
func (s *Session) destroy() {
	s.destroyOnce.Do(func() {
		s.mut.Lock()
		h := s.handle
		s.handle = nil
		if s.watchdog != nil {
			s.watchdog.Stop()
		}
		s.mut.Unlock()

		if h != nil {
			if err := h.Kill(); err != nil {
				s.log.Debugf("error releasing program: %s", err)
			}
		}
		rec := s.record()
		if s.release != nil {
			s.release(rec)
		}
		close(s.done)
	})
}

func (s *Session) record() Record {
	s.mut.Lock()
	rec := Record{
		ID:        s.ID,
		Runner:    s.runner.Name(),
		Program:   s.Program,
		StartedAt: s.startedAt,
		EndedAt:   s.endedAt,
		State:     s.state,
		ExitCode:  s.exitCode,
		Reason:    s.reason,
	}
	s.mut.Unlock()

	s.sendMut.Lock()
	rec.OutputBytes = s.outputBytes
	rec.Transcript = make([]Entry, len(s.transcript))
	copy(rec.Transcript, s.transcript)
	rec.Truncated = s.truncated
	s.sendMut.Unlock()
	return rec
}
