package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/guseggert/liverun/protocol"
	"github.com/guseggert/liverun/runner"
	"go.uber.org/zap"
)

const observerTimeout = 30 * time.Second

// Manager owns every live Session. Its id->Session table is the only state shared between connections.
type Manager struct {
	log    *zap.SugaredLogger
	runner runner.Runner

	maxOutput    int64
	drainTimeout time.Duration
	observers    []Observer

	mut         sync.Mutex
	sessions    map[string]*Session
	maxSessions int
	timeout     time.Duration
	shutdown    bool

	observerWG sync.WaitGroup
}

type Option func(m *Manager)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(m *Manager) {
		m.log = l.Named("session_manager")
	}
}

// WithMaxSessions caps the number of concurrently live sessions. Zero means no cap.
func WithMaxSessions(n int) Option {
	return func(m *Manager) {
		m.maxSessions = n
	}
}

// WithSessionTimeout sets how long a program may run before it is killed. Zero means no timeout.
func WithSessionTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.timeout = d
	}
}

// WithMaxOutputBytes caps the output of one session. Zero means no cap.
func WithMaxOutputBytes(n int64) Option {
	return func(m *Manager) {
		m.maxOutput = n
	}
}

// WithDrainTimeout bounds how long the output of an exited program may stay idle before the session fails.
// Output that keeps flowing, however slowly, is read to the end. Zero means no bound.
func WithDrainTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.drainTimeout = d
	}
}

// WithObserver adds an observer that is told about every destroyed session.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		m.observers = append(m.observers, o)
	}
}

func NewManager(r runner.Runner, opts ...Option) *Manager {
	m := &Manager{
		log:          zap.NewNop().Sugar(),
		runner:       r,
		sessions:     map[string]*Session{},
		maxSessions:  10,
		timeout:      2 * time.Minute,
		maxOutput:    1 << 20,
		drainTimeout: 2 * time.Second,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mut.Lock()
	defer m.mut.Unlock()
	return len(m.sessions)
}

func (m *Manager) Get(id string) (*Session, bool) {
	m.mut.Lock()
	defer m.mut.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *Manager) Limits() (maxSessions int, timeout time.Duration) {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.maxSessions, m.timeout
}

// SetLimits changes the session cap and timeout for sessions created from now on.
// Live sessions keep the limits they started with.
func (m *Manager) SetLimits(maxSessions int, timeout time.Duration) {
	m.mut.Lock()
	defer m.mut.Unlock()
	m.log.Infow("updating limits", "MaxSessions", maxSessions, "SessionTimeout", timeout)
	m.maxSessions = maxSessions
	m.timeout = timeout
}

// create validates the program and inserts a new session into the table, without starting it.
func (m *Manager) create(ctx context.Context, program string, sender Sender, onRelease func()) (*Session, error) {
	if strings.TrimSpace(program) == "" {
		return nil, runner.ErrEmptyProgram
	}

	m.mut.Lock()
	defer m.mut.Unlock()
	if m.shutdown {
		return nil, ErrShutdown
	}
	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		return nil, ErrCapacityExceeded
	}
	l := limits{
		timeout:      m.timeout,
		maxOutput:    m.maxOutput,
		drainTimeout: m.drainTimeout,
	}
	s := newSession(ctx, m.runner, program, sender, l, m.log, func(rec Record) {
		m.remove(rec)
		if onRelease != nil {
			onRelease()
		}
	})
	m.sessions[s.ID] = s
	m.log.Debugw("created session", "SessionID", s.ID, "LiveSessions", len(m.sessions))
	return s, nil
}

func (m *Manager) remove(rec Record) {
	m.mut.Lock()
	delete(m.sessions, rec.ID)
	live := len(m.sessions)
	m.mut.Unlock()
	m.log.Debugw("destroyed session", "SessionID", rec.ID, "State", rec.State, "LiveSessions", live)

	for _, o := range m.observers {
		m.observerWG.Add(1)
		go func(o Observer) {
			defer m.observerWG.Done()
			ctx, cancel := context.WithTimeout(context.Background(), observerTimeout)
			defer cancel()
			if err := o.SessionEnded(ctx, rec); err != nil {
				m.log.Warnw("session observer failed", "SessionID", rec.ID, "Error", err)
			}
		}(o)
	}
}

// Shutdown refuses new sessions, destroys every live one, and waits for observers to finish.
func (m *Manager) Shutdown() {
	m.mut.Lock()
	m.shutdown = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mut.Unlock()

	for _, s := range sessions {
		s.Destroy(ErrShutdown)
	}
	m.observerWG.Wait()
}

// Open starts tracking a new transport connection. The caller must Close the returned Conn when the connection goes away.
func (m *Manager) Open(ctx context.Context, sender Sender) *Conn {
	return &Conn{
		m:        m,
		ctx:      ctx,
		sender:   sender,
		log:      m.log.Named("conn"),
		finished: make(chan struct{}),
	}
}

// Conn is the server side of one transport connection. It hosts at most one Session.
type Conn struct {
	m      *Manager
	ctx    context.Context
	sender Sender
	log    *zap.SugaredLogger

	mut       sync.Mutex
	session   *Session
	closed    bool
	finishOne sync.Once
	finished  chan struct{}
}

// Session returns the connection's session, or nil before the first successful execute.
func (c *Conn) Session() *Session {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.session
}

// Finished is closed once the connection's session has sent its terminal message and been destroyed.
func (c *Conn) Finished() <-chan struct{} {
	return c.finished
}

// Dispatch handles one client message. Failures are reported to the client, not returned.
func (c *Conn) Dispatch(msg protocol.ClientMessage) {
	switch m := msg.(type) {
	case *protocol.Execute:
		c.execute(m.Code)
	case *protocol.Input:
		c.input(m.Input)
	}
}

func (c *Conn) execute(program string) {
	c.mut.Lock()
	if c.closed {
		c.mut.Unlock()
		return
	}
	if c.session != nil {
		s := c.session
		c.mut.Unlock()
		if s.State().Terminal() {
			c.Reject(ErrSessionFinished)
		} else {
			c.Reject(ErrAlreadyRunning)
		}
		return
	}

	s, err := c.m.create(c.ctx, program, c.sender, func() {
		c.finishOne.Do(func() { close(c.finished) })
	})
	if err != nil {
		c.mut.Unlock()
		c.log.Debugw("rejected execute", "Error", err)
		c.Reject(err)
		return
	}
	c.session = s
	c.mut.Unlock()

	s.start()
}

func (c *Conn) input(text string) {
	s := c.Session()
	if s == nil {
		c.Reject(ErrNotRunning)
		return
	}
	err := s.SupplyInput(text)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotRunning):
		// the terminal message may already be out, so this goes out as a rejection
		c.log.Debugw("rejected input for session that is not running", "SessionID", s.ID, "State", s.State())
		c.Reject(err)
	default:
		s.sendError(err)
	}
}

// Reject answers a bad client request with a non-terminal error, such as a protocol error.
// Unlike program errors, it is sent even after the session's terminal message.
func (c *Conn) Reject(err error) {
	if s := c.Session(); s != nil {
		s.sendMut.Lock()
		defer s.sendMut.Unlock()
	}
	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	if sendErr := c.sender.Send(ctx, errorMessage(err)); sendErr != nil {
		c.log.Debugf("error sending rejection: %s", sendErr)
	}
}

// Close destroys the connection's session, killing its program if it is still running. It is idempotent.
func (c *Conn) Close() {
	c.mut.Lock()
	c.closed = true
	s := c.session
	c.mut.Unlock()
	if s != nil {
		s.Destroy(ErrConnectionClosed)
	}
}
