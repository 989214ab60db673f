package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/guseggert/liverun/protocol"
	"github.com/guseggert/liverun/runner"
	"github.com/guseggert/liverun/session"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 1000
)

// HistoryLister serves the history endpoint. history.Store is the usual implementation.
type HistoryLister interface {
	List(ctx context.Context, limit int) ([]session.Record, error)
}

// Server exposes a session.Manager over HTTP: one WebSocket connection per interactive session,
// plus batch execution, health and history endpoints.
type Server struct {
	logger  *zap.SugaredLogger
	manager *session.Manager
	history HistoryLister

	listenAddr     string
	tlsConfig      *tls.Config
	readLimit      int64
	inputRate      rate.Limit
	inputBurst     int
	closeGrace     time.Duration
	idleTimeout    time.Duration
	originPatterns []string

	mut        sync.Mutex
	listener   net.Listener
	httpServer *http.Server
}

type Option func(s *Server)

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l.Named("server").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(s *Server) {
		s.logger = s.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithTLSConfig serves HTTPS instead of HTTP.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(s *Server) {
		s.tlsConfig = cfg
	}
}

// WithHistory enables the history endpoint.
func WithHistory(h HistoryLister) Option {
	return func(s *Server) {
		s.history = h
	}
}

// WithReadLimit bounds the size of one incoming WebSocket message.
func WithReadLimit(n int64) Option {
	return func(s *Server) {
		s.readLimit = n
	}
}

// WithInputRate limits the messages accepted per second on each connection. Excess messages are rejected.
func WithInputRate(perSecond float64, burst int) Option {
	return func(s *Server) {
		s.inputRate = rate.Limit(perSecond)
		s.inputBurst = burst
	}
}

// WithCloseGrace sets how long the server waits for the client to close the connection after the session has ended.
func WithCloseGrace(d time.Duration) Option {
	return func(s *Server) {
		s.closeGrace = d
	}
}

// WithIdleTimeout sets how long a connection may stay open without starting a program. Zero means no bound.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.idleTimeout = d
	}
}

// WithOriginPatterns allows browser connections from other origins, see websocket.AcceptOptions.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) {
		s.originPatterns = patterns
	}
}

func New(m *session.Manager, opts ...Option) *Server {
	s := &Server{
		logger:      zap.NewNop().Sugar(),
		manager:     m,
		listenAddr:  "127.0.0.1:8080",
		readLimit:   protocol.DefaultReadLimit,
		inputRate:   20,
		inputBurst:  40,
		closeGrace:  5 * time.Second,
		idleTimeout: time.Minute,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the router with all endpoints.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET(protocol.PathExecuteWS, s.executeWS)
	router.POST(protocol.PathExecute, s.execute)
	router.GET(protocol.PathHealth, s.health)
	router.GET(protocol.PathHistory, s.listHistory)
	return router
}

// Listen binds the listen address. It is separate from Serve so that callers can learn the bound address first.
func (s *Server) Listen() error {
	tcpListener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	var l net.Listener = tcpListener
	if s.tlsConfig != nil {
		l = tls.NewListener(tcpListener, s.tlsConfig)
	}
	s.mut.Lock()
	s.listener = l
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mut.Unlock()
	s.logger.Infow("listening", "Addr", tcpListener.Addr().String(), "TLS", s.tlsConfig != nil)
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve serves on the listener from Listen, and returns nil once Stop is called.
func (s *Server) Serve() error {
	s.mut.Lock()
	server, l := s.httpServer, s.listener
	s.mut.Unlock()
	if server == nil {
		return errors.New("server is not listening")
	}
	err := server.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Run listens and serves, returning once the server has stopped.
func (s *Server) Run() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Stop stops accepting connections, kills every running program, and waits for in-flight requests until ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	s.mut.Lock()
	server := s.httpServer
	s.mut.Unlock()

	// hijacked WebSocket connections are not tracked by Shutdown, destroying the sessions ends them
	s.manager.Shutdown()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// executeWS runs one interactive session over a WebSocket connection.
// The connection stays open after the terminal message until the client closes it, or the close grace expires.
func (s *Server) executeWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
		OriginPatterns:  s.originPatterns,
	})
	if err != nil {
		s.logger.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	log := s.logger.Named("ws_handler").With("RemoteAddr", r.RemoteAddr)
	log.Debug("accepted WebSocket conn")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn := protocol.NewConn(wsConn, s.readLimit, log)
	defer conn.Close(websocket.StatusNormalClosure, "")
	sc := s.manager.Open(ctx, conn)
	defer sc.Close()

	if s.idleTimeout > 0 {
		go func() {
			t := time.NewTimer(s.idleTimeout)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
				if sc.Session() == nil {
					log.Debugw("no program was started, closing the connection", "IdleTimeout", s.idleTimeout)
					conn.Close(websocket.StatusPolicyViolation, "no program was started")
				}
			}
		}()
	}

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-sc.Finished():
		}
		t := time.NewTimer(s.closeGrace)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
			log.Debug("client did not close the connection after the session ended, closing it")
			conn.Close(websocket.StatusNormalClosure, "session finished")
		}
	}()

	limiter := rate.NewLimiter(s.inputRate, s.inputBurst)
	for {
		msg, err := conn.ReadClient(ctx)
		if errors.Is(err, protocol.ErrProtocol) {
			log.Debugf("rejecting malformed message: %s", err)
			sc.Reject(err)
			continue
		}
		if err != nil {
			if protocol.IsClosed(err) {
				log.Debugw("connection closed", "Status", websocket.CloseStatus(err))
			} else {
				log.Debugf("message reader got error: %s", err)
			}
			return
		}
		if !limiter.Allow() {
			sc.Reject(session.ErrRateLimited)
			continue
		}
		sc.Dispatch(msg)
	}
}

// execute is a simple runner which takes all input up front and sends all of stdout and stderr in the response.
// This is much easier to curl and write simple clients against, but doesn't support interaction.
func (s *Server) execute(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req protocol.BatchRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.readLimit))
	err := dec.Decode(&req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.manager.Run(r.Context(), req.Code, req.Inputs)
	switch {
	case errors.Is(err, runner.ErrEmptyProgram):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, session.ErrCapacityExceeded), errors.Is(err, session.ErrShutdown):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, res)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	maxSessions, _ := s.manager.Limits()
	s.writeJSON(w, protocol.Health{
		LiveSessions: s.manager.Len(),
		MaxSessions:  maxSessions,
	})
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if s.history == nil {
		http.Error(w, "history is disabled", http.StatusNotFound)
		return
	}
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxHistoryLimit {
			http.Error(w, fmt.Sprintf("limit must be an integer between 1 and %d", maxHistoryLimit), http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.history.List(r.Context(), limit)
	if err != nil {
		s.logger.Warnw("error listing history", "Error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []session.Record{}
	}
	s.writeJSON(w, recs)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(b)
}
