// Package imap implements the tag-prefixed IMAP command engine: parsing,
// per-connection authentication state, dispatch and the session loop.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fenilsonani/imapd/internal/logging"
	"github.com/fenilsonani/imapd/internal/metrics"
)

// Greeting is sent on accept when Options.Greeting is set.
const Greeting = "IMAP4rev1 Service Ready"

// Options configures a Server.
type Options struct {
	Dispatcher *Dispatcher
	Logger     *logging.Logger

	// Greeting sends "* OK [CAPABILITY ...] IMAP4rev1 Service Ready" before
	// the first read.
	Greeting bool

	// IdleTimeout closes connections that send nothing for this long.
	// Zero disables it.
	IdleTimeout time.Duration

	// ShutdownTimeout bounds how long Close waits for sessions to end.
	ShutdownTimeout time.Duration
}

// Server accepts connections and runs one Session per connection.
type Server struct {
	opts   Options
	logger *logging.Logger

	mu        sync.Mutex
	listeners []net.Listener
	conns     map[*Conn]struct{}
	closing   bool

	// Shutdown coordination
	ctx        context.Context
	cancel     context.CancelFunc
	shutdownWg sync.WaitGroup
}

// NewServer creates a server. Nothing listens until ListenAndServe or Serve.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = NewDispatcher(DispatcherOptions{Logger: opts.Logger})
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:   opts,
		logger: opts.Logger.IMAP(),
		conns:  make(map[*Conn]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ListenAndServe binds addr and serves plain IMAP in the background.
func (s *Server) ListenAndServe(addr string) (net.Addr, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s.serveInBackground(l, "imap")
	return l.Addr(), nil
}

// ListenAndServeTLS binds addr and serves implicit-TLS IMAP in the background.
func (s *Server) ListenAndServeTLS(addr string, tlsConfig *tls.Config) (net.Addr, error) {
	if tlsConfig == nil {
		return nil, errors.New("imaps listener requires a TLS configuration")
	}
	l, err := tls.Listen("tcp", addr, tlsConfig)
	if err != nil {
		return nil, err
	}
	s.serveInBackground(l, "imaps")
	return l.Addr(), nil
}

func (s *Server) serveInBackground(l net.Listener, name string) {
	s.shutdownWg.Add(1)
	go func() {
		defer s.shutdownWg.Done()
		if err := s.Serve(l, name); err != nil {
			s.logger.Error("listener stopped", "listener", name, "error", err)
		}
	}()
}

// Serve accepts connections on l until Close. name labels the listener in
// logs and metrics. It returns nil after Close.
func (s *Server) Serve(l net.Listener, name string) error {
	if !s.track(l) {
		l.Close()
		return nil
	}
	s.logger.Info("listening", "listener", name, "addr", l.Addr().String())

	var backoff time.Duration
	for {
		netConn, err := l.Accept()
		if err != nil {
			if s.isClosing() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = nextBackoff(backoff)
				s.logger.Warn("accept failed, retrying", "listener", name, "error", err, "backoff", backoff)
				time.Sleep(backoff)
				continue
			}
			return err
		}
		backoff = 0

		conn := NewConn(netConn, s.opts.IdleTimeout)
		if !s.trackConn(conn) {
			netConn.Close()
			return nil
		}

		s.shutdownWg.Add(1)
		go func() {
			defer s.shutdownWg.Done()
			s.handle(conn, name)
		}()
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}

func (s *Server) handle(conn *Conn, listener string) {
	started := time.Now()
	metrics.RecordConnection(listener)

	ctx := logging.WithTraceID(s.ctx, uuid.NewString())
	ctx = logging.WithRemoteAddr(ctx, conn.RemoteAddr().String())
	ctx = logging.WithProtocol(ctx, listener)

	defer func() {
		conn.Close()
		s.untrackConn(conn)
		metrics.ReleaseConnection(listener, time.Since(started))
		s.logger.DebugContext(ctx, "connection finished", "duration", time.Since(started))
	}()

	s.logger.DebugContext(ctx, "connection accepted")

	if s.opts.Greeting {
		if _, err := conn.Write(greetingLine()); err != nil {
			return
		}
	}

	session := NewSession(conn, s.opts.Dispatcher, s.opts.Logger)
	if err := session.Serve(ctx); err != nil {
		s.logger.ErrorContext(ctx, "session aborted", err)
	}
}

func (s *Server) track(l net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.listeners = append(s.listeners, l)
	return true
}

func (s *Server) trackConn(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrackConn(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// ActiveConnections returns the number of open sessions.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close stops accepting, closes every live connection and waits up to
// ShutdownTimeout for sessions to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	listeners := s.listeners
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.cancel()

	var closeErr error
	for _, l := range listeners {
		if err := l.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
	}
	for _, c := range conns {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.shutdownWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all sessions finished")
	case <-time.After(s.opts.ShutdownTimeout):
		s.logger.Warn("timeout waiting for sessions to finish", "remaining", s.ActiveConnections())
	}

	return closeErr
}
