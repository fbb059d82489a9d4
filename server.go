package sentinel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// ErrShutdownTimeout is returned when graceful shutdown exceeds the
// configured grace period and sessions had to be force-closed.
var ErrShutdownTimeout = errors.New("shutdown grace period exceeded")

// Server listens for client connections and spawns one Session per
// accepted connection, bounded by a global concurrent-session limit.
type Server struct {
	cfg Config
	env *sessionEnv

	// Logger for server lifecycle events.
	Logger *slog.Logger

	// Health is marked ready/unready around Run (optional).
	Health *HealthChecker

	// Bypass holds the domains exempt from interception.
	Bypass *Bypass

	// limiter throttles per-client session creation, nil when disabled.
	limiter *RateLimiter

	listener net.Listener
	started  chan struct{}

	// slots is the admission semaphore; a token is held per session.
	slots chan struct{}

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer assembles the shared collaborators. No I/O happens until
// Run is called.
func NewServer(cfg Config, ca *CAManager, acl *DomainBlocker, pool *BufferPool, metrics *Metrics, records *SessionLogger) *Server {
	logger := slog.Default()

	bypass := NewBypass(cfg.TLS.BypassDomains...)

	dialer := &net.Dialer{}
	env := &sessionEnv{
		cfg:     cfg.Server,
		ca:      ca,
		acl:     acl,
		pool:    pool,
		bypass:  bypass,
		metrics: metrics,
		logger:  logger,
		records: records,
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", addr)
		},
	}

	var limiter *RateLimiter
	if cfg.Server.RateLimit > 0 {
		burst := cfg.Server.RateBurst
		if burst <= 0 {
			burst = int(cfg.Server.RateLimit)
			if burst < 1 {
				burst = 1
			}
		}
		limiter = NewRateLimiter(cfg.Server.RateLimit, burst)
	}

	return &Server{
		cfg:     cfg,
		env:     env,
		Logger:  logger,
		Bypass:  bypass,
		limiter: limiter,
		started: make(chan struct{}),
		slots:   make(chan struct{}, cfg.Server.MaxSessions),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Addr returns the bound listener address once Run has started, or nil.
func (s *Server) Addr() net.Addr {
	select {
	case <-s.started:
		return s.listener.Addr()
	default:
		return nil
	}
}

// Run binds the listener and serves until ctx is canceled. Shutdown
// stops accepting, lets in-flight sessions drain for the configured
// grace period, then force-closes the remainder.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Server.Addr)
	if err != nil {
		return E(KindConfig, "listen", err)
	}
	s.listener = listener
	close(s.started)

	s.env.logger = s.Logger
	if s.Health != nil {
		s.Health.SetAlive(true)
		s.Health.SetReady(true)
		defer s.Health.SetReady(false)
	}

	s.Logger.Info("proxy listening",
		"addr", listener.Addr().String(),
		"max_sessions", s.cfg.Server.MaxSessions,
		"admission", s.cfg.Server.Admission)

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
					s.Logger.Error("accept failed", "error", err)
					continue
				}
			}
			s.handleAccept(ctx, conn)
		}
	}()

	<-ctx.Done()
	s.Logger.Info("shutdown signal received, closing listener")
	_ = listener.Close()
	<-acceptDone

	if s.limiter != nil {
		s.limiter.Close()
	}
	return s.drain()
}

func (s *Server) handleAccept(ctx context.Context, conn net.Conn) {
	if s.env.metrics != nil {
		s.env.metrics.RecordAccepted()
	}

	if s.limiter != nil && !s.limiter.Allow(conn.RemoteAddr().String()) {
		if s.env.metrics != nil {
			s.env.metrics.RecordRateLimited()
		}
		s.Logger.Debug("connection rate limited", "client", conn.RemoteAddr())
		writeRateLimitResponse(conn)
		_ = conn.Close()
		return
	}

	if !s.admit(ctx) {
		if s.env.metrics != nil {
			s.env.metrics.RecordAdmissionRejected()
		}
		s.Logger.Debug("connection rejected at session limit", "client", conn.RemoteAddr())
		writeBusyResponse(conn)
		_ = conn.Close()
		return
	}

	s.trackConn(conn)
	s.wg.Add(1)

	go func() {
		defer func() {
			s.untrackConn(conn)
			<-s.slots
			s.wg.Done()
		}()

		if s.env.metrics != nil {
			s.env.metrics.IncActiveSessions()
			defer s.env.metrics.DecActiveSessions()
		}

		sess := newSession(s.env, conn)
		sess.run(ctx)
	}()
}

// admit claims a session slot under the configured admission policy.
func (s *Server) admit(ctx context.Context) bool {
	select {
	case s.slots <- struct{}{}:
		return true
	default:
	}

	if s.cfg.Server.Admission != "queue" || s.cfg.Server.QueueTimeout <= 0 {
		return false
	}

	timer := time.NewTimer(s.cfg.Server.QueueTimeout)
	defer timer.Stop()

	select {
	case s.slots <- struct{}{}:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *Server) trackConn(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrackConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// drain waits for in-flight sessions up to the grace period, then
// force-closes whatever remains. Closed client sockets unblock the
// relay loops, which release their buffers on the way out.
func (s *Server) drain() error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	grace := s.cfg.Server.ShutdownGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}

	select {
	case <-done:
		s.Logger.Info("all sessions drained")
		return nil
	case <-time.After(grace):
	}

	s.mu.Lock()
	remaining := len(s.conns)
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.Logger.Warn("force-closed sessions after grace period", "count", remaining)
	s.wg.Wait()
	return ErrShutdownTimeout
}

// ActiveSessions returns the number of sessions currently in flight.
func (s *Server) ActiveSessions() int {
	return len(s.slots)
}

func writeRateLimitResponse(conn net.Conn) {
	body := "session rate limit exceeded\n"
	resp := fmt.Sprintf(
		"HTTP/1.1 429 Too Many Requests\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\nRetry-After: 1\r\n\r\n%s",
		len(body), body)
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, _ = conn.Write([]byte(resp))
}

func writeBusyResponse(conn net.Conn) {
	body := "proxy busy, try again later\n"
	resp := fmt.Sprintf(
		"HTTP/1.1 503 Service Unavailable\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\nRetry-After: 1\r\n\r\n%s",
		len(body), body)
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, _ = conn.Write([]byte(resp))
}
