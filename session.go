package sentinel

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// SessionState tracks a session through its lifecycle. Within a
// session the sequence is strict; the two relay directions inside
// StateRelaying progress with no relative ordering.
type SessionState int32

const (
	StateAccepted SessionState = iota
	StateTargetParsed
	StateACLChecked
	StateDenied
	StateCertReady
	StateClientTLSEstablished
	StateUpstreamConnected
	StateUpstreamTLSEstablished
	StateRelaying
	StateClosing
	StateClosed
	StateError
)

var stateNames = map[SessionState]string{
	StateAccepted:               "accepted",
	StateTargetParsed:           "target_parsed",
	StateACLChecked:             "acl_checked",
	StateDenied:                 "denied",
	StateCertReady:              "cert_ready",
	StateClientTLSEstablished:   "client_tls_established",
	StateUpstreamConnected:      "upstream_connected",
	StateUpstreamTLSEstablished: "upstream_tls_established",
	StateRelaying:               "relaying",
	StateClosing:                "closing",
	StateClosed:                 "closed",
	StateError:                  "error",
}

func (s SessionState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// sessionMode is the protocol variant, chosen once at target-parse
// time: intercept terminates client TLS with an issued leaf and speaks
// TLS to the upstream; relay tunnels bytes untouched.
type sessionMode int

const (
	modeIntercept sessionMode = iota
	modeRelay
)

func (m sessionMode) String() string {
	if m == modeIntercept {
		return "intercept"
	}
	return "relay"
}

// sessionEnv bundles the long-lived collaborators shared by every
// session. The server owns one env for its lifetime.
type sessionEnv struct {
	cfg     ServerConfig
	ca      *CAManager
	acl     *DomainBlocker
	pool    *BufferPool
	bypass  *Bypass
	metrics *Metrics
	logger  *slog.Logger
	records *SessionLogger

	// dial is the upstream dial collaborator, replaceable in tests.
	dial func(ctx context.Context, addr string) (net.Conn, error)
}

// Session is the per-connection state machine. One is created per
// accepted connection and destroyed on reaching a terminal state;
// sessions share no state with each other.
type Session struct {
	id  string
	env *sessionEnv

	client   net.Conn
	upstream net.Conn

	target string // host:port
	host   string // normalized hostname
	mode   sessionMode
	state  SessionState
	denied bool

	bytesIn  atomic.Int64 // client -> upstream
	bytesOut atomic.Int64 // upstream -> client

	lastActivity atomic.Int64 // unix nanos
	start        time.Time

	closeOnce sync.Once
}

func newSession(env *sessionEnv, conn net.Conn) *Session {
	s := &Session{
		id:     uuid.NewString(),
		env:    env,
		client: conn,
		state:  StateAccepted,
		start:  time.Now(),
	}
	s.touch()
	return s
}

func (s *Session) setState(st SessionState) {
	s.state = st
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// run drives the session to a terminal state. All failures are
// session-scope: they are logged, recorded, and never propagate.
func (s *Session) run(ctx context.Context) {
	err := s.process(ctx)

	s.setState(StateClosing)
	s.closeConns()

	final := StateClosed
	if s.denied {
		final = StateDenied
	} else if err != nil {
		final = StateError
	}
	s.setState(final)

	duration := time.Since(s.start)
	rec := SessionRecord{
		ID:         s.id,
		StartTime:  s.start,
		ClientAddr: s.client.RemoteAddr().String(),
		Target:     s.target,
		Mode:       s.mode.String(),
		FinalState: final.String(),
		BytesIn:    s.bytesIn.Load(),
		BytesOut:   s.bytesOut.Load(),
		Duration:   duration,
	}

	if err != nil {
		kind := KindOf(err)
		rec.ErrorKind = string(kind)
		rec.Error = err.Error()
		if s.env.metrics != nil {
			s.env.metrics.RecordSessionError(kind)
		}
		s.env.logger.Debug("session failed", "session", s.id, "target", s.target, "error", err)
	}

	if s.env.metrics != nil {
		s.env.metrics.RecordSessionDuration(duration)
	}
	if s.env.records != nil {
		s.env.records.Log(rec)
	}
}

// process runs the non-terminal states in order. The returned error is
// nil for a clean close or an ACL denial.
func (s *Session) process(ctx context.Context) error {
	initial, err := s.parseTarget()
	if err != nil {
		return err
	}
	s.setState(StateTargetParsed)

	if s.env.acl != nil && s.env.acl.IsBlocked(s.host) {
		s.denied = true
		if s.env.metrics != nil {
			s.env.metrics.RecordDenied()
		}
		if s.env.cfg.BlockResponse == "http" && initial.connect {
			s.writeBlockResponse()
		}
		return nil
	}
	s.setState(StateACLChecked)

	if s.mode == modeIntercept && s.env.bypass != nil && s.env.bypass.Contains(s.host) {
		s.mode = modeRelay
		s.env.logger.Debug("interception bypassed", "session", s.id, "host", s.host)
	}

	// Without CA material the proxy cannot terminate client TLS; tunnel
	// instead of failing every HTTPS session at issuance.
	if s.mode == modeIntercept && (s.env.ca == nil || !s.env.ca.Ready()) {
		s.mode = modeRelay
		s.env.logger.Debug("interception unavailable, relaying", "session", s.id, "host", s.host)
	}

	var clientConn net.Conn = s.client
	if len(initial.replay) > 0 {
		clientConn = &prefixConn{Conn: s.client, prefix: bytes.NewReader(initial.replay)}
	}

	if initial.connect {
		if _, err := s.client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
			return E(KindInternal, "write connect response", err)
		}
	}

	if s.mode == modeIntercept {
		// Issuing before the handshake keeps certificate failures out
		// of the TLS alert path; the cache hit is the common case.
		if _, err := s.env.ca.IssueCertificate(s.host); err != nil {
			return err
		}
		s.setState(StateCertReady)

		tlsClient := tls.Server(clientConn, &tls.Config{
			GetCertificate: s.env.ca.CertificateFor(s.host),
		})
		if err := tlsClient.HandshakeContext(ctx); err != nil {
			return E(KindTLS, "client handshake", err)
		}
		s.setState(StateClientTLSEstablished)
		clientConn = tlsClient
	}

	upstream, err := s.dialUpstream(ctx)
	if err != nil {
		if initial.connect {
			// The client already saw 200; the gateway error rides the
			// established stream.
			s.writeErrorResponse(clientConn, err)
		}
		return err
	}
	s.upstream = upstream
	s.setState(StateUpstreamConnected)

	var upstreamConn net.Conn = upstream
	if s.mode == modeIntercept {
		tlsUpstream := tls.Client(upstream, s.env.ca.UpstreamTLSConfig(s.host))
		if err := tlsUpstream.HandshakeContext(ctx); err != nil {
			if initial.connect {
				s.writeErrorResponse(clientConn, err)
			}
			return E(KindTLS, "upstream handshake", err)
		}
		s.setState(StateUpstreamTLSEstablished)
		upstreamConn = tlsUpstream
	}

	s.setState(StateRelaying)
	return s.relay(ctx, clientConn, upstreamConn)
}

// initialRead carries what target parsing learned from the first bytes.
type initialRead struct {
	// connect is true when the client sent a CONNECT request.
	connect bool

	// replay holds consumed bytes that belong to the tunneled stream
	// and must be presented to the client-side reader again.
	replay []byte
}

// parseTarget reads the initial client exchange into a pooled buffer
// and extracts the target host:port, either from a CONNECT request or,
// in transparent mode, from the TLS ClientHello SNI.
func (s *Session) parseTarget() (initialRead, error) {
	buf, err := s.env.pool.Acquire(SmallBufferSize)
	if err != nil {
		return initialRead{}, err
	}
	defer s.env.pool.Release(buf)

	if s.env.cfg.IdleTimeout > 0 {
		_ = s.client.SetReadDeadline(time.Now().Add(s.env.cfg.IdleTimeout))
		defer func() { _ = s.client.SetReadDeadline(time.Time{}) }()
	}

	data := buf.Bytes()
	n, err := s.client.Read(data)
	if err != nil {
		return initialRead{}, E(KindProtocol, "read initial request", err)
	}

	if n >= 8 && string(data[:8]) == "CONNECT " {
		return s.parseConnect(data, n)
	}

	if s.env.cfg.TransparentSNI && n > 0 && data[0] == 0x16 {
		return s.parseClientHello(data, n)
	}

	return initialRead{}, Errorf(KindProtocol, "parse target", "unrecognized initial bytes from %s", s.client.RemoteAddr())
}

// parseConnect consumes a CONNECT request through the end of its
// headers. Anything read beyond the blank line is replayed into the
// tunnel.
func (s *Session) parseConnect(data []byte, n int) (initialRead, error) {
	for !bytes.Contains(data[:n], []byte("\r\n\r\n")) {
		if n == len(data) {
			return initialRead{}, Errorf(KindProtocol, "parse connect", "request headers exceed %d bytes", len(data))
		}
		m, err := s.client.Read(data[n:])
		if err != nil {
			return initialRead{}, E(KindProtocol, "read connect headers", err)
		}
		n += m
	}

	headerEnd := bytes.Index(data[:n], []byte("\r\n\r\n")) + 4
	lineEnd := bytes.Index(data[:headerEnd], []byte("\r\n"))
	line := string(data[:lineEnd])

	parts := strings.Fields(line)
	if len(parts) != 3 || parts[0] != "CONNECT" || !strings.HasPrefix(parts[2], "HTTP/") {
		return initialRead{}, Errorf(KindProtocol, "parse connect", "malformed request line %q", line)
	}

	target := parts[1]
	host, port, err := net.SplitHostPort(target)
	if err != nil || host == "" {
		return initialRead{}, Errorf(KindProtocol, "parse connect", "malformed target %q", target)
	}

	s.target = target
	s.host = normalizeHost(host)
	s.mode = modeRelay
	if port == "443" {
		s.mode = modeIntercept
	}

	var replay []byte
	if headerEnd < n {
		replay = append(replay, data[headerEnd:n]...)
	}
	return initialRead{connect: true, replay: replay}, nil
}

// parseClientHello sniffs the SNI from a TLS ClientHello without a
// preceding CONNECT. The consumed bytes are replayed so the client-side
// handshake sees the full hello.
func (s *Session) parseClientHello(data []byte, n int) (initialRead, error) {
	// Complete the first TLS record before parsing.
	for n < 5 || n < 5+recordLength(data) {
		if n == len(data) {
			return initialRead{}, Errorf(KindProtocol, "parse client hello", "record exceeds %d bytes", len(data))
		}
		m, err := s.client.Read(data[n:])
		if err != nil {
			return initialRead{}, E(KindProtocol, "read client hello", err)
		}
		n += m
	}

	sni, err := extractSNI(data[5 : 5+recordLength(data)])
	if err != nil {
		return initialRead{}, E(KindProtocol, "parse client hello", err)
	}

	s.host = normalizeHost(sni)
	s.target = net.JoinHostPort(s.host, "443")
	s.mode = modeIntercept

	replay := append([]byte(nil), data[:n]...)
	return initialRead{replay: replay}, nil
}

func recordLength(data []byte) int {
	return int(data[3])<<8 | int(data[4])
}

func (s *Session) dialUpstream(ctx context.Context) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.env.cfg.ConnectTimeout)
	defer cancel()

	conn, err := s.env.dial(dialCtx, s.target)
	if err != nil {
		return nil, E(KindUpstream, "dial upstream", err)
	}
	return conn, nil
}

// relay runs the two copy directions until both see end-of-stream, an
// I/O error occurs, the idle window elapses, or ctx is canceled.
func (s *Session) relay(ctx context.Context, client, upstream net.Conn) error {
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go s.idleWatch(watchCtx)

	g := new(errgroup.Group)

	g.Go(func() error {
		return s.copyDirection(upstream, client, &s.bytesIn, DirClientToUpstream)
	})
	g.Go(func() error {
		return s.copyDirection(client, upstream, &s.bytesOut, DirUpstreamToClient)
	})

	err := g.Wait()
	if err != nil && (s.idleExpired() || ctx.Err() != nil) {
		// Idle-window and shutdown force-closes surface as
		// read-on-closed errors in both directions; they are clean
		// ends, not faults.
		return nil
	}
	return err
}

// copyDirection pumps bytes one way using a pooled chunk buffer. On
// end-of-stream it forwards a half-close to the peer and stops; the
// opposite direction keeps running.
func (s *Session) copyDirection(dst, src net.Conn, counter *atomic.Int64, direction string) error {
	buf, err := s.env.pool.Acquire(s.env.cfg.ChunkSize)
	if err != nil {
		s.closeConns()
		return err
	}
	defer s.env.pool.Release(buf)

	data := buf.Bytes()
	if len(data) > s.env.cfg.ChunkSize {
		data = data[:s.env.cfg.ChunkSize]
	}

	for {
		n, rerr := src.Read(data)
		if n > 0 {
			s.touch()
			counter.Add(int64(n))
			if s.env.metrics != nil {
				s.env.metrics.RecordBytesRelayed(direction, int64(n))
			}
			if _, werr := dst.Write(data[:n]); werr != nil {
				s.closeConns()
				return E(KindInternal, "relay write", werr)
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				halfClose(dst)
				return nil
			}
			s.closeConns()
			return E(KindInternal, "relay read", rerr)
		}
	}
}

// idleWatch force-closes both sockets when no bytes move in either
// direction for the idle window, or when the session context ends.
func (s *Session) idleWatch(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.idleExpired() {
				s.closeConns()
				return
			}
		}
	}
}

func (s *Session) idleExpired() bool {
	idle := s.env.cfg.IdleTimeout
	if idle <= 0 {
		return false
	}
	last := time.Unix(0, s.lastActivity.Load())
	return time.Since(last) >= idle
}

func (s *Session) closeConns() {
	s.closeOnce.Do(func() {
		_ = s.client.Close()
		if s.upstream != nil {
			_ = s.upstream.Close()
		}
	})
}

// closeWriter is satisfied by *net.TCPConn and *tls.Conn.
type closeWriter interface {
	CloseWrite() error
}

func halfClose(conn net.Conn) {
	if cw, ok := conn.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
}

// writeBlockResponse answers a denied CONNECT with a 403 before
// closing. The upstream is never contacted on this path.
func (s *Session) writeBlockResponse() {
	body := fmt.Sprintf("access to %s is blocked by policy\n", s.host)
	resp := fmt.Sprintf(
		"HTTP/1.1 403 Forbidden\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		len(body), body)
	_, _ = s.client.Write([]byte(resp))
}

// writeErrorResponse notifies the client of an upstream failure before
// close. In intercept mode this rides the established TLS stream.
func (s *Session) writeErrorResponse(w io.Writer, err error) {
	body := fmt.Sprintf("upstream unreachable: %v\n", err)
	resp := fmt.Sprintf(
		"HTTP/1.1 502 Bad Gateway\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		len(body), body)
	_, _ = w.Write([]byte(resp))
}

// prefixConn replays already-consumed bytes ahead of the underlying
// connection's stream.
type prefixConn struct {
	net.Conn
	prefix *bytes.Reader
}

func (c *prefixConn) Read(p []byte) (int, error) {
	if c.prefix.Len() > 0 {
		return c.prefix.Read(p)
	}
	return c.Conn.Read(p)
}

func (c *prefixConn) CloseWrite() error {
	if cw, ok := c.Conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return nil
}

// extractSNI parses the server_name extension out of a TLS ClientHello
// handshake message.
func extractSNI(hello []byte) (string, error) {
	if len(hello) < 4 || hello[0] != 0x01 {
		return "", errors.New("not a client hello")
	}

	b := hello[4:] // skip handshake type and length

	// client_version + random
	if len(b) < 34 {
		return "", errors.New("client hello truncated")
	}
	b = b[34:]

	// session_id
	if len(b) < 1 || len(b) < 1+int(b[0]) {
		return "", errors.New("client hello truncated")
	}
	b = b[1+int(b[0]):]

	// cipher_suites
	if len(b) < 2 {
		return "", errors.New("client hello truncated")
	}
	csLen := int(b[0])<<8 | int(b[1])
	if len(b) < 2+csLen {
		return "", errors.New("client hello truncated")
	}
	b = b[2+csLen:]

	// compression_methods
	if len(b) < 1 || len(b) < 1+int(b[0]) {
		return "", errors.New("client hello truncated")
	}
	b = b[1+int(b[0]):]

	// extensions
	if len(b) < 2 {
		return "", errors.New("no extensions")
	}
	extLen := int(b[0])<<8 | int(b[1])
	b = b[2:]
	if len(b) < extLen {
		return "", errors.New("extensions truncated")
	}
	b = b[:extLen]

	for len(b) >= 4 {
		extType := int(b[0])<<8 | int(b[1])
		length := int(b[2])<<8 | int(b[3])
		b = b[4:]
		if len(b) < length {
			return "", errors.New("extension truncated")
		}

		if extType == 0 { // server_name
			ext := b[:length]
			if len(ext) < 2 {
				return "", errors.New("server_name extension truncated")
			}
			listLen := int(ext[0])<<8 | int(ext[1])
			ext = ext[2:]
			if len(ext) < listLen {
				return "", errors.New("server_name list truncated")
			}
			for len(ext) >= 3 {
				nameType := ext[0]
				nameLen := int(ext[1])<<8 | int(ext[2])
				ext = ext[3:]
				if len(ext) < nameLen {
					return "", errors.New("server_name entry truncated")
				}
				if nameType == 0 {
					return string(ext[:nameLen]), nil
				}
				ext = ext[nameLen:]
			}
			return "", errors.New("no host_name entry")
		}

		b = b[length:]
	}

	return "", errors.New("no server_name extension")
}
