package sentinel

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testServerConfig() ServerConfig {
	return ServerConfig{
		MaxSessions:    16,
		Admission:      "reject",
		ConnectTimeout: 5 * time.Second,
		ChunkSize:      64 * 1024,
		BlockResponse:  "http",
		TransparentSNI: true,
	}
}

// newTestEnv builds a session environment around a pipe-connected
// client. The dial stub fails loudly unless replaced.
func newTestEnv(t *testing.T, cfg ServerConfig) *sessionEnv {
	t.Helper()
	return &sessionEnv{
		cfg:     cfg,
		pool:    NewBufferPool(16, 4, 2),
		metrics: NewMetrics(),
		logger:  discardLogger(),
		records: NewSessionLogger(discardLogger()),
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			t.Errorf("unexpected upstream dial to %s", addr)
			return nil, errors.New("dial not configured")
		},
	}
}

// runSession drives a session on the server end of a pipe and returns
// the client end plus a channel closed when the session terminates.
func runSession(env *sessionEnv) (net.Conn, *Session, chan struct{}) {
	client, server := net.Pipe()
	sess := newSession(env, server)
	done := make(chan struct{})
	go func() {
		sess.run(context.Background())
		close(done)
	}()
	return client, sess, done
}

func waitSession(t *testing.T, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not terminate")
	}
}

func TestSessionDeniedNeverDials(t *testing.T) {
	env := newTestEnv(t, testServerConfig())
	acl := newTestBlocker(t, "blocked.com")
	env.acl = acl

	client, sess, done := runSession(env)

	if _, err := client.Write([]byte("CONNECT blocked.com:443 HTTP/1.1\r\nHost: blocked.com:443\r\n\r\n")); err != nil {
		t.Fatal(err)
	}

	resp, err := io.ReadAll(client)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(resp), "HTTP/1.1 403 ") {
		t.Errorf("denied client got %q, want a 403 response", firstLine(resp))
	}

	waitSession(t, done)

	if sess.state != StateDenied {
		t.Errorf("final state = %v, want %v", sess.state, StateDenied)
	}
	if env.pool.Outstanding(SmallBufferSize) != 0 {
		t.Error("denied session leaked a buffer")
	}
}

func TestSessionDeniedSilent(t *testing.T) {
	cfg := testServerConfig()
	cfg.BlockResponse = "silent"
	env := newTestEnv(t, cfg)
	env.acl = newTestBlocker(t, "blocked.com")

	client, sess, done := runSession(env)

	if _, err := client.Write([]byte("CONNECT blocked.com:443 HTTP/1.1\r\n\r\n")); err != nil {
		t.Fatal(err)
	}

	resp, _ := io.ReadAll(client)
	if len(resp) != 0 {
		t.Errorf("silent denial wrote %q to the client", resp)
	}

	waitSession(t, done)
	if sess.state != StateDenied {
		t.Errorf("final state = %v, want %v", sess.state, StateDenied)
	}
}

func TestSessionProtocolError(t *testing.T) {
	env := newTestEnv(t, testServerConfig())

	client, sess, done := runSession(env)

	if _, err := client.Write([]byte("GET / HTTP/1.1\r\n\r\n")); err != nil {
		t.Fatal(err)
	}
	_, _ = io.ReadAll(client)

	waitSession(t, done)

	if sess.state != StateError {
		t.Errorf("final state = %v, want %v", sess.state, StateError)
	}
	if env.pool.Outstanding(SmallBufferSize) != 0 {
		t.Error("failed session leaked a buffer")
	}
}

func TestSessionMalformedConnect(t *testing.T) {
	tests := []struct {
		name    string
		request string
	}{
		{"no port", "CONNECT example.com HTTP/1.1\r\n\r\n"},
		{"missing version", "CONNECT example.com:443\r\n\r\n"},
		{"empty target", "CONNECT  HTTP/1.1\r\n\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, testServerConfig())
			client, sess, done := runSession(env)

			if _, err := client.Write([]byte(tt.request)); err != nil {
				t.Fatal(err)
			}
			_, _ = io.ReadAll(client)
			waitSession(t, done)

			if sess.state != StateError {
				t.Errorf("final state = %v, want %v", sess.state, StateError)
			}
		})
	}
}

func TestSessionRelayEndToEnd(t *testing.T) {
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = upstream.Close() }()

	clientPayload := make([]byte, 1000)
	for i := range clientPayload {
		clientPayload[i] = byte(i)
	}
	upstreamPayload := make([]byte, 2000)
	for i := range upstreamPayload {
		upstreamPayload[i] = byte(i * 3)
	}

	upstreamErr := make(chan error, 1)
	go func() {
		conn, err := upstream.Accept()
		if err != nil {
			upstreamErr <- err
			return
		}
		defer func() { _ = conn.Close() }()

		got := make([]byte, len(clientPayload))
		if _, err := io.ReadFull(conn, got); err != nil {
			upstreamErr <- fmt.Errorf("upstream read: %w", err)
			return
		}
		if _, err := conn.Write(upstreamPayload); err != nil {
			upstreamErr <- fmt.Errorf("upstream write: %w", err)
			return
		}
		upstreamErr <- nil
	}()

	env := newTestEnv(t, testServerConfig())
	env.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		if addr != "example.com:8080" {
			t.Errorf("dialed %s, want example.com:8080", addr)
		}
		return net.Dial("tcp", upstream.Addr().String())
	}

	client, sess, done := runSession(env)

	if _, err := client.Write([]byte("CONNECT example.com:8080 HTTP/1.1\r\n\r\n")); err != nil {
		t.Fatal(err)
	}
	readConnectResponse(t, client)

	if _, err := client.Write(clientPayload); err != nil {
		t.Fatal(err)
	}

	echoed := make([]byte, len(upstreamPayload))
	if _, err := io.ReadFull(client, echoed); err != nil {
		t.Fatalf("client read: %v", err)
	}
	for i := range echoed {
		if echoed[i] != upstreamPayload[i] {
			t.Fatalf("relayed byte %d = %d, want %d", i, echoed[i], upstreamPayload[i])
		}
	}

	_ = client.Close()
	waitSession(t, done)

	if err := <-upstreamErr; err != nil {
		t.Fatal(err)
	}
	if sess.mode != modeRelay {
		t.Errorf("mode = %v, want relay", sess.mode)
	}
	if sess.state != StateClosed {
		t.Errorf("final state = %v, want %v", sess.state, StateClosed)
	}
	if got := sess.bytesIn.Load(); got != int64(len(clientPayload)) {
		t.Errorf("bytesIn = %d, want %d", got, len(clientPayload))
	}
	if got := sess.bytesOut.Load(); got != int64(len(upstreamPayload)) {
		t.Errorf("bytesOut = %d, want %d", got, len(upstreamPayload))
	}
	if env.pool.Outstanding(env.cfg.ChunkSize) != 0 {
		t.Error("relay buffers not returned to the pool")
	}
}

// interceptFixture wires a proxy CA, an upstream CA trusted for
// validation, and a TLS upstream server presenting a leaf for
// "localhost".
type interceptFixture struct {
	proxyCA    *CAManager
	clientPool *x509.CertPool
	upstream   net.Listener
}

func newInterceptFixture(t *testing.T) *interceptFixture {
	t.Helper()

	proxyCfg := testTLSConfig(t)
	proxyCA := NewCAManager(proxyCfg)
	proxyCA.Logger = discardLogger()
	if err := proxyCA.InitRootCA(); err != nil {
		t.Fatal(err)
	}

	upstreamCA := NewCAManager(testTLSConfig(t))
	upstreamCA.Logger = discardLogger()
	if err := upstreamCA.InitRootCA(); err != nil {
		t.Fatal(err)
	}
	leaf, err := upstreamCA.IssueCertificate("localhost")
	if err != nil {
		t.Fatal(err)
	}

	// The proxy validates the upstream against its trusted roots.
	trustPath := filepath.Join(proxyCfg.TrustedCertsDir(), "upstream-ca.pem")
	if err := os.WriteFile(trustPath, upstreamCA.CACertPEM(), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := proxyCA.LoadTrustedCertificates(); err != nil {
		t.Fatal(err)
	}

	inner, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	upstream := tls.NewListener(inner, &tls.Config{Certificates: []tls.Certificate{*leaf}})

	clientPool := x509.NewCertPool()
	clientPool.AddCert(proxyCA.CACert())

	fx := &interceptFixture{proxyCA: proxyCA, clientPool: clientPool, upstream: upstream}
	t.Cleanup(func() { _ = upstream.Close() })
	return fx
}

func (fx *interceptFixture) serveEcho(t *testing.T) chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() {
		conn, err := fx.upstream.Accept()
		if err != nil {
			errCh <- err
			return
		}
		defer func() { _ = conn.Close() }()

		buf := make([]byte, 4096)
		n, err := conn.Read(buf)
		if err != nil {
			errCh <- fmt.Errorf("upstream read: %w", err)
			return
		}
		if _, err := conn.Write(append([]byte("echo:"), buf[:n]...)); err != nil {
			errCh <- fmt.Errorf("upstream write: %w", err)
			return
		}
		errCh <- nil
	}()
	return errCh
}

func TestSessionInterceptConnect(t *testing.T) {
	fx := newInterceptFixture(t)
	upstreamErr := fx.serveEcho(t)

	env := newTestEnv(t, testServerConfig())
	env.ca = fx.proxyCA
	env.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		if addr != "localhost:443" {
			t.Errorf("dialed %s, want localhost:443", addr)
		}
		return net.Dial("tcp", fx.upstream.Addr().String())
	}

	client, sess, done := runSession(env)

	if _, err := client.Write([]byte("CONNECT localhost:443 HTTP/1.1\r\n\r\n")); err != nil {
		t.Fatal(err)
	}
	readConnectResponse(t, client)

	// The proxy must present a leaf for localhost signed by its CA.
	tlsClient := tls.Client(client, &tls.Config{
		ServerName: "localhost",
		RootCAs:    fx.clientPool,
	})
	if err := tlsClient.Handshake(); err != nil {
		t.Fatalf("client handshake with intercepted leaf: %v", err)
	}

	if _, err := tlsClient.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	reply := make([]byte, len("echo:hello"))
	if _, err := io.ReadFull(tlsClient, reply); err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(reply) != "echo:hello" {
		t.Errorf("reply = %q, want echo:hello", reply)
	}

	_ = tlsClient.Close()
	_ = client.Close()
	waitSession(t, done)

	if err := <-upstreamErr; err != nil {
		t.Fatal(err)
	}
	if sess.mode != modeIntercept {
		t.Errorf("mode = %v, want intercept", sess.mode)
	}
	if sess.state != StateClosed {
		t.Errorf("final state = %v, want %v", sess.state, StateClosed)
	}
	if sess.bytesIn.Load() != int64(len("hello")) {
		t.Errorf("bytesIn = %d, want %d", sess.bytesIn.Load(), len("hello"))
	}
	if sess.bytesOut.Load() != int64(len("echo:hello")) {
		t.Errorf("bytesOut = %d, want %d", sess.bytesOut.Load(), len("echo:hello"))
	}
}

func TestSessionTransparentSNI(t *testing.T) {
	fx := newInterceptFixture(t)
	upstreamErr := fx.serveEcho(t)

	env := newTestEnv(t, testServerConfig())
	env.ca = fx.proxyCA
	env.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		if addr != "localhost:443" {
			t.Errorf("dialed %s, want localhost:443", addr)
		}
		return net.Dial("tcp", fx.upstream.Addr().String())
	}

	client, sess, done := runSession(env)

	// No CONNECT: the first bytes on the wire are the ClientHello.
	tlsClient := tls.Client(client, &tls.Config{
		ServerName: "localhost",
		RootCAs:    fx.clientPool,
	})
	if err := tlsClient.Handshake(); err != nil {
		t.Fatalf("transparent handshake: %v", err)
	}

	if _, err := tlsClient.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	reply := make([]byte, len("echo:ping"))
	if _, err := io.ReadFull(tlsClient, reply); err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(reply) != "echo:ping" {
		t.Errorf("reply = %q, want echo:ping", reply)
	}

	_ = tlsClient.Close()
	_ = client.Close()
	waitSession(t, done)

	if err := <-upstreamErr; err != nil {
		t.Fatal(err)
	}
	if sess.target != "localhost:443" {
		t.Errorf("target = %q, want localhost:443", sess.target)
	}
	if sess.mode != modeIntercept {
		t.Errorf("mode = %v, want intercept", sess.mode)
	}
}

func TestSessionBypassSkipsInterception(t *testing.T) {
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = upstream.Close() }()

	go func() {
		conn, err := upstream.Accept()
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		_, _ = conn.Write(buf[:n])
	}()

	env := newTestEnv(t, testServerConfig())
	env.bypass = NewBypass("pinned.example.com")
	env.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		return net.Dial("tcp", upstream.Addr().String())
	}

	client, sess, done := runSession(env)

	// Port 443 would normally intercept; the bypass list downgrades the
	// session to a plain tunnel, so unencrypted bytes pass untouched.
	if _, err := client.Write([]byte("CONNECT pinned.example.com:443 HTTP/1.1\r\n\r\n")); err != nil {
		t.Fatal(err)
	}
	readConnectResponse(t, client)

	if _, err := client.Write([]byte("raw bytes")); err != nil {
		t.Fatal(err)
	}
	reply := make([]byte, len("raw bytes"))
	if _, err := io.ReadFull(client, reply); err != nil {
		t.Fatal(err)
	}
	if string(reply) != "raw bytes" {
		t.Errorf("reply = %q, want raw bytes", reply)
	}

	_ = client.Close()
	waitSession(t, done)

	if sess.mode != modeRelay {
		t.Errorf("mode = %v, want relay for bypassed host", sess.mode)
	}
}

func TestSessionRelaysWhenCAUnready(t *testing.T) {
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = upstream.Close() }()

	go func() {
		conn, err := upstream.Accept()
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		_, _ = conn.Write(buf[:n])
	}()

	env := newTestEnv(t, testServerConfig())
	// Root CA initialization failed at startup: the manager exists but
	// holds no material. Port 443 must tunnel instead of dying at leaf
	// issuance.
	env.ca = NewCAManager(testTLSConfig(t))
	env.ca.Logger = discardLogger()
	env.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		return net.Dial("tcp", upstream.Addr().String())
	}

	client, sess, done := runSession(env)

	if _, err := client.Write([]byte("CONNECT example.com:443 HTTP/1.1\r\n\r\n")); err != nil {
		t.Fatal(err)
	}
	readConnectResponse(t, client)

	if _, err := client.Write([]byte("opaque")); err != nil {
		t.Fatal(err)
	}
	reply := make([]byte, len("opaque"))
	if _, err := io.ReadFull(client, reply); err != nil {
		t.Fatal(err)
	}
	if string(reply) != "opaque" {
		t.Errorf("reply = %q, want opaque", reply)
	}

	_ = client.Close()
	waitSession(t, done)

	if sess.mode != modeRelay {
		t.Errorf("mode = %v, want relay when no CA is loaded", sess.mode)
	}
	if sess.state != StateClosed {
		t.Errorf("final state = %v, want %v", sess.state, StateClosed)
	}
}

func TestSessionShutdownForceCloseIsClean(t *testing.T) {
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = upstream.Close() }()

	go func() {
		conn, err := upstream.Accept()
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		_, _ = conn.Write(buf[:n])
		// Hold the connection open until the force-close.
		_, _ = conn.Read(buf)
	}()

	env := newTestEnv(t, testServerConfig())
	env.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		return net.Dial("tcp", upstream.Addr().String())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, server := net.Pipe()
	sess := newSession(env, server)
	done := make(chan struct{})
	go func() {
		sess.run(ctx)
		close(done)
	}()

	if _, err := client.Write([]byte("CONNECT example.com:8080 HTTP/1.1\r\n\r\n")); err != nil {
		t.Fatal(err)
	}
	readConnectResponse(t, client)

	if _, err := client.Write([]byte("live")); err != nil {
		t.Fatal(err)
	}
	reply := make([]byte, len("live"))
	if _, err := io.ReadFull(client, reply); err != nil {
		t.Fatal(err)
	}

	// Drain timeout hit: the server cancels the context and tears both
	// sockets out from under the relay.
	cancel()
	sess.closeConns()
	waitSession(t, done)

	if sess.state != StateClosed {
		t.Errorf("final state = %v, want %v (forced shutdown is a clean close)", sess.state, StateClosed)
	}
}

func TestSessionUpstreamDialFailure(t *testing.T) {
	env := newTestEnv(t, testServerConfig())
	env.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}

	client, sess, done := runSession(env)

	if _, err := client.Write([]byte("CONNECT example.com:8080 HTTP/1.1\r\n\r\n")); err != nil {
		t.Fatal(err)
	}
	readConnectResponse(t, client)

	resp, err := io.ReadAll(client)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(resp), "HTTP/1.1 502 ") {
		t.Errorf("client got %q, want a 502 response", firstLine(resp))
	}

	waitSession(t, done)

	if sess.state != StateError {
		t.Errorf("final state = %v, want %v", sess.state, StateError)
	}
	if env.pool.Outstanding(SmallBufferSize) != 0 {
		t.Error("failed session leaked a buffer")
	}
}

func TestSessionConnectOverRead(t *testing.T) {
	// Bytes sent immediately after the CONNECT headers belong to the
	// tunnel and must reach the upstream.
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = upstream.Close() }()

	got := make(chan []byte, 1)
	go func() {
		conn, err := upstream.Accept()
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		buf := make([]byte, 64)
		n, _ := io.ReadFull(conn, buf[:5])
		got <- append([]byte(nil), buf[:n]...)
	}()

	env := newTestEnv(t, testServerConfig())
	env.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		return net.Dial("tcp", upstream.Addr().String())
	}

	client, _, done := runSession(env)

	// Headers and early tunnel bytes arrive in one write.
	if _, err := client.Write([]byte("CONNECT example.com:8080 HTTP/1.1\r\n\r\nearly")); err != nil {
		t.Fatal(err)
	}
	readConnectResponse(t, client)

	select {
	case data := <-got:
		if string(data) != "early" {
			t.Errorf("upstream received %q, want early", data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("over-read bytes never reached the upstream")
	}

	_ = client.Close()
	waitSession(t, done)
}

func TestSessionIdleTimeout(t *testing.T) {
	cfg := testServerConfig()
	cfg.IdleTimeout = 200 * time.Millisecond

	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = upstream.Close() }()
	go func() {
		conn, err := upstream.Accept()
		if err != nil {
			return
		}
		// Hold the connection open without sending anything.
		buf := make([]byte, 1)
		_, _ = conn.Read(buf)
		_ = conn.Close()
	}()

	env := newTestEnv(t, cfg)
	env.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		return net.Dial("tcp", upstream.Addr().String())
	}

	client, sess, done := runSession(env)

	if _, err := client.Write([]byte("CONNECT example.com:8080 HTTP/1.1\r\n\r\n")); err != nil {
		t.Fatal(err)
	}
	readConnectResponse(t, client)

	// Send nothing further; the idle watchdog must end the session.
	start := time.Now()
	waitSession(t, done)

	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("idle close took %v", elapsed)
	}
	if sess.state != StateClosed {
		t.Errorf("final state = %v, want %v (idle close is clean)", sess.state, StateClosed)
	}
}

func TestExtractSNI(t *testing.T) {
	// Capture a real ClientHello off a pipe.
	c1, c2 := net.Pipe()
	go func() {
		tlsConn := tls.Client(c1, &tls.Config{ServerName: "sni.example.com", InsecureSkipVerify: true})
		_ = tlsConn.Handshake()
	}()

	header := make([]byte, 5)
	if _, err := io.ReadFull(c2, header); err != nil {
		t.Fatal(err)
	}
	if header[0] != 0x16 {
		t.Fatalf("first byte = %#x, want TLS handshake record", header[0])
	}
	length := int(header[3])<<8 | int(header[4])
	record := make([]byte, length)
	if _, err := io.ReadFull(c2, record); err != nil {
		t.Fatal(err)
	}
	_ = c2.Close()

	sni, err := extractSNI(record)
	if err != nil {
		t.Fatalf("extractSNI failed: %v", err)
	}
	if sni != "sni.example.com" {
		t.Errorf("sni = %q, want sni.example.com", sni)
	}
}

func TestExtractSNIMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"not a hello", []byte{0x02, 0, 0, 0}},
		{"truncated", []byte{0x01, 0, 0, 10, 3, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := extractSNI(tt.data); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func readConnectResponse(t *testing.T, conn net.Conn) {
	t.Helper()
	want := "HTTP/1.1 200 Connection Established\r\n\r\n"
	buf := make([]byte, len(want))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read connect response: %v", err)
	}
	if string(buf) != want {
		t.Fatalf("connect response = %q", buf)
	}
}

func firstLine(b []byte) string {
	if i := strings.Index(string(b), "\r\n"); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
