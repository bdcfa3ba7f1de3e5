package server

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"
)

func fatalIfErr(t *testing.T, err error, format string, args ...interface{}) {
	t.Helper()
	if err != nil {
		t.Fatalf(format+": %v", append(args, err)...)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestServer returns a server over a writable temporary root, with control
// port 21 and passive range 40000-40009 advertised as 203.0.113.9.
func newTestServer(t *testing.T, opts ...Option) (*Server, string) {
	t.Helper()
	rootDir := t.TempDir()
	driver, err := NewFSDriver(rootDir, WithAnonWrite(true))
	fatalIfErr(t, err, "Failed to create FS driver")

	base := []Option{
		WithDriver(driver),
		WithLogger(discardLogger()),
		WithControlPort(21),
		WithPassivePortRange(40000, 40009),
		WithPassiveHost("203.0.113.9"),
	}
	s, err := NewServer("127.0.0.1:0", append(base, opts...)...)
	fatalIfErr(t, err, "Failed to create server")
	return s, rootDir
}

// newStoppedRouter returns a router whose event loop is not running and
// refuses messages, for tests that drive its handlers directly.
func newStoppedRouter(s *Server) *router {
	r := newRouter(s)
	close(r.done)
	return r
}

// newTestSession returns a logged-in session whose control connection came
// from source and was proxied to 203.0.113.9:21.
func newTestSession(t *testing.T, s *Server, r *router, source string) *session {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() {
		serverSide.Close()
		clientSide.Close()
	})

	pc := ProxyConnection{
		Source:      netip.MustParseAddrPort(source),
		Destination: netip.MustParseAddrPort("203.0.113.9:21"),
	}
	sess := newSession(s, r, serverSide, pc)

	fs, err := s.driver.Authenticate("anonymous", "")
	fatalIfErr(t, err, "Failed to authenticate")
	sess.fs = fs
	sess.isLoggedIn = true
	t.Cleanup(func() {
		sess.closeOnce.Do(func() { close(sess.done) })
		fs.Close()
	})
	return sess
}

func proxyConn(source, destination string) ProxyConnection {
	return ProxyConnection{
		Source:      netip.MustParseAddrPort(source),
		Destination: netip.MustParseAddrPort(destination),
	}
}

// expectClosed fails unless the peer of conn closes it promptly.
func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	for {
		_, err := conn.Read(buf)
		if err == nil {
			continue
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			t.Fatal("connection was not closed")
		}
		return
	}
}

// recordingMetrics is a concurrency-safe MetricsCollector for tests.
type recordingMetrics struct {
	mu           sync.Mutex
	connections  []string
	reservations []bool
	transfers    []string
}

func (m *recordingMetrics) RecordConnection(kind string, accepted bool, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections = append(m.connections, fmt.Sprintf("%s/%v/%s", kind, accepted, reason))
}

func (m *recordingMetrics) RecordPortReservation(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reservations = append(m.reservations, success)
}

func (m *recordingMetrics) RecordTransfer(operation string, bytes int64, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transfers = append(m.transfers, fmt.Sprintf("%s/%d", operation, bytes))
}

func (m *recordingMetrics) snapshot() (connections []string, reservations []bool, transfers []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.connections...),
		append([]bool(nil), m.reservations...),
		append([]string(nil), m.transfers...)
}
