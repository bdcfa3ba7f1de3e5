package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gonzalop/proxyftp/internal/ratelimit"
)

// Server is an FTP server running behind a PROXY protocol load balancer.
//
// A single external TCP port carries both control and data connections. The
// upstream proxy prefixes every connection with a PROXY header, and the server
// uses the original destination port from that header to tell them apart:
// connections to the configured control port start a session, connections to
// a port of the passive range are matched to the session that was told to
// expect them.
//
// Lifecycle:
//  1. Create server with NewServer()
//  2. Start with ListenAndServe() or Serve()
//  3. Call Shutdown() to stop accepting, release passive ports and close
//     every connection
//
// Example:
//
//	driver, _ := server.NewFSDriver("/srv/ftp")
//	s, err := server.NewServer(":2121",
//	    server.WithDriver(driver),
//	    server.WithControlPort(21),
//	    server.WithPassivePortRange(40000, 40100),
//	    server.WithPassiveHost("203.0.113.9"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(s.ListenAndServe())
type Server struct {
	// addr is the bind address of the shared external port (e.g., ":2121").
	addr string

	// driver is the backend driver for authentication and file operations.
	driver Driver

	// logger is the logger instance.
	logger *slog.Logger

	// controlPort is the destination port, as seen in PROXY headers, that
	// identifies control connections.
	controlPort uint16

	// pasvMinPort and pasvMaxPort bound the advertised passive ports.
	pasvMinPort uint16
	pasvMaxPort uint16

	// passiveHost is the address advertised in PASV replies. If empty, the
	// proxied destination address of the control connection is used.
	passiveHost string
	resolver    *hostResolver

	// reservationTTL is how long a reserved passive port waits for its data
	// connection. Defaults to 30 seconds.
	reservationTTL time.Duration

	headerParser HeaderParser

	// headerTimeout bounds reading the PROXY header. Defaults to 10 seconds.
	headerTimeout time.Duration

	// dataTimeout bounds how long a matched data connection waits for a
	// transfer command. Defaults to 30 seconds.
	dataTimeout time.Duration

	// welcomeMessage is the banner sent to clients on connection.
	welcomeMessage string

	// maxIdleTime is the maximum time a control connection can be idle.
	maxIdleTime time.Duration

	// writeTimeout bounds each reply write on the control connection.
	writeTimeout time.Duration

	// disabledCommands are answered with 502. Nil means all enabled.
	disabledCommands map[string]bool

	// maxConnections is the maximum number of simultaneous sessions.
	// If 0, there is no limit.
	maxConnections int
	activeConns    atomic.Int32

	// globalLimiter throttles all data transfers together, if set.
	globalLimiter *ratelimit.Limiter

	metricsCollector MetricsCollector

	// Shutdown handling
	mu         sync.Mutex
	listeners  map[net.Listener]context.CancelFunc
	conns      map[net.Conn]struct{}
	inShutdown atomic.Bool
}

// ErrServerClosed is returned by Serve and ListenAndServe after a call to
// Shutdown.
var ErrServerClosed = errors.New("ftp: Server closed")

// NewServer creates a new server bound to addr once started.
// The driver, control port and passive port range must be provided.
//
// Default values:
//   - Logger: slog.Default()
//   - HeaderParser: ProxyProtocolParser
//   - HeaderTimeout: 10 seconds
//   - ReservationTTL: 30 seconds
//   - DataTimeout: 30 seconds
//   - MaxIdleTime: 5 minutes
//   - MaxConnections: 0 (unlimited)
func NewServer(addr string, options ...Option) (*Server, error) {
	s := &Server{
		addr:           addr,
		logger:         slog.Default(),
		headerParser:   ProxyProtocolParser{},
		headerTimeout:  10 * time.Second,
		reservationTTL: 30 * time.Second,
		dataTimeout:    30 * time.Second,
		welcomeMessage: "FTP Server Ready",
		maxIdleTime:    5 * time.Minute,
		writeTimeout:   30 * time.Second,
		listeners:      make(map[net.Listener]context.CancelFunc),
		conns:          make(map[net.Conn]struct{}),
	}

	for _, opt := range options {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if err := s.validate(); err != nil {
		return nil, err
	}

	s.resolver = newHostResolver(time.Minute)
	return s, nil
}

func (s *Server) validate() error {
	if s.driver == nil {
		return fmt.Errorf("driver is required (use WithDriver option)")
	}
	if s.controlPort == 0 {
		return fmt.Errorf("control port is required (use WithControlPort option)")
	}
	if s.pasvMinPort == 0 || s.pasvMaxPort < s.pasvMinPort {
		return fmt.Errorf("passive port range is required (use WithPassivePortRange option)")
	}
	if s.controlPort >= s.pasvMinPort && s.controlPort <= s.pasvMaxPort {
		return fmt.Errorf("control port %d overlaps passive range %d-%d", s.controlPort, s.pasvMinPort, s.pasvMaxPort)
	}
	if s.reservationTTL <= 0 {
		return fmt.Errorf("reservation TTL must be positive")
	}
	return nil
}

// ListenAndServe binds the shared external port and calls Serve.
func (s *Server) ListenAndServe() error {
	ln, err := listen(context.Background(), s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.logger.Info("FTP server listening",
		"addr", s.addr,
		"control_port", s.controlPort,
		"passive_range", fmt.Sprintf("%d-%d", s.pasvMinPort, s.pasvMaxPort),
	)
	return s.Serve(ln)
}

// Serve accepts proxied connections on l and routes them until Shutdown is
// called or l fails. It always returns a non-nil error; after Shutdown the
// error is ErrServerClosed.
//
// Each call runs its own router and switchboard.
func (s *Server) Serve(l net.Listener) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.mu.Lock()
	if s.inShutdown.Load() {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listeners[l] = cancel
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.listeners, l)
		s.mu.Unlock()
		l.Close()
	}()

	r := newRouter(s)
	accepted := make(chan net.Conn)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return r.acceptLoop(gctx, trackingListener{Listener: l, server: s}, accepted)
	})
	g.Go(func() error {
		return r.run(gctx, accepted)
	})
	err := g.Wait()

	if s.inShutdown.Load() {
		return ErrServerClosed
	}
	if err == nil {
		err = fmt.Errorf("ftp: listener %s stopped", l.Addr())
	}
	return err
}

// Shutdown stops every running Serve, releases reserved passive ports, and
// closes all active connections. It is safe to call more than once.
func (s *Server) Shutdown() error {
	if s.inShutdown.Swap(true) {
		return nil
	}

	s.mu.Lock()
	listeners := s.listeners
	s.listeners = make(map[net.Listener]context.CancelFunc)
	conns := s.conns
	s.conns = make(map[net.Conn]struct{})
	s.mu.Unlock()

	var err error
	for l, cancel := range listeners {
		cancel()
		if cerr := l.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	}

	for conn := range maps.Keys(conns) {
		conn.Close()
	}

	return err
}

// trackConnection returns false if we're shutting down.
func (s *Server) trackConnection(conn net.Conn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if add {
		if s.inShutdown.Load() {
			return false
		}
		s.conns[conn] = struct{}{}
		return true
	}
	delete(s.conns, conn)
	return true
}

// trackingListener registers accepted sockets with the server so Shutdown
// can close them wherever they are in the pipeline.
type trackingListener struct {
	net.Listener
	server *Server
}

func (l trackingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	if !l.server.trackConnection(conn, true) {
		conn.Close()
		return nil, ErrServerClosed
	}
	return &trackingConn{Conn: conn, server: l.server}, nil
}

// trackingConn wraps a net.Conn to track its lifetime in the server.
type trackingConn struct {
	net.Conn
	server *Server
	once   sync.Once
}

func (c *trackingConn) Close() error {
	c.once.Do(func() { c.server.trackConnection(c.Conn, false) })
	return c.Conn.Close()
}

// spawnControlLoop starts a session on a socket whose PROXY header named the
// control port.
func (s *Server) spawnControlLoop(pc ProxyConnection, conn net.Conn, r *router) error {
	if s.maxConnections > 0 && s.activeConns.Load() >= int32(s.maxConnections) {
		s.logger.Warn("connection_rejected",
			"source", pc.Source.String(),
			"reason", "global_limit_reached",
			"limit", s.maxConnections,
		)
		s.recordConnection("control", false, "global_limit_reached")
		go func() {
			_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
			fmt.Fprintf(conn, "421 Too many users, sorry.\r\n")
			conn.Close()
		}()
		return fmt.Errorf("connection limit %d reached", s.maxConnections)
	}

	s.recordConnection("control", true, "accepted")
	s.activeConns.Add(1)
	sess := newSession(s, r, conn, pc)
	go func() {
		defer s.activeConns.Add(-1)
		sess.serve()
	}()
	return nil
}

func (s *Server) recordConnection(kind string, accepted bool, reason string) {
	if s.metricsCollector != nil {
		s.metricsCollector.RecordConnection(kind, accepted, reason)
	}
}

func (s *Server) recordPortReservation(success bool) {
	if s.metricsCollector != nil {
		s.metricsCollector.RecordPortReservation(success)
	}
}
