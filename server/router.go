package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/jpillora/backoff"
)

// routerMsg is an internal message handled by the router's event loop.
// Every switchboard mutation is triggered by one of these, which serializes
// them on the router goroutine.
type routerMsg interface {
	routerMsg()
}

// headerReceived is sent by a header parsing goroutine once the PROXY header
// of an accepted socket has been read.
type headerReceived struct {
	conn   ProxyConnection
	socket net.Conn
}

// assignPort is sent by a session's PASV handler. host is the IPv4 address
// to advertise, already resolved by the session.
type assignPort struct {
	session *session
	host    netip.Addr
}

// releasePort is sent by a control loop when it exits.
type releasePort struct {
	session *session
}

func (headerReceived) routerMsg() {}
func (assignPort) routerMsg()     {}
func (releasePort) routerMsg()    {}

// router runs the event loop for one listener on the shared external port.
//
// It classifies proxied connections as control or data by their destination
// port, drives passive port reservation, and matches data connections back
// to the session that reserved their port.
type router struct {
	server *Server
	logger *slog.Logger
	board  *switchboard

	msgs chan routerMsg
	// done is closed when the event loop has returned.
	done chan struct{}

	// mu orders in-flight sends before the final drain in stop.
	mu      sync.RWMutex
	stopped bool
}

func newRouter(s *Server) *router {
	return &router{
		server: s,
		logger: s.logger,
		board:  newSwitchboard(s.pasvMinPort, s.pasvMaxPort, s.reservationTTL),
		msgs:   make(chan routerMsg, 1),
		done:   make(chan struct{}),
	}
}

// send delivers msg to the event loop. It reports false if the router has
// stopped, in which case msg was not delivered.
func (r *router) send(msg routerMsg) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		return false
	}

	select {
	case <-r.done:
		return false
	default:
	}
	select {
	case r.msgs <- msg:
		return true
	case <-r.done:
		return false
	}
}

// acceptLoop feeds accepted sockets into accepted until the listener fails
// permanently or ctx is canceled. Transient accept errors are retried with
// backoff.
func (r *router) acceptLoop(ctx context.Context, l net.Listener, accepted chan<- net.Conn) error {
	b := &backoff.Backoff{Min: 5 * time.Millisecond, Max: time.Second}
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			d := b.Duration()
			r.logger.Error("accept error", "error", err, "retry_in", d)
			select {
			case <-time.After(d):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		b.Reset()

		select {
		case accepted <- conn:
		case <-ctx.Done():
			conn.Close()
			return nil
		}
	}
}

// run is the event loop. It handles one ready event per iteration until ctx
// is canceled, then drains the switchboard.
func (r *router) run(ctx context.Context, accepted <-chan net.Conn) error {
	defer r.stop()

	sweep := time.NewTicker(r.board.ttl)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case conn := <-accepted:
			r.logger.Debug("proxy_connection_accepted", "remote_addr", conn.RemoteAddr().String())
			go r.parseHeader(conn)
		case msg := <-r.msgs:
			r.handle(msg)
		case now := <-sweep.C:
			if n := r.board.purgeExpired(now); n > 0 {
				r.logger.Debug("reservations_expired", "count", n)
			}
		}
	}
}

// stop marks the router as stopped and releases everything it still holds.
// It runs once, on the router goroutine, after the loop has returned.
func (r *router) stop() {
	close(r.done)

	// Blocked senders wake on done. Once they are out, nothing else can
	// enqueue.
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()

	n := r.board.drain()
	r.logger.Info("router_stopped", "released_ports", n)

	// Messages already queued carry sockets nobody will route.
	for {
		select {
		case msg := <-r.msgs:
			if hr, ok := msg.(headerReceived); ok {
				hr.socket.Close()
			}
		default:
			return
		}
	}
}

func (r *router) handle(msg routerMsg) {
	switch m := msg.(type) {
	case headerReceived:
		r.handleHeader(m.conn, m.socket)
	case assignPort:
		r.assignPort(m.session, m.host)
	case releasePort:
		r.releasePort(m.session)
	default:
		panic(fmt.Sprintf("ftp: unknown router message %T", msg))
	}
}

func (r *router) handleHeader(pc ProxyConnection, socket net.Conn) {
	port := pc.Destination.Port()

	if port == r.server.controlPort {
		r.logger.Info("control_connection",
			"source", pc.Source.String(),
			"destination", pc.Destination.String(),
		)
		if err := r.server.spawnControlLoop(pc, socket, r); err != nil {
			r.logger.Warn("control_loop_not_started",
				"source", pc.Source.String(),
				"error", err,
			)
		}
		return
	}

	board := r.mustSwitchboard()
	if !board.contains(port) {
		r.logger.Warn("connection_to_unconfigured_port",
			"source", pc.Source.String(),
			"destination", pc.Destination.String(),
			"passive_range", fmt.Sprintf("%d-%d", board.minPort, board.maxPort),
		)
		r.server.recordConnection("data", false, "port_not_passive")
		socket.Close()
		return
	}

	sess := board.match(pc)
	if sess == nil {
		r.logger.Warn("unexpected_data_connection",
			"source", pc.Source.String(),
			"destination", pc.Destination.String(),
		)
		r.server.recordConnection("data", false, "no_reservation")
		socket.Close()
		return
	}

	r.logger.Info("data_connection_matched",
		"session_id", sess.id,
		"source", pc.Source.String(),
		"port", port,
	)
	r.server.recordConnection("data", true, "matched")
	sess.bindData(pc)
	r.server.spawnDataProcessing(sess, socket)
	board.release(portKey{source: pc.Source.Addr(), port: port}, sess)
}

func (r *router) assignPort(sess *session, host netip.Addr) {
	board := r.mustSwitchboard()
	source := sess.controlConn().Source.Addr()

	port, err := board.reserve(sess, source)
	r.server.recordPortReservation(err == nil)

	var rep reply
	if err != nil {
		r.logger.Warn("port_reservation_failed",
			"session_id", sess.id,
			"error", err,
		)
		rep = reply{code: 425, msg: "Local error"}
	} else {
		r.logger.Info("port_reserved",
			"session_id", sess.id,
			"source", source.String(),
			"port", port,
		)
		rep = pasvReply(host, port)
	}

	if err := sess.offer(rep); err != nil {
		r.logger.Warn("pasv_reply_undelivered",
			"session_id", sess.id,
			"error", err,
		)
	}
}

func (r *router) releasePort(sess *session) {
	board := r.mustSwitchboard()
	if active, ok := sess.activeData(); ok {
		key := portKey{source: active.Source.Addr(), port: active.Destination.Port()}
		if board.release(key, sess) {
			r.logger.Info("data_port_released", "session_id", sess.id, "port", key.port)
		}
	}
	if n := board.releaseSession(sess); n > 0 {
		r.logger.Info("pending_ports_released", "session_id", sess.id, "count", n)
	}
}

// mustSwitchboard asserts the switchboard exists. NewServer always creates
// one in proxy mode, so a nil switchboard is a startup bug.
func (r *router) mustSwitchboard() *switchboard {
	if r.board == nil {
		panic("ftp: proxy protocol switchboard unavailable in proxy mode")
	}
	return r.board
}

// pasvReply formats a 227 reply advertising host and port.
func pasvReply(host netip.Addr, port uint16) reply {
	ip := mustIPv4(host).As4()
	return reply{
		code: 227,
		msg: fmt.Sprintf("Entering Passive Mode (%d,%d,%d,%d,%d,%d).",
			ip[0], ip[1], ip[2], ip[3], port>>8, port&0xff),
	}
}

// mustIPv4 asserts addr is IPv4. PASV can only express IPv4 addresses and
// the PASV handler rejects anything else before the router sees it.
func mustIPv4(addr netip.Addr) netip.Addr {
	addr = addr.Unmap()
	if !addr.Is4() {
		panic(fmt.Sprintf("ftp: PASV requires an IPv4 address, got %q", addr))
	}
	return addr
}
