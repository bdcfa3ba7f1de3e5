package server

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/pires/go-proxyproto"
)

// ProxyConnection describes one physical flow relayed by the upstream proxy:
// the original client endpoint and the endpoint the client dialed.
//
// It is a plain value and may be copied freely.
type ProxyConnection struct {
	Source      netip.AddrPort
	Destination netip.AddrPort
}

func (c ProxyConnection) String() string {
	return c.Source.String() + "->" + c.Destination.String()
}

// HeaderParser consumes the PROXY protocol header from a freshly accepted
// socket.
//
// On success it returns the proxied endpoints and a connection positioned right
// after the header. The returned connection must replay any bytes that were
// read past the header, so implementations that buffer should wrap the socket.
// On failure the caller closes the socket; implementations must not.
type HeaderParser interface {
	ParseHeader(conn net.Conn) (ProxyConnection, net.Conn, error)
}

// errNotProxied is returned for headers that carry no usable TCP endpoints,
// such as LOCAL health checks or UNKNOWN address families.
var errNotProxied = errors.New("ftp: connection carries no proxied TCP endpoints")

// ProxyProtocolParser is the default HeaderParser. It accepts both the text
// (v1) and binary (v2) PROXY protocol formats.
type ProxyProtocolParser struct{}

// ParseHeader implements HeaderParser.
func (ProxyProtocolParser) ParseHeader(conn net.Conn) (ProxyConnection, net.Conn, error) {
	br := bufio.NewReader(conn)
	hdr, err := proxyproto.Read(br)
	if err != nil {
		return ProxyConnection{}, nil, fmt.Errorf("read proxy header: %w", err)
	}

	src, ok := hdr.SourceAddr.(*net.TCPAddr)
	if !ok {
		return ProxyConnection{}, nil, errNotProxied
	}
	dst, ok := hdr.DestinationAddr.(*net.TCPAddr)
	if !ok {
		return ProxyConnection{}, nil, errNotProxied
	}

	pc := ProxyConnection{
		Source:      unmapAddrPort(src.AddrPort()),
		Destination: unmapAddrPort(dst.AddrPort()),
	}

	if br.Buffered() == 0 {
		return pc, conn, nil
	}
	return pc, &bufferedConn{Conn: conn, r: br}, nil
}

func unmapAddrPort(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// bufferedConn replays bytes the header reader pulled off the socket before
// falling through to the socket itself.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// parseHeader runs in its own goroutine for every accepted socket. A parse
// failure is logged and the socket closed; the router only ever hears about
// sockets whose header was read successfully.
func (r *router) parseHeader(socket net.Conn) {
	remote := socket.RemoteAddr().String()

	if r.server.headerTimeout > 0 {
		_ = socket.SetReadDeadline(time.Now().Add(r.server.headerTimeout))
	}

	pc, conn, err := r.server.headerParser.ParseHeader(socket)
	if err != nil {
		r.logger.Warn("proxy_header_rejected",
			"remote_addr", remote,
			"error", err,
		)
		socket.Close()
		return
	}

	_ = socket.SetReadDeadline(time.Time{})

	if !r.send(headerReceived{conn: pc, socket: conn}) {
		conn.Close()
	}
}
