package server

import (
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/gonzalop/proxyftp/internal/ratelimit"
)

// Option is a functional option for configuring an FTP server.
type Option func(*Server) error

// WithDriver sets the backend driver for authentication and file operations.
// This option is required and can only be set once.
func WithDriver(driver Driver) Option {
	return func(s *Server) error {
		if s.driver != nil {
			return fmt.Errorf("driver already set")
		}
		s.driver = driver
		return nil
	}
}

// WithLogger sets a custom logger for the server.
// If not specified, slog.Default() is used.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}

// WithControlPort sets the destination port that identifies control
// connections in PROXY headers. This is the port clients dial on the proxy,
// which need not match the port the server itself listens on.
// This option is required.
func WithControlPort(port int) Option {
	return func(s *Server) error {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("invalid control port %d", port)
		}
		s.controlPort = uint16(port)
		return nil
	}
}

// WithPassivePortRange sets the inclusive range of ports advertised in PASV
// replies. The proxy must forward all of them to the server's single
// listening port. This option is required.
//
// Example:
//
//	s, _ := server.NewServer(":2121",
//	    server.WithDriver(driver),
//	    server.WithControlPort(21),
//	    server.WithPassivePortRange(40000, 40100),
//	)
func WithPassivePortRange(minPort, maxPort int) Option {
	return func(s *Server) error {
		if minPort <= 0 || maxPort > 65535 || minPort > maxPort {
			return fmt.Errorf("invalid passive port range %d-%d", minPort, maxPort)
		}
		s.pasvMinPort = uint16(minPort)
		s.pasvMaxPort = uint16(maxPort)
		return nil
	}
}

// WithPassiveHost sets the address advertised in PASV replies.
// It may be an IPv4 literal or a hostname, which is resolved to its first
// IPv4 address. If not set, the proxied destination address of each control
// connection is advertised.
func WithPassiveHost(host string) Option {
	return func(s *Server) error {
		if addr, err := netip.ParseAddr(host); err == nil && !addr.Unmap().Is4() {
			return fmt.Errorf("passive host %s is not an IPv4 address", host)
		}
		s.passiveHost = host
		return nil
	}
}

// WithReservationTTL sets how long a reserved passive port waits for the
// client's data connection before it returns to the pool.
// If not specified, defaults to 30 seconds.
func WithReservationTTL(ttl time.Duration) Option {
	return func(s *Server) error {
		s.reservationTTL = ttl
		return nil
	}
}

// WithHeaderParser replaces the PROXY header parser.
func WithHeaderParser(p HeaderParser) Option {
	return func(s *Server) error {
		if p == nil {
			return fmt.Errorf("header parser must not be nil")
		}
		s.headerParser = p
		return nil
	}
}

// WithHeaderTimeout bounds how long an accepted socket may take to deliver
// its PROXY header. Sockets that miss the deadline are closed.
// If 0, no timeout is applied. Defaults to 10 seconds.
func WithHeaderTimeout(d time.Duration) Option {
	return func(s *Server) error {
		s.headerTimeout = d
		return nil
	}
}

// WithDataTimeout bounds how long a matched data connection waits for its
// transfer command. Defaults to 30 seconds.
func WithDataTimeout(d time.Duration) Option {
	return func(s *Server) error {
		s.dataTimeout = d
		return nil
	}
}

// WithWelcomeMessage sets the text of the 220 banner.
func WithWelcomeMessage(msg string) Option {
	return func(s *Server) error {
		s.welcomeMessage = msg
		return nil
	}
}

// WithMaxIdleTime sets the maximum time a control connection can be idle
// before being closed. If not specified, defaults to 5 minutes.
func WithMaxIdleTime(duration time.Duration) Option {
	return func(s *Server) error {
		s.maxIdleTime = duration
		return nil
	}
}

// WithWriteTimeout bounds every reply written to a control connection.
// If 0, no timeout is applied. Defaults to 30 seconds.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) error {
		s.writeTimeout = d
		return nil
	}
}

// WithMaxConnections sets the maximum number of simultaneous sessions.
// If 0, there is no limit. This is the default.
//
// When the limit is reached, new control connections receive a
// "421 Too many users" response.
func WithMaxConnections(max int) Option {
	return func(s *Server) error {
		s.maxConnections = max
		return nil
	}
}

// WithBandwidthLimit caps the combined throughput of all data transfers, in
// bytes per second. If 0, transfers are not throttled.
func WithBandwidthLimit(bytesPerSecond int64) Option {
	return func(s *Server) error {
		s.globalLimiter = ratelimit.New(bytesPerSecond)
		return nil
	}
}

// WithMetricsCollector sets an optional metrics collector.
func WithMetricsCollector(m MetricsCollector) Option {
	return func(s *Server) error {
		s.metricsCollector = m
		return nil
	}
}
