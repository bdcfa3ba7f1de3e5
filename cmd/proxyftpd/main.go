// Command proxyftpd serves a directory over FTP behind a PROXY protocol load
// balancer, with the control port and every passive port forwarded to one
// listening socket.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/gonzalop/proxyftp/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type config struct {
	listen         string
	controlPort    int
	passiveMin     int
	passiveMax     int
	passiveHost    string
	root           string
	headerTimeout  time.Duration
	reservationTTL time.Duration
	dataTimeout    time.Duration
	bandwidthLimit int64
	maxConnections int
	anonWrite      bool
	verbose        bool
}

func parseFlags(args []string) (config, error) {
	fs := pflag.NewFlagSet("proxyftpd", pflag.ContinueOnError)
	fs.SortFlags = false

	var (
		cfg          config
		passivePorts string
	)
	fs.StringVar(&cfg.listen, "listen", ":2121", "Listen address receiving every proxied FTP port")
	fs.IntVar(&cfg.controlPort, "control-port", 21, "Port clients dial on the proxy for the control connection")
	fs.StringVar(&passivePorts, "passive-ports", "40000-40100", "Passive port range forwarded by the proxy, as MIN-MAX")
	fs.StringVar(&cfg.passiveHost, "passive-host", "", "IPv4 address or hostname advertised in PASV replies. Empty uses the proxied destination address.")
	fs.StringVar(&cfg.root, "root", "", "Directory to serve (required)")
	fs.DurationVar(&cfg.headerTimeout, "header-timeout", 10*time.Second, "Time allowed for the PROXY header to arrive")
	fs.DurationVar(&cfg.reservationTTL, "reservation-ttl", 30*time.Second, "How long a passive port waits for its data connection")
	fs.DurationVar(&cfg.dataTimeout, "data-timeout", 30*time.Second, "How long a data connection waits for its transfer command")
	fs.Int64Var(&cfg.bandwidthLimit, "bandwidth-limit", 0, "Combined transfer limit in bytes per second. 0 disables.")
	fs.IntVar(&cfg.maxConnections, "max-connections", 0, "Maximum simultaneous sessions. 0 disables.")
	fs.BoolVar(&cfg.anonWrite, "anon-write", false, "Allow anonymous users to upload")
	fs.BoolVar(&cfg.verbose, "verbose", false, "Enable debug logging")

	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if cfg.root == "" {
		return config{}, errors.New("--root is required")
	}

	var err error
	cfg.passiveMin, cfg.passiveMax, err = parsePortRange(passivePorts)
	if err != nil {
		return config{}, fmt.Errorf("invalid --passive-ports: %w", err)
	}
	return cfg, nil
}

func run() error {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if cfg.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	srv, err := newServer(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	context.AfterFunc(ctx, func() {
		_ = srv.Shutdown()
	})

	err = srv.ListenAndServe()
	logger.Info("shutting down")
	if errors.Is(err, server.ErrServerClosed) {
		return nil
	}
	return err
}

func newServer(cfg config, logger *slog.Logger) (*server.Server, error) {
	driver, err := server.NewFSDriver(cfg.root, server.WithAnonWrite(cfg.anonWrite))
	if err != nil {
		return nil, err
	}

	opts := []server.Option{
		server.WithDriver(driver),
		server.WithLogger(logger),
		server.WithControlPort(cfg.controlPort),
		server.WithPassivePortRange(cfg.passiveMin, cfg.passiveMax),
		server.WithHeaderTimeout(cfg.headerTimeout),
		server.WithReservationTTL(cfg.reservationTTL),
		server.WithDataTimeout(cfg.dataTimeout),
		server.WithBandwidthLimit(cfg.bandwidthLimit),
		server.WithMaxConnections(cfg.maxConnections),
	}
	if cfg.passiveHost != "" {
		opts = append(opts, server.WithPassiveHost(cfg.passiveHost))
	}
	return server.NewServer(cfg.listen, opts...)
}

// parsePortRange parses "MIN-MAX" or a single port.
func parsePortRange(s string) (int, int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, 0, errors.New("empty")
	}

	lo, hi, found := strings.Cut(s, "-")
	if !found {
		hi = lo
	}
	minPort, err := parsePort(lo)
	if err != nil {
		return 0, 0, err
	}
	maxPort, err := parsePort(hi)
	if err != nil {
		return 0, 0, err
	}
	if minPort > maxPort {
		return 0, 0, fmt.Errorf("%d is greater than %d", minPort, maxPort)
	}
	return minPort, maxPort, nil
}

func parsePort(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("port %q: %w", s, err)
	}
	if n < 1 || n > 65535 {
		return 0, fmt.Errorf("port %d out of range", n)
	}
	return n, nil
}
