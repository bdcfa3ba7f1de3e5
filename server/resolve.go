package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

var errNotIPv4 = errors.New("ftp: PASV needs an IPv4 address")

// advertisedHost returns the IPv4 address a PASV reply should advertise for
// a session whose control connection is control.
func (s *Server) advertisedHost(ctx context.Context, control ProxyConnection) (netip.Addr, error) {
	if s.passiveHost == "" {
		addr := control.Destination.Addr().Unmap()
		if !addr.Is4() {
			return netip.Addr{}, fmt.Errorf("control destination %s: %w", addr, errNotIPv4)
		}
		return addr, nil
	}
	return s.resolver.resolveIPv4(ctx, s.passiveHost)
}

type cachedAddr struct {
	addr    netip.Addr
	expires time.Time
}

// hostResolver resolves the configured passive hostname. Concurrent PASV
// commands share one lookup, and results are cached for ttl.
type hostResolver struct {
	ttl    time.Duration
	lookup func(ctx context.Context, network, host string) ([]netip.Addr, error)
	group  singleflight.Group

	mu    sync.Mutex
	cache map[string]cachedAddr
}

func newHostResolver(ttl time.Duration) *hostResolver {
	return &hostResolver{
		ttl:    ttl,
		lookup: net.DefaultResolver.LookupNetIP,
		cache:  make(map[string]cachedAddr),
	}
}

func (r *hostResolver) resolveIPv4(ctx context.Context, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		if !addr.Is4() {
			return netip.Addr{}, fmt.Errorf("passive host %s: %w", host, errNotIPv4)
		}
		return addr, nil
	}

	r.mu.Lock()
	c, ok := r.cache[host]
	r.mu.Unlock()
	if ok && time.Now().Before(c.expires) {
		return c.addr, nil
	}

	v, err, _ := r.group.Do(host, func() (any, error) {
		addrs, err := r.lookup(ctx, "ip4", host)
		if err != nil {
			return nil, fmt.Errorf("resolve passive host %s: %w", host, err)
		}
		for _, addr := range addrs {
			addr = addr.Unmap()
			if !addr.Is4() {
				continue
			}
			r.mu.Lock()
			r.cache[host] = cachedAddr{addr: addr, expires: time.Now().Add(r.ttl)}
			r.mu.Unlock()
			return addr, nil
		}
		return nil, fmt.Errorf("passive host %s: %w", host, errNotIPv4)
	})
	if err != nil {
		return netip.Addr{}, err
	}
	return v.(netip.Addr), nil
}
