package server

import (
	"container/list"
	"errors"
	"net/netip"
	"time"
)

// ErrPortsExhausted is returned when every port of the passive range is
// reserved or bound.
var ErrPortsExhausted = errors.New("ftp: passive port range exhausted")

// portKey identifies an expected data connection: the client address the
// control connection came from and the passive port it was told to dial.
type portKey struct {
	source netip.Addr
	port   uint16
}

type reservation struct {
	key      portKey
	session  *session
	created  time.Time
	deadline time.Time
	elem     *list.Element
}

// switchboard associates reserved passive ports with the sessions that asked
// for them, so that data connections arriving on the shared external port can
// be routed back to their control session.
//
// A switchboard is owned by exactly one router and is never touched from any
// other goroutine; it has no locking of its own.
type switchboard struct {
	minPort uint16
	maxPort uint16
	ttl     time.Duration
	now     func() time.Time

	byKey  map[portKey]*reservation
	byPort map[uint16]*reservation
	// expiry holds reservations in creation order, oldest at the front.
	expiry *list.List
	cursor uint16
}

func newSwitchboard(minPort, maxPort uint16, ttl time.Duration) *switchboard {
	return &switchboard{
		minPort: minPort,
		maxPort: maxPort,
		ttl:     ttl,
		now:     time.Now,
		byKey:   make(map[portKey]*reservation),
		byPort:  make(map[uint16]*reservation),
		expiry:  list.New(),
	}
}

func (sb *switchboard) size() int {
	return int(sb.maxPort) - int(sb.minPort) + 1
}

// reserve picks a free passive port for sess, expected to be dialed from
// source. Any reservation sess still has pending is dropped first: a new PASV
// supersedes the previous one.
func (sb *switchboard) reserve(sess *session, source netip.Addr) (uint16, error) {
	now := sb.now()
	sb.purgeExpired(now)
	sb.releaseSession(sess)

	n := sb.size()
	for i := 0; i < n; i++ {
		port := sb.minPort + uint16((int(sb.cursor)+i)%n)
		if _, used := sb.byPort[port]; used {
			continue
		}
		sb.cursor = uint16((int(port-sb.minPort) + 1) % n)

		res := &reservation{
			key:      portKey{source: source, port: port},
			session:  sess,
			created:  now,
			deadline: now.Add(sb.ttl),
		}
		res.elem = sb.expiry.PushBack(res)
		sb.byKey[res.key] = res
		sb.byPort[port] = res
		return port, nil
	}
	return 0, ErrPortsExhausted
}

// match returns the session that reserved the port conn was sent to from
// conn's source address, or nil. Expired reservations are removed on sight.
func (sb *switchboard) match(conn ProxyConnection) *session {
	key := portKey{source: conn.Source.Addr(), port: conn.Destination.Port()}
	res, ok := sb.byKey[key]
	if !ok {
		return nil
	}
	if !sb.now().Before(res.deadline) {
		sb.remove(res)
		return nil
	}
	return res.session
}

// release frees the reservation under key. A non-nil owner restricts the
// release to reservations that still belong to it, so a stale binding never
// frees a port that has since been handed to another session.
func (sb *switchboard) release(key portKey, owner *session) bool {
	res, ok := sb.byKey[key]
	if !ok {
		return false
	}
	if owner != nil && res.session != owner {
		return false
	}
	sb.remove(res)
	return true
}

// releaseSession drops every pending reservation held by sess.
func (sb *switchboard) releaseSession(sess *session) int {
	n := 0
	for e := sb.expiry.Front(); e != nil; {
		next := e.Next()
		if res := e.Value.(*reservation); res.session == sess {
			sb.remove(res)
			n++
		}
		e = next
	}
	return n
}

// purgeExpired removes reservations whose deadline has passed. Reservations
// share one TTL, so the walk stops at the first live entry.
func (sb *switchboard) purgeExpired(now time.Time) int {
	n := 0
	for e := sb.expiry.Front(); e != nil; e = sb.expiry.Front() {
		res := e.Value.(*reservation)
		if now.Before(res.deadline) {
			break
		}
		sb.remove(res)
		n++
	}
	return n
}

// drain releases everything. Used once, when the owning router stops.
func (sb *switchboard) drain() int {
	n := sb.expiry.Len()
	sb.byKey = make(map[portKey]*reservation)
	sb.byPort = make(map[uint16]*reservation)
	sb.expiry.Init()
	return n
}

func (sb *switchboard) remove(res *reservation) {
	sb.expiry.Remove(res.elem)
	delete(sb.byKey, res.key)
	delete(sb.byPort, res.key.port)
}

func (sb *switchboard) contains(port uint16) bool {
	return port >= sb.minPort && port <= sb.maxPort
}
