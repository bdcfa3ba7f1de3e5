package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestPasvReply(t *testing.T) {
	rep := pasvReply(netip.MustParseAddr("203.0.113.9"), 12345)
	if rep.code != 227 {
		t.Errorf("code = %d, want 227", rep.code)
	}
	if want := "Entering Passive Mode (203,0,113,9,48,57)."; rep.msg != want {
		t.Errorf("msg = %q, want %q", rep.msg, want)
	}

	mapped := pasvReply(netip.MustParseAddr("::ffff:192.0.2.1"), 40000)
	if want := "Entering Passive Mode (192,0,2,1,156,64)."; mapped.msg != want {
		t.Errorf("msg = %q, want %q", mapped.msg, want)
	}
}

func TestPasvReplyPanicsOnIPv6(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("pasvReply accepted an IPv6 address")
		}
	}()
	pasvReply(netip.MustParseAddr("2001:db8::1"), 40000)
}

func TestMissingSwitchboardPanics(t *testing.T) {
	s, _ := newTestServer(t)
	r := newStoppedRouter(s)
	r.board = nil

	defer func() {
		if recover() == nil {
			t.Fatal("routing a data connection without a switchboard did not panic")
		}
	}()
	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()
	r.handleHeader(proxyConn("10.0.0.5:51000", "203.0.113.9:40000"), serverSide)
}

func TestHandleHeaderUnconfiguredPort(t *testing.T) {
	metrics := &recordingMetrics{}
	s, _ := newTestServer(t, WithMetricsCollector(metrics))
	r := newStoppedRouter(s)
	sess := newTestSession(t, s, r, "10.0.0.5:50000")
	_, err := r.board.reserve(sess, netip.MustParseAddr("10.0.0.5"))
	fatalIfErr(t, err, "reserve")

	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()
	r.handleHeader(proxyConn("10.0.0.5:51000", "203.0.113.9:8080"), serverSide)

	expectClosed(t, clientSide)
	if r.board.expiry.Len() != 1 {
		t.Error("connection to an unconfigured port changed the switchboard")
	}
	if _, ok := sess.slot.take(); ok {
		t.Error("connection to an unconfigured port armed a session")
	}
	if conns, _, _ := metrics.snapshot(); len(conns) != 1 || conns[0] != "data/false/port_not_passive" {
		t.Errorf("recorded connections %v", conns)
	}
}

func TestHandleHeaderUnexpectedData(t *testing.T) {
	s, _ := newTestServer(t)
	r := newStoppedRouter(s)
	sess := newTestSession(t, s, r, "10.0.0.5:50000")
	port, err := r.board.reserve(sess, netip.MustParseAddr("10.0.0.5"))
	fatalIfErr(t, err, "reserve")

	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()
	dst := fmt.Sprintf("203.0.113.9:%d", port)
	r.handleHeader(proxyConn("10.0.0.66:51000", dst), serverSide)

	expectClosed(t, clientSide)
	if _, ok := sess.slot.take(); ok {
		t.Error("data connection from a foreign source armed the session")
	}
	if r.board.expiry.Len() != 1 {
		t.Error("unmatched connection released the reservation")
	}
}

func TestHandleHeaderMatchesAndTransfers(t *testing.T) {
	metrics := &recordingMetrics{}
	s, rootDir := newTestServer(t, WithMetricsCollector(metrics))
	r := newStoppedRouter(s)
	sess := newTestSession(t, s, r, "10.0.0.5:50000")

	port, err := r.board.reserve(sess, netip.MustParseAddr("10.0.0.5"))
	fatalIfErr(t, err, "reserve")

	serverSide, clientSide := net.Pipe()
	pc := proxyConn("10.0.0.5:51000", fmt.Sprintf("203.0.113.9:%d", port))
	r.handleHeader(pc, serverSide)

	if active, ok := sess.activeData(); !ok || active != pc {
		t.Errorf("active data = %v, %v; want %v", active, ok, pc)
	}
	if r.board.expiry.Len() != 0 {
		t.Error("matched reservation was not released")
	}

	ch, ok := sess.slot.take()
	if !ok {
		t.Fatal("matched data connection did not arm the session")
	}
	fatalIfErr(t, ch.send(dataCmd{op: storeAtPath, path: "/up.txt", verb: "STOR"}), "send")

	go func() {
		clientSide.Write([]byte("hello"))
		clientSide.Close()
	}()

	select {
	case rep := <-sess.replies:
		if rep.code != 226 {
			t.Fatalf("transfer reply = %d %s, want 226", rep.code, rep.msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no transfer reply")
	}

	data, err := os.ReadFile(filepath.Join(rootDir, "up.txt"))
	fatalIfErr(t, err, "read stored file")
	if string(data) != "hello" {
		t.Errorf("stored %q, want hello", data)
	}

	conns, _, transfers := metrics.snapshot()
	if len(conns) != 1 || conns[0] != "data/true/matched" {
		t.Errorf("recorded connections %v", conns)
	}
	if len(transfers) != 1 || transfers[0] != "STOR/5" {
		t.Errorf("recorded transfers %v", transfers)
	}
}

func TestHandleHeaderControlConnection(t *testing.T) {
	s, _ := newTestServer(t, WithWelcomeMessage("proxied ftp"))
	r := newStoppedRouter(s)

	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()
	r.handleHeader(proxyConn("10.0.0.5:50000", "203.0.113.9:21"), serverSide)

	_ = clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(clientSide).ReadString('\n')
	fatalIfErr(t, err, "read greeting")
	if line != "220 proxied ftp\r\n" {
		t.Errorf("greeting = %q", line)
	}
}

func TestHandleHeaderConnectionLimit(t *testing.T) {
	metrics := &recordingMetrics{}
	s, _ := newTestServer(t, WithMaxConnections(1), WithMetricsCollector(metrics))
	s.activeConns.Store(1)
	r := newStoppedRouter(s)

	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()
	r.handleHeader(proxyConn("10.0.0.5:50000", "203.0.113.9:21"), serverSide)

	_ = clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(clientSide).ReadString('\n')
	fatalIfErr(t, err, "read rejection")
	if !strings.HasPrefix(line, "421 ") {
		t.Errorf("rejection = %q, want 421", line)
	}
	if conns, _, _ := metrics.snapshot(); len(conns) != 1 || conns[0] != "control/false/global_limit_reached" {
		t.Errorf("recorded connections %v", conns)
	}
}

func TestReleasePortFreesReservations(t *testing.T) {
	s, _ := newTestServer(t, WithPassivePortRange(40000, 40000))
	r := newStoppedRouter(s)
	sess := newTestSession(t, s, r, "10.0.0.5:50000")
	other := newTestSession(t, s, r, "10.0.0.6:50000")

	_, err := r.board.reserve(sess, netip.MustParseAddr("10.0.0.5"))
	fatalIfErr(t, err, "reserve")

	r.releasePort(sess)
	if r.board.expiry.Len() != 0 {
		t.Fatal("releasePort left a reservation behind")
	}
	_, err = r.board.reserve(other, netip.MustParseAddr("10.0.0.6"))
	fatalIfErr(t, err, "reserve after release")
}

func TestStopClosesQueuedSockets(t *testing.T) {
	s, _ := newTestServer(t)
	r := newRouter(s)

	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()
	if !r.send(headerReceived{conn: proxyConn("10.0.0.5:51000", "203.0.113.9:21"), socket: serverSide}) {
		t.Fatal("send to a live router failed")
	}

	r.stop()
	expectClosed(t, clientSide)
	if r.send(releasePort{}) {
		t.Error("send succeeded after stop")
	}
}

func TestStopRejectsBlockedSenders(t *testing.T) {
	s, _ := newTestServer(t)
	r := newRouter(s)

	// Fill the queue so later senders block.
	first, firstPeer := net.Pipe()
	defer firstPeer.Close()
	if !r.send(headerReceived{conn: proxyConn("10.0.0.5:51000", "203.0.113.9:21"), socket: first}) {
		t.Fatal("send to a live router failed")
	}

	const senders = 8
	results := make(chan bool, senders)
	for range senders {
		serverSide, clientSide := net.Pipe()
		defer clientSide.Close()
		hr := headerReceived{conn: proxyConn("10.0.0.5:51001", "203.0.113.9:21"), socket: serverSide}
		go func() { results <- r.send(hr) }()
	}
	time.Sleep(20 * time.Millisecond)

	r.stop()
	for range senders {
		select {
		case ok := <-results:
			if ok {
				t.Error("blocked send reported delivery to a stopped router")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("sender still blocked after stop")
		}
	}
	if n := len(r.msgs); n != 0 {
		t.Errorf("%d messages left in the queue after stop", n)
	}
	expectClosed(t, firstPeer)
}

// startRouter runs r's event loop until the test ends.
func startRouter(t *testing.T, r *router) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = r.run(ctx, make(chan net.Conn))
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
}

func TestConcurrentAssignPort(t *testing.T) {
	metrics := &recordingMetrics{}
	s, _ := newTestServer(t, WithMetricsCollector(metrics))
	r := newRouter(s)

	const sessions = 12 // two more than the passive range holds
	var all []*session
	for i := 0; i < sessions; i++ {
		all = append(all, newTestSession(t, s, r, fmt.Sprintf("10.0.1.%d:50000", i+1)))
	}
	startRouter(t, r)

	host := netip.MustParseAddr("203.0.113.9")
	var wg sync.WaitGroup
	for _, sess := range all {
		wg.Add(1)
		go func(sess *session) {
			defer wg.Done()
			if !r.send(assignPort{session: sess, host: host}) {
				t.Error("send to running router failed")
			}
		}(sess)
	}
	wg.Wait()

	ports := make(map[int]bool)
	refused := 0
	for _, sess := range all {
		var rep reply
		select {
		case rep = <-sess.replies:
		case <-time.After(5 * time.Second):
			t.Fatal("no PASV reply")
		}
		switch rep.code {
		case 227:
			var a, b, c, d, p1, p2 int
			_, err := fmt.Sscanf(rep.msg, "Entering Passive Mode (%d,%d,%d,%d,%d,%d).", &a, &b, &c, &d, &p1, &p2)
			fatalIfErr(t, err, "parse %q", rep.msg)
			port := p1<<8 | p2
			if port < 40000 || port > 40009 {
				t.Errorf("port %d outside passive range", port)
			}
			if ports[port] {
				t.Errorf("port %d granted twice", port)
			}
			ports[port] = true
		case 425:
			refused++
		default:
			t.Errorf("unexpected reply %d %s", rep.code, rep.msg)
		}
	}
	if len(ports) != 10 || refused != 2 {
		t.Errorf("granted %d ports and refused %d, want 10 and 2", len(ports), refused)
	}
	if _, reservations, _ := metrics.snapshot(); len(reservations) != sessions {
		t.Errorf("recorded %d reservations, want %d", len(reservations), sessions)
	}
}

func TestAcceptLoopStopsOnClose(t *testing.T) {
	s, _ := newTestServer(t)
	r := newRouter(s)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	fatalIfErr(t, err, "listen")

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.acceptLoop(context.Background(), ln, make(chan net.Conn))
	}()
	ln.Close()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("acceptLoop = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("acceptLoop did not return after the listener closed")
	}
}
