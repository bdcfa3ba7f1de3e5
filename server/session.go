package server

import (
	"bufio"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"time"
)

// MaxCommandLength is the maximum length of a command line.
const MaxCommandLength = 4096

// replyQueueSize bounds the asynchronous replies waiting for a control loop.
const replyQueueSize = 8

var (
	errSessionClosed  = errors.New("ftp: session closed")
	errReplyQueueFull = errors.New("ftp: reply queue full")
	errCommandTooLong = errors.New("command too long")
)

// reply is a single FTP reply line. The zero reply means the handler has
// nothing to send synchronously.
type reply struct {
	code int
	msg  string
}

// session is the state of one client, shared by its control loop, the
// router, and the data handlers working for it.
//
// Fields below mu are shared and only touched with mu held, and never across
// network I/O. The remaining fields belong to the control loop goroutine.
type session struct {
	server *Server
	router *router
	id     string

	conn   net.Conn
	reader *bufio.Reader
	wmu    sync.Mutex // Protects writer
	writer *bufio.Writer

	// replies carries asynchronous replies to the control loop, in order.
	replies chan reply
	// done is closed when the control loop exits.
	done      chan struct{}
	closeOnce sync.Once

	// slot holds the data channel of a matched data connection.
	slot *dataSlot

	mu        sync.Mutex
	control   ProxyConnection
	cwd       string
	active    ProxyConnection
	hasActive bool
	fs        ClientContext

	// Control loop state
	user          string
	isLoggedIn    bool
	pasvRequested bool
}

// commandHandlers maps FTP commands to their handler functions.
// USER, PASS, QUIT, and NOOP are handled specially in handleCommand.
var commandHandlers = map[string]func(*session, string) reply{
	"SYST": (*session).handleSYST,
	"TYPE": (*session).handleTYPE,
	"PWD":  (*session).handlePWD,
	"XPWD": (*session).handlePWD,
	"CWD":  (*session).handleCWD,
	"XCWD": (*session).handleCWD,
	"CDUP": (*session).handleCDUP,
	"XCUP": (*session).handleCDUP,
	"PASV": (*session).handlePASV,
	"STOR": (*session).handleSTOR,
	"RETR": (*session).handleRETR,
	"STOU": (*session).handleSTOU,
}

// generateSessionID generates a unique 8-character session ID.
func generateSessionID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%08x", b)
}

func newSession(server *Server, r *router, conn net.Conn, pc ProxyConnection) *session {
	return &session{
		server:  server,
		router:  r,
		id:      generateSessionID(),
		conn:    conn,
		reader:  bufio.NewReader(newTelnetFilter(conn)),
		writer:  bufio.NewWriter(conn),
		replies: make(chan reply, replyQueueSize),
		done:    make(chan struct{}),
		slot:    newDataSlot(),
		control: pc,
		cwd:     "/",
	}
}

// controlConn returns the proxied endpoints of the control connection.
func (s *session) controlConn() ProxyConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.control
}

// bindData records conn as the session's active data connection.
func (s *session) bindData(conn ProxyConnection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = conn
	s.hasActive = true
}

// activeData returns the session's active data connection, if it has one.
func (s *session) activeData() (ProxyConnection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.hasActive
}

func (s *session) currentDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd
}

func (s *session) setCurrentDir(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cwd = dir
}

func (s *session) storage() ClientContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fs
}

// resolvePath turns a command argument into an absolute virtual path.
func (s *session) resolvePath(arg string) string {
	if strings.HasPrefix(arg, "/") {
		return path.Clean(arg)
	}
	return path.Join(s.currentDir(), arg)
}

// deliver queues rep for the control loop, waiting for room in the queue.
func (s *session) deliver(rep reply) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	select {
	case s.replies <- rep:
		return nil
	case <-s.done:
		return errSessionClosed
	}
}

// offer queues rep without waiting. The router uses it so that a session
// that stopped reading its replies cannot stall routing.
func (s *session) offer(rep reply) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	select {
	case s.replies <- rep:
		return nil
	default:
		return errReplyQueueFull
	}
}

type command struct {
	line string
	err  error
}

// serve runs the control loop.
//
// A reader goroutine feeds command lines into cmdChan. The loop handles one
// command at a time and, in between, writes asynchronous replies queued by the
// router and data handlers, so the client sees them in the order they were
// produced. Transfers never run on this goroutine: transfer commands hand a
// dataCmd to the data handler and return.
func (s *session) serve() {
	defer s.close()

	s.reply(220, s.server.welcomeMessage)

	s.server.logger.Info("session_started",
		"session_id", s.id,
		"source", s.controlConn().Source.String(),
	)

	done := make(chan struct{})
	defer close(done)

	cmdChan := s.startCommandReader(done)

	for {
		select {
		case cmd, ok := <-cmdChan:
			if !ok {
				return
			}
			if cmd.err != nil {
				if errors.Is(cmd.err, errCommandTooLong) {
					s.reply(500, "Command line too long.")
				} else if cmd.err != io.EOF {
					s.server.logger.Warn("read error",
						"session_id", s.id,
						"user", s.user,
						"error", cmd.err,
					)
				}
				return
			}
			if quit := s.handleCommand(cmd.line); quit {
				return
			}
		case rep := <-s.replies:
			s.reply(rep.code, rep.msg)
		}
	}
}

func (s *session) startCommandReader(done chan struct{}) chan command {
	cmdChan := make(chan command)
	go func() {
		defer close(cmdChan)
		for {
			if s.server.maxIdleTime > 0 {
				_ = s.conn.SetReadDeadline(time.Now().Add(s.server.maxIdleTime))
			}

			line, err := s.readCommand()

			select {
			case cmdChan <- command{line, err}:
			case <-done:
				return
			}

			if err != nil {
				return
			}
		}
	}()
	return cmdChan
}

// readCommand reads a line from the reader with a limit.
func (s *session) readCommand() (string, error) {
	var line []byte
	for {
		b, err := s.reader.ReadByte()
		if err != nil {
			return string(line), err
		}

		if len(line) >= MaxCommandLength {
			return "", errCommandTooLong
		}

		if b == '\n' {
			return string(line), nil
		}
		line = append(line, b)
	}
}

// close tears the session down and tells the router to release its ports.
func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})

	if !s.router.send(releasePort{session: s}) {
		s.server.logger.Debug("router stopped before port release", "session_id", s.id)
	}

	if ch, ok := s.slot.take(); ok {
		ch.abandon()
	}

	s.mu.Lock()
	fs := s.fs
	s.fs = nil
	s.mu.Unlock()
	if fs != nil {
		fs.Close()
	}

	s.conn.Close()

	s.server.logger.Debug("session closed",
		"session_id", s.id,
		"user", s.user,
	)
}

// handleCommand parses and dispatches a command. It reports whether the
// session should end.
func (s *session) handleCommand(line string) bool {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return false
	}

	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}

	logArg := arg
	if cmd == "PASS" {
		logArg = "***"
	}
	s.server.logger.Debug("command received",
		"session_id", s.id,
		"user", s.user,
		"cmd", cmd,
		"arg", logArg,
	)

	var rep reply
	switch {
	case s.server.commandDisabled(cmd):
		rep = reply{code: 502, msg: "Command not implemented."}
	case cmd == "USER":
		rep = s.handleUSER(arg)
	case cmd == "PASS":
		rep = s.handlePASS(arg)
	case cmd == "QUIT":
		s.reply(221, "Service closing control connection.")
		return true
	case cmd == "NOOP":
		rep = reply{code: 200, msg: "OK."}
	default:
		if handler, ok := commandHandlers[cmd]; ok {
			rep = handler(s, arg)
		} else {
			rep = reply{code: 502, msg: "Command not implemented."}
		}
	}

	if rep.code != 0 {
		s.reply(rep.code, rep.msg)
	}
	return false
}

// errorReply maps a storage error to a reply.
func errorReply(err error) reply {
	switch {
	case os.IsNotExist(err):
		return reply{code: 550, msg: "File not found."}
	case os.IsPermission(err):
		return reply{code: 550, msg: "Permission denied."}
	case os.IsExist(err):
		return reply{code: 550, msg: "File already exists."}
	}
	return reply{code: 550, msg: "Action failed: " + err.Error()}
}

// reply sends a response to the client.
func (s *session) reply(code int, message string) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	if s.server.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.server.writeTimeout))
	}
	fmt.Fprintf(s.writer, "%d %s\r\n", code, message)
	s.writer.Flush()
}
