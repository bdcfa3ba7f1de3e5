package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/gonzalop/proxyftp/internal/ratelimit"
)

// dataOp is the operation a data handler performs on its connection.
type dataOp int

const (
	// storeAtPath copies the connection into a file.
	storeAtPath dataOp = iota + 1
	// retrieveFromPath copies a file into the connection.
	retrieveFromPath
)

func (op dataOp) String() string {
	switch op {
	case storeAtPath:
		return "store"
	case retrieveFromPath:
		return "retrieve"
	default:
		return fmt.Sprintf("dataOp(%d)", int(op))
	}
}

// dataCmd instructs a data handler. It is delivered once and consumed once.
type dataCmd struct {
	op   dataOp
	path string
	// verb is the FTP command that issued the transfer, for logs and metrics.
	verb string
}

var errDataHandlerGone = errors.New("ftp: data handler is gone")

// dataChannel connects a command handler on the control side to the data
// handler that owns a matched data connection.
type dataChannel struct {
	// cmds is unbuffered, so a successful send means the handler has the
	// command in hand.
	cmds chan dataCmd
	// done is closed when the data handler has exited.
	done chan struct{}
	// abandoned is closed when a newer data connection superseded this one.
	abandoned   chan struct{}
	abandonOnce sync.Once
}

func newDataChannel() *dataChannel {
	return &dataChannel{
		cmds:      make(chan dataCmd),
		done:      make(chan struct{}),
		abandoned: make(chan struct{}),
	}
}

// send hands cmd to the data handler. It fails if the handler stopped
// waiting for a command.
func (c *dataChannel) send(cmd dataCmd) error {
	select {
	case <-c.done:
		return errDataHandlerGone
	default:
	}
	select {
	case c.cmds <- cmd:
		return nil
	case <-c.done:
		return errDataHandlerGone
	}
}

func (c *dataChannel) abandon() {
	c.abandonOnce.Do(func() { close(c.abandoned) })
}

// spawnDataProcessing takes ownership of a matched data connection: it arms
// the session's data slot and waits, in its own goroutine, for the transfer
// command that consumes it.
func (s *Server) spawnDataProcessing(sess *session, conn net.Conn) {
	ch := newDataChannel()
	if prev := sess.slot.arm(ch); prev != nil {
		prev.abandon()
	}
	go s.processData(sess, ch, conn)
}

func (s *Server) processData(sess *session, ch *dataChannel, conn net.Conn) {
	defer close(ch.done)
	defer conn.Close()
	defer sess.slot.clear(ch)

	var timeout <-chan time.Time
	if s.dataTimeout > 0 {
		t := time.NewTimer(s.dataTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case cmd := <-ch.cmds:
		s.execute(sess, cmd, conn)
		return
	case <-ch.abandoned:
		s.logger.Debug("data_connection_superseded", "session_id", sess.id)
	case <-sess.done:
	case <-timeout:
		s.logger.Warn("data_connection_idle",
			"session_id", sess.id,
			"timeout", s.dataTimeout,
		)
	}
}

// execute runs one transfer and reports its outcome on the session's reply
// channel.
func (s *Server) execute(sess *session, cmd dataCmd, conn net.Conn) {
	fs := sess.storage()
	if fs == nil {
		s.deliverTo(sess, reply{code: 530, msg: "Not logged in."})
		return
	}

	var (
		file io.ReadWriteCloser
		err  error
	)
	switch cmd.op {
	case storeAtPath:
		file, err = fs.OpenFile(cmd.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	case retrieveFromPath:
		file, err = fs.OpenFile(cmd.path, os.O_RDONLY)
	default:
		err = fmt.Errorf("unsupported data operation %s", cmd.op)
	}
	if err != nil {
		s.logger.Warn("transfer_failed",
			"session_id", sess.id,
			"operation", cmd.verb,
			"path", cmd.path,
			"error", err,
		)
		s.deliverTo(sess, errorReply(err))
		return
	}
	defer file.Close()

	startTime := time.Now()
	var bytesTransferred int64
	if cmd.op == storeAtPath {
		bytesTransferred, err = io.Copy(file, s.rateLimitReader(conn))
	} else {
		bytesTransferred, err = io.Copy(s.rateLimitWriter(conn), file)
	}
	if err != nil {
		s.logger.Warn("transfer_aborted",
			"session_id", sess.id,
			"operation", cmd.verb,
			"path", cmd.path,
			"bytes", bytesTransferred,
			"error", err,
		)
		s.deliverTo(sess, reply{code: 426, msg: "Connection closed; transfer aborted."})
		return
	}
	duration := time.Since(startTime)

	throughputMBps := float64(0)
	if duration.Seconds() > 0 {
		throughputMBps = float64(bytesTransferred) / duration.Seconds() / 1024 / 1024
	}

	s.logger.Info("transfer_complete",
		"session_id", sess.id,
		"operation", cmd.verb,
		"path", cmd.path,
		"bytes", bytesTransferred,
		"duration_ms", duration.Milliseconds(),
		"throughput_mbps", fmt.Sprintf("%.2f", throughputMBps),
	)

	if s.metricsCollector != nil {
		s.metricsCollector.RecordTransfer(cmd.verb, bytesTransferred, duration)
	}

	// The data connection must be closed before the client sees 226.
	conn.Close()
	s.deliverTo(sess, reply{code: 226, msg: "Transfer complete."})
}

func (s *Server) deliverTo(sess *session, rep reply) {
	if err := sess.deliver(rep); err != nil {
		s.logger.Warn("transfer_reply_undelivered",
			"session_id", sess.id,
			"code", rep.code,
			"error", err,
		)
	}
}

// rateLimitReader wraps a reader with the global bandwidth limit, if any.
func (s *Server) rateLimitReader(r io.Reader) io.Reader {
	return ratelimit.NewReader(r, s.globalLimiter)
}

// rateLimitWriter wraps a writer with the global bandwidth limit, if any.
func (s *Server) rateLimitWriter(w io.Writer) io.Writer {
	return ratelimit.NewWriter(w, s.globalLimiter)
}
