package server

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// dataWaitTimeout bounds how long STOR and RETR wait for the data connection
// announced by a preceding PASV to reach the router.
const dataWaitTimeout = 10 * time.Second

func (s *session) handleTYPE(arg string) reply {
	if !s.isLoggedIn {
		return reply{code: 530, msg: "Please login with USER and PASS."}
	}
	// Transfers are always image mode.
	switch strings.ToUpper(arg) {
	case "I", "L 8":
		return reply{code: 200, msg: "Type set to I."}
	default:
		return reply{code: 504, msg: "Type not supported."}
	}
}

// handlePASV asks the router for a passive port. The 227 reply is produced by
// the router and arrives through the session's reply channel, so nothing is
// returned here on success.
func (s *session) handlePASV(_ string) reply {
	if !s.isLoggedIn {
		return reply{code: 530, msg: "Please login with USER and PASS."}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	host, err := s.server.advertisedHost(ctx, s.controlConn())
	if err != nil {
		s.server.logger.Warn("passive_host_unavailable",
			"session_id", s.id,
			"error", err,
		)
		return reply{code: 425, msg: "Can't open passive connection."}
	}

	if !s.router.send(assignPort{session: s, host: host}) {
		return reply{code: 421, msg: "Service not available, closing control connection."}
	}
	s.pasvRequested = true
	return reply{}
}

// claimDataChannel takes the session's data channel. After a PASV it waits
// for the client's data connection to be matched; otherwise an empty slot
// fails at once.
func (s *session) claimDataChannel() (*dataChannel, bool) {
	if !s.pasvRequested {
		return s.slot.take()
	}
	s.pasvRequested = false
	return s.slot.wait(dataWaitTimeout, s.done)
}

// dispatch hands cmd to the data handler without blocking the control loop.
// The client has already been told the transfer is starting, so a failed
// dispatch can only be logged.
func (s *session) dispatch(ch *dataChannel, cmd dataCmd) {
	go func() {
		if err := ch.send(cmd); err != nil {
			s.server.logger.Warn("data_command_undelivered",
				"session_id", s.id,
				"operation", cmd.verb,
				"path", cmd.path,
				"error", err,
			)
		}
	}()
}

func (s *session) handleSTOR(arg string) reply {
	if !s.isLoggedIn {
		return reply{code: 530, msg: "Not logged in."}
	}
	if arg == "" {
		return reply{code: 501, msg: "Syntax error in parameters or arguments."}
	}

	ch, ok := s.claimDataChannel()
	if !ok {
		return reply{code: 425, msg: "Can't open data connection."}
	}
	s.dispatch(ch, dataCmd{op: storeAtPath, path: s.resolvePath(arg), verb: "STOR"})
	return reply{code: 150, msg: "Opening data connection for STOR."}
}

func (s *session) handleRETR(arg string) reply {
	if !s.isLoggedIn {
		return reply{code: 530, msg: "Not logged in."}
	}
	if arg == "" {
		return reply{code: 501, msg: "Syntax error in parameters or arguments."}
	}

	p := s.resolvePath(arg)
	info, err := s.storage().GetFileInfo(p)
	if err != nil {
		return errorReply(err)
	}
	if info.IsDir() {
		return reply{code: 550, msg: "Not a plain file."}
	}

	ch, ok := s.claimDataChannel()
	if !ok {
		return reply{code: 425, msg: "Can't open data connection."}
	}
	s.dispatch(ch, dataCmd{op: retrieveFromPath, path: p, verb: "RETR"})
	return reply{code: 150, msg: "Opening data connection for RETR."}
}

// handleSTOU stores the upload under a name chosen by the server. The name is
// returned in the 150 reply, before the transfer completes.
//
// Unlike STOR it never waits for the data connection. If the router has not
// matched it yet the reply is 425 and the client may retry.
func (s *session) handleSTOU(_ string) reply {
	if !s.isLoggedIn {
		return reply{code: 530, msg: "Not logged in."}
	}

	name := uuid.NewString()
	p := path.Join(s.currentDir(), name)

	ch, ok := s.slot.take()
	if !ok {
		s.server.logger.Warn("stou_no_data_connection",
			"session_id", s.id,
			"path", p,
		)
		return reply{code: 425, msg: "No data connection established"}
	}
	s.pasvRequested = false

	s.dispatch(ch, dataCmd{op: storeAtPath, path: p, verb: "STOU"})
	return reply{code: 150, msg: name}
}
