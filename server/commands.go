package server

import (
	"fmt"
	"strings"
)

// Command groups for use with WithDisableCommands.
//
// Example, a download-only server:
//
//	srv, _ := server.NewServer(":2121",
//	    server.WithDriver(driver),
//	    server.WithControlPort(21),
//	    server.WithPassivePortRange(40000, 40100),
//	    server.WithDisableCommands(server.WriteCommands...),
//	)
var (
	// LegacyCommands contains the X* aliases from RFC 775.
	LegacyCommands = []string{
		"XCWD", // Use CWD instead
		"XCUP", // Use CDUP instead
		"XPWD", // Use PWD instead
	}

	// WriteCommands contains every command that creates files.
	//
	// For per-user read-only access, have the FSDriver authenticator return
	// readOnly=true instead.
	WriteCommands = []string{
		"STOR", // Store file
		"STOU", // Store under a unique name
	}
)

// WithDisableCommands makes the server answer the given commands with
// 502 as if they were not implemented. Names are case insensitive.
// USER, PASS and QUIT cannot be disabled.
func WithDisableCommands(cmds ...string) Option {
	return func(s *Server) error {
		for _, cmd := range cmds {
			cmd = strings.ToUpper(strings.TrimSpace(cmd))
			switch cmd {
			case "USER", "PASS", "QUIT":
				return fmt.Errorf("command %s cannot be disabled", cmd)
			}
			if s.disabledCommands == nil {
				s.disabledCommands = make(map[string]bool)
			}
			s.disabledCommands[cmd] = true
		}
		return nil
	}
}

func (s *Server) commandDisabled(cmd string) bool {
	return s.disabledCommands[cmd]
}
