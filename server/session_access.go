package server

import "fmt"

func (s *session) handleUSER(user string) reply {
	s.user = user
	return reply{code: 331, msg: "User name okay, need password."}
}

func (s *session) handlePASS(pass string) reply {
	ctx, err := s.server.driver.Authenticate(s.user, pass)
	if err != nil {
		s.server.logger.Warn("authentication_failed",
			"session_id", s.id,
			"source", s.controlConn().Source.String(),
			"user", s.user,
			"reason", err.Error(),
		)
		return reply{code: 530, msg: "Login incorrect."}
	}

	s.mu.Lock()
	prev := s.fs
	s.fs = ctx
	s.cwd = "/"
	s.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	s.isLoggedIn = true
	s.server.logger.Info("authentication_success",
		"session_id", s.id,
		"source", s.controlConn().Source.String(),
		"user", s.user,
	)
	return reply{code: 230, msg: "User logged in, proceed."}
}

func (s *session) handleSYST(_ string) reply {
	return reply{code: 215, msg: "UNIX Type: L8"}
}

func (s *session) handlePWD(_ string) reply {
	if !s.isLoggedIn {
		return reply{code: 530, msg: "Not logged in."}
	}
	return reply{code: 257, msg: fmt.Sprintf("%q is the current directory.", s.currentDir())}
}

func (s *session) handleCWD(arg string) reply {
	if !s.isLoggedIn {
		return reply{code: 530, msg: "Not logged in."}
	}

	target := s.resolvePath(arg)
	info, err := s.storage().GetFileInfo(target)
	if err != nil || !info.IsDir() {
		return reply{code: 550, msg: "Failed to change directory."}
	}

	s.setCurrentDir(target)
	return reply{code: 250, msg: "Directory successfully changed."}
}

func (s *session) handleCDUP(_ string) reply {
	return s.handleCWD("..")
}
