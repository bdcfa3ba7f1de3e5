package server

import (
	"os"
	"path/filepath"
	"testing"
)

// TestWithDisableCommands tests that commands can be disabled
func TestWithDisableCommands(t *testing.T) {
	s, _ := newTestServer(t, WithDisableCommands("stor", " STOU "))

	if !s.disabledCommands["STOR"] {
		t.Error("STOR command should be disabled (case insensitive)")
	}
	if !s.disabledCommands["STOU"] {
		t.Error("STOU command should be disabled")
	}
	if s.commandDisabled("RETR") {
		t.Error("RETR should stay enabled")
	}
}

// TestDisabledCommandsNil tests that disabledCommands is nil by default
func TestDisabledCommandsNil(t *testing.T) {
	s, _ := newTestServer(t)
	if s.disabledCommands != nil {
		t.Error("disabledCommands should be nil by default")
	}
}

func TestWithDisableCommandsRejectsLogin(t *testing.T) {
	for _, cmd := range []string{"USER", "pass", "QUIT"} {
		_, err := NewServer(":0", append(requiredOptions(t), WithDisableCommands(cmd))...)
		if err == nil {
			t.Errorf("disabling %s succeeded", cmd)
		}
	}
}

func TestDisabledCommandsOverProxy(t *testing.T) {
	ps := startProxiedServer(t, WithDisableCommands(WriteCommands...), WithDisableCommands(LegacyCommands...))
	fatalIfErr(t, os.WriteFile(filepath.Join(ps.root, "f.txt"), []byte("data"), 0644), "write file")
	tc := ps.login(t, "10.0.0.5:50000")

	sendCmd(t, tc, 502, "STOR f.txt")
	sendCmd(t, tc, 502, "STOU")
	sendCmd(t, tc, 502, "XPWD")
	sendCmd(t, tc, 257, "PWD")

	// A disabled command must not consume the data connection.
	port := pasv(t, tc)
	ps.dialData(t, "10.0.0.5:50001", port)
	sendCmd(t, tc, 502, "STOR f.txt")
	sendCmd(t, tc, 150, "RETR f.txt")
	expectReply(t, tc, 226)
}
