package server

import (
	"bufio"
	"io"
)

// Telnet bytes that may appear on an FTP control connection.
const (
	telnetIAC  = 0xFF // Interpret As Command
	telnetWILL = 0xFB
	telnetWONT = 0xFC
	telnetDO   = 0xFD
	telnetDONT = 0xFE
)

// telnetFilter strips Telnet command sequences from the control stream, so
// clients that send IAC IP / IAC DM before ABOR or negotiate options do not
// corrupt command lines. An escaped IAC IAC yields a single 0xFF.
type telnetFilter struct {
	r *bufio.Reader
}

func newTelnetFilter(r io.Reader) *telnetFilter {
	return &telnetFilter{r: bufio.NewReader(r)}
}

// Read returns only data bytes. It never blocks for more input once it has
// something to return.
func (t *telnetFilter) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if n > 0 && t.r.Buffered() == 0 {
			break
		}

		b, err := t.r.ReadByte()
		if err != nil {
			if n > 0 {
				return n, nil
			}
			return 0, err
		}
		if b != telnetIAC {
			p[n] = b
			n++
			continue
		}

		cmd, err := t.r.ReadByte()
		if err != nil {
			return n, err
		}
		switch cmd {
		case telnetIAC:
			p[n] = telnetIAC
			n++
		case telnetWILL, telnetWONT, telnetDO, telnetDONT:
			// Option negotiation carries one more byte.
			if _, err := t.r.ReadByte(); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}
