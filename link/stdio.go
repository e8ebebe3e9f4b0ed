package link

import (
	"os"
	"time"

	"golang.org/x/term"
)

// Console is a link over the process's stdin and stdout, as used when the
// program is started by a BBS or a terminal emulator on the far side.
type Console struct {
	reader *Reader
	fd     int
	state  *term.State
}

// Stdio returns a link over stdin and stdout. When stdin is a terminal it
// is switched to raw mode until Close.
func Stdio() (*Console, error) {
	c := &Console{fd: int(os.Stdin.Fd())}
	if term.IsTerminal(c.fd) {
		state, err := term.MakeRaw(c.fd)
		if err != nil {
			return nil, err
		}
		c.state = state
	}
	c.reader = NewReader(os.Stdin, os.Stdout)
	return c, nil
}

// ReadTimeout implements transfer.Link.
func (c *Console) ReadTimeout(p []byte, d time.Duration) (int, error) {
	return c.reader.ReadTimeout(p, d)
}

func (c *Console) Write(p []byte) (int, error) {
	return os.Stdout.Write(p)
}

// Flush syncs stdout. Pipes and sockets cannot be synced, so the error is
// dropped.
func (c *Console) Flush() error {
	_ = os.Stdout.Sync()
	return nil
}

// Close restores the terminal state.
func (c *Console) Close() error {
	if c.state != nil {
		return term.Restore(c.fd, c.state)
	}
	return nil
}
