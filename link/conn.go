package link

import (
	"errors"
	"io"
	"net"
	"os"
	"time"
)

// deadlineConn is what Conn needs from a connection: net.Conn and
// *telnet.Conn both qualify.
type deadlineConn interface {
	io.ReadWriteCloser
	SetReadDeadline(time.Time) error
}

// Conn is a link over a connection with read deadlines.
type Conn struct {
	conn deadlineConn
}

// NewConn wraps c.
func NewConn(c net.Conn) *Conn {
	return &Conn{conn: c}
}

// ReadTimeout implements transfer.Link.
func (c *Conn) ReadTimeout(p []byte, d time.Duration) (int, error) {
	if d <= 0 {
		// An expired deadline fails before looking at pending data.
		d = time.Millisecond
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		return 0, err
	}
	n, err := c.conn.Read(p)
	if n > 0 {
		return n, nil
	}
	if err == nil || isTimeout(err) {
		return 0, timeoutError()
	}
	return 0, err
}

func (c *Conn) Write(p []byte) (int, error) {
	return c.conn.Write(p)
}

// Close clears the deadline and closes the connection.
func (c *Conn) Close() error {
	_ = c.conn.SetReadDeadline(time.Time{})
	return c.conn.Close()
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
