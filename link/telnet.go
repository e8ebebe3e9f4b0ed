package link

import (
	"time"

	"github.com/ziutek/telnet"
)

// NewTelnet wraps a telnet connection. The telnet layer doubles IAC bytes on
// write and strips option negotiation on read, so the link carries clean
// binary data; unix write mode is switched off so LF is not rewritten.
func NewTelnet(c *telnet.Conn) *Conn {
	c.SetUnixWriteMode(false)
	return &Conn{conn: c}
}

// DialTelnet connects to a telnet BBS at addr.
func DialTelnet(addr string, timeout time.Duration) (*Conn, error) {
	c, err := telnet.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	return NewTelnet(c), nil
}
