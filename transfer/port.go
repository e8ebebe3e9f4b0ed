package transfer

import (
	"context"
	"errors"
	"io"
	"time"
)

// Link is the byte-stream boundary every protocol runs on.
type Link interface {
	io.Writer

	// ReadTimeout reads whatever is available into p, waiting at most d for
	// the first byte. It returns 0 and an error for which IsTimeout is true
	// when nothing arrived. d <= 0 polls without blocking.
	ReadTimeout(p []byte, d time.Duration) (int, error)
}

const (
	CAN = 0x18
	BS  = 0x08

	defaultBufSize = 4096
	pollInterval   = 100 * time.Millisecond
)

// AbortSequence is written to the peer when a transfer is aborted: eight CAN
// followed by eight backspaces to erase them from a terminal.
var AbortSequence = []byte{
	CAN, CAN, CAN, CAN, CAN, CAN, CAN, CAN,
	BS, BS, BS, BS, BS, BS, BS, BS,
}

// Port provides buffered reads with deadline and cancellation handling on
// top of a Link. Deadlines are captured by the caller (see Retrier.Arm) and
// checked synchronously while waiting; the context is checked between short
// waits so cancellation is noticed promptly.
type Port struct {
	link     Link
	rbuf     []byte
	rpos     int
	rend     int
	back     []byte
	deadline time.Time
	ctx      context.Context

	last    byte
	hasLast bool
}

// NewPort creates a Port with a 4 KiB read buffer.
func NewPort(link Link) *Port {
	return NewPortSize(link, defaultBufSize)
}

// NewPortSize creates a Port with a read buffer of bufsize bytes.
func NewPortSize(link Link, bufsize int) *Port {
	if bufsize <= 0 {
		bufsize = defaultBufSize
	}
	return &Port{
		link: link,
		rbuf: make([]byte, bufsize),
		ctx:  context.Background(),
	}
}

// SetContext sets the context for cancellation.
func (p *Port) SetContext(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.ctx = ctx
}

// Context returns the context set with SetContext.
func (p *Port) Context() context.Context {
	return p.ctx
}

// Err returns a Cancelled error once the context is done.
func (p *Port) Err() error {
	select {
	case <-p.ctx.Done():
		return &Error{Type: ErrCancelled, Message: "context done", Err: p.ctx.Err()}
	default:
		return nil
	}
}

// SetDeadline sets the deadline for subsequent reads. The zero time waits
// forever.
func (p *Port) SetDeadline(t time.Time) {
	p.deadline = t
}

// Deadline returns the current read deadline.
func (p *Port) Deadline() time.Time {
	return p.deadline
}

// ReadByte reads a single byte, waiting until the deadline.
func (p *Port) ReadByte() (byte, error) {
	var b byte
	if len(p.back) > 0 {
		b = p.back[0]
		p.back = p.back[1:]
	} else {
		for p.rpos >= p.rend {
			if err := p.fill(); err != nil {
				p.hasLast = false
				return 0, err
			}
		}
		b = p.rbuf[p.rpos]
		p.rpos++
	}
	p.last, p.hasLast = b, true
	return b, nil
}

// UnreadByte pushes back the last byte returned by ReadByte.
func (p *Port) UnreadByte() error {
	if !p.hasLast {
		return errors.New("transfer: UnreadByte without a preceding ReadByte")
	}
	p.hasLast = false
	p.Unread([]byte{p.last})
	return nil
}

// ReadFull fills buf, waiting until the deadline.
func (p *Port) ReadFull(buf []byte) error {
	for i := range buf {
		b, err := p.ReadByte()
		if err != nil {
			return err
		}
		buf[i] = b
	}
	return nil
}

func (p *Port) fill() error {
	if err := p.Err(); err != nil {
		return err
	}
	wait := pollInterval
	if !p.deadline.IsZero() {
		left := time.Until(p.deadline)
		if left <= 0 {
			return NewError(ErrTimeout, "read timeout")
		}
		wait = min(left, pollInterval)
	}
	n, err := p.link.ReadTimeout(p.rbuf, wait)
	p.rpos, p.rend = 0, n
	if n > 0 {
		return nil
	}
	if err != nil && !IsTimeout(err) {
		if errors.Is(err, io.EOF) {
			return &Error{Type: ErrIO, Message: "link closed", Err: err}
		}
		return Wrap(ErrIO, err)
	}
	return nil
}

// Unread pushes b back so that it is read again before any buffered input.
func (p *Port) Unread(b []byte) {
	if len(b) == 0 {
		return
	}
	back := make([]byte, 0, len(b)+len(p.back))
	back = append(back, b...)
	p.back = append(back, p.back...)
}

// Buffered returns the bytes that can be read without waiting. The slice
// is a copy.
func (p *Port) Buffered() []byte {
	out := make([]byte, 0, len(p.back)+p.rend-p.rpos)
	out = append(out, p.back...)
	return append(out, p.rbuf[p.rpos:p.rend]...)
}

// Poll pulls whatever the link has ready into the buffer without blocking
// and reports whether any input is buffered.
func (p *Port) Poll() (bool, error) {
	if len(p.back) > 0 || p.rpos < p.rend {
		return true, nil
	}
	if err := p.Err(); err != nil {
		return false, err
	}
	n, err := p.link.ReadTimeout(p.rbuf, 0)
	p.rpos, p.rend = 0, n
	if n == 0 && err != nil && !IsTimeout(err) {
		return false, Wrap(ErrIO, err)
	}
	return n > 0, nil
}

// Purge discards buffered input and anything the link has ready.
func (p *Port) Purge() {
	p.back = nil
	p.rpos, p.rend = 0, 0
	for i := 0; i < 64; i++ {
		n, err := p.link.ReadTimeout(p.rbuf, 0)
		if n == 0 || err != nil {
			break
		}
	}
}

// Write writes buf to the link.
func (p *Port) Write(buf []byte) (int, error) {
	n, err := p.link.Write(buf)
	if err != nil {
		return n, Wrap(ErrIO, err)
	}
	return n, nil
}

// WriteByte writes a single byte.
func (p *Port) WriteByte(b byte) error {
	_, err := p.Write([]byte{b})
	return err
}

// Flush flushes the link if it buffers writes.
func (p *Port) Flush() error {
	if f, ok := p.link.(interface{ Flush() error }); ok {
		return Wrap(ErrIO, f.Flush())
	}
	return nil
}

// Abort writes the abort sequence. Write errors are ignored since the
// transfer is failing anyway.
func (p *Port) Abort() {
	_, _ = p.link.Write(AbortSequence)
	_ = p.Flush()
}
