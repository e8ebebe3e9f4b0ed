// Package link adapts byte streams (sockets, telnet, SSH sessions, serial
// lines, the controlling terminal and in-memory pipes) to transfer.Link.
package link

import (
	"io"
	"sync"
	"time"

	"github.com/doublegate/Impulse-7.1-sub003/transfer"
)

func timeoutError() error {
	return transfer.NewError(transfer.ErrTimeout, "read timeout")
}

// queue is one direction of a Pipe.
type queue struct {
	mu     sync.Mutex
	buf    []byte
	closed bool
	notify chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

func (q *queue) put(p []byte) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return io.ErrClosedPipe
	}
	q.buf = append(q.buf, p...)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *queue) take(p []byte, d time.Duration) (int, error) {
	deadline := time.Now().Add(d)
	for {
		q.mu.Lock()
		if len(q.buf) > 0 {
			n := copy(p, q.buf)
			q.buf = q.buf[n:]
			q.mu.Unlock()
			return n, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return 0, io.EOF
		}

		left := time.Until(deadline)
		if d <= 0 || left <= 0 {
			return 0, timeoutError()
		}
		t := time.NewTimer(left)
		select {
		case <-q.notify:
			t.Stop()
		case <-t.C:
		}
	}
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// PipeEnd is one side of an in-memory full duplex link. Writes never block.
type PipeEnd struct {
	in, out *queue

	mu     sync.Mutex
	filter func([]byte) []byte
}

// Pipe returns two connected ends.
func Pipe() (*PipeEnd, *PipeEnd) {
	ab, ba := newQueue(), newQueue()
	return &PipeEnd{in: ba, out: ab}, &PipeEnd{in: ab, out: ba}
}

// SetWriteFilter installs f to rewrite every outgoing write. f receives a
// private copy and may return it modified, shortened or nil to drop it.
func (e *PipeEnd) SetWriteFilter(f func([]byte) []byte) {
	e.mu.Lock()
	e.filter = f
	e.mu.Unlock()
}

func (e *PipeEnd) Write(p []byte) (int, error) {
	e.mu.Lock()
	f := e.filter
	e.mu.Unlock()

	data := p
	if f != nil {
		data = f(append([]byte(nil), p...))
	}
	if len(data) > 0 {
		if err := e.out.put(data); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// ReadTimeout implements transfer.Link.
func (e *PipeEnd) ReadTimeout(p []byte, d time.Duration) (int, error) {
	return e.in.take(p, d)
}

// Close closes both directions; the peer drains what was written and then
// reads io.EOF.
func (e *PipeEnd) Close() error {
	e.out.close()
	e.in.close()
	return nil
}
