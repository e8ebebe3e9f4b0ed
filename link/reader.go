package link

import (
	"io"
	"sync"
	"time"
)

// Reader turns a blocking io.Reader into a link by pumping it from a
// goroutine. Use it for pipes and SSH channels that have no deadlines.
type Reader struct {
	w       io.Writer
	chunks  chan []byte
	pending []byte
	done    chan struct{}

	mu   sync.Mutex
	err  error
	once sync.Once
}

// NewReader starts pumping r; writes go to w.
func NewReader(r io.Reader, w io.Writer) *Reader {
	l := &Reader{
		w:      w,
		chunks: make(chan []byte, 16),
		done:   make(chan struct{}),
	}
	go l.pump(r)
	return l
}

func (l *Reader) pump(r io.Reader) {
	defer close(l.chunks)
	for {
		buf := make([]byte, 4096)
		n, err := r.Read(buf)
		if n > 0 {
			select {
			case l.chunks <- buf[:n]:
			case <-l.done:
				return
			}
		}
		if err != nil {
			l.mu.Lock()
			l.err = err
			l.mu.Unlock()
			return
		}
	}
}

func (l *Reader) readErr() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err == nil {
		return io.EOF
	}
	return l.err
}

// ReadTimeout implements transfer.Link.
func (l *Reader) ReadTimeout(p []byte, d time.Duration) (int, error) {
	if len(l.pending) > 0 {
		n := copy(p, l.pending)
		l.pending = l.pending[n:]
		return n, nil
	}

	var chunk []byte
	var ok bool
	if d <= 0 {
		select {
		case chunk, ok = <-l.chunks:
		default:
			return 0, timeoutError()
		}
	} else {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case chunk, ok = <-l.chunks:
		case <-t.C:
			return 0, timeoutError()
		}
	}
	if !ok {
		return 0, l.readErr()
	}
	n := copy(p, chunk)
	l.pending = chunk[n:]
	return n, nil
}

func (l *Reader) Write(p []byte) (int, error) {
	return l.w.Write(p)
}

// Close stops delivering input and closes the writer if it is a Closer.
// A Read already blocked in the pump finishes on its own.
func (l *Reader) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		if c, ok := l.w.(io.Closer); ok {
			err = c.Close()
		}
	})
	return err
}
