package link

import (
	"bytes"
	"io"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/doublegate/Impulse-7.1-sub003/transfer"
	"go.bug.st/serial"
)

var (
	_ transfer.Link = (*PipeEnd)(nil)
	_ transfer.Link = (*Conn)(nil)
	_ transfer.Link = (*Reader)(nil)
	_ transfer.Link = (*SSH)(nil)
	_ transfer.Link = (*Serial)(nil)
	_ transfer.Link = (*Console)(nil)
	_ transfer.Link = (*LoggedLink)(nil)
)

func readAll(t *testing.T, l transfer.Link, want int) []byte {
	t.Helper()
	var out []byte
	buf := make([]byte, 64)
	deadline := time.Now().Add(2 * time.Second)
	for len(out) < want && time.Now().Before(deadline) {
		n, err := l.ReadTimeout(buf, 50*time.Millisecond)
		out = append(out, buf[:n]...)
		if err != nil && !transfer.IsTimeout(err) {
			t.Fatalf("read: %v", err)
		}
	}
	return out
}

func TestPipe(t *testing.T) {
	a, b := Pipe()

	a.Write([]byte("hello "))
	a.Write([]byte("world"))
	if got := readAll(t, b, 11); string(got) != "hello world" {
		t.Errorf("b read %q", got)
	}

	b.Write([]byte("back"))
	if got := readAll(t, a, 4); string(got) != "back" {
		t.Errorf("a read %q", got)
	}

	buf := make([]byte, 8)
	if _, err := b.ReadTimeout(buf, 0); !transfer.IsTimeout(err) {
		t.Errorf("poll on empty pipe: %v", err)
	}

	a.Write([]byte("tail"))
	a.Close()
	if got := readAll(t, b, 4); string(got) != "tail" {
		t.Errorf("drain read %q", got)
	}
	if _, err := b.ReadTimeout(buf, time.Second); err != io.EOF {
		t.Errorf("after close: %v", err)
	}
}

func TestPipeBlockedReaderWakes(t *testing.T) {
	a, b := Pipe()
	go func() {
		time.Sleep(20 * time.Millisecond)
		a.Write([]byte("x"))
	}()
	buf := make([]byte, 1)
	n, err := b.ReadTimeout(buf, 2*time.Second)
	if n != 1 || err != nil {
		t.Fatalf("ReadTimeout = %d, %v", n, err)
	}
}

func TestPipeWriteFilter(t *testing.T) {
	a, b := Pipe()
	writes := 0
	a.SetWriteFilter(func(p []byte) []byte {
		writes++
		if writes == 2 {
			return nil
		}
		return bytes.ToUpper(p)
	})
	a.Write([]byte("one"))
	a.Write([]byte("two"))
	a.Write([]byte("three"))
	if got := readAll(t, b, 8); string(got) != "ONETHREE" {
		t.Errorf("got %q", got)
	}
}

func TestConn(t *testing.T) {
	c1, c2 := net.Pipe()
	l := NewConn(c1)
	defer l.Close()
	defer c2.Close()

	buf := make([]byte, 16)
	if _, err := l.ReadTimeout(buf, 20*time.Millisecond); !transfer.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}

	go c2.Write([]byte("ping"))
	if got := readAll(t, l, 4); string(got) != "ping" {
		t.Errorf("got %q", got)
	}

	go func() {
		b := make([]byte, 4)
		io.ReadFull(c2, b)
		c2.Write(b)
	}()
	l.Write([]byte("pong"))
	if got := readAll(t, l, 4); string(got) != "pong" {
		t.Errorf("echo %q", got)
	}
}

func TestReader(t *testing.T) {
	pr, pw := io.Pipe()
	var out bytes.Buffer
	l := NewReader(pr, &out)

	buf := make([]byte, 4)
	if _, err := l.ReadTimeout(buf, 0); !transfer.IsTimeout(err) {
		t.Errorf("poll: %v", err)
	}

	go func() {
		pw.Write([]byte("abcdefgh"))
		pw.Close()
	}()
	if got := readAll(t, l, 8); string(got) != "abcdefgh" {
		t.Errorf("got %q", got)
	}
	if _, err := l.ReadTimeout(buf, time.Second); err != io.EOF {
		t.Errorf("after EOF: %v", err)
	}

	l.Write([]byte("out"))
	if out.String() != "out" {
		t.Errorf("wrote %q", out.String())
	}
}

type recordLogger struct {
	lines []string
}

func (r *recordLogger) Debug(format string, args ...interface{}) {
	r.lines = append(r.lines, "D "+format)
}
func (r *recordLogger) Info(format string, args ...interface{}) {}
func (r *recordLogger) Error(format string, args ...interface{}) {
	r.lines = append(r.lines, "E "+format)
}

func TestLogged(t *testing.T) {
	a, b := Pipe()
	rec := &recordLogger{}
	l := Logged(a, rec, "peer")

	l.Write([]byte("hello"))
	readAll(t, b, 5)
	b.Write([]byte("world"))
	readAll(t, l, 5)

	buf := make([]byte, 4)
	l.ReadTimeout(buf, 0)

	if len(rec.lines) != 2 {
		t.Fatalf("logged %v", rec.lines)
	}
	if !strings.HasPrefix(rec.lines[0], "D ") || !strings.HasPrefix(rec.lines[1], "D ") {
		t.Errorf("unexpected levels %v", rec.lines)
	}
}

func TestSerialMode(t *testing.T) {
	m, err := serialMode(9600)
	if err != nil {
		t.Fatal(err)
	}
	if m.BaudRate != 9600 || m.DataBits != 8 || m.Parity != serial.NoParity || m.StopBits != serial.OneStopBit {
		t.Errorf("mode %+v", *m)
	}
	if _, err := serialMode(0); err == nil {
		t.Error("zero baud accepted")
	}
	if _, err := OpenSerial(filepath.Join(t.TempDir(), "ttyS9"), 9600); err == nil {
		t.Error("opened a missing device")
	}
}
