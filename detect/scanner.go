package detect

import (
	"bytes"

	"github.com/doublegate/Impulse-7.1-sub003/transfer"
)

// Start is a Zmodem session found in terminal output.
type Start struct {
	// Peer is the direction of the remote program: Send for sz, which
	// opens with ZRQINIT, and Receive for rz, which opens with ZRINIT.
	Peer transfer.Direction

	// Data is the terminal stream from the start sequence on. It belongs
	// to the protocol and must be fed to the session before the link.
	Data []byte
}

// Scanner watches terminal output for the hex header that opens a Zmodem
// session, including one split across reads. Bytes that could be the
// beginning of a start sequence are held back until the next chunk shows
// whether they are.
type Scanner struct {
	held   []byte
	logger transfer.Logger
}

// NewScanner returns a Scanner. A nil logger discards.
func NewScanner(logger transfer.Logger) *Scanner {
	return &Scanner{logger: transfer.OrNoop(logger)}
}

// Feed scans the next chunk of output. text is what should be shown on the
// terminal. When a session starts, start describes it and text holds only
// the output before the sequence; the scanner is then empty again.
func (s *Scanner) Feed(chunk []byte) (text []byte, start *Start) {
	buf := append(s.held, chunk...)
	s.held = nil

	i := bytes.Index(buf, zrqinit)
	peer := transfer.Send
	if j := bytes.Index(buf, zrinit); j >= 0 && (i < 0 || j < i) {
		i, peer = j, transfer.Receive
	}
	if i >= 0 {
		s.logger.Info("Scanner: remote %s session at offset %d", peerName(peer), i)
		return buf[:i], &Start{Peer: peer, Data: append([]byte(nil), buf[i:]...)}
	}

	keep := partialStart(buf)
	s.held = append([]byte(nil), buf[len(buf)-keep:]...)
	return buf[:len(buf)-keep], nil
}

// Flush returns the bytes held back, e.g. when the stream ends.
func (s *Scanner) Flush() []byte {
	held := s.held
	s.held = nil
	return held
}

// partialStart returns the length of the longest suffix of buf that is a
// proper prefix of a start sequence.
func partialStart(buf []byte) int {
	for n := min(len(zrinit)-1, len(buf)); n > 0; n-- {
		tail := buf[len(buf)-n:]
		if bytes.HasPrefix(zrinit, tail) || bytes.HasPrefix(zrqinit, tail) {
			return n
		}
	}
	return 0
}

func peerName(d transfer.Direction) string {
	if d == transfer.Send {
		return "sz"
	}
	return "rz"
}
