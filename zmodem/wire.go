package zmodem

import (
	"time"

	"github.com/doublegate/Impulse-7.1-sub003/transfer"
)

// wire is the frame level I/O shared by Sender and Receiver.
type wire struct {
	port   *transfer.Port
	rd     *frameReader
	set    *EscapeSet
	logger transfer.Logger
	name   string
	znulls int

	out []byte
	buf []byte
}

func newWire(port *transfer.Port, cfg *Config, name string) wire {
	return wire{
		port:   port,
		rd:     newFrameReader(port, cfg.GarbageThreshold),
		set:    NewEscapeSet(cfg.Escape),
		logger: cfg.Logger,
		name:   name,
		znulls: cfg.ZNulls,
		buf:    make([]byte, maxSubpacketSize),
	}
}

func (w *wire) flush() error {
	if _, err := w.port.Write(w.out); err != nil {
		return err
	}
	return w.port.Flush()
}

// sendHex sends a hex header.
func (w *wire) sendHex(h Header) error {
	w.logger.Debug("%s", FormatFrameLog(w.name+": send", h, nil))
	w.out = AppendHeader(w.out[:0], h, Hex, nil)
	return w.flush()
}

// sendFrame sends a binary header and, if data is not nil, one subpacket
// in a single write. ZDATA headers are preceded by the configured NULs.
func (w *wire) sendFrame(enc Encoding, h Header, data []byte, end SubpacketEnd) error {
	w.logger.Debug("%s", FormatFrameLog(w.name+": send", h, data))
	w.out = w.out[:0]
	if h.Type == ZDATA {
		for i := 0; i < w.znulls; i++ {
			w.out = append(w.out, 0)
		}
	}
	w.out = AppendHeader(w.out, h, enc, w.set)
	if data != nil {
		w.out = AppendSubpacket(w.out, data, end, enc == Bin32, w.set)
	}
	return w.flush()
}

// sendData sends one subpacket of an open ZDATA frame.
func (w *wire) sendData(data []byte, end SubpacketEnd, crc32 bool) error {
	w.out = AppendSubpacket(w.out[:0], data, end, crc32, w.set)
	return w.flush()
}

// readHeader waits until deadline for the next header.
func (w *wire) readHeader(deadline time.Time) (Encoding, Header, error) {
	w.port.SetDeadline(deadline)
	enc, h, err := w.rd.readHeader()
	if err != nil {
		w.logger.Debug("%s: read header: %v", w.name, err)
		return enc, h, err
	}
	w.logger.Debug("%s", FormatFrameLog(w.name+": recv", h, nil))
	return enc, h, nil
}

// readData reads a subpacket into the shared buffer. The returned slice is
// valid until the next call.
func (w *wire) readData(deadline time.Time, crc32 bool) ([]byte, SubpacketEnd, error) {
	w.port.SetDeadline(deadline)
	n, end, err := w.rd.readSubpacket(w.buf, crc32)
	if err != nil {
		w.logger.Debug("%s: read subpacket: %v", w.name, err)
		return nil, end, err
	}
	return w.buf[:n], end, nil
}

// sendAttn sends an attention string. 0xDD stands for a break, which a
// byte link cannot send, and 0xDE for a one second pause.
// This matches zmputs() from zm.c.
func (w *wire) sendAttn(attn []byte) {
	for _, c := range attn {
		switch c {
		case 0xdd:
		case 0xde:
			time.Sleep(time.Second)
		default:
			w.port.WriteByte(c)
		}
	}
}

// abort sends the cancel sequence. Write errors are ignored.
func (w *wire) abort(err error) {
	w.logger.Info("%s: aborting: %v", w.name, err)
	w.port.Abort()
}

func peerCancelled(t FrameType) error {
	return transfer.Errorf(transfer.ErrCancelled, "peer sent %s", t)
}
