package xmodem

import (
	"errors"
	"io"
	"time"

	"github.com/doublegate/Impulse-7.1-sub003/transfer"
)

// Conn runs the block level exchanges of Xmodem over a port. Sender and
// Receiver drive one file with it; Ymodem drives a batch.
type Conn struct {
	Port   *transfer.Port
	Policy transfer.Policy
	Logger transfer.Logger
	// Name prefixes log lines.
	Name string

	// Outcome collects units, bytes and retransmissions. It must not be nil.
	Outcome *transfer.Outcome
	// Tracker, if set, is updated with the file offset after every block.
	Tracker *transfer.ProgressTracker

	// Stream sends and receives data blocks without per block ACKs.
	Stream bool

	// CRCPolls is the number of 'C' polls sent before a receiver with
	// AllowFallback switches to NAK and checksum blocks.
	CRCPolls      int
	AllowFallback bool
}

var (
	errNAK         = transfer.NewError(transfer.ErrProtocol, "NAK from receiver")
	errNoReply     = transfer.NewError(transfer.ErrTimeout, "no reply")
	errPeerCancels = transfer.NewError(transfer.ErrCancelled, "CAN from peer")
)

func (c *Conn) logger() transfer.Logger {
	return transfer.OrNoop(c.Logger)
}

func (c *Conn) write(b []byte) error {
	if _, err := c.Port.Write(b); err != nil {
		return err
	}
	return c.Port.Flush()
}

// SendByte writes a single control byte.
func (c *Conn) SendByte(ctl byte) error {
	return c.write([]byte{ctl})
}

// Negotiate waits for the receiver's start signal and returns it: NAK for
// checksum blocks, CRCPoll for CRC blocks or GPoll for streaming. Other
// bytes are skipped.
func (c *Conn) Negotiate() (byte, error) {
	r := c.Policy.Start(0)
	c.Port.SetDeadline(r.Arm())
	for {
		b, err := c.Port.ReadByte()
		if err != nil {
			if err = r.Fail(err); err != nil {
				return 0, err
			}
			c.Port.SetDeadline(r.Arm())
			continue
		}
		switch b {
		case NAK, CRCPoll, GPoll:
			c.logger().Debug("%s: receiver polled %q", c.Name, b)
			return b, nil
		case CAN:
			return 0, errPeerCancels
		}
	}
}

// NegotiatedVariant returns the variant to send with after poll: NAK asks
// for checksum blocks, the other polls for CRC blocks in want's size.
func NegotiatedVariant(want Variant, poll byte) Variant {
	if poll == NAK {
		return Checksum
	}
	if want == Checksum {
		return CRC
	}
	return want
}

// SendBlock sends b until the receiver ACKs it. A NAK or a silent receiver
// gets the block again, at most Policy.MaxRetries times. Stray polls while
// waiting are ignored.
func (c *Conn) SendBlock(b Block) error {
	raw := Serialize(b)
	r := c.Policy.Start(c.Outcome.Offset)
	for {
		if err := c.write(raw); err != nil {
			return err
		}
		c.logger().Debug("%s: sent block %d (%d bytes)", c.Name, b.Number, b.Size())

		err := c.awaitACK(r.Arm())
		if err == nil {
			c.Outcome.Units++
			r.Succeed(c.Outcome.Offset)
			return nil
		}
		if err = r.Fail(err); err != nil {
			return err
		}
		c.Outcome.Retransmitted += int64(len(b.Payload))
		c.logger().Info("%s: resending block %d (attempt %d)", c.Name, b.Number, r.Attempts()+1)
	}
}

// awaitACK reads replies until an ACK, a NAK, a CAN or the deadline.
func (c *Conn) awaitACK(deadline time.Time) error {
	c.Port.SetDeadline(deadline)
	for {
		b, err := c.Port.ReadByte()
		if transfer.IsTimeout(err) {
			return errNoReply
		}
		if err != nil {
			return err
		}
		switch b {
		case ACK:
			return nil
		case NAK:
			return errNAK
		case CAN:
			return errPeerCancels
		}
	}
}

// streamBlock sends b without waiting. Input is polled so a receiver that
// gives up with CAN is noticed.
func (c *Conn) streamBlock(b Block) error {
	if err := c.Port.Err(); err != nil {
		return err
	}
	if err := c.write(Serialize(b)); err != nil {
		return err
	}
	c.Outcome.Units++
	for {
		ok, err := c.Port.Poll()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		in, err := c.Port.ReadByte()
		if err != nil {
			return err
		}
		if in == CAN {
			return errPeerCancels
		}
	}
}

// SendBody sends body as data blocks numbered from 1 and returns the bytes
// sent. A OneK transfer sends a tail of 128 bytes or less as a short block.
func (c *Conn) SendBody(body io.Reader, v Variant) (int64, error) {
	buf := make([]byte, v.BlockSize())
	num := byte(1)
	var sent int64
	for {
		n, err := io.ReadFull(body, buf)
		if n == 0 {
			if err == nil || err == io.EOF || err == io.ErrUnexpectedEOF {
				return sent, nil
			}
			return sent, transfer.Wrap(transfer.ErrIO, err)
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			return sent, transfer.Wrap(transfer.ErrIO, err)
		}

		b := Block{Number: num, Payload: buf[:n], Variant: v}
		if c.Stream {
			err = c.streamBlock(b)
		} else {
			err = c.SendBlock(b)
		}
		if err != nil {
			return sent, err
		}
		sent += int64(n)
		c.Outcome.Bytes += int64(n)
		c.Outcome.Offset = sent
		if c.Tracker != nil {
			c.Tracker.Update(sent)
		}
		num++
	}
}

// SendEOT ends the file and waits for the ACK. EOT is sent again after a
// NAK, which some receivers answer to the first EOT on purpose.
func (c *Conn) SendEOT() error {
	r := c.Policy.Start(c.Outcome.Offset)
	for {
		if err := c.SendByte(EOT); err != nil {
			return err
		}
		err := c.awaitACK(r.Arm())
		if err == nil {
			c.logger().Debug("%s: EOT acknowledged", c.Name)
			return nil
		}
		if err = r.Fail(err); err != nil {
			return err
		}
	}
}

// ReadBlock waits until deadline for the next block or EOT. The trailer is
// read as v says. Noise before the header byte is skipped; a CAN cancels.
func (c *Conn) ReadBlock(v Variant, deadline time.Time) (b Block, eot bool, err error) {
	c.Port.SetDeadline(deadline)
	for {
		h, err := c.Port.ReadByte()
		if err != nil {
			return Block{}, false, err
		}
		switch h {
		case SOH, STX:
			size, _ := blockSize(h)
			raw := make([]byte, 3+size+v.TrailerSize())
			raw[0] = h
			if err := c.Port.ReadFull(raw[1:]); err != nil {
				return Block{}, false, err
			}
			b, err := Parse(raw, v)
			return b, false, err
		case EOT:
			return Block{}, true, nil
		case CAN:
			return Block{}, false, errPeerCancels
		}
	}
}

// ReceiveBody polls the sender with poll, then writes data blocks numbered
// from 1 to w until EOT. size truncates the padded tail when it is not
// negative. It returns the bytes written.
func (c *Conn) ReceiveBody(w io.Writer, v Variant, size int64, poll byte) (int64, error) {
	if poll == GPoll {
		c.Stream = true
	}
	if err := c.SendByte(poll); err != nil {
		return 0, err
	}
	polls := 1
	expected := byte(1)
	started := false
	var written int64
	r := c.Policy.Start(0)
	for {
		b, eot, err := c.ReadBlock(v, r.Arm())
		if err != nil {
			if (c.Stream && started) || !transfer.Recoverable(err) {
				return written, err
			}
			if err = r.Fail(err); err != nil {
				return written, err
			}
			c.Port.Purge()
			if started {
				c.logger().Info("%s: block %d: %v", c.Name, expected, r.Last())
				c.Outcome.Retransmitted += int64(v.BlockSize())
				err = c.SendByte(NAK)
			} else {
				if poll == CRCPoll && c.AllowFallback && polls >= c.CRCPolls {
					c.logger().Info("%s: no answer to CRC polls, falling back to checksum", c.Name)
					poll, v = NAK, Checksum
				}
				polls++
				err = c.SendByte(poll)
			}
			if err != nil {
				return written, err
			}
			continue
		}

		if eot {
			if err := c.SendByte(ACK); err != nil {
				return written, err
			}
			c.logger().Debug("%s: EOT after %d bytes", c.Name, written)
			return written, nil
		}

		if b.Number == expected-1 && !c.Stream {
			c.logger().Debug("%s: duplicate block %d", c.Name, b.Number)
			if err := c.SendByte(ACK); err != nil {
				return written, err
			}
			if !started {
				err = c.SendByte(poll)
			}
			if err != nil {
				return written, err
			}
			continue
		}
		if b.Number != expected {
			return written, transfer.Errorf(transfer.ErrProtocol, "block %d out of sequence, want %d", b.Number, expected)
		}

		data := b.Payload
		if size >= 0 && written+int64(len(data)) > size {
			data = data[:max(size-written, 0)]
		}
		if _, err := w.Write(data); err != nil {
			return written, transfer.Wrap(transfer.ErrIO, err)
		}
		written += int64(len(data))
		started = true
		expected++
		c.Outcome.Units++
		c.Outcome.Bytes += int64(len(data))
		c.Outcome.Offset = written
		r.Succeed(written)
		if c.Tracker != nil {
			c.Tracker.Update(written)
		}
		if !c.Stream {
			if err := c.SendByte(ACK); err != nil {
				return written, err
			}
		}
	}
}

// IsPeerCancel reports whether err is a CAN received from the peer.
func IsPeerCancel(err error) bool {
	return errors.Is(err, errPeerCancels)
}
