package zmodem

import (
	"bytes"
	"context"
	"errors"
	"hash/crc32"
	"io"

	"github.com/doublegate/Impulse-7.1-sub003/recovery"
	"github.com/doublegate/Impulse-7.1-sub003/transfer"
)

// Sender implements the Zmodem sender (sz).
type Sender struct {
	wire
	cfg     Config
	obs     transfer.Observer
	tracker *transfer.ProgressTracker

	// Receiver capabilities from ZRINIT.
	rxFlags   byte
	rxBufLen  int
	use32     bool
	hdrEnc    Encoding
	blockSize int

	outcome transfer.Outcome
}

// NewSender creates a sender on port. A nil config uses DefaultConfig.
func NewSender(port *transfer.Port, config *Config) *Sender {
	cfg := config.normalized()
	s := &Sender{
		wire:      newWire(port, &cfg, "Sender"),
		cfg:       cfg,
		obs:       cfg.Observer,
		tracker:   transfer.NewProgressTracker(cfg.Observer, cfg.ProgressInterval),
		hdrEnc:    Bin16,
		blockSize: cfg.SubpacketSize,
	}
	s.logger.Info("Sender created (CRC32=%v, escapeCtrl=%v, subpacket=%d)",
		cfg.UseCRC32, cfg.Escape.Control, cfg.SubpacketSize)
	return s
}

// Send transfers every file of files and ends the session. The outcome is
// returned with any error; on error the peer has been sent the cancel
// sequence.
func (s *Sender) Send(ctx context.Context, files transfer.FileSource) (transfer.Outcome, error) {
	s.port.SetContext(ctx)
	s.outcome = transfer.Outcome{Protocol: "zmodem", Direction: transfer.Send}

	err := s.run(files)
	if err != nil {
		s.outcome.Fail(err)
		s.abort(err)
	}
	s.obs.Finished(s.outcome)
	return s.outcome, err
}

func (s *Sender) run(files transfer.FileSource) error {
	if s.cfg.AutoStart {
		if _, err := s.port.Write(autoStart); err != nil {
			return err
		}
	}
	if err := s.sendHex(PosHeader(ZRQINIT, 0)); err != nil {
		return err
	}
	if err := s.getReceiverInit(); err != nil {
		return err
	}
	if err := s.sendInit(); err != nil {
		return err
	}

	for {
		f, err := files.Next()
		if err != nil {
			return err
		}
		if f == nil {
			break
		}
		err = s.sendFile(f)
		f.Close()
		if errors.Is(err, transfer.ErrFileSkipped) {
			s.logger.Info("Sender: %s skipped by receiver", f.Name)
			continue
		}
		if err != nil {
			return err
		}
		s.outcome.Files++
	}
	return s.finish()
}

// getReceiverInit waits for ZRINIT, answering challenges on the way.
// This matches getzrxinit() from lsz.c.
func (s *Sender) getReceiverInit() error {
	r := s.cfg.Policy.Start(0)
	for {
		_, h, err := s.readHeader(r.Arm())
		if err != nil {
			if err = r.Fail(err); err != nil {
				return err
			}
			if err := s.sendHex(PosHeader(ZRQINIT, 0)); err != nil {
				return err
			}
			continue
		}
		switch h.Type {
		case ZRINIT:
			s.setReceiverCaps(h)
			return nil
		case ZCHALLENGE:
			// Echo the receiver's challenge.
			if err := s.sendHex(Header{Type: ZACK, Data: h.Data}); err != nil {
				return err
			}
		case ZCAN, ZABORT:
			return peerCancelled(h.Type)
		case ZRQINIT:
			// Another sender on the far side.
			if err := r.Fail(transfer.NewError(transfer.ErrProtocol, "peer is also sending")); err != nil {
				return err
			}
			if err := s.sendHex(PosHeader(ZNAK, 0)); err != nil {
				return err
			}
		default:
			if err := r.Fail(transfer.Errorf(transfer.ErrProtocol, "unexpected %s", h.Type)); err != nil {
				return err
			}
			if err := s.sendHex(PosHeader(ZRQINIT, 0)); err != nil {
				return err
			}
		}
	}
}

func (s *Sender) setReceiverCaps(h Header) {
	s.rxFlags = h.F0()
	s.rxBufLen = int(h.Data[ZP0]) | int(h.Data[ZP1])<<8
	s.use32 = s.cfg.UseCRC32 && s.rxFlags&CANFC32 != 0
	if s.use32 {
		s.hdrEnc = Bin32
	}

	esc := s.cfg.Escape
	if s.rxFlags&ESCCTL != 0 {
		esc.Control = true
	}
	if s.rxFlags&ESC8 != 0 {
		esc.EighthBit = true
	}
	s.set = NewEscapeSet(esc)

	s.blockSize = s.cfg.SubpacketSize
	if s.rxBufLen > 0 && s.blockSize > s.rxBufLen {
		s.blockSize = max(s.rxBufLen, 32)
	}
	s.logger.Info("Sender: receiver flags=%02x buflen=%d crc32=%v subpacket=%d",
		s.rxFlags, s.rxBufLen, s.use32, s.blockSize)
}

// sendInit sends ZSINIT when there is an attention string or escaping the
// receiver did not ask for. This matches sendzsinit() from lsz.c.
func (s *Sender) sendInit() error {
	esc := s.set.Config()
	if len(s.cfg.Attention) == 0 && !(s.cfg.Escape.Control && s.rxFlags&ESCCTL == 0) {
		return nil
	}
	var flags byte
	if esc.Control {
		flags |= TESCCTL
	}
	if esc.EighthBit {
		flags |= TESC8
	}
	data := append(append([]byte{}, s.cfg.Attention...), 0)

	r := s.cfg.Policy.Start(0)
	for {
		if err := s.sendFrame(s.hdrEnc, FlagsHeader(ZSINIT, flags, 0, 0, 0), data, ZCRCW); err != nil {
			return err
		}
		_, h, err := s.readHeader(r.Arm())
		if err == nil {
			switch h.Type {
			case ZACK:
				return nil
			case ZCAN, ZABORT:
				return peerCancelled(h.Type)
			}
			err = transfer.Errorf(transfer.ErrProtocol, "unexpected %s after ZSINIT", h.Type)
		}
		if err = r.Fail(err); err != nil {
			return err
		}
	}
}

// sendFile offers f with ZFILE and sends it from the position the receiver
// asks for. This matches zsendfile() from lsz.c.
func (s *Sender) sendFile(f *transfer.OutgoingFile) (err error) {
	info := f.FileInfo
	s.outcome.Filename = info.Name
	s.outcome.Offset = 0

	var lease *recovery.Lease
	var recorded int64
	if s.cfg.Recovery != nil {
		lease, err = s.cfg.Recovery.Acquire(info.Name, transfer.Send)
		if err != nil {
			return transfer.Wrap(transfer.ErrIO, err)
		}
		recorded = lease.Offset(info.Size)
		defer func() { lease.Finish(err) }()
	}

	conv := byte(ZCBIN)
	if s.cfg.Resume || recorded > 0 {
		conv = ZCRESUM
	}
	hdr := FlagsHeader(ZFILE, conv, 0, 0, 0)
	data := transfer.MarshalFileInfo(info)
	s.logger.Info("Sender: offering %s", info)

	r := s.cfg.Policy.Start(0)
	resend := true
	for {
		if resend {
			if err := s.sendFrame(s.hdrEnc, hdr, data, ZCRCW); err != nil {
				return err
			}
		}
		resend = true

		_, h, err := s.readHeader(r.Arm())
		if err != nil {
			if err = r.Fail(err); err != nil {
				return err
			}
			continue
		}
		switch h.Type {
		case ZRINIT:
			// A repeat of the receiver's init; the answer to ZFILE follows.
			resend = false
		case ZRPOS:
			pos := h.Position()
			if info.Size >= 0 && pos > info.Size {
				pos = info.Size
			}
			if recorded > 0 && pos != recorded {
				s.logger.Info("Sender: receiver resumes %s at %d, record had %d", info.Name, pos, recorded)
			}
			if lease != nil {
				lease.Reset(pos)
			}
			return s.sendBody(f, pos, lease)
		case ZSKIP:
			skip := transfer.Errorf(transfer.ErrFileSkipped, "receiver skipped %s", info.Name)
			s.tracker.Start(info, 0)
			s.tracker.Complete(skip)
			return skip
		case ZCRC:
			crc, err := fileCRC(f.Body, h.Position())
			if err != nil {
				return err
			}
			if err := s.sendHex(PosHeader(ZCRC, int64(crc))); err != nil {
				return err
			}
			resend = false
		case ZCAN, ZABORT, ZFERR:
			return peerCancelled(h.Type)
		default:
			if err := r.Fail(transfer.Errorf(transfer.ErrProtocol, "unexpected %s after ZFILE", h.Type)); err != nil {
				return err
			}
		}
	}
}

// fileCRC returns the CRC-32 of the first n bytes of body, or of all of it
// when n is 0.
func fileCRC(body io.ReadSeeker, n int64) (uint32, error) {
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return 0, transfer.Wrap(transfer.ErrIO, err)
	}
	h := crc32.NewIEEE()
	var err error
	if n > 0 {
		_, err = io.CopyN(h, body, n)
	} else {
		_, err = io.Copy(h, body)
	}
	if err != nil && err != io.EOF {
		return 0, transfer.Wrap(transfer.ErrIO, err)
	}
	return h.Sum32(), nil
}

// bodyState is the data phase of one file.
type bodyState struct {
	s     *Sender
	body  io.ReadSeeker
	lease *recovery.Lease
	r     *transfer.Retrier

	txpos int64 // next byte to send
	acked int64 // receiver holds everything before acked
	high  int64 // end of the furthest subpacket sent
	size  int   // current subpacket length

	lastSync int64
}

// restart seeks to pos and opens a new ZDATA frame there.
func (b *bodyState) restart(pos int64) error {
	if _, err := b.body.Seek(pos, io.SeekStart); err != nil {
		return transfer.Wrap(transfer.ErrIO, err)
	}
	b.txpos = pos
	return b.s.sendFrame(b.s.hdrEnc, PosHeader(ZDATA, pos), nil, 0)
}

// resync handles ZRPOS. A repeated request for the same position halves
// the subpacket length, as lsz does.
func (b *bodyState) resync(pos int64) error {
	if pos > b.high {
		pos = b.high
	}
	if pos > b.r.Offset() {
		b.r.Succeed(pos)
	}
	if err := b.r.Fail(transfer.Errorf(transfer.ErrProtocol, "receiver asked for %d", pos)); err != nil {
		return err
	}
	if pos == b.lastSync && b.size > 32 {
		b.size /= 2
	}
	b.lastSync = pos
	b.acked = pos
	if b.lease != nil {
		b.lease.Reset(pos)
	}
	b.s.logger.Debug("Sender: ZRPOS %d (txpos %d, subpacket %d)", pos, b.txpos, b.size)
	return b.restart(pos)
}

func (b *bodyState) ack(pos int64) {
	if pos <= b.acked || pos > b.high {
		return
	}
	b.acked = pos
	b.r.Succeed(pos)
	b.s.outcome.Offset = pos
	if b.lease != nil {
		b.lease.Commit(pos)
	}
}

// reply applies a header received during the data phase. moved reports
// that a new ZDATA frame was opened.
func (b *bodyState) reply(h Header) (moved bool, err error) {
	switch h.Type {
	case ZACK:
		b.ack(h.Position())
		return false, nil
	case ZRPOS:
		return true, b.resync(h.Position())
	case ZSKIP:
		return false, transfer.NewError(transfer.ErrFileSkipped, "receiver skipped file")
	case ZCAN, ZABORT, ZFERR:
		return false, peerCancelled(h.Type)
	}
	b.s.logger.Debug("Sender: ignoring %s during data", h.Type)
	return false, nil
}

// waitAck waits for the ack of a ZCRCW subpacket and opens the next
// frame. On timeout the frame is resent from the last acked position.
func (b *bodyState) waitAck() error {
	target := b.txpos
	for b.acked < target {
		_, h, err := b.s.readHeader(b.r.Arm())
		if err != nil {
			if err = b.r.Fail(err); err != nil {
				return err
			}
			b.s.logger.Debug("Sender: no ack for %d, resending from %d", target, b.acked)
			return b.restart(b.acked)
		}
		moved, err := b.reply(h)
		if err != nil || moved {
			return err
		}
	}
	return b.s.sendFrame(b.s.hdrEnc, PosHeader(ZDATA, b.txpos), nil, 0)
}

// waitWindow blocks while the unacked bytes fill the window.
func (b *bodyState) waitWindow(window int64) error {
	for b.txpos-b.acked >= window {
		_, h, err := b.s.readHeader(b.r.Arm())
		if err != nil {
			if err = b.r.Fail(err); err != nil {
				return err
			}
			return b.restart(b.acked)
		}
		moved, err := b.reply(h)
		if err != nil || moved {
			return err
		}
	}
	return nil
}

// poll handles any reverse traffic without blocking.
func (b *bodyState) poll() error {
	for {
		ready, err := b.s.port.Poll()
		if err != nil || !ready {
			return err
		}
		pending := b.s.port.Buffered()
		if bytes.IndexByte(pending, ZPAD) < 0 && bytes.IndexByte(pending, CAN) < 0 {
			// Line noise.
			for range pending {
				b.s.port.ReadByte()
			}
			return nil
		}
		_, h, err := b.s.readHeader(b.r.Arm())
		if err != nil {
			if err = b.r.Fail(err); err != nil {
				return err
			}
			continue
		}
		moved, err := b.reply(h)
		if err != nil || moved {
			return err
		}
	}
}

// finish sends ZEOF until the receiver confirms with ZRINIT. done is false
// when the receiver asked for data again.
func (b *bodyState) finish() (done bool, err error) {
	for {
		if err := b.s.sendFrame(b.s.hdrEnc, PosHeader(ZEOF, b.txpos), nil, 0); err != nil {
			return false, err
		}
	wait:
		for {
			_, h, err := b.s.readHeader(b.r.Arm())
			if err != nil {
				if err = b.r.Fail(err); err != nil {
					return false, err
				}
				break wait
			}
			switch h.Type {
			case ZRINIT:
				b.ack(b.txpos)
				return true, nil
			case ZACK:
				// A late data ack still confirms data.
				b.ack(h.Position())
			case ZRPOS:
				return false, b.resync(h.Position())
			case ZSKIP:
				return false, transfer.NewError(transfer.ErrFileSkipped, "receiver skipped file")
			case ZCAN, ZABORT, ZFERR:
				return false, peerCancelled(h.Type)
			default:
				if err := b.r.Fail(transfer.Errorf(transfer.ErrProtocol, "unexpected %s after ZEOF", h.Type)); err != nil {
					return false, err
				}
				break wait
			}
		}
	}
}

// checkpointBlocks is the ZCRCQ spacing, in subpackets, when streaming
// without a window. The receiver's ZACK confirms what it holds.
const checkpointBlocks = 16

// sendBody streams f from start. Subpackets end with ZCRCW when the
// receiver cannot overlap I/O or its buffer is full, ZCRCQ at window
// spacing (every checkpointBlocks without a window), ZCRCG otherwise, and
// ZCRCE at end of file.
// This matches zsendfdata() from lsz.c.
func (s *Sender) sendBody(f *transfer.OutgoingFile, start int64, lease *recovery.Lease) (err error) {
	b := &bodyState{
		s:        s,
		body:     f.Body,
		lease:    lease,
		r:        s.cfg.Policy.Start(start),
		acked:    start,
		high:     start,
		size:     s.blockSize,
		lastSync: -1,
	}
	s.tracker.Start(f.FileInfo, start)
	defer func() {
		s.outcome.Bytes += b.acked - start
		s.tracker.Complete(err)
	}()

	streaming := s.rxFlags&CANOVIO != 0
	canPoll := s.rxFlags&CANFDX != 0
	window := int64(s.cfg.WindowSize)
	spacing := int64(s.blockSize) * checkpointBlocks
	if window > 0 {
		spacing = max(window/4, int64(s.blockSize))
	}
	var sinceQ int64

	buf := make([]byte, s.blockSize)
	if err := b.restart(start); err != nil {
		return err
	}
	for {
		if err := s.port.Err(); err != nil {
			return err
		}

		n, rerr := io.ReadFull(b.body, buf[:b.size])
		eof := false
		switch {
		case rerr == io.EOF || rerr == io.ErrUnexpectedEOF:
			eof = true
		case rerr != nil:
			return transfer.Wrap(transfer.ErrIO, rerr)
		}
		if f.Size >= 0 && b.txpos+int64(n) >= f.Size {
			eof = true
		}

		end := ZCRCG
		switch {
		case eof:
			end = ZCRCE
		case !streaming:
			end = ZCRCW
		case s.rxBufLen > 0 && b.txpos+int64(n)-b.acked >= int64(s.rxBufLen):
			end = ZCRCW
		default:
			sinceQ += int64(n)
			if sinceQ >= spacing {
				end = ZCRCQ
				sinceQ = 0
			}
		}
		if err := s.sendData(buf[:n], end, s.use32); err != nil {
			return err
		}
		if b.txpos < b.high {
			s.outcome.Retransmitted += min(b.high, b.txpos+int64(n)) - b.txpos
		}
		b.txpos += int64(n)
		b.high = max(b.high, b.txpos)
		s.outcome.Units++
		s.tracker.Update(b.txpos)

		switch {
		case eof:
			done, err := b.finish()
			if err != nil {
				return err
			}
			if done {
				s.logger.Info("Sender: %s complete at %d", f.Name, b.txpos)
				return nil
			}
		case end == ZCRCW:
			if err := b.waitAck(); err != nil {
				return err
			}
		default:
			if canPoll {
				if err := b.poll(); err != nil {
					return err
				}
			}
			if window > 0 {
				if err := b.waitWindow(window); err != nil {
					return err
				}
			}
		}
	}
}

// finish ends the session with ZFIN and "OO".
// This matches saybibi() from lsz.c.
func (s *Sender) finish() error {
	r := s.cfg.Policy.Start(0)
	resend := true
	for {
		if resend {
			if err := s.sendHex(PosHeader(ZFIN, 0)); err != nil {
				return err
			}
		}
		resend = true
		_, h, err := s.readHeader(r.Arm())
		if err != nil {
			if err = r.Fail(err); err != nil {
				return err
			}
			continue
		}
		switch h.Type {
		case ZFIN:
			_, err := s.port.Write(overAndOut)
			return err
		case ZCAN:
			return nil
		case ZRINIT:
			resend = false
		default:
			if err := r.Fail(transfer.Errorf(transfer.ErrProtocol, "unexpected %s after ZFIN", h.Type)); err != nil {
				return err
			}
		}
	}
}
