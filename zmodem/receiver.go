package zmodem

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"time"

	"github.com/doublegate/Impulse-7.1-sub003/recovery"
	"github.com/doublegate/Impulse-7.1-sub003/transfer"
)

// Receiver implements the Zmodem receiver (rz).
type Receiver struct {
	wire
	cfg     Config
	obs     transfer.Observer
	tracker *transfer.ProgressTracker

	// attn is the sender's attention string from ZSINIT.
	attn []byte

	outcome transfer.Outcome
}

// offer is a file announced by ZFILE.
type offer struct {
	info transfer.FileInfo
	hdr  Header
}

// NewReceiver creates a receiver on port. A nil config uses DefaultConfig.
func NewReceiver(port *transfer.Port, config *Config) *Receiver {
	cfg := config.normalized()
	r := &Receiver{
		wire:    newWire(port, &cfg, "Receiver"),
		cfg:     cfg,
		obs:     cfg.Observer,
		tracker: transfer.NewProgressTracker(cfg.Observer, cfg.ProgressInterval),
	}
	r.logger.Info("Receiver created (CRC32=%v, escapeCtrl=%v)", cfg.UseCRC32, cfg.Escape.Control)
	return r
}

// Receive receives files into sink until the sender ends the session with
// ZFIN.
func (r *Receiver) Receive(ctx context.Context, sink transfer.FileSink) (transfer.Outcome, error) {
	r.port.SetContext(ctx)
	r.outcome = transfer.Outcome{Protocol: "zmodem", Direction: transfer.Receive}

	err := r.run(sink)
	if err != nil {
		r.outcome.Fail(err)
		r.abort(err)
	}
	r.obs.Finished(r.outcome)
	return r.outcome, err
}

func (r *Receiver) run(sink transfer.FileSink) error {
	if r.cfg.Challenge {
		if err := r.challenge(); err != nil {
			return err
		}
	}
	for {
		o, err := r.awaitFile()
		if err != nil {
			return err
		}
		if o == nil {
			return nil
		}
		err = r.receiveFile(sink, o)
		if errors.Is(err, transfer.ErrFileSkipped) {
			r.logger.Info("Receiver: skipped %s: %v", o.info.Name, err)
			continue
		}
		if err != nil {
			return err
		}
		r.outcome.Files++
	}
}

// initHeader builds ZRINIT from the configured capabilities.
func (r *Receiver) initHeader() Header {
	flags := byte(CANFDX)
	if r.cfg.CanOverlapIO {
		flags |= CANOVIO
	}
	if r.cfg.UseCRC32 {
		flags |= CANFC32
	}
	if r.cfg.Escape.Control {
		flags |= ESCCTL
	}
	if r.cfg.Escape.EighthBit {
		flags |= ESC8
	}
	h := FlagsHeader(ZRINIT, flags, 0, 0, 0)
	h.Data[ZP0] = byte(r.cfg.BufferSize)
	h.Data[ZP1] = byte(r.cfg.BufferSize >> 8)
	return h
}

// challenge sends ZCHALLENGE and expects the number echoed in a ZACK.
func (r *Receiver) challenge() error {
	want := PosHeader(ZACK, int64(rand.Uint32()))
	rt := r.cfg.Policy.Start(0)
	send := true
	for {
		if send {
			if err := r.sendHex(Header{Type: ZCHALLENGE, Data: want.Data}); err != nil {
				return err
			}
		}
		send = true
		_, h, err := r.readHeader(rt.Arm())
		if err != nil {
			if err = rt.Fail(err); err != nil {
				return err
			}
			continue
		}
		switch {
		case h == want:
			return nil
		case h.Type == ZRQINIT:
			send = false
		case h.Type == ZCAN || h.Type == ZABORT:
			return peerCancelled(h.Type)
		default:
			if err := rt.Fail(transfer.Errorf(transfer.ErrProtocol, "challenge answered with %s", h)); err != nil {
				return err
			}
		}
	}
}

// awaitFile sends ZRINIT and handles session frames until a file is
// offered or the sender finishes. A nil offer means ZFIN.
// This matches tryz() from lrz.c.
func (r *Receiver) awaitFile() (*offer, error) {
	rt := r.cfg.Policy.Start(0)
	send := true
	for {
		if send {
			if err := r.sendHex(r.initHeader()); err != nil {
				return nil, err
			}
		}
		send = true

		enc, h, err := r.readHeader(rt.Arm())
		if err != nil {
			if err = rt.Fail(err); err != nil {
				return nil, err
			}
			continue
		}
		switch h.Type {
		case ZFILE:
			data, _, err := r.readData(rt.Arm(), enc == Bin32)
			if err == nil {
				var info transfer.FileInfo
				if info, err = transfer.ParseFileInfo(data); err == nil {
					return &offer{info: info, hdr: h}, nil
				}
			}
			if err = rt.Fail(err); err != nil {
				return nil, err
			}
			if err := r.sendHex(PosHeader(ZNAK, 0)); err != nil {
				return nil, err
			}
			send = false

		case ZSINIT:
			data, _, err := r.readData(rt.Arm(), enc == Bin32)
			if err != nil {
				if err = rt.Fail(err); err != nil {
					return nil, err
				}
				if err := r.sendHex(PosHeader(ZNAK, 0)); err != nil {
					return nil, err
				}
				send = false
				continue
			}
			r.setAttention(data)
			esc := r.set.Config()
			if h.F0()&TESCCTL != 0 {
				esc.Control = true
			}
			if h.F0()&TESC8 != 0 {
				esc.EighthBit = true
			}
			r.set = NewEscapeSet(esc)
			if err := r.sendHex(PosHeader(ZACK, 1)); err != nil {
				return nil, err
			}
			send = false

		case ZFREECNT:
			free := int64(math.MaxUint32)
			if r.cfg.FreeSpace != nil {
				free = min(r.cfg.FreeSpace(), math.MaxUint32)
			}
			if err := r.sendHex(PosHeader(ZACK, free)); err != nil {
				return nil, err
			}
			send = false

		case ZCOMMAND:
			data, _, err := r.readData(rt.Arm(), enc == Bin32)
			if err != nil {
				if err = rt.Fail(err); err != nil {
					return nil, err
				}
				if err := r.sendHex(PosHeader(ZNAK, 0)); err != nil {
					return nil, err
				}
				send = false
				continue
			}
			cmd := string(bytes.TrimRight(data, "\x00"))
			r.logger.Error("Receiver: refusing remote command %q", cmd)
			if err := r.sendHex(PosHeader(ZCOMPL, 1)); err != nil {
				return nil, err
			}
			return nil, transfer.Errorf(transfer.ErrRemoteCommandDenied, "remote command %q", cmd)

		case ZFIN:
			r.ackFinish()
			return nil, nil

		case ZCOMPL:
			send = false

		case ZCAN, ZABORT:
			return nil, peerCancelled(h.Type)

		case ZRQINIT:
			// The sender has not seen ZRINIT yet.
			if err := rt.Fail(nil); err != nil {
				return nil, err
			}

		default:
			if err := rt.Fail(transfer.Errorf(transfer.ErrProtocol, "unexpected %s", h.Type)); err != nil {
				return nil, err
			}
		}
	}
}

func (r *Receiver) setAttention(data []byte) {
	if i := bytes.IndexByte(data, 0); i >= 0 {
		data = data[:i]
	}
	if len(data) > ZATTNLEN {
		data = data[:ZATTNLEN]
	}
	r.attn = append(r.attn[:0], data...)
}

// ackFinish answers ZFIN and waits briefly for the sender's "OO".
// This matches ackbibi() from lrz.c.
func (r *Receiver) ackFinish() {
	wait := min(r.cfg.Policy.Timeout, 10*time.Second)
	for n := 0; n < 3; n++ {
		if err := r.sendHex(PosHeader(ZFIN, 0)); err != nil {
			return
		}
		r.port.SetDeadline(time.Now().Add(wait))
		c, err := r.port.ReadByte()
		if err != nil {
			if transfer.IsTimeout(err) {
				continue
			}
			return
		}
		if c == 'O' {
			r.port.ReadByte()
			return
		}
	}
}

// receiveFile writes the offered file to sink.
// This matches rzfile() from lrz.c.
func (r *Receiver) receiveFile(sink transfer.FileSink, o *offer) (err error) {
	info := o.info
	r.outcome.Filename = info.Name
	r.outcome.Offset = 0
	r.logger.Info("Receiver: %s offered (ZF0=%d)", info, o.hdr.F0())

	var lease *recovery.Lease
	var offset int64
	if r.cfg.Recovery != nil {
		lease, err = r.cfg.Recovery.Acquire(info.Name, transfer.Receive)
		if err != nil {
			r.logger.Error("Receiver: %s: %v", info.Name, err)
			return r.skip(info, transfer.Errorf(transfer.ErrFileSkipped, "%s is busy", info.Name))
		}
		offset = lease.Offset(info.Size)
		defer func() { lease.Finish(err) }()
	}
	if offset == 0 && o.hdr.F0() == ZCRESUM {
		offset = r.partial(sink, info)
	}

	w, offset, err := sink.Create(info, offset)
	if err != nil {
		if errors.Is(err, transfer.ErrFileSkipped) {
			return r.skip(info, err)
		}
		r.sendHex(PosHeader(ZFERR, 0))
		return transfer.Wrap(transfer.ErrIO, err)
	}
	if lease != nil {
		lease.Reset(offset)
	}

	r.tracker.Start(info, offset)
	rxbytes := offset
	defer func() {
		if cerr := w.Close(); cerr != nil && err == nil {
			err = transfer.Wrap(transfer.ErrIO, cerr)
		}
		r.outcome.Bytes += rxbytes - offset
		r.tracker.Complete(err)
	}()

	rt := r.cfg.Policy.Start(offset)
	sendPos := true
	for {
		if sendPos {
			if err := r.sendHex(PosHeader(ZRPOS, rxbytes)); err != nil {
				return err
			}
		}
		sendPos = true

		enc, h, err := r.readHeader(rt.Arm())
		if err != nil {
			if err = rt.Fail(err); err != nil {
				return err
			}
			continue
		}
		switch h.Type {
		case ZDATA:
			if h.Position() != rxbytes {
				if err := rt.Fail(transfer.Errorf(transfer.ErrProtocol, "ZDATA at %d, have %d", h.Position(), rxbytes)); err != nil {
					return err
				}
				r.sendAttn(r.attn)
				continue
			}
			synced, err := r.receiveData(w, enc == Bin32, rt, &rxbytes, lease)
			if err != nil {
				return err
			}
			sendPos = !synced

		case ZEOF:
			if h.Position() != rxbytes {
				// Data is still in flight; ask again from rxbytes.
				if err := rt.Fail(transfer.Errorf(transfer.ErrProtocol, "ZEOF at %d, have %d", h.Position(), rxbytes)); err != nil {
					return err
				}
				continue
			}
			r.logger.Info("Receiver: %s complete at %d", info.Name, rxbytes)
			return nil

		case ZFILE:
			// The sender missed our ZRPOS.
			r.readData(rt.Arm(), enc == Bin32)

		case ZSKIP:
			return transfer.Errorf(transfer.ErrFileSkipped, "sender skipped %s", info.Name)

		case ZCAN, ZABORT, ZFERR:
			return peerCancelled(h.Type)

		default:
			if err := rt.Fail(transfer.Errorf(transfer.ErrProtocol, "unexpected %s", h.Type)); err != nil {
				return err
			}
		}
	}
}

// partial returns the length of a shorter copy of info already in sink,
// which a ZCRESUM offer continues from. A longer copy is a different file.
func (r *Receiver) partial(sink transfer.FileSink, info transfer.FileInfo) int64 {
	ps, ok := sink.(transfer.PartialSink)
	if !ok {
		return 0
	}
	n, ok := ps.Partial(info)
	if !ok || n <= 0 || (info.Size > 0 && n > info.Size) {
		return 0
	}
	r.logger.Info("Receiver: resuming %s at %d", info.Name, n)
	return n
}

// receiveData reads the subpackets of one ZDATA frame. synced reports that
// the frame ended cleanly, so no ZRPOS is needed before the next header.
func (r *Receiver) receiveData(w io.Writer, crc32 bool, rt *transfer.Retrier, rxbytes *int64, lease *recovery.Lease) (synced bool, err error) {
	for {
		data, end, err := r.readData(rt.Arm(), crc32)
		if err != nil {
			if err = rt.Fail(err); err != nil {
				return false, err
			}
			r.logger.Debug("Receiver: bad subpacket at %d, asking again", *rxbytes)
			r.sendAttn(r.attn)
			return false, nil
		}
		if _, err := w.Write(data); err != nil {
			r.sendHex(PosHeader(ZFERR, 0))
			return false, transfer.Wrap(transfer.ErrIO, err)
		}
		*rxbytes += int64(len(data))
		rt.Succeed(*rxbytes)
		if lease != nil {
			lease.Commit(*rxbytes)
		}
		r.outcome.Units++
		r.outcome.Offset = *rxbytes
		r.tracker.Update(*rxbytes)

		switch end {
		case ZCRCW:
			return true, r.sendHex(PosHeader(ZACK, *rxbytes))
		case ZCRCQ:
			if err := r.sendHex(PosHeader(ZACK, *rxbytes)); err != nil {
				return false, err
			}
		case ZCRCE:
			return true, nil
		}
	}
}

// skip refuses the offered file with ZSKIP.
func (r *Receiver) skip(info transfer.FileInfo, reason error) error {
	r.tracker.Start(info, 0)
	r.tracker.Complete(reason)
	if err := r.sendHex(PosHeader(ZSKIP, 0)); err != nil {
		return err
	}
	return reason
}
