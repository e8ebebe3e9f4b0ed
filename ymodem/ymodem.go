package ymodem

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/doublegate/Impulse-7.1-sub003/transfer"
	"github.com/doublegate/Impulse-7.1-sub003/xmodem"
)

// Config holds Ymodem configuration.
type Config struct {
	// Retry budget and idle timeout for every wait.
	Policy transfer.Policy

	// Streaming makes the receiver ask for Ymodem-G: data blocks are not
	// acknowledged and any error aborts the batch. The sender follows the
	// receiver's poll.
	Streaming bool

	// Progress update interval
	ProgressInterval time.Duration

	Logger   transfer.Logger
	Observer transfer.Observer
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Policy:           transfer.DefaultPolicy(),
		ProgressInterval: 100 * time.Millisecond,
	}
}

func (c *Config) normalized() Config {
	if c == nil {
		c = DefaultConfig()
	}
	n := *c
	n.Policy = n.Policy.Normalize()
	n.Logger = transfer.OrNoop(n.Logger)
	n.Observer = transfer.OrNop(n.Observer)
	return n
}

func protocolName(streaming bool) string {
	if streaming {
		return "ymodem-g"
	}
	return "ymodem"
}

// Sender sends a batch of files.
type Sender struct {
	port    *transfer.Port
	cfg     Config
	tracker *transfer.ProgressTracker
	outcome transfer.Outcome
	conn    *xmodem.Conn
}

// NewSender creates a sender on port. A nil config uses DefaultConfig.
func NewSender(port *transfer.Port, config *Config) *Sender {
	cfg := config.normalized()
	return &Sender{
		port:    port,
		cfg:     cfg,
		tracker: transfer.NewProgressTracker(cfg.Observer, cfg.ProgressInterval),
	}
}

// Send transfers every file of files and ends the batch. On error the peer
// has been sent the cancel sequence.
func (s *Sender) Send(ctx context.Context, files transfer.FileSource) (transfer.Outcome, error) {
	s.port.SetContext(ctx)
	s.outcome = transfer.Outcome{Protocol: protocolName(false), Direction: transfer.Send}
	s.conn = &xmodem.Conn{
		Port:    s.port,
		Policy:  s.cfg.Policy,
		Logger:  s.cfg.Logger,
		Name:    "Ymodem sender",
		Outcome: &s.outcome,
		Tracker: s.tracker,
	}

	err := s.run(files)
	if err != nil {
		s.outcome.Fail(err)
		s.cfg.Logger.Error("Ymodem sender: %v", err)
		if !xmodem.IsPeerCancel(err) {
			s.port.Abort()
		}
	}
	s.cfg.Observer.Finished(s.outcome)
	return s.outcome, err
}

func (s *Sender) run(files transfer.FileSource) error {
	poll, err := s.conn.Negotiate()
	if err != nil {
		return err
	}
	if poll == xmodem.NAK {
		return transfer.NewError(transfer.ErrProtocol, "receiver asks for checksum blocks")
	}
	streaming := poll == xmodem.GPoll
	s.outcome.Protocol = protocolName(streaming)

	for {
		f, err := files.Next()
		if err != nil {
			return err
		}
		if f == nil {
			break
		}
		err = s.sendFile(f, streaming)
		f.Close()
		if err != nil {
			return err
		}
		s.outcome.Files++

		// The receiver polls again for the next block 0.
		if _, err := s.conn.Negotiate(); err != nil {
			return err
		}
	}

	s.cfg.Logger.Info("Ymodem sender: end of batch after %d files", s.outcome.Files)
	return s.conn.SendBlock(Block0(Header{}))
}

func (s *Sender) sendFile(f *transfer.OutgoingFile, streaming bool) (err error) {
	s.outcome.Filename = f.Name
	s.outcome.Offset = 0
	s.tracker.Start(f.FileInfo, 0)
	defer func() { s.tracker.Complete(err) }()

	s.cfg.Logger.Info("Ymodem sender: %s", f.FileInfo)
	if err := s.conn.SendBlock(Block0(Header(f.FileInfo))); err != nil {
		return err
	}
	if _, err := s.conn.Negotiate(); err != nil {
		return err
	}

	s.conn.Stream = streaming
	_, err = s.conn.SendBody(f.Body, xmodem.OneK)
	s.conn.Stream = false
	if err != nil {
		return err
	}
	return s.conn.SendEOT()
}

// Receiver receives a batch of files.
type Receiver struct {
	port    *transfer.Port
	cfg     Config
	tracker *transfer.ProgressTracker
	outcome transfer.Outcome
	conn    *xmodem.Conn
	poll    byte
}

// NewReceiver creates a receiver on port. A nil config uses DefaultConfig.
func NewReceiver(port *transfer.Port, config *Config) *Receiver {
	cfg := config.normalized()
	poll := byte(xmodem.CRCPoll)
	if cfg.Streaming {
		poll = xmodem.GPoll
	}
	return &Receiver{
		port:    port,
		cfg:     cfg,
		tracker: transfer.NewProgressTracker(cfg.Observer, cfg.ProgressInterval),
		poll:    poll,
	}
}

// Receive writes files into sink until the end of batch block 0. A file the
// sink refuses with transfer.ErrSkip is received and discarded. On error
// the peer has been sent the cancel sequence.
func (r *Receiver) Receive(ctx context.Context, sink transfer.FileSink) (transfer.Outcome, error) {
	r.port.SetContext(ctx)
	r.outcome = transfer.Outcome{Protocol: protocolName(r.cfg.Streaming), Direction: transfer.Receive}
	r.conn = &xmodem.Conn{
		Port:    r.port,
		Policy:  r.cfg.Policy,
		Logger:  r.cfg.Logger,
		Name:    "Ymodem receiver",
		Outcome: &r.outcome,
		Tracker: r.tracker,
	}

	err := r.run(sink)
	if err != nil {
		r.outcome.Fail(err)
		r.cfg.Logger.Error("Ymodem receiver: %v", err)
		if !xmodem.IsPeerCancel(err) {
			r.port.Abort()
		}
	}
	r.cfg.Observer.Finished(r.outcome)
	return r.outcome, err
}

func (r *Receiver) run(sink transfer.FileSink) error {
	for {
		h, err := r.readHeader()
		if err != nil {
			return err
		}
		if h.EndOfBatch() {
			r.cfg.Logger.Info("Ymodem receiver: end of batch after %d files", r.outcome.Files)
			return nil
		}
		if err := r.receiveFile(sink, h); err != nil {
			return err
		}
	}
}

// readHeader polls for block 0 and acknowledges it. An EOT repeated because
// our ACK was lost is acknowledged again. A data block is refused with NAK:
// a sender that starts at block 1 speaks plain Xmodem and has no file to
// offer here.
func (r *Receiver) readHeader() (Header, error) {
	if err := r.conn.SendByte(r.poll); err != nil {
		return Header{}, err
	}
	rt := r.cfg.Policy.Start(0)
	for {
		b, eot, err := r.conn.ReadBlock(xmodem.CRC, rt.Arm())
		if err == nil && eot {
			r.cfg.Logger.Debug("Ymodem receiver: acknowledging a repeated EOT")
			if err := r.conn.SendByte(xmodem.ACK); err != nil {
				return Header{}, err
			}
			if err := r.conn.SendByte(r.poll); err != nil {
				return Header{}, err
			}
			continue
		}
		var h Header
		if err == nil && b.Number != 0 {
			err = transfer.Errorf(transfer.ErrProtocol, "block %d while waiting for block 0", b.Number)
		} else if err == nil {
			h, err = DecodeHeader(b.Payload)
		}
		if err == nil {
			if err := r.conn.SendByte(xmodem.ACK); err != nil {
				return Header{}, err
			}
			return h, nil
		}

		if err = rt.Fail(err); err != nil {
			return Header{}, err
		}
		r.cfg.Logger.Info("Ymodem receiver: %v", rt.Last())
		r.port.Purge()
		reply := r.poll
		if b.Number != 0 {
			reply = xmodem.NAK
		}
		if err := r.conn.SendByte(reply); err != nil {
			return Header{}, err
		}
	}
}

func (r *Receiver) receiveFile(sink transfer.FileSink, h Header) (err error) {
	info := transfer.FileInfo(h)
	r.outcome.Filename = info.Name
	r.outcome.Offset = 0
	r.tracker.Start(info, 0)
	defer func() { r.tracker.Complete(err) }()
	r.cfg.Logger.Info("Ymodem receiver: %s", info)

	var w io.WriteCloser
	skipped := false
	w, _, err = sink.Create(info, 0)
	if errors.Is(err, transfer.ErrFileSkipped) {
		r.cfg.Logger.Info("Ymodem receiver: %s refused by sink, discarding", info.Name)
		w, skipped = nopCloser{io.Discard}, true
	} else if err != nil {
		return err
	}

	_, err = r.conn.ReceiveBody(w, xmodem.OneK, info.Size, r.poll)
	if cerr := w.Close(); err == nil && cerr != nil {
		err = transfer.Wrap(transfer.ErrIO, cerr)
	}
	if err != nil {
		return err
	}
	if skipped {
		// Reported to the observer as skipped; the batch goes on.
		r.tracker.Complete(transfer.ErrSkip)
		return nil
	}
	r.outcome.Files++
	return nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// Option changes a Config.
type Option func(*Config)

// WithStreaming asks for Ymodem-G when receiving.
func WithStreaming(on bool) Option {
	return func(c *Config) { c.Streaming = on }
}

// WithPolicy sets the retry budget and timeout.
func WithPolicy(p transfer.Policy) Option {
	return func(c *Config) { c.Policy = p }
}

// WithLogger sets a logger for protocol debugging.
func WithLogger(logger transfer.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// WithObserver sets the observer for file events and progress.
func WithObserver(o transfer.Observer) Option {
	return func(c *Config) { c.Observer = o }
}

func configure(opts []Option) *Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// Send sends files over link.
func Send(ctx context.Context, link transfer.Link, files transfer.FileSource, opts ...Option) (transfer.Outcome, error) {
	return NewSender(transfer.NewPort(link), configure(opts)).Send(ctx, files)
}

// Receive receives a batch from link into sink.
func Receive(ctx context.Context, link transfer.Link, sink transfer.FileSink, opts ...Option) (transfer.Outcome, error) {
	return NewReceiver(transfer.NewPort(link), configure(opts)).Receive(ctx, sink)
}
