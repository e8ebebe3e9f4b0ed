package xmodem

import (
	"context"
	"io"
	"time"

	"github.com/doublegate/Impulse-7.1-sub003/transfer"
)

// Config holds Xmodem configuration.
type Config struct {
	// Retry budget and idle timeout for every wait.
	Policy transfer.Policy

	// Variant is the largest variant the sender uses and the one the
	// receiver asks for. A receiver asking for Checksum polls with NAK.
	Variant Variant

	// CRCPolls is the number of 'C' polls a receiver sends before it
	// falls back to checksum blocks, when AllowFallback is set.
	CRCPolls      int
	AllowFallback bool

	// Name and Size describe the received file, which Xmodem does not
	// carry. Size truncates the data when positive: Xmodem pads the last
	// block, so without it the file grows to a block multiple.
	Name string
	Size int64

	// Progress update interval
	ProgressInterval time.Duration

	Logger   transfer.Logger
	Observer transfer.Observer
}

// DefaultConfig returns CRC blocks with fallback to checksum after three
// polls.
func DefaultConfig() *Config {
	return &Config{
		Policy:           transfer.DefaultPolicy(),
		Variant:          CRC,
		CRCPolls:         3,
		AllowFallback:    true,
		ProgressInterval: 100 * time.Millisecond,
	}
}

func (c *Config) normalized() Config {
	if c == nil {
		c = DefaultConfig()
	}
	n := *c
	n.Policy = n.Policy.Normalize()
	if n.CRCPolls <= 0 {
		n.CRCPolls = 3
	}
	n.Logger = transfer.OrNoop(n.Logger)
	n.Observer = transfer.OrNop(n.Observer)
	return n
}

func protocolName(v Variant) string {
	switch v {
	case CRC:
		return "xmodem-crc"
	case OneK:
		return "xmodem-1k"
	}
	return "xmodem"
}

// Sender sends one file with Xmodem.
type Sender struct {
	port    *transfer.Port
	cfg     Config
	tracker *transfer.ProgressTracker
	outcome transfer.Outcome
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

// Send waits for the receiver to poll, then sends f and EOT. On error the
// peer has been sent the cancel sequence.
func (s *Sender) Send(ctx context.Context, f *transfer.OutgoingFile) (transfer.Outcome, error) {
	s.port.SetContext(ctx)
	s.outcome = transfer.Outcome{
		Protocol:  protocolName(s.cfg.Variant),
		Direction: transfer.Send,
		Filename:  f.Name,
	}
	conn := &Conn{
		Port:    s.port,
		Policy:  s.cfg.Policy,
		Logger:  s.cfg.Logger,
		Name:    "Xmodem sender",
		Outcome: &s.outcome,
		Tracker: s.tracker,
	}

	s.tracker.Start(f.FileInfo, 0)
	err := s.run(conn, f)
	s.tracker.Complete(err)
	if err != nil {
		s.outcome.Fail(err)
		s.cfg.Logger.Error("Xmodem sender: %s: %v", f.Name, err)
		if !IsPeerCancel(err) {
			s.port.Abort()
		}
	} else {
		s.outcome.Files = 1
	}
	s.cfg.Observer.Finished(s.outcome)
	return s.outcome, err
}

func (s *Sender) run(conn *Conn, f *transfer.OutgoingFile) error {
	poll, err := conn.Negotiate()
	if err != nil {
		return err
	}
	v := NegotiatedVariant(s.cfg.Variant, poll)
	conn.Stream = poll == GPoll
	s.outcome.Protocol = protocolName(v)
	s.cfg.Logger.Info("Xmodem sender: %s as %s", f.Name, v)

	if _, err := conn.SendBody(f.Body, v); err != nil {
		return err
	}
	return conn.SendEOT()
}

// Receiver receives one file with Xmodem.
type Receiver struct {
	port    *transfer.Port
	cfg     Config
	tracker *transfer.ProgressTracker
	outcome transfer.Outcome
}

// NewReceiver creates a receiver on port. A nil config uses DefaultConfig.
func NewReceiver(port *transfer.Port, config *Config) *Receiver {
	cfg := config.normalized()
	return &Receiver{
		port:    port,
		cfg:     cfg,
		tracker: transfer.NewProgressTracker(cfg.Observer, cfg.ProgressInterval),
	}
}

// Receive polls the sender and writes the file to w. On error the peer has
// been sent the cancel sequence.
func (r *Receiver) Receive(ctx context.Context, w io.Writer) (transfer.Outcome, error) {
	r.port.SetContext(ctx)
	r.outcome = transfer.Outcome{
		Protocol:  protocolName(r.cfg.Variant),
		Direction: transfer.Receive,
		Filename:  r.cfg.Name,
	}
	conn := &Conn{
		Port:          r.port,
		Policy:        r.cfg.Policy,
		Logger:        r.cfg.Logger,
		Name:          "Xmodem receiver",
		Outcome:       &r.outcome,
		Tracker:       r.tracker,
		CRCPolls:      r.cfg.CRCPolls,
		AllowFallback: r.cfg.AllowFallback,
	}

	size := int64(-1)
	if r.cfg.Size > 0 {
		size = r.cfg.Size
	}
	poll := byte(CRCPoll)
	if r.cfg.Variant == Checksum {
		poll = NAK
	}

	r.tracker.Start(transfer.FileInfo{Name: r.cfg.Name, Size: size}, 0)
	_, err := conn.ReceiveBody(w, r.cfg.Variant, size, poll)
	r.tracker.Complete(err)
	if err != nil {
		r.outcome.Fail(err)
		r.cfg.Logger.Error("Xmodem receiver: %v", err)
		if !IsPeerCancel(err) {
			r.port.Abort()
		}
	} else {
		r.outcome.Files = 1
	}
	r.cfg.Observer.Finished(r.outcome)
	return r.outcome, err
}

// Option changes a Config.
type Option func(*Config)

// WithVariant sets the block variant.
func WithVariant(v Variant) Option {
	return func(c *Config) { c.Variant = v }
}

// WithPolicy sets the retry budget and timeout.
func WithPolicy(p transfer.Policy) Option {
	return func(c *Config) { c.Policy = p }
}

// WithSize truncates received data to n bytes.
func WithSize(n int64) Option {
	return func(c *Config) { c.Size = n }
}

// WithName names the received file in progress reports.
func WithName(name string) Option {
	return func(c *Config) { c.Name = name }
}

// WithLogger sets a logger for protocol debugging.
func WithLogger(logger transfer.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// WithObserver sets the observer for progress.
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

// Send sends f over link.
func Send(ctx context.Context, link transfer.Link, f *transfer.OutgoingFile, opts ...Option) (transfer.Outcome, error) {
	return NewSender(transfer.NewPort(link), configure(opts)).Send(ctx, f)
}

// Receive receives one file from link into w.
func Receive(ctx context.Context, link transfer.Link, w io.Writer, opts ...Option) (transfer.Outcome, error) {
	return NewReceiver(transfer.NewPort(link), configure(opts)).Receive(ctx, w)
}
