package zmodem

import (
	"context"
	"time"

	"github.com/doublegate/Impulse-7.1-sub003/recovery"
	"github.com/doublegate/Impulse-7.1-sub003/transfer"
)

// Config holds session configuration.
type Config struct {
	// Retry budget and idle timeout for every wait.
	Policy transfer.Policy

	// Protocol options
	UseCRC32 bool
	Escape   EscapeConfig

	// SubpacketSize is the data subpacket length sent, at most 8192.
	SubpacketSize int

	// WindowSize bounds the unacknowledged bytes in flight when the
	// receiver streams. 0 streams without waiting for acks.
	WindowSize int

	// BufferSize is the receive buffer advertised in ZRINIT. 0 asks for
	// full streaming.
	BufferSize int

	// CanOverlapIO lets the sender stream while the receiver writes. When
	// false the sender waits for an ack after every subpacket.
	CanOverlapIO bool

	// Attention is sent in ZSINIT; the receiver sends it back before
	// asking for a resend so the sender stops transmitting.
	Attention []byte

	// Resume asks the receiver to continue an interrupted file (ZCRESUM).
	Resume bool

	// AutoStart sends "rz\r" before ZRQINIT to start a remote receiver.
	AutoStart bool

	// ZNulls is the number of NULs sent before a ZDATA header.
	ZNulls int

	// GarbageThreshold bounds the bytes skipped while looking for a
	// header. 0 picks a default derived from the subpacket limit.
	GarbageThreshold int

	// Challenge makes the receiver verify the sender with ZCHALLENGE.
	Challenge bool

	// FreeSpace answers ZFREECNT. nil reports unlimited space.
	FreeSpace func() int64

	// Progress update interval
	ProgressInterval time.Duration

	Logger   transfer.Logger
	Observer transfer.Observer
	Recovery *recovery.Manager
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Policy:           transfer.DefaultPolicy(),
		UseCRC32:         true,
		SubpacketSize:    1024,
		CanOverlapIO:     true,
		ProgressInterval: 100 * time.Millisecond,
	}
}

func (c *Config) normalized() Config {
	if c == nil {
		c = DefaultConfig()
	}
	n := *c
	n.Policy = n.Policy.Normalize()
	switch {
	case n.SubpacketSize <= 0:
		n.SubpacketSize = 1024
	case n.SubpacketSize < 32:
		n.SubpacketSize = 32
	case n.SubpacketSize > maxSubpacketSize:
		n.SubpacketSize = maxSubpacketSize
	}
	if n.WindowSize < 0 {
		n.WindowSize = 0
	}
	if n.BufferSize < 0 || n.BufferSize > 0xffff {
		n.BufferSize = 0
	}
	if n.GarbageThreshold <= 0 {
		n.GarbageThreshold = 2*maxSubpacketSize + 1400
	}
	if len(n.Attention) > ZATTNLEN-1 {
		n.Attention = n.Attention[:ZATTNLEN-1]
	}
	n.Logger = transfer.OrNoop(n.Logger)
	n.Observer = transfer.OrNop(n.Observer)
	return n
}

// Session runs Zmodem transfers over one port.
type Session struct {
	port   *transfer.Port
	config *Config
}

// Option configures a Session.
type Option func(*Session)

// WithConfig sets the session configuration. A nil config restores the
// defaults.
func WithConfig(config *Config) Option {
	return func(s *Session) {
		if config == nil {
			config = DefaultConfig()
		}
		s.config = config
	}
}

// WithLogger sets a logger for protocol debugging.
func WithLogger(logger transfer.Logger) Option {
	return func(s *Session) {
		s.config.Logger = logger
	}
}

// WithObserver sets the observer for file events and progress.
func WithObserver(o transfer.Observer) Option {
	return func(s *Session) {
		s.config.Observer = o
	}
}

// WithCallbacks sets the session callbacks.
func WithCallbacks(callbacks *transfer.Callbacks) Option {
	return func(s *Session) {
		s.config.Observer = callbacks
	}
}

// WithRecovery records interrupted transfers in m and resumes from it.
func WithRecovery(m *recovery.Manager) Option {
	return func(s *Session) {
		s.config.Recovery = m
	}
}

// WithPolicy sets the retry budget and timeout.
func WithPolicy(p transfer.Policy) Option {
	return func(s *Session) {
		s.config.Policy = p
	}
}

// NewSession creates a session over link.
func NewSession(link transfer.Link, opts ...Option) *Session {
	return NewPortSession(transfer.NewPort(link), opts...)
}

// NewPortSession creates a session over an existing port, keeping any
// input already buffered in it.
func NewPortSession(port *transfer.Port, opts ...Option) *Session {
	s := &Session{port: port, config: DefaultConfig()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send sends every file of files.
func (s *Session) Send(ctx context.Context, files transfer.FileSource) (transfer.Outcome, error) {
	return NewSender(s.port, s.config).Send(ctx, files)
}

// SendFiles sends the named files.
func (s *Session) SendFiles(ctx context.Context, paths ...string) (transfer.Outcome, error) {
	return s.Send(ctx, transfer.Files(paths...))
}

// Receive receives files into sink until the sender finishes the session.
func (s *Session) Receive(ctx context.Context, sink transfer.FileSink) (transfer.Outcome, error) {
	return NewReceiver(s.port, s.config).Receive(ctx, sink)
}

// ReceiveDir receives files into dir.
func (s *Session) ReceiveDir(ctx context.Context, dir string) (transfer.Outcome, error) {
	return s.Receive(ctx, &transfer.DirSink{Dir: dir})
}
