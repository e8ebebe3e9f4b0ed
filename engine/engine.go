// Package engine runs a transfer in a fixed protocol or in the protocol
// detected from the peer's first bytes.
package engine

import (
	"context"
	"time"

	"github.com/doublegate/Impulse-7.1-sub003/detect"
	"github.com/doublegate/Impulse-7.1-sub003/recovery"
	"github.com/doublegate/Impulse-7.1-sub003/transfer"
	"github.com/doublegate/Impulse-7.1-sub003/xmodem"
	"github.com/doublegate/Impulse-7.1-sub003/ymodem"
	"github.com/doublegate/Impulse-7.1-sub003/zmodem"
)

const (
	// DefaultDetectTimeout bounds the wait for the peer's first bytes.
	DefaultDetectTimeout = 3 * time.Second

	// settle is how long input keeps being collected once a signature
	// has been seen, so a Zmodem header split across reads is complete.
	settle = 50 * time.Millisecond

	maxSniff = 256
)

// Config selects the protocol and carries the settings shared by every
// protocol.
type Config struct {
	// Protocol is the protocol to run. Auto (and Unknown) detect it.
	Protocol detect.Protocol

	// Preferences orders the protocols Auto may pick.
	Preferences detect.Preferences

	// DetectTimeout bounds the wait for the peer's first bytes in Auto.
	DetectTimeout time.Duration

	Policy transfer.Policy

	// Zmodem is the base Zmodem configuration. Policy, Logger, Observer
	// and Recovery are taken from this Config.
	Zmodem *zmodem.Config

	// Name and Size describe the file received with Xmodem, which
	// carries no metadata.
	Name string
	Size int64

	Logger   transfer.Logger
	Observer transfer.Observer
	Recovery *recovery.Manager
}

// DefaultConfig returns auto detection over the default preferences.
func DefaultConfig() *Config {
	return &Config{
		Protocol:      detect.Auto,
		Preferences:   detect.DefaultPreferences(),
		DetectTimeout: DefaultDetectTimeout,
		Policy:        transfer.DefaultPolicy(),
		Name:          "xmodem.bin",
	}
}

func (c *Config) normalized() Config {
	if c == nil {
		c = DefaultConfig()
	}
	n := *c
	if n.Protocol == detect.Unknown {
		n.Protocol = detect.Auto
	}
	if len(n.Preferences) == 0 {
		n.Preferences = detect.DefaultPreferences()
	}
	if n.DetectTimeout <= 0 {
		n.DetectTimeout = DefaultDetectTimeout
	}
	n.Policy = n.Policy.Normalize()
	if n.Name == "" {
		n.Name = "xmodem.bin"
	}
	n.Logger = transfer.OrNoop(n.Logger)
	n.Observer = transfer.OrNop(n.Observer)
	return n
}

// Engine runs transfers over one port.
type Engine struct {
	port *transfer.Port
	cfg  Config
}

// Option changes a Config.
type Option func(*Config)

// WithProtocol fixes the protocol; detect.Auto detects it.
func WithProtocol(p detect.Protocol) Option {
	return func(c *Config) { c.Protocol = p }
}

// WithPreferences sets the protocols Auto may pick, most preferred first.
func WithPreferences(p detect.Preferences) Option {
	return func(c *Config) { c.Preferences = p }
}

// WithDetectTimeout bounds the wait for the peer's first bytes.
func WithDetectTimeout(d time.Duration) Option {
	return func(c *Config) { c.DetectTimeout = d }
}

// WithPolicy sets the retry budget and timeout.
func WithPolicy(p transfer.Policy) Option {
	return func(c *Config) { c.Policy = p }
}

// WithZmodem sets the base Zmodem configuration.
func WithZmodem(z *zmodem.Config) Option {
	return func(c *Config) { c.Zmodem = z }
}

// WithXmodemFile names the file received with Xmodem and truncates it to
// size when size is positive.
func WithXmodemFile(name string, size int64) Option {
	return func(c *Config) { c.Name, c.Size = name, size }
}

// WithLogger sets a logger for protocol debugging.
func WithLogger(logger transfer.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// WithObserver sets the observer for file events and progress.
func WithObserver(o transfer.Observer) Option {
	return func(c *Config) { c.Observer = o }
}

// WithRecovery lets Zmodem resume interrupted files recorded in m.
func WithRecovery(m *recovery.Manager) Option {
	return func(c *Config) { c.Recovery = m }
}

// New creates an engine over link.
func New(link transfer.Link, opts ...Option) *Engine {
	return NewPort(transfer.NewPort(link), opts...)
}

// NewPort creates an engine over an existing port, keeping any input
// already buffered in it.
func NewPort(port *transfer.Port, opts ...Option) *Engine {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return &Engine{port: port, cfg: cfg.normalized()}
}

// Send sends files. In Auto the receiver's poll picks the protocol.
func (e *Engine) Send(ctx context.Context, files transfer.FileSource) (transfer.Outcome, error) {
	e.port.SetContext(ctx)
	proto := e.cfg.Protocol
	if proto == detect.Auto {
		detected, err := e.sniff()
		if err != nil {
			return e.failed(transfer.Send, err)
		}
		proto = e.cfg.Preferences.Choose(detected)
		if proto == detect.Unknown {
			return e.failed(transfer.Send, transfer.Errorf(transfer.ErrProtocol,
				"receiver speaks %s, none of %s serves it", detected, e.cfg.Preferences))
		}
		e.cfg.Logger.Info("Engine: receiver polled for %s, sending with %s", detected, proto)
	}

	switch proto {
	case detect.Zmodem:
		return zmodem.NewSender(e.port, e.zmodemConfig()).Send(ctx, files)
	case detect.Ymodem, detect.YmodemG:
		return ymodem.NewSender(e.port, e.ymodemConfig(proto)).Send(ctx, files)
	case detect.Xmodem, detect.XmodemCRC, detect.Xmodem1K:
		return e.sendXmodem(ctx, proto, files)
	}
	return e.failed(transfer.Send, transfer.Errorf(transfer.ErrProtocol, "cannot send with %s", proto))
}

// sendXmodem sends the only file of files.
func (e *Engine) sendXmodem(ctx context.Context, proto detect.Protocol, files transfer.FileSource) (transfer.Outcome, error) {
	f, err := files.Next()
	if err != nil {
		return e.failed(transfer.Send, err)
	}
	if f == nil {
		return e.failed(transfer.Send, transfer.NewError(transfer.ErrProtocol, "no file to send"))
	}
	defer f.Close()
	if extra, err := files.Next(); extra != nil || err != nil {
		if extra != nil {
			extra.Close()
		}
		return e.failed(transfer.Send, transfer.Errorf(transfer.ErrProtocol, "%s sends a single file", proto))
	}
	return xmodem.NewSender(e.port, e.xmodemConfig(proto)).Send(ctx, f)
}

// Receive receives files into sink. In Auto a Zmodem sender is recognized
// by its ZRQINIT; otherwise the receiver polls with the most preferred
// protocol that is not Zmodem, since X and Ymodem senders wait silently.
func (e *Engine) Receive(ctx context.Context, sink transfer.FileSink) (transfer.Outcome, error) {
	e.port.SetContext(ctx)
	proto := e.cfg.Protocol
	if proto == detect.Auto {
		detected, err := e.sniff()
		if err != nil {
			return e.failed(transfer.Receive, err)
		}
		if detected == detect.Zmodem && e.allowed(detect.Zmodem) {
			proto = detect.Zmodem
		} else {
			proto = e.cfg.Preferences.Without(detect.Zmodem).Choose(detect.Unknown)
		}
		if proto == detect.Unknown {
			return e.failed(transfer.Receive, transfer.Errorf(transfer.ErrProtocol,
				"sender speaks %s, none of %s serves it", detected, e.cfg.Preferences))
		}
		e.cfg.Logger.Info("Engine: sender looks like %s, receiving with %s", detected, proto)
	}

	switch proto {
	case detect.Zmodem:
		return zmodem.NewReceiver(e.port, e.zmodemConfig()).Receive(ctx, sink)
	case detect.Ymodem, detect.YmodemG:
		return ymodem.NewReceiver(e.port, e.ymodemConfig(proto)).Receive(ctx, sink)
	case detect.Xmodem, detect.XmodemCRC, detect.Xmodem1K:
		return e.receiveXmodem(ctx, proto, sink)
	}
	return e.failed(transfer.Receive, transfer.Errorf(transfer.ErrProtocol, "cannot receive with %s", proto))
}

func (e *Engine) receiveXmodem(ctx context.Context, proto detect.Protocol, sink transfer.FileSink) (transfer.Outcome, error) {
	info := transfer.FileInfo{Name: e.cfg.Name, Size: -1}
	if e.cfg.Size > 0 {
		info.Size = e.cfg.Size
	}
	w, _, err := sink.Create(info, 0)
	if err != nil {
		return e.failed(transfer.Receive, err)
	}
	out, err := xmodem.NewReceiver(e.port, e.xmodemConfig(proto)).Receive(ctx, w)
	if cerr := w.Close(); err == nil && cerr != nil {
		err = out.Fail(transfer.Wrap(transfer.ErrIO, cerr))
	}
	return out, err
}

func (e *Engine) allowed(p detect.Protocol) bool {
	for _, q := range e.cfg.Preferences {
		if q == p {
			return true
		}
	}
	return false
}

// sniff collects the peer's first bytes, detects the protocol and pushes
// the bytes back for the protocol to read.
func (e *Engine) sniff() (detect.Protocol, error) {
	var buf []byte
	deadline := time.Now().Add(e.cfg.DetectTimeout)
	detected := detect.Unknown
	for len(buf) < maxSniff {
		e.port.SetDeadline(deadline)
		b, err := e.port.ReadByte()
		if transfer.IsTimeout(err) {
			break
		}
		if err != nil {
			e.port.Unread(buf)
			return detect.Unknown, err
		}
		buf = append(buf, b)
		if detected == detect.Zmodem {
			continue
		}
		if d := detect.Detect(buf); d != detect.Unknown {
			if detected == detect.Unknown {
				deadline = time.Now().Add(settle)
			}
			detected = d
		}
	}
	e.port.Unread(buf)
	e.cfg.Logger.Debug("Engine: first %d bytes %q detected as %s", len(buf), buf, detected)
	return detected, nil
}

// failed reports an error raised before a protocol took over.
func (e *Engine) failed(dir transfer.Direction, err error) (transfer.Outcome, error) {
	out := transfer.Outcome{Direction: dir}
	out.Fail(err)
	e.cfg.Logger.Error("Engine: %v", err)
	e.port.Abort()
	e.cfg.Observer.Finished(out)
	return out, err
}

func (e *Engine) zmodemConfig() *zmodem.Config {
	z := zmodem.DefaultConfig()
	if e.cfg.Zmodem != nil {
		*z = *e.cfg.Zmodem
	}
	z.Policy = e.cfg.Policy
	z.Logger = e.cfg.Logger
	z.Observer = e.cfg.Observer
	if e.cfg.Recovery != nil {
		z.Recovery = e.cfg.Recovery
	}
	return z
}

func (e *Engine) ymodemConfig(proto detect.Protocol) *ymodem.Config {
	return &ymodem.Config{
		Policy:    e.cfg.Policy,
		Streaming: proto == detect.YmodemG,
		Logger:    e.cfg.Logger,
		Observer:  e.cfg.Observer,
	}
}

func (e *Engine) xmodemConfig(proto detect.Protocol) *xmodem.Config {
	x := xmodem.DefaultConfig()
	x.Policy = e.cfg.Policy
	x.Logger = e.cfg.Logger
	x.Observer = e.cfg.Observer
	x.Name = e.cfg.Name
	x.Size = e.cfg.Size
	switch proto {
	case detect.Xmodem:
		x.Variant = xmodem.Checksum
	case detect.Xmodem1K:
		x.Variant = xmodem.OneK
	default:
		x.Variant = xmodem.CRC
	}
	return x
}

// Send sends files over link.
func Send(ctx context.Context, link transfer.Link, files transfer.FileSource, opts ...Option) (transfer.Outcome, error) {
	return New(link, opts...).Send(ctx, files)
}

// Receive receives files from link into sink.
func Receive(ctx context.Context, link transfer.Link, sink transfer.FileSink, opts ...Option) (transfer.Outcome, error) {
	return New(link, opts...).Receive(ctx, sink)
}
