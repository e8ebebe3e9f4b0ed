// Package cli holds the flags and setup shared by gsz and grz.
package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/doublegate/Impulse-7.1-sub003/detect"
	"github.com/doublegate/Impulse-7.1-sub003/engine"
	"github.com/doublegate/Impulse-7.1-sub003/link"
	"github.com/doublegate/Impulse-7.1-sub003/recovery"
	"github.com/doublegate/Impulse-7.1-sub003/transfer"
	"github.com/doublegate/Impulse-7.1-sub003/zmodem"
)

// Link is a transfer link the command owns and closes.
type Link interface {
	transfer.Link
	io.Closer
}

// Options are the command line settings common to both commands.
type Options struct {
	Xmodem   bool
	Ymodem   bool
	Zmodem   bool
	Stream   bool
	OneK     bool
	Checksum bool
	Prefs    string

	Serial string
	Baud   int
	Telnet string

	Timeout int // tenths of a second
	Retries int
	Escape  bool
	Resume  string
	LogFile string
	Trace   bool
	Verbose bool
	Quiet   bool
}

// Register adds the common flags to fs.
func (o *Options) Register(fs *flag.FlagSet) {
	fs.BoolVar(&o.Xmodem, "x", false, "use Xmodem (CRC unless -c, 1K blocks with -k)")
	fs.BoolVar(&o.Ymodem, "y", false, "use Ymodem")
	fs.BoolVar(&o.Zmodem, "z", false, "use Zmodem")
	fs.BoolVar(&o.Stream, "g", false, "use Ymodem-G")
	fs.BoolVar(&o.OneK, "k", false, "Xmodem with 1024 byte blocks")
	fs.BoolVar(&o.Checksum, "c", false, "Xmodem with 8 bit checksums")
	fs.StringVar(&o.Prefs, "prefs", "", "protocols auto detection may pick, e.g. zmodem,ymodem,xmodem-crc")

	fs.StringVar(&o.Serial, "serial", "", "serial device instead of stdin/stdout")
	fs.IntVar(&o.Baud, "baud", 115200, "serial line speed")
	fs.StringVar(&o.Telnet, "telnet", "", "telnet host:port instead of stdin/stdout")

	fs.IntVar(&o.Timeout, "t", 100, "timeout in tenths of seconds")
	fs.IntVar(&o.Retries, "r", transfer.DefaultMaxRetries, "retries per wait")
	fs.BoolVar(&o.Escape, "e", false, "escape all control characters (Zmodem)")
	fs.StringVar(&o.Resume, "resume", "", "directory keeping interrupted Zmodem transfers")
	fs.StringVar(&o.LogFile, "log", "", "protocol log file")
	fs.BoolVar(&o.Trace, "trace", false, "log every byte on the link")
	fs.BoolVar(&o.Verbose, "v", false, "verbose mode")
	fs.BoolVar(&o.Quiet, "q", false, "quiet mode")
}

// Protocol returns the protocol the flags select; detect.Auto when none
// is given.
func (o *Options) Protocol() (detect.Protocol, error) {
	n := 0
	for _, set := range []bool{o.Xmodem, o.Ymodem, o.Zmodem} {
		if set {
			n++
		}
	}
	if n > 1 {
		return detect.Unknown, errors.New("-x, -y and -z are exclusive")
	}
	switch {
	case o.Xmodem && o.OneK:
		return detect.Xmodem1K, nil
	case o.Xmodem && o.Checksum:
		return detect.Xmodem, nil
	case o.Xmodem:
		return detect.XmodemCRC, nil
	case o.Zmodem:
		return detect.Zmodem, nil
	case o.Stream:
		return detect.YmodemG, nil
	case o.Ymodem:
		return detect.Ymodem, nil
	}
	return detect.Auto, nil
}

// Policy returns the retry budget and timeout.
func (o *Options) Policy() transfer.Policy {
	return transfer.Policy{
		MaxRetries: o.Retries,
		Timeout:    time.Duration(o.Timeout) * 100 * time.Millisecond,
	}.Normalize()
}

// OpenLink opens the telnet connection, the serial device or stdio.
func (o *Options) OpenLink() (Link, error) {
	switch {
	case o.Telnet != "" && o.Serial != "":
		return nil, errors.New("-telnet and -serial are exclusive")
	case o.Telnet != "":
		return link.DialTelnet(o.Telnet, 10*time.Second)
	case o.Serial != "":
		return link.OpenSerial(o.Serial, o.Baud)
	}
	return link.Stdio()
}

// Logger returns the protocol logger: the log file when one is named,
// stderr in verbose mode, nothing otherwise. The returned func releases it.
func (o *Options) Logger() (transfer.Logger, func() error, error) {
	nop := func() error { return nil }
	if o.LogFile != "" {
		fl, err := transfer.NewFileLogger(o.LogFile)
		if err != nil {
			return nil, nil, err
		}
		return fl, fl.Close, nil
	}
	if o.Verbose && !o.Quiet {
		h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
		return transfer.NewSlogLogger(slog.New(h)), nop, nil
	}
	return transfer.NoopLogger{}, nop, nil
}

// Traced wraps l so every byte is logged when -trace is set.
func (o *Options) Traced(l transfer.Link, logger transfer.Logger) transfer.Link {
	if !o.Trace {
		return l
	}
	return link.Logged(l, logger, "link")
}

// Engine returns the engine options for the flags.
func (o *Options) Engine(logger transfer.Logger, observer transfer.Observer) ([]engine.Option, error) {
	proto, err := o.Protocol()
	if err != nil {
		return nil, err
	}
	z := zmodem.DefaultConfig()
	z.Escape.Control = o.Escape
	z.Resume = o.Resume != ""

	opts := []engine.Option{
		engine.WithProtocol(proto),
		engine.WithPolicy(o.Policy()),
		engine.WithZmodem(z),
		engine.WithLogger(logger),
		engine.WithObserver(observer),
	}
	if o.Prefs != "" {
		prefs, err := detect.ParsePreferences(o.Prefs)
		if err != nil {
			return nil, err
		}
		opts = append(opts, engine.WithPreferences(prefs))
	}
	if o.Resume != "" {
		store, err := recovery.NewFileStore(o.Resume)
		if err != nil {
			return nil, err
		}
		m := recovery.NewManager(store)
		m.SetLogger(logger)
		opts = append(opts, engine.WithRecovery(m))
	}
	return opts, nil
}

// Reporter prints file events to w the way sz and rz do: one line per
// file, plus a running percentage in verbose mode.
func (o *Options) Reporter(w io.Writer) *transfer.Callbacks {
	if o.Quiet {
		return &transfer.Callbacks{}
	}
	c := &transfer.Callbacks{
		OnFileComplete: func(info transfer.FileInfo, n int64, elapsed time.Duration, err error) {
			switch {
			case errors.Is(err, transfer.ErrFileSkipped):
				fmt.Fprintf(w, "\r%s: skipped\n", info.Name)
			case err != nil:
				fmt.Fprintf(w, "\r%s: %v\n", info.Name, err)
			case o.Verbose:
				fmt.Fprintf(w, "\r%s: %d bytes in %v\n", info.Name, n, elapsed.Round(time.Millisecond))
			default:
				fmt.Fprintf(w, "%s\n", info.Name)
			}
		},
	}
	if o.Verbose {
		c.OnFileStart = func(info transfer.FileInfo) {
			fmt.Fprintf(w, "%s\n", info)
		}
		c.OnProgress = func(p transfer.Progress) {
			if p.Total > 0 {
				fmt.Fprintf(w, "\r%s: %5.1f%% (%.0f bytes/s)", p.Filename,
					float64(p.Transferred)*100/float64(p.Total), p.Rate)
			} else {
				fmt.Fprintf(w, "\r%s: %d bytes (%.0f bytes/s)", p.Filename, p.Transferred, p.Rate)
			}
		}
	}
	return c
}

// Summary is the one line report of a finished session.
func Summary(o transfer.Outcome) string {
	s := fmt.Sprintf("%s %s: %d files, %d bytes", o.Protocol, o.Status, o.Files, o.Bytes)
	if o.Retransmitted > 0 {
		s += fmt.Sprintf(", %d bytes resent", o.Retransmitted)
	}
	if o.Err != nil {
		s += fmt.Sprintf(" (%v)", o.Err)
	}
	return s
}
