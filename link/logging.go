package link

import (
	"time"

	"github.com/doublegate/Impulse-7.1-sub003/transfer"
)

// LoggedLink wraps a link and logs all reads and writes
type LoggedLink struct {
	link   transfer.Link
	logger transfer.Logger
	name   string
}

// Logged wraps l so that traffic is logged to logger under name.
func Logged(l transfer.Link, logger transfer.Logger, name string) *LoggedLink {
	return &LoggedLink{link: l, logger: transfer.OrNoop(logger), name: name}
}

func (ll *LoggedLink) ReadTimeout(p []byte, d time.Duration) (int, error) {
	n, err := ll.link.ReadTimeout(p, d)
	if n > 0 {
		logData(ll.logger, ll.name, "Read", p[:n])
	}
	if err != nil && !transfer.IsTimeout(err) {
		ll.logger.Error("%s: Read error: %v", ll.name, err)
	}
	return n, err
}

func (ll *LoggedLink) Write(p []byte) (int, error) {
	n, err := ll.link.Write(p)
	if n > 0 {
		logData(ll.logger, ll.name, "Wrote", p[:n])
	}
	if err != nil {
		ll.logger.Error("%s: Write error: %v", ll.name, err)
	}
	return n, err
}

// Flush passes through to the wrapped link.
func (ll *LoggedLink) Flush() error {
	if f, ok := ll.link.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

func logData(logger transfer.Logger, name, verb string, data []byte) {
	if len(data) > 128 {
		logger.Debug("%s: %s %d bytes: %q...[truncated]", name, verb, len(data), data[:128])
	} else {
		logger.Debug("%s: %s %d bytes: %q", name, verb, len(data), data)
	}
}
