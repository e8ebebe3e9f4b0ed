package link

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// Serial is a raw 8N1 serial line.
type Serial struct {
	port    serial.Port
	timeout time.Duration
}

func serialMode(baud int) (*serial.Mode, error) {
	if baud <= 0 {
		return nil, fmt.Errorf("link: invalid baud rate %d", baud)
	}
	return &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}, nil
}

// OpenSerial opens the serial device at path in 8N1 mode at baud.
func OpenSerial(path string, baud int) (*Serial, error) {
	mode, err := serialMode(baud)
	if err != nil {
		return nil, err
	}
	p, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("link: open %s: %w", path, err)
	}
	_ = p.ResetInputBuffer()
	return &Serial{port: p, timeout: -1}, nil
}

// ReadTimeout implements transfer.Link. The port reports an expired
// timeout as a zero length read.
func (s *Serial) ReadTimeout(p []byte, d time.Duration) (int, error) {
	if d < 0 {
		d = 0
	}
	if d != s.timeout {
		if err := s.port.SetReadTimeout(d); err != nil {
			return 0, err
		}
		s.timeout = d
	}
	n, err := s.port.Read(p)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, timeoutError()
	}
	return n, nil
}

func (s *Serial) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

// Flush waits until all output has been transmitted.
func (s *Serial) Flush() error {
	return s.port.Drain()
}

// Close closes the device.
func (s *Serial) Close() error {
	return s.port.Close()
}
