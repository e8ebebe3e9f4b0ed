package zmodem

import (
	"io"

	"github.com/doublegate/Impulse-7.1-sub003/transfer"
)

// escapeType indicates how a byte should be escaped when sending
type escapeType uint8

const (
	escapeNone        escapeType = iota // No escaping needed
	escapeAlways                        // Always escape (XOR with 0x40)
	escapeConditional                   // Escape if previous byte was '@'
)

// EscapeConfig selects which bytes are ZDLE escaped on top of the ones that
// always are (ZDLE, DLE, XON, XOFF and their high-bit forms).
type EscapeConfig struct {
	// Control escapes every C0 and C1 control character.
	Control bool
	// EighthBit escapes 0x80-0x9F and 0xFF for links that strip or
	// interpret the high bit.
	EighthBit bool
	// Turbo drops the escape of CR after '@', which only matters for
	// Telenet style links.
	Turbo bool
	// Extra lists additional bytes to escape. Only bytes whose escaped form
	// can be decoded are honored: controls, 0x7F and 0xFF.
	Extra []byte
}

// EscapeSet is the compiled escape table for an EscapeConfig.
type EscapeSet struct {
	tab [256]escapeType
	cfg EscapeConfig
}

var defaultEscapeSet = NewEscapeSet(EscapeConfig{})

// NewEscapeSet builds the escape table for cfg. The table matches
// zsendline_init() from lrzsz with the optional extras added.
func NewEscapeSet(cfg EscapeConfig) *EscapeSet {
	s := &EscapeSet{cfg: cfg}
	for i := 0; i < 256; i++ {
		c := byte(i)
		switch {
		case c&0x7f == ZDLE, c&0x7f == DLE, c&0x7f == XON, c&0x7f == XOFF:
			s.tab[i] = escapeAlways
		case c&0x7f == '\r':
			if cfg.Control {
				s.tab[i] = escapeAlways
			} else if !cfg.Turbo {
				s.tab[i] = escapeConditional
			}
		case cfg.Control && c&0x60 == 0:
			s.tab[i] = escapeAlways
		case cfg.EighthBit && (c >= 0x80 && c <= 0x9f || c == 0xff):
			s.tab[i] = escapeAlways
		}
	}
	for _, c := range cfg.Extra {
		if escapable(c) {
			s.tab[c] = escapeAlways
		}
	}
	return s
}

// Config returns the configuration the set was built from.
func (s *EscapeSet) Config() EscapeConfig {
	return s.cfg
}

// escapable reports whether the escaped form of c decodes back to c.
func escapable(c byte) bool {
	return c&0x60 == 0 || c == 0x7f || c == 0xff
}

func escapeByte(c byte) byte {
	switch c {
	case 0x7f:
		return ZRUB0
	case 0xff:
		return ZRUB1
	}
	return c ^ 0x40
}

// Escaper writes ZDLE escaped bytes to an io.ByteWriter. It remembers the
// last byte sent for the CR-after-'@' rule, so one Escaper is used per
// frame.
type Escaper struct {
	set  *EscapeSet
	w    io.ByteWriter
	last byte
}

// NewEscaper returns an Escaper writing to w. A nil set uses the default
// table.
func NewEscaper(set *EscapeSet, w io.ByteWriter) *Escaper {
	if set == nil {
		set = defaultEscapeSet
	}
	return &Escaper{set: set, w: w}
}

// WriteByte writes c, escaped if the table says so.
// This matches the C function zsendline() from zm.c.
func (e *Escaper) WriteByte(c byte) error {
	esc := false
	switch e.set.tab[c] {
	case escapeAlways:
		esc = true
	case escapeConditional:
		esc = e.last&0x7f == '@'
	}
	if esc {
		if err := e.w.WriteByte(ZDLE); err != nil {
			return err
		}
		c = escapeByte(c)
	}
	e.last = c
	return e.w.WriteByte(c)
}

// Write escapes every byte of p.
func (e *Escaper) Write(p []byte) (int, error) {
	for i, c := range p {
		if err := e.WriteByte(c); err != nil {
			return i, err
		}
	}
	return len(p), nil
}

type byteSlice struct {
	b []byte
}

func (s *byteSlice) WriteByte(c byte) error {
	s.b = append(s.b, c)
	return nil
}

// Encode escapes data with the default table.
func Encode(data []byte) []byte {
	return EncodeWith(nil, data)
}

// EncodeWith escapes data with set.
func EncodeWith(set *EscapeSet, data []byte) []byte {
	out := &byteSlice{b: make([]byte, 0, len(data)+len(data)/8)}
	e := NewEscaper(set, out)
	e.Write(data)
	return out.b
}

// unescape decodes the byte that follows a ZDLE.
func unescape(c byte) (byte, bool) {
	switch {
	case c == ZRUB0:
		return 0x7f, true
	case c == ZRUB1:
		return 0xff, true
	case c&0x60 == 0x40:
		return c ^ 0x40, true
	}
	return 0, false
}

// Decode reverses Encode for any escape table. A ZDLE followed by a byte
// that is not a valid escape, or a trailing ZDLE, is an ErrInvalidEscape.
func Decode(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		c := data[i]
		if c != ZDLE {
			out = append(out, c)
			continue
		}
		i++
		if i >= len(data) {
			return out, transfer.NewError(transfer.ErrInvalidEscape, "trailing ZDLE")
		}
		d, ok := unescape(data[i])
		if !ok {
			return out, transfer.Errorf(transfer.ErrInvalidEscape, "ZDLE %#02x", data[i])
		}
		out = append(out, d)
	}
	return out, nil
}
