package zmodem

import (
	"bytes"
	"errors"
	"testing"

	"github.com/doublegate/Impulse-7.1-sub003/transfer"
)

func allBytes() []byte {
	b := make([]byte, 256)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func TestEscapeRoundTrip(t *testing.T) {
	configs := map[string]EscapeConfig{
		"default":    {},
		"control":    {Control: true},
		"eighth":     {EighthBit: true},
		"turbo":      {Turbo: true},
		"extra":      {Extra: []byte{0x7f, 0xff, 0x01, 'A'}},
		"everything": {Control: true, EighthBit: true, Extra: []byte{0x7f}},
	}
	data := append(allBytes(), '@', '\r', '@', 0x8d, ZDLE, ZDLE)
	for name, cfg := range configs {
		t.Run(name, func(t *testing.T) {
			set := NewEscapeSet(cfg)
			enc := EncodeWith(set, data)
			for i, c := range enc {
				if c == XON || c == XOFF || c == XON|0x80 || c == XOFF|0x80 {
					t.Fatalf("flow control byte %#02x at %d", c, i)
				}
			}
			got, err := Decode(enc)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !bytes.Equal(got, data) {
				t.Fatalf("round trip mismatch")
			}
		})
	}
}

func TestEscapeAlwaysSet(t *testing.T) {
	got := Encode([]byte{ZDLE, DLE, XON, XOFF, 0x90, 'a'})
	want := []byte{ZDLE, 'X', ZDLE, 'P', ZDLE, 'Q', ZDLE, 'S', ZDLE, 0xd0, 'a'}
	if !bytes.Equal(got, want) {
		t.Errorf("Encode = % x, want % x", got, want)
	}
}

func TestEscapeCRAfterAt(t *testing.T) {
	got := Encode([]byte("@\rx\r"))
	want := []byte{'@', ZDLE, 'M', 'x', '\r'}
	if !bytes.Equal(got, want) {
		t.Errorf("Encode = % x, want % x", got, want)
	}

	turbo := EncodeWith(NewEscapeSet(EscapeConfig{Turbo: true}), []byte("@\r"))
	if !bytes.Equal(turbo, []byte("@\r")) {
		t.Errorf("turbo Encode = % x", turbo)
	}

	ctl := EncodeWith(NewEscapeSet(EscapeConfig{Control: true}), []byte("x\r\x01"))
	if !bytes.Equal(ctl, []byte{'x', ZDLE, 'M', ZDLE, 'A'}) {
		t.Errorf("control Encode = % x", ctl)
	}
}

func TestEscapeExtra(t *testing.T) {
	set := NewEscapeSet(EscapeConfig{Extra: []byte{0x7f, 0xff, 'A'}})
	got := EncodeWith(set, []byte{0x7f, 0xff, 'A'})
	want := []byte{ZDLE, ZRUB0, ZDLE, ZRUB1, 'A'}
	if !bytes.Equal(got, want) {
		t.Errorf("Encode = % x, want % x", got, want)
	}
}

func TestDecodeErrors(t *testing.T) {
	for _, in := range [][]byte{
		{'a', ZDLE},
		{ZDLE, 'a'},
		{ZDLE, 0x20},
	} {
		_, err := Decode(in)
		if !errors.Is(err, transfer.ErrInvalidEscape) {
			t.Errorf("Decode(% x) error = %v, want invalid escape", in, err)
		}
	}
}
