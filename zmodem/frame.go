package zmodem

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/doublegate/Impulse-7.1-sub003/checksum"
	"github.com/doublegate/Impulse-7.1-sub003/transfer"
)

// Header is a frame type plus four data bytes. The data bytes hold either
// a little-endian file position (ZP0..ZP3) or the flags ZF3..ZF0.
type Header struct {
	Type FrameType
	Data [4]byte
}

// PosHeader returns a header of type t carrying pos.
// This matches stohdr() from zm.c.
func PosHeader(t FrameType, pos int64) Header {
	h := Header{Type: t}
	binary.LittleEndian.PutUint32(h.Data[:], uint32(pos))
	return h
}

// FlagsHeader returns a header of type t with the flag bytes set.
func FlagsHeader(t FrameType, f0, f1, f2, f3 byte) Header {
	h := Header{Type: t}
	h.Data[ZF0] = f0
	h.Data[ZF1] = f1
	h.Data[ZF2] = f2
	h.Data[ZF3] = f3
	return h
}

// Position returns the little-endian position held in the data bytes.
// This matches rclhdr() from zm.c.
func (h Header) Position() int64 {
	return int64(binary.LittleEndian.Uint32(h.Data[:]))
}

// F0 returns flag byte ZF0.
func (h Header) F0() byte { return h.Data[ZF0] }

// F1 returns flag byte ZF1.
func (h Header) F1() byte { return h.Data[ZF1] }

func (h Header) String() string {
	return fmt.Sprintf("%s [%02x %02x %02x %02x]", h.Type, h.Data[0], h.Data[1], h.Data[2], h.Data[3])
}

// Frame is a header together with its data subpacket, if the type carries
// one.
type Frame struct {
	Encoding Encoding
	Header
	Payload []byte
	End     SubpacketEnd
}

const hexDigits = "0123456789abcdef"

func appendHex(dst []byte, c byte) []byte {
	return append(dst, hexDigits[c>>4], hexDigits[c&0x0f])
}

// AppendHeader appends the wire form of h in encoding enc to dst. Binary
// headers are escaped with set; hex headers need no escaping.
//
// A hex header ends with CR, LF|0x80 and, except for ZACK and ZFIN, an XON
// to restart a sender stopped by flow control. This matches zshhdr(),
// zsbhdr() and zsbh32() from zm.c.
func AppendHeader(dst []byte, h Header, enc Encoding, set *EscapeSet) []byte {
	switch enc {
	case Hex:
		dst = append(dst, ZPAD, ZPAD, ZDLE, byte(Hex))
		dst = appendHex(dst, byte(h.Type))
		crc := checksum.UpdateCRC16Byte(0, byte(h.Type))
		for _, b := range h.Data {
			dst = appendHex(dst, b)
			crc = checksum.UpdateCRC16Byte(crc, b)
		}
		dst = appendHex(dst, byte(crc>>8))
		dst = appendHex(dst, byte(crc))
		dst = append(dst, '\r', '\n'|0x80)
		if h.Type != ZFIN && h.Type != ZACK {
			dst = append(dst, XON)
		}
		return dst

	case Bin32:
		dst = append(dst, ZPAD, ZDLE, byte(Bin32))
		out := &byteSlice{b: dst}
		e := NewEscaper(set, out)
		e.WriteByte(byte(h.Type))
		e.Write(h.Data[:])
		crc := checksum.UpdateCRC32(checksum.CRC32([]byte{byte(h.Type)}), h.Data[:])
		var sum [4]byte
		binary.LittleEndian.PutUint32(sum[:], crc)
		e.Write(sum[:])
		return out.b

	default:
		dst = append(dst, ZPAD, ZDLE, byte(Bin16))
		out := &byteSlice{b: dst}
		e := NewEscaper(set, out)
		e.WriteByte(byte(h.Type))
		e.Write(h.Data[:])
		crc := checksum.UpdateCRC16(checksum.UpdateCRC16Byte(0, byte(h.Type)), h.Data[:])
		e.WriteByte(byte(crc >> 8))
		e.WriteByte(byte(crc))
		return out.b
	}
}

// AppendSubpacket appends a data subpacket: escaped data, ZDLE and end
// unescaped, then the escaped CRC of data and end. ZCRCW is followed by an
// XON. This matches zsdata() and zsda32() from zm.c.
func AppendSubpacket(dst []byte, data []byte, end SubpacketEnd, crc32 bool, set *EscapeSet) []byte {
	out := &byteSlice{b: dst}
	e := NewEscaper(set, out)
	e.Write(data)
	out.WriteByte(ZDLE)
	out.WriteByte(byte(end))
	if crc32 {
		crc := checksum.UpdateCRC32(checksum.CRC32(data), []byte{byte(end)})
		var sum [4]byte
		binary.LittleEndian.PutUint32(sum[:], crc)
		e.Write(sum[:])
	} else {
		crc := checksum.UpdateCRC16Byte(checksum.CRC16(data), byte(end))
		e.WriteByte(byte(crc >> 8))
		e.WriteByte(byte(crc))
	}
	if end == ZCRCW {
		out.WriteByte(XON)
	}
	return out.b
}

// Serialize returns the wire form of f with the default escape table. The
// subpacket is written only for types that carry one; its CRC width follows
// the header encoding.
func Serialize(f Frame) []byte {
	buf := AppendHeader(nil, f.Header, f.Encoding, nil)
	if f.Type.HasData() {
		end := f.End
		if !end.Valid() {
			end = ZCRCW
		}
		buf = AppendSubpacket(buf, f.Payload, end, f.Encoding == Bin32, nil)
	}
	return buf
}

// ParseFrame decodes the first frame in raw and returns it with the number
// of bytes consumed. Leading garbage is skipped. Errors are typed
// transfer errors; a buffer that ends early is an ErrProtocol.
func ParseFrame(raw []byte) (Frame, int, error) {
	src := bytes.NewReader(raw)
	r := newFrameReader(src, 0)
	r.strict = true

	consumed := func() int { return len(raw) - src.Len() }
	truncated := func(err error) error {
		if err == io.EOF {
			return transfer.NewError(transfer.ErrProtocol, "truncated frame")
		}
		return err
	}

	enc, h, err := r.readHeader()
	if err != nil {
		return Frame{}, consumed(), truncated(err)
	}
	f := Frame{Encoding: enc, Header: h}
	if !h.Type.HasData() {
		skipXON(src)
		return f, consumed(), nil
	}

	buf := make([]byte, maxSubpacketSize)
	n, end, err := r.readSubpacket(buf, enc == Bin32)
	if err != nil {
		return f, consumed(), truncated(err)
	}
	f.Payload = buf[:n:n]
	f.End = end
	if end == ZCRCW {
		skipXON(src)
	}
	return f, consumed(), nil
}

// skipXON swallows the XON that may follow a frame.
func skipXON(src *bytes.Reader) {
	if c, err := src.ReadByte(); err == nil && c&0x7f != XON {
		src.UnreadByte()
	}
}

// FormatFrameLog formats a frame for logging with optional data truncation.
func FormatFrameLog(direction string, h Header, data []byte) string {
	msg := fmt.Sprintf("%s %s (pos=%d, hdr=[%02x %02x %02x %02x])",
		direction, h.Type, h.Position(), h.Data[0], h.Data[1], h.Data[2], h.Data[3])
	if len(data) > 0 {
		msg += fmt.Sprintf(", data_size=%d", len(data))
		if len(data) > 128 {
			msg += fmt.Sprintf(", data=%q...[truncated]", data[:128])
		} else {
			msg += fmt.Sprintf(", data=%q", data)
		}
	}
	return msg
}
