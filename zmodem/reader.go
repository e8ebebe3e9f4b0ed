package zmodem

import (
	"encoding/binary"
	"io"

	"github.com/doublegate/Impulse-7.1-sub003/checksum"
	"github.com/doublegate/Impulse-7.1-sub003/transfer"
)

const (
	// maxSubpacketSize is the largest subpacket accepted (8K Zmodem).
	maxSubpacketSize = 8192

	// cancelRun is the number of consecutive CANs that cancel a session.
	cancelRun = 5
)

// frameReader decodes headers and subpackets from a byte stream. It works
// on a transfer.Port, whose deadline bounds every read, and on an in-memory
// reader for ParseFrame.
type frameReader struct {
	src io.ByteScanner

	// garbageMax bounds the bytes skipped while hunting for a header.
	// 0 means no bound.
	garbageMax int

	// strict reports an unknown encoding after ZPAD ZDLE instead of
	// treating it as garbage.
	strict bool
}

func newFrameReader(src io.ByteScanner, garbageMax int) *frameReader {
	return &frameReader{src: src, garbageMax: garbageMax}
}

func cancelled() error {
	return transfer.NewError(transfer.ErrCancelled, "peer sent CAN sequence")
}

// raw reads the next byte, dropping XON and XOFF flow control characters.
func (r *frameReader) raw() (byte, error) {
	for {
		c, err := r.src.ReadByte()
		if err != nil {
			return 0, err
		}
		switch c {
		case XON, XOFF, XON | 0x80, XOFF | 0x80:
			continue
		}
		return c, nil
	}
}

// zdlRead reads one data byte, undoing ZDLE escapes. When a subpacket
// terminator is read, end is set and c is 0. ZDLE followed by four CANs is
// a cancel. This matches zdlread() from zm.c.
func (r *frameReader) zdlRead() (c byte, end SubpacketEnd, err error) {
	c, err = r.raw()
	if err != nil || c != ZDLE {
		return c, 0, err
	}
	cans := 1
	for {
		c, err = r.raw()
		if err != nil {
			return 0, 0, err
		}
		if c != CAN {
			break
		}
		cans++
		if cans >= cancelRun {
			return 0, 0, cancelled()
		}
	}
	if e := SubpacketEnd(c); e.Valid() {
		return 0, e, nil
	}
	d, ok := unescape(c)
	if !ok {
		return 0, 0, transfer.Errorf(transfer.ErrInvalidEscape, "ZDLE %#02x", c)
	}
	return d, 0, nil
}

// readHeader skips to the next header and decodes it. It returns
// ErrCancelled after five CANs, ErrProtocol when more than garbageMax bytes
// were skipped, and a typed error for a damaged header.
// This matches zgethdr() from zm.c.
func (r *frameReader) readHeader() (Encoding, Header, error) {
	garbage, cans := 0, 0
	skip := func() error {
		garbage++
		if r.garbageMax > 0 && garbage > r.garbageMax {
			return transfer.Errorf(transfer.ErrProtocol, "no header in %d bytes", garbage)
		}
		return nil
	}

	for {
		c, err := r.raw()
		if err != nil {
			return 0, Header{}, err
		}
		if c == CAN {
			cans++
			if cans >= cancelRun {
				return 0, Header{}, cancelled()
			}
			if err := skip(); err != nil {
				return 0, Header{}, err
			}
			continue
		}
		cans = 0
		if c&0x7f != ZPAD {
			if err := skip(); err != nil {
				return 0, Header{}, err
			}
			continue
		}

		// Any number of ZPADs, then ZDLE.
		for c&0x7f == ZPAD {
			if c, err = r.raw(); err != nil {
				return 0, Header{}, err
			}
		}
		if c != ZDLE {
			if err := skip(); err != nil {
				return 0, Header{}, err
			}
			continue
		}

		c, err = r.raw()
		if err != nil {
			return 0, Header{}, err
		}
		var h Header
		enc := Encoding(c & 0x7f)
		switch enc {
		case Hex:
			h, err = r.readHexHeader()
		case Bin16:
			h, err = r.readBinHeader(false)
		case Bin32:
			h, err = r.readBinHeader(true)
		default:
			if c == CAN {
				// ZPAD ZDLE CAN: the start of a cancel run.
				cans = 2
				continue
			}
			if r.strict {
				return 0, Header{}, transfer.Errorf(transfer.ErrInvalidFrameEncoding, "encoding %#02x", c)
			}
			if err := skip(); err != nil {
				return 0, Header{}, err
			}
			continue
		}
		if err != nil {
			return enc, h, err
		}
		if !h.Type.Valid() {
			return enc, h, transfer.Errorf(transfer.ErrInvalidFrameType, "frame type %d", byte(h.Type))
		}
		return enc, h, nil
	}
}

func hexValue(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

func (r *frameReader) readHexByte() (byte, error) {
	var v byte
	for i := 0; i < 2; i++ {
		c, err := r.raw()
		if err != nil {
			return 0, err
		}
		d, ok := hexValue(c & 0x7f)
		if !ok {
			return 0, transfer.Errorf(transfer.ErrInvalidFrameEncoding, "bad hex digit %#02x", c)
		}
		v = v<<4 | d
	}
	return v, nil
}

// readHexHeader decodes type, data and CRC of a hex header followed by
// CR LF. The trailing XON, if any, is left to raw.
func (r *frameReader) readHexHeader() (Header, error) {
	var b [7]byte
	for i := range b {
		v, err := r.readHexByte()
		if err != nil {
			return Header{}, err
		}
		b[i] = v
	}
	h := Header{Type: FrameType(b[0])}
	copy(h.Data[:], b[1:5])
	if checksum.CRC16(b[:5]) != binary.BigEndian.Uint16(b[5:]) {
		return h, transfer.NewError(transfer.ErrCRCMismatch, "hex header CRC")
	}

	c, err := r.src.ReadByte()
	if err != nil {
		return h, ignoreEOF(err)
	}
	if c&0x7f == '\r' {
		c, err = r.src.ReadByte()
		if err != nil {
			return h, ignoreEOF(err)
		}
	}
	if c&0x7f != '\n' {
		r.src.UnreadByte()
	}
	return h, nil
}

// ignoreEOF drops the end of an in-memory buffer, which only means the
// optional header trailer is absent. Port errors are kept.
func ignoreEOF(err error) error {
	if err == io.EOF {
		return nil
	}
	return err
}

func (r *frameReader) readBinHeader(crc32 bool) (Header, error) {
	n := 7
	if crc32 {
		n = 9
	}
	var b [9]byte
	for i := 0; i < n; i++ {
		c, end, err := r.zdlRead()
		if err != nil {
			return Header{}, err
		}
		if end != 0 {
			return Header{}, transfer.Errorf(transfer.ErrInvalidEscape, "%s inside header", end)
		}
		b[i] = c
	}
	h := Header{Type: FrameType(b[0])}
	copy(h.Data[:], b[1:5])
	if crc32 {
		if checksum.CRC32(b[:5]) != binary.LittleEndian.Uint32(b[5:9]) {
			return h, transfer.NewError(transfer.ErrCRCMismatch, "binary header CRC-32")
		}
	} else if checksum.CRC16(b[:5]) != binary.BigEndian.Uint16(b[5:7]) {
		return h, transfer.NewError(transfer.ErrCRCMismatch, "binary header CRC")
	}
	return h, nil
}

// readSubpacket reads data into buf up to the ZDLE terminator and checks
// the CRC. n is the payload length.
// This matches zrdata() and zrdat32() from zm.c.
func (r *frameReader) readSubpacket(buf []byte, crc32 bool) (n int, end SubpacketEnd, err error) {
	for {
		c, e, err := r.zdlRead()
		if err != nil {
			return n, 0, err
		}
		if e != 0 {
			end = e
			break
		}
		if n >= len(buf) {
			return n, 0, transfer.Errorf(transfer.ErrProtocol, "subpacket longer than %d", len(buf))
		}
		buf[n] = c
		n++
	}

	size := 2
	if crc32 {
		size = 4
	}
	var sum [4]byte
	for i := 0; i < size; i++ {
		c, e, err := r.zdlRead()
		if err != nil {
			return n, end, err
		}
		if e != 0 {
			return n, end, transfer.Errorf(transfer.ErrInvalidEscape, "%s inside CRC", e)
		}
		sum[i] = c
	}
	if crc32 {
		want := checksum.UpdateCRC32(checksum.CRC32(buf[:n]), []byte{byte(end)})
		if binary.LittleEndian.Uint32(sum[:]) != want {
			return n, end, transfer.NewError(transfer.ErrCRCMismatch, "subpacket CRC-32")
		}
	} else {
		want := checksum.UpdateCRC16Byte(checksum.CRC16(buf[:n]), byte(end))
		if binary.BigEndian.Uint16(sum[:2]) != want {
			return n, end, transfer.NewError(transfer.ErrCRCMismatch, "subpacket CRC")
		}
	}
	return n, end, nil
}
