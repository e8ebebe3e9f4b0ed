// Package xmodem implements the Xmodem protocol in its checksum, CRC and
// 1K variants. The block level operations are exported for Ymodem, which
// runs on top of Xmodem-1K.
package xmodem

import (
	"encoding/binary"

	"github.com/doublegate/Impulse-7.1-sub003/checksum"
	"github.com/doublegate/Impulse-7.1-sub003/transfer"
)

// Control characters
const (
	SOH = 0x01 // 128 byte block
	STX = 0x02 // 1024 byte block
	EOT = 0x04
	ACK = 0x06
	NAK = 0x15
	CAN = 0x18
	SUB = 0x1a // pad byte, CP/M end of file

	// CRCPoll asks for CRC blocks.
	CRCPoll = 'C'
	// GPoll asks for streaming (Ymodem-G) without per block ACKs.
	GPoll = 'G'
)

const (
	ShortSize = 128
	LongSize  = 1024
)

// Variant selects the block trailer and the largest block size.
type Variant int

const (
	// Checksum uses 128 byte blocks with an 8-bit sum.
	Checksum Variant = iota
	// CRC uses 128 byte blocks with CRC-16.
	CRC
	// OneK uses 1024 byte blocks with CRC-16; a short tail may still go
	// out as a 128 byte block.
	OneK
)

func (v Variant) String() string {
	switch v {
	case Checksum:
		return "checksum"
	case CRC:
		return "crc"
	case OneK:
		return "1k"
	}
	return "unknown"
}

// UsesCRC reports whether blocks end with CRC-16.
func (v Variant) UsesCRC() bool {
	return v != Checksum
}

// BlockSize returns the largest payload of the variant.
func (v Variant) BlockSize() int {
	if v == OneK {
		return LongSize
	}
	return ShortSize
}

// TrailerSize returns the width of the checksum or CRC.
func (v Variant) TrailerSize() int {
	if v.UsesCRC() {
		return 2
	}
	return 1
}

// Block is one Xmodem block.
type Block struct {
	Number  byte
	Payload []byte
	Variant Variant
}

// Size returns the payload size on the wire: 1024 for a OneK block whose
// payload does not fit in 128 bytes, 128 otherwise.
func (b Block) Size() int {
	if b.Variant == OneK && len(b.Payload) > ShortSize {
		return LongSize
	}
	return ShortSize
}

// Serialize returns the wire form of b: header, number, complement,
// payload padded with SUB, then the sum or the big-endian CRC of the padded
// payload.
func Serialize(b Block) []byte {
	size := b.Size()
	header := byte(SOH)
	if size == LongSize {
		header = STX
	}
	out := make([]byte, 0, 3+size+b.Variant.TrailerSize())
	out = append(out, header, b.Number, 255-b.Number)
	payload := b.Payload
	if len(payload) > size {
		payload = payload[:size]
	}
	out = append(out, payload...)
	for i := len(payload); i < size; i++ {
		out = append(out, SUB)
	}
	data := out[3 : 3+size]
	if b.Variant.UsesCRC() {
		out = binary.BigEndian.AppendUint16(out, checksum.CRC16(data))
	} else {
		out = append(out, checksum.Sum8(data))
	}
	return out
}

// blockSize returns the payload size announced by a header byte.
func blockSize(header byte) (int, bool) {
	switch header {
	case SOH:
		return ShortSize, true
	case STX:
		return LongSize, true
	}
	return 0, false
}

// Parse decodes one serialized block. The trailer is read as v says;
// the header byte decides the size, so 1024 byte blocks are accepted in
// any variant. Padding is kept in the payload.
func Parse(raw []byte, v Variant) (Block, error) {
	if len(raw) == 0 {
		return Block{}, transfer.NewError(transfer.ErrInvalidBlockHeader, "empty block")
	}
	size, ok := blockSize(raw[0])
	if !ok {
		return Block{}, transfer.Errorf(transfer.ErrInvalidBlockHeader, "header %#02x", raw[0])
	}
	if want := 3 + size + v.TrailerSize(); len(raw) != want {
		return Block{}, transfer.Errorf(transfer.ErrProtocol, "block is %d bytes, want %d", len(raw), want)
	}
	num, comp := raw[1], raw[2]
	if comp != 255-num {
		return Block{}, transfer.Errorf(transfer.ErrComplementMismatch, "block %d complement %d", num, comp)
	}
	payload := raw[3 : 3+size]
	trailer := raw[3+size:]
	if v.UsesCRC() {
		if checksum.CRC16(payload) != binary.BigEndian.Uint16(trailer) {
			return Block{}, transfer.Errorf(transfer.ErrCRCMismatch, "block %d", num)
		}
	} else if checksum.Sum8(payload) != trailer[0] {
		return Block{}, transfer.Errorf(transfer.ErrChecksumMismatch, "block %d", num)
	}
	return Block{
		Number:  num,
		Payload: append([]byte(nil), payload...),
		Variant: v,
	}, nil
}
