// Package ymodem implements Ymodem batch transfers and the streaming
// Ymodem-G variant on top of Xmodem-1K blocks.
package ymodem

import (
	"github.com/doublegate/Impulse-7.1-sub003/transfer"
	"github.com/doublegate/Impulse-7.1-sub003/xmodem"
)

// Header is the file metadata carried by block 0. The zero Header marks
// the end of a batch.
type Header transfer.FileInfo

// EndOfBatch reports whether h is the empty block 0 that ends a batch.
func (h Header) EndOfBatch() bool {
	return h.Name == ""
}

// EncodeHeader returns the block 0 payload for h:
//
//	name NUL size mtime mode 0 filesleft bytesleft NUL
//
// zero padded to 128 bytes, or to 1024 when the metadata does not fit.
// Metadata longer than 1024 bytes is cut. The end of batch header encodes
// as 128 zero bytes.
func EncodeHeader(h Header) []byte {
	if h.EndOfBatch() {
		return make([]byte, xmodem.ShortSize)
	}
	meta := transfer.MarshalFileInfo(transfer.FileInfo(h))
	size := xmodem.ShortSize
	if len(meta) > size {
		size = xmodem.LongSize
	}
	if len(meta) > size {
		meta = meta[:size-1]
	}
	out := make([]byte, size)
	copy(out, meta)
	return out
}

// DecodeHeader parses a block 0 payload. A payload starting with NUL is
// the end of batch, whatever follows it.
func DecodeHeader(payload []byte) (Header, error) {
	if len(payload) == 0 || payload[0] == 0 {
		return Header{}, nil
	}
	info, err := transfer.ParseFileInfo(payload)
	if err != nil {
		return Header{}, err
	}
	return Header(info), nil
}

// Block0 returns block 0 for h, a CRC block of 128 or 1024 bytes.
func Block0(h Header) xmodem.Block {
	payload := EncodeHeader(h)
	v := xmodem.CRC
	if len(payload) > xmodem.ShortSize {
		v = xmodem.OneK
	}
	return xmodem.Block{Number: 0, Payload: payload, Variant: v}
}
