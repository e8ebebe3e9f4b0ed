// Package zmodem implements the Zmodem file transfer protocol.
//
// The wire format and the sender and receiver state machines follow lrzsz,
// so transfers interoperate with sz/rz and the usual terminal emulators.
// A Sender streams files from a transfer.FileSource; a Receiver writes them
// to a transfer.FileSink. Both run over a transfer.Port and report to a
// transfer.Observer.
package zmodem

import "fmt"

// Frame format indicators
const (
	// ZPAD is the padding character that begins frames
	ZPAD = '*'

	// ZDLE is the Zmodem escape character (Ctrl-X)
	ZDLE = 0x18

	// ZDLEE is the escaped ZDLE as transmitted
	ZDLEE = ZDLE ^ 0x40
)

// Encoding selects how a header is framed on the wire. Its value is the
// byte that follows ZPAD ZDLE.
type Encoding byte

const (
	Bin16 Encoding = 'A' // ZBIN: binary, 16 bit CRC
	Hex   Encoding = 'B' // ZHEX: hex digits, 16 bit CRC
	Bin32 Encoding = 'C' // ZBIN32: binary, 32 bit CRC
)

func (e Encoding) String() string {
	switch e {
	case Bin16:
		return "ZBIN"
	case Hex:
		return "ZHEX"
	case Bin32:
		return "ZBIN32"
	}
	return fmt.Sprintf("Encoding(%#02x)", byte(e))
}

// FrameType is the first byte of every header.
type FrameType byte

// Frame types (see frametypes array in zm.c)
const (
	ZRQINIT    FrameType = iota // Request receive init
	ZRINIT                      // Receive init
	ZSINIT                      // Send init sequence (optional)
	ZACK                        // ACK to above
	ZFILE                       // File name from sender
	ZSKIP                       // To sender: skip this file
	ZNAK                        // Last packet was garbled
	ZABORT                      // Abort batch transfers
	ZFIN                        // Finish session
	ZRPOS                       // Resume data trans at this position
	ZDATA                       // Data packet(s) follow
	ZEOF                        // End of file
	ZFERR                       // Fatal Read or Write error Detected
	ZCRC                        // Request for file CRC and response
	ZCHALLENGE                  // Receiver's Challenge
	ZCOMPL                      // Request is complete
	ZCAN                        // Other end canned session with CAN*5
	ZFREECNT                    // Request for free bytes on filesystem
	ZCOMMAND                    // Command from sending program
	ZSTDERR                     // Output to standard error, data follows
)

var frameTypeNames = [...]string{
	"ZRQINIT",
	"ZRINIT",
	"ZSINIT",
	"ZACK",
	"ZFILE",
	"ZSKIP",
	"ZNAK",
	"ZABORT",
	"ZFIN",
	"ZRPOS",
	"ZDATA",
	"ZEOF",
	"ZFERR",
	"ZCRC",
	"ZCHALLENGE",
	"ZCOMPL",
	"ZCAN",
	"ZFREECNT",
	"ZCOMMAND",
	"ZSTDERR",
}

func (t FrameType) String() string {
	if t.Valid() {
		return frameTypeNames[t]
	}
	return fmt.Sprintf("FrameType(%d)", byte(t))
}

// Valid reports whether t is a known frame type.
func (t FrameType) Valid() bool {
	return int(t) < len(frameTypeNames)
}

// HasData reports whether a header of type t is followed by a data
// subpacket.
func (t FrameType) HasData() bool {
	switch t {
	case ZSINIT, ZFILE, ZDATA, ZCOMMAND, ZSTDERR:
		return true
	}
	return false
}

// SubpacketEnd is the ZDLE sequence that terminates a data subpacket and
// tells the receiver what follows.
type SubpacketEnd byte

const (
	ZCRCE SubpacketEnd = 'h' // CRC next, frame ends, header packet follows
	ZCRCG SubpacketEnd = 'i' // CRC next, frame continues nonstop
	ZCRCQ SubpacketEnd = 'j' // CRC next, frame continues, ZACK expected
	ZCRCW SubpacketEnd = 'k' // CRC next, ZACK expected, end of frame
)

func (e SubpacketEnd) String() string {
	switch e {
	case ZCRCE:
		return "ZCRCE"
	case ZCRCG:
		return "ZCRCG"
	case ZCRCQ:
		return "ZCRCQ"
	case ZCRCW:
		return "ZCRCW"
	}
	return fmt.Sprintf("SubpacketEnd(%#02x)", byte(e))
}

// Valid reports whether e is one of the four terminators.
func (e SubpacketEnd) Valid() bool {
	return e >= ZCRCE && e <= ZCRCW
}

const (
	ZRUB0 = 'l' // Translate to rubout 0177
	ZRUB1 = 'm' // Translate to rubout 0377
)

// Byte positions within header array
const (
	// ZF0-ZF3 are flag bytes (ZF0 is first flags byte)
	ZF0 = 3
	ZF1 = 2
	ZF2 = 1
	ZF3 = 0

	// ZP0-ZP3 are position bytes (ZP0 is low order, ZP3 is high order)
	ZP0 = 0
	ZP1 = 1
	ZP2 = 2
	ZP3 = 3
)

// Bit Masks for ZRINIT flags byte ZF0
const (
	CANFDX  = 0x01 // Rx can send and receive true FDX
	CANOVIO = 0x02 // Rx can receive data during disk I/O
	CANBRK  = 0x04 // Rx can send a break signal
	CANFC32 = 0x20 // Receiver can use 32 bit Frame Check
	ESCCTL  = 0x40 // Receiver expects ctl chars to be escaped
	ESC8    = 0x80 // Receiver expects 8th bit to be escaped
)

// ZATTNLEN is the max length of the ZSINIT attention string.
const ZATTNLEN = 32

// Bit Masks for ZSINIT flags byte ZF0
const (
	TESCCTL = 0x40 // Transmitter expects ctl chars to be escaped
	TESC8   = 0x80 // Transmitter expects 8th bit to be escaped
)

// Conversion options for ZFILE, one of these in ZF0
const (
	ZCBIN   = 1 // Binary transfer - inhibit conversion
	ZCNL    = 2 // Convert NL to local end of line convention
	ZCRESUM = 3 // Resume interrupted file transfer
)

// Management options for ZFILE, ored in ZF1
const (
	ZF1_ZMSKNOLOC = 0x80 // Skip file if not present at rx
	ZF1_ZMMASK    = 0x1f
	ZF1_ZMCLOB    = 4 // Replace existing file
)

// ZCACK1 in ZCOMMAND's ZF0 asks for an ack before the command runs.
const ZCACK1 = 1

// Control characters
const (
	DLE  = 0x10
	XON  = 'q' & 0x1F
	XOFF = 's' & 0x1F
	CAN  = 'X' & 0x1F
)

// autoStart is typed by a sender so that a shell on the far side starts rz.
var autoStart = []byte("rz\r")

// overAndOut ends a session after the final ZFIN.
var overAndOut = []byte("OO")
