// Package detect identifies the transfer protocol a peer is speaking from
// the first bytes it sends, and picks a protocol from an ordered list of
// preferences.
package detect

import (
	"bytes"
	"fmt"
	"strings"
)

// Protocol names a transfer protocol or protocol variant.
type Protocol int

const (
	Unknown Protocol = iota
	// Auto asks the caller to detect the protocol from the peer.
	Auto
	Xmodem
	XmodemCRC
	Xmodem1K
	Ymodem
	YmodemG
	Zmodem
)

var protocolNames = map[Protocol]string{
	Unknown:   "unknown",
	Auto:      "auto",
	Xmodem:    "xmodem",
	XmodemCRC: "xmodem-crc",
	Xmodem1K:  "xmodem-1k",
	Ymodem:    "ymodem",
	YmodemG:   "ymodem-g",
	Zmodem:    "zmodem",
}

func (p Protocol) String() string {
	if name, ok := protocolNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Protocol(%d)", int(p))
}

// ParseProtocol returns the protocol with the given name. Case and the
// separator between family and variant ("xmodem-1k", "xmodem1k",
// "xmodem_1k") do not matter.
func ParseProtocol(name string) (Protocol, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.NewReplacer("-", "", "_", "", " ", "").Replace(key)
	for p, n := range protocolNames {
		if p == Unknown {
			continue
		}
		if strings.ReplaceAll(n, "-", "") == key {
			return p, nil
		}
	}
	return Unknown, fmt.Errorf("detect: unknown protocol %q", name)
}

// Batch reports whether the protocol carries file names and sizes.
func (p Protocol) Batch() bool {
	return p == Ymodem || p == YmodemG || p == Zmodem
}

// Accepts reports whether a sender running p can serve a receiver whose
// start signal was detected. Plain NAK makes the X family fall back to
// checksum blocks; 'C' serves every CRC capable X and Y variant; 'G' is
// served by Ymodem, which switches to streaming when it sees it.
func (p Protocol) Accepts(detected Protocol) bool {
	switch detected {
	case Zmodem:
		return p == Zmodem
	case YmodemG:
		return p == YmodemG || p == Ymodem
	case XmodemCRC:
		return p == Ymodem || p == Xmodem1K || p == XmodemCRC || p == Xmodem
	case Xmodem:
		return p == Xmodem || p == XmodemCRC || p == Xmodem1K
	}
	return false
}

const (
	nak = 0x15
)

var (
	zrqinit = []byte("**\x18B00")
	zrinit  = []byte("**\x18B01")
)

// Detect matches the first bytes received from a peer against the start
// signals of each protocol: a Zmodem ZRQINIT or ZRINIT hex header anywhere
// in first, otherwise the last standalone 'G', 'C' or NAK. A letter is
// standalone when it is not part of a word, so a login banner does not
// read as a poll.
func Detect(first []byte) Protocol {
	if bytes.Contains(first, zrqinit) || bytes.Contains(first, zrinit) {
		return Zmodem
	}
	for i := len(first) - 1; i >= 0; i-- {
		c := first[i]
		switch c {
		case nak:
			return Xmodem
		case 'C', 'G':
			if standalone(first, i) {
				if c == 'G' {
					return YmodemG
				}
				return XmodemCRC
			}
		}
	}
	return Unknown
}

// standalone reports whether first[i] is a poll character rather than a
// letter inside text. Repeated polls ("CCC") count as standalone.
func standalone(first []byte, i int) bool {
	c := first[i]
	word := func(b byte) bool {
		return b != c && (b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9')
	}
	if i > 0 && word(first[i-1]) {
		return false
	}
	if i+1 < len(first) && word(first[i+1]) {
		return false
	}
	return true
}
