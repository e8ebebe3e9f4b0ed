package detect

import (
	"fmt"
	"strings"
)

// Preferences is an ordered list of protocols, most preferred first.
type Preferences []Protocol

// DefaultPreferences prefers Zmodem, then Ymodem, then the Xmodem variants
// from 1K down to plain checksum.
func DefaultPreferences() Preferences {
	return Preferences{Zmodem, Ymodem, Xmodem1K, XmodemCRC, Xmodem}
}

// ParsePreferences parses a comma separated list such as
// "zmodem,ymodem,xmodem-1k". Duplicates are dropped; Auto and Unknown are
// rejected.
func ParsePreferences(list string) (Preferences, error) {
	var prefs Preferences
	seen := map[Protocol]bool{}
	for _, field := range strings.Split(list, ",") {
		if strings.TrimSpace(field) == "" {
			continue
		}
		p, err := ParseProtocol(field)
		if err != nil {
			return nil, err
		}
		if p == Auto {
			return nil, fmt.Errorf("detect: %q is not a protocol", field)
		}
		if !seen[p] {
			seen[p] = true
			prefs = append(prefs, p)
		}
	}
	if len(prefs) == 0 {
		return nil, fmt.Errorf("detect: empty preference list %q", list)
	}
	return prefs, nil
}

// Choose returns the most preferred protocol that serves a peer whose start
// signal was detected. With nothing detected the first preference wins.
// Unknown is returned when no preference is compatible.
func (p Preferences) Choose(detected Protocol) Protocol {
	for _, proto := range p {
		if detected == Unknown || proto.Accepts(detected) {
			return proto
		}
	}
	return Unknown
}

// Without returns the preferences minus the given protocols.
func (p Preferences) Without(drop ...Protocol) Preferences {
	out := make(Preferences, 0, len(p))
next:
	for _, proto := range p {
		for _, d := range drop {
			if proto == d {
				continue next
			}
		}
		out = append(out, proto)
	}
	return out
}

func (p Preferences) String() string {
	names := make([]string, len(p))
	for i, proto := range p {
		names[i] = proto.String()
	}
	return strings.Join(names, ",")
}
