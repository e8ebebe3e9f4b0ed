package transfer

import (
	"bytes"
	"strconv"
	"strings"
	"time"
)

// MarshalFileInfo encodes file metadata the way Ymodem block 0 and the
// Zmodem ZFILE subpacket carry it:
//
//	name NUL size mtime mode serial filesleft bytesleft NUL
//
// size and the batch counters are decimal, mtime (unix seconds) and mode
// are octal, serial is always 0. Backslashes in the name become slashes.
func MarshalFileInfo(info FileInfo) []byte {
	name := strings.ReplaceAll(info.Name, "\\", "/")

	size := info.Size
	if size < 0 {
		size = 0
	}
	var mtime int64
	if !info.ModTime.IsZero() && info.ModTime.Unix() > 0 {
		mtime = info.ModTime.Unix()
	}

	var b bytes.Buffer
	b.WriteString(name)
	b.WriteByte(0)
	b.WriteString(strconv.FormatInt(size, 10))
	b.WriteByte(' ')
	b.WriteString(strconv.FormatInt(mtime, 8))
	b.WriteByte(' ')
	b.WriteString(strconv.FormatUint(uint64(info.Mode), 8))
	b.WriteString(" 0 ")
	b.WriteString(strconv.Itoa(info.FilesLeft))
	b.WriteByte(' ')
	b.WriteString(strconv.FormatInt(info.BytesLeft, 10))
	b.WriteByte(0)
	return b.Bytes()
}

// ParseFileInfo decodes metadata written by MarshalFileInfo or by another
// implementation. Every field after the name is optional; a missing size is
// reported as -1. Trailing padding is ignored.
func ParseFileInfo(data []byte) (FileInfo, error) {
	info := FileInfo{Size: -1}

	nul := bytes.IndexByte(data, 0)
	if nul < 0 {
		return info, NewError(ErrProtocol, "file info missing null terminator")
	}
	if nul == 0 {
		return info, NewError(ErrProtocol, "file info has an empty name")
	}
	info.Name = string(data[:nul])

	rest := data[nul+1:]
	if end := bytes.IndexByte(rest, 0); end >= 0 {
		rest = rest[:end]
	}
	fields := strings.Fields(string(rest))

	if len(fields) > 0 {
		if v, err := strconv.ParseInt(fields[0], 10, 64); err == nil {
			info.Size = v
		}
	}
	if len(fields) > 1 {
		if v, err := strconv.ParseInt(fields[1], 8, 64); err == nil && v > 0 {
			info.ModTime = time.Unix(v, 0)
		}
	}
	if len(fields) > 2 {
		if v, err := strconv.ParseUint(fields[2], 8, 32); err == nil {
			info.Mode = uint32(v)
		}
	}
	// fields[3] is the serial number, always 0.
	if len(fields) > 4 {
		if v, err := strconv.Atoi(fields[4]); err == nil {
			info.FilesLeft = v
		}
	}
	if len(fields) > 5 {
		if v, err := strconv.ParseInt(fields[5], 10, 64); err == nil {
			info.BytesLeft = v
		}
	}
	return info, nil
}
