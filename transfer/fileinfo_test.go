package transfer

import (
	"testing"
	"time"
)

func TestMarshalFileInfo(t *testing.T) {
	info := FileInfo{
		Name:      "GAME.ZIP",
		Size:      1000,
		ModTime:   time.Unix(0o14000000000, 0),
		Mode:      0o100644,
		FilesLeft: 2,
		BytesLeft: 3000,
	}
	want := "GAME.ZIP\x001000 14000000000 100644 0 2 3000\x00"
	if got := string(MarshalFileInfo(info)); got != want {
		t.Errorf("MarshalFileInfo = %q\nwant %q", got, want)
	}

	back, err := ParseFileInfo(append(MarshalFileInfo(info), make([]byte, 40)...))
	if err != nil {
		t.Fatal(err)
	}
	if back.Name != info.Name || back.Size != info.Size || !back.ModTime.Equal(info.ModTime) ||
		back.Mode != info.Mode || back.FilesLeft != 2 || back.BytesLeft != 3000 {
		t.Errorf("ParseFileInfo = %+v", back)
	}
}

func TestParseFileInfoSparse(t *testing.T) {
	info, err := ParseFileInfo([]byte("readme\x00"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Name != "readme" || info.Size != -1 || !info.ModTime.IsZero() {
		t.Errorf("got %+v", info)
	}

	info, err = ParseFileInfo([]byte("a.txt\x00512\x00"))
	if err != nil || info.Size != 512 {
		t.Errorf("got %+v, %v", info, err)
	}

	if _, err := ParseFileInfo([]byte("no terminator")); TypeOf(err) != ErrProtocol {
		t.Errorf("expected protocol error, got %v", err)
	}
}
