package cli

import (
	"bytes"
	"errors"
	"flag"
	"strings"
	"testing"
	"time"

	"github.com/doublegate/Impulse-7.1-sub003/detect"
	"github.com/doublegate/Impulse-7.1-sub003/transfer"
)

func parse(t *testing.T, args ...string) *Options {
	t.Helper()
	var o Options
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	o.Register(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatal(err)
	}
	return &o
}

func TestProtocolFlags(t *testing.T) {
	tests := []struct {
		args []string
		want detect.Protocol
	}{
		{nil, detect.Auto},
		{[]string{"-x"}, detect.XmodemCRC},
		{[]string{"-x", "-c"}, detect.Xmodem},
		{[]string{"-x", "-k"}, detect.Xmodem1K},
		{[]string{"-y"}, detect.Ymodem},
		{[]string{"-y", "-g"}, detect.YmodemG},
		{[]string{"-g"}, detect.YmodemG},
		{[]string{"-z"}, detect.Zmodem},
	}
	for _, tt := range tests {
		got, err := parse(t, tt.args...).Protocol()
		if err != nil || got != tt.want {
			t.Errorf("%v: got %s, %v; want %s", tt.args, got, err, tt.want)
		}
	}
	if _, err := parse(t, "-x", "-z").Protocol(); err == nil {
		t.Error("-x -z accepted")
	}
}

func TestPolicy(t *testing.T) {
	p := parse(t, "-t", "25", "-r", "3").Policy()
	if p.Timeout != 2500*time.Millisecond || p.MaxRetries != 3 {
		t.Errorf("policy %+v", p)
	}
	if p := parse(t, "-t", "0").Policy(); p.Timeout != transfer.DefaultTimeout {
		t.Errorf("zero timeout gives %v", p.Timeout)
	}
}

func TestEngineOptions(t *testing.T) {
	if _, err := parse(t, "-prefs", "zmodem,kermit").Engine(nil, nil); err == nil {
		t.Error("unknown protocol in -prefs accepted")
	}
	opts, err := parse(t, "-prefs", "ymodem,xmodem", "-resume", t.TempDir()).Engine(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(opts) != 7 {
		t.Errorf("%d options", len(opts))
	}
}

func TestReporter(t *testing.T) {
	var buf bytes.Buffer
	r := parse(t).Reporter(&buf)
	info := transfer.FileInfo{Name: "a.txt", Size: 10}
	r.FileCompleted(info, 10, time.Second, nil)
	r.FileCompleted(transfer.FileInfo{Name: "b.txt"}, 0, 0, transfer.ErrSkip)
	if got := buf.String(); got != "a.txt\n\rb.txt: skipped\n" {
		t.Errorf("output %q", got)
	}

	buf.Reset()
	parse(t, "-q").Reporter(&buf).FileCompleted(info, 10, time.Second, errors.New("boom"))
	if buf.Len() != 0 {
		t.Errorf("quiet mode printed %q", buf.String())
	}

	buf.Reset()
	v := parse(t, "-v").Reporter(&buf)
	v.Progress(transfer.Progress{Filename: "a.txt", Transferred: 5, Total: 10, Rate: 100})
	if !strings.Contains(buf.String(), " 50.0%") {
		t.Errorf("progress %q", buf.String())
	}
}

func TestSummary(t *testing.T) {
	o := transfer.Outcome{Protocol: "zmodem", Files: 2, Bytes: 300, Retransmitted: 64}
	if got := Summary(o); got != "zmodem completed: 2 files, 300 bytes, 64 bytes resent" {
		t.Errorf("summary %q", got)
	}
}
