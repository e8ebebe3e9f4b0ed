package ymodem

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/doublegate/Impulse-7.1-sub003/link"
	"github.com/doublegate/Impulse-7.1-sub003/transfer"
	"github.com/doublegate/Impulse-7.1-sub003/xmodem"
)

func TestEncodeHeaderWireForm(t *testing.T) {
	got := EncodeHeader(Header{Name: "a.txt", Size: 10})
	if len(got) != 128 {
		t.Fatalf("len = %d", len(got))
	}
	want := "a.txt\x0010 0 0 0 0 0\x00"
	if string(got[:len(want)]) != want {
		t.Errorf("payload = %q", got[:len(want)])
	}
	if bytes.IndexFunc(got[len(want):], func(r rune) bool { return r != 0 }) >= 0 {
		t.Error("padding is not zero")
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	in := Header{
		Name:      "dir/report.txt",
		Size:      123456,
		ModTime:   time.Unix(1700000000, 0),
		Mode:      0o100644,
		FilesLeft: 3,
		BytesLeft: 200000,
	}
	out, err := DecodeHeader(EncodeHeader(in))
	if err != nil {
		t.Fatal(err)
	}
	if out.Name != in.Name || out.Size != in.Size || !out.ModTime.Equal(in.ModTime) ||
		out.Mode != in.Mode || out.FilesLeft != in.FilesLeft || out.BytesLeft != in.BytesLeft {
		t.Errorf("got %+v, want %+v", out, in)
	}
}

func TestLongHeaderUsesLongBlock(t *testing.T) {
	h := Header{Name: strings.Repeat("n", 200), Size: 1}
	if n := len(EncodeHeader(h)); n != 1024 {
		t.Fatalf("payload is %d bytes", n)
	}
	raw := xmodem.Serialize(Block0(h))
	if raw[0] != xmodem.STX || raw[1] != 0 || raw[2] != 0xff {
		t.Errorf("block 0 starts % x", raw[:3])
	}
	b, err := xmodem.Parse(raw, xmodem.CRC)
	if err != nil {
		t.Fatal(err)
	}
	out, err := DecodeHeader(b.Payload)
	if err != nil || out.Name != h.Name {
		t.Errorf("decoded %q, %v", out.Name, err)
	}
}

func TestEndOfBatch(t *testing.T) {
	if got := EncodeHeader(Header{}); !bytes.Equal(got, make([]byte, 128)) {
		t.Errorf("end of batch payload % x", got)
	}
	// Leftovers after the leading NUL do not matter.
	stale := EncodeHeader(Header{Name: "old.txt", Size: 5})
	stale[0] = 0
	for _, payload := range [][]byte{make([]byte, 128), make([]byte, 1024), stale} {
		h, err := DecodeHeader(payload)
		if err != nil || !h.EndOfBatch() {
			t.Errorf("DecodeHeader(% x...) = %+v, %v", payload[:8], h, err)
		}
	}
	if _, err := DecodeHeader(bytes.Repeat([]byte{'x'}, 128)); !errors.Is(err, transfer.ErrProtocol) {
		t.Errorf("unterminated name: %v", err)
	}
}

type result struct {
	out transfer.Outcome
	err error
}

func runBatch(t *testing.T, scfg, rcfg *Config, sink transfer.FileSink, files ...*transfer.OutgoingFile) (send, recv result) {
	t.Helper()
	a, b := link.Pipe()
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		out, err := NewReceiver(transfer.NewPort(b), rcfg).Receive(ctx, sink)
		done <- result{out, err}
	}()
	out, err := NewSender(transfer.NewPort(a), scfg).Send(ctx, transfer.Sources(files...))
	return result{out, err}, <-done
}

func TestBatch(t *testing.T) {
	a := []byte("0123456789")
	b := []byte("abcdefghijklmnopqrst")
	sink := transfer.NewMemorySink()
	send, recv := runBatch(t, nil, nil, sink,
		transfer.BytesFile("a.txt", a), transfer.BytesFile("b.txt", b))
	if send.err != nil || recv.err != nil {
		t.Fatalf("send: %v, receive: %v", send.err, recv.err)
	}
	if send.out.Files != 2 || recv.out.Files != 2 {
		t.Errorf("files: sent %d, received %d", send.out.Files, recv.out.Files)
	}
	infos := sink.Infos()
	if len(infos) != 2 || infos[0].Name != "a.txt" || infos[0].Size != 10 ||
		infos[1].Name != "b.txt" || infos[1].Size != 20 {
		t.Fatalf("infos = %+v", infos)
	}
	if infos[0].FilesLeft != 2 || infos[0].BytesLeft != 30 {
		t.Errorf("batch counters %d/%d", infos[0].FilesLeft, infos[0].BytesLeft)
	}
	for name, want := range map[string][]byte{"a.txt": a, "b.txt": b} {
		if got, _ := sink.File(name); !bytes.Equal(got, want) {
			t.Errorf("%s = %q", name, got)
		}
	}
	if send.out.Protocol != "ymodem" || send.out.Bytes != 30 || recv.out.Bytes != 30 {
		t.Errorf("outcome %+v", send.out)
	}
}

func TestStreamingBatch(t *testing.T) {
	big := make([]byte, 5000)
	for i := range big {
		big[i] = byte(i * 7)
	}
	small := bytes.Repeat([]byte("ymodem-g "), 333)
	sink := transfer.NewMemorySink()
	send, recv := runBatch(t, nil, &Config{Streaming: true}, sink,
		transfer.BytesFile("big.bin", big), transfer.BytesFile("small.txt", small))
	if send.err != nil || recv.err != nil {
		t.Fatalf("send: %v, receive: %v", send.err, recv.err)
	}
	if send.out.Protocol != "ymodem-g" || recv.out.Protocol != "ymodem-g" {
		t.Errorf("protocols %s / %s", send.out.Protocol, recv.out.Protocol)
	}
	for name, want := range map[string][]byte{"big.bin": big, "small.txt": small} {
		if got, _ := sink.File(name); !bytes.Equal(got, want) {
			t.Errorf("%s: %d bytes", name, len(got))
		}
	}
	if recv.out.Files != 2 {
		t.Errorf("files = %d", recv.out.Files)
	}
}

func TestEmptyBatchAndEmptyFile(t *testing.T) {
	sink := transfer.NewMemorySink()
	send, recv := runBatch(t, nil, nil, sink)
	if send.err != nil || recv.err != nil || recv.out.Files != 0 {
		t.Fatalf("empty batch: %v / %v / %d files", send.err, recv.err, recv.out.Files)
	}

	send, recv = runBatch(t, nil, nil, sink, transfer.BytesFile("empty", nil))
	if send.err != nil || recv.err != nil {
		t.Fatalf("empty file: %v / %v", send.err, recv.err)
	}
	if got, ok := sink.File("empty"); !ok || len(got) != 0 {
		t.Errorf("empty = %q, %v", got, ok)
	}
}

func TestSkippedFileIsDiscarded(t *testing.T) {
	sink := transfer.NewMemorySink()
	sink.Skip = map[string]bool{"a.txt": true}
	var skipped []string
	obs := &transfer.Callbacks{
		OnFileComplete: func(info transfer.FileInfo, _ int64, _ time.Duration, err error) {
			if errors.Is(err, transfer.ErrFileSkipped) {
				skipped = append(skipped, info.Name)
			}
		},
	}
	send, recv := runBatch(t, nil, &Config{Observer: obs}, sink,
		transfer.BytesFile("a.txt", []byte("skip me")), transfer.BytesFile("b.txt", []byte("keep me")))
	if send.err != nil || recv.err != nil {
		t.Fatalf("send: %v, receive: %v", send.err, recv.err)
	}
	if _, ok := sink.File("a.txt"); ok {
		t.Error("a.txt stored")
	}
	if got, _ := sink.File("b.txt"); string(got) != "keep me" {
		t.Errorf("b.txt = %q", got)
	}
	if len(skipped) != 1 || skipped[0] != "a.txt" || recv.out.Files != 1 {
		t.Errorf("skipped %v, files %d", skipped, recv.out.Files)
	}
}

// TestSenderToleratesNAKedEOT plays a receiver that answers the first EOT
// with NAK, as many Ymodem receivers do.
func TestSenderToleratesNAKedEOT(t *testing.T) {
	a, b := link.Pipe()
	defer a.Close()
	defer b.Close()

	done := make(chan result, 1)
	go func() {
		out, err := Send(context.Background(), a, transfer.Sources(transfer.BytesFile("a.txt", []byte("0123456789"))))
		done <- result{out, err}
	}()

	port := transfer.NewPort(b)
	send := func(c byte) { b.Write([]byte{c}) }
	read := func(n int) []byte {
		t.Helper()
		port.SetDeadline(time.Now().Add(5 * time.Second))
		buf := make([]byte, n)
		if err := port.ReadFull(buf); err != nil {
			t.Fatalf("read: %v", err)
		}
		return buf
	}
	readBlock := func() xmodem.Block {
		t.Helper()
		blk, err := xmodem.Parse(read(3+128+2), xmodem.CRC)
		if err != nil {
			t.Fatal(err)
		}
		return blk
	}

	send(xmodem.CRCPoll)
	h, err := DecodeHeader(readBlock().Payload)
	if err != nil || h.Name != "a.txt" || h.Size != 10 {
		t.Fatalf("block 0: %+v, %v", h, err)
	}
	send(xmodem.ACK)
	send(xmodem.CRCPoll)
	if blk := readBlock(); blk.Number != 1 || string(blk.Payload[:10]) != "0123456789" {
		t.Fatalf("block %d: %q", blk.Number, blk.Payload[:10])
	}
	send(xmodem.ACK)
	if c := read(1)[0]; c != xmodem.EOT {
		t.Fatalf("got %#02x, want EOT", c)
	}
	send(xmodem.NAK)
	if c := read(1)[0]; c != xmodem.EOT {
		t.Fatalf("got %#02x, want a second EOT", c)
	}
	send(xmodem.ACK)
	send(xmodem.CRCPoll)
	if h, err := DecodeHeader(readBlock().Payload); err != nil || !h.EndOfBatch() {
		t.Fatalf("final block 0: %+v, %v", h, err)
	}
	send(xmodem.ACK)

	res := <-done
	if res.err != nil {
		t.Fatal(res.err)
	}
	if res.out.Files != 1 {
		t.Errorf("files = %d", res.out.Files)
	}
}

func TestSenderRefusesChecksumReceiver(t *testing.T) {
	a, b := link.Pipe()
	defer a.Close()
	defer b.Close()
	b.Write([]byte{xmodem.NAK})

	_, err := Send(context.Background(), a, transfer.Sources(transfer.BytesFile("a.txt", []byte("x"))),
		WithPolicy(transfer.Policy{Timeout: time.Second}))
	if !errors.Is(err, transfer.ErrProtocol) {
		t.Fatalf("err = %v", err)
	}
}

// An Xmodem sender answers the 'C' poll with block 1. The Ymodem receiver
// must not acknowledge data it cannot store, so both sides fail.
func TestReceiverRefusesXmodemSender(t *testing.T) {
	a, b := link.Pipe()
	defer a.Close()
	defer b.Close()

	data := bytes.Repeat([]byte("xmodem data "), 340)
	done := make(chan result, 1)
	go func() {
		out, err := xmodem.Send(context.Background(), a, transfer.BytesFile("x.bin", data))
		done <- result{out, err}
	}()

	sink := transfer.NewMemorySink()
	recv, err := Receive(context.Background(), b, sink,
		WithPolicy(transfer.Policy{MaxRetries: 3, Timeout: 2 * time.Second}))
	if !errors.Is(err, transfer.ErrMaxRetriesExceeded) {
		t.Fatalf("receive: %v", err)
	}
	if !errors.Is(recv.Err, transfer.ErrProtocol) {
		t.Errorf("last cause %v", recv.Err)
	}
	if len(sink.Infos()) != 0 || recv.Files != 0 {
		t.Errorf("stored %+v", sink.Infos())
	}

	send := <-done
	if send.err == nil || send.out.Completed() {
		t.Fatalf("sender reported success: %+v", send.out)
	}
	if send.out.Offset != 0 {
		t.Errorf("sender offset %d, no block was acknowledged", send.out.Offset)
	}
}
