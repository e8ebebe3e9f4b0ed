package zmodem

import (
	"bytes"
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/doublegate/Impulse-7.1-sub003/link"
	"github.com/doublegate/Impulse-7.1-sub003/recovery"
	"github.com/doublegate/Impulse-7.1-sub003/transfer"
)

// letters returns n bytes of lower case text, which never forms a header
// when skipped as garbage.
func letters(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'a' + byte(i*7%26)
	}
	return b
}

func binaryData(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*31 + i/256)
	}
	return b
}

type result struct {
	out transfer.Outcome
	err error
}

// runPair runs a sender and a receiver against each other over a pipe.
func runPair(t *testing.T, scfg, rcfg *Config, files transfer.FileSource, sink transfer.FileSink, setup func(a, b *link.PipeEnd)) (send, recv result) {
	t.Helper()
	a, b := link.Pipe()
	defer a.Close()
	defer b.Close()
	if setup != nil {
		setup(a, b)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		out, err := NewReceiver(transfer.NewPort(b), rcfg).Receive(ctx, sink)
		done <- result{out, err}
	}()
	out, err := NewSender(transfer.NewPort(a), scfg).Send(ctx, files)
	send = result{out, err}
	recv = <-done
	return send, recv
}

func checkFile(t *testing.T, sink *transfer.MemorySink, name string, want []byte) {
	t.Helper()
	got, ok := sink.File(name)
	if !ok {
		t.Fatalf("%s not received", name)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("%s: content differs (got %d bytes, want %d)", name, len(got), len(want))
	}
}

func TestTransfer(t *testing.T) {
	tests := []struct {
		name string
		send func(c *Config)
		recv func(c *Config)
	}{
		{"streaming", nil, nil},
		{"crc16", func(c *Config) { c.UseCRC32 = false }, func(c *Config) { c.UseCRC32 = false }},
		{"stop and wait", nil, func(c *Config) { c.CanOverlapIO = false }},
		{"window", func(c *Config) { c.WindowSize = 4096 }, nil},
		{"receiver buffer", nil, func(c *Config) { c.BufferSize = 2048 }},
		{"escape control", func(c *Config) { c.Escape.Control = true }, nil},
		{"receiver escapes", nil, func(c *Config) { c.Escape = EscapeConfig{Control: true, EighthBit: true} }},
		{"small subpackets", func(c *Config) { c.SubpacketSize = 100 }, nil},
		{"attention and challenge", func(c *Config) { c.Attention = []byte("\x03") }, func(c *Config) { c.Challenge = true }},
		{"nulls and autostart", func(c *Config) { c.ZNulls = 4; c.AutoStart = true }, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scfg, rcfg := DefaultConfig(), DefaultConfig()
			if tt.send != nil {
				tt.send(scfg)
			}
			if tt.recv != nil {
				tt.recv(rcfg)
			}

			first, second := binaryData(20000), letters(777)
			files := transfer.Sources(
				transfer.BytesFile("first.bin", first),
				transfer.BytesFile("empty", nil),
				transfer.BytesFile("second.txt", second),
			)
			sink := transfer.NewMemorySink()
			send, recv := runPair(t, scfg, rcfg, files, sink, nil)
			if send.err != nil {
				t.Fatalf("send: %v", send.err)
			}
			if recv.err != nil {
				t.Fatalf("receive: %v", recv.err)
			}

			checkFile(t, sink, "first.bin", first)
			checkFile(t, sink, "empty", nil)
			checkFile(t, sink, "second.txt", second)

			total := int64(len(first) + len(second))
			for _, r := range []result{send, recv} {
				if !r.out.Completed() || r.out.Files != 3 || r.out.Bytes != total {
					t.Errorf("%s outcome = %+v", r.out.Direction, r.out)
				}
			}
			if send.out.Retransmitted != 0 {
				t.Errorf("retransmitted %d bytes on a clean link", send.out.Retransmitted)
			}

			infos := sink.Infos()
			if len(infos) != 3 || infos[0].Size != int64(len(first)) || infos[0].Mode != 0644 {
				t.Errorf("file infos = %+v", infos)
			}
		})
	}
}

func TestSessionSendFilesReceiveDir(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	data := binaryData(3000)
	path := src + "/report.dat"
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	a, b := link.Pipe()
	defer a.Close()
	defer b.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var started []string
	cb := &transfer.Callbacks{OnFileStart: func(info transfer.FileInfo) { started = append(started, info.Name) }}

	done := make(chan result, 1)
	go func() {
		out, err := NewSession(b, WithCallbacks(cb)).ReceiveDir(ctx, dst)
		done <- result{out, err}
	}()
	out, err := NewSession(a, WithPolicy(transfer.Policy{MaxRetries: 5, Timeout: 5 * time.Second})).SendFiles(ctx, path)
	if err != nil {
		t.Fatalf("send: %v (%+v)", err, out)
	}
	recv := <-done
	if recv.err != nil {
		t.Fatalf("receive: %v", recv.err)
	}
	got, err := os.ReadFile(dst + "/report.dat")
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("received file: %v", err)
	}
	if len(started) != 1 || started[0] != "report.dat" {
		t.Errorf("started = %v", started)
	}
}

// TestLostAckIsRetransmitted drops the receiver's second ZACK. The sender
// times out, resends the unacknowledged subpacket, and the receiver steers
// it back with ZRPOS.
func TestLostAckIsRetransmitted(t *testing.T) {
	scfg := DefaultConfig()
	scfg.Policy = transfer.Policy{MaxRetries: 10, Timeout: 300 * time.Millisecond}
	rcfg := DefaultConfig()
	rcfg.CanOverlapIO = false
	rcfg.Policy = transfer.Policy{MaxRetries: 10, Timeout: 5 * time.Second}

	data := letters(5000)
	sink := transfer.NewMemorySink()
	acks := 0
	send, recv := runPair(t, scfg, rcfg, transfer.Sources(transfer.BytesFile("lost.txt", data)), sink,
		func(a, b *link.PipeEnd) {
			b.SetWriteFilter(func(p []byte) []byte {
				if bytes.HasPrefix(p, []byte("**\x18B03")) {
					acks++
					if acks == 2 {
						return nil
					}
				}
				return p
			})
		})
	if send.err != nil || recv.err != nil {
		t.Fatalf("send: %v, receive: %v", send.err, recv.err)
	}
	checkFile(t, sink, "lost.txt", data)
	if send.out.Retransmitted != 1024 {
		t.Errorf("retransmitted = %d, want 1024", send.out.Retransmitted)
	}
	if send.out.Bytes != 5000 || recv.out.Bytes != 5000 {
		t.Errorf("bytes: sent %d, received %d", send.out.Bytes, recv.out.Bytes)
	}
}

// peer drives one side of a session by hand.
type peer struct {
	t    *testing.T
	end  *link.PipeEnd
	port *transfer.Port
	rd   *frameReader
}

func newPeer(t *testing.T, end *link.PipeEnd) *peer {
	port := transfer.NewPort(end)
	return &peer{t: t, end: end, port: port, rd: newFrameReader(port, 0)}
}

func (p *peer) expect(want FrameType) Header {
	p.t.Helper()
	p.port.SetDeadline(time.Now().Add(5 * time.Second))
	_, h, err := p.rd.readHeader()
	if err != nil {
		p.t.Fatalf("waiting for %s: %v", want, err)
	}
	if h.Type != want {
		p.t.Fatalf("got %v, want %s", h, want)
	}
	return h
}

func (p *peer) send(b []byte) {
	if _, err := p.end.Write(b); err != nil {
		p.t.Fatalf("write: %v", err)
	}
}

func TestReceiverAsksAgainAfterCRCError(t *testing.T) {
	a, b := link.Pipe()
	defer a.Close()
	defer b.Close()
	p := newPeer(t, a)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := transfer.NewMemorySink()
	done := make(chan error, 1)
	go func() {
		_, err := NewReceiver(transfer.NewPort(b), nil).Receive(ctx, sink)
		done <- err
	}()

	p.expect(ZRINIT)
	data := letters(2048)
	info := transfer.MarshalFileInfo(transfer.FileInfo{Name: "crc.txt", Size: 2048})
	p.send(Serialize(Frame{Encoding: Bin32, Header: FlagsHeader(ZFILE, ZCBIN, 0, 0, 0), Payload: info, End: ZCRCW}))
	if h := p.expect(ZRPOS); h.Position() != 0 {
		t.Fatalf("first ZRPOS at %d", h.Position())
	}

	frame := AppendHeader(nil, PosHeader(ZDATA, 0), Bin32, nil)
	frame = AppendSubpacket(frame, data[:1024], ZCRCG, true, nil)
	bad := AppendSubpacket(nil, data[1024:], ZCRCG, true, nil)
	bad[10] ^= 0x01
	p.send(append(frame, bad...))

	if h := p.expect(ZRPOS); h.Position() != 1024 {
		t.Fatalf("ZRPOS after CRC error at %d, want 1024", h.Position())
	}
	if got, _ := sink.File("crc.txt"); !bytes.Equal(got, data[:1024]) {
		t.Errorf("kept %d bytes before the damaged subpacket", len(got))
	}

	cancel()
	if err := <-done; !transfer.IsCancelled(err) {
		t.Errorf("Receive = %v, want cancelled", err)
	}
}

func TestReceiverRefusesCommand(t *testing.T) {
	a, b := link.Pipe()
	defer a.Close()
	defer b.Close()
	p := newPeer(t, a)

	done := make(chan result, 1)
	go func() {
		out, err := NewReceiver(transfer.NewPort(b), nil).Receive(context.Background(), transfer.NewMemorySink())
		done <- result{out, err}
	}()

	p.expect(ZRINIT)
	p.send(Serialize(Frame{Encoding: Bin16, Header: PosHeader(ZCOMMAND, 0), Payload: []byte("rm -rf /\x00"), End: ZCRCW}))
	if h := p.expect(ZCOMPL); h.Position() != 1 {
		t.Errorf("ZCOMPL status %d, want 1", h.Position())
	}

	r := <-done
	if !errors.Is(r.err, transfer.ErrRemoteCommandDenied) {
		t.Errorf("Receive = %v", r.err)
	}
	if r.out.Status != transfer.StatusFailed {
		t.Errorf("status = %s", r.out.Status)
	}
}

func TestReceiverAnswersFreeCount(t *testing.T) {
	a, b := link.Pipe()
	defer a.Close()
	defer b.Close()
	p := newPeer(t, a)

	cfg := DefaultConfig()
	cfg.FreeSpace = func() int64 { return 123456 }
	done := make(chan error, 1)
	go func() {
		_, err := NewReceiver(transfer.NewPort(b), cfg).Receive(context.Background(), transfer.NewMemorySink())
		done <- err
	}()

	p.expect(ZRINIT)
	p.send(Serialize(Frame{Encoding: Hex, Header: PosHeader(ZFREECNT, 0)}))
	if h := p.expect(ZACK); h.Position() != 123456 {
		t.Errorf("free space %d", h.Position())
	}
	p.send(Serialize(Frame{Encoding: Hex, Header: PosHeader(ZFIN, 0)}))
	p.expect(ZFIN)
	p.send(overAndOut)
	if err := <-done; err != nil {
		t.Errorf("Receive = %v", err)
	}
}

func TestSkippedFile(t *testing.T) {
	sink := transfer.NewMemorySink()
	sink.Skip = map[string]bool{"skip.me": true}

	var mu sync.Mutex
	completed := map[string]error{}
	obs := &transfer.Callbacks{OnFileComplete: func(info transfer.FileInfo, _ int64, _ time.Duration, err error) {
		mu.Lock()
		completed[info.Name] = err
		mu.Unlock()
	}}
	scfg := DefaultConfig()
	scfg.Observer = obs

	files := transfer.Sources(
		transfer.BytesFile("keep.1", letters(1500)),
		transfer.BytesFile("skip.me", letters(900)),
		transfer.BytesFile("keep.2", letters(10)),
	)
	send, recv := runPair(t, scfg, nil, files, sink, nil)
	if send.err != nil || recv.err != nil {
		t.Fatalf("send: %v, receive: %v", send.err, recv.err)
	}
	if send.out.Files != 2 || recv.out.Files != 2 {
		t.Errorf("files: sent %d, received %d", send.out.Files, recv.out.Files)
	}
	if _, ok := sink.File("skip.me"); ok {
		t.Error("skipped file was stored")
	}
	checkFile(t, sink, "keep.2", letters(10))

	mu.Lock()
	defer mu.Unlock()
	if err := completed["skip.me"]; !errors.Is(err, transfer.ErrFileSkipped) {
		t.Errorf("skip.me completed with %v", err)
	}
	if err, ok := completed["keep.2"]; !ok || err != nil {
		t.Errorf("keep.2 completed with %v (%v)", err, ok)
	}
}

func TestResumeFromRecoveryRecord(t *testing.T) {
	data := letters(5000)
	m := recovery.NewManager(nil)

	// A previous session stored 2048 bytes before the link dropped.
	l, err := m.Acquire("resume.txt", transfer.Receive)
	if err != nil {
		t.Fatal(err)
	}
	l.Offset(int64(len(data)))
	l.Commit(2048)
	if err := l.Interrupt(); err != nil {
		t.Fatal(err)
	}
	l.Release()

	sink := transfer.NewMemorySink()
	sink.Put("resume.txt", data[:2048])
	rcfg := DefaultConfig()
	rcfg.Recovery = m

	send, recv := runPair(t, nil, rcfg, transfer.Sources(transfer.BytesFile("resume.txt", data)), sink, nil)
	if send.err != nil || recv.err != nil {
		t.Fatalf("send: %v, receive: %v", send.err, recv.err)
	}
	checkFile(t, sink, "resume.txt", data)
	if send.out.Bytes != 5000-2048 || recv.out.Bytes != 5000-2048 {
		t.Errorf("bytes: sent %d, received %d", send.out.Bytes, recv.out.Bytes)
	}
	if _, ok := m.Lookup("resume.txt", transfer.Receive); ok {
		t.Error("record kept after the file completed")
	}
}

func TestInterruptedTransferIsRecorded(t *testing.T) {
	a, b := link.Pipe()
	defer a.Close()
	defer b.Close()

	m := recovery.NewManager(nil)
	scfg := DefaultConfig()
	scfg.ProgressInterval = time.Nanosecond
	rcfg := DefaultConfig()
	rcfg.CanOverlapIO = false
	rcfg.Recovery = m

	sctx, stop := context.WithCancel(context.Background())
	defer stop()
	scfg.Observer = &transfer.Callbacks{OnProgress: func(p transfer.Progress) {
		if p.Transferred >= 3072 {
			stop()
		}
	}}

	rctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	done := make(chan result, 1)
	go func() {
		out, err := NewReceiver(transfer.NewPort(b), rcfg).Receive(rctx, transfer.NewMemorySink())
		done <- result{out, err}
	}()

	send, err := NewSender(transfer.NewPort(a), scfg).Send(sctx, transfer.Sources(transfer.BytesFile("big.txt", letters(50000))))
	if !transfer.IsCancelled(err) || send.Status != transfer.StatusCancelled {
		t.Fatalf("Send = %v (%s)", err, send.Status)
	}
	recv := <-done
	if !transfer.IsCancelled(recv.err) {
		t.Fatalf("Receive = %v, want cancelled by peer", recv.err)
	}

	rec, ok := m.Lookup("big.txt", transfer.Receive)
	if !ok {
		t.Fatal("no recovery record after interruption")
	}
	if rec.Offset <= 0 || rec.Offset%1024 != 0 || rec.Offset > 50000 || rec.Size != 50000 {
		t.Errorf("record = %+v", rec)
	}
}

func TestSenderGivesUpWithoutReceiver(t *testing.T) {
	a, b := link.Pipe()
	defer a.Close()
	defer b.Close()

	cfg := DefaultConfig()
	cfg.Policy = transfer.Policy{MaxRetries: 3, Timeout: 50 * time.Millisecond}
	out, err := NewSender(transfer.NewPort(a), cfg).Send(context.Background(), transfer.Sources(transfer.BytesFile("x", letters(10))))
	if !errors.Is(err, transfer.ErrMaxRetriesExceeded) {
		t.Fatalf("Send = %v", err)
	}
	if out.Status != transfer.StatusFailed {
		t.Errorf("status = %s", out.Status)
	}

	// Three ZRQINITs went out, then the abort sequence.
	var got []byte
	buf := make([]byte, 256)
	for {
		n, err := b.ReadTimeout(buf, 50*time.Millisecond)
		got = append(got, buf[:n]...)
		if err != nil {
			break
		}
	}
	if n := bytes.Count(got, []byte("**\x18B00")); n != 3 {
		t.Errorf("sent %d ZRQINIT, want 3", n)
	}
	if !bytes.HasSuffix(got, transfer.AbortSequence) {
		t.Errorf("no abort sequence at the end of % x", got)
	}
}

func TestSessionOptionsAfterNilConfig(t *testing.T) {
	a, b := link.Pipe()
	defer a.Close()
	defer b.Close()

	m := recovery.NewManager(nil)
	p := transfer.Policy{MaxRetries: 4, Timeout: time.Second}
	s := NewSession(a, WithConfig(nil), WithLogger(transfer.NoopLogger{}), WithObserver(&transfer.Callbacks{}),
		WithRecovery(m), WithPolicy(p))
	if s.config == nil {
		t.Fatal("no config")
	}
	if s.config.Policy != p || s.config.Recovery != m {
		t.Errorf("options not applied: %+v", s.config)
	}
	if s.config.SubpacketSize != DefaultConfig().SubpacketSize {
		t.Errorf("subpacket size %d, want the default", s.config.SubpacketSize)
	}
}

func TestReceiverResumesPartialFile(t *testing.T) {
	dir := t.TempDir()
	data := letters(4000)
	if err := os.WriteFile(dir+"/part.txt", data[:1500], 0644); err != nil {
		t.Fatal(err)
	}

	a, b := link.Pipe()
	defer a.Close()
	defer b.Close()
	p := newPeer(t, a)

	done := make(chan result, 1)
	go func() {
		out, err := NewReceiver(transfer.NewPort(b), nil).Receive(context.Background(), &transfer.DirSink{Dir: dir})
		done <- result{out, err}
	}()

	p.expect(ZRINIT)
	info := transfer.MarshalFileInfo(transfer.FileInfo{Name: "part.txt", Size: 4000})
	p.send(Serialize(Frame{Encoding: Bin32, Header: FlagsHeader(ZFILE, ZCRESUM, 0, 0, 0), Payload: info, End: ZCRCW}))
	if h := p.expect(ZRPOS); h.Position() != 1500 {
		t.Fatalf("ZRPOS at %d, want 1500", h.Position())
	}

	frame := AppendHeader(nil, PosHeader(ZDATA, 1500), Bin32, nil)
	frame = AppendSubpacket(frame, data[1500:], ZCRCE, true, nil)
	p.send(frame)
	p.send(Serialize(Frame{Encoding: Hex, Header: PosHeader(ZEOF, 4000)}))
	p.expect(ZRINIT)
	p.send(Serialize(Frame{Encoding: Hex, Header: PosHeader(ZFIN, 0)}))
	p.expect(ZFIN)
	p.send(overAndOut)

	r := <-done
	if r.err != nil {
		t.Fatalf("Receive = %v", r.err)
	}
	if r.out.Bytes != 2500 {
		t.Errorf("received %d bytes, want 2500", r.out.Bytes)
	}
	got, err := os.ReadFile(dir + "/part.txt")
	if err != nil || !bytes.Equal(got, data) {
		t.Errorf("file has %d bytes (%v)", len(got), err)
	}
}

func TestSenderResumeContinuesPartialFile(t *testing.T) {
	dir := t.TempDir()
	data := binaryData(6000)
	if err := os.WriteFile(dir+"/data.bin", data[:2000], 0644); err != nil {
		t.Fatal(err)
	}
	scfg := DefaultConfig()
	scfg.Resume = true

	send, recv := runPair(t, scfg, nil, transfer.Sources(transfer.BytesFile("data.bin", data)), &transfer.DirSink{Dir: dir}, nil)
	if send.err != nil || recv.err != nil {
		t.Fatalf("send: %v, receive: %v", send.err, recv.err)
	}
	if send.out.Bytes != 4000 || recv.out.Bytes != 4000 {
		t.Errorf("bytes: sent %d, received %d", send.out.Bytes, recv.out.Bytes)
	}
	got, err := os.ReadFile(dir + "/data.bin")
	if err != nil || !bytes.Equal(got, data) {
		t.Errorf("file has %d bytes (%v)", len(got), err)
	}
}

func TestStreamingSenderRecordsAckedCheckpoint(t *testing.T) {
	a, b := link.Pipe()
	defer a.Close()
	defer b.Close()
	p := newPeer(t, b)

	m := recovery.NewManager(nil)
	scfg := DefaultConfig()
	scfg.Recovery = m
	done := make(chan result, 1)
	go func() {
		out, err := NewSender(transfer.NewPort(a), scfg).Send(context.Background(),
			transfer.Sources(transfer.BytesFile("stream.txt", letters(40000))))
		done <- result{out, err}
	}()

	p.expect(ZRQINIT)
	p.send(Serialize(Frame{Encoding: Hex, Header: FlagsHeader(ZRINIT, CANFDX|CANOVIO, 0, 0, 0)}))
	p.expect(ZFILE)
	buf := make([]byte, maxSubpacketSize)
	if _, _, err := p.rd.readSubpacket(buf, false); err != nil {
		t.Fatalf("ZFILE data: %v", err)
	}
	p.send(Serialize(Frame{Encoding: Hex, Header: PosHeader(ZRPOS, 0)}))

	p.expect(ZDATA)
	var pos int64
	for {
		n, end, err := p.rd.readSubpacket(buf, false)
		if err != nil {
			t.Fatalf("subpacket at %d: %v", pos, err)
		}
		pos += int64(n)
		if end == ZCRCQ {
			break
		}
		if end != ZCRCG {
			t.Fatalf("subpacket at %d ends %s, want ZCRCG", pos, end)
		}
	}
	if pos != checkpointBlocks*1024 {
		t.Fatalf("first ZCRCQ at %d", pos)
	}
	p.send(Serialize(Frame{Encoding: Hex, Header: PosHeader(ZACK, pos)}))
	p.send(bytes.Repeat([]byte{CAN}, 8))

	r := <-done
	if !transfer.IsCancelled(r.err) {
		t.Fatalf("Send = %v, want cancelled by peer", r.err)
	}
	rec, ok := m.Lookup("stream.txt", transfer.Send)
	if !ok {
		t.Fatal("no recovery record after interruption")
	}
	if rec.Offset != pos || rec.Size != 40000 {
		t.Errorf("record = %+v, want offset %d", rec, pos)
	}
}
