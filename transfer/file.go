package transfer

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileInfo is the metadata carried by Ymodem block 0 and the Zmodem ZFILE
// subpacket.
type FileInfo struct {
	Name    string
	Size    int64 // -1 when unknown
	ModTime time.Time
	Mode    uint32 // unix permission bits, 0 when unknown

	// Batch bookkeeping announced by the sender.
	FilesLeft int
	BytesLeft int64
}

// OutgoingFile is a file offered by a FileSource.
type OutgoingFile struct {
	FileInfo
	Body io.ReadSeeker
}

// Close closes the body if it is an io.Closer.
func (f *OutgoingFile) Close() error {
	if c, ok := f.Body.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// FileSource yields the files of an outgoing batch in order. Next returns
// nil, nil when the batch is exhausted.
type FileSource interface {
	Next() (*OutgoingFile, error)
}

// FileSink creates destinations for incoming files. offset is the resume
// position proposed by the recovery layer; the sink returns the offset it
// actually positioned the writer at, which may be lower (usually 0). Create
// returns ErrSkip to refuse a file.
type FileSink interface {
	Create(info FileInfo, offset int64) (io.WriteCloser, int64, error)
}

// PartialSink is a FileSink that reports how much of a file it already
// holds, so a sender asking to resume can continue from there.
type PartialSink interface {
	FileSink
	Partial(info FileInfo) (int64, bool)
}

// ErrSkip is returned by a FileSink to refuse a file.
var ErrSkip = NewError(ErrFileSkipped, "refused by sink")

// Files returns a FileSource that opens paths from the filesystem in order.
func Files(paths ...string) FileSource {
	return &pathSource{paths: paths}
}

type pathSource struct {
	paths []string
	next  int
}

func (s *pathSource) Next() (*OutgoingFile, error) {
	if s.next >= len(s.paths) {
		return nil, nil
	}
	path := s.paths[s.next]
	s.next++

	f, err := os.Open(path)
	if err != nil {
		return nil, Wrap(ErrIO, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, Wrap(ErrIO, err)
	}
	if st.IsDir() {
		f.Close()
		return nil, Errorf(ErrIO, "%s is a directory", path)
	}
	left := st.Size()
	for _, rest := range s.paths[s.next:] {
		if st, err := os.Stat(rest); err == nil {
			left += st.Size()
		}
	}
	return &OutgoingFile{
		FileInfo: FileInfo{
			Name:      filepath.Base(path),
			Size:      st.Size(),
			ModTime:   st.ModTime(),
			Mode:      uint32(st.Mode().Perm()),
			FilesLeft: len(s.paths) - s.next + 1,
			BytesLeft: left,
		},
		Body: f,
	}, nil
}

// Sources returns a FileSource over already opened files.
func Sources(files ...*OutgoingFile) FileSource {
	return &listSource{files: files}
}

type listSource struct {
	files []*OutgoingFile
	next  int
}

func (s *listSource) Next() (*OutgoingFile, error) {
	if s.next >= len(s.files) {
		return nil, nil
	}
	f := s.files[s.next]
	if f.FilesLeft == 0 {
		f.FilesLeft = len(s.files) - s.next
		for _, rest := range s.files[s.next:] {
			if rest.Size > 0 {
				f.BytesLeft += rest.Size
			}
		}
	}
	s.next++
	return f, nil
}

// BytesFile wraps data as an outgoing file.
func BytesFile(name string, data []byte) *OutgoingFile {
	return &OutgoingFile{
		FileInfo: FileInfo{Name: name, Size: int64(len(data)), Mode: 0644},
		Body:     bytes.NewReader(data),
	}
}

// SafeName reduces a peer supplied name to a single path element.
func SafeName(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." || base == ".." || base == "" {
		return "", Errorf(ErrProtocol, "unusable file name %q", name)
	}
	return base, nil
}

// DirSink stores incoming files in a directory.
type DirSink struct {
	Dir string

	// Overwrite replaces existing files. Without it an existing file is
	// skipped unless the transfer resumes into it.
	Overwrite bool
}

// Create opens the destination for info, resuming at offset when the file
// on disk is at least that long.
func (d *DirSink) Create(info FileInfo, offset int64) (io.WriteCloser, int64, error) {
	name, err := SafeName(info.Name)
	if err != nil {
		return nil, 0, err
	}
	path := filepath.Join(d.Dir, name)

	st, statErr := os.Stat(path)
	exists := statErr == nil
	if exists && st.IsDir() {
		return nil, 0, Errorf(ErrIO, "%s is a directory", path)
	}

	if offset > 0 && exists && st.Size() >= offset {
		f, err := os.OpenFile(path, os.O_WRONLY, 0)
		if err != nil {
			return nil, 0, Wrap(ErrIO, err)
		}
		if err := f.Truncate(offset); err != nil {
			f.Close()
			return nil, 0, Wrap(ErrIO, err)
		}
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, 0, Wrap(ErrIO, err)
		}
		return &fileWriter{File: f, info: info}, offset, nil
	}

	if exists && !d.Overwrite {
		return nil, 0, ErrSkip
	}
	perm := os.FileMode(0644)
	if info.Mode&0777 != 0 {
		perm = os.FileMode(info.Mode & 0777)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return nil, 0, Wrap(ErrIO, err)
	}
	return &fileWriter{File: f, info: info}, 0, nil
}

// Partial returns the length of the existing file for info.
func (d *DirSink) Partial(info FileInfo) (int64, bool) {
	name, err := SafeName(info.Name)
	if err != nil {
		return 0, false
	}
	st, err := os.Stat(filepath.Join(d.Dir, name))
	if err != nil || !st.Mode().IsRegular() {
		return 0, false
	}
	return st.Size(), true
}

// fileWriter applies the sender's modification time on Close.
type fileWriter struct {
	*os.File
	info FileInfo
}

func (w *fileWriter) Close() error {
	name := w.File.Name()
	if err := w.File.Close(); err != nil {
		return Wrap(ErrIO, err)
	}
	if !w.info.ModTime.IsZero() {
		_ = os.Chtimes(name, w.info.ModTime, w.info.ModTime)
	}
	return nil
}

// MemorySink keeps incoming files in memory.
type MemorySink struct {
	mu    sync.Mutex
	files map[string]*bytes.Buffer
	infos []FileInfo

	// Skip lists file names to refuse.
	Skip map[string]bool
}

// NewMemorySink returns an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{files: make(map[string]*bytes.Buffer)}
}

// Create implements FileSink.
func (m *MemorySink) Create(info FileInfo, offset int64) (io.WriteCloser, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.files == nil {
		m.files = make(map[string]*bytes.Buffer)
	}
	if m.Skip[info.Name] {
		return nil, 0, ErrSkip
	}
	m.infos = append(m.infos, info)

	buf, ok := m.files[info.Name]
	if ok && offset > 0 && int64(buf.Len()) >= offset {
		buf.Truncate(int(offset))
	} else {
		buf = new(bytes.Buffer)
		m.files[info.Name] = buf
		offset = 0
	}
	return &memoryWriter{sink: m, buf: buf}, offset, nil
}

// Partial implements PartialSink.
func (m *MemorySink) Partial(info FileInfo) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, ok := m.files[info.Name]
	if !ok {
		return 0, false
	}
	return int64(buf.Len()), true
}

// Put stores data under name, e.g. a partial file to resume into.
func (m *MemorySink) Put(name string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.files == nil {
		m.files = make(map[string]*bytes.Buffer)
	}
	m.files[name] = bytes.NewBuffer(append([]byte(nil), data...))
}

// File returns a copy of the named file's content.
func (m *MemorySink) File(name string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, ok := m.files[name]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), buf.Bytes()...), true
}

// Infos returns the metadata of every file offered to the sink.
func (m *MemorySink) Infos() []FileInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]FileInfo(nil), m.infos...)
}

type memoryWriter struct {
	sink *MemorySink
	buf  *bytes.Buffer
}

func (w *memoryWriter) Write(p []byte) (int, error) {
	w.sink.mu.Lock()
	defer w.sink.mu.Unlock()
	return w.buf.Write(p)
}

func (w *memoryWriter) Close() error { return nil }

// String describes a file for log messages.
func (i FileInfo) String() string {
	return fmt.Sprintf("%s (%d bytes)", i.Name, i.Size)
}
