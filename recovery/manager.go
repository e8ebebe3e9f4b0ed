// Package recovery remembers how far interrupted transfers got so that a
// later session can resume them.
//
// The Manager only tracks offsets. Positioning the file is left to the
// transfer.FileSource or transfer.FileSink, which seek to the offset the
// protocol settles on.
package recovery

import (
	"errors"
	"sync"
	"time"

	"github.com/doublegate/Impulse-7.1-sub003/transfer"
)

// ErrBusy is returned by Acquire when another session holds the key.
var ErrBusy = errors.New("recovery: transfer already in progress")

// Manager hands out one Lease per file and direction at a time.
type Manager struct {
	store  Store
	logger transfer.Logger

	mu     sync.Mutex
	active map[string]bool
}

// NewManager creates a manager over store. A nil store keeps records in
// memory.
func NewManager(store Store) *Manager {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Manager{
		store:  store,
		logger: transfer.NoopLogger{},
		active: map[string]bool{},
	}
}

// SetLogger sets the logger used for store failures.
func (m *Manager) SetLogger(l transfer.Logger) {
	m.logger = transfer.OrNoop(l)
}

func key(name string, dir transfer.Direction) string {
	return dir.String() + ":" + name
}

// Acquire reserves name for a transfer in direction dir.
func (m *Manager) Acquire(name string, dir transfer.Direction) (*Lease, error) {
	k := key(name, dir)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[k] {
		return nil, ErrBusy
	}
	m.active[k] = true
	return &Lease{m: m, key: k, name: name, dir: dir}, nil
}

// Lookup returns the stored record for name, if any.
func (m *Manager) Lookup(name string, dir transfer.Direction) (Record, bool) {
	r, ok, err := m.store.Load(key(name, dir))
	if err != nil {
		m.logger.Error("recovery: load %s: %v", name, err)
		return Record{}, false
	}
	return r, ok
}

func (m *Manager) release(k string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, k)
}

// Lease is exclusive access to the record of one file. A Lease is used by
// a single transfer goroutine.
type Lease struct {
	m        *Manager
	key      string
	name     string
	dir      transfer.Direction
	size     int64
	offset   int64
	released bool
}

// Offset returns the recorded resume offset for a file of the given size.
// A record for a different size is discarded and 0 returned.
func (l *Lease) Offset(size int64) int64 {
	l.size = size
	r, ok, err := l.m.store.Load(l.key)
	if err != nil {
		l.m.logger.Error("recovery: load %s: %v", l.name, err)
		return 0
	}
	if !ok {
		return 0
	}
	if r.Size != size || r.Offset <= 0 || r.Offset > size {
		l.m.logger.Info("recovery: discarding stale record for %s (size %d, offset %d)", l.name, r.Size, r.Offset)
		l.discard()
		return 0
	}
	l.offset = r.Offset
	return r.Offset
}

// Commit records n as the last offset acknowledged by the peer.
func (l *Lease) Commit(n int64) {
	if n > l.offset {
		l.offset = n
	}
}

// Reset moves the committed offset, e.g. when the peer asks to restart
// from an earlier position.
func (l *Lease) Reset(n int64) {
	l.offset = n
}

// Committed returns the last committed offset.
func (l *Lease) Committed() int64 {
	return l.offset
}

// Interrupt persists the committed offset so the transfer can resume. A
// transfer that never got past offset 0 leaves no record.
func (l *Lease) Interrupt() error {
	if l.offset <= 0 {
		l.discard()
		return nil
	}
	return l.m.store.Save(l.key, Record{
		Name:      l.name,
		Size:      l.size,
		Offset:    l.offset,
		Direction: l.dir,
		Updated:   time.Now(),
	})
}

// Complete discards the record after a successful transfer.
func (l *Lease) Complete() error {
	return l.m.store.Delete(l.key)
}

// Abandon discards the record, e.g. after the file was skipped.
func (l *Lease) Abandon() error {
	l.offset = 0
	return l.m.store.Delete(l.key)
}

func (l *Lease) discard() {
	if err := l.m.store.Delete(l.key); err != nil {
		l.m.logger.Error("recovery: delete %s: %v", l.name, err)
	}
}

// Release frees the key for other sessions. It is safe to call twice.
func (l *Lease) Release() {
	if l.released {
		return
	}
	l.released = true
	l.m.release(l.key)
}

// Finish ends the lease according to err: nil completes, a skip abandons,
// anything else interrupts. The lease is released.
func (l *Lease) Finish(err error) {
	if l == nil {
		return
	}
	var serr error
	switch {
	case err == nil:
		serr = l.Complete()
	case errors.Is(err, transfer.ErrFileSkipped):
		serr = l.Abandon()
	default:
		serr = l.Interrupt()
	}
	if serr != nil {
		l.m.logger.Error("recovery: update %s: %v", l.name, serr)
	}
	l.Release()
}
