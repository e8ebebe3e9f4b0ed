package transfer

import (
	"sync"
	"time"
)

// ProgressTracker tracks the progress of one file at a time and throttles
// reports to an Observer.
type ProgressTracker struct {
	mu sync.Mutex

	info             FileInfo
	bytesTransferred int64
	startTime        time.Time
	lastUpdate       time.Time
	lastBytes        int64
	active           bool

	observer       Observer
	updateInterval time.Duration
}

// NewProgressTracker creates a new progress tracker.
func NewProgressTracker(observer Observer, interval time.Duration) *ProgressTracker {
	if interval <= 0 {
		interval = 100 * time.Millisecond // Default: update every 100ms
	}
	return &ProgressTracker{
		observer:       OrNop(observer),
		updateInterval: interval,
	}
}

// Start begins tracking a new file transfer at offset.
func (pt *ProgressTracker) Start(info FileInfo, offset int64) {
	pt.mu.Lock()
	pt.info = info
	pt.bytesTransferred = offset
	pt.startTime = time.Now()
	pt.lastUpdate = pt.startTime
	pt.lastBytes = offset
	pt.active = true
	pt.mu.Unlock()

	pt.observer.FileStarted(info)
}

// Update records the bytes transferred so far and reports if enough time
// has passed.
func (pt *ProgressTracker) Update(bytesTransferred int64) {
	pt.mu.Lock()
	pt.bytesTransferred = bytesTransferred

	now := time.Now()
	if now.Sub(pt.lastUpdate) < pt.updateInterval {
		pt.mu.Unlock()
		return
	}
	var rate float64
	if elapsed := now.Sub(pt.lastUpdate).Seconds(); elapsed > 0 {
		rate = float64(bytesTransferred-pt.lastBytes) / elapsed
	}
	p := Progress{Filename: pt.info.Name, Transferred: bytesTransferred, Total: pt.info.Size, Rate: rate}
	pt.lastUpdate = now
	pt.lastBytes = bytesTransferred
	pt.mu.Unlock()

	pt.observer.Progress(p)
}

// Complete ends the current file, sends a final report and returns the
// duration. Calling Complete with no file in progress does nothing.
func (pt *ProgressTracker) Complete(err error) time.Duration {
	pt.mu.Lock()
	if !pt.active {
		pt.mu.Unlock()
		return 0
	}
	pt.active = false
	duration := time.Since(pt.startTime)
	info, n := pt.info, pt.bytesTransferred
	pt.mu.Unlock()

	if err == nil {
		pt.observer.Progress(Progress{Filename: info.Name, Transferred: n, Total: info.Size})
	}
	pt.observer.FileCompleted(info, n, duration, err)
	return duration
}

// Stats returns current progress statistics.
func (pt *ProgressTracker) Stats() (filename string, transferred, total int64, rate float64, duration time.Duration) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	filename = pt.info.Name
	transferred = pt.bytesTransferred
	total = pt.info.Size
	duration = time.Since(pt.startTime)
	if duration.Seconds() > 0 {
		rate = float64(transferred) / duration.Seconds()
	}
	return
}
