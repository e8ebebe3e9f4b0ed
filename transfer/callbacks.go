package transfer

import "time"

// Progress is a snapshot of the file in progress.
type Progress struct {
	Filename    string
	Transferred int64
	Total       int64   // -1 when unknown
	Rate        float64 // bytes per second since the previous report
}

// Observer receives transfer events. Calls are made from the goroutine
// running the transfer.
type Observer interface {
	FileStarted(info FileInfo)
	Progress(p Progress)
	FileCompleted(info FileInfo, transferred int64, elapsed time.Duration, err error)
	Finished(o Outcome)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) FileStarted(FileInfo)                               {}
func (NopObserver) Progress(Progress)                                  {}
func (NopObserver) FileCompleted(FileInfo, int64, time.Duration, error) {}
func (NopObserver) Finished(Outcome)                                   {}

// Callbacks adapts optional functions to an Observer.
// All callbacks are optional - nil callbacks do nothing.
type Callbacks struct {
	// OnFileStart is called when a file transfer starts.
	OnFileStart func(info FileInfo)

	// OnProgress is called periodically during file transfer.
	OnProgress func(p Progress)

	// OnFileComplete is called when a file ends, err is nil on success.
	OnFileComplete func(info FileInfo, transferred int64, duration time.Duration, err error)

	// OnFinished is called once with the session outcome.
	OnFinished func(o Outcome)
}

func (c *Callbacks) FileStarted(info FileInfo) {
	if c != nil && c.OnFileStart != nil {
		c.OnFileStart(info)
	}
}

func (c *Callbacks) Progress(p Progress) {
	if c != nil && c.OnProgress != nil {
		c.OnProgress(p)
	}
}

func (c *Callbacks) FileCompleted(info FileInfo, transferred int64, elapsed time.Duration, err error) {
	if c != nil && c.OnFileComplete != nil {
		c.OnFileComplete(info, transferred, elapsed, err)
	}
}

func (c *Callbacks) Finished(o Outcome) {
	if c != nil && c.OnFinished != nil {
		c.OnFinished(o)
	}
}

// OrNop returns o, or NopObserver when o is nil.
func OrNop(o Observer) Observer {
	if o == nil {
		return NopObserver{}
	}
	return o
}
