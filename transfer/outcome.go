package transfer

// Direction is the side of a transfer.
type Direction int

const (
	Send Direction = iota
	Receive
)

func (d Direction) String() string {
	if d == Receive {
		return "receive"
	}
	return "send"
}

// Status is the terminal state of a transfer.
type Status int

const (
	StatusCompleted Status = iota
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "failed"
	}
}

// Outcome summarizes a finished transfer. It is returned alongside any
// error and passed to Observer.Finished.
type Outcome struct {
	Status    Status
	Protocol  string
	Direction Direction

	// Filename is the file in progress when the transfer ended.
	Filename string
	// Files is the number of files completed.
	Files int
	// Bytes is the payload moved across all files.
	Bytes int64
	// Offset is the last offset confirmed in the current file.
	Offset int64
	// Units counts the blocks or subpackets accepted.
	Units int
	// Retransmitted counts payload bytes sent more than once.
	Retransmitted int64

	Err error
}

// Fail records err as the terminal error and returns it.
func (o *Outcome) Fail(err error) error {
	o.Err = err
	if IsCancelled(err) {
		o.Status = StatusCancelled
	} else {
		o.Status = StatusFailed
	}
	if off := OffsetOf(err); off > 0 {
		o.Offset = off
	}
	return err
}

// Completed reports whether the transfer ended without error.
func (o Outcome) Completed() bool {
	return o.Status == StatusCompleted && o.Err == nil
}
