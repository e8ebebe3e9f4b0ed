package transfer

import (
	"fmt"
	"time"
)

const (
	DefaultMaxRetries = 10
	DefaultTimeout    = 10 * time.Second
)

// Policy is the retry budget and idle timeout shared by every wait point of
// a transfer.
type Policy struct {
	MaxRetries int
	Timeout    time.Duration
}

// DefaultPolicy returns 10 retries and a 10 second timeout.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: DefaultMaxRetries, Timeout: DefaultTimeout}
}

// Normalize replaces non-positive fields with the defaults.
func (p Policy) Normalize() Policy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	return p
}

// Start returns a Retrier positioned at offset.
func (p Policy) Start(offset int64) *Retrier {
	return &Retrier{policy: p.Normalize(), offset: offset}
}

// Retrier counts failed attempts at delivering the current unit.
//
// A unit is sent, Arm captures the deadline for the reply, and the reply is
// either good (Succeed), corrupt or missing (Fail, then send again). Fail
// returns ErrMaxRetriesExceeded once MaxRetries attempts have failed, so a
// unit goes out at most MaxRetries times.
type Retrier struct {
	policy   Policy
	count    int
	deadline time.Time
	offset   int64
	last     error
}

// Arm captures and returns the deadline for the wait that follows a send.
func (r *Retrier) Arm() time.Time {
	r.deadline = time.Now().Add(r.policy.Timeout)
	return r.deadline
}

// Deadline returns the deadline captured by the last Arm.
func (r *Retrier) Deadline() time.Time {
	return r.deadline
}

// Succeed resets the count and records the newly confirmed offset.
func (r *Retrier) Succeed(offset int64) {
	r.count = 0
	r.offset = offset
	r.last = nil
}

// Reset clears the count without moving the offset.
func (r *Retrier) Reset() {
	r.count = 0
	r.last = nil
}

// Fail records a failed attempt caused by cause. Unrecoverable causes are
// returned as they are. A nil return means the unit should be sent again.
func (r *Retrier) Fail(cause error) error {
	if cause != nil && !Recoverable(cause) {
		return cause
	}
	r.count++
	r.last = cause
	if r.count >= r.policy.MaxRetries {
		return &Error{
			Type:    ErrMaxRetriesExceeded,
			Message: fmt.Sprintf("%d attempts", r.count),
			Offset:  r.offset,
			Err:     cause,
		}
	}
	return nil
}

// Attempts returns the number of consecutive failures so far.
func (r *Retrier) Attempts() int {
	return r.count
}

// Offset returns the last confirmed offset.
func (r *Retrier) Offset() int64 {
	return r.offset
}

// Last returns the cause of the most recent failure.
func (r *Retrier) Last() error {
	return r.last
}

// Policy returns the normalized policy in use.
func (r *Retrier) Policy() Policy {
	return r.policy
}
