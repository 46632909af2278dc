package job

import "time"

// Event records are immutable (spec.md §3). Each is a distinct Go type
// so modules/bus's typed dispatch (subscribe by concrete type, no
// subtype matching) can route them; a generic "envelope" wrapper like
// the teacher's JobEvent{Type, Data any} would defeat that typed
// dispatch, so each event is its own struct instead.

// JobStarted is published exactly once per job_id as the first event,
// though the registry must tolerate a duplicate arriving (idempotent
// replay/restart) without resetting accumulated state.
type JobStarted struct {
	JobID string
	Name  string
	At    time.Time
}

// JobProgress reports fractional completion in [0, 1] plus an optional
// human-readable message. Progress is clamped/rejected before this
// event is constructed (see domain/job.ClampProgress, IsFinite).
type JobProgress struct {
	JobID    string
	Name     string
	Progress float64
	Message  string
	At       time.Time
}

// JobLogLine carries either a single captured output line or a batched,
// newline-joined block (spec.md §4.2). Consumers that care about
// individual lines must split on Line via SplitLogLines.
type JobLogLine struct {
	JobID string
	Name  string
	Line  string
	At    time.Time
}

// JobRetrying is published when an attempt failed with a retryable
// error kind and another attempt will be made after a backoff sleep.
type JobRetrying struct {
	JobID       string
	Name        string
	Attempt     int
	MaxAttempts int
	Error       string
	At          time.Time
}

// JobTimedOut is published when a soft (thread runner) or hard (process
// runner) timeout elapsed before the job completed.
type JobTimedOut struct {
	JobID      string
	Name       string
	TimeoutSec float64
	At         time.Time
}

// JobFinished is the sole successful terminal event.
type JobFinished struct {
	JobID  string
	Name   string
	Result any
	At     time.Time
}

// JobFailed is a terminal event for any non-retried, non-cancelled,
// non-timeout failure.
type JobFailed struct {
	JobID string
	Name  string
	Error string
	At    time.Time
}

// JobCancelled is a terminal event produced by cooperative (thread
// runner) or hard (process runner) cancellation.
type JobCancelled struct {
	JobID string
	Name  string
	At    time.Time
}
