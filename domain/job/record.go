package job

import "time"

// DefaultLogCap is the default number of log lines retained per record.
const DefaultLogCap = 400

// DefaultMaxJobs is the default number of records the registry retains.
const DefaultMaxJobs = 200

// Record is the registry's in-memory view of a single job (spec.md §3).
// The registry hands out copies; callers must not mutate a Record
// returned from Get/List.
type Record struct {
	JobID      string
	Name       string
	Status     Status
	Progress   float64
	Message    string
	StartedAt  time.Time
	FinishedAt *time.Time
	Error      string
	Logs       []string

	// Rerun and Cancel are post-submission hooks attached by the
	// submitter via Registry.SetRerun/SetCancel. Both are optional.
	Rerun  func()
	Cancel func()
}

// Clone returns a deep-enough copy for safe external use: Logs is a
// fresh slice, FinishedAt is a fresh pointer when set.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	c.Logs = append([]string(nil), r.Logs...)
	return &c
}

// AppendLog appends line to Logs, trimming from the front when over cap.
// A multi-line block (containing embedded newlines) is split first;
// trailing empty segments from the split are dropped.
func (r *Record) AppendLog(block string, maxLines int) {
	for _, line := range SplitLogLines(block) {
		r.Logs = append(r.Logs, line)
	}
	if maxLines <= 0 {
		maxLines = DefaultLogCap
	}
	if over := len(r.Logs) - maxLines; over > 0 {
		r.Logs = append([]string(nil), r.Logs[over:]...)
	}
}

// SplitLogLines splits a possibly-batched JobLogLine payload on '\n',
// dropping every trailing empty segment (those produced by terminal
// newlines). Ordering follows newline positions only (spec.md §4.2/§9).
func SplitLogLines(block string) []string {
	if block == "" {
		return nil
	}
	lines := splitNewlines(block)
	for n := len(lines); n > 0 && lines[n-1] == ""; n = len(lines) {
		lines = lines[:n-1]
	}
	return lines
}

func splitNewlines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// CancelToken is a one-way boolean signal readable from any goroutine
// (thread runner) or process (process runner, via an implementation
// backed by the IPC channel). Once Set, IsSet always reports true.
type CancelToken interface {
	Set()
	IsSet() bool
}
