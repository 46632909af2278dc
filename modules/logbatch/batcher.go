// Package logbatch implements the ~150ms/40-line coalescing policy used
// by both the thread and process job runners to reduce event-bus churn
// when forwarding captured stdio (spec.md §4.2, §4.3 "parent-side log
// batching"). A Batcher is not safe for concurrent Add calls from more
// than one goroutine; each runner owns one Batcher per in-flight
// attempt, fed from a single line-reader goroutine.
package logbatch

import (
	"strings"
	"sync"
	"time"
)

const (
	// DefaultWindow is the coalescing window (~150ms per spec.md).
	DefaultWindow = 150 * time.Millisecond
	// DefaultMaxLines caps a batch at 40 lines before a forced flush.
	DefaultMaxLines = 40
)

// Batcher coalesces lines observed within Window (or MaxLines, whichever
// comes first) into a single newline-joined flush, preserving the order
// lines were added in (spec.md §8 property 7).
type Batcher struct {
	mu       sync.Mutex
	window   time.Duration
	maxLines int
	flushFn  func(joined string)
	buf      []string
	timer    *time.Timer
	// emitMu serializes Flush calls end to end, so a timer-driven flush
	// and an explicit one cannot emit their batches out of order.
	emitMu sync.Mutex
}

// New creates a Batcher. window<=0 and maxLines<=0 fall back to the
// package defaults.
func New(window time.Duration, maxLines int, flushFn func(joined string)) *Batcher {
	if window <= 0 {
		window = DefaultWindow
	}
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	return &Batcher{window: window, maxLines: maxLines, flushFn: flushFn}
}

// Add appends line to the current batch, flushing immediately if the
// batch has reached maxLines, otherwise (re)arming the window timer.
func (b *Batcher) Add(line string) {
	b.mu.Lock()
	b.buf = append(b.buf, line)
	full := len(b.buf) >= b.maxLines
	b.mu.Unlock()

	if full {
		b.Flush()
		return
	}
	b.arm()
}

func (b *Batcher) arm() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		return
	}
	b.timer = time.AfterFunc(b.window, func() {
		b.Flush()
	})
}

// Flush joins and emits any buffered lines now, regardless of the
// window or line-count thresholds. It is safe to call when the buffer
// is empty (a no-op) and is the caller's responsibility to invoke at
// the end of every attempt to avoid losing a partial final batch.
func (b *Batcher) Flush() {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.buf) == 0 {
		b.mu.Unlock()
		return
	}
	joined := strings.Join(b.buf, "\n")
	b.buf = nil
	b.mu.Unlock()

	b.flushFn(joined)
}
