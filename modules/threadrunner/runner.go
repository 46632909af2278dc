// Package threadrunner executes jobs in-process on a fixed-size worker
// pool, publishing their lifecycle onto a modules/bus.Bus (spec.md §4.2).
// It is grounded on the teacher's modules/worker.Pool (fixed worker
// goroutines draining a shared channel, modules/worker/pool.go) and its
// Processor retry loop (modules/worker/processor.go), generalized from a
// switch-on-job.Type dispatch to an arbitrary caller-supplied Func, and
// from the teacher's single-shot run to the spec's attempt/backoff/
// timeout/cancellation state machine.
package threadrunner

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shalfeiok/mlbench-jobcore/domain/job"
	"github.com/shalfeiok/mlbench-jobcore/internal/corelog"
	"github.com/shalfeiok/mlbench-jobcore/modules/bus"
	"github.com/shalfeiok/mlbench-jobcore/modules/logbatch"
	"github.com/shalfeiok/mlbench-jobcore/modules/manifest"
)

// RunType identifies this runner in manifest.Writer.WriteStart's
// run_type field (spec.md §6).
const RunType = "thread"

// ProgressFunc lets a running job report fractional progress and a
// human-readable message; the runner clamps and republishes it as a
// JobProgress event.
type ProgressFunc func(fraction float64, message string)

// Func is the unit of work submitted to a Runner. It must honor token
// cooperatively (poll token.IsSet and return promptly) to support
// graceful cancellation; the runner cannot interrupt it by force.
type Func func(ctx context.Context, token job.CancelToken, progress ProgressFunc) (any, error)

// Config controls pool sizing and the optional manifest writer.
type Config struct {
	NumWorkers int
	// Manifest, if set, receives a WriteStart call for every submitted
	// job (spec.md §6 "Run manifest"). Nil disables manifest writing.
	Manifest *manifest.Writer
}

// DefaultConfig matches the teacher's default pool width.
func DefaultConfig() Config {
	return Config{NumWorkers: 4}
}

// SubmitOptions controls one job's retry and timeout behavior.
type SubmitOptions struct {
	Retries       int
	RetryBackoff  time.Duration
	RetryJitter   float64
	RetryDeadline *time.Duration
	Timeout       *time.Duration
	// Spec is the caller-provided request recorded verbatim in the run
	// manifest (spec.md §6); nil if the caller doesn't supply one.
	Spec any
}

// DefaultSubmitOptions mirrors spec.md §7's default backoff policy.
func DefaultSubmitOptions() SubmitOptions {
	return SubmitOptions{
		Retries:      0,
		RetryBackoff: 750 * time.Millisecond,
		RetryJitter:  0.3,
	}
}

// SubmitOption mutates SubmitOptions; see With* below.
type SubmitOption func(*SubmitOptions)

func WithRetries(n int) SubmitOption { return func(o *SubmitOptions) { o.Retries = n } }
func WithRetryBackoff(d time.Duration) SubmitOption {
	return func(o *SubmitOptions) { o.RetryBackoff = d }
}
func WithRetryJitter(j float64) SubmitOption { return func(o *SubmitOptions) { o.RetryJitter = j } }
func WithRetryDeadline(d time.Duration) SubmitOption {
	return func(o *SubmitOptions) { o.RetryDeadline = &d }
}
func WithTimeout(d time.Duration) SubmitOption { return func(o *SubmitOptions) { o.Timeout = &d } }
func WithSpec(spec any) SubmitOption { return func(o *SubmitOptions) { o.Spec = spec } }

// cancelToken is the job.CancelToken implementation handed to every Func.
type cancelToken struct {
	flag atomic.Bool
}

func (c *cancelToken) Set()        { c.flag.Store(true) }
func (c *cancelToken) IsSet() bool { return c.flag.Load() }

// Future resolves once a submitted job reaches a terminal state.
type Future struct {
	done   chan struct{}
	result any
	err    error
}

// Wait blocks until the job is terminal, returning its result or error.
func (f *Future) Wait() (any, error) {
	<-f.done
	return f.result, f.err
}

// Done exposes the terminal signal for use in a select.
func (f *Future) Done() <-chan struct{} { return f.done }

func (f *Future) resolve(result any, err error) {
	f.result = result
	f.err = err
	close(f.done)
}

// JobHandle is returned by Submit.
type JobHandle struct {
	JobID  string
	Name   string
	future *Future
	token  *cancelToken
}

// Result blocks for the job's terminal outcome.
func (h *JobHandle) Result() (any, error) { return h.future.Wait() }

// Cancel requests cooperative cancellation. The running Func must
// observe token.IsSet() on its own to actually stop.
func (h *JobHandle) Cancel() { h.token.Set() }

// Runner is a fixed-size in-process worker pool.
type Runner struct {
	cfg    Config
	bus    *bus.Bus
	log    zerolog.Logger
	workCh chan func()
	wg     sync.WaitGroup

	submitMu sync.RWMutex
	stopped  bool

	stdioMu sync.Mutex
	origOut *os.File
	origErr *os.File
}

// New creates a Runner bound to b. Call Start before Submit.
func New(cfg Config, b *bus.Bus) *Runner {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = DefaultConfig().NumWorkers
	}
	return &Runner{
		cfg:    cfg,
		bus:    b,
		log:    corelog.Component("threadrunner"),
		workCh: make(chan func()),
	}
}

// Start spins up the worker goroutines and records the original
// os.Stdout/os.Stderr so Stop can restore them exactly (spec.md §8
// property 11).
func (r *Runner) Start() error {
	r.origOut = os.Stdout
	r.origErr = os.Stderr

	for i := 0; i < r.cfg.NumWorkers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	r.log.Info().Int("workers", r.cfg.NumWorkers).Msg("thread runner started")
	return nil
}

func (r *Runner) worker() {
	defer r.wg.Done()
	for task := range r.workCh {
		task()
	}
}

// Stop closes the pool, waits (bounded by ctx) for in-flight jobs to
// reach a worker-loop boundary, and restores the original os.Stdout/
// os.Stderr. Jobs already dispatched to a worker still run to
// completion; Stop does not cancel them.
func (r *Runner) Stop(ctx context.Context) error {
	r.submitMu.Lock()
	if r.stopped {
		r.submitMu.Unlock()
		return nil
	}
	r.stopped = true
	close(r.workCh)
	r.submitMu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if r.origOut != nil {
		os.Stdout = r.origOut
	}
	if r.origErr != nil {
		os.Stderr = r.origErr
	}
	r.log.Info().Msg("thread runner stopped")
	return nil
}

// Submit enqueues fn under name and returns a handle immediately; fn
// runs once a worker is free. Submit blocks the caller only while no
// worker slot is available, mirroring the teacher's unbuffered work
// channel.
func (r *Runner) Submit(name string, fn Func, opts ...SubmitOption) (*JobHandle, error) {
	options := DefaultSubmitOptions()
	for _, o := range opts {
		o(&options)
	}

	r.submitMu.RLock()
	if r.stopped {
		r.submitMu.RUnlock()
		return nil, job.ErrPoolClosed
	}

	id := uuid.NewString()
	token := &cancelToken{}
	future := &Future{done: make(chan struct{})}
	handle := &JobHandle{JobID: id, Name: name, future: future, token: token}

	if r.cfg.Manifest != nil {
		env := manifest.CollectEnvironment(nil)
		if err := r.cfg.Manifest.WriteStart(id, RunType, options.Spec, env, ""); err != nil {
			r.log.Warn().Str("job_id", id).Err(err).Msg("failed to write run manifest")
		}
	}

	r.workCh <- func() { r.run(id, name, fn, options, token, future) }
	r.submitMu.RUnlock()

	return handle, nil
}

func (r *Runner) run(id, name string, fn Func, opts SubmitOptions, token *cancelToken, future *Future) {
	now := time.Now()
	bus.Publish(r.bus, job.JobStarted{JobID: id, Name: name, At: now})
	bus.Publish(r.bus, job.JobProgress{JobID: id, Name: name, Progress: 0, Message: "started", At: now})

	progress := func(fraction float64, message string) {
		bus.Publish(r.bus, job.JobProgress{
			JobID: id, Name: name,
			Progress: job.ClampProgress(fraction),
			Message:  message,
			At:       time.Now(),
		})
	}

	maxAttempts := opts.Retries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	start := time.Now()

	batcher := logbatch.New(0, 0, func(joined string) {
		bus.Publish(r.bus, job.JobLogLine{JobID: id, Name: name, Line: joined, At: time.Now()})
	})

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if token.IsSet() {
			bus.Publish(r.bus, job.JobCancelled{JobID: id, Name: name, At: time.Now()})
			future.resolve(nil, job.NewError(job.KindCancelled, context.Canceled))
			return
		}

		restore := r.captureAttempt(batcher.Add)
		result, err := r.runAttempt(fn, token, progress, opts.Timeout)
		restore()
		batcher.Flush()

		kind := job.KindOf(err)

		// Checked before the generic token.IsSet() cancellation test below:
		// runAttempt's timeout path also calls token.Set() so a cooperative
		// fn can observe it, which would otherwise make every timeout look
		// like an external cancellation.
		if kind == job.KindTimeout {
			var timeoutSec float64
			if opts.Timeout != nil {
				timeoutSec = opts.Timeout.Seconds()
			}
			bus.Publish(r.bus, job.JobTimedOut{JobID: id, Name: name, TimeoutSec: timeoutSec, At: time.Now()})
			future.resolve(nil, err)
			return
		}

		if token.IsSet() {
			bus.Publish(r.bus, job.JobCancelled{JobID: id, Name: name, At: time.Now()})
			future.resolve(nil, job.NewError(job.KindCancelled, context.Canceled))
			return
		}

		if err == nil {
			progress(1.0, "finished")
			bus.Publish(r.bus, job.JobFinished{JobID: id, Name: name, Result: result, At: time.Now()})
			future.resolve(result, nil)
			return
		}

		if kind == job.KindCancelled {
			bus.Publish(r.bus, job.JobCancelled{JobID: id, Name: name, At: time.Now()})
			future.resolve(nil, err)
			return
		}

		retryable := job.IsRetryable(err, attempt, maxAttempts, opts.RetryDeadline, start, false)
		if retryable {
			bus.Publish(r.bus, job.JobRetrying{
				JobID: id, Name: name,
				Attempt: attempt, MaxAttempts: maxAttempts,
				Error: err.Error(), At: time.Now(),
			})
			time.Sleep(backoffDelay(opts.RetryBackoff, opts.RetryJitter, attempt))
			continue
		}

		r.log.Warn().Str("job_id", id).Str("name", name).Err(err).Msg("job failed, not retrying")
		bus.Publish(r.bus, job.JobFailed{JobID: id, Name: name, Error: err.Error(), At: time.Now()})
		future.resolve(nil, err)
		return
	}
}

// runAttempt runs fn once, applying a timeout if configured. A timeout
// sets token (so a cooperative fn can observe it) and returns a
// KindTimeout error without waiting for fn to actually return; the
// helper goroutine is abandoned and may keep running, an accepted
// limitation carried over from spec.md §9.
func (r *Runner) runAttempt(fn Func, token *cancelToken, progress ProgressFunc, timeout *time.Duration) (any, error) {
	if timeout == nil {
		return r.safeCall(fn, token, progress)
	}

	type outcome struct {
		result any
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		result, err := r.safeCall(fn, token, progress)
		ch <- outcome{result, err}
	}()

	select {
	case o := <-ch:
		return o.result, o.err
	case <-time.After(*timeout):
		token.Set()
		return nil, job.NewError(job.KindTimeout, fmt.Errorf("timed out after %s", *timeout))
	}
}

func (r *Runner) safeCall(fn Func, token *cancelToken, progress ProgressFunc) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = job.NewError(job.KindUnknown, fmt.Errorf("panic: %v", rec))
		}
	}()
	return fn(context.Background(), token, progress)
}

// backoffDelay implements spec.md §7's exponential-backoff-with-jitter
// policy: base * 1.6^(attempt-1), capped at 10s, scaled by a uniform
// factor in [1-jitter, 1+jitter] with jitter clamped to [0, 0.9].
func backoffDelay(base time.Duration, jitter float64, attempt int) time.Duration {
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 0.9 {
		jitter = 0.9
	}
	d := float64(base) * math.Pow(1.6, float64(attempt-1))
	if max := float64(10 * time.Second); d > max {
		d = max
	}
	factor := 1 + (rand.Float64()*2-1)*jitter
	d *= factor
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
