// Package procrunner executes jobs in spawned child processes with hard
// termination, publishing the same Job* lifecycle events as
// modules/threadrunner onto a shared modules/bus.Bus (spec.md §4.3). It
// is grounded on the teacher's modules/worker.Pool (fixed supervisor
// goroutine pool draining a shared channel) for its outer shape, and on
// modules/nats.Client for its use of an embedded NATS broker as the
// transport — here repurposed from the teacher's durable JetStream work
// queue into an ephemeral, per-job-attempt pub/sub channel, since
// durability here is the event store's job (modules/eventstore), not
// the IPC channel's.
package procrunner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/shalfeiok/mlbench-jobcore/domain/job"
	"github.com/shalfeiok/mlbench-jobcore/internal/corelog"
	"github.com/shalfeiok/mlbench-jobcore/modules/bus"
	"github.com/shalfeiok/mlbench-jobcore/modules/logbatch"
	"github.com/shalfeiok/mlbench-jobcore/modules/manifest"
)

// RunType identifies this runner in manifest.Writer.WriteStart's
// run_type field (spec.md §6).
const RunType = "process"

const (
	// pollAlive is how often the supervisor checks the out-subject and
	// the timeout/cancel conditions while the child is still running.
	pollAlive = 150 * time.Millisecond
	// pollExited is the tighter poll interval used once the child has
	// exited, while still inside the drain window.
	pollExited = 30 * time.Millisecond
	// drainWindow is how long the supervisor keeps polling for late
	// messages after the child is observed not-alive (spec.md §4.3,
	// scenario S6).
	drainWindow = 300 * time.Millisecond
)

// Config controls the supervisor pool width and the optional manifest
// writer.
type Config struct {
	NumWorkers int
	// Manifest, if set, receives a WriteStart call for every submitted
	// job (spec.md §6 "Run manifest"). Nil disables manifest writing.
	Manifest *manifest.Writer
}

func DefaultConfig() Config { return Config{NumWorkers: 2} }

// SubmitOptions mirrors modules/threadrunner.SubmitOptions; kept as an
// independent type so the two runner packages stay decoupled.
type SubmitOptions struct {
	Retries       int
	RetryBackoff  time.Duration
	RetryJitter   float64
	RetryDeadline *time.Duration
	Timeout       *time.Duration
}

func DefaultSubmitOptions() SubmitOptions {
	return SubmitOptions{RetryBackoff: 750 * time.Millisecond, RetryJitter: 0.3}
}

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

// Future resolves once a submitted job reaches a terminal state.
type Future struct {
	done   chan struct{}
	result any
	err    error
}

func (f *Future) Wait() (any, error) { <-f.done; return f.result, f.err }
func (f *Future) Done() <-chan struct{} { return f.done }
func (f *Future) resolve(result any, err error) {
	f.result, f.err = result, err
	close(f.done)
}

// JobHandle is returned by Submit.
type JobHandle struct {
	JobID  string
	Name   string
	future *Future
	token  *cancelToken
}

func (h *JobHandle) Result() (any, error) { return h.future.Wait() }

// Cancel requests hard cancellation: the supervisor will notify the
// child cooperatively and terminate it if it has not exited by the next
// poll tick.
func (h *JobHandle) Cancel() { h.token.Set() }

// Supervisor runs jobs in spawned child processes over a small fixed
// pool of supervisor goroutines, using an embedded NATS server as the
// parent<->child transport.
type Supervisor struct {
	cfg Config
	bus *bus.Bus
	log zerolog.Logger

	ns      *natsserver.Server
	nc      *nats.Conn
	exePath string

	workCh chan func()
	wg     sync.WaitGroup

	submitMu sync.RWMutex
	stopped  bool

	attemptSeq atomic.Uint64
}

// New creates a Supervisor bound to b. Call Start before Submit.
func New(cfg Config, b *bus.Bus) *Supervisor {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = DefaultConfig().NumWorkers
	}
	return &Supervisor{cfg: cfg, bus: b, log: corelog.Component("procrunner")}
}

// Start launches an embedded, loopback-only NATS server, connects the
// parent-side client, and spins up the supervisor pool.
func (s *Supervisor) Start() error {
	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("procrunner: resolve own executable: %w", err)
	}
	s.exePath = exePath

	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // let the OS assign a free loopback port
		NoLog:  true,
		NoSigs: true,
	}
	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return fmt.Errorf("procrunner: start embedded nats server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		return fmt.Errorf("procrunner: embedded nats server did not become ready")
	}
	s.ns = ns

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return fmt.Errorf("procrunner: connect parent nats client: %w", err)
	}
	s.nc = nc

	s.workCh = make(chan func())
	for i := 0; i < s.cfg.NumWorkers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.log.Info().Int("workers", s.cfg.NumWorkers).Str("nats_url", ns.ClientURL()).Msg("process runner started")
	return nil
}

func (s *Supervisor) worker() {
	defer s.wg.Done()
	for task := range s.workCh {
		task()
	}
}

// Stop closes the pool, waits (bounded by ctx) for in-flight attempts to
// finish their current poll loop, then tears down the NATS client and
// embedded server.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.submitMu.Lock()
	if s.stopped {
		s.submitMu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.workCh)
	s.submitMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if s.nc != nil {
		s.nc.Close()
	}
	if s.ns != nil {
		s.ns.Shutdown()
		s.ns.WaitForShutdown()
	}
	s.log.Info().Msg("process runner stopped")
	return nil
}

// Submit marshals payload to JSON and enqueues name for execution in a
// child process. payload must be JSON-encodable; fn must already be
// registered via Register under name.
func (s *Supervisor) Submit(name string, payload any, opts ...SubmitOption) (*JobHandle, error) {
	options := DefaultSubmitOptions()
	for _, o := range opts {
		o(&options)
	}

	if _, ok := Lookup(name); !ok {
		return nil, job.ErrUnknownFn
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("procrunner: marshal payload: %w", err)
	}

	s.submitMu.RLock()
	if s.stopped {
		s.submitMu.RUnlock()
		return nil, job.ErrPoolClosed
	}

	id := uuid.NewString()
	token := &cancelToken{}
	future := &Future{done: make(chan struct{})}
	handle := &JobHandle{JobID: id, Name: name, future: future, token: token}

	if s.cfg.Manifest != nil {
		env := manifest.CollectEnvironment(nil)
		if err := s.cfg.Manifest.WriteStart(id, RunType, payload, env, ""); err != nil {
			s.log.Warn().Str("job_id", id).Err(err).Msg("failed to write run manifest")
		}
	}

	s.workCh <- func() { s.run(id, name, payloadJSON, options, token, future) }
	s.submitMu.RUnlock()

	return handle, nil
}

func (s *Supervisor) run(id, name string, payload []byte, opts SubmitOptions, token *cancelToken, future *Future) {
	now := time.Now()
	bus.Publish(s.bus, job.JobStarted{JobID: id, Name: name, At: now})
	bus.Publish(s.bus, job.JobProgress{JobID: id, Name: name, Progress: 0, Message: "started", At: now})

	maxAttempts := opts.Retries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	start := time.Now()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if token.IsSet() {
			bus.Publish(s.bus, job.JobCancelled{JobID: id, Name: name, At: time.Now()})
			future.resolve(nil, job.NewError(job.KindCancelled, context.Canceled))
			return
		}

		result, err := s.runAttempt(id, name, attempt, payload, token, opts.Timeout)

		if err == nil {
			bus.Publish(s.bus, job.JobProgress{JobID: id, Name: name, Progress: 1, Message: "finished", At: time.Now()})
			bus.Publish(s.bus, job.JobFinished{JobID: id, Name: name, Result: result, At: time.Now()})
			future.resolve(result, nil)
			return
		}

		kind := job.KindOf(err)

		if kind == job.KindCancelled {
			bus.Publish(s.bus, job.JobCancelled{JobID: id, Name: name, At: time.Now()})
			future.resolve(nil, err)
			return
		}

		if kind == job.KindTimeout {
			var timeoutSec float64
			if opts.Timeout != nil {
				timeoutSec = opts.Timeout.Seconds()
			}
			bus.Publish(s.bus, job.JobTimedOut{JobID: id, Name: name, TimeoutSec: timeoutSec, At: time.Now()})
			future.resolve(nil, err)
			return
		}

		if job.IsRetryable(err, attempt, maxAttempts, opts.RetryDeadline, start, token.IsSet()) {
			bus.Publish(s.bus, job.JobRetrying{
				JobID: id, Name: name,
				Attempt: attempt, MaxAttempts: maxAttempts,
				Error: err.Error(), At: time.Now(),
			})
			time.Sleep(backoffDelay(opts.RetryBackoff, opts.RetryJitter, attempt))
			continue
		}

		s.log.Warn().Str("job_id", id).Str("name", name).Err(err).Msg("job failed, not retrying")
		bus.Publish(s.bus, job.JobFailed{JobID: id, Name: name, Error: err.Error(), At: time.Now()})
		future.resolve(nil, err)
		return
	}
}

// runAttempt spawns one child process and supervises it to a terminal
// outcome, implementing the parent supervision loop from spec.md §4.3
// verbatim: short polls while alive, tighter polls plus a drain window
// after exit, hard termination on timeout or cancel, and the two
// exit-code-sensitive "no result payload" failure messages.
func (s *Supervisor) runAttempt(id, name string, attempt int, payload []byte, token *cancelToken, timeout *time.Duration) (result any, outErr error) {
	seq := s.attemptSeq.Add(1)
	outSubject := fmt.Sprintf("jobs.%s.%d.out", id, seq)
	cancelSubject := fmt.Sprintf("jobs.%s.%d.cancel", id, seq)

	msgCh := make(chan *nats.Msg, 256)
	sub, err := s.nc.ChanSubscribe(outSubject, msgCh)
	if err != nil {
		return nil, job.NewError(job.KindInfrastructure, fmt.Errorf("subscribe out subject: %w", err))
	}
	defer sub.Unsubscribe()

	cmd := exec.Command(s.exePath)
	cmd.Env = append(os.Environ(),
		envChildMode+"=1",
		envChildFunc+"="+name,
		envChildNATSURL+"="+s.ns.ClientURL(),
		envChildOutSubject+"="+outSubject,
		envChildCancelSubject+"="+cancelSubject,
	)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = nil
	cmd.Stderr = nil

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, job.NewError(job.KindInfrastructure, fmt.Errorf("spawn child process: %w", err))
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	batcher := logbatch.New(0, 0, func(joined string) {
		bus.Publish(s.bus, job.JobLogLine{JobID: id, Name: name, Line: joined, At: time.Now()})
	})
	defer batcher.Flush()

	var (
		alive           = true
		exitErr         error
		exitedAt        time.Time
		resultRaw       json.RawMessage
		gotResult       bool
		gotError        string
		hasError        bool
		gotCancelReason string
		hasCancel       bool
	)

	notifyChildCancel := func() {
		data, _ := json.Marshal(struct{}{})
		_ = s.nc.Publish(cancelSubject, data)
	}
	killChild := func() {
		if alive && cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}

	for {
		interval := pollAlive
		if !alive {
			interval = pollExited
		}
		timer := time.NewTimer(interval)

		select {
		case raw, ok := <-msgCh:
			timer.Stop()
			if !ok {
				continue
			}
			var m wireMsg
			if jsonErr := json.Unmarshal(raw.Data, &m); jsonErr != nil || m.validate() != nil {
				killChild()
				if alive {
					<-waitCh
					alive = false
				}
				return nil, job.NewError(job.KindUnknown, job.ErrMalformedMessage)
			}
			switch m.Type {
			case msgProgress:
				bus.Publish(s.bus, job.JobProgress{
					JobID: id, Name: name, Progress: *m.Progress,
					Message: derefStr(m.Message), At: time.Now(),
				})
			case msgLog:
				batcher.Add(m.Log)
			case msgResult:
				resultRaw = m.Result
				gotResult = true
			case msgError:
				gotError = m.Error
				hasError = true
			case msgCancelled:
				gotCancelReason = m.Reason
				hasCancel = true
			}
			if gotResult || hasError || hasCancel {
				if alive {
					<-waitCh
					alive = false
				}
				goto finalize
			}

		case werr := <-waitCh:
			timer.Stop()
			alive = false
			exitErr = werr
			exitedAt = time.Now()

		case <-timer.C:
			if timeout != nil && time.Since(start) >= *timeout {
				token.Set()
				notifyChildCancel()
				killChild()
				if alive {
					<-waitCh
					alive = false
				}
				return nil, job.NewError(job.KindTimeout, fmt.Errorf("child process timed out after %s", *timeout))
			}
			if token.IsSet() && alive {
				notifyChildCancel()
				killChild()
				<-waitCh
				alive = false
				return nil, job.NewError(job.KindCancelled, context.Canceled)
			}
			if !alive && !exitedAt.IsZero() && time.Since(exitedAt) >= drainWindow {
				goto finalize
			}
		}
	}

finalize:
	if hasCancel {
		return nil, job.NewError(job.KindCancelled, fmt.Errorf("%s", gotCancelReason))
	}
	if hasError {
		// The child's generic "error" message carries no kind information
		// (spec.md §4.3), so it is classified Unknown and never retried,
		// matching the original process_runner.py raising a plain
		// RuntimeError for unclassified failures.
		return nil, job.NewError(job.KindUnknown, fmt.Errorf("%s", gotError))
	}
	if gotResult {
		var v any
		if err := json.Unmarshal(resultRaw, &v); err != nil {
			return nil, job.NewError(job.KindUnknown, fmt.Errorf("decode child result: %w", err))
		}
		return v, nil
	}

	code := exitCodeOf(exitErr)
	if code != 0 {
		return nil, job.NewError(job.KindInfrastructure, fmt.Errorf("job process exited with code %d without a result payload", code))
	}
	return nil, job.NewError(job.KindInfrastructure, job.ErrNoResultPayload)
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

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
