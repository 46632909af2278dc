package procrunner

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shalfeiok/mlbench-jobcore/domain/job"
	"github.com/shalfeiok/mlbench-jobcore/modules/bus"
)

// TestMain makes the compiled test binary double as the job child: when
// Supervisor.runAttempt spawns os.Executable() with JOBCORE_CHILD_MODE=1,
// it re-executes this very test binary, and RunChildIfRequested diverts
// it into child mode before any test runs. This is the standard
// "helper process" idiom Go's own os/exec tests use for exercising
// subprocess behavior without a separate binary.
func TestMain(m *testing.M) {
	RunChildIfRequested()
	os.Exit(m.Run())
}

type echoPayload struct {
	Value string `json:"value"`
}

func init() {
	Register("proc-echo", func(ctx context.Context, token job.CancelToken, progress ProgressFunc, payload json.RawMessage) (any, error) {
		var p echoPayload
		_ = json.Unmarshal(payload, &p)
		progress(0.5, "echoing")
		return p.Value, nil
	})

	Register("proc-exit-clean-no-result", func(ctx context.Context, token job.CancelToken, progress ProgressFunc, payload json.RawMessage) (any, error) {
		os.Exit(0)
		return nil, nil
	})

	Register("proc-exit-137", func(ctx context.Context, token job.CancelToken, progress ProgressFunc, payload json.RawMessage) (any, error) {
		os.Exit(137)
		return nil, nil
	})

	Register("proc-slow", func(ctx context.Context, token job.CancelToken, progress ProgressFunc, payload json.RawMessage) (any, error) {
		time.Sleep(5 * time.Second)
		return nil, nil
	})

	Register("proc-fails", func(ctx context.Context, token job.CancelToken, progress ProgressFunc, payload json.RawMessage) (any, error) {
		return nil, job.NewError(job.KindIntegration, errors.New("transient failure"))
	})
}

func newTestSupervisor(t *testing.T) (*Supervisor, *bus.Bus) {
	t.Helper()
	b := bus.New()
	s := New(Config{NumWorkers: 2}, b)
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, s.Stop(ctx))
	})
	return s, b
}

func TestSupervisor_Succeeds(t *testing.T) {
	s, b := newTestSupervisor(t)

	var finished bool
	var result any
	bus.Subscribe(b, func(e job.JobFinished) { finished = true; result = e.Result })
	bus.Subscribe(b, func(e job.JobFailed) { t.Fatalf("unexpected failure: %s", e.Error) })

	handle, err := s.Submit("proc-echo", echoPayload{Value: "hello"})
	require.NoError(t, err)

	got, err := handle.Result()
	require.NoError(t, err)
	require.Equal(t, "hello", got)
	require.True(t, finished)
	require.Equal(t, "hello", result)
}

// S4: a child that exits cleanly (code 0) without ever sending a result
// message fails with the generic "without a result payload" message.
func TestSupervisor_ExitsCleanWithoutResult(t *testing.T) {
	s, _ := newTestSupervisor(t)

	handle, err := s.Submit("proc-exit-clean-no-result", nil)
	require.NoError(t, err)

	_, err = handle.Result()
	require.Error(t, err)
	require.Contains(t, err.Error(), "exited without a result payload")
}

// S4 variant: a child exiting with a specific non-zero code surfaces
// that code in the failure message.
func TestSupervisor_ExitsWithCodeWithoutResult(t *testing.T) {
	s, _ := newTestSupervisor(t)

	handle, err := s.Submit("proc-exit-137", nil)
	require.NoError(t, err)

	_, err = handle.Result()
	require.Error(t, err)
	require.Contains(t, err.Error(), "exited with code 137 without a result payload")
}

// A hard timeout terminates the child and publishes JobTimedOut.
func TestSupervisor_Timeout(t *testing.T) {
	s, b := newTestSupervisor(t)

	var timedOut bool
	bus.Subscribe(b, func(job.JobTimedOut) { timedOut = true })

	handle, err := s.Submit("proc-slow", nil, WithTimeout(200*time.Millisecond))
	require.NoError(t, err)

	_, err = handle.Result()
	require.Error(t, err)
	require.Equal(t, job.KindTimeout, job.KindOf(err))
	require.True(t, timedOut)
}

// A child's classified error (here job.KindIntegration, raised inside
// the registered ProcessFunc) cannot survive the IPC boundary: child.go
// only ever sends a generic string error message, the same way the
// original process_runner.py's child always raises a plain RuntimeError
// regardless of what the in-process handler raised. The supervisor must
// therefore classify it Unknown and never retry (spec.md §7, property 4).
func TestSupervisor_UnclassifiedErrorDoesNotRetry(t *testing.T) {
	s, b := newTestSupervisor(t)

	var retries int
	bus.Subscribe(b, func(job.JobRetrying) { retries++ })

	handle, err := s.Submit("proc-fails", nil, WithRetries(2), WithRetryBackoff(time.Millisecond), WithRetryJitter(0))
	require.NoError(t, err)

	_, err = handle.Result()
	require.Error(t, err)
	require.Equal(t, job.KindUnknown, job.KindOf(err))
	require.Equal(t, 0, retries)
}

func TestSupervisor_SubmitUnknownFunction(t *testing.T) {
	s, _ := newTestSupervisor(t)

	_, err := s.Submit("does-not-exist", nil)
	require.ErrorIs(t, err, job.ErrUnknownFn)
}

func TestSupervisor_SubmitAfterStopIsRejected(t *testing.T) {
	b := bus.New()
	s := New(Config{NumWorkers: 1}, b)
	require.NoError(t, s.Start())
	require.NoError(t, s.Stop(context.Background()))

	_, err := s.Submit("proc-echo", echoPayload{})
	require.ErrorIs(t, err, job.ErrPoolClosed)
}
