package procrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/shalfeiok/mlbench-jobcore/domain/job"
	"github.com/shalfeiok/mlbench-jobcore/modules/logbatch"
)

const (
	envChildMode          = "JOBCORE_CHILD_MODE"
	envChildFunc          = "JOBCORE_CHILD_FUNC"
	envChildNATSURL       = "JOBCORE_CHILD_NATS_URL"
	envChildOutSubject    = "JOBCORE_CHILD_OUT_SUBJECT"
	envChildCancelSubject = "JOBCORE_CHILD_CANCEL_SUBJECT"
)

// RunChildIfRequested must be the first statement in main(), before any
// other initialization runs. If the current process was spawned by a
// Supervisor as a job child (JOBCORE_CHILD_MODE=1 in its environment),
// it runs the registered function to completion, reports its outcome
// over NATS, and exits — main() never returns to its caller in that
// case. Otherwise it is a no-op and main() continues normally. This is
// the single-binary "re-exec with a role flag" idiom (cf. moby/moby's
// reexec package) standing in for picklable-callable multiprocessing.
func RunChildIfRequested() {
	if os.Getenv(envChildMode) != "1" {
		return
	}
	runChild()
	os.Exit(0)
}

func runChild() {
	name := os.Getenv(envChildFunc)
	fn, ok := Lookup(name)
	if !ok {
		fmt.Fprintln(os.Stderr, "procrunner: unknown registered function:", name)
		os.Exit(2)
	}

	nc, err := nats.Connect(os.Getenv(envChildNATSURL))
	if err != nil {
		fmt.Fprintln(os.Stderr, "procrunner: child could not connect to parent:", err)
		os.Exit(3)
	}
	defer nc.Close()

	outSubject := os.Getenv(envChildOutSubject)
	cancelSubject := os.Getenv(envChildCancelSubject)

	send := func(m wireMsg) {
		data, err := json.Marshal(m)
		if err != nil {
			return
		}
		_ = nc.Publish(outSubject, data)
	}

	token := &cancelToken{}
	cancelSub, err := nc.Subscribe(cancelSubject, func(*nats.Msg) { token.Set() })
	if err == nil {
		defer cancelSub.Unsubscribe()
	}

	restore := redirectChildStdio(func(line string) { send(logMsg(line)) })

	payload, _ := io.ReadAll(os.Stdin)

	progress := func(p float64, message string) { send(progressMsg(job.ClampProgress(p), message)) }

	result, runErr := safeInvoke(fn, token, progress, payload)

	restore()
	nc.Flush()

	if runErr != nil {
		if job.KindOf(runErr) == job.KindCancelled {
			send(cancelledMsg(runErr.Error()))
		} else {
			send(errorMsg(runErr.Error()))
		}
	} else {
		rm, merr := resultMsg(result)
		if merr != nil {
			send(errorMsg(fmt.Sprintf("result is not JSON-encodable: %v", merr)))
		} else {
			send(rm)
		}
	}

	// Give the publish above a chance to actually reach the broker
	// before the process exits out from under the NATS client.
	nc.FlushTimeout(500 * time.Millisecond)
}

func safeInvoke(fn ProcessFunc, token job.CancelToken, progress ProgressFunc, payload json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = job.NewError(job.KindUnknown, fmt.Errorf("panic: %v", r))
		}
	}()
	return fn(context.Background(), token, progress, payload)
}

// redirectChildStdio swaps this process's os.Stdout/os.Stderr for the
// remainder of the child's life, forwarding each captured line to
// onLine. Unlike the thread runner, a single OS process runs exactly
// one job at a time, so there is no interleaving concern and no need
// for the mutex/demux dance in modules/threadrunner.
func redirectChildStdio(onLine func(string)) (restore func()) {
	prevOut, prevErr := os.Stdout, os.Stderr
	outR, outW, err1 := os.Pipe()
	errR, errW, err2 := os.Pipe()
	if err1 != nil || err2 != nil {
		return func() {}
	}
	os.Stdout = outW
	os.Stderr = errW

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		logbatch.PumpLines(outR, onLine)
	}()
	go func() {
		defer wg.Done()
		logbatch.PumpLines(errR, onLine)
	}()

	return func() {
		os.Stdout = prevOut
		os.Stderr = prevErr
		outW.Close()
		errW.Close()
		wg.Wait()
		outR.Close()
		errR.Close()
	}
}
