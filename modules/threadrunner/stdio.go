package threadrunner

import (
	"os"
	"sync"

	"github.com/shalfeiok/mlbench-jobcore/modules/logbatch"
)

// os.Stdout/os.Stderr are package-level *os.File variables; Go has no
// mechanism to give one goroutine a private view of them while another
// goroutine keeps writing to the original; only the variable itself can
// be swapped, process-wide. captureAttempt therefore takes stdioMu and
// the returned restore func releases it; run holds it across each
// attempt's whole Func call. Attempts across the pool therefore run one
// at a time, whether or not the job writes to stdout/stderr at all, and
// captured output is never attributed to the wrong job. This is an
// accepted limitation of representing a "thread-local stdout" in a
// language where os.Stdout is one shared *os.File (see DESIGN.md).
func (r *Runner) captureAttempt(onLine func(string)) (restore func()) {
	r.stdioMu.Lock()

	prevOut, prevErr := os.Stdout, os.Stderr
	outR, outW, errOut := os.Pipe()
	errR, errW, errErr := os.Pipe()
	if errOut != nil || errErr != nil {
		closeIfNotNil(outR)
		closeIfNotNil(outW)
		closeIfNotNil(errR)
		closeIfNotNil(errW)
		r.stdioMu.Unlock()
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
		r.stdioMu.Unlock()
	}
}

func closeIfNotNil(f *os.File) {
	if f != nil {
		f.Close()
	}
}
