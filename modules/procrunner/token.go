package procrunner

import "sync/atomic"

// cancelToken is the job.CancelToken used on both sides of the process
// boundary: the parent's copy only ever records "cancel requested", the
// child's copy is set by its own subscription to the cancel subject.
// Neither copy is shared memory across the fork/exec boundary; the
// cross-process signal is the NATS cancel subject itself (spec.md §4.3
// "a cross-process boolean event shared with the child").
type cancelToken struct {
	flag atomic.Bool
}

func (c *cancelToken) Set()        { c.flag.Store(true) }
func (c *cancelToken) IsSet() bool { return c.flag.Load() }
