package procrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/shalfeiok/mlbench-jobcore/domain/job"
)

// ProgressFunc lets a running child job report fractional progress;
// the child wire-encodes it as a ("progress", f, msg) message.
type ProgressFunc func(fraction float64, message string)

// ProcessFunc is a picklable callable's Go equivalent: a named, package-
// level function, registered once at init time, that receives its
// arguments as a JSON payload instead of a captured closure (closures
// cannot cross a process boundary). Grounded on the registration idiom
// of encoding/gob.Register and database/sql.Register: the name is the
// only thing that travels across the fork/exec boundary, looked back up
// in the (re-executed) child.
type ProcessFunc func(ctx context.Context, token job.CancelToken, progress ProgressFunc, payload json.RawMessage) (any, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]ProcessFunc{}
)

// Register associates fn with name for use by Supervisor.Submit and by
// the re-exec'd child. It panics on a duplicate name, matching
// database/sql.Register's fail-fast-at-init-time behavior: a duplicate
// registration is a programming error, not a runtime condition to
// recover from.
func Register(name string, fn ProcessFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("procrunner: function %q already registered", name))
	}
	registry[name] = fn
}

// Lookup returns the function registered under name, if any.
func Lookup(name string) (ProcessFunc, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	fn, ok := registry[name]
	return fn, ok
}
