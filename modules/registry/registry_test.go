package registry

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shalfeiok/mlbench-jobcore/domain/job"
	"github.com/shalfeiok/mlbench-jobcore/modules/bus"
	"github.com/shalfeiok/mlbench-jobcore/modules/eventstore"
)

func newTestRegistry() (*Registry, *bus.Bus) {
	b := bus.New()
	return New(DefaultConfig(), b), b
}

func TestRegistry_StartedThenFinished(t *testing.T) {
	r, b := newTestRegistry()
	now := time.Now()

	bus.Publish(b, job.JobStarted{JobID: "j1", Name: "build", At: now})
	bus.Publish(b, job.JobProgress{JobID: "j1", Progress: 0.5, Message: "halfway", At: now})
	bus.Publish(b, job.JobFinished{JobID: "j1", Result: "ok", At: now})

	rec := r.Get("j1")
	if rec == nil {
		t.Fatalf("expected record j1")
	}
	if rec.Status != job.StatusFinished {
		t.Fatalf("expected finished, got %s", rec.Status)
	}
	if rec.Progress != 1.0 {
		t.Fatalf("expected progress 1.0 on finish, got %v", rec.Progress)
	}
	if rec.FinishedAt == nil {
		t.Fatalf("expected FinishedAt set")
	}
}

// Property 2: once a job reaches a terminal status, later terminal
// events must not override it.
func TestRegistry_OneAndOnlyTerminal(t *testing.T) {
	r, b := newTestRegistry()
	now := time.Now()

	bus.Publish(b, job.JobStarted{JobID: "j1", Name: "build", At: now})
	bus.Publish(b, job.JobFinished{JobID: "j1", Result: "ok", At: now})
	bus.Publish(b, job.JobFailed{JobID: "j1", Error: "late failure", At: now})

	rec := r.Get("j1")
	if rec.Status != job.StatusFinished {
		t.Fatalf("a later terminal event overrode the first one; got %s", rec.Status)
	}
	// The registry ignores every terminal event after the first one for
	// a job_id; the runners also publish exactly one terminal event per
	// job_id.
}

// A duplicate JobStarted (e.g. replay after a crash mid-run) must not
// reset progress or logs already recorded.
func TestRegistry_DuplicateJobStartedIsIdempotent(t *testing.T) {
	r, b := newTestRegistry()
	now := time.Now()

	bus.Publish(b, job.JobStarted{JobID: "j1", Name: "build", At: now})
	bus.Publish(b, job.JobProgress{JobID: "j1", Progress: 0.7, Message: "working", At: now})
	bus.Publish(b, job.JobLogLine{JobID: "j1", Line: "line one", At: now})

	bus.Publish(b, job.JobStarted{JobID: "j1", Name: "build (renamed)", At: now})

	rec := r.Get("j1")
	if rec.Progress != 0.7 {
		t.Fatalf("duplicate JobStarted reset progress: %v", rec.Progress)
	}
	if len(rec.Logs) != 1 || rec.Logs[0] != "line one" {
		t.Fatalf("duplicate JobStarted reset logs: %v", rec.Logs)
	}
	if rec.Name != "build (renamed)" {
		t.Fatalf("expected name refreshed on duplicate start, got %q", rec.Name)
	}
	if rec.Status != job.StatusRunning {
		t.Fatalf("expected status unchanged (running), got %s", rec.Status)
	}
}

// Unknown job_ids are ignored rather than creating partial records.
func TestRegistry_EventsForUnknownJobAreIgnored(t *testing.T) {
	r, b := newTestRegistry()
	now := time.Now()

	bus.Publish(b, job.JobProgress{JobID: "ghost", Progress: 0.2, At: now})
	bus.Publish(b, job.JobFinished{JobID: "ghost", At: now})

	if rec := r.Get("ghost"); rec != nil {
		t.Fatalf("expected no record for an unknown job_id, got %+v", rec)
	}
}

// SetRerun/SetCancel attached before JobStarted arrives (submit->start
// race) must surface once the job appears.
func TestRegistry_PendingHooksAttachOnStart(t *testing.T) {
	r, b := newTestRegistry()
	now := time.Now()

	called := false
	r.SetCancel("j1", func() { called = true })

	bus.Publish(b, job.JobStarted{JobID: "j1", Name: "build", At: now})

	rec := r.Get("j1")
	if rec.Cancel == nil {
		t.Fatalf("expected cancel hook attached on JobStarted")
	}
	rec.Cancel()
	if !called {
		t.Fatalf("expected attached cancel hook to be callable")
	}
}

// S8: Training supersession. TrainingStarted(m1) then TrainingStarted(m2)
// without a terminal for m1 marks m1 cancelled with the supersession
// message, leaves m2 running, and assigns them distinct job_ids.
func TestRegistry_TrainingSupersession(t *testing.T) {
	r, b := newTestRegistry()
	t0 := time.Now()
	t1 := t0.Add(time.Second)

	bus.Publish(b, job.TrainingStarted{Model: "resnet50", At: t0})

	var firstID string
	for _, rec := range r.List() {
		if rec.Name == job.TrainingJobName("resnet50") {
			firstID = rec.JobID
		}
	}
	if firstID == "" {
		t.Fatalf("expected a synthetic record for the first training run")
	}

	bus.Publish(b, job.TrainingStarted{Model: "resnet50", At: t1})

	var secondID string
	var runningCount int
	for _, rec := range r.List() {
		if rec.Name != job.TrainingJobName("resnet50") {
			continue
		}
		if rec.JobID == firstID {
			if rec.Status != job.StatusCancelled {
				t.Fatalf("expected first training job cancelled, got %s", rec.Status)
			}
			if rec.Message != "superseded by a new training run" {
				t.Fatalf("unexpected supersession message: %q", rec.Message)
			}
			continue
		}
		secondID = rec.JobID
		runningCount++
	}
	if secondID == "" {
		t.Fatalf("expected a second synthetic record")
	}
	if secondID == firstID {
		t.Fatalf("expected distinct job_ids for superseded training runs")
	}
	if runningCount != 1 {
		t.Fatalf("expected exactly one running record for the second run, got %d", runningCount)
	}

	rec := r.Get(secondID)
	if rec.Status != job.StatusRunning {
		t.Fatalf("expected second training run running, got %s", rec.Status)
	}
}

// TrainingStarted for a model whose prior run already reached a terminal
// status must not mark it cancelled a second time.
func TestRegistry_TrainingSupersessionSkipsAlreadyTerminal(t *testing.T) {
	r, b := newTestRegistry()
	t0 := time.Now()

	bus.Publish(b, job.TrainingStarted{Model: "resnet50", At: t0})
	bus.Publish(b, job.TrainingFinished{Model: "resnet50", Result: "done", At: t0})

	var firstID string
	for _, rec := range r.List() {
		if rec.Name == job.TrainingJobName("resnet50") {
			firstID = rec.JobID
		}
	}

	bus.Publish(b, job.TrainingStarted{Model: "resnet50", At: t0.Add(time.Second)})

	rec := r.Get(firstID)
	if rec.Status != job.StatusFinished {
		t.Fatalf("expected already-finished run to stay finished, got %s", rec.Status)
	}
	if rec.Message == "superseded by a new training run" {
		t.Fatalf("an already-terminal run must not be retroactively superseded")
	}
}

// Training bridge events (progress/finished/failed) route to the
// currently active synthetic job for that model.
func TestRegistry_TrainingProgressAndFinish(t *testing.T) {
	r, b := newTestRegistry()
	now := time.Now()

	bus.Publish(b, job.TrainingStarted{Model: "bert", At: now})
	bus.Publish(b, job.TrainingProgress{Model: "bert", Progress: 0.3, Message: "epoch 1", At: now})

	var id string
	for _, rec := range r.List() {
		if rec.Name == job.TrainingJobName("bert") {
			id = rec.JobID
		}
	}
	rec := r.Get(id)
	if rec.Progress != 0.3 || rec.Message != "epoch 1" {
		t.Fatalf("unexpected training progress state: %+v", rec)
	}

	bus.Publish(b, job.TrainingFinished{Model: "bert", Result: 0.97, At: now})
	rec = r.Get(id)
	if rec.Status != job.StatusFinished {
		t.Fatalf("expected training job finished, got %s", rec.Status)
	}
}

// Property 10: any job submitted after the registry has subscribed is
// visible via Get/List. New subscribes inside its own constructor, so a
// composition root that builds the registry before any runner already
// satisfies this; this test only pins the behavior the invariant relies
// on.
func TestRegistry_VisibleImmediatelyAfterConstruction(t *testing.T) {
	b := bus.New()
	r := New(DefaultConfig(), b)

	bus.Publish(b, job.JobStarted{JobID: "j1", Name: "build", At: time.Now()})

	if r.Get("j1") == nil {
		t.Fatalf("expected job visible immediately: New must subscribe before any event is published")
	}
}

// Eviction: records beyond MaxJobs are dropped oldest-first.
func TestRegistry_EvictsOldestBeyondMaxJobs(t *testing.T) {
	b := bus.New()
	r := New(Config{MaxJobs: 2, LogCap: job.DefaultLogCap}, b)
	now := time.Now()

	bus.Publish(b, job.JobStarted{JobID: "j1", Name: "a", At: now})
	bus.Publish(b, job.JobStarted{JobID: "j2", Name: "b", At: now})
	bus.Publish(b, job.JobStarted{JobID: "j3", Name: "c", At: now})

	if r.Get("j1") != nil {
		t.Fatalf("expected oldest record j1 evicted")
	}
	if r.Get("j2") == nil || r.Get("j3") == nil {
		t.Fatalf("expected j2 and j3 to remain")
	}
}

// Replay reconstructs the same state a live run would have reached, and
// does it without going through the bus (no publish, no re-append).
func TestRegistry_ReplayReconstructsState(t *testing.T) {
	live, liveBus := newTestRegistry()
	now := time.Now()

	bus.Publish(liveBus, job.JobStarted{JobID: "j1", Name: "build", At: now})
	bus.Publish(liveBus, job.JobProgress{JobID: "j1", Progress: 0.4, Message: "working", At: now})
	bus.Publish(liveBus, job.JobLogLine{JobID: "j1", Line: "compiling", At: now})
	bus.Publish(liveBus, job.JobFinished{JobID: "j1", Result: "ok", At: now})

	events := []eventstore.RawEvent{
		{Type: "JobStarted", Data: mustJSON(t, job.JobStarted{JobID: "j1", Name: "build", At: now})},
		{Type: "JobProgress", Data: mustJSON(t, job.JobProgress{JobID: "j1", Progress: 0.4, Message: "working", At: now})},
		{Type: "JobLogLine", Data: mustJSON(t, job.JobLogLine{JobID: "j1", Line: "compiling", At: now})},
		{Type: "JobFinished", Data: mustJSON(t, job.JobFinished{JobID: "j1", Result: "ok", At: now})},
	}

	replayed, replayedBus := newTestRegistry()
	_ = replayedBus
	applied := replayed.Replay(events)
	if applied != len(events) {
		t.Fatalf("expected all %d events applied, got %d", len(events), applied)
	}

	got := replayed.Get("j1")
	want := live.Get("j1")
	if got.Status != want.Status || got.Progress != want.Progress || len(got.Logs) != len(want.Logs) {
		t.Fatalf("replayed state diverged from live state: got %+v, want %+v", got, want)
	}
}

// An event of an unrecognized type is skipped, not fatal to the rest of
// the journal.
func TestRegistry_ReplaySkipsUnknownEventType(t *testing.T) {
	r, _ := newTestRegistry()
	now := time.Now()

	events := []eventstore.RawEvent{
		{Type: "JobStarted", Data: mustJSON(t, job.JobStarted{JobID: "j1", Name: "build", At: now})},
		{Type: "SomeFutureEvent", Data: []byte(`{"whatever":true}`)},
	}

	applied := r.Replay(events)
	if applied != 1 {
		t.Fatalf("expected exactly 1 recognized event applied, got %d", applied)
	}
	if r.Get("j1") == nil {
		t.Fatalf("expected j1 reconstructed despite trailing unknown event")
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}
