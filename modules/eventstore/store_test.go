package eventstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shalfeiok/mlbench-jobcore/domain/job"
	"github.com/shalfeiok/mlbench-jobcore/modules/bus"
)

func TestStore_AppendAndLoadRoundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.jsonl")

	s, err := Open(DefaultConfig(path))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	s.Append("JobStarted", job.JobStarted{JobID: "j1", Name: "build", At: time.Now()})
	s.Append("JobFinished", job.JobFinished{JobID: "j1", Name: "build", Result: "ok", At: time.Now()})
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(DefaultConfig(path))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	events, err := s2.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != "JobStarted" || events[1].Type != "JobFinished" {
		t.Fatalf("unexpected event order/types: %+v", events)
	}
}

func TestStore_LoadOnMissingFileReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(DefaultConfig(filepath.Join(dir, "journal.jsonl")))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Close()

	// Remove the file Open created, to exercise Load against a missing path.
	os.Remove(s.cfg.Path)

	events, err := s.Load()
	if err != nil {
		t.Fatalf("Load on missing file should not error: %v", err)
	}
	if events != nil {
		t.Fatalf("expected nil/empty events, got %v", events)
	}
}

func TestStore_LoadSkipsMalformedAndIdentitylessLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.jsonl")

	lines := []string{
		`not even json`,
		`{"type":"JobStarted"}`,                               // missing data
		`{"type":"JobStarted","data":[1,2,3],"ts":"bad"}`,      // data not an object
		`{"type":"JobStarted","data":{},"ts":"2024-01-01T00:00:00Z"}`, // empty job_id/name
		``, // blank line
		mustLine(t, "JobStarted", job.JobStarted{JobID: "j1", Name: "build", At: time.Now()}),
	}
	if err := os.WriteFile(path, []byte(joinLines(lines)), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	s, err := Open(DefaultConfig(path))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	events, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly 1 well-formed event, got %d: %+v", len(events), events)
	}
}

// Training events key on Model rather than JobID/Name and must survive
// the identity check.
func TestStore_LoadAcceptsTrainingEvents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.jsonl")

	s, err := Open(DefaultConfig(path))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Append("TrainingStarted", job.TrainingStarted{Model: "resnet50", At: time.Now()})
	s.Close()

	s2, _ := Open(DefaultConfig(path))
	defer s2.Close()
	events, err := s2.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(events) != 1 || events[0].Type != "TrainingStarted" {
		t.Fatalf("expected training event preserved, got %+v", events)
	}
}

// Property 9: the journal never grows past MaxBytes for long, and no
// more than MaxArchives rotated files accumulate.
func TestStore_RotatesOnSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.jsonl")

	cfg := Config{Path: path, MaxBytes: 512, MaxArchives: 2}
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	for i := 0; i < 200; i++ {
		s.Append("JobLogLine", job.JobLogLine{JobID: "j1", Line: "a reasonably sized log line to force rotation", At: time.Now()})
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat current journal: %v", err)
	}
	if info.Size() > cfg.MaxBytes*2 {
		t.Fatalf("current journal grew unexpectedly large: %d bytes", info.Size())
	}

	archives, err := filepath.Glob(filepath.Join(dir, "journal.*.jsonl"))
	if err != nil {
		t.Fatalf("glob archives: %v", err)
	}
	if len(archives) > cfg.MaxArchives {
		t.Fatalf("expected at most %d archives, got %d: %v", cfg.MaxArchives, len(archives), archives)
	}
	if len(archives) == 0 {
		t.Fatalf("expected at least one rotation to have occurred")
	}
}

// SubscribeAll persists every published Job*/Training* event exactly
// once, matching what Load then reports.
func TestStore_SubscribeAllPersistsLiveEvents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.jsonl")

	s, err := Open(DefaultConfig(path))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	b := bus.New()
	s.SubscribeAll(b)

	bus.Publish(b, job.JobStarted{JobID: "j1", Name: "build", At: time.Now()})
	bus.Publish(b, job.JobProgress{JobID: "j1", Name: "build", Progress: 0.5, At: time.Now()})
	bus.Publish(b, job.JobFinished{JobID: "j1", Name: "build", Result: "ok", At: time.Now()})

	events, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 persisted events, got %d", len(events))
	}
}

func mustLine(t *testing.T, eventType string, data any) string {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal data: %v", err)
	}
	env := envelope{Type: eventType, Data: raw, Ts: time.Now().UTC().Format(time.RFC3339Nano)}
	line, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return string(line)
}

func joinLines(lines []string) string {
	out := ""
	for _, l := range lines {
		out += l + "\n"
	}
	return out
}
