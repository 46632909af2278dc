// Package registry holds the fast in-memory index of job state,
// reconstructed purely from the event bus (spec.md §4.4). It is
// grounded on the teacher's domain/job.Store (map[string]*Job guarded by
// a sync.RWMutex, copy-out Get/List, domain/job/store.go), generalized
// from direct CRUD calls made by a worker pool into a pure event-bus
// subscriber that never calls back into the bus or an event store: the
// registry only ever reacts.
package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shalfeiok/mlbench-jobcore/domain/job"
	"github.com/shalfeiok/mlbench-jobcore/internal/corelog"
	"github.com/shalfeiok/mlbench-jobcore/modules/bus"
	"github.com/shalfeiok/mlbench-jobcore/modules/eventstore"
)

// Config controls retention.
type Config struct {
	MaxJobs int
	LogCap  int
}

func DefaultConfig() Config {
	return Config{MaxJobs: job.DefaultMaxJobs, LogCap: job.DefaultLogCap}
}

type pendingHooks struct {
	rerun  func()
	cancel func()
}

// Registry is an event-sourced index of every job's latest known state.
// Construct it and let New subscribe to the bus before any runner is
// built or any job submitted — the wiring invariant from spec.md §4.4.
type Registry struct {
	cfg Config
	log zerolog.Logger
	bus *bus.Bus

	mu             sync.RWMutex
	records        map[string]*job.Record
	order          []string // job_id insertion order, oldest first
	pending        map[string]*pendingHooks
	pendingOrder   []string
	activeTraining map[string]string // model -> job_id of its running synthetic record
}

// New creates a Registry and immediately subscribes it to every Job*
// and Training* event on b.
func New(cfg Config, b *bus.Bus) *Registry {
	if cfg.MaxJobs <= 0 {
		cfg.MaxJobs = job.DefaultMaxJobs
	}
	if cfg.LogCap <= 0 {
		cfg.LogCap = job.DefaultLogCap
	}
	r := &Registry{
		cfg:            cfg,
		log:            corelog.Component("registry"),
		bus:            b,
		records:        make(map[string]*job.Record),
		pending:        make(map[string]*pendingHooks),
		activeTraining: make(map[string]string),
	}

	bus.Subscribe(b, r.onJobStarted)
	bus.Subscribe(b, r.onJobProgress)
	bus.Subscribe(b, r.onJobLogLine)
	bus.Subscribe(b, r.onJobRetrying)
	bus.Subscribe(b, r.onJobTimedOut)
	bus.Subscribe(b, r.onJobFinished)
	bus.Subscribe(b, r.onJobFailed)
	bus.Subscribe(b, r.onJobCancelled)

	bus.Subscribe(b, r.onTrainingStarted)
	bus.Subscribe(b, r.onTrainingProgress)
	bus.Subscribe(b, r.onTrainingFinished)
	bus.Subscribe(b, r.onTrainingFailed)
	bus.Subscribe(b, r.onTrainingCancelled)

	return r
}

// Get returns a deep-enough copy of the record, or nil if unknown.
func (r *Registry) Get(jobID string) *job.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.records[jobID].Clone()
}

// List returns every known record, ordered by StartedAt descending.
func (r *Registry) List() []*job.Record {
	r.mu.RLock()
	out := make([]*job.Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// SetRerun attaches a rerun hook to jobID, to be surfaced on its next
// Get/List snapshot. If the record does not exist yet (submit->start
// race), the hook is held in a bounded pending map and attached at the
// job's JobStarted. An empty jobID is silently ignored.
func (r *Registry) SetRerun(jobID string, op func()) {
	r.attachHook(jobID, func(h *pendingHooks) { h.rerun = op }, func(rec *job.Record) { rec.Rerun = op })
}

// SetCancel attaches a cancel hook, with the same semantics as SetRerun.
func (r *Registry) SetCancel(jobID string, op func()) {
	r.attachHook(jobID, func(h *pendingHooks) { h.cancel = op }, func(rec *job.Record) { rec.Cancel = op })
}

func (r *Registry) attachHook(jobID string, setPending func(*pendingHooks), setRecord func(*job.Record)) {
	if jobID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[jobID]; ok {
		setRecord(rec)
		return
	}
	h, ok := r.pending[jobID]
	if !ok {
		h = &pendingHooks{}
		r.pending[jobID] = h
		r.pendingOrder = append(r.pendingOrder, jobID)
		r.evictPendingLocked()
	}
	setPending(h)
}

// Clear drops every record and pending hook.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = make(map[string]*job.Record)
	r.order = nil
	r.pending = make(map[string]*pendingHooks)
	r.pendingOrder = nil
	r.activeTraining = make(map[string]string)
}

// --- Job* event handlers ---

func (r *Registry) onJobStarted(e job.JobStarted) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureStartedLocked(e.JobID, e.Name, e.At)
}

// ensureStartedLocked implements the JobStarted handler's idempotent
// create-or-refresh semantics; callers must hold r.mu.
func (r *Registry) ensureStartedLocked(jobID, name string, at time.Time) *job.Record {
	if rec, ok := r.records[jobID]; ok {
		rec.Name = name
		r.attachPendingLocked(jobID, rec)
		return rec
	}

	rec := &job.Record{
		JobID:     jobID,
		Name:      name,
		Status:    job.StatusRunning,
		StartedAt: at,
	}
	r.records[jobID] = rec
	r.order = append(r.order, jobID)
	r.attachPendingLocked(jobID, rec)
	r.evictRecordsLocked()
	return rec
}

func (r *Registry) attachPendingLocked(jobID string, rec *job.Record) {
	h, ok := r.pending[jobID]
	if !ok {
		return
	}
	if h.rerun != nil {
		rec.Rerun = h.rerun
	}
	if h.cancel != nil {
		rec.Cancel = h.cancel
	}
	delete(r.pending, jobID)
	for i, id := range r.pendingOrder {
		if id == jobID {
			r.pendingOrder = append(r.pendingOrder[:i], r.pendingOrder[i+1:]...)
			break
		}
	}
}

func (r *Registry) evictRecordsLocked() {
	for len(r.order) > r.cfg.MaxJobs {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.records, oldest)
	}
}

func (r *Registry) evictPendingLocked() {
	for len(r.pendingOrder) > r.cfg.MaxJobs {
		oldest := r.pendingOrder[0]
		r.pendingOrder = r.pendingOrder[1:]
		delete(r.pending, oldest)
	}
}

func (r *Registry) onJobProgress(e job.JobProgress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[e.JobID]
	if !ok {
		return
	}
	rec.Progress = e.Progress
	rec.Message = e.Message
}

func (r *Registry) onJobLogLine(e job.JobLogLine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[e.JobID]
	if !ok {
		return
	}
	rec.AppendLog(e.Line, r.cfg.LogCap)
}

func (r *Registry) onJobRetrying(e job.JobRetrying) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[e.JobID]
	if !ok {
		return
	}
	rec.Status = job.StatusRetrying
	rec.Message = fmt.Sprintf("retry %d/%d: %s", e.Attempt, e.MaxAttempts, e.Error)
}

func (r *Registry) onJobTimedOut(e job.JobTimedOut) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[e.JobID]
	if !ok || rec.Status.Terminal() {
		return
	}
	rec.Status = job.StatusTimedOut
	rec.Error = fmt.Sprintf("timeout after %gs", e.TimeoutSec)
	now := e.At
	rec.FinishedAt = &now
}

func (r *Registry) onJobFinished(e job.JobFinished) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[e.JobID]
	if !ok || rec.Status.Terminal() {
		return
	}
	rec.Status = job.StatusFinished
	rec.Progress = 1.0
	now := e.At
	rec.FinishedAt = &now
}

func (r *Registry) onJobFailed(e job.JobFailed) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[e.JobID]
	if !ok || rec.Status.Terminal() {
		return
	}
	rec.Status = job.StatusFailed
	rec.Error = e.Error
	now := e.At
	rec.FinishedAt = &now
}

func (r *Registry) onJobCancelled(e job.JobCancelled) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[e.JobID]
	if !ok || rec.Status.Terminal() {
		return
	}
	rec.Status = job.StatusCancelled
	now := e.At
	rec.FinishedAt = &now
}

// --- Training bridge: Training* events mapped onto synthetic Job*
// state under the "Training: <model>" name (spec.md §4.4). ---

func (r *Registry) onTrainingStarted(e job.TrainingStarted) {
	name := job.TrainingJobName(e.Model)

	r.mu.Lock()
	defer r.mu.Unlock()

	if priorID, ok := r.activeTraining[e.Model]; ok {
		if rec, ok := r.records[priorID]; ok && !rec.Status.Terminal() {
			rec.Status = job.StatusCancelled
			rec.Message = "superseded by a new training run"
			now := e.At
			rec.FinishedAt = &now
		}
	}

	newID := uuid.NewString()
	r.activeTraining[e.Model] = newID
	r.ensureStartedLocked(newID, name, e.At)
}

func (r *Registry) onTrainingProgress(e job.TrainingProgress) {
	jobID, ok := r.trainingJobID(e.Model)
	if !ok {
		return
	}
	r.onJobProgress(job.JobProgress{JobID: jobID, Name: job.TrainingJobName(e.Model), Progress: e.Progress, Message: e.Message, At: e.At})
}

func (r *Registry) onTrainingFinished(e job.TrainingFinished) {
	jobID, ok := r.trainingJobID(e.Model)
	if !ok {
		return
	}
	r.onJobFinished(job.JobFinished{JobID: jobID, Name: job.TrainingJobName(e.Model), Result: e.Result, At: e.At})
}

func (r *Registry) onTrainingFailed(e job.TrainingFailed) {
	jobID, ok := r.trainingJobID(e.Model)
	if !ok {
		return
	}
	r.onJobFailed(job.JobFailed{JobID: jobID, Name: job.TrainingJobName(e.Model), Error: e.Error, At: e.At})
}

// onTrainingCancelled cancels the synthetic job, surfacing a non-empty
// Message as the record's final Message; the journaled TrainingCancelled
// event carries it, so replay preserves the reason (spec.md §4.4).
func (r *Registry) onTrainingCancelled(e job.TrainingCancelled) {
	jobID, ok := r.trainingJobID(e.Model)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[jobID]
	if !ok || rec.Status.Terminal() {
		return
	}
	if e.Message != "" {
		rec.Message = e.Message
	}
	rec.Status = job.StatusCancelled
	now := e.At
	rec.FinishedAt = &now
}

func (r *Registry) trainingJobID(model string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.activeTraining[model]
	return id, ok
}

// --- Replay: reconstruct state from a journal without touching the bus ---

// Replay applies each RawEvent in order through the same handlers a live
// subscription would use, but never publishes to the bus and never
// appends back to a store: replay is pure reconstruction (spec.md §4.5).
// Events of an unrecognized type are skipped, keeping old journals
// readable by a newer binary that dropped an event kind. It returns the
// count of events it recognized and applied.
func (r *Registry) Replay(events []eventstore.RawEvent) int {
	applied := 0
	for _, e := range events {
		if r.replayOne(e.Type, e.Data) {
			applied++
		}
	}
	return applied
}

func (r *Registry) replayOne(eventType string, data json.RawMessage) bool {
	switch eventType {
	case "JobStarted":
		var e job.JobStarted
		if json.Unmarshal(data, &e) != nil {
			return false
		}
		r.onJobStarted(e)
	case "JobProgress":
		var e job.JobProgress
		if json.Unmarshal(data, &e) != nil {
			return false
		}
		r.onJobProgress(e)
	case "JobLogLine":
		var e job.JobLogLine
		if json.Unmarshal(data, &e) != nil {
			return false
		}
		r.onJobLogLine(e)
	case "JobRetrying":
		var e job.JobRetrying
		if json.Unmarshal(data, &e) != nil {
			return false
		}
		r.onJobRetrying(e)
	case "JobTimedOut":
		var e job.JobTimedOut
		if json.Unmarshal(data, &e) != nil {
			return false
		}
		r.onJobTimedOut(e)
	case "JobFinished":
		var e job.JobFinished
		if json.Unmarshal(data, &e) != nil {
			return false
		}
		r.onJobFinished(e)
	case "JobFailed":
		var e job.JobFailed
		if json.Unmarshal(data, &e) != nil {
			return false
		}
		r.onJobFailed(e)
	case "JobCancelled":
		var e job.JobCancelled
		if json.Unmarshal(data, &e) != nil {
			return false
		}
		r.onJobCancelled(e)
	case "TrainingStarted":
		var e job.TrainingStarted
		if json.Unmarshal(data, &e) != nil {
			return false
		}
		r.onTrainingStarted(e)
	case "TrainingProgress":
		var e job.TrainingProgress
		if json.Unmarshal(data, &e) != nil {
			return false
		}
		r.onTrainingProgress(e)
	case "TrainingFinished":
		var e job.TrainingFinished
		if json.Unmarshal(data, &e) != nil {
			return false
		}
		r.onTrainingFinished(e)
	case "TrainingFailed":
		var e job.TrainingFailed
		if json.Unmarshal(data, &e) != nil {
			return false
		}
		r.onTrainingFailed(e)
	case "TrainingCancelled":
		var e job.TrainingCancelled
		if json.Unmarshal(data, &e) != nil {
			return false
		}
		r.onTrainingCancelled(e)
	default:
		return false
	}
	return true
}
