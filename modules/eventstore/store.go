// Package eventstore implements the append-only JSONL journal from
// spec.md §4.5: one JSON object per line, size-based rotation, and a
// pure Load that reconstructs history without ever touching the bus.
// There is no teacher file for this concern (the teacher's job data
// lives in an in-memory domain/job.Store, not a journal), so this
// package is grounded on the ambient idiom the rest of the pack uses
// for durable local state: os.OpenFile with O_APPEND, one marshaled
// record per line, exactly like cuemby-warren's raft/bbolt-backed
// stores keep their own file handles private to the owning type.
package eventstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shalfeiok/mlbench-jobcore/domain/job"
	"github.com/shalfeiok/mlbench-jobcore/internal/corelog"
	"github.com/shalfeiok/mlbench-jobcore/modules/bus"
)

const (
	// DefaultMaxBytes is the rotation threshold (spec.md §4.5: 5 MiB).
	DefaultMaxBytes = 5 * 1024 * 1024
	// DefaultMaxArchives bounds retained rotated files.
	DefaultMaxArchives = 5
)

// Config controls one journal file.
type Config struct {
	Path        string
	MaxBytes    int64
	MaxArchives int
}

func DefaultConfig(path string) Config {
	return Config{Path: path, MaxBytes: DefaultMaxBytes, MaxArchives: DefaultMaxArchives}
}

// envelope is the on-disk line shape: {"type": "...", "data": {...}, "ts": "..."}.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
	Ts   string          `json:"ts"`
}

// RawEvent is one decoded journal line, handed to Registry.Replay.
type RawEvent struct {
	Type string
	Data json.RawMessage
	Ts   time.Time
}

// Store owns the journal file handle. Append and rotation are
// best-effort: their failures are logged and swallowed, never
// propagated, per spec.md §4.5/§7. Open, Load and Close do return
// errors.
type Store struct {
	cfg Config
	log zerolog.Logger

	mu   sync.Mutex
	file *os.File
}

// Open prepares the journal for appending without reading it; call Load
// separately, before SubscribeAll, to replay prior history exactly once.
func Open(cfg Config) (*Store, error) {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.MaxArchives <= 0 {
		cfg.MaxArchives = DefaultMaxArchives
	}
	s := &Store{cfg: cfg, log: corelog.Component("eventstore")}
	if err := s.openFileLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) openFileLocked() error {
	if dir := filepath.Dir(s.cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("eventstore: create journal dir: %w", err)
		}
	}
	f, err := os.OpenFile(s.cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("eventstore: open journal: %w", err)
	}
	s.file = f
	return nil
}

// Close releases the journal file handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// Append serializes eventType/data as one journal line. It never
// returns an error to the caller; failures are logged and swallowed,
// since persistence is best-effort (spec.md §4.5, §7).
func (s *Store) Append(eventType string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		raw = []byte(fmt.Sprintf(`{"error":%q}`, truncate(fmt.Sprintf("%v", data), 1000)))
	}
	env := envelope{Type: eventType, Data: raw, Ts: time.Now().UTC().Format(time.RFC3339Nano)}
	line, err := json.Marshal(env)
	if err != nil {
		s.log.Warn().Err(err).Str("event_type", eventType).Msg("eventstore: failed to marshal envelope, dropping")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return
	}
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		s.log.Warn().Err(err).Msg("eventstore: append failed, dropping record")
		return
	}
	s.rotateIfNeededLocked()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// rotateIfNeededLocked renames the journal once it exceeds MaxBytes and
// purges archives beyond MaxArchives, oldest first. Callers must hold
// s.mu. Every failure here is logged and swallowed.
func (s *Store) rotateIfNeededLocked() {
	info, err := s.file.Stat()
	if err != nil || info.Size() < s.cfg.MaxBytes {
		return
	}

	if err := s.file.Close(); err != nil {
		s.log.Warn().Err(err).Msg("eventstore: close before rotation failed")
	}

	ext := filepath.Ext(s.cfg.Path)
	stem := strings.TrimSuffix(s.cfg.Path, ext)
	archivePath := fmt.Sprintf("%s.%s%s", stem, time.Now().UTC().Format("20060102-150405"), ext)
	if err := os.Rename(s.cfg.Path, archivePath); err != nil {
		s.log.Warn().Err(err).Msg("eventstore: rotation rename failed")
	}

	if err := s.openFileLocked(); err != nil {
		s.log.Warn().Err(err).Msg("eventstore: reopen after rotation failed")
	}

	s.purgeArchivesLocked(stem, ext)
}

func (s *Store) purgeArchivesLocked(stem, ext string) {
	matches, err := filepath.Glob(stem + ".*" + ext)
	if err != nil {
		return
	}
	type archive struct {
		path    string
		modTime time.Time
	}
	var archives []archive
	for _, m := range matches {
		fi, err := os.Stat(m)
		if err != nil {
			continue
		}
		archives = append(archives, archive{path: m, modTime: fi.ModTime()})
	}
	if len(archives) <= s.cfg.MaxArchives {
		return
	}
	sort.Slice(archives, func(i, j int) bool { return archives[i].modTime.Before(archives[j].modTime) })
	excess := len(archives) - s.cfg.MaxArchives
	for i := 0; i < excess; i++ {
		if err := os.Remove(archives[i].path); err != nil {
			s.log.Warn().Err(err).Str("path", archives[i].path).Msg("eventstore: archive purge failed")
		}
	}
}

// Load reads every well-formed line from the journal. A non-existent
// file returns an empty slice. Empty or malformed lines, and records
// missing type/data or with empty JobID/Name, are skipped silently
// (spec.md §4.5).
func (s *Store) Load() ([]RawEvent, error) {
	f, err := os.Open(s.cfg.Path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("eventstore: open journal for load: %w", err)
	}
	defer f.Close()

	var events []RawEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var env envelope
		if err := json.Unmarshal([]byte(line), &env); err != nil {
			continue
		}
		if env.Type == "" || len(env.Data) == 0 || !looksLikeObject(env.Data) {
			continue
		}
		if !hasJobIdentity(env.Data) {
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, env.Ts)
		if err != nil {
			ts = time.Time{}
		}
		events = append(events, RawEvent{Type: env.Type, Data: env.Data, Ts: ts})
	}
	return events, nil
}

func looksLikeObject(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}")
}

// hasJobIdentity rejects records with an empty JobID/Name, following
// spec.md §4.5's "empty job_id/name are skipped" in this codebase's
// JobID/Name field naming.
func hasJobIdentity(raw json.RawMessage) bool {
	var probe struct {
		JobID string `json:"JobID"`
		Name  string `json:"Name"`
		Model string `json:"Model"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	if probe.Model != "" {
		return true // Training* events key on Model, not JobID
	}
	return probe.JobID != "" && probe.Name != ""
}

// SubscribeAll wires the store to persist every Job* and Training*
// event published on b from this point forward. Call it after an
// initial Load()+Registry.Replay() so replay can never be mistaken for
// a live append.
func (s *Store) SubscribeAll(b *bus.Bus) {
	bus.Subscribe(b, func(e job.JobStarted) { s.Append("JobStarted", e) })
	bus.Subscribe(b, func(e job.JobProgress) { s.Append("JobProgress", e) })
	bus.Subscribe(b, func(e job.JobLogLine) { s.Append("JobLogLine", e) })
	bus.Subscribe(b, func(e job.JobRetrying) { s.Append("JobRetrying", e) })
	bus.Subscribe(b, func(e job.JobTimedOut) { s.Append("JobTimedOut", e) })
	bus.Subscribe(b, func(e job.JobFinished) { s.Append("JobFinished", e) })
	bus.Subscribe(b, func(e job.JobFailed) { s.Append("JobFailed", e) })
	bus.Subscribe(b, func(e job.JobCancelled) { s.Append("JobCancelled", e) })

	bus.Subscribe(b, func(e job.TrainingStarted) { s.Append("TrainingStarted", e) })
	bus.Subscribe(b, func(e job.TrainingProgress) { s.Append("TrainingProgress", e) })
	bus.Subscribe(b, func(e job.TrainingFinished) { s.Append("TrainingFinished", e) })
	bus.Subscribe(b, func(e job.TrainingFailed) { s.Append("TrainingFailed", e) })
	bus.Subscribe(b, func(e job.TrainingCancelled) { s.Append("TrainingCancelled", e) })
}
