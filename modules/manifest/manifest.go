// Package manifest writes the per-job artifact manifest described in
// spec.md §6 "Run manifest": one run_manifest.json per job under the
// state directory, plus a job_id->directory index. It is grounded on
// the teacher's explicit struct-to-JSON response building in
// modules/api/handlers.go (toJobResponse) rather than any reflection
// -based serializer: a manifest is just a struct marshaled to a file.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shalfeiok/mlbench-jobcore/internal/corelog"
)

// Environment is the environment snapshot recorded in every manifest.
type Environment struct {
	GoVersion string            `json:"go_version"`
	OS        string            `json:"os"`
	Arch      string            `json:"arch"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// CollectEnvironment gathers the ambient runtime environment. extra
// carries caller-supplied details such as accelerator/driver versions.
func CollectEnvironment(extra map[string]string) Environment {
	return Environment{
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Extra:     extra,
	}
}

// Manifest is the on-disk shape of run_manifest.json.
type Manifest struct {
	RunType     string            `json:"run_type"`
	Timestamp   string            `json:"timestamp"` // ISO-8601 UTC
	JobID       string            `json:"job_id"`
	Spec        any               `json:"spec"`
	Environment Environment       `json:"environment"`
	VCSRevision string            `json:"vcs_revision,omitempty"`
	Artifacts   map[string]string `json:"artifacts,omitempty"`
}

type indexFile struct {
	// JobDirs maps job_id to its run directory, relative to the index
	// file's own directory.
	JobDirs map[string]string `json:"job_dirs"`
}

// Writer writes manifests and maintains runs/index.json under a single
// state directory root. It is safe for concurrent use.
type Writer struct {
	root string
	log  zerolog.Logger

	mu sync.Mutex
}

// New returns a Writer rooted at <stateDir>/runs.
func New(stateDir string) *Writer {
	return &Writer{root: filepath.Join(stateDir, "runs"), log: corelog.Component("manifest")}
}

// WriteStart writes <root>/<job_id>/run_manifest.json and registers the
// job in <root>/index.json. artifacts may be nil or filled in later via
// WriteArtifacts.
func (w *Writer) WriteStart(jobID, runType string, spec any, env Environment, vcsRevision string) error {
	if jobID == "" {
		return fmt.Errorf("manifest: job_id is required")
	}

	m := Manifest{
		RunType:     runType,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		JobID:       jobID,
		Spec:        spec,
		Environment: env,
		VCSRevision: vcsRevision,
	}

	dir := filepath.Join(w.root, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("manifest: create run dir: %w", err)
	}
	if err := writeJSONFile(filepath.Join(dir, "run_manifest.json"), m); err != nil {
		return fmt.Errorf("manifest: write run_manifest.json: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.updateIndexLocked(jobID, jobID)
}

// WriteArtifacts overwrites the artifacts map on an existing manifest.
func (w *Writer) WriteArtifacts(jobID string, artifacts map[string]string) error {
	path := filepath.Join(w.root, jobID, "run_manifest.json")

	w.mu.Lock()
	defer w.mu.Unlock()

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("manifest: read existing manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("manifest: decode existing manifest: %w", err)
	}
	m.Artifacts = artifacts
	return writeJSONFile(path, m)
}

// Read loads the manifest for jobID.
func (w *Writer) Read(jobID string) (Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(w.root, jobID, "run_manifest.json"))
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("manifest: decode: %w", err)
	}
	return m, nil
}

func (w *Writer) updateIndexLocked(jobID, dir string) error {
	indexPath := filepath.Join(w.root, "index.json")

	idx := indexFile{JobDirs: map[string]string{}}
	if raw, err := os.ReadFile(indexPath); err == nil {
		_ = json.Unmarshal(raw, &idx)
		if idx.JobDirs == nil {
			idx.JobDirs = map[string]string{}
		}
	}
	idx.JobDirs[jobID] = dir

	return writeJSONFile(indexPath, idx)
}

func writeJSONFile(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

// StateDir resolves the directory used for runs/ and other on-disk
// state, preferring <projectRoot>/.app_state when it is writable and
// otherwise an OS user-data directory (spec.md §3 "State directory
// discovery").
func StateDir(projectRoot string) string {
	candidate := filepath.Join(projectRoot, ".app_state")
	if err := os.MkdirAll(candidate, 0o755); err == nil && writableDir(candidate) {
		return candidate
	}

	base, err := os.UserConfigDir()
	if err != nil {
		base = os.TempDir()
	}
	fallback := filepath.Join(base, "mlbench-jobcore")
	_ = os.MkdirAll(fallback, 0o755)
	return fallback
}

func writableDir(dir string) bool {
	probe := filepath.Join(dir, ".write_probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return false
	}
	os.Remove(probe)
	return true
}
