// Package config normalizes the integrations-config JSON file (spec.md
// §3 "Integrations config", §6). Migrate is a pure function stepping
// v0->v1->v2, grounded on the teacher's explicit, no-schema-library
// validate-and-default style in domain/job.CreateJobRequest.Validate:
// small, readable conditionals rather than a generic JSON-schema
// migration framework.
package config

import "fmt"

// SchemaVersion is the latest schema version Migrate produces.
const SchemaVersion = 2

// sections is the fixed set of top-level sections a normalized config
// always carries.
var sections = []string{
	"albumentations", "comet", "dvc", "sagemaker", "kfold", "tuning",
	"model_export", "sahi", "seg_isolation", "model_validation",
	"ultralytics_solutions", "detection_output",
}

// legacyRenames maps a legacy section name to its current name.
var legacyRenames = map[string]string{
	"segmentation_isolation": "seg_isolation",
	"ultralytics":            "ultralytics_solutions",
}

// JobsPolicy is the "jobs" section's shape.
type JobsPolicy struct {
	DefaultTimeoutSec float64 `json:"default_timeout_sec"`
	Retries           int     `json:"retries"`
	RetryBackoffSec   float64 `json:"retry_backoff_sec"`
	RetryJitter       float64 `json:"retry_jitter"`
	RetryDeadlineSec  float64 `json:"retry_deadline_sec"`
}

func defaultJobsPolicy() JobsPolicy {
	return JobsPolicy{
		DefaultTimeoutSec: 0,
		Retries:           0,
		RetryBackoffSec:   0.75,
		RetryJitter:       0.3,
		RetryDeadlineSec:  0,
	}
}

// Normalized is the fully migrated config, always at SchemaVersion.
type Normalized struct {
	SchemaVersion int            `json:"schema_version"`
	Jobs          JobsPolicy     `json:"jobs"`
	Sections      map[string]any `json:"-"` // the fixed sections below, addressable by name
}

// Migrate accepts arbitrary input (typically the result of
// json.Unmarshal into map[string]any) and returns a normalized config.
// Non-mapping input produces an empty normalized mapping with defaults
// rather than an error: the migrator never fails closed (spec.md §8
// property 12).
func Migrate(input any) Normalized {
	m, ok := input.(map[string]any)
	if !ok {
		m = map[string]any{}
	}

	m = migrateV0ToV1(m)
	m = migrateV1ToV2(m)

	out := Normalized{
		SchemaVersion: SchemaVersion,
		Sections:      map[string]any{},
	}
	out.Jobs = extractJobsPolicy(m)

	for _, name := range sections {
		if v, ok := m[name]; ok {
			out.Sections[name] = v
		} else {
			out.Sections[name] = map[string]any{}
		}
	}
	return out
}

// migrateV0ToV1 adds schema_version and renames legacy section names.
// v0 configs have no schema_version at all.
func migrateV0ToV1(m map[string]any) map[string]any {
	out := cloneMap(m)
	out["schema_version"] = 1

	for legacy, current := range legacyRenames {
		if v, ok := out[legacy]; ok {
			if _, taken := out[current]; !taken {
				out[current] = v
			}
			delete(out, legacy)
		}
	}
	return out
}

// migrateV1ToV2 adds the jobs policy section, reading the legacy
// jobs_policy key if jobs is absent, and bumps schema_version.
func migrateV1ToV2(m map[string]any) map[string]any {
	out := cloneMap(m)
	out["schema_version"] = 2

	if _, hasJobs := out["jobs"]; !hasJobs {
		if legacy, ok := out["jobs_policy"]; ok {
			out["jobs"] = legacy
		}
	}
	delete(out, "jobs_policy")
	return out
}

func extractJobsPolicy(m map[string]any) JobsPolicy {
	p := defaultJobsPolicy()
	raw, ok := m["jobs"].(map[string]any)
	if !ok {
		return p
	}

	if v, ok := asFloat(raw["default_timeout_sec"]); ok && v >= 0 {
		p.DefaultTimeoutSec = v
	}
	if v, ok := asFloat(raw["retries"]); ok && v >= 0 {
		p.Retries = int(v)
	}
	if v, ok := asFloat(raw["retry_backoff_sec"]); ok && v >= 0 {
		p.RetryBackoffSec = v
	}
	if v, ok := asFloat(raw["retry_jitter"]); ok && v >= 0 && v <= 1 {
		p.RetryJitter = v
	}
	if v, ok := asFloat(raw["retry_deadline_sec"]); ok && v >= 0 {
		p.RetryDeadlineSec = v
	}
	return p
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Section returns a typed section by name, or an error if name is not
// one of the fixed recognised sections.
func (n Normalized) Section(name string) (any, error) {
	v, ok := n.Sections[name]
	if !ok {
		return nil, fmt.Errorf("config: unrecognised section %q", name)
	}
	return v, nil
}

// ToMap flattens the normalized config into the single JSON object
// written back to disk: schema_version, jobs, and every fixed section
// as top-level keys.
func (n Normalized) ToMap() map[string]any {
	out := map[string]any{
		"schema_version": n.SchemaVersion,
		"jobs": map[string]any{
			"default_timeout_sec": n.Jobs.DefaultTimeoutSec,
			"retries":             n.Jobs.Retries,
			"retry_backoff_sec":   n.Jobs.RetryBackoffSec,
			"retry_jitter":        n.Jobs.RetryJitter,
			"retry_deadline_sec":  n.Jobs.RetryDeadlineSec,
		},
	}
	for name, v := range n.Sections {
		out[name] = v
	}
	return out
}
