package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Load reads path, migrates its contents, and returns the normalized
// config. A missing file behaves as empty input (spec.md §3: the file
// is "always normalised through the migrator on read and write").
func Load(path string) (Normalized, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Migrate(nil), nil
	}
	if err != nil {
		return Normalized{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var input any
	if err := json.Unmarshal(raw, &input); err != nil {
		return Migrate(nil), nil
	}
	return Migrate(input), nil
}

// Save normalizes n and writes it back to path.
func Save(path string, n Normalized) error {
	raw, err := json.MarshalIndent(n.ToMap(), "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(path, raw, 0o644)
}
