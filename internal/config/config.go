package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config is the single top-level file under the state root, naming the
// active plan file, base branch, and plan id (SPEC_FULL.md §3 "Config").
type Config struct {
	PlanFile      string
	BaseBranch    string
	PlanID        string
	SchemaVersion int
	CreatedAt     time.Time
}

// CurrentSchemaVersion is bumped whenever the Config record's field set changes.
const CurrentSchemaVersion = 1

// Load reads and parses the config file at stateRoot. Uses the same
// key/value-header text format as every other state-store record (see
// internal/store), kept standalone here to avoid a dependency cycle between
// config and store (store needs the state root paths from this package).
func Load(stateRoot string) (*Config, error) {
	data, err := os.ReadFile(filepath.Join(stateRoot, ConfigFileName))
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := &Config{SchemaVersion: 1}
	for _, line := range strings.Split(string(data), "\n") {
		key, val, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		switch key {
		case "plan_file":
			cfg.PlanFile = val
		case "base_branch":
			cfg.BaseBranch = val
		case "plan_id":
			cfg.PlanID = val
		case "schema_version":
			if n, err := strconv.Atoi(val); err == nil {
				cfg.SchemaVersion = n
			}
		case "created_at":
			if t, err := time.Parse(time.RFC3339, val); err == nil {
				cfg.CreatedAt = t
			}
		}
	}
	if cfg.PlanFile == "" {
		return nil, fmt.Errorf("config at %s missing plan_file", stateRoot)
	}
	return cfg, nil
}

// Save writes the config atomically (write-new-then-rename, the contract
// every orchestrator-owned record in this repo follows).
func Save(stateRoot string, cfg *Config) error {
	if cfg.SchemaVersion == 0 {
		cfg.SchemaVersion = CurrentSchemaVersion
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "plan_file: %s\n", cfg.PlanFile)
	fmt.Fprintf(&sb, "base_branch: %s\n", cfg.BaseBranch)
	fmt.Fprintf(&sb, "plan_id: %s\n", cfg.PlanID)
	fmt.Fprintf(&sb, "schema_version: %d\n", cfg.SchemaVersion)
	fmt.Fprintf(&sb, "created_at: %s\n", cfg.CreatedAt.Format(time.RFC3339))

	if err := os.MkdirAll(stateRoot, 0o750); err != nil {
		return fmt.Errorf("creating state root: %w", err)
	}

	target := filepath.Join(stateRoot, ConfigFileName)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0o640); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("renaming config into place: %w", err)
	}
	return nil
}
