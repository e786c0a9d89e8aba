package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/weftio/weft/cmd/weft/cli/jsonutil"
	"github.com/weftio/weft/internal/config"
)

const (
	// SettingsFile is the path to the weft settings file, relative to the
	// repository root.
	SettingsFile = ".work/settings.json"
)

// Settings is weft's own CLI-level configuration: the ambient preferences
// that sit above a single plan (SPEC_FULL.md's expanded config section),
// distinct from a plan file's stage definitions.
type Settings struct {
	// LogLevel sets the daemon/CLI logging verbosity (debug, info, warn,
	// error). Defaults to "info".
	LogLevel string `json:"log_level,omitempty"`

	// Telemetry controls anonymous usage analytics.
	// nil = not asked yet (treated as disabled), true = opted in, false = opted out.
	Telemetry *bool `json:"telemetry,omitempty"`
}

// LoadSettings loads weft settings from .work/settings.json under repoRoot.
// Returns default settings if the file doesn't exist.
func LoadSettings(repoRoot string) (*Settings, error) {
	path := filepath.Join(repoRoot, SettingsFile)

	settings := &Settings{}

	data, err := os.ReadFile(path) //nolint:gosec // path is derived from the resolved repo root
	if err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		return nil, fmt.Errorf("reading settings file: %w", err)
	}

	if err := json.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("parsing settings file: %w", err)
	}

	return settings, nil
}

// SaveSettings writes settings to .work/settings.json under repoRoot.
func SaveSettings(repoRoot string, settings *Settings) error {
	path := filepath.Join(repoRoot, SettingsFile)

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating settings directory: %w", err)
	}

	data, err := jsonutil.MarshalIndentWithNewline(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling settings: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec // settings file is config, not secrets
		return fmt.Errorf("writing settings file: %w", err)
	}
	return nil
}

// resolveRepoRoot is the common first step of every command that touches
// repository state: find the repo root from the current working directory.
func resolveRepoRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting working directory: %w", err)
	}
	root, err := config.RepoRoot(cwd)
	if err != nil {
		return "", fmt.Errorf("resolving repository root (not a git repository?): %w", err)
	}
	return root, nil
}
