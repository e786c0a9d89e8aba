// Package plan decodes a plan file into the in-memory Plan value the
// orchestrator builds its graph from. The YAML authoring format itself is
// an external-collaborator concern (SPEC_FULL.md §1); this loader stays
// deliberately thin: decode into structs, validate nothing beyond what
// internal/graph already enforces on construction.
package plan

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/weftio/weft/internal/model"
)

// Plan is the in-memory form of a plan file: identity plus the stage set
// the graph is built from.
type Plan struct {
	ID         string
	BaseBranch string
	Stages     []*model.Stage
}

// fileSpec mirrors the on-disk YAML shape. Field names follow the plan
// file's own vocabulary, not the Stage model's Go field names, since the
// two evolve independently.
type fileSpec struct {
	Plan       string      `yaml:"plan"`
	BaseBranch string      `yaml:"base_branch"`
	Stages     []stageSpec `yaml:"stages"`
}

type stageSpec struct {
	ID                 string            `yaml:"id"`
	Name               string            `yaml:"name"`
	Description        string            `yaml:"description"`
	DependsOn          []string          `yaml:"depends_on"`
	ParallelGroup      string            `yaml:"parallel_group"`
	AcceptanceCommands []string          `yaml:"acceptance_commands"`
	SetupCommands      []string          `yaml:"setup_commands"`
	FileGlobs          []string          `yaml:"file_globs"`
	Type               string            `yaml:"type"`
	WorkingDir         string            `yaml:"working_dir"`
	AutoMerge          *bool             `yaml:"auto_merge"`
	MaxRetries         int               `yaml:"max_retries"`
	Labels             map[string]string `yaml:"labels"`
}

// Load reads and decodes a plan file at path. It does not validate the
// dependency graph; callers pass the resulting Stage slice to graph.New,
// which enforces acyclicity and dependency resolution.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan file %s: %w", path, err)
	}

	var spec fileSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parsing plan file %s: %w", path, err)
	}
	if spec.Plan == "" {
		return nil, fmt.Errorf("plan file %s: missing top-level \"plan\" id", path)
	}
	if len(spec.Stages) == 0 {
		return nil, fmt.Errorf("plan file %s: no stages defined", path)
	}

	stages := make([]*model.Stage, 0, len(spec.Stages))
	for _, s := range spec.Stages {
		if s.ID == "" {
			return nil, fmt.Errorf("plan file %s: a stage is missing its \"id\"", path)
		}
		stageType := model.StageTypeStandard
		if s.Type == string(model.StageTypeKnowledge) {
			stageType = model.StageTypeKnowledge
		}
		name := s.Name
		if name == "" {
			name = s.ID
		}
		stages = append(stages, &model.Stage{
			ID:                 s.ID,
			Name:               name,
			Description:        s.Description,
			DependsOn:          s.DependsOn,
			ParallelGroup:      s.ParallelGroup,
			AcceptanceCommands: s.AcceptanceCommands,
			SetupCommands:      s.SetupCommands,
			FileGlobs:          s.FileGlobs,
			Type:               stageType,
			WorkingDir:         s.WorkingDir,
			AutoMerge:          s.AutoMerge,
			MaxRetries:         s.MaxRetries,
			Status:             model.StageWaitingForDeps,
			Labels:             s.Labels,
		})
	}

	return &Plan{ID: spec.Plan, BaseBranch: spec.BaseBranch, Stages: stages}, nil
}
