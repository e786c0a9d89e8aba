package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/weftio/weft/internal/config"
	"github.com/weftio/weft/internal/model"
	"github.com/weftio/weft/internal/validation"
)

// SaveStage writes s atomically under stages/<id>.txt.
func (s *Store) SaveStage(stage *model.Stage) error {
	if err := validation.ValidateStageID(stage.ID); err != nil {
		return err
	}
	path := config.StagePath(s.Root, stage.ID) + recordExt
	return writeAtomic(path, encodeStage(stage), 0o640)
}

// LoadStage reads stages/<id>.txt. Returns (nil, nil) if the record does not
// exist, matching the teacher's "absence is not an error" convention.
func (s *Store) LoadStage(id string) (*model.Stage, error) {
	if err := validation.ValidateStageID(id); err != nil {
		return nil, err
	}
	path := config.StagePath(s.Root, id) + recordExt
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading stage %s: %w", id, err)
	}
	return decodeStage(data)
}

// ListStageIDs returns every stage id with a record on disk, sorted.
func (s *Store) ListStageIDs() ([]string, error) {
	return listIDs(s.stagesDir(), recordExt)
}

// ListStages loads every stage record present under stages/.
func (s *Store) ListStages() ([]*model.Stage, error) {
	dir := s.stagesDir()
	ids, err := listIDs(dir, recordExt)
	if err != nil {
		return nil, err
	}
	stages := make([]*model.Stage, 0, len(ids))
	for _, id := range ids {
		st, err := s.LoadStage(id)
		if err != nil {
			return nil, err
		}
		if st != nil {
			stages = append(stages, st)
		}
	}
	return stages, nil
}

func (s *Store) stagesDir() string {
	return filepath.Join(s.Root, config.StagesDir)
}

const (
	trueStr  = "true"
	falseStr = "false"
)

func encodeStage(st *model.Stage) []byte {
	var h strings.Builder
	fmt.Fprintf(&h, "id: %s\n", st.ID)
	fmt.Fprintf(&h, "name: %s\n", st.Name)
	fmt.Fprintf(&h, "status: %s\n", st.Status)
	fmt.Fprintf(&h, "type: %s\n", st.Type)
	fmt.Fprintf(&h, "parallel_group: %s\n", st.ParallelGroup)
	fmt.Fprintf(&h, "working_dir: %s\n", st.WorkingDir)
	fmt.Fprintf(&h, "auto_merge: %s\n", autoMergeString(st.AutoMerge))
	fmt.Fprintf(&h, "max_retries: %d\n", st.MaxRetries)
	fmt.Fprintf(&h, "retry_count: %d\n", st.RetryCount)
	fmt.Fprintf(&h, "merged: %s\n", boolString(st.Merged))
	fmt.Fprintf(&h, "held: %s\n", boolString(st.Held))
	fmt.Fprintf(&h, "completed_commit: %s\n", st.CompletedCommit)
	fmt.Fprintf(&h, "created_at: %s\n", formatTime(st.CreatedAt))
	fmt.Fprintf(&h, "updated_at: %s\n", formatTime(st.UpdatedAt))
	if st.Failure != nil {
		fmt.Fprintf(&h, "failure_kind: %s\n", st.Failure.Kind)
		fmt.Fprintf(&h, "failure_command: %s\n", st.Failure.Command)
		fmt.Fprintf(&h, "failure_exit_code: %d\n", st.Failure.ExitCode)
		fmt.Fprintf(&h, "failure_timestamp: %s\n", formatTime(st.Failure.Timestamp))
	}

	var b strings.Builder
	b.WriteString(h.String())
	b.WriteString("\n")
	writeSection(&b, "description", []string{st.Description})
	writeSection(&b, "depends_on", st.DependsOn)
	writeSection(&b, "acceptance_commands", st.AcceptanceCommands)
	writeSection(&b, "setup_commands", st.SetupCommands)
	writeSection(&b, "file_globs", st.FileGlobs)
	writeSection(&b, "labels", labelLines(st.Labels))
	if st.Failure != nil {
		writeSection(&b, "failure_message", []string{st.Failure.Message})
		writeSection(&b, "failure_stderr", []string{st.Failure.Stderr})
	}
	return []byte(b.String())
}

func decodeStage(data []byte) (*model.Stage, error) {
	header, sections := splitRecord(string(data))
	st := &model.Stage{}
	var failure model.FailureRecord
	hasFailure := false
	for _, line := range strings.Split(header, "\n") {
		key, val, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		switch key {
		case "id":
			st.ID = val
		case "name":
			st.Name = val
		case "status":
			st.Status = model.StageStatus(val)
		case "type":
			st.Type = model.StageType(val)
		case "parallel_group":
			st.ParallelGroup = val
		case "working_dir":
			st.WorkingDir = val
		case "auto_merge":
			st.AutoMerge = parseAutoMerge(val)
		case "max_retries":
			st.MaxRetries = atoi(val)
		case "retry_count":
			st.RetryCount = atoi(val)
		case "merged":
			st.Merged = val == trueStr
		case "held":
			st.Held = val == trueStr
		case "completed_commit":
			st.CompletedCommit = val
		case "created_at":
			st.CreatedAt = parseTime(val)
		case "updated_at":
			st.UpdatedAt = parseTime(val)
		case "failure_kind":
			failure.Kind = val
			hasFailure = true
		case "failure_command":
			failure.Command = val
		case "failure_exit_code":
			failure.ExitCode = atoi(val)
		case "failure_timestamp":
			failure.Timestamp = parseTime(val)
		}
	}
	if lines, ok := sections["description"]; ok {
		st.Description = strings.Join(lines, "\n")
	}
	st.DependsOn = sections["depends_on"]
	st.AcceptanceCommands = sections["acceptance_commands"]
	st.SetupCommands = sections["setup_commands"]
	st.FileGlobs = sections["file_globs"]
	st.Labels = parseLabelLines(sections["labels"])
	if hasFailure {
		if lines, ok := sections["failure_message"]; ok {
			failure.Message = strings.Join(lines, "\n")
		}
		if lines, ok := sections["failure_stderr"]; ok {
			failure.Stderr = strings.Join(lines, "\n")
		}
		st.Failure = &failure
	}
	return st, nil
}

func autoMergeString(b *bool) string {
	if b == nil {
		return "inherit"
	}
	return boolString(*b)
}

func parseAutoMerge(s string) *bool {
	switch s {
	case trueStr:
		v := true
		return &v
	case falseStr:
		v := false
		return &v
	default:
		return nil
	}
}

func boolString(b bool) string {
	if b {
		return trueStr
	}
	return falseStr
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

func labelLines(labels map[string]string) []string {
	if len(labels) == 0 {
		return nil
	}
	lines := make([]string, 0, len(labels))
	for k, v := range labels {
		lines = append(lines, k+"="+v)
	}
	return lines
}

func parseLabelLines(lines []string) map[string]string {
	if len(lines) == 0 {
		return nil
	}
	labels := make(map[string]string, len(lines))
	for _, line := range lines {
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		labels[k] = v
	}
	return labels
}
