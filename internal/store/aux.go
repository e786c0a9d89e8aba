package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/weftio/weft/internal/config"
)

// WriteHeartbeat atomically (re)writes a stage's heartbeat timestamp. Hooks
// inside the agent's worktree call this through the .work symlink on every
// tool invocation (SPEC_FULL.md, shared-resource policy: "agents own ...
// heartbeat/<stage>").
func (s *Store) WriteHeartbeat(stageID string, at time.Time) error {
	path := config.HeartbeatPath(s.Root, stageID) + recordExt
	return writeAtomic(path, []byte(at.Format(time.RFC3339Nano)+"\n"), 0o640)
}

// HeartbeatAge returns how long ago stageID's heartbeat was last written. A
// missing heartbeat file is reported as an error so callers (the monitor)
// can tell "never checked in" apart from "checked in long ago".
func (s *Store) HeartbeatAge(stageID string) (time.Duration, error) {
	path := config.HeartbeatPath(s.Root, stageID) + recordExt
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	t, err := time.Parse(time.RFC3339Nano, string(trimNewline(data)))
	if err != nil {
		return 0, fmt.Errorf("parsing heartbeat for %s: %w", stageID, err)
	}
	return time.Since(t), nil
}

// WriteSignal atomically writes a rendered signal document for sessionID.
// Signals are rendered text (see internal/signal); the store only owns
// where and how they land on disk.
func (s *Store) WriteSignal(sessionID, content string) error {
	path := config.SignalPath(s.Root, sessionID, "md")
	return writeAtomic(path, []byte(content), 0o640)
}

// RemoveSignal deletes a session's signal document once its stage
// completes (§4.6: "signals ... removed at stage completion"). Missing is
// not an error.
func (s *Store) RemoveSignal(sessionID string) error {
	err := os.Remove(config.SignalPath(s.Root, sessionID, "md"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// AppendMemory appends a note to a stage's memory file. Memory is
// append-only: agents accumulate working notes there across sessions and
// the orchestrator never rewrites it, only copies it aside on crash.
func (s *Store) AppendMemory(stageID, note string) error {
	path := config.MemoryPath(s.Root, stageID) + recordExt
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating memory dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("opening memory file for %s: %w", stageID, err)
	}
	defer f.Close()
	if _, err := f.WriteString(note); err != nil {
		return fmt.Errorf("appending memory for %s: %w", stageID, err)
	}
	if len(note) == 0 || note[len(note)-1] != '\n' {
		if _, err := f.WriteString("\n"); err != nil {
			return err
		}
	}
	return nil
}

// ReadMemory returns a stage's accumulated memory notes, or "" if none exist.
func (s *Store) ReadMemory(stageID string) (string, error) {
	path := config.MemoryPath(s.Root, stageID) + recordExt
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading memory for %s: %w", stageID, err)
	}
	return string(data), nil
}

// PreserveCrash copies a crashed session's stage memory into
// crashes/<session-id>/ so the diagnostic survives after the worktree is
// cleaned up (§7 "Crashes are preserved").
func (s *Store) PreserveCrash(sessionID, stageID string) error {
	src := config.MemoryPath(s.Root, stageID) + recordExt
	data, err := os.ReadFile(src)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading memory for crash preservation: %w", err)
	}
	dstDir := config.CrashDir(s.Root, sessionID)
	if err := os.MkdirAll(dstDir, 0o750); err != nil {
		return fmt.Errorf("creating crash dir: %w", err)
	}
	dst := filepath.Join(dstDir, "memory"+recordExt)
	return writeAtomic(dst, data, 0o640)
}

// WriteHandoff records a note passed from one session to its successor when
// a stage transitions through NeedsHandoff.
func (s *Store) WriteHandoff(handoffID, note string) error {
	path := filepath.Join(s.Root, config.HandoffsDir, handoffID) + recordExt
	return writeAtomic(path, []byte(note), 0o640)
}

// ReadHandoff returns a previously written handoff note.
func (s *Store) ReadHandoff(handoffID string) (string, error) {
	path := filepath.Join(s.Root, config.HandoffsDir, handoffID) + recordExt
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading handoff %s: %w", handoffID, err)
	}
	return string(data), nil
}

// ArchiveStage moves a stage record into archive/ on cleanup, keeping it
// inspectable without it cluttering the active stages/ directory.
func (s *Store) ArchiveStage(stageID string) error {
	src := config.StagePath(s.Root, stageID) + recordExt
	dstDir := filepath.Join(s.Root, config.ArchiveDir, config.StagesDir)
	if err := os.MkdirAll(dstDir, 0o750); err != nil {
		return fmt.Errorf("creating archive dir: %w", err)
	}
	dst := filepath.Join(dstDir, stageID+recordExt)
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()
	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("creating %s: %w", tmp, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copying %s to %s: %w", src, tmp, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
