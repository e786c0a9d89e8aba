package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/weftio/weft/internal/config"
	"github.com/weftio/weft/internal/model"
	"github.com/weftio/weft/internal/validation"
)

// SaveSession writes sess atomically under sessions/<id>.txt.
func (s *Store) SaveSession(sess *model.Session) error {
	if err := validation.ValidateSessionID(sess.ID); err != nil {
		return err
	}
	path := config.SessionPath(s.Root, sess.ID) + recordExt
	return writeAtomic(path, encodeSession(sess), 0o640)
}

// LoadSession reads sessions/<id>.txt. Returns (nil, nil) if absent.
func (s *Store) LoadSession(id string) (*model.Session, error) {
	if err := validation.ValidateSessionID(id); err != nil {
		return nil, err
	}
	path := config.SessionPath(s.Root, id) + recordExt
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading session %s: %w", id, err)
	}
	return decodeSession(data), nil
}

// ListSessions loads every session record present under sessions/.
func (s *Store) ListSessions() ([]*model.Session, error) {
	dir := filepath.Join(s.Root, config.SessionsDir)
	ids, err := listIDs(dir, recordExt)
	if err != nil {
		return nil, err
	}
	sessions := make([]*model.Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.LoadSession(id)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			sessions = append(sessions, sess)
		}
	}
	return sessions, nil
}

// RemoveSession deletes a session's record file. Used once the orchestrator
// has finished referencing a completed stage's session (§4.10 step 4).
func (s *Store) RemoveSession(id string) error {
	path := config.SessionPath(s.Root, id) + recordExt
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing session %s: %w", id, err)
	}
	return nil
}

func encodeSession(sess *model.Session) []byte {
	var h strings.Builder
	fmt.Fprintf(&h, "id: %s\n", sess.ID)
	fmt.Fprintf(&h, "stage_id: %s\n", sess.StageID)
	fmt.Fprintf(&h, "terminal_name: %s\n", sess.TerminalName)
	fmt.Fprintf(&h, "worktree_path: %s\n", sess.WorktreePath)
	fmt.Fprintf(&h, "pid: %d\n", sess.PID)
	fmt.Fprintf(&h, "status: %s\n", sess.Status)
	if sess.ExitCode != nil {
		fmt.Fprintf(&h, "exit_code: %d\n", *sess.ExitCode)
	}
	fmt.Fprintf(&h, "backend: %s\n", sess.Backend)
	fmt.Fprintf(&h, "context_tokens_used: %d\n", sess.ContextTokensUsed)
	fmt.Fprintf(&h, "context_token_limit: %d\n", sess.ContextTokenLimit)
	fmt.Fprintf(&h, "type: %s\n", sess.Type)
	fmt.Fprintf(&h, "source_branch: %s\n", sess.SourceBranch)
	fmt.Fprintf(&h, "target_branch: %s\n", sess.TargetBranch)
	fmt.Fprintf(&h, "created_at: %s\n", formatTime(sess.CreatedAt))
	fmt.Fprintf(&h, "last_active_at: %s\n", formatTime(sess.LastActiveAt))
	return []byte(h.String())
}

func decodeSession(data []byte) *model.Session {
	sess := &model.Session{}
	for _, line := range strings.Split(string(data), "\n") {
		key, val, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		switch key {
		case "id":
			sess.ID = val
		case "stage_id":
			sess.StageID = val
		case "terminal_name":
			sess.TerminalName = val
		case "worktree_path":
			sess.WorktreePath = val
		case "pid":
			sess.PID = atoi(val)
		case "status":
			sess.Status = model.SessionStatus(val)
		case "exit_code":
			n := atoi(val)
			sess.ExitCode = &n
		case "backend":
			sess.Backend = val
		case "context_tokens_used":
			sess.ContextTokensUsed = atoi(val)
		case "context_token_limit":
			sess.ContextTokenLimit = atoi(val)
		case "type":
			sess.Type = model.SessionType(val)
		case "source_branch":
			sess.SourceBranch = val
		case "target_branch":
			sess.TargetBranch = val
		case "created_at":
			sess.CreatedAt = parseTime(val)
		case "last_active_at":
			sess.LastActiveAt = parseTime(val)
		}
	}
	return sess
}
