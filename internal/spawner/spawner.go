package spawner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/creack/pty"
)

// Backend selects how a stage's agent process is launched.
type Backend string

const (
	// BackendNative opens a detected host terminal emulator window.
	BackendNative Backend = "native"
	// BackendMultiplexer runs the agent under a pty owned by this process,
	// with no separate terminal-emulator window (used for headless/attach
	// workflows, e.g. the daemon streaming a session to the TUI client).
	BackendMultiplexer Backend = "multiplexer"
)

// Request describes one agent process to spawn for a stage session.
type Request struct {
	StageID    string
	SessionID  string
	Title      string
	WorkingDir string
	ShellCmd   string
	Backend    Backend
	StateRoot  string
}

// Handle is the live result of a successful spawn.
type Handle struct {
	// AgentPID is the PID of the process actually running the agent, as
	// distinct from the terminal emulator hosting it. Resolved from the PID
	// marker file when present, falling back to the terminal's own PID.
	AgentPID int
	// TerminalPID is the PID of the terminal-emulator (or pty-owning)
	// process the spawner started.
	TerminalPID int
	// PTY is non-nil only for BackendMultiplexer spawns, giving the caller
	// a read/write handle on the agent's terminal.
	PTY *os.File
}

const (
	pidReadRetries  = 20
	pidReadInterval = 100 * time.Millisecond
)

// PIDMarkerPath is the well-known location an agent process writes its own
// PID to on startup, letting the spawner (and later the monitor) tell the
// agent process apart from the terminal emulator hosting it.
func PIDMarkerPath(stateRoot, sessionID string) string {
	return filepath.Join(stateRoot, "sessions", sessionID+".pid")
}

// Spawn launches req's agent process using the requested backend, returning
// once the terminal (or pty) process has started. For BackendNative this
// does not block on the process exiting; a background goroutine reaps it.
func Spawn(ctx context.Context, req Request) (*Handle, error) {
	backend := req.Backend
	if backend == "" {
		backend = ResolveBackend()
	}
	switch backend {
	case BackendMultiplexer:
		return spawnMultiplexer(req)
	default:
		return spawnNative(ctx, req)
	}
}

func spawnNative(ctx context.Context, req Request) (*Handle, error) {
	emu, err := Detect(os.Getenv, exec.LookPath)
	if err != nil {
		return nil, fmt.Errorf("detecting terminal emulator: %w", err)
	}

	program, args := emu.BuildArgs(req.Title, req.WorkingDir, req.ShellCmd)
	cmd := exec.CommandContext(ctx, program, args...)
	cmd.Env = append(os.Environ(), StageIDEnv+"="+req.StageID)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", emu.Name, err)
	}
	terminalPID := cmd.Process.Pid

	// Reap in the background so the terminal process never lingers as a
	// zombie once it exits; callers don't need to Wait themselves.
	go func() {
		_ = cmd.Wait()
	}()

	agentPID := readPIDMarkerWithRetry(req.StateRoot, req.SessionID)
	if agentPID == 0 {
		agentPID = terminalPID
	}

	return &Handle{AgentPID: agentPID, TerminalPID: terminalPID}, nil
}

func spawnMultiplexer(req Request) (*Handle, error) {
	cmd := exec.Command("sh", "-c", req.ShellCmd)
	cmd.Dir = req.WorkingDir
	cmd.Env = append(os.Environ(), StageIDEnv+"="+req.StageID)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("starting pty: %w", err)
	}

	go func() {
		_ = cmd.Wait()
	}()

	return &Handle{
		AgentPID:    cmd.Process.Pid,
		TerminalPID: cmd.Process.Pid,
		PTY:         ptmx,
	}, nil
}

// readPIDMarkerWithRetry polls PIDMarkerPath a bounded number of times,
// since the agent process inside a freshly-opened terminal window needs a
// moment to start and write its own PID. Returns 0 if the marker never
// appears within the retry budget.
func readPIDMarkerWithRetry(stateRoot, sessionID string) int {
	if stateRoot == "" || sessionID == "" {
		return 0
	}
	path := PIDMarkerPath(stateRoot, sessionID)
	for i := 0; i < pidReadRetries; i++ {
		if pid, ok := readPIDMarker(path); ok {
			return pid
		}
		time.Sleep(pidReadInterval)
	}
	return 0
}

func readPIDMarker(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// WritePIDMarker is called by the running agent process itself (or a
// wrapper script around it) to record its own PID at the well-known
// location the spawner polls.
func WritePIDMarker(stateRoot, sessionID string, pid int) error {
	path := PIDMarkerPath(stateRoot, sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// RemovePIDMarker cleans up the marker file once a session ends.
func RemovePIDMarker(stateRoot, sessionID string) error {
	err := os.Remove(PIDMarkerPath(stateRoot, sessionID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
