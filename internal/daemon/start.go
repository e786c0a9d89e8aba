package daemon

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/denisbrodbeck/machineid"

	"github.com/weftio/weft/internal/config"
)

// weftDaemonEnvVar, when set in a child process's environment, marks that
// process as the already-detached daemon rather than the launching CLI
// command, so Start knows not to re-exec again.
const weftDaemonEnvVar = "WEFT_DAEMON_CHILD"

// readyFD names the file descriptor number the daemon child inherits to
// signal successful startup back to its launcher. fd 3 is the first one
// free after stdin/stdout/stderr.
const readyFD = 3

// weftDaemonTokenEnvVar carries the auth token Start generates through to
// the re-exec'd child. The child needs it before it can bind its server
// (to authenticate Stop requests), but the token file under the state root
// isn't written until after the child reports readiness, so it can't read
// it from disk at startup.
const weftDaemonTokenEnvVar = "WEFT_DAEMON_TOKEN"

// ChildToken returns the auth token Start passed to this process's
// environment, if this process is the re-exec'd daemon child.
func ChildToken() (string, bool) {
	token := os.Getenv(weftDaemonTokenEnvVar)
	return token, token != ""
}

// StartOptions configures a daemon launch.
type StartOptions struct {
	StateRoot string
	RepoRoot  string
}

// Info is what Start returns once the daemon has confirmed it is up:
// enough for the launching CLI command to report success and exit.
type Info struct {
	PID        string
	SocketPath string
	AuthToken  string
}

// Start launches the daemon in the background and blocks until it has
// bound its socket and is ready to serve, or until it reports failure.
//
// SPEC_FULL.md §4.11 describes the classic Unix "double-fork, detach, new
// session" daemonization sequence. The Go runtime starts goroutines and
// background threads before main ever runs, and raw fork() only duplicates
// the calling thread — a forked child is not a complete Go process, so a
// literal double-fork is unsafe here. Start instead re-execs the current
// binary with WEFT_DAEMON_CHILD set and SysProcAttr.Setsid, which gives the
// same externally-visible result (a new session, detached from the
// launching terminal, continuing to run after the launcher exits) without
// splitting a running Go process across fork().
func Start(opts StartOptions) (*Info, error) {
	if IsRunning(opts.StateRoot) {
		return nil, fmt.Errorf("daemon already running (see %s)", config.PIDFileName)
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolving daemon executable: %w", err)
	}

	token, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("generating auth token: %w", err)
	}

	readPipe, writePipe, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating readiness pipe: %w", err)
	}
	defer readPipe.Close()

	cmd := exec.Command(exe, "daemon", "run")
	cmd.Dir = opts.RepoRoot
	cmd.Env = append(os.Environ(), weftDaemonEnvVar+"=1", weftDaemonTokenEnvVar+"="+token)
	cmd.ExtraFiles = []*os.File{writePipe}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		writePipe.Close()
		return nil, fmt.Errorf("starting daemon process: %w", err)
	}
	writePipe.Close()

	// The daemon child inherits the pipe and writes one line to it once its
	// socket is bound; the launcher never waits on cmd.Wait since the
	// child outlives it.
	status, readErr := readReadyLine(readPipe, 10*time.Second)
	if readErr != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("daemon did not report readiness: %w", readErr)
	}
	if status != "ok" {
		return nil, fmt.Errorf("daemon failed to start: %s", status)
	}

	if err := writePIDAndToken(opts.StateRoot, cmd.Process.Pid, token); err != nil {
		return nil, err
	}

	return &Info{
		PID:        strconv.Itoa(cmd.Process.Pid),
		SocketPath: filepath.Join(opts.StateRoot, config.SocketFileName),
		AuthToken:  token,
	}, nil
}

// IsChild reports whether the current process is the re-exec'd daemon
// child rather than the original CLI invocation.
func IsChild() bool {
	return os.Getenv(weftDaemonEnvVar) != ""
}

// SignalReady writes the single handshake line the launcher blocks on, over
// the inherited pipe fd. Call this only after the socket is bound and
// accepting connections.
func SignalReady(ok bool, reason string) {
	f := os.NewFile(uintptr(readyFD), "ready-pipe")
	if f == nil {
		return
	}
	defer f.Close()
	if ok {
		fmt.Fprintln(f, "ok")
		return
	}
	fmt.Fprintln(f, reason)
}

func readReadyLine(r io.Reader, timeout time.Duration) (string, error) {
	result := make(chan string, 1)
	errc := make(chan error, 1)
	go func() {
		buf := make([]byte, 4096)
		n, err := r.Read(buf)
		if err != nil && n == 0 {
			errc <- err
			return
		}
		result <- strings.TrimSpace(string(buf[:n]))
	}()
	select {
	case line := <-result:
		return line, nil
	case err := <-errc:
		return "", err
	case <-time.After(timeout):
		return "", errors.New("timed out waiting for readiness signal")
	}
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func writePIDAndToken(stateRoot string, pid int, token string) error {
	if err := os.WriteFile(filepath.Join(stateRoot, config.PIDFileName), []byte(strconv.Itoa(pid)), 0o600); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}
	if err := os.WriteFile(filepath.Join(stateRoot, config.TokenFileName), []byte(token), 0o600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	return nil
}

// IsRunning reports whether a daemon already owns stateRoot, by checking
// the PID file records a live process.
func IsRunning(stateRoot string) bool {
	data, err := os.ReadFile(filepath.Join(stateRoot, config.PIDFileName))
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// ReadToken loads the auth token a running daemon expects on Stop requests.
func ReadToken(stateRoot string) (string, error) {
	data, err := os.ReadFile(filepath.Join(stateRoot, config.TokenFileName))
	if err != nil {
		return "", fmt.Errorf("reading daemon token: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// ReadPID loads the PID of the running daemon, if any.
func ReadPID(stateRoot string) (int, error) {
	data, err := os.ReadFile(filepath.Join(stateRoot, config.PIDFileName))
	if err != nil {
		return 0, fmt.Errorf("reading daemon pid: %w", err)
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// InstallID returns a stable machine-scoped identifier, hashed with an
// application-specific tag so it can't be correlated with other apps'
// uses of the same underlying machine id. Returns "" (never an error
// visible to callers) if the platform has no machine id available, since
// the install id is diagnostic, not load-bearing.
func InstallID() string {
	id, err := machineid.ProtectedID("weft")
	if err != nil {
		return ""
	}
	return id
}
