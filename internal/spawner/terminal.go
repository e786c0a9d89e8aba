// Package spawner detects the host terminal emulator, spawns an agent
// process pointed at a worktree, and tracks its PID so the monitor can
// distinguish the terminal process from the agent running inside it
// (SPEC_FULL.md §4.7 "Terminal spawner").
package spawner

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// TerminalOverrideEnv is the explicit per-invocation override (§6 "Environment
// variables consumed").
const TerminalOverrideEnv = "WEFT_TERMINAL"

// TerminalFallbackEnv is the secondary, more generic override consulted
// after TerminalOverrideEnv.
const TerminalFallbackEnv = "TERMINAL"

// StageIDEnv is passed to the spawned process so hooks running inside it
// can identify the active stage.
const StageIDEnv = "WEFT_STAGE_ID"

// Emulator knows how to build the argv for one terminal program.
type Emulator struct {
	Name string
	// BuildArgs returns the program and arguments to open a new window with
	// the given title and working directory, running shellCmd.
	BuildArgs func(title, workdir, shellCmd string) (string, []string)
}

// knownEmulators is probed in order via a which-style lookup when no
// environment override or desktop-session hint resolves a terminal.
var knownEmulators = []Emulator{
	{Name: "alacritty", BuildArgs: func(title, workdir, shellCmd string) (string, []string) {
		return "alacritty", []string{"--title", title, "--working-directory", workdir, "-e", "sh", "-c", shellCmd}
	}},
	{Name: "kitty", BuildArgs: func(title, workdir, shellCmd string) (string, []string) {
		return "kitty", []string{"--title", title, "--directory", workdir, "sh", "-c", shellCmd}
	}},
	{Name: "wezterm", BuildArgs: func(title, workdir, shellCmd string) (string, []string) {
		return "wezterm", []string{"start", "--cwd", workdir, "--", "sh", "-c", shellCmd}
	}},
	{Name: "gnome-terminal", BuildArgs: func(title, workdir, shellCmd string) (string, []string) {
		return "gnome-terminal", []string{"--title", title, "--working-directory", workdir, "--", "sh", "-c", shellCmd}
	}},
	{Name: "konsole", BuildArgs: func(title, workdir, shellCmd string) (string, []string) {
		return "konsole", []string{"--new-tab", "-p", "tabtitle=" + title, "--workdir", workdir, "-e", "sh", "-c", shellCmd}
	}},
	{Name: "xterm", BuildArgs: func(title, workdir, shellCmd string) (string, []string) {
		return "xterm", []string{"-title", title, "-e", "sh", "-c", "cd " + quote(workdir) + " && " + shellCmd}
	}},
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Detect resolves the host terminal emulator, consulting in order: an
// explicit env override, a secondary env override, the desktop session
// hint, then a which-style probe over known emulators.
func Detect(env func(string) string, lookPath func(string) (string, error)) (*Emulator, error) {
	if name := env(TerminalOverrideEnv); name != "" {
		if e := findByName(name); e != nil {
			return e, nil
		}
		return nil, fmt.Errorf("%s=%q does not name a known terminal emulator", TerminalOverrideEnv, name)
	}
	if name := env(TerminalFallbackEnv); name != "" {
		if e := findByName(name); e != nil {
			return e, nil
		}
	}
	if hint := desktopHint(env); hint != "" {
		if e := findByName(hint); e != nil {
			if _, err := lookPath(e.Name); err == nil {
				return e, nil
			}
		}
	}
	if path, err := lookPath("xdg-terminal-exec"); err == nil {
		return &Emulator{Name: "xdg-terminal-exec", BuildArgs: func(title, workdir, shellCmd string) (string, []string) {
			return path, []string{"--title=" + title, "--dir=" + workdir, "sh", "-c", shellCmd}
		}}, nil
	}
	for i := range knownEmulators {
		e := &knownEmulators[i]
		if _, err := lookPath(e.Name); err == nil {
			return e, nil
		}
	}
	return nil, fmt.Errorf("no terminal emulator found on PATH")
}

func findByName(name string) *Emulator {
	for i := range knownEmulators {
		if knownEmulators[i].Name == name {
			return &knownEmulators[i]
		}
	}
	return nil
}

// desktopHint maps a desktop-environment variable to a likely native
// terminal, used only as a weak preference before the which-style probe.
func desktopHint(env func(string) string) string {
	switch strings.ToUpper(env("XDG_CURRENT_DESKTOP")) {
	case "GNOME", "UNITY":
		return "gnome-terminal"
	case "KDE":
		return "konsole"
	default:
		return ""
	}
}

// isTerminal is swapped out in tests; production code always resolves to
// golang.org/x/term's IsTerminal.
var isTerminal = term.IsTerminal

// HasControllingTerminal reports whether this process has a TTY attached to
// stdout, the signal Spawn uses to pick BackendNative over BackendMultiplexer
// when a session's request leaves Backend unset (§4.7 "xdg/native fallback
// chain").
func HasControllingTerminal() bool {
	return isTerminal(int(os.Stdout.Fd()))
}

// ResolveBackend chooses BackendMultiplexer when no controlling terminal is
// available (e.g. the daemon running detached, or a CI/headless invocation)
// and BackendNative otherwise.
func ResolveBackend() Backend {
	if HasControllingTerminal() {
		return BackendNative
	}
	return BackendMultiplexer
}

// ParentTerminalPID walks the current process's parent chain on macOS to
// find the terminal emulator hosting this process, returning 0 if none is
// found or the platform is not darwin.
func ParentTerminalPID(getppid func(pid int) (ppid int, comm string, err error), startPID int) int {
	if runtime.GOOS != "darwin" {
		return 0
	}
	pid := startPID
	for i := 0; i < 32 && pid > 1; i++ {
		ppid, comm, err := getppid(pid)
		if err != nil {
			return 0
		}
		if isKnownTerminalComm(comm) {
			return pid
		}
		pid = ppid
	}
	return 0
}

func isKnownTerminalComm(comm string) bool {
	switch comm {
	case "Terminal", "iTerm2", "iTerm", "alacritty", "kitty", "WezTerm":
		return true
	default:
		return false
	}
}

// psParentAndComm shells out to `ps` to resolve a process's parent pid and
// command name, the concrete getppid implementation ParentTerminalPID is
// normally called with on darwin (no /proc to read there).
func psParentAndComm(pid int) (ppid int, comm string, err error) {
	out, err := exec.Command("ps", "-o", "ppid=,comm=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return 0, "", err
	}
	fields := strings.Fields(strings.TrimSpace(string(out)))
	if len(fields) < 2 {
		return 0, "", fmt.Errorf("unexpected ps output: %q", out)
	}
	ppid, err = strconv.Atoi(fields[0])
	if err != nil {
		return 0, "", err
	}
	return ppid, strings.Join(fields[1:], " "), nil
}
