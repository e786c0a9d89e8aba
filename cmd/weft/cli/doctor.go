package cli

import (
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/mod/semver"

	"github.com/weftio/weft/internal/config"
	"github.com/weftio/weft/internal/daemon"
)

// minGitVersion is the oldest git release weft's worktree and merge
// plumbing has been grounded against (git worktree add -B was added in 2.7).
const minGitVersion = "v2.20.0"

type doctorCheck struct {
	name string
	run  func() (ok bool, detail string)
}

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run environment diagnostics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			root, rootErr := resolveRepoRoot()

			checks := []doctorCheck{
				{"git binary", checkGitBinary},
				{"state root writable", func() (bool, string) { return checkStateRootWritable(root, rootErr) }},
				{"daemon socket", func() (bool, string) { return checkDaemonSocket(root, rootErr) }},
				{"terminal emulator", checkTerminalEmulator},
			}

			failures := 0
			for _, c := range checks {
				ok, detail := c.run()
				status := "ok"
				if !ok {
					status = "FAIL"
					failures++
				}
				if detail != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "%-20s %-4s %s\n", c.name, status, detail)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%-20s %-4s\n", c.name, status)
				}
			}

			if failures > 0 {
				return silent(fmt.Errorf("%d diagnostic check(s) failed", failures))
			}
			return nil
		},
	}
}

var gitVersionPattern = regexp.MustCompile(`\d+\.\d+(\.\d+)?`)

func checkGitBinary() (bool, string) {
	path, err := exec.LookPath("git")
	if err != nil {
		return false, "git not found on PATH"
	}
	out, err := exec.Command("git", "--version").Output()
	if err != nil {
		return false, fmt.Sprintf("%s found but --version failed: %v", path, err)
	}
	ver := gitVersionPattern.FindString(string(out))
	if ver == "" {
		return true, strings.TrimSpace(string(out))
	}
	if semver.Compare("v"+ver, minGitVersion) < 0 {
		return false, fmt.Sprintf("git %s is older than the minimum supported %s", ver, strings.TrimPrefix(minGitVersion, "v"))
	}
	return true, "git " + ver
}

func checkStateRootWritable(root string, rootErr error) (bool, string) {
	if rootErr != nil {
		return false, rootErr.Error()
	}
	stateRoot := config.StateRoot(root)
	if err := os.MkdirAll(stateRoot, 0o750); err != nil {
		return false, fmt.Sprintf("cannot create %s: %v", stateRoot, err)
	}
	probe := stateRoot + "/.doctor-probe"
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return false, fmt.Sprintf("%s is not writable: %v", stateRoot, err)
	}
	_ = os.Remove(probe)
	return true, stateRoot
}

func checkDaemonSocket(root string, rootErr error) (bool, string) {
	if rootErr != nil {
		return false, rootErr.Error()
	}
	stateRoot := config.StateRoot(root)
	if !daemon.IsRunning(stateRoot) {
		return true, "no daemon running (nothing to check)"
	}
	sock := stateRoot + "/" + config.SocketFileName
	client, err := daemon.Dial(sock)
	if err != nil {
		return false, fmt.Sprintf("cannot dial %s: %v", sock, err)
	}
	defer client.Close()
	if err := client.Ping(); err != nil {
		return false, fmt.Sprintf("ping failed: %v", err)
	}
	return true, sock
}

func checkTerminalEmulator() (bool, string) {
	for _, env := range []string{"TERM_PROGRAM", "TERM"} {
		if v := os.Getenv(env); v != "" {
			return true, fmt.Sprintf("%s=%s", env, v)
		}
	}
	return false, "neither TERM nor TERM_PROGRAM is set"
}
