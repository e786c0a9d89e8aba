package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/weftio/weft/cmd/weft/cli/telemetry"
	"github.com/weftio/weft/cmd/weft/cli/versioncheck"
)

const gettingStarted = `

Getting Started:
  Run 'weft plan init <plan.yaml>' to bootstrap a run from a plan file,
  then 'weft daemon start' to bring the orchestrator up and 'weft status'
  to watch the stage DAG execute.

`

// Version information (can be set at build time)
var (
	Version = "dev"
	Commit  = "unknown"
)

// NewRootCmd builds the weft command tree.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "weft",
		Short: "Orchestrate a fleet of AI coding agents over a plan DAG",
		Long:  "weft drives a fleet of interactive coding agents through a declarative, dependency-ordered execution plan." + gettingStarted,
		// Let main.go handle error printing to avoid duplication
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			versioncheck.CheckAndNotify(cmd, Version)

			root, err := resolveRepoRoot()
			if err != nil {
				return
			}
			settings, err := LoadSettings(root)
			if err != nil {
				return
			}
			client := telemetry.NewClient(Version, settings.Telemetry)
			defer client.Close()
			client.TrackCommand(cmd)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newPlanCmd())
	cmd.AddCommand(newDaemonCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newAttachCmd())
	cmd.AddCommand(newStageCmd())
	cmd.AddCommand(newWorktreeCmd())
	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newVersionCmd())

	cmd.SetHelpCommand(NewHelpCmd(cmd))

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("weft %s (%s)\n", Version, Commit)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}
