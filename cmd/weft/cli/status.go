package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/weftio/weft/internal/config"
	"github.com/weftio/weft/internal/daemon"
	"github.com/weftio/weft/internal/tui"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Open the live stage monitor for the running daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			root, err := resolveRepoRoot()
			if err != nil {
				return err
			}
			stateRoot := config.StateRoot(root)
			if !daemon.IsRunning(stateRoot) {
				return usageErrorf("daemon is not running, start it with 'weft daemon start'")
			}

			sock := stateRoot + string(os.PathSeparator) + config.SocketFileName
			if err := tui.Run(sock); err != nil {
				fmt.Fprintln(cmd.OutOrStderr(), err)
				return silent(err)
			}
			return nil
		},
	}
}
