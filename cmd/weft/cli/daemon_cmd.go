package cli

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/weftio/weft/internal/config"
	"github.com/weftio/weft/internal/daemon"
	"github.com/weftio/weft/internal/graph"
	"github.com/weftio/weft/internal/logging"
	"github.com/weftio/weft/internal/merge"
	"github.com/weftio/weft/internal/monitor"
	"github.com/weftio/weft/internal/orchestrator"
	"github.com/weftio/weft/internal/store"
	"github.com/weftio/weft/internal/worktreemgr"
)

func newDaemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the orchestrator daemon",
	}
	cmd.AddCommand(newDaemonStartCmd())
	cmd.AddCommand(newDaemonStopCmd())
	cmd.AddCommand(newDaemonRunCmd())
	return cmd
}

func newDaemonStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the orchestrator daemon in the background",
		RunE: func(cmd *cobra.Command, _ []string) error {
			root, err := resolveRepoRoot()
			if err != nil {
				return err
			}
			stateRoot := config.StateRoot(root)
			if daemon.IsRunning(stateRoot) {
				fmt.Fprintln(cmd.OutOrStdout(), "daemon already running")
				return nil
			}

			info, err := daemon.Start(daemon.StartOptions{StateRoot: stateRoot, RepoRoot: root})
			if err != nil {
				return fmt.Errorf("starting daemon: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "daemon started (pid %s, socket %s)\n", info.PID, info.SocketPath)
			return nil
		},
	}
}

func newDaemonStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a running orchestrator daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			root, err := resolveRepoRoot()
			if err != nil {
				return err
			}
			stateRoot := config.StateRoot(root)
			if !daemon.IsRunning(stateRoot) {
				fmt.Fprintln(cmd.OutOrStdout(), "daemon is not running")
				return nil
			}

			token, err := daemon.ReadToken(stateRoot)
			if err != nil {
				return fmt.Errorf("reading daemon token: %w", err)
			}
			sock := stateRoot + string(os.PathSeparator) + config.SocketFileName

			client, err := daemon.Dial(sock)
			if err != nil {
				return fmt.Errorf("connecting to daemon: %w", err)
			}
			defer client.Close()

			if err := client.Stop(token); err != nil {
				return fmt.Errorf("stopping daemon: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "daemon stopped")
			return nil
		},
	}
}

// newDaemonRunCmd is hidden: it is the re-exec target daemon.Start launches
// in its own session, never invoked directly by a user.
func newDaemonRunCmd() *cobra.Command {
	c := &cobra.Command{
		Use:    "run",
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context())
		},
	}
	return c
}

func runDaemon(ctx context.Context) error {
	root, err := resolveRepoRoot()
	if err != nil {
		daemon.SignalReady(false, err.Error())
		return err
	}
	stateRoot := config.StateRoot(root)

	if err := logging.Init(stateRoot); err != nil {
		daemon.SignalReady(false, err.Error())
		return err
	}
	defer logging.Close()

	st := store.New(stateRoot)
	if err := st.Init(); err != nil {
		daemon.SignalReady(false, err.Error())
		return err
	}

	stages, err := st.ListStages()
	if err != nil {
		daemon.SignalReady(false, err.Error())
		return err
	}
	g, err := graph.New(stages)
	if err != nil {
		daemon.SignalReady(false, err.Error())
		return err
	}

	worktrees := worktreemgr.New(root, stateRoot)
	mergeEngine := merge.New()
	mon := monitor.New(st, worktrees, processAlive, root, monitor.DefaultConfig())

	orch := orchestrator.New(st, g, worktrees, mergeEngine, mon, orchestrator.DefaultOptions())

	token, ok := daemon.ChildToken()
	if !ok {
		err := fmt.Errorf("missing daemon auth token in environment")
		daemon.SignalReady(false, err.Error())
		return err
	}

	sock := stateRoot + string(os.PathSeparator) + config.SocketFileName
	ln, err := daemon.Listen(sock)
	if err != nil {
		daemon.SignalReady(false, err.Error())
		return err
	}

	logPath := stateRoot + string(os.PathSeparator) + config.LogFileName
	server := daemon.NewServer(ln, sock, token, orch, logPath)

	serverCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(serverCtx) }()

	go func() {
		if err := orch.Run(serverCtx); err != nil {
			logging.Error(serverCtx, "orchestrator run loop exited", "error", err.Error())
		}
	}()

	daemon.SignalReady(true, "")

	select {
	case <-serverCtx.Done():
		server.Shutdown(5 * time.Second)
		return nil
	case err := <-errCh:
		return err
	}
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
