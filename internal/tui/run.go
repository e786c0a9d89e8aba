package tui

import (
	"errors"
	"fmt"
	"io"
	"net"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/weftio/weft/internal/daemon"
)

// Run connects to the daemon at socketPath and runs the status TUI until
// the user quits or the connection drops. It opens two subscriptions over
// two separate connections (status, logs) since daemon.Client is a
// single-request-in-flight wrapper around one socket connection.
func Run(socketPath string) error {
	statusClient, err := daemon.Dial(socketPath)
	if err != nil {
		return fmt.Errorf("connecting to daemon: %w", err)
	}
	defer statusClient.Close()

	logClient, err := daemon.Dial(socketPath)
	if err != nil {
		return fmt.Errorf("connecting to daemon: %w", err)
	}
	defer logClient.Close()

	program := tea.NewProgram(New(), tea.WithAltScreen(), tea.WithMouseCellMotion())

	go forwardStatus(program, statusClient)
	go forwardLogs(program, logClient)

	_, err = program.Run()
	return err
}

func forwardStatus(program *tea.Program, c *daemon.Client) {
	err := c.SubscribeStatus(func(u daemon.StatusUpdate) error {
		program.Send(statusMsg(u))
		return nil
	})
	program.Send(disconnectedMsg{err: classifyDisconnect(err)})
}

func forwardLogs(program *tea.Program, c *daemon.Client) {
	_ = c.SubscribeLogs(func(line string) error {
		program.Send(logLineMsg(line))
		return nil
	})
}

// classifyDisconnect distinguishes a clean shutdown (EOF) from a broken
// connection, so the footer can report something more useful than a raw
// error string for the common case.
func classifyDisconnect(err error) error {
	if err == nil || errors.Is(err, io.EOF) {
		return errors.New("daemon closed the connection")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.New("daemon connection timed out")
	}
	return err
}
