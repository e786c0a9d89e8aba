package daemon

import (
	"fmt"
	"net"
	"time"
)

// Client is a thin synchronous wrapper over one connection to a running
// daemon, reused by cmd/weft/cli and internal/tui so neither has to know
// the wire framing.
type Client struct {
	conn net.Conn
}

// Dial connects to the daemon listening at socketPath.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 3*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connecting to daemon at %s: %w", socketPath, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Ping checks that a daemon is alive and responsive.
func (c *Client) Ping() error {
	if err := WriteFrame(c.conn, Request{Kind: RequestPing}); err != nil {
		return err
	}
	var resp Response
	if err := ReadFrame(c.conn, &resp); err != nil {
		return err
	}
	if resp.Kind != ResponsePong {
		return fmt.Errorf("unexpected response to ping: %s", resp.Kind)
	}
	return nil
}

// Stop asks the daemon to shut down, authenticating with token.
func (c *Client) Stop(token string) error {
	if err := WriteFrame(c.conn, Request{Kind: RequestStop, AuthToken: token}); err != nil {
		return err
	}
	var resp Response
	if err := ReadFrame(c.conn, &resp); err != nil {
		return err
	}
	switch resp.Kind {
	case ResponseOk:
		return nil
	case ResponseAuthenticationFailed:
		return fmt.Errorf("stop request rejected: invalid auth token")
	default:
		return fmt.Errorf("unexpected response to stop: %s (%s)", resp.Kind, resp.Message)
	}
}

// SubscribeStatus opens a status subscription and invokes onUpdate for
// every StatusUpdate frame until the connection ends or onUpdate returns
// an error, which SubscribeStatus then returns.
func (c *Client) SubscribeStatus(onUpdate func(StatusUpdate) error) error {
	if err := WriteFrame(c.conn, Request{Kind: RequestSubscribeStatus}); err != nil {
		return err
	}
	for {
		var resp Response
		if err := ReadFrame(c.conn, &resp); err != nil {
			return err
		}
		if resp.Kind != ResponseStatusUpdate || resp.Status == nil {
			continue
		}
		if err := onUpdate(*resp.Status); err != nil {
			return err
		}
	}
}

// SubscribeLogs opens a log subscription and invokes onLine for every
// appended log line until the connection ends or onLine returns an error.
func (c *Client) SubscribeLogs(onLine func(string) error) error {
	if err := WriteFrame(c.conn, Request{Kind: RequestSubscribeLogs}); err != nil {
		return err
	}
	for {
		var resp Response
		if err := ReadFrame(c.conn, &resp); err != nil {
			return err
		}
		if resp.Kind != ResponseLogLine {
			continue
		}
		if err := onLine(resp.Line); err != nil {
			return err
		}
	}
}
