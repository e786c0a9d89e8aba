package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type fakeStatusProvider struct {
	update StatusUpdate
}

func (f *fakeStatusProvider) StatusSnapshot() StatusUpdate {
	return f.update
}

func newTestServer(t *testing.T, status StatusProvider) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "orchestrator.sock")
	ln, err := Listen(socketPath)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	s := NewServer(ln, socketPath, "test-token", status, filepath.Join(dir, "orchestrator.log"))
	s.PollInterval = 20 * time.Millisecond
	return s, socketPath
}

func TestListenCreatesOwnerOnlySocket(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "sock")
	ln, err := Listen(socketPath)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("expected socket perm 0600, got %o", perm)
	}
}

func TestListenRemovesStaleSocket(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "sock")
	if err := os.WriteFile(socketPath, []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}
	ln, err := Listen(socketPath)
	if err != nil {
		t.Fatalf("Listen should clean up a stale socket file: %v", err)
	}
	ln.Close()
}

func TestServePing(t *testing.T) {
	s, socketPath := newTestServer(t, &fakeStatusProvider{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx)

	c, err := Dial(socketPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := c.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestStopRequiresValidToken(t *testing.T) {
	s, socketPath := newTestServer(t, &fakeStatusProvider{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx)

	c, err := Dial(socketPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := c.Stop("wrong-token"); err == nil {
		t.Fatal("expected Stop with a bad token to fail")
	}

	c2, err := Dial(socketPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c2.Close()
	if err := c2.Stop("test-token"); err != nil {
		t.Fatalf("Stop with correct token: %v", err)
	}
}

func TestSubscribeStatusReceivesUpdates(t *testing.T) {
	provider := &fakeStatusProvider{update: StatusUpdate{Executing: []string{"build"}}}
	s, socketPath := newTestServer(t, provider)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx)

	c, err := Dial(socketPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	received := make(chan StatusUpdate, 1)
	go func() {
		_ = c.SubscribeStatus(func(u StatusUpdate) error {
			received <- u
			return nil
		})
	}()

	select {
	case u := <-received:
		if len(u.Executing) != 1 || u.Executing[0] != "build" {
			t.Errorf("unexpected status update: %+v", u)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a status update")
	}
}

func TestSubscribeLogsReceivesAppendedLines(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "orchestrator.log")
	if err := os.WriteFile(logPath, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	socketPath := filepath.Join(dir, "sock")
	ln, err := Listen(socketPath)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	s := NewServer(ln, socketPath, "test-token", &fakeStatusProvider{}, logPath)
	s.PollInterval = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx)

	c, err := Dial(socketPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	received := make(chan string, 1)
	go func() {
		_ = c.SubscribeLogs(func(line string) error {
			received <- line
			return nil
		})
	}()

	// Give the tailer a moment to open the file at offset 0 before appending.
	time.Sleep(50 * time.Millisecond)
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("stage build started\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	select {
	case line := <-received:
		if line != "stage build started" {
			t.Errorf("unexpected log line: %q", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a log line")
	}
}

func TestConnectionCapRejectsExcessConnections(t *testing.T) {
	s, socketPath := newTestServer(t, &fakeStatusProvider{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx)

	var clients []*Client
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()

	// Occupy every slot with a blocking subscription so the cap is actually
	// exercised rather than connections being served-and-closed too fast.
	for i := 0; i < MaxConnections; i++ {
		c, err := Dial(socketPath)
		if err != nil {
			t.Fatalf("Dial %d: %v", i, err)
		}
		clients = append(clients, c)
		go c.SubscribeStatus(func(StatusUpdate) error { return nil })
	}
	time.Sleep(50 * time.Millisecond)

	extra, err := Dial(socketPath)
	if err != nil {
		t.Fatalf("Dial extra: %v", err)
	}
	defer extra.Close()

	// The server closes the connection immediately rather than responding;
	// Ping should fail instead of hanging.
	_ = extra.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := extra.Ping(); err == nil {
		t.Error("expected the connection beyond MaxConnections to be rejected")
	}
}

func TestShutdownClosesSubscriptions(t *testing.T) {
	s, socketPath := newTestServer(t, &fakeStatusProvider{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx)

	c, err := Dial(socketPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	done := make(chan error, 1)
	go func() {
		done <- c.SubscribeStatus(func(StatusUpdate) error { return nil })
	}()

	time.Sleep(30 * time.Millisecond)
	s.Shutdown(time.Second)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected subscription to end after Shutdown")
	}
}
