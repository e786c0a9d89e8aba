// Package daemon implements the long-lived background process that hosts
// the orchestrator core and exposes it over a local Unix-socket RPC
// (SPEC_FULL.md §4.11 "Daemon/IPC server"). CLI commands and the TUI are
// IPC clients of this server; none of them import internal/orchestrator
// directly once a daemon is running.
package daemon

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// RequestKind enumerates the request frames a client may send.
type RequestKind string

const (
	RequestPing            RequestKind = "ping"
	RequestStop            RequestKind = "stop"
	RequestSubscribeStatus RequestKind = "subscribe_status"
	RequestSubscribeLogs   RequestKind = "subscribe_logs"
	RequestUnsubscribe     RequestKind = "unsubscribe"
)

// ResponseKind enumerates the response frames the server may send back.
// A subscription request receives one response per update until the
// connection closes or the client sends Unsubscribe.
type ResponseKind string

const (
	ResponsePong                 ResponseKind = "pong"
	ResponseOk                   ResponseKind = "ok"
	ResponseError                ResponseKind = "error"
	ResponseAuthenticationFailed ResponseKind = "authentication_failed"
	ResponseStatusUpdate         ResponseKind = "status_update"
	ResponseLogLine              ResponseKind = "log_line"
)

// Request is one client frame. AuthToken is only inspected for Stop; read
// subscriptions are unauthenticated (local-only, owner-permission socket).
type Request struct {
	Kind      RequestKind `json:"kind"`
	AuthToken string      `json:"auth_token,omitempty"`
}

// StatusUpdate is the periodic snapshot of the stage graph broadcast to
// every subscribed status client.
type StatusUpdate struct {
	Executing []string `json:"executing"`
	Pending   []string `json:"pending"`
	Completed []string `json:"completed"`
	Blocked   []string `json:"blocked"`
	InstallID string   `json:"install_id,omitempty"`
}

// Response is one server frame.
type Response struct {
	Kind    ResponseKind  `json:"kind"`
	Message string        `json:"message,omitempty"`
	Status  *StatusUpdate `json:"status,omitempty"`
	Line    string        `json:"line,omitempty"`
}

// maxFrameBytes bounds a single frame so a malformed or hostile peer can't
// make the reader allocate without limit.
const maxFrameBytes = 4 << 20 // 4 MiB

// WriteFrame encodes v as JSON and writes it to w as a 4-byte big-endian
// length prefix followed by the payload — the "length as a fixed-width
// integer, then a self-describing payload" framing named in §4.11.
func WriteFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	if len(payload) > maxFrameBytes {
		return fmt.Errorf("frame of %d bytes exceeds limit %d", len(payload), maxFrameBytes)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("writing frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r and decodes it into v.
func ReadFrame(r io.Reader, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxFrameBytes {
		return fmt.Errorf("frame of %d bytes exceeds limit %d", n, maxFrameBytes)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("reading frame payload: %w", err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decoding frame: %w", err)
	}
	return nil
}
