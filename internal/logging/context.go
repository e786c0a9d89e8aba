// Package logging provides structured logging for the orchestrator using slog.
package logging

import "context"

// Context keys for logging values. Using private types avoids key collisions
// with other packages that stash values on the same context.
type contextKey int

const (
	stageIDKey contextKey = iota
	sessionIDKey
	componentKey
)

// WithStage adds a stage ID to the context.
func WithStage(ctx context.Context, stageID string) context.Context {
	return context.WithValue(ctx, stageIDKey, stageID)
}

// WithSession adds a session ID to the context.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// WithComponent adds a component name to the context (e.g. "monitor", "merge", "daemon").
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// StageIDFromContext extracts the stage ID, or "" if unset.
func StageIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, stageIDKey)
}

// SessionIDFromContext extracts the session ID, or "" if unset.
func SessionIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, sessionIDKey)
}

// ComponentFromContext extracts the component name, or "" if unset.
func ComponentFromContext(ctx context.Context) string {
	return stringFromContext(ctx, componentKey)
}

func stringFromContext(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(key); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
