package telemetry

import "context"

type contextKey struct{}

// WithClient attaches a telemetry Client to ctx for commands that need to
// report events deeper in the call tree than root.go's PersistentPostRun.
func WithClient(ctx context.Context, client Client) context.Context {
	return context.WithValue(ctx, contextKey{}, client)
}

// GetClient retrieves the Client attached with WithClient, or a NoOpClient
// if none was attached.
//
//nolint:ireturn // mirrors Client's own factory-return convention
func GetClient(ctx context.Context) Client {
	if c, ok := ctx.Value(contextKey{}).(Client); ok {
		return c
	}
	return &NoOpClient{}
}
