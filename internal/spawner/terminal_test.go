package spawner

import "testing"

func withFakeTerminal(t *testing.T, attached bool) {
	t.Helper()
	prev := isTerminal
	isTerminal = func(int) bool { return attached }
	t.Cleanup(func() { isTerminal = prev })
}

func TestHasControllingTerminalReflectsProbe(t *testing.T) {
	withFakeTerminal(t, true)
	if !HasControllingTerminal() {
		t.Error("expected true when the terminal probe reports attached")
	}

	withFakeTerminal(t, false)
	if HasControllingTerminal() {
		t.Error("expected false when the terminal probe reports detached")
	}
}

func TestResolveBackendPrefersNativeWhenAttached(t *testing.T) {
	withFakeTerminal(t, true)
	if got := ResolveBackend(); got != BackendNative {
		t.Errorf("expected BackendNative, got %s", got)
	}
}

func TestResolveBackendFallsBackToMultiplexerWhenDetached(t *testing.T) {
	withFakeTerminal(t, false)
	if got := ResolveBackend(); got != BackendMultiplexer {
		t.Errorf("expected BackendMultiplexer, got %s", got)
	}
}
