package validation

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateStageID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
		errMsg  string
	}{
		{name: "valid simple", id: "build-ui"},
		{name: "valid with underscore", id: "stage_1"},
		{name: "empty", id: "", wantErr: true, errMsg: "cannot be empty"},
		{name: "path traversal", id: "../../etc", wantErr: true, errMsg: "path traversal"},
		{name: "forward slash", id: "a/b", wantErr: true, errMsg: "alphanumeric"},
		{name: "too long", id: strings.Repeat("a", MaxIDLength+1), wantErr: true, errMsg: "exceeds maximum length"},
		{name: "space", id: "has space", wantErr: true, errMsg: "alphanumeric"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStageID(tt.id)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ValidateStageID(%q) = nil, want error containing %q", tt.id, tt.errMsg)
				}
				if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("ValidateStageID(%q) error = %q, want containing %q", tt.id, err.Error(), tt.errMsg)
				}
				if !errors.Is(err, ErrInvalidID) {
					t.Errorf("ValidateStageID(%q) error does not wrap ErrInvalidID", tt.id)
				}
			} else if err != nil {
				t.Errorf("ValidateStageID(%q) unexpected error: %v", tt.id, err)
			}
		})
	}
}

func TestValidateSessionID(t *testing.T) {
	if err := ValidateSessionID("sess-2026-07-30-abc123"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateSessionID(""); err == nil {
		t.Error("expected error for empty session id")
	}
}
