package config

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateVersion(t *testing.T) {
	tests := []struct {
		name    string
		version int
		problem VersionProblem
		message string
	}{
		{name: "current", version: CurrentVersion},
		{name: "zero", version: 0, problem: VersionMissing, message: "no version"},
		{name: "negative", version: -3, problem: VersionMissing, message: "no version"},
		{name: "newer", version: CurrentVersion + 1, problem: VersionTooNew, message: "upgrade nexusd"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateVersion(tt.version)
			if tt.problem == "" {
				if err != nil {
					t.Fatalf("ValidateVersion(%d) error = %v", tt.version, err)
				}
				return
			}
			var ve *VersionError
			if !errors.As(err, &ve) {
				t.Fatalf("ValidateVersion(%d) error = %v, want *VersionError", tt.version, err)
			}
			if ve.Problem != tt.problem {
				t.Errorf("Problem = %q, want %q", ve.Problem, tt.problem)
			}
			if !strings.Contains(ve.Error(), tt.message) {
				t.Errorf("Error() = %q, want it to mention %q", ve.Error(), tt.message)
			}
		})
	}
}

func TestVersionErrorMessages(t *testing.T) {
	var nilErr *VersionError
	if got := nilErr.Error(); got != "" {
		t.Errorf("nil Error() = %q", got)
	}
	outdated := &VersionError{Version: 1, Current: 2, Problem: VersionOutdated}
	if !strings.Contains(outdated.Error(), "set version: 2") {
		t.Errorf("outdated Error() = %q", outdated.Error())
	}
	unknown := &VersionError{Version: 7, Current: 1}
	if !strings.Contains(unknown.Error(), "unsupported") {
		t.Errorf("unknown Error() = %q", unknown.Error())
	}
}
