package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"typed", NewError(KindNotFound, "no such conversation"), KindNotFound},
		{"wrapped typed", fmt.Errorf("outer: %w", NewError(KindLimit, "cap reached")), KindLimit},
		{"plain", errors.New("boom"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[ErrorKind]int{
		KindAuth:        401,
		KindNotFound:    404,
		KindValidation:  400,
		KindLimit:       409,
		KindUnavailable: 503,
		KindTimeout:     504,
		KindInternal:    500,
	}
	for kind, want := range cases {
		if got := kind.HTTPStatus(); got != want {
			t.Errorf("%s.HTTPStatus() = %d, want %d", kind, got, want)
		}
	}
}

func TestValidationErrorNamesField(t *testing.T) {
	err := ValidationError("maxMessages", "must be between 1 and 50")
	if err.Field != "maxMessages" {
		t.Errorf("Field = %q, want maxMessages", err.Field)
	}
	if got := err.Error(); got != "VALIDATION_ERROR: maxMessages: must be between 1 and 50" {
		t.Errorf("Error() = %q", got)
	}
}

func TestValidMemoryCategory(t *testing.T) {
	for _, c := range []MemoryCategory{MemoryArchitecture, MemoryBackend, MemoryDB, MemoryAuth, MemoryConfig, MemoryFlow, MemoryOther} {
		if !ValidMemoryCategory(c) {
			t.Errorf("ValidMemoryCategory(%q) = false, want true", c)
		}
	}
	if ValidMemoryCategory("repo_scan") {
		t.Error("repo_scan must not be a valid category")
	}
}
