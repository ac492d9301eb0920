package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestClassifyKeepsTypedErrors(t *testing.T) {
	orig := New(CodeRateLimited, "slow down")
	wrapped := fmt.Errorf("secrets: %w", orig)

	got := Classify(wrapped)
	if got.Code != CodeRateLimited {
		t.Fatalf("expected %s, got %s", CodeRateLimited, got.Code)
	}
	if got.HTTPStatus() != http.StatusTooManyRequests {
		t.Fatalf("unexpected status %d", got.HTTPStatus())
	}
}

func TestClassifyStorageMessages(t *testing.T) {
	cases := map[string]Code{
		"sql: no rows in result set":                    CodeNotFound,
		"project not found":                             CodeNotFound,
		"new row violates check constraint \"status\"": CodeValidation,
		"name is required":                              CodeValidation,
		"permission denied for table projects":          CodePolicyDenied,
		"connection reset by peer":                      CodeInternal,
	}
	for msg, want := range cases {
		if got := Classify(errors.New(msg)).Code; got != want {
			t.Fatalf("Classify(%q)=%s, want %s", msg, got, want)
		}
	}
}

func TestClassifyNil(t *testing.T) {
	if Classify(nil) != nil {
		t.Fatal("expected nil for nil error")
	}
}

func TestCodeStatus(t *testing.T) {
	if CodeInvalidToken.Status() != http.StatusBadRequest {
		t.Fatalf("unexpected status for invalid token")
	}
	if Code("SOMETHING_ELSE").Status() != http.StatusInternalServerError {
		t.Fatalf("unknown codes must map to 500")
	}
	if CodeOf(errors.New("plain")) != CodeInternal {
		t.Fatalf("plain errors should report INTERNAL_ERROR")
	}
}
