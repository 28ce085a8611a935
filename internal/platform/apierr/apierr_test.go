package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAsKeepsWrappedError(t *testing.T) {
	inner := NotFound("job_not_found", errors.New("build job not found"))
	wrapped := fmt.Errorf("load job: %w", inner)

	got := As(wrapped, "load_failed")
	if got != inner {
		t.Fatalf("As: want the wrapped *Error got=%+v", got)
	}
	if got.Status != http.StatusNotFound || got.Code != "job_not_found" {
		t.Fatalf("As: want 404/job_not_found got=%d/%s", got.Status, got.Code)
	}
}

func TestAsFallsBackTo500(t *testing.T) {
	cause := errors.New("connection reset")
	got := As(cause, "list_failed")
	if got.Status != http.StatusInternalServerError || got.Code != "list_failed" {
		t.Fatalf("As: want 500/list_failed got=%d/%s", got.Status, got.Code)
	}
	if !errors.Is(got, cause) {
		t.Fatalf("As: want cause reachable through Unwrap")
	}
}

func TestErrorMessage(t *testing.T) {
	cases := []struct {
		err  *Error
		want string
	}{
		{nil, ""},
		{New(http.StatusConflict, "job_running", errors.New("job is running")), "job is running"},
		{Conflict("job_running", nil), "job_running"},
		{&Error{Status: http.StatusTeapot}, "api error (418)"},
		{&Error{}, "api error"},
	}
	for _, tc := range cases {
		if got := tc.err.Error(); got != tc.want {
			t.Fatalf("Error(): want=%q got=%q", tc.want, got)
		}
	}
}
