package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOf(t *testing.T) {
	if got := KindOf(InvalidState("already joined")); got != KindInvalidState {
		t.Fatalf("KindOf = %v, want %v", got, KindInvalidState)
	}
	if got := KindOf(errors.New("plain")); got != KindInternal {
		t.Fatalf("KindOf(plain) = %v, want %v", got, KindInternal)
	}
}

func TestKindOfWrapped(t *testing.T) {
	inner := NotFound("peer", "alice")
	outer := fmt.Errorf("handling request: %w", inner)
	if got := KindOf(outer); got != KindNotFound {
		t.Fatalf("KindOf(wrapped) = %v, want %v", got, KindNotFound)
	}

	var e *Error
	if !errors.As(outer, &e) {
		t.Fatal("errors.As failed on wrapped *Error")
	}
	if e.Kind != KindNotFound {
		t.Fatalf("unwrapped kind = %v", e.Kind)
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{InvalidState("x"), http.StatusConflict},
		{Unsupported("x"), http.StatusConflict},
		{Forbidden("x"), http.StatusForbidden},
		{NotFound("room", "r1"), http.StatusNotFound},
		{BadRequest("x"), http.StatusBadRequest},
		{Internal("boom", errors.New("engine")), http.StatusInternalServerError},
		{errors.New("untyped"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := HTTPStatus(c.err); got != c.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestErrorMessage(t *testing.T) {
	err := NotFound("producer", "p1")
	want := `NotFoundError: producer with id "p1" not found`
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}

	wrapped := Wrap(KindInternal, "consume failed", errors.New("router closed"))
	if wrapped.Unwrap() == nil {
		t.Fatal("Unwrap returned nil")
	}
}
