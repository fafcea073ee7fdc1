package errs

import (
	"errors"
	"testing"
)

func TestRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"network", New(KindNetwork, "op", "timeout"), true},
		{"protocol", New(KindProtocol, "op", "wrong epoch"), true},
		{"transient storage", WrapStorage("op", "busy", errors.New("db busy"), true), true},
		{"permanent storage", WrapStorage("op", "constraint", errors.New("unique"), false), false},
		{"crypto", New(KindCryptography, "op", "bad sig"), false},
		{"not found", New(KindNotFound, "op", "missing"), false},
		{"plain error", errors.New("boom"), false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Retryable(c.err); got != c.want {
				t.Fatalf("Retryable() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestIsAndUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := Wrap(KindStorage, "store.Put", "insert failed", cause)
	if !Is(err, KindStorage) {
		t.Fatalf("expected KindStorage")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected Unwrap chain to reach cause")
	}
}
