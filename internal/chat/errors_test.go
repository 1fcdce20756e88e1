package chat

import (
	"errors"
	"testing"
)

func TestOpErrorKinds(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")

	tests := []struct {
		name  string
		err   error
		kind  error
		check func(error) bool
	}{
		{"storage", storageErr("chat.FetchMessages", cause), ErrStorage, IsStorage},
		{"transport", transportErr("chat.Subscribe", cause), ErrTransport, IsTransport},
		{"validation", validationErr("chat.Send", "empty message"), ErrValidation, IsValidation},
		{"closed", &OpError{Op: "chat.Messages", Kind: ErrClosed}, ErrClosed, IsClosed},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if !errors.Is(tc.err, tc.kind) {
				t.Fatalf("errors.Is(%v, kind)=false", tc.err)
			}
			if !tc.check(tc.err) {
				t.Fatalf("helper returned false for %v", tc.err)
			}
			var oe *OpError
			if !errors.As(tc.err, &oe) {
				t.Fatalf("errors.As failed for %v", tc.err)
			}
			if oe.Op == "" {
				t.Fatal("empty Op")
			}
		})
	}
}

func TestOpErrorUnwrapsCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("deadline exceeded")
	err := storageErr("chat.AppendMessage", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("cause not reachable through %v", err)
	}
}
