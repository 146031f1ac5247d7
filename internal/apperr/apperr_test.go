package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		err  *Error
		want string
	}{
		{
			&Error{Kind: ErrConflict, Op: "reserve line", BankID: "B1", LineID: "L1", Current: "busy", Expected: "ready"},
			"reserve line: conflict (bank=B1 line=L1 current=busy expected=ready)",
		},
		{NotFound("get call", "call not found"), "get call: not found: call not found"},
		{&Error{}, "error"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}

func TestUnwrapToKind(t *testing.T) {
	err := fmt.Errorf("handling request: %w", Invalid("set dnd schedule", "start equals end"))

	if !errors.Is(err, ErrInvalid) {
		t.Fatal("expected errors.Is(err, ErrInvalid)")
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatal("unexpected match on ErrNotFound")
	}
	e, ok := As(err)
	if !ok || e.Op != "set dnd schedule" || e.Reason != "start equals end" {
		t.Fatalf("As() = %+v, %v", e, ok)
	}
	if _, ok := As(errors.New("plain")); ok {
		t.Fatal("As() matched a plain error")
	}
}
