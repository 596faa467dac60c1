package claim

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestFailure_VMStatusRoundTrip(t *testing.T) {
	moduleID := alice.String() + "::" + ModuleName

	for reason := range aborts {
		f := &Failure{Reason: reason, Detail: "detail"}
		status := f.VMStatus(moduleID)

		if !strings.HasPrefix(status, "Move abort in "+moduleID+": ") {
			t.Errorf("%s: unexpected status prefix %q", reason, status)
		}
		if got := ReasonFromStatus(status); got != reason {
			t.Errorf("ReasonFromStatus(%q) = %s, want %s", status, got, reason)
		}
	}
}

func TestFailure_VMStatusFormat(t *testing.T) {
	f := &Failure{Reason: ReasonAlreadyClaimed}
	got := f.VMStatus("0x1::cabalcoin")
	want := "Move abort in 0x1::cabalcoin: E_ALREADY_CLAIMED(0x80003): account has already claimed"
	if got != want {
		t.Errorf("VMStatus mismatch:\n got %q\nwant %q", got, want)
	}
}

func TestFailure_InvalidArgumentStatus(t *testing.T) {
	f := &Failure{Reason: ReasonInvalidArgument, Detail: "balance overflow"}
	got := f.VMStatus("0x1::cabalcoin")
	want := "Move abort in 0x1::cabalcoin: E_INVALID_ARGUMENT(0x10006): balance overflow"
	if got != want {
		t.Errorf("VMStatus mismatch:\n got %q\nwant %q", got, want)
	}
	if f.AbortCode() != 0x10006 {
		t.Errorf("Expected abort code 0x10006, got 0x%x", f.AbortCode())
	}
}

func TestFailure_Unwrap(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := fmt.Errorf("submit: %w", unavailable("store", cause))

	if !errors.Is(err, ErrLedgerUnavailable) {
		t.Error("Expected errors.Is ErrLedgerUnavailable")
	}
	if !errors.Is(err, cause) {
		t.Error("Expected errors.Is cause")
	}
	if ReasonOf(err) != ReasonLedgerUnavailable {
		t.Errorf("ReasonOf mismatch: got %s", ReasonOf(err))
	}

	var f *Failure
	if !errors.As(err, &f) || f.AbortCode() != 0 {
		t.Errorf("Expected *Failure without abort code, got %v", f)
	}
}

func TestReasonOf_Sentinels(t *testing.T) {
	if ReasonOf(nil) != ReasonUnknown {
		t.Error("nil should be UNKNOWN")
	}
	if ReasonOf(fmt.Errorf("wrapped: %w", ErrWindowNotOpen)) != ReasonWindowNotOpen {
		t.Error("wrapped sentinel should classify")
	}
	if ReasonOf(errors.New("other")) != ReasonUnknown {
		t.Error("unrelated error should be UNKNOWN")
	}
}

func TestReasonFromStatus_Other(t *testing.T) {
	tests := map[string]Reason{
		"Executed successfully":             ReasonUnknown,
		"STORAGE_ERROR: ledger unavailable": ReasonLedgerUnavailable,
		"LINKER_ERROR":                      ReasonUnknown,
		"Move abort in 0x1::x: E_NOPE(0x1)": ReasonUnknown,
	}
	for status, want := range tests {
		if got := ReasonFromStatus(status); got != want {
			t.Errorf("ReasonFromStatus(%q) = %s, want %s", status, got, want)
		}
	}
}

func TestFailureFromStatus(t *testing.T) {
	f := FailureFromStatus("Move abort in 0x1::cabalcoin: E_NOT_ALLOWLISTED(0x60002): nope")
	if !errors.Is(f, ErrNotAllowlisted) {
		t.Errorf("Expected rebuilt failure to match ErrNotAllowlisted, got %v", f)
	}
}
