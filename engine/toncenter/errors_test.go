package toncenter

import (
	"fmt"
	"testing"
)

func TestIsSeqnoMismatchError(t *testing.T) {
	cases := []struct {
		message string
		want    bool
	}{
		{"cannot apply external message to current state: External message was not accepted\nCannot run message on account: inbound external message rejected by account", true},
		{"terminating vm with exit code: exitcode=33", true},
		{"terminating vm with exit code: exitcode=133", false},
		{"connection refused", false},
	}
	for _, tc := range cases {
		if got := IsSeqnoMismatchError(tc.message); got != tc.want {
			t.Errorf("IsSeqnoMismatchError(%q) = %v, want %v", tc.message, got, tc.want)
		}
	}
}

func TestIsExpiredTransactionError(t *testing.T) {
	if !IsExpiredTransactionError("exitcode=133") {
		t.Error("exit code 133 must classify as expired")
	}
	if IsExpiredTransactionError("exitcode=33") {
		t.Error("exit code 33 must not classify as expired")
	}
}

func TestIsBroadcastRejection(t *testing.T) {
	for _, message := range []string{
		"exitcode=33",
		"exitcode=133",
		"inbound external message rejected by account",
	} {
		if !IsBroadcastRejection(message) {
			t.Errorf("%q must classify as a rejection", message)
		}
	}
	if IsBroadcastRejection("timeout") {
		t.Error("a timeout is not a rejection")
	}
}

func TestAsServerError(t *testing.T) {
	serverErr := &ServerError{StatusCode: 500, Message: "boom"}
	wrapped := fmt.Errorf("send boc: %w", serverErr)

	got, ok := AsServerError(wrapped)
	if !ok || got.StatusCode != 500 {
		t.Fatalf("AsServerError failed to unwrap: %v %v", got, ok)
	}
	if _, ok := AsServerError(fmt.Errorf("plain")); ok {
		t.Error("plain errors must not unwrap to ServerError")
	}
}
