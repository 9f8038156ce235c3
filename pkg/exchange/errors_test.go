package exchange

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		transient bool
		auth      bool
	}{
		{"network error", &NetworkError{Op: "dial", Err: errors.New("connection refused")}, true, false},
		{"wrapped network error", fmt.Errorf("submit: %w", &NetworkError{Op: "post", Err: errors.New("timeout")}), true, false},
		{"api error", &APIError{Status: 400, Code: "invalid_order", Msg: "size too small"}, false, false},
		{"auth error", &AuthError{Status: 401, Msg: "bad signature"}, false, true},
		{"wrapped auth error", fmt.Errorf("creds: %w", &AuthError{Status: 403, Msg: "forbidden"}), false, true},
		{"plain error", errors.New("boom"), false, false},
		{"nil", nil, false, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTransient(tc.err); got != tc.transient {
				t.Errorf("IsTransient = %v, want %v", got, tc.transient)
			}
			if got := IsAuth(tc.err); got != tc.auth {
				t.Errorf("IsAuth = %v, want %v", got, tc.auth)
			}
		})
	}
}

func TestAlreadyRedeemedSentinel(t *testing.T) {
	wrapped := fmt.Errorf("redeem market m1: %w", ErrAlreadyRedeemed)
	if !errors.Is(wrapped, ErrAlreadyRedeemed) {
		t.Error("wrapped sentinel should match errors.Is")
	}
	if errors.Is(errors.New("already redeemed"), ErrAlreadyRedeemed) {
		t.Error("lookalike text should not match the sentinel")
	}
}
