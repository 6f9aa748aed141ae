package shared

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyError(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorCode
	}{
		{nil, ""},
		{fmt.Errorf("run: %w", context.DeadlineExceeded), CodeTimeout},
		{fmt.Errorf("run: %w", context.Canceled), CodeCancelled},
		{errors.New("lock_busy: queue lock timeout (worker a)"), CodeLockBusy},
		{errors.New("policy_blocked: backend docker"), CodePolicyBlocked},
		{errors.New("exit status 2"), CodeCommandFailed},
		{errors.New("something odd"), CodeInternal},
	}
	for _, tc := range cases {
		if got := ClassifyError(tc.err); got != tc.want {
			t.Errorf("ClassifyError(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
