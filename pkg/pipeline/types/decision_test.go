package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReasons(t *testing.T) {
	assert.Equal(t, "rule-match:r1,r2", RuleMatchReason([]string{"r1", "r2"}))
	assert.Equal(t, "rule-log:r3", RuleLogReason([]string{"r3"}))

	assert.True(t, IsRuleMatchReason(RuleMatchReason([]string{"r1"})))
	assert.True(t, IsRuleMatchReason(RuleLogReason([]string{"r1"})))
	for _, reason := range []string{
		ReasonScannerUnavailableFailOpen,
		ReasonScannerUnavailableFailClosed,
		ReasonScanTimeoutFailOpen,
		ReasonScanTimeoutFailClosed,
		ReasonScanErrorFailOpen,
		ReasonScanErrorFailClosed,
		ReasonNoMatch,
	} {
		assert.False(t, IsRuleMatchReason(reason), reason)
	}
}

func TestFallbackReason(t *testing.T) {
	assert.Equal(t, ReasonScannerUnavailableFailOpen, FallbackReason(ReasonScannerUnavailable, FailOpen))
	assert.Equal(t, ReasonScanTimeoutFailClosed, FallbackReason(ReasonScanTimeout, FailClosed))
	assert.Equal(t, ReasonScanErrorFailClosed, FallbackReason(ReasonScanError, FailClosed))
}

func TestVerdictAllowed(t *testing.T) {
	assert.True(t, VerdictAllow.Allowed())
	assert.True(t, VerdictLog.Allowed())
	assert.False(t, VerdictDeny.Allowed())
}

func TestFallbackPolicyValid(t *testing.T) {
	assert.True(t, FailOpen.Valid())
	assert.True(t, FailClosed.Valid())
	assert.False(t, FallbackPolicy("").Valid())
	assert.False(t, FallbackPolicy("allow").Valid())
}
