package types

import (
	"strings"
	"time"

	"github.com/kubescape/endpoint-agent/pkg/events"
)

// Verdict is the terminal outcome returned for an event.
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictDeny  Verdict = "deny"
	// VerdictLog flags the event while letting the operation proceed.
	VerdictLog Verdict = "log"
)

// Allowed reports whether the underlying OS operation may proceed.
func (v Verdict) Allowed() bool {
	return v != VerdictDeny
}

// Reason codes. Fallback reasons never share a prefix with rule-match reasons.
const (
	ReasonNoMatch                      = "no-match"
	ReasonNoScanRequired               = "no-scan-required"
	ReasonExcluded                     = "excluded"
	ReasonMalformedEvent               = "malformed-event"
	ReasonUnknownEvent                 = "unknown-event"
	ReasonScannerUnavailableFailOpen   = "scanner-unavailable-fail-open"
	ReasonScannerUnavailableFailClosed = "scanner-unavailable-fail-closed"
	ReasonScanTimeoutFailOpen          = "scan-timeout-fail-open"
	ReasonScanTimeoutFailClosed        = "scan-timeout-fail-closed"
	ReasonScanErrorFailOpen            = "scan-error-fail-open"
	ReasonScanErrorFailClosed          = "scan-error-fail-closed"

	// Fallback bases. Advisory decisions carry them without a policy suffix.
	ReasonScannerUnavailable = "scanner-unavailable"
	ReasonScanTimeout        = "scan-timeout"
	ReasonScanError          = "scan-error"

	ruleMatchPrefix = "rule-match:"
	ruleLogPrefix   = "rule-log:"
)

// RuleMatchReason is the reason for a Deny caused by block rules.
func RuleMatchReason(ids []string) string {
	return ruleMatchPrefix + strings.Join(ids, ",")
}

// RuleLogReason is the reason for a Log caused by log-only rules.
func RuleLogReason(ids []string) string {
	return ruleLogPrefix + strings.Join(ids, ",")
}

// IsRuleMatchReason reports whether reason was produced by a rule match
// rather than a fallback.
func IsRuleMatchReason(reason string) bool {
	return strings.HasPrefix(reason, ruleMatchPrefix) || strings.HasPrefix(reason, ruleLogPrefix)
}

// FallbackReason names a fallback verdict taken under policy.
func FallbackReason(base string, policy FallbackPolicy) string {
	return base + "-" + string(policy)
}

// FallbackPolicy selects the verdict used when no scan result is usable.
type FallbackPolicy string

const (
	FailOpen   FallbackPolicy = "fail-open"
	FailClosed FallbackPolicy = "fail-closed"
)

func (p FallbackPolicy) Valid() bool {
	return p == FailOpen || p == FailClosed
}

// Decision is returned to the event source for every handled event.
type Decision struct {
	Verdict Verdict  `json:"verdict"`
	Reason  string   `json:"reason"`
	RuleIDs []string `json:"ruleIds,omitempty"`
	// Advisory is set for notify events, whose operation already happened.
	Advisory bool `json:"advisory,omitempty"`
	// Fallback is set when the verdict came from the fallback policy.
	Fallback bool `json:"fallback,omitempty"`
}

// DecisionRecord is the structured telemetry emitted for each decision.
type DecisionRecord struct {
	ID             string            `json:"id"`
	Time           time.Time         `json:"time"`
	Token          events.AuditToken `json:"token"`
	ParentToken    events.AuditToken `json:"parentToken"`
	EventType      events.EventType  `json:"eventType"`
	Action         events.ActionType `json:"action"`
	Verdict        Verdict           `json:"verdict"`
	Reason         string            `json:"reason"`
	RuleIDs        []string          `json:"ruleIds,omitempty"`
	Advisory       bool              `json:"advisory,omitempty"`
	Fallback       bool              `json:"fallback,omitempty"`
	ScanDuration   time.Duration     `json:"scanDuration"`
	Truncated      bool              `json:"truncated,omitempty"`
	Generation     uint64            `json:"generation,omitempty"`
	Path           string            `json:"path,omitempty"`
	SHA256         string            `json:"sha256,omitempty"`
	ExecutablePath string            `json:"executablePath,omitempty"`
	SigningID      string            `json:"signingId,omitempty"`
	// Ancestry lists the executable paths of known ancestors, nearest first.
	Ancestry []string `json:"ancestry,omitempty"`
}
