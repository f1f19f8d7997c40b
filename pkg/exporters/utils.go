package exporters

import (
	"fmt"

	"github.com/aquilax/truncate"
	"github.com/crewjam/rfc5424"
	"github.com/kubescape/endpoint-agent/pkg/pipeline/types"
)

// maxFieldLength bounds free-form values such as paths in exported records.
const maxFieldLength = 512

// VerdictToSeverity maps a decision to the severity label used by alerting
// exporters.
func VerdictToSeverity(record types.DecisionRecord) string {
	switch {
	case record.Verdict == types.VerdictDeny && record.Fallback:
		return "system_issue"
	case record.Verdict == types.VerdictDeny:
		return "critical"
	case record.Verdict == types.VerdictLog:
		return "medium"
	case record.Fallback:
		return "system_issue"
	}
	return "none"
}

func verdictToPriority(v types.Verdict) rfc5424.Priority {
	switch v {
	case types.VerdictDeny:
		return rfc5424.Error
	case types.VerdictLog:
		return rfc5424.Warning
	}
	return rfc5424.Info
}

func decisionTitle(record types.DecisionRecord) string {
	subject := record.Path
	if subject == "" {
		subject = record.ExecutablePath
	}
	return fmt.Sprintf("%s %s event for pid %d: %s (%s)", record.Verdict, record.EventType, record.Token.PID, shorten(subject), record.Reason)
}

// shorten keeps both ends of long paths, which carry the most information.
func shorten(s string) string {
	return truncate.Truncate(s, maxFieldLength, "...", truncate.PositionMiddle)
}
