package metricsmanager

import (
	"time"

	"github.com/kubescape/endpoint-agent/pkg/events"
)

// MetricsManager is an interface for reporting metrics
type MetricsManager interface {
	Start()
	Destroy()
	ReportEvent(eventType events.EventType)
	ReportFailedEvent()
	ReportDecision(verdict string, reason string)
	ReportRuleMatch(ruleID string)
	ReportScanDuration(eventType events.EventType, duration time.Duration, truncated bool)
	ReportRulesetReload(success bool)
	ReportTableSize(size int)
	ReportEviction(reason string, count int)
}
