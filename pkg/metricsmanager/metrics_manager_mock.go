package metricsmanager

import (
	"sync/atomic"
	"time"

	"github.com/goradd/maps"
	"github.com/kubescape/endpoint-agent/pkg/events"
)

var _ MetricsManager = (*MetricsMock)(nil)

type MetricsMock struct {
	FailedEventCounter atomic.Int32
	TruncatedScans     atomic.Int32
	ReloadFailures     atomic.Int32
	TableSize          atomic.Int64
	EventCounter       maps.SafeMap[events.EventType, int]
	DecisionCounter    maps.SafeMap[string, int] // key: "verdict:reason"
	RuleMatchCounter   maps.SafeMap[string, int]
	EvictionCounter    maps.SafeMap[string, int]
	ScanDuration       maps.SafeMap[events.EventType, time.Duration]
}

func NewMetricsMock() *MetricsMock {
	return &MetricsMock{}
}

func (m *MetricsMock) Start() {
}

func (m *MetricsMock) Destroy() {
	m.FailedEventCounter.Store(0)
	m.TruncatedScans.Store(0)
	m.ReloadFailures.Store(0)
	m.TableSize.Store(0)
	m.EventCounter.Clear()
	m.DecisionCounter.Clear()
	m.RuleMatchCounter.Clear()
	m.EvictionCounter.Clear()
	m.ScanDuration.Clear()
}

func (m *MetricsMock) ReportEvent(eventType events.EventType) {
	m.EventCounter.Set(eventType, m.EventCounter.Get(eventType)+1)
}

func (m *MetricsMock) ReportFailedEvent() {
	m.FailedEventCounter.Add(1)
}

func (m *MetricsMock) ReportDecision(verdict string, reason string) {
	key := verdict + ":" + reason
	m.DecisionCounter.Set(key, m.DecisionCounter.Get(key)+1)
}

func (m *MetricsMock) ReportRuleMatch(ruleID string) {
	m.RuleMatchCounter.Set(ruleID, m.RuleMatchCounter.Get(ruleID)+1)
}

func (m *MetricsMock) ReportScanDuration(eventType events.EventType, duration time.Duration, truncated bool) {
	m.ScanDuration.Set(eventType, duration)
	if truncated {
		m.TruncatedScans.Add(1)
	}
}

func (m *MetricsMock) ReportRulesetReload(success bool) {
	if !success {
		m.ReloadFailures.Add(1)
	}
}

func (m *MetricsMock) ReportTableSize(size int) {
	m.TableSize.Store(int64(size))
}

func (m *MetricsMock) ReportEviction(reason string, count int) {
	m.EvictionCounter.Set(reason, m.EvictionCounter.Get(reason)+count)
}
