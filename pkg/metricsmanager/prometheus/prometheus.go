package metricsmanager

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/kubescape/endpoint-agent/pkg/events"
	"github.com/kubescape/endpoint-agent/pkg/metricsmanager"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	prometheusRuleIdLabel = "rule_id"
	eventTypeLabel        = "event_type"
	verdictLabel          = "verdict"
	reasonLabel           = "reason"
	resultLabel           = "result"

	DefaultAddress = ":8080"
)

var _ metricsmanager.MetricsManager = (*PrometheusMetric)(nil)

type PrometheusMetric struct {
	registry *prometheus.Registry
	address  string
	server   *http.Server

	eventCounter       *prometheus.CounterVec
	failedEventCounter prometheus.Counter
	decisionCounter    *prometheus.CounterVec
	ruleMatchCounter   *prometheus.CounterVec
	scanDuration       *prometheus.HistogramVec
	truncatedCounter   *prometheus.CounterVec
	reloadCounter      *prometheus.CounterVec
	tableSizeGauge     prometheus.Gauge
	evictionCounter    *prometheus.CounterVec

	// Cache to avoid allocating Labels maps on every call
	ruleCounterCache  map[string]prometheus.Counter
	counterCacheMutex sync.RWMutex
}

// NewPrometheusMetric registers the agent metrics on a private registry served
// at address.
func NewPrometheusMetric(address string) *PrometheusMetric {
	if address == "" {
		address = DefaultAddress
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &PrometheusMetric{
		registry: reg,
		address:  address,
		eventCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "endpoint_agent_event_counter",
			Help: "The total number of security events received from the event source",
		}, []string{eventTypeLabel}),
		failedEventCounter: factory.NewCounter(prometheus.CounterOpts{
			Name: "endpoint_agent_event_failure_counter",
			Help: "The total number of events that could not be normalized",
		}),
		decisionCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "endpoint_agent_decision_counter",
			Help: "The total number of decisions by verdict and reason",
		}, []string{verdictLabel, reasonLabel}),
		ruleMatchCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "endpoint_agent_rule_match_counter",
			Help: "The total number of scans matched by each rule",
		}, []string{prometheusRuleIdLabel}),
		scanDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "endpoint_agent_scan_duration_seconds",
			Help:    "Time taken to scan the content implicated by an event",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		}, []string{eventTypeLabel}),
		truncatedCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "endpoint_agent_scan_truncated_counter",
			Help: "The total number of scans cut short by their deadline",
		}, []string{eventTypeLabel}),
		reloadCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "endpoint_agent_ruleset_reload_counter",
			Help: "The total number of ruleset reloads by result",
		}, []string{resultLabel}),
		tableSizeGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "endpoint_agent_process_table_size",
			Help: "Number of live processes tracked",
		}),
		evictionCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "endpoint_agent_process_eviction_counter",
			Help: "The total number of process table entries evicted by reason",
		}, []string{reasonLabel}),
		ruleCounterCache: make(map[string]prometheus.Counter),
	}
}

// Registry exposes the private registry, mainly for tests.
func (p *PrometheusMetric) Registry() *prometheus.Registry {
	return p.registry
}

func (p *PrometheusMetric) Start() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry}))
	p.server = &http.Server{Addr: p.address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func(srv *http.Server) {
		logger.L().Info("prometheus metrics server started", helpers.String("address", p.address), helpers.String("path", "/metrics"))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.L().Error("prometheus metrics server failed", helpers.Error(err))
		}
	}(p.server)
}

func (p *PrometheusMetric) Destroy() {
	if p.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.server.Shutdown(ctx)
		p.server = nil
	}
	p.registry.Unregister(p.eventCounter)
	p.registry.Unregister(p.failedEventCounter)
	p.registry.Unregister(p.decisionCounter)
	p.registry.Unregister(p.ruleMatchCounter)
	p.registry.Unregister(p.scanDuration)
	p.registry.Unregister(p.truncatedCounter)
	p.registry.Unregister(p.reloadCounter)
	p.registry.Unregister(p.tableSizeGauge)
	p.registry.Unregister(p.evictionCounter)
}

func (p *PrometheusMetric) ReportEvent(eventType events.EventType) {
	p.eventCounter.WithLabelValues(string(eventType)).Inc()
}

func (p *PrometheusMetric) ReportFailedEvent() {
	p.failedEventCounter.Inc()
}

func (p *PrometheusMetric) ReportDecision(verdict string, reason string) {
	p.decisionCounter.WithLabelValues(verdict, reasonLabelValue(reason)).Inc()
}

// getCachedRuleCounter returns a cached counter for the given rule ID to avoid map allocations
func (p *PrometheusMetric) getCachedRuleCounter(ruleID string) prometheus.Counter {
	p.counterCacheMutex.RLock()
	counter, exists := p.ruleCounterCache[ruleID]
	p.counterCacheMutex.RUnlock()

	if exists {
		return counter
	}

	p.counterCacheMutex.Lock()
	defer p.counterCacheMutex.Unlock()

	// Double-check after acquiring write lock
	if counter, exists := p.ruleCounterCache[ruleID]; exists {
		return counter
	}

	counter = p.ruleMatchCounter.With(prometheus.Labels{prometheusRuleIdLabel: ruleID})
	p.ruleCounterCache[ruleID] = counter
	return counter
}

func (p *PrometheusMetric) ReportRuleMatch(ruleID string) {
	p.getCachedRuleCounter(ruleID).Inc()
}

func (p *PrometheusMetric) ReportScanDuration(eventType events.EventType, duration time.Duration, truncated bool) {
	p.scanDuration.WithLabelValues(string(eventType)).Observe(duration.Seconds())
	if truncated {
		p.truncatedCounter.WithLabelValues(string(eventType)).Inc()
	}
}

func (p *PrometheusMetric) ReportRulesetReload(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	p.reloadCounter.WithLabelValues(result).Inc()
}

func (p *PrometheusMetric) ReportTableSize(size int) {
	p.tableSizeGauge.Set(float64(size))
}

func (p *PrometheusMetric) ReportEviction(reason string, count int) {
	p.evictionCounter.WithLabelValues(reason).Add(float64(count))
}

// reasonLabelValue keeps label cardinality bounded: rule ids are reported on
// their own counter, so match reasons collapse to their prefix.
func reasonLabelValue(reason string) string {
	for i := 0; i < len(reason); i++ {
		if reason[i] == ':' {
			return reason[:i]
		}
	}
	return reason
}
