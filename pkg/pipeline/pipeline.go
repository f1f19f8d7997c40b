// Package pipeline correlates events into the live process table, scans the
// content they implicate and turns the scan outcome into a decision before the
// event's deadline.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kubescape/endpoint-agent/pkg/alertthrottle"
	"github.com/kubescape/endpoint-agent/pkg/events"
	"github.com/kubescape/endpoint-agent/pkg/exporters"
	"github.com/kubescape/endpoint-agent/pkg/machtime"
	"github.com/kubescape/endpoint-agent/pkg/metricsmanager"
	"github.com/kubescape/endpoint-agent/pkg/pipeline/types"
	"github.com/kubescape/endpoint-agent/pkg/processinfo"
	"github.com/kubescape/endpoint-agent/pkg/processtable"
	"github.com/kubescape/endpoint-agent/pkg/scanner"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/panjf2000/ants/v2"
)

var errStopped = errors.New("pipeline stopped")

// Option configures optional collaborators of a Pipeline.
type Option func(*Pipeline)

// WithExporter sends a DecisionRecord to exporter for every handled event.
func WithExporter(exporter exporters.Exporter) Option {
	return func(p *Pipeline) {
		p.exporter = exporter
	}
}

func WithMetrics(metrics metricsmanager.MetricsManager) Option {
	return func(p *Pipeline) {
		p.metrics = metrics
	}
}

// WithProcessInfo seeds the table at Start and fills in exec targets that
// arrive without an executable path.
func WithProcessInfo(provider processinfo.Provider) Option {
	return func(p *Pipeline) {
		p.procInfo = provider
	}
}

// WithThrottle rate limits exported Log records.
func WithThrottle(throttle *alertthrottle.Throttle) Option {
	return func(p *Pipeline) {
		p.throttle = throttle
	}
}

// Pipeline owns the scan worker pool. The table and engine are shared with
// the caller, which keeps ownership of them.
type Pipeline struct {
	cfg      Config
	table    *processtable.Table
	engine   *scanner.Engine
	pool     *ants.Pool
	exporter exporters.Exporter
	metrics  metricsmanager.MetricsManager
	procInfo processinfo.Provider
	throttle *alertthrottle.Throttle

	mu      sync.Mutex
	running bool
	stopped bool
}

func New(cfg Config, table *processtable.Table, engine *scanner.Engine, opts ...Option) (*Pipeline, error) {
	if table == nil || engine == nil {
		return nil, fmt.Errorf("pipeline requires a process table and a scan engine")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	cfg.setDefaults()

	p := &Pipeline{
		cfg:    cfg,
		table:  table,
		engine: engine,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = metricsmanager.NewMetricsMock()
	}

	pool, err := ants.NewPool(cfg.Workers, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("creating scan worker pool: %w", err)
	}
	p.pool = pool

	table.OnEvict(func(reason string, n int) {
		p.metrics.ReportEviction(reason, n)
	})
	return p, nil
}

// Start seeds the table with the running processes and starts idle
// eviction. It is a no-op when already running.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return errStopped
	}
	if p.running {
		return nil
	}
	if p.procInfo != nil {
		processes, err := p.procInfo.RunningProcesses()
		if err != nil {
			logger.L().Warning("Pipeline - failed to list running processes", helpers.Error(err))
		} else {
			n := p.table.Seed(processes)
			logger.L().Info("Pipeline - seeded process table", helpers.Int("processes", n))
		}
	}
	p.table.Start(ctx)
	p.running = true
	return nil
}

// Stop releases the worker pool and stops eviction. Events handled after
// Stop get the fallback decision.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	p.running = false
	p.table.Stop()
	p.pool.Release()
}

// Reload compiles sources and publishes them. On failure the current ruleset
// stays active.
func (p *Pipeline) Reload(sources []scanner.RuleSource) error {
	err := p.engine.Reload(sources)
	p.reportReload(err)
	return err
}

// ReloadPaths loads rule files from paths and publishes them.
func (p *Pipeline) ReloadPaths(paths []string) error {
	err := p.engine.ReloadPaths(paths)
	p.reportReload(err)
	return err
}

func (p *Pipeline) reportReload(err error) {
	p.metrics.ReportRulesetReload(err == nil)
	if err != nil {
		logger.L().Warning("Pipeline - ruleset reload failed, keeping current ruleset", helpers.Error(err))
		return
	}
	if rs := p.engine.Current(); rs != nil {
		logger.L().Info("Pipeline - ruleset reloaded",
			helpers.Int("rules", rs.Len()),
			helpers.String("generation", fmt.Sprintf("%d", rs.Generation())))
	}
}

// HandleRaw normalizes raw and handles the result as delivered by
// raw.Client. Messages that cannot be normalized are dropped with a
// malformed-event decision; unknown variants are handled as advisory events.
func (p *Pipeline) HandleRaw(ctx context.Context, raw *events.RawMessage) types.Decision {
	ev, err := events.Normalize(raw)
	if err != nil {
		var unknown *events.UnknownEventVariantError
		if errors.As(err, &unknown) && ev != nil {
			logger.L().Debug("Pipeline - unknown event variant", helpers.Int("rawType", int(unknown.RawType)))
			return p.HandleFrom(ctx, ev, raw.Client)
		}
		return p.dropMalformed(raw.IsAuth(), raw.Type(), err)
	}
	return p.HandleFrom(ctx, ev, raw.Client)
}

// Handle correlates, decides and reports ev.
func (p *Pipeline) Handle(ctx context.Context, ev *events.Event) types.Decision {
	return p.HandleFrom(ctx, ev, "")
}

// HandleFrom is Handle for events delivered by the named event-source client.
func (p *Pipeline) HandleFrom(ctx context.Context, ev *events.Event, client string) types.Decision {
	arrival := machtime.Now()
	if ev == nil {
		return p.dropMalformed(false, events.OtherEventType, fmt.Errorf("nil event"))
	}
	if err := ev.Validate(); err != nil {
		return p.dropMalformed(ev.IsAuth(), ev.Type(), err)
	}
	p.metrics.ReportEvent(ev.Type())

	ev = p.enrich(ev)
	key, err := p.table.Observe(ev, client)
	if err != nil {
		logger.L().Debug("Pipeline - correlation",
			helpers.String("eventType", string(ev.Type())),
			helpers.String("process", key.String()),
			helpers.Error(err))
	}

	d, sum := p.decide(ctx, ev, arrival)
	if sum.complete || len(sum.block) > 0 {
		p.table.MarkScanned(key, processtable.ScanVerdict{
			Generation: sum.generation,
			Verdict:    string(d.Verdict),
			RuleIDs:    d.RuleIDs,
			At:         sum.finished,
		})
	}
	p.report(ev, key, d, sum)
	return d
}

// Decide computes the decision for ev without touching the process table or
// emitting telemetry.
func (p *Pipeline) Decide(ctx context.Context, ev *events.Event) types.Decision {
	arrival := machtime.Now()
	if ev == nil {
		return p.malformedDecision(false, events.OtherEventType)
	}
	if err := ev.Validate(); err != nil {
		return p.malformedDecision(ev.IsAuth(), ev.Type())
	}
	d, _ := p.decide(ctx, p.enrich(ev), arrival)
	return d
}

func (p *Pipeline) dropMalformed(auth bool, eventType events.EventType, err error) types.Decision {
	p.metrics.ReportFailedEvent()
	logger.L().Warning("Pipeline - dropping malformed event",
		helpers.String("eventType", string(eventType)),
		helpers.Error(err))
	d := p.malformedDecision(auth, eventType)
	p.metrics.ReportDecision(string(d.Verdict), d.Reason)
	return d
}

// malformedDecision answers authorizing events with their fallback policy;
// the operation must not stay blocked on an event that cannot be read.
func (p *Pipeline) malformedDecision(auth bool, eventType events.EventType) types.Decision {
	if !auth {
		return types.Decision{Verdict: types.VerdictLog, Reason: types.ReasonMalformedEvent, Advisory: true}
	}
	return types.Decision{
		Verdict:  policyVerdict(p.cfg.policyFor(eventType)),
		Reason:   types.ReasonMalformedEvent,
		Fallback: true,
	}
}
