package pipeline

import (
	"time"

	"github.com/google/uuid"
	"github.com/kubescape/endpoint-agent/pkg/events"
	"github.com/kubescape/endpoint-agent/pkg/pipeline/types"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
)

// report updates metrics, logs the decision and exports its record.
func (p *Pipeline) report(ev *events.Event, key events.ProcessKey, d types.Decision, sum scanSummary) {
	p.metrics.ReportDecision(string(d.Verdict), d.Reason)
	for _, id := range d.RuleIDs {
		p.metrics.ReportRuleMatch(id)
	}
	if sum.scanned {
		p.metrics.ReportScanDuration(ev.Type(), sum.duration, sum.truncated)
	}
	p.metrics.ReportTableSize(p.table.Len())

	fields := []helpers.IDetails{
		helpers.String("eventType", string(ev.Type())),
		helpers.String("process", key.String()),
		helpers.String("verdict", string(d.Verdict)),
		helpers.String("reason", d.Reason),
	}
	if sum.path != "" {
		fields = append(fields, helpers.String("path", sum.path))
	}
	if sum.err != nil {
		fields = append(fields, helpers.Error(sum.err))
	}
	switch {
	case d.Fallback:
		logger.L().Warning("Pipeline - fallback decision", fields...)
	case d.Verdict == types.VerdictDeny:
		logger.L().Info("Pipeline - denied", fields...)
	default:
		logger.L().Debug("Pipeline - decision", fields...)
	}

	if p.exporter == nil {
		return
	}
	if d.Verdict == types.VerdictLog && !d.Fallback && p.throttle != nil && !p.throttle.Allow(throttleKey(ev, d)) {
		logger.L().Debug("Pipeline - log decision throttled", fields...)
		return
	}
	p.exporter.SendDecision(p.record(ev, key, d, sum))
}

// throttleKey groups Log records by what fired and where.
func throttleKey(ev *events.Event, d types.Decision) string {
	return d.Reason + "|" + subject(ev).ExecutablePath()
}

func (p *Pipeline) record(ev *events.Event, key events.ProcessKey, d types.Decision, sum scanSummary) types.DecisionRecord {
	proc := subject(ev)
	at := ev.Time
	if at.IsZero() {
		at = time.Now().UTC()
	}
	r := types.DecisionRecord{
		ID:             uuid.NewString(),
		Time:           at,
		Token:          proc.AuditToken,
		ParentToken:    proc.ParentToken,
		EventType:      ev.Type(),
		Action:         ev.Action,
		Verdict:        d.Verdict,
		Reason:         d.Reason,
		RuleIDs:        d.RuleIDs,
		Advisory:       d.Advisory,
		Fallback:       d.Fallback,
		ScanDuration:   sum.duration,
		Truncated:      sum.truncated,
		Generation:     sum.generation,
		Path:           sum.path,
		SHA256:         sum.sha256,
		ExecutablePath: proc.ExecutablePath(),
		SigningID:      proc.SigningID(),
	}
	for _, ancestor := range p.table.Ancestors(key, p.cfg.MaxAncestors) {
		r.Ancestry = append(r.Ancestry, ancestor.Process.ExecutablePath())
	}
	return r
}
