package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/facette/natsort"
	"github.com/kubescape/endpoint-agent/pkg/events"
	"github.com/kubescape/endpoint-agent/pkg/machtime"
	"github.com/kubescape/endpoint-agent/pkg/pipeline/types"
	"github.com/kubescape/endpoint-agent/pkg/scanner"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
)

var errNoExecutable = errors.New("exec target has no executable path")

// scanSummary merges the scan results of every target of one event.
type scanSummary struct {
	scanned bool
	// complete is set when every target was scanned to the end without error.
	complete   bool
	block      []string
	log        []string
	truncated  bool
	err        error
	duration   time.Duration
	finished   time.Time
	generation uint64
	path       string
	sha256     string
}

func (p *Pipeline) decide(ctx context.Context, ev *events.Event, arrival uint64) (types.Decision, scanSummary) {
	if ev.Type() == events.OtherEventType {
		return types.Decision{Verdict: types.VerdictLog, Reason: types.ReasonUnknownEvent, Advisory: true}, scanSummary{}
	}

	if exec, ok := ev.AsExec(); ok && exec.Target.ExecutablePath() == "" {
		sum := scanSummary{err: errNoExecutable}
		return p.verdict(ev, sum), sum
	}

	targets, excluded := p.contentTargets(ev)
	if len(targets) == 0 {
		reason := types.ReasonNoScanRequired
		if excluded > 0 {
			reason = types.ReasonExcluded
		}
		return types.Decision{Verdict: types.VerdictAllow, Reason: reason, Advisory: !ev.IsAuth()}, scanSummary{}
	}

	sum := p.scan(ctx, targets, p.deadline(ev, arrival))
	sum.path = targets[0].Metadata.Path
	return p.verdict(ev, sum), sum
}

// deadline is the earlier of the event's own deadline minus the safety
// margin and arrival plus the maximum scan latency, in host ticks.
func (p *Pipeline) deadline(ev *events.Event, arrival uint64) uint64 {
	deadline := machtime.AddNanosecsToMachTime(arrival, uint64(p.cfg.MaxScanLatency))
	if ev.IsAuth() && ev.Deadline != 0 {
		margin := machtime.NanosecondsToMachTime(uint64(p.cfg.DeadlineMargin))
		osDeadline := arrival
		if ev.Deadline > margin && ev.Deadline-margin > arrival {
			osDeadline = ev.Deadline - margin
		}
		if osDeadline < deadline {
			deadline = osDeadline
		}
	}
	// 0 means no deadline to the scanner
	if deadline == 0 {
		deadline = 1
	}
	return deadline
}

// scan runs the targets on the worker pool and waits for the result until
// deadline. A result that is still missing then counts as truncated; the
// worker notices the expired deadline on its own.
func (p *Pipeline) scan(ctx context.Context, targets []scanner.Target, deadline uint64) scanSummary {
	start := time.Now()
	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan scanSummary, 1)
	task := func() {
		defer func() {
			if r := recover(); r != nil {
				logger.L().Error("Pipeline - scan worker panic", helpers.Interface("panic", r))
				done <- scanSummary{err: fmt.Errorf("%w: scan panicked: %v", scanner.ErrScannerUnavailable, r)}
			}
		}()
		done <- p.scanTargets(scanCtx, targets, deadline)
	}

	var sum scanSummary
	if err := p.pool.Submit(task); err != nil {
		sum = scanSummary{err: fmt.Errorf("%w: %v", scanner.ErrScannerUnavailable, err)}
	} else {
		timer := time.NewTimer(machtime.Remaining(deadline))
		defer timer.Stop()
		select {
		case sum = <-done:
		case <-timer.C:
			sum = abandon(done)
		case <-ctx.Done():
			sum = abandon(done)
		}
	}
	sum.duration = time.Since(start)
	sum.finished = time.Now()
	return sum
}

// abandon takes a result that raced the deadline, if any.
func abandon(done <-chan scanSummary) scanSummary {
	select {
	case sum := <-done:
		return sum
	default:
		return scanSummary{scanned: true, truncated: true}
	}
}

func (p *Pipeline) scanTargets(ctx context.Context, targets []scanner.Target, deadline uint64) scanSummary {
	sum := scanSummary{scanned: true}
	block := mapset.NewThreadUnsafeSet[string]()
	log := mapset.NewThreadUnsafeSet[string]()
	for i, target := range targets {
		res := p.engine.Scan(ctx, target, deadline)
		if i == 0 {
			sum.sha256 = res.SHA256
		}
		if res.Generation > sum.generation {
			sum.generation = res.Generation
		}
		sum.truncated = sum.truncated || res.Truncated
		if res.Err != nil && sum.err == nil {
			sum.err = res.Err
		}
		b, l := res.Classify()
		block.Append(b...)
		log.Append(l...)
		if block.Cardinality() > 0 || sum.truncated || res.Unavailable() {
			break
		}
	}
	sum.block = sortedIDs(block)
	sum.log = sortedIDs(log.Difference(block))
	sum.complete = sum.err == nil && !sum.truncated
	return sum
}

func sortedIDs(ids mapset.Set[string]) []string {
	if ids.Cardinality() == 0 {
		return nil
	}
	out := ids.ToSlice()
	natsort.Sort(out)
	return out
}

// verdict applies the decision rules to a scan: a blocking match denies even
// when the scan was cut short; otherwise an incomplete scan takes the
// fallback policy of the event type.
func (p *Pipeline) verdict(ev *events.Event, sum scanSummary) types.Decision {
	auth := ev.IsAuth()
	ids := append(append([]string(nil), sum.block...), sum.log...)
	natsort.Sort(ids)
	d := types.Decision{Advisory: !auth}
	if len(ids) > 0 {
		d.RuleIDs = ids
	}

	var base string
	switch {
	case len(sum.block) > 0:
		d.Verdict = types.VerdictDeny
		d.Reason = types.RuleMatchReason(sum.block)
		if !auth {
			// the operation already happened
			d.Verdict = types.VerdictLog
		}
		return d
	case scannerUnavailable(sum.err):
		base = types.ReasonScannerUnavailable
	case sum.err != nil:
		base = types.ReasonScanError
	case sum.truncated:
		base = types.ReasonScanTimeout
	case len(sum.log) > 0:
		d.Verdict = types.VerdictLog
		d.Reason = types.RuleLogReason(sum.log)
		return d
	default:
		d.Verdict = types.VerdictAllow
		d.Reason = types.ReasonNoMatch
		return d
	}

	if !auth {
		d.Verdict = types.VerdictLog
		d.Reason = base
		return d
	}
	policy := p.cfg.policyFor(ev.Type())
	d.Verdict = policyVerdict(policy)
	d.Reason = types.FallbackReason(base, policy)
	d.Fallback = true
	return d
}

func scannerUnavailable(err error) bool {
	return errors.Is(err, scanner.ErrScannerUnavailable)
}

func policyVerdict(policy types.FallbackPolicy) types.Verdict {
	if policy == types.FailClosed {
		return types.VerdictDeny
	}
	return types.VerdictAllow
}
