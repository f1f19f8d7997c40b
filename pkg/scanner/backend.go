package scanner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"

	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
)

// Backend is a secondary scanner whose matches are merged into the result of
// the compiled ruleset. Rule ids it reports must not collide with ruleset ids.
type Backend interface {
	Name() string
	Scan(ctx context.Context, open func() (io.ReadCloser, error), deadline uint64) (BackendResult, error)
}

// BackendResult maps matched rule ids to the action they request.
type BackendResult struct {
	Matches   map[string]Action
	Truncated bool
}

func bufferOpener(t Target) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		if t.Reader != nil {
			return io.NopCloser(t.Reader), nil
		}
		return io.NopCloser(bytes.NewReader(t.Buffer)), nil
	}
}

// runBackends merges backend matches into res. A failing backend leaves res
// incomplete: its error wraps ErrScannerUnavailable and the other backends
// still contribute their matches.
func (e *Engine) runBackends(ctx context.Context, res *ScanResult, open func() (io.ReadCloser, error), deadline uint64) {
	if len(e.backends) == 0 || res.Err != nil {
		return
	}
	for _, b := range e.backends {
		if expired(deadline) || ctx.Err() != nil {
			res.Truncated = true
			return
		}
		br, err := b.Scan(ctx, open, deadline)
		if err != nil {
			logger.L().Warning("secondary scanner failed", helpers.String("backend", b.Name()), helpers.Error(err))
			if res.Err == nil {
				res.Err = fmt.Errorf("%w: %s: %v", ErrScannerUnavailable, b.Name(), err)
			}
			continue
		}
		if br.Truncated {
			res.Truncated = true
		}
		if len(br.Matches) == 0 {
			continue
		}
		if res.actions == nil {
			res.actions = make(map[string]Action, len(br.Matches))
		}
		maps.Copy(res.actions, br.Matches)
		for id := range br.Matches {
			res.MatchedRuleIDs.Add(id)
		}
	}
}
