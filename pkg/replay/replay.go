// Package replay feeds recorded raw event messages, one JSON document per
// line, through a decision handler. It stands in for the OS event source in
// tests and offline analysis.
package replay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/kubescape/endpoint-agent/pkg/events"
	"github.com/kubescape/endpoint-agent/pkg/machtime"
	"github.com/kubescape/endpoint-agent/pkg/pipeline/types"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/spf13/afero"
)

const maxLineSize = 4 * 1024 * 1024

// Handler decides one raw message.
type Handler interface {
	HandleRaw(ctx context.Context, raw *events.RawMessage) types.Decision
}

// Result is the decision for the message on Line (1-based).
type Result struct {
	Line     int
	Decision types.Decision
}

type Summary struct {
	Results []Result
	// Skipped counts lines that were not valid JSON messages.
	Skipped int
}

// Replay hands every message in r to h in order and collects the decisions.
// Lines that do not decode are logged and skipped; blank lines are ignored.
func Replay(ctx context.Context, r io.Reader, h Handler) (Summary, error) {
	var summary Summary
	skipped, err := Stream(ctx, r, h, func(res Result) {
		summary.Results = append(summary.Results, res)
	})
	summary.Skipped = skipped
	return summary, err
}

// Stream is Replay without keeping the decisions, for unbounded inputs. It
// returns the number of skipped lines.
func Stream(ctx context.Context, r io.Reader, h Handler, onResult func(Result)) (int, error) {
	skipped := 0
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return skipped, err
		}
		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 {
			continue
		}
		var raw events.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			logger.L().Warning("Replay - skipping undecodable line", helpers.Int("line", line), helpers.Error(err))
			skipped++
			continue
		}
		Rebase(&raw, machtime.Now())
		d := h.HandleRaw(ctx, &raw)
		if onResult != nil {
			onResult(Result{Line: line, Decision: d})
		}
	}
	if err := scanner.Err(); err != nil {
		return skipped, fmt.Errorf("reading line %d: %w", line+1, err)
	}
	return skipped, nil
}

// Rebase moves a recorded deadline so that the message keeps the budget it
// had when it was recorded, counted from now. Recorded deadlines are absolute
// host ticks of another boot and would otherwise already be expired.
func Rebase(raw *events.RawMessage, now uint64) {
	if raw.Deadline == 0 {
		return
	}
	budget := uint64(0)
	if raw.Deadline > raw.MachTime {
		budget = raw.Deadline - raw.MachTime
	}
	raw.Deadline = now + budget
}

// ReplayFile replays the file at path on appFs.
func ReplayFile(ctx context.Context, appFs afero.Fs, path string, h Handler) (Summary, error) {
	f, err := appFs.Open(path)
	if err != nil {
		return Summary{}, fmt.Errorf("opening replay file: %w", err)
	}
	defer f.Close()
	return Replay(ctx, f, h)
}

// Encode writes raw as one replay line.
func Encode(w io.Writer, raw *events.RawMessage) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}
