package scanner

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"hash"
	"io"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/kubescape/endpoint-agent/pkg/events"
	"github.com/kubescape/endpoint-agent/pkg/machtime"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	sha256simd "github.com/minio/sha256-simd"
)

const (
	DefaultChunkSize = 64 * 1024
	// regexOverlap is carried between chunks when the ruleset has regexes.
	// Regex matches longer than this that straddle a chunk boundary are missed.
	regexOverlap = 1024
)

// Metadata describes the event around a target. It feeds rule conditions.
type Metadata struct {
	EventType      events.EventType
	Path           string
	Size           int64
	ProcessPath    string
	SigningID      string
	TeamID         string
	PlatformBinary bool
}

func (m Metadata) activation() map[string]any {
	return map[string]any{
		"event_type":      string(m.EventType),
		"path":            m.Path,
		"size":            m.Size,
		"process_path":    m.ProcessPath,
		"signing_id":      m.SigningID,
		"team_id":         m.TeamID,
		"platform_binary": m.PlatformBinary,
	}
}

// Target is the content to scan: an in-memory buffer, or a file identified by
// path. File targets are opened by the Engine; Scan itself reads Reader.
type Target struct {
	Buffer   []byte
	Reader   io.Reader
	Path     string
	File     *events.File
	Metadata Metadata
}

func BufferTarget(b []byte, meta Metadata) Target {
	return Target{Buffer: b, Metadata: meta}
}

func FileTarget(f *events.File, meta Metadata) Target {
	if meta.Path == "" {
		meta.Path = f.GetPath()
	}
	if meta.Size == 0 && f != nil {
		meta.Size = f.Size
	}
	return Target{Path: f.GetPath(), File: f, Metadata: meta}
}

func (t Target) IsFile() bool {
	return t.Buffer == nil && t.Reader == nil && t.Path != ""
}

// ScanResult is the outcome of one scan. Truncated means the deadline or
// context ended the scan early; MatchedRuleIDs then holds the matches found
// so far. Capped means the size limit stopped reading; a capped result is
// also Truncated since the rest of the content was never inspected.
type ScanResult struct {
	MatchedRuleIDs mapset.Set[string]
	Duration       time.Duration
	Truncated      bool
	Capped         bool
	Cached         bool
	BytesScanned   int64
	SHA256         string
	Generation     uint64
	Err            error

	ruleset *Ruleset
	// actions of ids contributed by secondary backends
	actions map[string]Action
}

// Classify splits the matched ids into blocking and log-only ids in natural
// order, using the ruleset the scan ran against. Ids reported by a backend
// carry the action the backend asked for.
func (r ScanResult) Classify() (block, log []string) {
	rs := r.ruleset
	if rs == nil {
		rs = &Ruleset{}
	}
	return rs.Classify(r.MatchedRuleIDs, func(id string) Action {
		if a, ok := r.actions[id]; ok {
			return a
		}
		return ActionBlock
	})
}

func (r ScanResult) Matched() bool {
	return r.MatchedRuleIDs != nil && r.MatchedRuleIDs.Cardinality() > 0
}

// Unavailable reports a scan that could not run at all.
func (r ScanResult) Unavailable() bool {
	return errors.Is(r.Err, ErrScannerUnavailable)
}

type scanOptions struct {
	chunkSize int
	maxBytes  int64
}

// Scan scans target against rs until the content ends, deadline (in host
// ticks, 0 for none) passes or ctx is done.
func Scan(ctx context.Context, target Target, rs *Ruleset, deadline uint64) ScanResult {
	return scan(ctx, target, rs, deadline, scanOptions{chunkSize: DefaultChunkSize})
}

func scan(ctx context.Context, target Target, rs *Ruleset, deadline uint64, o scanOptions) ScanResult {
	start := time.Now()
	res := ScanResult{MatchedRuleIDs: mapset.NewSet[string]()}
	if rs == nil {
		res.Err = ErrScannerUnavailable
		return res
	}
	res.Generation = rs.generation
	res.ruleset = rs
	if o.chunkSize <= 0 {
		o.chunkSize = DefaultChunkSize
	}

	st := newScanState(rs, target.Metadata)
	if !st.anyActive() {
		res.Duration = time.Since(start)
		return res
	}

	reader := target.Reader
	if reader == nil {
		reader = bytes.NewReader(target.Buffer)
	}
	var hasher hash.Hash
	if st.needHash {
		hasher = sha256simd.New()
	}

	overlap := rs.maxLiteral - 1
	if rs.hasRegexes && overlap < regexOverlap {
		overlap = regexOverlap
	}
	if overlap < 0 {
		overlap = 0
	}

	chunk := make([]byte, o.chunkSize)
	window := make([]byte, 0, overlap+o.chunkSize)
	carry := 0
	eof := false
	for !eof {
		if expired(deadline) || ctx.Err() != nil {
			res.Truncated = true
			break
		}
		toRead := int64(o.chunkSize)
		if o.maxBytes > 0 {
			left := o.maxBytes - res.BytesScanned
			if left <= 0 {
				res.Capped = hasMore(reader)
				res.Truncated = res.Capped
				eof = !res.Capped
				break
			}
			toRead = min(toRead, left)
		}
		n, err := io.ReadFull(reader, chunk[:toRead])
		if n > 0 {
			window = append(window[:carry], chunk[:n]...)
			if st.scanWindow(window) {
				res.Truncated = true
			}
			if hasher != nil {
				hasher.Write(chunk[:n])
			}
			res.BytesScanned += int64(n)
			if keep := min(overlap, len(window)); keep > 0 {
				copy(window, window[len(window)-keep:])
				carry = keep
			} else {
				carry = 0
			}
		}
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			eof = true
		case err != nil:
			res.Err = err
			eof = true
		}
		if !eof && hasher == nil && st.allMatched() {
			break
		}
	}

	if eof && hasher != nil && res.Err == nil && !res.Truncated {
		res.SHA256 = hex.EncodeToString(hasher.Sum(nil))
		st.matchHash(res.SHA256)
	}
	st.collect(res.MatchedRuleIDs)
	res.Duration = time.Since(start)
	return res
}

func expired(deadline uint64) bool {
	return deadline != 0 && machtime.Expired(deadline)
}

func hasMore(r io.Reader) bool {
	var b [1]byte
	n, _ := r.Read(b[:])
	return n > 0
}

// scanState tracks per-rule progress during one scan.
type scanState struct {
	rs        *Ruleset
	active    []bool
	hits      [][]bool
	hitCount  []int
	hashHit   []bool
	needHash  bool
	needFold  bool
	foldBuf   []byte
	remaining int
}

func newScanState(rs *Ruleset, meta Metadata) *scanState {
	st := &scanState{
		rs:       rs,
		active:   make([]bool, len(rs.rules)),
		hits:     make([][]bool, len(rs.rules)),
		hitCount: make([]int, len(rs.rules)),
		hashHit:  make([]bool, len(rs.rules)),
		needFold: rs.folded != nil,
	}
	var activation map[string]any
	for i, r := range rs.rules {
		if !r.AppliesTo(meta.EventType) {
			continue
		}
		if r.condition != nil {
			if activation == nil {
				activation = meta.activation()
			}
			out, _, err := r.condition.Eval(activation)
			if err != nil {
				logger.L().Debug("rule condition failed", helpers.String("ruleID", r.ID), helpers.Error(err))
				continue
			}
			if ok, _ := out.Value().(bool); !ok {
				continue
			}
		}
		st.active[i] = true
		st.hits[i] = make([]bool, r.patternCount)
		if r.sha256 != nil {
			st.needHash = true
		}
		if r.patternCount > 0 {
			st.remaining++
		}
	}
	return st
}

func (st *scanState) anyActive() bool {
	for _, a := range st.active {
		if a {
			return true
		}
	}
	return false
}

// allMatched reports that every active pattern rule already satisfied its
// minimum.
func (st *scanState) allMatched() bool {
	return st.remaining == 0
}

func (st *scanState) hit(ref patternRef) {
	if !st.active[ref.rule] || st.hits[ref.rule][ref.slot] {
		return
	}
	st.hits[ref.rule][ref.slot] = true
	st.hitCount[ref.rule]++
	if st.hitCount[ref.rule] == st.rs.rules[ref.rule].minMatches {
		st.remaining--
	}
}

// scanWindow matches one window and reports whether a regex timed out.
func (st *scanState) scanWindow(window []byte) bool {
	rs := st.rs
	if rs.exact != nil {
		for _, m := range rs.exact.Match(window) {
			for _, ref := range rs.exactOwners[m.Pattern()] {
				st.hit(ref)
			}
		}
	}
	if st.needFold {
		st.foldBuf = asciiLower(st.foldBuf[:0], window)
		for _, m := range rs.folded.Match(st.foldBuf) {
			for _, ref := range rs.foldedOwners[m.Pattern()] {
				st.hit(ref)
			}
		}
	}
	if !rs.hasRegexes {
		return false
	}
	timedOut := false
	var text string
	for i, r := range rs.rules {
		if !st.active[i] || len(r.regexes) == 0 {
			continue
		}
		base := r.patternCount - len(r.regexes)
		for j, re := range r.regexes {
			if st.hits[i][base+j] {
				continue
			}
			if text == "" {
				text = string(window)
			}
			ok, err := re.MatchString(text)
			if err != nil {
				logger.L().Debug("regex match aborted", helpers.String("ruleID", r.ID), helpers.Error(err))
				timedOut = true
				continue
			}
			if ok {
				st.hit(patternRef{rule: i, slot: base + j})
			}
		}
	}
	return timedOut
}

func (st *scanState) matchHash(sum string) {
	for i, r := range st.rs.rules {
		if st.active[i] && r.sha256 != nil && r.sha256.Contains(sum) {
			st.hashHit[i] = true
		}
	}
}

func (st *scanState) collect(into mapset.Set[string]) {
	for i, r := range st.rs.rules {
		if !st.active[i] {
			continue
		}
		patternsOK := r.patternCount > 0 && st.hitCount[i] >= r.minMatches
		conditionOnly := r.patternCount == 0 && r.sha256 == nil
		if patternsOK || st.hashHit[i] || conditionOnly {
			into.Add(r.ID)
		}
	}
}

// asciiLower folds ASCII letters only so byte offsets are preserved for
// arbitrary binary content.
func asciiLower(dst, src []byte) []byte {
	for _, b := range src {
		if 'A' <= b && b <= 'Z' {
			b += 'a' - 'A'
		}
		dst = append(dst, b)
	}
	return dst
}
