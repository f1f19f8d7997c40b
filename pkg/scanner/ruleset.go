package scanner

import (
	"time"

	ahocorasick "github.com/BobuSumisu/aho-corasick"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dlclark/regexp2"
	"github.com/facette/natsort"
	"github.com/google/cel-go/cel"
	"github.com/kubescape/endpoint-agent/pkg/events"
)

// Rule is a compiled signature rule.
type Rule struct {
	ID          string
	Name        string
	Description string
	Action      Action
	Severity    Severity
	Tags        map[string]string

	eventTypes   mapset.Set[events.EventType]
	regexes      []*regexp2.Regexp
	sha256       mapset.Set[string]
	condition    cel.Program
	minMatches   int
	patternCount int
}

// AppliesTo reports whether the rule is restricted to other event types.
func (r *Rule) AppliesTo(t events.EventType) bool {
	return r.eventTypes == nil || t == "" || r.eventTypes.Contains(t)
}

type patternRef struct {
	rule int
	slot int
}

// Ruleset is an immutable compiled set of rules. It is safe for concurrent
// use by any number of scans.
type Ruleset struct {
	generation uint64
	compiledAt time.Time
	rules      []*Rule
	byID       map[string]*Rule

	exact        *ahocorasick.Trie
	exactOwners  [][]patternRef
	folded       *ahocorasick.Trie
	foldedOwners [][]patternRef
	maxLiteral   int
	hasHashRules bool
	hasRegexes   bool
}

func (rs *Ruleset) Generation() uint64 {
	return rs.generation
}

func (rs *Ruleset) CompiledAt() time.Time {
	return rs.compiledAt
}

func (rs *Ruleset) Len() int {
	return len(rs.rules)
}

// Rules returns the rules in compilation order.
func (rs *Ruleset) Rules() []*Rule {
	out := make([]*Rule, len(rs.rules))
	copy(out, rs.rules)
	return out
}

func (rs *Ruleset) Rule(id string) (*Rule, bool) {
	r, ok := rs.byID[id]
	return r, ok
}

// MaxLiteralLength is the length of the longest literal pattern.
func (rs *Ruleset) MaxLiteralLength() int {
	return rs.maxLiteral
}

// Classify splits matched rule ids by action. Ids unknown to the ruleset
// (contributed by a secondary backend) are classified by fallback. Both
// slices are in natural order.
func (rs *Ruleset) Classify(ids mapset.Set[string], fallback func(id string) Action) (block, log []string) {
	if ids == nil {
		return nil, nil
	}
	for _, id := range ids.ToSlice() {
		action := ActionBlock
		if r, ok := rs.byID[id]; ok {
			action = r.Action
		} else if fallback != nil {
			action = fallback(id)
		}
		if action == ActionBlock {
			block = append(block, id)
		} else {
			log = append(log, id)
		}
	}
	natsort.Sort(block)
	natsort.Sort(log)
	return block, log
}
