package scanner

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	ahocorasick "github.com/BobuSumisu/aho-corasick"
	"github.com/Masterminds/semver/v3"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dlclark/regexp2"
	"github.com/google/cel-go/cel"
	"github.com/kubescape/endpoint-agent/pkg/events"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"go.uber.org/multierr"
)

const DefaultRegexMatchTimeout = 100 * time.Millisecond

type compileOptions struct {
	generation   uint64
	agentVersion string
	regexTimeout time.Duration
}

type CompileOption func(*compileOptions)

// WithGeneration stamps the compiled ruleset.
func WithGeneration(g uint64) CompileOption {
	return func(o *compileOptions) { o.generation = g }
}

// WithAgentVersion sets the version agent_version_requirement is checked
// against. Defaults to the AGENT_VERSION environment variable.
func WithAgentVersion(v string) CompileOption {
	return func(o *compileOptions) { o.agentVersion = v }
}

// WithRegexMatchTimeout bounds every single regex evaluation.
func WithRegexMatchTimeout(d time.Duration) CompileOption {
	return func(o *compileOptions) {
		if d > 0 {
			o.regexTimeout = d
		}
	}
}

// celVariables are the event metadata names available to rule conditions.
var celVariables = []cel.EnvOption{
	cel.Variable("event_type", cel.StringType),
	cel.Variable("path", cel.StringType),
	cel.Variable("size", cel.IntType),
	cel.Variable("process_path", cel.StringType),
	cel.Variable("signing_id", cel.StringType),
	cel.Variable("team_id", cel.StringType),
	cel.Variable("platform_binary", cel.BoolType),
}

// Compile turns rule sources into an immutable Ruleset. Every malformed rule
// is reported; the returned error aggregates one *RuleCompilationError per
// rule and no ruleset is produced in that case.
func Compile(sources []RuleSource, opts ...CompileOption) (*Ruleset, error) {
	o := compileOptions{
		generation:   1,
		agentVersion: os.Getenv("AGENT_VERSION"),
		regexTimeout: DefaultRegexMatchTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	env, err := cel.NewEnv(celVariables...)
	if err != nil {
		return nil, fmt.Errorf("creating condition environment: %w", err)
	}

	c := &compiler{
		opts:        o,
		env:         env,
		exactIndex:  map[string]int{},
		foldedIndex: map[string]int{},
	}
	rs := &Ruleset{
		generation: o.generation,
		compiledAt: time.Now(),
		byID:       map[string]*Rule{},
	}

	var errs error
	for _, src := range sources {
		if !src.IsEnabled() {
			logger.L().Debug("skipping disabled rule", helpers.String("ruleID", src.ID))
			continue
		}
		if src.AgentVersionRequirement != "" && !c.agentVersionCompatible(src) {
			continue
		}
		if _, dup := rs.byID[src.ID]; dup {
			errs = multierr.Append(errs, &RuleCompilationError{RuleID: src.ID, Err: errors.New("duplicate rule id")})
			continue
		}
		rule, err := c.compileRule(src, len(rs.rules))
		if err != nil {
			errs = multierr.Append(errs, &RuleCompilationError{RuleID: src.ID, Err: err})
			continue
		}
		rs.rules = append(rs.rules, rule)
		rs.byID[rule.ID] = rule
	}
	if errs != nil {
		return nil, errs
	}

	rs.exactOwners = c.exactOwners
	rs.foldedOwners = c.foldedOwners
	rs.maxLiteral = c.maxLiteral
	if len(c.exact) > 0 {
		rs.exact = ahocorasick.NewTrieBuilder().AddPatterns(c.exact).Build()
	}
	if len(c.folded) > 0 {
		rs.folded = ahocorasick.NewTrieBuilder().AddPatterns(c.folded).Build()
	}
	for _, r := range rs.rules {
		if r.sha256 != nil {
			rs.hasHashRules = true
		}
		if len(r.regexes) > 0 {
			rs.hasRegexes = true
		}
	}
	return rs, nil
}

type compiler struct {
	opts compileOptions
	env  *cel.Env

	exact        [][]byte
	exactIndex   map[string]int
	exactOwners  [][]patternRef
	folded       [][]byte
	foldedIndex  map[string]int
	foldedOwners [][]patternRef
	maxLiteral   int
}

func (c *compiler) agentVersionCompatible(src RuleSource) bool {
	if c.opts.agentVersion == "" {
		logger.L().Warning("agent version not set, allowing versioned rule", helpers.String("ruleID", src.ID))
		return true
	}
	current, err := semver.NewVersion(c.opts.agentVersion)
	if err != nil {
		logger.L().Warning("invalid agent version", helpers.String("agentVersion", c.opts.agentVersion), helpers.Error(err))
		return true
	}
	constraint, err := semver.NewConstraint(src.AgentVersionRequirement)
	if err != nil {
		logger.L().Warning("invalid version constraint in rule",
			helpers.String("ruleID", src.ID),
			helpers.String("constraint", src.AgentVersionRequirement),
			helpers.Error(err))
		return true
	}
	if !constraint.Check(current) {
		logger.L().Debug("skipping rule due to agent version requirement",
			helpers.String("ruleID", src.ID),
			helpers.String("requirement", src.AgentVersionRequirement),
			helpers.String("agentVersion", c.opts.agentVersion))
		return false
	}
	return true
}

func (c *compiler) compileRule(src RuleSource, index int) (*Rule, error) {
	if src.ID == "" {
		return nil, errors.New("missing id")
	}
	if len(src.Strings) == 0 && len(src.Regexes) == 0 && len(src.SHA256) == 0 && src.Condition == "" {
		return nil, errors.New("rule has no patterns, hashes or condition")
	}
	rule := &Rule{
		ID:          src.ID,
		Name:        src.Name,
		Description: src.Description,
		Severity:    src.Severity,
		Tags:        src.Tags,
		minMatches:  src.MinMatches,
	}
	switch src.Action {
	case ActionBlock, ActionLog:
		rule.Action = src.Action
	case "":
		rule.Action = ActionBlock
	default:
		return nil, fmt.Errorf("unknown action %q", src.Action)
	}
	if rule.Severity == "" {
		rule.Severity = SeverityMedium
	}
	if len(src.EventTypes) > 0 {
		rule.eventTypes = mapset.NewThreadUnsafeSet[events.EventType]()
		for _, t := range src.EventTypes {
			if _, ok := events.ParseEventType(string(t)); !ok {
				return nil, fmt.Errorf("unknown event type %q", t)
			}
			rule.eventTypes.Add(t)
		}
	}

	type literal struct {
		pattern []byte
		folded  bool
	}
	literals := make([]literal, 0, len(src.Strings))
	for i, s := range src.Strings {
		var pattern []byte
		switch {
		case s.Value != "" && s.Hex != "":
			return nil, fmt.Errorf("string %d sets both value and hex", i)
		case s.Hex != "":
			b, err := hex.DecodeString(strings.ReplaceAll(s.Hex, " ", ""))
			if err != nil {
				return nil, fmt.Errorf("string %d: bad hex: %w", i, err)
			}
			pattern = b
		case s.Value != "":
			pattern = []byte(s.Value)
		}
		if len(pattern) == 0 {
			return nil, fmt.Errorf("string %d is empty", i)
		}
		if s.NoCase {
			pattern = asciiLower(nil, pattern)
		}
		literals = append(literals, literal{pattern: pattern, folded: s.NoCase})
	}

	for i, expr := range src.Regexes {
		re, err := regexp2.Compile(expr, regexp2.Multiline)
		if err != nil {
			return nil, fmt.Errorf("regex %d: %w", i, err)
		}
		// fixed at compile time; scans never change it
		re.MatchTimeout = c.opts.regexTimeout
		rule.regexes = append(rule.regexes, re)
	}

	if len(src.SHA256) > 0 {
		rule.sha256 = mapset.NewThreadUnsafeSet[string]()
		for _, h := range src.SHA256 {
			h = strings.ToLower(strings.TrimSpace(h))
			if b, err := hex.DecodeString(h); err != nil || len(b) != 32 {
				return nil, fmt.Errorf("bad sha256 %q", h)
			}
			rule.sha256.Add(h)
		}
	}

	if src.Condition != "" {
		ast, iss := c.env.Compile(src.Condition)
		if iss != nil && iss.Err() != nil {
			return nil, fmt.Errorf("condition: %w", iss.Err())
		}
		if ast.OutputType().String() != "bool" {
			return nil, fmt.Errorf("condition must be boolean, got %s", ast.OutputType())
		}
		prg, err := c.env.Program(ast, cel.EvalOptions(cel.OptOptimize))
		if err != nil {
			return nil, fmt.Errorf("condition program: %w", err)
		}
		rule.condition = prg
	}

	rule.patternCount = len(literals) + len(rule.regexes)
	if rule.minMatches < 0 || rule.minMatches > rule.patternCount {
		return nil, fmt.Errorf("min_matches %d out of range [0, %d]", rule.minMatches, rule.patternCount)
	}
	if rule.minMatches == 0 && rule.patternCount > 0 {
		rule.minMatches = 1
	}

	// patterns are only registered once the whole rule is known to be valid
	for slot, l := range literals {
		c.addLiteral(l.pattern, l.folded, patternRef{rule: index, slot: slot})
	}
	return rule, nil
}

func (c *compiler) addLiteral(pattern []byte, folded bool, ref patternRef) {
	if len(pattern) > c.maxLiteral {
		c.maxLiteral = len(pattern)
	}
	patterns, index, owners := &c.exact, c.exactIndex, &c.exactOwners
	if folded {
		patterns, index, owners = &c.folded, c.foldedIndex, &c.foldedOwners
	}
	i, ok := index[string(pattern)]
	if !ok {
		i = len(*patterns)
		index[string(pattern)] = i
		*patterns = append(*patterns, pattern)
		*owners = append(*owners, nil)
	}
	(*owners)[i] = append((*owners)[i], ref)
}
