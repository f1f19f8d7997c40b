package scanner

import (
	"errors"
	"fmt"
)

var (
	// ErrScannerUnavailable is reported when no ruleset is published.
	ErrScannerUnavailable = errors.New("scanner unavailable")
	// ErrRulesetNotPublished is returned by operations that need a current ruleset.
	ErrRulesetNotPublished = errors.New("ruleset not published")
)

// RuleCompilationError ties a compilation failure to the rule that caused it.
type RuleCompilationError struct {
	RuleID string
	Err    error
}

func (e *RuleCompilationError) Error() string {
	return fmt.Sprintf("rule %q: %v", e.RuleID, e.Err)
}

func (e *RuleCompilationError) Unwrap() error {
	return e.Err
}
