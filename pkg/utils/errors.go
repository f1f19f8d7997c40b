package utils

const (
	ErrRuleCompilation = "initial ruleset failed to compile"
	ErrInvalidConfig   = "invalid configuration"
	ErrNoEventSource   = "no event source configured"
)
