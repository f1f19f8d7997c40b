package utils

const (
	// standard exit codes
	ExitCodeSuccess = iota
	ExitCodeError   = 1

	// custom exit codes
	ExitCodeRuleCompilation = 100
	ExitCodeInvalidConfig   = 101
	ExitCodeNoEventSource   = 102
)
