package scanner

import "github.com/kubescape/endpoint-agent/pkg/events"

// Action is what a matching rule asks the pipeline to do.
type Action string

const (
	ActionBlock Action = "block"
	ActionLog   Action = "log"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// StringPattern is a literal pattern. Exactly one of Value and Hex is set.
type StringPattern struct {
	Value  string `json:"value,omitempty"`
	Hex    string `json:"hex,omitempty"`
	NoCase bool   `json:"nocase,omitempty"`
}

// RuleSource is the on-disk form of one signature rule.
type RuleSource struct {
	ID                      string             `json:"id"`
	Name                    string             `json:"name"`
	Description             string             `json:"description,omitempty"`
	Enabled                 *bool              `json:"enabled,omitempty"`
	Action                  Action             `json:"action"`
	Severity                Severity           `json:"severity,omitempty"`
	EventTypes              []events.EventType `json:"event_types,omitempty"`
	AgentVersionRequirement string             `json:"agent_version_requirement,omitempty"`
	Strings                 []StringPattern    `json:"strings,omitempty"`
	Regexes                 []string           `json:"regexes,omitempty"`
	SHA256                  []string           `json:"sha256,omitempty"`
	Condition               string             `json:"condition,omitempty"`
	MinMatches              int                `json:"min_matches,omitempty"`
	Tags                    map[string]string  `json:"tags,omitempty"`
}

// IsEnabled treats a missing enabled field as true.
func (r RuleSource) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// RuleFile is the document layout of a rule file.
type RuleFile struct {
	Rules []RuleSource `json:"rules"`
}
