package pipeline

import (
	"fmt"
	"time"

	"github.com/kubescape/endpoint-agent/pkg/events"
	"github.com/kubescape/endpoint-agent/pkg/pipeline/types"
	"go.uber.org/multierr"
)

const (
	// DefaultDeadlineMargin is kept free before an OS deadline so the verdict
	// can travel back to the event source in time.
	DefaultDeadlineMargin = 500 * time.Millisecond
	DefaultWorkers        = 16
	defaultMaxAncestors   = 16
)

// Config holds the decision policy. FallbackPolicy and MaxScanLatency have no
// defaults: the operator chooses them.
type Config struct {
	// FallbackPolicy selects the verdict per authorizing event type when no
	// usable scan result exists.
	FallbackPolicy map[events.EventType]types.FallbackPolicy
	// AuthorizingEventTypes lists the types subscribed for authorization and
	// must all have a fallback policy. Whether an event waits for a verdict is
	// read from the event's own action: an authorizing event of an unlisted
	// type is still answered, with the strictest configured policy.
	AuthorizingEventTypes []events.EventType
	MaxScanLatency        time.Duration
	DeadlineMargin        time.Duration
	Workers               int
	// MaxAncestors bounds the parent chain attached to decisions.
	MaxAncestors int
}

// Validate reports every missing or invalid setting.
func (c *Config) Validate() error {
	var err error
	if c.MaxScanLatency <= 0 {
		err = multierr.Append(err, fmt.Errorf("maxScanLatency must be positive"))
	}
	if len(c.AuthorizingEventTypes) == 0 {
		err = multierr.Append(err, fmt.Errorf("at least one authorizing event type is required"))
	}
	for _, t := range c.AuthorizingEventTypes {
		if _, ok := c.FallbackPolicy[t]; !ok {
			err = multierr.Append(err, fmt.Errorf("fallbackPolicy for %q is required", t))
		}
	}
	for t, policy := range c.FallbackPolicy {
		if _, ok := events.ParseEventType(string(t)); !ok {
			err = multierr.Append(err, fmt.Errorf("fallbackPolicy: unknown event type %q", t))
		} else if !policy.Valid() {
			err = multierr.Append(err, fmt.Errorf("fallbackPolicy for %q: unknown policy %q", t, policy))
		}
	}
	return err
}

func (c *Config) setDefaults() {
	if c.DeadlineMargin <= 0 {
		c.DeadlineMargin = DefaultDeadlineMargin
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.MaxAncestors <= 0 {
		c.MaxAncestors = defaultMaxAncestors
	}
}

// policyFor returns the fallback policy of t. Authorizing events of a type the
// operator did not list take the strictest configured policy.
func (c *Config) policyFor(t events.EventType) types.FallbackPolicy {
	if policy, ok := c.FallbackPolicy[t]; ok {
		return policy
	}
	for _, policy := range c.FallbackPolicy {
		if policy == types.FailClosed {
			return types.FailClosed
		}
	}
	return types.FailOpen
}
