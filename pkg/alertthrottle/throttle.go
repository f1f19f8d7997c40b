// Package alertthrottle rate limits repeated Log decisions so that a noisy
// log-only rule does not flood the telemetry sinks.
package alertthrottle

import (
	"container/list"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultMaxKeys = 10000

// Config holds the cooldown parameters applied to every key.
type Config struct {
	Threshold        int           `mapstructure:"threshold"`
	AlertWindow      time.Duration `mapstructure:"alertWindow"`
	BaseCooldown     time.Duration `mapstructure:"baseCooldown"`
	MaxCooldown      time.Duration `mapstructure:"maxCooldown"`
	CooldownIncrease float64       `mapstructure:"cooldownIncrease"`
	MaxKeys          int           `mapstructure:"maxKeys"`
}

// Enabled reports whether the configuration throttles anything.
func (c Config) Enabled() bool {
	return c.BaseCooldown > 0 && c.Threshold > 0
}

// cooldown tracks the alert history of one key.
type cooldown struct {
	mu              sync.Mutex
	lastAlertTime   time.Time
	currentCooldown time.Duration
	alertTimes      *list.List
	config          Config
}

// Throttle decides per key whether another alert may be emitted. Keys are
// kept in a bounded LRU so the throttle cannot grow without limit.
type Throttle struct {
	mu        sync.Mutex
	config    Config
	cooldowns *lru.Cache[string, *cooldown]
	overrides map[string]Config
	now       func() time.Time
}

func New(config Config) *Throttle {
	if config.CooldownIncrease < 1 {
		config.CooldownIncrease = 1
	}
	if config.MaxCooldown < config.BaseCooldown {
		config.MaxCooldown = config.BaseCooldown
	}
	if config.MaxKeys <= 0 {
		config.MaxKeys = defaultMaxKeys
	}
	cooldowns, _ := lru.New[string, *cooldown](config.MaxKeys)
	return &Throttle{
		config:    config,
		cooldowns: cooldowns,
		overrides: map[string]Config{},
		now:       time.Now,
	}
}

func newCooldown(config Config) *cooldown {
	return &cooldown{
		currentCooldown: config.BaseCooldown,
		alertTimes:      list.New(),
		config:          config,
	}
}

// Configure overrides the configuration for a single key.
func (t *Throttle) Configure(key string, config Config) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.overrides[key] = config
	if c, ok := t.cooldowns.Get(key); ok {
		c.mu.Lock()
		c.config = config
		c.currentCooldown = config.BaseCooldown
		c.mu.Unlock()
	}
}

// Allow reports whether an alert for key should be emitted now.
func (t *Throttle) Allow(key string) bool {
	t.mu.Lock()
	config, ok := t.overrides[key]
	if !ok {
		config = t.config
	}
	if !config.Enabled() {
		t.mu.Unlock()
		return true
	}
	c, ok := t.cooldowns.Get(key)
	if !ok {
		c = newCooldown(config)
		t.cooldowns.Add(key, c)
	}
	now := t.now()
	t.mu.Unlock()

	return c.allow(now)
}

func (c *cooldown) allow(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Remove alerts outside the window
	for c.alertTimes.Len() > 0 {
		if now.Sub(c.alertTimes.Front().Value.(time.Time)) > c.config.AlertWindow {
			c.alertTimes.Remove(c.alertTimes.Front())
		} else {
			break
		}
	}

	if !c.lastAlertTime.IsZero() && now.Sub(c.lastAlertTime) < c.currentCooldown {
		return false
	}

	c.alertTimes.PushBack(now)

	if c.alertTimes.Len() > c.config.Threshold {
		c.currentCooldown = time.Duration(float64(c.currentCooldown) * c.config.CooldownIncrease)
		if c.currentCooldown > c.config.MaxCooldown {
			c.currentCooldown = c.config.MaxCooldown
		}
	} else if c.alertTimes.Len() <= c.config.Threshold/2 {
		// below half the threshold the cooldown decays back toward the base
		c.currentCooldown = time.Duration(float64(c.currentCooldown) / c.config.CooldownIncrease)
		if c.currentCooldown < c.config.BaseCooldown {
			c.currentCooldown = c.config.BaseCooldown
		}
	}

	c.lastAlertTime = now
	return true
}

// Reset forgets the history of key.
func (t *Throttle) Reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cooldowns.Remove(key)
}

// Len returns the number of keys currently tracked.
func (t *Throttle) Len() int {
	return t.cooldowns.Len()
}

func (t *Throttle) currentCooldown(key string) time.Duration {
	c, ok := t.cooldowns.Peek(key)
	if !ok {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentCooldown
}
