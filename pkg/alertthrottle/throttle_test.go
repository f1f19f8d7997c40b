package alertthrottle

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newThrottle(config Config) (*Throttle, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	th := New(config)
	th.now = clock.Now
	return th, clock
}

var testConfig = Config{
	Threshold:        3,
	AlertWindow:      100 * time.Millisecond,
	BaseCooldown:     10 * time.Millisecond,
	MaxCooldown:      50 * time.Millisecond,
	CooldownIncrease: 2.0,
}

func TestDisabledThrottleAlwaysAllows(t *testing.T) {
	th, _ := newThrottle(Config{})
	for i := 0; i < 100; i++ {
		assert.True(t, th.Allow("rule-log:r1"))
	}
	assert.Equal(t, 0, th.Len())
}

func TestAllowRespectsCooldown(t *testing.T) {
	th, clock := newThrottle(testConfig)

	assert.True(t, th.Allow("k"), "first alert is always allowed")
	clock.Advance(5 * time.Millisecond)
	assert.False(t, th.Allow("k"), "within base cooldown")
	clock.Advance(6 * time.Millisecond)
	assert.True(t, th.Allow("k"))

	assert.True(t, th.Allow("other"), "keys are independent")
}

func TestCooldownGrowsAndCaps(t *testing.T) {
	th, clock := newThrottle(testConfig)
	for i := 0; i < 10; i++ {
		th.Allow("k")
		clock.Advance(11 * time.Millisecond)
	}
	assert.Greater(t, th.currentCooldown("k"), testConfig.BaseCooldown)
	assert.LessOrEqual(t, th.currentCooldown("k"), testConfig.MaxCooldown)

	// quiet period lets the cooldown decay
	clock.Advance(time.Second)
	assert.True(t, th.Allow("k"))
	assert.Less(t, th.currentCooldown("k"), testConfig.MaxCooldown)
}

func TestConfigureOverride(t *testing.T) {
	th, clock := newThrottle(testConfig)
	th.Configure("loud", Config{Threshold: 1, AlertWindow: time.Second, BaseCooldown: time.Second, MaxCooldown: time.Second, CooldownIncrease: 1})

	assert.True(t, th.Allow("loud"))
	clock.Advance(20 * time.Millisecond)
	assert.False(t, th.Allow("loud"))
	assert.True(t, th.Allow("quiet"))
	clock.Advance(20 * time.Millisecond)
	assert.True(t, th.Allow("quiet"))
}

func TestReset(t *testing.T) {
	th, _ := newThrottle(testConfig)
	assert.True(t, th.Allow("k"))
	assert.False(t, th.Allow("k"))
	th.Reset("k")
	assert.True(t, th.Allow("k"))
}

func TestKeysAreBounded(t *testing.T) {
	config := testConfig
	config.MaxKeys = 4
	th, _ := newThrottle(config)
	for _, k := range []string{"a", "b", "c", "d", "e", "f"} {
		th.Allow(k)
	}
	assert.Equal(t, 4, th.Len())
}

func TestConcurrentAllow(t *testing.T) {
	th := New(testConfig)
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if th.Allow("k") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.GreaterOrEqual(t, allowed, 1)
}
