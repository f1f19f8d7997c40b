// Package machtime converts raw monotonic tick values to nanoseconds and back,
// and computes deadlines on the tick scale used by event timestamps.
package machtime

import (
	"math"
	"math/bits"
	"sync"
	"time"
)

// Timebase is the ratio between ticks and nanoseconds: nanos = ticks * Numer / Denom.
type Timebase struct {
	Numer uint32
	Denom uint32
}

// Converter performs tick/nanosecond arithmetic for a fixed timebase.
// All operations saturate at math.MaxUint64 instead of wrapping.
type Converter struct {
	tb Timebase
}

var (
	defaultOnce      sync.Once
	defaultConverter Converter
)

// NewConverter returns a converter for tb. A zero numerator or denominator is
// treated as 1.
func NewConverter(tb Timebase) Converter {
	if tb.Numer == 0 {
		tb.Numer = 1
	}
	if tb.Denom == 0 {
		tb.Denom = 1
	}
	return Converter{tb: tb}
}

// Default returns the converter for the host tick source. The timebase is
// queried once per process.
func Default() Converter {
	defaultOnce.Do(func() {
		defaultConverter = NewConverter(queryTimebase())
	})
	return defaultConverter
}

// Now returns the current raw tick value.
func Now() uint64 {
	return rawTicks()
}

func (c Converter) Timebase() Timebase {
	return c.tb
}

// NanosecondsToMachTime converts nanos to ticks (nanos * Denom / Numer).
func (c Converter) NanosecondsToMachTime(nanos uint64) uint64 {
	return mulDiv(nanos, uint64(c.tb.Denom), uint64(c.tb.Numer))
}

// MachTimeToNanoseconds converts ticks to nanos (ticks * Numer / Denom).
func (c Converter) MachTimeToNanoseconds(ticks uint64) uint64 {
	return mulDiv(ticks, uint64(c.tb.Numer), uint64(c.tb.Denom))
}

// AddNanosecsToMachTime returns base advanced by nanos worth of ticks.
func (c Converter) AddNanosecsToMachTime(base, nanos uint64) uint64 {
	if nanos == 0 {
		return base
	}
	sum, carry := bits.Add64(base, c.NanosecondsToMachTime(nanos), 0)
	if carry != 0 {
		return math.MaxUint64
	}
	return sum
}

// Remaining returns how long is left until deadline, measured at now. It is 0
// once the deadline has passed.
func (c Converter) Remaining(now, deadline uint64) time.Duration {
	if deadline <= now {
		return 0
	}
	nanos := c.MachTimeToNanoseconds(deadline - now)
	if nanos > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(nanos)
}

// timebaseFromFrequency returns the timebase of a tick source running at hz,
// reduced to lowest terms. An unknown or unrepresentable rate yields 1/1.
func timebaseFromFrequency(hz uint64) Timebase {
	if hz == 0 {
		return Timebase{Numer: 1, Denom: 1}
	}
	numer, denom := uint64(1e9), hz
	for a, b := numer, denom; ; {
		if b == 0 {
			numer, denom = numer/a, denom/a
			break
		}
		a, b = b, a%b
	}
	if numer > math.MaxUint32 || denom > math.MaxUint32 {
		return Timebase{Numer: 1, Denom: 1}
	}
	return Timebase{Numer: uint32(numer), Denom: uint32(denom)}
}

// mulDiv computes a*b/d with a 128-bit intermediate, saturating when the
// quotient does not fit in 64 bits.
func mulDiv(a, b, d uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi >= d {
		return math.MaxUint64
	}
	q, _ := bits.Div64(hi, lo, d)
	return q
}

// AddNanosecsToMachTime advances base by nanos using the host timebase.
func AddNanosecsToMachTime(base, nanos uint64) uint64 {
	return Default().AddNanosecsToMachTime(base, nanos)
}

// MachTimeToNanoseconds converts host ticks to nanoseconds.
func MachTimeToNanoseconds(ticks uint64) uint64 {
	return Default().MachTimeToNanoseconds(ticks)
}

// NanosecondsToMachTime converts nanoseconds to host ticks.
func NanosecondsToMachTime(nanos uint64) uint64 {
	return Default().NanosecondsToMachTime(nanos)
}

// DeadlineAfter returns the tick value d from now. Non-positive durations
// yield the current tick.
func DeadlineAfter(d time.Duration) uint64 {
	now := Now()
	if d <= 0 {
		return now
	}
	return AddNanosecsToMachTime(now, uint64(d))
}

// Remaining returns the time left until deadline on the host clock.
func Remaining(deadline uint64) time.Duration {
	return Default().Remaining(Now(), deadline)
}

// Expired reports whether deadline has passed on the host clock.
func Expired(deadline uint64) bool {
	return Now() >= deadline
}
