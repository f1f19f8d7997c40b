//go:build darwin

package machtime

import (
	"sync"

	"golang.org/x/sys/unix"
)

var (
	tbOnce      sync.Once
	tbFrequency uint64
)

// frequency is the mach_absolute_time tick rate in Hz, or 0 when unknown.
func frequency() uint64 {
	tbOnce.Do(func() {
		hz, err := unix.SysctlUint64("hw.tbfrequency")
		if err == nil {
			tbFrequency = hz
		}
	})
	return tbFrequency
}

// rawTicks reads CLOCK_UPTIME_RAW, which is mach_absolute_time in
// nanoseconds, and scales it back to mach ticks.
func rawTicks() uint64 {
	var nanos uint64
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_UPTIME_RAW, &ts); err != nil {
		nanos = fallbackTicks()
	} else {
		nanos = uint64(ts.Sec)*1e9 + uint64(ts.Nsec)
	}
	if hz := frequency(); hz != 0 {
		return mulDiv(nanos, hz, 1e9)
	}
	return nanos
}

func queryTimebase() Timebase {
	return timebaseFromFrequency(frequency())
}
