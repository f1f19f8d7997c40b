package machtime

import "time"

var processStart = time.Now()

// fallbackTicks uses the runtime monotonic clock relative to process start.
func fallbackTicks() uint64 {
	return uint64(time.Since(processStart))
}
