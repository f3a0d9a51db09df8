package asyncio

import (
	"os"
	"strconv"
	"sync"
	"time"
)

// getWritableInterval returns the throttling interval for Writable
// notifications on the portable fallback poller, which cannot verify
// writability without risking a blocking write and so must estimate it.
// It reads CONNECTPROXY_FALLBACK_WRITABLE_INTERVAL_MS (integer
// milliseconds), defaulting to 50ms and clamped to [5ms, 5000ms] to avoid
// both CPU spin and excessive delay. epoll and kqueue ignore this entirely;
// they learn real writability from the kernel.
var (
	writableOnce sync.Once
	writableIntv time.Duration
)

func getWritableInterval() time.Duration {
	writableOnce.Do(func() {
		const (
			defMs = 50
			minMs = 5
			maxMs = 5000
		)
		ms := defMs
		if v := os.Getenv("CONNECTPROXY_FALLBACK_WRITABLE_INTERVAL_MS"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				if n < minMs {
					n = minMs
				} else if n > maxMs {
					n = maxMs
				}
				ms = n
			}
		}
		writableIntv = time.Duration(ms) * time.Millisecond
	})
	return writableIntv
}
