package mqtt

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// defaultMessageLimit caps relayed chat messages per minute. A chatty
// workflow should not flood the broker.
const defaultMessageLimit = 120

// messageRateLimiter tracks outbound message rates and drops messages
// when the rate exceeds the configured threshold. It uses atomic
// counters for lock-free operation on the hot path.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start runs the periodic counter reset loop until ctx is cancelled,
// logging a warning for any interval that dropped messages.
func (l *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.reset()
		}
	}
}

func (l *messageRateLimiter) reset() {
	count := l.count.Swap(0)
	dropped := l.dropped.Swap(0)
	if dropped > 0 {
		l.logger.Warn("mqtt messages dropped due to rate limit",
			"relayed", count-dropped,
			"dropped", dropped,
			"interval", l.interval.String(),
			"limit", l.limit,
		)
	}
}

// allow reports whether one more message fits in the current interval.
func (l *messageRateLimiter) allow() bool {
	n := l.count.Add(1)
	if n > l.limit {
		l.dropped.Add(1)
		return false
	}
	return true
}
