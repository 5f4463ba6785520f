package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/ding113/claude-code-hub/internal/rdb"
)

const rpmWindow = time.Minute

// AllowRPM enforces the user's requests-per-minute budget with a sliding
// window over a sorted set. A limit of zero means unlimited. Redis errors
// fail open.
func (l *Limiter) AllowRPM(ctx context.Context, userID int64, limit int) bool {
	if limit <= 0 || l.rd == nil {
		return true
	}

	runCtx, cancel := context.WithTimeout(ctx, rdb.DefaultQueryTimeout)
	defer cancel()

	allowed, err := slidingWindowScript.Run(runCtx, l.rd,
		[]string{l.rd.RPMKey(userID)},
		l.now().UnixNano(), rpmWindow.Nanoseconds(), limit,
	).Int()
	if err != nil {
		l.log.Warn("rpm check degraded, admitting",
			"user_id", userID, "error", err)
		return true
	}
	return allowed == 1
}

// RPMRemaining reports how many requests the user has left in the current
// window, for rate-limit response headers. Best effort.
func (l *Limiter) RPMRemaining(ctx context.Context, userID int64, limit int) int {
	if limit <= 0 || l.rd == nil {
		return -1
	}
	ctx, cancel := context.WithTimeout(ctx, rdb.DefaultQueryTimeout)
	defer cancel()

	min := strconv.FormatInt(l.now().Add(-rpmWindow).UnixNano(), 10)
	n, err := l.rd.ZCount(ctx, l.rd.RPMKey(userID), min, "+inf").Result()
	if err != nil {
		return -1
	}
	rem := limit - int(n)
	if rem < 0 {
		rem = 0
	}
	return rem
}
