package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// orphanScanInterval paces the background lease scan.
const orphanScanInterval = time.Minute

// Run drives the two background loops: the periodic ledger refresh and the
// orphaned-lease scan. Blocks until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context) error {
	refresh := time.NewTicker(l.settings().QuotaDBRefreshInterval)
	defer refresh.Stop()
	scan := time.NewTicker(orphanScanInterval)
	defer scan.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-refresh.C:
			if err := l.RefreshFromDB(ctx); err != nil {
				l.log.Warn("quota refresh from ledger failed", "error", err)
			}
		case <-scan.C:
			if n, err := l.ReconcileExpiredLeases(ctx); err != nil {
				l.log.Warn("orphan lease scan failed", "error", err)
			} else if n > 0 {
				l.log.Info("released orphaned quota leases", "count", n)
			}
		}
	}
}

// RefreshFromDB walks the live quota counters and snaps each to the maximum
// of its Redis value and the authoritative ledger sum. Raising only: a
// counter above the ledger carries legitimate in-flight reservations, a
// counter below it has drifted (lost reconciliation, flushed Redis).
func (l *Limiter) RefreshFromDB(ctx context.Context) error {
	if l.rd == nil || l.ledger == nil {
		return nil
	}

	leasePrefix := l.rd.QuotaLeaseScanPattern()
	leasePrefix = strings.TrimSuffix(leasePrefix, "*")

	var cursor uint64
	for {
		keys, next, err := l.rd.Scan(ctx, cursor, l.counterScanPattern(), 100).Result()
		if err != nil {
			return err
		}
		for _, k := range keys {
			if strings.HasPrefix(k, leasePrefix) {
				continue
			}
			scope, id, window, ok := l.parseCounterKey(k)
			if !ok {
				continue
			}
			if scope != "key" && scope != "user" {
				continue
			}
			if err := l.refreshCounter(ctx, k, scope, id, window); err != nil {
				l.log.Warn("counter refresh failed", "key", k, "error", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (l *Limiter) counterScanPattern() string {
	// Reuse the quota namespace; lease keys are filtered out by the caller.
	return strings.TrimSuffix(l.rd.QuotaKey("x", 0, "y"), ":x:0:y") + ":*"
}

// parseCounterKey splits <prefix>:quota:<scope>:<id>:<window>.
func (l *Limiter) parseCounterKey(key string) (scope string, id int64, window Window, ok bool) {
	base := strings.TrimSuffix(l.rd.QuotaKey("x", 0, "y"), "x:0:y")
	rest := strings.TrimPrefix(key, base)
	parts := strings.Split(rest, ":")
	if len(parts) != 3 {
		return "", 0, "", false
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, "", false
	}
	return parts[0], id, Window(parts[2]), true
}

func (l *Limiter) refreshCounter(ctx context.Context, key, scope string, id int64, window Window) error {
	var (
		db  float64
		err error
	)
	switch window {
	case WindowTotal:
		db, err = l.ledger.TotalCost(ctx, scope, id, nil)
	case WindowFiveHour, WindowDaily, WindowWeekly, WindowMonthly:
		db, err = l.ledger.CostSince(ctx, scope, id, l.now().Add(-window.Span()))
	default:
		return nil
	}
	if err != nil {
		return err
	}

	cur, err := l.rd.Get(ctx, key).Float64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if db <= cur {
		return nil
	}
	return l.rd.SetArgs(ctx, key, strconv.FormatFloat(db, 'f', -1, 64),
		redis.SetArgs{KeepTTL: true}).Err()
}
