package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ding113/claude-code-hub/internal/model"
	"github.com/ding113/claude-code-hub/internal/rdb"
)

// leaseTTL bounds how long a reservation survives without reconciliation.
// Orphans past this age are released by the background scan.
const leaseTTL = 15 * time.Minute

// leaseKeyTTL is the Redis expiry on the lease key itself. It must exceed
// leaseTTL by a comfortable margin: the scan can only release a reservation
// while the key still exists, so a key expiring at the scan cutoff would
// leak the reserved amount onto the counter.
const leaseKeyTTL = 2 * leaseTTL

// reconcileTimeout is generous on purpose: reconciliation must be awaited,
// a lost adjustment skews every window the lease touched.
const reconcileTimeout = 2 * time.Second

// Lease is the set of per-window reservations made for one in-flight
// request. A nil or empty lease reconciles as a no-op.
type Lease struct {
	ID       string
	counters []string
	leases   []string
	rd       *rdb.Client
}

// Reconcile settles the lease against the actual request cost: each counter
// is adjusted by (actual − reserved) and the lease keys removed. Callers
// must await this — routing it through a fire-and-forget helper loses the
// adjustment on shutdown.
func (le *Lease) Reconcile(ctx context.Context, actual float64) error {
	if le == nil || len(le.counters) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, reconcileTimeout)
	defer cancel()

	keys := make([]string, 0, len(le.counters)*2)
	keys = append(keys, le.counters...)
	keys = append(keys, le.leases...)

	return reconcileScript.Run(ctx, le.rd, keys,
		len(le.counters),
		strconv.FormatFloat(actual, 'f', -1, 64),
	).Err()
}

// Release settles the lease at zero cost (request never reached an
// upstream, or failed before any cost accrued).
func (le *Lease) Release(ctx context.Context) error {
	return le.Reconcile(ctx, 0)
}

// reserveFor computes the per-request reservation for one window limit:
// a settings-tunable fraction of the limit, capped in USD.
func (l *Limiter) reserveFor(limit float64) float64 {
	s := l.settings()
	r := limit * s.QuotaLeasePercent
	if s.QuotaLeaseCapUSD > 0 && r > s.QuotaLeaseCapUSD {
		r = s.QuotaLeaseCapUSD
	}
	if r <= 0 {
		r = 0.01
	}
	return r
}

// CheckCostLimitsWithLease evaluates every active cost window in order and,
// when all pass, atomically reserves against each. Exactly one of the three
// returns is meaningful: a lease on admit, a rejection on the first violated
// window, an error only when Redis is down and a total limit is configured
// (total is deny-closed, everything else fails open).
func (l *Limiter) CheckCostLimitsWithLease(ctx context.Context, key *model.Key, user *model.User) (*Lease, *Rejection, error) {
	dims := l.dimensionsFor(key, user)
	if len(dims) == 0 || l.rd == nil {
		return &Lease{}, nil, nil
	}

	leaseID := uuid.NewString()
	counters := make([]string, len(dims))
	leases := make([]string, len(dims))
	argv := make([]any, 0, 3+len(dims)*3)
	argv = append(argv, len(dims), leaseKeyTTL.Milliseconds(), l.now().UnixMilli())

	for i, d := range dims {
		counters[i] = l.rd.QuotaKey(d.scope, d.subjectID, string(d.window))
		leases[i] = l.rd.QuotaLeaseKey(d.scope, d.subjectID, string(d.window), leaseID)
		argv = append(argv,
			strconv.FormatFloat(d.limit, 'f', -1, 64),
			strconv.FormatFloat(l.reserveFor(d.limit), 'f', -1, 64),
			d.counterTTL.Milliseconds(),
		)
	}

	keys := make([]string, 0, len(dims)*2)
	keys = append(keys, counters...)
	keys = append(keys, leases...)

	runCtx, cancel := context.WithTimeout(ctx, rdb.DefaultQueryTimeout)
	defer cancel()

	res, err := leaseScript.Run(runCtx, l.rd, keys, argv...).Slice()
	if err != nil {
		for _, d := range dims {
			if d.window == WindowTotal {
				l.log.Error("quota check unavailable with total limit configured",
					"scope", d.scope, "id", d.subjectID, "error", err)
				return nil, nil, err
			}
		}
		l.log.Warn("quota check degraded, admitting", "error", err)
		return &Lease{}, nil, nil
	}

	idx, _ := res[0].(int64)
	if idx == 0 {
		return &Lease{ID: leaseID, counters: counters, leases: leases, rd: l.rd}, nil, nil
	}

	d := dims[idx-1]
	cur := 0.0
	if len(res) > 1 {
		if s, ok := res[1].(string); ok {
			cur, _ = strconv.ParseFloat(s, 64)
		}
	}
	return nil, &Rejection{
		LimitType: rejectionType(d.window),
		Scope:     d.scope,
		Current:   cur,
		Limit:     d.limit,
		ResetAt:   d.resetAt,
	}, nil
}

// ReconcileExpiredLeases scans for leases older than leaseTTL whose owner
// never reconciled (crash, deploy) and releases their reservations. Returns
// the number of leases dropped.
func (l *Limiter) ReconcileExpiredLeases(ctx context.Context) (int, error) {
	if l.rd == nil {
		return 0, nil
	}
	cutoff := l.now().Add(-leaseTTL).UnixMilli()

	dropped := 0
	var cursor uint64
	for {
		keys, next, err := l.rd.Scan(ctx, cursor, l.rd.QuotaLeaseScanPattern(), 100).Result()
		if err != nil {
			return dropped, err
		}
		for _, lk := range keys {
			counter, ok := l.rd.QuotaCounterForLease(lk)
			if !ok {
				continue
			}
			n, err := dropLeaseScript.Run(ctx, l.rd, []string{counter, lk}, cutoff).Int()
			if err != nil {
				l.log.Warn("orphan lease drop failed", "lease", lk, "error", err)
				continue
			}
			dropped += n
		}
		cursor = next
		if cursor == 0 {
			return dropped, nil
		}
	}
}
