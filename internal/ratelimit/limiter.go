// Package ratelimit implements the multi-dimensional limiter: per-user RPM,
// key/user concurrent sessions, and the cost windows (5h, daily, weekly,
// monthly, total) with a Redis lease protocol that keeps concurrent
// in-flight requests from collectively exceeding a limit.
//
// Check ordering is fixed: RPM → concurrency(key+user) → total → 5h(key) →
// 5h(user) → daily(key) → daily(user) → weekly(key) → weekly(user) →
// monthly(key) → monthly(user). The first violated dimension wins.
//
// Degradation policy when Redis is unreachable: fail-open for RPM,
// concurrency, and the clock-bounded cost windows; fail-closed for the
// total window (runaway-spend protection).
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ding113/claude-code-hub/internal/model"
	"github.com/ding113/claude-code-hub/internal/rdb"
	"github.com/ding113/claude-code-hub/internal/store"
)

// Window identifies one cost window.
type Window string

const (
	WindowFiveHour Window = "5h"
	WindowDaily    Window = "daily"
	WindowWeekly   Window = "weekly"
	WindowMonthly  Window = "monthly"
	WindowTotal    Window = "total"
)

// Span returns the trailing duration a rolling window covers. Total has no
// span; fixed daily is handled separately.
func (w Window) Span() time.Duration {
	switch w {
	case WindowFiveHour:
		return 5 * time.Hour
	case WindowDaily:
		return 24 * time.Hour
	case WindowWeekly:
		return 7 * 24 * time.Hour
	case WindowMonthly:
		return 30 * 24 * time.Hour
	}
	return 0
}

// Rejection describes the first violated dimension.
type Rejection struct {
	LimitType string     `json:"limitType"` // e.g. "rpm", "concurrent_sessions", "daily"
	Scope     string     `json:"scope"`     // "key" | "user"
	Current   float64    `json:"current"`
	Limit     float64    `json:"limit"`
	ResetAt   *time.Time `json:"resetAt,omitempty"`
}

// dimension is one (scope, subject, window) check in order.
type dimension struct {
	scope      string
	subjectID  int64
	window     Window
	limit      float64
	counterTTL time.Duration // 0 = no expiry (total)
	resetAt    *time.Time
}

// Limiter owns the Redis scripts and the ledger-refresh loop.
type Limiter struct {
	rd       *rdb.Client
	ledger   store.LedgerStore
	settings func() model.SystemSettings
	log      *slog.Logger

	// loc is the system timezone for fixed daily resets.
	loc *time.Location

	now func() time.Time
}

// New creates the limiter. settings supplies the live lease tuning; ledger
// may be nil when DB refresh is disabled (tests).
func New(rd *rdb.Client, ledger store.LedgerStore, settings func() model.SystemSettings, loc *time.Location, log *slog.Logger) *Limiter {
	if log == nil {
		log = slog.Default()
	}
	if loc == nil {
		loc = time.Local
	}
	if settings == nil {
		def := model.DefaultSystemSettings()
		settings = func() model.SystemSettings { return def }
	}
	return &Limiter{
		rd:       rd,
		ledger:   ledger,
		settings: settings,
		log:      log,
		loc:      loc,
		now:      time.Now,
	}
}

// dimensionsFor builds the ordered cost-dimension list for a key/user pair.
// Unlimited (zero) dimensions are skipped entirely.
func (l *Limiter) dimensionsFor(key *model.Key, user *model.User) []dimension {
	var dims []dimension

	add := func(scope string, id int64, w Window, limit float64, ttl time.Duration, resetAt *time.Time) {
		if limit <= 0 {
			return
		}
		dims = append(dims, dimension{
			scope:      scope,
			subjectID:  id,
			window:     w,
			limit:      limit,
			counterTTL: ttl,
			resetAt:    resetAt,
		})
	}

	// Total first: deny-closed protection ahead of the clock windows.
	add("key", key.ID, WindowTotal, key.Limits.TotalUSD, 0, nil)
	add("user", user.ID, WindowTotal, user.Limits.TotalUSD, 0, nil)

	add("key", key.ID, WindowFiveHour, key.Limits.FiveHourUSD, 5*time.Hour, nil)
	add("user", user.ID, WindowFiveHour, user.Limits.FiveHourUSD, 5*time.Hour, nil)

	kTTL, kReset := l.dailyWindow(key.DailyResetMode, key.DailyResetTime)
	add("key", key.ID, WindowDaily, key.Limits.DailyUSD, kTTL, kReset)
	uTTL, uReset := l.dailyWindow(model.ResetRolling, "")
	add("user", user.ID, WindowDaily, user.Limits.DailyUSD, uTTL, uReset)

	add("key", key.ID, WindowWeekly, key.Limits.WeeklyUSD, 7*24*time.Hour, nil)
	add("user", user.ID, WindowWeekly, user.Limits.WeeklyUSD, 7*24*time.Hour, nil)

	add("key", key.ID, WindowMonthly, key.Limits.MonthlyUSD, 30*24*time.Hour, nil)
	add("user", user.ID, WindowMonthly, user.Limits.MonthlyUSD, 30*24*time.Hour, nil)

	return dims
}

// dailyWindow returns the counter TTL and the surfaced reset time for a
// daily window. Fixed mode rolls at the configured HH:MM in the system
// timezone; rolling mode is the trailing 24h with no reset time surfaced.
func (l *Limiter) dailyWindow(mode model.DailyResetMode, resetTime string) (time.Duration, *time.Time) {
	if mode != model.ResetFixed {
		return 24 * time.Hour, nil
	}

	hh, mm := 0, 0
	if _, err := fmt.Sscanf(resetTime, "%d:%d", &hh, &mm); err != nil || hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		hh, mm = 0, 0
	}

	now := l.now().In(l.loc)
	next := time.Date(now.Year(), now.Month(), now.Day(), hh, mm, 0, 0, l.loc)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next.Sub(now), &next
}

func rejectionType(w Window) string {
	switch w {
	case WindowFiveHour:
		return "five_hour_quota"
	case WindowDaily:
		return "daily_quota"
	case WindowWeekly:
		return "weekly_quota"
	case WindowMonthly:
		return "monthly_quota"
	case WindowTotal:
		return "total_quota"
	}
	return string(w)
}

// WindowValue is the read-only counter probe used by the provider selector.
func (l *Limiter) WindowValue(ctx context.Context, scope string, id int64, w Window) (float64, error) {
	if l.rd == nil {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, rdb.DefaultQueryTimeout)
	defer cancel()
	v, err := l.rd.Get(ctx, l.rd.QuotaKey(scope, id, string(w))).Float64()
	if err != nil {
		return 0, err
	}
	return v, nil
}

// ExceedsProviderLimits reports whether any of the provider's configured
// cost windows is already at or over its limit. Redis errors fail open.
func (l *Limiter) ExceedsProviderLimits(ctx context.Context, p *model.Provider) bool {
	checks := []struct {
		w     Window
		limit float64
	}{
		{WindowFiveHour, p.Limits.FiveHourUSD},
		{WindowDaily, p.Limits.DailyUSD},
		{WindowWeekly, p.Limits.WeeklyUSD},
		{WindowMonthly, p.Limits.MonthlyUSD},
		{WindowTotal, p.Limits.TotalUSD},
	}
	for _, c := range checks {
		if c.limit <= 0 {
			continue
		}
		cur, err := l.WindowValue(ctx, "provider", p.ID, c.w)
		if err != nil {
			continue
		}
		if cur >= c.limit {
			return true
		}
	}
	return false
}

// AddProviderCost bumps the provider-scoped window counters post-hoc. Fire
// and forget — provider windows are advisory selection inputs, not an
// admission gate.
func (l *Limiter) AddProviderCost(providerID int64, cost float64) {
	if l.rd == nil || cost <= 0 {
		return
	}
	windows := []struct {
		w   Window
		ttl time.Duration
	}{
		{WindowFiveHour, 5 * time.Hour},
		{WindowDaily, 24 * time.Hour},
		{WindowWeekly, 7 * 24 * time.Hour},
		{WindowMonthly, 30 * 24 * time.Hour},
		{WindowTotal, 0},
	}
	l.rd.Go("provider_cost", func(ctx context.Context) error {
		for _, win := range windows {
			key := l.rd.QuotaKey("provider", providerID, string(win.w))
			if err := l.rd.IncrByFloat(ctx, key, cost).Err(); err != nil {
				return err
			}
			if win.ttl > 0 {
				ttl, err := l.rd.PTTL(ctx, key).Result()
				if err == nil && ttl < 0 {
					l.rd.PExpire(ctx, key, win.ttl)
				}
			}
		}
		return nil
	})
}
