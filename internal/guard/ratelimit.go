package guard

import (
	"context"
	"log/slog"

	"github.com/valyala/fasthttp"

	"github.com/ding113/claude-code-hub/internal/model"
	"github.com/ding113/claude-code-hub/internal/ratelimit"
)

// Metrics observes rate-limit outcomes. Implemented by the metrics package.
type Metrics interface {
	RecordRateLimit(limitType, result string)
}

type noopMetrics struct{}

func (noopMetrics) RecordRateLimit(string, string) {}

// RateLimitStage runs the limit checks in a fixed order: RPM, concurrent
// sessions, then the cost windows behind a quota lease. The first violation
// wins and later windows are never touched. A lease acquired here is carried
// on the request context and settled by the forwarder.
type RateLimitStage struct {
	limiter *ratelimit.Limiter
	metrics Metrics
	log     *slog.Logger
}

func NewRateLimitStage(limiter *ratelimit.Limiter, metrics Metrics, log *slog.Logger) *RateLimitStage {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &RateLimitStage{limiter: limiter, metrics: metrics, log: log}
}

func (s *RateLimitStage) Name() string { return "rate_limit" }

func (s *RateLimitStage) Check(ctx context.Context, rc *model.RequestContext) *Reject {
	if !s.limiter.AllowRPM(ctx, rc.User.ID, rc.User.RPM) {
		s.metrics.RecordRateLimit("rpm", "rejected")
		return rateLimited(ratelimit.Rejection{
			LimitType: "rpm",
			Scope:     "user",
			Limit:     float64(rc.User.RPM),
		})
	}
	s.metrics.RecordRateLimit("rpm", "allowed")

	// Probes never occupy a session slot.
	if !rc.IsProbe {
		cr := s.limiter.CheckAndTrackSession(ctx, rc.Key, rc.User, rc.SessionID)
		if !cr.Allowed {
			s.metrics.RecordRateLimit("concurrent_sessions", "rejected")
			return rateLimited(ratelimit.Rejection{
				LimitType: "concurrent_sessions",
				Scope:     cr.Scope,
				Current:   float64(cr.Current),
				Limit:     float64(cr.Limit),
			})
		}
		s.metrics.RecordRateLimit("concurrent_sessions", "allowed")
	}

	lease, rej, err := s.limiter.CheckCostLimitsWithLease(ctx, rc.Key, rc.User)
	if err != nil {
		// Only the deny-closed total window surfaces an error here.
		s.untrack(rc)
		s.log.Error("cost limit check unavailable",
			slog.Int64("user_id", rc.User.ID),
			slog.String("error", err.Error()),
		)
		return &Reject{Status: fasthttp.StatusServiceUnavailable, Kind: KindUnavailable}
	}
	if rej != nil {
		s.untrack(rc)
		s.metrics.RecordRateLimit(rej.LimitType, "rejected")
		return rateLimited(*rej)
	}
	s.metrics.RecordRateLimit("cost", "allowed")
	rc.Lease = lease
	return nil
}

// untrack backs out the session slot taken earlier in this stage when a later
// check rejects the request.
func (s *RateLimitStage) untrack(rc *model.RequestContext) {
	if !rc.IsProbe {
		s.limiter.UntrackSession(rc.Key.ID, rc.User.ID, rc.SessionID)
	}
}

func rateLimited(rej ratelimit.Rejection) *Reject {
	return &Reject{
		Status: fasthttp.StatusTooManyRequests,
		Kind:   KindRateLimited,
		Detail: rej,
	}
}
