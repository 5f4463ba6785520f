// Package guard implements the ordered gate pipeline every proxy request
// passes before forwarding: authentication, probe filtering, session
// assignment, the content gate, and rate limiting. Stages run strictly in
// order and short-circuit with a Reject; they never panic through the
// pipeline.
package guard

import (
	"context"
	"log/slog"

	"github.com/ding113/claude-code-hub/internal/model"
)

// Reject is a final response produced by a stage. Kind keys the client
// message; Detail carries machine-readable context (rate-limit windows).
type Reject struct {
	Status int
	Kind   string
	Detail any
}

// Rejection kinds.
const (
	KindUnauthorized  = "unauthorized"
	KindRateLimited   = "rate_limited"
	KindSensitiveWord = "blocked_by_sensitive_word"
	KindIntercepted   = "intercepted" // probe answered locally, Detail is the body
	KindUnavailable   = "unavailable"
)

// Stage is one gate. A nil return passes the request to the next stage.
type Stage interface {
	Name() string
	Check(ctx context.Context, rc *model.RequestContext) *Reject
}

// Pipeline runs stages in registration order.
type Pipeline struct {
	stages []Stage
	log    *slog.Logger
}

func NewPipeline(log *slog.Logger, stages ...Stage) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{stages: stages, log: log}
}

// Run executes the pipeline. On a reject, a lease already reserved by an
// earlier stage is released before returning so a blocked request cannot
// leak quota.
func (p *Pipeline) Run(ctx context.Context, rc *model.RequestContext) *Reject {
	for _, s := range p.stages {
		rej := s.Check(ctx, rc)
		if rej == nil {
			continue
		}
		if rc.Lease != nil {
			if err := rc.Lease.Release(ctx); err != nil {
				p.log.Warn("lease release on reject failed",
					slog.String("stage", s.Name()),
					slog.String("error", err.Error()),
				)
			}
			rc.Lease = nil
		}
		return rej
	}
	return nil
}
