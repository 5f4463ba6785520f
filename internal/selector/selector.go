// Package selector ranks provider candidates for a request and resolves the
// concrete endpoint to forward to. Every selection round leaves a full
// decision context on the request chain so an operator can answer "why this
// provider" after the fact.
package selector

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/ding113/claude-code-hub/internal/breaker"
	"github.com/ding113/claude-code-hub/internal/model"
	"github.com/ding113/claude-code-hub/internal/ratelimit"
)

// Result is one selection round: the picked provider (nil when the pool is
// exhausted) and the audit snapshot.
type Result struct {
	Provider *model.Provider
	Reason   string // initial_selection or session_reuse
	Decision *model.DecisionContext
}

// Selector filters and weighted-picks providers.
type Selector struct {
	breaker *breaker.Breaker
	fuse    *breaker.Fuse
	limiter *ratelimit.Limiter
	log     *slog.Logger

	// rng is swappable so tests can pin the weighted pick.
	rng *rand.Rand
}

func New(cb *breaker.Breaker, fuse *breaker.Fuse, lim *ratelimit.Limiter, log *slog.Logger) *Selector {
	if log == nil {
		log = slog.Default()
	}
	return &Selector{
		breaker: cb,
		fuse:    fuse,
		limiter: lim,
		log:     log,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// matchesGroup reports whether the provider is visible to the request's
// effective groups. An untagged provider is visible to everyone; a subject
// with no groups sees only untagged providers.
func matchesGroup(p *model.Provider, groups []string) bool {
	if p.GroupTag == "" {
		return true
	}
	for _, g := range groups {
		if g == p.GroupTag {
			return true
		}
	}
	return false
}

// Select runs one selection round over the candidate pool. tried excludes
// providers already attempted in this request; sticky is the session's
// first-request provider (0 for none) and is preferred when it survives all
// filters into the chosen bucket.
func (s *Selector) Select(ctx context.Context, providers []*model.Provider, rc *model.RequestContext, tried map[int64]bool) *Result {
	groups := model.EffectiveGroups(rc.Key, rc.User)

	dc := &model.DecisionContext{TotalProviders: len(providers)}
	var healthy []*model.Provider

	for _, p := range providers {
		if !p.Selectable() {
			dc.FilteredProviders = append(dc.FilteredProviders, model.FilteredProvider{
				ID: p.ID, Name: p.Name, Reason: model.FilterDisabled,
			})
			continue
		}
		dc.Enabled++

		if !matchesGroup(p, groups) {
			dc.FilteredProviders = append(dc.FilteredProviders, model.FilteredProvider{
				ID: p.ID, Name: p.Name, Reason: model.FilterGroupMismatch,
				Details: p.GroupTag,
			})
			continue
		}
		if !p.AllowsModel(rc.Model) {
			dc.FilteredProviders = append(dc.FilteredProviders, model.FilteredProvider{
				ID: p.ID, Name: p.Name, Reason: model.FilterModelNotAllowed,
				Details: rc.Model,
			})
			continue
		}
		if tried[p.ID] {
			continue
		}
		if s.breaker != nil && s.breaker.IsOpen(ctx, p.ID) {
			dc.FilteredProviders = append(dc.FilteredProviders, model.FilteredProvider{
				ID: p.ID, Name: p.Name, Reason: model.FilterCircuitOpen,
				Details: string(s.breaker.CurrentState(p.ID)),
			})
			continue
		}
		// A vendor-backed provider with its pool fuse open cannot resolve an
		// endpoint; admitting it would turn into a terminal pool-exhausted
		// failure instead of a pick among its healthy siblings.
		if p.VendorID != nil && s.fuse != nil && s.fuse.IsOpen(ctx, *p.VendorID, p.Type) {
			dc.FilteredProviders = append(dc.FilteredProviders, model.FilteredProvider{
				ID: p.ID, Name: p.Name, Reason: model.FilterVendorCircuitOpen,
				Details: string(p.Type),
			})
			continue
		}
		if s.limiter != nil && s.limiter.ExceedsProviderLimits(ctx, p) {
			dc.FilteredProviders = append(dc.FilteredProviders, model.FilteredProvider{
				ID: p.ID, Name: p.Name, Reason: model.FilterRateLimited,
			})
			continue
		}
		healthy = append(healthy, p)
	}
	dc.AfterHealthCheck = len(healthy)

	if len(healthy) == 0 {
		return &Result{Decision: dc}
	}

	// Lowest effective priority wins; group overrides apply per provider.
	best := healthy[0].PriorityForGroups(groups)
	for _, p := range healthy[1:] {
		if prio := p.PriorityForGroups(groups); prio < best {
			best = prio
		}
	}
	dc.SelectedPriority = best

	var bucket []*model.Provider
	for _, p := range healthy {
		if p.PriorityForGroups(groups) == best {
			bucket = append(bucket, p)
		}
	}

	// Probabilities go into the audit record before the pick so the decision
	// context shows what the dice looked like.
	total := 0
	for _, p := range bucket {
		total += p.Weight
	}
	dc.CandidatesAtPriority = make([]model.CandidateInfo, len(bucket))
	for i, p := range bucket {
		prob := 1.0 / float64(len(bucket))
		if total > 0 {
			prob = float64(p.Weight) / float64(total)
		}
		dc.CandidatesAtPriority[i] = model.CandidateInfo{
			ID: p.ID, Name: p.Name, Weight: p.Weight,
			CostMultiplier: p.CostMultiplier, Probability: prob,
		}
	}

	// Session affinity: the sticky provider short-circuits the dice when it
	// made it into the bucket.
	if rc.StickyProvider != 0 {
		for _, p := range bucket {
			if p.ID == rc.StickyProvider {
				return &Result{Provider: p, Reason: model.ReasonSessionReuse, Decision: dc}
			}
		}
	}

	return &Result{Provider: s.weightedPick(bucket, total), Reason: model.ReasonInitialSelection, Decision: dc}
}

func (s *Selector) weightedPick(bucket []*model.Provider, total int) *model.Provider {
	if len(bucket) == 1 {
		return bucket[0]
	}
	if total <= 0 {
		return bucket[s.rng.Intn(len(bucket))]
	}
	n := s.rng.Intn(total)
	for _, p := range bucket {
		n -= p.Weight
		if n < 0 {
			return p
		}
	}
	return bucket[len(bucket)-1]
}

// Compatible narrows the pool to providers whose type can serve the
// request's wire format.
func Compatible(providers []*model.Provider, format model.WireFormat) []*model.Provider {
	types := model.CompatibleTypes[format]
	var out []*model.Provider
	for _, p := range providers {
		for _, t := range types {
			if p.Type == t {
				out = append(out, p)
				break
			}
		}
	}
	return out
}
