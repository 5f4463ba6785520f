package selector

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"time"

	"github.com/ding113/claude-code-hub/internal/breaker"
	"github.com/ding113/claude-code-hub/internal/model"
)

// strictFuseCoolDown is how long the vendor+type fuse stays open after the
// endpoint pool comes up empty.
const strictFuseCoolDown = 10 * time.Second

// Strict-policy block causes recorded on the decision chain. The detailed
// fuse reason (no_enabled_endpoints, all_endpoints_unhealthy, ...) lives on
// the fuse record itself.
const (
	CauseSelectorError        = "selector_error"
	CauseNoEndpointCandidates = "no_endpoint_candidates"
)

// ErrEndpointPoolExhausted is returned when the strict endpoint policy
// blocks the attempt: a vendor-backed provider never falls back to its own
// URL when its endpoint pool is configured but unusable.
type ErrEndpointPoolExhausted struct {
	VendorID int64
	Type     model.ProviderType
	Cause    string // CauseSelectorError or CauseNoEndpointCandidates
	Stats    model.EndpointFilterStats
}

func (e *ErrEndpointPoolExhausted) Error() string {
	return fmt.Sprintf("endpoint pool exhausted for vendor %d type %s: %s",
		e.VendorID, e.Type, e.Cause)
}

// EndpointSource lists the endpoint pool for a (vendor, type) pair.
type EndpointSource interface {
	Endpoints(ctx context.Context, vendorID int64, t model.ProviderType) ([]*model.ProviderEndpoint, error)
}

// Resolver picks the concrete URL for a chosen provider.
type Resolver struct {
	source  EndpointSource
	breaker *breaker.Breaker // endpoint-scoped breaker
	fuse    *breaker.Fuse
	log     *slog.Logger

	// rng is swappable so tests can pin the weighted pick.
	rng func(n int) int
}

func NewResolver(source EndpointSource, epBreaker *breaker.Breaker, fuse *breaker.Fuse, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	r := &Resolver{source: source, breaker: epBreaker, fuse: fuse, log: log}
	r.rng = rand.New(rand.NewSource(time.Now().UnixNano())).Intn
	return r
}

// Resolve returns the URL to forward to and, when the provider is
// vendor-backed, the chosen endpoint. Strict policy: a provider with a
// vendor id only forwards through a healthy endpoint of its pool.
func (r *Resolver) Resolve(ctx context.Context, p *model.Provider) (string, *model.ProviderEndpoint, error) {
	if p.VendorID == nil {
		return p.URL, nil, nil
	}
	vendorID := *p.VendorID

	if r.fuse != nil && r.fuse.IsOpen(ctx, vendorID, p.Type) {
		return "", nil, &ErrEndpointPoolExhausted{
			VendorID: vendorID, Type: p.Type, Cause: CauseNoEndpointCandidates,
		}
	}

	pool, err := r.source.Endpoints(ctx, vendorID, p.Type)
	if err != nil {
		return "", nil, fmt.Errorf("selector: list endpoints: %w", err)
	}

	stats := model.EndpointFilterStats{Total: len(pool)}
	var usable []*model.ProviderEndpoint
	for _, ep := range pool {
		if !ep.Enabled || ep.Deleted {
			continue
		}
		stats.Enabled++
		if r.breaker != nil && r.breaker.IsOpen(ctx, ep.ID) {
			stats.CircuitOpen++
			continue
		}
		usable = append(usable, ep)
	}
	stats.Available = len(usable)

	if len(usable) == 0 {
		reason := breaker.FuseAllEndpointsUnhealthy
		if stats.Enabled == 0 {
			reason = breaker.FuseNoEnabledEndpoints
		}
		if r.fuse != nil {
			r.fuse.Open(ctx, vendorID, p.Type, reason, strictFuseCoolDown)
		}
		return "", nil, &ErrEndpointPoolExhausted{
			VendorID: vendorID, Type: p.Type, Cause: CauseNoEndpointCandidates, Stats: stats,
		}
	}

	ep := r.pick(usable)
	return ep.URL, ep, nil
}

// pick narrows to the lowest sortOrder group and weighted-picks within it.
func (r *Resolver) pick(pool []*model.ProviderEndpoint) *model.ProviderEndpoint {
	sort.SliceStable(pool, func(i, j int) bool { return pool[i].SortOrder < pool[j].SortOrder })

	first := pool[0].SortOrder
	group := pool[:1]
	for _, ep := range pool[1:] {
		if ep.SortOrder != first {
			break
		}
		group = append(group, ep)
	}
	if len(group) == 1 {
		return group[0]
	}

	total := 0
	for _, ep := range group {
		total += ep.Weight
	}
	if total <= 0 {
		return group[r.rng(len(group))]
	}
	n := r.rng(total)
	for _, ep := range group {
		n -= ep.Weight
		if n < 0 {
			return ep
		}
	}
	return group[len(group)-1]
}
