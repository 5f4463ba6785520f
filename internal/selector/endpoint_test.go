package selector

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/ding113/claude-code-hub/internal/breaker"
	"github.com/ding113/claude-code-hub/internal/model"
)

type staticEndpoints []*model.ProviderEndpoint

func (s staticEndpoints) Endpoints(ctx context.Context, vendorID int64, t model.ProviderType) ([]*model.ProviderEndpoint, error) {
	return s, nil
}

func endpoint(id int64, sortOrder, weight int) *model.ProviderEndpoint {
	return &model.ProviderEndpoint{
		ID: id, VendorID: 1, Type: model.TypeClaude,
		URL: "https://api.example.com", SortOrder: sortOrder, Weight: weight,
		Enabled: true,
	}
}

func vendorProvider() *model.Provider {
	vid := int64(1)
	return &model.Provider{ID: 1, VendorID: &vid, Type: model.TypeClaude, URL: "https://direct.example.com"}
}

func TestResolve_DirectProviderUsesOwnURL(t *testing.T) {
	r := NewResolver(staticEndpoints{}, nil, nil, slog.Default())
	p := &model.Provider{ID: 1, URL: "https://direct.example.com"}

	url, ep, err := r.Resolve(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if url != p.URL || ep != nil {
		t.Errorf("vendor-less provider must use its own url, got %s %v", url, ep)
	}
}

func TestResolve_LowestSortOrderWins(t *testing.T) {
	pool := staticEndpoints{endpoint(1, 2, 100), endpoint(2, 1, 1)}
	r := NewResolver(pool, nil, nil, slog.Default())

	url, ep, err := r.Resolve(context.Background(), vendorProvider())
	if err != nil {
		t.Fatal(err)
	}
	if ep == nil || ep.ID != 2 {
		t.Errorf("sort order must trump weight, got %v (%s)", ep, url)
	}
}

func TestResolve_WeightedWithinSortGroup(t *testing.T) {
	pool := staticEndpoints{endpoint(1, 1, 1), endpoint(2, 1, 9)}
	r := NewResolver(pool, nil, nil, slog.Default())

	picks := map[int64]int{}
	for i := 0; i < 200; i++ {
		r.rng = func(n int) int { return i % n }
		_, ep, err := r.Resolve(context.Background(), vendorProvider())
		if err != nil {
			t.Fatal(err)
		}
		picks[ep.ID]++
	}
	if picks[1] == 0 || picks[2] == 0 {
		t.Errorf("both endpoints should be reachable by the dice, got %v", picks)
	}
	if picks[2] < picks[1] {
		t.Errorf("heavier endpoint should win more often, got %v", picks)
	}
}

func TestResolve_SkipsDisabledAndDeleted(t *testing.T) {
	off := endpoint(1, 1, 1)
	off.Enabled = false
	gone := endpoint(2, 1, 1)
	gone.Deleted = true
	ok := endpoint(3, 2, 1)

	r := NewResolver(staticEndpoints{off, gone, ok}, nil, nil, slog.Default())
	_, ep, err := r.Resolve(context.Background(), vendorProvider())
	if err != nil {
		t.Fatal(err)
	}
	if ep.ID != 3 {
		t.Errorf("only the enabled endpoint is usable, got %d", ep.ID)
	}
}

func TestResolve_StrictPolicyOpensFuse(t *testing.T) {
	ctx := context.Background()

	off := endpoint(1, 1, 1)
	off.Enabled = false
	fuse := breaker.NewFuse(nil, nil)
	r := NewResolver(staticEndpoints{off}, nil, fuse, slog.Default())

	_, _, err := r.Resolve(ctx, vendorProvider())
	var exhausted *ErrEndpointPoolExhausted
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected pool exhaustion, got %v", err)
	}
	if exhausted.Cause != CauseNoEndpointCandidates {
		t.Errorf("expected no_endpoint_candidates, got %s", exhausted.Cause)
	}
	if exhausted.Stats.Total != 1 || exhausted.Stats.Enabled != 0 {
		t.Errorf("filter stats wrong: %+v", exhausted.Stats)
	}

	// The fuse is now open: the next resolve is blocked before listing.
	if !fuse.IsOpen(ctx, 1, model.TypeClaude) {
		t.Fatal("strict failure should open the vendor fuse")
	}
	_, _, err = r.Resolve(ctx, vendorProvider())
	if !errors.As(err, &exhausted) || exhausted.Cause != CauseNoEndpointCandidates {
		t.Errorf("expected the open fuse to block resolution, got %v", err)
	}
}

func TestResolve_AllEndpointsUnhealthy(t *testing.T) {
	ctx := context.Background()

	cfg := breaker.Config{FailureThreshold: 1, OpenDuration: time.Minute, HalfOpenSuccessThreshold: 1}
	cache := breaker.NewConfigCache(func(ctx context.Context, id int64) (breaker.Config, error) {
		return cfg, nil
	}, cfg, nil)
	epBreaker := breaker.New(nil, func(id int64) string { return "ep" }, cache, nil, nil)
	epBreaker.RecordFailure(ctx, 1, nil)

	fuse := breaker.NewFuse(nil, nil)
	r := NewResolver(staticEndpoints{endpoint(1, 1, 1)}, epBreaker, fuse, slog.Default())

	_, _, err := r.Resolve(ctx, vendorProvider())
	var exhausted *ErrEndpointPoolExhausted
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected pool exhaustion, got %v", err)
	}
	if exhausted.Cause != CauseNoEndpointCandidates {
		t.Errorf("expected no_endpoint_candidates, got %s", exhausted.Cause)
	}
	if exhausted.Stats.CircuitOpen != 1 || exhausted.Stats.Available != 0 {
		t.Errorf("filter stats wrong: %+v", exhausted.Stats)
	}
}
