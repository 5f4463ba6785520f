package model

import (
	"context"
	"time"
)

// QuotaLease is the rate limiter's reservation handle carried through the
// request. Declared here so the pipeline and forwarder share it without
// depending on the limiter package.
type QuotaLease interface {
	// Reconcile settles the reservation against the actual cost.
	Reconcile(ctx context.Context, actual float64) error
	// Release settles at zero cost.
	Release(ctx context.Context) error
}

// RequestContext is the mutable per-request state shared by the guard
// pipeline and the forwarder. It is created on HTTP entry, owned exclusively
// by the handler goroutine, and never shared between requests.
type RequestContext struct {
	// Immutable after entry.
	RequestID string
	Method    string
	Path      string
	Headers   map[string]string // snapshot of the original request headers
	Body      []byte
	Format    WireFormat
	UserAgent string
	ClientIP  string
	ArrivedAt time.Time

	// Set by the auth guard.
	Key  *Key
	User *User

	// Set by the probe guard.
	IsProbe bool // count_tokens / warmup — skips concurrency accounting

	// Set by the session guard.
	SessionID       string
	RequestSequence int64
	StickyProvider  int64 // 0 when the session has no prior provider

	// Set by parsing / the rate-limit guard.
	Model     string
	Streaming bool
	Lease     QuotaLease // quota reservation, settled by the forwarder

	// Set by the forwarder as attempts progress.
	Provider       *Provider
	ActiveEndpoint *ProviderEndpoint
	Chain          []ProviderChainItem

	// Special settings resolved during forwarding (audit only).
	SpecialSettings  []string
	CacheTTLResolved CacheTTLPreference
	Context1MApplied bool
}

// AppendChain appends an audit item, assigning the next attempt number when
// the caller left it zero.
func (rc *RequestContext) AppendChain(item ProviderChainItem) {
	if item.AttemptNumber == 0 {
		item.AttemptNumber = len(rc.Chain) + 1
	}
	rc.Chain = append(rc.Chain, item)
}

// TriedProviders returns the ids of providers already attempted, used to
// exclude them from re-selection within the same request.
func (rc *RequestContext) TriedProviders() map[int64]bool {
	out := make(map[int64]bool, len(rc.Chain))
	for _, it := range rc.Chain {
		if it.ProviderID != 0 {
			out[it.ProviderID] = true
		}
	}
	return out
}

// Header returns a header from the entry snapshot (canonical lookup is the
// caller's responsibility; keys are stored lower-cased).
func (rc *RequestContext) Header(name string) string {
	return rc.Headers[name]
}
