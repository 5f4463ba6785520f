package model

import "time"

// ErrorCategory classifies the outcome of one forwarding attempt. The
// category decides whether the retry loop switches provider, surfaces the
// error immediately, or reports success.
type ErrorCategory int

const (
	// CategoryNone — the attempt succeeded.
	CategoryNone ErrorCategory = 0
	// CategorySystemError — network, TLS, DNS, or timeout failure. Retryable
	// by switching provider or endpoint.
	CategorySystemError ErrorCategory = 1
	// CategoryProviderError — upstream 5xx or a retryable 4xx such as 429.
	// Retryable by switching provider.
	CategoryProviderError ErrorCategory = 2
	// CategoryClientError — a 4xx caused by the client payload. Surfaced
	// immediately, never retried.
	CategoryClientError ErrorCategory = 3
	// CategoryConcurrentLimit — the provider-side concurrency gate rejected
	// the attempt.
	CategoryConcurrentLimit ErrorCategory = 4
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryNone:
		return "none"
	case CategorySystemError:
		return "system_error"
	case CategoryProviderError:
		return "provider_error"
	case CategoryClientError:
		return "client_error_non_retryable"
	case CategoryConcurrentLimit:
		return "concurrent_limit_failed"
	}
	return "unknown"
}

// Retryable reports whether the category permits another attempt on a
// different provider.
func (c ErrorCategory) Retryable() bool {
	return c == CategorySystemError || c == CategoryProviderError || c == CategoryConcurrentLimit
}

// Attempt reasons recorded in the decision chain.
const (
	ReasonInitialSelection  = "initial_selection"
	ReasonSessionReuse      = "session_reuse"
	ReasonRequestSuccess    = "request_success"
	ReasonRetrySuccess      = "retry_success"
	ReasonRetryFailed       = "retry_failed"
	ReasonSystemError       = "system_error"
	ReasonClientError       = "client_error_non_retryable"
	ReasonConcurrentLimit   = "concurrent_limit_failed"
	ReasonEndpointExhausted = "endpoint_pool_exhausted"
)

// Filter reasons recorded for providers excluded before the weighted pick.
const (
	FilterCircuitOpen       = "circuit_open"
	FilterVendorCircuitOpen = "vendor_circuit_open"
	FilterRateLimited       = "rate_limited"
	FilterDisabled          = "disabled"
	FilterGroupMismatch     = "group_mismatch"
	FilterModelNotAllowed   = "model_not_allowed"
)

// CandidateInfo is one provider in the priority bucket the selector picked
// from, with its computed selection probability.
type CandidateInfo struct {
	ID             int64   `json:"id"`
	Name           string  `json:"name"`
	Weight         int     `json:"weight"`
	CostMultiplier float64 `json:"costMultiplier"`
	Probability    float64 `json:"probability"`
}

// FilteredProvider records why a provider was excluded from selection.
type FilteredProvider struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Reason  string `json:"reason"`
	Details string `json:"details,omitempty"`
}

// DecisionContext is the audit snapshot of one selection round.
type DecisionContext struct {
	TotalProviders       int                `json:"totalProviders"`
	Enabled              int                `json:"enabled"`
	AfterHealthCheck     int                `json:"afterHealthCheck"`
	SelectedPriority     int                `json:"selectedPriority"`
	CandidatesAtPriority []CandidateInfo    `json:"candidatesAtPriority"`
	FilteredProviders    []FilteredProvider `json:"filteredProviders"`
}

// EndpointFilterStats summarizes endpoint pool filtering for strict-policy
// failures.
type EndpointFilterStats struct {
	Total       int `json:"total"`
	Enabled     int `json:"enabled"`
	CircuitOpen int `json:"circuitOpen"`
	Available   int `json:"available"`
}

// ProviderChainItem is one entry in the per-request decision chain: a full
// audit record of a single attempt (or a terminal selection failure).
// Items are append-only and numbered 1,2,3,... without gaps.
type ProviderChainItem struct {
	ProviderID   int64        `json:"providerId"`
	ProviderName string       `json:"providerName"`
	VendorID     *int64       `json:"vendorId,omitempty"`
	Type         ProviderType `json:"providerType"`

	EndpointID  *int64 `json:"endpointId,omitempty"`
	EndpointURL string `json:"endpointUrl,omitempty"` // redacted: query stripped

	AttemptNumber int           `json:"attemptNumber"`
	Reason        string        `json:"reason"`
	StatusCode    int           `json:"statusCode,omitempty"`
	DurationMs    int64         `json:"durationMs"`
	ErrorCategory ErrorCategory `json:"errorCategory"`
	ErrorMessage  string        `json:"errorMessage,omitempty"`
	CircuitState  string        `json:"circuitState,omitempty"`

	Decision         *DecisionContext     `json:"decisionContext,omitempty"`
	EndpointFilters  *EndpointFilterStats `json:"endpointFilterStats,omitempty"`
	StrictBlockCause string               `json:"strictBlockCause,omitempty"`
}

// MessageRequest is the persisted bookkeeping row for one proxied request,
// written asynchronously after the response is delivered.
type MessageRequest struct {
	ID            string
	KeyID         int64
	UserID        int64
	SessionID     string
	ProviderID    int64
	ProviderName  string
	Model         string
	BilledModel   string
	Format        WireFormat
	Streaming     bool
	StatusCode    int
	Usage         Usage
	CostUSD       float64
	DurationMs    int64
	ClientAborted bool
	Chain         []ProviderChainItem
	CreatedAt     time.Time
}
