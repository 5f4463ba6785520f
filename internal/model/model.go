// Package model defines the domain entities shared by the request execution
// engine: providers, endpoints, keys, users, sessions, and the per-request
// audit structures.
//
// All types here are plain data — behaviour lives in the packages that own
// the corresponding state (breaker, ratelimit, session, selector, proxy).
package model

import (
	"strings"
	"time"
)

// WireFormat identifies the client-visible API dialect of a request.
type WireFormat string

const (
	FormatClaude    WireFormat = "claude"
	FormatOpenAI    WireFormat = "openai"
	FormatCodex     WireFormat = "codex"
	FormatGemini    WireFormat = "gemini"
	FormatGeminiCLI WireFormat = "gemini-cli"
)

// ProviderType identifies the upstream protocol + auth style of a provider.
type ProviderType string

const (
	TypeClaude     ProviderType = "claude"
	TypeClaudeAuth ProviderType = "claude-auth"
	TypeCodex      ProviderType = "codex"
	TypeOpenAI     ProviderType = "openai-compatible"
	TypeGemini     ProviderType = "gemini"
	TypeGeminiCLI  ProviderType = "gemini-cli"
)

// CompatibleTypes maps a request wire format to the provider types that can
// serve it natively. Claude-format traffic can go to either API-key or
// OAuth-style Anthropic upstreams.
var CompatibleTypes = map[WireFormat][]ProviderType{
	FormatClaude:    {TypeClaude, TypeClaudeAuth},
	FormatOpenAI:    {TypeOpenAI},
	FormatCodex:     {TypeCodex},
	FormatGemini:    {TypeGemini},
	FormatGeminiCLI: {TypeGeminiCLI},
}

// FormatOf returns the wire format a provider type speaks.
func FormatOf(t ProviderType) WireFormat {
	switch t {
	case TypeClaude, TypeClaudeAuth:
		return FormatClaude
	case TypeCodex:
		return FormatCodex
	case TypeOpenAI:
		return FormatOpenAI
	case TypeGemini:
		return FormatGemini
	case TypeGeminiCLI:
		return FormatGeminiCLI
	}
	return FormatOpenAI
}

// CostLimits holds the USD spend ceilings for the cost windows. Zero means
// "no limit" for that window.
type CostLimits struct {
	FiveHourUSD float64 `db:"limit_5h_usd"`
	DailyUSD    float64 `db:"limit_daily_usd"`
	WeeklyUSD   float64 `db:"limit_weekly_usd"`
	MonthlyUSD  float64 `db:"limit_monthly_usd"`
	TotalUSD    float64 `db:"limit_total_usd"`
}

// CacheTTLPreference controls the prompt-cache TTL forwarded to Anthropic
// upstreams.
type CacheTTLPreference string

const (
	CacheTTLInherit CacheTTLPreference = "inherit"
	CacheTTL5m      CacheTTLPreference = "5m"
	CacheTTL1h      CacheTTLPreference = "1h"
)

// Provider is one configured upstream: a single wire protocol plus a single
// auth credential, with routing weights and health tuning.
type Provider struct {
	ID       int64        `db:"id"`
	Name     string       `db:"name"`
	VendorID *int64       `db:"vendor_id"`
	Type     ProviderType `db:"provider_type"`

	// Routing.
	URL             string            `db:"url"`
	GroupTag        string            `db:"group_tag"`
	Weight          int               `db:"weight"`
	Priority        int               `db:"priority"`
	CostMultiplier  float64           `db:"cost_multiplier"`
	ModelRedirects  map[string]string `db:"-"`
	AllowedModels   []string          `db:"-"`
	GroupPriorities map[string]int    `db:"-"`

	// Credential injected on forward, shaped per Type.
	APIKey string `db:"api_key"`

	// Limits.
	Limits             CostLimits
	ConcurrentSessions int `db:"concurrent_sessions"`
	MaxRetryAttempts   int `db:"max_retry_attempts"`

	// Circuit breaker tuning. FailureThreshold <= 0 disables the breaker.
	FailureThreshold         int           `db:"failure_threshold"`
	OpenDuration             time.Duration `db:"open_duration_ms"`
	HalfOpenSuccessThreshold int           `db:"half_open_success_threshold"`

	// Networking.
	ProxyURL                  string        `db:"proxy_url"`
	ProxyFallbackToDirect     bool          `db:"proxy_fallback_to_direct"`
	FirstByteTimeoutStreaming time.Duration `db:"first_byte_timeout_streaming_ms"`
	StreamingIdleTimeout      time.Duration `db:"streaming_idle_timeout_ms"`
	RequestTimeoutNonStream   time.Duration `db:"request_timeout_non_streaming_ms"`
	PreserveClientIP          bool          `db:"preserve_client_ip"`

	// Vendor-specific preferences.
	CacheTTLPreference     CacheTTLPreference `db:"cache_ttl_preference"`
	Context1MPreference    string             `db:"context_1m_preference"`
	AnthropicMaxTokens     int                `db:"anthropic_max_tokens"`
	AnthropicThinkBudget   int                `db:"anthropic_thinking_budget"`
	GeminiGoogleSearch     bool               `db:"gemini_google_search"`
	CodexReasoningEffort   string             `db:"codex_reasoning_effort"`
	CodexReasoningSummary  string             `db:"codex_reasoning_summary"`
	MCPPassthroughEnabled  bool               `db:"mcp_passthrough_enabled"`
	TotalCostResetAt       *time.Time         `db:"total_cost_reset_at"`

	Enabled bool `db:"is_enabled"`
	Deleted bool `db:"is_deleted"`
}

// Selectable reports whether the provider may appear as a selection
// candidate at all. A soft-deleted provider is invisible even when enabled.
func (p *Provider) Selectable() bool {
	return p.Enabled && !p.Deleted
}

// RedirectModel applies the provider's model redirect map.
func (p *Provider) RedirectModel(model string) string {
	if p.ModelRedirects == nil {
		return model
	}
	if to, ok := p.ModelRedirects[model]; ok && to != "" {
		return to
	}
	return model
}

// AllowsModel reports whether model passes the provider's allow-list.
// An empty list allows everything.
func (p *Provider) AllowsModel(model string) bool {
	if len(p.AllowedModels) == 0 {
		return true
	}
	for _, m := range p.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

// PriorityForGroups returns the provider's effective priority for the given
// request groups. When GroupPriorities overrides more than one of the
// request's groups, the lowest (most preferred) override wins.
func (p *Provider) PriorityForGroups(groups []string) int {
	prio := p.Priority
	overridden := false
	for _, g := range groups {
		if v, ok := p.GroupPriorities[g]; ok {
			if !overridden || v < prio {
				prio = v
				overridden = true
			}
		}
	}
	return prio
}

// ProviderEndpoint is one concrete URL belonging to a (vendor, type) pair.
// Uniqueness is by (VendorID, Type, trimmed URL).
type ProviderEndpoint struct {
	ID        int64        `db:"id"`
	VendorID  int64        `db:"vendor_id"`
	Type      ProviderType `db:"provider_type"`
	URL       string       `db:"url"`
	Label     string       `db:"label"`
	SortOrder int          `db:"sort_order"`
	Weight    int          `db:"weight"`
	Enabled   bool         `db:"is_enabled"`
	Deleted   bool         `db:"is_deleted"`

	LastProbeAt     *time.Time `db:"last_probe_at"`
	LastProbeStatus *int       `db:"last_probe_status"`
}

// DailyResetMode selects how the daily cost window resets.
type DailyResetMode string

const (
	ResetFixed   DailyResetMode = "fixed"   // window rolls at a configured HH:MM
	ResetRolling DailyResetMode = "rolling" // window is the trailing 24h
)

// Key is the authentication subject: an sk-prefixed secret owned by a user.
type Key struct {
	ID            int64      `db:"id"`
	UserID        int64      `db:"user_id"`
	Secret        string     `db:"secret"`
	Name          string     `db:"name"`
	Enabled       bool       `db:"is_enabled"`
	ExpiresAt     *time.Time `db:"expires_at"`
	CanLoginWebUI bool       `db:"can_login_web_ui"`

	Limits             CostLimits
	ConcurrentSessions int            `db:"concurrent_sessions"`
	DailyResetMode     DailyResetMode `db:"daily_reset_mode"`
	DailyResetTime     string         `db:"daily_reset_time"` // "HH:MM"

	// ProviderGroup is comma-joined and normalized (lower-case, trimmed).
	ProviderGroup string `db:"provider_group"`

	CacheTTLPreference CacheTTLPreference `db:"cache_ttl_preference"`
}

// Groups splits the normalized comma-joined provider group string.
func (k *Key) Groups() []string {
	return SplitGroups(k.ProviderGroup)
}

// Expired reports whether the key is past its expiry.
func (k *Key) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// UserRole distinguishes admin subjects from regular users.
type UserRole string

const (
	RoleAdmin UserRole = "admin"
	RoleUser  UserRole = "user"
)

// User owns keys and carries the outer limits a key may not exceed.
type User struct {
	ID        int64      `db:"id"`
	Name      string     `db:"name"`
	Role      UserRole   `db:"role"`
	RPM       int        `db:"rpm"`
	Enabled   bool       `db:"is_enabled"`
	ExpiresAt *time.Time `db:"expires_at"`

	Limits             CostLimits
	ConcurrentSessions int `db:"concurrent_sessions"`

	// ProviderGroup is derived: the union of the user's keys' groups.
	ProviderGroup string   `db:"provider_group"`
	Tags          []string `db:"-"`
}

// Groups splits the derived comma-joined provider group string.
func (u *User) Groups() []string {
	return SplitGroups(u.ProviderGroup)
}

// Expired reports whether the user account is past its expiry.
func (u *User) Expired(now time.Time) bool {
	return u.ExpiresAt != nil && now.After(*u.ExpiresAt)
}

// SplitGroups normalizes a comma-joined group string into a slice:
// lower-cased, trimmed, empties dropped.
func SplitGroups(joined string) []string {
	if joined == "" {
		return nil
	}
	parts := strings.Split(joined, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		g := strings.ToLower(strings.TrimSpace(p))
		if g != "" {
			out = append(out, g)
		}
	}
	return out
}

// EffectiveGroups returns the intersection of key and user groups — the set
// a provider's GroupTag must match. A subject with no groups matches only
// providers with an empty GroupTag.
func EffectiveGroups(key *Key, user *User) []string {
	kg := key.Groups()
	ug := user.Groups()
	if len(kg) == 0 {
		return ug
	}
	if len(ug) == 0 {
		return kg
	}
	set := make(map[string]bool, len(ug))
	for _, g := range ug {
		set[g] = true
	}
	var out []string
	for _, g := range kg {
		if set[g] {
			out = append(out, g)
		}
	}
	return out
}

// Session groups a conversation across requests so provider affinity and
// usage attribution survive between calls.
type Session struct {
	ID              string
	ProviderID      int64 // sticky provider chosen on the first request
	RequestSequence int64
	LastActivity    time.Time
}

// Usage is the token accounting extracted from an upstream response.
type Usage struct {
	InputTokens         int
	OutputTokens        int
	CacheCreationTokens int
	CacheReadTokens     int
}

// Total returns input+output tokens.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// SystemSettings are the DB-loaded runtime toggles consumed by the engine.
type SystemSettings struct {
	BillingModelSource             string // "original" | "redirected"
	AllowGlobalUsageView           bool
	EnableAutoCleanup              bool
	VerboseProviderError           bool
	EnableHTTP2                    bool
	InterceptAnthropicWarmup       bool
	EnableCodexSessionIDCompletion bool

	// QuotaLeasePercent is the fraction of the remaining limit reserved per
	// in-flight request, bounded by QuotaLeaseCapUSD.
	QuotaLeasePercent float64
	QuotaLeaseCapUSD  float64

	QuotaDBRefreshInterval time.Duration
}

// DefaultSystemSettings mirrors the DB defaults used when the settings row
// is missing or Redis/DB are unreachable.
func DefaultSystemSettings() SystemSettings {
	return SystemSettings{
		BillingModelSource:             "original",
		InterceptAnthropicWarmup:       true,
		EnableCodexSessionIDCompletion: true,
		QuotaLeasePercent:              0.05,
		QuotaLeaseCapUSD:               2.0,
		QuotaDBRefreshInterval:         5 * time.Minute,
	}
}
