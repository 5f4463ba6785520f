package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver
	"github.com/jmoiron/sqlx"

	"github.com/ding113/claude-code-hub/internal/model"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// SQLStore implements Store over Postgres via sqlx.
type SQLStore struct {
	db *sqlx.DB
}

// Open connects to dsn with a bounded number of ping retries. Bootstrap
// callers exit with code 1 when this fails.
func Open(ctx context.Context, dsn string, retries int) (*SQLStore, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	var pingErr error
	for i := 0; i <= retries; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		pingErr = db.PingContext(pingCtx)
		cancel()
		if pingErr == nil {
			return &SQLStore{db: db}, nil
		}
		select {
		case <-ctx.Done():
			_ = db.Close()
			return nil, ctx.Err()
		case <-time.After(time.Second << uint(i)):
		}
	}
	_ = db.Close()
	return nil, fmt.Errorf("store: ping after %d retries: %w", retries, pingErr)
}

// NewFromDB wraps an existing connection (used by tests with sqlmock).
func NewFromDB(db *sql.DB, driverName string) *SQLStore {
	return &SQLStore{db: sqlx.NewDb(db, driverName)}
}

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLStore) Close() error                   { return s.db.Close() }

// ── Keys / users ──────────────────────────────────────────────────────────────

type keyRow struct {
	ID                 int64          `db:"id"`
	UserID             int64          `db:"user_id"`
	Secret             string         `db:"secret"`
	Name               string         `db:"name"`
	Enabled            bool           `db:"is_enabled"`
	ExpiresAt          *time.Time     `db:"expires_at"`
	CanLoginWebUI      bool           `db:"can_login_web_ui"`
	Limit5h            float64        `db:"limit_5h_usd"`
	LimitDaily         float64        `db:"limit_daily_usd"`
	LimitWeekly        float64        `db:"limit_weekly_usd"`
	LimitMonthly       float64        `db:"limit_monthly_usd"`
	LimitTotal         float64        `db:"limit_total_usd"`
	ConcurrentSessions int            `db:"concurrent_sessions"`
	DailyResetMode     string         `db:"daily_reset_mode"`
	DailyResetTime     string         `db:"daily_reset_time"`
	ProviderGroup      string         `db:"provider_group"`
	CacheTTLPreference sql.NullString `db:"cache_ttl_preference"`
}

const keyColumns = `id, user_id, secret, name, is_enabled, expires_at,
	can_login_web_ui, limit_5h_usd, limit_daily_usd, limit_weekly_usd,
	limit_monthly_usd, limit_total_usd, concurrent_sessions,
	daily_reset_mode, daily_reset_time, provider_group, cache_ttl_preference`

func (s *SQLStore) KeyBySecret(ctx context.Context, secret string) (*model.Key, error) {
	var row keyRow
	q := `SELECT ` + keyColumns + ` FROM keys WHERE secret = $1 AND is_deleted = FALSE`
	if err := s.db.GetContext(ctx, &row, q, secret); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: key by secret: %w", err)
	}

	k := &model.Key{
		ID:            row.ID,
		UserID:        row.UserID,
		Secret:        row.Secret,
		Name:          row.Name,
		Enabled:       row.Enabled,
		ExpiresAt:     row.ExpiresAt,
		CanLoginWebUI: row.CanLoginWebUI,
		Limits: model.CostLimits{
			FiveHourUSD: row.Limit5h,
			DailyUSD:    row.LimitDaily,
			WeeklyUSD:   row.LimitWeekly,
			MonthlyUSD:  row.LimitMonthly,
			TotalUSD:    row.LimitTotal,
		},
		ConcurrentSessions: row.ConcurrentSessions,
		DailyResetMode:     model.DailyResetMode(row.DailyResetMode),
		DailyResetTime:     row.DailyResetTime,
		ProviderGroup:      row.ProviderGroup,
		CacheTTLPreference: model.CacheTTLInherit,
	}
	if row.CacheTTLPreference.Valid && row.CacheTTLPreference.String != "" {
		k.CacheTTLPreference = model.CacheTTLPreference(row.CacheTTLPreference.String)
	}
	return k, nil
}

type userRow struct {
	ID                 int64      `db:"id"`
	Name               string     `db:"name"`
	Role               string     `db:"role"`
	RPM                int        `db:"rpm"`
	Enabled            bool       `db:"is_enabled"`
	ExpiresAt          *time.Time `db:"expires_at"`
	Limit5h            float64    `db:"limit_5h_usd"`
	LimitDaily         float64    `db:"limit_daily_usd"`
	LimitWeekly        float64    `db:"limit_weekly_usd"`
	LimitMonthly       float64    `db:"limit_monthly_usd"`
	LimitTotal         float64    `db:"limit_total_usd"`
	ConcurrentSessions int        `db:"concurrent_sessions"`
	ProviderGroup      string     `db:"provider_group"`
}

func (s *SQLStore) UserByID(ctx context.Context, id int64) (*model.User, error) {
	var row userRow
	q := `SELECT id, name, role, rpm, is_enabled, expires_at,
		limit_5h_usd, limit_daily_usd, limit_weekly_usd, limit_monthly_usd,
		limit_total_usd, concurrent_sessions, provider_group
		FROM users WHERE id = $1 AND is_deleted = FALSE`
	if err := s.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: user by id: %w", err)
	}

	return &model.User{
		ID:        row.ID,
		Name:      row.Name,
		Role:      model.UserRole(row.Role),
		RPM:       row.RPM,
		Enabled:   row.Enabled,
		ExpiresAt: row.ExpiresAt,
		Limits: model.CostLimits{
			FiveHourUSD: row.Limit5h,
			DailyUSD:    row.LimitDaily,
			WeeklyUSD:   row.LimitWeekly,
			MonthlyUSD:  row.LimitMonthly,
			TotalUSD:    row.LimitTotal,
		},
		ConcurrentSessions: row.ConcurrentSessions,
		ProviderGroup:      row.ProviderGroup,
	}, nil
}

// ── Providers / endpoints ─────────────────────────────────────────────────────

type providerRow struct {
	ID                  int64          `db:"id"`
	Name                string         `db:"name"`
	VendorID            *int64         `db:"vendor_id"`
	Type                string         `db:"provider_type"`
	URL                 string         `db:"url"`
	GroupTag            string         `db:"group_tag"`
	Weight              int            `db:"weight"`
	Priority            int            `db:"priority"`
	CostMultiplier      float64        `db:"cost_multiplier"`
	ModelRedirects      []byte         `db:"model_redirects"`
	AllowedModels       []byte         `db:"allowed_models"`
	GroupPriorities     []byte         `db:"group_priorities"`
	APIKey              string         `db:"api_key"`
	Limit5h             float64        `db:"limit_5h_usd"`
	LimitDaily          float64        `db:"limit_daily_usd"`
	LimitWeekly         float64        `db:"limit_weekly_usd"`
	LimitMonthly        float64        `db:"limit_monthly_usd"`
	LimitTotal          float64        `db:"limit_total_usd"`
	ConcurrentSessions  int            `db:"concurrent_sessions"`
	MaxRetryAttempts    int            `db:"max_retry_attempts"`
	FailureThreshold    int            `db:"failure_threshold"`
	OpenDurationMs      int64          `db:"open_duration_ms"`
	HalfOpenSuccess     int            `db:"half_open_success_threshold"`
	ProxyURL            string         `db:"proxy_url"`
	ProxyFallback       bool           `db:"proxy_fallback_to_direct"`
	FirstByteStreamMs   int64          `db:"first_byte_timeout_streaming_ms"`
	StreamIdleMs        int64          `db:"streaming_idle_timeout_ms"`
	NonStreamTimeoutMs  int64          `db:"request_timeout_non_streaming_ms"`
	PreserveClientIP    bool           `db:"preserve_client_ip"`
	CacheTTLPreference  sql.NullString `db:"cache_ttl_preference"`
	Context1MPreference sql.NullString `db:"context_1m_preference"`
	AnthropicMaxTokens  int            `db:"anthropic_max_tokens"`
	AnthropicThink      int            `db:"anthropic_thinking_budget"`
	GeminiGoogleSearch  bool           `db:"gemini_google_search"`
	CodexEffort         sql.NullString `db:"codex_reasoning_effort"`
	CodexSummary        sql.NullString `db:"codex_reasoning_summary"`
	MCPPassthrough      bool           `db:"mcp_passthrough_enabled"`
	TotalCostResetAt    *time.Time     `db:"total_cost_reset_at"`
	Enabled             bool           `db:"is_enabled"`
	Deleted             bool           `db:"is_deleted"`
}

func (s *SQLStore) Providers(ctx context.Context) ([]*model.Provider, error) {
	var rows []providerRow
	q := `SELECT id, name, vendor_id, provider_type, url, group_tag, weight,
		priority, cost_multiplier, model_redirects, allowed_models,
		group_priorities, api_key, limit_5h_usd, limit_daily_usd,
		limit_weekly_usd, limit_monthly_usd, limit_total_usd,
		concurrent_sessions, max_retry_attempts, failure_threshold,
		open_duration_ms, half_open_success_threshold, proxy_url,
		proxy_fallback_to_direct, first_byte_timeout_streaming_ms,
		streaming_idle_timeout_ms, request_timeout_non_streaming_ms,
		preserve_client_ip, cache_ttl_preference, context_1m_preference,
		anthropic_max_tokens, anthropic_thinking_budget, gemini_google_search,
		codex_reasoning_effort, codex_reasoning_summary,
		mcp_passthrough_enabled, total_cost_reset_at, is_enabled, is_deleted
		FROM providers WHERE is_deleted = FALSE ORDER BY id`
	if err := s.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, fmt.Errorf("store: providers: %w", err)
	}

	out := make([]*model.Provider, 0, len(rows))
	for i := range rows {
		p, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *providerRow) toModel() (*model.Provider, error) {
	p := &model.Provider{
		ID:                 r.ID,
		Name:               r.Name,
		VendorID:           r.VendorID,
		Type:               model.ProviderType(r.Type),
		URL:                r.URL,
		GroupTag:           r.GroupTag,
		Weight:             r.Weight,
		Priority:           r.Priority,
		CostMultiplier:     r.CostMultiplier,
		APIKey:             r.APIKey,
		ConcurrentSessions: r.ConcurrentSessions,
		MaxRetryAttempts:   r.MaxRetryAttempts,
		Limits: model.CostLimits{
			FiveHourUSD: r.Limit5h,
			DailyUSD:    r.LimitDaily,
			WeeklyUSD:   r.LimitWeekly,
			MonthlyUSD:  r.LimitMonthly,
			TotalUSD:    r.LimitTotal,
		},
		FailureThreshold:          r.FailureThreshold,
		OpenDuration:              time.Duration(r.OpenDurationMs) * time.Millisecond,
		HalfOpenSuccessThreshold:  r.HalfOpenSuccess,
		ProxyURL:                  r.ProxyURL,
		ProxyFallbackToDirect:     r.ProxyFallback,
		FirstByteTimeoutStreaming: time.Duration(r.FirstByteStreamMs) * time.Millisecond,
		StreamingIdleTimeout:      time.Duration(r.StreamIdleMs) * time.Millisecond,
		RequestTimeoutNonStream:   time.Duration(r.NonStreamTimeoutMs) * time.Millisecond,
		PreserveClientIP:          r.PreserveClientIP,
		AnthropicMaxTokens:        r.AnthropicMaxTokens,
		AnthropicThinkBudget:      r.AnthropicThink,
		GeminiGoogleSearch:        r.GeminiGoogleSearch,
		MCPPassthroughEnabled:     r.MCPPassthrough,
		TotalCostResetAt:          r.TotalCostResetAt,
		Enabled:                   r.Enabled,
		Deleted:                   r.Deleted,
		CacheTTLPreference:        model.CacheTTLInherit,
	}

	if r.CacheTTLPreference.Valid && r.CacheTTLPreference.String != "" {
		p.CacheTTLPreference = model.CacheTTLPreference(r.CacheTTLPreference.String)
	}
	if r.Context1MPreference.Valid {
		p.Context1MPreference = r.Context1MPreference.String
	}
	if r.CodexEffort.Valid {
		p.CodexReasoningEffort = r.CodexEffort.String
	}
	if r.CodexSummary.Valid {
		p.CodexReasoningSummary = r.CodexSummary.String
	}

	if len(r.ModelRedirects) > 0 {
		if err := json.Unmarshal(r.ModelRedirects, &p.ModelRedirects); err != nil {
			return nil, fmt.Errorf("store: provider %d model_redirects: %w", r.ID, err)
		}
	}
	if len(r.AllowedModels) > 0 {
		if err := json.Unmarshal(r.AllowedModels, &p.AllowedModels); err != nil {
			return nil, fmt.Errorf("store: provider %d allowed_models: %w", r.ID, err)
		}
	}
	if len(r.GroupPriorities) > 0 {
		if err := json.Unmarshal(r.GroupPriorities, &p.GroupPriorities); err != nil {
			return nil, fmt.Errorf("store: provider %d group_priorities: %w", r.ID, err)
		}
	}
	return p, nil
}

func (s *SQLStore) Endpoints(ctx context.Context, vendorID int64, t model.ProviderType) ([]*model.ProviderEndpoint, error) {
	var rows []model.ProviderEndpoint
	q := `SELECT id, vendor_id, provider_type, url, label, sort_order, weight,
		is_enabled, is_deleted, last_probe_at, last_probe_status
		FROM provider_endpoints
		WHERE vendor_id = $1 AND provider_type = $2 AND is_deleted = FALSE
		ORDER BY sort_order, id`
	if err := s.db.SelectContext(ctx, &rows, q, vendorID, string(t)); err != nil {
		return nil, fmt.Errorf("store: endpoints: %w", err)
	}
	out := make([]*model.ProviderEndpoint, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	return out, nil
}

// ── Settings ──────────────────────────────────────────────────────────────────

func (s *SQLStore) Settings(ctx context.Context) (model.SystemSettings, error) {
	set := model.DefaultSystemSettings()

	var rows []struct {
		Name  string `db:"name"`
		Value string `db:"value"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT name, value FROM system_settings`); err != nil {
		return set, fmt.Errorf("store: settings: %w", err)
	}

	for _, r := range rows {
		switch r.Name {
		case "billing_model_source":
			if r.Value == "original" || r.Value == "redirected" {
				set.BillingModelSource = r.Value
			}
		case "allow_global_usage_view":
			set.AllowGlobalUsageView = r.Value == "true"
		case "enable_auto_cleanup":
			set.EnableAutoCleanup = r.Value == "true"
		case "verbose_provider_error":
			set.VerboseProviderError = r.Value == "true"
		case "enable_http2":
			set.EnableHTTP2 = r.Value == "true"
		case "intercept_anthropic_warmup_requests":
			set.InterceptAnthropicWarmup = r.Value == "true"
		case "enable_codex_session_id_completion":
			set.EnableCodexSessionIDCompletion = r.Value == "true"
		case "quota_lease_percent":
			var f float64
			if _, err := fmt.Sscanf(r.Value, "%f", &f); err == nil && f > 0 {
				set.QuotaLeasePercent = f
			}
		case "quota_lease_cap_usd":
			var f float64
			if _, err := fmt.Sscanf(r.Value, "%f", &f); err == nil && f > 0 {
				set.QuotaLeaseCapUSD = f
			}
		case "quota_db_refresh_interval_seconds":
			var n int
			if _, err := fmt.Sscanf(r.Value, "%d", &n); err == nil && n > 0 {
				set.QuotaDBRefreshInterval = time.Duration(n) * time.Second
			}
		}
	}
	return set, nil
}

// SensitiveWords returns the enabled blocklist entries.
func (s *SQLStore) SensitiveWords(ctx context.Context) ([]string, error) {
	var words []string
	q := `SELECT word FROM sensitive_words WHERE is_enabled = TRUE ORDER BY id`
	if err := s.db.SelectContext(ctx, &words, q); err != nil {
		return nil, fmt.Errorf("store: sensitive words: %w", err)
	}
	return words, nil
}

// ── Ledger ────────────────────────────────────────────────────────────────────

func (s *SQLStore) CostSince(ctx context.Context, scope string, id int64, since time.Time) (float64, error) {
	col, err := scopeColumn(scope)
	if err != nil {
		return 0, err
	}
	var sum sql.NullFloat64
	q := `SELECT COALESCE(SUM(cost_usd), 0) FROM message_requests WHERE ` + col + ` = $1 AND created_at >= $2`
	if err := s.db.GetContext(ctx, &sum, q, id, since); err != nil {
		return 0, fmt.Errorf("store: cost since: %w", err)
	}
	return sum.Float64, nil
}

func (s *SQLStore) TotalCost(ctx context.Context, scope string, id int64, resetAt *time.Time) (float64, error) {
	col, err := scopeColumn(scope)
	if err != nil {
		return 0, err
	}
	var sum sql.NullFloat64
	if resetAt != nil {
		q := `SELECT COALESCE(SUM(cost_usd), 0) FROM message_requests WHERE ` + col + ` = $1 AND created_at >= $2`
		if err := s.db.GetContext(ctx, &sum, q, id, *resetAt); err != nil {
			return 0, fmt.Errorf("store: total cost: %w", err)
		}
		return sum.Float64, nil
	}
	q := `SELECT COALESCE(SUM(cost_usd), 0) FROM message_requests WHERE ` + col + ` = $1`
	if err := s.db.GetContext(ctx, &sum, q, id); err != nil {
		return 0, fmt.Errorf("store: total cost: %w", err)
	}
	return sum.Float64, nil
}

func scopeColumn(scope string) (string, error) {
	switch scope {
	case "key":
		return "key_id", nil
	case "user":
		return "user_id", nil
	case "provider":
		return "provider_id", nil
	}
	return "", fmt.Errorf("store: unknown scope %q", scope)
}

func (s *SQLStore) InsertMessageRequest(ctx context.Context, row *model.MessageRequest) error {
	chain, err := json.Marshal(row.Chain)
	if err != nil {
		return fmt.Errorf("store: marshal chain: %w", err)
	}

	q := `INSERT INTO message_requests
		(id, key_id, user_id, session_id, provider_id, provider_name, model,
		 billed_model, wire_format, streaming, status_code, input_tokens,
		 output_tokens, cache_creation_tokens, cache_read_tokens, cost_usd,
		 duration_ms, client_aborted, provider_chain, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`
	_, err = s.db.ExecContext(ctx, q,
		row.ID, row.KeyID, row.UserID, row.SessionID, row.ProviderID,
		row.ProviderName, row.Model, row.BilledModel, string(row.Format),
		row.Streaming, row.StatusCode, row.Usage.InputTokens,
		row.Usage.OutputTokens, row.Usage.CacheCreationTokens,
		row.Usage.CacheReadTokens, row.CostUSD, row.DurationMs,
		row.ClientAborted, chain, row.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert message_request: %w", err)
	}
	return nil
}
