package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ding113/claude-code-hub/internal/model"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewFromDB(db, "sqlmock"), mock
}

var keyCols = []string{
	"id", "user_id", "secret", "name", "is_enabled", "expires_at",
	"can_login_web_ui", "limit_5h_usd", "limit_daily_usd", "limit_weekly_usd",
	"limit_monthly_usd", "limit_total_usd", "concurrent_sessions",
	"daily_reset_mode", "daily_reset_time", "provider_group",
	"cache_ttl_preference",
}

func TestKeyBySecret(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("FROM keys WHERE secret").
		WithArgs("sk-live-1").
		WillReturnRows(sqlmock.NewRows(keyCols).AddRow(
			int64(7), int64(2), "sk-live-1", "ci key", true, nil,
			false, 5.0, 25.0, 0.0, 0.0, 500.0, 3,
			"fixed", "00:00", "premium", nil,
		))

	k, err := s.KeyBySecret(context.Background(), "sk-live-1")
	if err != nil {
		t.Fatal(err)
	}
	if k.ID != 7 || k.UserID != 2 || !k.Enabled {
		t.Errorf("key = %+v", k)
	}
	if k.Limits.DailyUSD != 25 || k.Limits.TotalUSD != 500 {
		t.Errorf("limits = %+v", k.Limits)
	}
	if k.CacheTTLPreference != model.CacheTTLInherit {
		t.Errorf("NULL cache_ttl_preference should map to inherit, got %q", k.CacheTTLPreference)
	}
	if k.ProviderGroup != "premium" {
		t.Errorf("ProviderGroup = %q", k.ProviderGroup)
	}
}

func TestKeyBySecret_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("FROM keys WHERE secret").
		WithArgs("sk-unknown").
		WillReturnRows(sqlmock.NewRows(keyCols))

	_, err := s.KeyBySecret(context.Background(), "sk-unknown")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUserByID(t *testing.T) {
	s, mock := newMockStore(t)

	cols := []string{
		"id", "name", "role", "rpm", "is_enabled", "expires_at",
		"limit_5h_usd", "limit_daily_usd", "limit_weekly_usd",
		"limit_monthly_usd", "limit_total_usd", "concurrent_sessions",
		"provider_group",
	}
	mock.ExpectQuery("FROM users WHERE id").
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			int64(2), "ops", "admin", 120, true, nil,
			0.0, 50.0, 0.0, 0.0, 0.0, 5, "",
		))

	u, err := s.UserByID(context.Background(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if u.RPM != 120 || u.Role != model.RoleAdmin {
		t.Errorf("user = %+v", u)
	}
}

func TestProviders(t *testing.T) {
	s, mock := newMockStore(t)

	cols := []string{
		"id", "name", "vendor_id", "provider_type", "url", "group_tag",
		"weight", "priority", "cost_multiplier", "model_redirects",
		"allowed_models", "group_priorities", "api_key", "limit_5h_usd",
		"limit_daily_usd", "limit_weekly_usd", "limit_monthly_usd",
		"limit_total_usd", "concurrent_sessions", "max_retry_attempts",
		"failure_threshold", "open_duration_ms", "half_open_success_threshold",
		"proxy_url", "proxy_fallback_to_direct",
		"first_byte_timeout_streaming_ms", "streaming_idle_timeout_ms",
		"request_timeout_non_streaming_ms", "preserve_client_ip",
		"cache_ttl_preference", "context_1m_preference", "anthropic_max_tokens",
		"anthropic_thinking_budget", "gemini_google_search",
		"codex_reasoning_effort", "codex_reasoning_summary",
		"mcp_passthrough_enabled", "total_cost_reset_at", "is_enabled",
		"is_deleted",
	}
	mock.ExpectQuery("FROM providers WHERE is_deleted").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			int64(1), "main", int64(4), "claude", "https://api.example.com", "",
			10, 0, 1.2, []byte(`{"claude-3":"claude-sonnet-4"}`),
			[]byte(`["claude-sonnet-4"]`), nil, "sk-up", 0.0,
			0.0, 0.0, 0.0, 0.0, 0, 3,
			5, int64(30_000), 2,
			"", false,
			int64(30_000), int64(60_000),
			int64(120_000), false,
			"1h", nil, 0,
			0, false,
			nil, nil,
			false, nil, true,
			false,
		))

	provs, err := s.Providers(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(provs) != 1 {
		t.Fatalf("providers = %d", len(provs))
	}
	p := provs[0]
	if p.Type != model.TypeClaude || *p.VendorID != 4 {
		t.Errorf("provider = %+v", p)
	}
	if p.OpenDuration != 30*time.Second {
		t.Errorf("OpenDuration = %v, want ms conversion", p.OpenDuration)
	}
	if p.ModelRedirects["claude-3"] != "claude-sonnet-4" {
		t.Errorf("ModelRedirects = %v", p.ModelRedirects)
	}
	if len(p.AllowedModels) != 1 {
		t.Errorf("AllowedModels = %v", p.AllowedModels)
	}
	if p.CacheTTLPreference != model.CacheTTL1h {
		t.Errorf("CacheTTLPreference = %q", p.CacheTTLPreference)
	}
}

func TestSettings_OverridesDefaults(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("FROM system_settings").
		WillReturnRows(sqlmock.NewRows([]string{"name", "value"}).
			AddRow("billing_model_source", "redirected").
			AddRow("intercept_anthropic_warmup_requests", "false").
			AddRow("quota_lease_percent", "0.1").
			AddRow("unknown_setting", "ignored"))

	set, err := s.Settings(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if set.BillingModelSource != "redirected" {
		t.Errorf("BillingModelSource = %q", set.BillingModelSource)
	}
	if set.InterceptAnthropicWarmup {
		t.Error("InterceptAnthropicWarmup should be overridden to false")
	}
	if set.QuotaLeasePercent != 0.1 {
		t.Errorf("QuotaLeasePercent = %f", set.QuotaLeasePercent)
	}
	// Untouched settings keep their defaults.
	if !set.EnableCodexSessionIDCompletion {
		t.Error("EnableCodexSessionIDCompletion default lost")
	}
}

func TestSensitiveWords(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("FROM sensitive_words WHERE is_enabled").
		WillReturnRows(sqlmock.NewRows([]string{"word"}).
			AddRow("forbidden").
			AddRow("blocked phrase"))

	words, err := s.SensitiveWords(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(words) != 2 || words[1] != "blocked phrase" {
		t.Errorf("words = %v", words)
	}
}

func TestCostSince_ScopeColumns(t *testing.T) {
	s, mock := newMockStore(t)
	since := time.Now().Add(-24 * time.Hour)

	mock.ExpectQuery("FROM message_requests WHERE key_id").
		WithArgs(int64(7), since).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(12.5))

	got, err := s.CostSince(context.Background(), "key", 7, since)
	if err != nil {
		t.Fatal(err)
	}
	if got != 12.5 {
		t.Errorf("CostSince = %f", got)
	}

	if _, err := s.CostSince(context.Background(), "tenant", 7, since); err == nil {
		t.Error("unknown scope should fail")
	}
}

func TestInsertMessageRequest(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO message_requests").
		WillReturnResult(sqlmock.NewResult(0, 1))

	row := &model.MessageRequest{
		ID:        "req-1",
		KeyID:     7,
		UserID:    2,
		SessionID: "session-abcdefghijklmnopqrst",
		Model:     "claude-sonnet-4",
		Format:    model.FormatClaude,
		CreatedAt: time.Now(),
		Chain: []model.ProviderChainItem{
			{ProviderID: 1, Reason: model.ReasonRequestSuccess, AttemptNumber: 1},
		},
	}
	if err := s.InsertMessageRequest(context.Background(), row); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
