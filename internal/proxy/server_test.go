package proxy

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/ding113/claude-code-hub/internal/guard"
	"github.com/ding113/claude-code-hub/internal/model"
	"github.com/ding113/claude-code-hub/internal/ratelimit"
	"github.com/ding113/claude-code-hub/internal/writer"
)

type memoryLedger struct {
	mu   sync.Mutex
	rows []*model.MessageRequest
}

func (m *memoryLedger) CostSince(ctx context.Context, scope string, id int64, since time.Time) (float64, error) {
	return 0, nil
}

func (m *memoryLedger) TotalCost(ctx context.Context, scope string, id int64, resetAt *time.Time) (float64, error) {
	return 0, nil
}

func (m *memoryLedger) InsertMessageRequest(ctx context.Context, row *model.MessageRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, row)
	return nil
}

type settledLease struct {
	mu     sync.Mutex
	actual float64
	calls  int
}

func (l *settledLease) Reconcile(ctx context.Context, actual float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.actual = actual
	l.calls++
	return nil
}

func (l *settledLease) Release(ctx context.Context) error { return l.Reconcile(ctx, 0) }

func newTestCtx(method, path string) *fasthttp.RequestCtx {
	var req fasthttp.Request
	req.Header.SetMethod(method)
	req.SetRequestURI(path)
	fctx := &fasthttp.RequestCtx{}
	fctx.Init(&req, nil, nil)
	return fctx
}

func TestWriteReject(t *testing.T) {
	s := NewServer(ServerDeps{Log: slog.Default()})

	cases := []struct {
		rej    *guard.Reject
		status int
		marker string
	}{
		{&guard.Reject{Status: 401, Kind: guard.KindUnauthorized}, 401, "unauthorized"},
		{&guard.Reject{Status: 429, Kind: guard.KindRateLimited, Detail: ratelimit.Rejection{LimitType: "daily_quota"}}, 429, "daily_quota"},
		{&guard.Reject{Status: 451, Kind: guard.KindSensitiveWord}, 451, "blocked_by_sensitive_word"},
		{&guard.Reject{Status: 503, Kind: guard.KindUnavailable}, 503, "internal_error"},
		{&guard.Reject{Status: 200, Kind: guard.KindIntercepted, Detail: `{"id":"msg_warmup"}`}, 200, "msg_warmup"},
	}
	for _, tc := range cases {
		fctx := newTestCtx("POST", "/v1/messages")
		s.writeReject(fctx, &model.RequestContext{}, tc.rej)
		if fctx.Response.StatusCode() != tc.status {
			t.Errorf("%s: status = %d, want %d", tc.rej.Kind, fctx.Response.StatusCode(), tc.status)
		}
		if !strings.Contains(string(fctx.Response.Body()), tc.marker) {
			t.Errorf("%s: body %s missing %q", tc.rej.Kind, fctx.Response.Body(), tc.marker)
		}
	}
}

func TestNewRequestContext(t *testing.T) {
	s := NewServer(ServerDeps{Log: slog.Default()})
	fctx := newTestCtx("POST", "/v1/messages")
	fctx.Request.Header.Set("X-Api-Key", "sk-abc")
	fctx.Request.Header.Set("User-Agent", "claude-cli/2.0")
	fctx.Request.Header.Set("X-Forwarded-For", "198.51.100.4, 10.0.0.1")
	fctx.Request.SetBodyString(`{"model":"m"}`)
	fctx.SetUserValue("request_id", "req-123")

	rc := s.newRequestContext(fctx, model.FormatClaude)

	if rc.Header("x-api-key") != "sk-abc" {
		t.Error("headers should be snapshotted lower-cased")
	}
	if rc.UserAgent != "claude-cli/2.0" {
		t.Errorf("UserAgent = %q", rc.UserAgent)
	}
	if rc.ClientIP != "198.51.100.4" {
		t.Errorf("ClientIP = %q, want first x-forwarded-for hop", rc.ClientIP)
	}
	if rc.RequestID != "req-123" {
		t.Errorf("RequestID = %q", rc.RequestID)
	}
	if string(rc.Body) != `{"model":"m"}` {
		t.Errorf("Body = %s", rc.Body)
	}
}

func TestFinishRequest_SettlesAndPersists(t *testing.T) {
	ledger := &memoryLedger{}
	w := writer.New(writer.Config{Mode: writer.ModeSync}, ledger, nil, nil, slog.Default())
	s := NewServer(ServerDeps{Writer: w, Log: slog.Default()})

	lease := &settledLease{}
	rc := &model.RequestContext{
		RequestID: "req-1",
		Model:     "claude-sonnet-4",
		Format:    model.FormatClaude,
		Key:       &model.Key{ID: 1, UserID: 2},
		User:      &model.User{ID: 2},
		SessionID: "session-abcdefghijklmnopqrst",
		ArrivedAt: time.Now().Add(-50 * time.Millisecond),
		Lease:     lease,
	}
	p := &model.Provider{ID: 9, Name: "main", Type: model.TypeClaude, CostMultiplier: 1}
	out := &Outcome{
		StatusCode: 200,
		Provider:   p,
		Usage:      model.Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000},
		Success:    true,
	}

	s.finishRequest(rc, out)

	if lease.calls != 1 {
		t.Fatalf("lease reconcile calls = %d, want 1", lease.calls)
	}
	if lease.actual <= 0 {
		t.Errorf("reconciled cost = %f, want > 0", lease.actual)
	}
	if len(ledger.rows) != 1 {
		t.Fatalf("persisted rows = %d, want 1", len(ledger.rows))
	}
	row := ledger.rows[0]
	if row.ProviderID != 9 || row.KeyID != 1 || row.UserID != 2 {
		t.Errorf("row attribution: %+v", row)
	}
	if row.CostUSD != lease.actual {
		t.Errorf("row cost %f != reconciled %f", row.CostUSD, lease.actual)
	}
	if row.DurationMs < 50 {
		t.Errorf("DurationMs = %d, want >= 50", row.DurationMs)
	}
}

func TestFinishRequest_ReconcilesOnAbort(t *testing.T) {
	s := NewServer(ServerDeps{Log: slog.Default()})
	lease := &settledLease{}
	rc := &model.RequestContext{
		RequestID: "req-2",
		Model:     "claude-sonnet-4",
		ArrivedAt: time.Now(),
		Lease:     lease,
	}

	s.finishRequest(rc, &Outcome{StatusCode: 200, ClientAborted: true})

	if lease.calls != 1 {
		t.Error("lease must be reconciled even on client abort")
	}
	if rc.Lease != nil {
		t.Error("lease reference should be cleared after settling")
	}
}

func TestFinishRequest_ProbeSkipsRow(t *testing.T) {
	ledger := &memoryLedger{}
	w := writer.New(writer.Config{Mode: writer.ModeSync}, ledger, nil, nil, slog.Default())
	s := NewServer(ServerDeps{Writer: w, Log: slog.Default()})

	rc := &model.RequestContext{RequestID: "req-3", IsProbe: true, ArrivedAt: time.Now()}
	s.finishRequest(rc, &Outcome{StatusCode: 200})

	if len(ledger.rows) != 0 {
		t.Errorf("probe requests must not persist rows, got %d", len(ledger.rows))
	}
}

func TestHandleModels(t *testing.T) {
	store := &fakeProviderStore{providers: []*model.Provider{
		{ID: 1, Enabled: true, AllowedModels: []string{"claude-sonnet-4", "claude-opus-4"}},
		{ID: 2, Enabled: true, ModelRedirects: map[string]string{"gpt-4o": "gpt-4o-mini"}},
		{ID: 3, Enabled: false, AllowedModels: []string{"hidden-model"}},
	}}
	s := NewServer(ServerDeps{Providers: store, Log: slog.Default()})

	fctx := newTestCtx("GET", "/v1/models")
	s.handleModels(fctx)

	body := string(fctx.Response.Body())
	for _, want := range []string{"claude-sonnet-4", "claude-opus-4", "gpt-4o-mini", `"object":"list"`} {
		if !strings.Contains(body, want) {
			t.Errorf("models body missing %q: %s", want, body)
		}
	}
	if strings.Contains(body, "hidden-model") {
		t.Error("disabled provider's models must not be listed")
	}
}

func TestHandleReadiness(t *testing.T) {
	ok := true
	s := NewServer(ServerDeps{Ready: func() bool { return ok }, Log: slog.Default()})

	fctx := newTestCtx("GET", "/readiness")
	s.handleReadiness(fctx)
	if fctx.Response.StatusCode() != 200 {
		t.Errorf("ready: status = %d", fctx.Response.StatusCode())
	}

	ok = false
	fctx = newTestCtx("GET", "/readiness")
	s.handleReadiness(fctx)
	if fctx.Response.StatusCode() != fasthttp.StatusServiceUnavailable {
		t.Errorf("not ready: status = %d", fctx.Response.StatusCode())
	}
}
