package proxy

import (
	"strings"
	"testing"

	"github.com/valyala/fasthttp"

	"github.com/ding113/claude-code-hub/internal/model"
)

func testRC() *model.RequestContext {
	return &model.RequestContext{
		Method: "POST",
		Path:   "/v1/messages",
		Headers: map[string]string{
			"content-type":      "application/json",
			"anthropic-version": "2023-06-01",
			"authorization":     "Bearer sk-client-secret",
			"x-api-key":         "sk-client-secret",
			"user-agent":        "claude-cli/1.0",
		},
		ClientIP: "203.0.113.9",
	}
}

func TestBuildUpstreamRequest_AuthInjection(t *testing.T) {
	cases := []struct {
		ptype  model.ProviderType
		header string
		value  string
	}{
		{model.TypeClaude, "x-api-key", "sk-upstream"},
		{model.TypeClaudeAuth, "Authorization", "Bearer sk-upstream"},
		{model.TypeOpenAI, "Authorization", "Bearer sk-upstream"},
		{model.TypeCodex, "Authorization", "Bearer sk-upstream"},
		{model.TypeGemini, "x-goog-api-key", "sk-upstream"},
	}
	for _, tc := range cases {
		t.Run(string(tc.ptype), func(t *testing.T) {
			p := &model.Provider{Type: tc.ptype, APIKey: "sk-upstream"}
			req := fasthttp.AcquireRequest()
			defer fasthttp.ReleaseRequest(req)

			if err := buildUpstreamRequest(req, testRC(), p, "https://up.example.com", []byte(`{}`)); err != nil {
				t.Fatal(err)
			}
			if got := string(req.Header.Peek(tc.header)); got != tc.value {
				t.Errorf("%s = %q, want %q", tc.header, got, tc.value)
			}
			// The client credential never leaks upstream.
			for _, h := range []string{"Authorization", "x-api-key", "x-goog-api-key"} {
				if v := string(req.Header.Peek(h)); strings.Contains(v, "sk-client-secret") {
					t.Errorf("client secret leaked in %s", h)
				}
			}
		})
	}
}

func TestBuildUpstreamRequest_HostAndPath(t *testing.T) {
	p := &model.Provider{Type: model.TypeClaude, APIKey: "k"}
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)

	if err := buildUpstreamRequest(req, testRC(), p, "https://relay.example.com/anthropic", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	if got := string(req.URI().Host()); got != "relay.example.com" {
		t.Errorf("host = %q", got)
	}
	if got := string(req.URI().Path()); got != "/anthropic/v1/messages" {
		t.Errorf("path = %q, want base joined with request path", got)
	}
}

func TestBuildUpstreamRequest_ClientIP(t *testing.T) {
	p := &model.Provider{Type: model.TypeClaude, APIKey: "k", PreserveClientIP: true}
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)

	if err := buildUpstreamRequest(req, testRC(), p, "https://up.example.com", nil); err != nil {
		t.Fatal(err)
	}
	if got := string(req.Header.Peek("X-Forwarded-For")); got != "203.0.113.9" {
		t.Errorf("X-Forwarded-For = %q", got)
	}

	p.PreserveClientIP = false
	req2 := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req2)
	if err := buildUpstreamRequest(req2, testRC(), p, "https://up.example.com", nil); err != nil {
		t.Fatal(err)
	}
	if got := string(req2.Header.Peek("X-Forwarded-For")); got != "" {
		t.Errorf("X-Forwarded-For should be absent, got %q", got)
	}
}

func TestRedactURL(t *testing.T) {
	cases := map[string]string{
		"https://x.test/v1/messages?key=secret": "https://x.test/v1/messages?[REDACTED]",
		"https://x.test/v1/messages":            "https://x.test/v1/messages",
		"":                                      "",
	}
	for in, want := range cases {
		if got := redactURL(in); got != want {
			t.Errorf("redactURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestApplyVendorPrefs(t *testing.T) {
	rc := testRC()
	rc.Key = &model.Key{ID: 1, CacheTTLPreference: model.CacheTTL1h}
	p := &model.Provider{
		Type:                model.TypeClaude,
		CacheTTLPreference:  model.CacheTTLInherit,
		Context1MPreference: "enabled",
	}
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)

	applyVendorPrefs(req, rc, p)

	if rc.CacheTTLResolved != model.CacheTTL1h {
		t.Errorf("CacheTTLResolved = %q, want inherited key preference", rc.CacheTTLResolved)
	}
	if !rc.Context1MApplied {
		t.Error("Context1MApplied should be set")
	}
	if beta := string(req.Header.Peek("anthropic-beta")); !strings.Contains(beta, context1MBeta) {
		t.Errorf("anthropic-beta = %q", beta)
	}
	if len(rc.SpecialSettings) != 2 {
		t.Errorf("SpecialSettings = %v", rc.SpecialSettings)
	}
}

func TestApplyVendorPrefs_NonAnthropicUntouched(t *testing.T) {
	rc := testRC()
	p := &model.Provider{Type: model.TypeOpenAI, Context1MPreference: "enabled"}
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)

	applyVendorPrefs(req, rc, p)
	if rc.Context1MApplied || len(rc.SpecialSettings) != 0 {
		t.Errorf("openai provider must not get anthropic prefs: %+v", rc.SpecialSettings)
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := map[int]model.ErrorCategory{
		200: model.CategoryNone,
		201: model.CategoryNone,
		400: model.CategoryClientError,
		401: model.CategoryClientError,
		404: model.CategoryClientError,
		408: model.CategoryProviderError,
		429: model.CategoryProviderError,
		500: model.CategoryProviderError,
		502: model.CategoryProviderError,
		529: model.CategoryProviderError,
	}
	for status, want := range cases {
		if got := classifyStatus(status); got != want {
			t.Errorf("classifyStatus(%d) = %v, want %v", status, got, want)
		}
	}
}

func TestChainReason(t *testing.T) {
	if chainReason(model.CategoryNone, 1) != model.ReasonRequestSuccess {
		t.Error("first-attempt success should be request_success")
	}
	if chainReason(model.CategoryNone, 2) != model.ReasonRetrySuccess {
		t.Error("retry success should be retry_success")
	}
	if chainReason(model.CategorySystemError, 1) != model.ReasonSystemError {
		t.Error("system error reason mismatch")
	}
	if chainReason(model.CategoryClientError, 1) != model.ReasonClientError {
		t.Error("client error reason mismatch")
	}
}
