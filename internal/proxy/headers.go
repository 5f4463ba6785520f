package proxy

import (
	"net/url"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/ding113/claude-code-hub/internal/model"
)

// forwardableHeaders is the whitelist copied from the client request to the
// upstream. Auth headers are never copied; the provider credential is
// injected instead.
var forwardableHeaders = map[string]bool{
	"content-type":        true,
	"accept":              true,
	"accept-encoding":     false, // fasthttp negotiates its own encoding
	"anthropic-version":   true,
	"anthropic-beta":      true,
	"openai-beta":         true,
	"x-goog-user-project": true,
	"user-agent":          true,
	"session_id":          true,
	"x-session-id":        true,
}

// redactedHeaders never appear in logs or decision-chain records.
var redactedHeaders = map[string]bool{
	"authorization":  true,
	"x-api-key":      true,
	"x-goog-api-key": true,
	"cookie":         true,
	"proxy-authorization": true,
}

// buildUpstreamRequest populates req for one attempt: whitelisted client
// headers, Host from the target URL, the provider credential, and the
// (possibly translated) body.
func buildUpstreamRequest(req *fasthttp.Request, rc *model.RequestContext, p *model.Provider, target string, body []byte) error {
	u, err := url.Parse(target)
	if err != nil {
		return err
	}

	// The upstream path is the client path joined onto the target base.
	base := strings.TrimSuffix(u.Path, "/")
	req.SetRequestURI(u.Scheme + "://" + u.Host + base + rc.Path)
	req.Header.SetMethod(rc.Method)
	req.Header.SetHost(u.Host)

	for name, val := range rc.Headers {
		if forwardableHeaders[name] {
			req.Header.Set(name, val)
		}
	}

	injectAuth(req, p)

	if p.PreserveClientIP && rc.ClientIP != "" {
		req.Header.Set("X-Forwarded-For", rc.ClientIP)
	}

	req.Header.SetContentType("application/json")
	req.SetBody(body)
	return nil
}

// injectAuth sets the credential header in the shape the provider type
// expects.
func injectAuth(req *fasthttp.Request, p *model.Provider) {
	req.Header.Del("Authorization")
	req.Header.Del("x-api-key")
	req.Header.Del("x-goog-api-key")

	switch p.Type {
	case model.TypeClaude:
		req.Header.Set("x-api-key", p.APIKey)
		if len(req.Header.Peek("anthropic-version")) == 0 {
			req.Header.Set("anthropic-version", "2023-06-01")
		}
	case model.TypeClaudeAuth:
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
		if len(req.Header.Peek("anthropic-version")) == 0 {
			req.Header.Set("anthropic-version", "2023-06-01")
		}
	case model.TypeGemini, model.TypeGeminiCLI:
		req.Header.Set("x-goog-api-key", p.APIKey)
	default: // openai-compatible, codex
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}
}

// context1MBeta is the Anthropic beta flag enabling the 1M-token context
// window.
const context1MBeta = "context-1m-2025-08-07"

// applyVendorPrefs resolves the provider's vendor-specific preferences onto
// the outgoing request and records them on the request context for the audit
// trail. Only Anthropic-protocol providers carry any today.
func applyVendorPrefs(req *fasthttp.Request, rc *model.RequestContext, p *model.Provider) {
	if p.Type != model.TypeClaude && p.Type != model.TypeClaudeAuth {
		return
	}

	ttl := p.CacheTTLPreference
	if ttl == model.CacheTTLInherit && rc.Key != nil {
		ttl = rc.Key.CacheTTLPreference
	}
	if ttl != "" && ttl != model.CacheTTLInherit {
		rc.CacheTTLResolved = ttl
		rc.SpecialSettings = append(rc.SpecialSettings, "cache_ttl="+string(ttl))
	}

	if p.Context1MPreference == "enabled" {
		beta := string(req.Header.Peek("anthropic-beta"))
		if beta == "" {
			req.Header.Set("anthropic-beta", context1MBeta)
		} else if !strings.Contains(beta, context1MBeta) {
			req.Header.Set("anthropic-beta", beta+","+context1MBeta)
		}
		rc.Context1MApplied = true
		rc.SpecialSettings = append(rc.SpecialSettings, "context_1m")
	}
}

// redactURL strips the query string before a URL is recorded anywhere.
func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i] + "?[REDACTED]"
	}
	return raw
}

// snapshotHeaders copies the fasthttp request headers into a lower-cased map,
// dropping anything in the redaction deny-list from the copy used for audit
// logging. The full set (auth included) is kept on the request context so the
// guards can read credentials.
func snapshotHeaders(ctx *fasthttp.RequestCtx) map[string]string {
	out := make(map[string]string, 16)
	ctx.Request.Header.VisitAll(func(k, v []byte) {
		out[strings.ToLower(string(k))] = string(v)
	})
	return out
}

// loggableHeader reports whether the header may appear in logs.
func loggableHeader(name string) bool {
	return !redactedHeaders[strings.ToLower(name)]
}
