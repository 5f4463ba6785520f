package proxy

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpproxy"

	"github.com/ding113/claude-code-hub/internal/breaker"
	"github.com/ding113/claude-code-hub/internal/config"
	"github.com/ding113/claude-code-hub/internal/metrics"
	"github.com/ding113/claude-code-hub/internal/model"
	"github.com/ding113/claude-code-hub/internal/selector"
	"github.com/ding113/claude-code-hub/internal/store"
	"github.com/ding113/claude-code-hub/internal/transform"
	"github.com/ding113/claude-code-hub/pkg/apierr"
)

// retrySameProviderEndpoints controls whether a provider error may retry a
// different endpoint of the same provider. Off: provider errors always switch
// provider.
const retrySameProviderEndpoints = false

// upstreamDoer is the transport seam. *fasthttp.Client satisfies it; tests
// substitute a stub.
type upstreamDoer interface {
	DoDeadline(req *fasthttp.Request, resp *fasthttp.Response, deadline time.Time) error
}

// Outcome is what one request ultimately produced, handed to the caller's
// finish callback for bookkeeping.
type Outcome struct {
	StatusCode    int
	Provider      *model.Provider
	BilledModel   string
	Usage         model.Usage
	Success       bool
	ClientAborted bool
}

// Forwarder drives the retry loop: select a provider, resolve its endpoint,
// forward, classify, and either respond or try the next candidate.
type Forwarder struct {
	providers  store.ProviderStore
	selector   *selector.Selector
	resolver   *selector.Resolver
	provCB     *breaker.Breaker
	epCB       *breaker.Breaker // nil disables endpoint breaker accounting
	transforms *transform.Registry
	metrics    *metrics.Registry
	settings   func() model.SystemSettings
	log        *slog.Logger

	maxRetries int
	timeouts   config.TimeoutConfig

	unary  upstreamDoer
	stream upstreamDoer

	// proxied clients keyed by proxy URL, built lazily.
	proxyMu      sync.Mutex
	proxyClients map[string]*clientPair

	now func() time.Time
}

type clientPair struct {
	unary  upstreamDoer
	stream upstreamDoer
}

// ForwarderDeps bundles the constructor arguments.
type ForwarderDeps struct {
	Providers  store.ProviderStore
	Selector   *selector.Selector
	Resolver   *selector.Resolver
	ProviderCB *breaker.Breaker
	EndpointCB *breaker.Breaker
	Transforms *transform.Registry
	Metrics    *metrics.Registry
	Settings   func() model.SystemSettings
	Log        *slog.Logger

	MaxRetries int
	Timeouts   config.TimeoutConfig
}

func NewForwarder(d ForwarderDeps) *Forwarder {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.MaxRetries < 1 {
		d.MaxRetries = 3
	}
	if d.Settings == nil {
		d.Settings = func() model.SystemSettings { return model.DefaultSystemSettings() }
	}
	return &Forwarder{
		providers:    d.Providers,
		selector:     d.Selector,
		resolver:     d.Resolver,
		provCB:       d.ProviderCB,
		epCB:         d.EndpointCB,
		transforms:   d.Transforms,
		metrics:      d.Metrics,
		settings:     d.Settings,
		log:          d.Log,
		maxRetries:   d.MaxRetries,
		timeouts:     d.Timeouts,
		unary:        &fasthttp.Client{MaxConnsPerHost: 1024},
		stream:       &fasthttp.Client{MaxConnsPerHost: 1024, StreamResponseBody: true},
		proxyClients: make(map[string]*clientPair),
		now:          time.Now,
	}
}

// Execute runs the retry loop and writes the response to fctx. finish is
// invoked exactly once with the final outcome; for streaming responses that
// happens after the last byte is delivered.
func (f *Forwarder) Execute(fctx *fasthttp.RequestCtx, rc *model.RequestContext, finish func(*Outcome)) {
	pool, err := f.providers.Providers(fctx)
	if err != nil {
		f.log.Error("provider list failed", slog.String("error", err.Error()))
		apierr.WriteInternal(fctx)
		finish(&Outcome{StatusCode: fasthttp.StatusInternalServerError})
		return
	}
	pool = selector.Compatible(pool, rc.Format)

	// MCP passthrough uses the legacy provider URL and only providers that
	// opted in; the strict endpoint policy does not apply to it.
	mcp := strings.HasPrefix(rc.Path, "/mcp/")
	if mcp {
		var filtered []*model.Provider
		for _, p := range pool {
			if p.MCPPassthroughEnabled {
				filtered = append(filtered, p)
			}
		}
		pool = filtered
	}

	lastStatus := 0
	lastErrMsg := ""
	attempt := 0

	for {
		attempt++
		res := f.selector.Select(fctx, pool, rc, rc.TriedProviders())
		if res.Provider == nil {
			rc.AppendChain(model.ProviderChainItem{
				Reason:        model.ReasonRetryFailed,
				AttemptNumber: attempt,
				Decision:      res.Decision,
			})
			if lastStatus == 0 {
				apierr.WriteNoProvider(fctx)
				finish(&Outcome{StatusCode: fasthttp.StatusServiceUnavailable})
			} else {
				apierr.WriteUpstreamError(fctx, lastStatus, lastErrMsg)
				finish(&Outcome{StatusCode: fctx.Response.StatusCode()})
			}
			return
		}
		p := res.Provider

		var (
			target string
			ep     *model.ProviderEndpoint
			rerr   error
		)
		if mcp {
			target = p.URL
		} else {
			target, ep, rerr = f.resolver.Resolve(fctx, p)
		}
		if rerr != nil {
			// Strict endpoint policy: a resolver failure never falls back to
			// the provider URL, whether the pool came up empty or the source
			// itself errored.
			cause := selector.CauseSelectorError
			var stats *model.EndpointFilterStats
			if exhausted, ok := rerr.(*selector.ErrEndpointPoolExhausted); ok {
				cause = exhausted.Cause
				stats = &exhausted.Stats
			} else {
				f.log.Error("endpoint resolve failed",
					slog.Int64("provider_id", p.ID),
					slog.String("error", rerr.Error()),
				)
			}
			rc.AppendChain(model.ProviderChainItem{
				ProviderID: p.ID, ProviderName: p.Name, VendorID: p.VendorID, Type: p.Type,
				AttemptNumber:    attempt,
				Reason:           model.ReasonEndpointExhausted,
				Decision:         res.Decision,
				EndpointFilters:  stats,
				StrictBlockCause: cause,
			})
			apierr.WriteEndpointPoolExhausted(fctx)
			finish(&Outcome{StatusCode: fasthttp.StatusServiceUnavailable, Provider: p})
			return
		}

		rc.Provider = p
		rc.ActiveEndpoint = ep
		done := f.forwardOnce(fctx, rc, p, ep, target, res, attempt, finish)
		if done {
			return
		}

		// The attempt failed retryably; remember the last upstream shape for
		// the final error and loop back to selection.
		last := rc.Chain[len(rc.Chain)-1]
		lastStatus, lastErrMsg = last.StatusCode, last.ErrorMessage

		if attempt >= f.maxAttempts(p) {
			apierr.WriteUpstreamError(fctx, lastStatus, lastErrMsg)
			finish(&Outcome{StatusCode: fctx.Response.StatusCode(), Provider: p})
			return
		}
		if f.metrics != nil {
			f.metrics.RecordRetry(last.Reason)
		}
	}
}

// forwardOnce performs a single attempt. It returns true when the request is
// finished (success or a non-retryable failure already written to the
// client), false when the loop should pick another provider.
func (f *Forwarder) forwardOnce(fctx *fasthttp.RequestCtx, rc *model.RequestContext, p *model.Provider, ep *model.ProviderEndpoint, target string, sel *selector.Result, attempt int, finish func(*Outcome)) bool {
	providerFormat := model.FormatOf(p.Type)
	tr, err := f.transforms.For(rc.Format, providerFormat)
	if err != nil {
		f.log.Error("no transformer", slog.String("error", err.Error()))
		apierr.WriteInternal(fctx)
		finish(&Outcome{StatusCode: fasthttp.StatusInternalServerError, Provider: p})
		return true
	}

	targetModel := p.RedirectModel(rc.Model)
	body, err := tr.Request(rc.Body, targetModel)
	if err != nil {
		apierr.Write(fctx, fasthttp.StatusBadRequest,
			"request body could not be translated for the upstream",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		finish(&Outcome{StatusCode: fasthttp.StatusBadRequest, Provider: p})
		return true
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	release := func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}

	if err := buildUpstreamRequest(req, rc, p, target, body); err != nil {
		release()
		f.log.Error("bad target url",
			slog.Int64("provider_id", p.ID),
			slog.String("error", err.Error()),
		)
		apierr.WriteInternal(fctx)
		finish(&Outcome{StatusCode: fasthttp.StatusInternalServerError, Provider: p})
		return true
	}
	applyVendorPrefs(req, rc, p)

	item := model.ProviderChainItem{
		ProviderID: p.ID, ProviderName: p.Name, VendorID: p.VendorID, Type: p.Type,
		AttemptNumber: attempt,
		Reason:        sel.Reason,
		EndpointURL:   redactURL(target),
		Decision:      sel.Decision,
	}
	if ep != nil {
		item.EndpointID = &ep.ID
	}

	start := f.now()
	err = f.dispatch(req, resp, p, rc.Streaming, start)
	ttfb := f.now().Sub(start)

	if err != nil {
		release()
		cat := classifyError(err)
		item.DurationMs = ttfb.Milliseconds()
		item.ErrorCategory = cat
		item.ErrorMessage = err.Error()
		item.Reason = chainReason(cat, attempt)
		f.recordFailure(fctx, rc, p, ep, &item, err)
		rc.AppendChain(item)
		f.observe(p.Name, "system_error", ttfb)
		return false
	}

	status := resp.StatusCode()
	item.StatusCode = status
	cat := classifyStatus(status)

	if cat == model.CategoryNone {
		// Delegate to the response path; it settles breakers and the chain
		// because fake-200 detection can still fail the attempt.
		return f.respond(fctx, rc, p, ep, tr, resp, release, item, start, finish)
	}

	// Upstream error status: drain the body for the message, then decide.
	msg := upstreamErrorMessage(resp, f.settings().VerboseProviderError)
	release()
	item.DurationMs = f.now().Sub(start).Milliseconds()
	item.ErrorCategory = cat
	item.ErrorMessage = msg
	item.Reason = chainReason(cat, attempt)

	if cat == model.CategoryClientError {
		// The client sent a bad payload; upstream status passes through
		// verbatim and no breaker is charged.
		if f.provCB != nil {
			f.provCB.RecordSuccess(fctx, p.ID)
		}
		item.CircuitState = f.circuitState(p.ID)
		rc.AppendChain(item)
		f.observe(p.Name, "client_error", f.now().Sub(start))
		apierr.Write(fctx, status, msg, apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		finish(&Outcome{StatusCode: status, Provider: p})
		return true
	}

	f.recordFailure(fctx, rc, p, ep, &item, nil)
	rc.AppendChain(item)
	f.observe(p.Name, "provider_error", f.now().Sub(start))
	return false
}

// dispatch sends the request through the provider's transport: its proxy when
// configured, falling back to a direct attempt with re-armed deadlines when
// the proxy dial fails and fallback is allowed.
func (f *Forwarder) dispatch(req *fasthttp.Request, resp *fasthttp.Response, p *model.Provider, streaming bool, start time.Time) error {
	deadline := start.Add(f.attemptDeadline(p, streaming))

	unary, stream := f.unary, f.stream
	if p.ProxyURL != "" {
		pair := f.clientsForProxy(p.ProxyURL)
		unary, stream = pair.unary, pair.stream
	}
	doer := unary
	if streaming {
		doer = stream
	}

	err := doer.DoDeadline(req, resp, deadline)
	if err == nil || p.ProxyURL == "" || !p.ProxyFallbackToDirect {
		return err
	}

	f.log.Warn("proxy dial failed, falling back to direct",
		slog.Int64("provider_id", p.ID),
		slog.String("error", err.Error()),
	)
	resp.Reset()
	doer = f.unary
	if streaming {
		doer = f.stream
	}
	return doer.DoDeadline(req, resp, f.now().Add(f.attemptDeadline(p, streaming)))
}

// clientsForProxy returns (building on first use) the client pair that dials
// through the given HTTP or SOCKS5 proxy.
func (f *Forwarder) clientsForProxy(proxyURL string) *clientPair {
	f.proxyMu.Lock()
	defer f.proxyMu.Unlock()
	if pair, ok := f.proxyClients[proxyURL]; ok {
		return pair
	}

	dial := fasthttpproxy.FasthttpHTTPDialerTimeout(proxyURL, 10*time.Second)
	if strings.HasPrefix(proxyURL, "socks5://") || strings.HasPrefix(proxyURL, "socks5h://") {
		dial = fasthttpproxy.FasthttpSocksDialer(proxyURL)
	}
	pair := &clientPair{
		unary:  &fasthttp.Client{Dial: dial, MaxConnsPerHost: 256},
		stream: &fasthttp.Client{Dial: dial, MaxConnsPerHost: 256, StreamResponseBody: true},
	}
	f.proxyClients[proxyURL] = pair
	return pair
}

func (f *Forwarder) attemptDeadline(p *model.Provider, streaming bool) time.Duration {
	if streaming {
		if p.FirstByteTimeoutStreaming > 0 {
			return p.FirstByteTimeoutStreaming
		}
		return f.timeouts.FirstByteStreaming
	}
	if p.RequestTimeoutNonStream > 0 {
		return p.RequestTimeoutNonStream
	}
	return f.timeouts.RequestNonStreaming
}

func (f *Forwarder) idleTimeout(p *model.Provider) time.Duration {
	if p.StreamingIdleTimeout > 0 {
		return p.StreamingIdleTimeout
	}
	return f.timeouts.StreamingIdle
}

func (f *Forwarder) maxAttempts(p *model.Provider) int {
	if p != nil && p.MaxRetryAttempts > 0 {
		return p.MaxRetryAttempts
	}
	return f.maxRetries
}

// recordFailure charges both breakers for a failed attempt and snapshots the
// provider circuit state into the chain item.
func (f *Forwarder) recordFailure(fctx *fasthttp.RequestCtx, rc *model.RequestContext, p *model.Provider, ep *model.ProviderEndpoint, item *model.ProviderChainItem, cause error) {
	if f.provCB != nil {
		f.provCB.RecordFailure(fctx, p.ID, cause)
	}
	if f.epCB != nil && ep != nil {
		f.epCB.RecordFailure(fctx, ep.ID, cause)
	}
	item.CircuitState = f.circuitState(p.ID)
	if f.metrics != nil {
		f.metrics.RecordProviderError(p.Name, item.ErrorCategory.String())
	}
}

// recordSuccess credits both breakers after a delivered response.
func (f *Forwarder) recordSuccess(fctx *fasthttp.RequestCtx, p *model.Provider, ep *model.ProviderEndpoint) {
	if f.provCB != nil {
		f.provCB.RecordSuccess(fctx, p.ID)
	}
	if f.epCB != nil && ep != nil {
		f.epCB.RecordSuccess(fctx, ep.ID)
	}
}

func (f *Forwarder) circuitState(providerID int64) string {
	if f.provCB == nil {
		return ""
	}
	return string(f.provCB.CurrentState(providerID))
}

func (f *Forwarder) observe(provider, outcome string, dur time.Duration) {
	if f.metrics != nil {
		f.metrics.ObserveUpstreamAttempt(provider, outcome, dur)
	}
}

// upstreamErrorMessage extracts a short error description from an upstream
// error response. Verbose mode passes the upstream text through (bounded);
// otherwise a generic label keeps provider internals out of client replies.
func upstreamErrorMessage(resp *fasthttp.Response, verbose bool) string {
	if !verbose {
		return "upstream request failed"
	}
	body := resp.Body()
	const maxLen = 2048
	if len(body) > maxLen {
		body = body[:maxLen]
	}
	s := strings.TrimSpace(string(body))
	if s == "" {
		return "upstream request failed"
	}
	return s
}
