// Package proxy is the HTTP entrypoint of the hub: the route table for every
// supported wire format, the guard pipeline invocation, the forwarding retry
// loop, and the post-response bookkeeping that must run whether or not the
// client stayed connected.
package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/ding113/claude-code-hub/internal/guard"
	"github.com/ding113/claude-code-hub/internal/metrics"
	"github.com/ding113/claude-code-hub/internal/model"
	"github.com/ding113/claude-code-hub/internal/ratelimit"
	"github.com/ding113/claude-code-hub/internal/session"
	"github.com/ding113/claude-code-hub/internal/store"
	"github.com/ding113/claude-code-hub/internal/usage"
	"github.com/ding113/claude-code-hub/internal/writer"
	"github.com/ding113/claude-code-hub/pkg/apierr"
)

// bookkeepTimeout bounds the post-response settle work (lease reconcile,
// counter updates). It runs on a background context so a dropped client
// cannot starve it.
const bookkeepTimeout = 5 * time.Second

// Server wires the guard pipeline and the forwarder behind the route table.
type Server struct {
	pipeline  *guard.Pipeline
	forwarder *Forwarder
	tracker   *session.Tracker
	limiter   *ratelimit.Limiter
	writer    *writer.Writer
	providers store.ProviderStore
	metrics   *metrics.Registry
	settings  func() model.SystemSettings
	log       *slog.Logger

	corsOrigins []string
	ready       func() bool
	version     string

	srv *fasthttp.Server
}

// ServerDeps bundles the Server constructor arguments.
type ServerDeps struct {
	Pipeline  *guard.Pipeline
	Forwarder *Forwarder
	Tracker   *session.Tracker
	Limiter   *ratelimit.Limiter
	Writer    *writer.Writer
	Providers store.ProviderStore
	Metrics   *metrics.Registry
	Settings  func() model.SystemSettings
	Log       *slog.Logger

	CORSOrigins []string
	Ready       func() bool
	Version     string
}

func NewServer(d ServerDeps) *Server {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Settings == nil {
		d.Settings = func() model.SystemSettings { return model.DefaultSystemSettings() }
	}
	if d.Ready == nil {
		d.Ready = func() bool { return true }
	}
	return &Server{
		pipeline:    d.Pipeline,
		forwarder:   d.Forwarder,
		tracker:     d.Tracker,
		limiter:     d.Limiter,
		writer:      d.Writer,
		providers:   d.Providers,
		metrics:     d.Metrics,
		settings:    d.Settings,
		log:         d.Log,
		corsOrigins: d.CORSOrigins,
		ready:       d.Ready,
		version:     d.Version,
	}
}

// Handler builds the full route table with the middleware chain applied.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/messages", s.proxyHandler(model.FormatClaude))
	r.POST("/v1/messages/count_tokens", s.proxyHandler(model.FormatClaude))
	r.POST("/v1/chat/completions", s.proxyHandler(model.FormatOpenAI))
	r.POST("/v1/responses", s.proxyHandler(model.FormatCodex))
	r.POST("/v1/responses/compact", s.proxyHandler(model.FormatCodex))
	r.POST("/v1beta/models/{path:*}", s.proxyHandler(model.FormatGemini))
	r.POST("/v1/publishers/google/models/{path:*}", s.proxyHandler(model.FormatGemini))
	r.POST("/v1internal/models/{path:*}", s.proxyHandler(model.FormatGeminiCLI))
	r.ANY("/mcp/{path:*}", s.proxyHandler(model.FormatClaude))

	r.GET("/v1/models", s.handleModels)
	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)
	if s.metrics != nil {
		r.GET("/metrics", s.metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery(s.log),
		requestID,
		observe(s.metrics, s.log),
		corsHandler(s.corsOrigins),
	)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.srv = &fasthttp.Server{
		Handler:            s.Handler(),
		ReadTimeout:        120 * time.Second,
		WriteTimeout:       0, // streaming responses are unbounded
		MaxRequestBodySize: 64 << 20,
		StreamRequestBody:  false,
	}

	errc := make(chan error, 1)
	go func() { errc <- s.srv.ListenAndServe(addr) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return s.srv.Shutdown()
	}
}

// proxyHandler is the per-format entrypoint: build the request context, run
// the guards, forward, and schedule bookkeeping.
func (s *Server) proxyHandler(format model.WireFormat) fasthttp.RequestHandler {
	return func(fctx *fasthttp.RequestCtx) {
		rc := s.newRequestContext(fctx, format)

		if rej := s.pipeline.Run(fctx, rc); rej != nil {
			s.writeReject(fctx, rc, rej)
			return
		}

		if !rc.IsProbe && s.tracker != nil {
			s.tracker.IncrementConcurrent(fctx, rc.SessionID)
		}

		s.forwarder.Execute(fctx, rc, func(out *Outcome) {
			s.finishRequest(rc, out)
		})
	}
}

func (s *Server) newRequestContext(fctx *fasthttp.RequestCtx, format model.WireFormat) *model.RequestContext {
	body := append([]byte(nil), fctx.PostBody()...)
	headers := snapshotHeaders(fctx)

	ip := headers["x-forwarded-for"]
	if i := strings.IndexByte(ip, ','); i >= 0 {
		ip = strings.TrimSpace(ip[:i])
	}
	if ip == "" {
		ip = fctx.RemoteIP().String()
	}

	return &model.RequestContext{
		RequestID: requestIDOf(fctx),
		Method:    string(fctx.Method()),
		Path:      string(fctx.Path()),
		Headers:   headers,
		Body:      body,
		Format:    format,
		UserAgent: headers["user-agent"],
		ClientIP:  ip,
		ArrivedAt: time.Now(),
	}
}

// writeReject maps a guard rejection to the client error surface.
func (s *Server) writeReject(fctx *fasthttp.RequestCtx, rc *model.RequestContext, rej *guard.Reject) {
	switch rej.Kind {
	case guard.KindIntercepted:
		fctx.SetStatusCode(rej.Status)
		fctx.SetContentType("application/json")
		if body, ok := rej.Detail.(string); ok {
			fctx.SetBodyString(body)
		}
	case guard.KindUnauthorized:
		apierr.WriteUnauthorized(fctx, "")
	case guard.KindRateLimited:
		apierr.WriteRateLimit(fctx, "rate limit exceeded", rej.Detail)
	case guard.KindSensitiveWord:
		apierr.WriteSensitiveWord(fctx)
	case guard.KindUnavailable:
		apierr.Write(fctx, fasthttp.StatusServiceUnavailable,
			"rate limit backend unavailable", apierr.TypeServerError, apierr.CodeInternalError)
	default:
		apierr.WriteInternal(fctx)
	}
}

// finishRequest is the per-request finally block: settle the quota lease with
// the actual cost, retire the session slot, persist the bookkeeping row, and
// publish metrics. Runs after the response is fully delivered, client abort
// included.
func (s *Server) finishRequest(rc *model.RequestContext, out *Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), bookkeepTimeout)
	defer cancel()

	billed := rc.Model
	var cost float64
	if out.Provider != nil {
		billed = usage.BilledModel(s.settings().BillingModelSource, rc.Model, out.Provider.RedirectModel(rc.Model))
		cost = usage.Cost(billed, out.Usage, out.Provider.CostMultiplier)
	}
	out.BilledModel = billed

	// Reconcile must run even when the client aborted: the lease otherwise
	// overcounts until the orphan scan finds it.
	if rc.Lease != nil {
		if err := rc.Lease.Reconcile(ctx, cost); err != nil {
			s.log.Warn("lease reconcile failed",
				slog.String("request_id", rc.RequestID),
				slog.String("error", err.Error()),
			)
		}
		rc.Lease = nil
	}

	if !rc.IsProbe && s.tracker != nil {
		s.tracker.DecrementConcurrent(rc.SessionID)
	}

	if out.Success && out.Provider != nil {
		if s.tracker != nil && rc.StickyProvider == 0 {
			s.tracker.SetProvider(rc.SessionID, out.Provider.ID)
		}
		if s.limiter != nil && cost > 0 {
			s.limiter.AddProviderCost(out.Provider.ID, cost)
		}
	}

	if s.metrics != nil && out.Provider != nil {
		s.metrics.AddTokens(out.Provider.Name, billed, out.Usage.InputTokens, out.Usage.OutputTokens)
		if cost > 0 {
			s.metrics.AddCost(out.Provider.Name, cost)
		}
	}

	if s.writer != nil && !rc.IsProbe {
		row := &model.MessageRequest{
			ID:            rc.RequestID,
			SessionID:     rc.SessionID,
			Model:         rc.Model,
			BilledModel:   billed,
			Format:        rc.Format,
			Streaming:     rc.Streaming,
			StatusCode:    out.StatusCode,
			Usage:         out.Usage,
			CostUSD:       cost,
			DurationMs:    time.Since(rc.ArrivedAt).Milliseconds(),
			ClientAborted: out.ClientAborted,
			Chain:         rc.Chain,
		}
		if rc.Key != nil {
			row.KeyID = rc.Key.ID
			row.UserID = rc.Key.UserID
		}
		if out.Provider != nil {
			row.ProviderID = out.Provider.ID
			row.ProviderName = out.Provider.Name
		}
		s.writer.Enqueue(row)
	}
}

// handleModels lists the models the hub can serve: the union of provider
// allow-lists and redirect targets. Providers with no allow-list contribute
// nothing (they accept whatever the client names).
func (s *Server) handleModels(fctx *fasthttp.RequestCtx) {
	pool, err := s.providers.Providers(fctx)
	if err != nil {
		apierr.WriteInternal(fctx)
		return
	}

	seen := make(map[string]bool)
	for _, p := range pool {
		if !p.Selectable() {
			continue
		}
		for _, m := range p.AllowedModels {
			seen[m] = true
		}
		for _, to := range p.ModelRedirects {
			if to != "" {
				seen[to] = true
			}
		}
	}
	names := make([]string, 0, len(seen))
	for m := range seen {
		names = append(names, m)
	}
	sort.Strings(names)

	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	list := struct {
		Object string       `json:"object"`
		Data   []modelEntry `json:"data"`
	}{Object: "list", Data: make([]modelEntry, 0, len(names))}
	for _, m := range names {
		list.Data = append(list.Data, modelEntry{ID: m, Object: "model", OwnedBy: "system"})
	}

	fctx.SetContentType("application/json")
	data, _ := json.Marshal(list)
	fctx.SetBody(data)
}

func (s *Server) handleHealth(fctx *fasthttp.RequestCtx) {
	fctx.SetContentType("application/json")
	data, _ := json.Marshal(map[string]string{"status": "ok", "version": s.version})
	fctx.SetBody(data)
}

func (s *Server) handleReadiness(fctx *fasthttp.RequestCtx) {
	fctx.SetContentType("application/json")
	if s.ready() {
		fctx.SetBodyString(`{"status":"ok"}`)
		return
	}
	fctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	fctx.SetBodyString(`{"status":"unavailable"}`)
}
