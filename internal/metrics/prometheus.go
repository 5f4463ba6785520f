// Package metrics provides a Prometheus metrics registry for the hub.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// hub_inflight_requests
	inFlight prometheus.Gauge

	// hub_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// hub_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// hub_upstream_attempts_total{provider,outcome}
	upstreamAttempts *prometheus.CounterVec

	// hub_upstream_attempt_duration_seconds{provider,outcome}
	upstreamDuration *prometheus.HistogramVec

	// hub_provider_errors_total{provider,category}
	providerErrors *prometheus.CounterVec

	// hub_circuit_breaker_state{target} — 0=closed, 1=open, 2=half-open
	circuitBreakerState *prometheus.GaugeVec

	// hub_circuit_breaker_transitions_total{target,to_state}
	cbTransitions *prometheus.CounterVec

	// hub_ratelimit_decisions_total{limit_type,result}
	rateLimitDecisions *prometheus.CounterVec

	// hub_tokens_total{provider,model,direction}
	tokensTotal *prometheus.CounterVec

	// hub_cost_usd_total{provider}
	costTotal *prometheus.CounterVec

	// hub_active_sessions
	activeSessions prometheus.Gauge

	// hub_retries_total{reason}
	retriesTotal *prometheus.CounterVec

	// hub_writer_dropped_total
	writerDropped prometheus.Counter

	// hub_build_info{version}
	buildInfo *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState map[string]float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hub_inflight_requests",
			Help: "Current number of in-flight proxy requests",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_http_requests_total",
				Help: "Total number of HTTP requests handled",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hub_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes retries)",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"route"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_upstream_attempts_total",
				Help: "Total upstream provider attempts (includes retries)",
			},
			[]string{"provider", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hub_upstream_attempt_duration_seconds",
				Help:    "Upstream provider attempt duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "outcome"},
		),

		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_provider_errors_total",
				Help: "Provider attempt failures by error category",
			},
			[]string{"provider", "category"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hub_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"target"},
		),

		cbTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_circuit_breaker_transitions_total",
				Help: "Circuit breaker transitions to a new state",
			},
			[]string{"target", "to_state"},
		),

		rateLimitDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_ratelimit_decisions_total",
				Help: "Rate limit admissions and rejections by window",
			},
			[]string{"limit_type", "result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_tokens_total",
				Help: "Token usage derived from upstream usage fields",
			},
			[]string{"provider", "model", "direction"},
		),

		costTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_cost_usd_total",
				Help: "Accumulated billed cost in USD",
			},
			[]string{"provider"},
		),

		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hub_active_sessions",
			Help: "Currently active session count",
		}),

		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_retries_total",
				Help: "Retry attempts by chain reason",
			},
			[]string{"reason"},
		),

		writerDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hub_writer_dropped_total",
			Help: "message_request rows dropped because the write buffer was full",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hub_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.providerErrors,
		r.circuitBreakerState,
		r.cbTransitions,
		r.rateLimitDecisions,
		r.tokensTotal,
		r.costTotal,
		r.activeSessions,
		r.retriesTotal,
		r.writerDropped,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveUpstreamAttempt records one forwarding attempt.
func (r *Registry) ObserveUpstreamAttempt(provider, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(provider, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordProviderError(provider, category string) {
	r.providerErrors.WithLabelValues(provider, category).Inc()
}

func (r *Registry) RecordRateLimit(limitType, result string) {
	r.rateLimitDecisions.WithLabelValues(limitType, result).Inc()
}

func (r *Registry) RecordRetry(reason string) {
	r.retriesTotal.WithLabelValues(reason).Inc()
}

func (r *Registry) AddTokens(provider, model string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) AddCost(provider string, usd float64) {
	if usd > 0 {
		r.costTotal.WithLabelValues(provider).Add(usd)
	}
}

func (r *Registry) SetActiveSessions(n int) {
	r.activeSessions.Set(float64(n))
}

func (r *Registry) RecordWriterDropped() { r.writerDropped.Inc() }

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

// SetCircuitBreaker sets the circuit breaker state gauge and increments a
// transition counter when the state changes.
func (r *Registry) SetCircuitBreaker(target string, state int64) {
	r.circuitBreakerState.WithLabelValues(target).Set(float64(state))

	r.cbMu.Lock()
	prev, ok := r.lastCBState[target]
	if !ok || prev != float64(state) {
		r.lastCBState[target] = float64(state)
		r.cbTransitions.WithLabelValues(target, strconv.FormatInt(state, 10)).Inc()
	}
	r.cbMu.Unlock()
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
