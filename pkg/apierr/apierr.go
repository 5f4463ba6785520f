// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypePermissionError   = "permission_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeUnauthorized          = "unauthorized"
	CodePermissionDenied      = "permission_denied"
	CodeRateLimitExceeded     = "rate_limit_exceeded"
	CodeSensitiveWord         = "blocked_by_sensitive_word"
	CodeNoProviderAvailable   = "no_provider_available"
	CodeEndpointPoolExhausted = "endpoint_pool_exhausted"
	CodeUpstreamError         = "upstream_error"
	CodeFake200               = "fake_200"
	CodeRequestTimeout        = "request_timeout"
	CodeInternalError         = "internal_error"
	CodeInvalidRequest        = "invalid_request"
)

// APIError is the structured error returned to clients. Detail carries
// machine-readable context such as the violated rate-limit window.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
		Detail  any    `json:"detail,omitempty"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given
// HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	WriteDetail(ctx, status, message, errType, code, nil)
}

// WriteDetail writes the error with an attached detail payload.
func WriteDetail(ctx *fasthttp.RequestCtx, status int, message, errType, code string, detail any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
		Detail:  detail,
	}})
	ctx.SetBody(body)
}

// WriteUnauthorized writes a 401 for missing, invalid, expired, or disabled
// keys.
func WriteUnauthorized(ctx *fasthttp.RequestCtx, message string) {
	if message == "" {
		message = "invalid or missing API key"
	}
	Write(ctx, fasthttp.StatusUnauthorized, message, TypeAuthenticationErr, CodeUnauthorized)
}

// WritePermissionDenied writes a 403.
func WritePermissionDenied(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusForbidden, message, TypePermissionError, CodePermissionDenied)
}

// WriteRateLimit writes a 429 carrying the violated window. detail is the
// rejection payload {limitType, scope, current, limit, resetAt}.
func WriteRateLimit(ctx *fasthttp.RequestCtx, message string, detail any) {
	ctx.Response.Header.Set("Retry-After", "60")
	WriteDetail(ctx, fasthttp.StatusTooManyRequests, message, TypeRateLimitError, CodeRateLimitExceeded, detail)
}

// WriteSensitiveWord writes a 451 for content blocked by the word gate.
func WriteSensitiveWord(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusUnavailableForLegalReasons,
		"request blocked by content policy", TypeInvalidRequest, CodeSensitiveWord)
}

// WriteNoProvider writes a 503 when every provider was filtered out.
func WriteNoProvider(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusServiceUnavailable,
		"no provider available for this request", TypeProviderError, CodeNoProviderAvailable)
}

// WriteEndpointPoolExhausted writes a 503 for a strict-endpoint-policy block.
func WriteEndpointPoolExhausted(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusServiceUnavailable,
		"endpoint pool exhausted", TypeProviderError, CodeEndpointPoolExhausted)
}

// WriteUpstreamError maps the last upstream status after retries were
// exhausted.
//
//	Provider 429  → 429 + Retry-After: 60
//	Provider 5xx  → 502
//	Timeout       → 504
//	Default       → 502
func WriteUpstreamError(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	switch {
	case providerStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeUpstreamError)
	}
}

// WriteFake200 writes a 502 for a response re-classified as a faux success.
func WriteFake200(ctx *fasthttp.RequestCtx, cause string) {
	Write(ctx, fasthttp.StatusBadGateway,
		"upstream returned an invalid success response", TypeProviderError, CodeFake200+"_"+cause)
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteInternal writes a 500.
func WriteInternal(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusInternalServerError, "internal error", TypeServerError, CodeInternalError)
}
