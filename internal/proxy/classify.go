package proxy

import (
	"context"
	"errors"
	"net"
	"os"

	"github.com/valyala/fasthttp"

	"github.com/ding113/claude-code-hub/internal/model"
)

// classifyError maps a transport-level failure to its category. Anything that
// never reached the upstream application layer is a system error.
func classifyError(err error) model.ErrorCategory {
	if err == nil {
		return model.CategoryNone
	}
	switch {
	case errors.Is(err, fasthttp.ErrTimeout),
		errors.Is(err, fasthttp.ErrDialTimeout),
		errors.Is(err, fasthttp.ErrTLSHandshakeTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, os.ErrDeadlineExceeded):
		return model.CategorySystemError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return model.CategorySystemError
	}
	// Connection refused, DNS failure, broken pipe and friends.
	return model.CategorySystemError
}

// classifyStatus maps an upstream HTTP status to its category.
func classifyStatus(status int) model.ErrorCategory {
	switch {
	case status >= 200 && status < 300:
		return model.CategoryNone
	case status == fasthttp.StatusTooManyRequests:
		return model.CategoryProviderError
	case status == fasthttp.StatusRequestTimeout,
		status == fasthttp.StatusConflict,
		status == fasthttp.StatusLocked:
		return model.CategoryProviderError
	case status == fasthttp.StatusForbidden && overloadedForbidden:
		return model.CategoryProviderError
	case status >= 500:
		return model.CategoryProviderError
	case status >= 400:
		return model.CategoryClientError
	}
	return model.CategoryProviderError
}

// Some Anthropic-compatible relays answer 403 for temporary overload. The
// table treats it as a client error; flip here if a deployment needs it.
const overloadedForbidden = false

// chainReason maps an attempt outcome to the decision-chain reason label.
func chainReason(cat model.ErrorCategory, attempt int) string {
	switch cat {
	case model.CategoryNone:
		if attempt > 1 {
			return model.ReasonRetrySuccess
		}
		return model.ReasonRequestSuccess
	case model.CategorySystemError:
		return model.ReasonSystemError
	case model.CategoryClientError:
		return model.ReasonClientError
	case model.CategoryConcurrentLimit:
		return model.ReasonConcurrentLimit
	}
	return model.ReasonRetryFailed
}
