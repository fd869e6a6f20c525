package errors

import (
	"context"
	stderrors "errors"
	"net"
	"net/url"
	"os"
	"strings"
	"syscall"
)

// Classify turns any failure into a ClassifiedError. Already-classified
// errors pass through with the richer context attached. Classification is
// rule-based over the error chain, the message text, and the HTTP status
// carried in ctx.
func Classify(err error, ctx Context) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if stderrors.As(err, &ce) {
		if ce.Context == (Context{}) {
			return ce.WithContext(ctx)
		}
		return ce
	}

	code := codeFor(err, ctx)
	return New(code, err.Error()).WithContext(ctx).WithCause(err)
}

// codeFor applies the classification rules in priority order: typed
// network errors first, then HTTP status, then message heuristics.
func codeFor(err error, ctx Context) ErrorCode {
	// Typed errors from the net stack
	var dnsErr *net.DNSError
	if stderrors.As(err, &dnsErr) {
		return ErrCodeDNSResolution
	}
	if stderrors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return ErrCodeConnectionTimeout
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return ErrCodeConnectionTimeout
	}
	if stderrors.Is(err, syscall.ECONNREFUSED) {
		return ErrCodeConnectionRefused
	}
	if stderrors.Is(err, syscall.ECONNRESET) || stderrors.Is(err, syscall.EPIPE) {
		return ErrCodeNetwork
	}
	var urlErr *url.Error
	if stderrors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return ErrCodeConnectionTimeout
		}
		// fall through to message heuristics on the wrapped error text
	}

	if code, ok := codeForStatus(ctx.HTTPStatus); ok {
		return code
	}

	return codeForMessage(err.Error())
}

// codeForStatus maps HTTP response status codes onto error kinds.
func codeForStatus(status int) (ErrorCode, bool) {
	switch status {
	case 0:
		return "", false
	case 400, 422:
		return ErrCodeValidationFailed, true
	case 401:
		return ErrCodeAuthExpired, true
	case 403:
		return ErrCodeAuthForbidden, true
	case 404:
		return ErrCodeValidationFailed, true
	case 408:
		return ErrCodeConnectionTimeout, true
	case 426:
		return ErrCodeVersionMismatch, true
	case 429:
		return ErrCodeRateLimitExceeded, true
	case 500, 502, 503:
		return ErrCodeUpstreamService, true
	case 504:
		return ErrCodeConnectionTimeout, true
	case 507:
		return ErrCodeQuotaExceeded, true
	default:
		if status >= 500 {
			return ErrCodeUpstreamService, true
		}
		if status >= 400 {
			return ErrCodeValidationFailed, true
		}
		return "", false
	}
}

// codeForMessage falls back to keyword heuristics over the message text.
func codeForMessage(msg string) ErrorCode {
	lower := strings.ToLower(msg)
	switch {
	case containsAny(lower, "no such host", "dns", "name resolution"):
		return ErrCodeDNSResolution
	case containsAny(lower, "tls", "certificate", "x509", "handshake"):
		return ErrCodeTLSHandshake
	case containsAny(lower, "timeout", "timed out", "deadline exceeded"):
		return ErrCodeConnectionTimeout
	case containsAny(lower, "connection refused"):
		return ErrCodeConnectionRefused
	case containsAny(lower, "connection reset", "broken pipe", "eof", "network", "unreachable"):
		return ErrCodeNetwork
	case containsAny(lower, "rate limit", "too many requests"):
		return ErrCodeRateLimitExceeded
	case containsAny(lower, "quota"):
		return ErrCodeQuotaExceeded
	case containsAny(lower, "unauthorized", "expired token", "invalid api key", "authentication"):
		return ErrCodeAuthExpired
	case containsAny(lower, "forbidden", "permission denied", "access denied"):
		return ErrCodeAuthForbidden
	case containsAny(lower, "unmarshal", "unexpected end of json", "decode", "parse error"):
		return ErrCodeSerializationFailed
	case containsAny(lower, "malformed", "invalid response"):
		return ErrCodeMalformedResponse
	case containsAny(lower, "version mismatch", "unsupported version", "api version"):
		return ErrCodeVersionMismatch
	case containsAny(lower, "validation", "invalid parameter", "bad request"):
		return ErrCodeValidationFailed
	case containsAny(lower, "configuration", "config"):
		return ErrCodeConfiguration
	case containsAny(lower, "out of memory", "resource exhausted", "too many open files"):
		return ErrCodeResourceExhausted
	case containsAny(lower, "internal error", "panic"):
		return ErrCodeInternal
	default:
		return ErrCodeUnknown
	}
}
