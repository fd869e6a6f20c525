// Package errors provides the structured error system for the sync engine:
// error codes, severities, classification rules, and per-code retry hints.
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ErrorCode identifies one of the classified failure kinds.
type ErrorCode string

const (
	// Connectivity errors
	ErrCodeNetwork           ErrorCode = "NETWORK_ERROR"
	ErrCodeConnectionTimeout ErrorCode = "CONNECTION_TIMEOUT"
	ErrCodeConnectionRefused ErrorCode = "CONNECTION_REFUSED"
	ErrCodeDNSResolution     ErrorCode = "DNS_RESOLUTION"
	ErrCodeTLSHandshake      ErrorCode = "TLS_HANDSHAKE"

	// Protocol errors
	ErrCodeMalformedResponse ErrorCode = "MALFORMED_RESPONSE"
	ErrCodeVersionMismatch   ErrorCode = "VERSION_MISMATCH"

	// Authorization errors
	ErrCodeAuthExpired   ErrorCode = "AUTH_EXPIRED"
	ErrCodeAuthForbidden ErrorCode = "AUTH_FORBIDDEN"

	// Quota errors
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeQuotaExceeded     ErrorCode = "QUOTA_EXCEEDED"

	// Data errors
	ErrCodeValidationFailed    ErrorCode = "VALIDATION_FAILED"
	ErrCodeSerializationFailed ErrorCode = "SERIALIZATION_FAILED"

	// System errors
	ErrCodeConfiguration     ErrorCode = "CONFIGURATION_ERROR"
	ErrCodeResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"
	ErrCodeInternal          ErrorCode = "INTERNAL_ERROR"

	// External dependency errors
	ErrCodeUpstreamService ErrorCode = "UPSTREAM_SERVICE"

	// Catch-all
	ErrCodeUnknown ErrorCode = "UNKNOWN_ERROR"
)

// ErrorCategory groups error codes by taxonomy branch.
type ErrorCategory string

const (
	CategoryConnectivity ErrorCategory = "connectivity"
	CategoryProtocol     ErrorCategory = "protocol"
	CategoryAuth         ErrorCategory = "authorization"
	CategoryQuota        ErrorCategory = "quota"
	CategoryData         ErrorCategory = "data"
	CategorySystem       ErrorCategory = "system"
	CategoryExternal     ErrorCategory = "external"
	CategoryUnknown      ErrorCategory = "unknown"
)

// Severity ranks how serious a classified error is.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Context carries where a failure happened. Attached to every classified
// error and consumed by the retry policy and persistent-failure tracking.
type Context struct {
	TenantID     string `json:"tenant_id,omitempty"`
	Endpoint     string `json:"endpoint,omitempty"`
	Method       string `json:"method,omitempty"`
	TaskID       string `json:"task_id,omitempty"`
	RetryAttempt int    `json:"retry_attempt,omitempty"`
	HTTPStatus   int    `json:"http_status,omitempty"`
}

// ClassifiedError is an immutable classified failure record.
type ClassifiedError struct {
	Code            ErrorCode     `json:"code"`
	Category        ErrorCategory `json:"category"`
	Severity        Severity      `json:"severity"`
	Message         string        `json:"message"`
	Context         Context       `json:"context"`
	Recoverable     bool          `json:"recoverable"`
	Retryable       bool          `json:"retryable"`
	SuggestedAction string        `json:"suggested_action"`
	Timestamp       time.Time     `json:"timestamp"`
	Cause           error         `json:"-"`
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	if e.Context.TenantID != "" {
		return fmt.Sprintf("[%s:%s] %s: %s", e.Context.TenantID, e.Category, e.Code, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *ClassifiedError) Unwrap() error {
	return e.Cause
}

// Is matches classified errors by code.
func (e *ClassifiedError) Is(target error) bool {
	if ce, ok := target.(*ClassifiedError); ok {
		return e.Code == ce.Code
	}
	return false
}

// JSON renders the error for the audit log.
func (e *ClassifiedError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	return string(data)
}

// New creates a classified error with per-code defaults applied.
func New(code ErrorCode, message string) *ClassifiedError {
	return &ClassifiedError{
		Code:            code,
		Category:        CategoryOf(code),
		Severity:        SeverityOf(code),
		Message:         message,
		Recoverable:     IsRecoverable(code),
		Retryable:       IsRetryable(code),
		SuggestedAction: SuggestedAction(code),
		Timestamp:       time.Now(),
	}
}

// WithContext returns a copy of the error with the given context attached.
func (e *ClassifiedError) WithContext(ctx Context) *ClassifiedError {
	clone := *e
	clone.Context = ctx
	return &clone
}

// WithCause returns a copy of the error with the underlying cause attached.
func (e *ClassifiedError) WithCause(cause error) *ClassifiedError {
	clone := *e
	clone.Cause = cause
	return &clone
}

// CategoryOf maps an error code onto its taxonomy branch.
func CategoryOf(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeNetwork, ErrCodeConnectionTimeout, ErrCodeConnectionRefused,
		ErrCodeDNSResolution, ErrCodeTLSHandshake:
		return CategoryConnectivity
	case ErrCodeMalformedResponse, ErrCodeVersionMismatch:
		return CategoryProtocol
	case ErrCodeAuthExpired, ErrCodeAuthForbidden:
		return CategoryAuth
	case ErrCodeRateLimitExceeded, ErrCodeQuotaExceeded:
		return CategoryQuota
	case ErrCodeValidationFailed, ErrCodeSerializationFailed:
		return CategoryData
	case ErrCodeConfiguration, ErrCodeResourceExhausted, ErrCodeInternal:
		return CategorySystem
	case ErrCodeUpstreamService:
		return CategoryExternal
	default:
		return CategoryUnknown
	}
}

// SeverityOf returns the fixed severity carried by each error code.
func SeverityOf(code ErrorCode) Severity {
	switch code {
	case ErrCodeRateLimitExceeded:
		return SeverityLow
	case ErrCodeNetwork, ErrCodeConnectionTimeout, ErrCodeConnectionRefused,
		ErrCodeMalformedResponse, ErrCodeSerializationFailed, ErrCodeUpstreamService:
		return SeverityMedium
	case ErrCodeDNSResolution, ErrCodeTLSHandshake, ErrCodeAuthExpired,
		ErrCodeAuthForbidden, ErrCodeQuotaExceeded, ErrCodeValidationFailed,
		ErrCodeVersionMismatch, ErrCodeResourceExhausted, ErrCodeInternal:
		return SeverityHigh
	case ErrCodeConfiguration:
		return SeverityCritical
	default:
		return SeverityMedium
	}
}

// IsRetryable reports the default retryability of a code. DNS and most auth
// failures are non-retryable: retrying them only burns quota.
func IsRetryable(code ErrorCode) bool {
	switch code {
	case ErrCodeNetwork, ErrCodeConnectionTimeout, ErrCodeConnectionRefused,
		ErrCodeRateLimitExceeded, ErrCodeResourceExhausted,
		ErrCodeUpstreamService, ErrCodeMalformedResponse, ErrCodeInternal:
		return true
	default:
		return false
	}
}

// IsRecoverable reports whether the condition can clear without operator
// intervention.
func IsRecoverable(code ErrorCode) bool {
	switch code {
	case ErrCodeConfiguration, ErrCodeValidationFailed, ErrCodeVersionMismatch,
		ErrCodeAuthForbidden:
		return false
	default:
		return true
	}
}

// SuggestedAction returns the human-readable remediation hint for a code.
func SuggestedAction(code ErrorCode) string {
	actions := map[ErrorCode]string{
		ErrCodeNetwork:             "Check network connectivity to the remote service.",
		ErrCodeConnectionTimeout:   "The request timed out. It will be retried; consider raising the per-call timeout if this persists.",
		ErrCodeConnectionRefused:   "The remote service refused the connection. Verify the host and that the service is reachable.",
		ErrCodeDNSResolution:       "DNS lookup failed. Verify the tenant host name.",
		ErrCodeTLSHandshake:        "TLS negotiation failed. Check system certificates and the remote endpoint.",
		ErrCodeMalformedResponse:   "The remote service returned an unparseable response. This is usually transient.",
		ErrCodeVersionMismatch:     "The remote API version is incompatible. Update the client.",
		ErrCodeAuthExpired:         "The credential has expired. Re-enter the API key for this space.",
		ErrCodeAuthForbidden:       "The credential lacks permission for this resource. Check the key's access scope.",
		ErrCodeRateLimitExceeded:   "Rate limit reached. Requests are being throttled until the window resets.",
		ErrCodeQuotaExceeded:       "The plan quota is exhausted. Reduce sync frequency or upgrade the plan.",
		ErrCodeValidationFailed:    "The request was rejected as invalid. Check the query parameters.",
		ErrCodeSerializationFailed: "Failed to decode the response payload.",
		ErrCodeConfiguration:       "Engine configuration is invalid. Fix the configuration and restart.",
		ErrCodeResourceExhausted:   "Local resources exhausted. Reduce concurrency or cache limits.",
		ErrCodeUpstreamService:     "The remote service reported a server-side failure. It will be retried.",
		ErrCodeInternal:            "An internal engine error occurred.",
	}
	if a, ok := actions[code]; ok {
		return a
	}
	return "Check the error message for details."
}

// All returns every defined error code, used by tests and alert thresholds.
func All() []ErrorCode {
	return []ErrorCode{
		ErrCodeNetwork, ErrCodeConnectionTimeout, ErrCodeConnectionRefused,
		ErrCodeDNSResolution, ErrCodeTLSHandshake, ErrCodeMalformedResponse,
		ErrCodeVersionMismatch, ErrCodeAuthExpired, ErrCodeAuthForbidden,
		ErrCodeRateLimitExceeded, ErrCodeQuotaExceeded, ErrCodeValidationFailed,
		ErrCodeSerializationFailed, ErrCodeConfiguration, ErrCodeResourceExhausted,
		ErrCodeInternal, ErrCodeUpstreamService, ErrCodeUnknown,
	}
}

// helper used by the classifier below and by tests
func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
