// Package errs provides structured error types shared across the algoexec engine.
package errs

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Code identifies an error category surfaced by the engine.
type Code string

const (
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeVenue indicates a venue-side failure.
	CodeVenue Code = "venue_error"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeRateLimited indicates that the request exceeded rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeTimeout indicates an operation exceeded its deadline.
	CodeTimeout Code = "timeout"
)

// CanonicalCode captures venue-agnostic rejection categories.
type CanonicalCode string

const (
	// CanonicalUnknown captures uncategorized failures.
	CanonicalUnknown CanonicalCode = "unknown"
	// CanonicalInsufficientBalance indicates insufficient balance for the requested operation.
	CanonicalInsufficientBalance CanonicalCode = "insufficient_balance"
	// CanonicalMinimumSize indicates the order is below the venue minimum size.
	CanonicalMinimumSize CanonicalCode = "minimum_size"
	// CanonicalOrderNotFound indicates that the referenced order does not exist.
	CanonicalOrderNotFound CanonicalCode = "order_not_found"
	// CanonicalEvaluateBalance indicates the venue requested a balance re-evaluation.
	CanonicalEvaluateBalance CanonicalCode = "evaluate_balance"
)

// E captures structured error information produced across the engine.
type E struct {
	Op        string
	Code      Code
	Message   string
	Canonical CanonicalCode
	RawMsg    string
	Metadata  map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:        strings.TrimSpace(op),
		Code:      code,
		Message:   "",
		Canonical: CanonicalUnknown,
		RawMsg:    "",
		Metadata:  nil,
		cause:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRawMessage captures the raw venue error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithCanonicalCode sets the canonical code describing the rejection category.
func WithCanonicalCode(code CanonicalCode) Option {
	trimmed := strings.TrimSpace(string(code))
	return func(e *E) {
		if trimmed == "" {
			e.Canonical = CanonicalUnknown
			return
		}
		e.Canonical = CanonicalCode(trimmed)
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := strings.TrimSpace(e.Op)
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if cc := strings.TrimSpace(string(e.Canonical)); cc != "" && cc != string(CanonicalUnknown) {
		parts = append(parts, "canonical="+cc)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Validation reports a single invalid strategy parameter. Validation failures
// are returned synchronously from parameter checks, never raised from handler
// execution.
type Validation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (v *Validation) Error() string {
	if v == nil {
		return "<nil>"
	}
	return "field=" + v.Field + " message=" + strconv.Quote(v.Message)
}

// NewValidation constructs a structured parameter validation error.
func NewValidation(field, message string) *Validation {
	return &Validation{Field: strings.TrimSpace(field), Message: strings.TrimSpace(message)}
}

// SubscriptionTimeout reports that a channel subscription acknowledgment did
// not arrive within the configured window.
type SubscriptionTimeout struct {
	Channel string
	Timeout time.Duration
}

func (s *SubscriptionTimeout) Error() string {
	if s == nil {
		return "<nil>"
	}
	return "subscription ack timeout channel=" + strconv.Quote(s.Channel) + " after=" + s.Timeout.String()
}
