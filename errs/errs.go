// Package errs provides structured error types and helpers for optiongate services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a broker error category.
type Code string

const (
	// CodeNetwork indicates a connect or timeout failure.
	CodeNetwork Code = "network"
	// CodeAuth indicates the broker rejected the session credentials.
	CodeAuth Code = "auth"
	// CodeProtocol indicates a malformed or unexpected response shape.
	CodeProtocol Code = "protocol"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates the symbol or date has no data.
	CodeNotFound Code = "not_found"
	// CodeRateGuard indicates the broker anti-automation defense answered instead of the endpoint.
	CodeRateGuard Code = "rate_guard"
	// CodeNoAnswer indicates a non-error response that carried none of the expected fields.
	CodeNoAnswer Code = "no_answer"
	// CodeQueueFull indicates the concurrent order cap is reached.
	CodeQueueFull Code = "queue_full"
	// CodeUnavailable indicates the component is shut down or not ready.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the optiongate stack.
type E struct {
	Broker   string
	Code     Code
	HTTP     int
	RawMsg   string
	Message  string
	Metadata map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the broker and error code.
func New(broker string, code Code, opts ...Option) *E {
	e := &E{
		Broker:   strings.TrimSpace(broker),
		Code:     code,
		HTTP:     0,
		RawMsg:   "",
		Message:  "",
		Metadata: nil,
		cause:    nil,
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

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawMessage captures a bounded excerpt of the raw broker response.
func WithRawMessage(msg string) Option {
	const maxRaw = 256
	if len(msg) > maxRaw {
		msg = msg[:maxRaw]
	}
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

	broker := strings.TrimSpace(e.Broker)
	if broker == "" {
		broker = "unknown"
	}
	parts = append(parts, "broker="+broker)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
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

// CodeOf returns the code of the first envelope found in the chain, or "" when none is present.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Retriable reports whether an order operation failing with err may be attempted again.
// Invalid arguments and missing data fail fast; everything else is transient.
func Retriable(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case CodeInvalid, CodeNotFound, CodeQueueFull, CodeUnavailable:
		return false
	default:
		return true
	}
}
