package errors

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Code codes.Code

const (
	CodeInvalidArgument    = Code(codes.InvalidArgument)
	CodeNotFound           = Code(codes.NotFound)
	CodeAlreadyExists      = Code(codes.AlreadyExists)
	CodePermissionDenied   = Code(codes.PermissionDenied)
	CodeFailedPrecondition = Code(codes.FailedPrecondition)
	CodeAborted            = Code(codes.Aborted)
	CodeResourceExhausted  = Code(codes.ResourceExhausted)
	CodeUnavailable        = Code(codes.Unavailable)
	CodeInternal           = Code(codes.Internal)
	CodeUnauthenticated    = Code(codes.Unauthenticated)
)

var code2http = map[Code]int{
	CodeInvalidArgument:    http.StatusBadRequest,
	CodeNotFound:           http.StatusNotFound,
	CodeAlreadyExists:      http.StatusConflict,
	CodePermissionDenied:   http.StatusForbidden,
	CodeFailedPrecondition: http.StatusConflict,
	CodeAborted:            http.StatusConflict,
	CodeResourceExhausted:  http.StatusTooManyRequests,
	CodeUnavailable:        http.StatusServiceUnavailable,
	CodeInternal:           http.StatusInternalServerError,
	CodeUnauthenticated:    http.StatusUnauthorized,
}

// Reasons are stable machine-readable tags clients can switch on.
const (
	ReasonStaleState      = "stale_state"
	ReasonTimeExpired     = "time_expired"
	ReasonDuplicateAnswer = "duplicate_answer"
	ReasonNotReady        = "not_ready"
	ReasonRoomFull        = "room_full"
	ReasonRateLimited     = "rate_limited"
	ReasonNotHost         = "not_host"
	ReasonNotParticipant  = "not_participant"
	ReasonUpstream        = "upstream"
)

type FieldViolation struct {
	Field       string `json:"field"`
	Description string `json:"description"`
}

type Error struct {
	Code    Code             `json:"code"`
	Message string           `json:"message"`
	Reason  string           `json:"reason,omitempty"`
	Details []FieldViolation `json:"details,omitempty"`
	err     error
}

func New(code Code, opts ...Option) *Error {
	e := &Error{
		Code:    code,
		Message: codes.Code(code).String(),
	}

	for _, opt := range opts {
		opt.apply(e)
	}

	return e
}

func (e *Error) Error() string {
	s := fmt.Sprintf("code: %d, message: %s", e.Code, e.Message)
	if e.Reason != "" {
		s += fmt.Sprintf(", reason: %s", e.Reason)
	}
	if e.err != nil {
		s += fmt.Sprintf(", err: %s", e.err)
	}

	return s
}

func (e *Error) Unwrap() error {
	return e.err
}

func (e *Error) GRPCStatus() *status.Status {
	return status.New(codes.Code(e.Code), e.Message)
}

func (e *Error) HTTPStatusCode() int {
	if c, ok := code2http[e.Code]; ok {
		return c
	}

	return http.StatusInternalServerError
}

// Retryable reports whether the caller may retry the same request later.
// Validation, state and authorization errors are not retryable.
func (e *Error) Retryable() bool {
	switch e.Code {
	case CodeUnavailable, CodeAborted, CodeInternal:
		return true
	case CodeResourceExhausted:
		return e.Reason == ReasonRateLimited
	default:
		return false
	}
}

func Convert(err error) *Error {
	var e *Error
	if !errors.As(err, &e) {
		return Internal(err)
	}

	return e
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// HasReason reports whether err carries the given reason.
func HasReason(err error, reason string) bool {
	var e *Error
	return errors.As(err, &e) && e.Reason == reason
}

func Internal(err error) *Error {
	return New(CodeInternal, WithCause(err))
}

// StaleState is returned when an action targets a room or game that already moved past the expected state.
func StaleState(format string, args ...any) *Error {
	return New(CodeFailedPrecondition, WithReason(ReasonStaleState), WithMessagef(format, args...))
}

type Option interface {
	apply(*Error)
}

type optionFunc func(*Error)

func (f optionFunc) apply(e *Error) {
	f(e)
}

func WithCause(err error) Option {
	return optionFunc(func(e *Error) {
		e.err = err
	})
}

func WithMessagef(format string, args ...any) Option {
	return optionFunc(func(e *Error) {
		e.Message = fmt.Sprintf(format, args...)
	})
}

func WithReason(reason string) Option {
	return optionFunc(func(e *Error) {
		e.Reason = reason
	})
}

func WithFieldViolation(field, format string, args ...any) Option {
	return optionFunc(func(e *Error) {
		e.Details = append(e.Details, FieldViolation{
			Field:       field,
			Description: fmt.Sprintf(format, args...),
		})
	})
}

// Violations collects field violations and turns them into a single InvalidArgument error.
type Violations []FieldViolation

func (v *Violations) Add(field, format string, args ...any) {
	*v = append(*v, FieldViolation{Field: field, Description: fmt.Sprintf(format, args...)})
}

// Err returns nil when no violation was collected.
func (v Violations) Err() error {
	if len(v) == 0 {
		return nil
	}

	e := New(CodeInvalidArgument, WithMessagef("invalid request: %d field violation(s)", len(v)))
	e.Details = append(e.Details, v...)
	return e
}
