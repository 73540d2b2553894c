// Package relayerr implements the error taxonomy of the HTTP and event
// surfaces: a small set of named Kinds, each with an HTTP status and a
// machine-readable code.
package relayerr

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// Kind enumerates the taxonomy of §7.
type Kind string

const (
	BadRequest       Kind = "BAD_REQUEST"
	NotFound         Kind = "NOT_FOUND"
	Conflict         Kind = "CONFLICT"
	RateLimited      Kind = "RATE_LIMITED"
	PayloadTooLarge  Kind = "PAYLOAD_TOO_LARGE"
	UploadFailed     Kind = "UPLOAD_FAILED"
	ChecksumMismatch Kind = "CHECKSUM_MISMATCH"
	Unavailable      Kind = "SERVICE_UNAVAILABLE"
)

// httpStatus maps each Kind to its HTTP status code.
var httpStatus = map[Kind]int{
	BadRequest:       http.StatusBadRequest,
	NotFound:         http.StatusNotFound,
	Conflict:         http.StatusConflict,
	RateLimited:      http.StatusTooManyRequests,
	PayloadTooLarge:  http.StatusRequestEntityTooLarge,
	UploadFailed:     http.StatusInternalServerError,
	ChecksumMismatch: http.StatusBadRequest,
	Unavailable:      http.StatusServiceUnavailable,
}

// Error is a Kind-tagged error carrying an optional structured Details
// payload, serialized on the HTTP path as {error:{code,message,details}}.
type Error struct {
	Kind    Kind
	Message string
	Details interface{}
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus returns the status code for e's Kind.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Envelope is the wire shape of an error response.
type Envelope struct {
	Error EnvelopeBody `json:"error"`
}

type EnvelopeBody struct {
	Code    Kind        `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// ToEnvelope renders e as the HTTP JSON error body.
func (e *Error) ToEnvelope() Envelope {
	return Envelope{Error: EnvelopeBody{Code: e.Kind, Message: e.Message, Details: e.Details}}
}

func newf(k Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...)}
}

func NewBadRequest(format string, args ...interface{}) *Error { return newf(BadRequest, format, args...) }
func NewNotFound(format string, args ...interface{}) *Error   { return newf(NotFound, format, args...) }
func NewConflict(format string, args ...interface{}) *Error   { return newf(Conflict, format, args...) }
func NewRateLimited(format string, args ...interface{}) *Error {
	return newf(RateLimited, format, args...)
}
func NewPayloadTooLarge(format string, args ...interface{}) *Error {
	return newf(PayloadTooLarge, format, args...)
}
func NewUploadFailed(format string, args ...interface{}) *Error {
	return newf(UploadFailed, format, args...)
}
func NewChecksumMismatch(format string, args ...interface{}) *Error {
	return newf(ChecksumMismatch, format, args...)
}
func NewUnavailable(format string, args ...interface{}) *Error {
	return newf(Unavailable, format, args...)
}

// Wrap annotates cause with a Kind and message, following the
// errors.WithMessage(err, "context") idiom but retaining the Kind.
func Wrap(cause error, k Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...), cause: errors.WithStack(cause)}
}

// As extracts a *Error from err, if any, via errors.As.
func As(err error) (*Error, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
