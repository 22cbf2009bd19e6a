package services

import (
	"errors"
	"fmt"
	"net/url"
)

// GenerationErrorKind classifies why a generation attempt failed.
type GenerationErrorKind string

const (
	GenerationKindEmptyInput      GenerationErrorKind = "empty_input"
	GenerationKindSchemaViolation GenerationErrorKind = "schema_violation"
	GenerationKindUpstream        GenerationErrorKind = "upstream_error"
	GenerationKindTimeout         GenerationErrorKind = "generation_timeout"
	GenerationKindCanceled        GenerationErrorKind = "generation_canceled"
	GenerationKindSuperseded      GenerationErrorKind = "generation_superseded"
)

var (
	// ErrEmptyInput indicates blank request text; no call was made.
	ErrEmptyInput = errors.New("generation: empty input")
	// ErrSchemaViolation indicates the remote reply failed structural or catalog validation.
	ErrSchemaViolation = errors.New("generation: schema violation")
	// ErrUpstream indicates a transport failure or non-success status from the remote service.
	ErrUpstream = errors.New("generation: upstream error")
	// ErrTimeout indicates the generation deadline elapsed and the request was aborted.
	ErrTimeout = errors.New("generation: timeout")
	// ErrGenerationCanceled indicates the caller abandoned the request.
	ErrGenerationCanceled = errors.New("generation: canceled")
	// ErrGenerationSuperseded indicates a newer generation for the same session replaced this one.
	ErrGenerationSuperseded = errors.New("generation: superseded")
)

var generationKindSentinels = map[GenerationErrorKind]error{
	GenerationKindEmptyInput:      ErrEmptyInput,
	GenerationKindSchemaViolation: ErrSchemaViolation,
	GenerationKindUpstream:        ErrUpstream,
	GenerationKindTimeout:         ErrTimeout,
	GenerationKindCanceled:        ErrGenerationCanceled,
	GenerationKindSuperseded:      ErrGenerationSuperseded,
}

var generationUserMessages = map[GenerationErrorKind]string{
	GenerationKindEmptyInput:      "Please describe the design you want.",
	GenerationKindSchemaViolation: "Unable to process the response. Please try again.",
	GenerationKindUpstream:        "An error occurred while processing the request. Please try again.",
	GenerationKindTimeout:         "Request timed out. Please try again.",
	GenerationKindCanceled:        "The request was cancelled.",
	GenerationKindSuperseded:      "A newer request replaced this one.",
}

const generationNetworkMessage = "Unable to connect to the server. Please check your network."

// GenerationError is the failure type of the generation pipeline.
type GenerationError struct {
	Kind   GenerationErrorKind
	Detail string
	Err    error
}

func newGenerationError(kind GenerationErrorKind, err error, format string, args ...any) *GenerationError {
	return &GenerationError{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}

// Error implements the error interface.
func (e *GenerationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := string(e.Kind)
	if sentinel, ok := generationKindSentinels[e.Kind]; ok {
		msg = sentinel.Error()
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the underlying cause.
func (e *GenerationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches the sentinel of the error's kind.
func (e *GenerationError) Is(target error) bool {
	if e == nil {
		return false
	}
	sentinel, ok := generationKindSentinels[e.Kind]
	return ok && sentinel == target
}

// Retryable reports whether the same request may succeed when issued again.
func (e *GenerationError) Retryable() bool {
	if e == nil {
		return false
	}
	switch e.Kind {
	case GenerationKindTimeout, GenerationKindUpstream:
		return true
	default:
		return false
	}
}

// UserMessage is a display-ready failure reason.
func (e *GenerationError) UserMessage() string {
	if e == nil {
		return ""
	}
	var urlErr *url.Error
	if e.Kind == GenerationKindUpstream && errors.As(e.Err, &urlErr) {
		return generationNetworkMessage
	}
	if msg, ok := generationUserMessages[e.Kind]; ok {
		return msg
	}
	return generationUserMessages[GenerationKindUpstream]
}
