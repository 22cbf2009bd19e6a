package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/shoe-studio/api/internal/catalog"
	"github.com/shoe-studio/api/internal/platform/httpx"
	"github.com/shoe-studio/api/internal/services"
)

const maxRequestBodySize = 16 * 1024

var (
	errEmptyBody    = errors.New("request body is required")
	errBodyTooLarge = errors.New("request body too large")
)

var requestValidator = validator.New(validator.WithRequiredStructEnabled())

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = maxRequestBodySize
	}
	reader := io.LimitReader(r.Body, limit+1)
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

// decodeRequest reads a bounded JSON body into dst and validates its struct tags. It
// writes the error response itself and reports whether the handler should continue.
func decodeRequest(w http.ResponseWriter, r *http.Request, dst any) bool {
	ctx := r.Context()
	body, err := readLimitedBody(r, maxRequestBodySize)
	if err != nil {
		status := http.StatusBadRequest
		code := "invalid_request"
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
			code = "payload_too_large"
		}
		httpx.WriteError(ctx, w, httpx.NewError(code, err.Error(), status))
		return false
	}

	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", fmt.Sprintf("invalid JSON body: %v", err), http.StatusBadRequest))
		return false
	}

	if err := requestValidator.Struct(dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", validationMessage(err), http.StatusBadRequest))
		return false
	}
	return true
}

// colorMap is a part to color object. Repeated keys and keys with surrounding whitespace
// would silently merge entries, so both are rejected.
type colorMap map[string]string

func (m *colorMap) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return errors.New("colors must be an object")
	}
	out := colorMap{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := tok.(string)
		var value string
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("colors.%s must be a string", key)
		}
		if key != strings.TrimSpace(key) {
			return fmt.Errorf("colors key %q has surrounding whitespace", key)
		}
		if _, dup := out[key]; dup {
			return fmt.Errorf("colors.%s appears more than once", key)
		}
		out[key] = strings.TrimSpace(value)
	}
	*m = out
	return nil
}

func validationMessage(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		field := fe.Namespace()
		if idx := strings.Index(field, "."); idx >= 0 {
			field = field[idx+1:]
		}
		switch fe.Tag() {
		case "required":
			parts = append(parts, fmt.Sprintf("%s is required", field))
		case "max":
			parts = append(parts, fmt.Sprintf("%s must be at most %s characters", field, fe.Param()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s validation", field, fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

// writeServiceError maps domain and service errors onto the JSON error envelope.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	var genErr *services.GenerationError
	if errors.As(err, &genErr) {
		httpx.WriteError(ctx, w, httpx.NewError(string(genErr.Kind), genErr.UserMessage(), generationStatus(genErr.Kind)).
			WithRetryable(genErr.Retryable()))
		return
	}

	switch {
	case errors.Is(err, services.ErrSessionNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("session_not_found", "session not found", http.StatusNotFound))
	case errors.Is(err, services.ErrSessionInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, catalog.ErrUnknownPart):
		httpx.WriteError(ctx, w, httpx.NewError("unknown_part", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, catalog.ErrUnknownColor):
		httpx.WriteError(ctx, w, httpx.NewError("unknown_color", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, catalog.ErrIllegalColor):
		httpx.WriteError(ctx, w, httpx.NewError("illegal_color", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, catalog.ErrMalformedMapping):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, catalog.ErrCatalogIntegrity):
		httpx.WriteError(ctx, w, httpx.NewError("catalog_integrity", "catalog is inconsistent", http.StatusInternalServerError))
	case errors.Is(err, context.DeadlineExceeded):
		httpx.WriteError(ctx, w, httpx.NewError("timeout", "request timed out", http.StatusGatewayTimeout))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "internal server error", http.StatusInternalServerError))
	}
}

func generationStatus(kind services.GenerationErrorKind) int {
	switch kind {
	case services.GenerationKindEmptyInput:
		return http.StatusBadRequest
	case services.GenerationKindSchemaViolation, services.GenerationKindUpstream:
		return http.StatusBadGateway
	case services.GenerationKindTimeout:
		return http.StatusGatewayTimeout
	case services.GenerationKindSuperseded:
		return http.StatusConflict
	case services.GenerationKindCanceled:
		// Client closed request; nginx convention.
		return 499
	default:
		return http.StatusInternalServerError
	}
}
