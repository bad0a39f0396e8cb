package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/sharetube/teamsync/internal/domain"
	"github.com/sharetube/teamsync/internal/identity"
	"github.com/sharetube/teamsync/internal/service/dispatcher"
	"github.com/sharetube/teamsync/internal/service/scope"
	"github.com/sharetube/teamsync/pkg/validator"
)

var errInvalidQueryParam = errors.New("invalid query parameter")

type errorResponse struct {
	Error  string                      `json:"error"`
	Fields []validator.ValidationError `json:"fields,omitempty"`
}

func statusFromError(err error) int {
	var validationErrs validator.Errors
	switch {
	case errors.Is(err, scope.ErrScopeNotFound):
		return http.StatusNotFound
	case errors.Is(err, scope.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, scope.ErrShutdown):
		return http.StatusServiceUnavailable
	case errors.Is(err, identity.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &validationErrs),
		errors.Is(err, scope.ErrEmptyScopeID),
		errors.Is(err, dispatcher.ErrInvalidPayload),
		errors.Is(err, domain.ErrInvalidStatus),
		errors.Is(err, domain.ErrInvalidActivity),
		errors.Is(err, errInvalidQueryParam):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (c controller) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		c.logger.WarnContext(r.Context(), "failed to write response", "error", err)
	}
}

func (c controller) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFromError(err)
	if status == http.StatusInternalServerError {
		c.logger.ErrorContext(r.Context(), "request failed", "error", err)
	}

	resp := errorResponse{Error: err.Error()}
	var validationErrs validator.Errors
	if errors.As(err, &validationErrs) {
		resp.Fields = validationErrs
	}

	c.writeJSON(w, r, status, resp)
}

// decodeInput reads a JSON body into T and validates it.
func decodeInput[T any](c controller, r *http.Request) (T, error) {
	var input T
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		return input, fmt.Errorf("%w: %w", dispatcher.ErrInvalidPayload, err)
	}
	if err := c.validate.Struct(input); err != nil {
		return input, err
	}
	return input, nil
}

func (c controller) getLimitQueryParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}

	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, fmt.Errorf("%w: limit %q", errInvalidQueryParam, raw)
	}
	return limit, nil
}
