package rest

import (
	"errors"
	"net/http"

	"github.com/oshokin/overwatch/internal/domain/errs"
	"github.com/oshokin/overwatch/internal/logger"
	eventrepo "github.com/oshokin/overwatch/internal/repository/event"
	alarmsvc "github.com/oshokin/overwatch/internal/service/alarm"
	"github.com/oshokin/overwatch/internal/service/pipeline"
	"github.com/oshokin/overwatch/internal/service/rules"
)

// errorResponse is the body of every failed request.
type errorResponse struct {
	// Code is a stable machine-readable error class.
	Code string `json:"code"`
	// Message is the human-readable error.
	Message string `json:"message"`
	// Details lists offending fields of validation errors.
	Details []string `json:"details,omitempty"`
	// CurrentState is the unchanged alarm state of a rejected transition.
	CurrentState string `json:"current_state,omitempty"`
	// Path points at the malformed node of a rule.
	Path string `json:"path,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		logger.ErrorKV(r.Context(), "Request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
	}

	writeJSON(w, status, body)
}

func classify(err error) (int, errorResponse) {
	var (
		validation *errs.ValidationError
		parse      *errs.RuleParseError
		notFound   *errs.NotFoundError
		transition *errs.InvalidTransitionError
	)

	body := errorResponse{Message: err.Error()}

	switch {
	case errors.As(err, &validation):
		body.Code = "validation_failed"
		body.Details = validation.Fields

		return http.StatusBadRequest, body
	case errors.Is(err, errMalformedBody):
		body.Code = "malformed_body"

		return http.StatusBadRequest, body
	case errors.As(err, &parse):
		body.Code = "rule_parse_failed"
		body.Path = parse.Path

		return http.StatusUnprocessableEntity, body
	case errors.As(err, &notFound):
		body.Code = "not_found"

		return http.StatusNotFound, body
	case errors.As(err, &transition):
		body.Code = "invalid_transition"
		body.CurrentState = transition.Current

		return http.StatusConflict, body
	case errors.Is(err, alarmsvc.ErrAlarmClosed):
		body.Code = "alarm_closed"

		return http.StatusConflict, body
	case errors.Is(err, rules.ErrRuleExists):
		body.Code = "rule_exists"

		return http.StatusConflict, body
	case errors.Is(err, eventrepo.ErrDuplicate):
		body.Code = "duplicate_event"

		return http.StatusConflict, body
	case errors.Is(err, pipeline.ErrStopped):
		body.Code = "unavailable"

		return http.StatusServiceUnavailable, body
	default:
		return http.StatusInternalServerError, errorResponse{
			Code:    "internal",
			Message: "internal error",
		}
	}
}
