package rest

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/oshokin/overwatch/internal/domain/alarm"
	"github.com/oshokin/overwatch/internal/domain/errs"
	alarmrepo "github.com/oshokin/overwatch/internal/repository/alarm"
)

// alarmView renders an alarm; History is omitted unless requested.
type alarmView struct {
	*alarm.Alarm

	// History shadows the embedded trail so it can be left out.
	History []alarm.HistoryRecord `json:"history,omitempty"`
}

// alarmRequest is the body shared by the alarm commands.
type alarmRequest struct {
	// Actor is the operator issuing the command.
	Actor string `json:"actor"`
	// Operator is the assignee of an assign command.
	Operator string `json:"operator"`
	// State is the target of a transition command.
	State string `json:"state"`
	// Severity is the target of a severity command.
	Severity string `json:"severity"`
	// Note is free-form context recorded in history.
	Note string `json:"note"`
}

func (h *Handler) listAlarms(w http.ResponseWriter, r *http.Request) {
	filter, err := alarmFilter(r)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	alarms, err := h.services.Alarms.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	views := make([]alarmView, 0, len(alarms))
	for _, a := range alarms {
		views = append(views, alarmView{Alarm: a})
	}

	writeJSON(w, http.StatusOK, map[string]any{"alarms": views})
}

func (h *Handler) getAlarm(w http.ResponseWriter, r *http.Request) {
	a, err := h.services.Alarms.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	view := alarmView{Alarm: a}

	if include, _ := strconv.ParseBool(r.URL.Query().Get("include_history")); include {
		view.History = a.History
	}

	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) alarmHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.services.Alarms.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

func (h *Handler) acknowledgeAlarm(w http.ResponseWriter, r *http.Request) {
	h.alarmCommand(w, r, func(req alarmRequest) (*alarm.Alarm, error) {
		return h.services.Alarms.Acknowledge(r.Context(), chi.URLParam(r, "id"), actorOr(req.Actor))
	})
}

func (h *Handler) assignAlarm(w http.ResponseWriter, r *http.Request) {
	h.alarmCommand(w, r, func(req alarmRequest) (*alarm.Alarm, error) {
		return h.services.Alarms.Assign(r.Context(), chi.URLParam(r, "id"), req.Operator, actorOr(req.Actor))
	})
}

func (h *Handler) transitionAlarm(w http.ResponseWriter, r *http.Request) {
	h.alarmCommand(w, r, func(req alarmRequest) (*alarm.Alarm, error) {
		target, ok := alarm.ParseState(req.State)
		if !ok {
			return nil, errs.NewValidationError("transition", fmt.Sprintf("unknown state %q", req.State))
		}

		return h.services.Alarms.Transition(r.Context(), chi.URLParam(r, "id"), target, actorOr(req.Actor), req.Note)
	})
}

func (h *Handler) reopenAlarm(w http.ResponseWriter, r *http.Request) {
	h.alarmCommand(w, r, func(req alarmRequest) (*alarm.Alarm, error) {
		return h.services.Alarms.Reopen(r.Context(), chi.URLParam(r, "id"), actorOr(req.Actor), req.Note)
	})
}

func (h *Handler) addNote(w http.ResponseWriter, r *http.Request) {
	h.alarmCommand(w, r, func(req alarmRequest) (*alarm.Alarm, error) {
		return h.services.Alarms.AddNote(r.Context(), chi.URLParam(r, "id"), actorOr(req.Actor), req.Note)
	})
}

func (h *Handler) updateSeverity(w http.ResponseWriter, r *http.Request) {
	h.alarmCommand(w, r, func(req alarmRequest) (*alarm.Alarm, error) {
		severity, ok := alarm.ParseSeverity(req.Severity)
		if !ok {
			return nil, errs.NewValidationError("severity", fmt.Sprintf("unknown severity %q", req.Severity))
		}

		return h.services.Alarms.UpdateSeverity(
			r.Context(),
			chi.URLParam(r, "id"),
			severity,
			actorOr(req.Actor),
			req.Note,
		)
	})
}

// alarmCommand decodes the request body, runs the command and renders the alarm.
func (h *Handler) alarmCommand(
	w http.ResponseWriter,
	r *http.Request,
	command func(req alarmRequest) (*alarm.Alarm, error),
) {
	var req alarmRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)

		return
	}

	a, err := command(req)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, alarmView{Alarm: a})
}

func alarmFilter(r *http.Request) (alarmrepo.Filter, error) {
	values := r.URL.Query()

	filter := alarmrepo.Filter{
		Tenant:   values.Get("tenant"),
		Site:     values.Get("site"),
		Assignee: values.Get("assignee"),
	}

	var problems []string

	if raw := values.Get("state"); raw != "" {
		state, ok := alarm.ParseState(raw)
		if !ok {
			problems = append(problems, fmt.Sprintf("unknown state %q", raw))
		}

		filter.State = state
	}

	if raw := values.Get("severity"); raw != "" {
		severity, ok := alarm.ParseSeverity(raw)
		if !ok {
			problems = append(problems, fmt.Sprintf("unknown severity %q", raw))
		}

		filter.Severity = severity
	}

	limit, ok := queryInt(r, "limit")
	if !ok {
		problems = append(problems, "limit must be a non-negative integer")
	}

	offset, ok := queryInt(r, "offset")
	if !ok {
		problems = append(problems, "offset must be a non-negative integer")
	}

	filter.Limit = limit
	filter.Offset = offset

	if len(problems) > 0 {
		return filter, errs.NewValidationError("alarm query", problems...)
	}

	return filter, nil
}
