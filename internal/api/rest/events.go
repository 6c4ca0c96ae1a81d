package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/oshokin/overwatch/internal/domain/errs"
	"github.com/oshokin/overwatch/internal/domain/event"
	eventrepo "github.com/oshokin/overwatch/internal/repository/event"
)

// eventPage is one page of the event listing.
type eventPage struct {
	// Events are ordered by timestamp then id.
	Events []*event.Event `json:"events"`
	// Next is the cursor for the following page.
	Next string `json:"next,omitempty"`
	// Prev is the cursor for the preceding page.
	Prev string `json:"prev,omitempty"`
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	q, err := eventQuery(r)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	page, err := h.services.Events.Query(r.Context(), q)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	response := eventPage{Events: page.Events}
	if response.Events == nil {
		response.Events = []*event.Event{}
	}

	if page.Next != nil {
		response.Next = page.Next.String()
	}

	if page.Prev != nil {
		response.Prev = page.Prev.String()
	}

	writeJSON(w, http.StatusOK, response)
}

func (h *Handler) countEvents(w http.ResponseWriter, r *http.Request) {
	q, err := eventQuery(r)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	count, err := h.services.Events.Count(r.Context(), q)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (h *Handler) getEvent(w http.ResponseWriter, r *http.Request) {
	e, err := h.services.Events.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, e)
}

func (h *Handler) submitEvent(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		h.writeError(w, r, errs.NewValidationError("event", err.Error()))

		return
	}

	e, err := event.DecodeJSON(body)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	result, err := h.services.Submitter.Submit(r.Context(), e)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusCreated, result)
}

func eventQuery(r *http.Request) (eventrepo.Query, error) {
	values := r.URL.Query()

	q := eventrepo.Query{
		Tenant:     values.Get("tenant"),
		Site:       values.Get("site"),
		SourceType: values.Get("source_type"),
	}

	limit, ok := queryInt(r, "limit")
	if !ok {
		return q, errs.NewValidationError("event query", "limit must be a non-negative integer")
	}

	q.Limit = limit

	if raw := values.Get("since"); raw != "" {
		cursor, err := event.ParseCursor(raw)
		if err != nil {
			return q, errs.NewValidationError("event query", "since: "+err.Error())
		}

		q.Since = &cursor
	}

	if raw := values.Get("before"); raw != "" {
		cursor, err := event.ParseCursor(raw)
		if err != nil {
			return q, errs.NewValidationError("event query", "before: "+err.Error())
		}

		q.Before = &cursor
	}

	return q, nil
}
