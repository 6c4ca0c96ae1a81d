package rest

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/oshokin/overwatch/internal/domain/errs"
	"github.com/oshokin/overwatch/internal/domain/rule"
)

// ruleSource names rules submitted over the API in parse errors.
const ruleSource = "api"

func (h *Handler) listRules(w http.ResponseWriter, _ *http.Request) {
	list := h.services.Rules.List()

	documents := make([]rule.Document, 0, len(list))
	for _, r := range list {
		documents = append(documents, r.Document())
	}

	writeJSON(w, http.StatusOK, map[string]any{"rules": documents})
}

func (h *Handler) getRule(w http.ResponseWriter, r *http.Request) {
	found, err := h.services.Rules.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	if asYAML, _ := strconv.ParseBool(r.URL.Query().Get("as_yaml")); asYAML {
		data, err := rule.ToYAML(found)
		if err != nil {
			h.writeError(w, r, err)

			return
		}

		w.Header().Set("Content-Type", "application/yaml")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)

		return
	}

	writeJSON(w, http.StatusOK, found.Document())
}

// createRule accepts a rule document as JSON or YAML.
func (h *Handler) createRule(w http.ResponseWriter, r *http.Request) {
	parsed, err := parseRuleBody(w, r)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	if err = h.services.Rules.Add(parsed); err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusCreated, parsed.Document())
}

func (h *Handler) updateRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	parsed, err := parseRuleBody(w, r)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	if parsed.ID != id {
		h.writeError(w, r, errs.NewValidationError("rule",
			fmt.Sprintf("rule id %q does not match path id %q", parsed.ID, id)))

		return
	}

	if err = h.services.Rules.Replace(parsed); err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, parsed.Document())
}

func (h *Handler) deleteRule(w http.ResponseWriter, r *http.Request) {
	if err := h.services.Rules.Delete(chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) enableRule(w http.ResponseWriter, r *http.Request) {
	h.setRuleEnabled(w, r, true)
}

func (h *Handler) disableRule(w http.ResponseWriter, r *http.Request) {
	h.setRuleEnabled(w, r, false)
}

func (h *Handler) setRuleEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	updated, err := h.services.Rules.SetEnabled(chi.URLParam(r, "id"), enabled)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, updated.Document())
}

// parseRuleBody compiles the request body. JSON is valid YAML, so one parser
// serves both content types.
func parseRuleBody(w http.ResponseWriter, r *http.Request) (*rule.Rule, error) {
	body, err := readBody(w, r)
	if err != nil {
		return nil, errs.NewValidationError("rule", err.Error())
	}

	if len(body) == 0 {
		return nil, errs.NewValidationError("rule", "body is required")
	}

	return rule.Parse(body, ruleSource)
}
