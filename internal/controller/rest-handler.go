package controller

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sharetube/teamsync/internal/domain"
)

type ScopeSummary struct {
	ScopeID string                  `json:"scope_id"`
	Status  domain.ConnectionStatus `json:"status"`
}

type PublishEventInput struct {
	Action      string         `json:"action" validate:"required,max=64"`
	Description string         `json:"description" validate:"max=512"`
	Data        map[string]any `json:"data"`
}

type UpdateStatusInput struct {
	Status          *domain.Status   `json:"status" validate:"omitempty,oneof=online away in_game ready offline"`
	CurrentActivity *domain.Activity `json:"current_activity" validate:"omitempty,oneof=browsing in_game idle"`
}

func (c controller) listScopes(w http.ResponseWriter, r *http.Request) {
	ids := c.scopeService.Scopes()
	out := make([]ScopeSummary, 0, len(ids))
	for _, id := range ids {
		status, err := c.scopeService.Status(id)
		if err != nil {
			// closed in between
			continue
		}
		out = append(out, ScopeSummary{ScopeID: id, Status: status})
	}

	c.writeJSON(w, r, http.StatusOK, out)
}

func (c controller) openScope(w http.ResponseWriter, r *http.Request) {
	scopeId := chi.URLParam(r, "scope-id")
	if err := c.scopeService.Open(r.Context(), scopeId); err != nil {
		c.writeError(w, r, err)
		return
	}

	status, err := c.scopeService.Status(scopeId)
	if err != nil {
		c.writeError(w, r, err)
		return
	}

	c.writeJSON(w, r, http.StatusOK, ScopeSummary{ScopeID: scopeId, Status: status})
}

func (c controller) closeScope(w http.ResponseWriter, r *http.Request) {
	if err := c.scopeService.Close(r.Context(), chi.URLParam(r, "scope-id")); err != nil {
		c.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (c controller) retryScope(w http.ResponseWriter, r *http.Request) {
	if err := c.scopeService.Retry(chi.URLParam(r, "scope-id")); err != nil {
		c.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (c controller) publishEvent(w http.ResponseWriter, r *http.Request) {
	input, err := decodeInput[PublishEventInput](c, r)
	if err != nil {
		c.writeError(w, r, err)
		return
	}

	ev, err := c.scopeService.PublishGameEvent(r.Context(), chi.URLParam(r, "scope-id"), input.Action, input.Description, input.Data)
	if err != nil {
		c.writeError(w, r, err)
		return
	}

	c.writeJSON(w, r, http.StatusCreated, ev)
}

func (c controller) updateStatus(w http.ResponseWriter, r *http.Request) {
	input, err := decodeInput[UpdateStatusInput](c, r)
	if err != nil {
		c.writeError(w, r, err)
		return
	}

	if err := c.scopeService.UpdateStatus(r.Context(), chi.URLParam(r, "scope-id"), input.Status, input.CurrentActivity); err != nil {
		c.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (c controller) getMembers(w http.ResponseWriter, r *http.Request) {
	members, err := c.scopeService.Members(chi.URLParam(r, "scope-id"))
	if err != nil {
		c.writeError(w, r, err)
		return
	}

	c.writeJSON(w, r, http.StatusOK, members)
}

func (c controller) getActivity(w http.ResponseWriter, r *http.Request) {
	limit, err := c.getLimitQueryParam(r)
	if err != nil {
		c.writeError(w, r, err)
		return
	}

	events, err := c.scopeService.Activity(chi.URLParam(r, "scope-id"), limit)
	if err != nil {
		c.writeError(w, r, err)
		return
	}

	c.writeJSON(w, r, http.StatusOK, events)
}

func (c controller) getStatus(w http.ResponseWriter, r *http.Request) {
	status, err := c.scopeService.Status(chi.URLParam(r, "scope-id"))
	if err != nil {
		c.writeError(w, r, err)
		return
	}

	c.writeJSON(w, r, http.StatusOK, status)
}
