// Package query implements the internal read side: session lookup, listing
// and server-side attribution projection. These endpoints are meant for
// attribution pipelines and debugging, not public clients.
package query

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"openattribution/internal/api/httpx"
	domain "openattribution/internal/domain/telemetry"
	"openattribution/pkg/errors"
	"openattribution/pkg/logger"
)

// Handler serves the internal query endpoints
type Handler struct {
	service *domain.Service
	log     *logger.Logger
}

// New creates the query handler
func New(service *domain.Service) *Handler {
	return &Handler{
		service: service,
		log:     logger.Get().With("component", "query_handler"),
	}
}

// HandleGetSession handles GET /internal/sessions/{id}: the stored session
// rendered back into the wire schema, events included.
func (h *Handler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	session, events, err := h.service.GetSession(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, domain.Snapshot(session, events))
}

// HandleGetAttribution handles GET /internal/sessions/{id}/attribution
func (h *Handler) HandleGetAttribution(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	attr, err := h.service.ProjectSession(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, attr)
}

// HandleGetSessionByExternalID handles
// GET /internal/sessions/by-external-id/{externalID}. External ids are not
// unique, so this resolves to the most recently started match.
func (h *Handler) HandleGetSessionByExternalID(w http.ResponseWriter, r *http.Request) {
	externalID := r.PathValue("externalID")
	if externalID == "" {
		httpx.WriteError(w, errors.NewValidationError("external_id", "must not be empty", externalID))
		return
	}

	session, err := h.service.GetSessionByExternalID(r.Context(), externalID)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": session.ID,
		"started_at": session.StartedAt,
		"ended_at":   session.EndedAt,
	})
}

// HandleListSessions handles GET /internal/sessions: session summaries
// filtered by outcome_type, content_scope, since and until.
func (h *Handler) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := domain.ListFilter{
		OutcomeType:  q.Get("outcome_type"),
		ContentScope: q.Get("content_scope"),
	}
	if v := q.Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httpx.WriteError(w, errors.NewValidationError("since", "must be RFC3339", v))
			return
		}
		filter.Since = &ts
	}
	if v := q.Get("until"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httpx.WriteError(w, errors.NewValidationError("until", "must be RFC3339", v))
			return
		}
		filter.Until = &ts
	}
	if v := q.Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		filter.Offset, _ = strconv.Atoi(v)
	}

	summaries, err := h.service.ListSessions(r.Context(), filter)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": summaries,
		"count":    len(summaries),
	})
}

func (h *Handler) sessionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.PathValue("id")
	id, err := uuid.Parse(raw)
	if err != nil {
		httpx.WriteError(w, errors.NewValidationError("id", "must be a UUID", raw))
		return uuid.Nil, false
	}
	return id, true
}
