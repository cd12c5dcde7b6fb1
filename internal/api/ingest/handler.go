// Package ingest implements the write side of the telemetry API: session
// lifecycle, event batches and bulk uploads.
package ingest

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"openattribution/internal/api/httpx"
	domain "openattribution/internal/domain/telemetry"
	"openattribution/internal/metrics"
	"openattribution/pkg/errors"
	"openattribution/pkg/logger"
	"openattribution/pkg/telemetry"
)

// maxBodyBytes caps request bodies before JSON decoding
const maxBodyBytes = 4 << 20

// Handler serves the ingestion endpoints
type Handler struct {
	service      *domain.Service
	maxBatchSize int
	log          *logger.Logger
}

// New creates the ingest handler. maxBatchSize bounds events per request.
func New(service *domain.Service, maxBatchSize int) *Handler {
	if maxBatchSize <= 0 {
		maxBatchSize = 500
	}
	return &Handler{
		service:      service,
		maxBatchSize: maxBatchSize,
		log:          logger.Get().With("component", "ingest_handler"),
	}
}

// HandleStartSession handles POST /session/start
func (h *Handler) HandleStartSession(w http.ResponseWriter, r *http.Request) {
	var input domain.StartSessionInput
	if !h.decode(w, r, &input) {
		return
	}

	session, err := h.service.StartSession(r.Context(), input)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"session_id": session.ID,
	})
}

type eventsRequest struct {
	SessionID uuid.UUID         `json:"session_id"`
	Events    []telemetry.Event `json:"events"`
}

// HandleRecordEvents handles POST /events
func (h *Handler) HandleRecordEvents(w http.ResponseWriter, r *http.Request) {
	var req eventsRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.SessionID == uuid.Nil {
		httpx.WriteError(w, errors.NewValidationError("session_id", "session_id is required", nil))
		return
	}
	if len(req.Events) == 0 {
		httpx.WriteError(w, errors.NewValidationError("events", "events must not be empty", nil))
		return
	}
	if len(req.Events) > h.maxBatchSize {
		metrics.BatchesRejected.WithLabelValues("too_large").Inc()
		httpx.WriteError(w, errors.NewValidationError("events", "batch exceeds maximum size", len(req.Events)))
		return
	}

	created, err := h.service.RecordEvents(r.Context(), req.SessionID, req.Events)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"events_created": created,
	})
}

type endSessionRequest struct {
	SessionID uuid.UUID                `json:"session_id"`
	Outcome   telemetry.SessionOutcome `json:"outcome"`
}

// HandleEndSession handles POST /session/end
func (h *Handler) HandleEndSession(w http.ResponseWriter, r *http.Request) {
	var req endSessionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.SessionID == uuid.Nil {
		httpx.WriteError(w, errors.NewValidationError("session_id", "session_id is required", nil))
		return
	}

	if _, err := h.service.EndSession(r.Context(), req.SessionID, req.Outcome); err != nil {
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleBulkUpload handles POST /session/bulk: a complete session uploaded
// in one request. The response carries the server-assigned session id, which
// differs from the id inside the uploaded payload.
func (h *Handler) HandleBulkUpload(w http.ResponseWriter, r *http.Request) {
	var wire telemetry.Session
	if !h.decode(w, r, &wire) {
		return
	}
	if len(wire.Events) > h.maxBatchSize {
		metrics.BatchesRejected.WithLabelValues("too_large").Inc()
		httpx.WriteError(w, errors.NewValidationError("events", "batch exceeds maximum size", len(wire.Events)))
		return
	}

	session, err := h.service.BulkUpload(r.Context(), &wire)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"session_id":     session.ID,
		"events_created": len(wire.Events),
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		httpx.WriteError(w, errors.Wrap(errors.ErrInvalidInput, "malformed JSON body"))
		return false
	}
	return true
}
