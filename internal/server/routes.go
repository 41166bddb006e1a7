package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bookpilot/calsync/internal/bookings"
	"github.com/bookpilot/calsync/internal/database"
	"github.com/bookpilot/calsync/internal/integrations"
	"github.com/bookpilot/calsync/internal/provider"
	"github.com/bookpilot/calsync/internal/util"
)

// maxWebhookBody caps inbound notification payloads.
const maxWebhookBody = 1 << 20

// setupRoutes registers all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("GET /health", s.handleHealth)

	// Webhook ingress, one path per provider push channel
	s.router.HandleFunc("POST /webhooks/{provider}/{integration}", s.handleWebhook)

	// Read API over sync state
	s.router.HandleFunc("GET /api/sync/records", s.handleSyncRecords)
	s.router.HandleFunc("GET /api/conflicts", s.handleConflicts)
	s.router.HandleFunc("POST /api/conflicts/{id}/resolve", s.handleResolveConflict)
	s.router.HandleFunc("GET /api/bookings/{id}/sync-status", s.handleBookingSyncStatus)
}

// handleHealth returns daemon health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unhealthy",
			"error":  "database unavailable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
	})
}

// handleWebhook accepts a provider push notification and hands it to the
// queue. Processing is asynchronous; the provider only needs an ack.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	providerName := r.PathValue("provider")
	integrationID := r.PathValue("integration")

	// Microsoft Graph validates new subscriptions with a handshake that
	// must be echoed back in plain text.
	if token := r.URL.Query().Get("validationToken"); token != "" {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, token)
		return
	}

	integ, err := s.integs.GetByID(r.Context(), integrationID)
	if err != nil {
		if errors.Is(err, integrations.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown integration")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if integ.Provider != providerName {
		writeError(w, http.StatusNotFound, "provider mismatch")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	req := &provider.WebhookRequest{
		Signature: r.Header.Get("X-Goog-Channel-Token"),
		Headers:   headers,
		Body:      body,
	}

	if !s.engine.DispatchWebhook(integrationID, req) {
		util.Debug("Webhook suppressed as duplicate", "integration_id", integrationID)
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleSyncRecords lists recent sync job records, optionally filtered by
// integration.
func (s *Server) handleSyncRecords(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	recs, err := s.records.ListRecent(r.Context(), r.URL.Query().Get("integration_id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	out := make([]map[string]interface{}, 0, len(recs))
	for _, rec := range recs {
		item := map[string]interface{}{
			"id":              rec.ID,
			"integration_id":  rec.IntegrationID,
			"type":            rec.Type,
			"status":          rec.Status,
			"processed_count": rec.ProcessedCount,
			"started_at":      rec.StartedAt.Format(time.RFC3339),
		}
		if rec.WebhookID.Valid {
			item["webhook_id"] = rec.WebhookID.String
		}
		if rec.CompletedAt.Valid {
			item["completed_at"] = rec.CompletedAt.Time.Format(time.RFC3339)
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": out})
}

// handleConflicts lists open conflict reviews.
func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	reviews, err := s.reviews.ListOpenReviews(r.Context(), r.URL.Query().Get("integration_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	out := make([]map[string]interface{}, 0, len(reviews))
	for _, rev := range reviews {
		out = append(out, map[string]interface{}{
			"id":                rev.ID,
			"integration_id":    rev.IntegrationID,
			"booking_id":        rev.BookingID,
			"external_event_id": rev.ExternalEventID,
			"severity":          rev.Severity,
			"overlap_minutes":   rev.OverlapMinutes,
			"created_at":        rev.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conflicts": out})
}

// handleResolveConflict closes an open review as resolved or dismissed.
func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conflict id")
		return
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := decodeJSON(r, &body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Status == "" {
		body.Status = database.ReviewResolved
	}
	if body.Status != database.ReviewResolved && body.Status != database.ReviewDismissed {
		writeError(w, http.StatusBadRequest, "status must be resolved or dismissed")
		return
	}

	if err := s.reviews.CloseReview(r.Context(), id, body.Status); err != nil {
		writeError(w, http.StatusInternalServerError, "update failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": body.Status})
}

// handleBookingSyncStatus reports a booking's sync state on one integration.
func (s *Server) handleBookingSyncStatus(w http.ResponseWriter, r *http.Request) {
	bookingID := r.PathValue("id")
	integrationID := r.URL.Query().Get("integration_id")
	if integrationID == "" {
		writeError(w, http.StatusBadRequest, "integration_id is required")
		return
	}

	status, err := s.bookings.GetSyncStatus(r.Context(), bookingID, integrationID)
	if err != nil {
		if errors.Is(err, bookings.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no sync status")
			return
		}
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	item := map[string]interface{}{
		"booking_id":     status.BookingID,
		"integration_id": status.IntegrationID,
		"state":          status.State,
		"updated_at":     status.UpdatedAt.Format(time.RFC3339),
	}
	if status.ExternalEventID.Valid {
		item["external_event_id"] = status.ExternalEventID.String
	}
	if status.LastError.Valid {
		item["last_error"] = status.LastError.String
	}
	writeJSON(w, http.StatusOK, item)
}
