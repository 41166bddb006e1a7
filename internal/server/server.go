// Package server provides the HTTP surface of the sync daemon: webhook
// ingress plus a small read API over sync state.
package server

import (
	"encoding/json"
	"net/http"

	"github.com/bookpilot/calsync/internal/bookings"
	"github.com/bookpilot/calsync/internal/config"
	"github.com/bookpilot/calsync/internal/conflicts"
	"github.com/bookpilot/calsync/internal/database"
	"github.com/bookpilot/calsync/internal/engine"
	"github.com/bookpilot/calsync/internal/integrations"
	"github.com/bookpilot/calsync/internal/server/middleware"
	"github.com/bookpilot/calsync/internal/syncjobs"
)

// Server is the daemon's HTTP server.
type Server struct {
	config   *config.Config
	db       *database.DB
	router   *http.ServeMux
	engine   *engine.Engine
	integs   *integrations.Repository
	bookings *bookings.Repository
	records  *syncjobs.Repository
	reviews  *conflicts.Repository
}

// New creates the server and registers its routes.
func New(cfg *config.Config, db *database.DB, eng *engine.Engine,
	integs *integrations.Repository, bookingRepo *bookings.Repository,
	records *syncjobs.Repository, reviews *conflicts.Repository) *Server {

	s := &Server{
		config:   cfg,
		db:       db,
		router:   http.NewServeMux(),
		engine:   eng,
		integs:   integs,
		bookings: bookingRepo,
		records:  records,
		reviews:  reviews,
	}
	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router

	// Recovery outermost, catches panics from everything below
	handler = middleware.Recovery(handler)
	handler = middleware.Logging(handler)

	return handler
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON decodes a request body, rejecting unknown fields.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
