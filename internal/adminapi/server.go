// Package adminapi exposes a small read-only HTTP surface over the live
// room registry, for operators and dashboards. It never mutates server
// state: room creation, joins, and teardown all happen over the voice
// protocol connection, not HTTP.
package adminapi

import (
	"net/http"

	apimw "github.com/flowpbx/lightvoice/internal/api/middleware"
	"github.com/flowpbx/lightvoice/internal/room"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Server holds the chi router and its dependency on the room registry.
type Server struct {
	router   *chi.Mux
	registry *room.Registry
}

// NewServer builds the admin HTTP handler with all routes mounted.
func NewServer(registry *room.Registry) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		registry: registry,
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(apimw.StructuredLogger)
	r.Use(apimw.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Route("/rooms", func(r chi.Router) {
		r.Get("/", s.handleListRooms)
		r.Get("/{id}", s.handleGetRoom)
	})
}
