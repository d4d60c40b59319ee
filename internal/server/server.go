package server

import (
	"net/http"

	"github.com/idaholion/cabinbuddy/internal/rotation"
	"github.com/idaholion/cabinbuddy/internal/store"
	"github.com/rs/zerolog"

	ihttp "github.com/idaholion/cabinbuddy/internal/http"
)

// Server exposes the rotation engine and the tenant admin surface over a
// JSON HTTP API.
type Server struct {
	engine *rotation.Engine
	orgs   store.OrganizationStore
	groups store.FamilyGroupStore
}

// NewServer creates a new server around the engine and its stores.
func NewServer(engine *rotation.Engine, orgs store.OrganizationStore, groups store.FamilyGroupStore) *Server {
	return &Server{
		engine: engine,
		orgs:   orgs,
		groups: groups,
	}
}

// Handler returns the HTTP handler for the server
func (s *Server) Handler(log zerolog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint for load balancer
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	mux.HandleFunc("POST /v1/orgs", s.handleCreateOrganization)
	mux.HandleFunc("GET /v1/orgs/{org}", s.handleGetOrganization)
	mux.HandleFunc("PUT /v1/orgs/{org}", s.handleUpdateOrganization)

	mux.HandleFunc("POST /v1/orgs/{org}/groups", s.handleCreateGroup)
	mux.HandleFunc("GET /v1/orgs/{org}/groups", s.handleListGroups)
	mux.HandleFunc("DELETE /v1/orgs/{org}/groups/{group}", s.handleDeleteGroup)

	mux.HandleFunc("POST /v1/orgs/{org}/years/{year}", s.handleStartRotationYear)
	mux.HandleFunc("GET /v1/orgs/{org}/years/{year}/turn", s.handleGetTurnState)
	mux.HandleFunc("POST /v1/orgs/{org}/years/{year}/claims", s.handleClaimTurn)
	mux.HandleFunc("POST /v1/orgs/{org}/years/{year}/advance", s.handleAdvanceTurn)
	mux.HandleFunc("GET /v1/orgs/{org}/years/{year}/usage", s.handleGetUsage)
	mux.HandleFunc("POST /v1/orgs/{org}/years/{year}/reset", s.handleResetLedger)

	var handler http.Handler = mux
	handler = ihttp.RequestLoggerMiddleware(log)(handler)
	handler = ihttp.ClientIPMiddleware()(handler)

	return handler
}
