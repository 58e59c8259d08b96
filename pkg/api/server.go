package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/cuemby/paddock/pkg/auth"
	"github.com/cuemby/paddock/pkg/fsresolver"
	"github.com/cuemby/paddock/pkg/log"
	"github.com/cuemby/paddock/pkg/provider"
	"github.com/cuemby/paddock/pkg/scheduler"
	"github.com/cuemby/paddock/pkg/storage"
)

// Server is the control-plane HTTP API
type Server struct {
	store      storage.Store
	provider   provider.API
	scheduler  *scheduler.Scheduler
	resolver   *fsresolver.Resolver
	authn      auth.Authenticator
	candidates *auth.Resolver
	httpServer *http.Server
	now        func() time.Time
}

// Config wires the server's collaborators
type Config struct {
	Store      storage.Store
	Provider   provider.API
	Scheduler  *scheduler.Scheduler
	Resolver   *fsresolver.Resolver
	Authn      auth.Authenticator
	Candidates *auth.Resolver
}

// NewServer creates the API server
func NewServer(cfg Config) *Server {
	return &Server{
		store:      cfg.Store,
		provider:   cfg.Provider,
		scheduler:  cfg.Scheduler,
		resolver:   cfg.Resolver,
		authn:      cfg.Authn,
		candidates: cfg.Candidates,
		now:        time.Now,
	}
}

// Router builds the route table
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.logMiddleware)
	router.Use(s.metricsMiddleware)

	// The loader-VM callback authenticates with the seed secret, not a JWT
	router.HandleFunc("/api/seed-complete", s.handleSeedComplete).Methods(http.MethodPost)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(s.authMiddleware)

	api.HandleFunc("/auth/me", s.handleMe).Methods(http.MethodGet)
	api.HandleFunc("/gpu-types", s.handleGPUTypes).Methods(http.MethodGet)

	api.HandleFunc("/vms", s.handleListVMs).Methods(http.MethodGet)
	api.HandleFunc("/vms/launch", s.handleLaunchVM).Methods(http.MethodPost)
	api.HandleFunc("/vms/terminate", s.handleTerminateVM).Methods(http.MethodPost)
	api.HandleFunc("/vms/restart", s.handleRestartVM).Methods(http.MethodPost)

	api.HandleFunc("/filesystems", s.handleListFilesystems).Methods(http.MethodGet)

	api.HandleFunc("/launch-requests", s.handleListLaunchRequests).Methods(http.MethodGet)
	api.HandleFunc("/launch-requests", s.handleSubmitLaunchRequest).Methods(http.MethodPost)
	api.HandleFunc("/launch-requests/cancel", s.handleCancelLaunchRequest).Methods(http.MethodPost)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(s.adminMiddleware)
	admin.HandleFunc("/candidates", s.handleListCandidates).Methods(http.MethodGet)
	admin.HandleFunc("/candidates", s.handleAddCandidate).Methods(http.MethodPost)
	admin.HandleFunc("/candidates", s.handleRemoveCandidate).Methods(http.MethodDelete)
	admin.HandleFunc("/quota", s.handleSetQuota).Methods(http.MethodPost)
	admin.HandleFunc("/settings", s.handleGetSettings).Methods(http.MethodGet)
	admin.HandleFunc("/settings", s.handlePutSettings).Methods(http.MethodPut)
	admin.HandleFunc("/filesystems", s.handleDeleteFilesystem).Methods(http.MethodDelete)

	return router
}

// Start serves the API on addr until Shutdown
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	logger := log.WithComponent("api")
	logger.Info().Str("addr", addr).Msg("API server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
