package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/hydralab/hydra/pkg/activity"
	"github.com/hydralab/hydra/pkg/auth"
	"github.com/hydralab/hydra/pkg/catalog"
	"github.com/hydralab/hydra/pkg/config"
	"github.com/hydralab/hydra/pkg/container"
	"github.com/hydralab/hydra/pkg/events"
	"github.com/hydralab/hydra/pkg/log"
	"github.com/hydralab/hydra/pkg/metrics"
	"github.com/hydralab/hydra/pkg/migration"
	"github.com/hydralab/hydra/pkg/orchestrator"
	"github.com/hydralab/hydra/pkg/quota"
	"github.com/hydralab/hydra/pkg/shares"
	"github.com/hydralab/hydra/pkg/store"
)

// Server is the REST surface over the control plane.
type Server struct {
	cfg        *config.Config
	catalog    *catalog.Catalog
	store      *store.Store
	orch       orchestrator.Orchestrator
	containers *container.Service
	migrations *migration.Engine
	quotas     *quota.Engine
	activity   *activity.Service
	shares     *shares.Service
	bus        *events.Broker
	resolver   *auth.Resolver
	verifier   *auth.Verifier

	router chi.Router
}

type Deps struct {
	Catalog    *catalog.Catalog
	Store      *store.Store
	Orch       orchestrator.Orchestrator
	Containers *container.Service
	Migrations *migration.Engine
	Quotas     *quota.Engine
	Activity   *activity.Service
	Shares     *shares.Service
	Bus        *events.Broker
	Resolver   *auth.Resolver
	Verifier   *auth.Verifier
}

func NewServer(cfg *config.Config, d Deps) *Server {
	s := &Server{
		cfg:        cfg,
		catalog:    d.Catalog,
		store:      d.Store,
		orch:       d.Orch,
		containers: d.Containers,
		migrations: d.Migrations,
		quotas:     d.Quotas,
		activity:   d.Activity,
		shares:     d.Shares,
		bus:        d.Bus,
		resolver:   d.Resolver,
		verifier:   d.Verifier,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{s.cfg.PublicBaseURL},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", auth.HeaderUser, auth.HeaderEmail, auth.HeaderGroups},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.HandleFunc("/auth/verify", s.handleAuthVerify)
	r.Get("/servers/status", s.handleServersStatus)

	r.Route("/containers/{username}", func(r chi.Router) {
		r.Post("/init", s.handleInit)
		r.Get("/status", s.handleStatus)
		r.Post("/start", s.handleStart)
		r.Post("/stop", s.handleStop)
		r.Post("/destroy", s.handleDestroy)
		r.Post("/wipe", s.handleWipe)
		r.Post("/migrate", s.handleMigrate)
		r.Get("/migration", s.handleMigrationStatus)
		r.Get("/migrations", s.handleMigrationHistory)
		r.Get("/routes", s.handleListRoutes)
		r.Post("/routes", s.handleAddRoute)
		r.Delete("/routes/{endpoint}", s.handleRemoveRoute)
		r.Post("/keys/regenerate", s.handleRegenerateKeys)
		r.Get("/logs", s.handleWorkloadLogs)
		r.Post("/services/{service}/{action}", s.handleControlService)
	})

	r.Route("/shares", func(r chi.Router) {
		r.Post("/", s.handleCreateShare)
		r.Get("/", s.handleListShares)
		r.Delete("/{token}", s.handleDeleteShare)
	})

	r.Route("/approvals", func(r chi.Router) {
		r.Post("/", s.handleSubmitRequest)
		r.Get("/", s.handleListRequests)
		r.Get("/pending", s.handleListPending)
		r.Post("/{id}/approve", s.handleApprove)
		r.Post("/{id}/deny", s.handleDeny)
	})

	r.Route("/quotas", func(r chi.Router) {
		r.Get("/", s.handleListQuotas)
		r.Get("/{username}", s.handleGetQuota)
		r.Put("/{username}", s.handleUpsertQuota)
		r.Delete("/{username}", s.handleDeleteQuota)
	})

	r.Route("/logs", func(r chi.Router) {
		r.Get("/", s.handleQueryActivity)
		r.Get("/stream", s.handleUserStream)
		r.Get("/admin", s.handleAdminActivity)
		r.Get("/admin/stream", s.handleAdminStream)
		r.Get("/security", s.handleSecurityEvents)
	})

	return r
}

// Run serves until ctx ends, then drains with a grace period.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithComponent("api").Info().Str("addr", s.cfg.ListenAddr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
