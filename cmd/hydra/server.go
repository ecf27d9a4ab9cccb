package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hydralab/hydra/pkg/activity"
	"github.com/hydralab/hydra/pkg/api"
	"github.com/hydralab/hydra/pkg/auth"
	"github.com/hydralab/hydra/pkg/catalog"
	"github.com/hydralab/hydra/pkg/config"
	"github.com/hydralab/hydra/pkg/container"
	"github.com/hydralab/hydra/pkg/events"
	"github.com/hydralab/hydra/pkg/locker"
	"github.com/hydralab/hydra/pkg/log"
	"github.com/hydralab/hydra/pkg/migration"
	"github.com/hydralab/hydra/pkg/monitor"
	"github.com/hydralab/hydra/pkg/orchestrator"
	"github.com/hydralab/hydra/pkg/orchestrator/cluster"
	"github.com/hydralab/hydra/pkg/orchestrator/dockerhost"
	"github.com/hydralab/hydra/pkg/proxycfg"
	"github.com/hydralab/hydra/pkg/quota"
	"github.com/hydralab/hydra/pkg/shares"
	"github.com/hydralab/hydra/pkg/sshmux"
	"github.com/hydralab/hydra/pkg/store"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the control-plane server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func runServer() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cat, err := catalog.New(cfg)
	if err != nil {
		return err
	}
	if cfg.PresetsCatalogPath != "" {
		go func() {
			if err := cat.Watch(ctx, cfg.PresetsCatalogPath); err != nil {
				logger.Warn().Err(err).Msg("preset catalog watch ended")
			}
		}()
	}

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer st.Close()

	bus := events.NewBroker()
	bus.Start()
	defer bus.Stop()

	locks := locker.New()

	mux, err := sshmux.NewWriter(cfg.SSHMuxConfigRoot)
	if err != nil {
		return err
	}

	orch, err := buildOrchestrator(ctx, cfg, cat)
	if err != nil {
		return err
	}

	acts := activity.New(st, bus, cfg.LogCapBytesPerUser)
	containers := container.New(st, cat, orch, locks, mux, bus, acts, cfg)
	migrations := migration.New(st, cat, orch, bus, locks, containers, cfg)
	containers.SetMigrator(migrations)
	quotas := quota.New(st, cat, bus, containers, migrations, acts, cfg)
	mon := monitor.New(st, orch, bus, cfg)
	shareSvc := shares.New(st)

	resolver := auth.NewResolver(cfg)
	verifier := auth.NewVerifier(resolver, shareSvc)

	server := api.NewServer(cfg, api.Deps{
		Catalog:    cat,
		Store:      st,
		Orch:       orch,
		Containers: containers,
		Migrations: migrations,
		Quotas:     quotas,
		Activity:   acts,
		Shares:     shareSvc,
		Bus:        bus,
		Resolver:   resolver,
		Verifier:   verifier,
	})

	logger.Info().
		Str("backend", string(cfg.Backend)).
		Str("addr", cfg.ListenAddr).
		Msg("control plane starting")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(ctx) })
	g.Go(func() error { quotas.Run(ctx); return nil })
	g.Go(func() error { mon.Run(ctx); return nil })
	g.Go(func() error { acts.RunRollover(ctx); return nil })
	g.Go(func() error { shareSvc.RunSweep(ctx, time.Hour); return nil })

	err = g.Wait()
	logger.Info().Msg("control plane stopped")
	return err
}

func buildOrchestrator(ctx context.Context, cfg *config.Config, cat *catalog.Catalog) (orchestrator.Orchestrator, error) {
	switch cfg.Backend {
	case config.BackendCluster:
		return cluster.New(ctx, cfg, cat)
	default:
		routes, err := proxycfg.NewFileWriter(cfg.ProxyDynamicRoot, cfg.PublicBaseURL+"/auth/verify")
		if err != nil {
			return nil, err
		}
		return dockerhost.New(cfg, cat, routes)
	}
}
