package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/contentpipe/pkg/api"
	"github.com/ethpandaops/contentpipe/pkg/reconciler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the run API server",
	Long: `Serve the run API. Submitted briefs run in the background and runs
left behind by a crashed process are resumed by the reconciler.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	p, err := buildPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.close()

	deps := api.Deps{
		Runner: p.orch,
		Ledger: p.ledger,
		Store:  p.store,
	}

	if cfg.API.Reconcile.Enabled {
		deps.Reconciler = reconciler.NewReconciler(
			log,
			p.ledger,
			p.orch,
			cfg.API.Reconcile.IntervalDuration(),
			cfg.API.Reconcile.StaleAfterDuration(),
			cfg.API.Reconcile.Concurrency,
		)
	}

	srv := api.NewServer(log, &cfg.API, deps)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	<-ctx.Done()
	log.Info("Shutting down API server")

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping api server: %w", err)
	}

	return nil
}
