package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/contentpipe/pkg/publish"
)

var telemetryLimit int

var telemetryCmd = &cobra.Command{
	Use:   "telemetry",
	Short: "Sample view counts of published posts",
	RunE:  runTelemetry,
}

func init() {
	rootCmd.AddCommand(telemetryCmd)

	telemetryCmd.Flags().IntVar(&telemetryLimit, "limit", 50, "number of most recent posts to sample")
}

func runTelemetry(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.Publish.Site == "" {
		return errors.New("publish.site must be set to collect views")
	}

	ctx, cancel := signalContext()
	defer cancel()

	l, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}

	defer func() {
		if err := l.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop ledger")
		}
	}()

	wp := publish.NewWordPressClient(log, &cfg.Publish)

	recorded, err := publish.CollectViews(ctx, log, l, wp, cfg.Publish.Site, telemetryLimit)
	if err != nil {
		return err
	}

	log.WithField("samples", recorded).Info("Collected post views")

	return nil
}
