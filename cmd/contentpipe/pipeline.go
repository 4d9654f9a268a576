package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethpandaops/contentpipe/pkg/artifact"
	"github.com/ethpandaops/contentpipe/pkg/compare"
	"github.com/ethpandaops/contentpipe/pkg/config"
	"github.com/ethpandaops/contentpipe/pkg/gate"
	"github.com/ethpandaops/contentpipe/pkg/generation"
	"github.com/ethpandaops/contentpipe/pkg/ledger"
	"github.com/ethpandaops/contentpipe/pkg/orchestrator"
	"github.com/ethpandaops/contentpipe/pkg/publish"
)

// pipeline holds the wired components shared by the run, resume and serve
// commands.
type pipeline struct {
	cfg       *config.Config
	ledger    ledger.Ledger
	store     artifact.Store
	wordpress *publish.WordPressClient
	orch      *orchestrator.Orchestrator
}

// openLedger starts the ledger for commands that only read the audit trail.
func openLedger(ctx context.Context, cfg *config.Config) (ledger.Ledger, error) {
	l := ledger.NewLedger(log, &cfg.Database)
	if err := l.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting ledger: %w", err)
	}

	return l, nil
}

func buildPipeline(ctx context.Context, cfg *config.Config) (*pipeline, error) {
	l, err := openLedger(ctx, cfg)
	if err != nil {
		return nil, err
	}

	p := &pipeline{cfg: cfg, ledger: l}

	if err := p.wire(ctx); err != nil {
		_ = l.Stop()

		return nil, err
	}

	return p, nil
}

func (p *pipeline) wire(ctx context.Context) error {
	cfg := p.cfg

	store, err := artifact.New(log, &cfg.Artifacts)
	if err != nil {
		return fmt.Errorf("creating artifact store: %w", err)
	}

	p.store = store

	corpus := gate.NewCorpus()

	if cfg.Gates.PlagiarismCorpus {
		corpus, err = gate.LoadCorpus(ctx, log, store)
		if err != nil {
			return fmt.Errorf("loading plagiarism corpus: %w", err)
		}
	}

	chain, err := gate.NewBuiltinChain(log, &cfg.Gates, corpus)
	if err != nil {
		return fmt.Errorf("building gate chain: %w", err)
	}

	registry, err := generation.NewChatRegistry(log, &cfg.Generation)
	if err != nil {
		return fmt.Errorf("registering generation backends: %w", err)
	}

	p.wordpress = publish.NewWordPressClient(log, &cfg.Publish)

	p.orch = orchestrator.New(log, orchestrator.OptionsFromConfig(cfg), orchestrator.Deps{
		Ledger:     p.ledger,
		Store:      store,
		Generator:  generation.NewFanOut(log, registry, store, cfg.Generation.Retry.Policy()),
		Comparator: compare.New(compare.Structure{}),
		Gates:      chain,
		Reviser:    generation.NewChatBackend(log, &cfg.Revision.Backend),
		Publisher:  publish.NewCoordinator(log, &cfg.Publish, p.ledger, p.wordpress),
		Corpus:     corpus,
	})

	return nil
}

func (p *pipeline) close() {
	if err := p.ledger.Stop(); err != nil {
		log.WithError(err).Warn("Failed to stop ledger")
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
