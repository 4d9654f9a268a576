package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/contentpipe/pkg/draft"
	"github.com/ethpandaops/contentpipe/pkg/runstate"
)

var (
	runTopic        string
	runTone         string
	runKeywords     []string
	runInstructions string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline for one brief",
	Long: `Submit a brief and drive it through generation, comparison, the gate
chain and publishing in the foreground. Interrupting the command leaves the
run at its last committed state; continue it with "contentpipe resume".`,
	RunE: runPipeline,
}

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume a run from its last committed state",
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

func init() {
	rootCmd.AddCommand(runCmd, resumeCmd)

	runCmd.Flags().StringVar(&runTopic, "topic", "", "article topic")
	runCmd.Flags().StringVar(&runTone, "tone", "", "tone (practical, technical, authoritative, friendly)")
	runCmd.Flags().StringSliceVar(&runKeywords, "keyword", nil,
		"target keyword (comma-separated or repeated flag)")
	runCmd.Flags().StringVar(&runInstructions, "instructions", "", "extra instructions for the writers")

	_ = runCmd.MarkFlagRequired("topic")
}

func runPipeline(cmd *cobra.Command, args []string) error {
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

	run, err := p.orch.Run(ctx, draft.Brief{
		Topic:        runTopic,
		Tone:         runTone,
		Keywords:     runKeywords,
		Instructions: runInstructions,
	})
	if err != nil {
		return fmt.Errorf("running pipeline: %w", err)
	}

	return reportRun(run.RunID, run.State, run.Reason)
}

func runResume(cmd *cobra.Command, args []string) error {
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

	run, err := p.orch.Resume(ctx, args[0])
	if err != nil {
		return fmt.Errorf("resuming run: %w", err)
	}

	return reportRun(run.RunID, run.State, run.Reason)
}

func reportRun(runID, state, reason string) error {
	fields := logrus.Fields{
		"run_id": runID,
		"state":  state,
		"reason": reason,
	}

	if runstate.State(state) != runstate.Published {
		log.WithFields(fields).Error("Run did not publish")

		return fmt.Errorf("run %s ended in %s (%s)", runID, state, reason)
	}

	log.WithFields(fields).Info("Run published")

	return nil
}
