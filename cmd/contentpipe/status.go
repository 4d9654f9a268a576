package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/contentpipe/pkg/ledger"
	"github.com/ethpandaops/contentpipe/pkg/runstate"
)

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show the audit trail of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
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

	run, err := l.GetRun(ctx, args[0])
	if err != nil {
		return fmt.Errorf("getting run: %w", err)
	}

	history, err := l.History(ctx, run.RunID)
	if err != nil {
		return fmt.Errorf("reading history: %w", err)
	}

	cards, err := l.ListScoreCards(ctx, run.RunID)
	if err != nil {
		return fmt.Errorf("reading score cards: %w", err)
	}

	record, err := l.GetPublishRecord(ctx, run.RunID)
	if err != nil {
		return fmt.Errorf("reading publish record: %w", err)
	}

	printRun(run)
	printHistory(history)
	printScoreCards(cards)
	printPublishRecord(record)

	return nil
}

func printRun(run *ledger.Run) {
	fmt.Printf("Run %s\n", run.RunID)
	fmt.Printf("  topic:     %s\n", run.Topic)
	fmt.Printf("  state:     %s\n", stateLabel(run.RunState()))

	if run.Reason != "" {
		fmt.Printf("  reason:    %s\n", run.Reason)
	}

	if run.WinnerBackend != "" {
		fmt.Printf("  winner:    %s\n", run.WinnerBackend)
	}

	fmt.Printf("  revisions: %d\n", run.RevisionCount)
	fmt.Printf("  updated:   %s\n", run.UpdatedAt.Format(time.RFC3339))
}

func printHistory(history []ledger.Transition) {
	fmt.Println("\nHistory")

	for _, t := range history {
		fmt.Printf("  %3d  %-15s -> %-15s  #%d  %s\n",
			t.Seq, t.From, stateLabel(runstate.State(t.To)), t.Attempt, t.Reason)
	}
}

func printScoreCards(cards []ledger.ScoreCard) {
	if len(cards) == 0 {
		return
	}

	fmt.Println("\nScore cards")

	evaluation := -1

	for _, c := range cards {
		if c.Evaluation != evaluation {
			evaluation = c.Evaluation
			fmt.Printf("  evaluation %d (%s, revision %d)\n", c.Evaluation, c.SourceBackend, c.Revision)
		}

		mark := color.New(color.FgGreen).Sprint("PASS")
		if !c.Passed {
			mark = color.New(color.FgRed).Sprint("FAIL")
		}

		mandatory := ""
		if c.Mandatory {
			mandatory = " mandatory"
		}

		fmt.Printf("    %s  %-14s %6.1f  w=%.2f%s  %s\n",
			mark, c.GateName, c.Score, c.Weight, mandatory, c.Detail)
	}
}

func printPublishRecord(record *ledger.PublishRecord) {
	if record == nil {
		return
	}

	fmt.Println("\nPublished")
	fmt.Printf("  post:     %s\n", record.RemotePostID)
	fmt.Printf("  url:      %s\n", record.RemoteURL)
	fmt.Printf("  attempts: %d\n", record.AttemptCount)
	fmt.Printf("  at:       %s\n", record.PublishedAt.Format(time.RFC3339))
}

func stateLabel(s runstate.State) string {
	switch {
	case s == runstate.Published:
		return color.New(color.FgGreen).Sprint(s)
	case s.IsTerminal():
		return color.New(color.FgRed).Sprint(s)
	default:
		return color.New(color.FgYellow).Sprint(s)
	}
}
