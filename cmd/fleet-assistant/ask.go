package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/miradorstack/fleet-assistant/internal/config"
	"github.com/miradorstack/fleet-assistant/internal/models"
	"github.com/miradorstack/fleet-assistant/internal/services"
	"github.com/miradorstack/fleet-assistant/internal/utils"
)

type askFlags struct {
	environments []string
	tokenBudget  int
	rowLimit     int
	asJSON       bool
	verbose      bool
}

func newAskCmd(configPath *string) *cobra.Command {
	var flags askFlags

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask one question against a fresh snapshot",
		Long:  "Loads a snapshot of the selected environments, answers a single question and prints the answer. Use --json for the full turn record.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return runAsk(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), cfg, strings.Join(args, " "), flags)
		},
	}

	cmd.Flags().StringSliceVarP(&flags.environments, "env", "e", nil, "environments to include (default: all configured)")
	cmd.Flags().IntVar(&flags.tokenBudget, "token-budget", 0, "context token budget (default from config)")
	cmd.Flags().IntVar(&flags.rowLimit, "row-limit", 0, "row limit per table (default from config)")
	cmd.Flags().BoolVar(&flags.asJSON, "json", false, "print the full conversation turn as JSON")
	cmd.Flags().BoolVarP(&flags.verbose, "verbose", "v", false, "print the plan and budget report")
	return cmd
}

func runAsk(ctx context.Context, out, errOut io.Writer, cfg *config.Config, question string, flags askFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := utils.NewLoggerTo(errOut, cfg.Logging.Level, cfg.Logging.JSON)
	a, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	turn, err := a.service.Ask(ctx, "cli", services.AskOptions{
		Question:     question,
		Environments: flags.environments,
		TokenBudget:  flags.tokenBudget,
		RowLimit:     flags.rowLimit,
	})
	if err != nil {
		return err
	}

	if flags.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(turn)
	}
	fmt.Fprintln(out, turn.Answer)
	if flags.verbose {
		printReport(out, turn)
	}
	return nil
}

func printReport(out io.Writer, turn models.ConversationTurn) {
	fmt.Fprintln(out)
	fmt.Fprintf(out, "states: %s\n", strings.Join(turn.States, " -> "))
	for _, q := range turn.Plan {
		fmt.Fprintf(out, "query %d: %s\n", q.Index, q.Describe())
	}
	for _, r := range turn.Results {
		fmt.Fprintf(out, "result %d: %d/%d rows\n", r.Request.Index, r.ReturnedRows, r.MatchedRows)
	}
	for _, tr := range turn.Trims {
		if tr.Section != "" {
			fmt.Fprintf(out, "trim %s (%s): %s\n", tr.Section, tr.Kind, tr.Reason)
			continue
		}
		fmt.Fprintf(out, "trim %d (%s): %s, kept %d dropped %d\n", tr.Index, tr.Kind, tr.Reason, tr.RowsKept, tr.RowsDropped)
	}
	fmt.Fprintf(out, "tokens: %d/%d", turn.PayloadTokens, turn.TokenBudget)
	var flags []string
	if turn.PlanUnparsable {
		flags = append(flags, "plan-unparsable")
	}
	if turn.DroppedEntries > 0 {
		flags = append(flags, fmt.Sprintf("dropped=%d", turn.DroppedEntries))
	}
	if turn.BudgetExceeded {
		flags = append(flags, "budget-exceeded")
	}
	if turn.DegradedNoLLM {
		flags = append(flags, "degraded-no-llm")
	}
	if len(flags) > 0 {
		fmt.Fprintf(out, " [%s]", strings.Join(flags, " "))
	}
	fmt.Fprintln(out)
}
