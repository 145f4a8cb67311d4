package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/miradorstack/fleet-assistant/internal/config"
	"github.com/miradorstack/fleet-assistant/internal/utils"
)

func newOverviewCmd(configPath *string) *cobra.Command {
	var environments []string

	cmd := &cobra.Command{
		Use:   "overview",
		Short: "Print the operational overview as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return runOverview(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), cfg, environments)
		},
	}
	cmd.Flags().StringSliceVarP(&environments, "env", "e", nil, "environments to include (default: all configured)")
	return cmd
}

func runOverview(ctx context.Context, out, errOut io.Writer, cfg *config.Config, environments []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := utils.NewLoggerTo(errOut, cfg.Logging.Level, cfg.Logging.JSON)
	a, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.service.Refresh(ctx, "cli", environments); err != nil {
		return err
	}
	overview, err := a.service.Overview(ctx, "cli")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, overview.JSON())
	return nil
}
