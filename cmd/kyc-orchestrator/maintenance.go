package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// runWithApp builds the app for a one-shot command and releases it afterwards.
func runWithApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg := configFromContext(cmd.Context())
	logger := commonRun(cfg)
	ctx := cmd.Context()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		return err
	}
	defer a.close(ctx)
	return fn(ctx, a)
}

func recoverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Resume interrupted sessions and commit what the ledger never acknowledged",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWithApp(cmd, func(ctx context.Context, a *app) error {
				report, err := a.service.Recover(ctx)
				if err != nil {
					return err
				}
				// drain the commits Recover just queued
				runCtx, cancel := context.WithTimeout(ctx, a.cfg.Oracle.CommitTimeout*time.Duration(max(report.Requeued, 1)))
				defer cancel()
				go func() { _ = a.retrier.Run(runCtx) }()
				waitForQueue(runCtx, a)

				a.logger.Info("recovery finished",
					"resumed", report.Resumed,
					"requeued", report.Requeued,
					"still_queued", a.retrier.Pending(),
				)
				return nil
			})
		},
	}
}

func waitForQueue(ctx context.Context, a *app) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for a.retrier.Pending() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func sweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire pending sessions past their deadline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWithApp(cmd, func(ctx context.Context, a *app) error {
				n, err := a.service.SweepExpired(ctx)
				if err != nil {
					return err
				}
				a.logger.Info("sweep finished", "expired", n)
				return nil
			})
		},
	}
}

func statsCommand() *cobra.Command {
	var wallet string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print verification statistics, or one wallet's status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWithApp(cmd, func(ctx context.Context, a *app) error {
				var out any
				if wallet != "" {
					status, err := a.service.GetStatus(ctx, wallet)
					if err != nil {
						return err
					}
					out = status
				} else {
					stats, err := a.service.GetStatistics(ctx)
					if err != nil {
						return err
					}
					out = stats
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(out); err != nil {
					return fmt.Errorf("write output: %w", err)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&wallet, "wallet", "", "report the status of this wallet instead")
	return cmd
}
