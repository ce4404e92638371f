package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"colldialer/internal/orchestrator"

	"github.com/spf13/cobra"
)

const sweepLookbackDays = 7

var constructCmd = &cobra.Command{
	Use:   "construct",
	Short: "Enqueue construction of one bucket or every configured bucket",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if bucketFlag == "" {
				n, err := a.orch.EnqueueConstruction(ctx, time.Now())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "enqueued construction of %d buckets\n", n)
				return nil
			}
			return enqueueBucket(ctx, cmd, a, orchestrator.HandlerConstruct)
		})
	},
}

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Enqueue dispatch of a constructed bucket",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			return enqueueBucket(ctx, cmd, a, orchestrator.HandlerDispatch)
		})
	},
}

var discrepancyCmd = &cobra.Command{
	Use:   "discrepancy",
	Short: "Enqueue the discrepancy check of one bucket or every bucket of a day",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if bucketFlag == "" {
				n, err := a.orch.EnqueueDiscrepancyChecks(ctx, a.day())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "enqueued discrepancy checks of %d buckets\n", n)
				return nil
			}
			return enqueueBucket(ctx, cmd, a, orchestrator.HandlerDiscrepancy)
		})
	},
}

var reconcileAt string

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Enqueue the retroload of the hour before --at",
	Long: `Enqueue the retroload slices of the last complete hour before --at
(RFC 3339, default now) for every bucket that reconciles by retroload.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			at := time.Now()
			if reconcileAt != "" {
				var err error
				if at, err = time.Parse(time.RFC3339, reconcileAt); err != nil {
					return fmt.Errorf("--at: %w", err)
				}
			}
			n, err := a.orch.EnqueueRetroload(ctx, at)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %d retroload slices\n", n)
			return nil
		})
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove stale running locks and locks of previous days",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			res, err := a.locks.Sweep(ctx, time.Now(), sweepLookbackDays)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d stale running locks and %d locks of previous days\n", res.StaleRunning, res.PreviousDays)
			return nil
		})
	},
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Write the daily XLSX report",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			path, err := a.reporter().Write(ctx, a.day())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{constructCmd, dispatchCmd, discrepancyCmd} {
		c.Flags().StringVarP(&bucketFlag, "bucket", "b", "", "Bucket name")
		c.Flags().BoolVar(&runFlag, "run", false, "Process due jobs in this process instead of leaving them to serve")
	}
	for _, c := range []*cobra.Command{dispatchCmd, discrepancyCmd, reportCmd} {
		c.Flags().StringVarP(&dayFlag, "day", "d", "", "Business day YYYY-MM-DD (default today)")
	}
	reconcileCmd.Flags().StringVar(&reconcileAt, "at", "", "Reference time in RFC 3339")
	reconcileCmd.Flags().BoolVar(&runFlag, "run", false, "Process due jobs in this process instead of leaving them to serve")

	_ = dispatchCmd.MarkFlagRequired("bucket")
}

func withApp(cmd *cobra.Command, fn func(context.Context, *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := fn(ctx, a); err != nil {
		return err
	}
	a.drain(ctx)
	return nil
}

func enqueueBucket(ctx context.Context, cmd *cobra.Command, a *app, handler string) error {
	if bucketFlag == "" {
		return errors.New("--bucket is required")
	}
	day := a.day()
	if err := a.orch.EnqueueBucket(ctx, handler, bucketFlag, day); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s of %s for %s\n", handler, bucketFlag, day)
	return nil
}
