package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/datacarousel/carousel/pkg/database"
	"github.com/datacarousel/carousel/pkg/types"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, db, err := setup()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.Migrate(); err != nil {
			return err
		}
		fmt.Println("✓ Migrations applied")
		return nil
	},
}

var cleanLocksCmd = &cobra.Command{
	Use:   "clean-locks",
	Short: "Reset stale row locks and force re-polling",
	Long: `Reset locks held longer than --lifetime, and with --repoll also set
next_poll_at to now for all active rows so agents pick them up on their
next tick. Useful after an agent crash or a configuration change.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		lifetime, _ := cmd.Flags().GetDuration("lifetime")
		repoll, _ := cmd.Flags().GetBool("repoll")

		_, db, err := setup()
		if err != nil {
			return err
		}
		defer db.Close()
		ctx := context.Background()

		nt, err := database.CleanTransformLocking(ctx, db, lifetime)
		if err != nil {
			return err
		}
		np, err := database.CleanProcessingLocking(ctx, db, lifetime)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Reset %d transform locks, %d processing locks\n", nt, np)

		if !repoll {
			return nil
		}
		err = database.CleanTransformNextPollAt(ctx, db, []types.TransformStatus{
			types.TransformStatusNew,
			types.TransformStatusTransforming,
			types.TransformStatusToCancel,
		})
		if err != nil {
			return err
		}
		err = database.CleanProcessingNextPollAt(ctx, db, []types.ProcessingStatus{
			types.ProcessingStatusNew,
			types.ProcessingStatusSubmitting,
			types.ProcessingStatusSubmitted,
			types.ProcessingStatusRunning,
		})
		if err != nil {
			return err
		}
		fmt.Println("✓ Forced immediate re-poll of active rows")
		return nil
	},
}

func init() {
	cleanLocksCmd.Flags().Duration("lifetime", time.Hour, "Reset locks older than this")
	cleanLocksCmd.Flags().Bool("repoll", false, "Also force immediate re-polling of active rows")
}
