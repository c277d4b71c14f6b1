package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/listings-cli/internal/verify"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Re-check stored listings against Companies House",
	Long:  "Looks up stored listings that were never verified, or were last verified longer ago than --max-age, and records the best registry match for each.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("verify"); err != nil {
			return err
		}

		maxAge, _ := cmd.Flags().GetDuration("max-age")
		if maxAge <= 0 {
			maxAge = time.Duration(cfg.Verify.MaxAgeDays) * 24 * time.Hour
		}
		limit, _ := cmd.Flags().GetInt("limit")
		if limit <= 0 {
			limit = cfg.Verify.BatchSize
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		v := newVerifier(cfg)
		res, err := v.Sweep(ctx, st, maxAge, limit)
		printSweep(res)
		return err
	},
}

func init() {
	verifyCmd.Flags().Duration("max-age", 0, "re-check listings verified longer ago than this (default verify.max_age_days)")
	verifyCmd.Flags().Int("limit", 0, "max listings to check (default verify.batch_size)")
	rootCmd.AddCommand(verifyCmd)
}

func printSweep(res verify.SweepResult) {
	fmt.Fprintf(os.Stderr, "Checked %d listings: %d matched, %d failed\n", res.Checked, res.Matched, res.Failed)
}
