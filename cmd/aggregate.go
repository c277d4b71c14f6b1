package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/listings-cli/internal/aggregate"
	"github.com/sells-group/listings-cli/internal/export"
	"github.com/sells-group/listings-cli/internal/model"
	"github.com/sells-group/listings-cli/internal/store"
)

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Run every acquisition strategy for a query and store the merged listings",
	Example: `  listings-cli aggregate --query dentist --location "Manchester, UK"
  listings-cli aggregate -q cafe -l Leeds -l York --strategies broad_radius,keyword_variant -o cafes.xlsx`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("aggregate"); err != nil {
			return err
		}

		query, _ := cmd.Flags().GetString("query")
		locations, _ := cmd.Flags().GetStringSlice("location")
		strategies, _ := cmd.Flags().GetStringSlice("strategies")
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		output, _ := cmd.Flags().GetString("output")
		format, _ := cmd.Flags().GetString("format")
		noSave, _ := cmd.Flags().GetBool("no-save")
		noVerify, _ := cmd.Flags().GetBool("no-verify")

		fmtOut, err := exportFormat(format)
		if err != nil {
			return err
		}

		engine, err := newEngine(cfg)
		if err != nil {
			return err
		}
		r := &runner{engine: engine, strategies: cfg.Aggregate.Strategies}
		if !noVerify {
			r.verifier = newVerifier(cfg)
		}
		if !noSave {
			st, err := initStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck
			r.store = st
		}

		run, err := r.start(ctx, aggregate.Request{
			Query:       query,
			Locations:   locations,
			Strategies:  strategies,
			Concurrency: concurrency,
			Timeout:     timeout,
		})
		if err != nil {
			return err
		}
		zap.L().Info("run started", zap.String("run_id", run.ID()), zap.String("query", query))
		res := run.Wait()

		// Partial results are kept even when the run was interrupted.
		persistCtx := context.WithoutCancel(ctx)

		var saved []store.SaveResult
		if r.store != nil {
			if saved, err = r.finish(persistCtx, res); err != nil {
				return err
			}
		} else if r.verifier != nil {
			if _, err := r.verifier.Enrich(persistCtx, res.Records); err != nil {
				zap.L().Warn("registry enrichment stopped", zap.Error(err))
			}
		}

		formatSummary(os.Stderr, res.Summary, saved)

		if output != "" {
			if err := export.WriteFile(output, fmtOut, res.Records); err != nil {
				return err
			}
			zap.L().Info("listings exported", zap.String("path", output), zap.Int("records", len(res.Records)))
		}

		if res.Summary.Failed() {
			return eris.Errorf("aggregate: run %s failed: every strategy failed without records", res.Summary.RunID)
		}
		return nil
	},
}

func init() {
	f := aggregateCmd.Flags()
	f.StringP("query", "q", "", "industry or business query, e.g. dentist")
	f.StringSliceP("location", "l", nil, "location to search (repeatable)")
	f.StringSlice("strategies", nil, "strategies to run (default from config)")
	f.Int("concurrency", 0, "strategies run at once (default from config)")
	f.Duration("timeout", 0, "overall run timeout (default from config)")
	f.StringP("output", "o", "", "export merged listings to this file")
	f.String("format", "", "export format: csv, json or xlsx (default from file extension)")
	f.Bool("no-save", false, "do not persist listings or the run summary")
	f.Bool("no-verify", false, "skip Companies House enrichment")
	_ = aggregateCmd.MarkFlagRequired("query")
	_ = aggregateCmd.MarkFlagRequired("location")
	rootCmd.AddCommand(aggregateCmd)
}

// formatSummary writes a human-readable run summary to w.
func formatSummary(out io.Writer, s model.RunSummary, saved []store.SaveResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Run:\t%s\n", s.RunID)
	_, _ = fmt.Fprintf(w, "Query:\t%s in %s\n", s.Query, strings.Join(s.Locations, "; "))
	_, _ = fmt.Fprintf(w, "Duration:\t%s\n", s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))

	names := make([]string, 0, len(s.Strategies))
	for name := range s.Strategies {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		_, _ = fmt.Fprintf(w, "  %s:\t%s\t%d raw\n", name, s.Strategies[name], s.RawCounts[name])
	}

	_, _ = fmt.Fprintf(w, "Raw:\t%d\n", s.TotalRaw())
	_, _ = fmt.Fprintf(w, "Invalid:\t%d\n", s.Invalid)
	_, _ = fmt.Fprintf(w, "Duplicates collapsed:\t%d\n", s.DuplicatesCollapsed)
	_, _ = fmt.Fprintf(w, "Merged:\t%d\n", s.Merged)
	for _, e := range s.Errors {
		_, _ = fmt.Fprintf(w, "Error:\t%s: %s\n", e.Strategy, e.Reason)
	}
	if saved != nil {
		t := store.Tally(saved)
		_, _ = fmt.Fprintf(w, "Saved:\t%d inserted, %d updated, %d unchanged, %d conflicts\n",
			t[store.OutcomeInserted], t[store.OutcomeUpdated], t[store.OutcomeSkipped], t[store.OutcomeConflict])
	}
	_ = w.Flush()
}
