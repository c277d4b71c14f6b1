package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/listings-cli/internal/export"
	"github.com/sells-group/listings-cli/internal/model"
	"github.com/sells-group/listings-cli/internal/report"
	"github.com/sells-group/listings-cli/internal/store"
)

var listingsCmd = &cobra.Command{
	Use:   "listings",
	Short: "Query, export and summarise stored listings",
}

// -- listings list --

var listingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored listings by quality",
	RunE: func(cmd *cobra.Command, _ []string) error {
		records, err := loadListings(cmd)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Fprintln(os.Stderr, "No listings found.")
			return nil
		}
		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(records)
		}
		formatListings(os.Stdout, records)
		return nil
	},
}

// -- listings export --

var listingsExportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Export stored listings to CSV, JSON or XLSX",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		f, err := exportFormat(format)
		if err != nil {
			return err
		}
		records, err := loadListings(cmd)
		if err != nil {
			return err
		}
		if err := export.WriteFile(args[0], f, records); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Exported %d listings to %s\n", len(records), args[0])
		return nil
	},
}

// -- listings report --

var listingsReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Summarise contact completeness and coverage of stored listings",
	RunE: func(cmd *cobra.Command, _ []string) error {
		records, err := loadListings(cmd)
		if err != nil {
			return err
		}
		r := report.Build(records, time.Now())
		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(r)
		}
		return report.Render(os.Stdout, r)
	},
}

func init() {
	pf := listingsCmd.PersistentFlags()
	pf.String("industry", "", "filter by industry (the run query)")
	pf.String("location", "", "filter by location")
	pf.Int("limit", 0, "max listings (0 for all)")
	pf.Int("offset", 0, "listings to skip")

	listingsListCmd.Flags().Bool("json", false, "print JSON instead of a table")
	listingsReportCmd.Flags().Bool("json", false, "print JSON instead of text")
	listingsExportCmd.Flags().String("format", "", "csv, json or xlsx (default from file extension)")

	listingsCmd.AddCommand(listingsListCmd)
	listingsCmd.AddCommand(listingsExportCmd)
	listingsCmd.AddCommand(listingsReportCmd)
	rootCmd.AddCommand(listingsCmd)
}

func loadListings(cmd *cobra.Command) ([]model.MergedRecord, error) {
	ctx := cmd.Context()
	if err := cfg.Validate("store"); err != nil {
		return nil, err
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	defer st.Close() //nolint:errcheck

	industry, _ := cmd.Flags().GetString("industry")
	location, _ := cmd.Flags().GetString("location")
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")

	records, err := st.ListListings(ctx, store.ListingFilter{
		Industry: industry,
		Location: location,
		Limit:    limit,
		Offset:   offset,
	})
	return records, eris.Wrap(err, "list listings")
}

// exportFormat parses an optional format flag; empty means infer from the
// file name.
func exportFormat(s string) (export.Format, error) {
	if s == "" {
		return "", nil
	}
	return export.ParseFormat(s)
}

// formatListings writes a tabular list of listings to w.
func formatListings(out io.Writer, records []model.MergedRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tPOSTCODE\tPHONE\tWEBSITE\tQUALITY\tCOMPANY")
	for _, r := range records {
		company := "-"
		if r.Registry != nil {
			company = r.Registry.Number
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID,
			truncate(r.Name, 40),
			dash(r.Postcode),
			dash(r.Phone),
			dash(truncate(r.Website, 40)),
			strconv.FormatFloat(float64(r.Quality), 'f', 2, 64),
			company,
		)
	}
	_ = w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
