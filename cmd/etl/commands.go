package main

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"sragetl/pkg/contracts/domain"
)

func newRunCmd(configPath *string) *cobra.Command {
	var (
		year     int
		allYears bool
		force    bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run (or resume) the pipeline for a year",
		Long: "Runs the full pipeline for one year: fetch, map, validate, score, compute. " +
			"A previously failed year resumes at the stage it failed; a complete year is a no-op unless --force.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if allYears == (year != 0) {
				return fmt.Errorf("exactly one of --year or --all-years is required")
			}

			a, err := bootstrap(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			if allYears {
				if err := a.manager.RunYears(ctx, a.table.SupportedYears(), force); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "All years complete.")
				return nil
			}

			snapshot, err := a.manager.Run(ctx, year, force)
			if err != nil {
				return err
			}
			printSnapshot(cmd, snapshot)
			return nil
		},
	}
	cmd.Flags().IntVar(&year, "year", 0, "dataset year to process")
	cmd.Flags().BoolVar(&allYears, "all-years", false, "process every supported year")
	cmd.Flags().BoolVar(&force, "force", false, "reprocess from scratch even if the year is complete")
	return cmd
}

func newValidateCmd(configPath *string) *cobra.Command {
	var year int

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a year's extract without loading it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			summary, err := a.manager.ValidateOnly(cmd.Context(), year)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Year %d: %d rows, %d accepted, %d rejected\n",
				summary.Year, summary.TotalRows, summary.AcceptedRows, summary.RejectedRows)
			if len(summary.DefectCounts) > 0 {
				codes := make([]string, 0, len(summary.DefectCounts))
				for code := range summary.DefectCounts {
					codes = append(codes, string(code))
				}
				sort.Strings(codes)
				fmt.Fprintln(out, "Defects:")
				for _, code := range codes {
					fmt.Fprintf(out, "  %-22s %d\n", code, summary.DefectCounts[domain.DefectCode(code)])
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&year, "year", 0, "dataset year to validate")
	cmd.MarkFlagRequired("year")
	return cmd
}

func newStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pipeline run state for every requested year",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			runs, err := a.manager.Status(cmd.Context())
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No pipeline runs recorded.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "YEAR\tSTATUS\tSTAGE\tATTEMPTS\tUPDATED\tLAST ERROR")
			for _, run := range runs {
				lastErr := ""
				if run.LastError != nil {
					lastErr = *run.LastError
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\n",
					run.Year, run.Status, run.Stage, run.Attempts,
					run.UpdatedAt.Format("2006-01-02 15:04:05"), lastErr)
			}
			return w.Flush()
		},
	}
}

func newStatsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			stats, err := a.store.Stats(cmd.Context(), a.cfg.Paths.DatabaseFile)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "YEAR\tRECORDS\tFIRST NOTIF\tLAST NOTIF\tQUALITY\tRUN")
			for _, ys := range stats.Years {
				quality := "-"
				if ys.Quality != nil {
					quality = fmt.Sprintf("%.4f", *ys.Quality)
				}
				fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\n",
					ys.Year, ys.Records, formatDate(ys.MinNotifDate), formatDate(ys.MaxNotifDate),
					quality, ys.RunStatus)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "\nTotal records: %d\nDatabase size: %.1f MiB\n",
				stats.TotalRecords, float64(stats.SizeBytes)/(1024*1024))
			return nil
		},
	}
}

func printSnapshot(cmd *cobra.Command, snapshot *domain.MetricSnapshot) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Year %d complete: %d records, quality %.4f\n",
		snapshot.Year, snapshot.RecordCount, snapshot.QualityScore)

	names := []string{
		domain.IndicatorCaseFatalityRate,
		domain.IndicatorICUAdmissionRate,
		domain.IndicatorVentilationRate,
		domain.IndicatorMeanLengthOfStay,
		domain.IndicatorVaccinationCoverage,
	}
	for _, name := range names {
		if v := snapshot.Indicator(name); v != nil {
			fmt.Fprintf(out, "  %-26s %.4f\n", name, *v)
		} else {
			fmt.Fprintf(out, "  %-26s n/a\n", name)
		}
	}
}

func formatDate(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format("2006-01-02")
}
