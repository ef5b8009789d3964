// Command etl drives the SRAG surveillance pipeline: it fetches yearly
// extracts, validates and loads them, and reports on the resulting datasets.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"sragetl/internal/config"
	"sragetl/internal/errors"
	"sragetl/internal/exporter"
	"sragetl/internal/fetch"
	"sragetl/internal/infrastructure"
	"sragetl/internal/pipeline"
	"sragetl/internal/schema"
	"sragetl/internal/store"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCmd()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	return 0
}

// exitCode maps failure categories to distinct process exit codes so shell
// callers can branch on the cause.
func exitCode(err error) int {
	switch errors.TypeOf(err) {
	case errors.ErrTypeSourceUnavailable:
		return 2
	case errors.ErrTypeUnmappableSchema:
		return 3
	case errors.ErrTypeQualityGate:
		return 4
	default:
		return 1
	}
}

// app bundles the wired collaborators a command needs.
type app struct {
	cfg     *config.Config
	store   *store.Store
	table   *schema.Table
	manager *pipeline.Manager
}

func (a *app) close() {
	if a.store != nil {
		a.store.Close()
	}
	infrastructure.CloseLogger()
}

// bootstrap loads configuration, initializes logging and opens the
// repository. Every leaf command starts here.
func bootstrap(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if _, err := infrastructure.InitializeLogger(cfg.Logging); err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Paths.DatabaseFile)
	if err != nil {
		infrastructure.CloseLogger()
		return nil, err
	}

	table, err := schema.LoadTable()
	if err != nil {
		st.Close()
		infrastructure.CloseLogger()
		return nil, err
	}

	fetcher := fetch.New(cfg.Sources, cfg.Paths.CacheDir)
	return &app{
		cfg:     cfg,
		store:   st,
		table:   table,
		manager: pipeline.NewManager(st, fetcher, table, cfg.Pipeline),
	}, nil
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "etl",
		Short:         "SRAG surveillance data pipeline",
		Long:          "Fetches yearly SRAG hospitalization extracts, validates and loads them, and computes epidemiological indicators.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")

	rootCmd.AddCommand(
		newRunCmd(&configPath),
		newValidateCmd(&configPath),
		newStatusCmd(&configPath),
		newExportCmd(&configPath),
		newStatsCmd(&configPath),
	)
	return rootCmd
}

func newExportCmd(configPath *string) *cobra.Command {
	var year int

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a year's indicators and quality report to CSV and XLSX",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			snapshot, err := a.store.LatestMetricSnapshot(ctx, year)
			if err != nil {
				return err
			}
			if snapshot == nil {
				return errors.NewNotFoundError(fmt.Sprintf("metric snapshot for year %d", year))
			}
			report, err := a.store.LatestQualityReport(ctx, year)
			if err != nil {
				return err
			}

			exp := exporter.New(a.cfg.Paths.ExportDir)
			csvPath, err := exp.ExportCSV(snapshot, report)
			if err != nil {
				return err
			}
			xlsxPath, err := exp.ExportWorkbook(snapshot, report)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Exported:\n  %s\n  %s\n", csvPath, xlsxPath)
			return nil
		},
	}
	cmd.Flags().IntVar(&year, "year", 0, "dataset year to export")
	cmd.MarkFlagRequired("year")
	return cmd
}
