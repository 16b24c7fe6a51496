package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/merchwire/brief-engine/internal/export"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a date's leaderboard and events to CSV or XLSX",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		raw, _ := cmd.Flags().GetString("date")
		format, _ := cmd.Flags().GetString("format")
		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			dir = cfg.Export.Dir
		}
		if format != export.FormatCSV && format != export.FormatXLSX {
			return eris.Errorf("export: --format must be %s or %s", export.FormatCSV, export.FormatXLSX)
		}

		date, err := resolveDate(raw, cfg, time.Now())
		if err != nil {
			return err
		}

		st, err := openStore(ctx, cfg, "read")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		paths, err := export.Daily(ctx, st, date, dir, format)
		if err != nil {
			return err
		}
		for _, p := range paths {
			fmt.Fprintln(os.Stdout, p)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().String("date", "", "export date (YYYY-MM-DD, default today)")
	exportCmd.Flags().String("format", export.FormatCSV, "output format (csv, xlsx)")
	exportCmd.Flags().String("dir", "", "output directory (default from config)")
	rootCmd.AddCommand(exportCmd)
}
