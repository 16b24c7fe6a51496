package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/merchwire/brief-engine/internal/config"
	"github.com/merchwire/brief-engine/internal/engine"
	"github.com/merchwire/brief-engine/internal/model"
	"github.com/merchwire/brief-engine/internal/store"
)

var (
	computeDate  string
	computeQuiet bool
)

var computeCmd = &cobra.Command{
	Use:   "compute",
	Short: "Compute and commit one date's leaderboard",
	Long:  "Recomputes scores, ranks and anomaly events for a date and replaces its committed leaderboard. Defaults to today in the schedule timezone.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		date, err := resolveDate(computeDate, cfg, time.Now())
		if err != nil {
			return err
		}

		st, err := openStore(ctx, cfg, "compute")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		var out io.Writer = os.Stdout
		if computeQuiet {
			out = io.Discard
		}
		_, err = computeDay(ctx, st, cfg, date, out)
		return err
	},
}

func init() {
	computeCmd.Flags().StringVar(&computeDate, "date", "", "date to compute (YYYY-MM-DD, default today)")
	computeCmd.Flags().BoolVar(&computeQuiet, "quiet", false, "do not print the result")
	rootCmd.AddCommand(computeCmd)
}

// computeDay runs the engine for date and writes the result as JSON to out.
func computeDay(ctx context.Context, st store.Store, c *config.Config, date time.Time, out io.Writer) (*engine.Result, error) {
	start := time.Now()
	res, err := engine.New(st, c).Run(ctx, date)
	if err != nil {
		zap.L().Error("compute failed",
			zap.String("date", model.FormatDay(date)),
			zap.Error(err),
		)
		return nil, err
	}

	zap.L().Info("compute complete",
		zap.String("date", model.FormatDay(date)),
		zap.String("run_id", res.RunID),
		zap.Int("brands", len(res.Entries)),
		zap.Int("events", len(res.Events)),
		zap.Int("rejected", len(res.Rejected)),
		zap.Duration("elapsed", time.Since(start)),
	)

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return res, enc.Encode(res)
}
