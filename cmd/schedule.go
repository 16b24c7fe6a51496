package main

import (
	"context"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/merchwire/brief-engine/internal/config"
	"github.com/merchwire/brief-engine/internal/export"
	"github.com/merchwire/brief-engine/internal/model"
	"github.com/merchwire/brief-engine/internal/monitoring"
	"github.com/merchwire/brief-engine/internal/store"
)

var scheduleExport string

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the daily compute on the configured cron schedule",
	Long:  "Blocks and computes today's leaderboard (in the schedule timezone) each time schedule.cron fires, then writes the daily export. Posts run health alerts when monitoring.webhook_url is set.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx, cfg, "compute")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		c, err := newScheduler(ctx, st, cfg, scheduleExport)
		if err != nil {
			return err
		}
		c.Start()
		if cfg.Monitoring.WebhookURL != "" {
			checker := monitoring.NewChecker(
				monitoring.NewCollector(st),
				monitoring.NewAlerter(cfg.Monitoring),
				cfg.Monitoring,
			)
			go checker.Run(ctx)
		}
		zap.L().Info("scheduler started",
			zap.String("cron", cfg.Schedule.Cron),
			zap.String("timezone", cfg.Schedule.Timezone),
		)

		<-ctx.Done()
		zap.L().Info("stopping scheduler")
		<-c.Stop().Done()
		return nil
	},
}

func init() {
	scheduleCmd.Flags().StringVar(&scheduleExport, "export", export.FormatCSV, "export format after each run (csv, xlsx, or none)")
	rootCmd.AddCommand(scheduleCmd)
}

// newScheduler builds a cron that runs scheduledRun in the schedule timezone.
// Overlapping triggers are skipped while a run is still going.
func newScheduler(ctx context.Context, st store.Store, c *config.Config, exportFormat string) (*cron.Cron, error) {
	loc, err := c.Schedule.Location()
	if err != nil {
		return nil, err
	}

	cr := cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	_, err = cr.AddFunc(c.Schedule.Cron, func() {
		date := model.DayIn(time.Now(), loc)
		if err := scheduledRun(ctx, st, c, date, exportFormat); err != nil {
			zap.L().Error("scheduled run failed",
				zap.String("date", model.FormatDay(date)),
				zap.Error(err),
			)
		}
	})
	if err != nil {
		return nil, eris.Wrapf(err, "schedule: parse cron %q", c.Schedule.Cron)
	}
	return cr, nil
}

// scheduledRun computes date and, unless exportFormat is "none", exports it.
func scheduledRun(ctx context.Context, st store.Store, c *config.Config, date time.Time, exportFormat string) error {
	if _, err := computeDay(ctx, st, c, date, io.Discard); err != nil {
		return err
	}
	if exportFormat == "" || exportFormat == "none" {
		return nil
	}
	_, err := export.Daily(ctx, st, date, c.Export.Dir, exportFormat)
	return err
}
