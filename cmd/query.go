package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/merchwire/brief-engine/internal/export"
	"github.com/merchwire/brief-engine/internal/model"
	"github.com/merchwire/brief-engine/internal/signal"
	"github.com/merchwire/brief-engine/internal/store"
)

// maxMoverScan bounds the price-mover events read when ranking top movers.
const maxMoverScan = 10000

// -- leaderboard --

var leaderboardCmd = &cobra.Command{
	Use:   "leaderboard",
	Short: "Show a date's committed leaderboard",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		raw, _ := cmd.Flags().GetString("date")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		date, err := resolveDate(raw, cfg, time.Now())
		if err != nil {
			return err
		}

		st, err := openStore(ctx, cfg, "read")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		entries, err := st.ListLeaderboard(ctx, date, limit)
		if err != nil {
			return eris.Wrap(err, "leaderboard")
		}

		if asJSON {
			return writeJSON(os.Stdout, entries)
		}
		if len(entries) == 0 {
			fmt.Fprintf(os.Stderr, "No leaderboard committed for %s.\n", model.FormatDay(date))
			return nil
		}
		formatLeaderboard(os.Stdout, entries)
		return nil
	},
}

// -- events --

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show a date's anomaly events",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		raw, _ := cmd.Flags().GetString("date")
		kind, _ := cmd.Flags().GetString("kind")
		brandID, _ := cmd.Flags().GetInt64("brand")
		limit, _ := cmd.Flags().GetInt("limit")
		movers, _ := cmd.Flags().GetInt("top-movers")
		asJSON, _ := cmd.Flags().GetBool("json")

		date, err := resolveDate(raw, cfg, time.Now())
		if err != nil {
			return err
		}

		st, err := openStore(ctx, cfg, "read")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		filter := store.EventFilter{
			Date:    date,
			Kind:    model.EventKind(kind),
			BrandID: brandID,
			Limit:   limit,
		}
		if movers > 0 {
			filter.Kind = model.EventPriceMover
			filter.Limit = maxMoverScan
		}

		events, err := st.ListEvents(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "events")
		}
		if movers > 0 {
			events = signal.TopMovers(events, movers)
		}

		if asJSON {
			return writeJSON(os.Stdout, events)
		}
		if len(events) == 0 {
			fmt.Fprintf(os.Stderr, "No events for %s.\n", model.FormatDay(date))
			return nil
		}
		formatEvents(os.Stdout, events)
		return nil
	},
}

func init() {
	leaderboardCmd.Flags().String("date", "", "leaderboard date (YYYY-MM-DD, default today)")
	leaderboardCmd.Flags().Int("limit", 10, "max rows to show")
	leaderboardCmd.Flags().Bool("json", false, "print JSON instead of a table")

	eventsCmd.Flags().String("date", "", "event date (YYYY-MM-DD, default today)")
	eventsCmd.Flags().String("kind", "", "filter by kind (discount-spike, price-mover, ad-surge, back-in-stock, out-of-stock)")
	eventsCmd.Flags().Int64("brand", 0, "filter by brand ID")
	eventsCmd.Flags().Int("limit", 100, "max rows to show")
	eventsCmd.Flags().Int("top-movers", 0, "show only the N largest price movers")
	eventsCmd.Flags().Bool("json", false, "print JSON instead of a table")

	rootCmd.AddCommand(leaderboardCmd)
	rootCmd.AddCommand(eventsCmd)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// formatLeaderboard writes a ranked table to out.
func formatLeaderboard(out io.Writer, entries []model.LeaderboardEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RANK\tBRAND_ID\tBRAND\tSCORE")
	_, _ = fmt.Fprintln(w, "----\t--------\t-----\t-----")
	for _, e := range entries {
		name := e.BrandName
		if len(name) > 30 {
			name = name[:27] + "..."
		}
		_, _ = fmt.Fprintf(w, "%d\t%d\t%s\t%s\n", e.Rank, e.BrandID, name, export.FormatScore(e.Score))
	}
	_ = w.Flush()
}

// formatEvents writes an event table to out.
func formatEvents(out io.Writer, events []model.AnomalyEvent) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "KIND\tBRAND_ID\tENTITY\tMAGNITUDE")
	_, _ = fmt.Fprintln(w, "----\t--------\t------\t---------")
	for _, e := range events {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s %d\t%s\n",
			e.Kind, e.BrandID, e.EntityType, e.EntityID, export.FormatMagnitude(e.Magnitude))
	}
	_ = w.Flush()
}
