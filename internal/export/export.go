// Package export writes a date's leaderboard and anomaly events to files for
// downstream digests.
package export

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/merchwire/brief-engine/internal/model"
	"github.com/merchwire/brief-engine/internal/store"
)

// Supported formats.
const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
)

// maxRows bounds one export; leaderboards are far smaller.
const maxRows = 100000

// LeaderboardColumns are the leaderboard export columns in order.
var LeaderboardColumns = []string{"date", "rank", "brand_id", "brand", "score"}

// EventColumns are the event export columns in order.
var EventColumns = []string{"date", "brand_id", "entity_type", "entity_id", "kind", "magnitude"}

// Source reads committed outputs.
type Source interface {
	ListLeaderboard(ctx context.Context, date time.Time, limit int) ([]model.LeaderboardEntry, error)
	ListEvents(ctx context.Context, filter store.EventFilter) ([]model.AnomalyEvent, error)
}

// Daily exports date's committed leaderboard and events into dir and returns
// the paths written. CSV produces two files; XLSX one workbook with a sheet
// for each.
func Daily(ctx context.Context, src Source, date time.Time, dir, format string) ([]string, error) {
	day := model.Day(date)

	entries, err := src.ListLeaderboard(ctx, day, maxRows)
	if err != nil {
		return nil, eris.Wrap(err, "export: load leaderboard")
	}
	events, err := src.ListEvents(ctx, store.EventFilter{Date: day, Limit: maxRows})
	if err != nil {
		return nil, eris.Wrap(err, "export: load events")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "export: create dir %s", dir)
	}
	stem := filepath.Join(dir, "daily-"+model.FormatDay(day))

	var paths []string
	switch format {
	case FormatCSV:
		lb := stem + ".csv"
		if err := writeFile(lb, func(w io.Writer) error { return WriteLeaderboardCSV(w, entries) }); err != nil {
			return nil, err
		}
		ev := stem + "-events.csv"
		if err := writeFile(ev, func(w io.Writer) error { return WriteEventsCSV(w, events) }); err != nil {
			return nil, err
		}
		paths = []string{lb, ev}
	case FormatXLSX:
		path := stem + ".xlsx"
		if err := WriteXLSX(path, entries, events); err != nil {
			return nil, err
		}
		paths = []string{path}
	default:
		return nil, eris.Errorf("export: unsupported format %q", format)
	}

	zap.L().Info("export: wrote daily export",
		zap.String("date", model.FormatDay(day)),
		zap.String("format", format),
		zap.Int("entries", len(entries)),
		zap.Int("events", len(events)),
		zap.Strings("paths", paths),
	)
	return paths, nil
}

func writeFile(path string, fn func(w io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "export: create %s", path)
	}
	if err := fn(f); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return eris.Wrapf(f.Close(), "export: close %s", path)
}

// WriteLeaderboardCSV writes entries in rank order with a header row.
func WriteLeaderboardCSV(w io.Writer, entries []model.LeaderboardEntry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(LeaderboardColumns); err != nil {
		return eris.Wrap(err, "export: write leaderboard header")
	}
	for _, e := range entries {
		if err := cw.Write(leaderboardRow(e)); err != nil {
			return eris.Wrap(err, "export: write leaderboard row")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "export: flush leaderboard")
}

// WriteEventsCSV writes events with a header row.
func WriteEventsCSV(w io.Writer, events []model.AnomalyEvent) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(EventColumns); err != nil {
		return eris.Wrap(err, "export: write events header")
	}
	for _, e := range events {
		if err := cw.Write(eventRow(e)); err != nil {
			return eris.Wrap(err, "export: write event row")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "export: flush events")
}

func leaderboardRow(e model.LeaderboardEntry) []string {
	return []string{
		model.FormatDay(e.Date),
		strconv.Itoa(e.Rank),
		strconv.FormatInt(e.BrandID, 10),
		e.BrandName,
		FormatScore(e.Score),
	}
}

func eventRow(e model.AnomalyEvent) []string {
	return []string{
		model.FormatDay(e.Date),
		strconv.FormatInt(e.BrandID, 10),
		string(e.EntityType),
		strconv.FormatInt(e.EntityID, 10),
		string(e.Kind),
		FormatMagnitude(e.Magnitude),
	}
}

// FormatScore renders a score with two decimals.
func FormatScore(score float64) string {
	return decimal.NewFromFloat(score).StringFixed(2)
}

// FormatMagnitude renders an event magnitude with four decimals.
func FormatMagnitude(m float64) string {
	return decimal.NewFromFloat(m).StringFixed(4)
}

// WriteXLSX writes a workbook with "leaderboard" and "events" sheets.
func WriteXLSX(path string, entries []model.LeaderboardEntry, events []model.AnomalyEvent) error {
	f := xlsx.NewFile()

	lb, err := f.AddSheet("leaderboard")
	if err != nil {
		return eris.Wrap(err, "export: add leaderboard sheet")
	}
	addHeader(lb, LeaderboardColumns)
	for _, e := range entries {
		row := lb.AddRow()
		row.AddCell().SetString(model.FormatDay(e.Date))
		row.AddCell().SetInt(e.Rank)
		row.AddCell().SetInt64(e.BrandID)
		row.AddCell().SetString(e.BrandName)
		row.AddCell().SetFloat(decimal.NewFromFloat(e.Score).Round(2).InexactFloat64())
	}

	ev, err := f.AddSheet("events")
	if err != nil {
		return eris.Wrap(err, "export: add events sheet")
	}
	addHeader(ev, EventColumns)
	for _, e := range events {
		row := ev.AddRow()
		row.AddCell().SetString(model.FormatDay(e.Date))
		row.AddCell().SetInt64(e.BrandID)
		row.AddCell().SetString(string(e.EntityType))
		row.AddCell().SetInt64(e.EntityID)
		row.AddCell().SetString(string(e.Kind))
		row.AddCell().SetFloat(decimal.NewFromFloat(e.Magnitude).Round(4).InexactFloat64())
	}

	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "export: save %s", path)
	}
	return nil
}

func addHeader(sheet *xlsx.Sheet, cols []string) {
	row := sheet.AddRow()
	for _, c := range cols {
		row.AddCell().SetString(c)
	}
}
