package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/merchwire/brief-engine/internal/config"
	"github.com/merchwire/brief-engine/internal/model"
	"github.com/merchwire/brief-engine/internal/store"
)

// openStore validates c for mode, connects, and applies pending migrations.
func openStore(ctx context.Context, c *config.Config, mode string) (store.Store, error) {
	if err := c.Validate(mode); err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, c.Store)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// resolveDate parses a --date flag. Empty means today in the schedule
// timezone.
func resolveDate(raw string, c *config.Config, now time.Time) (time.Time, error) {
	if raw != "" {
		return model.ParseDay(raw)
	}
	loc, err := c.Schedule.Location()
	if err != nil {
		return time.Time{}, err
	}
	return model.DayIn(now, loc), nil
}
