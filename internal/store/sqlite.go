package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/merchwire/brief-engine/internal/model"
)

// timestampLayout sorts lexicographically in time order.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store using modernc.org/sqlite. Dates are stored as
// YYYY-MM-DD text and timestamps as fixed-width UTC text.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection keeps the pragmas in force and makes writers queue in
	// the pool instead of failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS brands (
	id             INTEGER PRIMARY KEY,
	name           TEXT NOT NULL,
	domain         TEXT NOT NULL DEFAULT '',
	category       TEXT NOT NULL DEFAULT '',
	social_page_id TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS products (
	id       INTEGER PRIMARY KEY,
	brand_id INTEGER NOT NULL REFERENCES brands(id),
	handle   TEXT NOT NULL DEFAULT '',
	title    TEXT NOT NULL DEFAULT '',
	url      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS variants (
	id         INTEGER PRIMARY KEY,
	product_id INTEGER NOT NULL REFERENCES products(id),
	sku        TEXT NOT NULL DEFAULT '',
	options    TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS prices (
	variant_id       INTEGER NOT NULL REFERENCES variants(id),
	obs_date         TEXT NOT NULL,
	price_cents      INTEGER NOT NULL,
	compare_at_cents INTEGER,
	currency         TEXT NOT NULL DEFAULT 'USD',
	available        INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (variant_id, obs_date)
);

CREATE TABLE IF NOT EXISTS ads_daily (
	brand_id    INTEGER NOT NULL REFERENCES brands(id),
	obs_date    TEXT NOT NULL,
	active_ads  INTEGER NOT NULL DEFAULT 0,
	new_ads_24h INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (brand_id, obs_date)
);

CREATE TABLE IF NOT EXISTS leaderboard_entries (
	board_date TEXT NOT NULL,
	brand_id   INTEGER NOT NULL REFERENCES brands(id),
	score      REAL NOT NULL,
	rank       INTEGER NOT NULL CHECK (rank >= 1),
	PRIMARY KEY (board_date, brand_id),
	UNIQUE (board_date, rank)
);

CREATE TABLE IF NOT EXISTS anomaly_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	event_date  TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id   INTEGER NOT NULL,
	brand_id    INTEGER NOT NULL REFERENCES brands(id),
	kind        TEXT NOT NULL,
	magnitude   REAL NOT NULL,
	UNIQUE (event_date, entity_type, entity_id, kind)
);

CREATE TABLE IF NOT EXISTS engine_runs (
	id          TEXT PRIMARY KEY,
	run_date    TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'pending',
	config_hash TEXT NOT NULL DEFAULT '',
	result      TEXT,
	started_at  TEXT NOT NULL,
	finished_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_products_brand_id ON products(brand_id);
CREATE INDEX IF NOT EXISTS idx_variants_product_id ON variants(product_id);
CREATE INDEX IF NOT EXISTS idx_prices_obs_date ON prices(obs_date);
CREATE INDEX IF NOT EXISTS idx_ads_daily_obs_date ON ads_daily(obs_date);
CREATE INDEX IF NOT EXISTS idx_anomaly_events_date_kind ON anomaly_events(event_date, kind);
CREATE INDEX IF NOT EXISTS idx_engine_runs_run_date ON engine_runs(run_date, started_at);
CREATE INDEX IF NOT EXISTS idx_engine_runs_status ON engine_runs(status);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) LoadDayFacts(ctx context.Context, date time.Time, lookbackDays int) (*model.DayFacts, error) {
	day := model.Day(date)
	dayStr := model.FormatDay(day)
	fromStr := model.FormatDay(day.AddDate(0, 0, -lookbackDays))
	facts := &model.DayFacts{Date: day}

	brands, err := s.db.QueryContext(ctx,
		`SELECT id, name, domain, category, social_page_id FROM brands ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query brands")
	}
	for brands.Next() {
		var b model.Brand
		if err := brands.Scan(&b.ID, &b.Name, &b.Domain, &b.Category, &b.SocialPageID); err != nil {
			brands.Close()
			return nil, eris.Wrap(err, "sqlite: scan brand")
		}
		facts.Brands = append(facts.Brands, b)
	}
	brands.Close()
	if err := brands.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate brands")
	}

	variants, err := s.db.QueryContext(ctx, `
		SELECT v.id, v.product_id, p.brand_id, v.sku, p.title,
		       (SELECT MIN(obs_date) FROM prices pr WHERE pr.variant_id = v.id AND pr.obs_date <= ?)
		FROM variants v
		JOIN products p ON p.id = v.product_id
		ORDER BY v.id`, dayStr)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query variants")
	}
	for variants.Next() {
		var v model.VariantRef
		var firstSeen sql.NullString
		if err := variants.Scan(&v.VariantID, &v.ProductID, &v.BrandID, &v.SKU, &v.Title, &firstSeen); err != nil {
			variants.Close()
			return nil, eris.Wrap(err, "sqlite: scan variant")
		}
		if firstSeen.Valid {
			if v.FirstSeen, err = model.ParseDay(firstSeen.String); err != nil {
				variants.Close()
				return nil, err
			}
		}
		facts.Variants = append(facts.Variants, v)
	}
	variants.Close()
	if err := variants.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate variants")
	}

	prices, err := s.db.QueryContext(ctx, `
		SELECT variant_id, obs_date, price_cents, compare_at_cents, currency, available
		FROM prices pr
		WHERE obs_date BETWEEN ? AND ?
		   OR obs_date = (SELECT MAX(e.obs_date) FROM prices e WHERE e.variant_id = pr.variant_id AND e.obs_date < ?)
		ORDER BY variant_id, obs_date`, fromStr, dayStr, fromStr)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query prices")
	}
	for prices.Next() {
		var p model.PriceObservation
		var obsDate string
		var compareAt sql.NullInt64
		if err := prices.Scan(&p.VariantID, &obsDate, &p.PriceCents, &compareAt, &p.Currency, &p.Available); err != nil {
			prices.Close()
			return nil, eris.Wrap(err, "sqlite: scan price")
		}
		if p.Date, err = model.ParseDay(obsDate); err != nil {
			prices.Close()
			return nil, err
		}
		if compareAt.Valid {
			v := compareAt.Int64
			p.CompareAtCents = &v
		}
		facts.Prices = append(facts.Prices, p)
	}
	prices.Close()
	if err := prices.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate prices")
	}

	ads, err := s.db.QueryContext(ctx, `
		SELECT brand_id, obs_date, active_ads, new_ads_24h
		FROM ads_daily ad
		WHERE obs_date BETWEEN ? AND ?
		   OR obs_date = (SELECT MAX(e.obs_date) FROM ads_daily e WHERE e.brand_id = ad.brand_id AND e.obs_date < ?)
		ORDER BY brand_id, obs_date`, fromStr, dayStr, fromStr)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query ads")
	}
	defer ads.Close()
	for ads.Next() {
		var a model.AdActivityObservation
		var obsDate string
		if err := ads.Scan(&a.BrandID, &obsDate, &a.ActiveAds, &a.NewAds24h); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan ad activity")
		}
		if a.Date, err = model.ParseDay(obsDate); err != nil {
			return nil, err
		}
		facts.Ads = append(facts.Ads, a)
	}
	if err := ads.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate ads")
	}

	return facts, nil
}

func (s *SQLiteStore) UpsertFacts(ctx context.Context, batch *model.FactBatch) error {
	if batch == nil || batch.Len() == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin facts tx")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, b := range batch.Brands {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO brands (id, name, domain, category, social_page_id) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET name = excluded.name, domain = excluded.domain,
				category = excluded.category, social_page_id = excluded.social_page_id`,
			b.ID, b.Name, b.Domain, b.Category, b.SocialPageID,
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert brand %d", b.ID)
		}
	}
	for _, p := range batch.Products {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO products (id, brand_id, handle, title, url) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET brand_id = excluded.brand_id, handle = excluded.handle,
				title = excluded.title, url = excluded.url`,
			p.ID, p.BrandID, p.Handle, p.Title, p.URL,
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert product %d", p.ID)
		}
	}
	for _, v := range batch.Variants {
		opts, err := marshalOptions(v.Options)
		if err != nil {
			return eris.Wrapf(err, "sqlite: marshal options for variant %d", v.ID)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO variants (id, product_id, sku, options) VALUES (?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET product_id = excluded.product_id, sku = excluded.sku,
				options = excluded.options`,
			v.ID, v.ProductID, v.SKU, opts,
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert variant %d", v.ID)
		}
	}
	for _, p := range batch.Prices {
		var compareAt sql.NullInt64
		if p.CompareAtCents != nil {
			compareAt = sql.NullInt64{Int64: *p.CompareAtCents, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO prices (variant_id, obs_date, price_cents, compare_at_cents, currency, available)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (variant_id, obs_date) DO UPDATE SET price_cents = excluded.price_cents,
				compare_at_cents = excluded.compare_at_cents, currency = excluded.currency,
				available = excluded.available`,
			p.VariantID, model.FormatDay(p.Date), p.PriceCents, compareAt, currencyOrDefault(p.Currency), p.Available,
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert price for variant %d", p.VariantID)
		}
	}
	for _, a := range batch.Ads {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ads_daily (brand_id, obs_date, active_ads, new_ads_24h) VALUES (?, ?, ?, ?)
			ON CONFLICT (brand_id, obs_date) DO UPDATE SET active_ads = excluded.active_ads,
				new_ads_24h = excluded.new_ads_24h`,
			a.BrandID, model.FormatDay(a.Date), a.ActiveAds, a.NewAds24h,
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert ads for brand %d", a.BrandID)
		}
	}

	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "sqlite: commit facts")
	}
	zap.L().Debug("sqlite: upserted facts", zap.Int("rows", batch.Len()))
	return nil
}

func (s *SQLiteStore) ReplaceLeaderboard(ctx context.Context, date time.Time, entries []model.LeaderboardEntry, events []model.AnomalyEvent) error {
	day := model.Day(date)
	dayStr := model.FormatDay(day)
	if err := checkBatchDates(day, entries, events); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sqliteWriteErr(day, "begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	// The first write takes the database write lock.
	if _, err := tx.ExecContext(ctx, `DELETE FROM leaderboard_entries WHERE board_date = ?`, dayStr); err != nil {
		return sqliteWriteErr(day, "delete entries", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM anomaly_events WHERE event_date = ?`, dayStr); err != nil {
		return sqliteWriteErr(day, "delete events", err)
	}

	entryStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO leaderboard_entries (board_date, brand_id, score, rank) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return sqliteWriteErr(day, "prepare entries", err)
	}
	defer entryStmt.Close()
	for _, e := range entries {
		if _, err := entryStmt.ExecContext(ctx, dayStr, e.BrandID, e.Score, e.Rank); err != nil {
			return sqliteWriteErr(day, "insert entry", err)
		}
	}

	eventStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO anomaly_events (event_date, entity_type, entity_id, brand_id, kind, magnitude)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return sqliteWriteErr(day, "prepare events", err)
	}
	defer eventStmt.Close()
	for _, e := range events {
		if _, err := eventStmt.ExecContext(ctx, dayStr, string(e.EntityType), e.EntityID, e.BrandID, string(e.Kind), e.Magnitude); err != nil {
			return sqliteWriteErr(day, "insert event", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return sqliteWriteErr(day, "commit", err)
	}

	zap.L().Info("sqlite: replaced leaderboard",
		zap.String("date", dayStr),
		zap.Int("entries", len(entries)),
		zap.Int("events", len(events)),
	)
	return nil
}

// sqliteWriteErr maps SQLITE_BUSY and SQLITE_LOCKED to a WriteConflictError.
func sqliteWriteErr(day time.Time, action string, err error) error {
	if isSQLiteBusy(err) {
		return newWriteConflict(day, action, err)
	}
	return eris.Wrapf(err, "sqlite: leaderboard %s for %s", action, model.FormatDay(day))
}

func isSQLiteBusy(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	return strings.Contains(err.Error(), "database is locked")
}

func (s *SQLiteStore) ListLeaderboard(ctx context.Context, date time.Time, limit int) ([]model.LeaderboardEntry, error) {
	day := model.Day(date)
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.brand_id, COALESCE(b.name, ''), l.score, l.rank
		FROM leaderboard_entries l
		LEFT JOIN brands b ON b.id = l.brand_id
		WHERE l.board_date = ?
		ORDER BY l.rank
		LIMIT ?`, model.FormatDay(day), listLimit(limit))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list leaderboard")
	}
	defer rows.Close()

	entries := []model.LeaderboardEntry{}
	for rows.Next() {
		e := model.LeaderboardEntry{Date: day}
		if err := rows.Scan(&e.BrandID, &e.BrandName, &e.Score, &e.Rank); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan leaderboard entry")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: iterate leaderboard")
}

func (s *SQLiteStore) ListEvents(ctx context.Context, filter EventFilter) ([]model.AnomalyEvent, error) {
	day := model.Day(filter.Date)
	query := `SELECT entity_type, entity_id, brand_id, kind, magnitude FROM anomaly_events WHERE event_date = ?`
	args := []any{model.FormatDay(day)}

	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	if filter.BrandID != 0 {
		query += ` AND brand_id = ?`
		args = append(args, filter.BrandID)
	}
	query += ` ORDER BY brand_id, entity_type, entity_id, kind LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list events")
	}
	defer rows.Close()

	events := []model.AnomalyEvent{}
	for rows.Next() {
		e := model.AnomalyEvent{Date: day}
		var entityType, kind string
		if err := rows.Scan(&entityType, &e.EntityID, &e.BrandID, &kind, &e.Magnitude); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan event")
		}
		e.EntityType = model.EntityType(entityType)
		e.Kind = model.EventKind(kind)
		events = append(events, e)
	}
	return events, eris.Wrap(rows.Err(), "sqlite: iterate events")
}

func (s *SQLiteStore) CreateRun(ctx context.Context, date time.Time, configHash string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	day := model.Day(date)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO engine_runs (id, run_date, status, config_hash, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, model.FormatDay(day), string(model.RunStatusPending), configHash, now.Format(timestampLayout),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.Run{
		ID:         id,
		Date:       day,
		Status:     model.RunStatusPending,
		ConfigHash: configHash,
		StartedAt:  now,
	}, nil
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE engine_runs SET status = ? WHERE id = ?`,
		string(status), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, result *model.RunResult) error {
	var resultJSON sql.NullString
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal run result")
		}
		resultJSON = sql.NullString{String: string(data), Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE engine_runs SET status = ?, result = ?, finished_at = ? WHERE id = ?`,
		string(status), resultJSON, time.Now().UTC().Format(timestampLayout), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM engine_runs WHERE id = ?`, runID)
	r, err := scanSQLiteRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM engine_runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Date != nil {
		query += ` AND run_date = ?`
		args = append(args, model.FormatDay(*filter.Date))
	}
	query += ` ORDER BY started_at DESC, id LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	runs := []model.Run{}
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: %s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteRun(row scannable) (*model.Run, error) {
	var r model.Run
	var runDate, status, startedAt string
	var resultJSON, finishedAt sql.NullString

	if err := row.Scan(&r.ID, &runDate, &status, &r.ConfigHash, &resultJSON, &startedAt, &finishedAt); err != nil {
		return nil, err
	}

	var err error
	if r.Date, err = model.ParseDay(runDate); err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	if r.StartedAt, err = time.Parse(timestampLayout, startedAt); err != nil {
		return nil, eris.Wrap(err, "sqlite: parse started_at")
	}
	if finishedAt.Valid {
		t, err := time.Parse(timestampLayout, finishedAt.String)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: parse finished_at")
		}
		r.FinishedAt = &t
	}
	if resultJSON.Valid {
		r.Result = &model.RunResult{}
		if err := json.Unmarshal([]byte(resultJSON.String), r.Result); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal run result")
		}
	}
	return &r, nil
}
