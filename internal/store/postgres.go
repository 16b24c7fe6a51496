package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/merchwire/brief-engine/internal/db"
	"github.com/merchwire/brief-engine/internal/model"
	"github.com/merchwire/brief-engine/internal/resilience"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const (
	// migrationLockKey serializes concurrent `brief migrate` runs.
	migrationLockKey int64 = 20260301
	// leaderboardLockNS is the advisory-lock namespace for per-date writes;
	// the second key is the day number since the Unix epoch.
	leaderboardLockNS int32 = 4242
)

var (
	leaderboardColumns = []string{"board_date", "brand_id", "score", "rank"}
	eventColumns       = []string{"event_date", "entity_type", "entity_id", "brand_id", "kind", "magnitude"}
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Migrate applies pending embedded migrations in lexicographic order under a
// session advisory lock.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "store.migrate"))

	if _, err := s.pool.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockKey); err != nil {
		return eris.Wrap(err, "postgres: acquire migration advisory lock")
	}
	defer func() {
		if _, err := s.pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockKey); err != nil {
			log.Warn("postgres: failed to release migration advisory lock", zap.Error(err))
		}
	}()

	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename   TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return eris.Wrap(err, "postgres: ensure migration table")
	}

	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return eris.Wrap(err, "postgres: read migration dir")
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	applied, err := s.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		name := entry.Name()
		if applied[name] {
			continue
		}

		data, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return eris.Wrapf(err, "postgres: read migration %s", name)
		}

		log.Info("applying migration", zap.String("file", name))
		if _, err := s.pool.Exec(ctx, string(data)); err != nil {
			return eris.Wrapf(err, "postgres: apply migration %s", name)
		}
		if _, err := s.pool.Exec(ctx,
			"INSERT INTO schema_migrations (filename, applied_at) VALUES ($1, now())", name,
		); err != nil {
			return eris.Wrapf(err, "postgres: record migration %s", name)
		}
	}
	return nil
}

func (s *PostgresStore) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, "SELECT filename FROM schema_migrations")
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "postgres: scan migration row")
		}
		applied[name] = true
	}
	return applied, eris.Wrap(rows.Err(), "postgres: iterate migrations")
}

// LoadDayFacts reads the catalog plus price and ad observations from
// date-lookbackDays through date inclusive. The newest observation before the
// window is also read per variant and brand, so a long gap still resolves a
// previous value.
func (s *PostgresStore) LoadDayFacts(ctx context.Context, date time.Time, lookbackDays int) (*model.DayFacts, error) {
	day := model.Day(date)
	from := day.AddDate(0, 0, -lookbackDays)
	facts := &model.DayFacts{Date: day}

	brands, err := s.pool.Query(ctx,
		`SELECT id, name, domain, category, social_page_id FROM brands ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query brands")
	}
	for brands.Next() {
		var b model.Brand
		if err := brands.Scan(&b.ID, &b.Name, &b.Domain, &b.Category, &b.SocialPageID); err != nil {
			brands.Close()
			return nil, eris.Wrap(err, "postgres: scan brand")
		}
		facts.Brands = append(facts.Brands, b)
	}
	brands.Close()
	if err := brands.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate brands")
	}

	variants, err := s.pool.Query(ctx, `
		SELECT v.id, v.product_id, p.brand_id, v.sku, p.title, fs.first_seen
		FROM variants v
		JOIN products p ON p.id = v.product_id
		LEFT JOIN (
			SELECT variant_id, MIN(obs_date) AS first_seen
			FROM prices WHERE obs_date <= $1
			GROUP BY variant_id
		) fs ON fs.variant_id = v.id
		ORDER BY v.id`, day)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query variants")
	}
	for variants.Next() {
		var v model.VariantRef
		var firstSeen *time.Time
		if err := variants.Scan(&v.VariantID, &v.ProductID, &v.BrandID, &v.SKU, &v.Title, &firstSeen); err != nil {
			variants.Close()
			return nil, eris.Wrap(err, "postgres: scan variant")
		}
		if firstSeen != nil {
			v.FirstSeen = model.Day(*firstSeen)
		}
		facts.Variants = append(facts.Variants, v)
	}
	variants.Close()
	if err := variants.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate variants")
	}

	prices, err := s.pool.Query(ctx, `
		SELECT variant_id, obs_date, price_cents, compare_at_cents, currency, available
		FROM (
			SELECT variant_id, obs_date, price_cents, compare_at_cents, currency, available
			FROM prices
			WHERE obs_date BETWEEN $1 AND $2
			UNION ALL
			(SELECT DISTINCT ON (variant_id) variant_id, obs_date, price_cents, compare_at_cents, currency, available
			FROM prices
			WHERE obs_date < $1
			ORDER BY variant_id, obs_date DESC)
		) w
		ORDER BY variant_id, obs_date`, from, day)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query prices")
	}
	for prices.Next() {
		var p model.PriceObservation
		if err := prices.Scan(&p.VariantID, &p.Date, &p.PriceCents, &p.CompareAtCents, &p.Currency, &p.Available); err != nil {
			prices.Close()
			return nil, eris.Wrap(err, "postgres: scan price")
		}
		p.Date = model.Day(p.Date)
		facts.Prices = append(facts.Prices, p)
	}
	prices.Close()
	if err := prices.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate prices")
	}

	ads, err := s.pool.Query(ctx, `
		SELECT brand_id, obs_date, active_ads, new_ads_24h
		FROM (
			SELECT brand_id, obs_date, active_ads, new_ads_24h
			FROM ads_daily
			WHERE obs_date BETWEEN $1 AND $2
			UNION ALL
			(SELECT DISTINCT ON (brand_id) brand_id, obs_date, active_ads, new_ads_24h
			FROM ads_daily
			WHERE obs_date < $1
			ORDER BY brand_id, obs_date DESC)
		) w
		ORDER BY brand_id, obs_date`, from, day)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query ads")
	}
	defer ads.Close()
	for ads.Next() {
		var a model.AdActivityObservation
		if err := ads.Scan(&a.BrandID, &a.Date, &a.ActiveAds, &a.NewAds24h); err != nil {
			return nil, eris.Wrap(err, "postgres: scan ad activity")
		}
		a.Date = model.Day(a.Date)
		facts.Ads = append(facts.Ads, a)
	}
	if err := ads.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate ads")
	}

	return facts, nil
}

// UpsertFacts loads a batch in foreign-key order inside one transaction.
func (s *PostgresStore) UpsertFacts(ctx context.Context, batch *model.FactBatch) error {
	if batch == nil || batch.Len() == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin facts tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	type load struct {
		cfg  db.UpsertConfig
		rows [][]any
	}
	loads := []load{
		{db.UpsertConfig{Table: "brands", Columns: []string{"id", "name", "domain", "category", "social_page_id"}, Keys: []string{"id"}}, brandRows(batch.Brands)},
		{db.UpsertConfig{Table: "products", Columns: []string{"id", "brand_id", "handle", "title", "url"}, Keys: []string{"id"}}, productRows(batch.Products)},
		{db.UpsertConfig{Table: "variants", Columns: []string{"id", "product_id", "sku", "options"}, Keys: []string{"id"}}, nil},
		{db.UpsertConfig{Table: "prices", Columns: []string{"variant_id", "obs_date", "price_cents", "compare_at_cents", "currency", "available"}, Keys: []string{"variant_id", "obs_date"}}, priceRows(batch.Prices)},
		{db.UpsertConfig{Table: "ads_daily", Columns: []string{"brand_id", "obs_date", "active_ads", "new_ads_24h"}, Keys: []string{"brand_id", "obs_date"}}, adRows(batch.Ads)},
	}
	loads[2].rows, err = variantRows(batch.Variants)
	if err != nil {
		return err
	}

	var total int64
	for _, l := range loads {
		n, err := db.BulkUpsert(ctx, tx, l.cfg, l.rows)
		if err != nil {
			return eris.Wrapf(err, "postgres: upsert %s", l.cfg.Table)
		}
		total += n
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: commit facts")
	}

	zap.L().Info("postgres: upserted facts", zap.Int("rows", batch.Len()), zap.Int64("affected", total))
	return nil
}

// ReplaceLeaderboard deletes the date's entries and events and copies in the
// new set under a transaction-scoped advisory lock keyed by date.
func (s *PostgresStore) ReplaceLeaderboard(ctx context.Context, date time.Time, entries []model.LeaderboardEntry, events []model.AnomalyEvent) error {
	day := model.Day(date)
	if err := checkBatchDates(day, entries, events); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return pgWriteErr(day, "begin", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var locked bool
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1, $2)`, leaderboardLockNS, dayKey(day)).Scan(&locked); err != nil {
		return pgWriteErr(day, "acquire date lock", err)
	}
	if !locked {
		return newWriteConflict(day, "date lock held by another writer", nil)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM leaderboard_entries WHERE board_date = $1`, day); err != nil {
		return pgWriteErr(day, "delete entries", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM anomaly_events WHERE event_date = $1`, day); err != nil {
		return pgWriteErr(day, "delete events", err)
	}

	entryRows := make([][]any, len(entries))
	for i, e := range entries {
		entryRows[i] = []any{day, e.BrandID, e.Score, int32(e.Rank)}
	}
	if _, err := db.CopyFrom(ctx, tx, "leaderboard_entries", leaderboardColumns, entryRows); err != nil {
		return pgWriteErr(day, "copy entries", err)
	}

	eventRows := make([][]any, len(events))
	for i, e := range events {
		eventRows[i] = []any{day, string(e.EntityType), e.EntityID, e.BrandID, string(e.Kind), e.Magnitude}
	}
	if _, err := db.CopyFrom(ctx, tx, "anomaly_events", eventColumns, eventRows); err != nil {
		return pgWriteErr(day, "copy events", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return pgWriteErr(day, "commit", err)
	}

	zap.L().Info("postgres: replaced leaderboard",
		zap.String("date", model.FormatDay(day)),
		zap.Int("entries", len(entries)),
		zap.Int("events", len(events)),
	)
	return nil
}

// pgWriteErr maps retryable Postgres failures to a WriteConflictError.
func pgWriteErr(day time.Time, action string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && resilience.IsTransientPgCode(pgErr.Code) {
		return newWriteConflict(day, action, err)
	}
	return eris.Wrapf(err, "postgres: leaderboard %s for %s", action, model.FormatDay(day))
}

// dayKey is the day number since the Unix epoch.
func dayKey(day time.Time) int32 {
	return int32(model.Day(day).Unix() / 86400)
}

func (s *PostgresStore) ListLeaderboard(ctx context.Context, date time.Time, limit int) ([]model.LeaderboardEntry, error) {
	day := model.Day(date)
	rows, err := s.pool.Query(ctx, `
		SELECT l.board_date, l.brand_id, COALESCE(b.name, ''), l.score, l.rank
		FROM leaderboard_entries l
		LEFT JOIN brands b ON b.id = l.brand_id
		WHERE l.board_date = $1
		ORDER BY l.rank
		LIMIT $2`, day, listLimit(limit))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list leaderboard")
	}
	defer rows.Close()

	entries := []model.LeaderboardEntry{}
	for rows.Next() {
		var e model.LeaderboardEntry
		var rank int32
		if err := rows.Scan(&e.Date, &e.BrandID, &e.BrandName, &e.Score, &rank); err != nil {
			return nil, eris.Wrap(err, "postgres: scan leaderboard entry")
		}
		e.Date = model.Day(e.Date)
		e.Rank = int(rank)
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: iterate leaderboard")
}

func (s *PostgresStore) ListEvents(ctx context.Context, filter EventFilter) ([]model.AnomalyEvent, error) {
	query := `SELECT event_date, entity_type, entity_id, brand_id, kind, magnitude FROM anomaly_events WHERE event_date = $1`
	args := []any{model.Day(filter.Date)}
	argIdx := 2

	if filter.Kind != "" {
		query += fmt.Sprintf(` AND kind = $%d`, argIdx)
		args = append(args, string(filter.Kind))
		argIdx++
	}
	if filter.BrandID != 0 {
		query += fmt.Sprintf(` AND brand_id = $%d`, argIdx)
		args = append(args, filter.BrandID)
		argIdx++
	}
	query += ` ORDER BY brand_id, entity_type, entity_id, kind`
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list events")
	}
	defer rows.Close()

	events := []model.AnomalyEvent{}
	for rows.Next() {
		var e model.AnomalyEvent
		var entityType, kind string
		if err := rows.Scan(&e.Date, &entityType, &e.EntityID, &e.BrandID, &kind, &e.Magnitude); err != nil {
			return nil, eris.Wrap(err, "postgres: scan event")
		}
		e.Date = model.Day(e.Date)
		e.EntityType = model.EntityType(entityType)
		e.Kind = model.EventKind(kind)
		events = append(events, e)
	}
	return events, eris.Wrap(rows.Err(), "postgres: iterate events")
}

func (s *PostgresStore) CreateRun(ctx context.Context, date time.Time, configHash string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	day := model.Day(date)

	_, err := s.pool.Exec(ctx,
		`INSERT INTO engine_runs (id, run_date, status, config_hash, started_at) VALUES ($1, $2, $3, $4, $5)`,
		id, day, string(model.RunStatusPending), configHash, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &model.Run{
		ID:         id,
		Date:       day,
		Status:     model.RunStatusPending,
		ConfigHash: configHash,
		StartedAt:  now,
	}, nil
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE engine_runs SET status = $1 WHERE id = $2`,
		string(status), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run status %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: run %s", runID)
	}
	return nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, result *model.RunResult) error {
	var resultJSON []byte
	if result != nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal run result")
		}
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE engine_runs SET status = $1, result = $2, finished_at = $3 WHERE id = $4`,
		string(status), resultJSON, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: run %s", runID)
	}
	return nil
}

const runColumns = `id, run_date, status, config_hash, result, started_at, finished_at`

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM engine_runs WHERE id = $1`, runID)
	r, err := scanPgRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM engine_runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Date != nil {
		query += fmt.Sprintf(` AND run_date = $%d`, argIdx)
		args = append(args, model.Day(*filter.Date))
		argIdx++
	}
	query += ` ORDER BY started_at DESC, id`
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	runs := []model.Run{}
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: iterate runs")
}

func scanPgRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var status string
	var resultJSON []byte
	var finishedAt *time.Time

	if err := row.Scan(&r.ID, &r.Date, &status, &r.ConfigHash, &resultJSON, &r.StartedAt, &finishedAt); err != nil {
		return nil, err
	}
	r.Date = model.Day(r.Date)
	r.Status = model.RunStatus(status)
	r.FinishedAt = finishedAt
	if len(resultJSON) > 0 {
		r.Result = &model.RunResult{}
		if err := json.Unmarshal(resultJSON, r.Result); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal run result")
		}
	}
	return &r, nil
}
