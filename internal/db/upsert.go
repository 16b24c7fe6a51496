package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig describes one fact table load.
type UpsertConfig struct {
	Table   string   // e.g. "prices" or "catalog.prices"
	Columns []string // columns in row order
	Keys    []string // natural key; must match a unique constraint
}

// BulkUpsert merges rows into cfg.Table inside tx, keyed on cfg.Keys. Rows go
// through a COPY into an ON COMMIT DROP staging table, then one INSERT ... ON
// CONFLICT overwrites every non-key column, so reloading a batch converges to
// the same state. Tables whose columns are all key columns use DO NOTHING.
// It returns the number of rows inserted or updated.
func BulkUpsert(ctx context.Context, tx pgx.Tx, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(cfg.Columns) == 0 {
		return 0, eris.New("db: upsert: no columns specified")
	}
	if len(cfg.Keys) == 0 {
		return 0, eris.New("db: upsert: no conflict keys specified")
	}

	staging := pgx.Identifier{stagingTable(cfg.Table)}

	create := fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		staging.Sanitize(), sanitizeTable(cfg.Table))
	if _, err := tx.Exec(ctx, create); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: create temp table for %s", cfg.Table)
	}

	if _, err := tx.CopyFrom(ctx, staging, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: COPY into temp table for %s", cfg.Table)
	}

	tag, err := tx.Exec(ctx, mergeSQL(cfg, staging.Sanitize()))
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: INSERT ON CONFLICT for %s", cfg.Table)
	}
	return tag.RowsAffected(), nil
}

func stagingTable(table string) string {
	return "_tmp_upsert_" + strings.ReplaceAll(table, ".", "_")
}

// mergeSQL builds the INSERT ... SELECT ... ON CONFLICT statement reading from
// the quoted staging table.
func mergeSQL(cfg UpsertConfig, staging string) string {
	cols := quoteAndJoin(cfg.Columns)

	action := "DO NOTHING"
	if set := excludedAssignments(cfg.Columns, cfg.Keys); len(set) > 0 {
		action = "DO UPDATE SET " + strings.Join(set, ", ")
	}

	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) %s",
		sanitizeTable(cfg.Table), cols, cols, staging, quoteAndJoin(cfg.Keys), action)
}

// excludedAssignments returns `"col" = EXCLUDED."col"` for every non-key column.
func excludedAssignments(columns, keys []string) []string {
	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[k] = true
	}
	var set []string
	for _, c := range columns {
		if isKey[c] {
			continue
		}
		q := pgx.Identifier{c}.Sanitize()
		set = append(set, q+" = EXCLUDED."+q)
	}
	return set
}

// sanitizeTable quotes a table name, keeping an optional schema prefix such
// as "catalog.prices".
func sanitizeTable(table string) string {
	if schema, name, ok := strings.Cut(table, "."); ok {
		return pgx.Identifier{schema, name}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
