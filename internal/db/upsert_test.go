package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:   "brands",
		Columns: []string{"id", "name"},
		Keys:    []string{"id"},
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsert_NoColumns(t *testing.T) {
	_, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table: "brands",
		Keys:  []string{"id"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBulkUpsert_NoConflictKeys(t *testing.T) {
	_, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:   "brands",
		Columns: []string{"id", "name"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func newUpsertTx(t *testing.T) (pgxmock.PgxPoolIface, pgx.Tx) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	mock.ExpectBegin()
	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)
	return mock, tx
}

func TestBulkUpsert_Success(t *testing.T) {
	mock, tx := newUpsertTx(t)

	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_prices"`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_prices"}, []string{"variant_id", "obs_date", "price_cents"}).
		WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "prices" .* ON CONFLICT \("variant_id", "obs_date"\) DO UPDATE SET "price_cents" = EXCLUDED."price_cents"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))

	n, err := BulkUpsert(context.Background(), tx, UpsertConfig{
		Table:   "prices",
		Columns: []string{"variant_id", "obs_date", "price_cents"},
		Keys:    []string{"variant_id", "obs_date"},
	}, [][]any{{1, "2026-03-01", 1000}, {2, "2026-03-01", 2000}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_CreateTempFails(t *testing.T) {
	mock, tx := newUpsertTx(t)

	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnError(fmt.Errorf("permission denied"))

	_, err := BulkUpsert(context.Background(), tx, UpsertConfig{
		Table:   "brands",
		Columns: []string{"id", "name"},
		Keys:    []string{"id"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create temp table for brands")
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"public.variants", `"public"."variants"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := sanitizeTable(tt.input)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	result := quoteAndJoin([]string{"id", "name", "value"})
	assert.Equal(t, `"id", "name", "value"`, result)
}

func TestMergeSQL(t *testing.T) {
	tests := []struct {
		name string
		cfg  UpsertConfig
		want string
	}{
		{
			name: "updates non-key columns",
			cfg:  UpsertConfig{Table: "ads_daily", Columns: []string{"brand_id", "obs_date", "active_ads"}, Keys: []string{"brand_id", "obs_date"}},
			want: `INSERT INTO "ads_daily" ("brand_id", "obs_date", "active_ads") SELECT "brand_id", "obs_date", "active_ads" FROM "_tmp" ` +
				`ON CONFLICT ("brand_id", "obs_date") DO UPDATE SET "active_ads" = EXCLUDED."active_ads"`,
		},
		{
			name: "key-only table does nothing on conflict",
			cfg:  UpsertConfig{Table: "catalog.tags", Columns: []string{"variant_id", "tag"}, Keys: []string{"variant_id", "tag"}},
			want: `INSERT INTO "catalog"."tags" ("variant_id", "tag") SELECT "variant_id", "tag" FROM "_tmp" ` +
				`ON CONFLICT ("variant_id", "tag") DO NOTHING`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mergeSQL(tt.cfg, `"_tmp"`))
		})
	}
}

func TestStagingTable(t *testing.T) {
	assert.Equal(t, "_tmp_upsert_catalog_prices", stagingTable("catalog.prices"))
}
