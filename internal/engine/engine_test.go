package engine

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/merchwire/brief-engine/internal/config"
	"github.com/merchwire/brief-engine/internal/model"
	"github.com/merchwire/brief-engine/internal/resilience"
	"github.com/merchwire/brief-engine/internal/scorer"
	"github.com/merchwire/brief-engine/internal/store"
)

var (
	d1 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	d2 = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	d3 = time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Signals = config.SignalsConfig{
		MoverThreshold:         config.Float(0.10),
		DiscountSpikeThreshold: config.Float(0.10),
		AdSurgeThreshold:       config.Float(2.0),
	}
	cfg.Scoring = scorer.DefaultScoringConfig()
	cfg.Engine = config.EngineConfig{
		Workers:            4,
		LookbackDays:       30,
		CommitAttempts:     3,
		CommitBackoffMs:    1,
		CommitMaxBackoffMs: 5,
	}
	return cfg
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// sixBrands has ad activity for brands 1-6 on d1 and d2. Brand n runs 10n
// ads on d1 and 10n+n on d2.
func sixBrands() *model.FactBatch {
	batch := &model.FactBatch{}
	for _, id := range []int64{4, 2, 6, 1, 5, 3} {
		batch.Brands = append(batch.Brands, model.Brand{ID: id, Name: "brand"})
		batch.Ads = append(batch.Ads,
			model.AdActivityObservation{BrandID: id, Date: d1, ActiveAds: 10 * id},
			model.AdActivityObservation{BrandID: id, Date: d2, ActiveAds: 11 * id, NewAds24h: id},
		)
	}
	return batch
}

func loadFacts(t *testing.T, st store.Store, batch *model.FactBatch) {
	t.Helper()
	require.NoError(t, st.UpsertFacts(context.Background(), batch))
}

func assertDenseRanks(t *testing.T, entries []model.LeaderboardEntry) {
	t.Helper()
	for i, e := range entries {
		assert.Equal(t, i+1, e.Rank)
	}
}

func TestRun_SixBrands(t *testing.T) {
	st := newTestStore(t)
	loadFacts(t, st, sixBrands())
	ctx := context.Background()

	res, err := New(st, testConfig()).Run(ctx, d2)
	require.NoError(t, err)
	require.Len(t, res.Entries, 6)
	assertDenseRanks(t, res.Entries)

	// More ads means a higher ad level term; growth is 10% for everyone.
	for i, e := range res.Entries {
		assert.Equal(t, int64(6-i), e.BrandID)
	}
	assert.Empty(t, res.Events)
	assert.Empty(t, res.Rejected)

	stored, err := st.ListLeaderboard(ctx, d2, 0)
	require.NoError(t, err)
	require.Len(t, stored, 6)
	assert.Equal(t, res.Entries[0].BrandID, stored[0].BrandID)
	assert.InDelta(t, res.Entries[0].Score, stored[0].Score, 1e-9)

	run, err := st.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCommitted, run.Status)
	require.NotNil(t, run.Result)
	assert.Equal(t, 6, run.Result.Brands)
	assert.NotEmpty(t, run.ConfigHash)
	assert.NotNil(t, run.FinishedAt)
}

func TestRun_RerunAfterUpstreamCorrection(t *testing.T) {
	st := newTestStore(t)
	loadFacts(t, st, sixBrands())
	ctx := context.Background()
	eng := New(st, testConfig())

	first, err := eng.Run(ctx, d2)
	require.NoError(t, err)
	require.Len(t, first.Entries, 6)

	// Brand 1's d2 ad count is corrected upstream.
	loadFacts(t, st, &model.FactBatch{
		Ads: []model.AdActivityObservation{{BrandID: 1, Date: d2, ActiveAds: 500, NewAds24h: 1}},
	})

	second, err := eng.Run(ctx, d2)
	require.NoError(t, err)
	require.Len(t, second.Entries, 6)
	assertDenseRanks(t, second.Entries)
	assert.Equal(t, int64(1), second.Entries[0].BrandID)

	stored, err := st.ListLeaderboard(ctx, d2, 0)
	require.NoError(t, err)
	require.Len(t, stored, 6)
	seen := make(map[int64]bool)
	for _, e := range stored {
		assert.False(t, seen[e.BrandID], "brand %d ranked twice", e.BrandID)
		seen[e.BrandID] = true
	}
	assert.Equal(t, int64(1), stored[0].BrandID)

	runs, err := st.ListRuns(ctx, store.RunFilter{Status: model.RunStatusCommitted})
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestRun_StaleBrandDropped(t *testing.T) {
	st := newTestStore(t)
	loadFacts(t, st, sixBrands())
	ctx := context.Background()

	cfg := testConfig()
	// A one-day window still sees every brand's d2 row.
	cfg.Engine.LookbackDays = 1
	_, err := New(st, cfg).Run(ctx, d2)
	require.NoError(t, err)

	// Brand 7 exists but only has data on d1, so it never ranks on d2.
	loadFacts(t, st, &model.FactBatch{
		Brands: []model.Brand{{ID: 7, Name: "late"}},
		Ads:    []model.AdActivityObservation{{BrandID: 7, Date: d1, ActiveAds: 1000}},
	})
	res, err := New(st, cfg).Run(ctx, d2)
	require.NoError(t, err)
	assert.Len(t, res.Entries, 6)
	for _, e := range res.Entries {
		assert.NotEqual(t, int64(7), e.BrandID)
	}
}

func TestRun_Deterministic(t *testing.T) {
	st := newTestStore(t)
	loadFacts(t, st, sixBrands())
	loadFacts(t, st, priceBatch())
	ctx := context.Background()
	eng := New(st, testConfig())

	a, err := eng.Run(ctx, d2)
	require.NoError(t, err)
	b, err := eng.Run(ctx, d2)
	require.NoError(t, err)

	require.Equal(t, len(a.Entries), len(b.Entries))
	for i := range a.Entries {
		assert.Equal(t, a.Entries[i].BrandID, b.Entries[i].BrandID)
		assert.Equal(t, a.Entries[i].Rank, b.Entries[i].Rank)
		assert.Equal(t, a.Entries[i].Score, b.Entries[i].Score)
	}
	assert.Equal(t, a.Events, b.Events)
}

// priceBatch gives brand 1 a tee whose price drops 25% into a markdown on d2,
// and brand 2 a pack that sells out.
func priceBatch() *model.FactBatch {
	return &model.FactBatch{
		Brands: []model.Brand{{ID: 1, Name: "Acme"}, {ID: 2, Name: "Bolt"}},
		Products: []model.Product{
			{ID: 10, BrandID: 1, Handle: "tee", Title: "Tee"},
			{ID: 20, BrandID: 2, Handle: "pack", Title: "Pack"},
		},
		Variants: []model.Variant{
			{ID: 100, ProductID: 10, SKU: "TEE"},
			{ID: 200, ProductID: 20, SKU: "PACK"},
		},
		Prices: []model.PriceObservation{
			{VariantID: 100, Date: d1, PriceCents: 2000, Available: true},
			{VariantID: 100, Date: d2, PriceCents: 1500, CompareAtCents: i64(2000), Available: true},
			{VariantID: 200, Date: d1, PriceCents: 5000, Available: true},
			{VariantID: 200, Date: d2, PriceCents: 5000, Available: false},
		},
	}
}

func TestRun_PriceSignals(t *testing.T) {
	st := newTestStore(t)
	loadFacts(t, st, priceBatch())

	res, err := New(st, testConfig()).Run(context.Background(), d2)
	require.NoError(t, err)
	require.Len(t, res.Entries, 2)
	assert.Equal(t, int64(1), res.Entries[0].BrandID)

	kinds := make(map[model.EventKind]model.AnomalyEvent)
	for _, e := range res.Events {
		kinds[e.Kind] = e
	}
	require.Len(t, res.Events, 3)
	assert.InDelta(t, -0.25, kinds[model.EventDiscountSpike].Magnitude, 1e-9)
	assert.InDelta(t, -0.25, kinds[model.EventPriceMover].Magnitude, 1e-9)
	assert.Equal(t, int64(200), kinds[model.EventOutOfStock].EntityID)

	stored, err := st.ListEvents(context.Background(), store.EventFilter{Date: d2})
	require.NoError(t, err)
	assert.Len(t, stored, 3)
}

func TestRun_PreviousOlderThanLookback(t *testing.T) {
	st := newTestStore(t)
	old := d2.AddDate(0, 0, -45)
	loadFacts(t, st, &model.FactBatch{
		Brands:   []model.Brand{{ID: 1, Name: "Acme"}},
		Products: []model.Product{{ID: 10, BrandID: 1, Handle: "tee"}},
		Variants: []model.Variant{{ID: 100, ProductID: 10}},
		Prices: []model.PriceObservation{
			{VariantID: 100, Date: d2.AddDate(0, 0, -60), PriceCents: 4000, Available: true},
			{VariantID: 100, Date: old, PriceCents: 2000, Available: true},
			{VariantID: 100, Date: d2, PriceCents: 1500, CompareAtCents: i64(2000), Available: true},
		},
	})

	res, err := New(st, testConfig()).Run(context.Background(), d2)
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)

	kinds := make(map[model.EventKind]model.AnomalyEvent)
	for _, e := range res.Events {
		kinds[e.Kind] = e
	}
	require.Contains(t, kinds, model.EventPriceMover)
	assert.InDelta(t, -0.25, kinds[model.EventPriceMover].Magnitude, 1e-9)
	assert.Contains(t, kinds, model.EventDiscountSpike)
	assert.Greater(t, res.Entries[0].Score, 0.0)
}

func TestRun_ColdStart(t *testing.T) {
	st := newTestStore(t)
	loadFacts(t, st, &model.FactBatch{
		Brands:   []model.Brand{{ID: 1, Name: "Acme"}},
		Products: []model.Product{{ID: 10, BrandID: 1, Handle: "tee"}},
		Variants: []model.Variant{{ID: 100, ProductID: 10}},
		Prices:   []model.PriceObservation{{VariantID: 100, Date: d2, PriceCents: 1000, Available: true}},
	})

	res, err := New(st, testConfig()).Run(context.Background(), d2)
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Empty(t, res.Events)
	// Only the freshness term is non-zero: 100 * 10 / 100.
	assert.InDelta(t, 10.0, res.Entries[0].Score, 1e-9)
}

func TestRun_AdSurgeFromZero(t *testing.T) {
	st := newTestStore(t)
	loadFacts(t, st, &model.FactBatch{
		Brands: []model.Brand{{ID: 3, Name: "Cove"}},
		Ads: []model.AdActivityObservation{
			{BrandID: 3, Date: d1, ActiveAds: 0},
			{BrandID: 3, Date: d2, ActiveAds: 5, NewAds24h: 5},
		},
	})

	res, err := New(st, testConfig()).Run(context.Background(), d2)
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, model.EventAdSurge, res.Events[0].Kind)
	assert.Equal(t, model.EntityBrand, res.Events[0].EntityType)
	assert.InDelta(t, 5.0, res.Events[0].Magnitude, 1e-9)
}

func TestRun_NoDataEmptyLeaderboard(t *testing.T) {
	st := newTestStore(t)
	loadFacts(t, st, sixBrands())

	res, err := New(st, testConfig()).Run(context.Background(), d3.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.NotNil(t, res.Entries)
	assert.Empty(t, res.Entries)
}

func TestRun_InvalidWeightsFailFast(t *testing.T) {
	st := newTestStore(t)
	loadFacts(t, st, sixBrands())

	cfg := testConfig()
	cfg.Scoring.Weights.Freshness = nil
	_, err := New(st, cfg).Run(context.Background(), d2)
	require.Error(t, err)

	var cfgErr *scorer.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Contains(t, err.Error(), "weights.freshness is required")

	runs, err := st.ListRuns(context.Background(), store.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRun_InvalidThresholdDisablesCheck(t *testing.T) {
	st := newTestStore(t)
	loadFacts(t, st, priceBatch())

	cfg := testConfig()
	cfg.Signals.MoverThreshold = config.Float(-1)
	res, err := New(st, cfg).Run(context.Background(), d2)
	require.NoError(t, err)
	for _, e := range res.Events {
		assert.NotEqual(t, model.EventPriceMover, e.Kind)
	}
	assert.Len(t, res.Events, 2)
}

func TestRun_UpstreamRejection(t *testing.T) {
	st := newTestStore(t)
	batch := priceBatch()
	batch.Prices[3].PriceCents = -5000
	loadFacts(t, st, batch)
	ctx := context.Background()

	res, err := New(st, testConfig()).Run(ctx, d2)
	require.NoError(t, err)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, int64(200), res.Rejected[0].EntityID)

	// Brand 2's only variant was rejected, so it has nothing to rank on.
	require.Len(t, res.Entries, 1)
	assert.Equal(t, int64(1), res.Entries[0].BrandID)

	run, err := st.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Result.Rejected)
}

type constFormula float64

func (c constFormula) Combine(map[string]float64) float64 { return float64(c) }

func TestRun_TiesBreakOnBrandID(t *testing.T) {
	st := newTestStore(t)
	loadFacts(t, st, sixBrands())

	res, err := New(st, testConfig()).WithFormula(constFormula(87.5)).Run(context.Background(), d2)
	require.NoError(t, err)
	require.Len(t, res.Entries, 6)
	for i, e := range res.Entries {
		assert.Equal(t, int64(i+1), e.BrandID)
		assert.Equal(t, i+1, e.Rank)
		assert.Equal(t, 87.5, e.Score)
	}
}

// hookStore wraps a real store to inject failures.
type hookStore struct {
	store.Store
	onLoad   func()
	replace  func(n int) error
	replaces atomic.Int32
}

func (h *hookStore) LoadDayFacts(ctx context.Context, date time.Time, lookbackDays int) (*model.DayFacts, error) {
	facts, err := h.Store.LoadDayFacts(ctx, date, lookbackDays)
	if h.onLoad != nil {
		h.onLoad()
	}
	return facts, err
}

func (h *hookStore) ReplaceLeaderboard(ctx context.Context, date time.Time, entries []model.LeaderboardEntry, events []model.AnomalyEvent) error {
	n := int(h.replaces.Add(1))
	if h.replace != nil {
		if err := h.replace(n); err != nil {
			return err
		}
	}
	return h.Store.ReplaceLeaderboard(ctx, date, entries, events)
}

func conflict(date time.Time) error {
	return resilience.NewTransientError(&store.WriteConflictError{Date: date, Reason: "date lock held by another writer"}, "write-conflict")
}

func TestRun_RetriesWriteConflict(t *testing.T) {
	st := newTestStore(t)
	loadFacts(t, st, sixBrands())
	hs := &hookStore{Store: st, replace: func(n int) error {
		if n == 1 {
			return conflict(d2)
		}
		return nil
	}}

	res, err := New(hs, testConfig()).Run(context.Background(), d2)
	require.NoError(t, err)
	assert.Len(t, res.Entries, 6)
	assert.Equal(t, int32(2), hs.replaces.Load())
}

func TestRun_WriteConflictExhaustedKeepsSnapshot(t *testing.T) {
	st := newTestStore(t)
	loadFacts(t, st, sixBrands())
	ctx := context.Background()

	first, err := New(st, testConfig()).Run(ctx, d2)
	require.NoError(t, err)

	loadFacts(t, st, &model.FactBatch{
		Ads: []model.AdActivityObservation{{BrandID: 1, Date: d2, ActiveAds: 500}},
	})
	hs := &hookStore{Store: st, replace: func(int) error { return conflict(d2) }}

	_, err = New(hs, testConfig()).Run(ctx, d2)
	require.Error(t, err)
	assert.True(t, store.IsWriteConflict(err))
	assert.Equal(t, int32(3), hs.replaces.Load())

	stored, err := st.ListLeaderboard(ctx, d2, 0)
	require.NoError(t, err)
	require.Len(t, stored, 6)
	assert.Equal(t, first.Entries[0].BrandID, stored[0].BrandID)

	failed, err := st.ListRuns(ctx, store.RunFilter{Status: model.RunStatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.NotNil(t, failed[0].Result)
	assert.Contains(t, failed[0].Result.Error, "write conflict for 2026-03-02")
}

func TestRun_CancelledBeforeCommit(t *testing.T) {
	st := newTestStore(t)
	loadFacts(t, st, sixBrands())

	first, err := New(st, testConfig()).Run(context.Background(), d2)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hs := &hookStore{Store: st, onLoad: cancel}

	_, err = New(hs, testConfig()).Run(ctx, d2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context canceled")
	assert.Equal(t, int32(0), hs.replaces.Load())

	stored, err := st.ListLeaderboard(context.Background(), d2, 0)
	require.NoError(t, err)
	require.Len(t, stored, len(first.Entries))

	failed, err := st.ListRuns(context.Background(), store.RunFilter{Status: model.RunStatusFailed})
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestRun_ConcurrentSameDate(t *testing.T) {
	st := newTestStore(t)
	loadFacts(t, st, sixBrands())
	eng := New(st, testConfig())

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = eng.Run(context.Background(), d2)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Zero(t, eng.locks.Size())

	stored, err := st.ListLeaderboard(context.Background(), d2, 0)
	require.NoError(t, err)
	assert.Len(t, stored, 6)
	assertDenseRanks(t, stored)
}

func TestRun_ConcurrentDates(t *testing.T) {
	st := newTestStore(t)
	loadFacts(t, st, sixBrands())
	eng := New(st, testConfig())

	g, ctx := errgroup.WithContext(context.Background())
	for _, day := range []time.Time{d1, d2} {
		g.Go(func() error {
			_, err := eng.Run(ctx, day)
			return err
		})
	}
	require.NoError(t, g.Wait())

	for _, day := range []time.Time{d1, d2} {
		stored, err := st.ListLeaderboard(context.Background(), day, 0)
		require.NoError(t, err)
		assert.Len(t, stored, 6, "date %s", model.FormatDay(day))
	}
}

func TestRun_LockWaitHonorsContext(t *testing.T) {
	eng := New(newTestStore(t), testConfig())
	unlock, err := eng.lockDate(context.Background(), d2)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = eng.Run(ctx, d2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context deadline exceeded")

	// Another date is not blocked.
	_, err = eng.Run(context.Background(), d1)
	require.NoError(t, err)

	// Only the held date keeps an entry.
	assert.Equal(t, 1, eng.locks.Size())
	unlock()
	assert.Zero(t, eng.locks.Size())
}

func TestConfigHash(t *testing.T) {
	a := New(nil, testConfig())
	b := New(nil, testConfig())
	assert.Equal(t, a.ConfigHash(), b.ConfigHash())
	assert.Len(t, a.ConfigHash(), 32)

	cfg := testConfig()
	cfg.Signals.AdSurgeThreshold = config.Float(3)
	assert.NotEqual(t, a.ConfigHash(), New(nil, cfg).ConfigHash())

	nan := testConfig()
	nan.Signals.MoverThreshold = config.Float(math.NaN())
	assert.Len(t, New(nil, nan).ConfigHash(), 32)
}
