package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merchwire/brief-engine/internal/model"
)

func i64(v int64) *int64 { return &v }

func baseFacts() *model.DayFacts {
	return &model.DayFacts{
		Date: d2,
		Brands: []model.Brand{
			{ID: 1, Name: "Acme"},
			{ID: 2, Name: "Bolt"},
		},
		Variants: []model.VariantRef{
			{VariantID: 100, ProductID: 10, BrandID: 1},
			{VariantID: 200, ProductID: 20, BrandID: 2},
		},
		Prices: []model.PriceObservation{
			{VariantID: 100, Date: d1, PriceCents: 2000},
			{VariantID: 100, Date: d2, PriceCents: 1800},
			{VariantID: 200, Date: d2, PriceCents: 500},
		},
		Ads: []model.AdActivityObservation{
			{BrandID: 1, Date: d1, ActiveAds: 4},
			{BrandID: 1, Date: d2, ActiveAds: 6, NewAds24h: 2},
		},
	}
}

func TestValidateFacts_Clean(t *testing.T) {
	clean, rejected := ValidateFacts(baseFacts())
	assert.Empty(t, rejected)
	assert.Len(t, clean.Brands, 2)
	assert.Len(t, clean.Variants, 2)
	assert.Len(t, clean.Prices, 3)
	assert.Len(t, clean.Ads, 2)
}

func TestValidateFacts_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(f *model.DayFacts)
		wantType   model.EntityType
		wantID     int64
		wantReason string
		check      func(t *testing.T, clean *model.DayFacts)
	}{
		{
			name: "negative price",
			mutate: func(f *model.DayFacts) {
				f.Prices[2].PriceCents = -1
			},
			wantType:   model.EntityVariant,
			wantID:     200,
			wantReason: "negative price -1",
			check: func(t *testing.T, clean *model.DayFacts) {
				assert.Len(t, clean.Variants, 1)
				assert.Len(t, clean.Prices, 2)
				assert.Len(t, clean.Brands, 2)
			},
		},
		{
			name: "negative compare-at",
			mutate: func(f *model.DayFacts) {
				f.Prices[1].CompareAtCents = i64(-5)
			},
			wantType:   model.EntityVariant,
			wantID:     100,
			wantReason: "negative compare-at price -5",
			check: func(t *testing.T, clean *model.DayFacts) {
				require.Len(t, clean.Prices, 1)
				assert.Equal(t, int64(200), clean.Prices[0].VariantID)
			},
		},
		{
			name: "future price",
			mutate: func(f *model.DayFacts) {
				f.Prices = append(f.Prices, model.PriceObservation{VariantID: 200, Date: d3, PriceCents: 400})
			},
			wantType:   model.EntityVariant,
			wantID:     200,
			wantReason: "price dated after run date",
		},
		{
			name: "duplicate price",
			mutate: func(f *model.DayFacts) {
				f.Prices = append(f.Prices, model.PriceObservation{VariantID: 100, Date: d2, PriceCents: 1700})
			},
			wantType:   model.EntityVariant,
			wantID:     100,
			wantReason: "duplicate price observation",
		},
		{
			name: "price for unknown variant",
			mutate: func(f *model.DayFacts) {
				f.Prices = append(f.Prices, model.PriceObservation{VariantID: 999, Date: d2, PriceCents: 100})
			},
			wantType:   model.EntityVariant,
			wantID:     999,
			wantReason: "price for unknown variant",
			check: func(t *testing.T, clean *model.DayFacts) {
				assert.Len(t, clean.Prices, 3)
			},
		},
		{
			name: "variant of unknown brand",
			mutate: func(f *model.DayFacts) {
				f.Variants[1].BrandID = 7
			},
			wantType:   model.EntityVariant,
			wantID:     200,
			wantReason: "unknown brand 7",
		},
		{
			name: "negative ad count keeps brand",
			mutate: func(f *model.DayFacts) {
				f.Ads[1].NewAds24h = -3
			},
			wantType:   model.EntityBrand,
			wantID:     1,
			wantReason: "negative ad count (active 6, new -3)",
			check: func(t *testing.T, clean *model.DayFacts) {
				assert.Empty(t, clean.Ads)
				assert.Len(t, clean.Brands, 2)
				assert.Len(t, clean.Variants, 2)
			},
		},
		{
			name: "future ad activity",
			mutate: func(f *model.DayFacts) {
				f.Ads = append(f.Ads, model.AdActivityObservation{BrandID: 2, Date: d3, ActiveAds: 1})
			},
			wantType:   model.EntityBrand,
			wantID:     2,
			wantReason: "ad activity dated after run date",
			check: func(t *testing.T, clean *model.DayFacts) {
				assert.Len(t, clean.Ads, 2)
			},
		},
		{
			name: "duplicate brand drops its variants",
			mutate: func(f *model.DayFacts) {
				f.Brands = append(f.Brands, model.Brand{ID: 1, Name: "Acme again"})
			},
			wantType:   model.EntityBrand,
			wantID:     1,
			wantReason: "duplicate brand id",
			check: func(t *testing.T, clean *model.DayFacts) {
				require.Len(t, clean.Brands, 1)
				assert.Equal(t, int64(2), clean.Brands[0].ID)
				require.Len(t, clean.Variants, 1)
				assert.Empty(t, clean.Ads)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			facts := baseFacts()
			tt.mutate(facts)

			clean, rejected := ValidateFacts(facts)
			require.NotEmpty(t, rejected)

			var hit *UpstreamDataError
			for _, r := range rejected {
				if r.EntityType == tt.wantType && r.EntityID == tt.wantID {
					hit = r
				}
			}
			require.NotNil(t, hit, "no rejection for %s %d", tt.wantType, tt.wantID)
			assert.Equal(t, tt.wantReason, hit.Reason)
			if tt.check != nil {
				tt.check(t, clean)
			}
		})
	}
}

func TestValidateFacts_OneErrorPerEntity(t *testing.T) {
	facts := baseFacts()
	facts.Prices[0].PriceCents = -1
	facts.Prices[1].PriceCents = -2

	_, rejected := ValidateFacts(facts)
	require.Len(t, rejected, 1)
	assert.Equal(t, "negative price -1", rejected[0].Reason)
}

func TestValidateFacts_SortedOutput(t *testing.T) {
	facts := baseFacts()
	facts.Prices[2].PriceCents = -1
	facts.Prices[0].PriceCents = -1
	facts.Ads[0].ActiveAds = -1

	_, rejected := ValidateFacts(facts)
	require.Len(t, rejected, 3)
	assert.Equal(t, model.EntityBrand, rejected[0].EntityType)
	assert.Equal(t, int64(100), rejected[1].EntityID)
	assert.Equal(t, int64(200), rejected[2].EntityID)
}

func TestUpstreamDataError_Error(t *testing.T) {
	e := &UpstreamDataError{EntityType: model.EntityVariant, EntityID: 9, Date: d2, Reason: "negative price -1"}
	assert.Equal(t, "engine: rejected variant 9 on 2026-03-02: negative price -1", e.Error())

	e = &UpstreamDataError{EntityType: model.EntityBrand, EntityID: 3, Reason: "duplicate brand id"}
	assert.Equal(t, "engine: rejected brand 3: duplicate brand id", e.Error())
}

func TestValidateFacts_NormalizesDate(t *testing.T) {
	facts := baseFacts()
	facts.Date = d2.Add(15 * time.Hour)
	clean, rejected := ValidateFacts(facts)
	assert.Empty(t, rejected)
	assert.True(t, clean.Date.Equal(d2))
}
