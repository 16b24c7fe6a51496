package delta

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merchwire/brief-engine/internal/model"
)

func day(s string) time.Time {
	t, err := model.ParseDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

func ptrInt64(v int64) *int64 { return &v }

func price(variant int64, date string, cents int64, available bool) model.PriceObservation {
	return model.PriceObservation{
		VariantID:  variant,
		Date:       day(date),
		PriceCents: cents,
		Currency:   "USD",
		Available:  available,
	}
}

func TestResolve_PicksNearestPriorAcrossGaps(t *testing.T) {
	history := []model.PriceObservation{
		price(1, "2024-05-20", 1000, true),
		price(1, "2024-06-01", 900, true),
		price(1, "2024-05-28", 1200, true),
		price(1, "2024-05-25", 1100, true),
	}

	res := Resolve(history, day("2024-06-01"), func(o model.PriceObservation) time.Time { return o.Date })
	require.True(t, res.HasCurrent)
	require.True(t, res.HasPrevious)
	assert.Equal(t, int64(900), res.Current.PriceCents)
	assert.Equal(t, int64(1200), res.Previous.PriceCents)
	assert.Equal(t, 4, res.GapDays)
}

func TestResolve_IgnoresLaterObservations(t *testing.T) {
	history := []model.PriceObservation{
		price(1, "2024-06-02", 500, true),
		price(1, "2024-06-01", 900, true),
	}

	res := Resolve(history, day("2024-06-01"), func(o model.PriceObservation) time.Time { return o.Date })
	assert.True(t, res.HasCurrent)
	assert.False(t, res.HasPrevious)
	assert.Equal(t, 0, res.GapDays)
}

func TestResolvePrice_ColdStart(t *testing.T) {
	history := []model.PriceObservation{price(7, "2024-06-01", 1000, true)}

	d, ok := ResolvePrice(history, day("2024-06-01"))
	require.True(t, ok)
	assert.True(t, d.ColdStart)
	assert.False(t, d.Defined)
	assert.Equal(t, 0.0, d.Pct)
	assert.Equal(t, AvailabilityUnchanged, d.Availability)
}

func TestResolvePrice_NoCurrent(t *testing.T) {
	history := []model.PriceObservation{price(7, "2024-05-30", 1000, true)}

	_, ok := ResolvePrice(history, day("2024-06-01"))
	assert.False(t, ok)
}

func TestResolvePrice_Changes(t *testing.T) {
	tests := []struct {
		name        string
		prev        model.PriceObservation
		cur         model.PriceObservation
		wantPct     float64
		wantDefined bool
		wantAvail   AvailabilityChange
	}{
		{"drop 20%", price(1, "2024-05-31", 1000, true), price(1, "2024-06-01", 800, true), -0.2, true, AvailabilityUnchanged},
		{"rise 25%", price(1, "2024-05-31", 800, true), price(1, "2024-06-01", 1000, true), 0.25, true, AvailabilityUnchanged},
		{"zero previous", price(1, "2024-05-31", 0, true), price(1, "2024-06-01", 1000, true), 0, false, AvailabilityUnchanged},
		{"restocked", price(1, "2024-05-31", 1000, false), price(1, "2024-06-01", 1000, true), 0, true, AvailabilityRestocked},
		{"sold out", price(1, "2024-05-31", 1000, true), price(1, "2024-06-01", 1000, false), 0, true, AvailabilitySoldOut},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, ok := ResolvePrice([]model.PriceObservation{tt.prev, tt.cur}, day("2024-06-01"))
			require.True(t, ok)
			assert.False(t, d.ColdStart)
			assert.Equal(t, tt.wantDefined, d.Defined)
			assert.InDelta(t, tt.wantPct, d.Pct, 1e-9)
			assert.Equal(t, tt.wantAvail, d.Availability)
			assert.Equal(t, 1, d.GapDays)
		})
	}
}

func TestPercentChange_CurrencySwitchIsUndefined(t *testing.T) {
	prev := price(1, "2024-05-31", 1000, true)
	cur := price(1, "2024-06-01", 900, true)
	cur.Currency = "EUR"

	_, ok := PercentChange(cur, prev)
	assert.False(t, ok)
}

func TestDiscountPct(t *testing.T) {
	tests := []struct {
		name      string
		price     int64
		compareAt *int64
		want      float64
	}{
		{"no compare-at", 800, nil, 0},
		{"twenty off", 80, ptrInt64(100), 0.2},
		{"full price", 100, ptrInt64(100), 0},
		{"above compare-at", 120, ptrInt64(100), 0},
		{"zero price", 0, ptrInt64(100), 0},
		{"zero compare-at", 50, ptrInt64(0), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, DiscountPct(tt.price, tt.compareAt), 1e-9)
		})
	}
}

func TestResolveAds(t *testing.T) {
	history := []model.AdActivityObservation{
		{BrandID: 3, Date: day("2024-05-29"), ActiveAds: 4, NewAds24h: 1},
		{BrandID: 3, Date: day("2024-06-01"), ActiveAds: 10, NewAds24h: 6},
	}

	d, ok := ResolveAds(history, day("2024-06-01"))
	require.True(t, ok)
	assert.True(t, d.HasPrevious)
	assert.Equal(t, int64(4), d.PreviousActive)
	assert.Equal(t, 3, d.GapDays)
	assert.InDelta(t, 1.5, d.Growth, 1e-9)
}

func TestResolveAds_ZeroPreviousFloorsDenominator(t *testing.T) {
	history := []model.AdActivityObservation{
		{BrandID: 3, Date: day("2024-05-31"), ActiveAds: 0},
		{BrandID: 3, Date: day("2024-06-01"), ActiveAds: 5, NewAds24h: 5},
	}

	d, ok := ResolveAds(history, day("2024-06-01"))
	require.True(t, ok)
	assert.InDelta(t, 5.0, d.Growth, 1e-9)
}

func TestResolveAds_ColdStart(t *testing.T) {
	history := []model.AdActivityObservation{{BrandID: 3, Date: day("2024-06-01"), ActiveAds: 5}}

	d, ok := ResolveAds(history, day("2024-06-01"))
	require.True(t, ok)
	assert.False(t, d.HasPrevious)
	assert.Equal(t, 0.0, d.Growth)
}

func TestFirstSeen(t *testing.T) {
	history := []model.PriceObservation{
		price(1, "2024-05-28", 1, true),
		price(1, "2024-05-20", 1, true),
		price(1, "2024-06-01", 1, true),
	}

	first, ok := FirstSeen(history, func(o model.PriceObservation) time.Time { return o.Date })
	require.True(t, ok)
	assert.Equal(t, day("2024-05-20"), first)

	_, ok = FirstSeen([]model.PriceObservation(nil), func(o model.PriceObservation) time.Time { return o.Date })
	assert.False(t, ok)
}
