// Package delta resolves day-over-day changes for a tracked entity against its
// nearest prior observation. Everything here is a pure function over the
// history it is handed.
package delta

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/merchwire/brief-engine/internal/model"
)

// Resolution is the (current, previous, gap) triple for one entity and date.
type Resolution[T any] struct {
	Current     T
	Previous    T
	HasCurrent  bool
	HasPrevious bool
	// GapDays is the distance in days between Previous and Current. Zero when
	// either side is absent.
	GapDays int
}

// Resolve picks the observation dated on date and the most recent one dated
// strictly before it. History may be unsorted and may have holes.
func Resolve[T any](history []T, date time.Time, dateOf func(T) time.Time) Resolution[T] {
	var res Resolution[T]
	day := model.Day(date)
	var prevDay time.Time

	for _, obs := range history {
		d := model.Day(dateOf(obs))
		switch {
		case d.Equal(day):
			res.Current = obs
			res.HasCurrent = true
		case d.Before(day):
			if !res.HasPrevious || d.After(prevDay) {
				res.Previous = obs
				res.HasPrevious = true
				prevDay = d
			}
		}
	}

	if res.HasCurrent && res.HasPrevious {
		res.GapDays = model.DaysBetween(prevDay, day)
	}
	return res
}

// AvailabilityChange describes a flip of the in-stock flag.
type AvailabilityChange string

const (
	AvailabilityUnchanged AvailabilityChange = "unchanged"
	AvailabilityRestocked AvailabilityChange = "restocked"
	AvailabilitySoldOut   AvailabilityChange = "sold-out"
)

// PriceDelta is the resolved change of one variant's price.
type PriceDelta struct {
	VariantID int64
	// Pct is (current - previous) / previous. Only meaningful when Defined.
	Pct     float64
	Defined bool
	// ColdStart is set when the variant has no earlier observation.
	ColdStart    bool
	GapDays      int
	Availability AvailabilityChange
	// DiscountPct is the current markdown against the compare-at price.
	DiscountPct float64
}

// ResolvePrice resolves the price history of one variant for date.
func ResolvePrice(history []model.PriceObservation, date time.Time) (PriceDelta, bool) {
	res := Resolve(history, date, func(o model.PriceObservation) time.Time { return o.Date })
	if !res.HasCurrent {
		return PriceDelta{}, false
	}

	d := PriceDelta{
		VariantID:    res.Current.VariantID,
		Availability: AvailabilityUnchanged,
		DiscountPct:  DiscountPct(res.Current.PriceCents, res.Current.CompareAtCents),
	}
	if !res.HasPrevious {
		d.ColdStart = true
		return d, true
	}

	d.GapDays = res.GapDays
	d.Pct, d.Defined = PercentChange(res.Current, res.Previous)
	d.Availability = availabilityChange(res.Previous.Available, res.Current.Available)
	return d, true
}

// PercentChange returns the fractional price change from previous to current.
// A zero previous price or a currency switch leaves the change undefined.
func PercentChange(current, previous model.PriceObservation) (float64, bool) {
	if previous.PriceCents == 0 {
		return 0, false
	}
	if current.Currency != "" && previous.Currency != "" && current.Currency != previous.Currency {
		return 0, false
	}
	prev := decimal.NewFromInt(previous.PriceCents)
	pct := decimal.NewFromInt(current.PriceCents).Sub(prev).Div(prev)
	return pct.InexactFloat64(), true
}

// DiscountPct is the markdown of price against compareAt, or 0 when the item
// is not discounted.
func DiscountPct(priceCents int64, compareAtCents *int64) float64 {
	if compareAtCents == nil || *compareAtCents <= 0 || priceCents <= 0 || priceCents >= *compareAtCents {
		return 0
	}
	compareAt := decimal.NewFromInt(*compareAtCents)
	return compareAt.Sub(decimal.NewFromInt(priceCents)).Div(compareAt).InexactFloat64()
}

func availabilityChange(prev, cur bool) AvailabilityChange {
	switch {
	case !prev && cur:
		return AvailabilityRestocked
	case prev && !cur:
		return AvailabilitySoldOut
	default:
		return AvailabilityUnchanged
	}
}

// AdDelta is the resolved change of one brand's ad activity.
type AdDelta struct {
	BrandID        int64
	ActiveAds      int64
	NewAds24h      int64
	PreviousActive int64
	HasPrevious    bool
	GapDays        int
	// Growth is (active - previousActive) / max(previousActive, 1); 0 without
	// a prior observation.
	Growth float64
}

// ResolveAds resolves the ad history of one brand for date.
func ResolveAds(history []model.AdActivityObservation, date time.Time) (AdDelta, bool) {
	res := Resolve(history, date, func(o model.AdActivityObservation) time.Time { return o.Date })
	if !res.HasCurrent {
		return AdDelta{}, false
	}

	d := AdDelta{
		BrandID:   res.Current.BrandID,
		ActiveAds: res.Current.ActiveAds,
		NewAds24h: res.Current.NewAds24h,
	}
	if !res.HasPrevious {
		return d, true
	}

	d.HasPrevious = true
	d.PreviousActive = res.Previous.ActiveAds
	d.GapDays = res.GapDays
	d.Growth = float64(d.ActiveAds-d.PreviousActive) / float64(max(d.PreviousActive, 1))
	return d, true
}

// FirstSeen returns the earliest date in history, or false when empty.
func FirstSeen[T any](history []T, dateOf func(T) time.Time) (time.Time, bool) {
	var first time.Time
	found := false
	for _, obs := range history {
		d := model.Day(dateOf(obs))
		if !found || d.Before(first) {
			first = d
			found = true
		}
	}
	return first, found
}
