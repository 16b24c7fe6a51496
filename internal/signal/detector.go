// Package signal classifies resolved deltas into anomaly events.
package signal

import (
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/merchwire/brief-engine/internal/config"
	"github.com/merchwire/brief-engine/internal/delta"
	"github.com/merchwire/brief-engine/internal/model"
)

// Detector applies the configured thresholds to deltas. It holds no state
// beyond its thresholds and is safe for concurrent use.
type Detector struct {
	mover         float64
	discountSpike float64
	adSurge       float64

	moverOn         bool
	discountSpikeOn bool
	adSurgeOn       bool
}

// NewDetector builds a Detector. A threshold that is missing, NaN, infinite,
// or negative disables its check instead of failing.
func NewDetector(cfg config.SignalsConfig) *Detector {
	d := &Detector{}
	d.mover, d.moverOn = threshold("mover_threshold", cfg.MoverThreshold)
	d.discountSpike, d.discountSpikeOn = threshold("discount_spike_threshold", cfg.DiscountSpikeThreshold)
	d.adSurge, d.adSurgeOn = threshold("ad_surge_threshold", cfg.AdSurgeThreshold)
	return d
}

func threshold(name string, v *float64) (float64, bool) {
	if v == nil {
		zap.L().Warn("signal: threshold not configured, check disabled", zap.String("threshold", name))
		return 0, false
	}
	if math.IsNaN(*v) || math.IsInf(*v, 0) || *v < 0 {
		zap.L().Warn("signal: threshold invalid, check disabled",
			zap.String("threshold", name),
			zap.Float64("value", *v),
		)
		return 0, false
	}
	return *v, true
}

// Enabled reports which checks are active, keyed by event kind.
func (d *Detector) Enabled() map[model.EventKind]bool {
	return map[model.EventKind]bool{
		model.EventPriceMover:    d.moverOn,
		model.EventDiscountSpike: d.discountSpikeOn,
		model.EventAdSurge:       d.adSurgeOn,
	}
}

// DetectPrice returns the events fired by one variant's price delta.
func (d *Detector) DetectPrice(date time.Time, brandID int64, pd delta.PriceDelta) []model.AnomalyEvent {
	var events []model.AnomalyEvent
	event := func(kind model.EventKind, magnitude float64) model.AnomalyEvent {
		return model.AnomalyEvent{
			Date:       model.Day(date),
			EntityType: model.EntityVariant,
			EntityID:   pd.VariantID,
			BrandID:    brandID,
			Kind:       kind,
			Magnitude:  magnitude,
		}
	}

	if pd.Defined {
		if d.discountSpikeOn && pd.Pct <= -d.discountSpike {
			events = append(events, event(model.EventDiscountSpike, pd.Pct))
		}
		if d.moverOn && math.Abs(pd.Pct) >= d.mover {
			events = append(events, event(model.EventPriceMover, pd.Pct))
		}
	}

	switch pd.Availability {
	case delta.AvailabilityRestocked:
		events = append(events, event(model.EventBackInStock, 1))
	case delta.AvailabilitySoldOut:
		events = append(events, event(model.EventOutOfStock, -1))
	}

	return events
}

// DetectAds returns the ad-surge event for one brand's ad delta, if any.
// Without a prior observation there is nothing to surge from.
func (d *Detector) DetectAds(date time.Time, ad delta.AdDelta) []model.AnomalyEvent {
	if !d.adSurgeOn || !ad.HasPrevious {
		return nil
	}
	ratio := SurgeRatio(ad.NewAds24h, ad.PreviousActive)
	if ratio < d.adSurge {
		return nil
	}
	return []model.AnomalyEvent{{
		Date:       model.Day(date),
		EntityType: model.EntityBrand,
		EntityID:   ad.BrandID,
		BrandID:    ad.BrandID,
		Kind:       model.EventAdSurge,
		Magnitude:  ratio,
	}}
}

// SurgeRatio is newAds24h / max(previousActive, 1).
func SurgeRatio(newAds24h, previousActive int64) float64 {
	return float64(newAds24h) / float64(max(previousActive, 1))
}

// SortEvents orders events by brand, entity, and kind so output never depends
// on the order workers finished in.
func SortEvents(events []model.AnomalyEvent) {
	sort.Slice(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.BrandID != b.BrandID {
			return a.BrandID < b.BrandID
		}
		if a.EntityType != b.EntityType {
			return a.EntityType < b.EntityType
		}
		if a.EntityID != b.EntityID {
			return a.EntityID < b.EntityID
		}
		return a.Kind < b.Kind
	})
}

// TopMovers returns at most n price-mover events ordered by absolute
// magnitude, largest first, ties broken by variant ID.
func TopMovers(events []model.AnomalyEvent, n int) []model.AnomalyEvent {
	var movers []model.AnomalyEvent
	for _, e := range events {
		if e.Kind == model.EventPriceMover {
			movers = append(movers, e)
		}
	}
	sort.Slice(movers, func(i, j int) bool {
		mi, mj := math.Abs(movers[i].Magnitude), math.Abs(movers[j].Magnitude)
		if mi != mj {
			return mi > mj
		}
		return movers[i].EntityID < movers[j].EntityID
	})
	if n > 0 && len(movers) > n {
		movers = movers[:n]
	}
	return movers
}
