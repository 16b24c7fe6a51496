package scorer

import (
	"math"
	"time"

	"github.com/merchwire/brief-engine/internal/config"
	"github.com/merchwire/brief-engine/internal/delta"
	"github.com/merchwire/brief-engine/internal/model"
)

// VariantInput is one variant observed on the scoring date.
type VariantInput struct {
	Delta     delta.PriceDelta
	FirstSeen time.Time
}

// BrandInput is everything the aggregator needs about one brand on one date.
// Ad is nil when the brand has no ad observation that day.
type BrandInput struct {
	BrandID  int64
	Ad       *delta.AdDelta
	Variants []VariantInput
}

// HasData reports whether the brand has any observation on the date.
func (b BrandInput) HasData() bool {
	return b.Ad != nil || len(b.Variants) > 0
}

// BrandScore holds the scoring result for one brand.
type BrandScore struct {
	BrandID    int64              `json:"brand_id"`
	Score      float64            `json:"score"`
	Components map[string]float64 `json:"components"`
}

// Formula turns component values into a score. Implementations must be total
// and deterministic.
type Formula interface {
	Combine(components map[string]float64) float64
}

// WeightedMean is the default Formula: 100 * sum(w_i * c_i) / sum(w_i) over
// components in [0, 1], so scores land in [0, 100].
type WeightedMean struct {
	weights map[string]float64
	sum     float64
}

// NewWeightedMean builds the default formula from validated weights.
func NewWeightedMean(w config.ScoringWeights) *WeightedMean {
	f := &WeightedMean{weights: make(map[string]float64, len(Components))}
	byName := weightsByName(w)
	// Summed in component order so the total is bit-identical across runs.
	for _, name := range Components {
		if v := byName[name]; v != nil {
			f.weights[name] = *v
			f.sum += *v
		}
	}
	return f
}

// Combine implements Formula.
func (f *WeightedMean) Combine(components map[string]float64) float64 {
	if f.sum <= 0 {
		return 0
	}
	var total float64
	for _, name := range Components {
		total += components[name] * f.weights[name]
	}
	return total / f.sum * 100
}

// Aggregator scores brands from their resolved deltas.
type Aggregator struct {
	cfg     config.ScoringConfig
	formula Formula
}

// NewAggregator validates cfg and returns an Aggregator using the weighted
// mean formula.
func NewAggregator(cfg config.ScoringConfig) (*Aggregator, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return &Aggregator{cfg: cfg, formula: NewWeightedMean(cfg.Weights)}, nil
}

// WithFormula swaps the combining formula.
func (a *Aggregator) WithFormula(f Formula) *Aggregator {
	return &Aggregator{cfg: a.cfg, formula: f}
}

// Score computes one brand's score for date. Missing terms score zero.
func (a *Aggregator) Score(date time.Time, in BrandInput) BrandScore {
	components := computeComponents(date, in, a.cfg)
	score := a.formula.Combine(components)
	if math.IsNaN(score) || math.IsInf(score, 0) {
		score = 0
	}
	return BrandScore{BrandID: in.BrandID, Score: score, Components: components}
}

// ScoreAll scores every brand with data, preserving input order.
func (a *Aggregator) ScoreAll(date time.Time, inputs []BrandInput) []BrandScore {
	out := make([]BrandScore, 0, len(inputs))
	for _, in := range inputs {
		if !in.HasData() {
			continue
		}
		out = append(out, a.Score(date, in))
	}
	return out
}

func computeComponents(date time.Time, in BrandInput, cfg config.ScoringConfig) map[string]float64 {
	c := map[string]float64{
		ComponentAdLevel:         0,
		ComponentAdGrowth:        0,
		ComponentPriceIntensity:  0,
		ComponentDiscountBreadth: 0,
		ComponentFreshness:       0,
	}

	if in.Ad != nil {
		c[ComponentAdLevel] = scoreAdLevel(in.Ad.ActiveAds, cfg.AdLevelHalfSat)
		if in.Ad.HasPrevious {
			c[ComponentAdGrowth] = scoreAdGrowth(in.Ad.Growth, cfg.AdGrowthCap)
		}
	}

	if n := len(in.Variants); n > 0 {
		var absSum float64
		var discounted, fresh int
		for _, v := range in.Variants {
			if v.Delta.Defined {
				absSum += math.Abs(v.Delta.Pct)
			}
			if v.Delta.DiscountPct > 0 {
				discounted++
			}
			if isFresh(date, v.FirstSeen, cfg.FreshnessWindowDays) {
				fresh++
			}
		}
		c[ComponentPriceIntensity] = scorePriceIntensity(absSum/float64(n), cfg.IntensityCap)
		c[ComponentDiscountBreadth] = float64(discounted) / float64(n)
		c[ComponentFreshness] = float64(fresh) / float64(n)
	}

	return c
}

// scoreAdLevel saturates: halfSat active ads score 0.5.
func scoreAdLevel(active int64, halfSat float64) float64 {
	if active <= 0 || halfSat <= 0 {
		return 0
	}
	a := float64(active)
	return a / (a + halfSat)
}

// scoreAdGrowth maps growth in [0, cap] linearly to [0, 1]. Shrinking ad
// volume scores zero.
func scoreAdGrowth(growth, growthCap float64) float64 {
	if growthCap <= 0 || !(growth > 0) {
		return 0
	}
	return math.Min(growth, growthCap) / growthCap
}

// scorePriceIntensity maps mean absolute change in [0, cap] to [0, 1].
func scorePriceIntensity(meanAbs, intensityCap float64) float64 {
	if intensityCap <= 0 || !(meanAbs > 0) {
		return 0
	}
	return math.Min(meanAbs, intensityCap) / intensityCap
}

func isFresh(date, firstSeen time.Time, windowDays int) bool {
	if firstSeen.IsZero() || windowDays <= 0 {
		return false
	}
	age := model.DaysBetween(firstSeen, date)
	return age >= 0 && age < windowDays
}
