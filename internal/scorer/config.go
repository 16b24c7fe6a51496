// Package scorer combines per-brand metrics into one configurable score.
package scorer

import (
	"fmt"
	"math"
	"strings"

	"github.com/merchwire/brief-engine/internal/config"
)

// Component names, in the fixed order they are summed.
const (
	ComponentAdLevel         = "ad_level"
	ComponentAdGrowth        = "ad_growth"
	ComponentPriceIntensity  = "price_intensity"
	ComponentDiscountBreadth = "discount_breadth"
	ComponentFreshness       = "freshness"
)

// Components lists every score component in summation order.
var Components = []string{
	ComponentAdLevel,
	ComponentAdGrowth,
	ComponentPriceIntensity,
	ComponentDiscountBreadth,
	ComponentFreshness,
}

// DefaultScoringConfig returns a config.ScoringConfig with sensible defaults.
// Weights sum to 100.
func DefaultScoringConfig() config.ScoringConfig {
	return config.ScoringConfig{
		Weights: config.ScoringWeights{
			AdLevel:         config.Float(20),
			AdGrowth:        config.Float(15),
			PriceIntensity:  config.Float(35),
			DiscountBreadth: config.Float(20),
			Freshness:       config.Float(10),
		},
		AdLevelHalfSat:      20,
		AdGrowthCap:         1.0,
		IntensityCap:        0.25,
		FreshnessWindowDays: 7,
	}
}

// ConfigurationError reports scoring configuration that makes every score
// meaningless. The run must stop before reading any facts.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return "scorer: invalid configuration: " + strings.Join(e.Problems, "; ")
}

// weightsByName maps component names to their configured weights.
func weightsByName(w config.ScoringWeights) map[string]*float64 {
	return map[string]*float64{
		ComponentAdLevel:         w.AdLevel,
		ComponentAdGrowth:        w.AdGrowth,
		ComponentPriceIntensity:  w.PriceIntensity,
		ComponentDiscountBreadth: w.DiscountBreadth,
		ComponentFreshness:       w.Freshness,
	}
}

// WeightSum returns the sum of all component weights. Missing weights count
// as zero.
func WeightSum(c config.ScoringConfig) float64 {
	var sum float64
	weights := weightsByName(c.Weights)
	for _, name := range Components {
		if w := weights[name]; w != nil {
			sum += *w
		}
	}
	return sum
}

// ValidateConfig checks that a ScoringConfig is complete and internally
// consistent. Problems are reported together as one *ConfigurationError.
func ValidateConfig(c config.ScoringConfig) error {
	var errs []string

	weights := weightsByName(c.Weights)
	for _, name := range Components {
		w := weights[name]
		switch {
		case w == nil:
			errs = append(errs, fmt.Sprintf("weights.%s is required", name))
		case math.IsNaN(*w) || math.IsInf(*w, 0):
			errs = append(errs, fmt.Sprintf("weights.%s must be a number", name))
		case *w < 0:
			errs = append(errs, fmt.Sprintf("weights.%s must be >= 0", name))
		}
	}

	if len(errs) == 0 && WeightSum(c) <= 0 {
		errs = append(errs, "weight sum must be > 0")
	}

	if !(c.AdLevelHalfSat > 0) {
		errs = append(errs, "ad_level_half_sat must be > 0")
	}
	if !(c.AdGrowthCap > 0) {
		errs = append(errs, "ad_growth_cap must be > 0")
	}
	if !(c.IntensityCap > 0) {
		errs = append(errs, "intensity_cap must be > 0")
	}
	if c.FreshnessWindowDays < 0 {
		errs = append(errs, "freshness_window_days must be >= 0")
	}

	if len(errs) > 0 {
		return &ConfigurationError{Problems: errs}
	}
	return nil
}
