package model

import "time"

// PriceObservation is the daily price snapshot of one variant. There is at
// most one per (VariantID, Date).
type PriceObservation struct {
	VariantID      int64     `json:"variant_id" yaml:"variant_id"`
	Date           time.Time `json:"date" yaml:"date"`
	PriceCents     int64     `json:"price_cents" yaml:"price_cents"`
	CompareAtCents *int64    `json:"compare_at_cents,omitempty" yaml:"compare_at_cents,omitempty"`
	Currency       string    `json:"currency" yaml:"currency"`
	Available      bool      `json:"available" yaml:"available"`
}

// AdActivityObservation is the daily ad snapshot of one brand.
type AdActivityObservation struct {
	BrandID   int64     `json:"brand_id" yaml:"brand_id"`
	Date      time.Time `json:"date" yaml:"date"`
	ActiveAds int64     `json:"active_ads" yaml:"active_ads"`
	NewAds24h int64     `json:"new_ads_24h" yaml:"new_ads_24h"`
}

// DayFacts is everything the engine reads for one run: the catalog plus the
// price and ad history inside the lookback window, ending on Date.
type DayFacts struct {
	Date     time.Time
	Brands   []Brand
	Variants []VariantRef
	Prices   []PriceObservation
	Ads      []AdActivityObservation
}

// FactBatch is a set of validated catalog and observation rows to load into
// the fact store. Loading is idempotent on each table's natural key.
type FactBatch struct {
	Brands   []Brand                 `json:"brands" yaml:"brands"`
	Products []Product               `json:"products" yaml:"products"`
	Variants []Variant               `json:"variants" yaml:"variants"`
	Prices   []PriceObservation      `json:"prices" yaml:"prices"`
	Ads      []AdActivityObservation `json:"ads" yaml:"ads"`
}

// Len returns the total number of rows in the batch.
func (b *FactBatch) Len() int {
	return len(b.Brands) + len(b.Products) + len(b.Variants) + len(b.Prices) + len(b.Ads)
}
