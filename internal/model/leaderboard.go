package model

import "time"

// LeaderboardEntry is one brand's computed score and dense rank for a date.
type LeaderboardEntry struct {
	Date      time.Time `json:"date"`
	BrandID   int64     `json:"brand_id"`
	BrandName string    `json:"brand_name,omitempty"`
	Score     float64   `json:"score"`
	Rank      int       `json:"rank"`
}

// EventKind names an anomaly class.
type EventKind string

const (
	EventDiscountSpike EventKind = "discount-spike"
	EventPriceMover    EventKind = "price-mover"
	EventAdSurge       EventKind = "ad-surge"
	EventBackInStock   EventKind = "back-in-stock"
	EventOutOfStock    EventKind = "out-of-stock"
)

// EntityType says what an event's EntityID refers to.
type EntityType string

const (
	EntityVariant EntityType = "variant"
	EntityBrand   EntityType = "brand"
)

// AnomalyEvent is a threshold crossing detected for one entity on one date.
type AnomalyEvent struct {
	Date       time.Time  `json:"date"`
	EntityType EntityType `json:"entity_type"`
	EntityID   int64      `json:"entity_id"`
	BrandID    int64      `json:"brand_id"`
	Kind       EventKind  `json:"kind"`
	Magnitude  float64    `json:"magnitude"`
}
