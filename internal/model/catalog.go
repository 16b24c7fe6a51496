// Package model defines the catalog, fact, and output types shared by the
// signal and ranking engine.
package model

import "time"

// Brand is a tracked storefront.
type Brand struct {
	ID           int64  `json:"id" yaml:"id"`
	Name         string `json:"name" yaml:"name"`
	Domain       string `json:"domain" yaml:"domain"`
	Category     string `json:"category" yaml:"category"`
	SocialPageID string `json:"social_page_id,omitempty" yaml:"social_page_id,omitempty"`
}

// Product belongs to exactly one Brand.
type Product struct {
	ID      int64  `json:"id" yaml:"id"`
	BrandID int64  `json:"brand_id" yaml:"brand_id"`
	Handle  string `json:"handle" yaml:"handle"`
	Title   string `json:"title" yaml:"title"`
	URL     string `json:"url" yaml:"url"`
}

// Variant is a purchasable SKU-level unit of a Product.
type Variant struct {
	ID        int64             `json:"id" yaml:"id"`
	ProductID int64             `json:"product_id" yaml:"product_id"`
	SKU       string            `json:"sku,omitempty" yaml:"sku,omitempty"`
	Options   map[string]string `json:"options,omitempty" yaml:"options,omitempty"`
}

// VariantRef ties a variant to its owning brand, which is how the engine
// groups price facts. FirstSeen is the variant's earliest price observation
// across all history; zero when the store could not tell.
type VariantRef struct {
	VariantID int64     `json:"variant_id" yaml:"variant_id"`
	ProductID int64     `json:"product_id" yaml:"product_id"`
	BrandID   int64     `json:"brand_id" yaml:"brand_id"`
	SKU       string    `json:"sku,omitempty" yaml:"sku,omitempty"`
	Title     string    `json:"title,omitempty" yaml:"title,omitempty"`
	FirstSeen time.Time `json:"first_seen,omitempty" yaml:"first_seen,omitempty"`
}
