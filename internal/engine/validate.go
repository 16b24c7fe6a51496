package engine

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/merchwire/brief-engine/internal/model"
)

// UpstreamDataError describes a fact row the engine refused to use. The
// entity it belongs to is left out of that date's computation.
type UpstreamDataError struct {
	EntityType model.EntityType `json:"entity_type"`
	EntityID   int64            `json:"entity_id"`
	Date       time.Time        `json:"date,omitzero"`
	Reason     string           `json:"reason"`
}

func (e *UpstreamDataError) Error() string {
	if e.Date.IsZero() {
		return fmt.Sprintf("engine: rejected %s %d: %s", e.EntityType, e.EntityID, e.Reason)
	}
	return fmt.Sprintf("engine: rejected %s %d on %s: %s", e.EntityType, e.EntityID, model.FormatDay(e.Date), e.Reason)
}

type entityKey struct {
	typ model.EntityType
	id  int64
}

type obsKey struct {
	id  int64
	day time.Time
}

// ValidateFacts drops malformed or out-of-range rows from facts and returns
// the cleaned copy with one UpstreamDataError per rejected entity.
//
// A bad price row rejects its variant. A bad ad row rejects that brand's ad
// series; the brand can still score on its variants. A duplicated brand id
// rejects the brand and every variant under it.
func ValidateFacts(facts *model.DayFacts) (*model.DayFacts, []*UpstreamDataError) {
	day := model.Day(facts.Date)

	found := make(map[entityKey]*UpstreamDataError)
	reject := func(typ model.EntityType, id int64, date time.Time, reason string) {
		k := entityKey{typ, id}
		if _, ok := found[k]; !ok {
			found[k] = &UpstreamDataError{EntityType: typ, EntityID: id, Date: date, Reason: reason}
		}
	}

	brandCount := make(map[int64]int, len(facts.Brands))
	for _, b := range facts.Brands {
		brandCount[b.ID]++
	}
	badBrand := make(map[int64]bool)
	for id, n := range brandCount {
		if n > 1 {
			badBrand[id] = true
			reject(model.EntityBrand, id, time.Time{}, "duplicate brand id")
		}
	}

	variantCount := make(map[int64]int, len(facts.Variants))
	for _, v := range facts.Variants {
		variantCount[v.VariantID]++
	}
	badVariant := make(map[int64]bool)
	for _, v := range facts.Variants {
		reason := ""
		switch {
		case variantCount[v.VariantID] > 1:
			reason = "duplicate variant id"
		case brandCount[v.BrandID] == 0:
			reason = fmt.Sprintf("unknown brand %d", v.BrandID)
		case badBrand[v.BrandID]:
			reason = fmt.Sprintf("brand %d rejected", v.BrandID)
		}
		if reason != "" {
			badVariant[v.VariantID] = true
			reject(model.EntityVariant, v.VariantID, time.Time{}, reason)
		}
	}

	priceCount := make(map[obsKey]int, len(facts.Prices))
	for _, p := range facts.Prices {
		priceCount[obsKey{p.VariantID, model.Day(p.Date)}]++
	}
	for _, p := range facts.Prices {
		d := model.Day(p.Date)
		reason := ""
		switch {
		case variantCount[p.VariantID] == 0:
			reason = "price for unknown variant"
		case p.PriceCents < 0:
			reason = fmt.Sprintf("negative price %d", p.PriceCents)
		case p.CompareAtCents != nil && *p.CompareAtCents < 0:
			reason = fmt.Sprintf("negative compare-at price %d", *p.CompareAtCents)
		case d.After(day):
			reason = "price dated after run date"
		case priceCount[obsKey{p.VariantID, d}] > 1:
			reason = "duplicate price observation"
		}
		if reason != "" {
			badVariant[p.VariantID] = true
			reject(model.EntityVariant, p.VariantID, d, reason)
		}
	}

	adCount := make(map[obsKey]int, len(facts.Ads))
	for _, a := range facts.Ads {
		adCount[obsKey{a.BrandID, model.Day(a.Date)}]++
	}
	badAds := make(map[int64]bool)
	for _, a := range facts.Ads {
		d := model.Day(a.Date)
		reason := ""
		switch {
		case brandCount[a.BrandID] == 0:
			reason = "ad activity for unknown brand"
		case a.ActiveAds < 0 || a.NewAds24h < 0:
			reason = fmt.Sprintf("negative ad count (active %d, new %d)", a.ActiveAds, a.NewAds24h)
		case d.After(day):
			reason = "ad activity dated after run date"
		case adCount[obsKey{a.BrandID, d}] > 1:
			reason = "duplicate ad observation"
		}
		if reason != "" {
			badAds[a.BrandID] = true
			reject(model.EntityBrand, a.BrandID, d, reason)
		}
	}

	clean := &model.DayFacts{Date: day}
	for _, b := range facts.Brands {
		if !badBrand[b.ID] {
			clean.Brands = append(clean.Brands, b)
		}
	}
	for _, v := range facts.Variants {
		if !badVariant[v.VariantID] {
			clean.Variants = append(clean.Variants, v)
		}
	}
	for _, p := range facts.Prices {
		if !badVariant[p.VariantID] {
			clean.Prices = append(clean.Prices, p)
		}
	}
	for _, a := range facts.Ads {
		if !badAds[a.BrandID] && !badBrand[a.BrandID] {
			clean.Ads = append(clean.Ads, a)
		}
	}

	out := make([]*UpstreamDataError, 0, len(found))
	for _, e := range found {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityType != out[j].EntityType {
			return out[i].EntityType < out[j].EntityType
		}
		return out[i].EntityID < out[j].EntityID
	})

	for _, e := range out {
		zap.L().Warn("engine: rejected upstream data",
			zap.String("entity_type", string(e.EntityType)),
			zap.Int64("entity_id", e.EntityID),
			zap.String("reason", e.Reason),
		)
	}
	return clean, out
}
