package store

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/merchwire/brief-engine/internal/model"
)

// defaultCurrency applies to observations loaded without one.
const defaultCurrency = "USD"

func currencyOrDefault(c string) string {
	if c == "" {
		return defaultCurrency
	}
	return c
}

// checkBatchDates rejects output rows that do not belong to day.
func checkBatchDates(day time.Time, entries []model.LeaderboardEntry, events []model.AnomalyEvent) error {
	for _, e := range entries {
		if !model.Day(e.Date).Equal(day) {
			return eris.Errorf("store: entry for brand %d dated %s, want %s",
				e.BrandID, model.FormatDay(e.Date), model.FormatDay(day))
		}
	}
	for _, e := range events {
		if !model.Day(e.Date).Equal(day) {
			return eris.Errorf("store: %s event for %s %d dated %s, want %s",
				e.Kind, e.EntityType, e.EntityID, model.FormatDay(e.Date), model.FormatDay(day))
		}
	}
	return nil
}

func brandRows(brands []model.Brand) [][]any {
	rows := make([][]any, len(brands))
	for i, b := range brands {
		rows[i] = []any{b.ID, b.Name, b.Domain, b.Category, b.SocialPageID}
	}
	return rows
}

func productRows(products []model.Product) [][]any {
	rows := make([][]any, len(products))
	for i, p := range products {
		rows[i] = []any{p.ID, p.BrandID, p.Handle, p.Title, p.URL}
	}
	return rows
}

func variantRows(variants []model.Variant) ([][]any, error) {
	rows := make([][]any, len(variants))
	for i, v := range variants {
		opts, err := marshalOptions(v.Options)
		if err != nil {
			return nil, eris.Wrapf(err, "store: marshal options for variant %d", v.ID)
		}
		rows[i] = []any{v.ID, v.ProductID, v.SKU, opts}
	}
	return rows, nil
}

func marshalOptions(opts map[string]string) (string, error) {
	if len(opts) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(opts)
	return string(data), err
}

func priceRows(prices []model.PriceObservation) [][]any {
	rows := make([][]any, len(prices))
	for i, p := range prices {
		rows[i] = []any{p.VariantID, model.Day(p.Date), p.PriceCents, p.CompareAtCents, currencyOrDefault(p.Currency), p.Available}
	}
	return rows
}

func adRows(ads []model.AdActivityObservation) [][]any {
	rows := make([][]any, len(ads))
	for i, a := range ads {
		rows[i] = []any{a.BrandID, model.Day(a.Date), a.ActiveAds, a.NewAds24h}
	}
	return rows
}
