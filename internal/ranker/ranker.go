// Package ranker orders brand scores into a dense daily leaderboard.
package ranker

import (
	"math"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/merchwire/brief-engine/internal/model"
	"github.com/merchwire/brief-engine/internal/scorer"
)

// Rank sorts scores by score descending, then brand ID ascending, and assigns
// ranks 1..K. The input slice is not modified. NaN scores sort last.
func Rank(date time.Time, scores []scorer.BrandScore) []model.LeaderboardEntry {
	sorted := make([]scorer.BrandScore, len(scores))
	copy(sorted, scores)
	sort.SliceStable(sorted, func(i, j int) bool {
		return less(sorted[i], sorted[j])
	})

	entries := make([]model.LeaderboardEntry, len(sorted))
	day := model.Day(date)
	for i, s := range sorted {
		entries[i] = model.LeaderboardEntry{
			Date:    day,
			BrandID: s.BrandID,
			Score:   s.Score,
			Rank:    i + 1,
		}
	}
	return entries
}

func less(a, b scorer.BrandScore) bool {
	aNaN, bNaN := math.IsNaN(a.Score), math.IsNaN(b.Score)
	switch {
	case aNaN && !bNaN:
		return false
	case bNaN && !aNaN:
		return true
	case !aNaN && a.Score != b.Score:
		return a.Score > b.Score
	}
	return a.BrandID < b.BrandID
}

// Verify checks that entries form a dense, gapless ranking with one row per
// brand, in the order Rank produces.
func Verify(entries []model.LeaderboardEntry) error {
	seen := make(map[int64]struct{}, len(entries))
	for i, e := range entries {
		if e.Rank != i+1 {
			return eris.Errorf("ranker: entry %d for brand %d has rank %d", i, e.BrandID, e.Rank)
		}
		if _, dup := seen[e.BrandID]; dup {
			return eris.Errorf("ranker: brand %d ranked twice", e.BrandID)
		}
		seen[e.BrandID] = struct{}{}
		if i == 0 {
			continue
		}
		prev := entries[i-1]
		if !prev.Date.Equal(e.Date) {
			return eris.Errorf("ranker: mixed dates %s and %s", model.FormatDay(prev.Date), model.FormatDay(e.Date))
		}
		if prev.Score < e.Score || (prev.Score == e.Score && prev.BrandID > e.BrandID) {
			return eris.Errorf("ranker: brand %d out of order at rank %d", e.BrandID, e.Rank)
		}
	}
	return nil
}
