// Package monitoring watches engine run health and posts alerts to a webhook.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/merchwire/brief-engine/internal/model"
	"github.com/merchwire/brief-engine/internal/store"
)

// maxRunScan bounds how many runs one collection reads.
const maxRunScan = 10000

// MetricsSnapshot holds a point-in-time view of run health.
type MetricsSnapshot struct {
	// Runs started within the lookback window.
	RunsTotal     int     `json:"runs_total"`
	RunsCommitted int     `json:"runs_committed"`
	RunsFailed    int     `json:"runs_failed"`
	RunsInFlight  int     `json:"runs_in_flight"`
	FailRate      float64 `json:"fail_rate"`
	Transient     int     `json:"transient"`
	Permanent     int     `json:"permanent"`
	Rejected      int     `json:"rejected"`

	// LastCommitAt is the finish time of the newest committed run ever seen,
	// zero if none.
	LastCommitAt time.Time `json:"last_commit_at,omitzero"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunLister is the slice of store.Store the collector reads.
type RunLister interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
}

// Collector gathers run metrics from the store.
type Collector struct {
	runs RunLister
	now  func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(runs RunLister) *Collector {
	return &Collector{runs: runs, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.runs.ListRuns(ctx, store.RunFilter{Limit: maxRunScan})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	for _, r := range runs {
		if r.Status == model.RunStatusCommitted && r.FinishedAt != nil && r.FinishedAt.After(snap.LastCommitAt) {
			snap.LastCommitAt = r.FinishedAt.UTC()
		}
		if r.StartedAt.Before(cutoff) {
			continue
		}

		snap.RunsTotal++
		if r.Result != nil {
			snap.Rejected += r.Result.Rejected
		}
		switch r.Status {
		case model.RunStatusCommitted:
			snap.RunsCommitted++
		case model.RunStatusFailed:
			snap.RunsFailed++
			if r.Result != nil {
				switch r.Result.ErrorClass {
				case "transient":
					snap.Transient++
				case "permanent":
					snap.Permanent++
				}
			}
		default:
			snap.RunsInFlight++
		}
	}

	if finished := snap.RunsCommitted + snap.RunsFailed; finished > 0 {
		snap.FailRate = float64(snap.RunsFailed) / float64(finished)
	}
	return snap, nil
}
