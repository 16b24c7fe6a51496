package model

import "time"

// RunStatus represents the state of a per-date engine run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusComputing RunStatus = "computing"
	RunStatusCommitted RunStatus = "committed"
	RunStatusFailed    RunStatus = "failed"
)

// IsTerminal reports whether no further transition is expected for the run.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCommitted || s == RunStatusFailed
}

// CanTransition reports whether a run may move from s to next.
func (s RunStatus) CanTransition(next RunStatus) bool {
	switch s {
	case RunStatusPending:
		return next == RunStatusComputing || next == RunStatusFailed
	case RunStatusComputing:
		return next == RunStatusCommitted || next == RunStatusFailed
	default:
		return false
	}
}

// Run is one recompute of one date's leaderboard.
type Run struct {
	ID         string     `json:"id"`
	Date       time.Time  `json:"date"`
	Status     RunStatus  `json:"status"`
	ConfigHash string     `json:"config_hash,omitempty"`
	Result     *RunResult `json:"result,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// RunResult holds the outcome counters of a run.
type RunResult struct {
	Brands   int    `json:"brands"`
	Events   int    `json:"events"`
	Rejected int    `json:"rejected"`
	Error    string `json:"error,omitempty"`
	// ErrorClass is "transient" or "permanent" for failed runs.
	ErrorClass string `json:"error_class,omitempty"`
}
