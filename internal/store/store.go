// Package store persists catalog facts, leaderboards, anomaly events and the
// engine run log. Postgres is the production backend; SQLite serves local
// runs and end-to-end tests.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/merchwire/brief-engine/internal/config"
	"github.com/merchwire/brief-engine/internal/model"
	"github.com/merchwire/brief-engine/internal/resilience"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Date   *time.Time      `json:"date,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// EventFilter specifies criteria for listing anomaly events.
type EventFilter struct {
	Date    time.Time       `json:"date"`
	Kind    model.EventKind `json:"kind,omitempty"`
	BrandID int64           `json:"brand_id,omitempty"`
	Limit   int             `json:"limit,omitempty"`
}

// Store defines the persistence interface for the signal and ranking engine.
type Store interface {
	// Facts
	LoadDayFacts(ctx context.Context, date time.Time, lookbackDays int) (*model.DayFacts, error)
	UpsertFacts(ctx context.Context, batch *model.FactBatch) error

	// Outputs. ReplaceLeaderboard swaps a date's entries and events in one
	// transaction; readers see the old set or the new one, never a mix.
	ReplaceLeaderboard(ctx context.Context, date time.Time, entries []model.LeaderboardEntry, events []model.AnomalyEvent) error
	ListLeaderboard(ctx context.Context, date time.Time, limit int) ([]model.LeaderboardEntry, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]model.AnomalyEvent, error)

	// Runs
	CreateRun(ctx context.Context, date time.Time, configHash string) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	FinishRun(ctx context.Context, runID string, status model.RunStatus, result *model.RunResult) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// Open connects to the backend named by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		s, err := NewPostgres(ctx, cfg.DatabaseURL, &PoolConfig{MaxConns: cfg.MaxConns, MinConns: cfg.MinConns})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite":
		s, err := NewSQLite(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

// WriteConflictError reports that a leaderboard write lost a race for its
// date (lock held elsewhere, serialization failure, busy database).
type WriteConflictError struct {
	Date   time.Time
	Reason string
	Err    error
}

func (e *WriteConflictError) Error() string {
	msg := fmt.Sprintf("store: write conflict for %s: %s", model.FormatDay(e.Date), e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *WriteConflictError) Unwrap() error {
	return e.Err
}

// newWriteConflict returns a retryable WriteConflictError.
func newWriteConflict(date time.Time, reason string, err error) error {
	return resilience.NewTransientError(&WriteConflictError{Date: model.Day(date), Reason: reason, Err: err}, "write-conflict")
}

// IsWriteConflict reports whether err is, or wraps, a WriteConflictError.
func IsWriteConflict(err error) bool {
	var wce *WriteConflictError
	return errors.As(err, &wce)
}

// ErrNotFound is returned when a requested run does not exist.
var ErrNotFound = errors.New("store: not found")

func listLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
