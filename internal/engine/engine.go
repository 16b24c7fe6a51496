// Package engine runs the per-date signal and ranking computation: load
// facts, resolve deltas, detect anomalies, score and rank brands, then swap
// the date's leaderboard in one commit.
package engine

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/merchwire/brief-engine/internal/config"
	"github.com/merchwire/brief-engine/internal/delta"
	"github.com/merchwire/brief-engine/internal/model"
	"github.com/merchwire/brief-engine/internal/ranker"
	"github.com/merchwire/brief-engine/internal/resilience"
	"github.com/merchwire/brief-engine/internal/scorer"
	"github.com/merchwire/brief-engine/internal/signal"
	"github.com/merchwire/brief-engine/internal/store"
)

const defaultWorkers = 8

// Engine computes and commits daily leaderboards. One Engine may run many
// dates concurrently; runs for the same date queue behind each other.
type Engine struct {
	store    store.Store
	detector *signal.Detector
	scoring  config.ScoringConfig
	signals  config.SignalsConfig
	cfg      config.EngineConfig
	formula  scorer.Formula
	locks    *xsync.Map[string, *dateLock]
}

// New creates an Engine reading and writing through st.
func New(st store.Store, cfg *config.Config) *Engine {
	return &Engine{
		store:    st,
		detector: signal.NewDetector(cfg.Signals),
		scoring:  cfg.Scoring,
		signals:  cfg.Signals,
		cfg:      cfg.Engine,
		locks:    xsync.NewMap[string, *dateLock](),
	}
}

// WithFormula replaces the default weighted-mean score formula.
func (e *Engine) WithFormula(f scorer.Formula) *Engine {
	e.formula = f
	return e
}

// Result is the outcome of one committed run.
type Result struct {
	RunID    string                   `json:"run_id"`
	Date     time.Time                `json:"date"`
	Entries  []model.LeaderboardEntry `json:"entries"`
	Events   []model.AnomalyEvent     `json:"events"`
	Rejected []*UpstreamDataError     `json:"rejected,omitempty"`
}

// brandWork is one brand's slice of the day's facts.
type brandWork struct {
	brandID  int64
	ads      []model.AdActivityObservation
	variants []variantWork
}

type variantWork struct {
	ref     model.VariantRef
	history []model.PriceObservation
}

// Run computes the leaderboard for date and replaces whatever was committed
// for it before. Invalid score weights fail before the store is touched. Any
// failure before the commit leaves the previous leaderboard in place.
func (e *Engine) Run(ctx context.Context, date time.Time) (*Result, error) {
	day := model.Day(date)
	log := zap.L().With(zap.String("component", "engine"), zap.String("date", model.FormatDay(day)))

	agg, err := scorer.NewAggregator(e.scoring)
	if err != nil {
		return nil, err
	}
	if e.formula != nil {
		agg = agg.WithFormula(e.formula)
	}

	unlock, err := e.lockDate(ctx, day)
	if err != nil {
		return nil, eris.Wrapf(err, "engine: wait for %s", model.FormatDay(day))
	}
	defer unlock()

	run, err := e.store.CreateRun(ctx, day, e.ConfigHash())
	if err != nil {
		return nil, eris.Wrap(err, "engine: create run")
	}
	log = log.With(zap.String("run_id", run.ID))
	log.Info("engine: run started")

	status := run.Status
	advance := func(next model.RunStatus) error {
		if !status.CanTransition(next) {
			return eris.Errorf("engine: run %s cannot move from %s to %s", run.ID, status, next)
		}
		status = next
		return nil
	}

	result := &model.RunResult{}
	fail := func(cause error) (*Result, error) {
		if err := advance(model.RunStatusFailed); err != nil {
			log.Error("engine: bad transition", zap.Error(err))
		}
		result.Error = cause.Error()
		result.ErrorClass = resilience.ClassifyError(cause)
		// Record the failure even when ctx is what failed.
		if err := e.store.FinishRun(context.WithoutCancel(ctx), run.ID, model.RunStatusFailed, result); err != nil {
			log.Warn("engine: failed to record run failure", zap.Error(err))
		}
		log.Error("engine: run failed", zap.String("class", result.ErrorClass), zap.Error(cause))
		return nil, cause
	}

	if err := advance(model.RunStatusComputing); err != nil {
		return fail(err)
	}
	if err := e.store.UpdateRunStatus(ctx, run.ID, model.RunStatusComputing); err != nil {
		return fail(eris.Wrap(err, "engine: mark computing"))
	}

	facts, err := e.store.LoadDayFacts(ctx, day, e.lookbackDays())
	if err != nil {
		return fail(eris.Wrap(err, "engine: load facts"))
	}

	clean, rejected := ValidateFacts(facts)
	result.Rejected = len(rejected)

	work := groupByBrand(clean)
	inputs := make([]scorer.BrandInput, len(work))
	brandEvents := make([][]model.AnomalyEvent, len(work))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers())
	for i := range work {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			inputs[i], brandEvents[i] = e.processBrand(day, work[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fail(eris.Wrap(err, "engine: compute brands"))
	}

	scores := agg.ScoreAll(day, inputs)
	entries := ranker.Rank(day, scores)
	if err := ranker.Verify(entries); err != nil {
		return fail(err)
	}

	var events []model.AnomalyEvent
	for _, evs := range brandEvents {
		events = append(events, evs...)
	}
	signal.SortEvents(events)

	if err := ctx.Err(); err != nil {
		return fail(eris.Wrap(err, "engine: cancelled before commit"))
	}

	retry := resilience.FromEngineConfig(e.cfg)
	retry.OnRetry = resilience.RetryLogger("engine", "replace_leaderboard")
	err = resilience.Do(ctx, retry, func(ctx context.Context) error {
		return e.store.ReplaceLeaderboard(ctx, day, entries, events)
	})
	if err != nil {
		return fail(err)
	}

	if err := advance(model.RunStatusCommitted); err != nil {
		return fail(err)
	}
	result.Brands = len(entries)
	result.Events = len(events)
	if err := e.store.FinishRun(context.WithoutCancel(ctx), run.ID, model.RunStatusCommitted, result); err != nil {
		// The leaderboard is already committed; only the run log is stale.
		log.Warn("engine: failed to record run completion", zap.Error(err))
	}

	log.Info("engine: run committed",
		zap.Int("brands", result.Brands),
		zap.Int("events", result.Events),
		zap.Int("rejected", result.Rejected),
	)

	return &Result{
		RunID:    run.ID,
		Date:     day,
		Entries:  entries,
		Events:   events,
		Rejected: rejected,
	}, nil
}

// processBrand resolves deltas and fires signals for one brand. It touches
// only its own inputs.
func (e *Engine) processBrand(day time.Time, w brandWork) (scorer.BrandInput, []model.AnomalyEvent) {
	in := scorer.BrandInput{BrandID: w.brandID}
	var events []model.AnomalyEvent

	if ad, ok := delta.ResolveAds(w.ads, day); ok {
		in.Ad = &ad
		events = append(events, e.detector.DetectAds(day, ad)...)
	}

	for _, v := range w.variants {
		pd, ok := delta.ResolvePrice(v.history, day)
		if !ok {
			continue
		}
		firstSeen := v.ref.FirstSeen
		if firstSeen.IsZero() {
			firstSeen, _ = delta.FirstSeen(v.history, func(o model.PriceObservation) time.Time { return o.Date })
		}
		in.Variants = append(in.Variants, scorer.VariantInput{Delta: pd, FirstSeen: firstSeen})
		events = append(events, e.detector.DetectPrice(day, w.brandID, pd)...)
	}

	return in, events
}

// groupByBrand splits validated facts into per-brand work in brand id order.
func groupByBrand(facts *model.DayFacts) []brandWork {
	index := make(map[int64]int, len(facts.Brands))
	work := make([]brandWork, 0, len(facts.Brands))
	for _, b := range facts.Brands {
		if _, ok := index[b.ID]; ok {
			continue
		}
		index[b.ID] = len(work)
		work = append(work, brandWork{brandID: b.ID})
	}

	history := make(map[int64][]model.PriceObservation)
	for _, p := range facts.Prices {
		history[p.VariantID] = append(history[p.VariantID], p)
	}
	for _, v := range facts.Variants {
		i, ok := index[v.BrandID]
		if !ok {
			continue
		}
		work[i].variants = append(work[i].variants, variantWork{ref: v, history: history[v.VariantID]})
	}
	for _, a := range facts.Ads {
		if i, ok := index[a.BrandID]; ok {
			work[i].ads = append(work[i].ads, a)
		}
	}

	sort.Slice(work, func(i, j int) bool { return work[i].brandID < work[j].brandID })
	return work
}

// dateLock is a one-slot semaphore shared by every run holding or waiting on
// a date. refs is only touched inside locks.Compute.
type dateLock struct {
	sem  chan struct{}
	refs int
}

// lockDate serializes runs for one date inside this process. Waiting honors
// ctx. Store-level locking covers other processes. The entry is dropped once
// no run holds or waits on it.
func (e *Engine) lockDate(ctx context.Context, day time.Time) (func(), error) {
	key := model.FormatDay(day)
	l, _ := e.locks.Compute(key, func(old *dateLock, loaded bool) (*dateLock, xsync.ComputeOp) {
		if !loaded {
			old = &dateLock{sem: make(chan struct{}, 1)}
		}
		old.refs++
		return old, xsync.UpdateOp
	})
	release := func() {
		e.locks.Compute(key, func(old *dateLock, loaded bool) (*dateLock, xsync.ComputeOp) {
			if !loaded {
				return old, xsync.CancelOp
			}
			old.refs--
			if old.refs == 0 {
				return old, xsync.DeleteOp
			}
			return old, xsync.UpdateOp
		})
	}

	select {
	case l.sem <- struct{}{}:
		return func() {
			<-l.sem
			release()
		}, nil
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}
}

// ConfigHash fingerprints the settings that affect a run's output.
func (e *Engine) ConfigHash() string {
	return scorer.ConfigHash(struct {
		Thresholds   []string             `json:"thresholds"`
		Scoring      config.ScoringConfig `json:"scoring"`
		LookbackDays int                  `json:"lookback_days"`
	}{
		// Thresholds may be NaN, which JSON cannot carry.
		Thresholds: []string{
			optFloat(e.signals.MoverThreshold),
			optFloat(e.signals.DiscountSpikeThreshold),
			optFloat(e.signals.AdSurgeThreshold),
		},
		Scoring:      e.scoring,
		LookbackDays: e.lookbackDays(),
	})
}

func optFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'g', -1, 64)
}

func (e *Engine) workers() int {
	if e.cfg.Workers > 0 {
		return e.cfg.Workers
	}
	return defaultWorkers
}

func (e *Engine) lookbackDays() int {
	if e.cfg.LookbackDays > 0 {
		return e.cfg.LookbackDays
	}
	return 30
}
