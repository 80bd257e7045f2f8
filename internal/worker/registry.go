// Package worker supervises the background loops: order execution,
// position P&L refresh, risk monitoring. Each worker runs one pass at a
// time on its own ticker, persists a heartbeat after every pass, and can
// be disabled, switched to manual mode, or run once on demand.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tradecore/internal/apperr"
	"tradecore/internal/metrics"
	"tradecore/internal/model"
	"tradecore/internal/store"
	"tradecore/internal/types"
)

// PassOptions tune one pass. DryRun evaluates without writing.
type PassOptions struct {
	Limit  int
	DryRun bool
}

// PassStats is what one pass did.
type PassStats struct {
	Scanned  int `json:"scanned"`
	Executed int `json:"executed"`
	Errors   int `json:"errors"`
}

// PassFunc is one worker sweep.
type PassFunc func(ctx context.Context, opts PassOptions) (PassStats, error)

// Worker is the static definition of one supervised loop. HealthTTL, when
// set, overrides the registry-wide staleness window for this worker.
type Worker struct {
	ID        types.WorkerID
	Label     string
	Interval  time.Duration
	HealthTTL time.Duration
	Pass      PassFunc
}

type entry struct {
	def Worker
	mu  sync.Mutex // serializes passes, auto and manual alike
}

type Registry struct {
	store     store.Store
	log       *slog.Logger
	healthTTL time.Duration
	batch     int
	workers   map[types.WorkerID]*entry
	order     []types.WorkerID
	now       func() time.Time
}

func NewRegistry(st store.Store, healthTTL time.Duration, batch int, log *slog.Logger) *Registry {
	return &Registry{
		store:     st,
		log:       log,
		healthTTL: healthTTL,
		batch:     batch,
		workers:   make(map[types.WorkerID]*entry),
		now:       time.Now,
	}
}

// SetNow overrides the clock. Test hook.
func (r *Registry) SetNow(now func() time.Time) { r.now = now }

func (r *Registry) Register(w Worker) {
	r.workers[w.ID] = &entry{def: w}
	r.order = append(r.order, w.ID)
}

// Start launches one goroutine per worker. Each loop runs a pass
// immediately, then on every tick, until ctx is cancelled. Passes are
// skipped while the worker is disabled or in manual mode.
func (r *Registry) Start(ctx context.Context, wg *sync.WaitGroup) {
	for _, id := range r.order {
		e := r.workers[id]
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.loop(ctx, e)
		}()
	}
}

func (r *Registry) loop(ctx context.Context, e *entry) {
	r.tick(ctx, e)
	ticker := time.NewTicker(e.def.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx, e)
		}
	}
}

func (r *Registry) tick(ctx context.Context, e *entry) {
	state, err := r.state(ctx, e.def.ID)
	if err != nil {
		r.log.Error("worker state load failed", "worker", e.def.ID, "err", err)
		return
	}
	if !state.Enabled || state.Mode == types.WorkerModeManual {
		return
	}
	if _, err := r.runPass(ctx, e, PassOptions{Limit: r.batch}); err != nil {
		r.log.Error("worker pass failed", "worker", e.def.ID, "err", err)
	}
}

func (r *Registry) runPass(ctx context.Context, e *entry, opts PassOptions) (PassStats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	started := r.now().UTC()
	stats, err := e.def.Pass(ctx, opts)
	elapsed := r.now().UTC().Sub(started)

	metrics.WorkerPassDuration.WithLabelValues(string(e.def.ID)).Observe(elapsed.Seconds())
	if stats.Errors > 0 {
		metrics.WorkerPassErrors.WithLabelValues(string(e.def.ID)).Add(float64(stats.Errors))
	}
	if err != nil {
		return stats, err
	}

	hb := model.Heartbeat{
		Scanned:   stats.Scanned,
		Executed:  stats.Executed,
		Errors:    stats.Errors,
		ElapsedMs: elapsed.Milliseconds(),
		DryRun:    opts.DryRun,
		StartedAt: started,
	}
	if err := r.store.SaveHeartbeat(ctx, e.def.ID, hb); err != nil {
		r.log.Error("heartbeat save failed", "worker", e.def.ID, "err", err)
	}
	r.log.Debug("worker pass complete",
		"worker", e.def.ID,
		"scanned", stats.Scanned,
		"executed", stats.Executed,
		"errors", stats.Errors,
		"elapsed", elapsed,
	)
	return stats, nil
}

// RunOnce triggers a single pass out of band. Works in any mode, even for
// disabled workers: an operator running a manual pass is explicit intent.
func (r *Registry) RunOnce(ctx context.Context, id types.WorkerID, opts PassOptions) (PassStats, error) {
	e, ok := r.workers[id]
	if !ok {
		return PassStats{}, apperr.NotFound("unknown worker %s", id)
	}
	if opts.Limit <= 0 {
		opts.Limit = r.batch
	}
	stats, err := r.runPass(ctx, e, opts)
	if err != nil {
		return stats, fmt.Errorf("run %s: %w", id, err)
	}
	return stats, nil
}

// Toggle flips the persisted enabled flag and returns the refreshed status.
func (r *Registry) Toggle(ctx context.Context, id types.WorkerID, enabled bool) (Status, error) {
	if _, ok := r.workers[id]; !ok {
		return Status{}, apperr.NotFound("unknown worker %s", id)
	}
	if err := r.store.SetWorkerEnabled(ctx, id, enabled); err != nil {
		return Status{}, err
	}
	r.log.Info("worker toggled", "worker", id, "enabled", enabled)
	return r.SnapshotOne(ctx, id)
}

// SetMode switches between auto and manual and returns the refreshed status.
func (r *Registry) SetMode(ctx context.Context, id types.WorkerID, mode types.WorkerMode) (Status, error) {
	if _, ok := r.workers[id]; !ok {
		return Status{}, apperr.NotFound("unknown worker %s", id)
	}
	if err := r.store.SetWorkerMode(ctx, id, mode); err != nil {
		return Status{}, err
	}
	r.log.Info("worker mode changed", "worker", id, "mode", mode)
	return r.SnapshotOne(ctx, id)
}

// Status is one worker's control state plus derived health.
type Status struct {
	ID        types.WorkerID     `json:"id"`
	Label     string             `json:"label"`
	Enabled   bool               `json:"enabled"`
	Mode      types.WorkerMode   `json:"mode"`
	Health    types.WorkerHealth `json:"health"`
	Interval  string             `json:"interval"`
	LastRunAt *time.Time         `json:"last_run_at,omitempty"`
	Heartbeat *model.Heartbeat   `json:"heartbeat,omitempty"`
}

// Snapshot reports all workers in registration order.
func (r *Registry) Snapshot(ctx context.Context) ([]Status, error) {
	out := make([]Status, 0, len(r.order))
	now := r.now().UTC()
	for _, id := range r.order {
		e := r.workers[id]
		state, err := r.state(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, r.status(e, state, now))
	}
	return out, nil
}

// SnapshotOne reports a single worker.
func (r *Registry) SnapshotOne(ctx context.Context, id types.WorkerID) (Status, error) {
	e, ok := r.workers[id]
	if !ok {
		return Status{}, apperr.NotFound("unknown worker %s", id)
	}
	state, err := r.state(ctx, id)
	if err != nil {
		return Status{}, err
	}
	return r.status(e, state, r.now().UTC()), nil
}

func (r *Registry) status(e *entry, state *model.WorkerState, now time.Time) Status {
	ttl := e.def.HealthTTL
	if ttl <= 0 {
		ttl = r.healthTTL
	}
	return Status{
		ID:        e.def.ID,
		Label:     e.def.Label,
		Enabled:   state.Enabled,
		Mode:      state.Mode,
		Health:    DeriveHealth(state.Enabled, state.LastRunAt, now, ttl),
		Interval:  e.def.Interval.String(),
		LastRunAt: state.LastRunAt,
		Heartbeat: state.Heartbeat,
	}
}

// state loads persisted control state, defaulting to enabled/auto for a
// worker that has never been persisted.
func (r *Registry) state(ctx context.Context, id types.WorkerID) (*model.WorkerState, error) {
	state, err := r.store.GetWorkerState(ctx, id)
	if err != nil {
		return nil, err
	}
	if state == nil {
		state = &model.WorkerState{ID: id, Enabled: true, Mode: types.WorkerModeAuto}
	}
	return state, nil
}
