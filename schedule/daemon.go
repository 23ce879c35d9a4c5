package schedule

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/visor-run/visor/config"
	"github.com/visor-run/visor/engine"
	"github.com/visor-run/visor/metrics"
	"github.com/visor-run/visor/provider"
	"github.com/visor-run/visor/review"
)

// Defaults for the daemon loop.
const (
	DefaultTick    = 30 * time.Second
	DefaultLockTTL = 2 * time.Minute
)

// Daemon polls the store and fires due schedules. Replicas sharing one store
// coordinate per schedule: each due schedule is fired under its own store
// lease, so one replica cannot starve the others and every schedule still
// fires exactly once.
type Daemon struct {
	store   Store
	runner  *engine.Runner
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	token   string
	tick    time.Duration
	lockTTL time.Duration
}

// NewDaemon wires a daemon. cfg supplies the workflows schedules refer to.
func NewDaemon(store Store, runner *engine.Runner, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	tick := cfg.Schedule.Tick.Std()
	if tick <= 0 {
		tick = DefaultTick
	}
	ttl := cfg.Schedule.LockTTL.Std()
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &Daemon{
		store:   store,
		runner:  runner,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		token:   uuid.NewString(),
		tick:    tick,
		lockTTL: ttl,
	}
}

// Run drives the tick loop until ctx is canceled. Leases held by in-flight
// fires are released before the loop exits.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info("schedule daemon starting", "tick", d.tick, "replica", d.token)
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()

	d.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("schedule daemon stopped")
			return ctx.Err()
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick runs one poll cycle: fire everything due, each schedule under its own
// lease, and persist the advanced schedules.
func (d *Daemon) Tick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := d.store.Due(ctx, now)
	if err != nil {
		d.logger.Error("load due schedules", "error", err)
		return
	}
	for _, sched := range due {
		if ctx.Err() != nil {
			return
		}
		d.fire(ctx, sched, now)
	}
}

// fire takes the schedule's lease, runs its workflow, and advances the next
// run. A schedule another replica holds is skipped; a failed run counts
// against the schedule but never stops the daemon. The lease is renewed while
// the run is in flight and released on every exit path.
func (d *Daemon) fire(ctx context.Context, sched *Schedule, now time.Time) {
	logger := d.logger.With("schedule", sched.ID, "workflow", sched.Workflow)
	held, err := d.store.TryAcquireLock(ctx, sched.ID, d.token, d.lockTTL)
	if err != nil {
		logger.Warn("acquire schedule lock", "error", err)
		return
	}
	if !held {
		d.metrics.ScheduleSkips.Inc()
		logger.Debug("schedule locked by another replica, skipping")
		return
	}
	defer d.releaseLock(sched.ID)

	renewCtx, stopRenew := context.WithCancel(ctx)
	defer stopRenew()
	go d.renewLock(renewCtx, sched.ID, logger)

	logger.Info("firing schedule", "run", sched.RunCount+1)
	d.metrics.ScheduleFires.Inc()

	summary, err := d.runner.Run(ctx, engine.Options{
		Config: d.fireConfig(sched),
		Inputs: sched.Inputs,
		Event:  &review.PRInfo{Event: review.EventScheduled},
	})
	failed := err != nil || (summary != nil && (summary.Stats.FailureCount > 0 || summary.HasCritical()))
	if failed {
		d.metrics.ScheduleFailures.Inc()
		logger.Warn("scheduled run failed", "error", err)
	}

	if aerr := sched.Advance(now, failed); aerr != nil {
		logger.Error("advance schedule", "error", aerr)
		sched.Status = StatusFailed
	}
	if uerr := d.store.Update(ctx, sched); uerr != nil {
		logger.Error("persist schedule", "error", uerr)
	}
}

// renewLock extends the schedule lease while a long run is in flight.
func (d *Daemon) renewLock(ctx context.Context, name string, logger *slog.Logger) {
	ticker := time.NewTicker(d.lockTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.store.RenewLock(ctx, name, d.token, d.lockTTL); err != nil {
				logger.Warn("renew schedule lock", "error", err)
			}
		}
	}
}

// releaseLock frees a schedule lease, even when the run outlived its context.
func (d *Daemon) releaseLock(name string) {
	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.store.ReleaseLock(releaseCtx, name, d.token); err != nil {
		d.logger.Warn("release schedule lock", "schedule", name, "error", err)
	}
}

// fireConfig wraps the scheduled workflow in a single-check run config so it
// executes through the normal engine path.
func (d *Daemon) fireConfig(sched *Schedule) *config.Config {
	cfg := *d.cfg
	cfg.Checks = map[string]*config.CheckSpec{
		"scheduled:" + sched.Workflow: {
			Type:   provider.TypeWorkflow,
			On:     []review.Event{review.EventScheduled},
			Params: map[string]any{"workflow": sched.Workflow},
		},
	}
	return &cfg
}
