// Package worker owns the three periodic triggers of the background worker:
// the poll tick, the automation tick and the history cleanup tick. Each
// trigger skips its own overlapping runs and recovers from panics; a slow or
// failing tick never blocks the other triggers.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/torboard/torboard/config"
	"github.com/torboard/torboard/internal/automation"
	"github.com/torboard/torboard/internal/poller"
	"github.com/torboard/torboard/internal/snapshot"
)

const (
	TriggerPoll       = "poll"
	TriggerAutomation = "automation"
	TriggerCleanup    = "cleanup"
)

const cleanupInterval = time.Hour

// trigger is one armed periodic job, independently stoppable via its entry.
type trigger struct {
	Name    string
	EntryID cron.EntryID
}

type Worker struct {
	cron      *cron.Cron
	poller    *poller.Poller
	engine    *automation.Engine
	snapshots *snapshot.Manager
	cfg       *config.Config

	mu       sync.Mutex
	triggers []trigger
}

type TriggerStatus struct {
	Name    string    `json:"name"`
	NextRun time.Time `json:"nextRun"`
}

type Status struct {
	Triggers   []TriggerStatus   `json:"triggers"`
	Poller     poller.Status     `json:"poller"`
	Automation automation.Status `json:"automation"`
}

func New(p *poller.Poller, engine *automation.Engine, snapshots *snapshot.Manager, cfg *config.Config) *Worker {
	logger := &cronLogger{}
	return &Worker{
		cron: cron.New(cron.WithChain(
			cron.Recover(logger),
			cron.SkipIfStillRunning(logger),
		)),
		poller:    p,
		engine:    engine,
		snapshots: snapshots,
		cfg:       cfg,
	}
}

// Start arms all three triggers and starts the cron loop.
func (w *Worker) Start() error {
	jobs := []struct {
		name     string
		schedule string
		run      func(ctx context.Context) error
	}{
		{TriggerPoll, every(w.cfg.WorkerTickInterval()), w.poller.Run},
		{TriggerAutomation, every(w.cfg.AutomationInterval()), w.engine.Run},
		{TriggerCleanup, every(cleanupInterval), w.runCleanup},
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, job := range jobs {
		entryID, err := w.cron.AddFunc(job.schedule, w.tick(job.name, job.run))
		if err != nil {
			return fmt.Errorf("arm %s trigger: %w", job.name, err)
		}
		w.triggers = append(w.triggers, trigger{Name: job.name, EntryID: entryID})
		slog.Info("Trigger armed", "trigger", job.name, "schedule", job.schedule)
	}

	w.cron.Start()
	return nil
}

// tick wraps one trigger body so an error is logged at the boundary and
// never escapes to the cron runner.
func (w *Worker) tick(name string, run func(ctx context.Context) error) func() {
	return func() {
		start := time.Now()
		if err := run(context.Background()); err != nil {
			slog.Error("Trigger tick failed", "trigger", name, "error", err)
			return
		}
		slog.Debug("Trigger tick completed", "trigger", name, "elapsed", time.Since(start))
	}
}

func (w *Worker) runCleanup(_ context.Context) error {
	horizon := time.Now().UTC().Add(-w.cfg.CleanupRetention())
	deleted, err := w.snapshots.PruneOldHistory(horizon)
	if err != nil {
		return err
	}
	if deleted > 0 {
		slog.Info("Pruned old history", "rows", deleted, "horizon", horizon)
	}
	return nil
}

// Shutdown stops all triggers and waits for in-flight ticks to finish, or
// gives up when ctx expires.
func (w *Worker) Shutdown(ctx context.Context) error {
	stopped := w.cron.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: in-flight ticks did not finish: %w", ctx.Err())
	}
}

func (w *Worker) Status() Status {
	w.mu.Lock()
	triggers := make([]TriggerStatus, 0, len(w.triggers))
	for _, t := range w.triggers {
		triggers = append(triggers, TriggerStatus{
			Name:    t.Name,
			NextRun: w.cron.Entry(t.EntryID).Next,
		})
	}
	w.mu.Unlock()

	return Status{
		Triggers:   triggers,
		Poller:     w.poller.Status(),
		Automation: w.engine.Status(),
	}
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

// cronLogger adapts slog to the cron.Logger interface. Skipped overlapping
// runs surface here as info lines.
type cronLogger struct{}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	args := append([]interface{}{"error", err}, keysAndValues...)
	slog.Error("cron: "+msg, args...)
}
