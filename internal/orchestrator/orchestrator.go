// Package orchestrator drives the stage DAG to completion: it promotes
// ready stages, starts and completes sessions, reacts to monitor events,
// and runs the merge engine at the right moments (SPEC_FULL.md §4.10
// "Orchestrator core").
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/weftio/weft/internal/graph"
	"github.com/weftio/weft/internal/logging"
	"github.com/weftio/weft/internal/merge"
	"github.com/weftio/weft/internal/model"
	"github.com/weftio/weft/internal/monitor"
	"github.com/weftio/weft/internal/spawner"
	"github.com/weftio/weft/internal/store"
	"github.com/weftio/weft/internal/worktreemgr"
)

// DefaultContextLimit is the assumed per-session token budget used to
// compute context-usage percentages when a session doesn't override it.
const DefaultContextLimit = 200_000

// Options is the orchestrator's configuration object (§4.10): every
// recognized option the core reads at start-up.
type Options struct {
	MaxParallelSessions  int
	PollInterval         time.Duration
	ManualMode           bool
	WatchMode            bool
	AutoMerge            bool
	StatusUpdateInterval time.Duration
	BackendType          spawner.Backend
	StateRoot            string
	RepoRoot             string
	MaxRetries           int
	// TargetBranch is the merge point stage branches merge into (glossary:
	// "Merge point"), conventionally "main".
	TargetBranch string
}

// DefaultOptions returns the defaults named in §4.10: max_parallel_sessions
// 4, poll_interval 5s.
func DefaultOptions() Options {
	return Options{
		MaxParallelSessions:  4,
		PollInterval:         5 * time.Second,
		AutoMerge:            true,
		StatusUpdateInterval: 5 * time.Second,
		BackendType:          spawner.BackendNative,
		MaxRetries:           2,
		TargetBranch:         "main",
	}
}

// Orchestrator is the core event loop. Running sessions never exceed
// Options.MaxParallelSessions (tracked via the running map); every stage
// transition it drives is persisted through Store immediately after being
// applied in memory, keeping the on-disk record and the in-process Graph
// in lock-step (Graph.Stage(id) returns the same *model.Stage pointer the
// orchestrator mutates).
type Orchestrator struct {
	Store     *store.Store
	Graph     *graph.Graph
	Worktrees *worktreemgr.Manager
	Merge     *merge.Engine
	Monitor   *monitor.Monitor
	Options   Options

	// Spawn launches an agent process for a start or merge-resolution
	// request. Defaults to spawner.Spawn; tests substitute a fake so
	// StartStage can be exercised without a real terminal emulator.
	Spawn func(ctx context.Context, req spawner.Request) (*spawner.Handle, error)

	running         map[string]string // stageID -> sessionID
	pendingRecovery map[string]string // stageID -> previous sessionID, consumed on next start
}

// New builds an Orchestrator over an already-constructed graph and its
// supporting components.
func New(st *store.Store, g *graph.Graph, wt *worktreemgr.Manager, me *merge.Engine, mon *monitor.Monitor, opts Options) *Orchestrator {
	return &Orchestrator{
		Store:           st,
		Graph:           g,
		Worktrees:       wt,
		Merge:           me,
		Monitor:         mon,
		Options:         opts,
		Spawn:           spawner.Spawn,
		running:         make(map[string]string),
		pendingRecovery: make(map[string]string),
	}
}

// RunningCount reports how many sessions are currently occupying the
// parallelism budget.
func (o *Orchestrator) RunningCount() int { return len(o.running) }

// Tick runs one iteration of the main loop (§4.10 "Main loop per tick"):
// drain monitor events, reconcile via their handlers, promote the ready
// set, start stages up to the slot budget.
func (o *Orchestrator) Tick(ctx context.Context) error {
	events, err := o.Monitor.Poll(ctx)
	if err != nil {
		return fmt.Errorf("polling monitor: %w", err)
	}
	for _, ev := range events {
		if err := o.handleEvent(ctx, ev); err != nil {
			logging.Error(ctx, "event handler failed",
				slog.String("kind", string(ev.Kind)), slog.String("stage_id", ev.StageID), slog.Any("error", err))
		}
	}

	if err := o.requeueHandoffs(); err != nil {
		return fmt.Errorf("requeuing handoffs: %w", err)
	}

	if _, err := o.Graph.PromoteReady(); err != nil {
		return fmt.Errorf("promoting ready stages: %w", err)
	}

	budget := o.Options.MaxParallelSessions - len(o.running)
	for _, st := range o.queuedStages() {
		if budget <= 0 {
			break
		}
		ready, err := o.readyToStart(ctx, st)
		if err != nil {
			logging.Error(ctx, "base conflict check failed", slog.String("stage_id", st.ID), slog.Any("error", err))
			continue
		}
		if !ready {
			continue
		}
		if err := o.StartStage(ctx, st.ID); err != nil {
			logging.Error(ctx, "starting stage failed", slog.String("stage_id", st.ID), slog.Any("error", err))
			continue
		}
		budget--
	}

	return nil
}

// queuedStages returns every stage currently Queued, in declaration order.
func (o *Orchestrator) queuedStages() []*model.Stage {
	var queued []*model.Stage
	for _, st := range o.Graph.Stages() {
		if st.Status == model.StageQueued {
			queued = append(queued, st)
		}
	}
	return queued
}

// Run loops Tick at Options.PollInterval until the graph is complete,
// unless WatchMode keeps it looping to react to manual changes.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.Options.PollInterval)
	defer ticker.Stop()

	for {
		if err := o.Tick(ctx); err != nil {
			return err
		}
		if o.Graph.IsComplete() && !o.Options.WatchMode {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunSingle validates id is Queued, starts it, then ticks until that one
// stage reaches Completed, Blocked, or NeedsHandoff (§4.10 "Single-stage
// mode").
func (o *Orchestrator) RunSingle(ctx context.Context, id string) error {
	st := o.Graph.Stage(id)
	if st == nil {
		return fmt.Errorf("run single: unknown stage %q", id)
	}
	if st.Status != model.StageQueued {
		return fmt.Errorf("run single: stage %q is not queued (status=%s)", id, st.Status)
	}
	if err := o.StartStage(ctx, id); err != nil {
		return err
	}

	for {
		switch st.Status {
		case model.StageCompleted, model.StageBlocked, model.StageNeedsHandoff:
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.Options.PollInterval):
		}
		if err := o.Tick(ctx); err != nil {
			return err
		}
	}
}

func newSessionID() string {
	short := uuid.New().String()[:8]
	return fmt.Sprintf("session-%s-%d", short, time.Now().Unix())
}
