package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/enhance"
	"github.com/tbcv/tbcv/engine/infra/store"
	"github.com/tbcv/tbcv/engine/ingest"
	"github.com/tbcv/tbcv/engine/recommend"
	"github.com/tbcv/tbcv/engine/truth"
	"github.com/tbcv/tbcv/engine/validation"
	"github.com/tbcv/tbcv/engine/workflow"
	"github.com/tbcv/tbcv/pkg/config"
	"github.com/tbcv/tbcv/pkg/logger"
)

// Control actions accepted by Control.
const (
	ActionPause  = "pause"
	ActionResume = "resume"
	ActionCancel = "cancel"
)

// Deps collects the collaborators the orchestrator drives. Admission is
// optional; when nil a gate is sized from the configuration.
type Deps struct {
	Store       store.Store
	Router      *validation.Router
	Truth       *truth.Loader
	Recommender *recommend.Recommender
	Enhancer    *enhance.Enhancer
	Loader      *ingest.Loader
	Admission   *Admission
}

// Orchestrator owns the workflow lifecycle: it creates workflows, drives
// their steps through the state machine, enforces concurrency limits and is
// the only writer of workflow rows.
type Orchestrator struct {
	cfg         *config.Config
	store       store.Store
	router      *validation.Router
	truth       *truth.Loader
	recommender *recommend.Recommender
	enhancer    *enhance.Enhancer
	loader      *ingest.Loader
	admission   *Admission
	wfSem       *semaphore.Weighted

	mu   sync.Mutex
	runs map[core.ID]*run

	subsMu sync.Mutex
	subs   map[core.ID][]chan Progress

	wg sync.WaitGroup
}

// New wires an orchestrator. The global workflow semaphore is sized from
// concurrency configuration and admission defaults to a fresh gate.
func New(cfg *config.Config, deps Deps) *Orchestrator {
	if cfg == nil {
		cfg = config.Default()
	}
	adm := deps.Admission
	if adm == nil {
		adm = NewAdmission(cfg.Concurrency)
	}
	limit := cfg.Concurrency.MaxConcurrentWorkflows
	if limit < 1 {
		limit = 1
	}
	return &Orchestrator{
		cfg:         cfg,
		store:       deps.Store,
		router:      deps.Router,
		truth:       deps.Truth,
		recommender: deps.Recommender,
		enhancer:    deps.Enhancer,
		loader:      deps.Loader,
		admission:   adm,
		wfSem:       semaphore.NewWeighted(int64(limit)),
		runs:        make(map[core.ID]*run),
		subs:        make(map[core.ID][]chan Progress),
	}
}

// Admission exposes the class gates for status reporting and router wiring.
func (o *Orchestrator) Admission() *Admission { return o.admission }

// Running reports how many workflows are live in this process.
func (o *Orchestrator) Running() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.runs)
}

// ---- Lifecycle ----

// Create registers a new pending workflow. Params are deep-copied so caller
// mutations never reach the persisted run.
func (o *Orchestrator) Create(ctx context.Context, typ workflow.Type, params map[string]any) (*workflow.Workflow, error) {
	if !typ.IsValid() {
		return nil, core.NewError(fmt.Errorf("unknown workflow type %q", typ), core.CodeInvalidArgument, map[string]any{
			"type": string(typ),
		})
	}
	copied, err := core.DeepCopyMap(params)
	if err != nil {
		return nil, core.NewError(err, core.CodeInvalidArgument, map[string]any{
			"reason": "workflow params are not copyable",
		})
	}
	wf := workflow.New(typ, copied)
	if err := o.store.Workflows().Put(ctx, wf); err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Info("workflow created",
		"workflow_id", wf.ID, "type", string(typ), "run_id", wf.RunID)
	return wf, nil
}

// Execute runs a workflow to a terminal state and returns the settled
// aggregate. It blocks for global admission, so at most the configured number
// of workflows run concurrently. The returned error is the terminal cause
// when the workflow did not complete.
func (o *Orchestrator) Execute(ctx context.Context, id core.ID) (*workflow.Workflow, error) {
	wf, err := o.store.Workflows().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if wf.Status.IsTerminal() || wf.Status == core.StatusRunning {
		return wf, core.NewError(fmt.Errorf("workflow %s is %s", id, wf.Status), core.CodeConflict, map[string]any{
			"workflow_id": id.String(),
			"status":      string(wf.Status),
		})
	}
	if err := o.wfSem.Acquire(ctx, 1); err != nil {
		return wf, core.NewError(err, core.CodeCancelled, map[string]any{"workflow_id": id.String()})
	}
	defer o.wfSem.Release(1)

	resume, err := o.store.Workflows().LatestCheckpoint(ctx, id)
	if err != nil && core.CodeOf(err) != core.CodeNotFound {
		return wf, err
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	r := &run{wf: wf, gate: newPauseGate(), cancel: cancel, resume: resume}
	if err := o.register(r); err != nil {
		return wf, err
	}
	defer o.unregister(r)

	if err := o.transition(ctx, r, core.StatusRunning); err != nil {
		return wf, err
	}
	log := logger.FromContext(ctx)
	log.Info("workflow started", "workflow_id", wf.ID, "type", string(wf.Type))

	runErr := o.dispatchRun(runCtx, r)
	return o.settle(ctx, r, runErr)
}

// Start launches Execute on a background goroutine, detached from the request
// context so a closed connection does not abort the run.
func (o *Orchestrator) Start(ctx context.Context, id core.ID) error {
	wf, err := o.store.Workflows().Get(ctx, id)
	if err != nil {
		return err
	}
	if wf.Status != core.StatusPending && wf.Status != core.StatusPaused {
		return core.NewError(fmt.Errorf("workflow %s is %s", id, wf.Status), core.CodeConflict, map[string]any{
			"workflow_id": id.String(),
			"status":      string(wf.Status),
		})
	}
	bg := context.WithoutCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if _, err := o.Execute(bg, id); err != nil {
			logger.FromContext(bg).Error("workflow ended with error", "workflow_id", id, "error", err)
		}
	}()
	return nil
}

// Shutdown waits for background workflow goroutines to drain.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---- Control ----

// Control applies pause, resume or cancel to a workflow. Live runs are
// controlled in place; resume on a parked paused workflow relaunches it from
// its latest checkpoint.
func (o *Orchestrator) Control(ctx context.Context, id core.ID, action string) (*workflow.Workflow, error) {
	switch action {
	case ActionPause, ActionResume, ActionCancel:
	default:
		return nil, core.NewError(fmt.Errorf("unknown control action %q", action), core.CodeInvalidArgument, map[string]any{
			"action": action,
		})
	}
	if r, ok := o.liveRun(id); ok {
		return o.controlLive(ctx, r, action)
	}
	wf, err := o.store.Workflows().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch action {
	case ActionPause:
		return nil, core.NewError(fmt.Errorf("workflow %s is not active", id), core.CodeConflict, map[string]any{
			"workflow_id": id.String(),
			"status":      string(wf.Status),
		})
	case ActionResume:
		if wf.Status != core.StatusPaused {
			return nil, core.NewError(fmt.Errorf("workflow %s is %s, not paused", id, wf.Status), core.CodeConflict, map[string]any{
				"workflow_id": id.String(),
				"status":      string(wf.Status),
			})
		}
		if err := o.Start(ctx, id); err != nil {
			return nil, err
		}
		return wf, nil
	default: // cancel
		if err := wf.TransitionTo(core.StatusCancelled); err != nil {
			return nil, err
		}
		if err := o.store.Workflows().Put(ctx, wf); err != nil {
			return nil, err
		}
		logger.FromContext(ctx).Info("workflow cancelled", "workflow_id", id)
		return wf, nil
	}
}

func (o *Orchestrator) controlLive(ctx context.Context, r *run, action string) (*workflow.Workflow, error) {
	log := logger.FromContext(ctx)
	switch action {
	case ActionPause:
		if err := o.transition(ctx, r, core.StatusPaused); err != nil {
			return nil, err
		}
		r.gate.pause()
		log.Info("workflow paused", "workflow_id", r.wf.ID)
	case ActionResume:
		if err := o.transition(ctx, r, core.StatusRunning); err != nil {
			return nil, err
		}
		r.gate.unpause()
		log.Info("workflow resumed", "workflow_id", r.wf.ID)
	case ActionCancel:
		if err := o.transition(ctx, r, core.StatusCancelled); err != nil {
			return nil, err
		}
		r.gate.unpause()
		r.cancel(context.Canceled)
		log.Info("workflow cancelled", "workflow_id", r.wf.ID)
	}
	r.mu.Lock()
	snapshot := *r.wf
	r.mu.Unlock()
	return &snapshot, nil
}

// ---- Run registry ----

func (o *Orchestrator) register(r *run) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.runs[r.wf.ID]; exists {
		return core.NewError(fmt.Errorf("workflow %s is already executing", r.wf.ID), core.CodeConflict, map[string]any{
			"workflow_id": r.wf.ID.String(),
		})
	}
	o.runs[r.wf.ID] = r
	return nil
}

func (o *Orchestrator) unregister(r *run) {
	o.mu.Lock()
	delete(o.runs, r.wf.ID)
	o.mu.Unlock()
}

func (o *Orchestrator) liveRun(id core.ID) (*run, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[id]
	return r, ok
}

// transition moves the aggregate and persists it under the run lock, keeping
// workflow writes serialized per id.
func (o *Orchestrator) transition(ctx context.Context, r *run, to core.StatusType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.wf.Status == to {
		return nil
	}
	if err := r.wf.TransitionTo(to); err != nil {
		return err
	}
	return o.store.Workflows().Put(ctx, r.wf)
}

// settle records the terminal state once a runner returns. A cancel that
// already transitioned the aggregate is left untouched.
func (o *Orchestrator) settle(ctx context.Context, r *run, runErr error) (*workflow.Workflow, error) {
	persistCtx := context.WithoutCancel(ctx)
	log := logger.FromContext(ctx)
	r.mu.Lock()
	wf := r.wf
	if !wf.Status.IsTerminal() {
		switch {
		case runErr == nil:
			if err := wf.TransitionTo(core.StatusCompleted); err != nil {
				r.mu.Unlock()
				return wf, err
			}
		case core.CodeOf(runErr) == core.CodeCancelled:
			if err := wf.TransitionTo(core.StatusCancelled); err != nil {
				r.mu.Unlock()
				return wf, err
			}
		default:
			if err := wf.Fail(runErr); err != nil {
				r.mu.Unlock()
				return wf, err
			}
		}
	}
	status := wf.Status
	step, total, percent := wf.CurrentStep, wf.TotalSteps, wf.ProgressPercent()
	if err := o.store.Workflows().Put(persistCtx, wf); err != nil {
		log.Error("failed to persist terminal workflow state", "workflow_id", wf.ID, "error", err)
	}
	r.mu.Unlock()
	o.broadcast(Progress{WorkflowID: wf.ID, Status: status, Step: step, Total: total, Percent: percent})
	o.closeSubs(wf.ID)
	log.Info("workflow settled", "workflow_id", wf.ID, "status", string(status), "progress", percent)
	return wf, runErr
}

// ---- Progress subscriptions ----

// Subscribe returns a progress channel for a workflow plus an unsubscribe
// func. The channel closes when the workflow settles.
func (o *Orchestrator) Subscribe(id core.ID) (<-chan Progress, func()) {
	ch := make(chan Progress, 16)
	o.subsMu.Lock()
	o.subs[id] = append(o.subs[id], ch)
	o.subsMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() { o.removeSub(id, ch) })
	}
}

func (o *Orchestrator) removeSub(id core.ID, ch chan Progress) {
	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	subs := o.subs[id]
	for i, c := range subs {
		if c == ch {
			o.subs[id] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(o.subs[id]) == 0 {
		delete(o.subs, id)
	}
}

// broadcast delivers progress without blocking; slow consumers miss
// intermediate events but the step counter they observe stays monotonic.
func (o *Orchestrator) broadcast(p Progress) {
	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	for _, ch := range o.subs[p.WorkflowID] {
		select {
		case ch <- p:
		default:
		}
	}
}

func (o *Orchestrator) closeSubs(id core.ID) {
	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	for _, ch := range o.subs[id] {
		close(ch)
	}
	delete(o.subs, id)
}
