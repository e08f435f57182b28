package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/workflow"
	"github.com/tbcv/tbcv/pkg/logger"
)

// Progress is one broadcast observation of a live workflow. Step values are
// monotonic per workflow; delivery is best-effort.
type Progress struct {
	WorkflowID core.ID         `json:"workflow_id"`
	Status     core.StatusType `json:"status"`
	Step       int             `json:"step"`
	Total      int             `json:"total"`
	Percent    int             `json:"percent"`
	Note       string          `json:"note,omitempty"`
}

// run is the in-process execution state of one workflow. The mutex serializes
// every mutation of the aggregate and its persistence, which keeps writes per
// workflow id ordered.
type run struct {
	wf     *workflow.Workflow
	gate   *pauseGate
	cancel context.CancelCauseFunc
	resume *workflow.Checkpoint
	mu     sync.Mutex
}

// ---- Pause gate ----

// pauseGate implements cooperative pausing: in-flight steps finish, new steps
// block in wait until resumed or the context ends.
type pauseGate struct {
	mu     sync.Mutex
	resume chan struct{}
}

func newPauseGate() *pauseGate {
	ch := make(chan struct{})
	close(ch)
	return &pauseGate{resume: ch}
}

func (g *pauseGate) pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.resume:
		g.resume = make(chan struct{})
	default:
	}
}

func (g *pauseGate) unpause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.resume:
	default:
		close(g.resume)
	}
}

func (g *pauseGate) wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.resume
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---- Step execution ----

// runStep executes one step body under the pause gate, the per-step timeout
// and the retry budget. Timeouts and storage outages retry with exponential
// backoff; domain errors abort immediately.
func (o *Orchestrator) runStep(ctx context.Context, r *run, name string, timeout time.Duration, fn func(context.Context) error) error {
	if err := r.gate.wait(ctx); err != nil {
		return o.cancelled(r, err)
	}
	if err := ctx.Err(); err != nil {
		return o.cancelled(r, err)
	}
	backoff := retry.WithMaxRetries(uint64(o.stepRetries()), retry.NewExponential(o.retryBase()))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
			terr := core.NewError(err, core.CodeTimeout, map[string]any{
				"step":    name,
				"timeout": timeout.String(),
			})
			logger.FromContext(ctx).Warn("workflow step timed out", "workflow_id", r.wf.ID, "step", name)
			return retry.RetryableError(terr)
		}
		switch core.CodeOf(err) {
		case core.CodeTimeout, core.CodeStorageUnavailable:
			logger.FromContext(ctx).Warn("workflow step failed, retrying",
				"workflow_id", r.wf.ID, "step", name, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return o.cancelled(r, err)
	}
	logger.FromContext(ctx).Error("workflow step failed", "workflow_id", r.wf.ID, "step", name, "error", err)
	return err
}

// stepDone records a completed step: advance the counter, persist the new
// state, append a checkpoint and broadcast progress.
func (o *Orchestrator) stepDone(ctx context.Context, r *run, name string, position int, state map[string]any) error {
	r.mu.Lock()
	r.wf.AdvanceStep(position)
	status := r.wf.Status
	step, total, percent := r.wf.CurrentStep, r.wf.TotalSteps, r.wf.ProgressPercent()
	r.mu.Unlock()
	if err := o.store.Workflows().UpdateState(ctx, r.wf.ID, status, step, total); err != nil {
		return err
	}
	cp := workflow.NewCheckpoint(r.wf.ID, name, position, state)
	if err := o.store.Workflows().AppendCheckpoint(ctx, cp); err != nil {
		return err
	}
	o.broadcast(Progress{
		WorkflowID: r.wf.ID,
		Status:     status,
		Step:       step,
		Total:      total,
		Percent:    percent,
		Note:       name,
	})
	return nil
}

// setTotal fixes the step budget once a runner knows it, and persists so the
// progress denominator survives a restart.
func (o *Orchestrator) setTotal(ctx context.Context, r *run, total int) error {
	r.mu.Lock()
	r.wf.SetTotalSteps(total)
	status := r.wf.Status
	step, t := r.wf.CurrentStep, r.wf.TotalSteps
	r.mu.Unlock()
	return o.store.Workflows().UpdateState(ctx, r.wf.ID, status, step, t)
}

// cancelled normalizes a context abort into the stable CANCELLED error.
func (o *Orchestrator) cancelled(r *run, cause error) error {
	if core.CodeOf(cause) == core.CodeCancelled {
		return cause
	}
	return core.NewError(cause, core.CodeCancelled, map[string]any{
		"workflow_id": r.wf.ID.String(),
	})
}

func (o *Orchestrator) stepRetries() int {
	if o.cfg.Workflow.StepRetries < 0 {
		return 0
	}
	return o.cfg.Workflow.StepRetries
}

func (o *Orchestrator) retryBase() time.Duration {
	if o.cfg.Workflow.RetryBaseDelay <= 0 {
		return 250 * time.Millisecond
	}
	return o.cfg.Workflow.RetryBaseDelay
}
