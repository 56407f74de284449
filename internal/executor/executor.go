package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/undoable-org/undoable/internal/actionlog"
	"github.com/undoable-org/undoable/internal/approval"
	"github.com/undoable-org/undoable/internal/checkpoint"
	"github.com/undoable-org/undoable/internal/config"
	"github.com/undoable-org/undoable/internal/eventbus"
	"github.com/undoable-org/undoable/internal/logger"
	"github.com/undoable-org/undoable/internal/logger/tag"
	"github.com/undoable-org/undoable/internal/plan"
	"github.com/undoable-org/undoable/internal/runs"
)

// PlanProducer turns a run's instruction into a plan graph. In production
// this is backed by an agent adapter; tests supply scripted producers.
type PlanProducer interface {
	Produce(ctx context.Context, run *runs.Run) (*plan.Graph, error)
}

// ProducerFunc adapts a function to the PlanProducer interface.
type ProducerFunc func(ctx context.Context, run *runs.Run) (*plan.Graph, error)

func (f ProducerFunc) Produce(ctx context.Context, run *runs.Run) (*plan.Graph, error) {
	return f(ctx, run)
}

// actor names recorded on status transitions.
const (
	actorExecutor = "executor"
	actorUser     = "user"
	actorRecovery = "recovery"
)

// ErrRunNotRunnable is returned when Execute is asked to drive a run that is
// not in status created.
var ErrRunNotRunnable = errors.New("run is not in a runnable state")

// Executor drives runs through plan, shadow, approval and apply. One
// goroutine per run; progress is checkpointed after every phase move and
// every step, and each effect is recorded in the action log before it
// executes.
type Executor struct {
	manager     *runs.Manager
	bus         *eventbus.Bus
	log         *actionlog.Log
	checkpoints *checkpoint.Store
	broker      *approval.Broker
	producer    PlanProducer
	tools       *Registry
	mode        func() approval.Mode
	timeouts    config.Timeouts

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	paused  map[string]chan struct{}
}

// New wires an Executor. mode is consulted per run so policy changes apply
// to runs started afterwards.
func New(
	manager *runs.Manager,
	bus *eventbus.Bus,
	log *actionlog.Log,
	checkpoints *checkpoint.Store,
	broker *approval.Broker,
	producer PlanProducer,
	tools *Registry,
	mode func() approval.Mode,
	timeouts config.Timeouts,
) *Executor {
	return &Executor{
		manager:     manager,
		bus:         bus,
		log:         log,
		checkpoints: checkpoints,
		broker:      broker,
		producer:    producer,
		tools:       tools,
		mode:        mode,
		timeouts:    timeouts,
		cancels:     make(map[string]context.CancelFunc),
		paused:      make(map[string]chan struct{}),
	}
}

// DefaultRegistry returns the builtin tool set.
func DefaultRegistry(workspaceDir string, timeouts config.Timeouts) *Registry {
	r := NewRegistry()
	r.Register(&FSWriteTool{Root: workspaceDir})
	r.Register(&ShellTool{Timeout: timeouts.Subprocess})
	r.Register(NewHTTPTool(timeouts.HTTPTool))
	return r
}

// Cancel aborts an in-flight run. It reports whether the run was executing.
func (e *Executor) Cancel(runID string) bool {
	e.mu.Lock()
	cancel, ok := e.cancels[runID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Executing reports whether the run has an active executor goroutine.
func (e *Executor) Executing(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.cancels[runID]
	return ok
}

// Pause gates an executing run: the executor parks at its next phase or
// step boundary and stays there until Resume. It reports whether the run
// had an executor goroutine to gate; callers set the gate before moving
// the run to paused so the executor cannot slip past it.
func (e *Executor) Pause(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.cancels[runID]; !ok {
		return false
	}
	if _, ok := e.paused[runID]; !ok {
		e.paused[runID] = make(chan struct{})
	}
	return true
}

// Resume releases a gate set by Pause.
func (e *Executor) Resume(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.paused[runID]; ok {
		close(ch)
		delete(e.paused, runID)
	}
}

// awaitResume blocks while the run is gated by Pause.
func (e *Executor) awaitResume(ctx context.Context, runID string) error {
	e.mu.Lock()
	ch := e.paused[runID]
	e.mu.Unlock()
	if ch == nil {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return ctx.Err()
	}
}

// transition moves the run to the next phase, honouring the pause gate. A
// pause that lands between the gate check and the transition shows up as a
// rejected move out of paused, in which case the executor parks and tries
// again after the resume.
func (e *Executor) transition(ctx context.Context, runID string, next runs.Status, actor string) error {
	for {
		if err := e.awaitResume(ctx, runID); err != nil {
			return err
		}
		_, err := e.manager.UpdateStatus(ctx, runID, next, actor)
		if err == nil || !errors.Is(err, runs.ErrInvalidTransition) {
			return err
		}
		run, gerr := e.manager.Get(ctx, runID)
		if gerr != nil || run.Status != runs.StatusPaused {
			return err
		}
	}
}

// Execute drives the run to a resting state: completed, applied, failed or
// cancelled. It blocks until done; callers launch it on its own goroutine.
func (e *Executor) Execute(ctx context.Context, runID string) error {
	run, err := e.manager.Get(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != runs.StatusCreated {
		return fmt.Errorf("%w: %s", ErrRunNotRunnable, run.Status)
	}

	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancels[runID] = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.cancels, runID)
		if ch, ok := e.paused[runID]; ok {
			close(ch)
			delete(e.paused, runID)
		}
		e.mu.Unlock()
	}()

	graph, err := e.plan(ctx, run)
	if err != nil {
		return e.abort(ctx, runID, "plan", err)
	}

	results, err := e.shadow(ctx, runID, graph)
	if err != nil {
		return e.abort(ctx, runID, "shadow", err)
	}

	effectful := e.effectfulSteps(graph, results)
	if len(effectful) == 0 {
		// Nothing to apply: reads and failures only.
		if err := e.transition(ctx, runID, runs.StatusCompleted, actorExecutor); err != nil {
			return err
		}
		_ = e.checkpoints.Remove(runID)
		e.publishDone(runID, results)
		return nil
	}

	approvedBy, err := e.gate(ctx, runID, effectful)
	if err != nil {
		return err
	}

	if err := e.apply(ctx, runID, graph, effectful, results, approvedBy); err != nil {
		return e.abort(ctx, runID, "apply", err)
	}

	if err := e.transition(ctx, runID, runs.StatusApplied, actorExecutor); err != nil {
		return err
	}
	e.publishDone(runID, results)
	return nil
}

// plan runs the planning phase and validates the produced graph.
func (e *Executor) plan(ctx context.Context, run *runs.Run) (*plan.Graph, error) {
	if err := e.transition(ctx, run.ID, runs.StatusPlanning, actorExecutor); err != nil {
		return nil, err
	}
	graph, err := e.producer.Produce(ctx, run)
	if err != nil {
		return nil, fmt.Errorf("plan production failed: %w", err)
	}
	if err := graph.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}
	if err := e.transition(ctx, run.ID, runs.StatusPlanned, actorExecutor); err != nil {
		return nil, err
	}
	e.saveCheckpoint(ctx, &checkpoint.Checkpoint{
		RunID:  run.ID,
		Status: runs.StatusPlanned,
		Phase:  "plan",
		Plan:   graph,
	})
	return graph, nil
}

// shadow executes every step without side effects. A step whose dependency
// failed or was skipped is skipped itself; the remaining steps still run, so
// the user sees the full picture before approving anything.
func (e *Executor) shadow(ctx context.Context, runID string, graph *plan.Graph) (map[string]plan.StepResult, error) {
	if err := e.transition(ctx, runID, runs.StatusShadowing, actorExecutor); err != nil {
		return nil, err
	}

	results := make(map[string]plan.StepResult, len(graph.Steps))
	cp := &checkpoint.Checkpoint{
		RunID:       runID,
		Status:      runs.StatusShadowing,
		Phase:       "shadow",
		Plan:        graph,
		StepResults: results,
	}

	for _, step := range graph.Steps {
		if err := e.awaitResume(ctx, runID); err != nil {
			return nil, err
		}

		result := plan.StepResult{StepID: step.ID, Tool: step.Tool}
		if failedDep := e.failedDependency(step, results); failedDep != "" {
			result.Skipped = true
			result.Error = fmt.Sprintf("dependency %q failed", failedDep)
		} else {
			start := time.Now()
			output, err := e.shadowStep(ctx, step)
			result.Duration = time.Since(start)
			result.Output = output
			if err != nil {
				result.Error = err.Error()
			} else {
				result.Success = true
			}
		}

		results[step.ID] = result
		if result.Success {
			cp.CompletedSteps = append(cp.CompletedSteps, step.ID)
		} else if !result.Skipped {
			cp.FailedSteps = append(cp.FailedSteps, step.ID)
		}
		e.saveCheckpoint(ctx, cp)
		e.publishStepResult(runID, "shadow", result)
	}

	if err := e.transition(ctx, runID, runs.StatusShadowed, actorExecutor); err != nil {
		return nil, err
	}
	cp.Status = runs.StatusShadowed
	e.saveCheckpoint(ctx, cp)
	return results, nil
}

func (e *Executor) shadowStep(ctx context.Context, step plan.Step) (string, error) {
	tool, err := e.tools.Get(step.Tool)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeouts.ToolInvocation)
	defer cancel()
	return tool.Shadow(ctx, step.Params)
}

// failedDependency returns the id of the first dependency that did not
// succeed, or empty when all dependencies passed.
func (e *Executor) failedDependency(step plan.Step, results map[string]plan.StepResult) string {
	for _, dep := range step.DependsOn {
		if r, ok := results[dep]; !ok || !r.Success {
			return dep
		}
	}
	return ""
}

// effectfulSteps returns, in plan order, the shadow-successful steps whose
// tool has an effect beyond reading.
func (e *Executor) effectfulSteps(graph *plan.Graph, results map[string]plan.StepResult) []plan.Step {
	var out []plan.Step
	for _, step := range graph.Steps {
		if !results[step.ID].Success {
			continue
		}
		tool, err := e.tools.Get(step.Tool)
		if err != nil {
			continue
		}
		if tool.Category(step.Params) != actionlog.CategoryRead {
			out = append(out, step)
		}
	}
	return out
}

// gate applies the approval policy to the effectful steps. It returns the
// approval marker to attach to the action log entries.
func (e *Executor) gate(ctx context.Context, runID string, effectful []plan.Step) (actionlog.Approval, error) {
	mode := e.mode()
	decision := approval.DecisionAuto
	for _, step := range effectful {
		tool, err := e.tools.Get(step.Tool)
		if err != nil {
			continue
		}
		switch approval.Evaluate(mode, tool.Category(step.Params)) {
		case approval.DecisionDeny:
			_, uerr := e.manager.UpdateStatus(ctx, runID, runs.StatusFailed, actorExecutor)
			if uerr != nil {
				return "", uerr
			}
			e.publishError(runID, "approval denied by policy")
			return "", fmt.Errorf("approval denied for step %q", step.ID)
		case approval.DecisionRequireUser:
			decision = approval.DecisionRequireUser
		}
	}

	if decision == approval.DecisionAuto {
		if err := e.transition(ctx, runID, runs.StatusApplying, actorExecutor); err != nil {
			return "", err
		}
		return actionlog.ApprovalAuto, nil
	}

	if err := e.transition(ctx, runID, runs.StatusApprovalRequired, actorExecutor); err != nil {
		return "", err
	}
	logger.Info(ctx, "Run waiting for approval", tag.RunID(runID))

	approved, err := e.broker.Wait(ctx, runID, e.timeouts.Approval)
	switch {
	case errors.Is(err, approval.ErrTimeout):
		if _, uerr := e.manager.UpdateStatus(ctx, runID, runs.StatusFailed, actorExecutor); uerr != nil {
			return "", uerr
		}
		e.publishError(runID, approval.ErrTimeout.Error())
		return "", approval.ErrTimeout
	case err != nil:
		if _, uerr := e.manager.UpdateStatus(ctx, runID, runs.StatusCancelled, actorExecutor); uerr != nil {
			return "", uerr
		}
		return "", err
	case !approved:
		if _, uerr := e.manager.UpdateStatus(ctx, runID, runs.StatusCancelled, actorUser); uerr != nil {
			return "", uerr
		}
		return "", fmt.Errorf("approval denied by user")
	}

	if err := e.transition(ctx, runID, runs.StatusApplying, actorUser); err != nil {
		return "", err
	}
	return actionlog.ApprovalUser, nil
}

// apply executes the effectful steps for real. Each step is recorded in the
// action log before its effect runs and completed with its result after.
func (e *Executor) apply(
	ctx context.Context,
	runID string,
	graph *plan.Graph,
	effectful []plan.Step,
	results map[string]plan.StepResult,
	approvedBy actionlog.Approval,
) error {
	cp := &checkpoint.Checkpoint{
		RunID:       runID,
		Status:      runs.StatusApplying,
		Phase:       "apply",
		Plan:        graph,
		StepResults: results,
	}

	for _, step := range effectful {
		if err := e.awaitResume(ctx, runID); err != nil {
			return err
		}
		tool, err := e.tools.Get(step.Tool)
		if err != nil {
			return err
		}

		var undo *actionlog.UndoData
		undoable := tool.Undoable(step.Params)
		if preparer, ok := tool.(UndoPreparer); ok && undoable {
			undo, err = preparer.PrepareUndo(ctx, step.Params)
			if err != nil {
				return fmt.Errorf("step %q: undo snapshot failed: %w", step.ID, err)
			}
		}
		undoable = undoable && undo != nil

		entryID, err := e.log.Record(ctx, actionlog.RecordSpec{
			RunID:    runID,
			Tool:     step.Tool,
			Category: tool.Category(step.Params),
			Params:   step.Params,
			Approval: approvedBy,
			Undoable: undoable,
			UndoData: undo,
		})
		if err != nil {
			return fmt.Errorf("step %q: %w", step.ID, err)
		}

		applyCtx, cancel := context.WithTimeout(ctx, e.timeouts.ToolInvocation)
		start := time.Now()
		output, applyErr := tool.Apply(applyCtx, step.Params)
		cancel()

		result := actionlog.Result{Success: applyErr == nil, Output: output}
		if applyErr != nil {
			result.Error = applyErr.Error()
		}
		if err := e.log.Complete(ctx, entryID, result); err != nil {
			return fmt.Errorf("step %q: %w", step.ID, err)
		}

		stepResult := plan.StepResult{
			StepID:   step.ID,
			Tool:     step.Tool,
			Success:  applyErr == nil,
			Output:   output,
			Duration: time.Since(start),
		}
		if applyErr != nil {
			stepResult.Error = applyErr.Error()
		}
		results[step.ID] = stepResult
		if applyErr == nil {
			cp.CompletedSteps = append(cp.CompletedSteps, step.ID)
		} else {
			cp.FailedSteps = append(cp.FailedSteps, step.ID)
		}
		e.saveCheckpoint(ctx, cp)
		e.publishStepResult(runID, "apply", stepResult)

		if applyErr != nil {
			return fmt.Errorf("step %q: %w", step.ID, applyErr)
		}
	}

	cp.Status = runs.StatusApplied
	e.saveCheckpoint(ctx, cp)
	return nil
}

// abort parks the run in failed or cancelled. The checkpoint is kept so that
// partially applied work remains inspectable and undoable.
func (e *Executor) abort(ctx context.Context, runID string, phase string, cause error) error {
	status := runs.StatusFailed
	if errors.Is(cause, context.Canceled) {
		status = runs.StatusCancelled
	}
	logger.Error(ctx, "Run aborted", tag.RunID(runID), "phase", phase, tag.Error(cause))
	if _, err := e.manager.UpdateStatus(ctx, runID, status, actorExecutor); err != nil {
		// Applying forbids cancelled: effects are in flight, so a cancel
		// mid-apply lands in failed instead.
		if errors.Is(err, runs.ErrInvalidTransition) && status == runs.StatusCancelled {
			if _, err := e.manager.UpdateStatus(ctx, runID, runs.StatusFailed, actorExecutor); err != nil &&
				!errors.Is(err, runs.ErrInvalidTransition) {
				return err
			}
		} else if !errors.Is(err, runs.ErrInvalidTransition) {
			return err
		}
	}
	e.publishError(runID, cause.Error())
	return cause
}

// Recover parks runs that were in flight when the daemon stopped. Their
// checkpoints and action log entries stay, so applied work can still be
// undone.
func (e *Executor) Recover(ctx context.Context) error {
	all, err := e.manager.List(ctx)
	if err != nil {
		return err
	}
	for _, run := range all {
		if !run.Status.Active() || run.Status == runs.StatusCreated {
			continue
		}
		logger.Warn(ctx, "Marking interrupted run as failed", tag.RunID(run.ID), tag.Status(string(run.Status)))
		if _, err := e.manager.UpdateStatus(ctx, run.ID, runs.StatusFailed, actorRecovery); err != nil {
			logger.Error(ctx, "Failed to recover run", tag.RunID(run.ID), tag.Error(err))
		}
	}
	return nil
}

func (e *Executor) saveCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) {
	if err := e.checkpoints.Save(cp); err != nil {
		logger.Error(ctx, "Failed to save checkpoint", tag.RunID(cp.RunID), tag.Error(err))
	}
}

func (e *Executor) publishStepResult(runID, phase string, result plan.StepResult) {
	e.bus.Publish(eventbus.RunTopic(runID), eventbus.Event{
		Type: eventbus.EventStepResult,
		Payload: map[string]any{
			"runId":   runID,
			"phase":   phase,
			"stepId":  result.StepID,
			"tool":    result.Tool,
			"success": result.Success,
			"skipped": result.Skipped,
			"output":  result.Output,
			"error":   result.Error,
		},
	})
}

func (e *Executor) publishDone(runID string, results map[string]plan.StepResult) {
	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}
	e.bus.Publish(eventbus.RunTopic(runID), eventbus.Event{
		Type: eventbus.EventDone,
		Payload: map[string]any{
			"runId":     runID,
			"steps":     len(results),
			"succeeded": succeeded,
		},
	})
}

func (e *Executor) publishError(runID, msg string) {
	e.bus.Publish(eventbus.RunTopic(runID), eventbus.Event{
		Type:    eventbus.EventError,
		Payload: map[string]any{"runId": runID, "error": msg},
	})
}
