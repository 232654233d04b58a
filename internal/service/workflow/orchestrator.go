// Package workflow drives runs through the stage pipeline: it invokes each
// stage agent in order, persists results with compare-and-set writes, pauses
// at the approval gate and supervises background execution.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/BM-AI-solutions/decision-points-sub000/internal/control"
	"github.com/BM-AI-solutions/decision-points-sub000/internal/core"
	"github.com/BM-AI-solutions/decision-points-sub000/internal/events"
	"github.com/BM-AI-solutions/decision-points-sub000/internal/logging"
	"github.com/BM-AI-solutions/decision-points-sub000/internal/stages"
)

// persistTimeout bounds terminal writes made after the run context is gone.
const persistTimeout = 5 * time.Second

// Orchestrator executes workflow runs.
type Orchestrator struct {
	registry   *stages.Registry
	store      core.RunStore
	invoker    core.Invoker
	bus        *events.EventBus
	gate       *control.Gate
	supervisor *Supervisor
	metrics    *Metrics
	retry      RetryPolicy
	logger     *logging.Logger
	tracer     trace.Tracer
	meter      metric.Meter
	now        func() time.Time
	newID      func() string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// WithTracer sets the tracer used for run and stage spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		o.tracer = t
	}
}

// WithMeter sets the meter used for run and stage metrics.
func WithMeter(m metric.Meter) Option {
	return func(o *Orchestrator) {
		o.meter = m
	}
}

// WithRetryPolicy sets how idempotent stages are retried.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *Orchestrator) {
		o.retry = p
	}
}

// WithSupervisor sets the supervisor for background runs.
func WithSupervisor(s *Supervisor) Option {
	return func(o *Orchestrator) {
		o.supervisor = s
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// New creates an Orchestrator. bus may be nil when nobody observes runs.
func New(registry *stages.Registry, store core.RunStore, invoker core.Invoker, bus *events.EventBus, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		registry: registry,
		store:    store,
		invoker:  invoker,
		bus:      bus,
		retry:    DefaultRetryPolicy(),
		logger:   logging.NewNop(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.tracer == nil {
		o.tracer = noop.NewTracerProvider().Tracer("noop")
	}
	if o.meter == nil {
		o.meter = otel.GetMeterProvider().Meter("decisionpoints")
	}
	metrics, err := NewMetrics(o.meter)
	if err != nil {
		return nil, err
	}
	o.metrics = metrics
	if o.supervisor == nil {
		o.supervisor = NewSupervisor(WithSupervisorLogger(o.logger))
	}
	o.supervisor.setFailureHook(o.handleTaskFailure)
	o.gate = control.New(store, bus, control.WithResumer(o), control.WithLogger(o.logger))
	return o, nil
}

// Gate returns the approval gate bound to this orchestrator.
func (o *Orchestrator) Gate() *control.Gate {
	return o.gate
}

// Supervisor returns the background task supervisor.
func (o *Orchestrator) Supervisor() *Supervisor {
	return o.supervisor
}

// Metrics returns the run and stage counters.
func (o *Orchestrator) Metrics() *Metrics {
	return o.metrics
}

// Store returns the run store.
func (o *Orchestrator) Store() core.RunStore {
	return o.store
}

// Create validates the input and persists a new run in the starting status.
// Invalid input is never persisted.
func (o *Orchestrator) Create(ctx context.Context, in core.RunInput) (*core.WorkflowRun, error) {
	in = in.Normalize()
	in.Variant = o.registry.ResolveVariant(in.Variant)
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if _, err := o.registry.Pipeline(in.Variant); err != nil {
		return nil, err
	}

	run := core.NewWorkflowRun(core.RunID("wf-"+o.newID()), in, o.now())
	if err := o.store.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}
	o.metrics.RunStarted(ctx, run.Variant)
	o.logger.WithRun(string(run.ID)).Info("run created", "variant", run.Variant, "topic_len", len(run.InitialTopic))
	o.publish(run)
	return run, nil
}

// Start creates a run and executes it in the background.
func (o *Orchestrator) Start(ctx context.Context, in core.RunInput) (*core.WorkflowRun, error) {
	run, err := o.Create(ctx, in)
	if err != nil {
		return nil, err
	}
	if _, err := o.supervisor.Submit(TaskKindExecute, run.ID, func(taskCtx context.Context) error {
		_, err := o.Execute(taskCtx, run.ID)
		return err
	}); err != nil {
		o.failRun(ctx, run, run.CurrentStage, "internal error: "+err.Error())
		return nil, err
	}
	return run, nil
}

// ScheduleResume continues an approved run in the background.
func (o *Orchestrator) ScheduleResume(_ context.Context, runID core.RunID) error {
	_, err := o.supervisor.Submit(TaskKindResume, runID, func(taskCtx context.Context) error {
		_, err := o.Execute(taskCtx, runID)
		return err
	})
	return err
}

// Decide applies an approval decision. Approved runs resume in the background.
func (o *Orchestrator) Decide(ctx context.Context, runID core.RunID, decision control.Decision) (*core.WorkflowRun, error) {
	run, err := o.gate.Decide(ctx, runID, decision)
	if err != nil {
		return nil, err
	}
	o.metrics.RunStatusChanged(ctx, run.Status)
	return run, nil
}

// Execute drives a run from its stored status until it completes, fails or
// pauses for approval, and returns the run as last written. Stage failures
// are recorded on the run and are not returned as errors.
func (o *Orchestrator) Execute(ctx context.Context, runID core.RunID) (result *core.WorkflowRun, err error) {
	run, err := o.store.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.IsTerminal() || run.Status == core.RunStatusPendingApproval {
		return run, nil
	}

	pipeline, err := o.registry.Pipeline(run.Variant)
	if err != nil {
		failed := o.failRun(ctx, run, run.CurrentStage, "internal error: "+err.Error())
		return failed, nil
	}

	ctx, span := o.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("run.id", string(run.ID)),
		attribute.String("run.variant", string(run.Variant)),
		attribute.String("run.status", string(run.Status)),
	))
	defer span.End()
	logger := o.logger.WithContext(ctx).WithRun(string(run.ID))

	x := &execution{o: o, run: run, pipeline: pipeline, graph: pipeline.Graph(), logger: logger}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("run panicked", "panic", r, "stack", string(debug.Stack()))
			span.SetStatus(codes.Error, "panic")
			result = o.failRun(ctx, x.run, x.stage, fmt.Sprintf("internal error: %v", r))
			err = nil
		}
	}()

	result, err = x.drive(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("run execution error", "error", err)
		if x.run != nil && !x.run.IsTerminal() && !core.IsConflict(err) {
			result = o.failRun(ctx, x.run, x.stage, "internal error: "+err.Error())
			return result, nil
		}
		return result, err
	}
	span.SetAttributes(attribute.String("run.final_status", string(result.Status)))
	return result, nil
}

// execution is the state of one Execute call.
type execution struct {
	o        *Orchestrator
	run      *core.WorkflowRun
	pipeline *stages.Pipeline
	graph    *core.TransitionGraph
	logger   *logging.Logger
	// stage is the stage being worked on, for failure attribution.
	stage core.StageName
}

func (x *execution) drive(ctx context.Context) (*core.WorkflowRun, error) {
	switch {
	case x.run.Status == core.RunStatusStarting:
		x.stage = x.pipeline.First()
		if x.pipeline.RequiresApproval(x.stage) {
			return x.requestApproval(ctx, x.stage, nil)
		}
		if err := x.transition(ctx, core.RunUpdate{Status: x.stage.Status(), CurrentStage: x.stage}); err != nil {
			return x.run, err
		}
	case x.run.Status == core.RunStatusApprovedResuming:
		x.stage = x.run.CurrentStage
		if err := x.transition(ctx, core.RunUpdate{Status: x.stage.Status(), CurrentStage: x.stage}); err != nil {
			return x.run, err
		}
	default:
		return x.run, core.ErrConflict(core.CodeInvalidTransition,
			fmt.Sprintf("run %s is already %s", x.run.ID, x.run.Status))
	}

	for {
		payload, err := x.o.runStage(ctx, x.run, x.stage, x.logger)
		if err != nil {
			return x.o.failRun(ctx, x.run, x.stage, failureReason(err)), nil
		}
		result := &core.StageResult{Stage: x.stage, Payload: payload}

		next, ok := x.pipeline.Next(x.stage)
		if !ok {
			return x.complete(ctx, result)
		}
		if x.pipeline.RequiresApproval(next) {
			return x.requestApproval(ctx, next, result)
		}
		if err := x.transition(ctx, core.RunUpdate{
			Status:       next.Status(),
			CurrentStage: next,
			StageResult:  result,
		}); err != nil {
			return x.run, err
		}
		x.stage = next
	}
}

func (x *execution) transition(ctx context.Context, update core.RunUpdate) error {
	if err := x.graph.Check(x.run.Status, update.Status); err != nil {
		return err
	}
	run, err := x.o.store.UpdateStatus(ctx, x.run.ID, x.run.Status, update)
	if err != nil {
		return fmt.Errorf("moving run to %s: %w", update.Status, err)
	}
	x.run = run
	x.logger.Info("run status changed", "status", run.Status, "stage", run.CurrentStage)
	x.o.metrics.RunStatusChanged(ctx, run.Status)
	x.o.publish(run)
	return nil
}

func (x *execution) requestApproval(ctx context.Context, stage core.StageName, result *core.StageResult) (*core.WorkflowRun, error) {
	if err := x.graph.Check(x.run.Status, core.RunStatusPendingApproval); err != nil {
		return x.run, err
	}
	run, err := x.o.gate.RequestApproval(ctx, x.run.ID, x.run.Status, stage, result)
	if err != nil {
		return x.run, err
	}
	x.run = run
	x.o.metrics.RunStatusChanged(ctx, run.Status)
	return run, nil
}

func (x *execution) complete(ctx context.Context, result *core.StageResult) (*core.WorkflowRun, error) {
	view := x.run.Clone()
	view.StageResults[result.Stage] = result.Payload
	final, err := x.pipeline.AssembleFinalResult(view)
	if err != nil {
		return x.run, err
	}
	if err := x.transition(ctx, core.RunUpdate{
		Status:      core.RunStatusCompleted,
		StageResult: result,
		FinalResult: final,
	}); err != nil {
		return x.run, err
	}
	x.logger.Info("run completed")
	return x.run, nil
}

// runStage invokes the stage agent, retrying idempotent stages, and returns
// the validated output. Each attempt leaves a step record.
func (o *Orchestrator) runStage(ctx context.Context, run *core.WorkflowRun, stage core.StageName, logger *logging.Logger) (json.RawMessage, error) {
	def, err := o.registry.Definition(stage)
	if err != nil {
		return nil, err
	}
	ep, err := o.registry.Endpoint(stage)
	if err != nil {
		return nil, err
	}
	input, err := def.BuildInput(run)
	if err != nil {
		return nil, core.ErrExecution("INPUT_BUILD_FAILED", err.Error()).WithCause(err)
	}

	logger = logger.WithStage(string(stage))
	var output json.RawMessage
	attempt := func(ctx context.Context, n int) error {
		raw, err := o.attemptStage(ctx, run, stage, def, ep, input, n, logger)
		if err != nil {
			return err
		}
		output = raw
		return nil
	}
	notify := func(n int, err error, delay time.Duration) {
		logger.Warn("retrying stage", "attempt", n, "delay", delay, "error", err)
		o.metrics.StageRetry(ctx, stage)
		o.publishEvent(events.NewStageRetryEvent(run.ID, stage, failureReason(err)))
	}
	if err := o.retry.Execute(ctx, o.retry.attempts(def.Idempotent), attempt, notify); err != nil {
		return nil, err
	}
	return output, nil
}

func (o *Orchestrator) attemptStage(ctx context.Context, run *core.WorkflowRun, stage core.StageName, def stages.Definition, ep stages.Endpoint, input any, n int, logger *logging.Logger) (json.RawMessage, error) {
	ctx, span := o.tracer.Start(ctx, "workflow.stage", trace.WithAttributes(
		attribute.String("run.id", string(run.ID)),
		attribute.String("stage.name", string(stage)),
		attribute.Int("stage.attempt", n),
	))
	defer span.End()

	step := core.StepRecord{
		ID:           "step-" + o.newID(),
		RunID:        run.ID,
		StepName:     stage,
		Attempt:      n,
		Status:       core.StepStarted,
		InvocationID: "inv-" + o.newID(),
		StartedAt:    o.now().UTC(),
	}
	if err := o.store.AppendStep(ctx, step); err != nil {
		return nil, fmt.Errorf("recording step: %w", err)
	}
	o.publishEvent(events.NewStageStartedEvent(run.ID, stage, n))
	logger.Info("invoking stage agent", "attempt", n, "invocation_id", step.InvocationID)

	start := time.Now()
	raw, err := o.invoker.Invoke(ctx, core.InvokeRequest{
		AgentURL:           ep.URL,
		AgentID:            ep.AgentID,
		Stage:              stage,
		Simple:             ep.Simple,
		InvocationID:       step.InvocationID,
		ParentInvocationID: string(run.ID),
		Input:              input,
		Timeout:            ep.Timeout,
	})
	var payload json.RawMessage
	if err == nil {
		payload, err = def.ValidateOutput(raw)
	}
	o.metrics.StageAttempt(ctx, stage, time.Since(start), err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		step.Fail(core.StageFailureMessage(stage, failureReason(err)), o.now())
		if json.Valid(raw) {
			// Keep what the agent sent so output validation failures can be diagnosed.
			step.Result = raw
		}
		o.completeStep(ctx, step, logger)
		logger.Warn("stage attempt failed", "attempt", n, "error", err)
		return nil, err
	}

	step.Succeed(payload, o.now())
	o.completeStep(ctx, step, logger)
	return payload, nil
}

func (o *Orchestrator) completeStep(ctx context.Context, step core.StepRecord, logger *logging.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := o.store.CompleteStep(ctx, step); err != nil {
		logger.Error("finalizing step failed", "step_id", step.ID, "error", err)
	}
}

// failRun records a stage failure. It uses a context detached from ctx so a
// cancelled run is still marked failed, and returns the run as stored.
func (o *Orchestrator) failRun(ctx context.Context, run *core.WorkflowRun, stage core.StageName, reason string) *core.WorkflowRun {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if stage == "" {
		stage = o.failureStage(run.Variant, run.CurrentStage)
	}
	msg := core.StageFailureMessage(stage, reason)
	logger := o.logger.WithRun(string(run.ID)).WithStage(string(stage))

	failed, err := o.store.UpdateStatus(ctx, run.ID, run.Status, core.RunUpdate{
		Status:       core.RunStatusFailed,
		ErrorMessage: msg,
		FailedStage:  stage,
	})
	if err != nil {
		logger.Error("recording run failure failed", "error", err, "reason", reason)
		if current, loadErr := o.store.Load(ctx, run.ID); loadErr == nil {
			return current
		}
		return run
	}
	logger.Error("run failed", "error", msg)
	o.metrics.RunStatusChanged(ctx, failed.Status)
	o.publish(failed)
	return failed
}

// failureStage names the stage a failure is attributed to. A run that failed
// before its first stage began is attributed to that first stage.
func (o *Orchestrator) failureStage(variant core.Variant, current core.StageName) core.StageName {
	if current != "" {
		return current
	}
	if pipeline, err := o.registry.Pipeline(variant); err == nil {
		return pipeline.First()
	}
	return core.AllStages()[0]
}

// handleTaskFailure marks the run failed when its background task returned
// an error or panicked without recording an outcome.
func (o *Orchestrator) handleTaskFailure(task Task, err error) {
	o.publishEvent(events.NewTaskFailedEvent(task.RunID, "", task.Error))
	if core.IsConflict(err) {
		// Another driver owns the run.
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	run, loadErr := o.store.Load(ctx, task.RunID)
	if loadErr != nil || !run.Status.IsInFlight() {
		return
	}
	reason := "internal error"
	if err != nil {
		reason = "internal error: " + err.Error()
	}
	o.failRun(ctx, run, run.CurrentStage, reason)
}

func (o *Orchestrator) publish(run *core.WorkflowRun) {
	o.publishEvent(events.NewStatusEvent(run))
}

func (o *Orchestrator) publishEvent(ev events.RunEvent) {
	if o.bus != nil {
		o.bus.Publish(ev)
	}
}

// failureReason renders an error for the run's error_message.
func failureReason(err error) string {
	var exhausted *RetryExhaustedError
	if errors.As(err, &exhausted) {
		err = exhausted.LastErr
	}
	var invErr *core.InvocationError
	if errors.As(err, &invErr) {
		return invErr.Error()
	}
	var de *core.DomainError
	if errors.As(err, &de) {
		return de.Message
	}
	return err.Error()
}
