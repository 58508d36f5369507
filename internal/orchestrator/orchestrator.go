package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"webpilot/internal/config"
	"webpilot/internal/entity"
	"webpilot/internal/ports"
	"webpilot/pkg/apperr"
	"webpilot/pkg/logg"
	"webpilot/pkg/tracing"
)

const (
	orchestratorName   = "Orchestrator"
	orchestratorTracer = "orchestrator.task"
)

const (
	reasonObjectiveDone  = "objective completed"
	reasonStopped        = "stopped by operator"
	reasonTimeBudget     = "time budget exceeded"
	reasonReplanBudget   = "replan budget exceeded"
	reasonPlanExhausted  = "planner cannot proceed"
	reasonFatalStep      = "fatal step failure"
	reasonEmptyFirstPlan = "planner produced no steps"
)

// taskPhase is the orchestrator's machine:
// Planning -> Executing -> {StepAdvance, Replanning, Completed, Aborted}.
type taskPhase int

const (
	phasePlanning taskPhase = iota
	phaseExecuting
	phaseReplanning
	phaseDone
)

// Orchestrator owns the whole-task lifecycle: it requests plans from the
// oracle, feeds steps to the executor one at a time, decides when failures
// warrant a replan, and enforces the replan and elapsed-time ceilings.
type Orchestrator struct {
	config   *config.OrchestratorConfig
	logger   *zap.Logger
	oracle   ports.PlanningOracle
	executor ports.StepExecutor
	browser  ports.BrowserSession
	tracer   trace.Tracer
	stopChan chan struct{}
}

type Params struct {
	fx.In

	Config   *config.Config
	Logger   *zap.Logger
	Oracle   ports.PlanningOracle
	Executor ports.StepExecutor
	Browser  ports.BrowserSession
}

func NewOrchestrator(params Params) *Orchestrator {
	return &Orchestrator{
		config:   params.Config.OrchestratorConfig,
		logger:   params.Logger.With(zap.String(logg.Layer, orchestratorName)),
		oracle:   params.Oracle,
		executor: params.Executor,
		browser:  params.Browser,
		tracer:   otel.Tracer(orchestratorTracer),
		stopChan: make(chan struct{}, 1),
	}
}

// Run drives one objective to a terminal verdict. It always returns a
// report; the error is reserved for infrastructure failures that prevented
// the task from even starting.
func (o *Orchestrator) Run(ctx context.Context, objective string) (*entity.TaskReport, error) {
	const op = "Run"

	state := &entity.TaskState{
		TaskID:    uuid.New(),
		Objective: objective,
		StartedAt: time.Now(),
	}

	logger := o.logger.With(
		zap.String(logg.Operation, op),
		zap.String(logg.TaskID, state.TaskID.String()))

	ctx, span := tracing.StartSpan(ctx, o.tracer, logger, op,
		attribute.String("task_id", state.TaskID.String()))

	logger.Info("Task started", zap.String("objective", objective))

	var summaries []entity.StepSummary

	phase := phasePlanning

	for phase != phaseDone {
		if reason, stopped := o.checkBudgets(ctx, state); stopped {
			o.abort(state, reason)

			break
		}

		switch phase {
		case phasePlanning:
			phase = o.plan(ctx, state, logger)

		case phaseExecuting:
			phase = o.executeStep(ctx, state, &summaries, logger)

		case phaseReplanning:
			phase = o.replan(ctx, state, logger)
		}

		if state.Terminal() {
			phase = phaseDone
		}
	}

	report := o.buildReport(state, summaries)

	logger.Info("Task finished",
		zap.String("verdict", string(report.Verdict)),
		zap.String(logg.Reason, report.Reason),
		zap.Duration("elapsed", report.Elapsed))

	if report.Verdict == entity.VerdictCompleted {
		span.End(nil)
	} else {
		span.End(apperr.WrapErrorWithReason(op, apperr.CodeInternal, report.Reason))
	}

	return report, nil
}

// Stop requests a graceful abort of the running task. The orchestrator
// notices at the next state boundary; the in-flight step finishes first.
func (o *Orchestrator) Stop() {
	select {
	case o.stopChan <- struct{}{}:
	default:
	}
}

// checkBudgets is evaluated at every state boundary. Cancellation and the
// elapsed ceiling are never checked mid-step.
func (o *Orchestrator) checkBudgets(ctx context.Context, state *entity.TaskState) (string, bool) {
	select {
	case <-ctx.Done():
		return "cancelled: " + ctx.Err().Error(), true
	case <-o.stopChan:
		return reasonStopped, true
	default:
	}

	if o.config.MaxElapsed > 0 && time.Since(state.StartedAt) > o.config.MaxElapsed {
		return reasonTimeBudget, true
	}

	return "", false
}

func (o *Orchestrator) plan(ctx context.Context, state *entity.TaskState, logger *zap.Logger) taskPhase {
	summary := o.pageSummary(ctx)

	plan, err := o.oracle.BuildPlan(ctx, state.Objective, nil, summary, 0)
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodePlanExhausted {
			o.abort(state, reasonPlanExhausted)
		} else {
			o.abort(state, "planning failed: "+err.Error())
		}

		return phaseDone
	}

	if len(plan.Steps) == 0 {
		o.abort(state, reasonEmptyFirstPlan)

		return phaseDone
	}

	state.Plan = plan
	state.StepIndex = 0

	logger.Info("Plan accepted",
		zap.Int(logg.Revision, plan.Revision),
		zap.Int("steps", len(plan.Steps)))

	return phaseExecuting
}

func (o *Orchestrator) executeStep(ctx context.Context, state *entity.TaskState, summaries *[]entity.StepSummary, logger *zap.Logger) taskPhase {
	if state.StepIndex >= len(state.Plan.Steps) {
		state.Verdict = entity.VerdictCompleted
		state.Reason = reasonObjectiveDone

		return phaseDone
	}

	step := state.Plan.Steps[state.StepIndex]

	outcome := o.executor.Run(ctx, step)
	outcome.PlanRevision = state.Plan.Revision

	state.RecordOutcome(outcome, o.config.HistoryWindow)
	*summaries = append(*summaries, entity.StepSummary{
		PlanRevision: outcome.PlanRevision,
		StepIndex:    outcome.StepIndex,
		Action:       outcome.Action,
		Status:       outcome.Status,
		Reason:       outcome.Reason,
	})

	switch outcome.Status {
	case entity.StepSucceeded:
		state.StepIndex++
		state.ConsecutiveFailures = 0

		return phaseExecuting

	case entity.StepFatalFailure:
		o.abort(state, reasonFatalStep+": "+outcome.Reason)

		return phaseDone

	default:
		state.ConsecutiveFailures++

		logger.Info("Step failed",
			zap.Int(logg.Step, step.Index),
			zap.String(logg.Reason, outcome.Reason),
			zap.Int("consecutive_failures", state.ConsecutiveFailures))

		// Below the threshold the same step is retried as-is; the executor
		// already burned its internal budget, so this is a fresh attempt
		// against whatever the page looks like now.
		if state.ConsecutiveFailures < o.config.ReplanThreshold {
			return phaseExecuting
		}

		return phaseReplanning
	}
}

func (o *Orchestrator) replan(ctx context.Context, state *entity.TaskState, logger *zap.Logger) taskPhase {
	if state.Replans >= o.config.MaxReplans {
		o.abort(state, reasonReplanBudget)

		return phaseDone
	}

	state.Replans++
	revision := state.Plan.Revision + 1
	summary := o.pageSummary(ctx)

	logger.Info("Replanning",
		zap.Int(logg.Revision, revision),
		zap.Int("replans_used", state.Replans))

	plan, err := o.oracle.BuildPlan(ctx, state.Objective, state.History, summary, revision)
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodePlanExhausted {
			o.abort(state, reasonPlanExhausted)
		} else {
			o.abort(state, "replanning failed: "+err.Error())
		}

		return phaseDone
	}

	if len(plan.Steps) == 0 {
		// An empty revised plan is the oracle saying the objective is done.
		state.Verdict = entity.VerdictCompleted
		state.Reason = reasonObjectiveDone

		return phaseDone
	}

	// A successful replan wipes the failure streak; the new plan starts
	// from its first step.
	state.Plan = plan
	state.StepIndex = 0
	state.ConsecutiveFailures = 0

	logger.Info("Plan accepted",
		zap.Int(logg.Revision, plan.Revision),
		zap.Int("steps", len(plan.Steps)))

	return phaseExecuting
}

func (o *Orchestrator) pageSummary(ctx context.Context) string {
	if !o.browser.IsReady() {
		return ""
	}

	summary, err := o.browser.PageSummary(ctx)
	if err != nil {
		return ""
	}

	return summary
}

func (o *Orchestrator) abort(state *entity.TaskState, reason string) {
	state.Verdict = entity.VerdictAborted
	state.Reason = reason
}

func (o *Orchestrator) buildReport(state *entity.TaskState, summaries []entity.StepSummary) *entity.TaskReport {
	return &entity.TaskReport{
		TaskID:    state.TaskID,
		Objective: state.Objective,
		Verdict:   state.Verdict,
		Reason:    state.Reason,
		Replans:   state.Replans,
		Elapsed:   time.Since(state.StartedAt),
		Steps:     summaries,
	}
}
