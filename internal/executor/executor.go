package executor

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"webpilot/internal/browser"
	"webpilot/internal/config"
	"webpilot/internal/entity"
	"webpilot/internal/ports"
	"webpilot/pkg/apperr"
	"webpilot/pkg/logg"
	"webpilot/pkg/tracing"
)

const (
	executorName   = "StepExecutor"
	executorTracer = "executor.step"
)

const (
	ReasonNotFound           = "not found"
	ReasonObstructed         = "obstructed"
	ReasonPreconditionUnmet  = "precondition unmet"
	ReasonPostconditionUnmet = "postcondition unmet"
	ReasonRetriesExhausted   = "retries exhausted"
)

// stepState is the executor's per-step machine: a step starts resolving,
// acts on the best candidate, and loops between the two within its retry
// budgets until it reaches a terminal state.
type stepState int

const (
	stateResolving stepState = iota
	stateActing
	stateSucceeded
	stateRecoverable
	stateFatal
)

// CandidateResolver is satisfied by resolver.Resolver; kept narrow so tests
// can substitute scoring behavior.
type CandidateResolver interface {
	Resolve(snapshot *entity.PageSnapshot, target entity.TargetSpec) []entity.MatchCandidate
}

// ActionPerformer is satisfied by engine.Engine.
type ActionPerformer interface {
	Perform(ctx context.Context, candidate entity.MatchCandidate, target entity.TargetSpec) entity.ActionResult
}

// Executor drives one plan step to a terminal outcome: resolve against a
// fresh snapshot, act through the engine, retry within the per-step budget,
// and classify the result. It never silently drops a step.
type Executor struct {
	config   *config.ExecutorConfig
	logger   *zap.Logger
	browser  ports.BrowserSession
	resolver CandidateResolver
	engine   ActionPerformer
	tracer   trace.Tracer
}

type Params struct {
	fx.In

	Config   *config.Config
	Logger   *zap.Logger
	Browser  ports.BrowserSession
	Resolver CandidateResolver
	Engine   ActionPerformer
}

func NewExecutor(params Params) *Executor {
	return &Executor{
		config:   params.Config.ExecutorConfig,
		logger:   params.Logger.With(zap.String(logg.Layer, executorName)),
		browser:  params.Browser,
		resolver: params.Resolver,
		engine:   params.Engine,
		tracer:   otel.Tracer(executorTracer),
	}
}

// Run executes one plan step to a terminal outcome.
func (e *Executor) Run(ctx context.Context, step entity.PlanStep) entity.StepOutcome {
	const op = "Run"
	logger := e.logger.With(
		zap.String(logg.Operation, op),
		zap.Int(logg.Step, step.Index),
		zap.String(logg.Action, string(step.Target.Action)),
	)

	ctx, span := tracing.StartSpan(ctx, e.tracer, logger, op,
		attribute.Int("step_index", step.Index),
		attribute.String("action", string(step.Target.Action)))

	outcome := e.run(ctx, step, logger)

	if outcome.Status == entity.StepSucceeded {
		span.End(nil)
	} else {
		span.End(apperr.WrapErrorWithReason(op, apperr.CodeInternal, outcome.Reason))
	}

	return outcome
}

func (e *Executor) run(ctx context.Context, step entity.PlanStep, logger *zap.Logger) entity.StepOutcome {
	outcome := entity.StepOutcome{
		StepIndex: step.Index,
		Action:    step.Target.Action,
	}

	// Navigation has no element target; it goes straight to the session.
	if step.Target.Action == entity.ActionNavigate {
		return e.runNavigate(ctx, step, outcome, logger)
	}

	before, err := e.browser.QuerySnapshot(ctx)
	if err != nil {
		return e.finish(ctx, outcome, entity.StepRecoverableFailure, err.Error(), nil)
	}

	if step.Precondition != nil && !conditionMet(*step.Precondition, before, before) {
		return e.finish(ctx, outcome, entity.StepRecoverableFailure, ReasonPreconditionUnmet, before)
	}

	state := stateResolving
	staleRetries := 0
	transientRetries := 0

	var (
		snapshot   *entity.PageSnapshot
		candidates []entity.MatchCandidate
		lastDetail string
	)

	snapshot = before

	for {
		select {
		case <-ctx.Done():
			return e.finish(ctx, outcome, entity.StepRecoverableFailure, "cancelled", snapshot)
		default:
		}

		switch state {
		case stateResolving:
			candidates, snapshot = e.resolveWithSettle(ctx, step.Target)

			if len(candidates) == 0 {
				state = stateRecoverable
				lastDetail = ReasonNotFound

				continue
			}

			state = stateActing

		case stateActing:
			outcome.Attempts++

			result := e.engine.Perform(ctx, candidates[0], step.Target)

			switch result.Status {
			case entity.ActionSuccess:
				state = stateSucceeded

			case entity.ActionStaleElement:
				// Candidate set invalidated; resolve again against a fresh
				// snapshot, up to the stale budget.
				staleRetries++
				if staleRetries > e.config.StaleRetries {
					state = stateRecoverable
					lastDetail = "stale: " + result.Detail

					continue
				}

				logger.Info("Candidate went stale, re-resolving",
					zap.Int("retry", staleRetries))

				state = stateResolving

			case entity.ActionObstructed:
				// The engine already spent its one clearing attempt.
				state = stateRecoverable
				lastDetail = ReasonObstructed

			case entity.ActionError:
				if !result.Transient {
					state = stateFatal
					lastDetail = result.Detail

					continue
				}

				transientRetries++
				if transientRetries > e.config.TransientRetries {
					state = stateRecoverable
					lastDetail = ReasonRetriesExhausted + ": " + result.Detail

					continue
				}

				logger.Info("Transient action failure, retrying",
					zap.Int("retry", transientRetries),
					zap.String(logg.Reason, result.Detail))

				waitInterval(ctx, e.config.SettleInitialWait)

				state = stateActing
			}

		case stateSucceeded:
			after, err := e.browser.QuerySnapshot(ctx)
			if err != nil {
				after = snapshot
			}

			if step.Postcondition != nil && !conditionMet(*step.Postcondition, snapshot, after) {
				return e.finish(ctx, outcome, entity.StepRecoverableFailure, ReasonPostconditionUnmet, after)
			}

			return e.finish(ctx, outcome, entity.StepSucceeded, "", after)

		case stateRecoverable:
			return e.finish(ctx, outcome, entity.StepRecoverableFailure, lastDetail, snapshot)

		case stateFatal:
			return e.finish(ctx, outcome, entity.StepFatalFailure, lastDetail, snapshot)
		}
	}
}

func (e *Executor) runNavigate(ctx context.Context, step entity.PlanStep, outcome entity.StepOutcome, logger *zap.Logger) entity.StepOutcome {
	outcome.Attempts = 1

	if err := e.browser.Navigate(ctx, step.Target.Payload); err != nil {
		if apperr.Recoverable(err) {
			return e.finish(ctx, outcome, entity.StepRecoverableFailure, err.Error(), nil)
		}

		return e.finish(ctx, outcome, entity.StepFatalFailure, err.Error(), nil)
	}

	after, err := e.browser.QuerySnapshot(ctx)
	if err != nil {
		after = nil
	}

	if step.Postcondition != nil && !conditionMet(*step.Postcondition, nil, after) {
		return e.finish(ctx, outcome, entity.StepRecoverableFailure, ReasonPostconditionUnmet, after)
	}

	logger.Info("Navigation completed", zap.String(logg.URL, step.Target.Payload))

	return e.finish(ctx, outcome, entity.StepSucceeded, "", after)
}

// resolveWithSettle re-snapshots up to the configured attempt count, waiting
// with bounded exponential backoff between attempts so async page updates
// can land.
func (e *Executor) resolveWithSettle(ctx context.Context, target entity.TargetSpec) ([]entity.MatchCandidate, *entity.PageSnapshot) {
	var lastSnapshot *entity.PageSnapshot

	bo := e.settleBackoff()

	for attempt := 0; attempt < e.config.ResolveAttempts; attempt++ {
		if attempt > 0 && !waitInterval(ctx, bo.NextBackOff()) {
			break
		}

		snapshot, err := e.browser.QuerySnapshot(ctx)
		if err != nil {
			continue
		}

		lastSnapshot = snapshot

		if candidates := e.resolver.Resolve(snapshot, target); len(candidates) > 0 {
			return candidates, snapshot
		}
	}

	return nil, lastSnapshot
}

func (e *Executor) settleBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.config.SettleInitialWait
	bo.MaxInterval = e.config.SettleMaxWait
	bo.RandomizationFactor = 0
	bo.Reset()

	return bo
}

// waitInterval sleeps for the given interval, returning false when the
// context is cancelled first.
func waitInterval(ctx context.Context, interval time.Duration) bool {
	timer := time.NewTimer(interval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (e *Executor) finish(ctx context.Context, outcome entity.StepOutcome, status entity.StepStatus, reason string, after *entity.PageSnapshot) entity.StepOutcome {
	outcome.Status = status
	outcome.Reason = reason
	outcome.FinishedAt = time.Now()

	if after != nil {
		outcome.PageURL = after.URL
		outcome.PageSummary = browser.SummarizeSnapshot(after)
	} else if url, err := e.browser.CurrentURL(ctx); err == nil {
		outcome.PageURL = url
	}

	return outcome
}

// conditionMet evaluates a step's pre/postcondition against snapshots taken
// before and after the action.
func conditionMet(cond entity.Condition, before, after *entity.PageSnapshot) bool {
	switch cond.Kind {
	case entity.ConditionPageContainsText:
		return snapshotContains(after, cond.Value)

	case entity.ConditionURLChanges:
		if before == nil || after == nil {
			return after != nil
		}

		return before.URL != after.URL

	case entity.ConditionElementAppears:
		return snapshotContains(after, cond.Value)

	default:
		return true
	}
}

func snapshotContains(snapshot *entity.PageSnapshot, text string) bool {
	if snapshot == nil {
		return false
	}

	want := strings.ToLower(text)

	if strings.Contains(strings.ToLower(snapshot.Title), want) {
		return true
	}

	for _, elem := range snapshot.Elements {
		if strings.Contains(strings.ToLower(elem.Text), want) ||
			strings.Contains(strings.ToLower(elem.Label), want) {
			return true
		}
	}

	return false
}
