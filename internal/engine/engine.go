package engine

import (
	"context"

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
	engineName   = "ActionEngine"
	engineTracer = "engine.action"

	dismissKey = "Escape"
)

// Engine performs exactly one action against one resolved candidate. It owns
// the bounded recovery strategies: a single obstruction-clearing attempt, a
// single typing fallback. Anything beyond that surfaces to the executor.
type Engine struct {
	config  *config.Config
	logger  *zap.Logger
	browser ports.BrowserSession
	tracer  trace.Tracer
}

type Params struct {
	fx.In

	Config  *config.Config
	Logger  *zap.Logger
	Browser ports.BrowserSession
}

func NewEngine(params Params) *Engine {
	return &Engine{
		config:  params.Config,
		logger:  params.Logger.With(zap.String(logg.Layer, engineName)),
		browser: params.Browser,
		tracer:  otel.Tracer(engineTracer),
	}
}

// Perform executes target.Action against the candidate. The candidate's
// flags come from its snapshot: an element believed gone or unusable is
// reported stale without any browser call.
func (e *Engine) Perform(ctx context.Context, candidate entity.MatchCandidate, target entity.TargetSpec) entity.ActionResult {
	const op = "Perform"
	logger := e.logger.With(
		zap.String(logg.Operation, op),
		zap.String(logg.Action, string(target.Action)),
		zap.String(logg.Selector, candidate.Element.Selector),
	)

	var err error

	ctx, step := tracing.StartSpan(ctx, e.tracer, logger, op,
		attribute.String("action", string(target.Action)),
		attribute.String("selector", candidate.Element.Selector))
	defer func() {
		step.End(err)
	}()

	if !e.usable(candidate.Element, target.Action) {
		step.AddEvent("candidate unusable, skipping browser call")

		return entity.ActionResult{
			Status: entity.ActionStaleElement,
			Detail: "element not visible or not enabled in its snapshot",
		}
	}

	result := e.dispatchOnce(ctx, candidate.Element.Selector, target)

	if result.Status == entity.ActionObstructed {
		step.AddEvent("obstructed, attempting one dismiss")
		logger.Info("Action obstructed, clearing overlay once")

		if dismissErr := e.browser.Dispatch(ctx, "", entity.ActionPressKey, dismissKey); dismissErr != nil {
			logger.Warn("Obstruction dismiss failed", zap.Error(dismissErr))
		}

		result = e.dispatchOnce(ctx, candidate.Element.Selector, target)
	}

	if result.Status == entity.ActionError {
		err = apperr.WrapErrorWithReason(op, apperr.CodeInternal, result.Detail)
	}

	return result
}

// dispatchOnce maps one dispatch attempt (plus the typing fallback, at most
// once) to an ActionResult.
func (e *Engine) dispatchOnce(ctx context.Context, selector string, target entity.TargetSpec) entity.ActionResult {
	err := e.browser.Dispatch(ctx, selector, target.Action, target.Payload)

	if err != nil && target.Action == entity.ActionType && apperr.CodeOf(err) == apperr.CodeTransient {
		e.logger.Info("Direct fill failed, falling back to key dispatch",
			zap.String(logg.Selector, selector), zap.Error(err))

		err = e.browser.Dispatch(ctx, selector, entity.ActionTypeChars, target.Payload)
	}

	if err == nil {
		return entity.ActionResult{Status: entity.ActionSuccess}
	}

	switch apperr.CodeOf(err) {
	case apperr.CodeObstructed:
		return entity.ActionResult{Status: entity.ActionObstructed, Detail: err.Error()}
	case apperr.CodeStale:
		return entity.ActionResult{Status: entity.ActionStaleElement, Detail: err.Error()}
	case apperr.CodeTransient:
		return entity.ActionResult{Status: entity.ActionError, Detail: err.Error(), Transient: true}
	case apperr.CodeNonTransient:
		return entity.ActionResult{Status: entity.ActionError, Detail: err.Error(), Transient: false}
	default:
		return entity.ActionResult{Status: entity.ActionError, Detail: err.Error(), Transient: true}
	}
}

// usable checks the candidate's snapshot flags for the requested action.
// Waiting for visibility and scrolling into view tolerate a hidden element;
// everything else requires visible and enabled.
func (e *Engine) usable(elem entity.ElementDescriptor, action entity.ActionKind) bool {
	switch action {
	case entity.ActionWaitForVisible, entity.ActionScrollIntoView:
		return true
	default:
		return elem.Visible && elem.Enabled
	}
}
