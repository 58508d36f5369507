package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"webpilot/internal/config"
	"webpilot/internal/entity"
	"webpilot/pkg/apperr"
)

// dispatchCall records one Dispatch invocation.
type dispatchCall struct {
	Selector string
	Kind     entity.ActionKind
	Payload  string
}

// scriptedBrowser returns the queued errors in order, nil once exhausted.
type scriptedBrowser struct {
	calls []dispatchCall
	errs  []error
}

func (b *scriptedBrowser) Launch(context.Context) error { return nil }
func (b *scriptedBrowser) Close(context.Context) error  { return nil }
func (b *scriptedBrowser) Navigate(context.Context, string) error {
	return nil
}
func (b *scriptedBrowser) QuerySnapshot(context.Context) (*entity.PageSnapshot, error) {
	return &entity.PageSnapshot{}, nil
}
func (b *scriptedBrowser) PageSummary(context.Context) (string, error) { return "", nil }
func (b *scriptedBrowser) CurrentURL(context.Context) (string, error)  { return "", nil }
func (b *scriptedBrowser) IsReady() bool                               { return true }

func (b *scriptedBrowser) Dispatch(_ context.Context, selector string, kind entity.ActionKind, payload string) error {
	b.calls = append(b.calls, dispatchCall{Selector: selector, Kind: kind, Payload: payload})

	if len(b.errs) == 0 {
		return nil
	}

	err := b.errs[0]
	b.errs = b.errs[1:]

	return err
}

func newTestEngine(browser *scriptedBrowser) *Engine {
	return &Engine{
		config:  &config.Config{},
		logger:  zap.NewNop(),
		browser: browser,
		tracer:  otel.Tracer("test"),
	}
}

func visibleCandidate(selector string) entity.MatchCandidate {
	return entity.MatchCandidate{
		Element: entity.ElementDescriptor{
			ID:       0,
			Tag:      "button",
			Selector: selector,
			Visible:  true,
			Enabled:  true,
		},
		Score: 100,
	}
}

func obstructedErr() error {
	return apperr.WrapErrorWithReason("Dispatch", apperr.CodeObstructed, "intercepted_by_overlay")
}

func TestPerformSuccess(t *testing.T) {
	browser := &scriptedBrowser{}
	e := newTestEngine(browser)

	result := e.Perform(context.Background(), visibleCandidate("#go"),
		entity.TargetSpec{Action: entity.ActionClick})

	assert.Equal(t, entity.ActionSuccess, result.Status)
	require.Len(t, browser.calls, 1)
	assert.Equal(t, entity.ActionClick, browser.calls[0].Kind)
	assert.Equal(t, "#go", browser.calls[0].Selector)
}

func TestPerformUnusableCandidateSkipsBrowser(t *testing.T) {
	browser := &scriptedBrowser{}
	e := newTestEngine(browser)

	candidate := visibleCandidate("#go")
	candidate.Element.Enabled = false

	result := e.Perform(context.Background(), candidate,
		entity.TargetSpec{Action: entity.ActionClick})

	assert.Equal(t, entity.ActionStaleElement, result.Status)
	assert.Empty(t, browser.calls, "no browser call for an unusable candidate")
}

func TestPerformHiddenElementAllowedForWait(t *testing.T) {
	browser := &scriptedBrowser{}
	e := newTestEngine(browser)

	candidate := visibleCandidate("#late")
	candidate.Element.Visible = false

	result := e.Perform(context.Background(), candidate,
		entity.TargetSpec{Action: entity.ActionWaitForVisible})

	assert.Equal(t, entity.ActionSuccess, result.Status)
	require.Len(t, browser.calls, 1)
}

func TestPerformObstructionClearedOnce(t *testing.T) {
	browser := &scriptedBrowser{errs: []error{obstructedErr(), nil, nil}}
	e := newTestEngine(browser)

	result := e.Perform(context.Background(), visibleCandidate("#buy"),
		entity.TargetSpec{Action: entity.ActionClick})

	assert.Equal(t, entity.ActionSuccess, result.Status)

	// click (obstructed) -> escape dismiss -> click retry
	require.Len(t, browser.calls, 3)
	assert.Equal(t, entity.ActionClick, browser.calls[0].Kind)
	assert.Equal(t, entity.ActionPressKey, browser.calls[1].Kind)
	assert.Equal(t, "Escape", browser.calls[1].Payload)
	assert.Equal(t, entity.ActionClick, browser.calls[2].Kind)
}

func TestPerformObstructionPersistsAfterOneDismiss(t *testing.T) {
	browser := &scriptedBrowser{errs: []error{obstructedErr(), nil, obstructedErr()}}
	e := newTestEngine(browser)

	result := e.Perform(context.Background(), visibleCandidate("#buy"),
		entity.TargetSpec{Action: entity.ActionClick})

	assert.Equal(t, entity.ActionObstructed, result.Status)
	assert.Len(t, browser.calls, 3, "exactly one dismiss and one retry, never more")
}

func TestPerformTypingFallbackOnce(t *testing.T) {
	transient := apperr.WrapErrorWithReason("Dispatch", apperr.CodeTransient, "timeout")
	browser := &scriptedBrowser{errs: []error{transient, nil}}
	e := newTestEngine(browser)

	result := e.Perform(context.Background(), visibleCandidate("#name"),
		entity.TargetSpec{Action: entity.ActionType, Payload: "Ada"})

	assert.Equal(t, entity.ActionSuccess, result.Status)
	require.Len(t, browser.calls, 2)
	assert.Equal(t, entity.ActionType, browser.calls[0].Kind)
	assert.Equal(t, entity.ActionTypeChars, browser.calls[1].Kind)
	assert.Equal(t, "Ada", browser.calls[1].Payload)
}

func TestPerformTypingFallbackFailureReported(t *testing.T) {
	transient := apperr.WrapErrorWithReason("Dispatch", apperr.CodeTransient, "timeout")
	browser := &scriptedBrowser{errs: []error{transient, transient}}
	e := newTestEngine(browser)

	result := e.Perform(context.Background(), visibleCandidate("#name"),
		entity.TargetSpec{Action: entity.ActionType, Payload: "Ada"})

	assert.Equal(t, entity.ActionError, result.Status)
	assert.True(t, result.Transient)
	assert.Len(t, browser.calls, 2, "fallback attempted at most once")
}

func TestPerformNoTypingFallbackForOtherActions(t *testing.T) {
	transient := apperr.WrapErrorWithReason("Dispatch", apperr.CodeTransient, "timeout")
	browser := &scriptedBrowser{errs: []error{transient}}
	e := newTestEngine(browser)

	result := e.Perform(context.Background(), visibleCandidate("#go"),
		entity.TargetSpec{Action: entity.ActionClick})

	assert.Equal(t, entity.ActionError, result.Status)
	assert.True(t, result.Transient)
	assert.Len(t, browser.calls, 1)
}

func TestPerformStaleFromDriver(t *testing.T) {
	stale := apperr.WrapErrorWithReason("Dispatch", apperr.CodeStale, "element_gone")
	browser := &scriptedBrowser{errs: []error{stale}}
	e := newTestEngine(browser)

	result := e.Perform(context.Background(), visibleCandidate("#gone"),
		entity.TargetSpec{Action: entity.ActionClick})

	assert.Equal(t, entity.ActionStaleElement, result.Status)
}

func TestPerformNonTransientError(t *testing.T) {
	blocked := apperr.WrapErrorWithReason("Dispatch", apperr.CodeNonTransient, "blocked_by_environment")
	browser := &scriptedBrowser{errs: []error{blocked}}
	e := newTestEngine(browser)

	result := e.Perform(context.Background(), visibleCandidate("#x"),
		entity.TargetSpec{Action: entity.ActionClick})

	assert.Equal(t, entity.ActionError, result.Status)
	assert.False(t, result.Transient)
}
