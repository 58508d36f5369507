package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"webpilot/internal/config"
	"webpilot/internal/entity"
	"webpilot/pkg/apperr"
)

type fakeBrowser struct {
	snapshot      *entity.PageSnapshot
	snapshotErr   error
	snapshotCalls int
	navigateErr   error
	navigated     []string
}

func (b *fakeBrowser) Launch(context.Context) error { return nil }
func (b *fakeBrowser) Close(context.Context) error  { return nil }

func (b *fakeBrowser) Navigate(_ context.Context, url string) error {
	b.navigated = append(b.navigated, url)

	return b.navigateErr
}

func (b *fakeBrowser) QuerySnapshot(context.Context) (*entity.PageSnapshot, error) {
	b.snapshotCalls++

	if b.snapshotErr != nil {
		return nil, b.snapshotErr
	}

	return b.snapshot, nil
}

func (b *fakeBrowser) Dispatch(context.Context, string, entity.ActionKind, string) error {
	return nil
}

func (b *fakeBrowser) PageSummary(context.Context) (string, error) { return "", nil }
func (b *fakeBrowser) CurrentURL(context.Context) (string, error)  { return "", nil }
func (b *fakeBrowser) IsReady() bool                               { return true }

type stubResolver struct {
	candidates []entity.MatchCandidate
	calls      int
}

func (r *stubResolver) Resolve(*entity.PageSnapshot, entity.TargetSpec) []entity.MatchCandidate {
	r.calls++

	return r.candidates
}

// scriptedEngine pops queued results; the last one repeats once exhausted.
type scriptedEngine struct {
	results []entity.ActionResult
	calls   int
}

func (e *scriptedEngine) Perform(context.Context, entity.MatchCandidate, entity.TargetSpec) entity.ActionResult {
	e.calls++

	if len(e.results) > 1 {
		result := e.results[0]
		e.results = e.results[1:]

		return result
	}

	return e.results[0]
}

func testConfig() *config.ExecutorConfig {
	return &config.ExecutorConfig{
		ResolveAttempts:   3,
		StaleRetries:      2,
		TransientRetries:  2,
		SettleInitialWait: time.Millisecond,
		SettleMaxWait:     5 * time.Millisecond,
	}
}

func newTestExecutor(browser *fakeBrowser, res *stubResolver, eng *scriptedEngine) *Executor {
	return &Executor{
		config:   testConfig(),
		logger:   zap.NewNop(),
		browser:  browser,
		resolver: res,
		engine:   eng,
		tracer:   otel.Tracer("test"),
	}
}

func pageWith(url string, texts ...string) *entity.PageSnapshot {
	snap := &entity.PageSnapshot{URL: url, Title: "Page", CapturedAt: time.Now()}

	for i, text := range texts {
		snap.Elements = append(snap.Elements, entity.ElementDescriptor{
			ID: i, Tag: "button", Text: text, Selector: "#e", Visible: true, Enabled: true,
		})
	}

	return snap
}

func clickStep() entity.PlanStep {
	return entity.PlanStep{
		Index:       0,
		Description: "click the button",
		Target:      entity.TargetSpec{Action: entity.ActionClick, ExactText: "Go"},
	}
}

func oneCandidate() []entity.MatchCandidate {
	return []entity.MatchCandidate{{
		Element: entity.ElementDescriptor{ID: 0, Selector: "#e", Visible: true, Enabled: true},
		Score:   100,
	}}
}

func TestRunHappyPath(t *testing.T) {
	browser := &fakeBrowser{snapshot: pageWith("https://example.test", "Go")}
	res := &stubResolver{candidates: oneCandidate()}
	eng := &scriptedEngine{results: []entity.ActionResult{{Status: entity.ActionSuccess}}}

	outcome := newTestExecutor(browser, res, eng).Run(context.Background(), clickStep())

	assert.Equal(t, entity.StepSucceeded, outcome.Status)
	assert.Equal(t, 1, outcome.Attempts)
	assert.Equal(t, "https://example.test", outcome.PageURL)
	assert.NotEmpty(t, outcome.PageSummary)
	assert.False(t, outcome.FinishedAt.IsZero())
}

func TestRunNotFoundAfterAllResolveAttempts(t *testing.T) {
	browser := &fakeBrowser{snapshot: pageWith("https://example.test")}
	res := &stubResolver{}
	eng := &scriptedEngine{results: []entity.ActionResult{{Status: entity.ActionSuccess}}}

	outcome := newTestExecutor(browser, res, eng).Run(context.Background(), clickStep())

	assert.Equal(t, entity.StepRecoverableFailure, outcome.Status)
	assert.Equal(t, ReasonNotFound, outcome.Reason)
	assert.Equal(t, 3, res.calls, "one resolve per re-snapshot attempt")
	assert.Zero(t, eng.calls, "no action without a candidate")
}

func TestRunStaleTriggersReResolve(t *testing.T) {
	browser := &fakeBrowser{snapshot: pageWith("https://example.test", "Go")}
	res := &stubResolver{candidates: oneCandidate()}
	eng := &scriptedEngine{results: []entity.ActionResult{
		{Status: entity.ActionStaleElement, Detail: "gone"},
		{Status: entity.ActionSuccess},
	}}

	outcome := newTestExecutor(browser, res, eng).Run(context.Background(), clickStep())

	assert.Equal(t, entity.StepSucceeded, outcome.Status)
	assert.Equal(t, 2, outcome.Attempts)
	assert.GreaterOrEqual(t, res.calls, 2, "stale result forces a fresh resolution")
}

func TestRunStaleBudgetExhausted(t *testing.T) {
	browser := &fakeBrowser{snapshot: pageWith("https://example.test", "Go")}
	res := &stubResolver{candidates: oneCandidate()}
	eng := &scriptedEngine{results: []entity.ActionResult{
		{Status: entity.ActionStaleElement, Detail: "gone"},
	}}

	outcome := newTestExecutor(browser, res, eng).Run(context.Background(), clickStep())

	assert.Equal(t, entity.StepRecoverableFailure, outcome.Status)
	assert.Contains(t, outcome.Reason, "stale")
	assert.Equal(t, 3, eng.calls, "initial attempt plus the stale retry budget")
}

func TestRunObstructedIsRecoverable(t *testing.T) {
	browser := &fakeBrowser{snapshot: pageWith("https://example.test", "Go")}
	res := &stubResolver{candidates: oneCandidate()}
	eng := &scriptedEngine{results: []entity.ActionResult{
		{Status: entity.ActionObstructed, Detail: "overlay"},
	}}

	outcome := newTestExecutor(browser, res, eng).Run(context.Background(), clickStep())

	assert.Equal(t, entity.StepRecoverableFailure, outcome.Status)
	assert.Equal(t, ReasonObstructed, outcome.Reason)
	assert.Equal(t, 1, eng.calls, "the engine already spent its clearing attempt")
}

func TestRunNonTransientIsFatal(t *testing.T) {
	browser := &fakeBrowser{snapshot: pageWith("https://example.test", "Go")}
	res := &stubResolver{candidates: oneCandidate()}
	eng := &scriptedEngine{results: []entity.ActionResult{
		{Status: entity.ActionError, Detail: "blocked", Transient: false},
	}}

	outcome := newTestExecutor(browser, res, eng).Run(context.Background(), clickStep())

	assert.Equal(t, entity.StepFatalFailure, outcome.Status)
	assert.Equal(t, "blocked", outcome.Reason)
	assert.Equal(t, 1, eng.calls, "no retry on a non-transient failure")
}

func TestRunTransientRetriesThenExhausts(t *testing.T) {
	browser := &fakeBrowser{snapshot: pageWith("https://example.test", "Go")}
	res := &stubResolver{candidates: oneCandidate()}
	eng := &scriptedEngine{results: []entity.ActionResult{
		{Status: entity.ActionError, Detail: "timeout", Transient: true},
	}}

	outcome := newTestExecutor(browser, res, eng).Run(context.Background(), clickStep())

	assert.Equal(t, entity.StepRecoverableFailure, outcome.Status)
	assert.Contains(t, outcome.Reason, ReasonRetriesExhausted)
	assert.Equal(t, 3, eng.calls, "initial attempt plus the transient retry budget")
	assert.Equal(t, 3, outcome.Attempts)
}

func TestRunTransientThenSuccess(t *testing.T) {
	browser := &fakeBrowser{snapshot: pageWith("https://example.test", "Go")}
	res := &stubResolver{candidates: oneCandidate()}
	eng := &scriptedEngine{results: []entity.ActionResult{
		{Status: entity.ActionError, Detail: "timeout", Transient: true},
		{Status: entity.ActionSuccess},
	}}

	outcome := newTestExecutor(browser, res, eng).Run(context.Background(), clickStep())

	assert.Equal(t, entity.StepSucceeded, outcome.Status)
	assert.Equal(t, 2, outcome.Attempts)
}

func TestRunPreconditionUnmet(t *testing.T) {
	browser := &fakeBrowser{snapshot: pageWith("https://example.test", "Go")}
	res := &stubResolver{candidates: oneCandidate()}
	eng := &scriptedEngine{results: []entity.ActionResult{{Status: entity.ActionSuccess}}}

	step := clickStep()
	step.Precondition = &entity.Condition{Kind: entity.ConditionPageContainsText, Value: "cart"}

	outcome := newTestExecutor(browser, res, eng).Run(context.Background(), step)

	assert.Equal(t, entity.StepRecoverableFailure, outcome.Status)
	assert.Equal(t, ReasonPreconditionUnmet, outcome.Reason)
	assert.Zero(t, eng.calls)
}

func TestRunPostconditionUnmet(t *testing.T) {
	browser := &fakeBrowser{snapshot: pageWith("https://example.test", "Go")}
	res := &stubResolver{candidates: oneCandidate()}
	eng := &scriptedEngine{results: []entity.ActionResult{{Status: entity.ActionSuccess}}}

	step := clickStep()
	step.Postcondition = &entity.Condition{Kind: entity.ConditionPageContainsText, Value: "Thank you"}

	outcome := newTestExecutor(browser, res, eng).Run(context.Background(), step)

	assert.Equal(t, entity.StepRecoverableFailure, outcome.Status)
	assert.Equal(t, ReasonPostconditionUnmet, outcome.Reason)
}

func TestRunPostconditionMet(t *testing.T) {
	browser := &fakeBrowser{snapshot: pageWith("https://example.test", "Go", "Thank you for your order")}
	res := &stubResolver{candidates: oneCandidate()}
	eng := &scriptedEngine{results: []entity.ActionResult{{Status: entity.ActionSuccess}}}

	step := clickStep()
	step.Postcondition = &entity.Condition{Kind: entity.ConditionPageContainsText, Value: "thank you"}

	outcome := newTestExecutor(browser, res, eng).Run(context.Background(), step)

	assert.Equal(t, entity.StepSucceeded, outcome.Status)
}

func TestRunNavigateStep(t *testing.T) {
	browser := &fakeBrowser{snapshot: pageWith("https://target.test", "Welcome")}
	eng := &scriptedEngine{results: []entity.ActionResult{{Status: entity.ActionSuccess}}}

	step := entity.PlanStep{
		Index:  0,
		Target: entity.TargetSpec{Action: entity.ActionNavigate, Payload: "https://target.test"},
	}

	outcome := newTestExecutor(browser, &stubResolver{}, eng).Run(context.Background(), step)

	assert.Equal(t, entity.StepSucceeded, outcome.Status)
	require.Len(t, browser.navigated, 1)
	assert.Equal(t, "https://target.test", browser.navigated[0])
	assert.Zero(t, eng.calls, "navigation bypasses resolution")
}

func TestRunNavigateNonTransientFailureIsFatal(t *testing.T) {
	browser := &fakeBrowser{
		snapshot:    pageWith("about:blank"),
		navigateErr: apperr.WrapErrorWithReason("Navigate", apperr.CodeNonTransient, "net::ERR_CERT_INVALID"),
	}

	step := entity.PlanStep{
		Index:  0,
		Target: entity.TargetSpec{Action: entity.ActionNavigate, Payload: "https://bad.test"},
	}

	outcome := newTestExecutor(browser, &stubResolver{}, &scriptedEngine{
		results: []entity.ActionResult{{Status: entity.ActionSuccess}},
	}).Run(context.Background(), step)

	assert.Equal(t, entity.StepFatalFailure, outcome.Status)
}

func TestRunNavigateTransientFailureIsRecoverable(t *testing.T) {
	browser := &fakeBrowser{
		snapshot:    pageWith("about:blank"),
		navigateErr: apperr.WrapErrorWithReason("Navigate", apperr.CodeTransient, "timeout"),
	}

	step := entity.PlanStep{
		Index:  0,
		Target: entity.TargetSpec{Action: entity.ActionNavigate, Payload: "https://slow.test"},
	}

	outcome := newTestExecutor(browser, &stubResolver{}, &scriptedEngine{
		results: []entity.ActionResult{{Status: entity.ActionSuccess}},
	}).Run(context.Background(), step)

	assert.Equal(t, entity.StepRecoverableFailure, outcome.Status)
}

func TestRunCancelledContext(t *testing.T) {
	browser := &fakeBrowser{snapshot: pageWith("https://example.test", "Go")}
	res := &stubResolver{candidates: oneCandidate()}
	eng := &scriptedEngine{results: []entity.ActionResult{{Status: entity.ActionSuccess}}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome := newTestExecutor(browser, res, eng).Run(ctx, clickStep())

	assert.Equal(t, entity.StepRecoverableFailure, outcome.Status)
	assert.Equal(t, "cancelled", outcome.Reason)
}

func TestConditionURLChanges(t *testing.T) {
	before := pageWith("https://a.test")
	after := pageWith("https://b.test")

	cond := entity.Condition{Kind: entity.ConditionURLChanges}

	assert.True(t, conditionMet(cond, before, after))
	assert.False(t, conditionMet(cond, before, before))
}
