package browser

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/playwright-community/playwright-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"webpilot/internal/config"
	"webpilot/internal/entity"
	"webpilot/pkg/apperr"
	"webpilot/pkg/logg"
	"webpilot/pkg/tracing"
)

const (
	sessionName    = "BrowserSession"
	browserTracer  = "browser.session"
	summaryLines   = 30
	summaryTextCap = 120
)

// Session drives one browser tab through playwright. It is deliberately
// thin: one imperative command per call, no retry strategies. Fallbacks and
// obstruction handling belong to the Action Engine.
type Session struct {
	config         *config.Config
	logger         *zap.Logger
	tracer         trace.Tracer
	playwright     *playwright.Playwright
	browser        playwright.Browser
	browserContext playwright.BrowserContext
	page           playwright.Page
	ready          bool
}

type Params struct {
	fx.In

	Config *config.Config
	Logger *zap.Logger
}

func NewSession(params Params) *Session {
	return &Session{
		config: params.Config,
		logger: params.Logger.With(zap.String(logg.Layer, sessionName)),
		tracer: otel.Tracer(browserTracer),
		ready:  false,
	}
}

func (s *Session) Launch(ctx context.Context) (err error) {
	const op = "Launch"
	logger := s.logger.With(zap.String(logg.Operation, op))

	ctx, step := tracing.StartSpan(ctx, s.tracer, logger, op)
	defer func() {
		step.End(err)
	}()

	logger.Info("Launching browser")
	step.AddEvent("installing playwright")

	if err = playwright.Install(); err != nil {
		return apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "playwright_install_failed",
			apperr.MetaStage:  apperr.StageBrowser,
		})
	}

	step.AddEvent("starting playwright")

	pw, err := playwright.Run()
	if err != nil {
		return apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "playwright_start_failed",
			apperr.MetaStage:  apperr.StageBrowser,
		})
	}
	s.playwright = pw

	if s.config.BrowserConfig.UserDataDir != "" {
		return s.launchPersistent(ctx)
	}

	return s.launchNew(ctx)
}

func (s *Session) launchPersistent(ctx context.Context) (err error) {
	const op = "launchPersistent"
	logger := s.logger.With(zap.String(logg.Operation, op))

	ctx, step := tracing.StartSpan(ctx, s.tracer, logger, op)
	defer func() {
		step.End(err)
	}()

	userDataDir := s.config.BrowserConfig.UserDataDir

	if err := os.MkdirAll(userDataDir, 0755); err != nil {
		return apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "mkdir_failed",
			apperr.MetaStage:  apperr.StageBrowser,
		})
	}

	options := playwright.BrowserTypeLaunchPersistentContextOptions{
		Headless: playwright.Bool(s.config.BrowserConfig.Headless),
		SlowMo:   playwright.Float(float64(s.config.BrowserConfig.SlowMo)),
		Viewport: &playwright.Size{Width: 1280, Height: 720},
		Args: []string{
			"--disable-blink-features=AutomationControlled",
		},
		AcceptDownloads:   playwright.Bool(true),
		JavaScriptEnabled: playwright.Bool(true),
	}

	browserContext, err := s.playwright.Chromium.LaunchPersistentContext(userDataDir, options)
	if err != nil {
		return apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "launch_persistent_failed",
			apperr.MetaStage:  apperr.StageBrowser,
		})
	}

	s.browserContext = browserContext

	pages := browserContext.Pages()

	if len(pages) > 0 {
		s.page = pages[0]
	} else {
		page, err := browserContext.NewPage()
		if err != nil {
			return apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
				apperr.MetaReason: "new_page_failed",
				apperr.MetaStage:  apperr.StageBrowser,
			})
		}
		s.page = page
	}

	s.ready = true
	logger.Info("Browser launched with persistent profile")

	return nil
}

func (s *Session) launchNew(ctx context.Context) (err error) {
	const op = "launchNew"
	logger := s.logger.With(zap.String(logg.Operation, op))

	ctx, step := tracing.StartSpan(ctx, s.tracer, logger, op)
	defer func() {
		step.End(err)
	}()

	browserOptions := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(s.config.BrowserConfig.Headless),
		SlowMo:   playwright.Float(float64(s.config.BrowserConfig.SlowMo)),
		Args: []string{
			"--disable-blink-features=AutomationControlled",
		},
	}

	browser, err := s.playwright.Chromium.Launch(browserOptions)
	if err != nil {
		return apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "browser_launch_failed",
			apperr.MetaStage:  apperr.StageBrowser,
		})
	}
	s.browser = browser

	browserContext, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{Width: 1280, Height: 720},
	})
	if err != nil {
		return apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "context_create_failed",
			apperr.MetaStage:  apperr.StageBrowser,
		})
	}

	s.browserContext = browserContext

	page, err := browserContext.NewPage()
	if err != nil {
		return apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "page_create_failed",
			apperr.MetaStage:  apperr.StageBrowser,
		})
	}
	s.page = page

	s.ready = true
	logger.Info("Browser launched")

	return nil
}

func (s *Session) Close(ctx context.Context) (err error) {
	const op = "Close"
	logger := s.logger.With(zap.String(logg.Operation, op))

	ctx, step := tracing.StartSpan(ctx, s.tracer, logger, op)
	defer func() {
		step.End(err)
	}()

	if s.config.BrowserConfig.KeepOpen {
		logger.Info("Keep-open configured, releasing session without closing browser")
		s.ready = false

		return nil
	}

	if s.browserContext != nil {
		if err := s.browserContext.Close(); err != nil {
			logger.Warn("Failed to close context", zap.Error(err))
		}
	}

	if s.browser != nil {
		if err := s.browser.Close(); err != nil {
			logger.Warn("Failed to close browser", zap.Error(err))
		}
	}

	if s.playwright != nil {
		if err := s.playwright.Stop(); err != nil {
			return apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
				apperr.MetaReason: "playwright_stop_failed",
			})
		}
	}

	s.ready = false
	logger.Info("Browser closed")

	return nil
}

func (s *Session) ensurePageActive(ctx context.Context) error {
	if s.browserContext == nil {
		return fmt.Errorf("browser context is nil")
	}

	if s.page != nil && !s.page.IsClosed() {
		return nil
	}

	for _, p := range s.browserContext.Pages() {
		if !p.IsClosed() {
			s.page = p

			return nil
		}
	}

	page, err := s.browserContext.NewPage()
	if err != nil {
		return fmt.Errorf("failed to create new page: %w", err)
	}

	s.page = page

	return nil
}

func (s *Session) Navigate(ctx context.Context, url string) (err error) {
	const op = "Navigate"
	logger := s.logger.With(zap.String(logg.Operation, op), zap.String(logg.URL, url))

	ctx, step := tracing.StartSpan(ctx, s.tracer, logger, op, attribute.String("url", url))
	defer func() {
		step.End(err)
	}()

	if !s.ready {
		return apperr.WrapErrorWithReason(op, apperr.CodeBrowserNotReady, "browser_not_ready")
	}

	if err := s.ensurePageActive(ctx); err != nil {
		return apperr.Wrap(op, apperr.CodeBrowserNotReady, err, map[string]any{
			apperr.MetaReason: "page_not_active",
		})
	}

	_, err = s.page.Goto(url, playwright.PageGotoOptions{
		Timeout:   playwright.Float(float64(s.config.BrowserConfig.NavTimeout.Milliseconds())),
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	})

	if err != nil {
		classified := classifyDispatchErr(op, err, "")

		if apperr.CodeOf(classified) == apperr.CodeTransient {
			// Navigation failures are judged environment-level unless they
			// were a plain timeout.
			if !strings.Contains(strings.ToLower(err.Error()), "timeout") {
				return apperr.Wrap(op, apperr.CodeNonTransient, err, map[string]any{
					apperr.MetaReason: "navigation_failed",
					apperr.MetaStage:  apperr.StageNavigation,
					apperr.MetaURL:    url,
				})
			}
		}

		return classified
	}

	step.AddEvent("navigation completed")

	return nil
}

// QuerySnapshot captures the page's interactive surface. The snapshot is
// built fresh on every call and never cached.
func (s *Session) QuerySnapshot(ctx context.Context) (snapshot *entity.PageSnapshot, err error) {
	const op = "QuerySnapshot"
	logger := s.logger.With(zap.String(logg.Operation, op))

	ctx, step := tracing.StartSpan(ctx, s.tracer, logger, op)
	defer func() {
		step.End(err)
	}()

	if !s.ready {
		return nil, apperr.WrapErrorWithReason(op, apperr.CodeBrowserNotReady, "browser_not_ready")
	}

	if err := s.ensurePageActive(ctx); err != nil {
		return nil, apperr.Wrap(op, apperr.CodeBrowserNotReady, err, map[string]any{
			apperr.MetaReason: "page_not_active",
		})
	}

	s.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateDomcontentloaded,
		Timeout: playwright.Float(float64(s.config.BrowserConfig.CallTimeout.Milliseconds())),
	})

	result, err := s.page.Evaluate(snapshotScript())
	if err != nil {
		return nil, apperr.Wrap(op, apperr.CodeTransient, err, map[string]any{
			apperr.MetaReason: "evaluate_failed",
			apperr.MetaStage:  apperr.StageCapture,
		})
	}

	url := s.page.URL()
	title, _ := s.page.Title()

	snapshot = parseSnapshot(result, url, title)

	step.AddEvent(fmt.Sprintf("captured %d elements", len(snapshot.Elements)))

	return snapshot, nil
}

// Dispatch performs exactly one low-level input command against the element
// addressed by selector. Errors come back classified into the taxonomy.
func (s *Session) Dispatch(ctx context.Context, selector string, kind entity.ActionKind, payload string) (err error) {
	const op = "Dispatch"
	logger := s.logger.With(
		zap.String(logg.Operation, op),
		zap.String(logg.Action, string(kind)),
		zap.String(logg.Selector, selector),
	)

	ctx, step := tracing.StartSpan(ctx, s.tracer, logger, op,
		attribute.String("kind", string(kind)),
		attribute.String("selector", selector))
	defer func() {
		step.End(err)
	}()

	if !s.ready {
		return apperr.WrapErrorWithReason(op, apperr.CodeBrowserNotReady, "browser_not_ready")
	}

	if err := s.ensurePageActive(ctx); err != nil {
		return apperr.Wrap(op, apperr.CodeBrowserNotReady, err, map[string]any{
			apperr.MetaReason: "page_not_active",
		})
	}

	timeout := playwright.Float(float64(s.config.BrowserConfig.CallTimeout.Milliseconds()))

	switch kind {
	case entity.ActionClick:
		err = s.page.Click(selector, playwright.PageClickOptions{Timeout: timeout})

	case entity.ActionType:
		err = s.page.Fill(selector, payload, playwright.PageFillOptions{Timeout: timeout})

	case entity.ActionTypeChars:
		// Character-by-character fallback: focus, clear, then dispatch keys.
		if err = s.page.Click(selector, playwright.PageClickOptions{Timeout: timeout}); err == nil {
			if err = s.page.Keyboard().Press("ControlOrMeta+a"); err == nil {
				if err = s.page.Keyboard().Press("Backspace"); err == nil {
					err = s.page.Keyboard().Type(payload)
				}
			}
		}

	case entity.ActionSelectOption:
		_, err = s.page.SelectOption(selector, playwright.SelectOptionValues{
			Labels: &[]string{payload},
		}, playwright.PageSelectOptionOptions{Timeout: timeout})

	case entity.ActionWaitForVisible:
		_, err = s.page.WaitForSelector(selector, playwright.PageWaitForSelectorOptions{
			State:   playwright.WaitForSelectorStateVisible,
			Timeout: timeout,
		})

	case entity.ActionScrollIntoView:
		_, err = s.page.Evaluate(fmt.Sprintf(`(() => {
			const el = document.querySelector('%s');
			if (!el) throw new Error('no node found');
			el.scrollIntoView({behavior: 'instant', block: 'center'});
		})()`, escapeSelector(selector)))

	case entity.ActionPressKey:
		if selector == "" {
			err = s.page.Keyboard().Press(payload)
		} else {
			err = s.page.Press(selector, payload, playwright.PagePressOptions{Timeout: timeout})
		}

	default:
		return apperr.InvalidReqError(op, "kind", fmt.Errorf("kind %q is not dispatchable", kind))
	}

	if err != nil {
		return classifyDispatchErr(op, err, selector)
	}

	step.AddEvent("dispatched")

	return nil
}

// PageSummary renders the salient text of the current page for the planning
// oracle: title, URL and the first interactive elements, never full markup.
func (s *Session) PageSummary(ctx context.Context) (summary string, err error) {
	const op = "PageSummary"
	logger := s.logger.With(zap.String(logg.Operation, op))

	ctx, step := tracing.StartSpan(ctx, s.tracer, logger, op)
	defer func() {
		step.End(err)
	}()

	snapshot, err := s.QuerySnapshot(ctx)
	if err != nil {
		return "", err
	}

	return SummarizeSnapshot(snapshot), nil
}

func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	const op = "CurrentURL"

	if !s.ready {
		return "", apperr.WrapErrorWithReason(op, apperr.CodeBrowserNotReady, "browser_not_ready")
	}

	if err := s.ensurePageActive(ctx); err != nil {
		return "", apperr.Wrap(op, apperr.CodeBrowserNotReady, err, map[string]any{
			apperr.MetaReason: "page_not_active",
		})
	}

	return s.page.URL(), nil
}

func (s *Session) IsReady() bool {
	return s.ready
}

// SummarizeSnapshot is the one rendering of a snapshot the oracle ever sees.
func SummarizeSnapshot(snapshot *entity.PageSnapshot) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Current page: %s (%s)\n", snapshot.Title, snapshot.URL)
	b.WriteString("Interactive elements:\n")

	count := 0

	for _, elem := range snapshot.Elements {
		if !elem.Visible {
			continue
		}

		if count >= summaryLines {
			b.WriteString("... (truncated)\n")

			break
		}

		text := elem.Text
		if text == "" {
			text = elem.Label
		}

		if len(text) > summaryTextCap {
			text = text[:summaryTextCap] + "..."
		}

		fmt.Fprintf(&b, "- [%s] %q", elem.Tag, text)

		if elem.Role != "" {
			fmt.Fprintf(&b, " role=%s", elem.Role)
		}

		if elem.Placeholder != "" {
			fmt.Fprintf(&b, " placeholder=%q", elem.Placeholder)
		}

		b.WriteString("\n")

		count++
	}

	return b.String()
}

func escapeSelector(selector string) string {
	return strings.ReplaceAll(selector, "'", "\\'")
}
