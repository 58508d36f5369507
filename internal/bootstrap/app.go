package bootstrap

import (
	"time"

	"go.uber.org/fx"

	"webpilot/internal/browser"
	"webpilot/internal/config"
	"webpilot/internal/console"
	"webpilot/internal/engine"
	"webpilot/internal/executor"
	"webpilot/internal/oracle"
	"webpilot/internal/orchestrator"
	"webpilot/internal/ports"
	"webpilot/internal/resolver"
)

func NewApp() *fx.App {
	return fx.New(
		fx.Provide(
			config.GetConfig,
			newLogger,
			newTraceProvider,

			fx.Annotate(browser.NewSession, fx.As(new(ports.BrowserSession))),
			fx.Annotate(oracle.NewClient, fx.As(new(ports.PlanningOracle))),

			fx.Annotate(resolver.NewResolver, fx.As(new(executor.CandidateResolver))),
			fx.Annotate(engine.NewEngine, fx.As(new(executor.ActionPerformer))),

			fx.Annotate(executor.NewExecutor, fx.As(new(ports.StepExecutor))),
			fx.Annotate(orchestrator.NewOrchestrator, fx.As(new(ports.TaskRunner))),

			console.NewInterface,
		),

		fx.Invoke(
			runConsole,
		),

		fx.StartTimeout(10*time.Second),
	)
}
