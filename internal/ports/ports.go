package ports

import (
	"context"

	"webpilot/internal/entity"
)

// BrowserSession owns the actual browser process and tab. The core only
// issues imperative commands and never touches the driver protocol.
type BrowserSession interface {
	Launch(ctx context.Context) error
	Close(ctx context.Context) error
	Navigate(ctx context.Context, url string) error
	QuerySnapshot(ctx context.Context) (*entity.PageSnapshot, error)
	Dispatch(ctx context.Context, selector string, kind entity.ActionKind, payload string) error
	PageSummary(ctx context.Context) (string, error)
	CurrentURL(ctx context.Context) (string, error)
	IsReady() bool
}

// PlanningOracle turns an objective plus prior outcome history into an
// ordered plan. A plan-exhausted error means it cannot proceed further.
type PlanningOracle interface {
	BuildPlan(ctx context.Context, objective string, history []entity.StepOutcome, pageSummary string, revision int) (*entity.Plan, error)
}

// StepExecutor drives one plan step to a terminal outcome.
type StepExecutor interface {
	Run(ctx context.Context, step entity.PlanStep) entity.StepOutcome
}

// TaskRunner executes a whole objective and reports a terminal verdict.
type TaskRunner interface {
	Run(ctx context.Context, objective string) (*entity.TaskReport, error)
	Stop()
}
