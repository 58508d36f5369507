package apperr

import (
	"errors"
	"fmt"
)

const (
	MetaReason   = "reason"
	MetaStage    = "stage"
	MetaField    = "field"
	MetaTaskID   = "task_id"
	MetaStep     = "step"
	MetaAction   = "action"
	MetaSelector = "selector"
	MetaURL      = "url"

	StageBrowser     = "browser"
	StageCapture     = "capture"
	StageResolution  = "resolution"
	StageInteraction = "interaction"
	StageNavigation  = "navigation"
	StagePlanning    = "planning"
	StageExecution   = "execution"

	CodeInternal        = "internal"
	CodeInvalidArgument = "invalid_argument"
	CodeBrowserNotReady = "browser_not_ready"
	CodeCancelled       = "cancelled"

	// Failure taxonomy. NotFound, Stale, Obstructed and Transient are
	// recoverable via retry or replan; NonTransient and PlanExhausted
	// propagate straight to task abort.
	CodeNotFound      = "not_found"
	CodeStale         = "stale"
	CodeObstructed    = "obstructed"
	CodeTransient     = "transient"
	CodeNonTransient  = "non_transient"
	CodePlanExhausted = "plan_exhausted"
)

type Error struct {
	Op       string
	Code     string
	Err      error
	Metadata map[string]any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}

	return e.Op
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Wrap(op, code string, err error, metadata map[string]any) error {
	if metadata == nil {
		metadata = make(map[string]any)
	}

	return &Error{
		Op:       op,
		Code:     code,
		Err:      err,
		Metadata: metadata,
	}
}

func WrapWithReason(op, code string, err error, reason string) error {
	return Wrap(op, code, err, map[string]any{
		MetaReason: reason,
	})
}

func WrapErrorWithReason(op, code, reason string) error {
	return Wrap(op, code, errors.New(reason), map[string]any{
		MetaReason: reason,
	})
}

func InvalidReqError(op, field string, err error) error {
	return Wrap(op, CodeInvalidArgument, err, map[string]any{
		MetaField:  field,
		MetaReason: "invalid_request",
	})
}

// CodeOf walks the wrap chain and returns the outermost apperr code, or
// CodeInternal for errors that never passed through this package.
func CodeOf(err error) string {
	var appErr *Error

	if errors.As(err, &appErr) {
		return appErr.Code
	}

	return CodeInternal
}

// Recoverable reports whether the control loop may retry or replan around
// the error.
func Recoverable(err error) bool {
	switch CodeOf(err) {
	case CodeNotFound, CodeStale, CodeObstructed, CodeTransient:
		return true
	default:
		return false
	}
}
