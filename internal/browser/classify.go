package browser

import (
	"strings"

	"webpilot/pkg/apperr"
)

// classifyDispatchErr maps a raw driver error onto the failure taxonomy so
// the layers above never have to inspect playwright error strings.
func classifyDispatchErr(op string, err error, selector string) error {
	msg := strings.ToLower(err.Error())

	meta := map[string]any{
		apperr.MetaStage:    apperr.StageInteraction,
		apperr.MetaSelector: selector,
	}

	switch {
	case strings.Contains(msg, "intercepts pointer events"),
		strings.Contains(msg, "element is covered"),
		strings.Contains(msg, "obscured"):
		meta[apperr.MetaReason] = "intercepted_by_overlay"

		return apperr.Wrap(op, apperr.CodeObstructed, err, meta)

	case strings.Contains(msg, "not attached"),
		strings.Contains(msg, "detached"),
		strings.Contains(msg, "no node found"),
		strings.Contains(msg, "element was removed"):
		meta[apperr.MetaReason] = "element_gone"

		return apperr.Wrap(op, apperr.CodeStale, err, meta)

	case strings.Contains(msg, "net::err_blocked"),
		strings.Contains(msg, "net::err_cert"),
		strings.Contains(msg, "access is denied"),
		strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "err_unsafe"):
		meta[apperr.MetaReason] = "blocked_by_environment"

		return apperr.Wrap(op, apperr.CodeNonTransient, err, meta)

	case strings.Contains(msg, "timeout"):
		meta[apperr.MetaReason] = "timeout"

		return apperr.Wrap(op, apperr.CodeTransient, err, meta)

	default:
		meta[apperr.MetaReason] = "dispatch_failed"

		return apperr.Wrap(op, apperr.CodeTransient, err, meta)
	}
}
