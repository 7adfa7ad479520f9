package llm

import (
	"errors"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/rotisserie/eris"

	"github.com/veridian-ai/claimpipe/internal/resilience"
)

// classifyError maps an SDK error onto the pipeline's retry taxonomy.
// Timeouts, rate limits, and 5xx are transient; auth failures and
// malformed requests are fatal and must not be retried.
func classifyError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		switch {
		case resilience.IsTransientHTTPStatus(apiErr.StatusCode):
			return resilience.NewTransientError(eris.Wrap(err, "llm: provider error"), apiErr.StatusCode)
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return resilience.NewFatalError("auth", eris.Wrap(err, "llm: auth rejected"))
		case apiErr.StatusCode == 400 || apiErr.StatusCode == 404 || apiErr.StatusCode == 413:
			return resilience.NewFatalError("malformed_request", eris.Wrap(err, "llm: request rejected"))
		default:
			return resilience.NewFatalError("provider", eris.Wrap(err, "llm: provider rejected call"))
		}
	}
	if resilience.IsTransient(err) {
		return resilience.NewTransientError(eris.Wrap(err, "llm: network error"), 0)
	}
	return eris.Wrap(err, "llm: complete")
}
