package exchange

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the gateway. Callers classify with errors.Is
// and decide whether to retry, degrade or abort.
var (
	// ErrTransient covers network failures and 5xx responses after the
	// retry budget is exhausted. Recoverable; never escalates to trade
	// cancellation by itself.
	ErrTransient = errors.New("transient exchange error")

	// ErrRateLimited means waiting on the token bucket would exceed the
	// call deadline. The caller degrades (use cache, skip the tick).
	ErrRateLimited = errors.New("exchange rate limited")

	// ErrAuth is fatal; credentials are wrong or revoked. Never retried.
	ErrAuth = errors.New("exchange authentication failed")

	// ErrStaleTicker means both the streamed and REST ticker are older
	// than the staleness bound. The evaluator skips the tick.
	ErrStaleTicker = errors.New("ticker data stale")

	// ErrNotFound is returned for unknown products or order ids.
	ErrNotFound = errors.New("not found on exchange")
)

// transientf wraps a cause as a transient exchange error
func transientf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrTransient, fmt.Sprintf(format, args...))
}

// IsRetryable reports whether an error is worth retrying inside the
// gateway's short retry budget
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuth) || errors.Is(err, ErrNotFound) {
		return false
	}
	return errors.Is(err, ErrTransient)
}
