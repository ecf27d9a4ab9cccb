package orchestrator

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/hydralab/hydra/pkg/apperr"
	"github.com/hydralab/hydra/pkg/log"
)

// FastOpTimeout bounds single control-plane calls such as create, delete
// and inspect. Data copies use the migration timeout instead.
const FastOpTimeout = 30 * time.Second

// WithRetry runs fn with backoff, retrying only transient failures. The
// final error is returned unwrapped from the retry machinery so callers
// can inspect its kind.
func WithRetry(ctx context.Context, op string, fn func() error) error {
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(4),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(5*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(apperr.IsTransient),
		retry.OnRetry(func(n uint, err error) {
			log.WithComponent("orchestrator").Debug().
				Str("op", op).
				Uint("attempt", n+1).
				Err(err).
				Msg("retrying transient failure")
		}),
	)
}
