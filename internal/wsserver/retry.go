package wsserver

import (
	"context"
	"time"

	"llmrpg/internal/rng"
)

// retryBackoffMin and retryBackoffMax bound the single jittered pause before
// retrying a failed media generation call once, grounded on the same
// min/max-jitter shape used for MCP tool-call recovery in the corpus this
// server's transport layer was patterned on.
const (
	retryBackoffMin = 250 * time.Millisecond
	retryBackoffMax = 750 * time.Millisecond
)

// withMediaRetry runs fn, and if it reports ok=false alongside a non-nil
// err, sleeps a jittered backoff and runs it once more before giving up.
// Media generation failures never fail the command turn (spec.md §5/§7), so
// this only improves the odds of a transient provider hiccup still producing
// a getImage/getMusic-ready frame; it is not the forbidden engine-layer
// automatic retry (spec.md §4.1's SPI may retry internally, the engine must
// not) since it lives in the transport layer wrapping calls to the engine.
func withMediaRetry(ctx context.Context, r rng.Rng, fn func(ctx context.Context) (string, bool, error)) (string, bool, error) {
	b64, ok, err := fn(ctx)
	if err == nil {
		return b64, ok, nil
	}

	spread := int64(retryBackoffMax - retryBackoffMin)
	jitter := time.Duration(0)
	if spread > 0 {
		jitter = time.Duration(r.Int63() % spread)
	}
	backoff := retryBackoffMin + jitter

	select {
	case <-ctx.Done():
		return "", false, err
	case <-time.After(backoff):
	}

	return fn(ctx)
}
