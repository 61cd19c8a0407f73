// Package retry provides exponential backoff retry functionality.
//
// The gateway uses it in two places: the dispatcher retries idempotent
// downstream requests once, and the audit flusher retries failed
// batches until they are stored or the writer shuts down.
//
//	cfg := &retry.Config{
//	    MaxRetries:     1,
//	    InitialBackoff: 50 * time.Millisecond,
//	    MaxBackoff:     200 * time.Millisecond,
//	}
//	err := retry.Do(ctx, cfg, func() error {
//	    return callDownstream(ctx)
//	}, &retry.Options{ShouldRetry: isTransient})
package retry
