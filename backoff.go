package amoura

import (
	"context"
	"time"
)

// ============================================================================
// Backoff Policy
// ============================================================================

// Policy is an exponential backoff policy shared by the realtime
// dispatcher's resubscription, the conversation aggregator's per-conversation
// message fetch, and the websocket channel reconnect.
//
// Attempt numbering starts at 0: Delay(0) == BaseDelay.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// MaxDelay caps the computed delay. Zero means uncapped.
	MaxDelay time.Duration
}

// Delay returns the wait before retry number attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Exhausted reports whether attempt (0-based) is past the retry budget.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

// Retry runs fn up to MaxAttempts times, sleeping Delay(n) between failed
// attempts. It returns the first success, or the last error once the budget
// is exhausted or ctx is done.
func (p Policy) Retry(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if p.Exhausted(attempt + 1) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Delay(attempt)):
		}
	}
}
