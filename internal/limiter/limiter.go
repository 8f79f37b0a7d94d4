// Package limiter defines interfaces and implementations for webhook
// notification flood limiting.
package limiter

import (
	"context"
	"time"
)

// Limiter throttles inbound notifications per channel. A misbehaving or
// replayed channel gets temporarily blocked instead of flooding the
// sync pipeline.
type Limiter interface {
	// Allow reports whether the channel may deliver right now and an
	// optional retry-after.
	Allow(ctx context.Context, channelID string) (bool, time.Duration, error)
	// Hit records one delivered notification; may place a temporary block
	// when the channel exceeds its per-window budget.
	Hit(ctx context.Context, channelID string) (blocked bool, err error)
}
