// Package oauth keeps the federated provider session alive. It performs
// jittered checks and refreshes when expiry falls within a configured window;
// the refreshed session reaches the token store through the provider's
// token_refreshed event.
package oauth

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/onnwee/stampede/client/telemetry"
)

// Source is a session that can report its expiry and refresh itself.
// Expiry returns ok=false when there is nothing to refresh.
type Source interface {
	Expiry() (at time.Time, ok bool)
	Refresh(ctx context.Context) error
}

// StartRefresher launches a goroutine that periodically checks src and refreshes it.
// interval: how often to wake up and check.
// window: refresh when remaining lifetime <= window.
func StartRefresher(ctx context.Context, src Source, interval, window time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 10 * time.Minute
	}
	log := slog.Default().With(slog.String("component", "federated_refresher"))
	// Randomize the first wake-up so restarts do not line up.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval/2) + 1))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			if !refreshIfDue(ctx, log, src, window) {
				return
			}
			// Per-iteration jitter of +-20% of interval.
			jitterRange := int64(interval/5) + 1
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
		}
	}()
}

// refreshIfDue refreshes src when it expires within window. It returns false
// once ctx is done.
func refreshIfDue(ctx context.Context, log *slog.Logger, src Source, window time.Duration) bool {
	exp, ok := src.Expiry()
	if !ok {
		return ctx.Err() == nil
	}
	// Zero expiry means the provider did not say; leave it alone.
	if exp.IsZero() || time.Until(exp) > window {
		return ctx.Err() == nil
	}
	ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
	err := src.Refresh(ctx2)
	cancel()
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		telemetry.Inc(telemetry.FederatedRefreshes, "error")
		log.Warn("federated session refresh failed", slog.Any("err", err))
		return true
	}
	telemetry.Inc(telemetry.FederatedRefreshes, "ok")
	log.Info("federated session refreshed")
	return true
}
