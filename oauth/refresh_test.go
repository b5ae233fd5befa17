package oauth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeSource struct {
	mu      sync.Mutex
	expiry  time.Time
	ok      bool
	err     error
	calls   int
	extends time.Duration
}

func (f *fakeSource) Expiry() (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expiry, f.ok
}

func (f *fakeSource) Refresh(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.expiry = time.Now().Add(f.extends)
	return nil
}

func (f *fakeSource) refreshCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestStartRefresherOutsideWindow(t *testing.T) {
	src := &fakeSource{expiry: time.Now().Add(time.Hour), ok: true}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	StartRefresher(ctx, src, 20*time.Millisecond, 30*time.Minute)
	<-ctx.Done()

	if src.refreshCalls() != 0 {
		t.Error("refresh should not run for a session expiring in 1 hour with a 30 min window")
	}
}

func TestStartRefresherWithinWindow(t *testing.T) {
	src := &fakeSource{expiry: time.Now().Add(5 * time.Minute), ok: true, extends: 2 * time.Hour}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	StartRefresher(ctx, src, 50*time.Millisecond, 15*time.Minute)
	time.Sleep(300 * time.Millisecond)
	cancel()

	// once refreshed the new expiry is outside the window
	if n := src.refreshCalls(); n != 1 {
		t.Errorf("refresh calls = %d, want 1", n)
	}
}

func TestStartRefresherKeepsTryingAfterError(t *testing.T) {
	src := &fakeSource{expiry: time.Now().Add(time.Minute), ok: true, err: errors.New("provider down")}
	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()

	StartRefresher(ctx, src, 40*time.Millisecond, 15*time.Minute)
	time.Sleep(300 * time.Millisecond)
	cancel()

	if n := src.refreshCalls(); n < 2 {
		t.Errorf("refresh calls = %d, want retries on later ticks", n)
	}
}

func TestStartRefresherNoSession(t *testing.T) {
	src := &fakeSource{ok: false}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	StartRefresher(ctx, src, 20*time.Millisecond, 15*time.Minute)
	<-ctx.Done()

	if src.refreshCalls() != 0 {
		t.Error("refresh should not run without a session")
	}
}

func TestStartRefresherCancellation(t *testing.T) {
	src := &fakeSource{expiry: time.Now(), ok: true}
	ctx, cancel := context.WithCancel(context.Background())

	StartRefresher(ctx, src, time.Second, 15*time.Minute)
	cancel()
	time.Sleep(50 * time.Millisecond)

	// initial jitter is at most half the interval, so a cancelled refresher never ran
	if src.refreshCalls() > 1 {
		t.Errorf("refresh calls = %d after cancel", src.refreshCalls())
	}
}
