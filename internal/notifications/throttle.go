package notifications

import (
	"context"
	"sync"
	"time"
)

// Throttler wraps a Notifier and collapses alerts that share a key
// inside the cooldown window.
type Throttler struct {
	inner    Notifier
	cooldown time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time
	nowFn    func() time.Time
}

// NewThrottler creates a throttling wrapper around inner.
func NewThrottler(inner Notifier, cooldown time.Duration) *Throttler {
	return &Throttler{
		inner:    inner,
		cooldown: cooldown,
		lastSent: make(map[string]time.Time),
		nowFn:    time.Now,
	}
}

// Send forwards the alert unless the same key was delivered within the
// cooldown. Suppressed duplicates return nil.
func (t *Throttler) Send(ctx context.Context, alert Alert) error {
	key := alert.Key
	if key == "" {
		key = alert.Text
	}

	t.mu.Lock()
	now := t.nowFn()
	if last, ok := t.lastSent[key]; ok && now.Sub(last) < t.cooldown {
		t.mu.Unlock()
		return nil
	}
	t.lastSent[key] = now
	t.mu.Unlock()

	return t.inner.Send(ctx, alert)
}

// Recorder is a test notifier that captures everything it receives.
type Recorder struct {
	mu     sync.Mutex
	Alerts []Alert
}

// Send implements Notifier.
func (r *Recorder) Send(_ context.Context, alert Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Alerts = append(r.Alerts, alert)
	return nil
}

// Sent returns a copy of the captured alerts.
func (r *Recorder) Sent() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Alert, len(r.Alerts))
	copy(out, r.Alerts)
	return out
}
