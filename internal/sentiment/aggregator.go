package sentiment

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/LuizEdCard/gridbot/internal/notifications"
)

func unmarshalJSON(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Config controls the aggregator cadence and alerting.
type Config struct {
	FetchInterval   time.Duration      `json:"fetch_interval"`
	SmoothingWindow int                `json:"smoothing_window"`
	SourceWeights   map[string]float64 `json:"source_weights"`
	AlertPositive   float64            `json:"alert_positive"`
	AlertNegative   float64            `json:"alert_negative"`
	AlertCooldown   time.Duration      `json:"alert_cooldown"`
}

// DefaultConfig returns the aggregator defaults.
func DefaultConfig() Config {
	return Config{
		FetchInterval:   10 * time.Minute,
		SmoothingWindow: 6,
		AlertPositive:   0.6,
		AlertNegative:   -0.6,
		AlertCooldown:   time.Hour,
	}
}

// Snapshot is the result of one aggregation cycle.
type Snapshot struct {
	Raw       float64                 `json:"raw"`
	Smoothed  float64                 `json:"smoothed"`
	Breakdown map[string]SourceResult `json:"breakdown"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// Aggregator pulls all configured sources on a fixed cadence, combines
// their scores into a weighted raw score, and smooths it over a rolling
// window. Latest never blocks and returns 0 until the first cycle
// completes.
type Aggregator struct {
	cfg      Config
	sources  []Source
	notifier notifications.Notifier
	log      zerolog.Logger

	mu        sync.RWMutex
	snapshot  Snapshot
	window    []float64
	haveCycle bool

	alertMu   sync.Mutex
	lastAlert map[string]time.Time
	nowFn     func() time.Time
}

// NewAggregator creates an aggregator over the given sources.
func NewAggregator(cfg Config, sources []Source, notifier notifications.Notifier, log zerolog.Logger) *Aggregator {
	if cfg.SmoothingWindow < 1 {
		cfg.SmoothingWindow = 1
	}
	if notifier == nil {
		notifier = notifications.Nop{}
	}
	return &Aggregator{
		cfg:       cfg,
		sources:   sources,
		notifier:  notifier,
		log:       log.With().Str("component", "sentiment").Logger(),
		lastAlert: make(map[string]time.Time),
		nowFn:     time.Now,
	}
}

// Latest returns the most recent score. With smoothed=false it returns
// the raw score of the last cycle. Always safe to call; returns 0
// before the first cycle completes.
func (a *Aggregator) Latest(smoothed bool) float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.haveCycle {
		return 0
	}
	if smoothed {
		return a.snapshot.Smoothed
	}
	return a.snapshot.Raw
}

// LatestSnapshot returns the full last cycle result and whether one exists.
func (a *Aggregator) LatestSnapshot() (Snapshot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshot, a.haveCycle
}

// Run fetches on the configured cadence until ctx is cancelled. The
// first cycle runs immediately.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.FetchInterval)
	defer ticker.Stop()

	a.Cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Cycle(ctx)
		}
	}
}

// Cycle runs one fetch-score-smooth pass. Sources fetch concurrently;
// a failing source is logged and skipped, and its weight drops out of
// the average for this cycle.
func (a *Aggregator) Cycle(ctx context.Context) Snapshot {
	type outcome struct {
		name   string
		result SourceResult
		err    error
	}

	results := make(chan outcome, len(a.sources))
	var wg sync.WaitGroup
	for _, src := range a.sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			res, err := src.Fetch(ctx)
			results <- outcome{name: src.Name(), result: res, err: err}
		}(src)
	}
	wg.Wait()
	close(results)

	breakdown := make(map[string]SourceResult)
	weightedSum := 0.0
	weightTotal := 0.0
	for out := range results {
		if out.err != nil {
			a.log.Warn().Err(out.err).Str("source", out.name).Msg("source fetch failed")
			continue
		}
		breakdown[out.name] = out.result
		weight := 1.0
		if w, ok := a.cfg.SourceWeights[out.name]; ok {
			weight = w
		}
		weightedSum += out.result.Score * weight
		weightTotal += weight
	}

	raw := 0.0
	if weightTotal > 0 {
		raw = weightedSum / weightTotal
	}
	if raw > 1 {
		raw = 1
	} else if raw < -1 {
		raw = -1
	}

	a.mu.Lock()
	if weightTotal > 0 || !a.haveCycle {
		a.window = append(a.window, raw)
		if len(a.window) > a.cfg.SmoothingWindow {
			a.window = a.window[len(a.window)-a.cfg.SmoothingWindow:]
		}
	}
	smoothed := 0.0
	for _, v := range a.window {
		smoothed += v
	}
	if len(a.window) > 0 {
		smoothed /= float64(len(a.window))
	}
	a.snapshot = Snapshot{
		Raw:       raw,
		Smoothed:  smoothed,
		Breakdown: breakdown,
		UpdatedAt: a.nowFn(),
	}
	a.haveCycle = true
	snap := a.snapshot
	a.mu.Unlock()

	a.log.Debug().
		Float64("raw", raw).
		Float64("smoothed", smoothed).
		Int("sources", len(breakdown)).
		Msg("sentiment cycle complete")

	a.checkAlerts(ctx, smoothed)
	return snap
}

// checkAlerts fires when the smoothed score reaches a threshold. A
// score exactly at the threshold fires. Each direction carries its own
// cooldown so a flapping score does not spam the sink.
func (a *Aggregator) checkAlerts(ctx context.Context, smoothed float64) {
	var direction string
	var text string
	switch {
	case smoothed >= a.cfg.AlertPositive:
		direction = "positive"
		text = fmt.Sprintf("Market sentiment strongly positive: %.2f (threshold %.2f)", smoothed, a.cfg.AlertPositive)
	case smoothed <= a.cfg.AlertNegative:
		direction = "negative"
		text = fmt.Sprintf("Market sentiment strongly negative: %.2f (threshold %.2f)", smoothed, a.cfg.AlertNegative)
	default:
		return
	}

	a.alertMu.Lock()
	now := a.nowFn()
	if last, ok := a.lastAlert[direction]; ok && now.Sub(last) < a.cfg.AlertCooldown {
		a.alertMu.Unlock()
		return
	}
	a.lastAlert[direction] = now
	a.alertMu.Unlock()

	if err := a.notifier.Send(ctx, notifications.Alert{
		Key:      "sentiment_" + direction,
		Text:     text,
		Severity: notifications.SeverityWarning,
	}); err != nil {
		a.log.Warn().Err(err).Msg("sentiment alert delivery failed")
	}
}
