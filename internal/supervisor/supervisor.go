// Package supervisor owns the pair-worker set: one grid worker per
// selected symbol, crash recovery with backoff, the shared trade
// counter, and the retrain trigger.
package supervisor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/LuizEdCard/gridbot/internal/grid"
	"github.com/LuizEdCard/gridbot/internal/notifications"
	"github.com/LuizEdCard/gridbot/internal/retrain"
	"github.com/LuizEdCard/gridbot/pkg/types"
)

// Worker is one symbol's trading loop. *grid.Engine satisfies this.
type Worker interface {
	Run(ctx context.Context) error
	Stop(ctx context.Context) error
	StatusSnapshot() grid.Status
	Push(a grid.Action)
	ForceFlatten(reason string)
	SetFillHook(fn func(types.TradeRecord))
}

// WorkerFactory builds a fresh worker for an allocation. Called on
// start and on every crash restart.
type WorkerFactory func(alloc types.Allocation) (Worker, error)

// Config controls worker lifecycle handling.
type Config struct {
	MaxConcurrentPairs int           `json:"max_concurrent_pairs"`
	RestartBackoff     time.Duration `json:"restart_backoff"`
	CrashWindow        time.Duration `json:"crash_window"`
	RetrainThreshold   int64         `json:"retrain_threshold"`
	StopGrace          time.Duration `json:"stop_grace"`
}

// DefaultConfig returns the standard lifecycle settings.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentPairs: 5,
		RestartBackoff:     5 * time.Second,
		CrashWindow:        time.Minute,
		RetrainThreshold:   100,
		StopGrace:          10 * time.Second,
	}
}

// handle tracks one symbol's worker goroutine across restarts.
type handle struct {
	alloc  types.Allocation
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	worker    Worker
	lastCrash time.Time
	permanent bool
}

func (h *handle) current() Worker {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.worker
}

// Supervisor reconciles the worker set against the selector's output
// and keeps crashed workers restarting within policy.
type Supervisor struct {
	cfg      Config
	factory  WorkerFactory
	notifier notifications.Notifier
	retrain  *retrain.Job
	log      zerolog.Logger
	nowFn    func() time.Time

	mu      sync.Mutex
	workers map[string]*handle

	observer func(types.TradeRecord)
	onStart  func(types.Allocation)
	onStop   func(symbol string)

	tradeCount      atomic.Int64
	retrainBaseline atomic.Int64
}

// New builds a supervisor; retrainJob may be nil to disable the
// retrain trigger.
func New(cfg Config, factory WorkerFactory, retrainJob *retrain.Job, notifier notifications.Notifier, log zerolog.Logger) *Supervisor {
	if notifier == nil {
		notifier = notifications.Nop{}
	}
	return &Supervisor{
		cfg:      cfg,
		factory:  factory,
		notifier: notifier,
		retrain:  retrainJob,
		log:      log.With().Str("component", "supervisor").Logger(),
		nowFn:    time.Now,
		workers:  make(map[string]*handle),
	}
}

// Reconcile drives the worker set toward the target allocations:
// deselected symbols get a graceful stop, newly selected symbols get a
// fresh worker, capped at MaxConcurrentPairs.
func (s *Supervisor) Reconcile(ctx context.Context, allocs []types.Allocation) error {
	target := make(map[string]types.Allocation, len(allocs))
	for _, a := range allocs {
		if s.cfg.MaxConcurrentPairs > 0 && len(target) >= s.cfg.MaxConcurrentPairs {
			break
		}
		target[a.Symbol] = a
	}

	s.mu.Lock()
	var toStop []*handle
	var stopSymbols []string
	for sym, h := range s.workers {
		if _, keep := target[sym]; !keep {
			toStop = append(toStop, h)
			stopSymbols = append(stopSymbols, sym)
			delete(s.workers, sym)
		}
	}
	var toStart []types.Allocation
	for sym, a := range target {
		if _, running := s.workers[sym]; !running {
			toStart = append(toStart, a)
		}
	}
	s.mu.Unlock()

	for i, h := range toStop {
		s.log.Info().Str("symbol", stopSymbols[i]).Msg("stopping deselected worker")
		h.cancel()
		if s.onStop != nil {
			s.onStop(stopSymbols[i])
		}
	}

	sort.Slice(toStart, func(i, j int) bool { return toStart[i].Symbol < toStart[j].Symbol })
	for _, a := range toStart {
		if err := s.startWorker(ctx, a); err != nil {
			s.log.Error().Err(err).Str("symbol", a.Symbol).Msg("worker start failed")
		}
	}
	return nil
}

func (s *Supervisor) startWorker(ctx context.Context, alloc types.Allocation) error {
	w, err := s.factory(alloc)
	if err != nil {
		return fmt.Errorf("build worker %s: %w", alloc.Symbol, err)
	}
	w.SetFillHook(s.noteTrade)

	wctx, cancel := context.WithCancel(ctx)
	h := &handle{
		alloc:  alloc,
		cancel: cancel,
		done:   make(chan struct{}),
		worker: w,
	}

	s.mu.Lock()
	s.workers[alloc.Symbol] = h
	s.mu.Unlock()

	s.log.Info().Str("symbol", alloc.Symbol).Float64("allocated_usd", alloc.AllocatedUSD).Msg("worker started")
	if s.onStart != nil {
		s.onStart(alloc)
	}
	go s.runWorker(wctx, h)
	return nil
}

// runWorker is the per-symbol lifecycle loop: run until clean exit or
// cancellation, restart after a backoff on crash, give up permanently
// on a second crash inside the crash window.
func (s *Supervisor) runWorker(ctx context.Context, h *handle) {
	defer close(h.done)
	for {
		err := s.safeRun(ctx, h.current())
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// the worker halted itself (flattened, unsized, repeated
			// cycle failures); restarting would loop on the same cause
			s.log.Info().Str("symbol", h.alloc.Symbol).Msg("worker exited cleanly")
			return
		}

		s.alert(ctx, notifications.SeverityCritical,
			"worker_crash:"+h.alloc.Symbol,
			fmt.Sprintf("%s worker crashed: %v", h.alloc.Symbol, err))

		now := s.nowFn()
		h.mu.Lock()
		repeated := !h.lastCrash.IsZero() && now.Sub(h.lastCrash) <= s.cfg.CrashWindow
		h.lastCrash = now
		if repeated {
			h.permanent = true
		}
		h.mu.Unlock()

		if repeated {
			s.alert(ctx, notifications.SeverityCritical,
				"worker_permanently_halted:"+h.alloc.Symbol,
				fmt.Sprintf("%s crashed twice within %s, not restarting", h.alloc.Symbol, s.cfg.CrashWindow))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.RestartBackoff):
		}

		w, ferr := s.factory(h.alloc)
		if ferr != nil {
			s.log.Error().Err(ferr).Str("symbol", h.alloc.Symbol).Msg("restart build failed")
			return
		}
		w.SetFillHook(s.noteTrade)
		h.mu.Lock()
		h.worker = w
		h.mu.Unlock()
		s.log.Info().Str("symbol", h.alloc.Symbol).Msg("worker restarted after crash")
	}
}

// safeRun converts a worker panic into an error so the crash policy
// sees both exit paths the same way.
func (s *Supervisor) safeRun(ctx context.Context, w Worker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return w.Run(ctx)
}

// SetTradeObserver registers an extra callback for every recorded
// trade, e.g. the metrics recorder. Call before Reconcile starts any
// worker.
func (s *Supervisor) SetTradeObserver(fn func(types.TradeRecord)) { s.observer = fn }

// SetLifecycleHooks registers callbacks for worker start and stop,
// e.g. the market-data subscription for the symbol. Call before
// Reconcile starts any worker. A crash restart reuses the existing
// subscription, so neither hook fires for it.
func (s *Supervisor) SetLifecycleHooks(onStart func(types.Allocation), onStop func(symbol string)) {
	s.onStart = onStart
	s.onStop = onStop
}

// noteTrade is the shared fill hook: one atomic increment per recorded
// trade, feeding the retrain trigger.
func (s *Supervisor) noteTrade(tr types.TradeRecord) {
	if s.observer != nil {
		s.observer(tr)
	}
	count := s.tradeCount.Add(1)
	s.maybeRetrain(count)
}

func (s *Supervisor) maybeRetrain(count int64) {
	if s.retrain == nil || s.cfg.RetrainThreshold <= 0 {
		return
	}
	if count-s.retrainBaseline.Load() < s.cfg.RetrainThreshold {
		return
	}
	started := s.retrain.TryStart(context.Background(), func(error) {
		s.retrainBaseline.Store(s.tradeCount.Load())
	})
	if started {
		s.log.Info().Int64("trades", count).Msg("retrain triggered by trade volume")
	}
}

// TradeCount returns the shared trade counter.
func (s *Supervisor) TradeCount() int64 { return s.tradeCount.Load() }

// Worker returns the live worker for a symbol.
func (s *Supervisor) Worker(symbol string) (Worker, bool) {
	s.mu.Lock()
	h, ok := s.workers[symbol]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return h.current(), true
}

// ActiveSymbols lists the symbols with a live worker, sorted.
func (s *Supervisor) ActiveSymbols() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.workers))
	for sym := range s.workers {
		out = append(out, sym)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// Statuses returns a non-blocking snapshot of every worker, sorted by
// symbol.
func (s *Supervisor) Statuses() []grid.Status {
	s.mu.Lock()
	handles := make([]*handle, 0, len(s.workers))
	for _, h := range s.workers {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	out := make([]grid.Status, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.current().StatusSnapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// StopAll signals every worker, waits up to the grace period, and
// reports stragglers. Workers cancel their own orders on the way out.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	handles := make(map[string]*handle, len(s.workers))
	for sym, h := range s.workers {
		handles[sym] = h
	}
	s.workers = make(map[string]*handle)
	s.mu.Unlock()

	for sym, h := range handles {
		h.cancel()
		if s.onStop != nil {
			s.onStop(sym)
		}
	}

	deadline := time.After(s.cfg.StopGrace)
	for sym, h := range handles {
		select {
		case <-h.done:
		case <-deadline:
			s.log.Error().Str("symbol", sym).Msg("worker did not stop within grace period")
		}
	}
	s.log.Info().Int("workers", len(handles)).Msg("supervisor stopped")
}

func (s *Supervisor) alert(ctx context.Context, severity notifications.Severity, key, text string) {
	if err := s.notifier.Send(ctx, notifications.Alert{Key: key, Text: text, Severity: severity}); err != nil {
		s.log.Warn().Err(err).Msg("alert delivery failed")
	}
}
