package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LuizEdCard/gridbot/internal/grid"
	"github.com/LuizEdCard/gridbot/internal/notifications"
	"github.com/LuizEdCard/gridbot/internal/retrain"
	"github.com/LuizEdCard/gridbot/pkg/types"
)

type stubWorker struct {
	symbol  string
	results chan error // next Run outcome; ctx cancellation wins
	exited  atomic.Int32
	hook    func(types.TradeRecord)
}

func newStubWorker(symbol string) *stubWorker {
	return &stubWorker{symbol: symbol, results: make(chan error, 4)}
}

func (w *stubWorker) Run(ctx context.Context) error {
	defer w.exited.Add(1)
	select {
	case err := <-w.results:
		return err
	case <-ctx.Done():
		return nil
	}
}

func (w *stubWorker) Stop(context.Context) error                { return nil }
func (w *stubWorker) StatusSnapshot() grid.Status               { return grid.Status{Symbol: w.symbol} }
func (w *stubWorker) Push(grid.Action)                          {}
func (w *stubWorker) ForceFlatten(string)                       {}
func (w *stubWorker) SetFillHook(fn func(types.TradeRecord))    { w.hook = fn }

type stubFactory struct {
	mu      sync.Mutex
	built   map[string][]*stubWorker
}

func newStubFactory() *stubFactory {
	return &stubFactory{built: make(map[string][]*stubWorker)}
}

func (f *stubFactory) make(alloc types.Allocation) (Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := newStubWorker(alloc.Symbol)
	f.built[alloc.Symbol] = append(f.built[alloc.Symbol], w)
	return w, nil
}

func (f *stubFactory) builds(symbol string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.built[symbol])
}

func (f *stubFactory) worker(symbol string, i int) *stubWorker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.built[symbol][i]
}

type safeNotifier struct {
	mu     sync.Mutex
	alerts []notifications.Alert
}

func (n *safeNotifier) Send(_ context.Context, a notifications.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return nil
}

func (n *safeNotifier) keys() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.alerts))
	for _, a := range n.alerts {
		out = append(out, a.Key)
	}
	return out
}

func alloc(symbol string) types.Allocation {
	return types.Allocation{Symbol: symbol, Venue: types.VenueDerivatives, AllocatedUSD: 100, GridLevels: 4, SpacingFraction: 0.005}
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.RestartBackoff = 5 * time.Millisecond
	cfg.StopGrace = time.Second
	return cfg
}

func TestReconcileStartsAndCapsWorkers(t *testing.T) {
	ctx := context.Background()
	f := newStubFactory()
	cfg := fastConfig()
	cfg.MaxConcurrentPairs = 2
	s := New(cfg, f.make, nil, nil, zerolog.Nop())
	defer s.StopAll()

	require.NoError(t, s.Reconcile(ctx, []types.Allocation{alloc("AUSDT"), alloc("BUSDT"), alloc("CUSDT")}))
	assert.Len(t, s.ActiveSymbols(), 2)

	statuses := s.Statuses()
	assert.Len(t, statuses, 2)
}

func TestReconcileStopsDeselectedWorkers(t *testing.T) {
	ctx := context.Background()
	f := newStubFactory()
	s := New(fastConfig(), f.make, nil, nil, zerolog.Nop())
	defer s.StopAll()

	require.NoError(t, s.Reconcile(ctx, []types.Allocation{alloc("AUSDT"), alloc("BUSDT")}))
	require.ElementsMatch(t, []string{"AUSDT", "BUSDT"}, s.ActiveSymbols())

	require.NoError(t, s.Reconcile(ctx, []types.Allocation{alloc("AUSDT")}))
	assert.Equal(t, []string{"AUSDT"}, s.ActiveSymbols())

	dropped := f.worker("BUSDT", 0)
	assert.Eventually(t, func() bool { return dropped.exited.Load() == 1 }, time.Second, 5*time.Millisecond)

	// the surviving worker was not rebuilt
	assert.Equal(t, 1, f.builds("AUSDT"))
}

func TestLifecycleHooksFollowWorkerSet(t *testing.T) {
	ctx := context.Background()
	f := newStubFactory()
	s := New(fastConfig(), f.make, nil, nil, zerolog.Nop())

	var mu sync.Mutex
	var started, stopped []string
	s.SetLifecycleHooks(
		func(a types.Allocation) {
			mu.Lock()
			started = append(started, a.Symbol)
			mu.Unlock()
		},
		func(symbol string) {
			mu.Lock()
			stopped = append(stopped, symbol)
			mu.Unlock()
		},
	)

	require.NoError(t, s.Reconcile(ctx, []types.Allocation{alloc("AUSDT"), alloc("BUSDT")}))
	mu.Lock()
	assert.ElementsMatch(t, []string{"AUSDT", "BUSDT"}, started)
	mu.Unlock()

	require.NoError(t, s.Reconcile(ctx, []types.Allocation{alloc("AUSDT")}))
	mu.Lock()
	assert.Equal(t, []string{"BUSDT"}, stopped)
	mu.Unlock()

	// a crash restart reuses the running subscription
	f.worker("AUSDT", 0).results <- errors.New("nil deref")
	assert.Eventually(t, func() bool { return f.builds("AUSDT") == 2 }, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Len(t, started, 2)
	mu.Unlock()

	s.StopAll()
	mu.Lock()
	assert.ElementsMatch(t, []string{"AUSDT", "BUSDT"}, stopped)
	mu.Unlock()
}

func TestCrashedWorkerRestartsWithAlert(t *testing.T) {
	ctx := context.Background()
	f := newStubFactory()
	n := &safeNotifier{}
	s := New(fastConfig(), f.make, nil, n, zerolog.Nop())
	defer s.StopAll()

	require.NoError(t, s.Reconcile(ctx, []types.Allocation{alloc("ADAUSDT")}))
	f.worker("ADAUSDT", 0).results <- errors.New("nil deref")

	assert.Eventually(t, func() bool { return f.builds("ADAUSDT") == 2 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, n.keys(), "worker_crash:ADAUSDT")
	assert.NotContains(t, n.keys(), "worker_permanently_halted:ADAUSDT")
}

func TestSecondCrashInWindowHaltsPermanently(t *testing.T) {
	ctx := context.Background()
	f := newStubFactory()
	n := &safeNotifier{}
	s := New(fastConfig(), f.make, nil, n, zerolog.Nop())
	defer s.StopAll()

	require.NoError(t, s.Reconcile(ctx, []types.Allocation{alloc("ADAUSDT")}))
	f.worker("ADAUSDT", 0).results <- errors.New("nil deref")
	assert.Eventually(t, func() bool { return f.builds("ADAUSDT") == 2 }, time.Second, 5*time.Millisecond)

	f.worker("ADAUSDT", 1).results <- errors.New("nil deref again")
	assert.Eventually(t, func() bool {
		for _, k := range n.keys() {
			if k == "worker_permanently_halted:ADAUSDT" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	// no third worker is ever built
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, f.builds("ADAUSDT"))
}

func TestCleanWorkerExitDoesNotRestart(t *testing.T) {
	ctx := context.Background()
	f := newStubFactory()
	n := &safeNotifier{}
	s := New(fastConfig(), f.make, nil, n, zerolog.Nop())
	defer s.StopAll()

	require.NoError(t, s.Reconcile(ctx, []types.Allocation{alloc("AUSDT")}))
	f.worker("AUSDT", 0).results <- nil // self-halt

	assert.Eventually(t, func() bool { return f.worker("AUSDT", 0).exited.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, f.builds("AUSDT"))
	assert.Empty(t, n.keys())
}

func TestTradeCounterTriggersRetrainOnce(t *testing.T) {
	ctx := context.Background()
	f := newStubFactory()
	release := make(chan struct{})
	var runs atomic.Int32
	job := retrain.New(func(ctx context.Context) error {
		runs.Add(1)
		<-release
		return nil
	}, zerolog.Nop())

	cfg := fastConfig()
	cfg.RetrainThreshold = 3
	s := New(cfg, f.make, job, nil, zerolog.Nop())
	defer s.StopAll()

	require.NoError(t, s.Reconcile(ctx, []types.Allocation{alloc("AUSDT")}))
	hook := f.worker("AUSDT", 0).hook
	require.NotNil(t, hook)

	rec := types.TradeRecord{Symbol: "AUSDT"}
	hook(rec)
	hook(rec)
	assert.False(t, job.InFlight())

	hook(rec)
	assert.Eventually(t, func() bool { return job.InFlight() }, time.Second, time.Millisecond)

	// further trades while a retrain is in flight do not stack a second
	hook(rec)
	hook(rec)
	hook(rec)
	assert.Equal(t, int32(1), runs.Load())

	close(release)
	assert.Eventually(t, func() bool { return !job.InFlight() }, time.Second, time.Millisecond)

	// baseline moved to the post-run counter: six trades so far, so the
	// next trigger needs three more
	assert.Equal(t, int64(6), s.TradeCount())
	hook(rec)
	hook(rec)
	assert.Equal(t, int32(1), runs.Load())
	hook(rec)
	assert.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, time.Millisecond)
}

func TestStopAllWaitsForWorkers(t *testing.T) {
	ctx := context.Background()
	f := newStubFactory()
	s := New(fastConfig(), f.make, nil, nil, zerolog.Nop())

	require.NoError(t, s.Reconcile(ctx, []types.Allocation{alloc("AUSDT"), alloc("BUSDT")}))
	s.StopAll()

	assert.Empty(t, s.ActiveSymbols())
	assert.Equal(t, int32(1), f.worker("AUSDT", 0).exited.Load())
	assert.Equal(t, int32(1), f.worker("BUSDT", 0).exited.Load())
}
