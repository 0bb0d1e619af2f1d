// gridbot runs the grid-trading supervisor: pair selection, capital
// allocation, one grid worker per symbol, risk monitoring, and the
// coordinator control loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/LuizEdCard/gridbot/internal/cache"
	"github.com/LuizEdCard/gridbot/internal/capital"
	"github.com/LuizEdCard/gridbot/internal/config"
	"github.com/LuizEdCard/gridbot/internal/coordinator"
	"github.com/LuizEdCard/gridbot/internal/decision"
	"github.com/LuizEdCard/gridbot/internal/exchange"
	"github.com/LuizEdCard/gridbot/internal/grid"
	"github.com/LuizEdCard/gridbot/internal/logger"
	"github.com/LuizEdCard/gridbot/internal/monitoring"
	"github.com/LuizEdCard/gridbot/internal/notifications"
	"github.com/LuizEdCard/gridbot/internal/retrain"
	"github.com/LuizEdCard/gridbot/internal/risk"
	"github.com/LuizEdCard/gridbot/internal/safety"
	"github.com/LuizEdCard/gridbot/internal/selector"
	"github.com/LuizEdCard/gridbot/internal/sentiment"
	"github.com/LuizEdCard/gridbot/internal/state"
	"github.com/LuizEdCard/gridbot/internal/supervisor"
	"github.com/LuizEdCard/gridbot/pkg/types"
)

func main() {
	var (
		configFile = flag.String("config", "", "configuration file (yaml or json)")
		stateDir   = flag.String("state", "data/state", "grid snapshot directory")
	)
	flag.Parse()

	if err := run(*configFile, *stateDir); err != nil {
		fmt.Fprintln(os.Stderr, "gridbot:", err)
		os.Exit(1)
	}
}

func run(configFile, stateDir string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Console: true})
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	log.Info().Str("mode", cfg.OperationMode).Msg("gridbot starting")

	exch, err := buildExchange(cfg, log)
	if err != nil {
		return fmt.Errorf("exchange: %w", err)
	}
	defer exch.Close()

	store, err := state.NewStore(stateDir, log)
	if err != nil {
		return fmt.Errorf("state store: %w", err)
	}

	notifier := buildNotifier(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	marketCache := cache.New(exch, cfg.CacheTTLConfig(), log)
	// market-data reads from every component go through the cache;
	// order operations pass straight to the venue
	venueData := cache.NewExchange(marketCache, exch)

	var sentimentReader selector.SentimentReader = staticSentiment{}
	var aggregator *sentiment.Aggregator
	if cfg.Sentiment.Enabled {
		sources := []sentiment.Source{sentiment.NewFearGreedSource()}
		if cfg.Sentiment.NewsAPIKey != "" {
			sources = append(sources, sentiment.NewNewsSource(cfg.Sentiment.NewsAPIKey))
		}
		if cfg.Sentiment.ForumSubreddit != "" {
			sources = append(sources, sentiment.NewForumSource(cfg.Sentiment.ForumSubreddit))
		}
		aggregator = sentiment.NewAggregator(cfg.SentimentConfig(), sources, notifier, log)
		sentimentReader = aggregator
	}

	pairSelector := selector.New(cfg.SelectorConfig(), venueData, sentimentReader, log)
	capitalManager := capital.NewManager(cfg.CapitalConfig(), venueData, log)
	riskMonitor := risk.NewMonitor(cfg.RiskConfig(),
		&cacheObservations{cache: marketCache, venues: cfg.Venues()},
		&cacheAccounts{cache: marketCache},
		notifier, log)
	decisionEngine := decision.NewEngine(decision.DefaultConfig(), nil, log)

	metrics := monitoring.NewMetrics()

	retrainJob := buildRetrainJob(cfg, log)
	sup := supervisor.New(cfg.SupervisorConfig(),
		workerFactory(cfg, venueData, store, notifier, log),
		retrainJob, notifier, log)
	sup.SetTradeObserver(metrics.RecordFill)

	coordCfg := cfg.CoordinatorConfig()
	sup.SetLifecycleHooks(
		func(alloc types.Allocation) {
			marketCache.Subscribe(alloc.Symbol, alloc.Venue, coordCfg.KlineInterval,
				func(s cache.Snapshot) {
					if s.Ticker != nil {
						metrics.SetMarkPrice(s.Symbol, s.Ticker.LastPrice)
					}
				})
		},
		marketCache.Unsubscribe,
	)

	coord := coordinator.New(coordCfg, pairSelector, capitalManager,
		sup, riskMonitor, decisionEngine, venueData, log)
	coord.SetObservers(
		func(ov decision.OverviewDecision) { metrics.SetStrategy(string(ov.Strategy), ov.Confidence) },
		func(d time.Duration) { metrics.ObserveCycle("coordinator", d) },
	)

	g, runCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		marketCache.Run(runCtx)
		return nil
	})
	if aggregator != nil {
		g.Go(func() error {
			aggregator.Run(runCtx)
			return nil
		})
	}
	g.Go(func() error {
		riskMonitor.Run(runCtx)
		return nil
	})
	g.Go(func() error {
		return coord.Run(runCtx)
	})
	if cfg.Monitoring.Enabled {
		srv := monitoring.NewServer(cfg.Monitoring.Addr, metrics,
			func() any { return sup.ActiveSymbols() }, log)
		g.Go(func() error {
			return srv.Run(runCtx)
		})
	}
	g.Go(func() error {
		publishStatus(runCtx, sup, metrics)
		return nil
	})

	err = g.Wait()
	sup.StopAll()
	if err != nil && ctx.Err() == nil {
		return err
	}
	log.Info().Msg("gridbot stopped")
	return nil
}

// publishStatus refreshes the worker gauges and prints the console
// portfolio table once a minute.
func publishStatus(ctx context.Context, sup *supervisor.Supervisor, metrics *monitoring.Metrics) {
	gauges := time.NewTicker(15 * time.Second)
	table := time.NewTicker(time.Minute)
	defer gauges.Stop()
	defer table.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-gauges.C:
			metrics.ObserveStatuses(sup.Statuses())
		case <-table.C:
			monitoring.RenderStatusTable(os.Stdout, sup.Statuses())
		}
	}
}

// buildExchange wires the venue adapter. Shadow mode uses the in-memory
// paper venue; production wraps the Bybit adapter in the rate limiter
// and circuit breaker.
func buildExchange(cfg *config.Config, log zerolog.Logger) (exchange.Exchange, error) {
	if cfg.OperationMode == config.ModeShadow {
		paper := exchange.NewPaperExchange()
		seedPaperVenue(paper, cfg)
		return paper, nil
	}

	bybit, err := exchange.NewBybitAdapter(exchange.BybitConfig{
		APIKey:    cfg.Exchange.APIKey,
		APISecret: cfg.Exchange.APISecret,
		Testnet:   cfg.Exchange.Testnet,
	}, log)
	if err != nil {
		return nil, err
	}
	guard := safety.NewGuard(bybit,
		safety.NewLimiter(20, 10),
		safety.NewBreaker(safety.DefaultBreakerConfig()),
		log)
	return guard, nil
}

// seedPaperVenue gives the sandbox a workable universe: a deposit on
// both venues and metadata for the preferred symbols.
func seedPaperVenue(paper *exchange.PaperExchange, cfg *config.Config) {
	for _, venue := range types.Venues() {
		paper.Deposit(venue, cfg.Symbols.QuoteAsset, 10_000)
	}
	marks := map[string]float64{
		"BTCUSDT": 45_000,
		"ETHUSDT": 2_000,
		"SOLUSDT": 100,
	}
	symbols := cfg.Symbols.Preferred
	if len(symbols) == 0 {
		symbols = []string{"BTCUSDT", "ETHUSDT"}
	}
	for _, sym := range symbols {
		mark, ok := marks[sym]
		if !ok {
			mark = 100
		}
		for _, venue := range types.Venues() {
			paper.SeedSymbol(types.SymbolInfo{
				Symbol:      sym,
				Venue:       venue,
				BaseAsset:   strings.TrimSuffix(sym, cfg.Symbols.QuoteAsset),
				QuoteAsset:  cfg.Symbols.QuoteAsset,
				TickSize:    0.01,
				StepSize:    0.001,
				MinQty:      0.001,
				MinNotional: 5,
				MaxLeverage: 50,
			})
		}
		paper.SetMarkPrice(sym, mark)
	}
}

func buildNotifier(cfg *config.Config) notifications.Notifier {
	if cfg.Telegram.BotToken == "" || cfg.Telegram.ChatID == "" {
		return notifications.Nop{}
	}
	inner := notifications.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
	return notifications.NewThrottler(inner, cfg.RiskConfig().AlertCooldown)
}

func buildRetrainJob(cfg *config.Config, log zerolog.Logger) *retrain.Job {
	if cfg.Retrain.Command == "" {
		return retrain.New(func(context.Context) error { return nil }, log)
	}
	return retrain.NewCommand(log, cfg.Retrain.Command, cfg.Retrain.Args...)
}

// workerFactory builds one grid engine per allocation, with symbol
// metadata resolved from the venue and fills observed through its
// trade stream.
func workerFactory(cfg *config.Config, exch exchange.Exchange, store grid.Persister,
	notifier notifications.Notifier, log zerolog.Logger) supervisor.WorkerFactory {
	return func(alloc types.Allocation) (supervisor.Worker, error) {
		infos, err := exch.ExchangeInfo(context.Background(), alloc.Venue)
		if err != nil {
			return nil, fmt.Errorf("exchange info %s: %w", alloc.Venue, err)
		}
		var info *types.SymbolInfo
		for i := range infos {
			if infos[i].Symbol == alloc.Symbol {
				info = &infos[i]
				break
			}
		}
		if info == nil {
			return nil, fmt.Errorf("symbol %s not listed on %s", alloc.Symbol, alloc.Venue)
		}

		fills := grid.NewFillSource(exch, alloc.Symbol, alloc.Venue)
		eng := grid.NewEngine(cfg.GridConfig(), alloc, *info, exch, fills, store, notifier, log)
		return eng, nil
	}
}

// staticSentiment is the neutral stand-in when the aggregator is off.
type staticSentiment struct{}

func (staticSentiment) Latest(bool) float64 { return 0 }

// cacheObservations adapts the market cache to the risk monitor's
// sampling surface.
type cacheObservations struct {
	cache  *cache.MarketCache
	venues []types.Venue
}

func (o *cacheObservations) Observe(ctx context.Context, symbol string) (risk.Observation, error) {
	for _, venue := range o.venues {
		ticker, err := o.cache.Ticker(ctx, symbol, venue)
		if err != nil {
			continue
		}
		obs := risk.Observation{Price: ticker.LastPrice}
		if pos, err := o.cache.Position(ctx, symbol, venue); err == nil && pos != nil {
			obs.UnrealizedPnL = pos.UnrealizedPnL
			obs.Notional = pos.Size * ticker.LastPrice
		}
		return obs, nil
	}
	return risk.Observation{}, fmt.Errorf("no venue serves %s", symbol)
}

// cacheAccounts adapts cached balances to the risk monitor's account
// surface.
type cacheAccounts struct {
	cache *cache.MarketCache
}

func (a *cacheAccounts) Equity(ctx context.Context) (float64, error) {
	snap, err := a.cache.BalanceSnapshot(ctx)
	if err != nil {
		return 0, err
	}
	return snap.TotalEquity(), nil
}

func (a *cacheAccounts) MarginRatio(ctx context.Context, venue types.Venue) (float64, error) {
	acct, err := a.cache.Account(ctx, venue)
	if err != nil {
		return 0, err
	}
	return acct.MarginRatio(), nil
}
