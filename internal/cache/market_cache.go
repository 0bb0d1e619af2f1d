// Package cache provides the thread-safe TTL store that fronts all
// exchange market-data reads, plus a subscriber fan-out that refreshes
// data for subscribed symbols on a fixed cadence.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/LuizEdCard/gridbot/internal/exchange"
	"github.com/LuizEdCard/gridbot/pkg/types"
)

// TTLs for the four entry classes. Expired entries are removed on access.
type TTLConfig struct {
	Tickers   time.Duration `mapstructure:"tickers"`
	Klines    time.Duration `mapstructure:"klines"`
	Positions time.Duration `mapstructure:"positions"`
	Balances  time.Duration `mapstructure:"balances"`
}

// DefaultTTLConfig returns the standard cache lifetimes.
func DefaultTTLConfig() TTLConfig {
	return TTLConfig{
		Tickers:   30 * time.Second,
		Klines:    60 * time.Second,
		Positions: 10 * time.Second,
		Balances:  30 * time.Second,
	}
}

// Snapshot is the refreshed tuple delivered to subscribers.
type Snapshot struct {
	Symbol   string
	Venue    types.Venue
	Ticker   *types.Ticker
	Klines   []types.OHLCV
	Position *types.Position
}

// Subscriber receives refreshed snapshots. Callbacks must be cheap;
// a panicking callback is isolated from the others.
type Subscriber func(Snapshot)

type entry struct {
	value    interface{}
	storedAt time.Time
	ttl      time.Duration
}

type subscription struct {
	symbol   string
	venue    types.Venue
	interval string
	cb       Subscriber
}

// MarketCache is the shared TTL store. Multiple readers, one background
// refresher; writes are atomic per key.
type MarketCache struct {
	mu      sync.RWMutex
	entries map[string]entry
	subs    []subscription

	ex   exchange.Exchange
	ttls TTLConfig
	log  zerolog.Logger

	refreshInterval time.Duration
	cleanupInterval time.Duration
	fetchWorkers    int
}

// New creates a cache over the exchange adapter.
func New(ex exchange.Exchange, ttls TTLConfig, log zerolog.Logger) *MarketCache {
	return &MarketCache{
		entries:         make(map[string]entry),
		ex:              ex,
		ttls:            ttls,
		log:             log.With().Str("component", "cache").Logger(),
		refreshInterval: 5 * time.Second,
		cleanupInterval: time.Minute,
		fetchWorkers:    4,
	}
}

// Get returns the cached value for key if it has not expired. Expired
// entries are removed on access.
func (c *MarketCache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Since(e.storedAt) > e.ttl {
		c.mu.Lock()
		// re-check under the write lock; another writer may have refreshed it
		if cur, ok := c.entries[key]; ok && time.Since(cur.storedAt) > cur.ttl {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return e.value, true
}

// Set stores value with the given TTL, stamping creation time.
func (c *MarketCache) Set(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = entry{value: value, storedAt: time.Now(), ttl: ttl}
	c.mu.Unlock()
}

// Cleanup removes all expired entries.
func (c *MarketCache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, e := range c.entries {
		if time.Since(e.storedAt) > e.ttl {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of live entries (including not-yet-expired).
func (c *MarketCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func tickerKey(symbol string, venue types.Venue) string {
	return fmt.Sprintf("ticker:%s:%s", venue, symbol)
}

func tickersKey(venue types.Venue) string {
	return fmt.Sprintf("tickers:%s", venue)
}

func accountKey(venue types.Venue) string {
	return fmt.Sprintf("account:%s", venue)
}

func exchangeInfoKey(venue types.Venue) string {
	return fmt.Sprintf("exchinfo:%s", venue)
}

// Symbol metadata changes on listing events, not tick by tick.
const exchangeInfoTTL = time.Hour

func klinesKey(symbol, interval string, venue types.Venue) string {
	return fmt.Sprintf("klines:%s:%s:%s", venue, symbol, interval)
}

func positionKey(symbol string, venue types.Venue) string {
	return fmt.Sprintf("position:%s:%s", venue, symbol)
}

const balancesKey = "balances"

// Ticker returns the cached ticker for symbol, fetching on a miss.
func (c *MarketCache) Ticker(ctx context.Context, symbol string, venue types.Venue) (*types.Ticker, error) {
	if v, ok := c.Get(tickerKey(symbol, venue)); ok {
		t := v.(types.Ticker)
		return &t, nil
	}
	t, err := c.ex.Ticker(ctx, symbol, venue)
	if err != nil {
		return nil, err
	}
	c.Set(tickerKey(symbol, venue), *t, c.ttls.Tickers)
	return t, nil
}

// Tickers returns the cached whole-venue ticker scan, fetching on a miss.
func (c *MarketCache) Tickers(ctx context.Context, venue types.Venue) ([]types.Ticker, error) {
	if v, ok := c.Get(tickersKey(venue)); ok {
		return v.([]types.Ticker), nil
	}
	ts, err := c.ex.Tickers(ctx, venue)
	if err != nil {
		return nil, err
	}
	c.Set(tickersKey(venue), ts, c.ttls.Tickers)
	return ts, nil
}

// Account returns the cached account summary for venue, fetching on a miss.
func (c *MarketCache) Account(ctx context.Context, venue types.Venue) (*exchange.AccountSummary, error) {
	if v, ok := c.Get(accountKey(venue)); ok {
		acct := v.(exchange.AccountSummary)
		return &acct, nil
	}
	acct, err := c.ex.Account(ctx, venue)
	if err != nil {
		return nil, err
	}
	c.Set(accountKey(venue), *acct, c.ttls.Balances)
	return acct, nil
}

// ExchangeInfo returns the cached symbol metadata for venue.
func (c *MarketCache) ExchangeInfo(ctx context.Context, venue types.Venue) ([]types.SymbolInfo, error) {
	if v, ok := c.Get(exchangeInfoKey(venue)); ok {
		return v.([]types.SymbolInfo), nil
	}
	infos, err := c.ex.ExchangeInfo(ctx, venue)
	if err != nil {
		return nil, err
	}
	c.Set(exchangeInfoKey(venue), infos, exchangeInfoTTL)
	return infos, nil
}

// Klines returns cached candles for (symbol, interval), fetching on a miss.
func (c *MarketCache) Klines(ctx context.Context, symbol, interval string, limit int, venue types.Venue) ([]types.OHLCV, error) {
	if v, ok := c.Get(klinesKey(symbol, interval, venue)); ok {
		frame := v.([]types.OHLCV)
		if len(frame) >= limit {
			return frame, nil
		}
	}
	frame, err := c.ex.Klines(ctx, symbol, interval, limit, venue)
	if err != nil {
		return nil, err
	}
	c.Set(klinesKey(symbol, interval, venue), frame, c.ttls.Klines)
	return frame, nil
}

// Position returns the cached open position for symbol, or nil when flat.
func (c *MarketCache) Position(ctx context.Context, symbol string, venue types.Venue) (*types.Position, error) {
	if v, ok := c.Get(positionKey(symbol, venue)); ok {
		if p, ok := v.(types.Position); ok {
			return &p, nil
		}
		return nil, nil // cached flat marker
	}
	positions, err := c.ex.Positions(ctx, symbol, venue)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		c.Set(positionKey(symbol, venue), nil, c.ttls.Positions)
		return nil, nil
	}
	c.Set(positionKey(symbol, venue), positions[0], c.ttls.Positions)
	p := positions[0]
	return &p, nil
}

// BalanceSnapshot returns the cached multi-venue balance snapshot,
// fetching both venues on a miss.
func (c *MarketCache) BalanceSnapshot(ctx context.Context) (types.BalanceSnapshot, error) {
	if v, ok := c.Get(balancesKey); ok {
		return v.(types.BalanceSnapshot), nil
	}
	snap := types.BalanceSnapshot{
		ByVenue:   make(map[types.Venue]types.VenueBalance),
		Timestamp: time.Now(),
	}
	for _, venue := range types.Venues() {
		acct, err := c.Account(ctx, venue)
		if err != nil {
			return types.BalanceSnapshot{}, fmt.Errorf("account %s: %w", venue, err)
		}
		snap.ByVenue[venue] = types.VenueBalance{
			Free:          acct.AvailableMargin,
			Locked:        acct.Equity - acct.AvailableMargin - acct.UnrealizedPnL,
			Equity:        acct.Equity,
			UnrealizedPnL: acct.UnrealizedPnL,
		}
	}
	c.Set(balancesKey, snap, c.ttls.Balances)
	return snap, nil
}

// Subscribe registers an observer for one symbol. The background
// refresher fetches data for all subscribed symbols and invokes the
// callback with each successful refresh.
func (c *MarketCache) Subscribe(symbol string, venue types.Venue, interval string, cb Subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, subscription{symbol: symbol, venue: venue, interval: interval, cb: cb})
}

// Unsubscribe removes all observers for symbol.
func (c *MarketCache) Unsubscribe(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.subs[:0]
	for _, s := range c.subs {
		if s.symbol != symbol {
			kept = append(kept, s)
		}
	}
	c.subs = kept
}

// Run drives the background refresher and periodic cleanup until ctx
// is cancelled.
func (c *MarketCache) Run(ctx context.Context) {
	refresh := time.NewTicker(c.refreshInterval)
	cleanup := time.NewTicker(c.cleanupInterval)
	defer refresh.Stop()
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("cache refresher stopped")
			return
		case <-refresh.C:
			c.refreshSubscribed(ctx)
		case <-cleanup.C:
			if n := c.Cleanup(); n > 0 {
				c.log.Debug().Int("removed", n).Msg("cache cleanup")
			}
		}
	}
}

// refreshSubscribed refreshes data for every subscribed symbol using a
// bounded worker pool, then fans out snapshots.
func (c *MarketCache) refreshSubscribed(ctx context.Context) {
	c.mu.RLock()
	subs := make([]subscription, len(c.subs))
	copy(subs, c.subs)
	c.mu.RUnlock()

	if len(subs) == 0 {
		return
	}

	sem := make(chan struct{}, c.fetchWorkers)
	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		sem <- struct{}{}
		go func(sub subscription) {
			defer wg.Done()
			defer func() { <-sem }()
			c.refreshOne(ctx, sub)
		}(sub)
	}
	wg.Wait()
}

func (c *MarketCache) refreshOne(ctx context.Context, sub subscription) {
	snap := Snapshot{Symbol: sub.symbol, Venue: sub.venue}

	ticker, err := c.ex.Ticker(ctx, sub.symbol, sub.venue)
	if err != nil {
		// a failed refresh leaves the previous value in place
		c.log.Warn().Err(err).Str("symbol", sub.symbol).Msg("ticker refresh failed")
		return
	}
	c.Set(tickerKey(sub.symbol, sub.venue), *ticker, c.ttls.Tickers)
	snap.Ticker = ticker

	if frame, err := c.ex.Klines(ctx, sub.symbol, sub.interval, 100, sub.venue); err == nil {
		c.Set(klinesKey(sub.symbol, sub.interval, sub.venue), frame, c.ttls.Klines)
		snap.Klines = frame
	} else {
		c.log.Warn().Err(err).Str("symbol", sub.symbol).Msg("klines refresh failed")
	}

	if positions, err := c.ex.Positions(ctx, sub.symbol, sub.venue); err == nil {
		if len(positions) > 0 {
			c.Set(positionKey(sub.symbol, sub.venue), positions[0], c.ttls.Positions)
			p := positions[0]
			snap.Position = &p
		} else {
			c.Set(positionKey(sub.symbol, sub.venue), nil, c.ttls.Positions)
		}
	}

	c.deliver(sub, snap)
}

// deliver invokes the callback, isolating panics so one failing
// subscriber cannot stall the rest.
func (c *MarketCache) deliver(sub subscription, snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().
				Str("symbol", sub.symbol).
				Interface("panic", r).
				Msg("subscriber callback panicked")
		}
	}()
	sub.cb(snap)
}
