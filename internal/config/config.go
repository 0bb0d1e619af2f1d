// Package config loads the effective runtime configuration: a YAML or
// JSON file read through viper, overridable via GRIDBOT_-prefixed
// environment variables, with API secrets pulled from the environment
// (optionally seeded by a .env file). A configuration error refuses
// startup.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/LuizEdCard/gridbot/internal/cache"
	"github.com/LuizEdCard/gridbot/internal/capital"
	"github.com/LuizEdCard/gridbot/internal/coordinator"
	"github.com/LuizEdCard/gridbot/internal/grid"
	"github.com/LuizEdCard/gridbot/internal/risk"
	"github.com/LuizEdCard/gridbot/internal/selector"
	"github.com/LuizEdCard/gridbot/internal/sentiment"
	"github.com/LuizEdCard/gridbot/internal/supervisor"
	"github.com/LuizEdCard/gridbot/pkg/types"
)

// Operation modes. Shadow maps every exchange call onto the in-memory
// paper venue and must never move real funds.
const (
	ModeShadow     = "shadow"
	ModeProduction = "production"
)

// Config is the effective configuration object consumed by main.
type Config struct {
	OperationMode        string           `mapstructure:"operation_mode"`
	LogLevel             string           `mapstructure:"log_level"`
	MaxConcurrentPairs   int              `mapstructure:"max_concurrent_pairs"`
	MinCapitalPerPairUSD float64          `mapstructure:"min_capital_per_pair_usd"`
	SafetyBufferFraction float64          `mapstructure:"safety_buffer_fraction"`
	MarketAllocation     MarketAllocation `mapstructure:"market_allocation"`
	Symbols              Symbols          `mapstructure:"symbols"`
	Grid                 Grid             `mapstructure:"grid"`
	Risk                 Risk             `mapstructure:"risk"`
	Sentiment            Sentiment        `mapstructure:"sentiment"`
	Retrain              Retrain          `mapstructure:"retrain"`
	Cycles               Cycles           `mapstructure:"cycles"`
	Monitoring           Monitoring       `mapstructure:"monitoring"`
	Exchange             Exchange         `mapstructure:"-"`
	Telegram             Telegram         `mapstructure:"-"`
}

// MarketAllocation splits total capital between the two venues.
// Percentages must sum to 100.
type MarketAllocation struct {
	SpotPercentage        float64 `mapstructure:"spot_percentage"`
	DerivativesPercentage float64 `mapstructure:"derivatives_percentage"`
}

// Symbols controls the candidate universe and selection filters.
type Symbols struct {
	Preferred      []string `mapstructure:"preferred"`
	QuoteAsset     string   `mapstructure:"quote_asset"`
	MinQuoteVolume float64  `mapstructure:"min_quote_volume"`
	MinPrice       float64  `mapstructure:"min_price"`
	MaxSpread      float64  `mapstructure:"max_spread"`
}

// Grid holds the per-worker ladder defaults.
type Grid struct {
	InitialLevels          int     `mapstructure:"initial_levels"`
	MinLevels              int     `mapstructure:"min_levels"`
	MaxLevels              int     `mapstructure:"max_levels"`
	InitialSpacingFraction float64 `mapstructure:"initial_spacing_fraction"`
	UseDynamicSpacing      bool    `mapstructure:"use_dynamic_spacing"`
	ATRPeriod              int     `mapstructure:"atr_period"`
	ATRMultiplier          float64 `mapstructure:"atr_multiplier"`
	TPFraction             float64 `mapstructure:"tp_fraction"`
	SLFraction             float64 `mapstructure:"sl_fraction"`
	RecenterLevels         float64 `mapstructure:"recenter_levels"`
	Leverage               float64 `mapstructure:"leverage"`
}

// Risk holds portfolio risk thresholds.
type Risk struct {
	MaxPortfolioVaR        float64 `mapstructure:"max_portfolio_var"`
	MaxSingleAssetWeight   float64 `mapstructure:"max_single_asset_weight"`
	MaxCorrelationExposure float64 `mapstructure:"max_correlation_exposure"`
	MinMarginRatio         float64 `mapstructure:"min_margin_ratio"`
	AlertCooldownMinutes   int     `mapstructure:"alert_cooldown_minutes"`
}

// Sentiment controls the aggregator. NewsAPIKey comes from the
// environment (GRIDBOT_NEWS_API_KEY), never the file.
type Sentiment struct {
	Enabled              bool               `mapstructure:"enabled"`
	FetchIntervalMinutes int                `mapstructure:"fetch_interval_minutes"`
	SmoothingWindow      int                `mapstructure:"smoothing_window"`
	SourceWeights        map[string]float64 `mapstructure:"source_weights"`
	AlertPositive        float64            `mapstructure:"alert_positive"`
	AlertNegative        float64            `mapstructure:"alert_negative"`
	ForumSubreddit       string             `mapstructure:"forum_subreddit"`
	NewsAPIKey           string             `mapstructure:"-"`
}

// Retrain controls the supervisor's retrain trigger.
type Retrain struct {
	TradeThreshold int64    `mapstructure:"trade_threshold"`
	Command        string   `mapstructure:"command"`
	Args           []string `mapstructure:"args"`
}

// Cycles sets the cadence of every periodic task.
type Cycles struct {
	WorkerInterval      time.Duration `mapstructure:"worker_interval"`
	CoordinatorInterval time.Duration `mapstructure:"coordinator_interval"`
	RiskInterval        time.Duration `mapstructure:"risk_interval"`
	ReselectCron        string        `mapstructure:"reselect_cron"`
	CacheTTLs           CacheTTLs     `mapstructure:"cache_ttls"`
}

// CacheTTLs sets the market-data cache lifetimes.
type CacheTTLs struct {
	Tickers   time.Duration `mapstructure:"tickers"`
	Klines    time.Duration `mapstructure:"klines"`
	Positions time.Duration `mapstructure:"positions"`
	Balances  time.Duration `mapstructure:"balances"`
}

// Monitoring sets the HTTP metrics surface.
type Monitoring struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Exchange credentials come from the environment only, never the file.
type Exchange struct {
	APIKey    string
	APISecret string
	Testnet   bool
}

// Telegram credentials come from the environment only.
type Telegram struct {
	BotToken string
	ChatID   string
}

// Load reads the configuration. path may be empty, in which case
// config.{yaml,json} is searched in . and ./configs; a missing file
// then just yields defaults. A .env file in the working directory
// seeds the environment when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // optional

	v := viper.New()
	v.SetEnvPrefix("GRIDBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Exchange = Exchange{
		APIKey:    v.GetString("bybit_api_key"),
		APISecret: v.GetString("bybit_api_secret"),
		Testnet:   v.GetBool("bybit_testnet"),
	}
	cfg.Telegram = Telegram{
		BotToken: v.GetString("telegram_bot_token"),
		ChatID:   v.GetString("telegram_chat_id"),
	}
	cfg.Sentiment.NewsAPIKey = v.GetString("news_api_key")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("operation_mode", ModeShadow)
	v.SetDefault("log_level", "info")
	v.SetDefault("max_concurrent_pairs", 5)
	v.SetDefault("min_capital_per_pair_usd", 5.0)
	v.SetDefault("safety_buffer_fraction", 0.1)
	v.SetDefault("market_allocation.spot_percentage", 50.0)
	v.SetDefault("market_allocation.derivatives_percentage", 50.0)

	v.SetDefault("symbols.quote_asset", "USDT")
	v.SetDefault("symbols.min_quote_volume", 1_000_000.0)
	v.SetDefault("symbols.min_price", 0.001)
	v.SetDefault("symbols.max_spread", 0.005)

	v.SetDefault("grid.initial_levels", 6)
	v.SetDefault("grid.min_levels", 4)
	v.SetDefault("grid.max_levels", 20)
	v.SetDefault("grid.initial_spacing_fraction", 0.005)
	v.SetDefault("grid.use_dynamic_spacing", false)
	v.SetDefault("grid.atr_period", 14)
	v.SetDefault("grid.atr_multiplier", 1.5)
	v.SetDefault("grid.tp_fraction", 0.01)
	v.SetDefault("grid.sl_fraction", 0.05)
	v.SetDefault("grid.recenter_levels", 2.0)
	v.SetDefault("grid.leverage", 10.0)

	v.SetDefault("risk.max_portfolio_var", 0.1)
	v.SetDefault("risk.max_single_asset_weight", 0.5)
	v.SetDefault("risk.max_correlation_exposure", 0.85)
	v.SetDefault("risk.min_margin_ratio", 0.15)
	v.SetDefault("risk.alert_cooldown_minutes", 15)

	v.SetDefault("sentiment.enabled", false)
	v.SetDefault("sentiment.fetch_interval_minutes", 10)
	v.SetDefault("sentiment.smoothing_window", 6)
	v.SetDefault("sentiment.alert_positive", 0.6)
	v.SetDefault("sentiment.alert_negative", -0.6)
	v.SetDefault("sentiment.forum_subreddit", "CryptoCurrency")

	v.SetDefault("retrain.trade_threshold", 100)

	v.SetDefault("cycles.worker_interval", "5s")
	v.SetDefault("cycles.coordinator_interval", "30s")
	v.SetDefault("cycles.risk_interval", "30s")
	v.SetDefault("cycles.reselect_cron", "*/15 * * * *")
	v.SetDefault("cycles.cache_ttls.tickers", "30s")
	v.SetDefault("cycles.cache_ttls.klines", "60s")
	v.SetDefault("cycles.cache_ttls.positions", "10s")
	v.SetDefault("cycles.cache_ttls.balances", "30s")

	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.addr", ":9090")
}

// Validate rejects configurations the bot must not start with.
func (c *Config) Validate() error {
	if c.OperationMode != ModeShadow && c.OperationMode != ModeProduction {
		return fmt.Errorf("operation_mode must be %q or %q, got %q", ModeShadow, ModeProduction, c.OperationMode)
	}
	if c.OperationMode == ModeProduction {
		if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
			return fmt.Errorf("production mode requires GRIDBOT_BYBIT_API_KEY and GRIDBOT_BYBIT_API_SECRET")
		}
	}
	if c.MaxConcurrentPairs < 1 {
		return fmt.Errorf("max_concurrent_pairs must be at least 1, got %d", c.MaxConcurrentPairs)
	}
	if c.MinCapitalPerPairUSD <= 0 {
		return fmt.Errorf("min_capital_per_pair_usd must be positive, got %g", c.MinCapitalPerPairUSD)
	}
	if c.SafetyBufferFraction < 0 || c.SafetyBufferFraction >= 1 {
		return fmt.Errorf("safety_buffer_fraction must be in [0,1), got %g", c.SafetyBufferFraction)
	}
	sum := c.MarketAllocation.SpotPercentage + c.MarketAllocation.DerivativesPercentage
	if sum < 99.999 || sum > 100.001 {
		return fmt.Errorf("market_allocation percentages must sum to 100, got %g", sum)
	}
	if c.Grid.MinLevels < 2 {
		return fmt.Errorf("grid.min_levels must be at least 2, got %d", c.Grid.MinLevels)
	}
	if c.Grid.MaxLevels < c.Grid.MinLevels {
		return fmt.Errorf("grid.max_levels %d below grid.min_levels %d", c.Grid.MaxLevels, c.Grid.MinLevels)
	}
	if c.Grid.InitialLevels < c.Grid.MinLevels || c.Grid.InitialLevels > c.Grid.MaxLevels {
		return fmt.Errorf("grid.initial_levels %d outside [%d,%d]", c.Grid.InitialLevels, c.Grid.MinLevels, c.Grid.MaxLevels)
	}
	if c.Grid.InitialSpacingFraction <= 0 {
		return fmt.Errorf("grid.initial_spacing_fraction must be positive, got %g", c.Grid.InitialSpacingFraction)
	}
	if c.Grid.Leverage < 1 {
		return fmt.Errorf("grid.leverage must be at least 1, got %g", c.Grid.Leverage)
	}
	if c.Retrain.TradeThreshold <= 0 {
		return fmt.Errorf("retrain.trade_threshold must be positive, got %d", c.Retrain.TradeThreshold)
	}
	for _, iv := range []struct {
		name string
		d    time.Duration
	}{
		{"cycles.worker_interval", c.Cycles.WorkerInterval},
		{"cycles.coordinator_interval", c.Cycles.CoordinatorInterval},
		{"cycles.risk_interval", c.Cycles.RiskInterval},
	} {
		if iv.d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", iv.name, iv.d)
		}
	}
	return nil
}

// CapitalConfig maps the surface onto the capital manager.
func (c *Config) CapitalConfig() capital.Config {
	out := capital.DefaultConfig()
	out.MaxConcurrentPairs = c.MaxConcurrentPairs
	out.MinCapitalPerPairUSD = c.MinCapitalPerPairUSD
	out.SafetyBufferFraction = c.SafetyBufferFraction
	out.MaxSingleAssetWeight = c.Risk.MaxSingleAssetWeight
	out.SpotPercentage = c.MarketAllocation.SpotPercentage
	out.DerivativesPercentage = c.MarketAllocation.DerivativesPercentage
	out.DefaultLeverage = c.Grid.Leverage
	out.QuoteAsset = c.Symbols.QuoteAsset
	out.Grid = capital.GridDefaults{
		InitialLevels:          c.Grid.InitialLevels,
		MinLevels:              c.Grid.MinLevels,
		MaxLevels:              c.Grid.MaxLevels,
		InitialSpacingFraction: c.Grid.InitialSpacingFraction,
	}
	return out
}

// SelectorConfig maps the surface onto the pair selector.
func (c *Config) SelectorConfig() selector.Config {
	out := selector.DefaultConfig()
	out.Preferred = c.Symbols.Preferred
	out.QuoteAsset = c.Symbols.QuoteAsset
	out.MinQuoteVolume = c.Symbols.MinQuoteVolume
	out.MinPrice = c.Symbols.MinPrice
	out.MaxSpread = c.Symbols.MaxSpread
	out.MaxConcurrentPairs = c.MaxConcurrentPairs
	return out
}

// RiskConfig maps the surface onto the risk monitor.
func (c *Config) RiskConfig() risk.Config {
	out := risk.DefaultConfig()
	out.Interval = c.Cycles.RiskInterval
	out.MaxPortfolioVaR = c.Risk.MaxPortfolioVaR
	out.MaxSingleWeight = c.Risk.MaxSingleAssetWeight
	out.MaxCorrelation = c.Risk.MaxCorrelationExposure
	out.MinMarginRatio = c.Risk.MinMarginRatio
	out.AlertCooldown = time.Duration(c.Risk.AlertCooldownMinutes) * time.Minute
	return out
}

// SentimentConfig maps the surface onto the aggregator.
func (c *Config) SentimentConfig() sentiment.Config {
	out := sentiment.DefaultConfig()
	out.FetchInterval = time.Duration(c.Sentiment.FetchIntervalMinutes) * time.Minute
	out.SmoothingWindow = c.Sentiment.SmoothingWindow
	out.SourceWeights = c.Sentiment.SourceWeights
	out.AlertPositive = c.Sentiment.AlertPositive
	out.AlertNegative = c.Sentiment.AlertNegative
	return out
}

// GridConfig maps the surface onto a worker engine.
func (c *Config) GridConfig() grid.Config {
	out := grid.DefaultConfig()
	out.Interval = c.Cycles.WorkerInterval
	out.RecenterLevels = c.Grid.RecenterLevels
	out.TPFraction = c.Grid.TPFraction
	out.SLFraction = c.Grid.SLFraction
	out.UseDynamicSpacing = c.Grid.UseDynamicSpacing
	out.ATRPeriod = c.Grid.ATRPeriod
	out.ATRMultiplier = c.Grid.ATRMultiplier
	out.MinLevels = c.Grid.MinLevels
	out.MaxLevels = c.Grid.MaxLevels
	return out
}

// CoordinatorConfig maps the surface onto the coordinator.
func (c *Config) CoordinatorConfig() coordinator.Config {
	out := coordinator.DefaultConfig()
	out.Interval = c.Cycles.CoordinatorInterval
	out.ReselectCron = c.Cycles.ReselectCron
	out.MinGridLevels = c.Grid.MinLevels
	return out
}

// SupervisorConfig maps the surface onto the supervisor.
func (c *Config) SupervisorConfig() supervisor.Config {
	out := supervisor.DefaultConfig()
	out.MaxConcurrentPairs = c.MaxConcurrentPairs
	out.RetrainThreshold = c.Retrain.TradeThreshold
	return out
}

// CacheTTLConfig maps the surface onto the market-data cache.
func (c *Config) CacheTTLConfig() cache.TTLConfig {
	out := cache.DefaultTTLConfig()
	if c.Cycles.CacheTTLs.Tickers > 0 {
		out.Tickers = c.Cycles.CacheTTLs.Tickers
	}
	if c.Cycles.CacheTTLs.Klines > 0 {
		out.Klines = c.Cycles.CacheTTLs.Klines
	}
	if c.Cycles.CacheTTLs.Positions > 0 {
		out.Positions = c.Cycles.CacheTTLs.Positions
	}
	if c.Cycles.CacheTTLs.Balances > 0 {
		out.Balances = c.Cycles.CacheTTLs.Balances
	}
	return out
}

// Venues returns the venues the allocation percentages enable.
func (c *Config) Venues() []types.Venue {
	var venues []types.Venue
	if c.MarketAllocation.SpotPercentage > 0 {
		venues = append(venues, types.VenueSpot)
	}
	if c.MarketAllocation.DerivativesPercentage > 0 {
		venues = append(venues, types.VenueDerivatives)
	}
	return venues
}
