// Package config loads instance configurations from YAML and the environment.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/youtix/gekko2-sub000/internal/domain"
)

const (
	PlatformSimulated   = "simulated"
	PlatformBinance     = "binance"
	PlatformBybit       = "bybit"
	PlatformHyperliquid = "hyperliquid"

	ModeBacktest = "backtest"
	ModeLive     = "live"
)

const (
	defaultMaxAttempts     = 3
	defaultInitialInterval = time.Second
	defaultWALDir          = "./wal/snapshots"
	defaultStateDir        = "./wal/simulate"
	defaultMakerFee        = "0.001"
	defaultTakerFee        = "0.001"
)

// Config one trading instance.
type Config struct {
	// Name labels logs and metrics. Defaults to platform_pair.
	Name         string
	Platform     string
	Pair         domain.Pair
	Mode         string
	Debug        bool
	Backtest     Backtest
	Portfolio    domain.Portfolio
	Market       domain.MarketLimits
	Retry        Retry
	RateLimit    RateLimit
	WALDir       string
	StateDir     string
	WebAddr      string
	PollInterval time.Duration
	Testnet      bool
	Credentials  Credentials
}

// Backtest replay settings.
type Backtest struct {
	Start time.Time
	// End exclusive, zero means up to the last closed candle.
	End time.Time
	// Candles csv file or directory. Empty means paging the platform history.
	Candles  string
	PageSize int
	// Resume restores the saved simulated state and continues after its clock.
	Resume bool
}

// Retry resilient wrapper policy.
type Retry struct {
	MaxAttempts     int
	InitialInterval time.Duration
}

// RateLimit request budget. Zero PerSecond disables limiting.
type RateLimit struct {
	PerSecond float64
	Burst     int
}

// Credentials exchange secrets, read from the environment only.
type Credentials struct {
	APIKey     string
	APISecret  string
	PrivateKey string
	BaseURL    string
}

// ConfigTmp raw yaml shape. Money values are strings so they parse exactly.
type ConfigTmp struct {
	Name         string        `yaml:"name"`
	Platform     string        `yaml:"platform"`
	Pair         string        `yaml:"pair"`
	Mode         string        `yaml:"mode"`
	Debug        bool          `yaml:"debug"`
	Backtest     BacktestTmp   `yaml:"backtest"`
	Portfolio    PortfolioTmp  `yaml:"portfolio"`
	Market       MarketTmp     `yaml:"market"`
	Retry        RetryTmp      `yaml:"retry"`
	RateLimit    RateLimitTmp  `yaml:"rate_limit"`
	WALDir       string        `yaml:"wal_dir"`
	StateDir     string        `yaml:"state_dir"`
	WebAddr      string        `yaml:"web_addr"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Testnet      bool          `yaml:"testnet"`
}

type BacktestTmp struct {
	Start    string `yaml:"start"`
	End      string `yaml:"end"`
	Candles  string `yaml:"candles"`
	PageSize int    `yaml:"page_size"`
	Resume   bool   `yaml:"resume"`
}

type PortfolioTmp struct {
	Asset    string `yaml:"asset"`
	Currency string `yaml:"currency"`
}

type MarketTmp struct {
	PriceMin        string `yaml:"price_min"`
	PriceMax        string `yaml:"price_max"`
	AmountMin       string `yaml:"amount_min"`
	AmountMax       string `yaml:"amount_max"`
	CostMin         string `yaml:"cost_min"`
	CostMax         string `yaml:"cost_max"`
	PricePrecision  int32  `yaml:"price_precision"`
	AmountPrecision int32  `yaml:"amount_precision"`
	MakerFee        string `yaml:"maker_fee"`
	TakerFee        string `yaml:"taker_fee"`
}

type RetryTmp struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
}

type RateLimitTmp struct {
	PerSecond string `yaml:"per_second"`
	Burst     int    `yaml:"burst"`
}

// Get reads --config and loads it.
func Get() ([]Config, error) {
	path := flag.String("config", "", "path to yaml config")
	flag.Parse()
	if *path == "" {
		return nil, fmt.Errorf("--config is required")
	}
	return Load(*path)
}

// Load reads the yaml file at path. Credentials come from the process environment.
func Load(path string) ([]Config, error) {
	f, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(f, os.Getenv)
}

// Parse decodes a yaml list of instances and validates each of them.
func Parse(data []byte, getenv func(string) string) ([]Config, error) {
	var configsTmp []ConfigTmp
	if err := yaml.Unmarshal(data, &configsTmp); err != nil {
		return nil, err
	}
	if len(configsTmp) == 0 {
		return nil, fmt.Errorf("config defines no instances")
	}

	configs := make([]Config, 0, len(configsTmp))
	names := make(map[string]bool, len(configsTmp))
	webAddrs := make(map[string]bool, len(configsTmp))
	for i, c := range configsTmp {
		conf, err := c.parse(getenv)
		if err != nil {
			return nil, fmt.Errorf("instance %d: %w", i, err)
		}
		if names[conf.Name] {
			return nil, fmt.Errorf("instance %d: duplicate name %q", i, conf.Name)
		}
		names[conf.Name] = true
		if conf.WebAddr != "" {
			if webAddrs[conf.WebAddr] {
				return nil, fmt.Errorf("instance %d: web_addr %s is already used", i, conf.WebAddr)
			}
			webAddrs[conf.WebAddr] = true
		}
		configs = append(configs, conf)
	}
	return configs, nil
}

func (c ConfigTmp) parse(getenv func(string) string) (Config, error) {
	pair, err := domain.ParsePair(c.Pair)
	if err != nil {
		return Config{}, fmt.Errorf("incorrect 'pair' param in yaml config: %w", err)
	}

	conf := Config{
		Name:         c.Name,
		Platform:     strings.ToLower(strings.TrimSpace(c.Platform)),
		Pair:         pair,
		Mode:         strings.ToLower(strings.TrimSpace(c.Mode)),
		Debug:        c.Debug,
		WALDir:       c.WALDir,
		StateDir:     c.StateDir,
		WebAddr:      c.WebAddr,
		PollInterval: c.PollInterval,
		Testnet:      c.Testnet,
		Retry: Retry{
			MaxAttempts:     c.Retry.MaxAttempts,
			InitialInterval: c.Retry.InitialInterval,
		},
	}
	if conf.Mode == "" {
		conf.Mode = ModeBacktest
	}
	if conf.Name == "" {
		conf.Name = conf.Platform + "_" + strings.ToLower(pair.String())
	}
	if conf.WALDir == "" {
		conf.WALDir = defaultWALDir
	}
	if conf.StateDir == "" {
		conf.StateDir = defaultStateDir
	}
	if conf.Retry.MaxAttempts <= 0 {
		conf.Retry.MaxAttempts = defaultMaxAttempts
	}
	if conf.Retry.InitialInterval <= 0 {
		conf.Retry.InitialInterval = defaultInitialInterval
	}

	if err := conf.parseModeAndPlatform(); err != nil {
		return Config{}, err
	}
	if conf.Backtest, err = c.Backtest.parse(conf.Mode); err != nil {
		return Config{}, err
	}
	if conf.Mode == ModeBacktest && conf.Platform == PlatformSimulated && conf.Backtest.Candles == "" {
		return Config{}, fmt.Errorf("incorrect 'backtest.candles' param in yaml config: required for the simulated platform")
	}
	if conf.Portfolio, err = c.Portfolio.parse(); err != nil {
		return Config{}, err
	}
	if conf.Market, err = c.Market.parse(); err != nil {
		return Config{}, err
	}
	if conf.RateLimit, err = c.RateLimit.parse(); err != nil {
		return Config{}, err
	}

	conf.Credentials = credentials(conf.Platform, getenv)
	if conf.Mode == ModeLive {
		if err := conf.Credentials.validate(conf.Platform); err != nil {
			return Config{}, err
		}
	}
	return conf, nil
}

func (c *Config) parseModeAndPlatform() error {
	switch c.Mode {
	case ModeBacktest, ModeLive:
	default:
		return fmt.Errorf("incorrect 'mode' param in yaml config: %q, expected backtest or live", c.Mode)
	}

	switch c.Platform {
	case PlatformSimulated:
		if c.Mode == ModeLive {
			return fmt.Errorf("incorrect 'platform' param in yaml config: simulated platform only runs backtests")
		}
	case PlatformBinance, PlatformBybit, PlatformHyperliquid:
	default:
		return fmt.Errorf("incorrect 'platform' param in yaml config: %q", c.Platform)
	}
	return nil
}

func (b BacktestTmp) parse(mode string) (Backtest, error) {
	out := Backtest{Candles: b.Candles, PageSize: b.PageSize, Resume: b.Resume}
	if mode != ModeBacktest {
		return out, nil
	}

	if b.Start == "" {
		return Backtest{}, fmt.Errorf("incorrect 'backtest.start' param in yaml config: required in backtest mode")
	}
	start, err := time.Parse(time.RFC3339, b.Start)
	if err != nil {
		return Backtest{}, fmt.Errorf("incorrect 'backtest.start' param in yaml config (RFC3339 expected), error: %w", err)
	}
	out.Start = start.UTC()

	if b.End != "" {
		end, err := time.Parse(time.RFC3339, b.End)
		if err != nil {
			return Backtest{}, fmt.Errorf("incorrect 'backtest.end' param in yaml config (RFC3339 expected), error: %w", err)
		}
		if !end.After(start) {
			return Backtest{}, fmt.Errorf("incorrect 'backtest.end' param in yaml config: must be after start")
		}
		out.End = end.UTC()
	}
	return out, nil
}

func (p PortfolioTmp) parse() (domain.Portfolio, error) {
	asset, err := parseDecimal("portfolio.asset", p.Asset, decimal.Zero)
	if err != nil {
		return domain.Portfolio{}, err
	}
	currency, err := parseDecimal("portfolio.currency", p.Currency, decimal.Zero)
	if err != nil {
		return domain.Portfolio{}, err
	}
	if asset.IsNegative() || currency.IsNegative() {
		return domain.Portfolio{}, fmt.Errorf("incorrect 'portfolio' param in yaml config: balances cannot be negative")
	}
	return domain.Portfolio{
		Asset:    domain.NewBalanceDetail(asset),
		Currency: domain.NewBalanceDetail(currency),
	}, nil
}

func (m MarketTmp) parse() (domain.MarketLimits, error) {
	var (
		ml  domain.MarketLimits
		err error
	)
	bounds := []struct {
		field string
		raw   string
		dst   *decimal.NullDecimal
	}{
		{"market.price_min", m.PriceMin, &ml.Price.Min},
		{"market.price_max", m.PriceMax, &ml.Price.Max},
		{"market.amount_min", m.AmountMin, &ml.Amount.Min},
		{"market.amount_max", m.AmountMax, &ml.Amount.Max},
		{"market.cost_min", m.CostMin, &ml.Cost.Min},
		{"market.cost_max", m.CostMax, &ml.Cost.Max},
	}
	for _, b := range bounds {
		if *b.dst, err = parseBound(b.field, b.raw); err != nil {
			return domain.MarketLimits{}, err
		}
	}
	ranges := []struct {
		field string
		r     domain.Range
	}{
		{"market.price", ml.Price},
		{"market.amount", ml.Amount},
		{"market.cost", ml.Cost},
	}
	for _, r := range ranges {
		if r.r.Min.Valid && r.r.Max.Valid && r.r.Min.Decimal.GreaterThan(r.r.Max.Decimal) {
			return domain.MarketLimits{}, fmt.Errorf("incorrect '%s' params in yaml config: min above max", r.field)
		}
	}

	ml.Precision = domain.Precision{Price: m.PricePrecision, Amount: m.AmountPrecision}
	if ml.Fee.Maker, err = parseDecimal("market.maker_fee", m.MakerFee, decimal.RequireFromString(defaultMakerFee)); err != nil {
		return domain.MarketLimits{}, err
	}
	if ml.Fee.Taker, err = parseDecimal("market.taker_fee", m.TakerFee, decimal.RequireFromString(defaultTakerFee)); err != nil {
		return domain.MarketLimits{}, err
	}
	if ml.Fee.Maker.IsNegative() || ml.Fee.Taker.IsNegative() || ml.Fee.Taker.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return domain.MarketLimits{}, fmt.Errorf("incorrect 'market' fees in yaml config: expected fractions in [0, 1)")
	}
	return ml, nil
}

func (r RateLimitTmp) parse() (RateLimit, error) {
	perSecond, err := parseDecimal("rate_limit.per_second", r.PerSecond, decimal.Zero)
	if err != nil {
		return RateLimit{}, err
	}
	if perSecond.IsNegative() || r.Burst < 0 {
		return RateLimit{}, fmt.Errorf("incorrect 'rate_limit' param in yaml config: cannot be negative")
	}
	burst := r.Burst
	if perSecond.IsPositive() && burst == 0 {
		burst = 1
	}
	return RateLimit{PerSecond: perSecond.InexactFloat64(), Burst: burst}, nil
}

func credentials(platform string, getenv func(string) string) Credentials {
	switch platform {
	case PlatformBinance:
		return Credentials{APIKey: getenv("BINANCE_API_KEY"), APISecret: getenv("BINANCE_API_SECRET")}
	case PlatformBybit:
		return Credentials{APIKey: getenv("BYBIT_API_KEY"), APISecret: getenv("BYBIT_API_SECRET"), BaseURL: getenv("BYBIT_BASE_URL")}
	case PlatformHyperliquid:
		return Credentials{PrivateKey: getenv("HYPERLIQUID_PRIVATE_KEY"), BaseURL: getenv("HYPERLIQUID_BASE_URL")}
	default:
		return Credentials{}
	}
}

func (c Credentials) validate(platform string) error {
	switch platform {
	case PlatformBinance:
		if c.APIKey == "" || c.APISecret == "" {
			return fmt.Errorf("BINANCE_API_KEY and BINANCE_API_SECRET environment variables must be set")
		}
	case PlatformBybit:
		if c.APIKey == "" || c.APISecret == "" {
			return fmt.Errorf("BYBIT_API_KEY and BYBIT_API_SECRET environment variables must be set")
		}
	case PlatformHyperliquid:
		if c.PrivateKey == "" {
			return fmt.Errorf("HYPERLIQUID_PRIVATE_KEY environment variable must be set")
		}
	}
	return nil
}

func parseDecimal(field, raw string, def decimal.Decimal) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("incorrect '%s' param in yaml config (must be a decimal), error: %w", field, err)
	}
	return d, nil
}

func parseBound(field, raw string) (decimal.NullDecimal, error) {
	if strings.TrimSpace(raw) == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := parseDecimal(field, raw, decimal.Zero)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	if d.IsNegative() {
		return decimal.NullDecimal{}, fmt.Errorf("incorrect '%s' param in yaml config: cannot be negative", field)
	}
	return domain.Bound(d), nil
}
