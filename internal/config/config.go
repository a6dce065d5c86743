package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	minLoopInterval = 10 * time.Second
	maxLoopInterval = 3600 * time.Second
)

// Config holds all configuration for the application.
type Config struct {
	Bybit    Bybit    `mapstructure:"bybit"`
	Trading  Trading  `mapstructure:"trading"`
	Logger   Logger   `mapstructure:"logger"`
	Server   Server   `mapstructure:"server"`
	Database Database `mapstructure:"database"`
}

// Bybit holds the configuration for the Bybit API.
type Bybit struct {
	ApiKey         string  `mapstructure:"apiKey"`
	SecretKey      string  `mapstructure:"secretKey"`
	Testnet        bool    `mapstructure:"testnet"`
	RecvWindow     int     `mapstructure:"recv_window"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// Server holds the configuration for the HTTP status server.
type Server struct {
	Port int `mapstructure:"port"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Trading holds the per-user risk configuration. It is re-read at the start
// of every cycle and must pass Validate before any of it is used.
type Trading struct {
	UserID                   uint     `mapstructure:"user_id"`
	TradePairs               []string `mapstructure:"trade_pairs"`
	MaxActiveSymbols         int      `mapstructure:"max_active_symbols"`
	MaxPositionsPerSymbol    int      `mapstructure:"max_positions_per_symbol"`
	MaxOrderNotional         float64  `mapstructure:"max_order_notional"`
	TakeProfitPercent        float64  `mapstructure:"take_profit_percent"`
	EntryOffsetPercent       float64  `mapstructure:"entry_offset_percent"`
	SupportWindow            int      `mapstructure:"support_window"`
	SupportLowerBoundPercent float64  `mapstructure:"support_lower_bound_percent"`
	SupportUpperBoundPercent float64  `mapstructure:"support_upper_bound_percent"`
	ATRMultiplier            float64  `mapstructure:"atr_multiplier"`
	UseDynamicBounds         bool     `mapstructure:"use_dynamic_bounds"`
	Strategy                 string   `mapstructure:"strategy"`
	LoopIntervalSeconds      int      `mapstructure:"loop_interval_seconds"`
	ReconcileInterval        string   `mapstructure:"reconcile_interval"`
	StartupLookbackHours     int      `mapstructure:"startup_lookback_hours"`
	Active                   bool     `mapstructure:"active"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoopInterval returns the main-loop interval clamped to a safe range.
func (t *Trading) LoopInterval() time.Duration {
	d := time.Duration(t.LoopIntervalSeconds) * time.Second
	if d < minLoopInterval {
		return minLoopInterval
	}
	if d > maxLoopInterval {
		return maxLoopInterval
	}
	return d
}

// Validate checks the structural sanity of the risk parameters. A config
// that fails here skips the whole cycle rather than trading on garbage.
func (t *Trading) Validate() error {
	if len(t.TradePairs) == 0 {
		return fmt.Errorf("trading config: trade_pairs must not be empty")
	}
	if t.MaxActiveSymbols <= 0 {
		return fmt.Errorf("trading config: max_active_symbols must be positive, got %d", t.MaxActiveSymbols)
	}
	if t.MaxPositionsPerSymbol <= 0 {
		return fmt.Errorf("trading config: max_positions_per_symbol must be positive, got %d", t.MaxPositionsPerSymbol)
	}
	if t.MaxOrderNotional <= 0 {
		return fmt.Errorf("trading config: max_order_notional must be positive, got %f", t.MaxOrderNotional)
	}
	for name, pct := range map[string]float64{
		"take_profit_percent":         t.TakeProfitPercent,
		"entry_offset_percent":        t.EntryOffsetPercent,
		"support_lower_bound_percent": t.SupportLowerBoundPercent,
		"support_upper_bound_percent": t.SupportUpperBoundPercent,
	} {
		if pct < 0 || pct > 100 {
			return fmt.Errorf("trading config: %s must be in [0,100], got %f", name, pct)
		}
	}
	if t.SupportWindow <= 0 {
		return fmt.Errorf("trading config: support_window must be positive, got %d", t.SupportWindow)
	}
	return nil
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("yml")    // or yaml, json

	// Allow environment variables to override config file
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("bybit.rate_limit", 10) // requests per second
	viper.SetDefault("bybit.rate_limit_burst", 5)
	viper.SetDefault("bybit.recv_window", 5000)
	viper.SetDefault("trading.loop_interval_seconds", 60)
	viper.SetDefault("trading.reconcile_interval", "@every 15m")
	viper.SetDefault("trading.startup_lookback_hours", 72)
	viper.SetDefault("trading.strategy", "composite")
	viper.SetDefault("trading.support_window", 50)

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)
	return
}
