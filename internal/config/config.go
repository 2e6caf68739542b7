// Package config loads server settings from flags, FLASHPOOL_* environment
// variables, a .env file and an optional config file, in that order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	LevelDBPath string
	CacheTTL    time.Duration

	LogLevel string
	LogFile  string

	FeeBps   uint32
	MinLoan  decimal.Decimal
	Decimals int32

	MaxUtilizationBps uint32
	BorrowRate        float64
	BorrowBurst       int

	SwapPools []string // venue:A/B:reserveA:reserveB
}

// Flags registers the server flags on fs. Flag defaults mirror the viper
// defaults so --help shows them.
func Flags(fs *pflag.FlagSet) {
	fs.String("port", "8080", "HTTP listen port")
	fs.String("database-url", "", "PostgreSQL DSN (ledger of record)")
	fs.String("redis-url", "", "Redis URL for the read-through cache")
	fs.String("leveldb-path", "", "embedded LevelDB ledger directory")
	fs.Duration("cache-ttl", 30*time.Second, "Redis cache TTL")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.String("log-file", "", "also write logs to this file, rotated")
	fs.Uint32("fee-bps", 20, "default pool fee in basis points")
	fs.String("min-loan", "0.1", "default minimum loan principal")
	fs.Int32("decimals", 9, "default pool amount precision")
	fs.Uint32("max-utilization-bps", 0, "max share of available liquidity per loan (0 = no cap)")
	fs.Float64("borrow-rate", 0, "loans per second per borrower (0 = unlimited)")
	fs.Int("borrow-burst", 5, "borrower rate limit burst")
	fs.StringSlice("swap-pool", nil, "swap venue pools (venue:A/B:reserveA:reserveB)")
}

// Load merges config file, environment variables, and flags into Config.
// A .env file in the working directory is loaded first if present.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("FLASHPOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", "8080")
	v.SetDefault("cache-ttl", 30*time.Second)
	v.SetDefault("log-level", "info")
	v.SetDefault("fee-bps", 20)
	v.SetDefault("min-loan", "0.1")
	v.SetDefault("decimals", 9)
	v.SetDefault("max-utilization-bps", 0)
	v.SetDefault("borrow-rate", 0)
	v.SetDefault("borrow-burst", 5)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("flashpool")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	minLoan, err := decimal.NewFromString(v.GetString("min-loan"))
	if err != nil {
		return Config{}, fmt.Errorf("min-loan: %w", err)
	}

	cfg := Config{
		Port:              v.GetString("port"),
		DatabaseURL:       v.GetString("database-url"),
		RedisURL:          v.GetString("redis-url"),
		LevelDBPath:       v.GetString("leveldb-path"),
		CacheTTL:          v.GetDuration("cache-ttl"),
		LogLevel:          v.GetString("log-level"),
		LogFile:           v.GetString("log-file"),
		FeeBps:            v.GetUint32("fee-bps"),
		MinLoan:           minLoan,
		Decimals:          v.GetInt32("decimals"),
		MaxUtilizationBps: v.GetUint32("max-utilization-bps"),
		BorrowRate:        v.GetFloat64("borrow-rate"),
		BorrowBurst:       v.GetInt("borrow-burst"),
		SwapPools:         getStringSlice(v, "swap-pool"),
	}
	return cfg, cfg.Validate()
}

// Validate checks values that viper cannot type-check.
func (c Config) Validate() error {
	if c.FeeBps > 10000 {
		return fmt.Errorf("fee-bps %d exceeds 10000", c.FeeBps)
	}
	if c.MaxUtilizationBps > 10000 {
		return fmt.Errorf("max-utilization-bps %d exceeds 10000", c.MaxUtilizationBps)
	}
	if c.Decimals < 0 || c.Decimals > 18 {
		return fmt.Errorf("decimals %d out of range [0, 18]", c.Decimals)
	}
	if !c.MinLoan.IsPositive() {
		return fmt.Errorf("min-loan %s must be positive", c.MinLoan)
	}
	if c.RedisURL != "" && c.DatabaseURL == "" && c.LevelDBPath == "" {
		return errors.New("redis-url requires database-url or leveldb-path")
	}
	return nil
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	switch typed := v.Get(key).(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return cleanStrings(strings.Split(typed, ","))
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
