// Package config loads the server configuration from an optional TOML file
// and environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/atmx/cdp-engine/internal/fixedpoint"
	"github.com/atmx/cdp-engine/internal/model"
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("config: invalid")

type Config struct {
	Port        string        `toml:"port"`
	DatabaseURL string        `toml:"database_url"`
	RedisURL    string        `toml:"redis_url"`
	NATSURL     string        `toml:"nats_url"`
	CacheTTL    time.Duration `toml:"cache_ttl"`
	PriceExpiry time.Duration `toml:"price_expiry"`

	Log       LogConfig       `toml:"log"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Oracle    OracleConfig    `toml:"oracle"`
	Genesis   GenesisConfig   `toml:"genesis"`
}

type LogConfig struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// RateLimitConfig bounds requests per client. Zero disables limiting.
type RateLimitConfig struct {
	RequestsPerMinute float64 `toml:"requests_per_minute"`
	Burst             int     `toml:"burst"`
}

// Oracle sources.
const (
	OracleStatic = "static"
	OracleRedis  = "redis"
)

type OracleConfig struct {
	Source string        `toml:"source"`
	Prices []StaticPrice `toml:"prices"`
}

// StaticPrice seeds the static oracle. Asset uses the "native:<denom>" or
// "token:<contract>" form. A zero multiplier means 1.
type StaticPrice struct {
	Asset      string             `toml:"asset"`
	Price      fixedpoint.Decimal `toml:"price"`
	Multiplier fixedpoint.Decimal `toml:"multiplier"`
}

// Quote converts p into an oracle quote stamped at.
func (p StaticPrice) Quote(at time.Time) (model.AssetInfo, model.PriceQuote, error) {
	info, err := model.ParseAssetInfo(p.Asset)
	if err != nil {
		return model.AssetInfo{}, model.PriceQuote{}, err
	}
	mult := p.Multiplier
	if mult.IsZero() {
		mult = fixedpoint.OneDecimal()
	}
	return info, model.PriceQuote{Price: p.Price, Multiplier: mult, LastUpdateTime: at}, nil
}

// GenesisConfig initialises an empty store.
type GenesisConfig struct {
	Owner       string         `toml:"owner"`
	Oracle      string         `toml:"oracle"`
	BaseDenom   string         `toml:"base_denom"`
	TokenCodeID uint64         `toml:"token_code_id"`
	Assets      []GenesisAsset `toml:"assets"`
	// Balances fund accounts in the in-process bank. Ignored when
	// transfers are settled over NATS.
	Balances []GenesisBalance `toml:"balances"`
}

type GenesisAsset struct {
	Token              string             `toml:"token"`
	AuctionDiscount    fixedpoint.Decimal `toml:"auction_discount"`
	MinCollateralRatio fixedpoint.Decimal `toml:"min_collateral_ratio"`
}

type GenesisBalance struct {
	Holder string          `toml:"holder"`
	Asset  string          `toml:"asset"`
	Amount fixedpoint.Uint `toml:"amount"`
}

func (b GenesisBalance) Coin() (string, model.Asset, error) {
	info, err := model.ParseAssetInfo(b.Asset)
	if err != nil {
		return "", model.Asset{}, err
	}
	return b.Holder, model.Asset{Info: info, Amount: b.Amount}, nil
}

func (g GenesisConfig) Config() model.Config {
	return model.Config{Owner: g.Owner, Oracle: g.Oracle, BaseDenom: g.BaseDenom, TokenCodeID: g.TokenCodeID}
}

func (g GenesisConfig) AssetConfigs() []model.AssetConfig {
	out := make([]model.AssetConfig, 0, len(g.Assets))
	for _, a := range g.Assets {
		out = append(out, model.AssetConfig{
			Token:              a.Token,
			AuctionDiscount:    a.AuctionDiscount,
			MinCollateralRatio: a.MinCollateralRatio,
		})
	}
	return out
}

func Default() *Config {
	return &Config{
		Port:        "8080",
		CacheTTL:    30 * time.Second,
		PriceExpiry: 60 * time.Second,
		Log:         LogConfig{Level: "info", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 28},
		Oracle:      OracleConfig{Source: OracleStatic},
		Genesis:     GenesisConfig{BaseDenom: "uusd"},
	}
}

// Load reads path (skipped when empty) over the defaults, then applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("%w: unknown key %q in %s", ErrInvalid, undecoded[0].String(), path)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"PORT":           &c.Port,
		"DATABASE_URL":   &c.DatabaseURL,
		"REDIS_URL":      &c.RedisURL,
		"NATS_URL":       &c.NATSURL,
		"CDP_OWNER":      &c.Genesis.Owner,
		"CDP_BASE_DENOM": &c.Genesis.BaseDenom,
		"CDP_ORACLE":     &c.Genesis.Oracle,
		"ORACLE_SOURCE":  &c.Oracle.Source,
		"LOG_LEVEL":      &c.Log.Level,
		"LOG_FILE":       &c.Log.File,
	}
	for key, dst := range str {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	if v, ok := lookup("CDP_PRICE_EXPIRE"); ok && v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("%w: CDP_PRICE_EXPIRE: %v", ErrInvalid, err)
		}
		c.PriceExpiry = d
	}
	if v, ok := lookup("RATE_LIMIT_PER_MIN"); ok && v != "" {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: RATE_LIMIT_PER_MIN: %v", ErrInvalid, err)
		}
		c.RateLimit.RequestsPerMinute = n
	}
	return nil
}

// parseSeconds accepts a Go duration or a bare number of seconds.
func parseSeconds(v string) (time.Duration, error) {
	if n, err := strconv.ParseUint(v, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("%w: port is required", ErrInvalid)
	}
	if c.PriceExpiry <= 0 {
		return fmt.Errorf("%w: price_expiry must be positive", ErrInvalid)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("%w: cache_ttl must be positive", ErrInvalid)
	}
	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("%w: rate_limit cannot be negative", ErrInvalid)
	}
	switch c.Oracle.Source {
	case OracleStatic:
	case OracleRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("%w: redis oracle needs redis_url", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown oracle source %q", ErrInvalid, c.Oracle.Source)
	}
	for _, p := range c.Oracle.Prices {
		if _, _, err := p.Quote(time.Time{}); err != nil {
			return fmt.Errorf("%w: oracle price %q: %v", ErrInvalid, p.Asset, err)
		}
	}
	for _, b := range c.Genesis.Balances {
		if b.Holder == "" {
			return fmt.Errorf("%w: genesis balance needs a holder", ErrInvalid)
		}
		if _, _, err := b.Coin(); err != nil {
			return fmt.Errorf("%w: genesis balance %q: %v", ErrInvalid, b.Asset, err)
		}
	}
	if c.Genesis.Owner == "" {
		return fmt.Errorf("%w: genesis owner is required", ErrInvalid)
	}
	if c.Genesis.BaseDenom == "" {
		return fmt.Errorf("%w: genesis base_denom is required", ErrInvalid)
	}
	return nil
}

// Logger builds the JSON logger. With a file configured, output is
// rotated by lumberjack; the returned closer flushes it.
func (l LogConfig) Logger() (*slog.Logger, io.Closer) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(l.Level))); err != nil {
		level = slog.LevelInfo
	}
	var (
		w      io.Writer = os.Stdout
		closer io.Closer = nopCloser{}
	)
	if l.File != "" {
		lj := &lumberjack.Logger{
			Filename:   l.File,
			MaxSize:    l.MaxSizeMB,
			MaxBackups: l.MaxBackups,
			MaxAge:     l.MaxAgeDays,
			Compress:   true,
		}
		w, closer = io.MultiWriter(os.Stdout, lj), lj
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})), closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
