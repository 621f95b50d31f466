// Package config defines the top-level configuration for the market
// scanner and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by POLYSCAN_* environment variables.
type Config struct {
	Polymarket PolymarketConfig `toml:"polymarket"`
	Wallet     WalletConfig     `toml:"wallet"`
	ClobAPI    ClobAPIConfig    `toml:"clob_api"`
	Scanner    ScannerConfig    `toml:"scanner"`
	Strategy   StrategyConfig   `toml:"strategy"`
	Dispatch   DispatchConfig   `toml:"dispatch"`
	Monitor    MonitorConfig    `toml:"monitor"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// PolymarketConfig holds Polymarket API endpoints and chain parameters.
type PolymarketConfig struct {
	GammaHost     string   `toml:"gamma_host"`
	ClobHost      string   `toml:"clob_host"`
	WsHost        string   `toml:"ws_host"`
	ChainID       int      `toml:"chain_id"`
	SignatureType int      `toml:"signature_type"`
	HTTPTimeout   duration `toml:"http_timeout"`
}

// WalletConfig holds Ethereum wallet credentials. All fields optional;
// without a key the executor runs in simulation.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	FunderAddress    string `toml:"funder_address"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// ClobAPIConfig holds CLOB L2 API credentials for authenticated order
// submission.
type ClobAPIConfig struct {
	Key        string `toml:"key"`
	Secret     string `toml:"secret"`
	Passphrase string `toml:"passphrase"`
}

// ScannerConfig holds catalog-fetch and quote-enrichment parameters.
type ScannerConfig struct {
	ScanInterval       duration `toml:"scan_interval"`
	PageSize           int      `toml:"page_size"`
	PageDelay          duration `toml:"page_delay"`
	MaxPageRetries     int      `toml:"max_page_retries"`
	RetryBackoff       duration `toml:"retry_backoff"`
	OrderBookBatchSize int      `toml:"order_book_batch_size"`
	QuoteTimeout       duration `toml:"quote_timeout"`
	MaxMarkets         int      `toml:"max_markets"` // 0 = no cap
}

// StrategyConfig holds the matching thresholds shared by all
// strategies.
type StrategyConfig struct {
	EnableMintSplit     bool    `toml:"enable_mint_split"`
	EnableArbitrage     bool    `toml:"enable_arbitrage"`
	EnableMarketMaking  bool    `toml:"enable_market_making"`
	MinOutcomesForMint  int     `toml:"min_outcomes_for_mint"`
	MinPriceSumMargin   float64 `toml:"min_price_sum_margin"`
	SpreadThreshold     float64 `toml:"spread_threshold"`
	TargetSpreadPct     float64 `toml:"target_spread_pct"`
	MintAmount          float64 `toml:"mint_amount"`
	TradeAmount         float64 `toml:"trade_amount"`
	TakerFeeRate        float64 `toml:"taker_fee_rate"`
	GasFeeUSD           float64 `toml:"gas_fee_usd"`
	MinNetProfit        float64 `toml:"min_net_profit"`
	MinLiquidity        float64 `toml:"min_liquidity"`
	MinVolume24h        float64 `toml:"min_volume_24h"`
	HighConfidenceDepth float64 `toml:"high_confidence_depth"` // multiple of trade size
}

// DispatchConfig holds execution-queue parameters.
type DispatchConfig struct {
	AutoExecute bool     `toml:"auto_execute"`
	TaskDelay   duration `toml:"task_delay"`
	OrderRate   int      `toml:"order_rate"`   // orders per window, 0 disables limiting
	OrderWindow duration `toml:"order_window"` // rate-limit window
}

// MonitorConfig holds realtime websocket monitor parameters.
type MonitorConfig struct {
	Enabled              bool     `toml:"enabled"`
	HeartbeatInterval    duration `toml:"heartbeat_interval"`
	ReconnectBaseDelay   duration `toml:"reconnect_base_delay"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
	MaxAssets            int      `toml:"max_assets"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for scan
// report archival.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	RetentionDays  int    `toml:"retention_days"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
	APIRate     int      `toml:"api_rate"`   // requests per window per client, 0 disables limiting
	APIWindow   duration `toml:"api_window"` // rate-limit window
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Polymarket: PolymarketConfig{
			GammaHost:     "https://gamma-api.polymarket.com",
			ClobHost:      "https://clob.polymarket.com",
			WsHost:        "wss://ws-subscriptions-clob.polymarket.com",
			ChainID:       137,
			SignatureType: 2,
			HTTPTimeout:   duration{15 * time.Second},
		},
		Scanner: ScannerConfig{
			ScanInterval:       duration{5 * time.Minute},
			PageSize:           100,
			PageDelay:          duration{500 * time.Millisecond},
			MaxPageRetries:     3,
			RetryBackoff:       duration{time.Second},
			OrderBookBatchSize: 10,
			QuoteTimeout:       duration{10 * time.Second},
			MaxMarkets:         0,
		},
		Strategy: StrategyConfig{
			EnableMintSplit:     true,
			EnableArbitrage:     true,
			EnableMarketMaking:  true,
			MinOutcomesForMint:  3,
			MinPriceSumMargin:   0.02,
			SpreadThreshold:     0.02,
			TargetSpreadPct:     4.0,
			MintAmount:          100.0,
			TradeAmount:         50.0,
			TakerFeeRate:        0.01,
			GasFeeUSD:           0.50,
			MinNetProfit:        1.0,
			MinLiquidity:        10_000,
			MinVolume24h:        1_000,
			HighConfidenceDepth: 2.0,
		},
		Dispatch: DispatchConfig{
			AutoExecute: false,
			TaskDelay:   duration{2 * time.Second},
			OrderRate:   10,
			OrderWindow: duration{time.Minute},
		},
		Monitor: MonitorConfig{
			Enabled:              true,
			HeartbeatInterval:    duration{10 * time.Second},
			ReconnectBaseDelay:   duration{2 * time.Second},
			MaxReconnectAttempts: 5,
			MaxAssets:            200,
		},
		Postgres: PostgresConfig{
			Enabled:       false,
			Host:          "localhost",
			Port:          5432,
			Database:      "polyscan",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "polyscan-data",
			UseSSL:         false,
			ForcePathStyle: true,
			RetentionDays:  90,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			APIRate:     0,
			APIWindow:   duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"opportunity", "execution", "monitor_down", "scan_error"},
		},
		Mode:     "run",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"run":   true, // continuous scanning + monitor + server
	"scan":  true, // single pass, print results, exit
	"serve": true, // server only; scanning starts via the API
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: run, scan, serve)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Polymarket endpoints
	if c.Polymarket.GammaHost == "" {
		errs = append(errs, "polymarket: gamma_host must not be empty")
	}
	if c.Polymarket.ClobHost == "" {
		errs = append(errs, "polymarket: clob_host must not be empty")
	}
	if c.Monitor.Enabled && c.Polymarket.WsHost == "" {
		errs = append(errs, "polymarket: ws_host must not be empty when the monitor is enabled")
	}
	if c.Polymarket.ChainID <= 0 {
		errs = append(errs, "polymarket: chain_id must be positive")
	}
	if c.Polymarket.SignatureType != 1 && c.Polymarket.SignatureType != 2 {
		errs = append(errs, fmt.Sprintf("polymarket: signature_type must be 1 (EOA) or 2 (Safe), got %d", c.Polymarket.SignatureType))
	}

	// Wallet — encrypted key needs its password.
	if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
		errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
	}

	// CLOB API — all three fields must be set together, or all empty.
	ck := c.ClobAPI.Key != ""
	cs := c.ClobAPI.Secret != ""
	cp := c.ClobAPI.Passphrase != ""
	if (ck || cs || cp) && !(ck && cs && cp) {
		errs = append(errs, "clob_api: key, secret, and passphrase must all be set together")
	}

	// Scanner
	if c.Scanner.PageSize < 1 {
		errs = append(errs, "scanner: page_size must be >= 1")
	}
	if c.Scanner.MaxPageRetries < 0 {
		errs = append(errs, "scanner: max_page_retries must be >= 0")
	}
	if c.Scanner.OrderBookBatchSize < 1 {
		errs = append(errs, "scanner: order_book_batch_size must be >= 1")
	}
	if c.Scanner.ScanInterval.Duration < time.Second {
		errs = append(errs, "scanner: scan_interval must be at least 1s")
	}
	if c.Scanner.MaxMarkets < 0 {
		errs = append(errs, "scanner: max_markets must be >= 0")
	}

	// Strategy
	if c.Strategy.MinOutcomesForMint < 2 {
		errs = append(errs, "strategy: min_outcomes_for_mint must be >= 2")
	}
	if c.Strategy.MinPriceSumMargin < 0 || c.Strategy.MinPriceSumMargin >= 1 {
		errs = append(errs, "strategy: min_price_sum_margin must be in [0, 1)")
	}
	if c.Strategy.SpreadThreshold <= 0 || c.Strategy.SpreadThreshold >= 1 {
		errs = append(errs, "strategy: spread_threshold must be in (0, 1)")
	}
	if c.Strategy.MintAmount <= 0 {
		errs = append(errs, "strategy: mint_amount must be > 0")
	}
	if c.Strategy.TradeAmount <= 0 {
		errs = append(errs, "strategy: trade_amount must be > 0")
	}
	if c.Strategy.TakerFeeRate < 0 || c.Strategy.TakerFeeRate >= 1 {
		errs = append(errs, "strategy: taker_fee_rate must be in [0, 1)")
	}
	if c.Strategy.GasFeeUSD < 0 {
		errs = append(errs, "strategy: gas_fee_usd must be >= 0")
	}
	if c.Strategy.HighConfidenceDepth < 1 {
		errs = append(errs, "strategy: high_confidence_depth must be >= 1")
	}

	// Dispatch
	if c.Dispatch.TaskDelay.Duration < 0 {
		errs = append(errs, "dispatch: task_delay must be >= 0")
	}
	if c.Dispatch.OrderRate < 0 {
		errs = append(errs, "dispatch: order_rate must be >= 0")
	}

	// Monitor
	if c.Monitor.Enabled {
		if c.Monitor.HeartbeatInterval.Duration < time.Second {
			errs = append(errs, "monitor: heartbeat_interval must be at least 1s")
		}
		if c.Monitor.ReconnectBaseDelay.Duration <= 0 {
			errs = append(errs, "monitor: reconnect_base_delay must be > 0")
		}
		if c.Monitor.MaxReconnectAttempts < 0 {
			errs = append(errs, "monitor: max_reconnect_attempts must be >= 0")
		}
		if c.Monitor.MaxAssets < 1 {
			errs = append(errs, "monitor: max_assets must be >= 1")
		}
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.RetentionDays < 1 {
			errs = append(errs, "s3: retention_days must be >= 1")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.APIRate < 0 {
			errs = append(errs, "server: api_rate must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
