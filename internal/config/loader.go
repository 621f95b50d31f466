package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies POLYSCAN_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known POLYSCAN_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Polymarket ──
	setStr(&cfg.Polymarket.GammaHost, "POLYSCAN_POLYMARKET_GAMMA_HOST")
	setStr(&cfg.Polymarket.ClobHost, "POLYSCAN_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.WsHost, "POLYSCAN_POLYMARKET_WS_HOST")
	setInt(&cfg.Polymarket.ChainID, "POLYSCAN_POLYMARKET_CHAIN_ID")
	setInt(&cfg.Polymarket.SignatureType, "POLYSCAN_POLYMARKET_SIGNATURE_TYPE")
	setDuration(&cfg.Polymarket.HTTPTimeout, "POLYSCAN_POLYMARKET_HTTP_TIMEOUT")

	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "POLYSCAN_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.FunderAddress, "POLYSCAN_WALLET_FUNDER_ADDRESS")
	setStr(&cfg.Wallet.EncryptedKeyPath, "POLYSCAN_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "POLYSCAN_WALLET_KEY_PASSWORD")

	// ── CLOB API ──
	setStr(&cfg.ClobAPI.Key, "POLYSCAN_CLOB_API_KEY")
	setStr(&cfg.ClobAPI.Secret, "POLYSCAN_CLOB_API_SECRET")
	setStr(&cfg.ClobAPI.Passphrase, "POLYSCAN_CLOB_API_PASSPHRASE")

	// ── Scanner ──
	setDuration(&cfg.Scanner.ScanInterval, "POLYSCAN_SCANNER_SCAN_INTERVAL")
	setInt(&cfg.Scanner.PageSize, "POLYSCAN_SCANNER_PAGE_SIZE")
	setDuration(&cfg.Scanner.PageDelay, "POLYSCAN_SCANNER_PAGE_DELAY")
	setInt(&cfg.Scanner.MaxPageRetries, "POLYSCAN_SCANNER_MAX_PAGE_RETRIES")
	setDuration(&cfg.Scanner.RetryBackoff, "POLYSCAN_SCANNER_RETRY_BACKOFF")
	setInt(&cfg.Scanner.OrderBookBatchSize, "POLYSCAN_SCANNER_ORDER_BOOK_BATCH_SIZE")
	setDuration(&cfg.Scanner.QuoteTimeout, "POLYSCAN_SCANNER_QUOTE_TIMEOUT")
	setInt(&cfg.Scanner.MaxMarkets, "POLYSCAN_SCANNER_MAX_MARKETS")

	// ── Strategy ──
	setBool(&cfg.Strategy.EnableMintSplit, "POLYSCAN_STRATEGY_ENABLE_MINT_SPLIT")
	setBool(&cfg.Strategy.EnableArbitrage, "POLYSCAN_STRATEGY_ENABLE_ARBITRAGE")
	setBool(&cfg.Strategy.EnableMarketMaking, "POLYSCAN_STRATEGY_ENABLE_MARKET_MAKING")
	setInt(&cfg.Strategy.MinOutcomesForMint, "POLYSCAN_STRATEGY_MIN_OUTCOMES_FOR_MINT")
	setFloat64(&cfg.Strategy.MinPriceSumMargin, "POLYSCAN_STRATEGY_MIN_PRICE_SUM_MARGIN")
	setFloat64(&cfg.Strategy.SpreadThreshold, "POLYSCAN_STRATEGY_SPREAD_THRESHOLD")
	setFloat64(&cfg.Strategy.TargetSpreadPct, "POLYSCAN_STRATEGY_TARGET_SPREAD_PCT")
	setFloat64(&cfg.Strategy.MintAmount, "POLYSCAN_STRATEGY_MINT_AMOUNT")
	setFloat64(&cfg.Strategy.TradeAmount, "POLYSCAN_STRATEGY_TRADE_AMOUNT")
	setFloat64(&cfg.Strategy.TakerFeeRate, "POLYSCAN_STRATEGY_TAKER_FEE_RATE")
	setFloat64(&cfg.Strategy.GasFeeUSD, "POLYSCAN_STRATEGY_GAS_FEE_USD")
	setFloat64(&cfg.Strategy.MinNetProfit, "POLYSCAN_STRATEGY_MIN_NET_PROFIT")
	setFloat64(&cfg.Strategy.MinLiquidity, "POLYSCAN_STRATEGY_MIN_LIQUIDITY")
	setFloat64(&cfg.Strategy.MinVolume24h, "POLYSCAN_STRATEGY_MIN_VOLUME_24H")
	setFloat64(&cfg.Strategy.HighConfidenceDepth, "POLYSCAN_STRATEGY_HIGH_CONFIDENCE_DEPTH")

	// ── Dispatch ──
	setBool(&cfg.Dispatch.AutoExecute, "POLYSCAN_DISPATCH_AUTO_EXECUTE")
	setDuration(&cfg.Dispatch.TaskDelay, "POLYSCAN_DISPATCH_TASK_DELAY")
	setInt(&cfg.Dispatch.OrderRate, "POLYSCAN_DISPATCH_ORDER_RATE")
	setDuration(&cfg.Dispatch.OrderWindow, "POLYSCAN_DISPATCH_ORDER_WINDOW")

	// ── Monitor ──
	setBool(&cfg.Monitor.Enabled, "POLYSCAN_MONITOR_ENABLED")
	setDuration(&cfg.Monitor.HeartbeatInterval, "POLYSCAN_MONITOR_HEARTBEAT_INTERVAL")
	setDuration(&cfg.Monitor.ReconnectBaseDelay, "POLYSCAN_MONITOR_RECONNECT_BASE_DELAY")
	setInt(&cfg.Monitor.MaxReconnectAttempts, "POLYSCAN_MONITOR_MAX_RECONNECT_ATTEMPTS")
	setInt(&cfg.Monitor.MaxAssets, "POLYSCAN_MONITOR_MAX_ASSETS")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "POLYSCAN_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "POLYSCAN_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "POLYSCAN_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POLYSCAN_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POLYSCAN_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POLYSCAN_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POLYSCAN_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POLYSCAN_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "POLYSCAN_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "POLYSCAN_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "POLYSCAN_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "POLYSCAN_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "POLYSCAN_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "POLYSCAN_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "POLYSCAN_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "POLYSCAN_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "POLYSCAN_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "POLYSCAN_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "POLYSCAN_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "POLYSCAN_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "POLYSCAN_S3_REGION")
	setStr(&cfg.S3.Bucket, "POLYSCAN_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "POLYSCAN_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "POLYSCAN_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "POLYSCAN_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "POLYSCAN_S3_FORCE_PATH_STYLE")
	setInt(&cfg.S3.RetentionDays, "POLYSCAN_S3_RETENTION_DAYS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "POLYSCAN_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "POLYSCAN_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "POLYSCAN_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "POLYSCAN_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.APIRate, "POLYSCAN_SERVER_API_RATE")
	setDuration(&cfg.Server.APIWindow, "POLYSCAN_SERVER_API_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "POLYSCAN_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "POLYSCAN_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "POLYSCAN_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "POLYSCAN_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "POLYSCAN_MODE")
	setStr(&cfg.LogLevel, "POLYSCAN_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
