package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// envRefPrefix marks a string value that should be read from the named
// environment variable, e.g. private_key = "env:POLYCOPY_KEY".
const envRefPrefix = "env:"

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies POLYCOPY_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	expandEnvRefs(&cfg)
	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// expandEnvRefs resolves "env:NAME" references in secret-bearing fields.
// A reference to an unset variable resolves to the empty string so that
// Validate reports the missing value.
func expandEnvRefs(cfg *Config) {
	for _, p := range []*string{
		&cfg.Account.PrivateKey,
		&cfg.Account.KeyPassword,
		&cfg.Account.ApiKey,
		&cfg.Account.ApiSecret,
		&cfg.Account.ApiPassphrase,
		&cfg.Account.ProxyAddress,
		&cfg.Supabase.DSN,
		&cfg.Supabase.Password,
		&cfg.Redis.Password,
		&cfg.S3.AccessKey,
		&cfg.S3.SecretKey,
		&cfg.Server.APIKey,
		&cfg.Notify.TelegramToken,
		&cfg.Notify.DiscordWebhookURL,
	} {
		*p = resolveEnvRef(*p)
	}
	for i := range cfg.Traders {
		cfg.Traders[i].WalletAddress = resolveEnvRef(cfg.Traders[i].WalletAddress)
	}
}

func resolveEnvRef(v string) string {
	name, ok := strings.CutPrefix(strings.TrimSpace(v), envRefPrefix)
	if !ok {
		return v
	}
	return os.Getenv(strings.TrimSpace(name))
}

// applyEnvOverrides reads well-known POLYCOPY_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty).
func applyEnvOverrides(cfg *Config) {
	// ── Account ──
	setStr(&cfg.Account.PrivateKey, "POLYCOPY_ACCOUNT_PRIVATE_KEY")
	setStr(&cfg.Account.EncryptedKeyPath, "POLYCOPY_ACCOUNT_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Account.KeyPassword, "POLYCOPY_ACCOUNT_KEY_PASSWORD")
	setStr(&cfg.Account.ProxyAddress, "POLYCOPY_ACCOUNT_PROXY_ADDRESS")
	setInt(&cfg.Account.SignatureType, "POLYCOPY_ACCOUNT_SIGNATURE_TYPE")
	setStr(&cfg.Account.ApiKey, "POLYCOPY_ACCOUNT_API_KEY")
	setStr(&cfg.Account.ApiSecret, "POLYCOPY_ACCOUNT_API_SECRET")
	setStr(&cfg.Account.ApiPassphrase, "POLYCOPY_ACCOUNT_API_PASSPHRASE")
	setFloat64(&cfg.Account.TotalCapital, "POLYCOPY_ACCOUNT_TOTAL_CAPITAL")

	// ── Polymarket ──
	setStr(&cfg.Polymarket.DataHost, "POLYCOPY_POLYMARKET_DATA_HOST")
	setStr(&cfg.Polymarket.ClobHost, "POLYCOPY_POLYMARKET_CLOB_HOST")
	setInt(&cfg.Polymarket.ChainID, "POLYCOPY_POLYMARKET_CHAIN_ID")

	// ── Risk ──
	setFloat64(&cfg.Risk.MaxSingleBet, "POLYCOPY_RISK_MAX_SINGLE_BET")
	setFloat64(&cfg.Risk.MaxTotalExposure, "POLYCOPY_RISK_MAX_TOTAL_EXPOSURE")
	setFloat64(&cfg.Risk.MaxPositionPct, "POLYCOPY_RISK_MAX_POSITION_PCT")
	setInt(&cfg.Risk.OrdersPerMinute, "POLYCOPY_RISK_ORDERS_PER_MINUTE")

	// ── Monitoring ──
	setDuration(&cfg.Monitoring.PollInterval, "POLYCOPY_MONITORING_POLL_INTERVAL")
	setDuration(&cfg.Monitoring.PortfolioSyncInterval, "POLYCOPY_MONITORING_PORTFOLIO_SYNC_INTERVAL")
	setInt(&cfg.Monitoring.TradePageSize, "POLYCOPY_MONITORING_TRADE_PAGE_SIZE")
	setDuration(&cfg.Monitoring.DedupTTL, "POLYCOPY_MONITORING_DEDUP_TTL")

	// ── Recorder ──
	setBool(&cfg.Recorder.Enabled, "POLYCOPY_RECORDER_ENABLED")
	setStr(&cfg.Recorder.OutputDir, "POLYCOPY_RECORDER_OUTPUT_DIR")
	setStr(&cfg.Recorder.StatePath, "POLYCOPY_RECORDER_STATE_PATH")
	setDuration(&cfg.Recorder.PollInterval, "POLYCOPY_RECORDER_POLL_INTERVAL")
	setInt(&cfg.Recorder.PageSize, "POLYCOPY_RECORDER_PAGE_SIZE")
	setDuration(&cfg.Recorder.ArchiveInterval, "POLYCOPY_RECORDER_ARCHIVE_INTERVAL")

	// ── State ──
	setStr(&cfg.State.CursorPath, "POLYCOPY_STATE_CURSOR_PATH")
	setStr(&cfg.State.LedgerPath, "POLYCOPY_STATE_LEDGER_PATH")
	setStr(&cfg.State.StatusPath, "POLYCOPY_STATE_STATUS_PATH")
	setStr(&cfg.State.ActivityLog, "POLYCOPY_STATE_ACTIVITY_LOG")

	// ── Supabase ──
	setBool(&cfg.Supabase.Enabled, "POLYCOPY_SUPABASE_ENABLED")
	setStr(&cfg.Supabase.DSN, "POLYCOPY_SUPABASE_DSN")
	setStr(&cfg.Supabase.Host, "POLYCOPY_SUPABASE_HOST")
	setInt(&cfg.Supabase.Port, "POLYCOPY_SUPABASE_PORT")
	setStr(&cfg.Supabase.Database, "POLYCOPY_SUPABASE_DATABASE")
	setStr(&cfg.Supabase.User, "POLYCOPY_SUPABASE_USER")
	setStr(&cfg.Supabase.Password, "POLYCOPY_SUPABASE_PASSWORD")
	setStr(&cfg.Supabase.SSLMode, "POLYCOPY_SUPABASE_SSL_MODE")
	setBool(&cfg.Supabase.RunMigrations, "POLYCOPY_SUPABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "POLYCOPY_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "POLYCOPY_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "POLYCOPY_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "POLYCOPY_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "POLYCOPY_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.LockTTL, "POLYCOPY_REDIS_LOCK_TTL")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "POLYCOPY_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "POLYCOPY_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "POLYCOPY_S3_REGION")
	setStr(&cfg.S3.Bucket, "POLYCOPY_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "POLYCOPY_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "POLYCOPY_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "POLYCOPY_S3_SECRET_KEY")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "POLYCOPY_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "POLYCOPY_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "POLYCOPY_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "POLYCOPY_SERVER_CORS_ORIGINS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "POLYCOPY_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "POLYCOPY_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "POLYCOPY_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "POLYCOPY_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "POLYCOPY_MODE")
	setStr(&cfg.LogLevel, "POLYCOPY_LOG_LEVEL")
	setBool(&cfg.DryRun, "POLYCOPY_DRY_RUN")
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
