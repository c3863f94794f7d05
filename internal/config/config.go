// Package config defines the top-level configuration for the copy trader
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by POLYCOPY_* environment variables.
type Config struct {
	Account    AccountConfig    `toml:"account"`
	Polymarket PolymarketConfig `toml:"polymarket"`
	Traders    []TraderConfig   `toml:"traders"`
	Risk       RiskConfig       `toml:"risk"`
	Monitoring MonitoringConfig `toml:"monitoring"`
	Recorder   RecorderConfig   `toml:"recorder"`
	State      StateConfig      `toml:"state"`
	Supabase   SupabaseConfig   `toml:"supabase"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
	DryRun     bool             `toml:"dry_run"`
}

// AccountConfig holds the managed account credentials and capital.
type AccountConfig struct {
	PrivateKey       string  `toml:"private_key"`
	EncryptedKeyPath string  `toml:"encrypted_key_path"`
	KeyPassword      string  `toml:"key_password"`
	ProxyAddress     string  `toml:"proxy_address"`
	SignatureType    int     `toml:"signature_type"`
	ApiKey           string  `toml:"api_key"`
	ApiSecret        string  `toml:"api_secret"`
	ApiPassphrase    string  `toml:"api_passphrase"`
	TotalCapital     float64 `toml:"total_capital"`
}

// HasKey reports whether any private key source is configured.
func (a AccountConfig) HasKey() bool {
	return a.PrivateKey != "" || a.EncryptedKeyPath != ""
}

// PolymarketConfig holds Polymarket API endpoints and chain parameters.
type PolymarketConfig struct {
	DataHost string `toml:"data_host"`
	ClobHost string `toml:"clob_host"`
	ChainID  int    `toml:"chain_id"`
}

// TraderConfig is one tracked wallet.
type TraderConfig struct {
	Name             string  `toml:"name"`
	WalletAddress    string  `toml:"wallet_address"`
	AllocatedCapital float64 `toml:"allocated_capital"`
	Enabled          bool    `toml:"enabled"`
}

// Wallet returns the lowercased wallet address used as the map key
// everywhere in the system.
func (t TraderConfig) Wallet() string {
	return strings.ToLower(strings.TrimSpace(t.WalletAddress))
}

// RiskConfig holds the mirror sizing limits.
type RiskConfig struct {
	MaxSingleBet     float64 `toml:"max_single_bet"`
	MaxTotalExposure float64 `toml:"max_total_exposure"`
	MaxPositionPct   float64 `toml:"max_position_pct"`
	OrdersPerMinute  int     `toml:"orders_per_minute"`
}

// MonitoringConfig holds live-loop timing.
type MonitoringConfig struct {
	PollInterval          duration `toml:"poll_interval"`
	PortfolioSyncInterval duration `toml:"portfolio_sync_interval"`
	TradePageSize         int      `toml:"trade_page_size"`
	DedupTTL              duration `toml:"dedup_ttl"`
}

// RecorderConfig holds parameters of the resumable trade recorder.
type RecorderConfig struct {
	Enabled         bool     `toml:"enabled"`
	OutputDir       string   `toml:"output_dir"`
	StatePath       string   `toml:"state_path"`
	PollInterval    duration `toml:"poll_interval"`
	PageSize        int      `toml:"page_size"`
	ArchiveInterval duration `toml:"archive_interval"`
}

// StateConfig holds local state file locations of the live loop.
type StateConfig struct {
	CursorPath  string `toml:"cursor_path"`
	LedgerPath  string `toml:"ledger_path"`
	StatusPath  string `toml:"status_path"`
	ActivityLog string `toml:"activity_log"`
}

// SupabaseConfig holds PostgreSQL / Supabase connection parameters.
type SupabaseConfig struct {
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
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	LockTTL      duration `toml:"lock_ttl"`
	StreamMaxLen int      `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
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

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`

	// RequestsPerMinute caps API requests per client IP. Needs Redis.
	RequestsPerMinute int `toml:"requests_per_minute"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Account: AccountConfig{
			SignatureType: 2,
		},
		Polymarket: PolymarketConfig{
			DataHost: "https://data-api.polymarket.com",
			ClobHost: "https://clob.polymarket.com",
			ChainID:  137,
		},
		Risk: RiskConfig{
			MaxSingleBet:     50,
			MaxTotalExposure: 500,
			MaxPositionPct:   0.10,
			OrdersPerMinute:  30,
		},
		Monitoring: MonitoringConfig{
			PollInterval:          duration{15 * time.Second},
			PortfolioSyncInterval: duration{5 * time.Minute},
			TradePageSize:         100,
			DedupTTL:              duration{24 * time.Hour},
		},
		Recorder: RecorderConfig{
			Enabled:         true,
			OutputDir:       "data/trades",
			StatePath:       "data/recorder_state.json",
			PollInterval:    duration{30 * time.Second},
			PageSize:        200,
			ArchiveInterval: duration{time.Hour},
		},
		State: StateConfig{
			CursorPath:  "data/monitor_state.json",
			LedgerPath:  "data/exposure.json",
			StatusPath:  "data/status.json",
			ActivityLog: "data/trade_activity.csv",
		},
		Supabase: SupabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     10,
			MaxRetries:   3,
			LockTTL:      duration{2 * time.Minute},
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "polycopy-data",
			Prefix:         "polycopy",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:           false,
			Port:              8000,
			RequestsPerMinute: 120,
		},
		Notify: NotifyConfig{
			Events: []string{"executed", "failed"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// EnabledTraders returns the enabled traders in configuration order.
func (c *Config) EnabledTraders() []TraderConfig {
	out := make([]TraderConfig, 0, len(c.Traders))
	for _, t := range c.Traders {
		if t.Enabled {
			out = append(out, t)
		}
	}
	return out
}

// Trader returns the enabled trader with the given wallet.
func (c *Config) Trader(wallet string) (TraderConfig, bool) {
	wallet = strings.ToLower(wallet)
	for _, t := range c.Traders {
		if t.Enabled && t.Wallet() == wallet {
			return t, true
		}
	}
	return TraderConfig{}, false
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"mirror": true,
	"record": true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// MinRecorderPoll is the shortest recorder polling interval accepted.
const MinRecorderPoll = 5 * time.Second

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: mirror, record, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Account: live trading needs a key.
	mirrors := mode == "mirror" || mode == "full"
	if mirrors && !c.DryRun {
		if !c.Account.HasKey() {
			errs = append(errs, "account: either private_key or encrypted_key_path must be set unless dry_run is enabled")
		}
		if c.Account.EncryptedKeyPath != "" && c.Account.KeyPassword == "" {
			errs = append(errs, "account: key_password is required when encrypted_key_path is set")
		}
	}
	if c.Account.ProxyAddress != "" && !isWalletAddress(c.Account.ProxyAddress) {
		errs = append(errs, fmt.Sprintf("account: proxy_address %q is not a valid address", c.Account.ProxyAddress))
	}
	if c.Account.SignatureType < 0 || c.Account.SignatureType > 2 {
		errs = append(errs, fmt.Sprintf("account: signature_type must be 0 (EOA), 1 (proxy) or 2 (safe), got %d", c.Account.SignatureType))
	}
	ak := c.Account.ApiKey != ""
	as := c.Account.ApiSecret != ""
	ap := c.Account.ApiPassphrase != ""
	if (ak || as || ap) && !(ak && as && ap) {
		errs = append(errs, "account: api_key, api_secret, and api_passphrase must all be set together")
	}
	if c.Account.TotalCapital < 0 {
		errs = append(errs, "account: total_capital must be >= 0")
	}

	if c.Polymarket.DataHost == "" {
		errs = append(errs, "polymarket: data_host must not be empty")
	}
	if mirrors && c.Polymarket.ClobHost == "" {
		errs = append(errs, "polymarket: clob_host must not be empty")
	}
	if c.Polymarket.ChainID <= 0 {
		errs = append(errs, "polymarket: chain_id must be positive")
	}

	// Traders
	seen := make(map[string]bool, len(c.Traders))
	var allocated float64
	for i, t := range c.Traders {
		label := t.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i)
		}
		if !isWalletAddress(t.WalletAddress) {
			errs = append(errs, fmt.Sprintf("traders[%s]: wallet_address %q must be a 0x-prefixed 42 character address", label, t.WalletAddress))
		} else if seen[t.Wallet()] {
			errs = append(errs, fmt.Sprintf("traders[%s]: duplicate wallet_address %s", label, t.Wallet()))
		}
		seen[t.Wallet()] = true
		if t.AllocatedCapital < 0 {
			errs = append(errs, fmt.Sprintf("traders[%s]: allocated_capital must be >= 0", label))
		}
		if t.Enabled {
			allocated += t.AllocatedCapital
		}
	}
	if c.Account.TotalCapital > 0 && allocated > c.Account.TotalCapital {
		errs = append(errs, fmt.Sprintf("traders: enabled allocations %.2f exceed account.total_capital %.2f", allocated, c.Account.TotalCapital))
	}

	// Risk
	if c.Risk.MaxSingleBet <= 0 {
		errs = append(errs, "risk: max_single_bet must be > 0")
	}
	if c.Risk.MaxTotalExposure <= 0 {
		errs = append(errs, "risk: max_total_exposure must be > 0")
	}
	if c.Risk.MaxPositionPct <= 0 || c.Risk.MaxPositionPct > 1 {
		errs = append(errs, fmt.Sprintf("risk: max_position_pct must be in (0, 1], got %g", c.Risk.MaxPositionPct))
	}
	if c.Risk.OrdersPerMinute < 0 {
		errs = append(errs, "risk: orders_per_minute must be >= 0")
	}

	// Monitoring
	if c.Monitoring.PollInterval.Duration <= 0 {
		errs = append(errs, "monitoring: poll_interval must be > 0")
	}
	if c.Monitoring.PortfolioSyncInterval.Duration <= 0 {
		errs = append(errs, "monitoring: portfolio_sync_interval must be > 0")
	}
	if c.Monitoring.TradePageSize < 1 {
		errs = append(errs, "monitoring: trade_page_size must be >= 1")
	}

	// Recorder
	if mode == "record" || (mode == "full" && c.Recorder.Enabled) {
		if c.Recorder.OutputDir == "" {
			errs = append(errs, "recorder: output_dir must not be empty")
		}
		if c.Recorder.StatePath == "" {
			errs = append(errs, "recorder: state_path must not be empty")
		}
		if c.Recorder.PollInterval.Duration < MinRecorderPoll {
			errs = append(errs, fmt.Sprintf("recorder: poll_interval must be >= %s", MinRecorderPoll))
		}
		if c.Recorder.PageSize < 1 {
			errs = append(errs, "recorder: page_size must be >= 1")
		}
	}

	// State
	if mirrors {
		if c.State.CursorPath == "" || c.State.LedgerPath == "" || c.State.StatusPath == "" {
			errs = append(errs, "state: cursor_path, ledger_path and status_path must be set")
		}
	}

	// Supabase
	if c.Supabase.Enabled && strings.TrimSpace(c.Supabase.DSN) == "" {
		if c.Supabase.Host == "" {
			errs = append(errs, "supabase: host must not be empty (or set supabase.dsn)")
		}
		if c.Supabase.Port <= 0 || c.Supabase.Port > 65535 {
			errs = append(errs, fmt.Sprintf("supabase: port must be 1-65535, got %d", c.Supabase.Port))
		}
	}
	if c.Supabase.Enabled && c.Supabase.PoolMinConns > c.Supabase.PoolMaxConns {
		errs = append(errs, "supabase: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.LockTTL.Duration <= c.Monitoring.PollInterval.Duration {
			errs = append(errs, "redis: lock_ttl must exceed monitoring.poll_interval")
		}
	}

	// S3
	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}

	// Server
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// isWalletAddress accepts 0x-prefixed, 42 character hex addresses.
func isWalletAddress(s string) bool {
	s = strings.TrimSpace(s)
	return len(s) == 42 && strings.HasPrefix(s, "0x") && common.IsHexAddress(s)
}
