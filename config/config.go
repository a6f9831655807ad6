package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the resolved process configuration. Values come from defaults,
// then the YAML file, then environment variables.
type Config struct {
	HTTPAddr          string
	DatabaseURL       string
	RedisURL          string
	JWTSecret         string
	SettlementTimeout time.Duration
	ResolutionLease   time.Duration

	Ledger    LedgerConfig
	RateLimit RateLimitConfig
	Outbox    OutboxConfig
	Live      LiveConfig

	// SignerKeys maps a signer identity to a hex-encoded ed25519 seed.
	SignerKeys map[string]string
}

type LedgerConfig struct {
	RPCURL       string
	Namespace    string
	PollInterval time.Duration
	MaxAttempts  int

	// PlatformSigner is the keyring identity escrows are registered with.
	PlatformSigner string
}

type RateLimitConfig struct {
	MaxAttempts   int
	Window        time.Duration
	SweepInterval time.Duration
}

type OutboxConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	RatePerSec   float64
}

type LiveConfig struct {
	QueueSize      int
	AllowedOrigins []string
	ChangeChannel  string
}

type configFile struct {
	Service struct {
		HTTPAddr          string `yaml:"http_addr"`
		SettlementTimeout int    `yaml:"settlement_timeout_sec"`
		ResolutionLease   int    `yaml:"resolution_lease_sec"`
	} `yaml:"service"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Ledger struct {
		RPCURL         string            `yaml:"rpc_url"`
		Namespace      string            `yaml:"namespace"`
		PollIntervalMS int               `yaml:"poll_interval_ms"`
		MaxAttempts    int               `yaml:"max_attempts"`
		PlatformSigner string            `yaml:"platform_signer"`
		Signers        map[string]string `yaml:"signers"`
	} `yaml:"ledger"`
	RateLimit struct {
		MaxAttempts     int `yaml:"max_attempts"`
		WindowMS        int `yaml:"window_ms"`
		SweepIntervalMS int `yaml:"sweep_interval_ms"`
	} `yaml:"rate_limit"`
	Outbox struct {
		PollIntervalMS int     `yaml:"poll_interval_ms"`
		BatchSize      int     `yaml:"batch_size"`
		MaxAttempts    int     `yaml:"max_attempts"`
		RatePerSec     float64 `yaml:"rate_per_sec"`
	} `yaml:"outbox"`
	Live struct {
		QueueSize      int      `yaml:"queue_size"`
		AllowedOrigins []string `yaml:"allowed_origins"`
		ChangeChannel  string   `yaml:"change_channel"`
	} `yaml:"live"`
}

// Default returns the baseline configuration. The ledger and rate limit
// values are the settlement constants: 60 polls one second apart, five
// attempts per fifteen minute window.
func Default() Config {
	return Config{
		HTTPAddr:          ":8080",
		SettlementTimeout: 90 * time.Second,
		ResolutionLease:   5 * time.Minute,
		Ledger: LedgerConfig{
			Namespace:      "ledger",
			PollInterval:   time.Second,
			MaxAttempts:    60,
			PlatformSigner: "platform",
		},
		RateLimit: RateLimitConfig{
			MaxAttempts:   5,
			Window:        15 * time.Minute,
			SweepInterval: time.Minute,
		},
		Outbox: OutboxConfig{
			PollInterval: 2 * time.Second,
			BatchSize:    50,
			MaxAttempts:  8,
			RatePerSec:   20,
		},
		Live: LiveConfig{
			QueueSize:     32,
			ChangeChannel: "settlement_changes",
		},
		SignerKeys: map[string]string{},
	}
}

// Load reads path (a missing file is not an error) and applies env overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			var f configFile
			if err := yaml.Unmarshal(raw, &f); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
			f.apply(&cfg)
		case errors.Is(err, fs.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (f configFile) apply(cfg *Config) {
	setString(&cfg.HTTPAddr, f.Service.HTTPAddr)
	setSeconds(&cfg.SettlementTimeout, f.Service.SettlementTimeout)
	setSeconds(&cfg.ResolutionLease, f.Service.ResolutionLease)
	setString(&cfg.DatabaseURL, f.Database.URL)
	setString(&cfg.RedisURL, f.Redis.URL)
	setString(&cfg.JWTSecret, f.Auth.JWTSecret)
	setString(&cfg.Ledger.RPCURL, f.Ledger.RPCURL)
	setString(&cfg.Ledger.Namespace, f.Ledger.Namespace)
	setMillis(&cfg.Ledger.PollInterval, f.Ledger.PollIntervalMS)
	setInt(&cfg.Ledger.MaxAttempts, f.Ledger.MaxAttempts)
	setString(&cfg.Ledger.PlatformSigner, f.Ledger.PlatformSigner)
	for id, seed := range f.Ledger.Signers {
		cfg.SignerKeys[id] = seed
	}
	setInt(&cfg.RateLimit.MaxAttempts, f.RateLimit.MaxAttempts)
	setMillis(&cfg.RateLimit.Window, f.RateLimit.WindowMS)
	setMillis(&cfg.RateLimit.SweepInterval, f.RateLimit.SweepIntervalMS)
	setMillis(&cfg.Outbox.PollInterval, f.Outbox.PollIntervalMS)
	setInt(&cfg.Outbox.BatchSize, f.Outbox.BatchSize)
	setInt(&cfg.Outbox.MaxAttempts, f.Outbox.MaxAttempts)
	if f.Outbox.RatePerSec > 0 {
		cfg.Outbox.RatePerSec = f.Outbox.RatePerSec
	}
	setInt(&cfg.Live.QueueSize, f.Live.QueueSize)
	if len(f.Live.AllowedOrigins) > 0 {
		cfg.Live.AllowedOrigins = f.Live.AllowedOrigins
	}
	setString(&cfg.Live.ChangeChannel, f.Live.ChangeChannel)
}

func applyEnv(cfg *Config) error {
	cfg.HTTPAddr = envOrDefault("HTTP_ADDR", cfg.HTTPAddr)
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)
	cfg.JWTSecret = envOrDefault("JWT_SECRET", cfg.JWTSecret)
	cfg.SettlementTimeout = time.Duration(envInt("SETTLEMENT_TIMEOUT_SEC", int(cfg.SettlementTimeout.Seconds()))) * time.Second
	cfg.ResolutionLease = time.Duration(envInt("RESOLUTION_LEASE_SEC", int(cfg.ResolutionLease.Seconds()))) * time.Second

	cfg.Ledger.RPCURL = envOrDefault("LEDGER_RPC_URL", cfg.Ledger.RPCURL)
	cfg.Ledger.Namespace = envOrDefault("LEDGER_NAMESPACE", cfg.Ledger.Namespace)
	cfg.Ledger.PollInterval = envMillis("CONFIRM_POLL_INTERVAL_MS", cfg.Ledger.PollInterval)
	cfg.Ledger.MaxAttempts = envInt("CONFIRM_MAX_ATTEMPTS", cfg.Ledger.MaxAttempts)
	cfg.Ledger.PlatformSigner = envOrDefault("PLATFORM_SIGNER", cfg.Ledger.PlatformSigner)

	cfg.RateLimit.MaxAttempts = envInt("RATE_LIMIT_MAX_ATTEMPTS", cfg.RateLimit.MaxAttempts)
	cfg.RateLimit.Window = envMillis("RATE_LIMIT_WINDOW_MS", cfg.RateLimit.Window)
	cfg.RateLimit.SweepInterval = envMillis("RATE_LIMIT_SWEEP_MS", cfg.RateLimit.SweepInterval)

	cfg.Outbox.PollInterval = envMillis("OUTBOX_POLL_MS", cfg.Outbox.PollInterval)
	cfg.Outbox.BatchSize = envInt("OUTBOX_BATCH_SIZE", cfg.Outbox.BatchSize)
	cfg.Outbox.MaxAttempts = envInt("OUTBOX_MAX_ATTEMPTS", cfg.Outbox.MaxAttempts)
	if raw := os.Getenv("NOTIFY_RATE_PER_SEC"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v > 0 {
			cfg.Outbox.RatePerSec = v
		}
	}

	cfg.Live.QueueSize = envInt("LIVE_QUEUE_SIZE", cfg.Live.QueueSize)
	if raw := os.Getenv("WS_ALLOWED_ORIGINS"); raw != "" {
		cfg.Live.AllowedOrigins = splitList(raw)
	}

	if raw := os.Getenv("SIGNER_KEYS"); raw != "" {
		for _, pair := range splitList(raw) {
			id, seed, ok := strings.Cut(pair, "=")
			if !ok || strings.TrimSpace(id) == "" {
				return fmt.Errorf("config: malformed SIGNER_KEYS entry %q", pair)
			}
			cfg.SignerKeys[strings.TrimSpace(id)] = strings.TrimSpace(seed)
		}
	}
	return nil
}

// Validate rejects configurations the settlement components cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Ledger.PollInterval <= 0:
		return errors.New("config: ledger poll interval must be positive")
	case c.Ledger.MaxAttempts <= 0:
		return errors.New("config: ledger max attempts must be positive")
	case c.RateLimit.MaxAttempts <= 0:
		return errors.New("config: rate limit max attempts must be positive")
	case c.RateLimit.Window <= 0:
		return errors.New("config: rate limit window must be positive")
	case c.Outbox.BatchSize <= 0:
		return errors.New("config: outbox batch size must be positive")
	}
	return nil
}

func envOrDefault(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envMillis(name string, fallback time.Duration) time.Duration {
	return time.Duration(envInt(name, int(fallback/time.Millisecond))) * time.Millisecond
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func setSeconds(dst *time.Duration, v int) {
	if v > 0 {
		*dst = time.Duration(v) * time.Second
	}
}

func setMillis(dst *time.Duration, v int) {
	if v > 0 {
		*dst = time.Duration(v) * time.Millisecond
	}
}
