package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ConfigFileEnv names the optional YAML config file. Env vars override its values.
const ConfigFileEnv = "CHATSYNC_CONFIG_FILE"

// Config contains all runtime configuration.
type Config struct {
	Account      string `yaml:"account"`
	Location     string `yaml:"location"`
	Visitor      string `yaml:"visitor"`
	ChatInstance string `yaml:"chat_instance"`
	BaseURL      string `yaml:"base_url"`

	PollInterval       time.Duration `yaml:"poll_interval"`
	PollTimeout        time.Duration `yaml:"poll_timeout"`
	StallWarnThreshold int           `yaml:"stall_warn_threshold"`
	TypingInterval     time.Duration `yaml:"typing_interval"`

	// HistoryBackend is one of memory, sqlite, postgres.
	HistoryBackend string `yaml:"history_backend"`
	// KeystoreBackend is one of memory, pebble, redis.
	KeystoreBackend string `yaml:"keystore_backend"`
	DataDir         string `yaml:"data_dir"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	DatabaseURL string `yaml:"database_url"`
	DBSchema    string `yaml:"db_schema"`
	DBMaxConns  int32  `yaml:"db_max_conns"`
	DBMinConns  int32  `yaml:"db_min_conns"`

	AdminAddr         string        `yaml:"admin_addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	SimAddr     string `yaml:"sim_addr"`
	SimPageSize int    `yaml:"sim_page_size"`
	// If true, CHATSYNC_TOKEN_HMAC_KEY MUST be set (>= 32 bytes) for the simulated backend.
	SimRequireTokenHMAC bool `yaml:"sim_require_token_hmac"`
}

func defaultConfig() Config {
	return Config{
		Visitor:            "anonymous",
		BaseURL:            "http://127.0.0.1:8090",
		PollInterval:       60 * time.Second,
		PollTimeout:        30 * time.Second,
		StallWarnThreshold: 5,
		TypingInterval:     3 * time.Second,
		HistoryBackend:     "sqlite",
		KeystoreBackend:    "pebble",
		DataDir:            ".chatsync",
		DBSchema:           "chatsync",
		DBMaxConns:         10,
		AdminAddr:          "127.0.0.1:9464",
		ReadHeaderTimeout:  5 * time.Second,
		ReadTimeout:        15 * time.Second,
		WriteTimeout:       15 * time.Second,
		IdleTimeout:        60 * time.Second,
		LogLevel:           "info",
		LogFormat:          "json",
		SimAddr:            "127.0.0.1:8090",
		SimPageSize:        100,
	}
}

// LoadConfig loads an optional .env file, then the optional YAML file named by
// CHATSYNC_CONFIG_FILE, then CHATSYNC_* env vars on top.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: .env: %w", err)
	}

	base := defaultConfig()
	if path := EnvString(ConfigFileEnv, ""); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &base); err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", path, err)
		}
	}

	cfg := applyEnv(base)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(b Config) Config {
	return Config{
		Account:      EnvString("CHATSYNC_ACCOUNT", b.Account),
		Location:     EnvString("CHATSYNC_LOCATION", b.Location),
		Visitor:      EnvString("CHATSYNC_VISITOR", b.Visitor),
		ChatInstance: EnvString("CHATSYNC_CHAT_INSTANCE", b.ChatInstance),
		BaseURL:      EnvString("CHATSYNC_BASE_URL", b.BaseURL),

		PollInterval:       EnvDuration("CHATSYNC_POLL_INTERVAL", b.PollInterval),
		PollTimeout:        EnvDuration("CHATSYNC_POLL_TIMEOUT", b.PollTimeout),
		StallWarnThreshold: EnvInt("CHATSYNC_STALL_WARN_THRESHOLD", b.StallWarnThreshold),
		TypingInterval:     EnvDuration("CHATSYNC_TYPING_INTERVAL", b.TypingInterval),

		HistoryBackend:  strings.ToLower(EnvString("CHATSYNC_HISTORY_BACKEND", b.HistoryBackend)),
		KeystoreBackend: strings.ToLower(EnvString("CHATSYNC_KEYSTORE_BACKEND", b.KeystoreBackend)),
		DataDir:         EnvString("CHATSYNC_DATA_DIR", b.DataDir),

		RedisAddr:     EnvString("CHATSYNC_REDIS_ADDR", b.RedisAddr),
		RedisPassword: EnvString("CHATSYNC_REDIS_PASSWORD", b.RedisPassword),
		RedisDB:       EnvInt("CHATSYNC_REDIS_DB", b.RedisDB),

		DatabaseURL: EnvString("CHATSYNC_DATABASE_URL", b.DatabaseURL),
		DBSchema:    EnvString("CHATSYNC_DB_SCHEMA", b.DBSchema),
		DBMaxConns:  EnvInt32("CHATSYNC_DB_MAX_CONNS", b.DBMaxConns),
		DBMinConns:  EnvInt32("CHATSYNC_DB_MIN_CONNS", b.DBMinConns),

		AdminAddr:         EnvString("CHATSYNC_ADMIN_ADDR", b.AdminAddr),
		ReadHeaderTimeout: EnvDuration("CHATSYNC_HTTP_READ_HEADER_TIMEOUT", b.ReadHeaderTimeout),
		ReadTimeout:       EnvDuration("CHATSYNC_HTTP_READ_TIMEOUT", b.ReadTimeout),
		WriteTimeout:      EnvDuration("CHATSYNC_HTTP_WRITE_TIMEOUT", b.WriteTimeout),
		IdleTimeout:       EnvDuration("CHATSYNC_HTTP_IDLE_TIMEOUT", b.IdleTimeout),

		LogLevel:  EnvString("CHATSYNC_LOG_LEVEL", b.LogLevel),
		LogFormat: strings.ToLower(EnvString("CHATSYNC_LOG_FORMAT", b.LogFormat)),

		SimAddr:             EnvString("CHATSYNC_SIM_ADDR", b.SimAddr),
		SimPageSize:         EnvInt("CHATSYNC_SIM_PAGE_SIZE", b.SimPageSize),
		SimRequireTokenHMAC: EnvBool("CHATSYNC_SIM_REQUIRE_TOKEN_HMAC", b.SimRequireTokenHMAC),
	}
}

// Validate checks backend selections and their required settings.
func (c Config) Validate() error {
	switch c.HistoryBackend {
	case "memory", "sqlite":
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("config: history backend postgres requires CHATSYNC_DATABASE_URL")
		}
	default:
		return fmt.Errorf("config: unknown history backend %q", c.HistoryBackend)
	}

	switch c.KeystoreBackend {
	case "memory", "pebble":
	case "redis":
		if c.RedisAddr == "" {
			return errors.New("config: keystore backend redis requires CHATSYNC_REDIS_ADDR")
		}
	default:
		return fmt.Errorf("config: unknown keystore backend %q", c.KeystoreBackend)
	}

	switch c.LogFormat {
	case "json", "pretty":
	default:
		return fmt.Errorf("config: unknown log format %q", c.LogFormat)
	}
	return nil
}
