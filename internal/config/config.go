package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	defaultAnthropicModel      = "claude-sonnet-4-5"
	defaultAnthropicTitleModel = "claude-haiku-4-5"
	defaultAnthropicVersion    = "2023-06-01"
	defaultAnthropicMaxTokens  = 4096
	defaultStorageDriver       = "sqlite"
	defaultStorageDSN          = "agfinbot.db"
	defaultStorageDir          = ".agfinbot/sessions"
	defaultStorageRetries      = 2
	defaultStorageRetryDelay   = "50ms"
	defaultStreamReconnects    = 3
	defaultReconnectBaseDelay  = "500ms"
	defaultReconnectMaxDelay   = "5s"
	defaultFetchTimeout        = "30s"
	defaultContextBudget       = 150000
	defaultKeepRecent          = 10
	defaultHistoryLimit        = 50
	defaultIdleTTL             = "30m"
	defaultServerAddr          = ":8080"
	defaultLogLevel            = "info"
	defaultLogFormat           = "text"
	defaultConfigRelativePath  = ".config/agfinbot/config.toml"
	envAnthropicAPIKey         = "ANTHROPIC_API_KEY"
	envAnthropicModel          = "AGFINBOT_ANTHROPIC_MODEL"
	envAnthropicBaseURL        = "AGFINBOT_ANTHROPIC_BASE_URL"
	envStorageDriver           = "AGFINBOT_STORAGE_DRIVER"
	envStorageDSN              = "AGFINBOT_STORAGE_DSN"
	envStorageDir              = "AGFINBOT_STORAGE_DIR"
	envStreamReconnects        = "AGFINBOT_STREAM_RECONNECTS"
	envServerAddr              = "AGFINBOT_SERVER_ADDR"
	envLogLevel                = "AGFINBOT_LOG_LEVEL"
	envLogFormat               = "AGFINBOT_LOG_FORMAT"
)

var (
	// ErrInvalidConfig indicates malformed configuration input.
	ErrInvalidConfig = errors.New("invalid config")
)

// Config is the application configuration root.
type Config struct {
	Provider ProviderConfig `toml:"provider"`
	Storage  StorageConfig  `toml:"storage"`
	Chat     ChatConfig     `toml:"chat"`
	Server   ServerConfig   `toml:"server"`
	Log      LogConfig      `toml:"log"`
}

// ProviderConfig configures model providers.
type ProviderConfig struct {
	Anthropic AnthropicProviderConfig `toml:"anthropic"`
}

// AnthropicProviderConfig configures Anthropic-specific runtime values.
type AnthropicProviderConfig struct {
	APIKey      string   `toml:"api_key"`
	Model       string   `toml:"model"`
	TitleModel  string   `toml:"title_model"`
	BaseURL     string   `toml:"base_url"`
	Version     string   `toml:"version"`
	MaxTokens   int      `toml:"max_tokens"`
	Temperature *float64 `toml:"temperature"`
}

// StorageConfig selects and tunes the persistence backend.
type StorageConfig struct {
	// Driver is sqlite, mysql or jsonl.
	Driver         string `toml:"driver"`
	DSN            string `toml:"dsn"`
	Dir            string `toml:"dir"`
	RetryAttempts  int    `toml:"retry_attempts"`
	RetryBaseDelay string `toml:"retry_base_delay"`
}

// ChatConfig tunes conversation engines and prompt history.
type ChatConfig struct {
	StreamReconnects    int    `toml:"stream_reconnects"`
	ReconnectBaseDelay  string `toml:"reconnect_base_delay"`
	ReconnectMaxDelay   string `toml:"reconnect_max_delay"`
	FetchTimeout        string `toml:"fetch_timeout"`
	ContextBudgetTokens int    `toml:"context_budget_tokens"`
	KeepRecent          int    `toml:"keep_recent"`
	HistoryLimit        int    `toml:"history_limit"`
	IdleTTL             string `toml:"idle_ttl"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr string `toml:"addr"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// LoadOptions controls config loading behavior.
type LoadOptions struct {
	Path string
}

// ChatSettings is the parsed chat configuration.
type ChatSettings struct {
	StreamReconnects   int
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	FetchTimeout       time.Duration
	ContextBudget      int
	KeepRecent         int
	HistoryLimit       int
	IdleTTL            time.Duration
}

// StorageSettings is the parsed storage configuration.
type StorageSettings struct {
	Driver         string
	DSN            string
	Dir            string
	RetryAttempts  int
	RetryBaseDelay time.Duration
}

// Default returns application defaults.
func Default() Config {
	return Config{
		Provider: ProviderConfig{
			Anthropic: AnthropicProviderConfig{
				Model:      defaultAnthropicModel,
				TitleModel: defaultAnthropicTitleModel,
				Version:    defaultAnthropicVersion,
				MaxTokens:  defaultAnthropicMaxTokens,
			},
		},
		Storage: StorageConfig{
			Driver:         defaultStorageDriver,
			DSN:            defaultStorageDSN,
			Dir:            defaultStorageDir,
			RetryAttempts:  defaultStorageRetries,
			RetryBaseDelay: defaultStorageRetryDelay,
		},
		Chat: ChatConfig{
			StreamReconnects:    defaultStreamReconnects,
			ReconnectBaseDelay:  defaultReconnectBaseDelay,
			ReconnectMaxDelay:   defaultReconnectMaxDelay,
			FetchTimeout:        defaultFetchTimeout,
			ContextBudgetTokens: defaultContextBudget,
			KeepRecent:          defaultKeepRecent,
			HistoryLimit:        defaultHistoryLimit,
			IdleTTL:             defaultIdleTTL,
		},
		Server: ServerConfig{Addr: defaultServerAddr},
		Log:    LogConfig{Level: defaultLogLevel, Format: defaultLogFormat},
	}
}

// Load reads config file then applies environment variable overrides.
func Load(opts LoadOptions) (Config, error) {
	cfg := Default()

	path := strings.TrimSpace(opts.Path)
	if path == "" {
		path = defaultConfigPath()
	}

	if err := mergeConfigFile(&cfg, path); err != nil {
		return Config{}, err
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ChatSettings returns validated chat settings. A negative StreamReconnects
// disables reconnecting.
func (c Config) ChatSettings() (ChatSettings, error) {
	base, err := parseDuration("chat.reconnect_base_delay", c.Chat.ReconnectBaseDelay)
	if err != nil {
		return ChatSettings{}, err
	}
	maxDelay, err := parseDuration("chat.reconnect_max_delay", c.Chat.ReconnectMaxDelay)
	if err != nil {
		return ChatSettings{}, err
	}
	fetch, err := parseDuration("chat.fetch_timeout", c.Chat.FetchTimeout)
	if err != nil {
		return ChatSettings{}, err
	}
	idle, err := parseDuration("chat.idle_ttl", c.Chat.IdleTTL)
	if err != nil {
		return ChatSettings{}, err
	}
	if c.Chat.ContextBudgetTokens < 0 || c.Chat.KeepRecent < 0 || c.Chat.HistoryLimit < 0 {
		return ChatSettings{}, fmt.Errorf("%w: chat token and message limits must be >= 0", ErrInvalidConfig)
	}
	return ChatSettings{
		StreamReconnects:   c.Chat.StreamReconnects,
		ReconnectBaseDelay: base,
		ReconnectMaxDelay:  maxDelay,
		FetchTimeout:       fetch,
		ContextBudget:      c.Chat.ContextBudgetTokens,
		KeepRecent:         c.Chat.KeepRecent,
		HistoryLimit:       c.Chat.HistoryLimit,
		IdleTTL:            idle,
	}, nil
}

// StorageSettings returns validated storage settings.
func (c Config) StorageSettings() (StorageSettings, error) {
	driver := strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	switch driver {
	case "sqlite", "mysql":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return StorageSettings{}, fmt.Errorf("%w: storage.dsn is required for %s", ErrInvalidConfig, driver)
		}
	case "jsonl":
		if strings.TrimSpace(c.Storage.Dir) == "" {
			return StorageSettings{}, fmt.Errorf("%w: storage.dir is required for jsonl", ErrInvalidConfig)
		}
	default:
		return StorageSettings{}, fmt.Errorf("%w: storage.driver %q must be sqlite, mysql or jsonl", ErrInvalidConfig, c.Storage.Driver)
	}
	delay, err := parseDuration("storage.retry_base_delay", c.Storage.RetryBaseDelay)
	if err != nil {
		return StorageSettings{}, err
	}
	return StorageSettings{
		Driver:         driver,
		DSN:            strings.TrimSpace(c.Storage.DSN),
		Dir:            strings.TrimSpace(c.Storage.Dir),
		RetryAttempts:  c.Storage.RetryAttempts,
		RetryBaseDelay: delay,
	}, nil
}

func parseDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: %s must be >= 0", ErrInvalidConfig, field)
	}
	return d, nil
}

func mergeConfigFile(cfg *Config, path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("%w: parse config file %s: %v", ErrInvalidConfig, path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if value, ok := os.LookupEnv(envAnthropicAPIKey); ok {
		cfg.Provider.Anthropic.APIKey = value
	}
	setString := func(name string, dst *string) {
		if value, ok := os.LookupEnv(name); ok && strings.TrimSpace(value) != "" {
			*dst = strings.TrimSpace(value)
		}
	}
	setString(envAnthropicModel, &cfg.Provider.Anthropic.Model)
	setString(envAnthropicBaseURL, &cfg.Provider.Anthropic.BaseURL)
	setString(envStorageDriver, &cfg.Storage.Driver)
	setString(envStorageDSN, &cfg.Storage.DSN)
	setString(envStorageDir, &cfg.Storage.Dir)
	setString(envServerAddr, &cfg.Server.Addr)
	setString(envLogLevel, &cfg.Log.Level)
	setString(envLogFormat, &cfg.Log.Format)

	if value, ok := os.LookupEnv(envStreamReconnects); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, envStreamReconnects, err)
		}
		cfg.Chat.StreamReconnects = parsed
	}
	return nil
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Provider.Anthropic.Model) == "" {
		return fmt.Errorf("%w: provider.anthropic.model is required", ErrInvalidConfig)
	}
	if cfg.Provider.Anthropic.MaxTokens < 0 {
		return fmt.Errorf("%w: provider.anthropic.max_tokens must be >= 0", ErrInvalidConfig)
	}
	if t := cfg.Provider.Anthropic.Temperature; t != nil && (*t < 0 || *t > 1) {
		return fmt.Errorf("%w: provider.anthropic.temperature must be within [0, 1]", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.Server.Addr) == "" {
		return fmt.Errorf("%w: server.addr is required", ErrInvalidConfig)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Log.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log.level %q must be debug, info, warn or error", ErrInvalidConfig, cfg.Log.Level)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Log.Format)) {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log.format %q must be text or json", ErrInvalidConfig, cfg.Log.Format)
	}
	if _, err := cfg.ChatSettings(); err != nil {
		return err
	}
	if _, err := cfg.StorageSettings(); err != nil {
		return err
	}
	return nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, defaultConfigRelativePath)
}
