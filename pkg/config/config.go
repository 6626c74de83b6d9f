package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	envConfigPath = "TGRELAY_CONFIG"
	envPrefix     = "TGRELAY_"
	dotEnvFile    = ".env"
)

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	Telegram TelegramConfig `json:"telegram" envPrefix:"TELEGRAM_"`
	Bot      BotConfig      `json:"bot" envPrefix:"BOT_"`
	Group    GroupConfig    `json:"group" envPrefix:"GROUP_"`
	State    StateConfig    `json:"state" envPrefix:"STATE_"`
	Paste    PasteConfig    `json:"paste" envPrefix:"PASTE_"`
	Gateway  GatewayConfig  `json:"gateway" envPrefix:"GATEWAY_"`
	Logging  LoggingConfig  `json:"logging,omitempty"`
}

// TelegramConfig configures the Bot API connection and the bridged chat.
type TelegramConfig struct {
	Token              string  `json:"token" env:"TOKEN"`
	Username           string  `json:"username" env:"USERNAME"`
	GroupID            int64   `json:"group_id" env:"GROUP_ID"`
	Rate               float64 `json:"rate" env:"RATE"`
	Attempts           int     `json:"attempts" env:"ATTEMPTS"`
	PollTimeoutSeconds int     `json:"poll_timeout_seconds" env:"POLL_TIMEOUT_SECONDS"`
	MaxTextLength      int     `json:"max_text_length" env:"MAX_TEXT_LENGTH"`
	APIBase            string  `json:"api_base" env:"API_BASE"`
}

// BotConfig names the relay bot for humans.
type BotConfig struct {
	FullName string `json:"fullname" env:"FULLNAME"`
	Nickname string `json:"nickname" env:"NICKNAME"`
}

// GroupConfig names the bridged chat until its real title is seen.
type GroupConfig struct {
	Name string `json:"name" env:"NAME"`
}

// StateConfig locates the persistent state database.
type StateConfig struct {
	Path string `json:"path" env:"PATH"`
}

// PasteConfig configures the local media cache. An empty dir disables it.
type PasteConfig struct {
	Dir     string `json:"dir" env:"DIR"`
	BaseURL string `json:"base_url" env:"BASE_URL"`
	MaxSize int64  `json:"max_size" env:"MAX_SIZE"`
}

// GatewayConfig configures the health server bind settings.
type GatewayConfig struct {
	Host string `json:"host" env:"HOST"`
	Port int    `json:"port" env:"PORT"`
}

// LoggingConfig controls structured log output format and verbosity.
// Environment overrides for it are applied by the logger package.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
	File      string `json:"file,omitempty"`
}

// Default returns the configuration used for every field a file leaves unset.
func Default() *Config {
	return &Config{
		Telegram: TelegramConfig{
			Rate:               1.0 / 3,
			Attempts:           2,
			PollTimeoutSeconds: 10,
			MaxTextLength:      2048,
			APIBase:            "https://api.telegram.org",
		},
		Bot:     BotConfig{FullName: "Relay Bot", Nickname: "relay"},
		State:   StateConfig{Path: filepath.Join("data", "state.db")},
		Paste:   PasteConfig{MaxSize: 20 << 20},
		Gateway: GatewayConfig{Host: "127.0.0.1", Port: 18790},
	}
}

// LoadConfig resolves config.json, unmarshals it over the defaults, and
// applies .env and environment overrides.
func LoadConfig() (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(content, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate reports settings the relay cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}
	if c.Telegram.GroupID == 0 {
		errs = append(errs, errors.New("telegram.group_id is required"))
	}
	if c.Telegram.Rate < 0 {
		errs = append(errs, fmt.Errorf("telegram.rate must not be negative, got %v", c.Telegram.Rate))
	}
	if c.Paste.Dir != "" && strings.TrimSpace(c.Paste.BaseURL) == "" {
		errs = append(errs, errors.New("paste.base_url is required when paste.dir is set"))
	}
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port out of range: %d", c.Gateway.Port))
	}

	return errors.Join(errs...)
}

// loadDotEnv exports variables from a .env file in the working directory
// without overriding the real environment.
func loadDotEnv() error {
	if _, err := os.Stat(dotEnvFile); err != nil {
		return nil
	}
	if err := godotenv.Load(dotEnvFile); err != nil {
		return fmt.Errorf("load %s: %w", dotEnvFile, err)
	}

	return nil
}

// applyEnvOverrides injects TGRELAY_* environment settings on top of file config.
func applyEnvOverrides(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return fmt.Errorf("parse environment overrides: %w", err)
	}

	cfg.Telegram.Token = strings.TrimSpace(cfg.Telegram.Token)
	cfg.Telegram.Username = strings.TrimPrefix(strings.TrimSpace(cfg.Telegram.Username), "@")

	return nil
}

// findConfigPath resolves the active config file location.
//
// Precedence is TGRELAY_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("config.json not found (checked %s and %s)", candidates[0], candidates[1])
}
