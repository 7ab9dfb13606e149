package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Config struct {
	API    APIConfig    `yaml:"api" toml:"api"`
	Chat   ChatConfig   `yaml:"chat" toml:"chat"`
	Layout LayoutConfig `yaml:"layout" toml:"layout"`
	Store  StoreConfig  `yaml:"store" toml:"store"`
	NATS   NATSConfig   `yaml:"nats" toml:"nats"`
	Web    WebConfig    `yaml:"web" toml:"web"`
	Log    LogConfig    `yaml:"log" toml:"log"`
}

// APIConfig points at the remote agent/task service.
type APIConfig struct {
	BaseURL string        `yaml:"base_url" toml:"base_url"`
	Token   string        `yaml:"token" toml:"token"`
	UserID  int           `yaml:"user_id" toml:"user_id"`
	Timeout time.Duration `yaml:"timeout" toml:"timeout"` // zero means no client-side timeout
}

type ChatConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval" toml:"poll_interval"`
	ExpectedOutput string        `yaml:"expected_output" toml:"expected_output"`
}

type LayoutConfig struct {
	CenterX float64 `yaml:"center_x" toml:"center_x"`
	CenterY float64 `yaml:"center_y" toml:"center_y"`
	Radius  float64 `yaml:"radius" toml:"radius"`
}

type StoreConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// NATSConfig controls the embedded event bus. Port -1 picks a free port.
type NATSConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
	Port    int  `yaml:"port" toml:"port"`
}

type WebConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
	Port    int  `yaml:"port" toml:"port"`
}

type LogConfig struct {
	Level string `yaml:"level" toml:"level"`
}

func defaults() Config {
	return Config{
		API: APIConfig{
			BaseURL: "http://localhost:8000/api/v1",
			UserID:  1,
		},
		Chat: ChatConfig{
			PollInterval:   time.Second,
			ExpectedOutput: "A helpful response to the user's message",
		},
		Layout: LayoutConfig{
			CenterX: 400,
			CenterY: 300,
			Radius:  250,
		},
		Store: StoreConfig{
			Path: "data/agentflow.db",
		},
		NATS: NATSConfig{
			Enabled: true,
			Port:    4222,
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("AGENTFLOW_CONFIG")
	if path == "" {
		path = "config/agentflow.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else if err := parse(path, os.ExpandEnv(string(data)), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// parse decodes TOML for .toml files and YAML for anything else.
func parse(path, data string, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		_, err := toml.Decode(data, cfg)
		return err
	}
	return yaml.Unmarshal([]byte(data), cfg)
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("AGENTFLOW_API_URL"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv("AGENTFLOW_TOKEN"); v != "" {
		cfg.API.Token = v
	}
	if v := os.Getenv("AGENTFLOW_USER_ID"); v != "" {
		if id, err := strconv.Atoi(v); err == nil {
			cfg.API.UserID = id
		}
	}
	if v := os.Getenv("AGENTFLOW_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Chat.PollInterval = d
		}
	}
	if v := os.Getenv("AGENTFLOW_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("AGENTFLOW_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("AGENTFLOW_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("AGENTFLOW_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func (c *Config) validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.Chat.PollInterval <= 0 {
		return fmt.Errorf("chat.poll_interval must be positive, got %s", c.Chat.PollInterval)
	}
	if c.Layout.Radius < 0 {
		return fmt.Errorf("layout.radius must not be negative")
	}
	return nil
}

// SlogLevel maps log.level to a slog level. Unknown values fall back to info.
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
