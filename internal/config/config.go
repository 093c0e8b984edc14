// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Port                string
	FrontendURL         string
	DBPath              string
	LogLevel            string
	AuthURL             string
	RelayURL            string
	RelayGRPCAddr       string // optional; enables gRPC health presence lookups
	DefaultAgentAddress string
	Agents              []string // address book seeded on first run
	AuthRefresh         time.Duration
	DirectoryTTL        time.Duration
	OnboardTimeout      time.Duration
	Autonomy            AutonomyConfig
	SSE                 SSEConfig
	ConversationLog     ConversationLogConfig
}

// AutonomyConfig holds autonomous-mode budget defaults.
type AutonomyConfig struct {
	DefaultTurns  int
	ContinueTurns int
}

// SSEConfig tunes the snapshot stream.
type SSEConfig struct {
	RetryDelay         time.Duration
	KeepaliveInterval  time.Duration
	MaxRequestBodySize int64
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// fileConfig is the optional YAML overlay named by OOCHAT_CONFIG.
type fileConfig struct {
	AuthURL             string   `yaml:"auth_url"`
	RelayURL            string   `yaml:"relay_url"`
	RelayGRPCAddr       string   `yaml:"relay_grpc_addr"`
	DefaultAgentAddress string   `yaml:"default_agent_address"`
	Agents              []string `yaml:"agents"`
	Autonomy            struct {
		DefaultTurns  int `yaml:"default_turns"`
		ContinueTurns int `yaml:"continue_turns"`
	} `yaml:"autonomy"`
}

// Load reads configuration from environment variables, then applies the
// optional YAML file named by OOCHAT_CONFIG.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		FrontendURL:         getEnv("FRONTEND_URL", ""),
		DBPath:              getEnv("DB_PATH", "./data/oochat.db"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		AuthURL:             getEnv("AUTH_URL", "https://oo.openonion.ai"),
		RelayURL:            getEnv("RELAY_URL", "wss://oo.openonion.ai"),
		RelayGRPCAddr:       getEnv("RELAY_GRPC_ADDR", ""),
		DefaultAgentAddress: getEnv("DEFAULT_AGENT_ADDRESS", ""),
		AuthRefresh:         getEnvDuration("AUTH_REFRESH_INTERVAL", 30*time.Minute),
		DirectoryTTL:        getEnvDuration("DIRECTORY_TTL", 30*time.Second),
		OnboardTimeout:      getEnvDuration("ONBOARD_TIMEOUT", 30*time.Second),
		Autonomy: AutonomyConfig{
			DefaultTurns:  getEnvInt("ULW_DEFAULT_TURNS", 100),
			ContinueTurns: getEnvInt("ULW_CONTINUE_TURNS", 100),
		},
		SSE: SSEConfig{
			RetryDelay:         getEnvDuration("SSE_RETRY_DELAY", 5*time.Second),
			KeepaliveInterval:  getEnvDuration("SSE_KEEPALIVE_INTERVAL", 10*time.Second),
			MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 8<<20)),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:   getEnvBool("CONVERSATION_LOG_ENABLED", false),
			Dir:       getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			QueueSize: queueSize,
		},
	}

	if path := os.Getenv("OOCHAT_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyFile overlays non-empty YAML values onto c.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fc.AuthURL != "" {
		c.AuthURL = fc.AuthURL
	}
	if fc.RelayURL != "" {
		c.RelayURL = fc.RelayURL
	}
	if fc.RelayGRPCAddr != "" {
		c.RelayGRPCAddr = fc.RelayGRPCAddr
	}
	if fc.DefaultAgentAddress != "" {
		c.DefaultAgentAddress = fc.DefaultAgentAddress
	}
	if len(fc.Agents) > 0 {
		c.Agents = fc.Agents
	}
	if fc.Autonomy.DefaultTurns > 0 {
		c.Autonomy.DefaultTurns = fc.Autonomy.DefaultTurns
	}
	if fc.Autonomy.ContinueTurns > 0 {
		c.Autonomy.ContinueTurns = fc.Autonomy.ContinueTurns
	}
	return nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.AuthURL == "" {
		return fmt.Errorf("AUTH_URL cannot be empty")
	}
	if c.RelayURL == "" {
		return fmt.Errorf("RELAY_URL cannot be empty")
	}
	if c.OnboardTimeout <= 0 {
		return fmt.Errorf("ONBOARD_TIMEOUT must be > 0")
	}
	if c.Autonomy.DefaultTurns <= 0 {
		return fmt.Errorf("ULW_DEFAULT_TURNS must be > 0")
	}
	if c.Autonomy.ContinueTurns <= 0 {
		return fmt.Errorf("ULW_CONTINUE_TURNS must be > 0")
	}
	if c.ConversationLog.Enabled && c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
