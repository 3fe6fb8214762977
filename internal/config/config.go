package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Log       LogConfig
	Server    ServerConfig
	Sessions  SessionsConfig
	Collab    CollabConfig
	Redis     RedisConfig
	Slack     SlackConfig
	Providers ProvidersConfig
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  zerolog.Level
	Format string // "json" or "text"
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
	PublicURL      string // used for links in notifications
}

// SessionsConfig holds transcript storage and registry settings.
type SessionsConfig struct {
	Dir     string
	IdleTTL time.Duration
}

// CollabConfig holds collaboration run settings.
type CollabConfig struct {
	MaxTurns         int
	InterTurnDelay   time.Duration
	AutoApprove      bool
	DecisionTimeout  time.Duration
	DecisionDefault  string
	MinRequestLength int
	OutputDir        string
}

// RedisConfig holds Redis connection settings. An empty Addr keeps event
// delivery in-process.
type RedisConfig struct {
	Addr     string
	Password string //nolint:gosec // G117: Redis connection config
	DB       int
}

// SlackConfig holds Slack integration settings.
type SlackConfig struct {
	BotToken      string
	Channel       string
	SigningSecret string
}

// Enabled reports whether decision notifications should be posted.
func (c SlackConfig) Enabled() bool {
	return c.BotToken != "" && c.Channel != ""
}

// ProvidersConfig holds model provider credentials. Only their presence is used.
type ProvidersConfig struct {
	OpenAIKey    string //nolint:gosec // G117: provider credential config
	AnthropicKey string //nolint:gosec // G117: provider credential config
	GeminiKey    string //nolint:gosec // G117: provider credential config
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	logLevel, err := getEnvLevel("ROUNDTABLE_LOG_LEVEL", zerolog.InfoLevel)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	readTimeout, err := getEnvDuration("ROUNDTABLE_SERVER_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	writeTimeout, err := getEnvDuration("ROUNDTABLE_SERVER_WRITE_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	rps, err := getEnvFloat("ROUNDTABLE_RATE_LIMIT_RPS", 20)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	burst, err := getEnvInt("ROUNDTABLE_RATE_LIMIT_BURST", 40)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	idleTTL, err := getEnvDuration("ROUNDTABLE_SESSION_IDLE_TTL", 30*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	autoApprove, err := getEnvBool("ROUNDTABLE_AUTO_APPROVE", true)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	maxTurns, err := getEnvInt("ROUNDTABLE_MAX_TURNS", 20)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	delaySeconds, err := getEnvFloat("ROUNDTABLE_INTER_TURN_DELAY_SECONDS", 3)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	timeoutSeconds, err := getEnvInt("ROUNDTABLE_DECISION_TIMEOUT_SECONDS", 300)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	minRequestLength, err := getEnvInt("ROUNDTABLE_MIN_REQUEST_LENGTH", 10)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	redisDB, err := getEnvInt("ROUNDTABLE_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	cfg := &Config{
		Log: LogConfig{
			Level:  logLevel,
			Format: strings.ToLower(getEnv("ROUNDTABLE_LOG_FORMAT", "json")),
		},
		Server: ServerConfig{
			Addr:           getEnv("ROUNDTABLE_SERVER_ADDR", ":8080"),
			ReadTimeout:    readTimeout,
			WriteTimeout:   writeTimeout,
			CORSOrigins:    getEnvList("ROUNDTABLE_CORS_ORIGINS", []string{"*"}),
			RateLimitRPS:   rps,
			RateLimitBurst: burst,
			PublicURL:      strings.TrimRight(getEnv("ROUNDTABLE_PUBLIC_URL", ""), "/"),
		},
		Sessions: SessionsConfig{
			Dir:     getEnv("ROUNDTABLE_SESSIONS_DIR", "./conversations"),
			IdleTTL: idleTTL,
		},
		Collab: CollabConfig{
			MaxTurns:         maxTurns,
			InterTurnDelay:   time.Duration(delaySeconds * float64(time.Second)),
			AutoApprove:      autoApprove,
			DecisionTimeout:  time.Duration(timeoutSeconds) * time.Second,
			DecisionDefault:  getEnv("ROUNDTABLE_DECISION_DEFAULT", "continue"),
			MinRequestLength: minRequestLength,
			OutputDir:        getEnv("ROUNDTABLE_OUTPUT_DIR", "./generated_projects"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("ROUNDTABLE_REDIS_ADDR", ""),
			Password: getEnv("ROUNDTABLE_REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Slack: SlackConfig{
			BotToken:      getEnv("ROUNDTABLE_SLACK_BOT_TOKEN", ""),
			Channel:       getEnv("ROUNDTABLE_SLACK_CHANNEL", ""),
			SigningSecret: getEnv("ROUNDTABLE_SLACK_SIGNING_SECRET", ""),
		},
		Providers: ProvidersConfig{
			OpenAIKey:    getEnv("OPENAI_API_KEY", ""),
			AnthropicKey: getEnv("ANTHROPIC_API_KEY", ""),
			GeminiKey:    getEnv("GEMINI_API_KEY", ""),
		},
	}

	err = cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	return cfg, nil
}

// validate checks required fields and value bounds.
func (c *Config) validate() error {
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("ROUNDTABLE_LOG_FORMAT must be json or text, got %q", c.Log.Format)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("ROUNDTABLE_SERVER_READ_TIMEOUT must be positive, got %s", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("ROUNDTABLE_SERVER_WRITE_TIMEOUT must be positive, got %s", c.Server.WriteTimeout)
	}
	if c.Server.RateLimitRPS <= 0 {
		return fmt.Errorf("ROUNDTABLE_RATE_LIMIT_RPS must be positive, got %g", c.Server.RateLimitRPS)
	}
	if c.Server.RateLimitBurst < 1 {
		return fmt.Errorf("ROUNDTABLE_RATE_LIMIT_BURST must be >= 1, got %d", c.Server.RateLimitBurst)
	}
	if c.Sessions.Dir == "" {
		return errors.New("ROUNDTABLE_SESSIONS_DIR is required")
	}
	if c.Sessions.IdleTTL <= 0 {
		return fmt.Errorf("ROUNDTABLE_SESSION_IDLE_TTL must be positive, got %s", c.Sessions.IdleTTL)
	}
	if c.Collab.MaxTurns < 1 {
		return fmt.Errorf("ROUNDTABLE_MAX_TURNS must be >= 1, got %d", c.Collab.MaxTurns)
	}
	if c.Collab.InterTurnDelay < 0 {
		return fmt.Errorf("ROUNDTABLE_INTER_TURN_DELAY_SECONDS must not be negative, got %s", c.Collab.InterTurnDelay)
	}
	if c.Collab.DecisionTimeout <= 0 {
		return fmt.Errorf("ROUNDTABLE_DECISION_TIMEOUT_SECONDS must be positive, got %s", c.Collab.DecisionTimeout)
	}
	if strings.TrimSpace(c.Collab.DecisionDefault) == "" {
		return errors.New("ROUNDTABLE_DECISION_DEFAULT must not be blank")
	}
	if c.Collab.MinRequestLength < 1 {
		return fmt.Errorf("ROUNDTABLE_MIN_REQUEST_LENGTH must be >= 1, got %d", c.Collab.MinRequestLength)
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("ROUNDTABLE_REDIS_DB must be >= 0, got %d", c.Redis.DB)
	}
	if (c.Slack.BotToken == "") != (c.Slack.Channel == "") {
		return errors.New("ROUNDTABLE_SLACK_BOT_TOKEN and ROUNDTABLE_SLACK_CHANNEL must be set together")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as float: %w", key, v, err)
	}
	return f, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parsing %s=%q as bool: %w", key, v, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, v, err)
	}
	return d, nil
}

func getEnvLevel(key string, fallback zerolog.Level) (zerolog.Level, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(v))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("parsing %s=%q as log level: %w", key, v, err)
	}
	return lvl, nil
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
