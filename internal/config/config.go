package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBUser  string
	DBPass  string
	DBHost  string
	DBPort  string
	DBName  string
	SSLMode string

	RedisHost string
	RedisPort string
	NatsHost  string
	NatsPort  string

	ApiPort    string
	ApiEnabled string

	OpenAIKey    string
	AnthropicKey string
	MistralKey   string
	ChatOrder    []string

	RateProvider string // memory | redis
	RateLimit    int
	RateWindow   time.Duration

	MemoryMaxTurns int

	RetryMax       int
	RetryBackoff   time.Duration
	AttemptTimeout time.Duration

	BonusInterval time.Duration
}

// New loads and validates configuration from environment variables.
// The HTTP API is optional: if TOLLGATE_API_ENABLED != "true", ApiAddr()
// returns an error and the HTTP server simply won't start.
func New() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DBUser:  os.Getenv("TOLLGATE_POSTGRES_USER"),
		DBPass:  os.Getenv("TOLLGATE_POSTGRES_PASSWORD"),
		DBHost:  os.Getenv("TOLLGATE_POSTGRES_HOST"),
		DBPort:  os.Getenv("TOLLGATE_POSTGRES_PORT"),
		DBName:  os.Getenv("TOLLGATE_POSTGRES_DB"),
		SSLMode: os.Getenv("TOLLGATE_POSTGRES_SSLMODE"),

		RedisHost: os.Getenv("TOLLGATE_REDIS_HOST"),
		RedisPort: os.Getenv("TOLLGATE_REDIS_PORT"),
		NatsHost:  os.Getenv("TOLLGATE_NATS_HOST"),
		NatsPort:  os.Getenv("TOLLGATE_NATS_PORT"),

		ApiPort:    os.Getenv("TOLLGATE_API_PORT"),
		ApiEnabled: os.Getenv("TOLLGATE_API_ENABLED"),

		OpenAIKey:    os.Getenv("OPENAI_API_KEY"),
		AnthropicKey: os.Getenv("ANTHROPIC_API_KEY"),
		MistralKey:   os.Getenv("MISTRAL_API_KEY"),

		RateProvider: getEnvDefault("TOLLGATE_RATE_PROVIDER", "memory"),
		RateLimit:    getEnvInt("TOLLGATE_RATE_LIMIT", 5),
		RateWindow:   time.Duration(getEnvInt("TOLLGATE_RATE_WINDOW_SECONDS", 60)) * time.Second,

		MemoryMaxTurns: getEnvInt("TOLLGATE_MEMORY_MAX_TURNS", 20),

		RetryMax:       getEnvInt("TOLLGATE_RETRY_MAX", 2),
		RetryBackoff:   time.Duration(getEnvInt("TOLLGATE_RETRY_BACKOFF_MS", 500)) * time.Millisecond,
		AttemptTimeout: time.Duration(getEnvInt("TOLLGATE_ATTEMPT_TIMEOUT_SECONDS", 30)) * time.Second,

		BonusInterval: time.Duration(getEnvInt("TOLLGATE_BONUS_SWEEP_MINUTES", 60)) * time.Minute,
	}

	order := getEnvDefault("TOLLGATE_CHAT_ORDER", "openai,claude,mistral")
	for _, name := range strings.Split(order, ",") {
		if name = strings.TrimSpace(name); name != "" {
			cfg.ChatOrder = append(cfg.ChatOrder, name)
		}
	}

	// Required: database
	if cfg.DBUser == "" || cfg.DBHost == "" || cfg.DBName == "" || cfg.SSLMode == "" {
		return nil, fmt.Errorf("missing required env for database: TOLLGATE_POSTGRES_USER/HOST/DB/SSLMODE")
	}

	// Required: redis
	if cfg.RedisHost == "" || cfg.RedisPort == "" {
		return nil, fmt.Errorf("missing required env for redis: TOLLGATE_REDIS_HOST/PORT")
	}

	// Required: nats
	if cfg.NatsHost == "" || cfg.NatsPort == "" {
		return nil, fmt.Errorf("missing required env for nats: TOLLGATE_NATS_HOST/PORT")
	}

	if cfg.RateProvider != "memory" && cfg.RateProvider != "redis" {
		return nil, fmt.Errorf("invalid rate provider %q, must be 'memory' or 'redis'", cfg.RateProvider)
	}

	// At least one chat backend must be usable.
	if cfg.OpenAIKey == "" && cfg.AnthropicKey == "" && cfg.MistralKey == "" {
		return nil, fmt.Errorf("missing provider credentials: set at least one of OPENAI_API_KEY/ANTHROPIC_API_KEY/MISTRAL_API_KEY")
	}

	return cfg, nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPass, c.DBHost, c.DBPort, c.DBName, c.SSLMode)
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

func (c *Config) NatsAddr() string {
	return fmt.Sprintf("nats://%s:%s", c.NatsHost, c.NatsPort)
}

// ApiAddr returns the HTTP listen address if the API is enabled.
// Returns an error if TOLLGATE_API_ENABLED != "true"; callers should skip
// starting the HTTP server.
func (c *Config) ApiAddr() (string, error) {
	if c.ApiEnabled == "true" {
		if c.ApiPort == "" {
			return "", fmt.Errorf("TOLLGATE_API_PORT is required when TOLLGATE_API_ENABLED=true")
		}
		return ":" + c.ApiPort, nil
	}
	return "", fmt.Errorf("HTTP API is disabled (TOLLGATE_API_ENABLED != true)")
}

func getEnvDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var intVal int
	if _, err := fmt.Sscanf(val, "%d", &intVal); err != nil {
		return defaultVal
	}
	return intVal
}
