package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Auth          AuthConfig
	Providers     ProvidersConfig
	Collaborators CollaboratorsConfig
	Policy        PolicyConfig
	Audit         AuditConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// AuthConfig holds JWT authentication configuration
type AuthConfig struct {
	JWTSecret string
}

// ProvidersConfig holds generation provider configurations
type ProvidersConfig struct {
	Primary   string // provider id tried when the requested one is missing
	OpenAI    OpenAIConfig
	Anthropic AnthropicConfig
	Ollama    OllamaConfig
}

// OpenAIConfig holds OpenAI provider configuration
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// AnthropicConfig holds Anthropic provider configuration
type AnthropicConfig struct {
	APIKey    string
	Model     string
	MaxTokens int
}

// OllamaConfig holds local Ollama provider configuration
type OllamaConfig struct {
	Host    string
	Model   string
	Timeout time.Duration
}

// CollaboratorsConfig holds external collaborator endpoints
type CollaboratorsConfig struct {
	Retrieval       CollaboratorConfig
	Personalization CollaboratorConfig
	Tools           CollaboratorConfig
}

// CollaboratorConfig holds a single collaborator endpoint configuration
type CollaboratorConfig struct {
	BaseURL string
	Timeout time.Duration
	Enabled bool
}

// PolicyConfig holds policy engine configuration
type PolicyConfig struct {
	FilePath          string // optional YAML file appended to the default set
	MaxToolIterations int
	RateSweepInterval time.Duration
	RateRetention     time.Duration
}

// AuditConfig holds audit pipeline configuration
type AuditConfig struct {
	DatabaseURL string // optional Postgres sink; empty keeps audit in memory only
	BufferSize  int
	WorkerCount int
	RingSize    int
}

// ObservabilityConfig holds logging configuration
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string // json or text
}

// New creates a new Config instance by loading environment variables
func New() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 0), // 0: streaming responses must not be cut off
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
		},
		Providers: ProvidersConfig{
			Primary: getEnv("PROVIDER_PRIMARY", "openai"),
			OpenAI: OpenAIConfig{
				APIKey:  getEnv("OPENAI_API_KEY", ""),
				BaseURL: getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
				Model:   getEnv("OPENAI_MODEL", "gpt-4-turbo"),
				Timeout: getEnvAsDuration("OPENAI_TIMEOUT", 120*time.Second),
			},
			Anthropic: AnthropicConfig{
				APIKey:    getEnv("ANTHROPIC_API_KEY", ""),
				Model:     getEnv("ANTHROPIC_MODEL", "claude-3-opus-20240229"),
				MaxTokens: getEnvAsInt("ANTHROPIC_MAX_TOKENS", 2048),
			},
			Ollama: OllamaConfig{
				Host:    getEnv("OLLAMA_HOST", "http://localhost:11434"),
				Model:   getEnv("OLLAMA_MODEL", "llama3:latest"),
				Timeout: getEnvAsDuration("OLLAMA_TIMEOUT", 120*time.Second),
			},
		},
		Collaborators: CollaboratorsConfig{
			Retrieval: CollaboratorConfig{
				BaseURL: getEnv("RETRIEVAL_URL", "http://localhost:8000"),
				Timeout: getEnvAsDuration("RETRIEVAL_TIMEOUT", 3*time.Second),
				Enabled: getEnvAsBool("RETRIEVAL_ENABLED", false),
			},
			Personalization: CollaboratorConfig{
				BaseURL: getEnv("PERSONALIZATION_URL", "http://localhost:8001"),
				Timeout: getEnvAsDuration("PERSONALIZATION_TIMEOUT", 3*time.Second),
				Enabled: getEnvAsBool("PERSONALIZATION_ENABLED", false),
			},
			Tools: CollaboratorConfig{
				BaseURL: getEnv("TOOLS_URL", "http://localhost:8002"),
				Timeout: getEnvAsDuration("TOOLS_TIMEOUT", 30*time.Second),
				Enabled: getEnvAsBool("TOOLS_ENABLED", false),
			},
		},
		Policy: PolicyConfig{
			FilePath:          getEnv("POLICY_FILE", ""),
			MaxToolIterations: getEnvAsInt("MAX_TOOL_ITERATIONS", 5),
			RateSweepInterval: getEnvAsDuration("RATE_SWEEP_INTERVAL", 10*time.Minute),
			RateRetention:     getEnvAsDuration("RATE_RETENTION", 24*time.Hour),
		},
		Audit: AuditConfig{
			DatabaseURL: getEnv("AUDIT_DATABASE_URL", ""),
			BufferSize:  getEnvAsInt("AUDIT_BUFFER_SIZE", 10000),
			WorkerCount: getEnvAsInt("AUDIT_WORKER_COUNT", 2),
			RingSize:    getEnvAsInt("AUDIT_RING_SIZE", 10000),
		},
		Observability: ObservabilityConfig{
			LogLevel:  getEnv("LOG_LEVEL", "info"),
			LogFormat: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}
	if c.Policy.MaxToolIterations <= 0 {
		return fmt.Errorf("max tool iterations must be positive")
	}
	if c.IsProduction() && c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT secret is required in production")
	}
	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
