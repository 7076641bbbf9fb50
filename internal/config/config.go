package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Adapter provider identifiers recognized in configuration.
const (
	ProviderOpenRouter = "openrouter"
	ProviderNative     = "native"
)

// Duration wraps time.Duration so config files can use values like
// "500ms" or "30s", matching the environment override format.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Tag == "!!null" || value.Value == "" {
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// Config represents the complete application configuration
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	AI             AIConfig             `yaml:"ai"`
	OCR            OCRConfig            `yaml:"ocr"`
	Database       DatabaseConfig       `yaml:"database"`
	Logging        LoggingConfig        `yaml:"logging"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

type ServerConfig struct {
	Host        string   `yaml:"host"`
	Port        string   `yaml:"port"`
	AppName     string   `yaml:"app_name"`
	RefererURL  string   `yaml:"referer_url"`
	CorsOrigins []string `yaml:"cors_origins"`
}

// AIConfig binds the primary adapter and the invocation policy shared by
// every generation call.
type AIConfig struct {
	Provider       string         `yaml:"provider"`
	APIKey         string         `yaml:"api_key"`
	BaseURL        string         `yaml:"base_url"`
	Model          string         `yaml:"model"`
	Fallback       FallbackConfig `yaml:"fallback"`
	RetryAttempts  int            `yaml:"retry_attempts"`
	RetryDelay     Duration       `yaml:"retry_delay"`
	AttemptTimeout Duration       `yaml:"attempt_timeout"`
}

// FallbackConfig binds the optional second adapter. An empty APIKey
// inherits the primary key when both adapters use the same provider.
type FallbackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Model    string `yaml:"model"`
}

// OCRConfig tunes the extraction pipeline. Model and FallbackModel are
// distinct vision-capable models, not two accounts of the same model.
type OCRConfig struct {
	Model          string   `yaml:"model"`
	FallbackModel  string   `yaml:"fallback_model"`
	RetryAttempts  int      `yaml:"retry_attempts"`
	RetryDelay     Duration `yaml:"retry_delay"`
	AttemptTimeout Duration `yaml:"attempt_timeout"`
	MaxConcurrency int      `yaml:"max_concurrency"`
	CacheSize      int      `yaml:"cache_size"`
}

type DatabaseConfig struct {
	EnablePersistence bool   `yaml:"enable_persistence"`
	URL               string `yaml:"url"`
	Host              string `yaml:"host"`
	Port              string `yaml:"port"`
	User              string `yaml:"user"`
	Password          string `yaml:"password"`
	Name              string `yaml:"name"`
	SSLMode           string `yaml:"ssl_mode"`
	Workers           int    `yaml:"workers"`
	BufferSize        int    `yaml:"buffer_size"`
}

type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	ReportCaller bool   `yaml:"report_caller"`
}

type CircuitBreakerConfig struct {
	Enabled          bool     `yaml:"enabled"`
	FailureThreshold uint32   `yaml:"failure_threshold"`
	SuccessThreshold uint32   `yaml:"success_threshold"`
	Timeout          Duration `yaml:"timeout"`
	MaxRequests      uint32   `yaml:"max_requests"`
}

// LoadYAML loads configuration from YAML file with environment variable overrides
func LoadYAML(configPath string) (*Config, error) {
	// Set default config path if not provided
	if configPath == "" {
		configPath = "config.yaml"
	}

	config := getDefaultConfig()

	// Load YAML file over the defaults if it exists
	if _, err := os.Stat(configPath); err == nil {
		yamlFile, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Expand environment variables in YAML content
		expandedYAML := os.ExpandEnv(string(yamlFile))

		if err := yaml.Unmarshal([]byte(expandedYAML), config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}

		logrus.WithField("config_file", configPath).Info("Loaded configuration from YAML file")
	} else {
		logrus.WithField("config_file", configPath).Warn("Config file not found, using defaults and environment variables")
	}

	// Apply environment variable overrides
	config = applyEnvironmentOverrides(config)

	// Validate configuration
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// getDefaultConfig returns a configuration with sensible defaults
func getDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        "8080",
			AppName:     "Finance Manager AI",
			RefererURL:  "https://finance-manager.app",
			CorsOrigins: []string{"*"},
		},
		AI: AIConfig{
			Provider: ProviderOpenRouter,
			BaseURL:  "https://openrouter.ai/api/v1",
			Model:    "openai/gpt-4o-mini",
			Fallback: FallbackConfig{
				Enabled:  false,
				Provider: ProviderOpenRouter,
				Model:    "anthropic/claude-3.5-sonnet",
			},
			RetryAttempts:  2,
			RetryDelay:     Duration(500 * time.Millisecond),
			AttemptTimeout: Duration(30 * time.Second),
		},
		OCR: OCRConfig{
			Model:          "openai/gpt-4o-mini",
			FallbackModel:  "anthropic/claude-3.5-sonnet",
			RetryAttempts:  1,
			RetryDelay:     Duration(time.Second),
			AttemptTimeout: Duration(60 * time.Second),
			MaxConcurrency: 4,
			CacheSize:      256,
		},
		Database: DatabaseConfig{
			EnablePersistence: false, // Start with in-memory mode for easier setup
			Host:              "localhost",
			Port:              "5432",
			User:              "finance-manager",
			Name:              "finance-manager",
			SSLMode:           "disable",
			Workers:           5,
			BufferSize:        1000,
		},
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "auto",
			ReportCaller: false,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          Duration(60 * time.Second),
			MaxRequests:      3,
		},
	}
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(config *Config) *Config {
	// Server overrides
	if val := os.Getenv("HOST"); val != "" {
		config.Server.Host = val
	}
	if val := os.Getenv("PORT"); val != "" {
		config.Server.Port = val
	}
	if val := os.Getenv("APP_NAME"); val != "" {
		config.Server.AppName = val
	}
	if val := os.Getenv("REFERER_URL"); val != "" {
		config.Server.RefererURL = val
	}
	if val := os.Getenv("CORS_ORIGINS"); val != "" {
		config.Server.CorsOrigins = strings.Split(val, ",")
		for i := range config.Server.CorsOrigins {
			config.Server.CorsOrigins[i] = strings.TrimSpace(config.Server.CorsOrigins[i])
		}
	}

	// AI adapter overrides. The provider decides which key variable wins.
	if val := os.Getenv("AI_PROVIDER"); val != "" {
		config.AI.Provider = val
	}
	switch config.AI.Provider {
	case ProviderNative:
		if val := os.Getenv("OPENAI_API_KEY"); val != "" {
			config.AI.APIKey = val
		}
	default:
		if val := os.Getenv("OPENROUTER_API_KEY"); val != "" {
			config.AI.APIKey = val
		}
	}
	if val := os.Getenv("AI_BASE_URL"); val != "" {
		config.AI.BaseURL = val
	}
	if val := os.Getenv("AI_MODEL"); val != "" {
		config.AI.Model = val
	}
	if val := os.Getenv("AI_RETRY_ATTEMPTS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			config.AI.RetryAttempts = i
		}
	}
	if val := os.Getenv("AI_RETRY_DELAY"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			config.AI.RetryDelay = Duration(d)
		}
	}
	if val := os.Getenv("AI_ATTEMPT_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			config.AI.AttemptTimeout = Duration(d)
		}
	}
	if val := os.Getenv("AI_FALLBACK_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			config.AI.Fallback.Enabled = b
		}
	}
	if val := os.Getenv("AI_FALLBACK_PROVIDER"); val != "" {
		config.AI.Fallback.Provider = val
	}
	if val := os.Getenv("AI_FALLBACK_MODEL"); val != "" {
		config.AI.Fallback.Model = val
	}

	// OCR overrides
	if val := os.Getenv("OCR_MODEL"); val != "" {
		config.OCR.Model = val
	}
	if val := os.Getenv("OCR_FALLBACK_MODEL"); val != "" {
		config.OCR.FallbackModel = val
	}
	if val := os.Getenv("OCR_MAX_CONCURRENCY"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			config.OCR.MaxConcurrency = i
		}
	}
	if val := os.Getenv("OCR_CACHE_SIZE"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			config.OCR.CacheSize = i
		}
	}

	// Database overrides
	if val := os.Getenv("ENABLE_PERSISTENCE"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			config.Database.EnablePersistence = b
		}
	}
	if val := os.Getenv("DATABASE_URL"); val != "" {
		config.Database.URL = val
	}
	if val := os.Getenv("DATABASE_HOST"); val != "" {
		config.Database.Host = val
	}
	if val := os.Getenv("DATABASE_PORT"); val != "" {
		config.Database.Port = val
	}
	if val := os.Getenv("DATABASE_USER"); val != "" {
		config.Database.User = val
	}
	if val := os.Getenv("DATABASE_PASSWORD"); val != "" {
		config.Database.Password = val
	}
	if val := os.Getenv("DATABASE_NAME"); val != "" {
		config.Database.Name = val
	}
	if val := os.Getenv("DATABASE_SSL_MODE"); val != "" {
		config.Database.SSLMode = val
	}

	// Logging overrides
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		config.Logging.Format = val
	}
	if val := os.Getenv("LOG_REPORT_CALLER"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			config.Logging.ReportCaller = b
		}
	}

	// Circuit breaker overrides
	if val := os.Getenv("CIRCUIT_BREAKER_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			config.CircuitBreaker.Enabled = b
		}
	}
	if val := os.Getenv("CIRCUIT_BREAKER_FAILURE_THRESHOLD"); val != "" {
		if i, err := strconv.ParseUint(val, 10, 32); err == nil {
			config.CircuitBreaker.FailureThreshold = uint32(i)
		}
	}
	if val := os.Getenv("CIRCUIT_BREAKER_SUCCESS_THRESHOLD"); val != "" {
		if i, err := strconv.ParseUint(val, 10, 32); err == nil {
			config.CircuitBreaker.SuccessThreshold = uint32(i)
		}
	}
	if val := os.Getenv("CIRCUIT_BREAKER_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			config.CircuitBreaker.Timeout = Duration(d)
		}
	}
	if val := os.Getenv("CIRCUIT_BREAKER_MAX_REQUESTS"); val != "" {
		if i, err := strconv.ParseUint(val, 10, 32); err == nil {
			config.CircuitBreaker.MaxRequests = uint32(i)
		}
	}

	return config
}

func validProvider(provider string) bool {
	return provider == ProviderOpenRouter || provider == ProviderNative
}

// validateConfig validates the configuration and returns errors for invalid values
func validateConfig(config *Config) error {
	var errors []string

	if !validProvider(config.AI.Provider) {
		errors = append(errors, fmt.Sprintf("ai.provider must be %q or %q (current: %q)", ProviderOpenRouter, ProviderNative, config.AI.Provider))
	}

	if config.AI.APIKey == "" {
		switch config.AI.Provider {
		case ProviderNative:
			errors = append(errors, "OPENAI_API_KEY is required for the native provider")
		default:
			errors = append(errors, "OPENROUTER_API_KEY is required - get one from https://openrouter.ai/keys")
		}
	}

	if config.AI.Model == "" {
		errors = append(errors, "ai.model is required (set AI_MODEL or config.yaml)")
	}

	if config.AI.RetryAttempts < 0 {
		errors = append(errors, fmt.Sprintf("ai.retry_attempts must be >= 0 (current: %d)", config.AI.RetryAttempts))
	}
	if config.AI.RetryDelay < 0 {
		errors = append(errors, fmt.Sprintf("ai.retry_delay must be >= 0 (current: %s)", config.AI.RetryDelay))
	}
	if config.AI.AttemptTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("ai.attempt_timeout must be > 0 (current: %s)", config.AI.AttemptTimeout))
	}

	if config.AI.Fallback.Enabled {
		if !validProvider(config.AI.Fallback.Provider) {
			errors = append(errors, fmt.Sprintf("ai.fallback.provider must be %q or %q (current: %q)", ProviderOpenRouter, ProviderNative, config.AI.Fallback.Provider))
		}
		if config.AI.Fallback.Model == "" {
			errors = append(errors, "ai.fallback.model is required when the fallback is enabled")
		}
		if config.AI.Fallback.APIKey == "" && config.AI.Fallback.Provider != config.AI.Provider {
			errors = append(errors, "ai.fallback.api_key is required when the fallback uses a different provider")
		}
	}

	if config.OCR.Model == "" {
		errors = append(errors, "ocr.model is required (set OCR_MODEL or config.yaml)")
	}
	if config.OCR.Model != "" && config.OCR.FallbackModel == config.OCR.Model {
		errors = append(errors, "ocr.fallback_model must differ from ocr.model (use an empty value to disable the fallback)")
	}
	if config.OCR.RetryAttempts < 0 {
		errors = append(errors, fmt.Sprintf("ocr.retry_attempts must be >= 0 (current: %d)", config.OCR.RetryAttempts))
	}
	if config.OCR.RetryDelay < 0 {
		errors = append(errors, fmt.Sprintf("ocr.retry_delay must be >= 0 (current: %s)", config.OCR.RetryDelay))
	}
	if config.OCR.AttemptTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("ocr.attempt_timeout must be > 0 (current: %s)", config.OCR.AttemptTimeout))
	}
	if config.OCR.MaxConcurrency <= 0 {
		errors = append(errors, fmt.Sprintf("ocr.max_concurrency must be > 0 (current: %d)", config.OCR.MaxConcurrency))
	}
	if config.OCR.CacheSize < 0 {
		errors = append(errors, fmt.Sprintf("ocr.cache_size must be >= 0 (current: %d)", config.OCR.CacheSize))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation errors: %s", strings.Join(errors, "; "))
	}

	return nil
}

// FallbackAPIKey returns the fallback adapter's key, inheriting the
// primary key when both adapters share a provider.
func (c *Config) FallbackAPIKey() string {
	if c.AI.Fallback.APIKey != "" {
		return c.AI.Fallback.APIKey
	}
	if c.AI.Fallback.Provider == c.AI.Provider {
		return c.AI.APIKey
	}
	return ""
}

// GetDatabaseDSN constructs the database connection string
func (c *Config) GetDatabaseDSN() string {
	if c.Database.URL != "" {
		return c.Database.URL
	}

	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

// Backward compatibility function
func Load() (*Config, error) {
	return LoadYAML("")
}
