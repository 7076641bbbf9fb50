package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// allEnvVars lists every variable the override layer reads, so tests can
// start from a clean slate.
var allEnvVars = []string{
	"HOST", "PORT", "APP_NAME", "REFERER_URL", "CORS_ORIGINS",
	"AI_PROVIDER", "OPENROUTER_API_KEY", "OPENAI_API_KEY", "AI_BASE_URL", "AI_MODEL",
	"AI_RETRY_ATTEMPTS", "AI_RETRY_DELAY", "AI_ATTEMPT_TIMEOUT",
	"AI_FALLBACK_ENABLED", "AI_FALLBACK_PROVIDER", "AI_FALLBACK_MODEL",
	"OCR_MODEL", "OCR_FALLBACK_MODEL", "OCR_MAX_CONCURRENCY", "OCR_CACHE_SIZE",
	"ENABLE_PERSISTENCE", "DATABASE_URL", "DATABASE_HOST", "DATABASE_PORT",
	"DATABASE_USER", "DATABASE_PASSWORD", "DATABASE_NAME", "DATABASE_SSL_MODE",
	"LOG_LEVEL", "LOG_FORMAT", "LOG_REPORT_CALLER",
	"CIRCUIT_BREAKER_ENABLED", "CIRCUIT_BREAKER_FAILURE_THRESHOLD",
	"CIRCUIT_BREAKER_SUCCESS_THRESHOLD", "CIRCUIT_BREAKER_TIMEOUT",
	"CIRCUIT_BREAKER_MAX_REQUESTS",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range allEnvVars {
		os.Unsetenv(key)
	}
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_DefaultValues(t *testing.T) {
	clearEnv(t)
	os.Setenv("OPENROUTER_API_KEY", "test-api-key")
	defer os.Unsetenv("OPENROUTER_API_KEY")

	config, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", config.Server.Port)
	assert.Equal(t, "0.0.0.0", config.Server.Host)
	assert.Equal(t, []string{"*"}, config.Server.CorsOrigins)

	assert.Equal(t, ProviderOpenRouter, config.AI.Provider)
	assert.Equal(t, "test-api-key", config.AI.APIKey)
	assert.Equal(t, "https://openrouter.ai/api/v1", config.AI.BaseURL)
	assert.Equal(t, "openai/gpt-4o-mini", config.AI.Model)
	assert.Equal(t, 2, config.AI.RetryAttempts)
	assert.Equal(t, Duration(500*time.Millisecond), config.AI.RetryDelay)
	assert.Equal(t, Duration(30*time.Second), config.AI.AttemptTimeout)
	assert.False(t, config.AI.Fallback.Enabled)

	assert.Equal(t, "openai/gpt-4o-mini", config.OCR.Model)
	assert.Equal(t, "anthropic/claude-3.5-sonnet", config.OCR.FallbackModel)
	assert.Equal(t, 4, config.OCR.MaxConcurrency)
	assert.Equal(t, 256, config.OCR.CacheSize)

	assert.Equal(t, "info", config.Logging.Level)
	assert.True(t, config.CircuitBreaker.Enabled)
	assert.False(t, config.Database.EnablePersistence)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	clearEnv(t)
	envVars := map[string]string{
		"PORT":                    "3000",
		"HOST":                    "localhost",
		"OPENROUTER_API_KEY":      "custom-api-key",
		"AI_MODEL":                "google/gemini-2.0-flash-001",
		"AI_RETRY_ATTEMPTS":       "5",
		"AI_RETRY_DELAY":          "2s",
		"AI_ATTEMPT_TIMEOUT":      "10s",
		"OCR_MODEL":               "qwen/qwen-2.5-vl-72b-instruct",
		"OCR_MAX_CONCURRENCY":     "8",
		"OCR_CACHE_SIZE":          "32",
		"LOG_LEVEL":               "debug",
		"CORS_ORIGINS":            "https://example.com, https://test.com,   https://dev.com",
		"CIRCUIT_BREAKER_ENABLED": "false",
	}
	for key, value := range envVars {
		os.Setenv(key, value)
		defer os.Unsetenv(key)
	}

	config, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "3000", config.Server.Port)
	assert.Equal(t, "localhost", config.Server.Host)
	assert.Equal(t, "custom-api-key", config.AI.APIKey)
	assert.Equal(t, "google/gemini-2.0-flash-001", config.AI.Model)
	assert.Equal(t, 5, config.AI.RetryAttempts)
	assert.Equal(t, Duration(2*time.Second), config.AI.RetryDelay)
	assert.Equal(t, Duration(10*time.Second), config.AI.AttemptTimeout)
	assert.Equal(t, "qwen/qwen-2.5-vl-72b-instruct", config.OCR.Model)
	assert.Equal(t, 8, config.OCR.MaxConcurrency)
	assert.Equal(t, 32, config.OCR.CacheSize)
	assert.Equal(t, "debug", config.Logging.Level)
	assert.False(t, config.CircuitBreaker.Enabled)

	expectedOrigins := []string{"https://example.com", "https://test.com", "https://dev.com"}
	assert.Equal(t, expectedOrigins, config.Server.CorsOrigins)
}

func TestLoad_NativeProviderUsesOpenAIKey(t *testing.T) {
	clearEnv(t)
	os.Setenv("AI_PROVIDER", "native")
	os.Setenv("OPENAI_API_KEY", "sk-native-key")
	defer os.Unsetenv("AI_PROVIDER")
	defer os.Unsetenv("OPENAI_API_KEY")

	config, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ProviderNative, config.AI.Provider)
	assert.Equal(t, "sk-native-key", config.AI.APIKey)
}

func TestLoad_MissingAPIKeyFails(t *testing.T) {
	clearEnv(t)

	config, err := Load()

	assert.Nil(t, config)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPENROUTER_API_KEY")
}

func TestLoad_InvalidProviderFails(t *testing.T) {
	clearEnv(t)
	os.Setenv("OPENROUTER_API_KEY", "test-key")
	os.Setenv("AI_PROVIDER", "bogus")
	defer os.Unsetenv("OPENROUTER_API_KEY")
	defer os.Unsetenv("AI_PROVIDER")

	config, err := Load()

	assert.Nil(t, config)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ai.provider")
}

func TestLoadYAML_FileValuesWithEnvPrecedence(t *testing.T) {
	clearEnv(t)
	path := writeConfigFile(t, `
server:
  port: "9999"
ai:
  api_key: file-key
  model: anthropic/claude-3.5-sonnet
  retry_delay: 250ms
ocr:
  max_concurrency: 2
`)
	os.Setenv("PORT", "7777")
	defer os.Unsetenv("PORT")

	config, err := LoadYAML(path)
	require.NoError(t, err)

	// Environment wins over the file; the file wins over defaults;
	// defaults fill the rest.
	assert.Equal(t, "7777", config.Server.Port)
	assert.Equal(t, "file-key", config.AI.APIKey)
	assert.Equal(t, "anthropic/claude-3.5-sonnet", config.AI.Model)
	assert.Equal(t, Duration(250*time.Millisecond), config.AI.RetryDelay)
	assert.Equal(t, 2, config.OCR.MaxConcurrency)
	assert.Equal(t, 256, config.OCR.CacheSize)
	assert.Equal(t, Duration(30*time.Second), config.AI.AttemptTimeout)
}

func TestLoadYAML_ExpandsEnvironmentVariables(t *testing.T) {
	clearEnv(t)
	os.Setenv("SECRET_KEY_VALUE", "expanded-key")
	defer os.Unsetenv("SECRET_KEY_VALUE")

	path := writeConfigFile(t, `
ai:
  api_key: ${SECRET_KEY_VALUE}
`)

	config, err := LoadYAML(path)
	require.NoError(t, err)
	assert.Equal(t, "expanded-key", config.AI.APIKey)
}

func TestLoadYAML_ValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "missing ocr model",
			yaml: `
ai:
  api_key: key
ocr:
  model: ""
  fallback_model: ""
`,
			wantErr: "ocr.model is required",
		},
		{
			name: "ocr fallback equals primary",
			yaml: `
ai:
  api_key: key
ocr:
  model: openai/gpt-4o-mini
  fallback_model: openai/gpt-4o-mini
`,
			wantErr: "ocr.fallback_model must differ",
		},
		{
			name: "cross provider fallback without key",
			yaml: `
ai:
  api_key: key
  fallback:
    enabled: true
    provider: native
    model: gpt-4o
`,
			wantErr: "ai.fallback.api_key is required",
		},
		{
			name: "negative retry attempts",
			yaml: `
ai:
  api_key: key
  retry_attempts: -1
`,
			wantErr: "ai.retry_attempts must be >= 0",
		},
		{
			name: "zero attempt timeout",
			yaml: `
ai:
  api_key: key
  attempt_timeout: 0s
`,
			wantErr: "ai.attempt_timeout must be > 0",
		},
		{
			name: "malformed duration",
			yaml: `
ai:
  api_key: key
  retry_delay: fast
`,
			wantErr: "invalid duration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			path := writeConfigFile(t, tt.yaml)

			config, err := LoadYAML(path)

			assert.Nil(t, config)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFallbackAPIKey(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected string
	}{
		{
			name: "explicit fallback key wins",
			config: Config{AI: AIConfig{
				Provider: ProviderOpenRouter, APIKey: "primary",
				Fallback: FallbackConfig{Provider: ProviderOpenRouter, APIKey: "explicit"},
			}},
			expected: "explicit",
		},
		{
			name: "same provider inherits primary key",
			config: Config{AI: AIConfig{
				Provider: ProviderOpenRouter, APIKey: "primary",
				Fallback: FallbackConfig{Provider: ProviderOpenRouter},
			}},
			expected: "primary",
		},
		{
			name: "different provider never inherits",
			config: Config{AI: AIConfig{
				Provider: ProviderOpenRouter, APIKey: "primary",
				Fallback: FallbackConfig{Provider: ProviderNative},
			}},
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.config.FallbackAPIKey())
		})
	}
}

func TestGetDatabaseDSN(t *testing.T) {
	t.Run("url wins", func(t *testing.T) {
		config := &Config{Database: DatabaseConfig{URL: "postgres://u:p@h:5432/db"}}
		assert.Equal(t, "postgres://u:p@h:5432/db", config.GetDatabaseDSN())
	})

	t.Run("composed from parts", func(t *testing.T) {
		config := &Config{Database: DatabaseConfig{
			Host: "db.internal", Port: "5433", User: "svc", Password: "pw", Name: "finance", SSLMode: "require",
		}}
		assert.Equal(t, "host=db.internal port=5433 user=svc password=pw dbname=finance sslmode=require", config.GetDatabaseDSN())
	})
}
