package config

import (
	"os"
	"strings"
)

// Config holds the application configuration
type Config struct {
	Port               string
	Environment        string
	APIKey             string
	AdminUsername      string
	AdminPassword      string
	LogLevel           string
	LogFormat          string // "console" or "json"
	PipelineConfigPath string // 価格パイプライン設定ファイル（YAML）
	CORSOrigins        []string
	Timezone           string // モニタリング集計のタイムゾーン
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	env := getEnv("ENVIRONMENT", "development")
	defaultFormat := "json"
	if env == "development" {
		defaultFormat = "console"
	}
	return &Config{
		Port:               getEnv("PORT", "8080"),
		Environment:        env,
		APIKey:             getEnv("API_KEY", ""),
		AdminUsername:      getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:      getEnv("ADMIN_PASSWORD", ""),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", defaultFormat),
		PipelineConfigPath: getEnv("PIPELINE_CONFIG", ""),
		CORSOrigins:        splitList(getEnv("CORS_ORIGINS", "")),
		Timezone:           getEnv("MONITORING_TZ", "UTC"),
	}
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
