package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const envPrefix = "AGENTSLEAK_"

// Config holds the runtime settings for the monitor. Every field is
// overridable with an AGENTSLEAK_-prefixed environment variable.
type Config struct {
	Host           string   // AGENTSLEAK_HOST
	Port           int      // AGENTSLEAK_PORT
	DBPath         string   // AGENTSLEAK_DB_PATH
	RulesPath      string   // AGENTSLEAK_RULES_PATH (optional custom rules JSON)
	LogLevel       string   // AGENTSLEAK_LOG_LEVEL
	LogFormat      string   // AGENTSLEAK_LOG_FORMAT
	DashboardToken string   // AGENTSLEAK_DASHBOARD_TOKEN
	APIKey         string   // AGENTSLEAK_API_KEY (collector key)
	CORSOrigins    []string // AGENTSLEAK_CORS_ORIGINS (comma separated)

	AnthropicAPIKey string // ANTHROPIC_API_KEY (policy assistant)
}

// Load reads an optional .env file, then the environment, and returns the
// effective configuration.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Debug().Err(err).Msg("No .env file loaded")
	}

	cfg := &Config{
		Host:      "127.0.0.1",
		Port:      3827,
		LogLevel:  "info",
		LogFormat: "auto",
		CORSOrigins: []string{
			"http://localhost:3000",
			"http://localhost:5173",
		},
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	cfg.DBPath = filepath.Join(home, ".agentsleak", "data.db")

	if v := getenv("HOST"); v != "" {
		cfg.Host = v
	}
	if v := getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid %sPORT %q", envPrefix, v)
		}
		cfg.Port = port
	}
	if v := getenv("DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("RULES_PATH"); v != "" {
		cfg.RulesPath = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	cfg.DashboardToken = getenv("DASHBOARD_TOKEN")
	cfg.APIKey = getenv("API_KEY")
	if v := getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitOrigins(v)
	}
	cfg.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")

	return cfg, nil
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getenv(key string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + key))
}

func splitOrigins(v string) []string {
	parts := strings.Split(v, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}
