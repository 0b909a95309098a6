package config

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port int
	Host string
	Env  string // "development" or "production"

	// Logging ("debug", "info", "warn", "error"; empty keeps the default)
	LogLevel string

	// Data directory for console-owned state (database, uploads)
	DataDir string

	// Database
	DatabasePath string
	DBLogQueries bool

	// Claude CLI integration
	ClaudeProjectsDir string // JSONL transcript tree, default ~/.claude/projects
	ClaudeCLIPath     string // binary used to spawn live sessions

	// External services (optional; empty host/key disables the integration)
	MeiliHost   string
	MeiliAPIKey string
	MeiliIndex  string

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
}

var (
	cfg  *Config
	once sync.Once
)

// Get returns the global configuration (singleton)
func Get() *Config {
	once.Do(func() {
		cfg = load()
	})
	return cfg
}

// load reads configuration from environment variables
func load() *Config {
	dataDir := getEnv("CONSOLE_DATA_DIR", defaultDataDir())

	return &Config{
		// Server
		Port: getEnvInt("PORT", 7800),
		Host: getEnv("HOST", "127.0.0.1"),
		Env:  getEnv("ENV", "development"),

		LogLevel: getEnv("LOG_LEVEL", ""),

		// Data
		DataDir:      dataDir,
		DatabasePath: getEnv("CONSOLE_DATABASE_PATH", filepath.Join(dataDir, "console.sqlite")),
		DBLogQueries: getEnv("DB_LOG_QUERIES", "") == "1",

		// Claude CLI
		ClaudeProjectsDir: getEnv("CLAUDE_PROJECTS_DIR", defaultProjectsDir()),
		ClaudeCLIPath:     getEnv("CLAUDE_CLI_PATH", "claude"),

		// Meilisearch
		MeiliHost:   getEnv("MEILI_HOST", ""),
		MeiliAPIKey: getEnv("MEILI_API_KEY", ""),
		MeiliIndex:  getEnv("MEILI_INDEX", "claude_console_sessions"),

		// OpenAI-compatible LLM (session auto-titling)
		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIModel:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),
	}
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env != "production"
}

func defaultDataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(homeDir, ".claude-console")
}

func defaultProjectsDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".claude", "projects")
	}
	return filepath.Join(homeDir, ".claude", "projects")
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
