package config

import (
	"os"
	"strconv"
	"strings"
)

// Config holds server configuration
type Config struct {
	// MySQL connection settings. An empty DBName selects the in-memory store.
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	ServerPort string
	Env        string
	LogLevel   string

	AllowedOrigins []string

	// External negotiator API. Empty AIAPIURL selects the canned responder.
	AIAPIURL string
	AIAPIKey string

	// ChatRatePerMinute limits streaming sends per conversation.
	ChatRatePerMinute int
	// AITokenBudget is the estimated token allowance per conversation per 30 minutes.
	AITokenBudget int

	// SellerName is the human who takes over from the AI.
	SellerName string
}

// ClientConfig holds settings for the terminal chat client
type ClientConfig struct {
	APIURL       string
	WSURL        string
	Origin       string
	HistoryLimit int
	Env          string
	LogLevel     string
}

// Load loads server configuration from environment variables
func Load() Config {
	dbHost := getenv("DB_HOST", "localhost")
	dbPort := getenv("DB_PORT", "3306")

	allowedOrigins := getenv("ALLOWED_ORIGINS", "http://localhost:3000,http://127.0.0.1:3000")

	cfg := Config{
		DBHost:            dbHost,
		DBPort:            dbPort,
		DBUser:            os.Getenv("DB_USER"),
		DBPassword:        os.Getenv("DB_PASSWORD"),
		DBName:            os.Getenv("DB_NAME"),
		ServerPort:        getenv("SERVER_PORT", "8080"),
		Env:               getenv("ENV", "development"),
		LogLevel:          getenv("LOG_LEVEL", "info"),
		AllowedOrigins:    strings.Split(allowedOrigins, ","),
		AIAPIURL:          os.Getenv("AI_API_URL"),
		AIAPIKey:          os.Getenv("AI_API_KEY"),
		ChatRatePerMinute: getenvInt("CHAT_RATE_PER_MINUTE", 10),
		AITokenBudget:     getenvInt("AI_TOKEN_BUDGET", 1_000_000),
		SellerName:        getenv("SELLER_NAME", "Terry"),
	}

	for i := range cfg.AllowedOrigins {
		cfg.AllowedOrigins[i] = strings.TrimSpace(cfg.AllowedOrigins[i])
	}

	return cfg
}

// LoadClient loads client configuration from environment variables
func LoadClient() ClientConfig {
	apiURL := strings.TrimRight(getenv("NEGO_API_URL", "http://localhost:8080"), "/")

	wsURL := os.Getenv("NEGO_WS_URL")
	if wsURL == "" {
		wsURL = strings.Replace(apiURL, "http", "ws", 1) + "/ws"
	}

	return ClientConfig{
		APIURL:       apiURL,
		WSURL:        wsURL,
		Origin:       getenv("NEGO_ORIGIN", "http://localhost:3000"),
		HistoryLimit: getenvInt("NEGO_HISTORY_LIMIT", 10),
		Env:          getenv("ENV", "development"),
		LogLevel:     getenv("LOG_LEVEL", "warn"),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
