package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the gateway client.
type Config struct {
	// Gateway endpoint
	GatewayHost string
	GatewayPort int
	ClientID    int

	// Outbound ceiling
	RequestRateLimit int           // requests per window
	RequestRateWin   time.Duration // fixed window size

	// Correlation timeouts
	ResponseTimeout  time.Duration // ordinary request/reply waits
	BootstrapTimeout time.Duration // account download on connect

	// Connection supervision
	HeartbeatInterval time.Duration
	ConnectAttempts   int

	// Market data
	SubscriptionDwell time.Duration

	// Maintenance schedule (yaml); empty disables maintenance awareness
	SchedulePath string

	// Persistence
	DBPath string

	// Ops API
	Port      string
	JWTSecret string
	AccessKey string // pre-shared key exchanged for a bearer token
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the client still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		GatewayHost:       getEnv("GATEWAY_HOST", "127.0.0.1"),
		GatewayPort:       getEnvInt("GATEWAY_PORT", 7496),
		ClientID:          getEnvInt("GATEWAY_CLIENT_ID", 1),
		RequestRateLimit:  getEnvInt("REQUEST_RATE_LIMIT", 50),
		RequestRateWin:    getEnvDuration("REQUEST_RATE_WINDOW", time.Second),
		ResponseTimeout:   getEnvDuration("RESPONSE_TIMEOUT", 5*time.Second),
		BootstrapTimeout:  getEnvDuration("BOOTSTRAP_TIMEOUT", 60*time.Second),
		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 2*time.Minute),
		ConnectAttempts:   getEnvInt("CONNECT_ATTEMPTS", 20),
		SubscriptionDwell: getEnvDuration("SUBSCRIPTION_DWELL", 500*time.Millisecond),
		SchedulePath:      getEnv("MAINTENANCE_SCHEDULE", "./maintenance.yaml"),
		DBPath:            getEnv("DB_PATH", "./data/venuelink.db"),
		Port:              getEnv("PORT", "8080"),
		JWTSecret:         getEnv("JWT_SECRET", "dev-secret"),
		AccessKey:         getEnv("API_ACCESS_KEY", ""),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
