package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Store drivers
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Push providers
const (
	PushProviderExpo = "expo"
	PushProviderFCM  = "fcm"
)

type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	StoreDriver string
	RedisURL    string

	ServerPort string
	JWTSecret  string

	LogLevel    string
	Environment string

	PushProvider    string
	ExpoAccessToken string
	PushRateLimit   int
	PushSound       string
	PushChannelHint string

	FCMProjectID   string
	FCMClientEmail string
	FCMPrivateKey  string

	WorkerCronSpec       string
	WorkerBatchSize      int
	WorkerMaxAttempts    int
	WorkerClaimSeconds   int
	WorkerRequireLease   bool
	RepeatIntervalSecs   int
	RepeatWindowSecs     int
	EnqueueDedupeSeconds int

	R2AccountID       string
	R2AccessKeyID     string
	R2SecretAccessKey string
	R2BucketName      string
	R2PublicURL       string

	AgentAPIURL          string
	AgentToken           string
	AgentRestaurantID    string
	AgentDeviceID        string
	AgentPushAddress     string
	AgentPlatform        string
	AgentListenAddr      string
	AgentPollSeconds     int
	AgentRedisplaySecs   int
	AgentSoundCommand    string
	AgentVolumeCommand   string
	AgentNotifyCommand   string
	AgentVibrateCommand  string
	AgentHealthCheckSecs int
}

func LoadConfig() (*Config, error) {
	err := godotenv.Load()
	if err != nil {
		log.Println("No .env file found or error loading it, relying on environment variables")
	}

	serverPort := os.Getenv("SERVER_PORT")
	if serverPort == "" {
		serverPort = "8080"
	}

	return &Config{
		DBHost:     os.Getenv("DB_HOST"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     os.Getenv("DB_USER"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     os.Getenv("DB_NAME"),
		DBSSLMode:  getEnv("DB_SSLMODE", "require"),

		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", StoreDriverPostgres)),
		RedisURL:    os.Getenv("REDIS_URL"),

		ServerPort: serverPort,
		JWTSecret:  os.Getenv("JWT_SECRET"),

		LogLevel:    strings.ToLower(getEnv("LOG_LEVEL", "info")),
		Environment: strings.ToLower(getEnv("ENVIRONMENT", "development")),

		PushProvider:    strings.ToLower(getEnv("PUSH_PROVIDER", PushProviderExpo)),
		ExpoAccessToken: os.Getenv("EXPO_ACCESS_TOKEN"),
		PushRateLimit:   getEnvInt("PUSH_RATE_LIMIT", 10),
		PushSound:       getEnv("PUSH_SOUND", "booking_alert.wav"),
		PushChannelHint: getEnv("PUSH_CHANNEL_HINT", "booking-alerts"),

		FCMProjectID:   os.Getenv("FCM_PROJECT_ID"),
		FCMClientEmail: os.Getenv("FCM_CLIENT_EMAIL"),
		FCMPrivateKey:  os.Getenv("FCM_PRIVATE_KEY"),

		WorkerCronSpec:       getEnv("WORKER_CRON_SPEC", "@every 60s"),
		WorkerBatchSize:      getEnvInt("WORKER_BATCH_SIZE", 50),
		WorkerMaxAttempts:    getEnvInt("WORKER_MAX_ATTEMPTS", 3),
		WorkerClaimSeconds:   getEnvInt("WORKER_CLAIM_SECONDS", 120),
		WorkerRequireLease:   getEnvBool("WORKER_REQUIRE_LEASE", false),
		RepeatIntervalSecs:   getEnvInt("REPEAT_INTERVAL_SECONDS", 30),
		RepeatWindowSecs:     getEnvInt("REPEAT_WINDOW_SECONDS", 300),
		EnqueueDedupeSeconds: getEnvInt("ENQUEUE_DEDUPE_WINDOW_SECONDS", 10),

		R2AccountID:       os.Getenv("R2_ACCOUNT_ID"),
		R2AccessKeyID:     os.Getenv("R2_ACCESS_KEY_ID"),
		R2SecretAccessKey: os.Getenv("R2_SECRET_ACCESS_KEY"),
		R2BucketName:      os.Getenv("R2_BUCKET_NAME"),
		R2PublicURL:       os.Getenv("R2_PUBLIC_URL"),

		AgentAPIURL:          getEnv("AGENT_API_URL", "http://localhost:8080"),
		AgentToken:           os.Getenv("AGENT_TOKEN"),
		AgentRestaurantID:    os.Getenv("AGENT_RESTAURANT_ID"),
		AgentDeviceID:        os.Getenv("AGENT_DEVICE_ID"),
		AgentPushAddress:     os.Getenv("AGENT_PUSH_ADDRESS"),
		AgentPlatform:        getEnv("AGENT_PLATFORM", "android"),
		AgentListenAddr:      getEnv("AGENT_LISTEN_ADDR", "127.0.0.1:9090"),
		AgentPollSeconds:     getEnvInt("AGENT_POLL_SECONDS", 20),
		AgentRedisplaySecs:   getEnvInt("AGENT_REDISPLAY_SECONDS", 15),
		AgentSoundCommand:    os.Getenv("AGENT_SOUND_COMMAND"),
		AgentVolumeCommand:   os.Getenv("AGENT_VOLUME_COMMAND"),
		AgentNotifyCommand:   os.Getenv("AGENT_NOTIFY_COMMAND"),
		AgentVibrateCommand:  os.Getenv("AGENT_VIBRATE_COMMAND"),
		AgentHealthCheckSecs: getEnvInt("AGENT_HEALTH_CHECK_SECONDS", 60),
	}, nil
}

// IsProduction reports whether logs should be machine-readable.
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "staging"
}

// ArchiveEnabled is true when every object storage setting is present.
func (c *Config) ArchiveEnabled() bool {
	return c.R2AccountID != "" && c.R2AccessKeyID != "" && c.R2SecretAccessKey != "" && c.R2BucketName != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		log.Printf("Invalid integer value for %s, using default %d", key, defaultValue)
		return defaultValue
	}
	return parsed
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}
