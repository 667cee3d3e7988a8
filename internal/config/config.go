package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/HanTheDev/review-gateway/internal/models"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DatabaseURL string
	RedisURL    string
	JWTSecret   string
	ServerPort  string
	LogLevel    string
	LogFile     string

	MaxRequestsPerMinute int
	MaxRequestsPerDay    int
	CooldownTime         time.Duration
	QuotaBackoffTime     time.Duration
	MaxRetries           int // retries after the first attempt
	InitialRetryDelay    time.Duration
	MaxRetryDelay        time.Duration
	MaxQuotaRetries      int
	CacheSweepInterval   time.Duration

	OAuthTokenURL      string
	AccountsAPIURL     string
	BusinessInfoAPIURL string
	ReviewsAPIURL      string

	Credentials []models.CredentialSet
}

type credentialsFile struct {
	OAuthClients []models.CredentialSet `yaml:"oauth_clients"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithError(err).Warn("config: failed to read .env")
	}

	cfg := &Config{
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
		JWTSecret:   getEnv("JWT_SECRET", "secret"),
		ServerPort:  getEnv("SERVER_PORT", "8080"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFile:     getEnv("LOG_FILE", ""),

		MaxRequestsPerMinute: getEnvInt("MAX_REQUESTS_PER_MINUTE", 60),
		MaxRequestsPerDay:    getEnvInt("MAX_REQUESTS_PER_DAY", 5000),
		CooldownTime:         getEnvMillis("COOLDOWN_TIME_MS", 60*time.Second),
		QuotaBackoffTime:     getEnvMillis("QUOTA_BACKOFF_TIME_MS", 60*time.Second),
		MaxRetries:           getEnvInt("MAX_RETRIES", 5),
		InitialRetryDelay:    getEnvMillis("INITIAL_RETRY_DELAY_MS", time.Second),
		MaxRetryDelay:        getEnvMillis("MAX_RETRY_DELAY_MS", 30*time.Second),
		MaxQuotaRetries:      getEnvInt("MAX_QUOTA_RETRIES", 0),
		CacheSweepInterval:   getEnvMillis("CACHE_SWEEP_INTERVAL_MS", 5*time.Minute),

		OAuthTokenURL:      getEnv("OAUTH_TOKEN_URL", ""),
		AccountsAPIURL:     getEnv("ACCOUNTS_API_URL", ""),
		BusinessInfoAPIURL: getEnv("BUSINESS_INFO_API_URL", ""),
		ReviewsAPIURL:      getEnv("REVIEWS_API_URL", ""),
	}

	creds, err := loadCredentials(getEnv("CREDENTIALS_FILE", ""))
	if err != nil {
		return nil, err
	}
	cfg.Credentials = creds

	if cfg.DatabaseURL == "" {
		return nil, errors.New("config: DATABASE_URL is required")
	}
	return cfg, nil
}

// loadCredentials reads the ordered client list from path, or falls back to
// the single OAUTH_CLIENT_ID / OAUTH_CLIENT_SECRET pair.
func loadCredentials(path string) ([]models.CredentialSet, error) {
	if path == "" {
		id, secret := getEnv("OAUTH_CLIENT_ID", ""), getEnv("OAUTH_CLIENT_SECRET", "")
		if id == "" || secret == "" {
			return nil, errors.New("config: set CREDENTIALS_FILE or OAUTH_CLIENT_ID and OAUTH_CLIENT_SECRET")
		}
		return []models.CredentialSet{{ClientID: id, ClientSecret: secret}}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read credentials file: %w", err)
	}
	var file credentialsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("config: parse credentials file: %w", err)
	}
	if len(file.OAuthClients) == 0 {
		return nil, fmt.Errorf("config: %s lists no oauth_clients", path)
	}
	return file.OAuthClients, nil
}

func getEnv(key, defaultVal string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	value := getEnv(key, "")
	if value == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		log.Warnf("config: invalid %s=%q, using %d", key, value, defaultVal)
		return defaultVal
	}
	return n
}

func getEnvMillis(key string, defaultVal time.Duration) time.Duration {
	value := getEnv(key, "")
	if value == "" {
		return defaultVal
	}
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil || ms < 0 {
		log.Warnf("config: invalid %s=%q, using %s", key, value, defaultVal)
		return defaultVal
	}
	return time.Duration(ms) * time.Millisecond
}
