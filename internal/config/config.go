package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                  string
	AppEnv                string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	ReportCacheTTLSeconds int
	AuthSecret            string
	AccessTokenTTLMinutes int
	DefaultWarehouseID    string
	DefaultReorderLevel   int
	KafkaBroker           string
	KafkaTopic            string
	OTelEndpoint          string
	OTelAuthHeader        string

	BootstrapOwnerUsername string
	BootstrapOwnerPassword string
}

// Load reads the process environment. A .env file in the working directory
// is applied first when present; variables already set take precedence.
func Load() Config {
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	ttl, err := strconv.Atoi(getEnv("REPORT_CACHE_TTL_SECONDS", "60"))
	if err != nil || ttl < 1 {
		ttl = 60
	}
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	reorderLevel, err := strconv.Atoi(getEnv("DEFAULT_REORDER_LEVEL", "10"))
	if err != nil || reorderLevel < 0 {
		reorderLevel = 10
	}

	return Config{
		Port:                  getEnv("PORT", "8080"),
		AppEnv:                strings.ToLower(getEnv("APP_ENV", "development")),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		ReportCacheTTLSeconds: ttl,
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
		DefaultWarehouseID:    getEnv("DEFAULT_WAREHOUSE_ID", "wh-main"),
		DefaultReorderLevel:   reorderLevel,
		KafkaBroker:           strings.TrimSpace(os.Getenv("KAFKA_BROKER")),
		KafkaTopic:            getEnv("KAFKA_TOPIC", "depotflow.events"),
		OTelEndpoint:          strings.TrimSpace(os.Getenv("OTEL_ENDPOINT")),
		OTelAuthHeader:        os.Getenv("OTEL_AUTH_HEADER"),

		BootstrapOwnerUsername: getEnv("BOOTSTRAP_OWNER_USERNAME", "owner"),
		BootstrapOwnerPassword: os.Getenv("BOOTSTRAP_OWNER_PASSWORD"),
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
