package main

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envDevelopment = "development"
	envProduction  = "production"

	defaultJWTSecret  = "dev-jwt-secret-change-me"
	defaultHMACSecret = "dev-hmac-secret-change-me"
)

type config struct {
	Env       string
	Port      int
	LogLevel  string
	LogFormat string

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string
	DatabaseURL    string

	JWTSecret     string
	HMACSecret    string
	SecureCookies bool

	SessionTTL         time.Duration
	ResetTTL           time.Duration
	ResetMaxAttempts   int
	ResetKeyMode       string
	ResetStaticKey     string
	ResetRequestLimit  int
	ResetRequestWindow time.Duration
	ResetLinkBase      string
	BcryptCost         int

	ClientRateLimit  int
	ClientRateWindow time.Duration
}

func loadConfig() (config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return config{}, err
		}
	}

	cfg := config{
		Env:       v.GetString("ENV"),
		Port:      v.GetInt("PORT"),
		LogLevel:  v.GetString("LOG_LEVEL"),
		LogFormat: v.GetString("LOG_FORMAT"),

		RedisAddr:      v.GetString("REDIS_ADDR"),
		RedisPassword:  v.GetString("REDIS_PASSWORD"),
		RedisDB:        v.GetInt("REDIS_DB"),
		RedisKeyPrefix: v.GetString("REDIS_KEY_PREFIX"),
		DatabaseURL:    v.GetString("DATABASE_URL"),

		JWTSecret:     v.GetString("JWT_SECRET"),
		HMACSecret:    v.GetString("RESET_HMAC_SECRET"),
		SecureCookies: v.GetBool("SECURE_COOKIES"),

		SessionTTL:         parseDuration(v.GetString("SESSION_TTL"), 24*time.Hour),
		ResetTTL:           parseDuration(v.GetString("RESET_TTL"), 5*time.Minute),
		ResetMaxAttempts:   v.GetInt("RESET_MAX_ATTEMPTS"),
		ResetKeyMode:       v.GetString("RESET_KEY_MODE"),
		ResetStaticKey:     v.GetString("RESET_STATIC_KEY"),
		ResetRequestLimit:  v.GetInt("RESET_REQUEST_LIMIT"),
		ResetRequestWindow: parseDuration(v.GetString("RESET_REQUEST_WINDOW"), time.Hour),
		ResetLinkBase:      v.GetString("RESET_LINK_BASE"),
		BcryptCost:         v.GetInt("BCRYPT_COST"),

		ClientRateLimit:  v.GetInt("CLIENT_RATE_LIMIT"),
		ClientRateWindow: parseDuration(v.GetString("CLIENT_RATE_WINDOW"), time.Minute),
	}

	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (c config) validate() error {
	if c.Env == envDevelopment {
		return nil
	}
	if c.JWTSecret == defaultJWTSecret {
		return fmt.Errorf("JWT_SECRET must be set outside %s", envDevelopment)
	}
	if c.HMACSecret == defaultHMACSecret {
		return fmt.Errorf("RESET_HMAC_SECRET must be set outside %s", envDevelopment)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", envDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_KEY_PREFIX", "ledger:")
	v.SetDefault("DATABASE_URL", "")

	v.SetDefault("JWT_SECRET", defaultJWTSecret)
	v.SetDefault("RESET_HMAC_SECRET", defaultHMACSecret)
	v.SetDefault("SECURE_COOKIES", false)

	v.SetDefault("SESSION_TTL", "24h")
	v.SetDefault("RESET_TTL", "5m")
	v.SetDefault("RESET_MAX_ATTEMPTS", 3)
	v.SetDefault("RESET_KEY_MODE", "random")
	v.SetDefault("RESET_STATIC_KEY", "")
	v.SetDefault("RESET_REQUEST_LIMIT", 5)
	v.SetDefault("RESET_REQUEST_WINDOW", "1h")
	v.SetDefault("RESET_LINK_BASE", "/auth/reset-password")
	v.SetDefault("BCRYPT_COST", 10)

	v.SetDefault("CLIENT_RATE_LIMIT", 60)
	v.SetDefault("CLIENT_RATE_WINDOW", "1m")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}
