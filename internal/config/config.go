package config

import (
	"errors"
	"os"
	"strconv"
)

type Config struct {
	Port            string
	DatabaseDSN     string
	JWTSecret       string
	Env             string
	TokenTTLMinutes int

	// 匹配器参数。
	MatchScanLimit     int
	MatchAllowFallback bool

	// 连接建立的超时重试策略。
	ConnectTimeoutSeconds int
	ConnectMaxAttempts    int
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getint(key string, def int) int {
	v, err := strconv.Atoi(getenv(key, strconv.Itoa(def)))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func getbool(key string, def bool) bool {
	v, err := strconv.ParseBool(getenv(key, strconv.FormatBool(def)))
	if err != nil {
		return def
	}
	return v
}

func Load() Config {
	return Config{
		Port:                  getenv("APP_PORT", "8080"),
		DatabaseDSN:           getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=ranchat port=5432 sslmode=disable TimeZone=UTC"),
		JWTSecret:             getenv("JWT_SECRET", "dev-secret-change-me"),
		Env:                   getenv("APP_ENV", "dev"),
		TokenTTLMinutes:       getint("TOKEN_TTL_MINUTES", 120),
		MatchScanLimit:        getint("MATCH_SCAN_LIMIT", 20),
		MatchAllowFallback:    getbool("MATCH_ALLOW_FALLBACK", true),
		ConnectTimeoutSeconds: getint("CONNECT_TIMEOUT_SECONDS", 12),
		ConnectMaxAttempts:    getint("CONNECT_MAX_ATTEMPTS", 3),
	}
}

// Validate 校验启动配置，生产环境禁止使用默认密钥。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("config: port is required")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("config: database dsn is required")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == "dev-secret-change-me" {
		return errors.New("config: default jwt secret is not allowed outside dev")
	}
	return nil
}
