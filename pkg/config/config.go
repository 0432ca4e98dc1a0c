package config

import (
	"os"
	"strconv"
)

// Config holds server configuration.
type Config struct {
	ListenAddr string
	LogLevel   string
	// TenantTag is the instance's own id-tag.
	TenantTag string
	// SQLitePath is the metadata database file; empty selects in-memory
	// storage.
	SQLitePath string
	// DefinitionDir holds extra action type definition JSON files loaded
	// on top of the built-in set.
	DefinitionDir string
	// RedisAddr enables the shared hook marker store when set.
	RedisAddr string

	KeyCacheSize        int
	MaxDeliveryAttempts int
	Workers             int
}

// Load loads configuration from environment variables.
func Load() *Config {
	listen := os.Getenv("LATTICE_LISTEN_ADDR")
	if listen == "" {
		listen = ":8440"
	}

	logLevel := os.Getenv("LATTICE_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	tag := os.Getenv("LATTICE_TENANT_TAG")
	if tag == "" {
		tag = "localhost"
	}

	return &Config{
		ListenAddr:          listen,
		LogLevel:            logLevel,
		TenantTag:           tag,
		SQLitePath:          os.Getenv("LATTICE_SQLITE_PATH"),
		DefinitionDir:       os.Getenv("LATTICE_DEFINITION_DIR"),
		RedisAddr:           os.Getenv("LATTICE_REDIS_ADDR"),
		KeyCacheSize:        intEnv("LATTICE_KEY_CACHE_SIZE", 0),
		MaxDeliveryAttempts: intEnv("LATTICE_MAX_DELIVERY_ATTEMPTS", 0),
		Workers:             intEnv("LATTICE_WORKERS", 0),
	}
}

func intEnv(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
