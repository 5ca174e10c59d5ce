// Package config reads the server configuration from the environment.
package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port            int
	Timeout         time.Duration
	HookTimeout     time.Duration
	Debounce        time.Duration
	DebounceMaxWait time.Duration
	DebounceScope   string
	PersistRetries  int
	PersistBackoff  time.Duration

	Storage Storage

	// JWTSecret enables bearer token checks on connect when set.
	JWTSecret string
	// JoinPolicy is an expression evaluated for every document join.
	JoinPolicy  string
	CORSOrigins []string
}

type Storage struct {
	Type           string
	LocalPath      string
	DataSourceName string
	S3Bucket       string
	S3Prefix       string
	RedisURL       string
	RedisPrefix    string
	DatabaseURL    string
	GitReposDir    string
}

// LoadDotEnv loads variables from the given .env files, or ./.env when none
// are named. Variables already set in the environment win. A missing file
// is not an error.
func LoadDotEnv(files ...string) error {
	err := godotenv.Load(files...)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func Load() Config {
	return Config{
		Port:            getenvInt("PORT", 80),
		Timeout:         getenvMillis("TIMEOUT", 30*time.Second),
		HookTimeout:     getenvMillis("HOOK_TIMEOUT", 0),
		Debounce:        getenvDebounce("DEBOUNCE", 2*time.Second),
		DebounceMaxWait: getenvMillis("DEBOUNCE_MAX_WAIT", 10*time.Second),
		DebounceScope:   getenv("DEBOUNCE_SCOPE", "document"),
		PersistRetries:  getenvInt("PERSIST_RETRIES", 3),
		PersistBackoff:  getenvMillis("PERSIST_BACKOFF", 500*time.Millisecond),
		Storage: Storage{
			Type:           getenv("STORAGE_TYPE", "memory"),
			LocalPath:      getenv("LOCAL_STORAGE_PATH", "./data/documents"),
			DataSourceName: getenv("DATA_SOURCE_NAME", "./data/collab.db"),
			S3Bucket:       getenv("S3_BUCKET_NAME", ""),
			S3Prefix:       getenv("S3_PREFIX", "documents/"),
			RedisURL:       getenv("REDIS_URL", "redis://localhost:6379/0"),
			RedisPrefix:    getenv("REDIS_PREFIX", "collab:"),
			DatabaseURL:    getenv("DATABASE_URL", ""),
			GitReposDir:    getenv("GIT_REPOS_DIR", "./data/repos"),
		},
		JWTSecret:   getenv("JWT_SECRET", ""),
		JoinPolicy:  getenv("JOIN_POLICY", ""),
		CORSOrigins: getenvList("CORS_ORIGINS"),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvMillis(key string, fallback time.Duration) time.Duration {
	ms := getenvInt(key, -1)
	if ms < 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

// getenvDebounce accepts "true" for the fallback delay, "false" to disable
// coalescing, or a delay in milliseconds.
func getenvDebounce(key string, fallback time.Duration) time.Duration {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch value {
	case "", "true":
		return fallback
	case "false":
		return 0
	}
	return getenvMillis(key, fallback)
}

func getenvList(key string) []string {
	var list []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	return list
}
