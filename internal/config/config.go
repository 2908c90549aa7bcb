package config

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the chat client.
type Config struct {
	AppName        string
	AppEnv         string
	LogLevel       string
	APIURL         string
	WSURL          string
	HTTPTimeout    time.Duration
	TypingDebounce time.Duration
	ProbeTTL       time.Duration
	CacheBackend   string
	CachePath      string
	CachePrefix    string
	RedisURL       string
	CredentialKey  []byte
	NATSURL        string
	NATSSubject    string
	MetricsAddr    string
	AuthEmail      string
	AuthPassword   string
	Peer           string
}

// Cache backends understood by the session store.
const (
	CacheBackendSQLite = "sqlite"
	CacheBackendRedis  = "redis"
)

// RoomSocketURL returns the websocket address of a chat room.
func (c Config) RoomSocketURL(roomID string) string {
	return fmt.Sprintf("%s/ws/chat/%s/", strings.TrimRight(c.WSURL, "/"), url.PathEscape(roomID))
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GEMA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "GEMA Chat")
	v.SetDefault("app.env", "development")
	v.SetDefault("log.level", "info")
	v.SetDefault("chat.api_url", "http://127.0.0.1:8000")
	v.SetDefault("chat.http_timeout", "15s")
	v.SetDefault("chat.typing_debounce", "1s")
	v.SetDefault("chat.probe_ttl", "5s")
	v.SetDefault("cache.backend", CacheBackendSQLite)
	v.SetDefault("cache.path", "gema-chat.db")
	v.SetDefault("cache.prefix", "gema:chat")
	v.SetDefault("nats.subject", "gema.chat.sessions")

	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	httpTimeout, err := parseDuration(v, "chat.http_timeout", 15*time.Second)
	if err != nil {
		return Config{}, err
	}
	debounce, err := parseDuration(v, "chat.typing_debounce", time.Second)
	if err != nil {
		return Config{}, err
	}
	probeTTL, err := parseDuration(v, "chat.probe_ttl", 5*time.Second)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppName:        v.GetString("app.name"),
		AppEnv:         v.GetString("app.env"),
		LogLevel:       strings.ToLower(v.GetString("log.level")),
		APIURL:         strings.TrimRight(v.GetString("chat.api_url"), "/"),
		WSURL:          strings.TrimRight(v.GetString("chat.ws_url"), "/"),
		HTTPTimeout:    httpTimeout,
		TypingDebounce: debounce,
		ProbeTTL:       probeTTL,
		CacheBackend:   strings.ToLower(v.GetString("cache.backend")),
		CachePath:      v.GetString("cache.path"),
		CachePrefix:    v.GetString("cache.prefix"),
		RedisURL:       v.GetString("redis.url"),
		NATSURL:        v.GetString("nats.url"),
		NATSSubject:    v.GetString("nats.subject"),
		MetricsAddr:    v.GetString("metrics.addr"),
		AuthEmail:      v.GetString("auth.email"),
		AuthPassword:   v.GetString("auth.password"),
		Peer:           strings.TrimSpace(v.GetString("chat.peer")),
	}

	if cfg.APIURL == "" {
		return Config{}, fmt.Errorf("chat api url must be provided")
	}

	if cfg.WSURL == "" {
		wsURL, err := deriveSocketURL(cfg.APIURL)
		if err != nil {
			return Config{}, err
		}
		cfg.WSURL = wsURL
	}

	switch cfg.CacheBackend {
	case CacheBackendSQLite:
		if cfg.CachePath == "" {
			return Config{}, fmt.Errorf("cache path must be provided for the sqlite backend")
		}
	case CacheBackendRedis:
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("redis url must be provided for the redis backend")
		}
	default:
		return Config{}, fmt.Errorf("unsupported cache backend %q", cfg.CacheBackend)
	}

	key, err := hex.DecodeString(strings.TrimSpace(v.GetString("credentials.key")))
	if err != nil {
		return Config{}, fmt.Errorf("invalid credentials key: %w", err)
	}
	if len(key) != 32 {
		return Config{}, fmt.Errorf("credentials key must be 32 bytes hex encoded")
	}
	cfg.CredentialKey = key

	return cfg, nil
}

func parseDuration(v *viper.Viper, key string, fallback time.Duration) (time.Duration, error) {
	raw := v.GetString(key)
	if raw == "" {
		return fallback, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if value <= 0 {
		return fallback, nil
	}
	return value, nil
}

func deriveSocketURL(apiURL string) (string, error) {
	parsed, err := url.Parse(apiURL)
	if err != nil {
		return "", fmt.Errorf("invalid chat api url: %w", err)
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	case "http":
		parsed.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported chat api url scheme %q", parsed.Scheme)
	}
	return strings.TrimRight(parsed.String(), "/"), nil
}
