// Package config loads moderator settings from the environment, optionally
// seeded from a .env file. A Config is built once at startup and treated as
// read-only afterwards.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/groupguard/groupguard/internal/moderation"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

type Config struct {
	Moderation ModerationConfig
	Admin      AdminConfig
	Alert      AlertConfig
	Dispatch   DispatchConfig
	Directory  DirectoryConfig
	Server     ServerConfig
	NATS       NATSConfig
	Redis      RedisConfig
	Database   DatabaseConfig
	Log        LogConfig

	// parse errors collected while reading the environment
	errs []error
}

type ModerationConfig struct {
	Keywords     []string
	LinkPattern  string
	RepeatWindow time.Duration
	MaxWarn      int
	Policy       string
	Privileged   []string
}

type AdminConfig struct {
	IDs   []string
	Names string // "id=name,id=name" for the static directory
}

type AlertConfig struct {
	Cooldown time.Duration
}

type DispatchConfig struct {
	Workers   int
	QueueSize int
}

type DirectoryConfig struct {
	CacheSize int
	CacheTTL  time.Duration
	ErrTTL    time.Duration
}

type ServerConfig struct {
	HTTPAddr string
	Env      string
}

type NATSConfig struct {
	URL string
}

type RedisConfig struct {
	URL string // empty disables throttling and the shared name cache
}

type DatabaseConfig struct {
	URL string // empty disables the audit log
}

type LogConfig struct {
	Level string
}

// Load reads .env from the working directory if present, then the
// environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return fromEnv(), nil
}

// LoadFile reads the given env file, then the environment. Variables already
// set in the environment take precedence over the file.
func LoadFile(path string) (*Config, error) {
	if err := godotenv.Load(path); err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	return fromEnv(), nil
}

func fromEnv() *Config {
	c := &Config{}
	c.Moderation = ModerationConfig{
		Keywords:     c.getEnvAsList("BANNED_KEYWORDS", moderation.DefaultKeywords),
		LinkPattern:  getEnv("LINK_PATTERN", moderation.DefaultLinkPattern),
		RepeatWindow: c.getEnvAsSeconds("REPEAT_WINDOW_SECONDS", moderation.DefaultRepeatWindow),
		MaxWarn:      c.getEnvAsInt("MAX_WARN", moderation.DefaultMaxWarn),
		Policy:       getEnv("ESCALATION_POLICY", "threshold"),
		Privileged:   c.getEnvAsList("PRIVILEGED_SENDERS", nil),
	}
	c.Admin = AdminConfig{
		IDs:   c.getEnvAsList("ADMIN_IDS", nil),
		Names: getEnv("ADMIN_NAMES", ""),
	}
	c.Alert = AlertConfig{
		Cooldown: c.getEnvAsSeconds("ALERT_COOLDOWN_SECONDS", 5*time.Minute),
	}
	c.Dispatch = DispatchConfig{
		Workers:   c.getEnvAsInt("WORKERS", 8),
		QueueSize: c.getEnvAsInt("QUEUE_SIZE", 256),
	}
	c.Directory = DirectoryConfig{
		CacheSize: c.getEnvAsInt("NAME_CACHE_SIZE", 1000),
		CacheTTL:  c.getEnvAsDuration("NAME_CACHE_TTL", 10*time.Minute),
		ErrTTL:    c.getEnvAsDuration("NAME_CACHE_ERR_TTL", 30*time.Second),
	}
	c.Server = ServerConfig{
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
		Env:      getEnv("ENV", "development"),
	}
	c.NATS = NATSConfig{URL: getEnv("NATS_URL", "nats://localhost:4222")}
	c.Redis = RedisConfig{URL: getEnv("REDIS_URL", "")}
	c.Database = DatabaseConfig{URL: getEnv("DATABASE_URL", "")}
	c.Log = LogConfig{Level: getEnv("LOG_LEVEL", "info")}
	return c
}

// Validate reports every problem with the configuration at once. The error
// matches ErrInvalid.
func (c *Config) Validate() error {
	errs := append([]error(nil), c.errs...)

	if c.Moderation.MaxWarn <= 0 {
		errs = append(errs, fmt.Errorf("MAX_WARN must be positive, got %d", c.Moderation.MaxWarn))
	}
	if c.Moderation.RepeatWindow <= 0 {
		errs = append(errs, fmt.Errorf("REPEAT_WINDOW_SECONDS must be positive, got %s", c.Moderation.RepeatWindow))
	}
	if _, err := regexp.Compile(c.Moderation.LinkPattern); err != nil {
		errs = append(errs, fmt.Errorf("LINK_PATTERN: %w", err))
	}
	if _, err := moderation.ParsePolicy(c.Moderation.Policy); err != nil {
		errs = append(errs, fmt.Errorf("ESCALATION_POLICY: %w", err))
	}
	if c.Alert.Cooldown <= 0 {
		errs = append(errs, fmt.Errorf("ALERT_COOLDOWN_SECONDS must be positive, got %s", c.Alert.Cooldown))
	}
	if c.Dispatch.Workers <= 0 || c.Dispatch.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("WORKERS and QUEUE_SIZE must be positive, got %d and %d", c.Dispatch.Workers, c.Dispatch.QueueSize))
	}
	if c.Directory.CacheSize < 0 || c.Directory.CacheTTL < 0 || c.Directory.ErrTTL < 0 {
		errs = append(errs, errors.New("NAME_CACHE_SIZE, NAME_CACHE_TTL and NAME_CACHE_ERR_TTL must not be negative"))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// EngineOptions converts the moderation settings for moderation.NewEngine.
// Call Validate first.
func (c *Config) EngineOptions() (moderation.Options, error) {
	link, err := regexp.Compile(c.Moderation.LinkPattern)
	if err != nil {
		return moderation.Options{}, fmt.Errorf("%w: LINK_PATTERN: %w", ErrInvalid, err)
	}
	policy, err := moderation.ParsePolicy(c.Moderation.Policy)
	if err != nil {
		return moderation.Options{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return moderation.Options{
		Keywords:     c.Moderation.Keywords,
		LinkPattern:  link,
		RepeatWindow: c.Moderation.RepeatWindow,
		MaxWarn:      uint32(c.Moderation.MaxWarn),
		Policy:       policy,
		Privileged:   senderIDs(c.Moderation.Privileged),
	}, nil
}

// AdminIDs returns the administrator roster in configured order.
func (c *Config) AdminIDs() []moderation.SenderID {
	return senderIDs(c.Admin.IDs)
}

func senderIDs(ids []string) []moderation.SenderID {
	out := make([]moderation.SenderID, len(ids))
	for i, id := range ids {
		out[i] = moderation.SenderID(id)
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func (c *Config) getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(strings.TrimSpace(valueStr))
	if err != nil {
		c.errs = append(c.errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return value
}

func (c *Config) getEnvAsSeconds(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(strings.TrimSpace(valueStr))
	if err != nil {
		c.errs = append(c.errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return time.Duration(value) * time.Second
}

func (c *Config) getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(strings.TrimSpace(valueStr))
	if err != nil {
		c.errs = append(c.errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma-separated variable. Blank items are dropped, so
// "," yields an empty, non-nil list: set but empty.
func (c *Config) getEnvAsList(key string, defaultValue []string) []string {
	valueStr, ok := os.LookupEnv(key)
	if !ok || valueStr == "" {
		return defaultValue
	}
	out := []string{}
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
