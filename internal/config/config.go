// Package config loads bridge configuration from an optional TOML file with
// environment overrides, plus the credential material the gateway and store
// need.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
)

// Config is the full service configuration.
type Config struct {
	// Env is "dev" or "prod"; dev switches logging to the console writer.
	Env string `toml:"env"`

	// HTTPAddr serves health and metrics.
	HTTPAddr string `toml:"http_addr"`

	Mongo    MongoConfig    `toml:"mongo"`
	NATS     NATSConfig     `toml:"nats"`
	Topics   TopicsConfig   `toml:"topics"`
	Router   RouterConfig   `toml:"router"`
	Identity IdentityConfig `toml:"identity"`
}

// MongoConfig holds document store settings.
type MongoConfig struct {
	URI      string `toml:"uri"`
	Database string `toml:"database"`
}

// NATSConfig holds broker settings.
type NATSConfig struct {
	URL     string `toml:"url"`
	Workers int    `toml:"workers"`
}

// TopicsConfig names the logical topics and subscriptions.
type TopicsConfig struct {
	Command              string `toml:"command"`
	CommandSubscription  string `toml:"command_subscription"`
	Outgoing             string `toml:"outgoing"`
	OutgoingSubscription string `toml:"outgoing_subscription"`
}

// RouterConfig holds command router settings.
type RouterConfig struct {
	// StoreEnabled selects the full router; disabled means relay-only.
	StoreEnabled bool `toml:"store_enabled"`
}

// IdentityConfig holds de-identification settings.
type IdentityConfig struct {
	Table       string `toml:"table"`
	TokenPrefix string `toml:"token_prefix"`
}

// Default returns production defaults.
func Default() *Config {
	return &Config{
		Env:      "prod",
		HTTPAddr: ":8080",
		Mongo: MongoConfig{
			URI:      "mongodb://localhost:27017",
			Database: "nookbridge",
		},
		NATS: NATSConfig{
			URL:     "nats://localhost:4222",
			Workers: 4,
		},
		Topics: TopicsConfig{
			Command:              "sms-channel-topic",
			CommandSubscription:  "sms-channel",
			Outgoing:             "sms-outgoing",
			OutgoingSubscription: "sms-outgoing",
		},
		Router: RouterConfig{
			StoreEnabled: true,
		},
		Identity: IdentityConfig{
			Table:       "uuid-table",
			TokenPrefix: "nook-phone-uuid-",
		},
	}
}

// Load builds the configuration: defaults, then the TOML file named by
// NOOKBRIDGE_CONFIG (if set), then NOOKBRIDGE_* environment overrides.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("NOOKBRIDGE_CONFIG"); path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
		log.Info().Str("path", path).Msg("Loaded config file")
	}

	cfg.Env = getEnv("NOOKBRIDGE_ENV", cfg.Env)
	cfg.HTTPAddr = getEnv("NOOKBRIDGE_HTTP_ADDR", cfg.HTTPAddr)
	cfg.Mongo.URI = getEnv("NOOKBRIDGE_MONGO_URI", cfg.Mongo.URI)
	cfg.Mongo.Database = getEnv("NOOKBRIDGE_MONGO_DATABASE", cfg.Mongo.Database)
	cfg.NATS.URL = getEnv("NOOKBRIDGE_NATS_URL", cfg.NATS.URL)
	cfg.NATS.Workers = getEnvInt("NOOKBRIDGE_NATS_WORKERS", cfg.NATS.Workers)
	cfg.Topics.Command = getEnv("NOOKBRIDGE_COMMAND_TOPIC", cfg.Topics.Command)
	cfg.Topics.CommandSubscription = getEnv("NOOKBRIDGE_COMMAND_SUBSCRIPTION", cfg.Topics.CommandSubscription)
	cfg.Topics.Outgoing = getEnv("NOOKBRIDGE_OUTGOING_TOPIC", cfg.Topics.Outgoing)
	cfg.Topics.OutgoingSubscription = getEnv("NOOKBRIDGE_OUTGOING_SUBSCRIPTION", cfg.Topics.OutgoingSubscription)
	cfg.Router.StoreEnabled = getEnvBool("NOOKBRIDGE_STORE_ENABLED", cfg.Router.StoreEnabled)
	cfg.Identity.Table = getEnv("NOOKBRIDGE_IDENTITY_TABLE", cfg.Identity.Table)
	cfg.Identity.TokenPrefix = getEnv("NOOKBRIDGE_TOKEN_PREFIX", cfg.Identity.TokenPrefix)

	return cfg, nil
}

// IsDev reports whether console logging should be used.
func (c *Config) IsDev() bool {
	return c.Env == "dev"
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
		log.Warn().Str("key", key).Msg("Invalid integer in environment, using fallback")
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
		log.Warn().Str("key", key).Msg("Invalid boolean in environment, using fallback")
	}
	return fallback
}
