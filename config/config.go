// Package config loads jobstore settings from defaults, an optional YAML
// file and JOBSTORE_ environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"jobstore/db"
	"jobstore/models"
	"jobstore/services"
)

// EnvPrefix prefixes every environment override, e.g. JOBSTORE_MONGO_ENDPOINT.
const EnvPrefix = "JOBSTORE"

// Config is the complete application configuration.
type Config struct {
	Environment       string        `mapstructure:"environment"`
	Region            string        `mapstructure:"region"`
	RecordExpiry      time.Duration `mapstructure:"record_expiry"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	Mongo             MongoConfig   `mapstructure:"mongo"`
	Limits            models.Limits `mapstructure:"limits"`
	Server            ServerConfig  `mapstructure:"server"`
	Logging           LoggingConfig `mapstructure:"logging"`
	Sweeper           SweeperConfig `mapstructure:"sweeper"`
}

type MongoConfig struct {
	Endpoint         string `mapstructure:"endpoint"`
	Database         string `mapstructure:"database"`
	Collection       string `mapstructure:"collection"`
	AppName          string `mapstructure:"app_name"`
	ReadOnly         bool   `mapstructure:"read_only"`
	OverwriteIndexes bool   `mapstructure:"overwrite_indexes"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type SweeperConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "")
	v.SetDefault("region", "")
	v.SetDefault("record_expiry", "0s")
	v.SetDefault("heartbeat_interval", db.DefaultHeartbeatInterval.String())

	v.SetDefault("mongo.endpoint", db.DefaultEndpoint)
	v.SetDefault("mongo.database", db.DefaultDatabase)
	v.SetDefault("mongo.collection", db.DefaultCollection)
	v.SetDefault("mongo.app_name", "jobstore")
	v.SetDefault("mongo.read_only", false)
	v.SetDefault("mongo.overwrite_indexes", false)

	v.SetDefault("limits.max_payload_length", models.DefaultLimits.MaxPayloadLength)
	v.SetDefault("limits.max_result_length", models.DefaultLimits.MaxResultLength)
	v.SetDefault("limits.max_error_length", models.DefaultLimits.MaxErrorLength)
	v.SetDefault("limits.max_description_length", models.DefaultLimits.MaxDescriptionLength)

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("sweeper.enabled", false)
	v.SetDefault("sweeper.schedule", services.DefaultSweepSchedule)
}

// New returns a viper instance with defaults and environment overrides
// applied. Callers may bind flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file at path into v and decodes the
// result. An empty path searches ./jobstore.yaml and /etc/jobstore/.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("jobstore")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/jobstore")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the store cannot run with.
func (c *Config) Validate() error {
	if c.RecordExpiry < 0 {
		return errors.New("record_expiry must not be negative")
	}
	if c.HeartbeatInterval < 0 {
		return errors.New("heartbeat_interval must not be negative")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if c.Sweeper.Enabled {
		if _, err := services.ParseSchedule(c.Sweeper.Schedule); err != nil {
			return err
		}
	}
	return nil
}

// StoreOptions maps the configuration onto MongoDB store options.
func (c *Config) StoreOptions() db.Options {
	return db.Options{
		Endpoint:          c.Mongo.Endpoint,
		Database:          c.Mongo.Database,
		Collection:        c.Mongo.Collection,
		AppName:           c.Mongo.AppName,
		Region:            c.Region,
		Environment:       c.Environment,
		RecordExpiry:      c.RecordExpiry,
		HeartbeatInterval: c.HeartbeatInterval,
		ReadOnly:          c.Mongo.ReadOnly,
		OverwriteIndexes:  c.Mongo.OverwriteIndexes,
		Limits:            c.Limits,
	}
}
