// Package config loads the daemon's configuration from a YAML file
// with environment variable overrides, following the viper-backed
// pattern used for worker/queue settings in the broader ecosystem.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Validator ValidatorConfig `mapstructure:"validator"`
	Realtime  RealtimeConfig  `mapstructure:"realtime"`
	Task      TaskConfig      `mapstructure:"task"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type DatabaseConfig struct {
	Driver           string `mapstructure:"driver"` // "postgres" or "sqlite"
	ConnectionString string `mapstructure:"connection_string"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ValidatorConfig configures the containerized reference-validator
// wrapper: which image to run and how to translate a host path into
// the path the validator's container mount sees.
type ValidatorConfig struct {
	Image          string `mapstructure:"image"`
	HostPathPrefix string `mapstructure:"host_path_prefix"`
	ScratchDir     string `mapstructure:"scratch_dir"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

type RealtimeConfig struct {
	ClientTimeout   time.Duration `mapstructure:"client_timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	MinPollPacing   time.Duration `mapstructure:"min_poll_pacing"`
	DemoMode        bool          `mapstructure:"demo_mode"`
}

type TaskConfig struct {
	WorkerCount        int           `mapstructure:"worker_count"`
	RetentionDays      int           `mapstructure:"retention_days"`
	OrphanStaleAfter   time.Duration `mapstructure:"orphan_stale_after"`
	BulkInsertMaxParam int           `mapstructure:"bulk_insert_max_param"`
}

type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	FilePath string `mapstructure:"file_path"`
	Console  bool   `mapstructure:"console"`
	File     bool   `mapstructure:"file"`
}

func defaultConfig() Config {
	return Config{
		Database: DatabaseConfig{
			Driver:           "sqlite",
			ConnectionString: "gtfs.db",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
			DB:   0,
		},
		Validator: ValidatorConfig{
			Image:          "mobilitydata/gtfs-validator:latest",
			HostPathPrefix: "",
			ScratchDir:     "/tmp/gtfs-validator",
			TimeoutSeconds: 300,
		},
		Realtime: RealtimeConfig{
			ClientTimeout: 10 * time.Second,
			PollInterval:  30 * time.Second,
			MinPollPacing: 2 * time.Second,
			DemoMode:      false,
		},
		Task: TaskConfig{
			WorkerCount:        4,
			RetentionDays:      30,
			OrphanStaleAfter:   30 * time.Minute,
			BulkInsertMaxParam: 32767,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			File:    false,
		},
	}
}

// Load reads configuration from a YAML file at path (if present),
// applying GTFS_-prefixed environment overrides (dots become
// underscores, so GTFS_DATABASE_DRIVER overrides database.driver) on
// top of the built-in defaults. A .env file in the working directory
// is loaded first, for local development convenience.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("GTFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("database.driver", def.Database.Driver)
	v.SetDefault("database.connection_string", def.Database.ConnectionString)
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.db", def.Redis.DB)
	v.SetDefault("validator.image", def.Validator.Image)
	v.SetDefault("validator.host_path_prefix", def.Validator.HostPathPrefix)
	v.SetDefault("validator.scratch_dir", def.Validator.ScratchDir)
	v.SetDefault("validator.timeout_seconds", def.Validator.TimeoutSeconds)
	v.SetDefault("realtime.client_timeout", def.Realtime.ClientTimeout)
	v.SetDefault("realtime.poll_interval", def.Realtime.PollInterval)
	v.SetDefault("realtime.min_poll_pacing", def.Realtime.MinPollPacing)
	v.SetDefault("realtime.demo_mode", def.Realtime.DemoMode)
	v.SetDefault("task.worker_count", def.Task.WorkerCount)
	v.SetDefault("task.retention_days", def.Task.RetentionDays)
	v.SetDefault("task.orphan_stale_after", def.Task.OrphanStaleAfter)
	v.SetDefault("task.bulk_insert_max_param", def.Task.BulkInsertMaxParam)
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.console", def.Logging.Console)
	v.SetDefault("logging.file", def.Logging.File)

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}
