package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Delivery   DeliveryConfig   `mapstructure:"delivery"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Reputation ReputationConfig `mapstructure:"reputation"`
	Signing    SigningConfig    `mapstructure:"signing"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	AdminToken   string        `mapstructure:"admin_token"`
}

type StorageConfig struct {
	Driver string       `mapstructure:"driver"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type DeliveryConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     BackoffConfig `mapstructure:"backoff"`
}

type BackoffConfig struct {
	Base       time.Duration `mapstructure:"base"`
	Multiplier float64       `mapstructure:"multiplier"`
	Max        time.Duration `mapstructure:"max"`
}

type SchedulerConfig struct {
	PendingInterval time.Duration `mapstructure:"pending_interval"`
	PendingBatch    int           `mapstructure:"pending_batch"`
	RetryInterval   time.Duration `mapstructure:"retry_interval"`
	Workers         int           `mapstructure:"workers"`
	// DegradedSpacing is the minimum gap between deliveries to a server
	// classified as degraded.
	DegradedSpacing time.Duration `mapstructure:"degraded_spacing"`
}

type ReputationConfig struct {
	DegradedThreshold int64   `mapstructure:"degraded_threshold"`
	SuspendThreshold  int64   `mapstructure:"suspend_threshold"`
	MinAttempts       int64   `mapstructure:"min_attempts"`
	MinSuccessRatio   float64 `mapstructure:"min_success_ratio"`
}

type SigningConfig struct {
	KeyPath string `mapstructure:"key_path"`
	KeyID   string `mapstructure:"key_id"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load(path string) (*Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("courier")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/courier")
	}

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvPrefix("COURIER")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 30*time.Second)

	viper.SetDefault("storage.driver", "sqlite")
	viper.SetDefault("storage.sqlite.path", "./data/courier.db")

	viper.SetDefault("delivery.timeout", 30*time.Second)
	viper.SetDefault("delivery.max_attempts", 5)
	viper.SetDefault("delivery.backoff.base", 5*time.Minute)
	viper.SetDefault("delivery.backoff.multiplier", 5.0)
	viper.SetDefault("delivery.backoff.max", 10*time.Hour)

	viper.SetDefault("scheduler.pending_interval", 10*time.Second)
	viper.SetDefault("scheduler.pending_batch", 10)
	viper.SetDefault("scheduler.retry_interval", 60*time.Second)
	viper.SetDefault("scheduler.workers", 10)
	viper.SetDefault("scheduler.degraded_spacing", 5*time.Second)

	viper.SetDefault("reputation.degraded_threshold", 5)
	viper.SetDefault("reputation.suspend_threshold", 10)
	viper.SetDefault("reputation.min_attempts", 10)
	viper.SetDefault("reputation.min_success_ratio", 0.8)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}
