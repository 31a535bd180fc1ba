package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// CRConfig holds the application configuration
type CRConfig struct {
	Database struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"database"`

	Server struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
	} `mapstructure:"server"`

	Queue struct {
		Host                 string `mapstructure:"host"`
		Password             string `mapstructure:"password"`
		DB                   int    `mapstructure:"db"`
		HeartbeatIntervalSec int    `mapstructure:"heartbeat_interval_sec"`
		PublishRetries       int    `mapstructure:"publish_retries"`
	} `mapstructure:"queue"`

	Worker struct {
		Count          int `mapstructure:"count"`
		MaxRetries     int `mapstructure:"max_retries"`
		TimeoutSec     int `mapstructure:"timeout_sec"`
		BackoffBaseSec int `mapstructure:"backoff_base_sec"`
		OpDelaySec     int `mapstructure:"op_delay_sec"`
	} `mapstructure:"worker"`

	Janitor struct {
		TrimCron       string `mapstructure:"trim_cron"`
		RetentionHours int    `mapstructure:"retention_hours"`
	} `mapstructure:"janitor"`

	LogLevel string `mapstructure:"log_level"`
}

// LoadConfig reads the configuration from a file or environment variables
func LoadConfig(configPaths ...string) (*CRConfig, error) {
	// can specify config path from environment
	if path, exists := os.LookupEnv("CR_CONFIG_PATH"); exists {
		configPaths = append(configPaths, path)
	}
	for _, path := range configPaths {
		fi, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, err
		}
		mode := fi.Mode()
		switch {
		case mode.IsRegular():
			v := newViper()
			v.SetConfigFile(path)
			config, err := readConfig(v, path)
			if err != nil {
				continue
			}
			return config, nil

		case mode.IsDir():
			v := newViper()
			v.AddConfigPath(path)
			v.SetConfigName("config")
			v.SetConfigType("yaml")
			config, err := readConfig(v, path)
			if err != nil {
				continue
			}
			return config, nil
		}
	}

	v := newViper()
	// finally read from current working directory
	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	cwd, _ := os.Getwd()

	config, err := readConfig(v, cwd)
	if err != nil {
		return nil, err
	}
	return config, nil
}

// setDefaults sets default values for configuration
func newViper() *viper.Viper {
	v := viper.New()

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.name", "calcrunner")
	v.SetDefault("database.sslmode", "disable")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5001)

	v.SetDefault("queue.host", "localhost:6379")
	v.SetDefault("queue.password", "redis")
	v.SetDefault("queue.db", 0)
	v.SetDefault("queue.heartbeat_interval_sec", 30)
	v.SetDefault("queue.publish_retries", 3)

	// Worker defaults
	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.max_retries", 3)
	v.SetDefault("worker.timeout_sec", 30)
	v.SetDefault("worker.backoff_base_sec", 3)
	v.SetDefault("worker.op_delay_sec", 0)

	// Janitor defaults
	v.SetDefault("janitor.trim_cron", "0 0 * * * *")
	v.SetDefault("janitor.retention_hours", 168)

	// Log level default
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("CR")                               // Prefix for environment variables
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // Replace dots with underscores in env vars
	v.AutomaticEnv()                                   // Read environment variables

	return v
}

func readConfig(v *viper.Viper, path string) (*CRConfig, error) {
	var config CRConfig

	if err := v.ReadInConfig(); err != nil {
		log.Warn().
			Str("path", path).
			Msg("Could not read config file")
		return nil, err
	}
	if err := v.Unmarshal(&config); err != nil {
		log.Warn().
			Str("path", path).
			Msg("Could not unmarshall config")
		return nil, err
	}

	return &config, nil
}

// GetDatabaseURL returns a formatted database connection string
func (c *CRConfig) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

// ZerologLevel parses the configured log level, falling back to info when
// the value is not recognised
func (c *CRConfig) ZerologLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}
