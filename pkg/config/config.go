// Package config loads and validates the collector configuration from
// file, environment, and defaults.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/velotrace/collector/internal/bytesize"
)

// Config is the full collector configuration.
//
// Sources, in order of precedence:
//  1. Environment variables (COLLECTOR_*)
//  2. Configuration file (YAML)
//  3. Default values
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server configures the HTTP API listener.
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Upload configures temp staging and session expiry.
	Upload UploadConfig `mapstructure:"upload" yaml:"upload"`

	// Mongo configures the metadata database connection.
	Mongo MongoConfig `mapstructure:"mongo" yaml:"mongo"`

	// Storage selects and configures the backend that keeps finalized
	// uploads.
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`

	// Metrics configures the Prometheus exposition server.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format selects "text" or "json" output.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is "stdout", "stderr", or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	// Host is the bind address. Empty binds all interfaces.
	Host string `mapstructure:"host" yaml:"host"`

	// Port is the HTTP listen port.
	Port uint16 `mapstructure:"port" validate:"required" yaml:"port"`

	// Endpoint is the path prefix all API routes hang off, e.g. "/api/v4".
	Endpoint string `mapstructure:"endpoint" validate:"required,startswith=/" yaml:"endpoint"`

	// RequestTimeout bounds a single chunk request end to end.
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"required,gt=0" yaml:"request_timeout"`
}

// UploadConfig configures temp staging and session lifecycle.
type UploadConfig struct {
	// Folder is the directory holding partial uploads and their session
	// files.
	Folder string `mapstructure:"folder" validate:"required" yaml:"folder"`

	// PayloadLimit is the largest upload accepted, in total declared
	// bytes. Accepts human-readable sizes like "100MB".
	PayloadLimit bytesize.Size `mapstructure:"payload_limit" validate:"required,gt=0" yaml:"payload_limit"`

	// Expiration is how long a paused upload survives before the
	// janitor removes it.
	Expiration time.Duration `mapstructure:"expiration" validate:"required,gt=0" yaml:"expiration"`
}

// MongoConfig configures the metadata database.
type MongoConfig struct {
	// URI is the MongoDB connection string.
	URI string `mapstructure:"uri" validate:"required" yaml:"uri"`

	// Database is the database holding measurement metadata.
	Database string `mapstructure:"database" validate:"required" yaml:"database"`

	// Collection is the metadata collection used by the s3 and local
	// backends.
	Collection string `mapstructure:"collection" validate:"required" yaml:"collection"`

	// ConnectTimeout bounds the initial connection attempt.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" validate:"required,gt=0" yaml:"connect_timeout"`
}

// StorageConfig selects the finalized-upload backend.
type StorageConfig struct {
	// Type is one of "gridfs", "s3", "local".
	Type string `mapstructure:"type" validate:"required,oneof=gridfs s3 local" yaml:"type"`

	// S3 holds bucket coordinates when Type is "s3".
	S3 S3Config `mapstructure:"s3" yaml:"s3"`

	// Local holds the data directory when Type is "local".
	Local LocalConfig `mapstructure:"local" yaml:"local"`
}

// S3Config configures the S3 (or compatible) blob store.
type S3Config struct {
	Endpoint        string        `mapstructure:"endpoint" yaml:"endpoint"`
	Region          string        `mapstructure:"region" yaml:"region"`
	AccessKeyID     string        `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key" yaml:"secret_access_key"`
	Bucket          string        `mapstructure:"bucket" yaml:"bucket"`
	KeyPrefix       string        `mapstructure:"key_prefix" yaml:"key_prefix"`
	PartSize        bytesize.Size `mapstructure:"part_size" yaml:"part_size"`
	ForcePathStyle  bool          `mapstructure:"force_path_style" yaml:"force_path_style"`
}

// LocalConfig configures the local filesystem backend.
type LocalConfig struct {
	// Folder is the directory that receives finalized uploads.
	Folder string `mapstructure:"folder" yaml:"folder"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
// When Enabled is false, no metrics are collected.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the metrics endpoint.
	Port uint16 `mapstructure:"port" validate:"omitempty,min=1" yaml:"port"`
}

// Load reads configuration from the given file (optional), the
// environment, and defaults, then validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v, configPath); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper wires environment variable support and the config file
// location. Environment variables use the COLLECTOR_ prefix with
// underscores, e.g. COLLECTOR_SERVER_PORT=8080.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("COLLECTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/collector")
		v.SetConfigName("collector")
		v.SetConfigType("yaml")
	}
}

func readConfigFile(v *viper.Viper, configPath string) error {
	err := v.ReadInConfig()
	if err == nil {
		return nil
	}
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return nil
	}
	if os.IsNotExist(err) && configPath == "" {
		return nil
	}
	return fmt.Errorf("reading config file: %w", err)
}

// Validate checks the configuration against the struct tags plus the
// cross-field backend rules the tags cannot express.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return err
	}

	switch cfg.Storage.Type {
	case "s3":
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when storage.type is s3")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when storage.type is s3")
		}
	case "local":
		if cfg.Storage.Local.Folder == "" {
			return fmt.Errorf("storage.local.folder is required when storage.type is local")
		}
	}
	return nil
}

// configDecodeHooks combines the custom type hooks used during
// unmarshalling: byte sizes and durations from strings.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
	)
}

// byteSizeDecodeHook converts strings and integers to bytesize.Size so
// config files can say "100MB" or a plain number of bytes.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.Size(0)) {
			return data, nil
		}
		switch from.Kind() {
		case reflect.String:
			return bytesize.Parse(data.(string))
		case reflect.Int, reflect.Int64:
			return bytesize.Size(reflect.ValueOf(data).Int()), nil
		case reflect.Float64:
			return bytesize.Size(int64(data.(float64))), nil
		default:
			return data, nil
		}
	}
}
