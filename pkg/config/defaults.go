package config

import (
	"strings"
	"time"

	"github.com/velotrace/collector/internal/bytesize"
)

// ApplyDefaults fills unset fields with working values. Zero values are
// replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyUploadDefaults(&cfg.Upload)
	applyMongoDefaults(&cfg.Mongo)
	applyStorageDefaults(&cfg.Storage)
	applyMetricsDefaults(&cfg.Metrics)

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "/api/v4"
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 2 * time.Minute
	}
}

func applyUploadDefaults(cfg *UploadConfig) {
	if cfg.Folder == "" {
		cfg.Folder = "file-uploads"
	}
	if cfg.PayloadLimit == 0 {
		cfg.PayloadLimit = 100 * bytesize.MB
	}
	if cfg.Expiration == 0 {
		cfg.Expiration = 7 * 24 * time.Hour
	}
}

func applyMongoDefaults(cfg *MongoConfig) {
	if cfg.URI == "" {
		cfg.URI = "mongodb://localhost:27017"
	}
	if cfg.Database == "" {
		cfg.Database = "collector"
	}
	if cfg.Collection == "" {
		cfg.Collection = "measurements.meta"
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
}

func applyStorageDefaults(cfg *StorageConfig) {
	if cfg.Type == "" {
		cfg.Type = "gridfs"
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = 9090
	}
}
