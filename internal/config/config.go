package config

import "time"

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server" validate:"required"`
	Database    DatabaseConfig    `mapstructure:"database" validate:"required"`
	Storage     StorageConfig     `mapstructure:"storage" validate:"required"`
	Auth        AuthConfig        `mapstructure:"auth" validate:"required"`
	Queue       QueueConfig       `mapstructure:"queue" validate:"required"`
	Recognition RecognitionConfig `mapstructure:"recognition"`
}

type ServerConfig struct {
	Port           int      `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel       string   `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	MaxConnections int      `mapstructure:"max_connections" validate:"gte=0"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver" validate:"required,oneof=postgres sqlite memory"`
	// URL is a postgres connection string or a sqlite file path.
	URL      string `mapstructure:"url" validate:"required_unless=Driver memory"`
	MaxConns int32  `mapstructure:"max_conns" validate:"gte=0"`
}

type StorageConfig struct {
	Driver    string `mapstructure:"driver" validate:"required,oneof=minio memory"`
	Endpoint  string `mapstructure:"endpoint" validate:"required_if=Driver minio"`
	Bucket    string `mapstructure:"bucket" validate:"required_if=Driver minio"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" validate:"required,min=32"`
}

// QueueConfig tunes workers, the reconciler and the intake limits.
type QueueConfig struct {
	Workers      int           `mapstructure:"workers" validate:"gte=0"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	StuckTimeout time.Duration `mapstructure:"stuck_timeout" validate:"gt=0"`
	// MaxAttempts caps how often a stuck job is reclaimed before it fails.
	MaxAttempts     int           `mapstructure:"max_attempts" validate:"gte=0"`
	FailedRetention time.Duration `mapstructure:"failed_retention" validate:"gt=0"`
	OrphanGrace     time.Duration `mapstructure:"orphan_grace" validate:"gt=0"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
	CommandLease    time.Duration `mapstructure:"command_lease" validate:"gt=0"`
	CommandInterval time.Duration `mapstructure:"command_interval" validate:"gt=0"`
	// CommandMaxAttempts caps how often a failing command handler is retried.
	CommandMaxAttempts int   `mapstructure:"command_max_attempts" validate:"gte=0"`
	MaxBatchSize       int   `mapstructure:"max_batch_size" validate:"gt=0"`
	MaxUploadBytes     int64 `mapstructure:"max_upload_bytes" validate:"gt=0"`
}

type RecognitionConfig struct {
	// Results below this confidence go to review instead of completing.
	ReviewThreshold float64 `mapstructure:"review_threshold" validate:"gte=0,lte=1"`
	// CatalogPath is an optional JSON file of catalog entries.
	CatalogPath string `mapstructure:"catalog_path"`
}
