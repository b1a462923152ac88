package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces every environment override, e.g. CARDSCAN_DATABASE_URL.
const EnvPrefix = "CARDSCAN"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.max_connections", 0)
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.bucket", "scans")
	v.SetDefault("storage.access_key", "")
	v.SetDefault("storage.secret_key", "")
	v.SetDefault("storage.use_ssl", false)

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("queue.workers", 2)
	v.SetDefault("queue.poll_interval", "500ms")
	v.SetDefault("queue.stuck_timeout", "5m")
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.failed_retention", "72h")
	v.SetDefault("queue.orphan_grace", "5m")
	v.SetDefault("queue.sweep_interval", "1m")
	v.SetDefault("queue.command_lease", "2m")
	v.SetDefault("queue.command_interval", "2s")
	v.SetDefault("queue.command_max_attempts", 5)
	v.SetDefault("queue.max_batch_size", 20)
	v.SetDefault("queue.max_upload_bytes", 10<<20)

	v.SetDefault("recognition.review_threshold", 0.8)
	v.SetDefault("recognition.catalog_path", "")
}

// Load reads defaults, then an optional config file, then CARDSCAN_* environment
// variables, and validates the result. path may be empty; CARDSCAN_CONFIG is
// consulted in that case.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
