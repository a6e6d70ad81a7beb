package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/forgeml/orchestrator/internal/logger"
	"github.com/forgeml/orchestrator/internal/validator"
)

type DeviceConfig struct {
	ID            string `mapstructure:"id"             json:"id"             validate:"required"`
	CapacityBytes int64  `mapstructure:"capacity_bytes" json:"capacity_bytes" validate:"required,gt=0"`
}

type ResourceConfig struct {
	Devices         []DeviceConfig `mapstructure:"devices"          validate:"required,min=1,dive"`
	MaxUsageRatio   float64        `mapstructure:"max_usage_ratio"  validate:"gt=0,lte=1"`
	WarningRatio    float64        `mapstructure:"warning_ratio"    validate:"gt=0,lte=1"`
	CleanupCooldown time.Duration  `mapstructure:"cleanup_cooldown"`
	// Residency fraction the flat telemetry source reports per device,
	// standing in for a live NVML feed
	TelemetryBaselineRatio float64 `mapstructure:"telemetry_baseline_ratio" validate:"gte=0,lt=1"`
}

type ExecutorConfig struct {
	DefaultDeadline time.Duration `mapstructure:"default_deadline" validate:"required"`
	MaxConcurrent   int           `mapstructure:"max_concurrent"   validate:"required,gt=0"`
}

type ThresholdConfig struct {
	MinThroughput   float64 `mapstructure:"min_throughput"`
	MaxGenerationMs int64   `mapstructure:"max_generation_ms"`
	MinQualityScore float64 `mapstructure:"min_quality_score"`
	WindowSize      int     `mapstructure:"window_size"       validate:"gt=0"`
}

type ComplianceConfig struct {
	// Check kinds the registry will serve; jobs naming others are rejected
	Checks []string `mapstructure:"checks" validate:"required,min=1"`
}

type PostgresConfig struct {
	User               string        `validate:"required_if=InMemory false"`
	Password           string        `validate:"required_if=InMemory false"`
	Host               string        `validate:"required"`
	Database           string        `validate:"required_if=InMemory false"`
	MaxIdleConnections int           `validate:"required" mapstructure:"max_idle_connections"`
	MaxOpenConnections int           `validate:"required" mapstructure:"max_open_connections"`
	ConnectionTTL      time.Duration `validate:"required" mapstructure:"connection_ttl"`
	Port               int16         `validate:"required"`
	// In-memory repository for local runs and tests, skips postgres entirely
	InMemory bool `mapstructure:"in_memory"`
}

type SlogConfig struct {
	Level int `mapstructure:"level"`
}

type GormLogConfig struct {
	Level        int  `mapstructure:"level"`
	TraceQueries bool `mapstructure:"trace_queries"`
}

type LoggingConfig struct {
	Gorm    GormLogConfig `mapstructure:"gorm"`
	App     SlogConfig    `mapstructure:"app"`
	UseOTLP bool          `mapstructure:"use_otlp"`
}

type S3ArchiveConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	BucketName      string `mapstructure:"bucket_name"`
	SSLEnabled      bool   `mapstructure:"ssl_enabled"`
	Enabled         bool   `mapstructure:"enabled"`
}

// See orchestrator.yaml for an example config
type Config struct {
	ClusterID            *string           `mapstructure:"cluster_id"             validate:"required"`
	Resources            *ResourceConfig   `mapstructure:"resources"              validate:"required"`
	Executor             *ExecutorConfig   `mapstructure:"executor"               validate:"required"`
	Thresholds           *ThresholdConfig  `mapstructure:"thresholds"             validate:"required"`
	Compliance           *ComplianceConfig `mapstructure:"compliance"             validate:"required"`
	Postgres             *PostgresConfig   `mapstructure:"postgres"`
	Logging              *LoggingConfig    `mapstructure:"logging"`
	S3Archive            *S3ArchiveConfig  `mapstructure:"s3_archive"`
	TelemetryPollSeconds int               `mapstructure:"telemetry_poll_seconds"`
	ListenAddress        string            `mapstructure:"listen_address"         validate:"required"`
	GracefulShutdownSecs int64             `mapstructure:"graceful_shutdown_secs"`
}

const (
	AppLogLevel                string = "logging.app.level"
	CleanupCooldown            string = "resources.cleanup_cooldown"
	ClusterID                  string = "cluster_id"
	ComplianceChecks           string = "compliance.checks"
	EnvPrefix                  string = "orchestrator"
	ExecutorDefaultDeadline    string = "executor.default_deadline"
	ExecutorMaxConcurrent      string = "executor.max_concurrent"
	GormLogLevel               string = "logging.gorm.level"
	GormTraceQueries           string = "logging.gorm.trace_queries"
	GracefulShutdownSecs       string = "graceful_shutdown_secs"
	ListenAddress              string = "listen_address"
	MaxUsageRatio              string = "resources.max_usage_ratio"
	PostgresConnectonTTL       string = "postgres.connection_ttl"
	PostgresDatabase           string = "postgres.database"
	PostgresHost               string = "postgres.host"
	PostgresInMemory           string = "postgres.in_memory"
	PostgresMaxIdleConnections string = "postgres.max_idle_connections"
	PostgresMaxOpenConnections string = "postgres.max_open_connections"
	PostgresPassword           string = "postgres.password"
	PostgresPort               string = "postgres.port"
	PostgresUser               string = "postgres.user"
	S3AccessKeyID              string = "s3_archive.access_key_id"
	S3ArchiveEnabled           string = "s3_archive.enabled"
	S3SSLEnabled               string = "s3_archive.ssl_enabled"
	S3SecretAccessKey          string = "s3_archive.secret_access_key" // #nosec
	TelemetryBaselineRatio     string = "resources.telemetry_baseline_ratio"
	TelemetryPollSeconds       string = "telemetry_poll_seconds"
	ThresholdWindowSize        string = "thresholds.window_size"
	UseOTLP                    string = "logging.use_otlp"
	WarningRatio               string = "resources.warning_ratio"
)

var configReady = false
var config Config

func GetConfig() (*Config, error) {
	if configReady {
		logger.Logger.Debug("returning already-loaded config")
		return &config, nil
	}
	logger.Logger.Info("loading config")

	v := viper.New()

	v.SetConfigName("orchestrator")

	v.AddConfigPath("/etc/orchestrator/")
	v.AddConfigPath(".")

	v.SetConfigType("yaml")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.AutomaticEnv()

	// workaround for https://github.com/spf13/viper/issues/761
	// bind env vars explicitly so they unmarshal into the nested struct
	err := v.BindEnv(PostgresPassword)
	if err != nil {
		return nil, err
	}
	err = v.BindEnv(S3AccessKeyID)
	if err != nil {
		return nil, err
	}
	err = v.BindEnv(S3SecretAccessKey)
	if err != nil {
		return nil, err
	}

	v.SetDefault(ListenAddress, "[::]:1323")
	v.SetDefault(PostgresHost, "localhost")
	v.SetDefault(PostgresPort, 5432)
	v.SetDefault(PostgresMaxIdleConnections, 2)
	v.SetDefault(PostgresMaxOpenConnections, 10)
	v.SetDefault(PostgresConnectonTTL, 10*time.Minute)
	v.SetDefault(PostgresInMemory, false)
	v.SetDefault(GormLogLevel, int(slog.LevelDebug))
	v.SetDefault(GormTraceQueries, false)
	v.SetDefault(AppLogLevel, int(slog.LevelDebug))
	v.SetDefault(S3ArchiveEnabled, false)
	v.SetDefault(S3SSLEnabled, true)

	v.SetDefault(MaxUsageRatio, 0.9)
	v.SetDefault(WarningRatio, 0.85)
	v.SetDefault(CleanupCooldown, 5*time.Minute)
	v.SetDefault(TelemetryBaselineRatio, 0.05)
	v.SetDefault(ExecutorDefaultDeadline, 600*time.Second)
	v.SetDefault(ExecutorMaxConcurrent, 8)
	v.SetDefault(ThresholdWindowSize, 100)
	v.SetDefault(TelemetryPollSeconds, 15)
	v.SetDefault(ComplianceChecks, []string{
		"CONTENT_SAFETY",
		"FACE_DETECTION",
		"HARMFUL_CONTENT",
		"OUTPUT_QUALITY",
		"WATERMARK",
	})

	v.SetDefault(UseOTLP, false)

	v.SetDefault(GracefulShutdownSecs, 30)

	err = v.ReadInConfig()
	if err != nil {
		// ignore config file not found to allow pure env config
		if _, ok := err.(*viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	err = v.Unmarshal(&config)
	if err != nil {
		configReady = false
		return nil, err
	}

	valid := validator.Create()
	err = valid.Validate(&config)
	if err != nil {
		configReady = false
		return nil, err
	}

	configReady = true
	return &config, nil
}

func (c *Config) PostgresDSN() string {
	return fmt.Sprintf(
		"postgresql://%s:%s@%s:%d/%s",
		url.QueryEscape(c.Postgres.User),
		url.QueryEscape(c.Postgres.Password),
		c.Postgres.Host, c.Postgres.Port,
		url.QueryEscape(c.Postgres.Database),
	)
}
