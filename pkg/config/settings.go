package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	configName = "jobqueue"
	envPrefix  = "JOBQUEUE"
)

type Settings struct {
	Environment   string             `mapstructure:"environment" validate:"oneof=development test staging production"`
	HTTP          HTTPSettings       `mapstructure:"http"`
	Database      DbSettings         `mapstructure:"database"`
	Audit         AuditSettings      `mapstructure:"audit"`
	State         StateSettings      `mapstructure:"state"`
	Broker        BrokerSettings     `mapstructure:"broker"`
	Queue         QueueSettings      `mapstructure:"queue"`
	Worker        WorkerSettings     `mapstructure:"worker"`
	Stages        StageSettings      `mapstructure:"stages"`
	Notifier      NotifierSettings   `mapstructure:"notifier"`
	Monitoring    MonitoringSettings `mapstructure:"monitoring"`
	Observability Observability      `mapstructure:"observability"`
}

func (c *Settings) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Observability.Enabled && (c.Observability.TracingURL == "" || c.Observability.MetricsURL == "") {
		return errors.New("observability: tracing_url and metrics_url are required when enabled")
	}
	return nil
}

// LoadFromFile reads jobqueue.yaml from dir, merges jobqueue.<ENVIRONMENT>.yaml
// when present and overlays JOBQUEUE_* environment variables.
func LoadFromFile(dir string) (*Settings, error) {
	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	v := viper.New()
	setDefaults(v, env)
	v.SetConfigType("yaml")
	v.SetConfigName(configName)
	v.AddConfigPath(dir)
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := mergeConfig(v, dir, configName+"."+env); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("merge %s config: %w", env, err)
		}
	}

	cfg := &Settings{}
	if err := cfg.loadFromEnv(v); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFromEnv builds settings from defaults and JOBQUEUE_* variables only.
func LoadFromEnv() (*Settings, error) {
	v := viper.New()
	setDefaults(v, getEnvWithDefaultLookup("ENVIRONMENT", "development"))
	cfg := &Settings{}
	if err := cfg.loadFromEnv(v); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Settings) loadFromEnv(v *viper.Viper) error {
	v.AutomaticEnv()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like JOBQUEUE_DATABASE_DSN

	// Keys without a default are invisible to AutomaticEnv during Unmarshal.
	for _, key := range []string{
		"database.dsn",
		"audit.type",
		"audit.uri",
		"state.redis_addr",
		"state.redis_password",
		"state.spanner_database",
		"broker.url",
		"broker.project_id",
		"worker.id",
		"stages.webhook_allowed_hosts",
		"stages.email_blacklist",
		"monitoring.probe_urls",
		"observability.tracing_url",
		"observability.metrics_url",
	} {
		if err := v.BindEnv(key); err != nil {
			return err
		}
	}

	return v.Unmarshal(c)
}

func setDefaults(v *viper.Viper, env string) {
	v.SetDefault("environment", env)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 60*time.Second)

	v.SetDefault("database.type", "postgres")
	v.SetDefault("database.migrate", false)
	v.SetDefault("database.max_open_conns", 10)

	v.SetDefault("audit.database", "jobqueue")
	v.SetDefault("audit.collection", "audit_logs")

	v.SetDefault("state.type", "postgres")
	v.SetDefault("state.redis_db", 0)
	v.SetDefault("state.key_prefix", "jobqueue:")

	v.SetDefault("broker.type", "log")
	v.SetDefault("broker.exchange", "jobqueue")
	v.SetDefault("broker.pool_size", 5)
	v.SetDefault("broker.command_topic", "jobqueue.commands")

	v.SetDefault("queue.default_max_attempts", 3)
	v.SetDefault("queue.default_workflow_version", "v1.0")
	v.SetDefault("queue.lock_timeout", 10*time.Minute)
	v.SetDefault("queue.max_backoff", time.Hour)
	v.SetDefault("queue.key_length", 32)

	v.SetDefault("worker.poll_interval", time.Minute)
	v.SetDefault("worker.unlock_interval", 5*time.Minute)
	v.SetDefault("worker.stage_timeout", 30*time.Second)
	v.SetDefault("worker.circuit_breaker_threshold", 5)
	v.SetDefault("worker.embedded", false)

	v.SetDefault("stages.webhook_timeout", 10*time.Second)
	v.SetDefault("stages.vat_rate", 0.21)
	v.SetDefault("stages.allowed_content_types", []string{"image/jpeg", "image/png", "application/pdf"})
	v.SetDefault("stages.max_file_bytes", 25<<20)

	v.SetDefault("notifier.enabled", true)
	v.SetDefault("notifier.topic", "jobqueue.notifications")
	v.SetDefault("notifier.admin_topic", "jobqueue.admin-alerts")
	v.SetDefault("notifier.admin_retries", 3)
	v.SetDefault("notifier.success_alerts", false)

	v.SetDefault("monitoring.queue_depth_warning", 100)
	v.SetDefault("monitoring.stuck_processing_max", 5)
	v.SetDefault("monitoring.load_in_flight_max", 50)
	v.SetDefault("monitoring.probe_timeout", 5*time.Second)
	v.SetDefault("monitoring.recent_activity_limit", 20)
	v.SetDefault("monitoring.sla_success_rate", 95.0)
	v.SetDefault("monitoring.sla_max_avg_duration", 120*time.Second)

	v.SetDefault("observability.enabled", false)
	v.SetDefault("observability.service_name", "jobqueue")
}

func mergeConfig(v *viper.Viper, path string, name string) error {
	v.SetConfigName(name)
	v.AddConfigPath(path)
	return v.MergeInConfig()
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
