package config

import "time"

type QueueSettings struct {
	DefaultMaxAttempts     int           `mapstructure:"default_max_attempts" validate:"min=1"`
	DefaultWorkflowVersion string        `mapstructure:"default_workflow_version" validate:"required"`
	LockTimeout            time.Duration `mapstructure:"lock_timeout" validate:"gt=0"`
	MaxBackoff             time.Duration `mapstructure:"max_backoff" validate:"gt=0"`
	KeyLength              int           `mapstructure:"key_length" validate:"min=16,max=64"`
}

type WorkerSettings struct {
	ID                      string        `mapstructure:"id"`
	PollInterval            time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	UnlockInterval          time.Duration `mapstructure:"unlock_interval" validate:"gt=0"`
	StageTimeout            time.Duration `mapstructure:"stage_timeout" validate:"gt=0"`
	CircuitBreakerThreshold int           `mapstructure:"circuit_breaker_threshold" validate:"min=1"`
	Embedded                bool          `mapstructure:"embedded"` // run the poll loop inside the server
}

// PackageSettings is one bookable package in the catalog.
type PackageSettings struct {
	Name       string `mapstructure:"name" validate:"required"`
	PriceCents int64  `mapstructure:"price_cents" validate:"gt=0"`
	Currency   string `mapstructure:"currency" validate:"len=3"`
}

type StageSettings struct {
	WebhookAllowedHosts   []string                   `mapstructure:"webhook_allowed_hosts"`
	AllowInsecureWebhooks bool                       `mapstructure:"allow_insecure_webhooks"`
	WebhookTimeout        time.Duration              `mapstructure:"webhook_timeout" validate:"gt=0"`
	EmailBlacklist        []string                   `mapstructure:"email_blacklist"`
	VATRate               float64                    `mapstructure:"vat_rate" validate:"min=0,max=1"`
	Packages              map[string]PackageSettings `mapstructure:"packages" validate:"dive"`
	AllowedContentTypes   []string                   `mapstructure:"allowed_content_types" validate:"min=1"`
	MaxFileBytes          int64                      `mapstructure:"max_file_bytes" validate:"gt=0"`
}

type NotifierSettings struct {
	Enabled       bool   `mapstructure:"enabled"`
	Topic         string `mapstructure:"topic" validate:"required_if=Enabled true"`
	AdminTopic    string `mapstructure:"admin_topic" validate:"required_if=Enabled true"`
	AdminRetries  int    `mapstructure:"admin_retries" validate:"min=0"`
	SuccessAlerts bool   `mapstructure:"success_alerts"`
}

type MonitoringSettings struct {
	QueueDepthWarning   int           `mapstructure:"queue_depth_warning" validate:"min=1"`
	StuckProcessingMax  int           `mapstructure:"stuck_processing_max" validate:"min=0"`
	LoadInFlightMax     int           `mapstructure:"load_in_flight_max" validate:"min=1"`
	ProbeURLs           []string      `mapstructure:"probe_urls" validate:"dive,url"`
	ProbeTimeout        time.Duration `mapstructure:"probe_timeout" validate:"gt=0"`
	RecentActivityLimit int           `mapstructure:"recent_activity_limit" validate:"min=1"`
	SLASuccessRate      float64       `mapstructure:"sla_success_rate" validate:"min=0,max=100"`
	SLAMaxAvgDuration   time.Duration `mapstructure:"sla_max_avg_duration" validate:"gt=0"`
}
