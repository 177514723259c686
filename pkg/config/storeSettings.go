package config

// DbSettings selects and configures the job store.
type DbSettings struct {
	Type         string `mapstructure:"type" validate:"oneof=postgres memory"`
	DSN          string `mapstructure:"dsn" validate:"required_if=Type postgres"`
	Migrate      bool   `mapstructure:"migrate"`
	MaxOpenConns int    `mapstructure:"max_open_conns" validate:"min=0"`
}

// AuditSettings selects where stage audit rows are written. An empty type
// writes them next to the jobs.
type AuditSettings struct {
	Type       string `mapstructure:"type" validate:"omitempty,oneof=postgres mongo memory"`
	URI        string `mapstructure:"uri" validate:"required_if=Type mongo"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

// StateSettings selects the backend holding worker and circuit breaker state.
type StateSettings struct {
	Type            string `mapstructure:"type" validate:"oneof=postgres redis spanner memory"`
	RedisAddr       string `mapstructure:"redis_addr" validate:"required_if=Type redis"`
	RedisPassword   string `mapstructure:"redis_password"`
	RedisDB         int    `mapstructure:"redis_db" validate:"min=0"`
	KeyPrefix       string `mapstructure:"key_prefix"`
	SpannerDatabase string `mapstructure:"spanner_database" validate:"required_if=Type spanner"`
}

// BrokerSettings holds configuration for connecting to a message broker.
type BrokerSettings struct {
	Type         string `mapstructure:"type" validate:"oneof=rabbitmq gcp-pubsub log"`
	URL          string `mapstructure:"url" validate:"required_if=Type rabbitmq"`
	Exchange     string `mapstructure:"exchange"`
	ProjectID    string `mapstructure:"project_id" validate:"required_if=Type gcp-pubsub"` // GCP Pub/Sub only
	PoolSize     int    `mapstructure:"pool_size" validate:"min=0"`                        // RabbitMQ only
	CommandTopic string `mapstructure:"command_topic" validate:"required"`
}
