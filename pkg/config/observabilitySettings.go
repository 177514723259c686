package config

import "time"

// Observability configures OTLP export. Endpoints are required once Enabled is set.
type Observability struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name" validate:"required"`
	TracingURL  string `mapstructure:"tracing_url" validate:"omitempty,url"`
	MetricsURL  string `mapstructure:"metrics_url" validate:"omitempty,url"`
}

type HTTPSettings struct {
	Addr         string        `mapstructure:"addr" validate:"required"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
}
