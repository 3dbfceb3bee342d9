package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the orchestrator service.
type Config struct {
	LogLevel     string
	HTTPAddr     string
	KafkaBrokers string
	RedisAddr    string
	PostgresDSN  string

	MinWorkers       int
	MaxWorkers       int
	ScaleUpThreshold int
	DailyBudget      float64
	ScaleDownDelay   time.Duration
	TickInterval     time.Duration
	JobDeadline      time.Duration
	ReaperSchedule   string

	RateLimit       int
	RateLimitWindow time.Duration

	WebhookURL   string
	GatewayURL   string
	GatewayKey   string
	MetricsAddr  string
	OTelEndpoint string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:     v.GetString("log_level"),
		HTTPAddr:     v.GetString("http_addr"),
		KafkaBrokers: v.GetString("kafka_brokers"),
		RedisAddr:    v.GetString("redis_addr"),
		PostgresDSN:  v.GetString("postgres_dsn"),

		MinWorkers:       v.GetInt("min_workers"),
		MaxWorkers:       v.GetInt("max_workers"),
		ScaleUpThreshold: v.GetInt("scale_up_threshold"),
		DailyBudget:      v.GetFloat64("daily_budget"),
		ScaleDownDelay:   v.GetDuration("scale_down_delay"),
		TickInterval:     v.GetDuration("tick_interval"),
		JobDeadline:      v.GetDuration("job_deadline"),
		ReaperSchedule:   v.GetString("reaper_schedule"),

		RateLimit:       v.GetInt("rate_limit"),
		RateLimitWindow: v.GetDuration("rate_limit_window"),

		WebhookURL:   v.GetString("webhook_url"),
		GatewayURL:   v.GetString("gateway_url"),
		GatewayKey:   v.GetString("gateway_key"),
		MetricsAddr:  v.GetString("metrics_addr"),
		OTelEndpoint: v.GetString("otel_endpoint"),
	}
}
