// Package config loads the environment/config inputs spec §6 names (shard
// count, retry base delay, breaker thresholds, rescore interval, snapshot
// interval, event-bus high-water mark) plus the provider/worker/cost-mode
// registration data spec §6 describes as external interfaces, via
// github.com/spf13/viper. All fields have defaults and remain readable at
// runtime through Config, serving as the "admin interface" spec §6 calls
// for. Grounded on the corpus's viper+cobra config convention (divinesense).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Scheduler holds spec §6's named scheduler tuning inputs.
type Scheduler struct {
	ShardCount           int           `mapstructure:"shard_count"`
	ShardIndex           int           `mapstructure:"shard_index"`
	RetryBaseDelay       time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay        time.Duration `mapstructure:"retry_max_delay"`
	CheckpointInterval   time.Duration `mapstructure:"checkpoint_interval"`
	TickInterval         time.Duration `mapstructure:"tick_interval"`
	QueueRescoreInterval time.Duration `mapstructure:"queue_rescore_interval"`
	CostMode             string        `mapstructure:"cost_mode"`
}

// EventBus holds the bus's backpressure tuning.
type EventBus struct {
	SubscriberBufferSize int `mapstructure:"subscriber_buffer_size"`
}

// BreakerConfig mirrors model.BreakerConfig in plain config form.
type BreakerConfig struct {
	ConsecutiveFailures int           `mapstructure:"consecutive_failures"`
	Window              time.Duration `mapstructure:"window"`
	Cooldown            time.Duration `mapstructure:"cooldown"`
}

// ProviderConfig is one named provider entry, spec §6 "Provider
// configuration".
type ProviderConfig struct {
	ID               string        `mapstructure:"id"`
	Endpoint         string        `mapstructure:"endpoint"`
	CostPerToken     float64       `mapstructure:"cost_per_token"`
	DailyTokenBudget int64         `mapstructure:"daily_token_budget"`
	FillRatePerSec   float64       `mapstructure:"fill_rate_per_sec"`
	PriorityClass    string        `mapstructure:"priority_class"`
	Capabilities     []string      `mapstructure:"capabilities"`
	Breaker          BreakerConfig `mapstructure:"breaker"`
}

// CostModeConfig is a named, ordered provider preference set, spec §6
// "Modes are named sets of provider ids with an ordering."
type CostModeConfig struct {
	Name      string   `mapstructure:"name"`
	Providers []string `mapstructure:"providers"`
	Classes   []string `mapstructure:"classes"`
}

// WorkerConfig is one statically-registered worker entry, spec §6 "Worker
// registration". Workers registered this way still heartbeat/drain like any
// other worker; this is only their initial seeding.
type WorkerConfig struct {
	ID                 string   `mapstructure:"id"`
	Capabilities       []string `mapstructure:"capabilities"`
	ConcurrencyLimit   int      `mapstructure:"concurrency_limit"`
	PreferredProviders []string `mapstructure:"preferred_providers"`
}

// Config is the fully resolved process configuration.
type Config struct {
	Service           string        `mapstructure:"service"`
	HTTPAddr          string        `mapstructure:"http_addr"`
	StorePath         string        `mapstructure:"store_path"`
	DispatchTimeout   time.Duration `mapstructure:"dispatch_timeout"`
	WorkerIdleTimeout time.Duration `mapstructure:"worker_idle_timeout"`
	NATSURL           string        `mapstructure:"nats_url"`
	NATSSubject       string        `mapstructure:"nats_subject"`

	Scheduler Scheduler        `mapstructure:"scheduler"`
	EventBus  EventBus         `mapstructure:"event_bus"`
	Providers []ProviderConfig `mapstructure:"providers"`
	CostModes []CostModeConfig `mapstructure:"cost_modes"`
	Workers   []WorkerConfig   `mapstructure:"workers"`

	Alerts AlertThresholds `mapstructure:"alerts"`
}

// AlertThresholds mirrors internal/metrics.Thresholds in plain config form,
// avoiding a config -> metrics import for a handful of float fields.
type AlertThresholds struct {
	ProviderCostBudgetFraction float64 `mapstructure:"provider_cost_budget_fraction"`
	QueueDepthMax              int64   `mapstructure:"queue_depth_max"`
	SuccessRateMin             float64 `mapstructure:"success_rate_min"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service", "taskmesh")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("store_path", "./taskmesh.db")
	v.SetDefault("dispatch_timeout", 30*time.Second)
	v.SetDefault("worker_idle_timeout", 5*time.Minute)

	v.SetDefault("scheduler.shard_count", 1)
	v.SetDefault("scheduler.shard_index", 0)
	v.SetDefault("scheduler.retry_base_delay", 500*time.Millisecond)
	v.SetDefault("scheduler.retry_max_delay", 30*time.Second)
	v.SetDefault("scheduler.checkpoint_interval", 30*time.Second)
	v.SetDefault("scheduler.tick_interval", 50*time.Millisecond)
	v.SetDefault("scheduler.queue_rescore_interval", 15*time.Second)
	v.SetDefault("scheduler.cost_mode", "default")

	v.SetDefault("event_bus.subscriber_buffer_size", 256)
	v.SetDefault("nats_subject", "taskmesh.events")

	v.SetDefault("alerts.provider_cost_budget_fraction", 0.9)
	v.SetDefault("alerts.queue_depth_max", 1000)
	v.SetDefault("alerts.success_rate_min", 0.8)
}

// Load reads configuration from defaults, the file at path (if non-empty),
// and environment variables prefixed TASKMESH_ (nested keys joined with
// underscores, e.g. TASKMESH_SCHEDULER_SHARD_COUNT), in that ascending
// priority order — matching viper's own precedence rules.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("taskmesh")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}
