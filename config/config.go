// Package config loads the control plane configuration from YAML.
package config

import (
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goliatone/go-errors"
	"gopkg.in/yaml.v3"

	"github.com/goliatone/go-controlplane/handlers"
)

type Config struct {
	// Provider names the backend recorded on audit entries.
	Provider string         `yaml:"provider" validate:"required"`
	Log      LogConfig      `yaml:"log"`
	Store    StoreConfig    `yaml:"store"`
	Locks    LockConfig     `yaml:"locks"`
	Queue    QueueConfig    `yaml:"queue"`
	Engine   EngineConfig   `yaml:"engine"`
	Timing   TimingConfig   `yaml:"timing"`
	Audit    AuditConfig    `yaml:"audit"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

type StoreConfig struct {
	Driver     string        `yaml:"driver" validate:"oneof=memory sqlite"`
	DSN        string        `yaml:"dsn" validate:"required_if=Driver sqlite"`
	DeletedTTL time.Duration `yaml:"deleted_ttl" validate:"gte=0"`
	// PurgeInterval is how often expired soft deleted documents are removed.
	PurgeInterval time.Duration `yaml:"purge_interval" validate:"gte=0"`
}

type LockConfig struct {
	Backend   string `yaml:"backend" validate:"oneof=memory redis"`
	RedisAddr string `yaml:"redis_addr" validate:"required_if=Backend redis"`
	Prefix    string `yaml:"prefix"`
	// TTL frees the locks of a crashed process. Live owners renew theirs
	// every RenewInterval, a third of the TTL when unset.
	TTL           time.Duration `yaml:"ttl" validate:"gt=0"`
	RenewInterval time.Duration `yaml:"renew_interval" validate:"gte=0,ltfield=TTL"`
	PollInterval  time.Duration `yaml:"poll_interval" validate:"gt=0"`
}

type QueueConfig struct {
	Driver        string        `yaml:"driver" validate:"oneof=memory nats"`
	NATSURL       string        `yaml:"nats_url" validate:"required_if=Driver nats"`
	Stream        string        `yaml:"stream"`
	Subject       string        `yaml:"subject"`
	Durable       string        `yaml:"durable"`
	Workers       int           `yaml:"workers" validate:"gt=0"`
	MaxDeliveries int           `yaml:"max_deliveries" validate:"gt=0"`
	AckWait       time.Duration `yaml:"ack_wait" validate:"gte=0"`
}

type EngineConfig struct {
	MaxConcurrent int `yaml:"max_concurrent" validate:"gte=0"`
	MaxAttempts   int `yaml:"max_attempts" validate:"gt=0"`
}

// TimingConfig mirrors handlers.Timing; zero fields keep the defaults.
type TimingConfig struct {
	PollInterval       time.Duration `yaml:"poll_interval" validate:"gte=0"`
	TaskTimeout        time.Duration `yaml:"task_timeout" validate:"gte=0"`
	PollsPerGeneration int           `yaml:"polls_per_generation" validate:"gte=0"`
	ParentWait         time.Duration `yaml:"parent_wait" validate:"gte=0"`
	DeployParentWait   time.Duration `yaml:"deploy_parent_wait" validate:"gte=0"`
	DestroyRetry       time.Duration `yaml:"destroy_retry" validate:"gte=0"`
	DeploymentTimeout  time.Duration `yaml:"deployment_timeout" validate:"gte=0"`
}

type AuditConfig struct {
	// JSONPath appends JSON lines to a file; "-" writes to stdout.
	JSONPath             string `yaml:"json_path"`
	BlobConnectionString string `yaml:"blob_connection_string"`
	BlobContainer        string `yaml:"blob_container" validate:"required_with=BlobConnectionString"`
}

type ScheduleConfig struct {
	Enabled bool          `yaml:"enabled"`
	Refresh time.Duration `yaml:"refresh" validate:"gte=0"`
}

type MetricsConfig struct {
	Addr      string `yaml:"addr"`
	Namespace string `yaml:"namespace" validate:"required"`
}

var validate = validator.New()

// Default returns a configuration that runs everything in memory.
func Default() *Config {
	t := handlers.DefaultTiming()
	return &Config{
		Provider: "local",
		Log:      LogConfig{Level: "info", Format: "json"},
		Store: StoreConfig{
			Driver:        "memory",
			DeletedTTL:    7 * 24 * time.Hour,
			PurgeInterval: time.Hour,
		},
		Locks: LockConfig{
			Backend:      "memory",
			Prefix:       "controlplane:lock:",
			TTL:          5 * time.Minute,
			PollInterval: 50 * time.Millisecond,
		},
		Queue: QueueConfig{
			Driver:        "memory",
			Stream:        "CONTROLPLANE",
			Subject:       "controlplane.commands",
			Durable:       "controlplane",
			Workers:       4,
			MaxDeliveries: 5,
			AckWait:       time.Minute,
		},
		Engine: EngineConfig{MaxConcurrent: 64, MaxAttempts: 3},
		Timing: TimingConfig{
			PollInterval:       t.PollInterval,
			TaskTimeout:        t.TaskTimeout,
			PollsPerGeneration: t.PollsPerGeneration,
			ParentWait:         t.ParentWait,
			DeployParentWait:   t.DeployParentWait,
			DestroyRetry:       t.DestroyRetry,
			DeploymentTimeout:  t.DeploymentTimeout,
		},
		Schedule: ScheduleConfig{Enabled: true, Refresh: time.Minute},
		Metrics:  MetricsConfig{Addr: ":9090", Namespace: "controlplane"},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryBadInput, "read config "+path)
	}
	return Parse(data)
}

// Parse decodes YAML (or JSON) over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, errors.CategoryBadInput, "decode config")
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		fields := map[string]any{}
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				fields[fe.Namespace()] = fe.Tag()
			}
		}
		return errors.Wrap(err, errors.CategoryValidation, "invalid configuration").
			WithTextCode("INVALID_CONFIG").
			WithMetadata(map[string]any{"fields": fields})
	}
	return nil
}

// HandlerTiming converts the timing section for handlers.WithTiming.
func (c *Config) HandlerTiming() handlers.Timing {
	return handlers.Timing{
		PollInterval:       c.Timing.PollInterval,
		TaskTimeout:        c.Timing.TaskTimeout,
		PollsPerGeneration: c.Timing.PollsPerGeneration,
		ParentWait:         c.Timing.ParentWait,
		DeployParentWait:   c.Timing.DeployParentWait,
		DestroyRetry:       c.Timing.DestroyRetry,
		DeploymentTimeout:  c.Timing.DeploymentTimeout,
	}
}
