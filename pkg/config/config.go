// Package config loads relay settings from defaults, an optional YAML file and
// RELAY_ environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const EnvPrefix = "RELAY_"

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Broker   BrokerConfig   `koanf:"broker"`
	Archive  ArchiveConfig  `koanf:"archive"`
	Ingress  IngressConfig  `koanf:"ingress"`
	Producer ProducerConfig `koanf:"producer"`
	Logging  LoggingConfig  `koanf:"logging"`
}

type ServerConfig struct {
	EventsAddr      string        `koanf:"events_addr" validate:"required"`
	MetricsAddr     string        `koanf:"metrics_addr" validate:"required"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
	// PublishRate is requests per second on the publish endpoint; 0 disables
	// the limiter.
	PublishRate  float64 `koanf:"publish_rate" validate:"gte=0"`
	PublishBurst int     `koanf:"publish_burst" validate:"gte=0"`
}

type BrokerConfig struct {
	QueueCapacity   int           `koanf:"queue_capacity" validate:"gt=0"`
	PollInterval    time.Duration `koanf:"poll_interval" validate:"gt=0"`
	DeliveryTimeout time.Duration `koanf:"delivery_timeout" validate:"gt=0"`
	Drain           bool          `koanf:"drain"`
	DrainTimeout    time.Duration `koanf:"drain_timeout" validate:"gt=0"`
	Strict          bool          `koanf:"strict"`
	EphemeralTopics bool          `koanf:"ephemeral_topics"`
	Topics          []string      `koanf:"topics" validate:"dive,required"`
}

type ArchiveConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Topic           string        `koanf:"topic" validate:"required_if=Enabled true"`
	Backend         string        `koanf:"backend" validate:"oneof=file badger"`
	Dir             string        `koanf:"dir" validate:"required_if=Backend file"`
	BatchSize       int           `koanf:"batch_size" validate:"gt=0"`
	FlushInterval   time.Duration `koanf:"flush_interval" validate:"gt=0"`
	MaxRetries      uint64        `koanf:"max_retries"`
	RetryInitial    time.Duration `koanf:"retry_initial" validate:"gt=0"`
	RetryMax        time.Duration `koanf:"retry_max" validate:"gtefield=RetryInitial"`
	BreakerFailures uint32        `koanf:"breaker_failures" validate:"gt=0"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout" validate:"gt=0"`
}

type Route struct {
	Subject string `koanf:"subject" validate:"required"`
	Topic   string `koanf:"topic"`
}

type IngressConfig struct {
	Enabled  bool    `koanf:"enabled"`
	URL      string  `koanf:"url" validate:"required_if=Enabled true"`
	Embedded bool    `koanf:"embedded"`
	Routes   []Route `koanf:"routes" validate:"dive"`
}

type ProducerConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Topic    string        `koanf:"topic" validate:"required_if=Enabled true"`
	Subject  string        `koanf:"subject"`
	Interval time.Duration `koanf:"interval" validate:"gt=0"`
	Via      string        `koanf:"via" validate:"oneof=broker nats"`
}

type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn warning error fatal panic"`
	Format string `koanf:"format" validate:"oneof=text json color"`
}

// DefaultRoute carries the sensor subject into the sensor topic.
var DefaultRoute = Route{Subject: "runscreen.topic", Topic: "runscreen/topic"}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			EventsAddr:      ":8080",
			MetricsAddr:     ":8081",
			ShutdownTimeout: 5 * time.Second,
			PublishRate:     0,
			PublishBurst:    100,
		},
		Broker: BrokerConfig{
			QueueCapacity:   256,
			PollInterval:    time.Second,
			DeliveryTimeout: 5 * time.Second,
			Drain:           true,
			DrainTimeout:    5 * time.Second,
		},
		Archive: ArchiveConfig{
			Enabled:         false,
			Topic:           "runscreen/topic",
			Backend:         "file",
			Dir:             "archive",
			BatchSize:       10,
			FlushInterval:   30 * time.Second,
			MaxRetries:      3,
			RetryInitial:    500 * time.Millisecond,
			RetryMax:        10 * time.Second,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
		Ingress: IngressConfig{
			Enabled:  false,
			URL:      "nats://127.0.0.1:4222",
			Embedded: false,
		},
		Producer: ProducerConfig{
			Enabled:  false,
			Topic:    "runscreen/topic",
			Subject:  "runscreen.topic",
			Interval: 10 * time.Second,
			Via:      "broker",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// envKey maps RELAY_BROKER_QUEUE_CAPACITY to broker.queue_capacity. Only the
// first underscore separates the section from the key.
func envKey(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	return strings.Replace(key, "_", ".", 1)
}

// listKeys are accepted as comma-separated strings from the environment.
var listKeys = []string{"broker.topics"}

func splitLists(k *koanf.Koanf) error {
	for _, path := range listKeys {
		value, ok := k.Get(path).(string)
		if !ok {
			continue
		}

		items := []string{}
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}

		if err := k.Set(path, items); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}
	return nil
}

// Load builds the configuration. An empty path skips the file layer.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := splitLists(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if len(cfg.Ingress.Routes) == 0 {
		cfg.Ingress.Routes = []Route{DefaultRoute}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

var validate = validator.New()

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var invalid validator.ValidationErrors
		if errors.As(err, &invalid) {
			fields := make([]string, 0, len(invalid))
			for _, e := range invalid {
				fields = append(fields, fmt.Sprintf("%s (%s)", e.Namespace(), e.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Producer.Enabled && c.Producer.Via == "nats" {
		if !c.Ingress.Enabled {
			return errors.New("invalid config: producer.via nats requires ingress.enabled")
		}
		if c.Producer.Subject == "" {
			return errors.New("invalid config: producer.subject is required when producer.via is nats")
		}
	}

	return nil
}
